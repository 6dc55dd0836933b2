package models

import (
	"strings"
	"time"
	"unicode/utf8"
)

// ContentType classifies a message body.
type ContentType string

const (
	ContentText  ContentType = "text"
	ContentImage ContentType = "image"
	ContentFile  ContentType = "file"
	ContentVoice ContentType = "voice"
)

// Valid reports whether c is a known content type.
func (c ContentType) Valid() bool {
	switch c {
	case ContentText, ContentImage, ContentFile, ContentVoice:
		return true
	}
	return false
}

// Message is a stored message row. Deleted messages stay as tombstones.
type Message struct {
	ID              int64       `db:"id" json:"id"`
	ConversationID  int64       `db:"conversation_id" json:"conversation_id"`
	SenderID        *int64      `db:"sender_id" json:"sender_id,omitempty"`
	Content         string      `db:"content" json:"content"`
	ContentType     ContentType `db:"content_type" json:"content_type"`
	AttachmentURL   *string     `db:"attachment_url" json:"attachment_url,omitempty"`
	AttachmentName  *string     `db:"attachment_name" json:"attachment_name,omitempty"`
	AttachmentSize  *int64      `db:"attachment_size" json:"attachment_size,omitempty"`
	AttachmentMime  *string     `db:"attachment_mime" json:"attachment_mime,omitempty"`
	DurationSeconds *int        `db:"duration_seconds" json:"duration_seconds,omitempty"`
	ReplyToID       *int64      `db:"reply_to_id" json:"reply_to_id,omitempty"`
	IsSystem        bool        `db:"is_system" json:"is_system"`
	IsDeleted       bool        `db:"is_deleted" json:"is_deleted"`
	IsEdited        bool        `db:"is_edited" json:"is_edited"`
	ClientRef       *string     `db:"client_ref" json:"client_ref,omitempty"`
	CreatedAt       time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time   `db:"updated_at" json:"updated_at"`
}

// Attachment describes an uploaded blob referenced by a message.
type Attachment struct {
	URL             string `json:"url"`
	Name            string `json:"name"`
	Size            int64  `json:"size"`
	MimeType        string `json:"mime_type"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
}

// Attachment returns the attachment fields of m, or nil for plain text.
func (m Message) Attachment() *Attachment {
	if m.AttachmentURL == nil || *m.AttachmentURL == "" {
		return nil
	}
	a := &Attachment{URL: *m.AttachmentURL}
	if m.AttachmentName != nil {
		a.Name = *m.AttachmentName
	}
	if m.AttachmentSize != nil {
		a.Size = *m.AttachmentSize
	}
	if m.AttachmentMime != nil {
		a.MimeType = *m.AttachmentMime
	}
	if m.DurationSeconds != nil {
		a.DurationSeconds = *m.DurationSeconds
	}
	return a
}

// Sender is the resolved author of a message.
type Sender struct {
	ID          int64  `json:"id"`
	DisplayName string `json:"display_name"`
}

// ReplyPreview is the lightweight rendering of a replied-to message.
type ReplyPreview struct {
	MessageID  int64  `json:"message_id"`
	SenderName string `json:"sender_name"`
	Snippet    string `json:"snippet"`
}

// MessageView is a message as rendered to a participant.
type MessageView struct {
	ID             int64         `json:"id"`
	ConversationID int64         `json:"conversation_id"`
	Sender         *Sender       `json:"sender,omitempty"`
	Content        string        `json:"content"`
	ContentType    ContentType   `json:"content_type"`
	Attachment     *Attachment   `json:"attachment,omitempty"`
	ReplyTo        *ReplyPreview `json:"reply_to,omitempty"`
	IsSystem       bool          `json:"is_system"`
	IsDeleted      bool          `json:"is_deleted"`
	IsEdited       bool          `json:"is_edited"`
	ClientRef      string        `json:"client_ref,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

// NewMessageView renders m. Tombstones keep their identity but lose content,
// attachment and reply.
func NewMessageView(m Message, sender *Sender, reply *ReplyPreview) MessageView {
	v := MessageView{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Sender:         sender,
		Content:        m.Content,
		ContentType:    m.ContentType,
		Attachment:     m.Attachment(),
		ReplyTo:        reply,
		IsSystem:       m.IsSystem,
		IsDeleted:      m.IsDeleted,
		IsEdited:       m.IsEdited,
		CreatedAt:      m.CreatedAt,
	}
	if m.ClientRef != nil {
		v.ClientRef = *m.ClientRef
	}
	if m.IsDeleted {
		v.Content = ""
		v.Attachment = nil
		v.ReplyTo = nil
	}
	return v
}

// Before reports whether v sorts before o in display order.
func (v MessageView) Before(o MessageView) bool {
	if !v.CreatedAt.Equal(o.CreatedAt) {
		return v.CreatedAt.Before(o.CreatedAt)
	}
	return v.ID < o.ID
}

// MessagePage is one page of a conversation, oldest first.
type MessagePage struct {
	Messages     []MessageView `json:"messages"`
	Page         int           `json:"page"`
	PageSize     int           `json:"page_size"`
	TotalPages   int           `json:"total_pages"`
	HasMoreOlder bool          `json:"has_more_older"`
}

// SendInput is the payload of a message send.
type SendInput struct {
	Content     string      `json:"content"`
	ContentType ContentType `json:"content_type,omitempty"`
	Attachment  *Attachment `json:"attachment,omitempty"`
	ReplyToID   *int64      `json:"reply_to_id,omitempty"`
	ClientRef   string      `json:"client_ref,omitempty"`
	IsSystem    bool        `json:"-"`
}

// HasBody reports whether the input carries text or an attachment.
func (in SendInput) HasBody() bool {
	return strings.TrimSpace(in.Content) != "" || (in.Attachment != nil && in.Attachment.URL != "")
}

// Truncate cuts s to at most n runes, appending an ellipsis when cut.
func Truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "…"
}

const (
	UnknownUserName = "Unknown user"
	DeletedPreview  = "Message deleted"
)

// Preview builds the conversation list preview for a message.
func Preview(content string, ct ContentType, n int) string {
	if p := Truncate(content, n); p != "" {
		return p
	}
	switch ct {
	case ContentImage:
		return "📷 Photo"
	case ContentFile:
		return "📎 File"
	case ContentVoice:
		return "🎤 Voice message"
	}
	return ""
}
