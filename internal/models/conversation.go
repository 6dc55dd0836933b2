package models

import "time"

// ConversationType determines display resolution and who may create the conversation.
type ConversationType string

const (
	ConversationDirect    ConversationType = "direct"
	ConversationGroup     ConversationType = "group"
	ConversationTeam      ConversationType = "team"
	ConversationBroadcast ConversationType = "broadcast"
)

// Valid reports whether t is a known conversation type.
func (t ConversationType) Valid() bool {
	switch t {
	case ConversationDirect, ConversationGroup, ConversationTeam, ConversationBroadcast:
		return true
	}
	return false
}

// Glyph is the default avatar for conversations that have no per-user avatar.
func (t ConversationType) Glyph() string {
	switch t {
	case ConversationGroup:
		return "👥"
	case ConversationTeam:
		return "🛠"
	case ConversationBroadcast:
		return "📢"
	}
	return ""
}

// Conversation is a thread of messages shared by its participants.
type Conversation struct {
	ID                 int64            `db:"id" json:"id"`
	Type               ConversationType `db:"type" json:"type"`
	Title              *string          `db:"title" json:"title,omitempty"`
	DirectKey          *string          `db:"direct_key" json:"-"`
	TeamID             *int64           `db:"team_id" json:"team_id,omitempty"`
	CreatedBy          *int64           `db:"created_by" json:"created_by,omitempty"`
	CreatedAt          time.Time        `db:"created_at" json:"created_at"`
	LastMessageAt      *time.Time       `db:"last_message_at" json:"last_message_at,omitempty"`
	LastMessagePreview *string          `db:"last_message_preview" json:"last_message_preview,omitempty"`
}

// Participant is the per-user membership row of a conversation.
type Participant struct {
	ConversationID    int64      `db:"conversation_id" json:"conversation_id"`
	UserID            int64      `db:"user_id" json:"user_id"`
	LastReadMessageID int64      `db:"last_read_message_id" json:"last_read_message_id"`
	LastReadAt        *time.Time `db:"last_read_at" json:"last_read_at,omitempty"`
	IsPinned          bool       `db:"is_pinned" json:"is_pinned"`
	IsMuted           bool       `db:"is_muted" json:"is_muted"`
	JoinedAt          time.Time  `db:"joined_at" json:"joined_at"`
}

// ConversationRow is a conversation joined with the caller's participant row,
// the derived unread count and, for direct conversations, the peer.
type ConversationRow struct {
	Conversation
	IsPinned    bool   `db:"is_pinned"`
	IsMuted     bool   `db:"is_muted"`
	UnreadCount int    `db:"unread_count"`
	PeerID      *int64 `db:"peer_id"`
}

// ConversationSummary is the list entry returned to one user.
type ConversationSummary struct {
	ID                 int64            `json:"id"`
	Type               ConversationType `json:"type"`
	DisplayName        string           `json:"display_name"`
	DisplayAvatar      string           `json:"display_avatar"`
	IsPinned           bool             `json:"is_pinned"`
	IsMuted            bool             `json:"is_muted"`
	UnreadCount        int              `json:"unread_count"`
	LastMessagePreview string           `json:"last_message_preview"`
	LastMessageAt      *time.Time       `json:"last_message_at,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
}

// User is the read-only profile owned by the admin domain.
type User struct {
	ID          int64   `db:"id" json:"id"`
	DisplayName string  `db:"display_name" json:"display_name"`
	AvatarURL   *string `db:"avatar_url" json:"avatar_url,omitempty"`
	Role        string  `db:"role" json:"role"`
	IsActive    bool    `db:"is_active" json:"is_active"`
}

// Team is the read-only team record owned by the admin domain.
type Team struct {
	ID   int64  `db:"id" json:"id"`
	Name string `db:"name" json:"name"`
}

// BroadcastInput is the payload of a broadcast creation.
type BroadcastInput struct {
	Title      string `json:"title"`
	Message    string `json:"message"`
	TargetRole string `json:"target_role"`
	ToEveryone bool   `json:"to_everyone"`
}
