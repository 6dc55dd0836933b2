package ws

import (
	"encoding/json"

	"github.com/google/uuid"

	"conversation-service/internal/apperr"
	"conversation-service/internal/models"
	"conversation-service/internal/realtime"
)

func newConnID() string {
	return uuid.NewString()
}

// command is a client request on the session socket.
type command struct {
	Action         string             `json:"action"`
	ConversationID int64              `json:"conversation_id,omitempty"`
	Content        string             `json:"content,omitempty"`
	ContentType    models.ContentType `json:"content_type,omitempty"`
	Attachment     *models.Attachment `json:"attachment,omitempty"`
	ReplyToID      *int64             `json:"reply_to_id,omitempty"`
	ClientRef      string             `json:"client_ref,omitempty"`
}

type conversationsFrame struct {
	Type          string                       `json:"type"`
	Conversations []models.ConversationSummary `json:"conversations"`
	UnreadTotal   int                          `json:"unread_total"`
	Error         *realtime.ErrorInfo          `json:"error,omitempty"`
}

type conversationFrame struct {
	Type         string                      `json:"type"`
	Conversation *realtime.ConversationState `json:"conversation"`
}

type errorFrame struct {
	Type      string      `json:"type"`
	Action    string      `json:"action,omitempty"`
	Kind      apperr.Kind `json:"kind"`
	Message   string      `json:"message"`
	Retryable bool        `json:"retryable"`
}

func encodeUpdate(u realtime.Update) ([]byte, error) {
	switch u.Type {
	case realtime.UpdateConversations:
		list := u.Conversations
		if list == nil {
			list = []models.ConversationSummary{}
		}
		return json.Marshal(conversationsFrame{Type: "conversations", Conversations: list, UnreadTotal: u.UnreadTotal, Error: u.ListError})
	default:
		return json.Marshal(conversationFrame{Type: "conversation", Conversation: u.Conversation})
	}
}

func encodeError(action string, err error) []byte {
	payload, _ := json.Marshal(errorFrame{
		Type:      "error",
		Action:    action,
		Kind:      apperr.KindOf(err),
		Message:   apperr.Message(err),
		Retryable: apperr.IsRetryable(err),
	})
	return payload
}
