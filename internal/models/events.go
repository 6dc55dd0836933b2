package models

// MessageSentEvent is published after a message is persisted.
type MessageSentEvent struct {
	ConversationID int64       `json:"conversation_id"`
	MessageID      int64       `json:"message_id"`
	SenderID       *int64      `json:"sender_id,omitempty"`
	ContentType    ContentType `json:"content_type"`
	Preview        string      `json:"preview"`
}

// ConversationCreatedEvent is published after a conversation is created.
type ConversationCreatedEvent struct {
	ConversationID int64            `json:"conversation_id"`
	Type           ConversationType `json:"type"`
	CreatedBy      int64            `json:"created_by"`
	ParticipantIDs []int64          `json:"participant_ids"`
}

// ConversationLeftEvent is published after a participant leaves.
type ConversationLeftEvent struct {
	ConversationID int64 `json:"conversation_id"`
	UserID         int64 `json:"user_id"`
}
