package messaging

import (
	"context"

	"go.uber.org/zap"

	"conversation-service/internal/models"
)

// MarkAsRead advances the caller's read marker to the latest message. It
// reports false when there was nothing new to read.
func (s *Service) MarkAsRead(ctx context.Context, userID, conversationID int64) (bool, error) {
	const op = "messaging.MarkAsRead"
	if err := s.requireParticipant(ctx, op, conversationID, userID); err != nil {
		return false, err
	}
	advanced, err := s.conversations.MarkRead(ctx, conversationID, userID)
	if err != nil {
		return false, classify(op, err)
	}
	return advanced, nil
}

// LeaveConversation removes the caller from the conversation. Leaving twice is a no-op.
func (s *Service) LeaveConversation(ctx context.Context, userID, conversationID int64) error {
	const op = "messaging.LeaveConversation"
	if err := s.conversations.RemoveParticipant(ctx, conversationID, userID); err != nil {
		return classify(op, err)
	}
	s.logger.Info("participant left conversation", zap.Int64("conversation_id", conversationID), zap.Int64("user_id", userID))
	s.publish(ctx, RoutingConversationLeft, models.ConversationLeftEvent{ConversationID: conversationID, UserID: userID})
	s.emitAudit(ctx, "Left conversation", userID)
	return nil
}

// TogglePin flips the caller's pin flag and returns the new value.
func (s *Service) TogglePin(ctx context.Context, userID, conversationID int64) (bool, error) {
	pinned, err := s.conversations.TogglePin(ctx, conversationID, userID)
	if err != nil {
		return false, classify("messaging.TogglePin", err)
	}
	return pinned, nil
}

// ToggleMute flips the caller's mute flag and returns the new value.
func (s *Service) ToggleMute(ctx context.Context, userID, conversationID int64) (bool, error) {
	muted, err := s.conversations.ToggleMute(ctx, conversationID, userID)
	if err != nil {
		return false, classify("messaging.ToggleMute", err)
	}
	return muted, nil
}
