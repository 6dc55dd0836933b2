package messaging

import (
	"context"
	"slices"
	"strings"

	"go.uber.org/zap"

	"conversation-service/internal/apperr"
	"conversation-service/internal/models"
	"conversation-service/internal/observability"
	"conversation-service/internal/repositories"
)

// GetOrCreateDirectConversation returns the one direct conversation of the pair.
// Concurrent calls from both sides converge on the same row.
func (s *Service) GetOrCreateDirectConversation(ctx context.Context, userID, otherUserID int64) (models.Conversation, error) {
	const op = "messaging.GetOrCreateDirectConversation"
	if otherUserID <= 0 {
		return models.Conversation{}, apperr.Validation(op, "user_id is required")
	}
	if otherUserID == userID {
		return models.Conversation{}, apperr.Validation(op, "cannot start a conversation with yourself")
	}

	peer, err := s.users.GetUser(ctx, otherUserID)
	if err != nil {
		return models.Conversation{}, classify(op, err)
	}
	if !peer.IsActive {
		return models.Conversation{}, apperr.NotFound(op, "user not found")
	}

	conv, created, err := s.conversations.GetOrCreateDirect(ctx, userID, otherUserID)
	if err != nil {
		return models.Conversation{}, classify(op, err)
	}
	if created {
		s.announce(ctx, conv, userID, []int64{userID, otherUserID})
	}
	return conv, nil
}

// CreateTeamConversation returns the team's conversation, creating it if needed.
// Only team members may call it; current members are always (re)added.
func (s *Service) CreateTeamConversation(ctx context.Context, userID, teamID int64) (models.Conversation, error) {
	const op = "messaging.CreateTeamConversation"
	if teamID <= 0 {
		return models.Conversation{}, apperr.Validation(op, "team_id is required")
	}

	team, err := s.users.GetTeam(ctx, teamID)
	if err != nil {
		return models.Conversation{}, classify(op, err)
	}
	members, err := s.users.TeamMemberIDs(ctx, teamID)
	if err != nil {
		return models.Conversation{}, classify(op, err)
	}
	if !slices.Contains(members, userID) {
		return models.Conversation{}, apperr.Forbidden(op, "not a member of this team")
	}

	conv, created, err := s.conversations.GetOrCreateTeam(ctx, teamID, team.Name, userID, members)
	if err != nil {
		return models.Conversation{}, classify(op, err)
	}
	if created {
		s.announce(ctx, conv, userID, uniqueIDs(members))
	}
	return conv, nil
}

// CreateGroup always creates a new group with the caller and memberIDs.
func (s *Service) CreateGroup(ctx context.Context, userID int64, name string, memberIDs []int64) (models.Conversation, error) {
	const op = "messaging.CreateGroup"
	name = strings.TrimSpace(name)
	if name == "" {
		return models.Conversation{}, apperr.Validation(op, "name is required")
	}
	var others []int64
	for _, id := range uniqueIDs(memberIDs) {
		if id != userID && id > 0 {
			others = append(others, id)
		}
	}
	if len(others) == 0 {
		return models.Conversation{}, apperr.Validation(op, "at least one member besides the creator is required")
	}

	users, err := s.users.GetUsers(ctx, others)
	if err != nil {
		return models.Conversation{}, classify(op, err)
	}
	if len(users) != len(others) {
		return models.Conversation{}, apperr.Validation(op, "unknown member")
	}

	participants := append([]int64{userID}, others...)
	conv, err := s.conversations.Create(ctx, repositories.NewConversation{
		Type:      models.ConversationGroup,
		Title:     name,
		CreatedBy: userID,
		MemberIDs: participants,
	})
	if err != nil {
		return models.Conversation{}, classify(op, err)
	}
	s.announce(ctx, conv, userID, participants)
	s.emitAudit(ctx, "Group created", userID)
	return conv, nil
}

// CreateBroadcast creates a broadcast for every active user or every active
// user with the target role, with the message as its first row.
func (s *Service) CreateBroadcast(ctx context.Context, userID int64, in models.BroadcastInput) (models.Conversation, error) {
	const op = "messaging.CreateBroadcast"
	title := strings.TrimSpace(in.Title)
	message := strings.TrimSpace(in.Message)
	role := strings.TrimSpace(in.TargetRole)
	switch {
	case title == "":
		return models.Conversation{}, apperr.Validation(op, "title is required")
	case message == "":
		return models.Conversation{}, apperr.Validation(op, "message is required")
	case !in.ToEveryone && role == "":
		return models.Conversation{}, apperr.Validation(op, "target_role is required unless to_everyone is set")
	}
	if in.ToEveryone {
		role = ""
	}

	if s.authorizer == nil || !s.authorizer.CanCreateBroadcast(ctx, userID) {
		return models.Conversation{}, apperr.Forbidden(op, "not allowed to create broadcasts")
	}

	recipients, err := s.users.ActiveUserIDs(ctx, role)
	if err != nil {
		return models.Conversation{}, classify(op, err)
	}
	if len(recipients) == 0 {
		return models.Conversation{}, apperr.Validation(op, "no active users match the target")
	}

	sender := userID
	preview := models.Preview(message, models.ContentText, s.opts.PreviewLength)
	conv, err := s.conversations.Create(ctx, repositories.NewConversation{
		Type:      models.ConversationBroadcast,
		Title:     title,
		CreatedBy: userID,
		MemberIDs: recipients,
		InitialMessage: &repositories.NewMessage{
			SenderID:    &sender,
			Content:     message,
			ContentType: models.ContentText,
			Preview:     preview,
		},
	})
	if err != nil {
		return models.Conversation{}, classify(op, err)
	}
	observability.IncMessageSent(string(models.ContentText))
	s.logger.Info("broadcast created", zap.Int64("conversation_id", conv.ID), zap.String("target_role", role), zap.Int("recipients", len(recipients)))
	s.announce(ctx, conv, userID, recipients)
	s.emitAudit(ctx, "Broadcast created", userID)
	return conv, nil
}

func (s *Service) announce(ctx context.Context, conv models.Conversation, createdBy int64, participants []int64) {
	s.publish(ctx, RoutingConversationCreated, models.ConversationCreatedEvent{
		ConversationID: conv.ID,
		Type:           conv.Type,
		CreatedBy:      createdBy,
		ParticipantIDs: participants,
	})
}
