// Package messaging implements message retrieval, sending, read state and the
// conversation creation flows.
package messaging

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"conversation-service/internal/apperr"
	"conversation-service/internal/auth"
	"conversation-service/internal/events"
	"conversation-service/internal/observability"
	"conversation-service/internal/repositories"
	"conversation-service/internal/storage"
	"conversation-service/internal/telemetry"
)

const (
	RoutingMessageSent         = "message.sent"
	RoutingMessageEdited       = "message.edited"
	RoutingMessageDeleted      = "message.deleted"
	RoutingConversationCreated = "conversation.created"
	RoutingConversationLeft    = "conversation.left"
)

// Options tunes paging and previews.
type Options struct {
	PageSize      int
	MaxPageSize   int
	PreviewLength int
}

func (o Options) withDefaults() Options {
	if o.PageSize <= 0 {
		o.PageSize = 30
	}
	if o.MaxPageSize < o.PageSize {
		o.MaxPageSize = o.PageSize
	}
	if o.PreviewLength <= 0 {
		o.PreviewLength = 80
	}
	return o
}

// Service is the message store accessor plus the creation flows.
type Service struct {
	conversations repositories.ConversationRepository
	messages      repositories.MessageRepository
	users         repositories.UserRepository
	blobs         storage.BlobStore
	publisher     events.Publisher
	authorizer    auth.Authorizer
	audit         *telemetry.AuditEmitter
	opts          Options
	tracer        trace.Tracer
	logger        *zap.Logger
}

// Deps groups the collaborators of Service.
type Deps struct {
	Conversations repositories.ConversationRepository
	Messages      repositories.MessageRepository
	Users         repositories.UserRepository
	Blobs         storage.BlobStore
	Publisher     events.Publisher
	Authorizer    auth.Authorizer
	Audit         *telemetry.AuditEmitter
}

func NewService(deps Deps, opts Options, logger *zap.Logger) *Service {
	blobs := deps.Blobs
	if blobs == nil {
		blobs = storage.Disabled{}
	}
	publisher := deps.Publisher
	if publisher == nil {
		publisher = events.NewNoop("not configured", logger)
	}
	return &Service{
		conversations: deps.Conversations,
		messages:      deps.Messages,
		users:         deps.Users,
		blobs:         blobs,
		publisher:     publisher,
		authorizer:    deps.Authorizer,
		audit:         deps.Audit,
		opts:          opts.withDefaults(),
		tracer:        otel.Tracer("conversation-service/messaging"),
		logger:        logger,
	}
}

// classify maps repository failures onto error kinds.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}
	switch {
	case errors.Is(err, repositories.ErrConversationNotFound),
		errors.Is(err, repositories.ErrMessageNotFound),
		errors.Is(err, repositories.ErrUserNotFound),
		errors.Is(err, repositories.ErrTeamNotFound):
		return &apperr.Error{Kind: apperr.KindNotFound, Op: op, Msg: err.Error(), Err: err}
	case errors.Is(err, repositories.ErrClientRefTaken):
		return &apperr.Error{Kind: apperr.KindValidation, Op: op, Msg: err.Error(), Err: err}
	case errors.Is(err, repositories.ErrNotParticipant):
		return &apperr.Error{Kind: apperr.KindForbidden, Op: op, Msg: err.Error(), Err: err}
	}
	return apperr.Wrap(apperr.KindTransient, op, err)
}

func (s *Service) requireParticipant(ctx context.Context, op string, conversationID, userID int64) error {
	if _, err := s.conversations.GetParticipant(ctx, conversationID, userID); err != nil {
		return classify(op, err)
	}
	return nil
}

// publish never fails the caller: the write already committed.
func (s *Service) publish(ctx context.Context, routingKey string, payload any) {
	event := observability.NewDomainEvent(routingKey, payload)
	if err := s.publisher.Publish(ctx, routingKey, event, observability.HeadersFromContext(ctx)); err != nil {
		observability.IncPublishError()
		s.logger.Warn("publish event failed", zap.String("routing_key", routingKey), zap.Error(err))
	}
}

func (s *Service) emitAudit(ctx context.Context, text string, userID int64) {
	s.audit.Emit(ctx, "INFO", text, observability.RequestIDFromContext(ctx), &userID)
}
