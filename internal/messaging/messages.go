package messaging

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"conversation-service/internal/apperr"
	"conversation-service/internal/models"
	"conversation-service/internal/observability"
	"conversation-service/internal/repositories"
	"conversation-service/internal/storage"
)

// GetMessages returns one page of a conversation. Page 1 holds the newest
// pageSize messages; items are ordered oldest first.
func (s *Service) GetMessages(ctx context.Context, userID, conversationID int64, page, pageSize int) (models.MessagePage, error) {
	const op = "messaging.GetMessages"
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = s.opts.PageSize
	}
	if pageSize > s.opts.MaxPageSize {
		pageSize = s.opts.MaxPageSize
	}

	if err := s.requireParticipant(ctx, op, conversationID, userID); err != nil {
		return models.MessagePage{}, err
	}

	total, err := s.messages.Count(ctx, conversationID)
	if err != nil {
		return models.MessagePage{}, classify(op, err)
	}
	rows, err := s.messages.ListPage(ctx, conversationID, pageSize, (page-1)*pageSize)
	if err != nil {
		return models.MessagePage{}, classify(op, err)
	}
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}

	views, err := s.resolve(ctx, rows)
	if err != nil {
		return models.MessagePage{}, classify(op, err)
	}

	totalPages := (total + pageSize - 1) / pageSize
	return models.MessagePage{
		Messages:     views,
		Page:         page,
		PageSize:     pageSize,
		TotalPages:   totalPages,
		HasMoreOlder: page < totalPages,
	}, nil
}

// GetMessage returns one resolved message of a conversation the user belongs to.
func (s *Service) GetMessage(ctx context.Context, userID, messageID int64) (models.MessageView, error) {
	const op = "messaging.GetMessage"
	msg, err := s.messages.GetMessage(ctx, messageID)
	if err != nil {
		return models.MessageView{}, classify(op, err)
	}
	if err := s.requireParticipant(ctx, op, msg.ConversationID, userID); err != nil {
		return models.MessageView{}, err
	}
	views, err := s.resolve(ctx, []models.Message{msg})
	if err != nil {
		return models.MessageView{}, classify(op, err)
	}
	return views[0], nil
}

// SendMessage validates and persists a message, then publishes message.sent.
func (s *Service) SendMessage(ctx context.Context, userID, conversationID int64, in models.SendInput) (models.MessageView, error) {
	return s.deliver(ctx, "messaging.SendMessage", userID, conversationID, in, true)
}

func (s *Service) deliver(ctx context.Context, op string, userID, conversationID int64, in models.SendInput, checkMember bool) (view models.MessageView, err error) {
	ctx, span := s.tracer.Start(ctx, op)
	defer span.End()
	span.SetAttributes(attribute.Int64("conversation.id", conversationID))
	defer func() {
		if err != nil {
			observability.IncSendFailure(string(apperr.KindOf(err)))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	in, err = normalize(op, in)
	if err != nil {
		return models.MessageView{}, err
	}
	if checkMember {
		if err := s.requireParticipant(ctx, op, conversationID, userID); err != nil {
			return models.MessageView{}, err
		}
	}
	return s.send(ctx, op, userID, conversationID, in)
}

const (
	maxAttachmentName = 255
	maxAttachmentURL  = 2048
)

// normalize applies defaults and rejects input that must never reach the store.
func normalize(op string, in models.SendInput) (models.SendInput, error) {
	if !in.HasBody() {
		return in, apperr.Validation(op, "message must have content or an attachment")
	}
	in.Content = strings.TrimSpace(in.Content)
	if in.ContentType == "" {
		in.ContentType = models.ContentText
	}
	if !in.ContentType.Valid() {
		return in, apperr.Validation(op, "unknown content type")
	}
	if in.ContentType != models.ContentText && (in.Attachment == nil || in.Attachment.URL == "") {
		return in, apperr.Validation(op, "attachment is required for this content type")
	}
	if a := in.Attachment; a != nil && (len(a.Name) > maxAttachmentName || len(a.URL) > maxAttachmentURL || len(a.MimeType) > maxAttachmentName) {
		return in, apperr.Validation(op, "attachment metadata is too long")
	}
	if err := checkClientRef(op, in.ClientRef); err != nil {
		return in, err
	}
	return in, nil
}

func checkClientRef(op, ref string) error {
	if ref == "" {
		return nil
	}
	if _, err := uuid.Parse(ref); err != nil {
		return apperr.Validation(op, "client_ref must be a uuid")
	}
	return nil
}

// send persists a normalized input. The caller has verified membership.
func (s *Service) send(ctx context.Context, op string, userID, conversationID int64, in models.SendInput) (models.MessageView, error) {
	if in.ReplyToID != nil {
		target, err := s.messages.GetMessage(ctx, *in.ReplyToID)
		if errors.Is(err, repositories.ErrMessageNotFound) || (err == nil && target.ConversationID != conversationID) {
			return models.MessageView{}, apperr.Validation(op, "reply target is not in this conversation")
		}
		if err != nil {
			return models.MessageView{}, classify(op, err)
		}
	}

	sender := userID
	row := repositories.NewMessage{
		ConversationID: conversationID,
		SenderID:       &sender,
		Content:        in.Content,
		ContentType:    in.ContentType,
		Attachment:     in.Attachment,
		ReplyToID:      in.ReplyToID,
		IsSystem:       in.IsSystem,
		Preview:        models.Preview(in.Content, in.ContentType, s.opts.PreviewLength),
	}
	if in.ClientRef != "" {
		ref := in.ClientRef
		row.ClientRef = &ref
	}

	msg, err := s.messages.Create(ctx, row)
	if errors.Is(err, repositories.ErrDuplicateMessage) {
		s.logger.Debug("client_ref replayed", zap.Int64("conversation_id", conversationID), zap.Int64("message_id", msg.ID))
		return s.resolveBestEffort(ctx, msg), nil
	}
	if err != nil {
		s.logger.Warn("store message failed", zap.Int64("conversation_id", conversationID), zap.Int64("user_id", userID), zap.Error(err))
		return models.MessageView{}, classify(op, err)
	}
	observability.IncMessageSent(string(msg.ContentType))

	s.publish(ctx, RoutingMessageSent, models.MessageSentEvent{
		ConversationID: conversationID,
		MessageID:      msg.ID,
		SenderID:       msg.SenderID,
		ContentType:    msg.ContentType,
		Preview:        row.Preview,
	})
	return s.resolveBestEffort(ctx, msg), nil
}

// SendAttachment uploads file and sends it as an image or file message. No
// message is written when the upload fails.
func (s *Service) SendAttachment(ctx context.Context, userID, conversationID int64, file storage.File, caption string, replyTo *int64, clientRef string) (models.MessageView, error) {
	const op = "messaging.SendAttachment"
	if err := checkClientRef(op, clientRef); err != nil {
		return models.MessageView{}, err
	}
	att, err := s.upload(ctx, op, userID, conversationID, file)
	if err != nil {
		return models.MessageView{}, err
	}
	ct := models.ContentFile
	if strings.HasPrefix(att.MimeType, "image/") {
		ct = models.ContentImage
	}
	content := strings.TrimSpace(caption)
	if content == "" {
		content = att.Name
	}
	return s.deliver(ctx, op, userID, conversationID, models.SendInput{
		Content:     content,
		ContentType: ct,
		Attachment:  &att,
		ReplyToID:   replyTo,
		ClientRef:   clientRef,
	}, false)
}

// SendVoiceMessage uploads a recording and sends it as a voice message.
func (s *Service) SendVoiceMessage(ctx context.Context, userID, conversationID int64, file storage.File, durationSeconds int, caption string, replyTo *int64, clientRef string) (models.MessageView, error) {
	const op = "messaging.SendVoiceMessage"
	if durationSeconds < 0 {
		return models.MessageView{}, apperr.Validation(op, "duration must not be negative")
	}
	if err := checkClientRef(op, clientRef); err != nil {
		return models.MessageView{}, err
	}
	att, err := s.upload(ctx, op, userID, conversationID, file)
	if err != nil {
		return models.MessageView{}, err
	}
	att.DurationSeconds = durationSeconds
	return s.deliver(ctx, op, userID, conversationID, models.SendInput{
		Content:     caption,
		ContentType: models.ContentVoice,
		Attachment:  &att,
		ReplyToID:   replyTo,
		ClientRef:   clientRef,
	}, false)
}

func (s *Service) upload(ctx context.Context, op string, userID, conversationID int64, file storage.File) (models.Attachment, error) {
	ctx, span := s.tracer.Start(ctx, op+".upload")
	defer span.End()

	if err := s.requireParticipant(ctx, op, conversationID, userID); err != nil {
		return models.Attachment{}, err
	}
	att, err := s.blobs.Upload(ctx, conversationID, file)
	if err != nil {
		observability.IncSendFailure(string(apperr.KindOf(err)))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return models.Attachment{}, err
	}
	span.SetAttributes(attribute.String("attachment.mime", att.MimeType), attribute.Int64("attachment.size", att.Size))
	return att, nil
}

// EditMessage replaces the text of the caller's own message.
func (s *Service) EditMessage(ctx context.Context, userID, messageID int64, content string) (models.MessageView, error) {
	const op = "messaging.EditMessage"
	content = strings.TrimSpace(content)
	if content == "" {
		return models.MessageView{}, apperr.Validation(op, "content is required")
	}
	msg, err := s.ownMessage(ctx, op, userID, messageID)
	if err != nil {
		return models.MessageView{}, err
	}
	if msg.IsDeleted {
		return models.MessageView{}, apperr.Validation(op, "deleted messages cannot be edited")
	}

	edited, err := s.messages.Edit(ctx, messageID, userID, content, models.Preview(content, msg.ContentType, s.opts.PreviewLength))
	if err != nil {
		return models.MessageView{}, classify(op, err)
	}
	s.publish(ctx, RoutingMessageEdited, models.MessageSentEvent{
		ConversationID: edited.ConversationID,
		MessageID:      edited.ID,
		SenderID:       edited.SenderID,
		ContentType:    edited.ContentType,
	})
	return s.resolveBestEffort(ctx, edited), nil
}

// DeleteMessage turns the caller's own message into a tombstone.
func (s *Service) DeleteMessage(ctx context.Context, userID, messageID int64) (models.MessageView, error) {
	const op = "messaging.DeleteMessage"
	if _, err := s.ownMessage(ctx, op, userID, messageID); err != nil {
		return models.MessageView{}, err
	}
	deleted, err := s.messages.SoftDelete(ctx, messageID, userID, models.DeletedPreview)
	if err != nil {
		return models.MessageView{}, classify(op, err)
	}
	s.publish(ctx, RoutingMessageDeleted, models.MessageSentEvent{
		ConversationID: deleted.ConversationID,
		MessageID:      deleted.ID,
		SenderID:       deleted.SenderID,
		ContentType:    deleted.ContentType,
	})
	s.emitAudit(ctx, "Message deleted", userID)
	return s.resolveBestEffort(ctx, deleted), nil
}

func (s *Service) ownMessage(ctx context.Context, op string, userID, messageID int64) (models.Message, error) {
	msg, err := s.messages.GetMessage(ctx, messageID)
	if err != nil {
		return models.Message{}, classify(op, err)
	}
	if msg.SenderID == nil || *msg.SenderID != userID {
		return models.Message{}, apperr.Forbidden(op, "only the sender can change a message")
	}
	return msg, nil
}

// resolveBestEffort renders a committed message. Lookup failures degrade to a
// view without names rather than failing a write that already happened.
func (s *Service) resolveBestEffort(ctx context.Context, msg models.Message) models.MessageView {
	views, err := s.resolve(ctx, []models.Message{msg})
	if err != nil {
		s.logger.Warn("resolve message failed", zap.Int64("message_id", msg.ID), zap.Error(err))
		var sender *models.Sender
		if msg.SenderID != nil {
			sender = &models.Sender{ID: *msg.SenderID, DisplayName: models.UnknownUserName}
		}
		return models.NewMessageView(msg, sender, nil)
	}
	return views[0]
}

// resolve attaches senders and reply previews. Replies to missing, deleted or
// foreign messages resolve to no reply.
func (s *Service) resolve(ctx context.Context, msgs []models.Message) ([]models.MessageView, error) {
	byID := make(map[int64]models.Message, len(msgs))
	for _, m := range msgs {
		byID[m.ID] = m
	}

	var replyIDs []int64
	for _, m := range msgs {
		if m.ReplyToID == nil || m.IsDeleted {
			continue
		}
		if _, ok := byID[*m.ReplyToID]; !ok {
			replyIDs = append(replyIDs, *m.ReplyToID)
		}
	}
	targets := make(map[int64]models.Message, len(byID)+len(replyIDs))
	for id, m := range byID {
		targets[id] = m
	}
	if len(replyIDs) > 0 {
		fetched, err := s.messages.GetMessages(ctx, uniqueIDs(replyIDs))
		if err != nil {
			return nil, err
		}
		for _, m := range fetched {
			targets[m.ID] = m
		}
	}

	var userIDs []int64
	for _, m := range targets {
		if m.SenderID != nil {
			userIDs = append(userIDs, *m.SenderID)
		}
	}
	names := map[int64]string{}
	if len(userIDs) > 0 {
		users, err := s.users.GetUsers(ctx, uniqueIDs(userIDs))
		if err != nil {
			return nil, err
		}
		for _, u := range users {
			names[u.ID] = u.DisplayName
		}
	}
	nameOf := func(id *int64) string {
		if id == nil {
			return ""
		}
		if name, ok := names[*id]; ok {
			return name
		}
		return models.UnknownUserName
	}

	views := make([]models.MessageView, 0, len(msgs))
	for _, m := range msgs {
		var sender *models.Sender
		if m.SenderID != nil {
			sender = &models.Sender{ID: *m.SenderID, DisplayName: nameOf(m.SenderID)}
		}
		var reply *models.ReplyPreview
		if m.ReplyToID != nil {
			if t, ok := targets[*m.ReplyToID]; ok && !t.IsDeleted && t.ConversationID == m.ConversationID {
				reply = &models.ReplyPreview{
					MessageID:  t.ID,
					SenderName: nameOf(t.SenderID),
					Snippet:    models.Preview(t.Content, t.ContentType, s.opts.PreviewLength),
				}
			}
		}
		views = append(views, models.NewMessageView(m, sender, reply))
	}
	return views, nil
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
