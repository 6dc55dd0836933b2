package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"conversation-service/internal/apperr"
	"conversation-service/internal/models"
	"conversation-service/internal/storage"
	"conversation-service/internal/telemetry"
)

// MessageService reads and writes messages on behalf of the caller.
type MessageService interface {
	GetMessages(ctx context.Context, userID, conversationID int64, page, pageSize int) (models.MessagePage, error)
	SendMessage(ctx context.Context, userID, conversationID int64, in models.SendInput) (models.MessageView, error)
	SendAttachment(ctx context.Context, userID, conversationID int64, file storage.File, caption string, replyTo *int64, clientRef string) (models.MessageView, error)
	SendVoiceMessage(ctx context.Context, userID, conversationID int64, file storage.File, durationSeconds int, caption string, replyTo *int64, clientRef string) (models.MessageView, error)
	EditMessage(ctx context.Context, userID, messageID int64, content string) (models.MessageView, error)
	DeleteMessage(ctx context.Context, userID, messageID int64) (models.MessageView, error)
}

// MessageHandler serves the message endpoints.
type MessageHandler struct {
	messages       MessageService
	audit          *telemetry.AuditEmitter
	maxUploadBytes int64
}

// NewMessageHandler builds a MessageHandler. Uploads above maxUploadBytes are rejected.
func NewMessageHandler(messages MessageService, audit *telemetry.AuditEmitter, maxUploadBytes int64) *MessageHandler {
	return &MessageHandler{messages: messages, audit: audit, maxUploadBytes: maxUploadBytes}
}

// GetMessages handles GET /conversations/:id/messages.
func (h *MessageHandler) GetMessages(c *gin.Context) {
	conversationID, ok := parseID(c, "id")
	if !ok {
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "0"))

	result, err := h.messages.GetMessages(c.Request.Context(), c.GetInt64("userID"), conversationID, page, pageSize)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// PostMessage handles POST /conversations/:id/messages.
func (h *MessageHandler) PostMessage(c *gin.Context) {
	conversationID, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req models.SendInput
	if err := c.ShouldBindJSON(&req); err != nil {
		emitAudit(c, h.audit, "ERROR", "invalid request payload")
		badRequest(c, err.Error())
		return
	}
	msg, err := h.messages.SendMessage(c.Request.Context(), c.GetInt64("userID"), conversationID, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

// PostAttachment handles POST /conversations/:id/attachments.
func (h *MessageHandler) PostAttachment(c *gin.Context) {
	conversationID, ok := parseID(c, "id")
	if !ok {
		return
	}
	form, ok := h.readUpload(c)
	if !ok {
		return
	}
	defer form.close()

	msg, err := h.messages.SendAttachment(c.Request.Context(), c.GetInt64("userID"), conversationID, form.file, form.caption, form.replyTo, form.clientRef)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

// PostVoice handles POST /conversations/:id/voice.
func (h *MessageHandler) PostVoice(c *gin.Context) {
	conversationID, ok := parseID(c, "id")
	if !ok {
		return
	}
	form, ok := h.readUpload(c)
	if !ok {
		return
	}
	defer form.close()

	duration, err := strconv.Atoi(c.PostForm("duration_seconds"))
	if err != nil {
		badRequest(c, "duration_seconds must be an integer")
		return
	}
	msg, err := h.messages.SendVoiceMessage(c.Request.Context(), c.GetInt64("userID"), conversationID, form.file, duration, form.caption, form.replyTo, form.clientRef)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

// EditMessage handles PATCH /messages/:message_id.
func (h *MessageHandler) EditMessage(c *gin.Context) {
	messageID, ok := parseID(c, "message_id")
	if !ok {
		return
	}
	var req struct {
		Content string `json:"content" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		emitAudit(c, h.audit, "ERROR", "invalid request payload")
		badRequest(c, err.Error())
		return
	}
	msg, err := h.messages.EditMessage(c.Request.Context(), c.GetInt64("userID"), messageID, req.Content)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": msg})
}

// DeleteMessage handles DELETE /messages/:message_id.
func (h *MessageHandler) DeleteMessage(c *gin.Context) {
	messageID, ok := parseID(c, "message_id")
	if !ok {
		return
	}
	msg, err := h.messages.DeleteMessage(c.Request.Context(), c.GetInt64("userID"), messageID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": msg})
}

type uploadForm struct {
	file      storage.File
	caption   string
	replyTo   *int64
	clientRef string
	close     func()
}

// readUpload parses the multipart body. It writes the error response itself.
func (h *MessageHandler) readUpload(c *gin.Context) (uploadForm, bool) {
	if h.maxUploadBytes > 0 {
		if c.Request.ContentLength > h.maxUploadBytes {
			tooLarge(c)
			return uploadForm{}, false
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes)
	}
	header, err := c.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			tooLarge(c)
			return uploadForm{}, false
		}
		badRequest(c, "file is required")
		return uploadForm{}, false
	}
	f, err := header.Open()
	if err != nil {
		badRequest(c, "unreadable file")
		return uploadForm{}, false
	}

	form := uploadForm{
		file:      storage.File{Name: header.Filename, Body: f, MimeType: header.Header.Get("Content-Type")},
		caption:   strings.TrimSpace(c.PostForm("caption")),
		clientRef: c.PostForm("client_ref"),
		close:     func() { f.Close() },
	}
	if raw := c.PostForm("reply_to_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			f.Close()
			badRequest(c, "reply_to_id must be an integer")
			return uploadForm{}, false
		}
		form.replyTo = &id
	}
	return form, true
}

func tooLarge(c *gin.Context) {
	c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large", "kind": apperr.KindValidation, "retryable": false})
}
