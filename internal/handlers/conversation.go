package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"conversation-service/internal/directory"
	"conversation-service/internal/models"
	"conversation-service/internal/telemetry"
)

// Directory lists a user's conversations.
type Directory interface {
	ListConversations(ctx context.Context, userID int64) ([]models.ConversationSummary, error)
}

// ConversationService creates conversations and changes per-user membership state.
type ConversationService interface {
	GetOrCreateDirectConversation(ctx context.Context, userID, otherUserID int64) (models.Conversation, error)
	CreateTeamConversation(ctx context.Context, userID, teamID int64) (models.Conversation, error)
	CreateGroup(ctx context.Context, userID int64, name string, memberIDs []int64) (models.Conversation, error)
	CreateBroadcast(ctx context.Context, userID int64, in models.BroadcastInput) (models.Conversation, error)
	MarkAsRead(ctx context.Context, userID, conversationID int64) (bool, error)
	LeaveConversation(ctx context.Context, userID, conversationID int64) error
	TogglePin(ctx context.Context, userID, conversationID int64) (bool, error)
	ToggleMute(ctx context.Context, userID, conversationID int64) (bool, error)
}

// ConversationHandler serves the conversation endpoints.
type ConversationHandler struct {
	directory     Directory
	conversations ConversationService
	audit         *telemetry.AuditEmitter
}

// NewConversationHandler builds a ConversationHandler.
func NewConversationHandler(directory Directory, conversations ConversationService, audit *telemetry.AuditEmitter) *ConversationHandler {
	return &ConversationHandler{directory: directory, conversations: conversations, audit: audit}
}

// ListConversations handles GET /conversations.
func (h *ConversationHandler) ListConversations(c *gin.Context) {
	list, err := h.directory.ListConversations(c.Request.Context(), c.GetInt64("userID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": list, "unread_total": directory.UnreadTotal(list)})
}

// StartDirect handles POST /conversations/direct.
func (h *ConversationHandler) StartDirect(c *gin.Context) {
	var req struct {
		UserID int64 `json:"user_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		emitAudit(c, h.audit, "ERROR", "invalid request payload")
		badRequest(c, err.Error())
		return
	}
	conv, err := h.conversations.GetOrCreateDirectConversation(c.Request.Context(), c.GetInt64("userID"), req.UserID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation": conv})
}

// StartTeam handles POST /conversations/team.
func (h *ConversationHandler) StartTeam(c *gin.Context) {
	var req struct {
		TeamID int64 `json:"team_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		emitAudit(c, h.audit, "ERROR", "invalid request payload")
		badRequest(c, err.Error())
		return
	}
	conv, err := h.conversations.CreateTeamConversation(c.Request.Context(), c.GetInt64("userID"), req.TeamID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation": conv})
}

// CreateGroup handles POST /conversations/group.
func (h *ConversationHandler) CreateGroup(c *gin.Context) {
	var req struct {
		Name      string  `json:"name" binding:"required"`
		MemberIDs []int64 `json:"member_ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		emitAudit(c, h.audit, "ERROR", "invalid request payload")
		badRequest(c, err.Error())
		return
	}
	conv, err := h.conversations.CreateGroup(c.Request.Context(), c.GetInt64("userID"), req.Name, req.MemberIDs)
	if err != nil {
		respondError(c, err)
		return
	}
	emitAudit(c, h.audit, "INFO", "Group created")
	c.JSON(http.StatusCreated, gin.H{"conversation": conv})
}

// CreateBroadcast handles POST /conversations/broadcast.
func (h *ConversationHandler) CreateBroadcast(c *gin.Context) {
	var req models.BroadcastInput
	if err := c.ShouldBindJSON(&req); err != nil {
		emitAudit(c, h.audit, "ERROR", "invalid request payload")
		badRequest(c, err.Error())
		return
	}
	conv, err := h.conversations.CreateBroadcast(c.Request.Context(), c.GetInt64("userID"), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"conversation": conv})
}

// MarkRead handles POST /conversations/:id/read.
func (h *ConversationHandler) MarkRead(c *gin.Context) {
	conversationID, ok := parseID(c, "id")
	if !ok {
		return
	}
	advanced, err := h.conversations.MarkAsRead(c.Request.Context(), c.GetInt64("userID"), conversationID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"advanced": advanced})
}

// TogglePin handles POST /conversations/:id/pin.
func (h *ConversationHandler) TogglePin(c *gin.Context) {
	conversationID, ok := parseID(c, "id")
	if !ok {
		return
	}
	pinned, err := h.conversations.TogglePin(c.Request.Context(), c.GetInt64("userID"), conversationID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"is_pinned": pinned})
}

// ToggleMute handles POST /conversations/:id/mute.
func (h *ConversationHandler) ToggleMute(c *gin.Context) {
	conversationID, ok := parseID(c, "id")
	if !ok {
		return
	}
	muted, err := h.conversations.ToggleMute(c.Request.Context(), c.GetInt64("userID"), conversationID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"is_muted": muted})
}

// Leave handles DELETE /conversations/:id/membership.
func (h *ConversationHandler) Leave(c *gin.Context) {
	conversationID, ok := parseID(c, "id")
	if !ok {
		return
	}
	if err := h.conversations.LeaveConversation(c.Request.Context(), c.GetInt64("userID"), conversationID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func parseID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "invalid "+name)
		return 0, false
	}
	return id, true
}
