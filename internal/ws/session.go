package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"conversation-service/internal/apperr"
	"conversation-service/internal/auth"
	"conversation-service/internal/config"
	"conversation-service/internal/middleware"
	"conversation-service/internal/models"
	"conversation-service/internal/observability"
	"conversation-service/internal/realtime"
)

const sendBuffer = 64

// SessionFactory builds the synchronizer for one connection.
type SessionFactory func(userID int64) *realtime.Session

// SessionHandler serves the realtime session socket.
type SessionHandler struct {
	hub           *Hub
	authenticator auth.Authenticator
	newSession    SessionFactory
	cfg           config.WSConfig
	logger        *zap.Logger
}

// NewSessionHandler constructs a SessionHandler.
func NewSessionHandler(hub *Hub, authenticator auth.Authenticator, newSession SessionFactory, cfg config.WSConfig, logger *zap.Logger) *SessionHandler {
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	return &SessionHandler{hub: hub, authenticator: authenticator, newSession: newSession, cfg: cfg, logger: logger}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handle authenticates, upgrades the connection and runs the session.
func (h *SessionHandler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("conversation-service/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()

	token, ok := middleware.BearerToken(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
		return
	}
	identity, err := h.authenticator.Authenticate(ctx, token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	requestID := observability.RequestIDFromRequest(c.Request)
	info := ConnInfo{
		ConnID:      newConnID(),
		UserID:      identity.UserID,
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   requestID,
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}
	h.hub.Add(conn, info)

	// the request context ends when the handler returns
	sessCtx := auth.WithIdentity(context.WithoutCancel(ctx), identity)
	sessCtx = observability.WithRequestID(sessCtx, requestID)
	sessCtx, cancel := context.WithCancel(sessCtx)

	cl := &client{
		conn:    conn,
		info:    info,
		session: h.newSession(identity.UserID),
		limiter: rate.NewLimiter(rate.Limit(h.cfg.SendRate), h.cfg.SendBurst),
		send:    make(chan []byte, sendBuffer),
		hub:     h.hub,
		logger:  h.logger.With(zap.String("conn_id", info.ConnID), zap.Int64("user_id", info.UserID)),
		wait:    h.cfg.WriteWait,
	}
	cl.session.OnChange(cl.push)

	go cl.writeLoop()
	go func() {
		defer cancel()
		cl.run(sessCtx)
	}()
}

type client struct {
	conn    *websocket.Conn
	info    ConnInfo
	session *realtime.Session
	limiter *rate.Limiter
	hub     *Hub
	logger  *zap.Logger
	wait    time.Duration

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func (cl *client) run(ctx context.Context) {
	var closeReason string
	defer func() {
		cl.session.Close()
		cl.closeSend()
		cl.hub.Remove(cl.info.ConnID, closeReason)
		cl.conn.Close()
	}()

	if err := cl.session.Start(ctx); err != nil {
		cl.enqueue(encodeError("list", err))
	}

	for {
		_, data, err := cl.conn.ReadMessage()
		if err != nil {
			closeReason = err.Error()
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				cl.hub.ReportError(cl.info.ConnID, err)
			}
			return
		}
		var cmd command
		if err := json.Unmarshal(data, &cmd); err != nil {
			cl.enqueue(encodeError("", apperr.Validation("ws.decode", "malformed command")))
			continue
		}
		if cmd.Action == "close" {
			closeReason = "client closed"
			return
		}
		if err := cl.dispatch(ctx, cmd); err != nil {
			cl.enqueue(encodeError(cmd.Action, err))
		}
	}
}

func (cl *client) dispatch(ctx context.Context, cmd command) error {
	const op = "ws.dispatch"
	switch cmd.Action {
	case "list":
		return cl.session.RefreshConversations(ctx)
	case "open":
		if cmd.ConversationID <= 0 {
			return apperr.Validation(op, "conversation_id is required")
		}
		return cl.session.OpenConversation(ctx, cmd.ConversationID)
	case "load_more":
		return cl.session.LoadMoreOlder(ctx)
	case "send":
		if !cl.limiter.Allow() {
			return apperr.New(apperr.KindTransient, op, "too many messages, slow down")
		}
		_, err := cl.session.SendMessage(ctx, models.SendInput{
			Content:     cmd.Content,
			ContentType: cmd.ContentType,
			Attachment:  cmd.Attachment,
			ReplyToID:   cmd.ReplyToID,
		})
		return err
	case "retry":
		if !cl.limiter.Allow() {
			return apperr.New(apperr.KindTransient, op, "too many messages, slow down")
		}
		_, err := cl.session.RetryFailed(ctx, cmd.ClientRef)
		return err
	case "discard":
		if !cl.session.DiscardFailed(cmd.ClientRef) {
			return apperr.NotFound(op, "no failed message with this reference")
		}
		return nil
	case "mark_read":
		return cl.session.MarkAsRead(ctx)
	default:
		return apperr.Validation(op, "unknown action")
	}
}

func (cl *client) push(u realtime.Update) {
	payload, err := encodeUpdate(u)
	if err != nil {
		cl.logger.Error("encode update failed", zap.Error(err))
		return
	}
	cl.enqueue(payload)
}

// enqueue hands a frame to the writer. A client too slow to drain its buffer
// is disconnected.
func (cl *client) enqueue(payload []byte) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.closed {
		return
	}
	select {
	case cl.send <- payload:
	default:
		cl.logger.Warn("websocket send buffer full, disconnecting")
		cl.closed = true
		close(cl.send)
	}
}

func (cl *client) closeSend() {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if !cl.closed {
		cl.closed = true
		close(cl.send)
	}
}

func (cl *client) writeLoop() {
	defer cl.conn.Close()
	for payload := range cl.send {
		_ = cl.conn.SetWriteDeadline(time.Now().Add(cl.wait))
		if err := cl.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			cl.hub.ReportError(cl.info.ConnID, err)
			return
		}
	}
	_ = cl.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(cl.wait))
}
