package ws

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"conversation-service/internal/events"
	"conversation-service/internal/observability"
)

const wsRoutingKey = "ws_events.conversations"

// Hub tracks live session sockets.
type Hub struct {
	conns     map[string]*websocket.Conn
	info      map[string]ConnInfo
	publisher events.Publisher
	logger    *zap.Logger
	mu        sync.RWMutex
}

// NewHub creates an empty hub.
func NewHub(publisher events.Publisher, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if publisher == nil {
		publisher = events.NewNoop("websocket events disabled", logger)
	}
	return &Hub{
		conns:     make(map[string]*websocket.Conn),
		info:      make(map[string]ConnInfo),
		publisher: publisher,
		logger:    logger,
	}
}

// Add registers a connection.
func (h *Hub) Add(conn *websocket.Conn, info ConnInfo) {
	h.mu.Lock()
	h.conns[info.ConnID] = conn
	h.info[info.ConnID] = info
	h.mu.Unlock()

	observability.IncWSActive()
	h.publishWSEvent("ws_connect", info, "")
}

// Remove drops a connection. Removing an unknown id is a no-op.
func (h *Hub) Remove(connID, reason string) {
	h.mu.Lock()
	info, ok := h.info[connID]
	delete(h.conns, connID)
	delete(h.info, connID)
	h.mu.Unlock()
	if !ok {
		return
	}

	observability.DecWSActive()
	h.publishWSEvent("ws_disconnect", info, reason)
}

// ReportError records a connection failure.
func (h *Hub) ReportError(connID string, err error) {
	h.mu.RLock()
	info, ok := h.info[connID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	h.logger.Warn("websocket error", zap.String("conn_id", connID), zap.Int64("user_id", info.UserID), zap.Error(err))
	h.publishWSEvent("ws_error", info, err.Error())
}

// Len reports the number of live connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// UserConnections reports how many sockets a user holds.
func (h *Hub) UserConnections(userID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, info := range h.info {
		if info.UserID == userID {
			n++
		}
	}
	return n
}

// Shutdown sends a close frame to every connection.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for _, conn := range h.conns {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for _, conn := range conns {
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
	}
}

func (h *Hub) publishWSEvent(event string, info ConnInfo, reason string) {
	observability.IncWSEvent(event)
	headers := observability.BuildHeaders(info.RequestID, info.TraceID)
	err := h.publisher.Publish(context.Background(), wsRoutingKey, observability.EventEnvelope{
		EventType: "ws_events",
		EventName: event,
		Payload:   info.payload(event, reason),
	}, headers)
	if err != nil {
		observability.IncPublishError()
	}
}
