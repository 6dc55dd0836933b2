package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"conversation-service/internal/telemetry"
)

// SocketStats reports live WebSocket sessions.
type SocketStats interface {
	Len() int
	UserConnections(userID int64) int
}

// RegisterDiagnosticsRoutes wires development-only realtime counters.
// subscriptions reports open change-feed subscriptions.
func RegisterDiagnosticsRoutes(router gin.IRoutes, sockets SocketStats, subscriptions func() int, emitter *telemetry.AuditEmitter, enabled bool) {
	if !enabled {
		return
	}

	router.GET("/debug/realtime", func(c *gin.Context) {
		resp := gin.H{"sockets": sockets.Len(), "subscriptions": subscriptions()}
		if raw := c.Query("user_id"); raw != "" {
			userID, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || userID <= 0 {
				badRequest(c, "user_id must be a positive integer")
				return
			}
			resp["user_id"] = userID
			resp["user_sockets"] = sockets.UserConnections(userID)
		}
		emitAudit(c, emitter, "DEBUG", "realtime diagnostics read")
		c.JSON(http.StatusOK, resp)
	})
}
