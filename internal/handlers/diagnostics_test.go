package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSockets map[int64]int

func (s stubSockets) Len() int {
	n := 0
	for _, c := range s {
		n += c
	}
	return n
}

func (s stubSockets) UserConnections(userID int64) int { return s[userID] }

func TestDiagnosticsRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	sockets := stubSockets{1: 2, 2: 1}
	r := gin.New()
	RegisterDiagnosticsRoutes(r, sockets, func() int { return 7 }, nil, true)

	rec, resp := do(t, r, http.MethodGet, "/debug/realtime?user_id=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 3, resp["sockets"])
	assert.EqualValues(t, 7, resp["subscriptions"])
	assert.EqualValues(t, 2, resp["user_sockets"])

	rec, _ = do(t, r, http.MethodGet, "/debug/realtime?user_id=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	disabled := gin.New()
	RegisterDiagnosticsRoutes(disabled, sockets, func() int { return 0 }, nil, false)
	rec = httptest.NewRecorder()
	disabled.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/realtime", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
