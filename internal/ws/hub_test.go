package ws

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"conversation-service/internal/mocks"
)

func TestHubAddAndRemove(t *testing.T) {
	publisher := new(mocks.PublisherMock)
	publisher.On("Publish", mock.Anything, wsRoutingKey, mock.Anything, map[string]string{"x-request-id": "req-1"}).Return(nil).Times(2)
	hub := NewHub(publisher, nil)

	info := ConnInfo{ConnID: "c1", UserID: 7, RequestID: "req-1", ConnectedAt: time.Now()}
	hub.Add(nil, info)
	assert.Equal(t, 1, hub.Len())
	assert.Equal(t, 1, hub.UserConnections(7))
	assert.Equal(t, 0, hub.UserConnections(8))

	hub.Remove("c1", "bye")
	hub.Remove("c1", "bye")
	assert.Equal(t, 0, hub.Len())
	publisher.AssertExpectations(t)
}

func TestConnInfoPayload(t *testing.T) {
	info := ConnInfo{ConnID: "c1", UserID: 7, DeviceID: "d", IP: "10.0.0.1", ConnectedAt: time.Now()}
	payload := info.payload("ws_error", "reset")

	ws := payload["ws"].(map[string]interface{})
	assert.Equal(t, "ws_error", ws["event"])
	assert.Equal(t, "reset", ws["reason"])
	identity := payload["identity"].(map[string]interface{})
	assert.Equal(t, int64(7), identity["user_id"])
}
