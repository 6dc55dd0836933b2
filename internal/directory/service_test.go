package directory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"conversation-service/internal/apperr"
	"conversation-service/internal/mocks"
	"conversation-service/internal/models"
)

func strPtr(s string) *string { return &s }
func int64Ptr(v int64) *int64 { return &v }
func timePtr(t time.Time) *time.Time {
	return &t
}

func TestListConversationsResolvesAndOrders(t *testing.T) {
	convRepo := new(mocks.ConversationRepositoryMock)
	userRepo := new(mocks.UserRepositoryMock)
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	rows := []models.ConversationRow{
		{Conversation: models.Conversation{ID: 1, Type: models.ConversationGroup, Title: strPtr("Crew"), CreatedAt: base, LastMessageAt: timePtr(base.Add(time.Hour)), LastMessagePreview: strPtr("hi")}, UnreadCount: 2},
		{Conversation: models.Conversation{ID: 2, Type: models.ConversationDirect, CreatedAt: base, LastMessageAt: timePtr(base.Add(2 * time.Hour))}, PeerID: int64Ptr(9), UnreadCount: 1},
		{Conversation: models.Conversation{ID: 3, Type: models.ConversationBroadcast, Title: strPtr("News"), CreatedAt: base}, IsPinned: true},
		{Conversation: models.Conversation{ID: 4, Type: models.ConversationDirect, CreatedAt: base.Add(3 * time.Hour)}, UnreadCount: 4},
		{Conversation: models.Conversation{ID: 5, Type: models.ConversationTeam, Title: strPtr("Plumbers"), CreatedAt: base, LastMessageAt: timePtr(base.Add(time.Hour))}},
	}
	convRepo.On("ListForUser", mock.Anything, int64(1)).Return(rows, nil)
	userRepo.On("GetUsers", mock.Anything, []int64{9}).Return([]models.User{{ID: 9, DisplayName: "Maria", AvatarURL: strPtr("http://a/9.png")}}, nil)

	svc := NewService(convRepo, userRepo, zap.NewNop())
	list, err := svc.ListConversations(context.Background(), 1)
	require.NoError(t, err)

	ids := make([]int64, len(list))
	for i, s := range list {
		ids[i] = s.ID
	}
	// pinned, then activity desc (4 has no messages, uses created_at), ties by id
	assert.Equal(t, []int64{3, 4, 2, 1, 5}, ids)

	assert.Equal(t, "📢", list[0].DisplayAvatar)
	assert.Equal(t, models.UnknownUserName, list[1].DisplayName)
	assert.Equal(t, "Maria", list[2].DisplayName)
	assert.Equal(t, "http://a/9.png", list[2].DisplayAvatar)
	assert.Equal(t, "Crew", list[3].DisplayName)
	assert.Equal(t, "👥", list[3].DisplayAvatar)
	assert.Equal(t, "hi", list[3].LastMessagePreview)
	assert.Equal(t, "🛠", list[4].DisplayAvatar)
	assert.Equal(t, 7, UnreadTotal(list))
}

func TestListConversationsEmpty(t *testing.T) {
	convRepo := new(mocks.ConversationRepositoryMock)
	convRepo.On("ListForUser", mock.Anything, int64(1)).Return(nil, nil)

	svc := NewService(convRepo, new(mocks.UserRepositoryMock), zap.NewNop())
	list, err := svc.ListConversations(context.Background(), 1)

	require.NoError(t, err)
	assert.NotNil(t, list)
	assert.Empty(t, list)
	assert.Equal(t, 0, UnreadTotal(list))
}

func TestListConversationsGatewayFailureIsTransient(t *testing.T) {
	convRepo := new(mocks.ConversationRepositoryMock)
	convRepo.On("ListForUser", mock.Anything, int64(1)).Return(nil, errors.New("connection refused"))

	svc := NewService(convRepo, new(mocks.UserRepositoryMock), zap.NewNop())
	_, err := svc.ListConversations(context.Background(), 1)

	assert.Equal(t, apperr.KindTransient, apperr.KindOf(err))
	assert.True(t, apperr.IsRetryable(err))
}
