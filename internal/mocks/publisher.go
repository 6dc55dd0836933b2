package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"conversation-service/internal/auth"
	"conversation-service/internal/events"
	"conversation-service/internal/models"
	"conversation-service/internal/storage"
)

type PublisherMock struct {
	mock.Mock
}

func (m *PublisherMock) Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error {
	args := m.Called(ctx, routingKey, event, headers)
	return args.Error(0)
}

func (m *PublisherMock) Close() error {
	args := m.Called()
	return args.Error(0)
}

type BlobStoreMock struct {
	mock.Mock
}

func (m *BlobStoreMock) Upload(ctx context.Context, conversationID int64, f storage.File) (models.Attachment, error) {
	args := m.Called(ctx, conversationID, f)
	var att models.Attachment
	if val := args.Get(0); val != nil {
		att = val.(models.Attachment)
	}
	return att, args.Error(1)
}

type AuthorizerMock struct {
	mock.Mock
}

func (m *AuthorizerMock) CanCreateBroadcast(ctx context.Context, userID int64) bool {
	args := m.Called(ctx, userID)
	return args.Bool(0)
}

var _ events.Publisher = (*PublisherMock)(nil)
var _ storage.BlobStore = (*BlobStoreMock)(nil)
var _ auth.Authorizer = (*AuthorizerMock)(nil)
