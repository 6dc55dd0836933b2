package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"conversation-service/internal/apperr"
	"conversation-service/internal/directory"
	"conversation-service/internal/messaging"
	"conversation-service/internal/mocks"
	"conversation-service/internal/models"
)

type handlerFixture struct {
	store *mocks.MemStore
	blobs *mocks.BlobStoreMock
	authz *mocks.AuthorizerMock
	svc   *messaging.Service
	dir   *directory.Service
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store := mocks.NewMemStore(nil)
	store.AddUser(models.User{ID: 1, DisplayName: "Alice", Role: "manager", IsActive: true})
	store.AddUser(models.User{ID: 2, DisplayName: "Bob", Role: "technician", IsActive: true})
	store.AddUser(models.User{ID: 3, DisplayName: "Carol", Role: "technician", IsActive: true})

	f := &handlerFixture{store: store, blobs: new(mocks.BlobStoreMock), authz: new(mocks.AuthorizerMock)}
	f.svc = messaging.NewService(messaging.Deps{
		Conversations: store.Conversations(),
		Messages:      store.Messages(),
		Users:         store.Users(),
		Blobs:         f.blobs,
		Authorizer:    f.authz,
	}, messaging.Options{}, zap.NewNop())
	f.dir = directory.NewService(store.Conversations(), store.Users(), zap.NewNop())
	return f
}

func (f *handlerFixture) router(userID int64, maxUpload int64) *gin.Engine {
	r := gin.New()
	r.Use(RequestIDMiddleware())
	r.Use(func(c *gin.Context) {
		c.Set("userID", userID)
		c.Next()
	})
	conversations := NewConversationHandler(f.dir, f.svc, nil)
	messages := NewMessageHandler(f.svc, nil, maxUpload)

	r.GET("/conversations", conversations.ListConversations)
	r.POST("/conversations/direct", conversations.StartDirect)
	r.POST("/conversations/group", conversations.CreateGroup)
	r.POST("/conversations/broadcast", conversations.CreateBroadcast)
	r.POST("/conversations/:id/read", conversations.MarkRead)
	r.POST("/conversations/:id/pin", conversations.TogglePin)
	r.POST("/conversations/:id/mute", conversations.ToggleMute)
	r.DELETE("/conversations/:id/membership", conversations.Leave)
	r.GET("/conversations/:id/messages", messages.GetMessages)
	r.POST("/conversations/:id/messages", messages.PostMessage)
	r.POST("/conversations/:id/attachments", messages.PostAttachment)
	r.POST("/conversations/:id/voice", messages.PostVoice)
	r.PATCH("/messages/:message_id", messages.EditMessage)
	r.DELETE("/messages/:message_id", messages.DeleteMessage)
	return r
}

func do(t *testing.T, r http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	var resp map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

func multipartBody(t *testing.T, fields map[string]string, fileName string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	if fileName != "" {
		part, err := w.CreateFormFile("file", fileName)
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf, w.FormDataContentType()
}

func upload(r http.Handler, path string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestDirectConversationFlow(t *testing.T) {
	f := newHandlerFixture(t)
	alice, bob := f.router(1, 0), f.router(2, 0)

	rec, resp := do(t, alice, http.MethodPost, "/conversations/direct", `{"user_id":2}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	conv := resp["conversation"].(map[string]any)
	path := "/conversations/" + jsonID(conv["id"])

	rec, _ = do(t, alice, http.MethodPost, path+"/messages", `{"content":"Hi Bob"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, resp = do(t, bob, http.MethodGet, "/conversations", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, resp["unread_total"])
	list := resp["conversations"].([]any)
	require.Len(t, list, 1)
	assert.Equal(t, "Alice", list[0].(map[string]any)["display_name"])

	rec, resp = do(t, bob, http.MethodGet, path+"/messages?page=1&page_size=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, resp["messages"].([]any), 1)

	rec, resp = do(t, bob, http.MethodPost, path+"/read", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, resp["advanced"])
	_, resp = do(t, bob, http.MethodPost, path+"/read", "")
	assert.Equal(t, false, resp["advanced"])

	_, resp = do(t, bob, http.MethodGet, "/conversations", "")
	assert.EqualValues(t, 0, resp["unread_total"])
}

func jsonID(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func TestErrorResponsesCarryKind(t *testing.T) {
	f := newHandlerFixture(t)
	alice, carol := f.router(1, 0), f.router(3, 0)

	rec, resp := do(t, alice, http.MethodPost, "/conversations/direct", `{"user_id":"x"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation", resp["kind"])

	rec, resp = do(t, alice, http.MethodPost, "/conversations/direct", `{"user_id":1}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, false, resp["retryable"])

	rec, _ = do(t, alice, http.MethodPost, "/conversations/direct", `{"user_id":99}`)
	require.Equal(t, http.StatusNotFound, rec.Code)

	_, resp = do(t, alice, http.MethodPost, "/conversations/direct", `{"user_id":2}`)
	path := "/conversations/" + jsonID(resp["conversation"].(map[string]any)["id"])

	rec, resp = do(t, carol, http.MethodGet, path+"/messages", "")
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "forbidden", resp["kind"])

	rec, _ = do(t, alice, http.MethodGet, "/conversations/abc/messages", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAttachmentUpload(t *testing.T) {
	f := newHandlerFixture(t)
	alice := f.router(1, 1<<20)
	_, resp := do(t, alice, http.MethodPost, "/conversations/direct", `{"user_id":2}`)
	path := "/conversations/" + jsonID(resp["conversation"].(map[string]any)["id"])

	f.blobs.On("Upload", mock.Anything, mock.Anything, mock.Anything).
		Return(models.Attachment{URL: "https://cdn/x.png", Name: "x.png", Size: 4, MimeType: "image/png"}, nil).Once()
	body, ct := multipartBody(t, map[string]string{"caption": "look"}, "x.png", []byte("data"))
	rec := upload(alice, path+"/attachments", body, ct)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created struct {
		Message models.MessageView `json:"message"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, models.ContentImage, created.Message.ContentType)
	assert.Equal(t, "look", created.Message.Content)

	f.blobs.On("Upload", mock.Anything, mock.Anything, mock.Anything).
		Return(models.Attachment{}, apperr.Upload("s3", "upload failed", errors.New("timeout"))).Once()
	body, ct = multipartBody(t, nil, "y.pdf", []byte("data"))
	rec = upload(alice, path+"/attachments", body, ct)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	var failed map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &failed))
	assert.Equal(t, "upload", failed["kind"])
	assert.Equal(t, true, failed["retryable"])

	body, ct = multipartBody(t, nil, "", nil)
	rec = upload(alice, path+"/attachments", body, ct)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	f.blobs.AssertExpectations(t)
}

func TestUploadLimits(t *testing.T) {
	f := newHandlerFixture(t)
	alice := f.router(1, 64)
	_, resp := do(t, alice, http.MethodPost, "/conversations/direct", `{"user_id":2}`)
	path := "/conversations/" + jsonID(resp["conversation"].(map[string]any)["id"])

	body, ct := multipartBody(t, nil, "big.bin", bytes.Repeat([]byte("a"), 4096))
	rec := upload(alice, path+"/attachments", body, ct)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	roomy := f.router(1, 1<<20)
	body, ct = multipartBody(t, map[string]string{"duration_seconds": "long"}, "v.ogg", []byte("x"))
	rec = upload(roomy, path+"/voice", body, ct)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "duration_seconds")

	body, ct = multipartBody(t, nil, "v.ogg", []byte("x"))
	rec = upload(roomy, path+"/voice", body, ct)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	f.blobs.AssertNotCalled(t, "Upload", mock.Anything, mock.Anything, mock.Anything)
}

func TestVoiceMessage(t *testing.T) {
	f := newHandlerFixture(t)
	alice := f.router(1, 1<<20)
	_, resp := do(t, alice, http.MethodPost, "/conversations/direct", `{"user_id":2}`)
	path := "/conversations/" + jsonID(resp["conversation"].(map[string]any)["id"])

	f.blobs.On("Upload", mock.Anything, mock.Anything, mock.Anything).
		Return(models.Attachment{URL: "https://cdn/v.ogg", Name: "v.ogg", Size: 1, MimeType: "audio/ogg"}, nil).Once()
	body, ct := multipartBody(t, map[string]string{"duration_seconds": "12"}, "v.ogg", []byte("x"))
	rec := upload(alice, path+"/voice", body, ct)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created struct {
		Message models.MessageView `json:"message"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, models.ContentVoice, created.Message.ContentType)
	require.NotNil(t, created.Message.Attachment)
	assert.Equal(t, 12, created.Message.Attachment.DurationSeconds)
}

func TestBroadcastRequiresPermission(t *testing.T) {
	f := newHandlerFixture(t)
	alice := f.router(1, 0)
	body := `{"title":"Outage","message":"Site down","target_role":"technician"}`

	f.authz.On("CanCreateBroadcast", mock.Anything, int64(1)).Return(false).Once()
	rec, resp := do(t, alice, http.MethodPost, "/conversations/broadcast", body)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "forbidden", resp["kind"])

	f.authz.On("CanCreateBroadcast", mock.Anything, int64(1)).Return(true).Once()
	rec, _ = do(t, alice, http.MethodPost, "/conversations/broadcast", body)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, 1, f.store.ConversationCount(models.ConversationBroadcast))
	f.authz.AssertExpectations(t)
}

func TestMembershipEndpoints(t *testing.T) {
	f := newHandlerFixture(t)
	alice := f.router(1, 0)
	rec, resp := do(t, alice, http.MethodPost, "/conversations/group", `{"name":"Crew","member_ids":[2,3]}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	path := "/conversations/" + jsonID(resp["conversation"].(map[string]any)["id"])

	_, resp = do(t, alice, http.MethodPost, path+"/pin", "")
	assert.Equal(t, true, resp["is_pinned"])
	_, resp = do(t, alice, http.MethodPost, path+"/mute", "")
	assert.Equal(t, true, resp["is_muted"])

	rec, _ = do(t, alice, http.MethodDelete, path+"/membership", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	_, resp = do(t, alice, http.MethodGet, "/conversations", "")
	assert.Empty(t, resp["conversations"])
}

func TestEditAndDeleteMessage(t *testing.T) {
	f := newHandlerFixture(t)
	alice, bob := f.router(1, 0), f.router(2, 0)
	_, resp := do(t, alice, http.MethodPost, "/conversations/direct", `{"user_id":2}`)
	path := "/conversations/" + jsonID(resp["conversation"].(map[string]any)["id"])
	_, resp = do(t, alice, http.MethodPost, path+"/messages", `{"content":"tpyo"}`)
	msgPath := "/messages/" + jsonID(resp["message"].(map[string]any)["id"])

	rec, _ := do(t, bob, http.MethodPatch, msgPath, `{"content":"hacked"}`)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec, resp = do(t, alice, http.MethodPatch, msgPath, `{"content":"typo"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	msg := resp["message"].(map[string]any)
	assert.Equal(t, "typo", msg["content"])
	assert.Equal(t, true, msg["is_edited"])

	rec, resp = do(t, alice, http.MethodDelete, msgPath, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, resp["message"].(map[string]any)["is_deleted"])
}

func TestStatusForKinds(t *testing.T) {
	cases := map[apperr.Kind]int{
		apperr.KindValidation: http.StatusBadRequest,
		apperr.KindNotFound:   http.StatusNotFound,
		apperr.KindForbidden:  http.StatusForbidden,
		apperr.KindTransient:  http.StatusServiceUnavailable,
		apperr.KindUpload:     http.StatusBadGateway,
		apperr.KindInternal:   http.StatusInternalServerError,
	}
	for kind, status := range cases {
		assert.Equal(t, status, statusFor(kind), kind)
	}
}
