package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"conversation-service/internal/apperr"
	"conversation-service/internal/changefeed"
	"conversation-service/internal/models"
	"conversation-service/internal/storage"
)

const me int64 = 1

type fakeDirectory struct {
	mu    sync.Mutex
	list  []models.ConversationSummary
	err   error
	calls int
}

func (d *fakeDirectory) ListConversations(context.Context, int64) ([]models.ConversationSummary, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	return d.list, d.err
}

func (d *fakeDirectory) set(list []models.ConversationSummary, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.list, d.err = list, err
}

type fakeAccessor struct {
	mu       sync.Mutex
	messages map[int64]models.MessageView
	gates    map[int64]chan struct{}
	pages    map[int]models.MessagePage
	send     func(ctx context.Context, conversationID int64, in models.SendInput) (models.MessageView, error)
	failUp   []error
	uploads  []received
	reads    int
	nextID   int64
}

type received struct {
	name     string
	body     string
	duration int
	ref      string
}

func newFakeAccessor() *fakeAccessor {
	return &fakeAccessor{messages: map[int64]models.MessageView{}, gates: map[int64]chan struct{}{}, nextID: 100}
}

func (a *fakeAccessor) add(v models.MessageView) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages[v.ID] = v
}

func (a *fakeAccessor) GetMessages(ctx context.Context, _ int64, conversationID int64, page, _ int) (models.MessagePage, error) {
	a.mu.Lock()
	gate := a.gates[conversationID]
	a.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return models.MessagePage{}, ctx.Err()
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok := a.pages[page]; ok {
		return p, nil
	}
	var views []models.MessageView
	for _, v := range a.messages {
		if v.ConversationID == conversationID {
			views = append(views, v)
		}
	}
	return models.MessagePage{Messages: views, Page: 1}, nil
}

func (a *fakeAccessor) GetMessage(_ context.Context, _ int64, messageID int64) (models.MessageView, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.messages[messageID]
	if !ok {
		return models.MessageView{}, apperr.NotFound("get", "message not found")
	}
	return v, nil
}

func (a *fakeAccessor) SendMessage(ctx context.Context, _ int64, conversationID int64, in models.SendInput) (models.MessageView, error) {
	a.mu.Lock()
	send := a.send
	a.mu.Unlock()
	if send != nil {
		return send(ctx, conversationID, in)
	}
	return a.store(conversationID, in), nil
}

func (a *fakeAccessor) store(conversationID int64, in models.SendInput) models.MessageView {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	v := models.MessageView{
		ID:             a.nextID,
		ConversationID: conversationID,
		Sender:         &models.Sender{ID: me, DisplayName: "Me"},
		Content:        in.Content,
		ContentType:    models.ContentText,
		ClientRef:      in.ClientRef,
		CreatedAt:      t0.Add(time.Duration(a.nextID) * time.Second),
	}
	a.messages[v.ID] = v
	return v
}

func (a *fakeAccessor) SendAttachment(ctx context.Context, _ int64, conversationID int64, file storage.File, caption string, _ *int64, clientRef string) (models.MessageView, error) {
	return a.upload(conversationID, file, 0, caption, clientRef, models.ContentFile)
}

func (a *fakeAccessor) SendVoiceMessage(ctx context.Context, _ int64, conversationID int64, file storage.File, duration int, caption string, _ *int64, clientRef string) (models.MessageView, error) {
	return a.upload(conversationID, file, duration, caption, clientRef, models.ContentVoice)
}

// upload records what reached storage and fails while failUp has entries.
func (a *fakeAccessor) upload(conversationID int64, file storage.File, duration int, caption, clientRef string, ct models.ContentType) (models.MessageView, error) {
	body, err := io.ReadAll(file.Body)
	if err != nil {
		return models.MessageView{}, err
	}
	a.mu.Lock()
	a.uploads = append(a.uploads, received{name: file.Name, body: string(body), duration: duration, ref: clientRef})
	if len(a.failUp) > 0 {
		err = a.failUp[0]
		a.failUp = a.failUp[1:]
	}
	a.mu.Unlock()
	if err != nil {
		return models.MessageView{}, err
	}
	v := a.store(conversationID, models.SendInput{Content: caption, ClientRef: clientRef})
	v.ContentType = ct
	v.Attachment = &models.Attachment{Name: file.Name, Size: int64(len(body)), DurationSeconds: duration}
	a.add(v)
	return v, nil
}

func (a *fakeAccessor) uploaded() []received {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]received(nil), a.uploads...)
}

func (a *fakeAccessor) MarkAsRead(context.Context, int64, int64) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reads++
	return true, nil
}

func (a *fakeAccessor) readCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reads
}

type harness struct {
	feed     *changefeed.Feed
	dir      *fakeDirectory
	accessor *fakeAccessor
	session  *Session
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		feed:     changefeed.NewFeed(zap.NewNop()),
		dir:      &fakeDirectory{},
		accessor: newFakeAccessor(),
	}
	h.session = NewSession(Config{UserID: me, Directory: h.dir, Accessor: h.accessor, Feed: h.feed, PageSize: 30, Logger: zap.NewNop()})
	require.NoError(t, h.session.Start(context.Background()))
	t.Cleanup(h.session.Close)
	return h
}

func messageRow(id, conversationID, senderID int64) changefeed.Event {
	row, _ := json.Marshal(map[string]int64{"id": id, "conversation_id": conversationID, "sender_id": senderID})
	return changefeed.Event{Table: "messages", Op: changefeed.OpInsert, Row: row}
}

func (h *harness) entries() []Entry {
	state, _ := h.session.Conversation()
	return state.Messages
}

func (h *harness) waitFor(t *testing.T, cond func([]Entry) bool) {
	t.Helper()
	assert.Eventually(t, func() bool { return cond(h.entries()) }, 2*time.Second, 5*time.Millisecond)
}

func countID(entries []Entry, id int64) int {
	n := 0
	for _, e := range entries {
		if e.ID == id {
			n++
		}
	}
	return n
}

func TestEchoBeforeResponseShowsOnce(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.session.OpenConversation(context.Background(), 7))

	h.accessor.send = func(_ context.Context, conversationID int64, in models.SendInput) (models.MessageView, error) {
		v := h.accessor.store(conversationID, in)
		h.feed.Publish(messageRow(v.ID, conversationID, me))
		h.waitFor(t, func(e []Entry) bool { return countID(e, v.ID) == 1 })
		return v, nil
	}

	sent, err := h.session.SendMessage(context.Background(), models.SendInput{Content: "hello"})
	require.NoError(t, err)

	entries := h.entries()
	require.Len(t, entries, 1)
	assert.Equal(t, sent.ID, entries[0].ID)
	assert.Equal(t, StatusConfirmed, entries[0].Status)
	assert.Equal(t, 0, h.accessor.readCount(), "own messages do not mark read")
}

func TestResponseBeforeEchoShowsOnce(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.session.OpenConversation(context.Background(), 7))

	sent, err := h.session.SendMessage(context.Background(), models.SendInput{Content: "hello"})
	require.NoError(t, err)
	require.Len(t, h.entries(), 1)

	h.feed.Publish(messageRow(sent.ID, 7, me))
	other := models.MessageView{ID: 500, ConversationID: 7, Content: "hi back", CreatedAt: t0.Add(time.Hour)}
	h.accessor.add(other)
	h.feed.Publish(messageRow(other.ID, 7, 2))

	h.waitFor(t, func(e []Entry) bool { return countID(e, 500) == 1 })
	entries := h.entries()
	assert.Equal(t, []int64{sent.ID, 500}, ids(entries))
	assert.Eventually(t, func() bool { return h.accessor.readCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestOutOfOrderInsertsSettleInOrder(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.session.OpenConversation(context.Background(), 7))

	for _, id := range []int64{3, 1, 2} {
		h.accessor.add(models.MessageView{ID: id, ConversationID: 7, CreatedAt: t0.Add(time.Duration(id) * time.Second)})
	}
	for _, id := range []int64{3, 1, 2, 3} {
		h.feed.Publish(messageRow(id, 7, 2))
	}

	h.waitFor(t, func(e []Entry) bool { return len(e) == 3 })
	assert.Equal(t, []int64{1, 2, 3}, ids(h.entries()))
}

func TestEventsForOtherConversationsAreFiltered(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.session.OpenConversation(context.Background(), 7))

	h.accessor.add(models.MessageView{ID: 1, ConversationID: 8, CreatedAt: t0})
	h.accessor.add(models.MessageView{ID: 2, ConversationID: 7, CreatedAt: t0})
	h.feed.Publish(messageRow(1, 8, 2))
	h.feed.Publish(messageRow(2, 7, 2))

	h.waitFor(t, func(e []Entry) bool { return len(e) == 1 })
	assert.Equal(t, []int64{2}, ids(h.entries()))
}

func TestStalePageIsDiscarded(t *testing.T) {
	h := newHarness(t)
	h.accessor.add(models.MessageView{ID: 1, ConversationID: 7, CreatedAt: t0})
	h.accessor.add(models.MessageView{ID: 2, ConversationID: 8, CreatedAt: t0})
	gate := make(chan struct{})
	h.accessor.gates[7] = gate

	done := make(chan error, 1)
	go func() { done <- h.session.OpenConversation(context.Background(), 7) }()

	assert.Eventually(t, func() bool {
		state, ok := h.session.Conversation()
		return ok && state.ID == 7 && state.IsLoading
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, h.session.OpenConversation(context.Background(), 8))
	close(gate)
	require.NoError(t, <-done)

	state, ok := h.session.Conversation()
	require.True(t, ok)
	assert.Equal(t, int64(8), state.ID)
	assert.False(t, state.IsLoading)
	assert.Equal(t, []int64{2}, ids(state.Messages))
}

func TestFailedSendStaysUntilRetriedOrDiscarded(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.session.OpenConversation(context.Background(), 7))

	down := apperr.Wrap(apperr.KindTransient, "send", errors.New("connection refused"))
	h.accessor.send = func(context.Context, int64, models.SendInput) (models.MessageView, error) {
		return models.MessageView{}, down
	}

	_, err := h.session.SendMessage(context.Background(), models.SendInput{Content: "first"})
	require.Error(t, err)
	entries := h.entries()
	require.Len(t, entries, 1)
	assert.Equal(t, StatusFailed, entries[0].Status)
	assert.Equal(t, "first", entries[0].Content)
	require.NotNil(t, entries[0].Error)
	assert.Equal(t, apperr.KindTransient, entries[0].Error.Kind)
	assert.True(t, entries[0].Error.Retryable)
	ref := entries[0].ClientRef

	var seenRef string
	h.accessor.send = func(ctx context.Context, conversationID int64, in models.SendInput) (models.MessageView, error) {
		seenRef = in.ClientRef
		return h.accessor.store(conversationID, in), nil
	}
	sent, err := h.session.RetryFailed(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, ref, seenRef, "retry reuses the client ref")
	entries = h.entries()
	require.Len(t, entries, 1)
	assert.Equal(t, sent.ID, entries[0].ID)
	assert.Equal(t, StatusConfirmed, entries[0].Status)

	_, err = h.session.RetryFailed(context.Background(), ref)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	h.accessor.send = func(context.Context, int64, models.SendInput) (models.MessageView, error) {
		return models.MessageView{}, down
	}
	_, err = h.session.SendMessage(context.Background(), models.SendInput{Content: "second"})
	require.Error(t, err)
	entries = h.entries()
	require.Len(t, entries, 2)
	assert.True(t, h.session.DiscardFailed(entries[1].ClientRef))
	assert.Len(t, h.entries(), 1)
	assert.False(t, h.session.DiscardFailed(entries[1].ClientRef))
}

func TestFailedUploadRetriesFromBufferedBody(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.session.OpenConversation(context.Background(), 7))
	h.accessor.failUp = []error{apperr.Upload("s3", "upload failed", errors.New("timeout"))}

	file := storage.File{Name: "plan.pdf", MimeType: "application/pdf", Body: strings.NewReader("%PDF-1.4 plan")}
	_, err := h.session.SendAttachment(context.Background(), file, "", nil)
	assert.Equal(t, apperr.KindUpload, apperr.KindOf(err))

	entries := h.entries()
	require.Len(t, entries, 1)
	assert.Equal(t, StatusFailed, entries[0].Status)
	assert.Equal(t, models.ContentFile, entries[0].ContentType)
	assert.Equal(t, "plan.pdf", entries[0].Content)
	require.NotNil(t, entries[0].Error)
	assert.True(t, entries[0].Error.Retryable)
	ref := entries[0].ClientRef

	sent, err := h.session.RetryFailed(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, ref, sent.ClientRef)

	entries = h.entries()
	require.Len(t, entries, 1)
	assert.Equal(t, StatusConfirmed, entries[0].Status)
	assert.Equal(t, sent.ID, entries[0].ID)

	uploads := h.accessor.uploaded()
	require.Len(t, uploads, 2)
	for _, u := range uploads {
		assert.Equal(t, "%PDF-1.4 plan", u.body)
		assert.Equal(t, ref, u.ref)
	}
}

func TestVoiceDraftCarriesDuration(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.session.OpenConversation(context.Background(), 7))
	h.accessor.failUp = []error{apperr.New(apperr.KindTransient, "s3", "unavailable")}

	file := storage.File{Name: "note.ogg", MimeType: "audio/ogg", Body: strings.NewReader("OggS")}
	_, err := h.session.SendVoiceMessage(context.Background(), file, 42, "listen", nil)
	require.Error(t, err)

	entries := h.entries()
	require.Len(t, entries, 1)
	assert.Equal(t, StatusFailed, entries[0].Status)
	assert.Equal(t, models.ContentVoice, entries[0].ContentType)
	require.NotNil(t, entries[0].Attachment)
	assert.Equal(t, 42, entries[0].Attachment.DurationSeconds)
	assert.Equal(t, int64(4), entries[0].Attachment.Size)

	sent, err := h.session.RetryFailed(context.Background(), entries[0].ClientRef)
	require.NoError(t, err)
	assert.Equal(t, 42, sent.Attachment.DurationSeconds)
	uploads := h.accessor.uploaded()
	require.Len(t, uploads, 2)
	assert.Equal(t, 42, uploads[1].duration)
	assert.Equal(t, "OggS", uploads[1].body)
}

func TestSendValidatesBeforeAddingEntry(t *testing.T) {
	h := newHarness(t)

	_, err := h.session.SendMessage(context.Background(), models.SendInput{Content: "no conversation"})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	require.NoError(t, h.session.OpenConversation(context.Background(), 7))
	_, err = h.session.SendMessage(context.Background(), models.SendInput{Content: "   "})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	_, err = h.session.SendAttachment(context.Background(), storage.File{Name: "a.png"}, "", nil)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	assert.Empty(t, h.entries())
}

func TestSubscriptionsAreReleased(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, 2, h.feed.Len())

	require.NoError(t, h.session.OpenConversation(context.Background(), 7))
	assert.Equal(t, 3, h.feed.Len())
	require.NoError(t, h.session.OpenConversation(context.Background(), 8))
	assert.Equal(t, 3, h.feed.Len(), "switching conversations releases the previous subscription")

	assert.Eventually(t, func() bool {
		return h.session.SubscriptionStates()[SubMessages] == StateActive
	}, time.Second, 5*time.Millisecond)

	h.session.CloseConversation()
	assert.Equal(t, 2, h.feed.Len())
	assert.Equal(t, StateDisconnected, h.session.SubscriptionStates()[SubMessages])

	h.session.Close()
	h.session.Close()
	assert.Equal(t, 0, h.feed.Len())
	for name, state := range h.session.SubscriptionStates() {
		assert.Equal(t, StateDisconnected, state, name)
	}
	assert.ErrorIs(t, h.session.OpenConversation(context.Background(), 7), ErrClosed)
}

func TestListRefreshKeepsStaleDataOnError(t *testing.T) {
	h := newHarness(t)
	h.dir.set([]models.ConversationSummary{{ID: 1, DisplayName: "Bob", UnreadCount: 2}}, nil)
	require.NoError(t, h.session.RefreshConversations(context.Background()))

	h.dir.set(nil, apperr.Wrap(apperr.KindTransient, "list", errors.New("down")))
	require.Error(t, h.session.RefreshConversations(context.Background()))

	list, unread, err := h.session.Conversations()
	require.Len(t, list, 1)
	assert.Equal(t, 2, unread)
	assert.Error(t, err)
}

func TestResyncRefetches(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.session.OpenConversation(context.Background(), 7))
	h.dir.mu.Lock()
	before := h.dir.calls
	h.dir.mu.Unlock()

	h.accessor.add(models.MessageView{ID: 9, ConversationID: 7, CreatedAt: t0})
	h.feed.Resync()

	h.waitFor(t, func(e []Entry) bool { return countID(e, 9) == 1 })
	assert.Eventually(t, func() bool {
		h.dir.mu.Lock()
		defer h.dir.mu.Unlock()
		return h.dir.calls >= before+2
	}, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		for _, s := range h.session.SubscriptionStates() {
			if s != StateActive {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond)
}

func TestOnChangeReceivesSnapshots(t *testing.T) {
	h := newHarness(t)
	var mu sync.Mutex
	var got []UpdateType
	h.session.OnChange(func(u Update) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, u.Type)
		if u.Type == UpdateConversation {
			require.NotNil(t, u.Conversation)
		}
	})

	require.NoError(t, h.session.OpenConversation(context.Background(), 7))
	require.NoError(t, h.session.RefreshConversations(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, got, UpdateConversation)
	assert.Contains(t, got, UpdateConversations)
}

func TestLoadMoreOlderMergesPages(t *testing.T) {
	h := newHarness(t)
	at := func(id int64) models.MessageView {
		return models.MessageView{ID: id, ConversationID: 7, CreatedAt: t0.Add(time.Duration(id) * time.Second)}
	}
	h.accessor.pages = map[int]models.MessagePage{
		1: {Messages: []models.MessageView{at(3), at(4)}, Page: 1, HasMoreOlder: true},
		2: {Messages: []models.MessageView{at(1), at(2), at(3)}, Page: 2},
	}

	require.NoError(t, h.session.OpenConversation(context.Background(), 7))
	state, _ := h.session.Conversation()
	assert.True(t, state.HasMoreOlder)

	require.NoError(t, h.session.LoadMoreOlder(context.Background()))
	state, _ = h.session.Conversation()
	assert.Equal(t, []int64{1, 2, 3, 4}, ids(state.Messages))
	assert.False(t, state.HasMoreOlder)

	require.NoError(t, h.session.LoadMoreOlder(context.Background()))
	assert.Len(t, h.entries(), 4)
}
