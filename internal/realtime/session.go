// Package realtime keeps a user's conversation list and open conversation in
// step with the store by following change notifications.
package realtime

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"conversation-service/internal/apperr"
	"conversation-service/internal/changefeed"
	"conversation-service/internal/directory"
	"conversation-service/internal/models"
	"conversation-service/internal/observability"
	"conversation-service/internal/storage"
)

// State is the lifecycle of one subscription.
type State string

const (
	StateDisconnected State = "disconnected"
	StateSubscribing  State = "subscribing"
	StateActive       State = "active"
	StateError        State = "error"
)

// Subscription names.
const (
	SubParticipants  = "participants"
	SubConversations = "conversations"
	SubMessages      = "messages"
)

var ErrClosed = errors.New("session closed")

// Directory lists a user's conversations.
type Directory interface {
	ListConversations(ctx context.Context, userID int64) ([]models.ConversationSummary, error)
}

// Accessor reads and writes messages on behalf of a user.
type Accessor interface {
	GetMessages(ctx context.Context, userID, conversationID int64, page, pageSize int) (models.MessagePage, error)
	GetMessage(ctx context.Context, userID, messageID int64) (models.MessageView, error)
	SendMessage(ctx context.Context, userID, conversationID int64, in models.SendInput) (models.MessageView, error)
	SendAttachment(ctx context.Context, userID, conversationID int64, file storage.File, caption string, replyTo *int64, clientRef string) (models.MessageView, error)
	SendVoiceMessage(ctx context.Context, userID, conversationID int64, file storage.File, durationSeconds int, caption string, replyTo *int64, clientRef string) (models.MessageView, error)
	MarkAsRead(ctx context.Context, userID, conversationID int64) (bool, error)
}

// Subscriber opens filtered change streams.
type Subscriber interface {
	Subscribe(table string, filter *changefeed.Filter) *changefeed.Subscription
}

// UpdateType tells the transport which part of the state changed.
type UpdateType string

const (
	UpdateConversations UpdateType = "conversations"
	UpdateConversation  UpdateType = "conversation"
)

// Update is a state snapshot handed to OnChange.
type Update struct {
	Type          UpdateType
	Conversations []models.ConversationSummary
	UnreadTotal   int
	ListError     *ErrorInfo
	Conversation  *ConversationState
}

// ConversationState is the open conversation as the client renders it.
type ConversationState struct {
	ID           int64      `json:"id"`
	Messages     []Entry    `json:"messages"`
	HasMoreOlder bool       `json:"has_more_older"`
	IsLoading    bool       `json:"is_loading"`
	IsSending    bool       `json:"is_sending"`
	Error        *ErrorInfo `json:"error,omitempty"`
}

type sendFunc func(ctx context.Context, conversationID int64, clientRef string) (models.MessageView, error)

type openConversation struct {
	id           int64
	generation   uint64
	list         MessageList
	pagesLoaded  int
	hasMoreOlder bool
	loading      bool
	err          error
	retries      map[string]sendFunc
}

type subscription struct {
	name   string
	handle *changefeed.Subscription
}

// Session is the synchronizer of one user connection. Its state is guarded by
// mu; remote calls are always made without holding it.
type Session struct {
	userID    int64
	directory Directory
	accessor  Accessor
	feed      Subscriber
	pageSize  int
	logger    *zap.Logger
	newRef    func() string
	now       func() time.Time

	mu            sync.Mutex
	started       bool
	closed        bool
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	subs          map[string]*subscription
	states        map[string]State
	conversations []models.ConversationSummary
	listErr       error
	open          *openConversation
	generation    uint64
	onChange      func(Update)
}

// Config holds the collaborators of a Session.
type Config struct {
	UserID    int64
	Directory Directory
	Accessor  Accessor
	Feed      Subscriber
	PageSize  int
	Logger    *zap.Logger
}

func NewSession(cfg Config) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		userID:    cfg.UserID,
		directory: cfg.Directory,
		accessor:  cfg.Accessor,
		feed:      cfg.Feed,
		pageSize:  cfg.PageSize,
		logger:    logger.With(zap.Int64("user_id", cfg.UserID)),
		newRef:    uuid.NewString,
		now:       time.Now,
		subs:      map[string]*subscription{},
		states: map[string]State{
			SubParticipants:  StateDisconnected,
			SubConversations: StateDisconnected,
			SubMessages:      StateDisconnected,
		},
	}
}

// OnChange registers the callback receiving state snapshots. It may be called
// from several goroutines.
func (s *Session) OnChange(fn func(Update)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

// Start opens the list-level subscriptions and loads the conversation list.
// The session lives until Close or until ctx is done.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.subscribe(SubParticipants, "participants", changefeed.Eq("user_id", s.userID), nil, s.onListEvent, s.refreshOnResync)
	s.subscribe(SubConversations, "conversations", nil, nil, s.onListEvent, s.refreshOnResync)
	return s.RefreshConversations(ctx)
}

// subscribe opens a stream and starts its pump. A non-nil current is checked
// under the lock; when it reports false the stream is dropped.
func (s *Session) subscribe(name, table string, filter *changefeed.Filter, current func() bool, handle func(context.Context, changefeed.Event), resync func(context.Context) error) *subscription {
	s.mu.Lock()
	if s.closed || (current != nil && !current()) {
		s.mu.Unlock()
		return nil
	}
	s.states[name] = StateSubscribing
	ctx := s.ctx
	s.mu.Unlock()

	sub := &subscription{name: name, handle: s.feed.Subscribe(table, filter)}

	s.mu.Lock()
	if s.closed || (current != nil && !current()) {
		s.mu.Unlock()
		sub.handle.Close()
		return nil
	}
	prev := s.subs[name]
	s.subs[name] = sub
	s.wg.Add(1)
	s.mu.Unlock()

	if prev != nil {
		prev.handle.Close()
	}
	go s.pump(ctx, sub, handle, resync)
	return sub
}

func (s *Session) pump(ctx context.Context, sub *subscription, handle func(context.Context, changefeed.Event), resync func(context.Context) error) {
	defer s.wg.Done()
	s.setState(sub, StateActive)
	for {
		select {
		case <-ctx.Done():
			s.setState(sub, StateDisconnected)
			return
		case <-sub.handle.Done():
			s.setState(sub, StateDisconnected)
			return
		case ev := <-sub.handle.Events():
			handle(ctx, ev)
		case <-sub.handle.Resync():
			observability.IncResync()
			s.setState(sub, StateError)
			if err := resync(ctx); err != nil {
				s.logger.Warn("resync failed", zap.String("subscription", sub.name), zap.Error(err))
				continue
			}
			s.setState(sub, StateActive)
		}
	}
}

// setState records the state of sub while it is still the current holder of its name.
func (s *Session) setState(sub *subscription, state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.subs[sub.name]; ok && cur != sub {
		return
	}
	s.states[sub.name] = state
}

// SubscriptionStates reports the state of every subscription.
func (s *Session) SubscriptionStates() map[string]State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]State, len(s.states))
	for k, v := range s.states {
		out[k] = v
	}
	return out
}

// release closes the named subscription, if any.
func (s *Session) release(name string) {
	s.mu.Lock()
	sub := s.subs[name]
	delete(s.subs, name)
	s.states[name] = StateDisconnected
	s.mu.Unlock()
	if sub != nil {
		sub.handle.Close()
	}
}

// Close releases every subscription. Closing twice is a no-op.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	subs := s.subs
	s.subs = map[string]*subscription{}
	for name := range s.states {
		s.states[name] = StateDisconnected
	}
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, sub := range subs {
		sub.handle.Close()
	}
	s.wg.Wait()
}

// RefreshConversations refetches the conversation list. A failure keeps the
// previous list and records the error.
func (s *Session) RefreshConversations(ctx context.Context) error {
	list, err := s.directory.ListConversations(ctx, s.userID)
	s.mu.Lock()
	if err != nil {
		s.listErr = err
	} else {
		s.conversations = list
		s.listErr = nil
	}
	s.mu.Unlock()
	if err != nil {
		s.logger.Warn("refresh conversations failed", zap.Error(err))
	}
	s.notify(UpdateConversations)
	return err
}

func (s *Session) refreshOnResync(ctx context.Context) error {
	return s.RefreshConversations(ctx)
}

func (s *Session) onListEvent(ctx context.Context, ev changefeed.Event) {
	if ev.Table == "conversations" {
		id, ok := ev.Int64("id")
		if !ok || !s.listed(id) {
			return
		}
	}
	_ = s.RefreshConversations(ctx)
}

func (s *Session) listed(conversationID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conversations {
		if c.ID == conversationID {
			return true
		}
	}
	return false
}

// Conversations returns the current list, its unread total and the last refresh error.
func (s *Session) Conversations() ([]models.ConversationSummary, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := append([]models.ConversationSummary(nil), s.conversations...)
	return list, directory.UnreadTotal(list), s.listErr
}

// Conversation returns the open conversation, if any.
func (s *Session) Conversation() (ConversationState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open == nil {
		return ConversationState{}, false
	}
	return s.conversationStateLocked(), true
}

func (s *Session) conversationStateLocked() ConversationState {
	o := s.open
	return ConversationState{
		ID:           o.id,
		Messages:     o.list.Entries(),
		HasMoreOlder: o.hasMoreOlder,
		IsLoading:    o.loading,
		IsSending:    o.list.Sending(),
		Error:        newErrorInfo(o.err),
	}
}

func (s *Session) notify(t UpdateType) {
	s.mu.Lock()
	fn := s.onChange
	if fn == nil || s.closed {
		s.mu.Unlock()
		return
	}
	u := Update{Type: t}
	switch t {
	case UpdateConversations:
		u.Conversations = append([]models.ConversationSummary(nil), s.conversations...)
		u.UnreadTotal = directory.UnreadTotal(u.Conversations)
		u.ListError = newErrorInfo(s.listErr)
	case UpdateConversation:
		if s.open == nil {
			s.mu.Unlock()
			return
		}
		state := s.conversationStateLocked()
		u.Conversation = &state
	}
	s.mu.Unlock()
	fn(u)
}

// currentLocked returns the open conversation when it still is the one identified by
// generation. s.mu must be held.
func (s *Session) currentLocked(generation uint64) *openConversation {
	if s.open == nil || s.open.generation != generation {
		return nil
	}
	return s.open
}

// OpenConversation switches the open conversation. The previous message
// subscription is released first; pages fetched for a conversation that is no
// longer open are discarded.
func (s *Session) OpenConversation(ctx context.Context, conversationID int64) error {
	s.mu.Lock()
	if s.closed || !s.started {
		s.mu.Unlock()
		return ErrClosed
	}
	s.generation++
	gen := s.generation
	s.open = &openConversation{id: conversationID, generation: gen, loading: true, retries: map[string]sendFunc{}}
	s.mu.Unlock()

	s.release(SubMessages)
	s.subscribe(SubMessages, "messages", changefeed.Eq("conversation_id", conversationID),
		func() bool { return s.generation == gen },
		func(ctx context.Context, ev changefeed.Event) { s.onMessageEvent(ctx, gen, ev) },
		func(ctx context.Context) error { return s.reload(ctx, gen) },
	)
	s.notify(UpdateConversation)

	page, err := s.accessor.GetMessages(ctx, s.userID, conversationID, 1, s.pageSize)

	s.mu.Lock()
	o := s.currentLocked(gen)
	if o == nil {
		s.mu.Unlock()
		s.logger.Debug("discarding stale page", zap.Int64("conversation_id", conversationID))
		return nil
	}
	o.loading = false
	o.err = err
	if err == nil {
		o.list.Reconcile(page.Messages)
		o.pagesLoaded = 1
		o.hasMoreOlder = page.HasMoreOlder
	}
	s.mu.Unlock()
	s.notify(UpdateConversation)
	return err
}

// CloseConversation releases the open conversation.
func (s *Session) CloseConversation() {
	s.mu.Lock()
	s.generation++
	s.open = nil
	s.mu.Unlock()
	s.release(SubMessages)
}

// LoadMoreOlder fetches the next older page of the open conversation.
func (s *Session) LoadMoreOlder(ctx context.Context) error {
	s.mu.Lock()
	o := s.open
	if o == nil {
		s.mu.Unlock()
		return apperr.Validation("realtime.LoadMoreOlder", "no conversation is open")
	}
	if o.loading || !o.hasMoreOlder {
		s.mu.Unlock()
		return nil
	}
	o.loading = true
	gen, id, next := o.generation, o.id, o.pagesLoaded+1
	s.mu.Unlock()
	s.notify(UpdateConversation)

	page, err := s.accessor.GetMessages(ctx, s.userID, id, next, s.pageSize)

	s.mu.Lock()
	o = s.currentLocked(gen)
	if o == nil {
		s.mu.Unlock()
		return nil
	}
	o.loading = false
	o.err = err
	if err == nil {
		o.list.Reconcile(page.Messages)
		o.pagesLoaded = next
		o.hasMoreOlder = page.HasMoreOlder
	}
	s.mu.Unlock()
	s.notify(UpdateConversation)
	return err
}

// reload refetches every loaded page after events may have been missed.
func (s *Session) reload(ctx context.Context, gen uint64) error {
	s.mu.Lock()
	o := s.currentLocked(gen)
	if o == nil {
		s.mu.Unlock()
		return nil
	}
	id, pages := o.id, o.pagesLoaded
	s.mu.Unlock()
	if pages < 1 {
		pages = 1
	}

	var views []models.MessageView
	hasMore := false
	for p := 1; p <= pages; p++ {
		page, err := s.accessor.GetMessages(ctx, s.userID, id, p, s.pageSize)
		if err != nil {
			s.mu.Lock()
			if o := s.currentLocked(gen); o != nil {
				o.err = err
			}
			s.mu.Unlock()
			s.notify(UpdateConversation)
			return err
		}
		views = append(views, page.Messages...)
		hasMore = page.HasMoreOlder
	}

	s.mu.Lock()
	o = s.currentLocked(gen)
	if o == nil {
		s.mu.Unlock()
		return nil
	}
	o.list.Reconcile(views)
	o.hasMoreOlder = hasMore
	o.err = nil
	s.mu.Unlock()
	s.notify(UpdateConversation)
	return nil
}

func (s *Session) onMessageEvent(ctx context.Context, gen uint64, ev changefeed.Event) {
	id, ok := ev.Int64("id")
	if !ok {
		return
	}

	s.mu.Lock()
	o := s.currentLocked(gen)
	if o == nil {
		s.mu.Unlock()
		return
	}
	convID := o.id
	known := o.list.Contains(id)
	s.mu.Unlock()

	switch ev.Op {
	case changefeed.OpInsert:
		if known {
			observability.IncDedupHit()
		} else {
			s.applyMessage(ctx, gen, id, true)
		}
		if sender, ok := ev.Int64("sender_id"); !ok || sender != s.userID {
			if _, err := s.accessor.MarkAsRead(ctx, s.userID, convID); err != nil {
				s.logger.Warn("mark as read failed", zap.Int64("conversation_id", convID), zap.Error(err))
			}
		}
	case changefeed.OpUpdate:
		if known {
			s.applyMessage(ctx, gen, id, false)
		}
	}
}

// applyMessage resolves a changed row and inserts or patches it.
func (s *Session) applyMessage(ctx context.Context, gen uint64, messageID int64, insert bool) {
	view, err := s.accessor.GetMessage(ctx, s.userID, messageID)
	if err != nil {
		s.logger.Warn("resolve changed message failed", zap.Int64("message_id", messageID), zap.Error(err))
		return
	}

	s.mu.Lock()
	o := s.currentLocked(gen)
	if o == nil || view.ConversationID != o.id {
		s.mu.Unlock()
		return
	}
	changed := false
	if insert {
		changed = o.list.Insert(view)
		if !changed {
			observability.IncDedupHit()
		}
	} else {
		changed = o.list.Patch(view)
	}
	s.mu.Unlock()
	if changed {
		s.notify(UpdateConversation)
	}
}

// SendMessage appends a provisional entry and sends it. A failed send stays
// in the list marked failed until retried or discarded.
func (s *Session) SendMessage(ctx context.Context, in models.SendInput) (models.MessageView, error) {
	if !in.HasBody() {
		return models.MessageView{}, apperr.Validation("realtime.SendMessage", "message must have content or an attachment")
	}
	ct := in.ContentType
	if ct == "" {
		ct = models.ContentText
	}
	draft := models.MessageView{Content: in.Content, ContentType: ct, Attachment: in.Attachment}
	return s.sendWith(ctx, draft, func(ctx context.Context, conversationID int64, ref string) (models.MessageView, error) {
		in := in
		in.ClientRef = ref
		return s.accessor.SendMessage(ctx, s.userID, conversationID, in)
	})
}

// SendAttachment buffers the file so a failed upload can be retried.
func (s *Session) SendAttachment(ctx context.Context, file storage.File, caption string, replyTo *int64) (models.MessageView, error) {
	data, err := readAll(file)
	if err != nil {
		return models.MessageView{}, err
	}
	content := caption
	if content == "" {
		content = file.Name
	}
	draft := models.MessageView{Content: content, ContentType: models.ContentFile, Attachment: &models.Attachment{Name: file.Name, Size: int64(len(data))}}
	return s.sendWith(ctx, draft, func(ctx context.Context, conversationID int64, ref string) (models.MessageView, error) {
		f := storage.File{Name: file.Name, MimeType: file.MimeType, Body: bytes.NewReader(data)}
		return s.accessor.SendAttachment(ctx, s.userID, conversationID, f, caption, replyTo, ref)
	})
}

// SendVoiceMessage buffers the recording so a failed upload can be retried.
func (s *Session) SendVoiceMessage(ctx context.Context, file storage.File, durationSeconds int, caption string, replyTo *int64) (models.MessageView, error) {
	data, err := readAll(file)
	if err != nil {
		return models.MessageView{}, err
	}
	draft := models.MessageView{Content: caption, ContentType: models.ContentVoice, Attachment: &models.Attachment{Name: file.Name, Size: int64(len(data)), DurationSeconds: durationSeconds}}
	return s.sendWith(ctx, draft, func(ctx context.Context, conversationID int64, ref string) (models.MessageView, error) {
		f := storage.File{Name: file.Name, MimeType: file.MimeType, Body: bytes.NewReader(data)}
		return s.accessor.SendVoiceMessage(ctx, s.userID, conversationID, f, durationSeconds, caption, replyTo, ref)
	})
}

func readAll(file storage.File) ([]byte, error) {
	if file.Body == nil {
		return nil, apperr.Validation("realtime.Send", "file is required")
	}
	data, err := io.ReadAll(file.Body)
	if err != nil {
		return nil, apperr.Upload("realtime.Send", "read upload", err)
	}
	return data, nil
}

func (s *Session) sendWith(ctx context.Context, draft models.MessageView, call sendFunc) (models.MessageView, error) {
	ref := s.newRef()
	s.mu.Lock()
	o := s.open
	if o == nil {
		s.mu.Unlock()
		return models.MessageView{}, apperr.Validation("realtime.Send", "no conversation is open")
	}
	draft.ConversationID = o.id
	draft.ClientRef = ref
	draft.Sender = &models.Sender{ID: s.userID}
	draft.CreatedAt = s.now()
	o.list.AddPending(Entry{MessageView: draft})
	o.retries[ref] = call
	gen, id := o.generation, o.id
	s.mu.Unlock()
	s.notify(UpdateConversation)

	return s.complete(ctx, gen, id, ref, call)
}

func (s *Session) complete(ctx context.Context, gen uint64, conversationID int64, ref string, call sendFunc) (models.MessageView, error) {
	view, err := call(ctx, conversationID, ref)

	s.mu.Lock()
	if o := s.currentLocked(gen); o != nil {
		if err != nil {
			o.list.Fail(ref, err)
		} else {
			o.list.Confirm(ref, view)
			delete(o.retries, ref)
		}
	}
	s.mu.Unlock()
	if err != nil {
		s.logger.Warn("send failed", zap.Int64("conversation_id", conversationID), zap.String("client_ref", ref), zap.Error(err))
	}
	s.notify(UpdateConversation)
	return view, err
}

// RetryFailed resends a failed entry under its original client ref.
func (s *Session) RetryFailed(ctx context.Context, clientRef string) (models.MessageView, error) {
	const op = "realtime.RetryFailed"
	s.mu.Lock()
	o := s.open
	if o == nil {
		s.mu.Unlock()
		return models.MessageView{}, apperr.Validation(op, "no conversation is open")
	}
	call, ok := o.retries[clientRef]
	if !ok || !o.list.Resend(clientRef) {
		s.mu.Unlock()
		return models.MessageView{}, apperr.NotFound(op, "no failed message with this reference")
	}
	gen, id := o.generation, o.id
	s.mu.Unlock()
	s.notify(UpdateConversation)

	return s.complete(ctx, gen, id, clientRef, call)
}

// DiscardFailed drops a failed entry.
func (s *Session) DiscardFailed(clientRef string) bool {
	s.mu.Lock()
	o := s.open
	removed := o != nil && o.list.Discard(clientRef)
	if removed {
		delete(o.retries, clientRef)
	}
	s.mu.Unlock()
	if removed {
		s.notify(UpdateConversation)
	}
	return removed
}

// MarkAsRead marks the open conversation read.
func (s *Session) MarkAsRead(ctx context.Context) error {
	s.mu.Lock()
	o := s.open
	if o == nil {
		s.mu.Unlock()
		return apperr.Validation("realtime.MarkAsRead", "no conversation is open")
	}
	id := o.id
	s.mu.Unlock()
	_, err := s.accessor.MarkAsRead(ctx, s.userID, id)
	return err
}
