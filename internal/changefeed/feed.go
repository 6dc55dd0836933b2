// Package changefeed fans row-change notifications out to filtered subscriptions.
package changefeed

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"conversation-service/internal/observability"
)

// Op is the kind of row change.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Event is one row change. Row holds the changed row without its large text columns.
type Event struct {
	Table string          `json:"table"`
	Op    Op              `json:"op"`
	Row   json.RawMessage `json:"row"`
}

// Column returns the value of a row column rendered as a string.
func (e Event) Column(name string) (string, bool) {
	dec := json.NewDecoder(bytes.NewReader(e.Row))
	dec.UseNumber()
	var row map[string]any
	if err := dec.Decode(&row); err != nil {
		return "", false
	}
	v, ok := row[name]
	if !ok || v == nil {
		return "", false
	}
	return fmt.Sprint(v), true
}

// Int64 returns an integer column of the row.
func (e Event) Int64(name string) (int64, bool) {
	s, ok := e.Column(name)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	return n, err == nil
}

// Filter restricts a subscription to rows whose Column equals Value.
type Filter struct {
	Column string
	Value  string
}

// Eq builds an equality filter.
func Eq(column string, value any) *Filter {
	return &Filter{Column: column, Value: fmt.Sprint(value)}
}

func (f *Filter) match(e Event) bool {
	if f == nil {
		return true
	}
	v, ok := e.Column(f.Column)
	return ok && v == f.Value
}

const defaultBuffer = 256

// Feed delivers published events to every matching subscription.
type Feed struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	buffer int
	logger *zap.Logger
}

// NewFeed builds an empty feed.
func NewFeed(logger *zap.Logger) *Feed {
	return &Feed{subs: make(map[uint64]*Subscription), buffer: defaultBuffer, logger: logger}
}

// Subscribe registers interest in one table. The returned handle must be closed.
func (f *Feed) Subscribe(table string, filter *Filter) *Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	sub := &Subscription{
		id:     f.nextID,
		table:  table,
		filter: filter,
		events: make(chan Event, f.buffer),
		resync: make(chan struct{}, 1),
		done:   make(chan struct{}),
		feed:   f,
	}
	f.subs[sub.id] = sub
	observability.SetChangeSubscriptions(len(f.subs))
	return sub
}

// Publish hands e to every matching subscription without blocking. A subscription
// whose buffer is full gets a resync signal instead, since it has now missed an event.
func (f *Feed) Publish(e Event) {
	observability.IncChangeEvent(e.Table, string(e.Op))
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, sub := range f.subs {
		if sub.table != e.Table || !sub.filter.match(e) {
			continue
		}
		select {
		case sub.events <- e:
		default:
			f.logger.Warn("subscription overflow, requesting resync", zap.String("table", e.Table), zap.Uint64("subscription", sub.id))
			sub.signalResync()
		}
	}
}

// Resync tells every subscription that events may have been lost.
func (f *Feed) Resync() {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, sub := range f.subs {
		sub.signalResync()
	}
}

// Len reports the number of live subscriptions.
func (f *Feed) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

func (f *Feed) remove(id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, id)
	observability.SetChangeSubscriptions(len(f.subs))
}

// Subscription is a live handle on a filtered table stream.
type Subscription struct {
	id     uint64
	table  string
	filter *Filter
	events chan Event
	resync chan struct{}
	done   chan struct{}
	once   sync.Once
	feed   *Feed
}

// Events delivers matching row changes.
func (s *Subscription) Events() <-chan Event { return s.events }

// Resync fires when events may have been missed and state must be refetched.
func (s *Subscription) Resync() <-chan struct{} { return s.resync }

// Done is closed once the subscription is released.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Table is the subscribed table.
func (s *Subscription) Table() string { return s.table }

// Close releases the subscription. Closing twice is a no-op.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.feed.remove(s.id)
		close(s.done)
	})
}

func (s *Subscription) signalResync() {
	select {
	case s.resync <- struct{}{}:
	default:
	}
}
