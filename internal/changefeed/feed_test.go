package changefeed

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func messageEvent(op Op, id, conversationID int64) Event {
	row, _ := json.Marshal(map[string]any{"id": id, "conversation_id": conversationID})
	return Event{Table: "messages", Op: op, Row: row}
}

func receive(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev := <-sub.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("expected event")
		return Event{}
	}
}

func TestSubscribeFiltersByTableAndColumn(t *testing.T) {
	feed := NewFeed(zap.NewNop())
	sub := feed.Subscribe("messages", Eq("conversation_id", 7))
	defer sub.Close()

	feed.Publish(messageEvent(OpInsert, 1, 8))
	feed.Publish(Event{Table: "participants", Op: OpInsert, Row: json.RawMessage(`{"conversation_id":7}`)})
	feed.Publish(messageEvent(OpInsert, 2, 7))

	ev := receive(t, sub)
	id, ok := ev.Int64("id")
	require.True(t, ok)
	assert.Equal(t, int64(2), id)
	assert.Empty(t, sub.Events())
}

func TestUnfilteredSubscriptionGetsEveryRow(t *testing.T) {
	feed := NewFeed(zap.NewNop())
	sub := feed.Subscribe("messages", nil)
	defer sub.Close()

	feed.Publish(messageEvent(OpInsert, 1, 8))
	feed.Publish(messageEvent(OpUpdate, 1, 9))

	assert.Equal(t, OpInsert, receive(t, sub).Op)
	assert.Equal(t, OpUpdate, receive(t, sub).Op)
}

func TestCloseIsIdempotentAndStopsDelivery(t *testing.T) {
	feed := NewFeed(zap.NewNop())
	sub := feed.Subscribe("messages", nil)
	require.Equal(t, 1, feed.Len())

	sub.Close()
	sub.Close()

	assert.Equal(t, 0, feed.Len())
	feed.Publish(messageEvent(OpInsert, 1, 1))
	assert.Empty(t, sub.Events())
	select {
	case <-sub.Done():
	default:
		t.Fatal("done should be closed")
	}
}

func TestOverflowRequestsResync(t *testing.T) {
	feed := NewFeed(zap.NewNop())
	feed.buffer = 1
	sub := feed.Subscribe("messages", nil)
	defer sub.Close()

	feed.Publish(messageEvent(OpInsert, 1, 1))
	feed.Publish(messageEvent(OpInsert, 2, 1))

	select {
	case <-sub.Resync():
	case <-time.After(time.Second):
		t.Fatal("expected resync after overflow")
	}
}

func TestResyncReachesAllSubscriptions(t *testing.T) {
	feed := NewFeed(zap.NewNop())
	a := feed.Subscribe("messages", nil)
	b := feed.Subscribe("participants", Eq("user_id", 3))
	defer a.Close()
	defer b.Close()

	feed.Resync()
	feed.Resync()

	for _, sub := range []*Subscription{a, b} {
		select {
		case <-sub.Resync():
		case <-time.After(time.Second):
			t.Fatal("expected resync")
		}
	}
}

func TestColumnMissingOrNull(t *testing.T) {
	ev := Event{Table: "messages", Op: OpInsert, Row: json.RawMessage(`{"id": 5, "sender_id": null}`)}
	_, ok := ev.Column("sender_id")
	assert.False(t, ok)
	_, ok = ev.Column("nope")
	assert.False(t, ok)
	v, ok := ev.Column("id")
	assert.True(t, ok)
	assert.Equal(t, "5", v)
}

func TestSourceDispatchPublishes(t *testing.T) {
	feed := NewFeed(zap.NewNop())
	sub := feed.Subscribe("participants", Eq("user_id", 4))
	defer sub.Close()
	src := &Source{feed: feed, logger: zap.NewNop()}

	src.dispatch(`{"table":"participants","op":"update","row":{"conversation_id":1,"user_id":4}}`)
	src.dispatch(`not json`)

	ev := receive(t, sub)
	assert.Equal(t, OpUpdate, ev.Op)
}
