package realtime

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conversation-service/internal/apperr"
	"conversation-service/internal/models"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func view(id int64, offset time.Duration) models.MessageView {
	return models.MessageView{ID: id, ConversationID: 1, Content: "m", ContentType: models.ContentText, CreatedAt: t0.Add(offset)}
}

func ids(entries []Entry) []int64 {
	out := make([]int64, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ID)
	}
	return out
}

func TestInsertKeepsOrderAndDedups(t *testing.T) {
	var l MessageList
	assert.True(t, l.Insert(view(3, 2*time.Second)))
	assert.True(t, l.Insert(view(1, 0)))
	assert.True(t, l.Insert(view(5, time.Second)))
	assert.True(t, l.Insert(view(4, time.Second)))
	assert.False(t, l.Insert(view(1, 0)))

	assert.Equal(t, []int64{1, 4, 5, 3}, ids(l.Entries()))
}

func TestPatchIgnoresUnknown(t *testing.T) {
	var l MessageList
	l.Insert(view(1, 0))

	edited := view(1, 0)
	edited.Content = "edited"
	edited.IsEdited = true
	assert.True(t, l.Patch(edited))
	assert.False(t, l.Patch(view(9, 0)))

	entries := l.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "edited", entries[0].Content)
}

func TestPendingLifecycle(t *testing.T) {
	var l MessageList
	l.Insert(view(1, 0))
	l.AddPending(Entry{MessageView: models.MessageView{ClientRef: "a", Content: "hi"}})
	l.AddPending(Entry{MessageView: models.MessageView{ClientRef: "b", Content: "yo"}})
	assert.True(t, l.Sending())

	l.Fail("a", apperr.Wrap(apperr.KindTransient, "send", errors.New("down")))
	entries := l.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, StatusFailed, entries[1].Status)
	require.NotNil(t, entries[1].Error)
	assert.True(t, entries[1].Error.Retryable)

	assert.False(t, l.Discard("b"), "only failed entries are discarded")
	assert.True(t, l.Resend("a"))
	assert.False(t, l.Resend("a"))

	confirmed := view(2, time.Second)
	confirmed.ClientRef = "a"
	l.Confirm("a", confirmed)
	assert.Equal(t, []int64{1, 2, 0}, ids(l.Entries()))

	l.Fail("b", apperr.Validation("send", "bad"))
	assert.True(t, l.Discard("b"))
	assert.False(t, l.Sending())
	assert.Equal(t, 2, l.Len())
}

func TestEchoReplacesPending(t *testing.T) {
	var l MessageList
	l.AddPending(Entry{MessageView: models.MessageView{ClientRef: "r"}})

	echo := view(7, 0)
	echo.ClientRef = "r"
	assert.True(t, l.Insert(echo))
	l.Confirm("r", echo)

	entries := l.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(7), entries[0].ID)
	assert.Equal(t, StatusConfirmed, entries[0].Status)
}

func TestReconcilePatchesAndInserts(t *testing.T) {
	var l MessageList
	l.Insert(view(2, time.Second))

	deleted := view(2, time.Second)
	deleted.IsDeleted = true
	l.Reconcile([]models.MessageView{view(1, 0), deleted, view(3, 2*time.Second)})

	entries := l.Entries()
	assert.Equal(t, []int64{1, 2, 3}, ids(entries))
	assert.True(t, entries[1].IsDeleted)
}
