package realtime

import (
	"sort"

	"conversation-service/internal/apperr"
	"conversation-service/internal/models"
)

// EntryStatus is the delivery state of a displayed message.
type EntryStatus string

const (
	StatusSending   EntryStatus = "sending"
	StatusFailed    EntryStatus = "failed"
	StatusConfirmed EntryStatus = "confirmed"
)

// Entry is one row of the open conversation as the client renders it.
type Entry struct {
	models.MessageView
	Status EntryStatus `json:"status"`
	Error  *ErrorInfo  `json:"error,omitempty"`
}

// ErrorInfo is the client-facing shape of a failure.
type ErrorInfo struct {
	Kind      apperr.Kind `json:"kind"`
	Message   string      `json:"message"`
	Retryable bool        `json:"retryable"`
}

func newErrorInfo(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	return &ErrorInfo{Kind: apperr.KindOf(err), Message: apperr.Message(err), Retryable: apperr.IsRetryable(err)}
}

// MessageList holds confirmed messages in (created_at, id) order followed by
// provisional entries in send order. Confirmed ids are unique.
type MessageList struct {
	confirmed []Entry
	pending   []Entry
}

func (l *MessageList) index(id int64) int {
	for i := range l.confirmed {
		if l.confirmed[i].ID == id {
			return i
		}
	}
	return -1
}

func (l *MessageList) pendingIndex(clientRef string) int {
	if clientRef == "" {
		return -1
	}
	for i := range l.pending {
		if l.pending[i].ClientRef == clientRef {
			return i
		}
	}
	return -1
}

// Contains reports whether a confirmed entry has id.
func (l *MessageList) Contains(id int64) bool {
	return l.index(id) >= 0
}

// Insert adds a confirmed message at its sorted position unless an entry with
// the same id exists. A provisional entry carrying the same client ref is dropped.
func (l *MessageList) Insert(v models.MessageView) bool {
	if i := l.pendingIndex(v.ClientRef); i >= 0 {
		l.pending = append(l.pending[:i], l.pending[i+1:]...)
	}
	if l.Contains(v.ID) {
		return false
	}
	pos := sort.Search(len(l.confirmed), func(i int) bool {
		return v.Before(l.confirmed[i].MessageView)
	})
	l.confirmed = append(l.confirmed, Entry{})
	copy(l.confirmed[pos+1:], l.confirmed[pos:])
	l.confirmed[pos] = Entry{MessageView: v, Status: StatusConfirmed}
	return true
}

// Patch replaces the entry with the same id in place. Unknown ids are ignored.
func (l *MessageList) Patch(v models.MessageView) bool {
	i := l.index(v.ID)
	if i < 0 {
		return false
	}
	l.confirmed[i].MessageView = v
	return true
}

// Reconcile inserts or patches every view, as after a refetch.
func (l *MessageList) Reconcile(views []models.MessageView) {
	for _, v := range views {
		if !l.Patch(v) {
			l.Insert(v)
		}
	}
}

// AddPending appends a provisional entry.
func (l *MessageList) AddPending(e Entry) {
	e.Status = StatusSending
	e.Error = nil
	l.pending = append(l.pending, e)
}

// Confirm swaps the provisional entry for the stored message. When the insert
// echo got there first, only the provisional entry is removed.
func (l *MessageList) Confirm(clientRef string, v models.MessageView) {
	if i := l.pendingIndex(clientRef); i >= 0 {
		l.pending = append(l.pending[:i], l.pending[i+1:]...)
	}
	l.Insert(v)
}

// Fail marks the provisional entry failed, keeping it in place.
func (l *MessageList) Fail(clientRef string, err error) {
	if i := l.pendingIndex(clientRef); i >= 0 {
		l.pending[i].Status = StatusFailed
		l.pending[i].Error = newErrorInfo(err)
	}
}

// Resend flips a failed entry back to sending.
func (l *MessageList) Resend(clientRef string) bool {
	i := l.pendingIndex(clientRef)
	if i < 0 || l.pending[i].Status != StatusFailed {
		return false
	}
	l.pending[i].Status = StatusSending
	l.pending[i].Error = nil
	return true
}

// Discard removes a failed entry.
func (l *MessageList) Discard(clientRef string) bool {
	i := l.pendingIndex(clientRef)
	if i < 0 || l.pending[i].Status != StatusFailed {
		return false
	}
	l.pending = append(l.pending[:i], l.pending[i+1:]...)
	return true
}

// Sending reports whether any entry awaits confirmation.
func (l *MessageList) Sending() bool {
	for _, e := range l.pending {
		if e.Status == StatusSending {
			return true
		}
	}
	return false
}

// Entries returns a copy in display order.
func (l *MessageList) Entries() []Entry {
	out := make([]Entry, 0, len(l.confirmed)+len(l.pending))
	out = append(out, l.confirmed...)
	return append(out, l.pending...)
}

func (l *MessageList) Len() int {
	return len(l.confirmed) + len(l.pending)
}
