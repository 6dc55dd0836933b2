package changefeed

import (
	"context"
	"encoding/json"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"conversation-service/internal/observability"
)

// Source pumps Postgres NOTIFY payloads into a Feed. Reconnection is handled by
// pq.Listener; every reconnect is turned into a resync.
type Source struct {
	listener *pq.Listener
	channel  string
	feed     *Feed
	logger   *zap.Logger
}

// NewSource starts listening on channel.
func NewSource(dsn, channel string, minReconnect, maxReconnect time.Duration, feed *Feed, logger *zap.Logger) (*Source, error) {
	callback := func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnected:
			observability.IncListenerEvent("connected")
		case pq.ListenerEventDisconnected:
			observability.IncListenerEvent("disconnected")
			logger.Warn("change listener disconnected", zap.Error(err))
		case pq.ListenerEventReconnected:
			observability.IncListenerEvent("reconnected")
			logger.Info("change listener reconnected")
		case pq.ListenerEventConnectionAttemptFailed:
			observability.IncListenerEvent("attempt_failed")
			logger.Warn("change listener connection attempt failed", zap.Error(err))
		}
	}
	l := pq.NewListener(dsn, minReconnect, maxReconnect, callback)
	if err := l.Listen(channel); err != nil {
		l.Close()
		return nil, err
	}
	return &Source{listener: l, channel: channel, feed: feed, logger: logger}, nil
}

// Run forwards notifications until ctx is done.
func (s *Source) Run(ctx context.Context) {
	ticker := time.NewTicker(90 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-s.listener.Notify:
			if !ok {
				return
			}
			// nil follows a reconnect: anything sent meanwhile is lost
			if n == nil {
				s.feed.Resync()
				continue
			}
			s.dispatch(n.Extra)
		case <-ticker.C:
			go func() {
				if err := s.listener.Ping(); err != nil {
					s.logger.Warn("change listener ping failed", zap.Error(err))
				}
			}()
		}
	}
}

func (s *Source) dispatch(payload string) {
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		s.logger.Error("invalid change payload", zap.Error(err))
		return
	}
	s.feed.Publish(ev)
}

// Close stops the listener.
func (s *Source) Close() error {
	return s.listener.Close()
}
