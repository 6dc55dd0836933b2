// Package directory builds a user's conversation list.
package directory

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"conversation-service/internal/apperr"
	"conversation-service/internal/models"
	"conversation-service/internal/repositories"
)

type Service struct {
	conversations repositories.ConversationRepository
	users         repositories.UserRepository
	logger        *zap.Logger
}

func NewService(conversations repositories.ConversationRepository, users repositories.UserRepository, logger *zap.Logger) *Service {
	return &Service{conversations: conversations, users: users, logger: logger}
}

// ListConversations returns the user's conversations, pinned first and then by
// latest activity.
func (s *Service) ListConversations(ctx context.Context, userID int64) ([]models.ConversationSummary, error) {
	const op = "directory.ListConversations"
	rows, err := s.conversations.ListForUser(ctx, userID)
	if err != nil {
		s.logger.Warn("list conversations failed", zap.Int64("user_id", userID), zap.Error(err))
		return nil, apperr.Wrap(apperr.KindTransient, op, err)
	}

	peers := map[int64]models.User{}
	var peerIDs []int64
	for _, row := range rows {
		if row.Type == models.ConversationDirect && row.PeerID != nil {
			peerIDs = append(peerIDs, *row.PeerID)
		}
	}
	if len(peerIDs) > 0 {
		users, err := s.users.GetUsers(ctx, peerIDs)
		if err != nil {
			s.logger.Warn("resolve direct peers failed", zap.Int64("user_id", userID), zap.Error(err))
			return nil, apperr.Wrap(apperr.KindTransient, op, err)
		}
		for _, u := range users {
			peers[u.ID] = u
		}
	}

	summaries := make([]models.ConversationSummary, 0, len(rows))
	for _, row := range rows {
		summaries = append(summaries, summarize(row, peers))
	}
	Sort(summaries)
	return summaries, nil
}

func summarize(row models.ConversationRow, peers map[int64]models.User) models.ConversationSummary {
	sum := models.ConversationSummary{
		ID:            row.ID,
		Type:          row.Type,
		IsPinned:      row.IsPinned,
		IsMuted:       row.IsMuted,
		UnreadCount:   row.UnreadCount,
		LastMessageAt: row.LastMessageAt,
		CreatedAt:     row.CreatedAt,
	}
	if row.LastMessagePreview != nil {
		sum.LastMessagePreview = *row.LastMessagePreview
	}

	if row.Type == models.ConversationDirect {
		sum.DisplayName = models.UnknownUserName
		if row.PeerID != nil {
			if peer, ok := peers[*row.PeerID]; ok {
				sum.DisplayName = peer.DisplayName
				if peer.AvatarURL != nil {
					sum.DisplayAvatar = *peer.AvatarURL
				}
			}
		}
		return sum
	}

	if row.Title != nil {
		sum.DisplayName = *row.Title
	}
	sum.DisplayAvatar = row.Type.Glyph()
	return sum
}

func activity(s models.ConversationSummary) time.Time {
	if s.LastMessageAt != nil {
		return *s.LastMessageAt
	}
	return s.CreatedAt
}

// Sort orders summaries pinned first, then by last activity descending, then by id.
func Sort(summaries []models.ConversationSummary) {
	sort.Slice(summaries, func(i, j int) bool {
		a, b := summaries[i], summaries[j]
		if a.IsPinned != b.IsPinned {
			return a.IsPinned
		}
		ta, tb := activity(a), activity(b)
		if !ta.Equal(tb) {
			return ta.After(tb)
		}
		return a.ID < b.ID
	})
}

// UnreadTotal sums the unread counts of summaries.
func UnreadTotal(summaries []models.ConversationSummary) int {
	total := 0
	for _, s := range summaries {
		total += s.UnreadCount
	}
	return total
}
