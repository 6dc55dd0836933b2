package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/jmoiron/sqlx"

	"conversation-service/internal/models"
)

const conversationColumns = `id, type, title, direct_key, team_id, created_by, created_at, last_message_at, last_message_preview`

// NewConversation is the insert payload for group and broadcast conversations.
// MemberIDs is the complete participant set.
type NewConversation struct {
	Type           models.ConversationType
	Title          string
	CreatedBy      int64
	MemberIDs      []int64
	InitialMessage *NewMessage
}

// ConversationRepository abstracts conversation and participant persistence.
type ConversationRepository interface {
	GetOrCreateDirect(ctx context.Context, userID, otherUserID int64) (models.Conversation, bool, error)
	GetOrCreateTeam(ctx context.Context, teamID int64, title string, createdBy int64, memberIDs []int64) (models.Conversation, bool, error)
	Create(ctx context.Context, in NewConversation) (models.Conversation, error)
	GetConversation(ctx context.Context, conversationID int64) (models.Conversation, error)
	ListForUser(ctx context.Context, userID int64) ([]models.ConversationRow, error)
	GetParticipant(ctx context.Context, conversationID, userID int64) (models.Participant, error)
	ParticipantIDs(ctx context.Context, conversationID int64) ([]int64, error)
	RemoveParticipant(ctx context.Context, conversationID, userID int64) error
	TogglePin(ctx context.Context, conversationID, userID int64) (bool, error)
	ToggleMute(ctx context.Context, conversationID, userID int64) (bool, error)
	MarkRead(ctx context.Context, conversationID, userID int64) (bool, error)
}

// ConversationRepo is a sqlx implementation of ConversationRepository.
type ConversationRepo struct {
	db *sqlx.DB
}

// NewConversationRepo constructs a ConversationRepo.
func NewConversationRepo(db *sqlx.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

// DirectKey is the order-independent identity of a user pair.
func DirectKey(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("%d:%d", a, b)
}

// GetOrCreateDirect returns the direct conversation of the pair, creating it if needed.
// The unique direct_key arbitrates concurrent callers: the loser's insert is a no-op
// and it reads the winner's row.
func (r *ConversationRepo) GetOrCreateDirect(ctx context.Context, userID, otherUserID int64) (models.Conversation, bool, error) {
	if userID == otherUserID {
		return models.Conversation{}, false, errors.New("cannot create conversation with self")
	}
	key := DirectKey(userID, otherUserID)

	var (
		conv    models.Conversation
		created bool
	)
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		err := tx.QueryRowxContext(ctx, `INSERT INTO conversations (type, direct_key, created_by) VALUES ($1, $2, $3)
            ON CONFLICT (direct_key) DO NOTHING RETURNING `+conversationColumns, models.ConversationDirect, key, userID).
			StructScan(&conv)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			err = tx.GetContext(ctx, &conv, `SELECT `+conversationColumns+` FROM conversations WHERE direct_key=$1`, key)
		case err == nil:
			created = true
		}
		if err != nil {
			return err
		}
		return addParticipants(ctx, tx, conv.ID, []int64{userID, otherUserID})
	})
	return conv, created, err
}

// GetOrCreateTeam returns the team conversation, creating it if needed, and makes
// sure every current member participates.
func (r *ConversationRepo) GetOrCreateTeam(ctx context.Context, teamID int64, title string, createdBy int64, memberIDs []int64) (models.Conversation, bool, error) {
	var (
		conv    models.Conversation
		created bool
	)
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		err := tx.QueryRowxContext(ctx, `INSERT INTO conversations (type, title, team_id, created_by) VALUES ($1, $2, $3, $4)
            ON CONFLICT (team_id) DO NOTHING RETURNING `+conversationColumns, models.ConversationTeam, title, teamID, createdBy).
			StructScan(&conv)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			err = tx.GetContext(ctx, &conv, `SELECT `+conversationColumns+` FROM conversations WHERE team_id=$1`, teamID)
		case err == nil:
			created = true
		}
		if err != nil {
			return err
		}
		return addParticipants(ctx, tx, conv.ID, memberIDs)
	})
	return conv, created, err
}

// Create inserts a group or broadcast conversation, its participants and the
// optional initial message atomically.
func (r *ConversationRepo) Create(ctx context.Context, in NewConversation) (models.Conversation, error) {
	var conv models.Conversation
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if err := tx.QueryRowxContext(ctx, `INSERT INTO conversations (type, title, created_by) VALUES ($1, $2, $3)
            RETURNING `+conversationColumns, in.Type, in.Title, in.CreatedBy).StructScan(&conv); err != nil {
			return err
		}
		if err := addParticipants(ctx, tx, conv.ID, in.MemberIDs); err != nil {
			return err
		}
		if in.InitialMessage == nil {
			return nil
		}
		first := *in.InitialMessage
		first.ConversationID = conv.ID
		msg, err := insertMessage(ctx, tx, first)
		if err != nil {
			return err
		}
		conv.LastMessageAt = &msg.CreatedAt
		conv.LastMessagePreview = &first.Preview
		return nil
	})
	return conv, err
}

// addParticipants inserts deduplicated participant rows; existing rows are kept.
func addParticipants(ctx context.Context, q queryer, conversationID int64, userIDs []int64) error {
	set := make(map[int64]struct{}, len(userIDs))
	for _, id := range userIDs {
		set[id] = struct{}{}
	}
	ids := make([]int64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		if _, err := q.ExecContext(ctx, `INSERT INTO participants (conversation_id, user_id) VALUES ($1, $2)
            ON CONFLICT (conversation_id, user_id) DO NOTHING`, conversationID, id); err != nil {
			return err
		}
	}
	return nil
}

// GetConversation fetches a conversation by id.
func (r *ConversationRepo) GetConversation(ctx context.Context, conversationID int64) (models.Conversation, error) {
	var conv models.Conversation
	err := r.db.GetContext(ctx, &conv, `SELECT `+conversationColumns+` FROM conversations WHERE id=$1`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	return conv, err
}

// ListForUser returns the conversations the user participates in with per-user
// flags and the unread count. Own messages never count as unread.
func (r *ConversationRepo) ListForUser(ctx context.Context, userID int64) ([]models.ConversationRow, error) {
	query := `SELECT c.id, c.type, c.title, c.direct_key, c.team_id, c.created_by, c.created_at,
            c.last_message_at, c.last_message_preview, p.is_pinned, p.is_muted,
            (SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id AND m.id > p.last_read_message_id
                AND (m.sender_id IS NULL OR m.sender_id <> $1)) AS unread_count,
            (SELECT op.user_id FROM participants op WHERE op.conversation_id = c.id AND op.user_id <> $1
                ORDER BY op.user_id LIMIT 1) AS peer_id
        FROM conversations c
        INNER JOIN participants p ON p.conversation_id = c.id AND p.user_id = $1`
	var rows []models.ConversationRow
	err := r.db.SelectContext(ctx, &rows, query, userID)
	return rows, err
}

// GetParticipant fetches the membership row of a user.
func (r *ConversationRepo) GetParticipant(ctx context.Context, conversationID, userID int64) (models.Participant, error) {
	var p models.Participant
	err := r.db.GetContext(ctx, &p, `SELECT conversation_id, user_id, last_read_message_id, last_read_at, is_pinned, is_muted, joined_at
        FROM participants WHERE conversation_id=$1 AND user_id=$2`, conversationID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Participant{}, ErrNotParticipant
	}
	return p, err
}

// ParticipantIDs lists the users of a conversation.
func (r *ConversationRepo) ParticipantIDs(ctx context.Context, conversationID int64) ([]int64, error) {
	var ids []int64
	err := r.db.SelectContext(ctx, &ids, `SELECT user_id FROM participants WHERE conversation_id=$1 ORDER BY user_id`, conversationID)
	return ids, err
}

// RemoveParticipant deletes the membership row. Removing a missing row is not an error.
func (r *ConversationRepo) RemoveParticipant(ctx context.Context, conversationID, userID int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM participants WHERE conversation_id=$1 AND user_id=$2`, conversationID, userID)
	return err
}

// TogglePin flips the user's pin flag and returns the new value.
func (r *ConversationRepo) TogglePin(ctx context.Context, conversationID, userID int64) (bool, error) {
	return r.toggle(ctx, "is_pinned", conversationID, userID)
}

// ToggleMute flips the user's mute flag and returns the new value.
func (r *ConversationRepo) ToggleMute(ctx context.Context, conversationID, userID int64) (bool, error) {
	return r.toggle(ctx, "is_muted", conversationID, userID)
}

func (r *ConversationRepo) toggle(ctx context.Context, column string, conversationID, userID int64) (bool, error) {
	var value bool
	query := fmt.Sprintf(`UPDATE participants SET %[1]s = NOT %[1]s WHERE conversation_id=$1 AND user_id=$2 RETURNING %[1]s`, column)
	err := r.db.GetContext(ctx, &value, query, conversationID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotParticipant
	}
	return value, err
}

// MarkRead advances the user's read marker to the latest message. The marker
// only moves forward; false means there was nothing new.
func (r *ConversationRepo) MarkRead(ctx context.Context, conversationID, userID int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE participants p SET last_read_message_id = latest.id, last_read_at = NOW()
        FROM (SELECT COALESCE(MAX(id), 0) AS id FROM messages WHERE conversation_id=$1) latest
        WHERE p.conversation_id=$1 AND p.user_id=$2 AND p.last_read_message_id < latest.id`, conversationID, userID)
	if err != nil {
		return false, err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
