package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"conversation-service/internal/models"
)

const messageColumns = `id, conversation_id, sender_id, content, content_type, attachment_url, attachment_name,
    attachment_size, attachment_mime, duration_seconds, reply_to_id, is_system, is_deleted, is_edited,
    client_ref, created_at, updated_at`

// NewMessage is the insert payload of a message row.
type NewMessage struct {
	ConversationID int64
	SenderID       *int64
	Content        string
	ContentType    models.ContentType
	Attachment     *models.Attachment
	ReplyToID      *int64
	IsSystem       bool
	ClientRef      *string
	Preview        string
}

// MessageRepository defines interactions for conversation messages.
type MessageRepository interface {
	Create(ctx context.Context, msg NewMessage) (models.Message, error)
	ListPage(ctx context.Context, conversationID int64, limit, offset int) ([]models.Message, error)
	Count(ctx context.Context, conversationID int64) (int, error)
	GetMessage(ctx context.Context, messageID int64) (models.Message, error)
	GetMessages(ctx context.Context, messageIDs []int64) ([]models.Message, error)
	Edit(ctx context.Context, messageID, senderID int64, content, preview string) (models.Message, error)
	SoftDelete(ctx context.Context, messageID, senderID int64, preview string) (models.Message, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// Create stores a message and bumps the conversation's last-message fields in one transaction.
// A replayed client_ref returns the stored row with ErrDuplicateMessage.
func (r *MessageRepo) Create(ctx context.Context, in NewMessage) (models.Message, error) {
	var msg models.Message
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		var err error
		msg, err = insertMessage(ctx, tx, in)
		return err
	})
	return msg, err
}

func insertMessage(ctx context.Context, q queryer, in NewMessage) (models.Message, error) {
	var (
		url, name, mime *string
		size            *int64
		duration        *int
	)
	if a := in.Attachment; a != nil {
		url, name, size, mime = &a.URL, &a.Name, &a.Size, &a.MimeType
		if a.DurationSeconds > 0 {
			duration = &a.DurationSeconds
		}
	}

	var msg models.Message
	err := q.QueryRowxContext(ctx, `INSERT INTO messages (conversation_id, sender_id, content, content_type,
        attachment_url, attachment_name, attachment_size, attachment_mime, duration_seconds, reply_to_id, is_system, client_ref)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
        ON CONFLICT (conversation_id, client_ref) WHERE client_ref IS NOT NULL DO NOTHING
        RETURNING `+messageColumns,
		in.ConversationID, in.SenderID, in.Content, in.ContentType, url, name, size, mime, duration, in.ReplyToID, in.IsSystem, in.ClientRef).
		StructScan(&msg)
	if errors.Is(err, sql.ErrNoRows) && in.ClientRef != nil {
		return storedByRef(ctx, q, in)
	}
	if err != nil {
		return models.Message{}, err
	}

	// never move last_message_at backwards when concurrent sends commit out of order
	if _, err := q.ExecContext(ctx, `UPDATE conversations SET last_message_at = $2, last_message_preview = $3
        WHERE id = $1 AND (last_message_at IS NULL OR last_message_at <= $2)`, in.ConversationID, msg.CreatedAt, in.Preview); err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

// ListPage returns messages newest first.
func (r *MessageRepo) ListPage(ctx context.Context, conversationID int64, limit, offset int) ([]models.Message, error) {
	var msgs []models.Message
	err := r.db.SelectContext(ctx, &msgs, `SELECT `+messageColumns+` FROM messages WHERE conversation_id=$1
        ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`, conversationID, limit, offset)
	return msgs, err
}

// Count returns the number of rows in a conversation, tombstones included.
func (r *MessageRepo) Count(ctx context.Context, conversationID int64) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM messages WHERE conversation_id=$1`, conversationID)
	return n, err
}

// GetMessage retrieves a single message.
func (r *MessageRepo) GetMessage(ctx context.Context, messageID int64) (models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	return msg, err
}

// GetMessages retrieves the messages that exist among ids.
func (r *MessageRepo) GetMessages(ctx context.Context, messageIDs []int64) ([]models.Message, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT `+messageColumns+` FROM messages WHERE id IN (?)`, messageIDs)
	if err != nil {
		return nil, err
	}
	var msgs []models.Message
	err = r.db.SelectContext(ctx, &msgs, r.db.Rebind(query), args...)
	return msgs, err
}

// Edit replaces the content of a live message owned by senderID.
func (r *MessageRepo) Edit(ctx context.Context, messageID, senderID int64, content, preview string) (models.Message, error) {
	var msg models.Message
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		err := tx.QueryRowxContext(ctx, `UPDATE messages SET content=$3, is_edited=TRUE, updated_at=NOW()
            WHERE id=$1 AND sender_id=$2 AND is_deleted=FALSE RETURNING `+messageColumns, messageID, senderID, content).
			StructScan(&msg)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrMessageNotFound
		}
		if err != nil {
			return err
		}
		return refreshPreviewIfLatest(ctx, tx, msg, preview)
	})
	return msg, err
}

// SoftDelete turns a message owned by senderID into a tombstone.
func (r *MessageRepo) SoftDelete(ctx context.Context, messageID, senderID int64, preview string) (models.Message, error) {
	var msg models.Message
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		err := tx.QueryRowxContext(ctx, `UPDATE messages SET is_deleted=TRUE, updated_at=NOW()
            WHERE id=$1 AND sender_id=$2 RETURNING `+messageColumns, messageID, senderID).
			StructScan(&msg)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrMessageNotFound
		}
		if err != nil {
			return err
		}
		return refreshPreviewIfLatest(ctx, tx, msg, preview)
	})
	return msg, err
}

func refreshPreviewIfLatest(ctx context.Context, tx *sqlx.Tx, msg models.Message, preview string) error {
	_, err := tx.ExecContext(ctx, `UPDATE conversations SET last_message_preview=$3 WHERE id=$1
        AND NOT EXISTS (SELECT 1 FROM messages WHERE conversation_id=$1 AND (created_at, id) > ($4, $2))`,
		msg.ConversationID, msg.ID, preview, msg.CreatedAt)
	return err
}

func storedByRef(ctx context.Context, q queryer, in NewMessage) (models.Message, error) {
	var msg models.Message
	err := q.QueryRowxContext(ctx, `SELECT `+messageColumns+` FROM messages
        WHERE conversation_id = $1 AND client_ref = $2`, in.ConversationID, *in.ClientRef).StructScan(&msg)
	if err != nil {
		return models.Message{}, err
	}
	if msg.SenderID == nil || in.SenderID == nil || *msg.SenderID != *in.SenderID {
		return models.Message{}, ErrClientRefTaken
	}
	return msg, ErrDuplicateMessage
}
