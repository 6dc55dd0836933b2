package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// ChangeChannel is the NOTIFY channel carrying row changes of the messaging tables.
const ChangeChannel = "messaging_changes"

// Connect initializes the database connection and runs migrations.
func Connect(dsn string, logger *zap.Logger) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrations applied")

	return db, nil
}

func runMigrations(db *sqlx.DB) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
            id BIGSERIAL PRIMARY KEY,
            display_name TEXT NOT NULL,
            avatar_url TEXT,
            role TEXT NOT NULL DEFAULT '',
            is_active BOOLEAN NOT NULL DEFAULT TRUE
        );`,
		`CREATE TABLE IF NOT EXISTS teams (
            id BIGSERIAL PRIMARY KEY,
            name TEXT NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS team_members (
            team_id BIGINT NOT NULL REFERENCES teams(id) ON DELETE CASCADE,
            user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
            PRIMARY KEY(team_id, user_id)
        );`,
		`CREATE TABLE IF NOT EXISTS conversations (
            id BIGSERIAL PRIMARY KEY,
            type TEXT NOT NULL CHECK (type IN ('direct', 'group', 'team', 'broadcast')),
            title TEXT,
            direct_key TEXT UNIQUE,
            team_id BIGINT UNIQUE,
            created_by BIGINT,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            last_message_at TIMESTAMPTZ,
            last_message_preview TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS participants (
            conversation_id BIGINT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
            user_id BIGINT NOT NULL,
            last_read_message_id BIGINT NOT NULL DEFAULT 0,
            last_read_at TIMESTAMPTZ,
            is_pinned BOOLEAN NOT NULL DEFAULT FALSE,
            is_muted BOOLEAN NOT NULL DEFAULT FALSE,
            joined_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            PRIMARY KEY(conversation_id, user_id)
        );`,
		`CREATE INDEX IF NOT EXISTS participants_user_idx ON participants(user_id);`,
		`CREATE TABLE IF NOT EXISTS messages (
            id BIGSERIAL PRIMARY KEY,
            conversation_id BIGINT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
            sender_id BIGINT,
            content TEXT NOT NULL DEFAULT '',
            content_type TEXT NOT NULL DEFAULT 'text' CHECK (content_type IN ('text', 'image', 'file', 'voice')),
            attachment_url TEXT,
            attachment_name TEXT,
            attachment_size BIGINT,
            attachment_mime TEXT,
            duration_seconds INT,
            reply_to_id BIGINT REFERENCES messages(id) ON DELETE SET NULL,
            is_system BOOLEAN NOT NULL DEFAULT FALSE,
            is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
            is_edited BOOLEAN NOT NULL DEFAULT FALSE,
            client_ref TEXT,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`,
		`CREATE INDEX IF NOT EXISTS messages_conversation_order_idx ON messages(conversation_id, created_at DESC, id DESC);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS messages_client_ref_idx ON messages(conversation_id, client_ref) WHERE client_ref IS NOT NULL;`,
		// free-form text columns are stripped, NOTIFY payloads are capped at 8000 bytes
		`CREATE OR REPLACE FUNCTION notify_messaging_change() RETURNS trigger AS $$
        DECLARE
            rec RECORD;
        BEGIN
            IF TG_OP = 'DELETE' THEN
                rec := OLD;
            ELSE
                rec := NEW;
            END IF;
            PERFORM pg_notify('` + ChangeChannel + `', json_build_object(
                'table', TG_TABLE_NAME,
                'op', lower(TG_OP),
                'row', to_jsonb(rec) - 'content' - 'last_message_preview' - 'title'
                    - 'attachment_url' - 'attachment_name' - 'attachment_mime'
            )::text);
            RETURN rec;
        END;
        $$ LANGUAGE plpgsql;`,
	}
	for _, table := range []string{"conversations", "participants", "messages"} {
		migrations = append(migrations,
			fmt.Sprintf(`DROP TRIGGER IF EXISTS %[1]s_notify ON %[1]s;`, table),
			fmt.Sprintf(`CREATE TRIGGER %[1]s_notify AFTER INSERT OR UPDATE OR DELETE ON %[1]s
            FOR EACH ROW EXECUTE FUNCTION notify_messaging_change();`, table),
		)
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}
