// Package voicelog persists completed conversation-log entries to
// PostgreSQL. Persistence is optional: sessions run fine without a store,
// and a write failure never disturbs the live session.
package voicelog

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/e4a-labs/voicekit/internal/router"
)

const ddlVoiceMessages = `
CREATE TABLE IF NOT EXISTS voice_messages (
    id         TEXT         PRIMARY KEY,
    session_id TEXT         NOT NULL,
    role       TEXT         NOT NULL,
    content    TEXT         NOT NULL,
    timestamp  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_voice_messages_session
    ON voice_messages (session_id, timestamp);
`

// Store is the PostgreSQL-backed conversation log. All methods are safe for
// concurrent use; the pool handles connection management.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn and ensures the schema exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("voicelog: connect: %w", err)
	}
	if _, err := pool.Exec(ctx, ddlVoiceMessages); err != nil {
		pool.Close()
		return nil, fmt.Errorf("voicelog: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Append writes one completed conversation message under sessionID.
func (s *Store) Append(ctx context.Context, sessionID string, msg router.ConversationMessage) error {
	const q = `
		INSERT INTO voice_messages (id, session_id, role, content, timestamp)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.pool.Exec(ctx, q, msg.ID, sessionID, string(msg.Role), msg.Content, msg.Timestamp)
	if err != nil {
		return fmt.Errorf("voicelog: append: %w", err)
	}
	return nil
}

// BySession returns all messages of one session in insertion order.
func (s *Store) BySession(ctx context.Context, sessionID string) ([]router.ConversationMessage, error) {
	const q = `
		SELECT id, role, content, timestamp
		FROM   voice_messages
		WHERE  session_id = $1
		ORDER  BY timestamp, id`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("voicelog: by session: %w", err)
	}
	return collectMessages(rows)
}

// Recent returns the latest limit messages across all sessions, oldest
// first.
func (s *Store) Recent(ctx context.Context, limit int) ([]router.ConversationMessage, error) {
	const q = `
		SELECT id, role, content, timestamp
		FROM (
		    SELECT id, role, content, timestamp
		    FROM   voice_messages
		    ORDER  BY timestamp DESC, id DESC
		    LIMIT  $1
		) latest
		ORDER BY timestamp, id`

	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("voicelog: recent: %w", err)
	}
	return collectMessages(rows)
}

// Ping reports whether the database is reachable. Used by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func collectMessages(rows pgx.Rows) ([]router.ConversationMessage, error) {
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (router.ConversationMessage, error) {
		var (
			m    router.ConversationMessage
			role string
		)
		if err := row.Scan(&m.ID, &role, &m.Content, &m.Timestamp); err != nil {
			return m, err
		}
		m.Role = router.Role(role)
		return m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("voicelog: scan rows: %w", err)
	}
	return msgs, nil
}
