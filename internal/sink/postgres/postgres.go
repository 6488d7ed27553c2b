// Package postgres stores finalized voice messages in PostgreSQL.
//
// Usage:
//
//	s, err := postgres.New(ctx, dsn)
//	if err != nil { … }
//	defer s.Close()
//	_ = s.Deliver(ctx, msg)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/livesight/internal/sink"
)

var _ sink.Sink = (*Sink)(nil)

const ddlVoiceMessages = `
CREATE TABLE IF NOT EXISTS voice_messages (
    id          UUID         PRIMARY KEY,
    session_id  TEXT         NOT NULL DEFAULT '',
    role        TEXT         NOT NULL,
    content     TEXT         NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_voice_messages_session_created
    ON voice_messages (session_id, created_at);
`

const insertMessage = `
INSERT INTO voice_messages (id, session_id, role, content, created_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO NOTHING`

const selectSession = `
SELECT id, session_id, role, content, created_at
FROM voice_messages
WHERE session_id = $1
ORDER BY created_at, id`

// Migrate creates the voice_messages table and its index if they do not
// exist. It is safe to run repeatedly.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlVoiceMessages); err != nil {
		return fmt.Errorf("postgres sink: migrate: %w", err)
	}
	return nil
}

// Sink is a [sink.Sink] backed by a pgx connection pool.
type Sink struct {
	pool *pgxpool.Pool
}

// New connects to dsn, verifies the connection and runs [Migrate].
func New(ctx context.Context, dsn string) (*Sink, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres sink: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres sink: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres sink: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &Sink{pool: pool}, nil
}

// Deliver inserts msg. Re-delivering a message with the same ID is a no-op.
func (s *Sink) Deliver(ctx context.Context, msg sink.Message) error {
	_, err := s.pool.Exec(ctx, insertMessage,
		msg.ID.String(), msg.SessionID, string(msg.Role), msg.Content, msg.Timestamp)
	if err != nil {
		return fmt.Errorf("postgres sink: insert: %w", err)
	}
	return nil
}

// Session returns all messages of a session in delivery order.
func (s *Sink) Session(ctx context.Context, sessionID string) ([]sink.Message, error) {
	rows, err := s.pool.Query(ctx, selectSession, sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres sink: query: %w", err)
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (sink.Message, error) {
		var m sink.Message
		var role string
		err := row.Scan(&m.ID, &m.SessionID, &role, &m.Content, &m.Timestamp)
		m.Role = sink.Role(role)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres sink: scan: %w", err)
	}
	return msgs, nil
}

// Ping checks that the database is reachable.
func (s *Sink) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the pool.
func (s *Sink) Close() {
	s.pool.Close()
}
