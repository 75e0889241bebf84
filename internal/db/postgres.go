// Package db wraps the relay's Postgres instance: ciphertext envelope
// persistence and schema migration. The server never inspects envelope
// contents beyond their length.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// DefaultRetention is how long undelivered envelopes are kept before the
// sweeper drops them.
const DefaultRetention = 30 * 24 * time.Hour

// PostgresDB wraps the database connection.
type PostgresDB struct {
	db *sql.DB
}

// Message is one stored ciphertext envelope.
type Message struct {
	ID          uuid.UUID
	SenderID    uuid.UUID
	RecipientID uuid.UUID
	Ciphertext  []byte
	MessageType int
	CreatedAt   time.Time
	DeliveredAt *time.Time
}

// NewPostgresDB opens a connection pool and runs migrations.
func NewPostgresDB(connStr string) (*PostgresDB, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, err
	}

	p := &PostgresDB{db: db}
	if err := p.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

// Close closes the database connection.
func (p *PostgresDB) Close() error {
	return p.db.Close()
}

// DB returns the underlying handle (the prekey directory shares it).
func (p *PostgresDB) DB() *sql.DB {
	return p.db
}

func (p *PostgresDB) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id           UUID PRIMARY KEY,
			sender_id    UUID NOT NULL,
			recipient_id UUID NOT NULL,
			ciphertext   BYTEA NOT NULL,
			message_type INTEGER NOT NULL DEFAULT 0,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			delivered_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_undelivered
			ON messages (recipient_id, created_at) WHERE delivered_at IS NULL`,
		`CREATE TABLE IF NOT EXISTS prekey_bundles (
			user_id                 UUID PRIMARY KEY,
			identity_key            BYTEA NOT NULL,
			identity_signing_key    BYTEA NOT NULL,
			signed_prekey           BYTEA NOT NULL,
			signed_prekey_signature BYTEA NOT NULL,
			prekey_id               BIGINT NOT NULL,
			created_at              TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS one_time_prekeys (
			id         BIGSERIAL PRIMARY KEY,
			user_id    UUID NOT NULL,
			prekey     BYTEA NOT NULL,
			prekey_id  BIGINT NOT NULL,
			used       BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_one_time_prekeys_unused
			ON one_time_prekeys (user_id, created_at) WHERE used = FALSE`,
	}
	for _, stmt := range stmts {
		if _, err := p.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// SaveMessage persists an envelope. The sender's MessageSent ack is only
// emitted once this returns.
func (p *PostgresDB) SaveMessage(ctx context.Context, msg *Message) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO messages (id, sender_id, recipient_id, ciphertext, message_type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		msg.ID, msg.SenderID, msg.RecipientID, msg.Ciphertext, msg.MessageType, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	return nil
}

// GetUndelivered returns every undelivered envelope for a recipient in
// arrival order.
func (p *PostgresDB) GetUndelivered(ctx context.Context, recipient uuid.UUID) ([]*Message, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, sender_id, recipient_id, ciphertext, message_type, created_at
		FROM messages
		WHERE recipient_id = $1 AND delivered_at IS NULL
		ORDER BY created_at, id`, recipient)
	if err != nil {
		return nil, fmt.Errorf("get undelivered: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m := &Message{}
		if err := rows.Scan(&m.ID, &m.SenderID, &m.RecipientID, &m.Ciphertext, &m.MessageType, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("get undelivered: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkDelivered stamps delivered_at for the recipient's acked envelopes.
// Already-acked ids are a no-op.
func (p *PostgresDB) MarkDelivered(ctx context.Context, recipient uuid.UUID, ids []uuid.UUID, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := p.db.ExecContext(ctx, `
		UPDATE messages SET delivered_at = $1
		WHERE recipient_id = $2 AND id = ANY($3) AND delivered_at IS NULL`,
		at, recipient, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	return nil
}

// PurgeExpired drops undelivered envelopes older than the retention
// window and returns how many were removed.
func (p *PostgresDB) PurgeExpired(ctx context.Context, retention time.Duration, now time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `
		DELETE FROM messages
		WHERE delivered_at IS NULL AND created_at < $1`,
		now.Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("purge expired: %w", err)
	}
	return res.RowsAffected()
}

// DeleteDelivered drops envelopes that have been acked; delivered
// ciphertext has no reason to stay on the server.
func (p *PostgresDB) DeleteDelivered(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM messages WHERE id = ANY($1) AND delivered_at IS NOT NULL`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("delete delivered: %w", err)
	}
	return nil
}
