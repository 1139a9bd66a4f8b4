package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pockode/chatrelay/message"
)

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	s := &PostgresStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			sender TEXT NOT NULL,
			receiver TEXT NOT NULL,
			body TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			delivered_to TEXT[] NOT NULL DEFAULT '{}',
			read_by TEXT[] NOT NULL DEFAULT '{}'
		);
		CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages (sender, receiver, created_at);
	`)
	return err
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Persist(ctx context.Context, msg *message.Message) error {
	assignIdentity(msg, time.Now())

	_, err := s.pool.Exec(ctx, `
		INSERT INTO messages (id, sender, receiver, body, created_at, delivered_to, read_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, msg.ID, msg.Sender, msg.Receiver, msg.Body, msg.CreatedAt, msg.DeliveredTo, msg.ReadBy)
	return err
}

const postgresColumns = `id, sender, receiver, body, created_at, delivered_to, read_by`

func scanPostgresMessage(row pgx.Row) (message.Message, error) {
	var msg message.Message
	err := row.Scan(
		&msg.ID,
		&msg.Sender,
		&msg.Receiver,
		&msg.Body,
		&msg.CreatedAt,
		&msg.DeliveredTo,
		&msg.ReadBy,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return message.Message{}, message.ErrNotFound
		}
		return message.Message{}, err
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	return msg, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (message.Message, error) {
	return scanPostgresMessage(s.pool.QueryRow(ctx, `SELECT `+postgresColumns+` FROM messages WHERE id = $1`, id))
}

func (s *PostgresStore) FindHistory(ctx context.Context, a, b string) ([]message.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+postgresColumns+`
		FROM messages
		WHERE (sender = $1 AND receiver = $2) OR (sender = $2 AND receiver = $1)
		ORDER BY created_at ASC, id ASC
	`, a, b)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []message.Message{}
	for rows.Next() {
		msg, err := scanPostgresMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (s *PostgresStore) MarkRead(ctx context.Context, id, reader string) (message.Message, error) {
	return scanPostgresMessage(s.pool.QueryRow(ctx, `
		UPDATE messages
		SET read_by = CASE WHEN $2 = ANY(read_by) THEN read_by ELSE array_append(read_by, $2) END
		WHERE id = $1
		RETURNING `+postgresColumns, id, reader))
}
