package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pockode/chatrelay/message"
)

// SQLiteStore handles SQLite database operations.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/chatrelay.db"
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/chatrelay.db"
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		sender TEXT NOT NULL,
		receiver TEXT NOT NULL,
		body TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		delivered_to TEXT NOT NULL DEFAULT '[]',
		read_by TEXT NOT NULL DEFAULT '[]'
	);

	CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages(sender, receiver, created_at);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Persist(ctx context.Context, msg *message.Message) error {
	assignIdentity(msg, time.Now())

	delivered, err := json.Marshal(msg.DeliveredTo)
	if err != nil {
		return err
	}
	readBy, err := json.Marshal(msg.ReadBy)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, sender, receiver, body, created_at, delivered_to, read_by)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.Sender, msg.Receiver, msg.Body, msg.CreatedAt.UnixMilli(), string(delivered), string(readBy))
	return err
}

const sqliteColumns = `id, sender, receiver, body, created_at, delivered_to, read_by`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteMessage(row rowScanner) (message.Message, error) {
	var (
		msg       message.Message
		createdAt int64
		delivered string
		readBy    string
	)
	if err := row.Scan(&msg.ID, &msg.Sender, &msg.Receiver, &msg.Body, &createdAt, &delivered, &readBy); err != nil {
		return message.Message{}, err
	}
	msg.CreatedAt = time.UnixMilli(createdAt).UTC()
	if err := json.Unmarshal([]byte(delivered), &msg.DeliveredTo); err != nil {
		return message.Message{}, err
	}
	if err := json.Unmarshal([]byte(readBy), &msg.ReadBy); err != nil {
		return message.Message{}, err
	}
	return msg, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (message.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM messages WHERE id = ?`, id)
	msg, err := scanSQLiteMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return message.Message{}, message.ErrNotFound
	}
	return msg, err
}

func (s *SQLiteStore) FindHistory(ctx context.Context, a, b string) ([]message.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteColumns+`
		FROM messages
		WHERE (sender = ? AND receiver = ?) OR (sender = ? AND receiver = ?)
		ORDER BY created_at ASC, id ASC
	`, a, b, b, a)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []message.Message{}
	for rows.Next() {
		msg, err := scanSQLiteMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (s *SQLiteStore) MarkRead(ctx context.Context, id, reader string) (message.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return message.Message{}, err
	}
	defer tx.Rollback()

	msg, err := scanSQLiteMessage(tx.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM messages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return message.Message{}, message.ErrNotFound
	}
	if err != nil {
		return message.Message{}, err
	}

	if !msg.MarkRead(reader) {
		return msg, nil
	}

	readBy, err := json.Marshal(msg.ReadBy)
	if err != nil {
		return message.Message{}, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE messages SET read_by = ? WHERE id = ?`, string(readBy), id); err != nil {
		return message.Message{}, err
	}
	return msg, tx.Commit()
}
