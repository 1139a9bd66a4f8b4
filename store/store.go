// Package store persists direct messages.
package store

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/pockode/chatrelay/message"
)

// Store is the durable message store used by the relay and history endpoints.
// FileStore, SQLiteStore and PostgresStore implement it.
type Store interface {
	// Persist assigns ID and CreatedAt and records msg durably.
	Persist(ctx context.Context, msg *message.Message) error
	Get(ctx context.Context, id string) (message.Message, error)
	// FindHistory returns every message exchanged between a and b, oldest first.
	FindHistory(ctx context.Context, a, b string) ([]message.Message, error)
	// MarkRead adds reader to the message's ReadBy set and returns the updated record.
	MarkRead(ctx context.Context, id, reader string) (message.Message, error)

	Ping(ctx context.Context) error
	Close() error
}

// assignIdentity stamps a new message with a sortable ID and creation time.
func assignIdentity(msg *message.Message, now time.Time) {
	msg.ID = ulid.Make().String()
	msg.CreatedAt = now.UTC().Truncate(time.Millisecond)
	if msg.DeliveredTo == nil {
		msg.DeliveredTo = []string{}
	}
	if msg.ReadBy == nil {
		msg.ReadBy = []string{}
	}
}
