// Package session models one live transport connection and its outbound queue.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pockode/chatrelay/metrics"
)

var (
	ErrAlreadyAnnounced = errors.New("session already announced with a different identity")
	ErrClosed           = errors.New("session is closed")
)

// DefaultOutboxSize bounds the notifications queued for a slow peer.
const DefaultOutboxSize = 256

const notifyTimeout = 10 * time.Second

// Transport sends server-initiated notifications over a connection.
type Transport interface {
	Notify(ctx context.Context, method string, params any) error
	Close() error
}

type outgoing struct {
	method string
	params any
}

// Session is one transport connection, optionally bound to an identity.
// Notifications are queued and written in FIFO order by Run, so callers never
// block on a peer's socket.
type Session struct {
	id          string
	connectedAt time.Time
	transport   Transport

	mu       sync.Mutex
	identity string
	closed   bool
	outbox   chan outgoing
}

func New(transport Transport, outboxSize int) *Session {
	if outboxSize <= 0 {
		outboxSize = DefaultOutboxSize
	}
	return &Session{
		id:          uuid.Must(uuid.NewV7()).String(),
		connectedAt: time.Now(),
		transport:   transport,
		outbox:      make(chan outgoing, outboxSize),
	}
}

func (s *Session) ID() string             { return s.id }
func (s *Session) ConnectedAt() time.Time { return s.connectedAt }

// Identity returns the announced identity, or "" before announce.
func (s *Session) Identity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// BindIdentity sets the identity once. Binding the same identity again is a
// no-op; a different identity fails with ErrAlreadyAnnounced.
func (s *Session) BindIdentity(identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.identity == "" {
		s.identity = identity
		return nil
	}
	if s.identity != identity {
		return ErrAlreadyAnnounced
	}
	return nil
}

// Enqueue queues a notification without blocking. Returns false when the
// outbox is full or the session is closed; the notification is then dropped.
func (s *Session) Enqueue(method string, params any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		metrics.NotificationsDropped.Inc()
		return false
	}

	select {
	case s.outbox <- outgoing{method: method, params: params}:
		return true
	default:
		metrics.NotificationsDropped.Inc()
		slog.Debug("notification dropped (outbox full)",
			"sessionId", s.id,
			"identity", s.identity,
			"method", method)
		return false
	}
}

// Run writes queued notifications until Close is called, then closes the
// transport. It must be called exactly once.
func (s *Session) Run(ctx context.Context) {
	defer s.transport.Close()

	for out := range s.outbox {
		notifyCtx, cancel := context.WithTimeout(ctx, notifyTimeout)
		err := s.transport.Notify(notifyCtx, out.method, out.params)
		cancel()
		if err != nil {
			slog.Debug("failed to notify session",
				"sessionId", s.id,
				"method", out.method,
				"error", err)
		}
	}
}

// Close stops accepting notifications. Already queued ones are still written.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	close(s.outbox)
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
