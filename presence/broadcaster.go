// Package presence announces identities joining and leaving the relay.
package presence

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/pockode/chatrelay/directory"
	"github.com/pockode/chatrelay/metrics"
	"github.com/pockode/chatrelay/registry"
	"github.com/pockode/chatrelay/rpc"
	"github.com/pockode/chatrelay/session"
)

var ErrEmptyIdentity = errors.New("identity is required")

// Broadcaster owns every registry mutation so that presence events reach
// each peer in the same order the registry saw them.
type Broadcaster struct {
	mu       sync.Mutex
	registry *registry.Registry
	mirror   Mirror
}

// New creates a Broadcaster. mirror may be nil.
func New(reg *registry.Registry, mirror Mirror) *Broadcaster {
	return &Broadcaster{registry: reg, mirror: mirror}
}

// Join binds identity to s and makes it routable. The joiner receives a
// presence snapshot (itself included); every other session learns that the
// identity came online. A session that replaces an earlier one for the same
// identity takes over silently: peers already saw the identity online, and
// the superseded session is told and closed. A closed session is never
// registered; Join returns session.ErrClosed for it.
func (b *Broadcaster) Join(s *session.Session, identity string) error {
	if identity == "" {
		return ErrEmptyIdentity
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if s.Closed() {
		return session.ErrClosed
	}
	if err := s.BindIdentity(identity); err != nil {
		return err
	}

	previous, changed := b.registry.Associate(identity, s)
	s.Enqueue(rpc.MethodPresenceSnapshot, rpc.PresenceSnapshotParams{
		Identities: b.registry.Snapshot(),
	})
	if !changed {
		return nil
	}

	if previous != nil {
		slog.Info("session replaced",
			"identity", identity,
			"previousSessionId", previous.ID(),
			"sessionId", s.ID())
		previous.Enqueue(rpc.MethodSessionReplaced, rpc.SessionReplacedParams{Identity: identity})
		previous.Close()
		return nil
	}

	b.broadcast(s, rpc.PresenceChangedParams{Identity: identity, Online: true})
	metrics.PresenceOnline.Set(float64(b.registry.Len()))
	if b.mirror != nil {
		b.mirror.Online(context.Background(), identity)
	}
	slog.Info("identity online", "identity", identity, "sessionId", s.ID())
	return nil
}

// Leave removes s from the registry and tells everyone else the identity went
// offline. A session that was already superseded changes nothing.
func (b *Broadcaster) Leave(s *session.Session) {
	b.mu.Lock()
	defer b.mu.Unlock()

	identity := s.Identity()
	if !b.registry.Remove(s) {
		if identity != "" {
			slog.Debug("stale session removal ignored", "identity", identity, "sessionId", s.ID())
		}
		return
	}

	b.broadcast(nil, rpc.PresenceChangedParams{Identity: identity, Online: false})
	metrics.PresenceOnline.Set(float64(b.registry.Len()))
	if b.mirror != nil {
		b.mirror.Offline(context.Background(), identity)
	}
	slog.Info("identity offline", "identity", identity, "sessionId", s.ID())
}

// Online returns the identities currently present, sorted.
func (b *Broadcaster) Online() []string {
	return b.registry.Snapshot()
}

// must hold b.mu
func (b *Broadcaster) broadcast(except *session.Session, params rpc.PresenceChangedParams) {
	for _, peer := range b.registry.Others(except) {
		peer.Enqueue(rpc.MethodPresenceChanged, params)
	}
}

// Annotate pairs directory users with their current presence.
func (b *Broadcaster) Annotate(users []directory.User) []rpc.UserEntry {
	out := make([]rpc.UserEntry, 0, len(users))
	for _, u := range users {
		out = append(out, rpc.UserEntry{
			ID:          u.ID,
			DisplayName: u.Name(),
			Online:      b.registry.IsOnline(u.ID),
		})
	}
	return out
}
