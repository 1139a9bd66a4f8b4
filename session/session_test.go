package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type recordedNotification struct {
	Method string
	Params any
}

type recordingTransport struct {
	mu     sync.Mutex
	notes  []recordedNotification
	closed bool
}

func (t *recordingTransport) Notify(ctx context.Context, method string, params any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.notes = append(t.notes, recordedNotification{Method: method, Params: params})
	return nil
}

func (t *recordingTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *recordingTransport) methods() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.notes))
	for i, n := range t.notes {
		out[i] = n.Method
	}
	return out
}

func TestSession_BindIdentity(t *testing.T) {
	s := New(&recordingTransport{}, 0)

	if s.Identity() != "" {
		t.Errorf("expected empty identity before announce, got %q", s.Identity())
	}
	if err := s.BindIdentity("alice"); err != nil {
		t.Fatalf("BindIdentity() error = %v", err)
	}
	if err := s.BindIdentity("alice"); err != nil {
		t.Errorf("rebinding same identity should be a no-op, got %v", err)
	}
	if err := s.BindIdentity("bob"); !errors.Is(err, ErrAlreadyAnnounced) {
		t.Errorf("BindIdentity(bob) error = %v, want ErrAlreadyAnnounced", err)
	}
	if s.Identity() != "alice" {
		t.Errorf("Identity() = %q, want alice", s.Identity())
	}
}

func TestSession_RunDeliversInOrder(t *testing.T) {
	tr := &recordingTransport{}
	s := New(tr, 8)

	done := make(chan struct{})
	go func() {
		s.Run(context.Background())
		close(done)
	}()

	for _, m := range []string{"a", "b", "c"} {
		if !s.Enqueue(m, nil) {
			t.Fatalf("Enqueue(%s) returned false", m)
		}
	}
	s.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}

	got := tr.methods()
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("notification %d = %s, want %s", i, got[i], want[i])
		}
	}
	if !tr.closed {
		t.Error("expected transport to be closed after Run returns")
	}
}

func TestSession_EnqueueDropsWhenFull(t *testing.T) {
	s := New(&recordingTransport{}, 2)

	if !s.Enqueue("one", nil) || !s.Enqueue("two", nil) {
		t.Fatal("expected first two enqueues to succeed")
	}
	if s.Enqueue("three", nil) {
		t.Error("expected enqueue on full outbox to be dropped")
	}
}

func TestSession_EnqueueAfterClose(t *testing.T) {
	s := New(&recordingTransport{}, 2)
	s.Close()
	s.Close() // idempotent

	if s.Enqueue("late", nil) {
		t.Error("expected enqueue after Close to be dropped")
	}
	if !s.Closed() {
		t.Error("expected Closed() to be true")
	}
}
