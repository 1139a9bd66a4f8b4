// Package sessiontest provides an in-memory session transport for tests.
package sessiontest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pockode/chatrelay/session"
)

type Notification struct {
	Method string
	Params any
}

// Decode re-marshals Params into v, mirroring what a client would see on the wire.
func (n Notification) Decode(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(n.Params)
	if err != nil {
		t.Fatalf("marshal %s params: %v", n.Method, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("unmarshal %s params: %v", n.Method, err)
	}
}

// Recorder is a session.Transport that keeps every notification.
type Recorder struct {
	mu     sync.Mutex
	notes  []Notification
	closed bool
	notify chan struct{}
}

func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{}, 1)}
}

func (r *Recorder) Notify(ctx context.Context, method string, params any) error {
	r.mu.Lock()
	r.notes = append(r.notes, Notification{Method: method, Params: params})
	r.mu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
	return nil
}

func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *Recorder) IsClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Recorder) All() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notification, len(r.notes))
	copy(out, r.notes)
	return out
}

// Method returns every recorded notification with the given method.
func (r *Recorder) Method(method string) []Notification {
	var out []Notification
	for _, n := range r.All() {
		if n.Method == method {
			out = append(out, n)
		}
	}
	return out
}

// WaitFor blocks until at least n notifications with method were recorded.
func (r *Recorder) WaitFor(t *testing.T, method string, n int) []Notification {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if got := r.Method(method); len(got) >= n {
			return got
		}
		select {
		case <-r.notify:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timed out waiting for %d %s notifications, got %d", n, method, len(r.Method(method)))
		}
	}
}

// NewSession starts a session backed by a Recorder. The session is closed
// and drained on test cleanup.
func NewSession(t *testing.T) (*session.Session, *Recorder) {
	t.Helper()
	rec := NewRecorder()
	s := session.New(rec, 64)

	done := make(chan struct{})
	go func() {
		s.Run(context.Background())
		close(done)
	}()
	t.Cleanup(func() {
		s.Close()
		<-done
	})
	return s, rec
}

// Flush closes s and waits until every queued notification reached the Recorder.
func Flush(t *testing.T, s *session.Session, rec *Recorder) {
	t.Helper()
	s.Close()
	deadline := time.After(2 * time.Second)
	for !rec.IsClosed() {
		select {
		case <-deadline:
			t.Fatal("timed out flushing session")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
