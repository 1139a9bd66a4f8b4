package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/crypto/bcrypt"

	"github.com/pockode/chatrelay/auth"
	"github.com/pockode/chatrelay/directory"
	"github.com/pockode/chatrelay/presence"
	"github.com/pockode/chatrelay/reconcile"
	"github.com/pockode/chatrelay/registry"
	"github.com/pockode/chatrelay/relay"
	"github.com/pockode/chatrelay/rpc"
	"github.com/pockode/chatrelay/store"
	"github.com/pockode/chatrelay/ws"
)

type testServer struct {
	url string

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dataDir := t.TempDir()

	st, err := store.NewFileStore(dataDir)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	dir, err := directory.OpenFile(filepath.Join(dataDir, "users.toml"))
	if err != nil {
		t.Fatalf("failed to open directory: %v", err)
	}
	for _, id := range []string{"alice", "bob"} {
		hash, err := bcrypt.GenerateFromPassword([]byte("pw"), bcrypt.MinCost)
		if err != nil {
			t.Fatal(err)
		}
		if err := dir.Upsert(directory.User{ID: id, TokenHash: string(hash)}); err != nil {
			t.Fatal(err)
		}
	}

	reg := registry.New()
	pb := presence.New(reg, nil)
	rl := relay.New(relay.Config{MaxBodyLength: 100}, st, reg)
	h := ws.NewRPCHandler(ws.Config{DevMode: true, OutboxSize: 64}, auth.NewDirectoryVerifier(dir), pb, rl, dir)

	ts := &testServer{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ts.mu.Lock()
		ts.conns = append(ts.conns, conn)
		ts.mu.Unlock()
		h.HandleStream(r.Context(), ws.NewStream(conn), r.RemoteAddr)
	}))
	t.Cleanup(server.Close)

	ts.url = "ws" + strings.TrimPrefix(server.URL, "http")
	return ts
}

// dropAll closes every server-side connection accepted so far.
func (ts *testServer) dropAll() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, c := range ts.conns {
		c.Close(websocket.StatusGoingAway, "test drop")
	}
	ts.conns = nil
}

func startClient(t *testing.T, ts *testServer, cfg Config) (*Client, <-chan error) {
	t.Helper()
	cfg.URL = ts.url
	if cfg.MinBackoff == 0 {
		cfg.MinBackoff = 10 * time.Millisecond
		cfg.MaxBackoff = 50 * time.Millisecond
	}
	c := New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		errCh <- c.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	if err := c.WaitConnected(waitCtx); err != nil {
		t.Fatalf("client did not connect: %v", err)
	}
	return c, errCh
}

func waitEvent(t *testing.T, c *Client, match func(Event) bool) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-c.Events():
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatal("timed out waiting for event")
			return Event{}
		}
	}
}

func waitView(t *testing.T, c *Client, cond func([]reconcile.Item) bool) []reconcile.Item {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		view, err := c.View(ctx)
		if err != nil {
			t.Fatalf("View() error = %v", err)
		}
		if cond(view) {
			return view
		}
		select {
		case <-ctx.Done():
			t.Fatalf("view never satisfied condition, last = %+v", view)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestClient_SendReplacesPlaceholder(t *testing.T) {
	ts := newTestServer(t)
	alice, _ := startClient(t, ts, Config{Token: "alice:pw"})
	bob, _ := startClient(t, ts, Config{Token: "bob:pw"})

	if alice.Identity() != "alice" {
		t.Errorf("Identity() = %q, want alice", alice.Identity())
	}

	item, err := alice.Send(context.Background(), "bob", "hello")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if !item.Pending || !strings.HasPrefix(item.Message.ID, reconcile.TempIDPrefix) {
		t.Errorf("Send() item = %+v, want pending placeholder", item)
	}

	view := waitView(t, alice, func(v []reconcile.Item) bool {
		return len(v) == 1 && !v[0].Pending
	})
	if view[0].Message.Body != "hello" || strings.HasPrefix(view[0].Message.ID, reconcile.TempIDPrefix) {
		t.Errorf("confirmed item = %+v", view[0])
	}

	bobView := waitView(t, bob, func(v []reconcile.Item) bool { return len(v) == 1 })
	if bobView[0].Message.ID != view[0].Message.ID {
		t.Errorf("bob sees %q, alice sees %q", bobView[0].Message.ID, view[0].Message.ID)
	}
}

func TestClient_ServerRejectionFailsPlaceholder(t *testing.T) {
	ts := newTestServer(t)
	alice, _ := startClient(t, ts, Config{Token: "alice:pw"})

	if _, err := alice.Send(context.Background(), "alice", "to myself"); err == nil {
		t.Fatal("expected local validation error for self-send")
	}

	// The client has no body limit; the relay's limit is 100.
	long := strings.Repeat("x", 200)
	if _, err := alice.Send(context.Background(), "bob", long); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	ev := waitEvent(t, alice, func(ev Event) bool { return ev.Kind == EventFailed })
	if ev.Item.Message.Body != long || ev.Item.Reason == "" {
		t.Errorf("failed event = %+v", ev)
	}
	waitView(t, alice, func(v []reconcile.Item) bool { return len(v) == 0 })
}

func TestClient_RejectedToken(t *testing.T) {
	ts := newTestServer(t)
	c := New(Config{URL: ts.url, Token: "alice:wrong", MinBackoff: 10 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Run(ctx); !errors.Is(err, ErrRejected) {
		t.Errorf("Run() error = %v, want ErrRejected", err)
	}
}

func TestClient_PresenceAndTyping(t *testing.T) {
	ts := newTestServer(t)
	alice, _ := startClient(t, ts, Config{Token: "alice:pw"})
	bob, _ := startClient(t, ts, Config{Token: "bob:pw"})

	waitEvent(t, alice, func(ev Event) bool {
		return ev.Kind == EventPresence && ev.Identity == "bob" && ev.Online
	})
	online, err := alice.Online(context.Background())
	if err != nil {
		t.Fatalf("Online() error = %v", err)
	}
	if len(online) != 2 || online[0] != "alice" || online[1] != "bob" {
		t.Errorf("Online() = %v, want [alice bob]", online)
	}

	if err := bob.Typing(context.Background(), "alice", true); err != nil {
		t.Fatalf("Typing() error = %v", err)
	}
	ev := waitEvent(t, alice, func(ev Event) bool { return ev.Kind == EventTyping })
	if ev.Identity != "bob" || !ev.Started {
		t.Errorf("typing event = %+v", ev)
	}
}

func TestClient_BackendCalls(t *testing.T) {
	ts := newTestServer(t)
	alice, _ := startClient(t, ts, Config{Token: "alice:pw"})
	bob, _ := startClient(t, ts, Config{Token: "bob:pw"})
	ctx := context.Background()

	msg, err := alice.SendAs(ctx, "alice", rpc.SendParams{Receiver: "bob", Body: "ping"})
	if err != nil {
		t.Fatalf("SendAs() error = %v", err)
	}
	if msg.ID == "" || msg.Sender != "alice" {
		t.Errorf("SendAs() = %+v", msg)
	}

	if _, err := alice.SendAs(ctx, "bob", rpc.SendParams{Receiver: "alice", Body: "x"}); err == nil {
		t.Error("SendAs() as another identity should fail")
	}

	history, err := bob.History(ctx, "", "alice")
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 1 || history[0].ID != msg.ID {
		t.Errorf("History() = %+v", history)
	}

	users, err := bob.Users(ctx, "bob")
	if err != nil {
		t.Fatalf("Users() error = %v", err)
	}
	if len(users) != 1 || users[0].ID != "alice" || !users[0].Online {
		t.Errorf("Users() = %+v", users)
	}

	read, err := bob.MarkRead(ctx, msg.ID)
	if err != nil {
		t.Fatalf("MarkRead() error = %v", err)
	}
	if len(read.ReadBy) != 1 || read.ReadBy[0] != "bob" {
		t.Errorf("MarkRead() ReadBy = %v, want [bob]", read.ReadBy)
	}
	ev := waitEvent(t, alice, func(ev Event) bool { return ev.Kind == EventRead })
	if ev.Item.Message.ID != msg.ID {
		t.Errorf("read event for %q, want %q", ev.Item.Message.ID, msg.ID)
	}
}

func TestClient_ReconnectsAfterDrop(t *testing.T) {
	ts := newTestServer(t)
	alice, _ := startClient(t, ts, Config{Token: "alice:pw", Peer: "bob"})
	bob, _ := startClient(t, ts, Config{Token: "bob:pw"})

	if _, err := bob.SendAs(context.Background(), "bob", rpc.SendParams{Receiver: "alice", Body: "before"}); err != nil {
		t.Fatalf("SendAs() error = %v", err)
	}
	waitView(t, alice, func(v []reconcile.Item) bool { return len(v) == 1 })

	ts.dropAll()
	waitEvent(t, alice, func(ev Event) bool { return ev.Kind == EventDisconnected })
	waitEvent(t, alice, func(ev Event) bool { return ev.Kind == EventConnected })

	// History reload after reconnect must not duplicate rendered messages.
	view := waitView(t, alice, func(v []reconcile.Item) bool { return len(v) == 1 })
	if view[0].Message.Body != "before" {
		t.Errorf("view after reconnect = %+v", view)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := alice.WaitConnected(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := alice.Send(ctx, "bob", "after"); err != nil {
		t.Fatalf("Send() after reconnect error = %v", err)
	}
	waitView(t, alice, func(v []reconcile.Item) bool {
		return len(v) == 2 && !v[1].Pending && v[1].Message.Body == "after"
	})
}

func TestClient_StopsWhenReplaced(t *testing.T) {
	ts := newTestServer(t)
	_, firstErr := startClient(t, ts, Config{Token: "alice:pw"})
	startClient(t, ts, Config{Token: "alice:pw"})

	select {
	case err := <-firstErr:
		if !errors.Is(err, ErrReplaced) {
			t.Errorf("Run() error = %v, want ErrReplaced", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("replaced client kept running")
	}
}

func TestClient_NotConnected(t *testing.T) {
	c := New(Config{URL: "ws://127.0.0.1:1/ws"})
	ctx := context.Background()

	if _, err := c.Online(ctx); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Online() error = %v", err)
	}
	if err := c.Typing(ctx, "bob", true); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Typing() error = %v", err)
	}
	if _, err := c.History(ctx, "", "bob"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("History() error = %v", err)
	}
}
