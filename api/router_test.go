package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/pockode/chatrelay/auth"
	"github.com/pockode/chatrelay/directory"
	"github.com/pockode/chatrelay/message"
	"github.com/pockode/chatrelay/presence"
	"github.com/pockode/chatrelay/registry"
	"github.com/pockode/chatrelay/relay"
	"github.com/pockode/chatrelay/rpc"
	"github.com/pockode/chatrelay/session/sessiontest"
	"github.com/pockode/chatrelay/store"
)

type testServer struct {
	handler  http.Handler
	relay    *relay.Relay
	presence *presence.Broadcaster
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dataDir := t.TempDir()

	st, err := store.NewFileStore(dataDir)
	if err != nil {
		t.Fatal(err)
	}
	dir, err := directory.OpenFile(filepath.Join(dataDir, "users.toml"))
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"alice", "bob", "carol"} {
		hash, err := bcrypt.GenerateFromPassword([]byte("pw-"+id), bcrypt.MinCost)
		if err != nil {
			t.Fatal(err)
		}
		if err := dir.Upsert(directory.User{ID: id, TokenHash: string(hash)}); err != nil {
			t.Fatal(err)
		}
	}

	reg := registry.New()
	pb := presence.New(reg, nil)
	rl := relay.New(relay.Config{}, st, reg)

	h := NewHandler(st, rl, pb, dir)
	router := NewRouter(RouterConfig{Verifier: auth.NewDirectoryVerifier(dir)}, h)
	return &testServer{handler: router, relay: rl, presence: pb}
}

func (s *testServer) do(t *testing.T, method, path, identity string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if identity != "" {
		req.Header.Set("Authorization", "Bearer "+identity+":pw-"+identity)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/health", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp healthResponse
	decode(t, rec, &resp)
	if resp.Status != "ok" || resp.Online != 0 {
		t.Errorf("health = %+v", resp)
	}
}

func TestMetricsIsPublic(t *testing.T) {
	s := newTestServer(t)
	if rec := s.do(t, http.MethodGet, "/metrics", ""); rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestUsers_RequiresAuth(t *testing.T) {
	s := newTestServer(t)
	if rec := s.do(t, http.MethodGet, "/users", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestListUsers(t *testing.T) {
	s := newTestServer(t)

	bob, _ := sessiontest.NewSession(t)
	if err := s.presence.Join(bob, "bob"); err != nil {
		t.Fatal(err)
	}

	rec := s.do(t, http.MethodGet, "/users", "alice")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp rpc.UsersListResult
	decode(t, rec, &resp)
	want := []rpc.UserEntry{
		{ID: "bob", DisplayName: "bob", Online: true},
		{ID: "carol", DisplayName: "carol", Online: false},
	}
	if len(resp.Users) != len(want) {
		t.Fatalf("users = %+v, want %+v", resp.Users, want)
	}
	for i := range want {
		if resp.Users[i] != want[i] {
			t.Errorf("users[%d] = %+v, want %+v", i, resp.Users[i], want[i])
		}
	}
}

func TestHistory(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	first, _ := s.relay.SendAs(ctx, "alice", rpc.SendParams{Receiver: "bob", Body: "one"})
	second, _ := s.relay.SendAs(ctx, "bob", rpc.SendParams{Receiver: "alice", Body: "two"})
	s.relay.SendAs(ctx, "carol", rpc.SendParams{Receiver: "alice", Body: "other"})

	rec := s.do(t, http.MethodGet, "/conversations/bob/messages", "alice")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp rpc.HistoryResult
	decode(t, rec, &resp)
	if len(resp.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(resp.Messages))
	}
	if resp.Messages[0].ID != first.ID || resp.Messages[1].ID != second.ID {
		t.Errorf("history not oldest first: %v", resp.Messages)
	}
}

func TestHistory_Self(t *testing.T) {
	s := newTestServer(t)
	if rec := s.do(t, http.MethodGet, "/conversations/alice/messages", "alice"); rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestMarkRead(t *testing.T) {
	s := newTestServer(t)
	msg, err := s.relay.SendAs(context.Background(), "alice", rpc.SendParams{Receiver: "bob", Body: "read me"})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name       string
		path       string
		identity   string
		wantStatus int
	}{
		{"not found", "/messages/missing/read", "bob", http.StatusNotFound},
		{"sender forbidden", "/messages/" + msg.ID + "/read", "alice", http.StatusForbidden},
		{"receiver", "/messages/" + msg.ID + "/read", "bob", http.StatusOK},
		{"idempotent", "/messages/" + msg.ID + "/read", "bob", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPut, tt.path, tt.identity)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if rec.Code == http.StatusOK {
				var got message.Message
				decode(t, rec, &got)
				if len(got.ReadBy) != 1 || got.ReadBy[0] != "bob" {
					t.Errorf("ReadBy = %v, want [bob]", got.ReadBy)
				}
			}
		})
	}
}
