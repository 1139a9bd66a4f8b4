package relay

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/pockode/chatrelay/message"
	"github.com/pockode/chatrelay/registry"
	"github.com/pockode/chatrelay/rpc"
	"github.com/pockode/chatrelay/session"
	"github.com/pockode/chatrelay/session/sessiontest"
	"github.com/pockode/chatrelay/store"
)

type failingStore struct {
	store.Store
	err error
}

func (s *failingStore) Persist(ctx context.Context, msg *message.Message) error {
	return s.err
}

type fixture struct {
	relay    *Relay
	store    store.Store
	registry *registry.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	reg := registry.New()
	return &fixture{
		relay:    New(Config{MaxBodyLength: 20}, st, reg),
		store:    st,
		registry: reg,
	}
}

func (f *fixture) online(t *testing.T, identity string) (*session.Session, *sessiontest.Recorder) {
	t.Helper()
	s, rec := sessiontest.NewSession(t)
	if err := s.BindIdentity(identity); err != nil {
		t.Fatal(err)
	}
	f.registry.Associate(identity, s)
	return s, rec
}

func newMessages(t *testing.T, rec *sessiontest.Recorder) []rpc.MessageNewParams {
	t.Helper()
	var out []rpc.MessageNewParams
	for _, n := range rec.Method(rpc.MethodMessageNew) {
		var p rpc.MessageNewParams
		n.Decode(t, &p)
		out = append(out, p)
	}
	return out
}

func TestSend_ReceiverPresent(t *testing.T) {
	f := newFixture(t)
	alice, aliceRec := f.online(t, "alice")
	bob, bobRec := f.online(t, "bob")

	msg, err := f.relay.Send(context.Background(), alice, rpc.SendParams{
		Receiver:    "bob",
		Body:        "  hello  ",
		ClientToken: "tok-1",
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if msg.ID == "" || msg.Body != "hello" {
		t.Errorf("Send() = %+v, want ID and trimmed body", msg)
	}
	if len(msg.DeliveredTo) != 1 || msg.DeliveredTo[0] != "bob" {
		t.Errorf("DeliveredTo = %v, want [bob]", msg.DeliveredTo)
	}

	sessiontest.Flush(t, alice, aliceRec)
	sessiontest.Flush(t, bob, bobRec)

	acks := newMessages(t, aliceRec)
	if len(acks) != 1 {
		t.Fatalf("sender acks = %d, want 1", len(acks))
	}
	if acks[0].Message.ID != msg.ID || acks[0].ClientToken != "tok-1" {
		t.Errorf("ack = %+v, want id %s with token", acks[0], msg.ID)
	}

	delivered := newMessages(t, bobRec)
	if len(delivered) != 1 {
		t.Fatalf("receiver deliveries = %d, want 1", len(delivered))
	}
	if delivered[0].ClientToken != "" {
		t.Error("correlation token must not leak to the receiver")
	}

	persisted, err := f.store.Get(context.Background(), msg.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if persisted.Sender != "alice" || persisted.Receiver != "bob" {
		t.Errorf("persisted = %+v", persisted)
	}
}

func TestSend_ReceiverAbsent(t *testing.T) {
	f := newFixture(t)
	alice, aliceRec := f.online(t, "alice")

	msg, err := f.relay.Send(context.Background(), alice, rpc.SendParams{Receiver: "bob", Body: "hi"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	sessiontest.Flush(t, alice, aliceRec)

	if acks := newMessages(t, aliceRec); len(acks) != 1 {
		t.Errorf("sender acks = %d, want 1", len(acks))
	}
	if len(msg.DeliveredTo) != 1 || msg.DeliveredTo[0] != "bob" {
		t.Errorf("DeliveredTo = %v, want [bob] even when offline", msg.DeliveredTo)
	}

	history, err := f.relay.History(context.Background(), "bob", "alice")
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 1 || history[0].ID != msg.ID {
		t.Errorf("History() = %v, want the offline message", history)
	}
}

func TestSend_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		req     rpc.SendParams
		wantErr error
	}{
		{"empty body", rpc.SendParams{Receiver: "bob", Body: "   "}, message.ErrEmptyBody},
		{"too long", rpc.SendParams{Receiver: "bob", Body: strings.Repeat("x", 21)}, message.ErrBodyTooLong},
		{"no receiver", rpc.SendParams{Body: "hi"}, message.ErrInvalidReceiver},
		{"self", rpc.SendParams{Receiver: "alice", Body: "hi"}, message.ErrInvalidReceiver},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			alice, aliceRec := f.online(t, "alice")
			bob, bobRec := f.online(t, "bob")

			tt.req.ClientToken = "tok"
			_, err := f.relay.Send(context.Background(), alice, tt.req)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Send() error = %v, want %v", err, tt.wantErr)
			}
			sessiontest.Flush(t, alice, aliceRec)
			sessiontest.Flush(t, bob, bobRec)

			errs := aliceRec.Method(rpc.MethodMessageError)
			if len(errs) != 1 {
				t.Fatalf("sender errors = %d, want 1", len(errs))
			}
			var p rpc.SendErrorParams
			errs[0].Decode(t, &p)
			if p.Code != rpc.ErrorCodeValidation || p.ClientToken != "tok" {
				t.Errorf("error params = %+v", p)
			}
			if len(newMessages(t, aliceRec)) != 0 || len(bobRec.All()) != 0 {
				t.Error("rejected send must not deliver anything")
			}

			history, _ := f.store.FindHistory(context.Background(), "alice", "bob")
			if len(history) != 0 {
				t.Errorf("rejected send persisted %d messages", len(history))
			}
		})
	}
}

func TestSend_PersistenceFailure(t *testing.T) {
	f := newFixture(t)
	f.relay = New(Config{}, &failingStore{Store: f.store, err: errors.New("disk full")}, f.registry)
	alice, aliceRec := f.online(t, "alice")
	bob, bobRec := f.online(t, "bob")

	_, err := f.relay.Send(context.Background(), alice, rpc.SendParams{Receiver: "bob", Body: "hi", ClientToken: "tok"})
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("Send() error = %v, want ErrPersistence", err)
	}
	sessiontest.Flush(t, alice, aliceRec)
	sessiontest.Flush(t, bob, bobRec)

	errs := aliceRec.Method(rpc.MethodMessageError)
	if len(errs) != 1 {
		t.Fatalf("sender errors = %d, want 1", len(errs))
	}
	var p rpc.SendErrorParams
	errs[0].Decode(t, &p)
	if p.Code != rpc.ErrorCodePersistence || p.Body != "hi" || p.Receiver != "bob" {
		t.Errorf("error params = %+v", p)
	}
	if strings.Contains(p.Reason, "disk full") {
		t.Errorf("store detail leaked to client: %q", p.Reason)
	}
	if len(bobRec.All()) != 0 {
		t.Error("receiver must not see an unpersisted message")
	}
}

func TestSend_CanceledContextStillPersists(t *testing.T) {
	f := newFixture(t)
	alice, _ := f.online(t, "alice")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	msg, err := f.relay.Send(ctx, alice, rpc.SendParams{Receiver: "bob", Body: "late"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if _, err := f.store.Get(context.Background(), msg.ID); err != nil {
		t.Errorf("message not persisted: %v", err)
	}
}

func TestSendAs(t *testing.T) {
	f := newFixture(t)
	bob, bobRec := f.online(t, "bob")

	msg, err := f.relay.SendAs(context.Background(), "carol", rpc.SendParams{Receiver: "bob", Body: "from a tool"})
	if err != nil {
		t.Fatalf("SendAs() error = %v", err)
	}
	sessiontest.Flush(t, bob, bobRec)

	got := newMessages(t, bobRec)
	if len(got) != 1 || got[0].Message.ID != msg.ID || got[0].Message.Sender != "carol" {
		t.Errorf("bob received %+v", got)
	}

	if _, err := f.relay.SendAs(context.Background(), "carol", rpc.SendParams{Receiver: "bob"}); !errors.Is(err, message.ErrEmptyBody) {
		t.Errorf("SendAs(empty) error = %v, want ErrEmptyBody", err)
	}
}

func TestMarkRead(t *testing.T) {
	f := newFixture(t)
	alice, aliceRec := f.online(t, "alice")

	msg, err := f.relay.SendAs(context.Background(), "alice", rpc.SendParams{Receiver: "bob", Body: "read me"})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.relay.MarkRead(context.Background(), "alice", msg.ID); !errors.Is(err, message.ErrNotReceiver) {
		t.Errorf("sender MarkRead error = %v, want ErrNotReceiver", err)
	}
	if _, err := f.relay.MarkRead(context.Background(), "bob", "missing"); !errors.Is(err, message.ErrNotFound) {
		t.Errorf("MarkRead(missing) error = %v, want ErrNotFound", err)
	}

	updated, err := f.relay.MarkRead(context.Background(), "bob", msg.ID)
	if err != nil {
		t.Fatalf("MarkRead() error = %v", err)
	}
	if !updated.IsReadBy("bob") {
		t.Errorf("ReadBy = %v, want bob", updated.ReadBy)
	}
	if _, err := f.relay.MarkRead(context.Background(), "bob", msg.ID); err != nil {
		t.Fatalf("second MarkRead() error = %v", err)
	}

	sessiontest.Flush(t, alice, aliceRec)
	if got := aliceRec.Method(rpc.MethodMessageRead); len(got) != 1 {
		t.Errorf("sender read receipts = %d, want 1", len(got))
	}
}

func TestHistory_InvalidPeer(t *testing.T) {
	f := newFixture(t)
	if _, err := f.relay.History(context.Background(), "alice", "alice"); !errors.Is(err, message.ErrInvalidReceiver) {
		t.Errorf("History(self) error = %v", err)
	}
}
