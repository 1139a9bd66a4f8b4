package relay

import (
	"testing"

	"github.com/pockode/chatrelay/rpc"
	"github.com/pockode/chatrelay/session/sessiontest"
)

func TestTyping_ForwardedToPresentReceiver(t *testing.T) {
	f := newFixture(t)
	alice, _ := f.online(t, "alice")
	bob, bobRec := f.online(t, "bob")

	f.relay.Typing(alice, "bob", true)
	f.relay.Typing(alice, "bob", false)
	sessiontest.Flush(t, bob, bobRec)

	all := bobRec.All()
	if len(all) != 2 {
		t.Fatalf("bob got %d notifications, want 2", len(all))
	}
	if all[0].Method != rpc.MethodTypingStart || all[1].Method != rpc.MethodTypingStop {
		t.Errorf("methods = %s, %s", all[0].Method, all[1].Method)
	}
	var p rpc.TypingNotifyParams
	all[0].Decode(t, &p)
	if p.Sender != "alice" {
		t.Errorf("sender = %q, want alice", p.Sender)
	}
}

func TestTyping_AbsentReceiverIsNoop(t *testing.T) {
	f := newFixture(t)
	alice, aliceRec := f.online(t, "alice")

	f.relay.Typing(alice, "nobody", true)
	f.relay.Typing(alice, "", true)
	f.relay.Typing(alice, "alice", true)
	sessiontest.Flush(t, alice, aliceRec)

	if got := aliceRec.All(); len(got) != 0 {
		t.Errorf("sender got %v, want nothing", got)
	}
}
