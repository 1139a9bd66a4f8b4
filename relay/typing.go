package relay

import (
	"github.com/pockode/chatrelay/metrics"
	"github.com/pockode/chatrelay/rpc"
	"github.com/pockode/chatrelay/session"
)

// Typing forwards a typing signal to receiver's session if it is present.
// Nothing is stored; an absent receiver is not an error.
func (r *Relay) Typing(from *session.Session, receiver string, started bool) {
	sender := from.Identity()
	if receiver == "" || receiver == sender {
		return
	}

	target, ok := r.registry.Lookup(receiver)
	if !ok {
		return
	}

	method := rpc.MethodTypingStop
	if started {
		method = rpc.MethodTypingStart
	}
	if target.Enqueue(method, rpc.TypingNotifyParams{Sender: sender}) {
		metrics.TypingForwarded.Inc()
	}
}
