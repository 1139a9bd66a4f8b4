package client

import "github.com/pockode/chatrelay/reconcile"

type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventPresence
	EventMessage
	EventFailed
	EventHistory
	EventTyping
	EventRead
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventPresence:
		return "presence"
	case EventMessage:
		return "message"
	case EventFailed:
		return "failed"
	case EventHistory:
		return "history"
	case EventTyping:
		return "typing"
	case EventRead:
		return "read"
	default:
		return "unknown"
	}
}

// Event is a UI update. Which fields are set depends on Kind.
type Event struct {
	Kind EventKind

	// EventMessage, EventFailed, EventRead
	Item    reconcile.Item
	Outcome reconcile.Outcome
	Token   string

	// EventHistory
	View []reconcile.Item

	// EventConnected, EventPresence, EventTyping
	Identity   string
	Identities []string // full snapshot when set
	Online     bool
	Started    bool

	Err error
}
