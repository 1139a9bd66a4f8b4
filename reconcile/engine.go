// Package reconcile merges optimistically rendered messages with the
// authoritative copies the relay sends back.
//
// An Engine is owned by a single goroutine and is not safe for concurrent use.
package reconcile

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/pockode/chatrelay/message"
	"github.com/pockode/chatrelay/rpc"
)

const (
	DefaultPendingTimeout = 15 * time.Second
	TempIDPrefix          = "temp_"
)

var ErrNoIdentity = errors.New("engine has no identity yet")

type Outcome int

const (
	// OutcomeDuplicate means the ID was already rendered; nothing changed.
	OutcomeDuplicate Outcome = iota
	// OutcomeReplaced means a pending placeholder took the message in place.
	OutcomeReplaced
	// OutcomeAppended means the message was added as a new item.
	OutcomeAppended
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeReplaced:
		return "replaced"
	case OutcomeAppended:
		return "appended"
	default:
		return "unknown"
	}
}

// Item is one rendered entry. Pending items carry a temp_ ID until the relay
// confirms them.
type Item struct {
	Message  message.Message
	Token    string
	Pending  bool
	QueuedAt time.Time
	// Reason is set on items returned by Fail and Expire.
	Reason string
}

type Options struct {
	PendingTimeout time.Duration
	MaxBodyLength  int
	Now            func() time.Time
}

type Engine struct {
	self    string
	opts    Options
	view    []Item
	seen    map[string]bool          // rendered message IDs
	pending map[string]bool          // token -> pending
	byKey   map[message.Key][]string // key -> tokens, oldest first
}

func New(self string, opts Options) *Engine {
	if opts.PendingTimeout <= 0 {
		opts.PendingTimeout = DefaultPendingTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		self:    self,
		opts:    opts,
		seen:    make(map[string]bool),
		pending: make(map[string]bool),
		byKey:   make(map[message.Key][]string),
	}
}

// SetIdentity is used when the identity is only known after announce.
func (e *Engine) SetIdentity(self string) { e.self = self }

func (e *Engine) Identity() string { return e.self }

// Send renders a placeholder and returns the request to dispatch.
func (e *Engine) Send(receiver, body string) (Item, rpc.SendParams, error) {
	if e.self == "" {
		return Item{}, rpc.SendParams{}, ErrNoIdentity
	}
	if err := message.Validate(e.self, receiver, body, e.opts.MaxBodyLength); err != nil {
		return Item{}, rpc.SendParams{}, err
	}

	now := e.opts.Now()
	token := uuid.NewString()
	item := Item{
		Message: message.Message{
			ID:        TempIDPrefix + token,
			Sender:    e.self,
			Receiver:  receiver,
			Body:      message.NormalizeBody(body),
			CreatedAt: now,
		},
		Token:    token,
		Pending:  true,
		QueuedAt: now,
	}

	e.view = append(e.view, item)
	e.pending[token] = true
	key := item.Message.Key()
	e.byKey[key] = append(e.byKey[key], token)

	return item, rpc.SendParams{Receiver: receiver, Body: body, ClientToken: token}, nil
}

// Deliver merges an authoritative message. token is the correlation token
// echoed by the relay, or "" when absent.
func (e *Engine) Deliver(msg message.Message, token string) Outcome {
	if e.seen[msg.ID] {
		return OutcomeDuplicate
	}
	e.seen[msg.ID] = true

	if idx := e.match(token, msg.Key()); idx >= 0 {
		e.clearPending(e.view[idx])
		e.view[idx] = Item{Message: msg}
		return OutcomeReplaced
	}

	e.insert(Item{Message: msg})
	return OutcomeAppended
}

// Load seeds the view from a history fetch. It returns how many messages
// were new.
func (e *Engine) Load(history []message.Message) int {
	added := 0
	for _, msg := range history {
		if e.Deliver(msg, "") != OutcomeDuplicate {
			added++
		}
	}
	return added
}

// Fail removes the placeholder for a rejected send. key is used when the
// relay did not echo a token.
func (e *Engine) Fail(token string, key message.Key, reason string) (Item, bool) {
	key.Body = message.NormalizeBody(key.Body)
	idx := e.match(token, key)
	if idx < 0 {
		return Item{}, false
	}
	return e.remove(idx, reason), true
}

// Expire fails every placeholder pending longer than the timeout.
func (e *Engine) Expire(now time.Time) []Item {
	var expired []Item
	for i := 0; i < len(e.view); {
		it := e.view[i]
		if it.Pending && now.Sub(it.QueuedAt) >= e.opts.PendingTimeout {
			expired = append(expired, e.remove(i, "timed out waiting for the server"))
			continue
		}
		i++
	}
	return expired
}

func (e *Engine) View() []Item {
	out := make([]Item, len(e.view))
	copy(out, e.view)
	return out
}

func (e *Engine) PendingCount() int { return len(e.pending) }

// match returns the view index of the placeholder for token. Only a missing
// token falls back to the oldest placeholder with key: a token that is no
// longer pending belongs to a placeholder that already expired or failed and
// must not claim its identical twin. -1 when nothing matches.
func (e *Engine) match(token string, key message.Key) int {
	if token != "" {
		if !e.pending[token] {
			return -1
		}
		return e.indexOfToken(token)
	}
	if tokens := e.byKey[key]; len(tokens) > 0 {
		return e.indexOfToken(tokens[0])
	}
	return -1
}

func (e *Engine) indexOfToken(token string) int {
	for i := range e.view {
		if e.view[i].Pending && e.view[i].Token == token {
			return i
		}
	}
	return -1
}

func (e *Engine) remove(idx int, reason string) Item {
	it := e.view[idx]
	e.clearPending(it)
	e.view = append(e.view[:idx], e.view[idx+1:]...)
	it.Reason = reason
	return it
}

func (e *Engine) clearPending(it Item) {
	if !it.Pending {
		return
	}
	delete(e.pending, it.Token)

	key := it.Message.Key()
	tokens := e.byKey[key]
	for i, t := range tokens {
		if t == it.Token {
			tokens = append(tokens[:i], tokens[i+1:]...)
			break
		}
	}
	if len(tokens) == 0 {
		delete(e.byKey, key)
	} else {
		e.byKey[key] = tokens
	}
}

// insert keeps confirmed items in CreatedAt order. History loaded after a
// reconnect can be older than what is already on screen.
func (e *Engine) insert(it Item) {
	i := len(e.view)
	for i > 0 && e.view[i-1].Message.CreatedAt.After(it.Message.CreatedAt) {
		i--
	}
	e.view = append(e.view, Item{})
	copy(e.view[i+1:], e.view[i:])
	e.view[i] = it
}
