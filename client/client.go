// Package client is a reconnecting relay client. One goroutine owns the
// reconciliation engine; network callbacks and user actions are funneled
// into it.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/sourcegraph/jsonrpc2"

	"github.com/pockode/chatrelay/message"
	"github.com/pockode/chatrelay/reconcile"
	"github.com/pockode/chatrelay/rpc"
	"github.com/pockode/chatrelay/ws"
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrReplaced     = errors.New("session replaced by a newer connection")
	ErrRejected     = errors.New("server rejected announce")
	ErrStopped      = errors.New("client stopped")
)

const (
	defaultMinBackoff     = 500 * time.Millisecond
	defaultMaxBackoff     = 30 * time.Second
	defaultExpiryInterval = time.Second
	eventBufferSize       = 256
)

type Config struct {
	URL   string // ws://host:port/ws
	Token string // "<userID>:<secret>"
	// Peer, when set, has its conversation history loaded on every connect.
	Peer string

	MinBackoff     time.Duration
	MaxBackoff     time.Duration
	PendingTimeout time.Duration
	ExpiryInterval time.Duration
}

type Client struct {
	cfg    Config
	engine *reconcile.Engine // owned by loop
	inbox  chan func()
	events chan Event
	halted chan struct{} // closed when the loop exits

	mu       sync.Mutex
	conn     *jsonrpc2.Conn
	identity string
	online   map[string]bool
	replaced bool
}

func New(cfg Config) *Client {
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = defaultMinBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.ExpiryInterval <= 0 {
		cfg.ExpiryInterval = defaultExpiryInterval
	}
	return &Client{
		cfg:    cfg,
		engine: reconcile.New("", reconcile.Options{PendingTimeout: cfg.PendingTimeout}),
		inbox:  make(chan func(), eventBufferSize),
		events: make(chan Event, eventBufferSize),
		halted: make(chan struct{}),
		online: make(map[string]bool),
	}
}

// Events delivers UI updates. Events are dropped if the reader falls behind.
func (c *Client) Events() <-chan Event { return c.events }

// Run may be called once. It connects and keeps reconnecting until ctx is done, the credential is
// rejected, or another connection replaces this one.
func (c *Client) Run(ctx context.Context) error {
	loopCtx, stop := context.WithCancel(ctx)
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		defer close(c.halted)
		c.loop(loopCtx)
	}()
	defer func() {
		stop()
		<-loopDone
	}()

	backoff := c.cfg.MinBackoff
	for {
		connected, err := c.connectOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrRejected) || errors.Is(err, ErrReplaced) {
			c.emit(Event{Kind: EventDisconnected, Err: err})
			return err
		}
		c.emit(Event{Kind: EventDisconnected, Err: err})

		if connected {
			backoff = c.cfg.MinBackoff
		}
		slog.Debug("relay connection lost, retrying", "backoff", backoff, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, c.cfg.MaxBackoff)
	}
}

func (c *Client) connectOnce(ctx context.Context) (bool, error) {
	wsConn, _, err := websocket.Dial(ctx, c.cfg.URL, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	wsConn.SetReadLimit(1 << 20)

	conn := jsonrpc2.NewConn(ctx, ws.NewStream(wsConn), &notificationHandler{client: c})
	defer conn.Close()

	var result rpc.AnnounceResult
	if err := conn.Call(ctx, rpc.MethodAnnounce, rpc.AnnounceParams{Token: c.cfg.Token}, &result); err != nil {
		var rpcErr *jsonrpc2.Error
		if errors.As(err, &rpcErr) {
			return false, fmt.Errorf("%w: %s", ErrRejected, rpcErr.Message)
		}
		return false, fmt.Errorf("announce: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.identity = result.Identity
	c.mu.Unlock()
	defer c.clearConn(conn)

	c.post(func() {
		c.engine.SetIdentity(result.Identity)
		c.emit(Event{Kind: EventConnected, Identity: result.Identity})
	})

	if c.cfg.Peer != "" {
		if err := c.loadHistory(ctx, conn, c.cfg.Peer); err != nil {
			slog.Warn("failed to load history", "peer", c.cfg.Peer, "error", err)
		}
	}

	select {
	case <-conn.DisconnectNotify():
	case <-ctx.Done():
	}

	c.mu.Lock()
	replaced := c.replaced
	c.mu.Unlock()
	if replaced {
		return true, ErrReplaced
	}
	return true, errors.New("connection closed")
}

func (c *Client) clearConn(conn *jsonrpc2.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		c.conn = nil
	}
}

func (c *Client) loadHistory(ctx context.Context, conn *jsonrpc2.Conn, peer string) error {
	var history rpc.HistoryResult
	if err := conn.Call(ctx, rpc.MethodMessageHistory, rpc.HistoryParams{With: peer}, &history); err != nil {
		return err
	}
	c.post(func() {
		if n := c.engine.Load(history.Messages); n > 0 {
			c.emit(Event{Kind: EventHistory, View: c.engine.View()})
		}
	})
	return nil
}

func (c *Client) loop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.ExpiryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-c.inbox:
			fn()
		case now := <-ticker.C:
			for _, item := range c.engine.Expire(now) {
				c.emit(Event{Kind: EventFailed, Item: item, Err: errors.New(item.Reason)})
			}
		}
	}
}

// post hands fn to the loop goroutine. It is a no-op once the loop exits.
func (c *Client) post(fn func()) {
	select {
	case c.inbox <- fn:
	case <-c.halted:
	}
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		slog.Debug("client event dropped", "kind", ev.Kind)
	}
}

func (c *Client) currentConn() *jsonrpc2.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// Identity is the identity confirmed by the last announce.
func (c *Client) Identity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// WaitConnected blocks until an announced connection exists.
func (c *Client) WaitConnected(ctx context.Context) error {
	for {
		if c.currentConn() != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// Send renders a placeholder immediately and dispatches message.send. The
// outcome arrives later as EventMessage or EventFailed.
func (c *Client) Send(ctx context.Context, receiver, body string) (reconcile.Item, error) {
	type result struct {
		item reconcile.Item
		err  error
	}
	done := make(chan result, 1)

	c.post(func() {
		item, req, err := c.engine.Send(receiver, body)
		if err != nil {
			done <- result{err: err}
			return
		}
		c.emit(Event{Kind: EventMessage, Item: item, Outcome: reconcile.OutcomeAppended})

		conn := c.currentConn()
		if conn == nil {
			c.failLocal(item, ErrNotConnected)
			done <- result{item: item, err: ErrNotConnected}
			return
		}
		if err := conn.Notify(ctx, rpc.MethodMessageSend, req); err != nil {
			c.failLocal(item, err)
			done <- result{item: item, err: err}
			return
		}
		done <- result{item: item}
	})

	select {
	case r := <-done:
		return r.item, r.err
	case <-c.halted:
		return reconcile.Item{}, ErrStopped
	case <-ctx.Done():
		return reconcile.Item{}, ctx.Err()
	}
}

// must run on the loop goroutine
func (c *Client) failLocal(item reconcile.Item, cause error) {
	if failed, ok := c.engine.Fail(item.Token, item.Message.Key(), cause.Error()); ok {
		c.emit(Event{Kind: EventFailed, Item: failed, Err: cause})
	}
}

// View returns the rendered conversation.
func (c *Client) View(ctx context.Context) ([]reconcile.Item, error) {
	done := make(chan []reconcile.Item, 1)
	c.post(func() { done <- c.engine.View() })
	select {
	case v := <-done:
		return v, nil
	case <-c.halted:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) Typing(ctx context.Context, receiver string, started bool) error {
	conn := c.currentConn()
	if conn == nil {
		return ErrNotConnected
	}
	method := rpc.MethodTypingStop
	if started {
		method = rpc.MethodTypingStart
	}
	return conn.Notify(ctx, method, rpc.TypingParams{Receiver: receiver})
}

func (c *Client) MarkRead(ctx context.Context, messageID string) (message.Message, error) {
	conn := c.currentConn()
	if conn == nil {
		return message.Message{}, ErrNotConnected
	}
	var res rpc.MessageReadParams
	if err := conn.Call(ctx, rpc.MethodMessageRead, rpc.ReadParams{MessageID: messageID}, &res); err != nil {
		return message.Message{}, err
	}
	return res.Message, nil
}

// Online returns the presence set as last reported by the server.
func (c *Client) Online(ctx context.Context) ([]string, error) {
	if c.currentConn() == nil {
		return nil, ErrNotConnected
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.online))
	for id := range c.online {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Users lists the other users. identity must be this client's own.
func (c *Client) Users(ctx context.Context, identity string) ([]rpc.UserEntry, error) {
	conn, err := c.connFor(identity)
	if err != nil {
		return nil, err
	}
	var res rpc.UsersListResult
	if err := conn.Call(ctx, rpc.MethodUsersList, struct{}{}, &res); err != nil {
		return nil, err
	}
	return res.Users, nil
}

func (c *Client) History(ctx context.Context, identity, with string) ([]message.Message, error) {
	conn, err := c.connFor(identity)
	if err != nil {
		return nil, err
	}
	var res rpc.HistoryResult
	if err := conn.Call(ctx, rpc.MethodMessageHistory, rpc.HistoryParams{With: with}, &res); err != nil {
		return nil, err
	}
	return res.Messages, nil
}

// SendAs sends as a request and waits for the stored message. It bypasses
// the placeholder view; the ack still reaches the engine as a new item.
func (c *Client) SendAs(ctx context.Context, identity string, req rpc.SendParams) (message.Message, error) {
	conn, err := c.connFor(identity)
	if err != nil {
		return message.Message{}, err
	}
	var res rpc.MessageNewParams
	if err := conn.Call(ctx, rpc.MethodMessageSend, req, &res); err != nil {
		return message.Message{}, err
	}
	return res.Message, nil
}

func (c *Client) connFor(identity string) (*jsonrpc2.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, ErrNotConnected
	}
	if identity != "" && identity != c.identity {
		return nil, fmt.Errorf("connected as %q, not %q", c.identity, identity)
	}
	return c.conn, nil
}

// notificationHandler runs on the jsonrpc2 read goroutine, so notifications
// reach the loop in wire order.
type notificationHandler struct {
	client *Client
}

func (h *notificationHandler) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	if !req.Notif {
		conn.ReplyWithError(ctx, req.ID, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: "client accepts notifications only"})
		return
	}
	if req.Params == nil {
		return
	}
	c := h.client
	raw := *req.Params

	switch req.Method {
	case rpc.MethodPresenceSnapshot:
		var p rpc.PresenceSnapshotParams
		if decode(raw, &p) {
			c.mu.Lock()
			c.online = make(map[string]bool, len(p.Identities))
			for _, id := range p.Identities {
				c.online[id] = true
			}
			c.mu.Unlock()
			c.emit(Event{Kind: EventPresence, Online: true, Identities: p.Identities})
		}
	case rpc.MethodPresenceChanged:
		var p rpc.PresenceChangedParams
		if decode(raw, &p) {
			c.mu.Lock()
			if p.Online {
				c.online[p.Identity] = true
			} else {
				delete(c.online, p.Identity)
			}
			c.mu.Unlock()
			c.emit(Event{Kind: EventPresence, Identity: p.Identity, Online: p.Online})
		}
	case rpc.MethodMessageNew:
		var p rpc.MessageNewParams
		if decode(raw, &p) {
			c.post(func() {
				outcome := c.engine.Deliver(p.Message, p.ClientToken)
				if outcome != reconcile.OutcomeDuplicate {
					c.emit(Event{Kind: EventMessage, Item: reconcile.Item{Message: p.Message}, Outcome: outcome, Token: p.ClientToken})
				}
			})
		}
	case rpc.MethodMessageError:
		var p rpc.SendErrorParams
		if decode(raw, &p) {
			c.post(func() {
				key := message.Key{Sender: c.engine.Identity(), Receiver: p.Receiver, Body: p.Body}
				if failed, ok := c.engine.Fail(p.ClientToken, key, p.Reason); ok {
					c.emit(Event{Kind: EventFailed, Item: failed, Err: errors.New(p.Reason)})
				}
			})
		}
	case rpc.MethodTypingStart, rpc.MethodTypingStop:
		var p rpc.TypingNotifyParams
		if decode(raw, &p) {
			c.emit(Event{Kind: EventTyping, Identity: p.Sender, Started: req.Method == rpc.MethodTypingStart})
		}
	case rpc.MethodMessageRead:
		var p rpc.MessageReadParams
		if decode(raw, &p) {
			c.emit(Event{Kind: EventRead, Item: reconcile.Item{Message: p.Message}})
		}
	case rpc.MethodSessionReplaced:
		c.mu.Lock()
		c.replaced = true
		c.mu.Unlock()
	default:
		slog.Debug("ignoring unknown notification", "method", req.Method)
	}
}

func decode(raw json.RawMessage, v any) bool {
	if err := json.Unmarshal(raw, v); err != nil {
		slog.Debug("malformed notification", "error", err)
		return false
	}
	return true
}
