package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sourcegraph/jsonrpc2"

	"github.com/pockode/chatrelay/auth"
	"github.com/pockode/chatrelay/directory"
	"github.com/pockode/chatrelay/logger"
	"github.com/pockode/chatrelay/metrics"
	"github.com/pockode/chatrelay/presence"
	"github.com/pockode/chatrelay/relay"
	"github.com/pockode/chatrelay/rpc"
	"github.com/pockode/chatrelay/session"
)

type Config struct {
	OutboxSize     int
	DevMode        bool
	OriginPatterns []string
}

// RPCHandler handles JSON-RPC 2.0 over WebSocket.
type RPCHandler struct {
	cfg       Config
	verifier  auth.Verifier
	presence  *presence.Broadcaster
	relay     *relay.Relay
	directory directory.Directory
}

func NewRPCHandler(cfg Config, verifier auth.Verifier, pb *presence.Broadcaster, rl *relay.Relay, dir directory.Directory) *RPCHandler {
	return &RPCHandler{
		cfg:       cfg,
		verifier:  verifier,
		presence:  pb,
		relay:     rl,
		directory: dir,
	}
}

func (h *RPCHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: h.cfg.DevMode,
		OriginPatterns:     h.cfg.OriginPatterns,
	})
	if err != nil {
		slog.Error("failed to accept websocket", "error", err)
		return
	}

	h.handleConnection(r.Context(), conn)
}

func (h *RPCHandler) handleConnection(ctx context.Context, wsConn *websocket.Conn) {
	stream := NewStream(wsConn)
	connID := uuid.Must(uuid.NewV7()).String()
	h.HandleStream(ctx, stream, connID)
}

// HandleStream serves one connection until it disconnects.
func (h *RPCHandler) HandleStream(ctx context.Context, stream jsonrpc2.ObjectStream, connID string) {
	defer func() {
		if r := recover(); r != nil {
			logger.LogPanic(r, "websocket connection crashed", "connId", connID)
		}
	}()

	state := &rpcConnState{
		connID: connID,
		log:    slog.With("connId", connID),
	}
	state.log.Info("new connection")

	handler := &rpcMethodHandler{
		RPCHandler: h,
		state:      state,
		ready:      make(chan struct{}),
	}

	rpcConn := jsonrpc2.NewConn(ctx, stream, handler)
	sess := session.New(NewJSONRPCNotifier(rpcConn), h.cfg.OutboxSize)
	state.session = sess
	close(handler.ready)

	metrics.SessionsActive.Inc()
	defer metrics.SessionsActive.Dec()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		sess.Run(context.Background())
	}()

	<-rpcConn.DisconnectNotify()

	// closed first so an announce still in flight cannot register it
	sess.Close()
	h.presence.Leave(sess)
	<-writerDone

	state.getLog().Info("connection closed")
}

// rpcConnState tracks per-connection state.
type rpcConnState struct {
	connID  string
	session *session.Session // set before any request is handled

	mu  sync.Mutex
	log *slog.Logger
}

func (s *rpcConnState) getLog() *slog.Logger {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log
}

func (s *rpcConnState) setIdentity(identity string) {
	s.mu.Lock()
	s.log = slog.With("connId", s.connID, "identity", identity)
	s.mu.Unlock()
}

type rpcMethodHandler struct {
	*RPCHandler
	state *rpcConnState
	ready chan struct{}
}

// Handle runs on the connection's read loop. Until the session is announced,
// requests are handled inline so that anything pipelined behind
// presence.announce sees the bound identity; afterwards each request gets its
// own goroutine.
func (h *rpcMethodHandler) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	<-h.ready
	if h.state.session.Identity() == "" {
		h.handle(ctx, conn, req)
		return
	}
	go h.handle(ctx, conn, req)
}

func (h *rpcMethodHandler) handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	defer func() {
		if r := recover(); r != nil {
			logger.LogPanic(r, "rpc handler panic", "method", req.Method, "connId", h.state.connID)
		}
	}()

	sess := h.state.session
	log := h.state.getLog()
	log.Debug("received request", "method", req.Method, "id", req.ID, "notif", req.Notif)

	// presence.announce must be the first request
	if sess.Identity() == "" {
		if req.Method != rpc.MethodAnnounce {
			h.replyError(ctx, conn, req, jsonrpc2.CodeInvalidRequest, "first request must be "+rpc.MethodAnnounce)
			conn.Close()
			return
		}
		h.handleAnnounce(ctx, conn, req, sess)
		return
	}

	switch req.Method {
	case rpc.MethodAnnounce:
		h.handleAnnounce(ctx, conn, req, sess)
	case rpc.MethodMessageSend:
		h.handleMessageSend(ctx, conn, req, sess)
	case rpc.MethodTypingStart:
		h.handleTyping(ctx, conn, req, sess, true)
	case rpc.MethodTypingStop:
		h.handleTyping(ctx, conn, req, sess, false)
	case rpc.MethodMessageRead:
		h.handleMessageRead(ctx, conn, req, sess)
	case rpc.MethodMessageHistory:
		h.handleMessageHistory(ctx, conn, req, sess)
	case rpc.MethodUsersList:
		h.handleUsersList(ctx, conn, req, sess)
	default:
		h.replyError(ctx, conn, req, jsonrpc2.CodeMethodNotFound, "method not found: "+req.Method)
	}
}

func (h *rpcMethodHandler) handleAnnounce(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, sess *session.Session) {
	log := h.state.getLog()

	var params rpc.AnnounceParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req, jsonrpc2.CodeInvalidParams, "invalid params")
		if sess.Identity() == "" {
			conn.Close()
		}
		return
	}

	identity, err := h.verifier.Verify(ctx, params.Token)
	if err != nil {
		log.Warn("invalid announce token")
		h.replyError(ctx, conn, req, jsonrpc2.CodeInvalidRequest, "invalid token")
		if sess.Identity() == "" {
			conn.Close()
		}
		return
	}

	if err := h.presence.Join(sess, identity); err != nil {
		if errors.Is(err, session.ErrClosed) {
			log.Debug("connection closed during announce", "identity", identity)
			return
		}
		if errors.Is(err, session.ErrAlreadyAnnounced) {
			h.replyError(ctx, conn, req, jsonrpc2.CodeInvalidRequest, err.Error())
			return
		}
		log.Error("failed to join presence", "error", err)
		h.replyError(ctx, conn, req, jsonrpc2.CodeInternalError, "announce failed")
		return
	}

	h.state.setIdentity(identity)
	h.state.getLog().Info("announced", "sessionId", sess.ID())

	h.reply(ctx, conn, req, rpc.AnnounceResult{Identity: identity, SessionID: sess.ID()})
}

func (h *rpcMethodHandler) replyError(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, code int64, message string) {
	if req.Notif {
		h.state.getLog().Debug("dropping error for notification", "method", req.Method, "error", message)
		return
	}
	err := &jsonrpc2.Error{
		Code:    code,
		Message: message,
	}
	if replyErr := conn.ReplyWithError(ctx, req.ID, err); replyErr != nil {
		h.state.getLog().Error("failed to send error response", "error", replyErr)
	}
}

func (h *rpcMethodHandler) reply(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, result any) {
	if req.Notif {
		return
	}
	if err := conn.Reply(ctx, req.ID, result); err != nil {
		h.state.getLog().Error("failed to send response", "method", req.Method, "error", err)
	}
}

func unmarshalParams(req *jsonrpc2.Request, v interface{}) error {
	if req.Params == nil {
		return errors.New("params required")
	}
	return json.Unmarshal(*req.Params, v)
}
