package ws

import (
	"context"
	"errors"

	"github.com/sourcegraph/jsonrpc2"

	"github.com/pockode/chatrelay/message"
	"github.com/pockode/chatrelay/relay"
	"github.com/pockode/chatrelay/rpc"
	"github.com/pockode/chatrelay/session"
)

// message.send may arrive as a notification or a request. Either way the
// outcome also reaches the sender as message.new or message.error.
func (h *rpcMethodHandler) handleMessageSend(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, sess *session.Session) {
	var params rpc.SendParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	msg, err := h.relay.Send(ctx, sess, params)
	if err != nil {
		if errors.Is(err, relay.ErrPersistence) {
			h.replyError(ctx, conn, req, jsonrpc2.CodeInternalError, relay.ErrPersistence.Error())
			return
		}
		h.replyError(ctx, conn, req, jsonrpc2.CodeInvalidParams, err.Error())
		return
	}

	h.reply(ctx, conn, req, rpc.MessageNewParams{Message: msg, ClientToken: params.ClientToken})
}

func (h *rpcMethodHandler) handleTyping(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, sess *session.Session, started bool) {
	var params rpc.TypingParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	h.relay.Typing(sess, params.Receiver, started)
	h.reply(ctx, conn, req, struct{}{})
}

func (h *rpcMethodHandler) handleMessageRead(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, sess *session.Session) {
	var params rpc.ReadParams
	if err := unmarshalParams(req, &params); err != nil || params.MessageID == "" {
		h.replyError(ctx, conn, req, jsonrpc2.CodeInvalidParams, "message_id is required")
		return
	}

	msg, err := h.relay.MarkRead(ctx, sess.Identity(), params.MessageID)
	if err != nil {
		switch {
		case errors.Is(err, message.ErrNotFound):
			h.replyError(ctx, conn, req, jsonrpc2.CodeInvalidParams, "message not found")
		case errors.Is(err, message.ErrNotReceiver):
			h.replyError(ctx, conn, req, jsonrpc2.CodeInvalidRequest, err.Error())
		default:
			h.state.getLog().Error("failed to mark message read", "messageId", params.MessageID, "error", err)
			h.replyError(ctx, conn, req, jsonrpc2.CodeInternalError, "failed to mark message read")
		}
		return
	}

	h.reply(ctx, conn, req, rpc.MessageReadParams{Message: msg})
}

func (h *rpcMethodHandler) handleMessageHistory(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, sess *session.Session) {
	var params rpc.HistoryParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	msgs, err := h.relay.History(ctx, sess.Identity(), params.With)
	if err != nil {
		if errors.Is(err, message.ErrInvalidReceiver) {
			h.replyError(ctx, conn, req, jsonrpc2.CodeInvalidParams, "with must name another user")
			return
		}
		h.state.getLog().Error("failed to load history", "with", params.With, "error", err)
		h.replyError(ctx, conn, req, jsonrpc2.CodeInternalError, "failed to load history")
		return
	}

	h.reply(ctx, conn, req, rpc.HistoryResult{Messages: msgs})
}

func (h *rpcMethodHandler) handleUsersList(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, sess *session.Session) {
	users := h.presence.Annotate(h.directory.ListOthers(sess.Identity()))
	h.reply(ctx, conn, req, rpc.UsersListResult{Users: users})
}
