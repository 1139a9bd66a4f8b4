package mcp

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/pockode/chatrelay/message"
	"github.com/pockode/chatrelay/rpc"
)

func (s *Server) handleOnlineUsers(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ids, err := s.backend.Online(ctx)
	if err != nil {
		return backendError(err, nil), nil
	}
	return jsonResult(map[string]any{"online": ids})
}

func (s *Server) handleListUsers(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	caller := s.caller(ctx)
	if caller == "" {
		return ValidationError("no caller identity", nil), nil
	}
	users, err := s.backend.Users(ctx, caller)
	if err != nil {
		return backendError(err, map[string]any{"caller": caller}), nil
	}
	return jsonResult(users)
}

func (s *Server) handleConversationHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	with, err := req.RequireString("with")
	if err != nil {
		return missingArgument("with"), nil
	}
	caller := s.caller(ctx)
	if caller == "" {
		return ValidationError("no caller identity", nil), nil
	}

	msgs, err := s.backend.History(ctx, caller, with)
	if errors.Is(err, message.ErrInvalidReceiver) {
		return ValidationError("with must name another user", map[string]any{"caller": caller, "with": with}), nil
	}
	if err != nil {
		return backendError(err, map[string]any{"caller": caller, "with": with}), nil
	}
	return jsonResult(msgs)
}

func (s *Server) handleSendMessage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	to, err := req.RequireString("to")
	if err != nil {
		return missingArgument("to"), nil
	}
	body, err := req.RequireString("body")
	if err != nil {
		return missingArgument("body"), nil
	}
	caller := s.caller(ctx)
	if caller == "" {
		return ValidationError("no caller identity", nil), nil
	}

	msg, err := s.backend.SendAs(ctx, caller, rpc.SendParams{Receiver: to, Body: body})
	if err != nil {
		return backendError(err, map[string]any{
			"sender":      caller,
			"receiver":    to,
			"body_length": len(body),
		}), nil
	}
	return jsonResult(msg)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, _ := json.MarshalIndent(v, "", "  ")
	return mcp.NewToolResultText(string(data)), nil
}
