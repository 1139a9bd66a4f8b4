package mcp

import (
	"encoding/json"
	"errors"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/sourcegraph/jsonrpc2"

	"github.com/pockode/chatrelay/client"
	"github.com/pockode/chatrelay/message"
)

type ErrorCode string

const (
	// ErrValidation means the arguments were rejected; retrying unchanged fails again.
	ErrValidation ErrorCode = "validation"
	// ErrUnavailable means the relay connection is down; a later retry may succeed.
	ErrUnavailable ErrorCode = "unavailable"
	ErrInternal    ErrorCode = "internal"
)

// ToolError is returned as the text of an error result so agents can
// branch on Code. Details names the offending argument and the peer involved.
type ToolError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e ToolError) ToResult() *mcp.CallToolResult {
	data, _ := json.Marshal(e)
	return mcp.NewToolResultError(string(data))
}

func ValidationError(msg string, details map[string]any) *mcp.CallToolResult {
	return ToolError{
		Code:    ErrValidation,
		Message: msg,
		Details: details,
	}.ToResult()
}

func InternalError(err error) *mcp.CallToolResult {
	return ToolError{
		Code:    ErrInternal,
		Message: err.Error(),
	}.ToResult()
}

// missingArgument reports a required tool argument that was absent or empty.
func missingArgument(name string) *mcp.CallToolResult {
	return ValidationError(name+" is required", map[string]any{"argument": name})
}

// backendError classifies a Backend failure. A remote relay reports
// validation failures as CodeInvalidParams; a local one returns the message
// sentinels directly.
func backendError(err error, details map[string]any) *mcp.CallToolResult {
	var rpcErr *jsonrpc2.Error
	switch {
	case isValidation(err):
		return ValidationError(err.Error(), details)
	case errors.As(err, &rpcErr) && rpcErr.Code == jsonrpc2.CodeInvalidParams:
		return ValidationError(rpcErr.Message, details)
	case errors.Is(err, client.ErrNotConnected):
		return ToolError{
			Code:    ErrUnavailable,
			Message: err.Error(),
			Details: details,
		}.ToResult()
	default:
		return InternalError(err)
	}
}

func isValidation(err error) bool {
	return errors.Is(err, message.ErrInvalidReceiver) ||
		errors.Is(err, message.ErrEmptyBody) ||
		errors.Is(err, message.ErrBodyTooLong)
}
