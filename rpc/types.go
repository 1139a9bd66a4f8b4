// Package rpc defines JSON-RPC 2.0 wire format types for WebSocket communication.
// These types represent the params and result structures for all RPC methods.
package rpc

import (
	"github.com/pockode/chatrelay/message"
)

// Client → Server methods.
const (
	MethodAnnounce       = "presence.announce"
	MethodMessageSend    = "message.send"
	MethodMessageRead    = "message.read"
	MethodMessageHistory = "message.history"
	MethodTypingStart    = "typing.start"
	MethodTypingStop     = "typing.stop"
	MethodUsersList      = "users.list"
)

// Server → Client notifications. typing.start/typing.stop and message.read
// share their names with the client requests that trigger them.
const (
	MethodPresenceSnapshot = "presence.snapshot"
	MethodPresenceChanged  = "presence.changed"
	MethodMessageNew       = "message.new"
	MethodMessageError     = "message.error"
	MethodSessionReplaced  = "session.replaced"
)

// Client → Server

type AnnounceParams struct {
	Token string `json:"token"`
}

type AnnounceResult struct {
	Identity  string `json:"identity"`
	SessionID string `json:"session_id"`
}

type SendParams struct {
	Receiver    string `json:"receiver"`
	Body        string `json:"body"`
	ClientToken string `json:"client_token,omitempty"` // correlation token echoed to the sender
}

type TypingParams struct {
	Receiver string `json:"receiver"`
}

type ReadParams struct {
	MessageID string `json:"message_id"`
}

type HistoryParams struct {
	With string `json:"with"`
}

type HistoryResult struct {
	Messages []message.Message `json:"messages"`
}

type UserEntry struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Online      bool   `json:"online"`
}

type UsersListResult struct {
	Users []UserEntry `json:"users"`
}

// Server → Client

type PresenceSnapshotParams struct {
	Identities []string `json:"identities"`
}

type PresenceChangedParams struct {
	Identity string `json:"identity"`
	Online   bool   `json:"online"`
}

// MessageNewParams carries an authoritative message. ClientToken is only set
// on the copy acknowledged to the sender.
type MessageNewParams struct {
	Message     message.Message `json:"message"`
	ClientToken string          `json:"client_token,omitempty"`
}

type ErrorCode string

const (
	ErrorCodeValidation  ErrorCode = "validation"
	ErrorCodePersistence ErrorCode = "persistence"
)

// SendErrorParams reports a failed send to its sender only. It never carries
// a message ID because nothing was persisted.
type SendErrorParams struct {
	ClientToken string    `json:"client_token,omitempty"`
	Receiver    string    `json:"receiver"`
	Body        string    `json:"body"`
	Code        ErrorCode `json:"code"`
	Reason      string    `json:"reason"`
}

type TypingNotifyParams struct {
	Sender string `json:"sender"`
}

type MessageReadParams struct {
	Message message.Message `json:"message"`
}

type SessionReplacedParams struct {
	Identity string `json:"identity"`
}
