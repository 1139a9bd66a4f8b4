// Package mcp exposes the relay to AI agents as MCP tools. Tools run either
// in-process against the relay or remotely through a connected client.
package mcp

import (
	"context"
	"net/http"

	"github.com/mark3labs/mcp-go/server"

	"github.com/pockode/chatrelay/message"
	"github.com/pockode/chatrelay/middleware"
	"github.com/pockode/chatrelay/rpc"
)

const (
	serverName    = "chatrelay"
	serverVersion = "1.0.0"
)

// Backend is what the tools need from the relay. identity is the caller on
// whose behalf the tool runs.
type Backend interface {
	Online(ctx context.Context) ([]string, error)
	Users(ctx context.Context, identity string) ([]rpc.UserEntry, error)
	History(ctx context.Context, identity, with string) ([]message.Message, error)
	SendAs(ctx context.Context, identity string, req rpc.SendParams) (message.Message, error)
}

type Server struct {
	backend  Backend
	identity string // used when the request context carries none
	mcp      *server.MCPServer
}

func NewServer(backend Backend, identity string) *Server {
	s := &Server{
		backend:  backend,
		identity: identity,
		mcp: server.NewMCPServer(serverName, serverVersion,
			server.WithToolCapabilities(false),
			server.WithRecovery(),
		),
	}
	s.registerTools()
	return s
}

// ServeStdio blocks serving MCP over stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// HTTPHandler serves streamable HTTP. It expects middleware.Auth in front of
// it to place the caller's identity in the request context.
func (s *Server) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcp,
		server.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			if id := middleware.Identity(r.Context()); id != "" {
				return withCaller(ctx, id)
			}
			return ctx
		}),
	)
}

type callerKey struct{}

func withCaller(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, callerKey{}, identity)
}

func (s *Server) caller(ctx context.Context) string {
	if id, ok := ctx.Value(callerKey{}).(string); ok && id != "" {
		return id
	}
	return s.identity
}
