package mcp

import "github.com/mark3labs/mcp-go/mcp"

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool("online_users",
		mcp.WithDescription("List the identities currently connected to the relay."),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.handleOnlineUsers)

	s.mcp.AddTool(mcp.NewTool("list_users",
		mcp.WithDescription("List every other registered user with display name and online flag."),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.handleListUsers)

	s.mcp.AddTool(mcp.NewTool("conversation_history",
		mcp.WithDescription("Return the direct conversation with another user, oldest message first."),
		mcp.WithString("with", mcp.Required(), mcp.Description("User ID of the other participant")),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.handleConversationHistory)

	s.mcp.AddTool(mcp.NewTool("send_message",
		mcp.WithDescription("Send a direct message. The receiver gets it immediately if online; otherwise it waits in history."),
		mcp.WithString("to", mcp.Required(), mcp.Description("Receiver user ID")),
		mcp.WithString("body", mcp.Required(), mcp.Description("Message text")),
	), s.handleSendMessage)
}
