package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joescharf/advisor/internal/dispatch"
	"github.com/joescharf/advisor/internal/protocol"
	"github.com/joescharf/advisor/internal/store"
)

// Server exposes the advisor conversation as MCP tools.
type Server struct {
	store      store.Store
	dispatcher *dispatch.Dispatcher
	version    string
}

// NewServer creates the MCP server wrapper.
func NewServer(s store.Store, d *dispatch.Dispatcher, version string) *Server {
	if version == "" {
		version = "dev"
	}
	return &Server{store: s, dispatcher: d, version: version}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("advisor", s.version, server.WithToolCapabilities(true))

	srv.AddTool(s.chatTool())
	srv.AddTool(s.getSessionTool())
	srv.AddTool(s.listSessionsTool())
	srv.AddTool(s.deleteSessionTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	stdioServer := server.NewStdioServer(s.MCPServer())
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// advisor_chat
func (s *Server) chatTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("advisor_chat",
		mcp.WithDescription("Send one message to the livestock advisor. Returns either a clarifying question (status requires_input, with ui.question and ui.options) or final advice (status complete). Answer a question by calling again with the same session_id."),
		mcp.WithString("user_input", mcp.Required(), mcp.Description("The user's message or answer")),
		mcp.WithString("session_id", mcp.Description("Conversation id; omit to start a new conversation")),
	)
	return tool, s.handleChat
}

func (s *Server) handleChat(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input := request.GetString("user_input", "")
	sessionID := request.GetString("session_id", "")

	out, err := s.dispatcher.Turn(ctx, sessionID, input)
	if err != nil {
		data, _ := json.Marshal(protocol.FromError(err))
		return mcp.NewToolResultError(string(data)), nil
	}
	return jsonResult(protocol.FromOutcome(out))
}

// advisor_get_session
func (s *Server) getSessionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("advisor_get_session",
		mcp.WithDescription("Get the full transcript, state, and any pending clarification for a conversation."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Conversation id")),
	)
	return tool, s.handleGetSession
}

func (s *Server) handleGetSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	sess, err := s.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("session not found: %s", id)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to get session: %v", err)), nil
	}
	return jsonResult(protocol.FromSession(sess))
}

// advisor_list_sessions
func (s *Server) listSessionsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("advisor_list_sessions",
		mcp.WithDescription("List recent conversations, most recently updated first."),
		mcp.WithNumber("limit", mcp.Description("Maximum sessions to return (default 20)")),
	)
	return tool, s.handleListSessions
}

func (s *Server) handleListSessions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := request.GetInt("limit", 0)
	summaries, err := s.store.List(ctx, store.ListOptions{Limit: limit})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list sessions: %v", err)), nil
	}
	return jsonResult(summaries)
}

// advisor_delete_session
func (s *Server) deleteSessionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("advisor_delete_session",
		mcp.WithDescription("Delete a conversation and its transcript."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Conversation id")),
	)
	return tool, s.handleDeleteSession
}

func (s *Server) handleDeleteSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	err = s.store.Delete(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("session not found: %s", id)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to delete session: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Deleted session %s", id)), nil
}
