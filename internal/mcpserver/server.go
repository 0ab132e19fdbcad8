// Package mcpserver exposes the bridge as MCP tools so AI coding agents
// can drive Unity editor instances over the Model Context Protocol.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/unity-mcp/bridge/internal/transport"
	"github.com/unity-mcp/bridge/internal/version"
)

// Server wraps the transport dispatcher and exposes it as MCP tools.
type Server struct {
	dispatcher *transport.Dispatcher
}

// NewServer creates the MCP server wrapper.
func NewServer(dispatcher *transport.Dispatcher) *Server {
	return &Server{dispatcher: dispatcher}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("unity-bridge", version.String(), server.WithToolCapabilities(true))

	srv.AddTool(s.listInstancesTool())
	srv.AddTool(s.executeCommandTool())
	srv.AddTool(s.setActiveInstanceTool())
	srv.AddTool(s.getActiveInstanceTool())
	srv.AddTool(s.pingTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// unity_list_instances
func (s *Server) listInstancesTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("unity_list_instances",
		mcp.WithDescription("List reachable Unity editor instances. Returns a JSON array with id, name, hash, port, status and unity_version."),
		mcp.WithBoolean("refresh", mcp.Description("Force a registry rescan instead of using the cached view")),
	)
	return tool, s.handleListInstances
}

func (s *Server) handleListInstances(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	refresh := request.GetBool("refresh", false)
	instances := s.dispatcher.Instances(refresh)

	data, err := json.Marshal(instances)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal instances: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// unity_execute_command
func (s *Server) executeCommandTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("unity_execute_command",
		mcp.WithDescription("Execute a command on a Unity editor instance. Responses with hint=retry and data.reason (reloading, tests_running, no_unity_session, busy) are transient; wait data.retry_after_ms and retry."),
		mcp.WithString("type", mcp.Required(), mcp.Description("Command type, e.g. get_editor_state, read_console, execute_menu_item")),
		mcp.WithString("instance", mcp.Description("Instance identifier: id, name, hash prefix, name@hash, port or project path. Defaults to the active instance.")),
		mcp.WithObject("params", mcp.Description("Command parameters passed through to the editor")),
		mcp.WithNumber("timeout", mcp.Description("Timeout in seconds for long-running commands")),
		mcp.WithString("client_id", mcp.Description("Stable caller identity scoping the active-instance selection")),
	)
	return tool, s.handleExecuteCommand
}

func (s *Server) handleExecuteCommand(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cmdType := request.GetString("type", "")
	if cmdType == "" {
		return mcp.NewToolResultError("type is required"), nil
	}
	instance := request.GetString("instance", "")
	clientID := request.GetString("client_id", "")
	timeout := time.Duration(request.GetFloat("timeout", 0)) * time.Second

	var params map[string]any
	if raw, ok := request.GetArguments()["params"].(map[string]any); ok {
		params = raw
	}

	result := s.dispatcher.Send(ctx, clientID, instance, cmdType, params, timeout)
	data, err := json.Marshal(result.Envelope())
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// unity_set_active_instance
func (s *Server) setActiveInstanceTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("unity_set_active_instance",
		mcp.WithDescription("Select which Unity instance subsequent commands target when no explicit instance is given."),
		mcp.WithString("instance", mcp.Required(), mcp.Description("Instance identifier: id, name, hash prefix, name@hash, port or project path")),
		mcp.WithString("client_id", mcp.Description("Stable caller identity scoping the selection")),
	)
	return tool, s.handleSetActiveInstance
}

func (s *Server) handleSetActiveInstance(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	instance := request.GetString("instance", "")
	clientID := request.GetString("client_id", "")

	inst, err := s.dispatcher.SetActive(clientID, instance)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(`{"active":%q}`, inst.ID)), nil
}

// unity_get_active_instance
func (s *Server) getActiveInstanceTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("unity_get_active_instance",
		mcp.WithDescription("Return the currently selected Unity instance for this caller, auto-selecting when exactly one instance is reachable."),
		mcp.WithString("client_id", mcp.Description("Stable caller identity scoping the selection")),
	)
	return tool, s.handleGetActiveInstance
}

func (s *Server) handleGetActiveInstance(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	clientID := request.GetString("client_id", "")
	return mcp.NewToolResultText(fmt.Sprintf(`{"active":%q}`, s.dispatcher.Active(clientID))), nil
}

// unity_ping
func (s *Server) pingTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("unity_ping",
		mcp.WithDescription("Check whether a Unity instance answers. A hint=retry response means it exists but is momentarily reloading."),
		mcp.WithString("instance", mcp.Description("Instance identifier; defaults to the active instance")),
	)
	return tool, s.handlePing
}

func (s *Server) handlePing(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	instance := request.GetString("instance", "")
	result := s.dispatcher.Send(ctx, "", instance, "ping", nil, 0)
	data, err := json.Marshal(result.Envelope())
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
