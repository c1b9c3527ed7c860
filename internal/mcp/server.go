package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joescharf/dm/internal/actionlog"
	"github.com/joescharf/dm/internal/deploy"
)

// Server exposes the orchestrator as MCP tools.
type Server struct {
	deploy  *deploy.Orchestrator
	log     *actionlog.Log
	version string
}

// NewServer creates the MCP server wrapper. log may be nil.
func NewServer(o *deploy.Orchestrator, log *actionlog.Log, version string) *Server {
	if version == "" {
		version = "dev"
	}
	return &Server{deploy: o, log: log, version: version}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("dm", s.version, server.WithToolCapabilities(true))

	srv.AddTool(s.listProjectsTool())
	srv.AddTool(s.deployProjectTool())
	srv.AddTool(s.refreshProjectTool())
	srv.AddTool(s.deleteProjectTool())
	srv.AddTool(s.refreshAllTool())
	srv.AddTool(s.recentLogsTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	stdioServer := server.NewStdioServer(s.MCPServer())
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

func toolContext(ctx context.Context) context.Context {
	return deploy.WithTrigger(ctx, deploy.TriggerMCP)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// errorResult reports err with its kind so agents can tell a bad request
// from a remote failure.
func errorResult(action string, err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s failed (%s): %v", action, deploy.KindOf(err), err))
}

// dm_list_projects
func (s *Server) listProjectsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("dm_list_projects",
		mcp.WithDescription("List deployed projects with source URL, branch, workspace path, timestamps and counters."),
		mcp.WithBoolean("metrics", mcp.Description("Walk each workspace and include file count and size")),
	)
	return tool, s.handleListProjects
}

func (s *Server) handleListProjects(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.deploy.List(request.GetBool("metrics", false)))
}

// dm_deploy_project
func (s *Server) deployProjectTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("dm_deploy_project",
		mcp.WithDescription("Create a project: fetch a branch snapshot into a new workspace and install its dependencies."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Project name (letters, digits, '.', '_', '-')")),
		mcp.WithString("source_url", mcp.Required(), mcp.Description("Repository URL on a supported code host")),
		mcp.WithString("branch", mcp.Description("Branch to deploy (default: main)")),
	)
	return tool, s.handleDeployProject
}

func (s *Server) handleDeployProject(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := request.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: name"), nil
	}
	sourceURL, err := request.RequireString("source_url")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: source_url"), nil
	}
	out, err := s.deploy.Create(toolContext(ctx), name, sourceURL, request.GetString("branch", ""))
	if err != nil {
		return errorResult("deploy", err), nil
	}
	return jsonResult(out)
}

// dm_refresh_project
func (s *Server) refreshProjectTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("dm_refresh_project",
		mcp.WithDescription("Re-fetch a project's branch into its workspace and reinstall dependencies."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Project name")),
	)
	return tool, s.handleRefreshProject
}

func (s *Server) handleRefreshProject(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := request.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: name"), nil
	}
	out, err := s.deploy.Refresh(toolContext(ctx), name)
	if err != nil {
		return errorResult("refresh", err), nil
	}
	return jsonResult(out)
}

// dm_delete_project
func (s *Server) deleteProjectTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("dm_delete_project",
		mcp.WithDescription("Delete a project's workspace and its record."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Project name")),
	)
	return tool, s.handleDeleteProject
}

func (s *Server) handleDeleteProject(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := request.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: name"), nil
	}
	p, err := s.deploy.Delete(toolContext(ctx), name)
	if err != nil {
		return errorResult("delete", err), nil
	}
	return jsonResult(p)
}

// dm_refresh_all
func (s *Server) refreshAllTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("dm_refresh_all",
		mcp.WithDescription("Refresh every project. Returns per-project results; one failure does not stop the rest."),
	)
	return tool, s.handleRefreshAll
}

func (s *Server) handleRefreshAll(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.deploy.RefreshAll(toolContext(ctx)))
}

// dm_recent_logs
func (s *Server) recentLogsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("dm_recent_logs",
		mcp.WithDescription("Return the most recent lines of the deployment action log."),
		mcp.WithNumber("lines", mcp.Description("Number of lines (default 20)")),
	)
	return tool, s.handleRecentLogs
}

func (s *Server) handleRecentLogs(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.log == nil {
		return mcp.NewToolResultError("action log is not configured"), nil
	}
	lines, err := s.log.Tail(request.GetInt("lines", actionlog.DefaultTailLines))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to read action log: %v", err)), nil
	}
	return jsonResult(lines)
}
