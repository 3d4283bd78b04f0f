package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joescharf/reposync/internal/gitsync"
	"github.com/joescharf/reposync/internal/models"
	"github.com/joescharf/reposync/internal/store"
)

// Syncer runs sync operations. *gitsync.Orchestrator implements it.
type Syncer interface {
	Status(ctx context.Context, projectID string) (*models.SyncState, error)
	Push(ctx context.Context, projectID string) (*gitsync.PushResult, error)
	Pull(ctx context.Context, projectID string) (*gitsync.PullResult, error)
}

// Server exposes project sync as MCP tools.
type Server struct {
	store   store.Store
	sync    Syncer
	version string
}

// NewServer creates the MCP server wrapper with all required dependencies.
func NewServer(s store.Store, syncer Syncer, version string) *Server {
	if version == "" {
		version = "dev"
	}
	return &Server{store: s, sync: syncer, version: version}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("reposync", s.version, server.WithToolCapabilities(true))

	srv.AddTool(s.listProjectsTool())
	srv.AddTool(s.syncStatusTool())
	srv.AddTool(s.syncPushTool())
	srv.AddTool(s.syncPullTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

// list_projects
func (s *Server) listProjectsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("list_projects",
		mcp.WithDescription("List all projects. Returns a JSON array with id, name, layout version and repository root."),
	)
	return tool, s.handleListProjects
}

func (s *Server) handleListProjects(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projects, err := s.store.ListProjects(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list projects: %v", err)), nil
	}

	type projectOut struct {
		ID            string `json:"id"`
		Name          string `json:"name"`
		LayoutVersion int    `json:"layout_version"`
		RepoRoot      string `json:"repo_root"`
	}
	out := make([]projectOut, len(projects))
	for i, p := range projects {
		out[i] = projectOut{ID: p.ID, Name: p.Name, LayoutVersion: int(p.LayoutVersion), RepoRoot: p.RepoRoot}
	}
	return jsonResult(out)
}

// sync_status
func (s *Server) syncStatusTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("sync_status",
		mcp.WithDescription("Show which repository and branch a project is linked to and the last synced commit. Resolves project by name or id."),
		mcp.WithString("project", mcp.Required(), mcp.Description("Project name or id")),
	)
	return tool, s.handleSyncStatus
}

func (s *Server) handleSyncStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	p, errResult := s.projectArg(ctx, request)
	if errResult != nil {
		return errResult, nil
	}

	st, err := s.sync.Status(ctx, p.ID)
	if errors.Is(err, gitsync.ErrNotLinked) {
		return jsonResult(map[string]any{"project": p.Name, "linked": false})
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to get sync status: %v", err)), nil
	}

	result := map[string]any{
		"project":            p.Name,
		"linked":             true,
		"repo":               st.Repo,
		"branch":             st.Branch,
		"last_synced_commit": st.LastSyncedCommit,
		"auto_pull":          st.AutoPull,
		"auto_build":         st.AutoBuild,
	}
	if st.LastSyncAt != nil {
		result["last_sync_at"] = st.LastSyncAt.Format(time.RFC3339)
	}
	if st.PendingCommit != "" {
		result["pending_commit"] = st.PendingCommit
	}
	return jsonResult(result)
}

// sync_push
func (s *Server) syncPushTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("sync_push",
		mcp.WithDescription("Commit the project's local files to its linked GitHub branch. Creates no commit when nothing changed."),
		mcp.WithString("project", mcp.Required(), mcp.Description("Project name or id")),
	)
	return tool, s.handleSyncPush
}

func (s *Server) handleSyncPush(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	p, errResult := s.projectArg(ctx, request)
	if errResult != nil {
		return errResult, nil
	}
	res, err := s.sync.Push(ctx, p.ID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("push failed: %v", err)), nil
	}
	return jsonResult(map[string]any{
		"project": p.Name,
		"changed": res.Changed,
		"commit":  res.Commit,
		"changes": res.Changes,
	})
}

// sync_pull
func (s *Server) syncPullTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("sync_pull",
		mcp.WithDescription("Replace the project's local files with the head of its linked GitHub branch."),
		mcp.WithString("project", mcp.Required(), mcp.Description("Project name or id")),
	)
	return tool, s.handleSyncPull
}

func (s *Server) handleSyncPull(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	p, errResult := s.projectArg(ctx, request)
	if errResult != nil {
		return errResult, nil
	}
	res, err := s.sync.Pull(ctx, p.ID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("pull failed: %v", err)), nil
	}
	return jsonResult(map[string]any{
		"project":   p.Name,
		"skipped":   res.Skipped,
		"commit":    res.Commit,
		"sources":   res.Sources,
		"resources": res.Resources,
	})
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (s *Server) projectArg(ctx context.Context, request mcp.CallToolRequest) (*models.Project, *mcp.CallToolResult) {
	name, err := request.RequireString("project")
	if err != nil {
		return nil, mcp.NewToolResultError("missing required parameter: project")
	}
	p, err := s.resolveProject(ctx, name)
	if err != nil {
		return nil, mcp.NewToolResultError(err.Error())
	}
	return p, nil
}

// resolveProject tries to find a project by name first, then by ID.
func (s *Server) resolveProject(ctx context.Context, name string) (*models.Project, error) {
	if p, err := s.store.GetProjectByName(ctx, name); err == nil {
		return p, nil
	}
	if p, err := s.store.GetProject(ctx, name); err == nil {
		return p, nil
	}
	return nil, fmt.Errorf("project not found: %s", name)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
