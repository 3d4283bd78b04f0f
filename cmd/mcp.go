package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/joescharf/reposync/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

This lets an MCP client list projects, inspect their sync state, and push or
pull them. Configure it with:

  {
    "mcpServers": {
      "reposync": { "command": "reposync", "args": ["mcp"] }
    }
  }

Available tools: list_projects, sync_status, sync_push, sync_pull`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := getStore()
		if err != nil {
			return err
		}
		// stdout carries the protocol, so engine logs stay on stderr.
		orch := newOrchestrator(s, nil, newLogger())
		return mcp.NewServer(s, orch, buildVersion).ServeStdio(context.Background())
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
