package cmd

import (
	"github.com/spf13/cobra"

	dmmcp "github.com/joescharf/dm/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

This lets an MCP client deploy and manage projects through dm.
Configure it with:

  {
    "mcpServers": {
      "dm": { "command": "dm", "args": ["mcp"] }
    }
  }

Available tools: dm_list_projects, dm_deploy_project, dm_refresh_project,
dm_delete_project, dm_refresh_all, dm_recent_logs`,
	RunE: func(cmd *cobra.Command, args []string) error {
		o, err := getOrchestrator()
		if err != nil {
			return err
		}
		log, err := getActionLog()
		if err != nil {
			return err
		}
		return dmmcp.NewServer(o, log, buildVersion).ServeStdio(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
