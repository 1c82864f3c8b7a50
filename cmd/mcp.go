package cmd

import (
	"context"
	"io"

	"github.com/spf13/cobra"

	"github.com/joescharf/advisor/internal/logging"
	"github.com/joescharf/advisor/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

This lets MCP clients hold advisor conversations. Configure with:

  {
    "mcpServers": {
      "advisor": { "command": "advisor", "args": ["mcp"] }
    }
  }

Available tools: advisor_chat, advisor_get_session, advisor_list_sessions,
advisor_delete_session`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		// stdout carries the protocol, so logs go to stderr only when verbose.
		logger, err := logging.New(io.Discard, "error", "text")
		if verbose {
			logger, err = newLogger()
		}
		if err != nil {
			return err
		}

		d, s, err := newDispatcher(ctx, logger, nil)
		if err != nil {
			return err
		}
		defer closeStore()

		return mcp.NewServer(s, d, buildVersion).ServeStdio(ctx)
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
