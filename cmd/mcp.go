package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/arbiter-ai/arbiter/internal/mcp"
	"github.com/arbiter-ai/arbiter/internal/registry"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server for agent integration",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

This lets agents drive the recovery protocol natively from their tool
loop. Configure with:

  {
    "mcpServers": {
      "arbiter": { "command": "arbiter", "args": ["mcp"] }
    }
  }

Available tools: arbiter_request_review, arbiter_submit_thesis,
arbiter_submit_antithesis, arbiter_submit_synthesis, arbiter_content_hash,
arbiter_sign_resolution, arbiter_finalize_session, arbiter_get_session,
arbiter_agent_status, arbiter_draft_antithesis`,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, s, err := newService(slog.Default())
		if err != nil {
			return err
		}

		srv := mcp.NewServer(s, registry.New(s), svc, newLLMClient())
		return srv.ServeStdio(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
