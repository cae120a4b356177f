package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/nickcecere/revsearch/internal/config"
	"github.com/nickcecere/revsearch/internal/mcp"
)

// mcpCmd represents the MCP server command.
var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP server for AI agent integration",
	Long: `Start a Model Context Protocol (MCP) server over stdin/stdout.

The server speaks JSON-RPC 2.0 and provides tools for:
  - review_search: Semantic review search
  - review_add: Store a review
  - review_health: Index statistics
  - review_reconcile: Compare or repair the index against the log

This command is typically launched by an agent, not run directly.`,
	Args: cobra.NoArgs,
	RunE: runMcpCmd,
}

func runMcpCmd(cmd *cobra.Command, args []string) error {
	// stdout carries the protocol
	log.SetOutput(os.Stderr)

	cfg := config.Get()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cfg, reconcileMode(cfg))
	if err != nil {
		return err
	}
	defer a.Close()

	server := mcp.NewServer(a.svc, version, os.Stdin, os.Stdout)
	return server.Run(ctx)
}
