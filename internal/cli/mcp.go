package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ppiankov/guardian/internal/audit"
	"github.com/ppiankov/guardian/internal/config"
	"github.com/ppiankov/guardian/internal/guardian"
	guardianmcp "github.com/ppiankov/guardian/internal/mcp"
	"github.com/ppiankov/guardian/internal/mode"
	"github.com/ppiankov/guardian/internal/policy"
)

func init() {
	rootCmd.AddCommand(mcpCmd)
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP tool server for agent integration",
	Long: "Runs guardian as an MCP (Model Context Protocol) server over stdio.\n" +
		"Exposes guardian_evaluate, guardian_decide and guardian_status.\n" +
		"Needs GUARDIAN_HASH_SECRET and the GUARDIAN_STORE_* variables.",
	RunE: runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	ledgerCfg, err := config.LoadLedger()
	if err != nil {
		exitConfig(err)
	}
	decisions, err := config.LoadDecisions()
	if err != nil {
		exitConfig(err)
	}
	log := newLogger(slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, ledgerCfg.Store)
	if err != nil {
		exitConfig(err)
	}
	defer store.Close()

	hasher, err := audit.NewHasher(ledgerCfg.HashSecret)
	if err != nil {
		exitConfig(err)
	}
	rules, err := policy.NewRules(decisions.RulesPath)
	if err != nil {
		exitConfig(err)
	}
	svc, err := guardian.New(guardian.Config{
		Store:    store,
		Rules:    rules,
		Resolver: mode.NewResolver(decisions.Thresholds()),
		Hasher:   hasher,
	})
	if err != nil {
		return fmt.Errorf("failed to create decision service: %w", err)
	}

	srv, err := guardianmcp.New(guardianmcp.Config{Service: svc, Log: log})
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}
	return srv.Run(ctx)
}
