package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/ppiankov/guardian/internal/config"
	"github.com/ppiankov/guardian/internal/ledger"
	"github.com/ppiankov/guardian/internal/storage/postgres"
	"github.com/ppiankov/guardian/internal/storage/sqlite"
	sdk "github.com/ppiankov/guardian/sdk/go/guardian"
)

// openStore opens the configured ledger store and applies migrations.
func openStore(ctx context.Context, cfg config.StoreConfig) (ledger.Store, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		s, err := postgres.Open(ctx, cfg.DSN, postgres.Options{
			MaxConns:  int32(cfg.MaxConns),
			OpTimeout: cfg.OpTimeout,
			Schema:    cfg.Schema,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return s, nil
	case config.DriverSQLite:
		s, err := sqlite.Open(ctx, cfg.DSN, sqlite.Options{
			MaxOpenConns: cfg.MaxConns,
			OpTimeout:    cfg.OpTimeout,
			BusyTimeout:  cfg.BusyTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

// storeFromEnv loads the store section and opens it. Configuration
// problems exit with EX_CONFIG.
func storeFromEnv(ctx context.Context) ledger.Store {
	cfg, err := config.LoadStore()
	if err != nil {
		exitConfig(err)
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		exitConfig(err)
	}
	return store
}

func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func newClient() (*sdk.Client, error) {
	c, err := sdk.New(serverURL, sdk.WithUserAgent("guardian-cli/"+version))
	if err != nil {
		return nil, fmt.Errorf("invalid --server: %w", err)
	}
	return c, nil
}

func printJSON(w io.Writer, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}
