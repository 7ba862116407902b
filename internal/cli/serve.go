package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ppiankov/guardian/internal/alert"
	"github.com/ppiankov/guardian/internal/audit"
	"github.com/ppiankov/guardian/internal/config"
	"github.com/ppiankov/guardian/internal/gateway"
	"github.com/ppiankov/guardian/internal/guardian"
	"github.com/ppiankov/guardian/internal/identity"
	"github.com/ppiankov/guardian/internal/ledger"
	"github.com/ppiankov/guardian/internal/mode"
	"github.com/ppiankov/guardian/internal/override"
	"github.com/ppiankov/guardian/internal/policy"
	"github.com/ppiankov/guardian/internal/server"
	"github.com/ppiankov/guardian/internal/telemetry"
)

var (
	serveAddr  string
	serveRules string
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides GUARDIAN_ADDR)")
	serveCmd.Flags().StringVar(&serveRules, "rules", "", "Path to rule table YAML (overrides GUARDIAN_RULES_PATH)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP decision server",
	Long: "Runs guardian as the central decision server over HTTP.\n" +
		"Configuration comes from GUARDIAN_* environment variables; missing secrets exit 78.\n" +
		"The rule table is reloaded when its file changes or on SIGHUP.",
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		exitConfig(err)
	}
	if serveAddr != "" {
		cfg.Addr = serveAddr
	}
	if serveRules != "" {
		cfg.Decisions.RulesPath = serveRules
	}
	log := newLogger(cfg.Level())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.OTLPEndpoint, version)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Warn("tracing shutdown failed", "error", err)
		}
	}()

	store, err := openStore(ctx, cfg.Ledger.Store)
	if err != nil {
		exitConfig(err)
	}
	defer store.Close()

	rules, err := policy.NewRules(cfg.Decisions.RulesPath)
	if err != nil {
		exitConfig(err)
	}
	dispatcher := alert.NewDispatcher(rules.Alerts, log)
	defer dispatcher.Wait()

	srv, err := buildServer(cfg, store, rules, dispatcher, log)
	if err != nil {
		exitConfig(err)
	}

	if rules.Path() != "" {
		reloader, err := policy.NewReloader(rules, log)
		if err != nil {
			log.Warn("hot-reload disabled", "error", err)
		} else {
			reloader.SetDebounce(cfg.Decisions.RulesDebounce)
			go func() { _ = reloader.Run(ctx) }()
		}
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				_, _, _ = srv.ReloadRules()
			}
		}
	}()

	table, gen := rules.Current()
	log.Info("guardian starting",
		"version", version,
		"store", cfg.Ledger.Store.Driver,
		"rule_version", table.Version,
		"rule_generation", gen,
		"rules_path", rules.Path(),
	)
	err = srv.Serve(ctx)
	log.Info("guardian stopped")
	return err
}

// buildServer wires every collaborator explicitly.
func buildServer(cfg config.Config, store ledger.Store, rules *policy.Rules, notifier alert.Notifier, log *slog.Logger) (*server.Server, error) {
	hasher, err := audit.NewHasher(cfg.Ledger.HashSecret)
	if err != nil {
		return nil, err
	}
	authority, err := identity.New(store, identity.Config{
		SigningKey: []byte(cfg.TokenSigningKey),
		TokenTTL:   cfg.TokenTTL,
		Skew:       cfg.OTPSkew,
		Issuer:     cfg.TokenIssuer,
		Throttle:   cfg.Throttle(),
	})
	if err != nil {
		return nil, err
	}
	svc, err := guardian.New(guardian.Config{
		Store:    store,
		Rules:    rules,
		Resolver: mode.NewResolver(cfg.Decisions.Thresholds()),
		Hasher:   hasher,
		Notifier: notifier,
	})
	if err != nil {
		return nil, err
	}
	engine, err := override.New(override.Config{
		Store:        store,
		Verifier:     authority,
		Hasher:       hasher,
		Notifier:     notifier,
		ResumeWindow: cfg.ResumeWindow,
	})
	if err != nil {
		return nil, err
	}
	proc, err := gateway.New(gateway.Config{
		Store:     store,
		Hasher:    hasher,
		Secret:    cfg.WebhookSecret,
		Notifier:  notifier,
		Tolerance: cfg.WebhookTolerance,
	})
	if err != nil {
		return nil, err
	}
	srv, err := server.New(server.Config{
		Addr:              cfg.Addr,
		Service:           svc,
		Authority:         authority,
		Overrides:         engine,
		Gateway:           proc,
		Store:             store,
		Log:               log,
		RequestTimeout:    cfg.RequestTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}
	return srv, nil
}
