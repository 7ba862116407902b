// Package server exposes the decision service, the credential authority,
// the override engine and the gateway processor over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ppiankov/guardian/internal/gateway"
	"github.com/ppiankov/guardian/internal/guardian"
	"github.com/ppiankov/guardian/internal/identity"
	"github.com/ppiankov/guardian/internal/ledger"
	"github.com/ppiankov/guardian/internal/override"
)

// Header names read by the API.
const (
	HeaderOTP       = "X-Guardian-OTP"
	HeaderSignature = "X-Guardian-Signature"
	HeaderTimestamp = "X-Guardian-Timestamp"
	HeaderRequestID = "X-Request-ID"
)

// Config holds the server's collaborators. All are required except Log.
type Config struct {
	Addr              string
	Service           *guardian.Service
	Authority         *identity.Authority
	Overrides         *override.Engine
	Gateway           *gateway.Processor
	Store             ledger.Store
	Log               *slog.Logger
	RequestTimeout    time.Duration
	ReadHeaderTimeout time.Duration
}

// Server is the HTTP API.
type Server struct {
	svc       *guardian.Service
	authority *identity.Authority
	overrides *override.Engine
	gateway   *gateway.Processor
	store     ledger.Store
	log       *slog.Logger

	router chi.Router
	http   *http.Server
}

// New wires the router.
func New(cfg Config) (*Server, error) {
	if cfg.Service == nil || cfg.Authority == nil || cfg.Overrides == nil || cfg.Gateway == nil || cfg.Store == nil {
		return nil, errors.New("server: service, authority, overrides, gateway and store are required")
	}
	if cfg.Log == nil {
		cfg.Log = slog.New(slog.DiscardHandler)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 5 * time.Second
	}
	s := &Server{
		svc:       cfg.Service,
		authority: cfg.Authority,
		overrides: cfg.Overrides,
		gateway:   cfg.Gateway,
		store:     cfg.Store,
		log:       cfg.Log,
	}
	s.router = s.routes(cfg.RequestTimeout)
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	return s, nil
}

func (s *Server) routes(timeout time.Duration) chi.Router {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(timeout))

	r.Get("/healthz", s.handleHealth)

	r.Route("/v1", func(api chi.Router) {
		api.Post("/evaluate", s.handleEvaluate)
		api.Post("/mode", s.handleMode)
		api.Post("/decisions", s.handleDecide)

		api.Post("/auth/login", s.handleLogin)

		api.Post("/overrides", s.handleOverride)
		api.Get("/overrides/status", s.handleStatus)

		api.Get("/ledger/latest", s.handleLatest)
		api.Get("/ledger/{id}", s.handleEntry)

		api.Post("/webhooks/payments", s.handlePaymentWebhook)

		api.With(s.requireArchitect).Post("/admin/reload", s.handleReload)
	})
	return r
}

// Handler returns the root handler. For tests.
func (s *Server) Handler() http.Handler { return s.router }

// Serve listens on the configured address until ctx is cancelled, then
// drains in-flight requests.
func (s *Server) Serve(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.http.Addr, err)
	}
	return s.ServeOn(ctx, lis)
}

// ServeOn serves on lis until ctx is cancelled.
func (s *Server) ServeOn(ctx context.Context, lis net.Listener) error {
	errc := make(chan error, 1)
	go func() { errc <- s.http.Serve(lis) }()
	s.log.Info("http server listening", "addr", lis.Addr().String())

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// ReloadRules re-reads the rule file and returns the active version and
// generation.
func (s *Server) ReloadRules() (string, uint64, error) {
	rules := s.svc.Rules()
	gen, err := rules.Reload()
	table, _ := rules.Current()
	if err != nil {
		s.log.Error("rule reload failed, keeping active table", "version", table.Version, "error", err)
		return table.Version, gen, err
	}
	s.log.Info("rules reloaded", "version", table.Version, "generation", gen)
	return table.Version, gen, nil
}
