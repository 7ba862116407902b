// Package mcp exposes the decision service to agents as MCP tools.
package mcp

import (
	"context"
	"errors"
	"log/slog"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/guardian/internal/guardian"
)

// Version is reported in the MCP implementation info.
const Version = "0.1.0"

// Config holds MCP server configuration.
type Config struct {
	Service *guardian.Service
	Log     *slog.Logger
}

// Server wraps the MCP SDK server around the decision service.
type Server struct {
	mcpServer *mcpsdk.Server
	svc       *guardian.Service
	log       *slog.Logger
}

// New creates an MCP server with its tools registered.
func New(cfg Config) (*Server, error) {
	if cfg.Service == nil {
		return nil, errors.New("mcp: service is required")
	}
	if cfg.Log == nil {
		cfg.Log = slog.New(slog.DiscardHandler)
	}
	s := &Server{svc: cfg.Service, log: cfg.Log}
	s.mcpServer = mcpsdk.NewServer(
		&mcpsdk.Implementation{
			Name:    "guardian",
			Version: Version,
		},
		nil,
	)
	s.registerTools()
	return s, nil
}

// Run serves on stdio until ctx is cancelled or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	return s.RunTransport(ctx, &mcpsdk.StdioTransport{})
}

// RunTransport serves a single session on t.
func (s *Server) RunTransport(ctx context.Context, t mcpsdk.Transport) error {
	s.log.Info("mcp server starting")
	return s.mcpServer.Run(ctx, t)
}

func (s *Server) registerTools() {
	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "guardian_evaluate",
		Description: "Classify a decision context into GREEN, YELLOW, RED or BLACK without recording anything.",
	}, s.handleEvaluate)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "guardian_decide",
		Description: "Classify a decision context, resolve the operating mode from trust history and record the decision in the audit ledger.",
	}, s.handleDecide)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "guardian_status",
		Description: "Report ledger entry counts per risk state, the number of human overrides and the active rule version.",
	}, s.handleStatus)
}
