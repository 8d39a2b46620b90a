// Package mcp provides an MCP (Model Context Protocol) server that exposes
// an engine's control service as tools.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/embeddedpenguins/spikefabric/internal/control"
	"github.com/embeddedpenguins/spikefabric/internal/ratelimit"
	"github.com/embeddedpenguins/spikefabric/internal/wire"
)

// DefaultQueryTimeout bounds one control round trip.
const DefaultQueryTimeout = 30 * time.Second

// QueryFunc sends one control query. control.Query is the default.
type QueryFunc func(ctx context.Context, addr, query string, values any) (*wire.ControlResponse, error)

// Server wraps the MCP SDK server.
type Server struct {
	server       *sdk.Server
	controlAddr  string
	query        QueryFunc
	timeout      time.Duration
	toolLimiters ratelimit.ToolLimiters
	audit        *AuditLogger
}

// Config holds server configuration.
type Config struct {
	Name        string // Server name (e.g., "spikefabric")
	Version     string // Server version
	ControlAddr string // Engine control service address

	// AuditDir receives audit.jsonl; empty disables auditing.
	AuditDir string

	// Timeout bounds each control query; zero means DefaultQueryTimeout.
	Timeout time.Duration

	// Query overrides how control queries are sent.
	Query QueryFunc
}

// NewServer creates a new MCP server with the engine tools registered.
func NewServer(cfg *Config) (*Server, error) {
	if cfg.ControlAddr == "" {
		return nil, errors.New("control address is required")
	}

	mcpServer := sdk.NewServer(&sdk.Implementation{
		Name:    cfg.Name,
		Version: cfg.Version,
	}, &sdk.ServerOptions{})

	s := &Server{
		server:       mcpServer,
		controlAddr:  cfg.ControlAddr,
		query:        cfg.Query,
		timeout:      cfg.Timeout,
		toolLimiters: ratelimit.NewToolLimiters(),
		audit:        NewAuditLogger(cfg.AuditDir),
	}
	if s.query == nil {
		s.query = control.Query
	}
	if s.timeout <= 0 {
		s.timeout = DefaultQueryTimeout
	}

	s.registerTools()
	return s, nil
}

// Run starts the MCP server over stdio transport.
// This blocks until the client disconnects or the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	notifySignals(sigChan)

	go func() {
		select {
		case <-sigChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	err := s.server.Run(ctx, &sdk.StdioTransport{})
	s.audit.Close()
	return err
}

// Close releases the audit log.
func (s *Server) Close() error {
	return s.audit.Close()
}

// call sends query to the engine and turns fail responses into errors.
func (s *Server) call(ctx context.Context, query string, values any) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.query(ctx, s.controlAddr, query, values)
	if err != nil {
		return nil, err
	}
	if resp.Response["result"] != wire.ResultOK {
		detail, _ := resp.Response["errordetail"].(string)
		if detail == "" {
			return nil, fmt.Errorf("%s failed: %v", query, resp.Response["error"])
		}
		return nil, fmt.Errorf("%s failed: %v: %s", query, resp.Response["error"], detail)
	}
	status, _ := resp.Response["status"].(map[string]any)
	if status == nil {
		status = map[string]any{}
	}
	return status, nil
}
