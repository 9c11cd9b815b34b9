package mcp

import (
	"context"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/guidesmith/internal/logging"
	"github.com/fyrsmithlabs/guidesmith/internal/tools"
)

// Server exposes a tools.Surface as MCP tools.
type Server struct {
	mcp          *mcp.Server
	surface      *tools.Surface
	metrics      *Metrics
	toolRegistry *ToolRegistry
	logger       *logging.Logger
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "guidesmith-tools")
	Name string

	// Version is the server version (default: "1.0.0")
	Version string

	Logger *logging.Logger

	// Meter records tool metrics. Defaults to the global meter provider.
	Meter metric.Meter
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "guidesmith-tools",
		Version: "1.0.0",
		Logger:  logging.NewNop(),
	}
}

// NewServer creates a server for surface.
func NewServer(cfg *Config, surface *tools.Surface) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if surface == nil {
		return nil, errors.New("tool surface is required")
	}
	if cfg.Name == "" {
		cfg.Name = "guidesmith-tools"
	}
	if cfg.Version == "" {
		cfg.Version = "1.0.0"
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	if cfg.Meter == nil {
		cfg.Meter = otel.Meter(instrumentationName)
	}

	s := &Server{
		mcp:          mcp.NewServer(&mcp.Implementation{Name: cfg.Name, Version: cfg.Version}, nil),
		surface:      surface,
		metrics:      newMetrics(cfg.Meter, cfg.Logger),
		toolRegistry: NewToolRegistry(),
		logger:       cfg.Logger,
	}
	s.registerTools()
	return s, nil
}

// Tools returns the metadata of every registered tool, sorted by name.
func (s *Server) Tools() []*ToolMetadata {
	return s.toolRegistry.List()
}

// Connect serves the tools over transport until the session ends.
func (s *Server) Connect(ctx context.Context, transport mcp.Transport) (*mcp.ServerSession, error) {
	return s.mcp.Connect(ctx, transport, nil)
}

// Run serves the tools on the stdio transport.
func (s *Server) Run(ctx context.Context) error {
	key := s.surface.Key()
	s.logger.Info(ctx, "starting MCP server on stdio transport",
		zap.String("provider", key.Provider), zap.String("model", key.Model))
	if err := s.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}
