// Package mcp exposes the cluster consistency engine over the Model Context
// Protocol, so analyzer and reporting collaborators (agents, editors) can
// drive it as tools. Supports stdio transport.
package mcp

import (
	"context"
	"sync"

	"github.com/mark3labs/mcp-go/server"

	"github.com/docpulse/docpulse/internal/lifecycle"
	"github.com/docpulse/docpulse/internal/observe"
	"github.com/docpulse/docpulse/internal/propagate"
	"github.com/docpulse/docpulse/internal/store"
)

// ServerConfig wires the engine pieces into the MCP server. Snapshots is
// optional; when set, every mutating tool persists the arena after it
// commits.
type ServerConfig struct {
	Manager    *lifecycle.Manager
	Scorer     *observe.Scorer
	Propagator *propagate.Engine
	Snapshots  *store.SQLiteStore
	Version    string
}

// engineMu serializes tool handlers. The mcp-go library dispatches handlers
// on separate goroutines; the engine lock protects the arena, but snapshot
// persistence after a mutation must not interleave with another mutation.
var engineMu sync.Mutex

// NewServer creates a configured MCP server with every engine tool.
func NewServer(cfg ServerConfig) *server.MCPServer {
	ver := cfg.Version
	if ver == "" {
		ver = "dev"
	}
	if cfg.Scorer == nil {
		cfg.Scorer = observe.NewScorer(cfg.Manager)
	}
	if cfg.Propagator == nil {
		cfg.Propagator = propagate.NewEngine(cfg.Manager)
	}

	s := server.NewMCPServer(
		"DocPulse",
		ver,
		server.WithToolCapabilities(false),
	)

	registerClusterCreateTool(s, cfg)
	registerClusterListTool(s, cfg)
	registerClusterGetTool(s, cfg)
	registerFactAddTool(s, cfg)
	registerClusterAddFactTool(s, cfg)
	registerClusterRemoveFactTool(s, cfg)
	registerClusterAddRelationshipTool(s, cfg)
	registerClusterSetActiveTool(s, cfg)
	registerClusterDeleteTool(s, cfg)
	registerClusterMergeTool(s, cfg)
	registerClusterRepairTool(s, cfg)
	registerClusterValidateTool(s, cfg)
	registerClusterHealthTool(s, cfg)
	registerPropagateTool(s, cfg)
	registerReferenceResetTool(s, cfg)

	return s
}

// ServeStdio blocks serving the MCP protocol on stdin/stdout.
func ServeStdio(s *server.MCPServer) error {
	return server.ServeStdio(s)
}

// persist writes a snapshot after a successful mutation when a snapshot
// store is configured. Persistence failures are returned to the tool caller;
// the in-memory state already committed.
func persist(ctx context.Context, cfg ServerConfig) error {
	if cfg.Snapshots == nil {
		return nil
	}
	return cfg.Snapshots.SaveSnapshot(ctx, cfg.Manager.Snapshot())
}
