// Package mcp exposes the relay to MCP clients over streamable HTTP.
//
// server.go - MCP server construction and HTTP handler
//
// This file contains:
// - Server: owns the MCP SDK server and the murmur collaborators
// - NewServer: registers the execute, stop and reset tools
// - Handler: the streamable HTTP endpoint mounted at /mcp
package mcp

import (
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/HyphaGroup/murmur/internal/agent"
	"github.com/HyphaGroup/murmur/internal/logger"
	"github.com/HyphaGroup/murmur/internal/relay"
	"github.com/HyphaGroup/murmur/internal/session"
)

// SourceMCP labels sessions begun through the execute tool
const SourceMCP = "mcp"

// Server serves the murmur tools over MCP
type Server struct {
	adapter   agent.Adapter
	registry  *session.Registry
	relay     *relay.Relay
	mcpServer *mcp.Server
}

// NewServer creates an MCP server. adapter and rl may be nil when the
// agent is not configured; execute and reset then fail with a tool error.
func NewServer(adapter agent.Adapter, registry *session.Registry, rl *relay.Relay, version string) *Server {
	s := &Server{
		adapter:  adapter,
		registry: registry,
		relay:    rl,
		mcpServer: mcp.NewServer(&mcp.Implementation{
			Name:    "murmur",
			Version: version,
		}, nil),
	}
	s.registerTools()
	return s
}

// Handler returns the streamable HTTP handler for /mcp
func (s *Server) Handler() http.Handler {
	h := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return s.mcpServer
	}, &mcp.StreamableHTTPOptions{
		EventStore: mcp.NewMemoryEventStore(nil),
	})
	logger.Info("🔧 MCP tools: %s, %s, %s", toolExecute, toolStop, toolReset)
	return h
}

// MCPServer returns the underlying SDK server
func (s *Server) MCPServer() *mcp.Server {
	return s.mcpServer
}
