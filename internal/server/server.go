// Package server is murmur's HTTP transport: the /ws duplex chat channel,
// the /stream and /execute pull endpoints, /stop, health and metrics.
//
// server.go - Server construction, routing and lifecycle
//
// This file contains:
// - Server and Options
// - Handler: the route table and middleware chain
// - Serve: listen until the context is cancelled, then shut down gracefully
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/HyphaGroup/murmur/internal/agent"
	"github.com/HyphaGroup/murmur/internal/config"
	"github.com/HyphaGroup/murmur/internal/logger"
	"github.com/HyphaGroup/murmur/internal/metrics"
	"github.com/HyphaGroup/murmur/internal/relay"
	"github.com/HyphaGroup/murmur/internal/session"
)

// Session sources, recorded when a session begins
const (
	SourceWebSocket = "ws"
	SourceStream    = "stream"
	SourceExecute   = "execute"
)

// Client-facing acknowledgements
const (
	msgResetDone  = "Conversation history has been reset."
	msgStopped    = "Processing stopped."
	msgNotReady   = "agent not configured"
	shutdownGrace = 30 * time.Second

	defaultWriteTimeout = 10 * time.Second
)

// Options wires a Server to its collaborators. Adapter and Relay may be
// nil when the agent could not be configured; agent endpoints then
// answer 503.
type Options struct {
	Config      config.ServerSection
	Adapter     agent.Adapter
	Registry    *session.Registry
	Connections *session.ConnectionManager
	Relay       *relay.Relay

	// MCP, when set, is mounted at /mcp
	MCP http.Handler
}

// Server serves murmur's HTTP endpoints
type Server struct {
	cfg      config.ServerSection
	adapter  agent.Adapter
	registry *session.Registry
	conns    *session.ConnectionManager
	relay    *relay.Relay
	mcp      http.Handler
	limiter  *RateLimiter
	origins  *originPolicy
}

// New creates a server
func New(opts Options) *Server {
	if opts.Registry == nil {
		opts.Registry = session.NewRegistry()
	}
	if opts.Connections == nil {
		opts.Connections = session.NewConnectionManager(opts.Registry)
	}
	return &Server{
		cfg:      opts.Config,
		adapter:  opts.Adapter,
		registry: opts.Registry,
		conns:    opts.Connections,
		relay:    opts.Relay,
		mcp:      opts.MCP,
		limiter:  NewRateLimiter(opts.Config.RateLimit.RequestsPerSecond, opts.Config.RateLimit.Burst),
		origins:  newOriginPolicy(opts.Config.AllowedOrigins),
	}
}

// ready reports whether agent endpoints can serve requests
func (s *Server) ready() bool {
	return s.adapter != nil && s.relay != nil
}

// writeTimeout bounds every write to a streaming client
func (s *Server) writeTimeout() time.Duration {
	if s.cfg.WriteTimeout.Duration > 0 {
		return s.cfg.WriteTimeout.Duration
	}
	return defaultWriteTimeout
}

// Handler returns the full route table wrapped in the middleware chain
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	limited := s.limiter.Middleware

	mux.HandleFunc("GET /ws", s.handleWS)
	mux.Handle("POST /stream", limited(http.HandlerFunc(s.handleStream)))
	mux.Handle("POST /execute", limited(http.HandlerFunc(s.handleExecute)))
	mux.Handle("POST /stop/{sessionID}", limited(http.HandlerFunc(s.handleStop)))

	mux.HandleFunc("GET /health", s.handleHealthCheck)
	mux.HandleFunc("GET /ready", s.handleReadinessCheck)
	mux.Handle("GET /metrics", metrics.Handler())

	if s.mcp != nil {
		mux.Handle("/mcp", limited(s.mcp))
		mux.Handle("/mcp/", limited(s.mcp))
	}
	if s.cfg.StaticDir != "" {
		mux.Handle("GET /", http.FileServer(http.Dir(s.cfg.StaticDir)))
	}

	return metrics.Middleware(requestID(securityHeaders(s.origins.cors(mux))))
}

// Serve listens on the configured address until ctx is cancelled, then
// stops every running session and shuts the listener down.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener is Serve on an existing listener
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go s.sweepLimiter(ctx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("🚀 murmur listening on %s", ln.Addr())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down: cancelling %d session(s), closing %d connection(s)", s.registry.Len(), s.conns.Len())
	s.registry.CancelAll(session.SourceShutdown)
	s.conns.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

// sweepLimiter forgets idle rate-limit clients
func (s *Server) sweepLimiter(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.limiter.Cleanup(10 * time.Minute); n > 0 {
				logger.DebugContext(ctx, "rate limiter sweep", "dropped", n)
			}
		}
	}
}

// handleHealthCheck is a basic liveness check
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"sessions":    s.registry.Len(),
		"connections": s.conns.Len(),
	})
}

// handleReadinessCheck verifies the agent can take instructions
func (s *Server) handleReadinessCheck(w http.ResponseWriter, r *http.Request) {
	if !s.ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "reason": msgNotReady})
		return
	}
	if err := s.adapter.Ping(r.Context()); err != nil {
		logger.WarnContext(r.Context(), "agent ping failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "reason": "agent unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready", "agent": s.adapter.Name()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// notReady answers agent endpoints while no adapter is configured
func notReady(w http.ResponseWriter) {
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"detail": msgNotReady})
}
