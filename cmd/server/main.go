package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/HyphaGroup/murmur/internal/agent"
	_ "github.com/HyphaGroup/murmur/internal/agent/command"
	_ "github.com/HyphaGroup/murmur/internal/agent/llm"
	_ "github.com/HyphaGroup/murmur/internal/agent/remote"
	"github.com/HyphaGroup/murmur/internal/audit"
	"github.com/HyphaGroup/murmur/internal/config"
	"github.com/HyphaGroup/murmur/internal/logger"
	"github.com/HyphaGroup/murmur/internal/mcp"
	"github.com/HyphaGroup/murmur/internal/relay"
	"github.com/HyphaGroup/murmur/internal/server"
	"github.com/HyphaGroup/murmur/internal/session"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0"
var Version = "dev"

func main() {
	// Check for subcommands before parsing flags
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "check":
			cmdCheck(os.Args[2:])
			return
		case "config":
			cmdConfig(os.Args[2:])
			return
		case "--version", "-v", "version":
			fmt.Printf("murmur %s\n", Version)
			return
		case "--help", "-h", "help":
			printUsage()
			return
		}
	}

	runServer()
}

func printUsage() {
	fmt.Printf(`murmur %s - web chat relay for an Open Interpreter agent

Usage: murmur [command] [options]

Commands:
  (default)    Start the server
  check        Load the configuration and ping the agent
  config       Print the effective configuration as JSON

Server Options:
  --config <path>    Config file (.jsonc, .json, .yaml)

Config Precedence:
  1. --config flag
  2. MURMUR_CONFIG env var
  3. ./config/murmur.jsonc, ./murmur.jsonc, ./murmur.yaml
  4. ~/.murmur/murmur.jsonc
  5. built-in defaults

Examples:
  murmur                                Start with auto-detected config
  murmur --config ./murmur.yaml         Start with a specific file
  murmur check                          Verify the agent is reachable
`, Version)
}

func runServer() {
	configFlag := flag.String("config", "", "Config file path")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("murmur %s\n", Version)
		os.Exit(0)
	}

	cfg, err := config.LoadAll(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.Logging.Dir, cfg.Logging.JSON); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Close() }()
	audit.Default().SetEnabled(cfg.Logging.IsAudit())

	logger.Println("🗣️  murmur - web chat relay")
	logger.Println("")
	if cfg.Path != "" {
		logger.Printf("📄 Config: %s", cfg.Path)
	} else {
		logger.Println("📄 Config: built-in defaults")
	}

	// A missing agent is not fatal: the server starts and agent endpoints
	// answer 503 until the configuration is fixed.
	adapter, err := agent.New(&cfg.Agent)
	if err != nil {
		logger.Printf("⚠️  WARNING: agent unavailable: %v", err)
		logger.Println("   /ws, /stream and /execute will answer 503")
		adapter = nil
	} else {
		defer func() { _ = adapter.Close() }()
		logger.Printf("🤖 Agent runtime: %s (model %s)", adapter.Name(), cfg.Agent.Model)
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := adapter.Ping(pingCtx); err != nil {
			logger.Printf("⚠️  Agent did not answer ping: %v", err)
		}
		cancel()
	}

	registry := session.NewRegistry()
	conns := session.NewConnectionManager(registry)

	var rl *relay.Relay
	if adapter != nil {
		rl = relay.New(adapter, registry, relay.SettingsFromConfig(cfg.Relay))
	}

	reaper, err := session.StartReaper(registry, cfg.Session.ReapSchedule, cfg.Session.MaxDuration.Duration)
	if err != nil {
		logger.Fatalf("Failed to start session reaper: %v", err)
	}
	logger.Printf("🧹 Reaping sessions older than %s (%s)", cfg.Session.MaxDuration.Duration, cfg.Session.ReapSchedule)

	mcpServer := mcp.NewServer(adapter, registry, rl, Version)
	srv := server.New(server.Options{
		Config:      cfg.Server,
		Adapter:     adapter,
		Registry:    registry,
		Connections: conns,
		Relay:       rl,
		MCP:         mcpServer.Handler(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Relay settings reload live; everything else needs a restart
	if cfg.Path != "" && rl != nil {
		err := config.Watch(ctx, cfg.Path, func(next *config.Config) {
			rl.UpdateSettings(relay.SettingsFromConfig(next.Relay))
			logger.Printf("🔄 Reloaded relay settings from %s", cfg.Path)
		}, func(err error) {
			logger.Printf("⚠️  Config reload failed: %v", err)
		})
		if err != nil {
			logger.Printf("⚠️  Config watch disabled: %v", err)
		}
	}

	logger.Printf("📡 Chat: ws://localhost%s/ws", cfg.Server.Address)
	logger.Printf("💚 Health check: http://localhost%s/health", cfg.Server.Address)
	logger.Printf("💚 Readiness check: http://localhost%s/ready", cfg.Server.Address)
	logger.Printf("📊 Metrics: http://localhost%s/metrics", cfg.Server.Address)
	logger.Printf("🔧 MCP: http://localhost%s/mcp", cfg.Server.Address)
	logger.Println("")

	if err := srv.Serve(ctx); err != nil {
		logger.Fatalf("Server error: %v", err)
	}

	logger.Println("   Stopping session reaper...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	reaper.Stop(shutdownCtx)
	cancel()
	logger.Println("✅ Shutdown complete")
}

// cmdCheck loads the configuration, builds the agent and pings it
func cmdCheck(args []string) {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	configFlag := fs.String("config", "", "Config file path")
	_ = fs.Parse(args)

	cfg, err := config.LoadAll(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Path != "" {
		fmt.Printf("✅ Config: %s\n", cfg.Path)
	} else {
		fmt.Println("✅ Config: built-in defaults")
	}

	adapter, err := agent.New(&cfg.Agent)
	if err != nil {
		if errors.Is(err, agent.ErrNotConfigured) {
			fmt.Fprintf(os.Stderr, "❌ Agent not configured: %v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "❌ Agent: %v\n", err)
		}
		os.Exit(1)
	}
	defer func() { _ = adapter.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := adapter.Ping(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "❌ Agent %s did not answer: %v\n", adapter.Name(), err)
		os.Exit(1)
	}
	fmt.Printf("✅ Agent %s is reachable\n", adapter.Name())
}

// cmdConfig prints the effective configuration with secrets masked
func cmdConfig(args []string) {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	configFlag := fs.String("config", "", "Config file path")
	_ = fs.Parse(args)

	cfg, err := config.LoadAll(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	for name, cred := range cfg.Agent.Credentials.Providers {
		if cred.APIKey != "" {
			cred.APIKey = maskSecret(cred.APIKey)
			cfg.Agent.Credentials.Providers[name] = cred
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func maskSecret(s string) string {
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "****" + s[len(s)-4:]
}
