package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the single configuration file format for murmur.jsonc / murmur.yaml
type Config struct {
	Server  ServerSection  `json:"server" yaml:"server"`
	Agent   AgentSection   `json:"agent" yaml:"agent"`
	Relay   RelaySection   `json:"relay" yaml:"relay"`
	Session SessionSection `json:"session" yaml:"session"`
	Logging LoggingSection `json:"logging" yaml:"logging"`

	// Path is the file the config was loaded from, empty for defaults.
	Path string `json:"-" yaml:"-"`
}

// ServerSection contains HTTP listener settings
type ServerSection struct {
	Address        string          `json:"address" yaml:"address"`
	AllowedOrigins []string        `json:"allowed_origins" yaml:"allowed_origins"`
	StaticDir      string          `json:"static_dir" yaml:"static_dir"`
	RateLimit      RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
	WriteTimeout   Duration        `json:"write_timeout" yaml:"write_timeout"`
	PingInterval   Duration        `json:"ping_interval" yaml:"ping_interval"`
}

// RateLimitConfig configures the per-client request limiter
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`
	Burst             int     `json:"burst" yaml:"burst"`
}

// AgentSection selects and configures the agent backend
type AgentSection struct {
	Runtime       string             `json:"runtime" yaml:"runtime"` // remote, llm, command
	Exclusive     *bool              `json:"exclusive" yaml:"exclusive"`
	Provider      string             `json:"provider" yaml:"provider"`
	Model         string             `json:"model" yaml:"model"`
	MaxOutput     int                `json:"max_output" yaml:"max_output"`
	ContextWindow int                `json:"context_window" yaml:"context_window"`
	MaxTokens     int                `json:"max_tokens" yaml:"max_tokens"`
	AutoRun       *bool              `json:"auto_run" yaml:"auto_run"`
	SystemPrompt  string             `json:"system_prompt" yaml:"system_prompt"`
	Credentials   CredentialRegistry `json:"credentials" yaml:"credentials"`
	Remote        RemoteConfig       `json:"remote" yaml:"remote"`
	Command       CommandConfig      `json:"command" yaml:"command"`
}

// RemoteConfig points at an Open Interpreter HTTP server
type RemoteConfig struct {
	BaseURL    string   `json:"base_url" yaml:"base_url"`
	Accumulate *bool    `json:"accumulate" yaml:"accumulate"`
	Timeout    Duration `json:"timeout" yaml:"timeout"`
}

// CommandConfig runs the interpreter as a subprocess per instruction
type CommandConfig struct {
	Path      string   `json:"path" yaml:"path"`
	Args      []string `json:"args" yaml:"args"`
	ResetArgs []string `json:"reset_args" yaml:"reset_args"`
}

// RelaySection tunes the streaming relay. It can be reloaded at runtime.
type RelaySection struct {
	StartMessage     string    `json:"start_message" yaml:"start_message"`
	CompleteMessage  string    `json:"complete_message" yaml:"complete_message"`
	MinInterval      *Duration `json:"min_interval" yaml:"min_interval"` // nil means 50ms, 0 disables pacing
	SuppressPrefixes []string  `json:"suppress_prefixes" yaml:"suppress_prefixes"`
}

// SessionSection controls stale session reaping
type SessionSection struct {
	MaxDuration  Duration `json:"max_duration" yaml:"max_duration"`
	ReapSchedule string   `json:"reap_schedule" yaml:"reap_schedule"`
}

// LoggingSection configures log output
type LoggingSection struct {
	Dir  string `json:"dir" yaml:"dir"`
	JSON bool   `json:"json" yaml:"json"`

	// Audit records stop, reset and instruction events; default true
	Audit *bool `json:"audit" yaml:"audit"`
}

const (
	RuntimeRemote  = "remote"
	RuntimeLLM     = "llm"
	RuntimeCommand = "command"
)

// Default returns a config with every default applied
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":5001"
	}
	if cfg.Server.AllowedOrigins == nil {
		cfg.Server.AllowedOrigins = []string{"http://localhost:5001", "http://127.0.0.1:5001"}
	}
	if cfg.Server.RateLimit.RequestsPerSecond == 0 {
		cfg.Server.RateLimit.RequestsPerSecond = 5
	}
	if cfg.Server.RateLimit.Burst == 0 {
		cfg.Server.RateLimit.Burst = 10
	}
	if cfg.Server.WriteTimeout.Duration == 0 {
		cfg.Server.WriteTimeout.Duration = 10 * time.Second
	}
	if cfg.Server.PingInterval.Duration == 0 {
		cfg.Server.PingInterval.Duration = 30 * time.Second
	}

	if cfg.Agent.Runtime == "" {
		cfg.Agent.Runtime = RuntimeRemote
	}
	if cfg.Agent.Exclusive == nil {
		cfg.Agent.Exclusive = boolPtr(true)
	}
	if cfg.Agent.Provider == "" {
		cfg.Agent.Provider = "anthropic"
	}
	if cfg.Agent.Model == "" {
		cfg.Agent.Model = "claude-3-5-sonnet-20240620"
	}
	if cfg.Agent.MaxOutput == 0 {
		cfg.Agent.MaxOutput = 2000
	}
	if cfg.Agent.ContextWindow == 0 {
		cfg.Agent.ContextWindow = 200000
	}
	if cfg.Agent.MaxTokens == 0 {
		cfg.Agent.MaxTokens = 4000
	}
	if cfg.Agent.AutoRun == nil {
		cfg.Agent.AutoRun = boolPtr(true)
	}
	if cfg.Agent.Credentials.Providers == nil {
		cfg.Agent.Credentials.Providers = make(map[string]ProviderCredential)
	}
	if cfg.Agent.Remote.BaseURL == "" {
		cfg.Agent.Remote.BaseURL = "http://localhost:8000"
	}
	if cfg.Agent.Remote.Accumulate == nil {
		cfg.Agent.Remote.Accumulate = boolPtr(true)
	}
	if cfg.Agent.Remote.Timeout.Duration == 0 {
		cfg.Agent.Remote.Timeout.Duration = 10 * time.Second
	}

	if cfg.Relay.StartMessage == "" {
		cfg.Relay.StartMessage = "Starting..."
	}
	if cfg.Relay.MinInterval == nil {
		cfg.Relay.MinInterval = &Duration{50 * time.Millisecond}
	}
	if cfg.Relay.CompleteMessage == "" {
		cfg.Relay.CompleteMessage = "Done"
	}

	if cfg.Session.MaxDuration.Duration == 0 {
		cfg.Session.MaxDuration.Duration = 30 * time.Minute
	}
	if cfg.Session.ReapSchedule == "" {
		cfg.Session.ReapSchedule = "@every 1m"
	}
}

// Validate rejects settings the server cannot start with
func (c *Config) Validate() error {
	switch c.Agent.Runtime {
	case RuntimeRemote, RuntimeLLM, RuntimeCommand:
	default:
		return fmt.Errorf("unknown agent runtime %q (want remote, llm or command)", c.Agent.Runtime)
	}
	if c.Relay.MinInterval != nil && c.Relay.MinInterval.Duration < 0 {
		return fmt.Errorf("relay.min_interval must not be negative")
	}
	if c.Session.MaxDuration.Duration < 0 {
		return fmt.Errorf("session.max_duration must not be negative")
	}
	if c.Server.RateLimit.RequestsPerSecond < 0 || c.Server.RateLimit.Burst < 0 {
		return fmt.Errorf("server.rate_limit values must not be negative")
	}
	if c.Agent.Runtime == RuntimeCommand && c.Agent.Command.Path == "" {
		return fmt.Errorf("agent.command.path is required for the command runtime")
	}
	return nil
}

// IsExclusive reports whether concurrent chats are serialized
func (a *AgentSection) IsExclusive() bool {
	return a.Exclusive == nil || *a.Exclusive
}

// IsAutoRun reports whether the agent may execute code without confirmation
func (a *AgentSection) IsAutoRun() bool {
	return a.AutoRun == nil || *a.AutoRun
}

// IsAudit reports whether audit events are written
func (l *LoggingSection) IsAudit() bool {
	return l.Audit == nil || *l.Audit
}

// ShouldAccumulate reports whether remote deltas are merged per message block
func (r *RemoteConfig) ShouldAccumulate() bool {
	return r.Accumulate == nil || *r.Accumulate
}

// Interval returns the pacing interval between progress events
func (r *RelaySection) Interval() time.Duration {
	if r.MinInterval == nil {
		return 0
	}
	return r.MinInterval.Duration
}

func boolPtr(b bool) *bool { return &b }

// Duration is a time.Duration that reads "50ms"-style strings from JSON and YAML.
// Bare JSON numbers are taken as milliseconds.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		return d.parse(str)
	}
	var ms float64
	if err := json.Unmarshal(b, &ms); err != nil {
		return fmt.Errorf("invalid duration %s", s)
	}
	d.Duration = time.Duration(ms * float64(time.Millisecond))
	return nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var str string
	if err := node.Decode(&str); err != nil {
		return err
	}
	if node.Tag == "!!int" || node.Tag == "!!float" {
		return d.UnmarshalJSON([]byte(str))
	}
	return d.parse(str)
}

func (d *Duration) parse(s string) error {
	if s == "" {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = v
	return nil
}
