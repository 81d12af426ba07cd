// Package llm provides a chat-only adapter that talks to a language model
// directly through gollm, without an interpreter in between.
//
// runtime.go - Adapter implementation
//
// This file contains:
// - Adapter implementing agent.Adapter with in-memory conversation history
// - gollmModel, the production model binding
// - Registration under the "llm" runtime name

package llm

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/teilomillet/gollm"

	"github.com/HyphaGroup/murmur/internal/agent"
	"github.com/HyphaGroup/murmur/internal/config"
)

func init() {
	agent.Register(config.RuntimeLLM, func(cfg *config.AgentSection) (agent.Adapter, error) {
		return New(cfg)
	})
}

const defaultSystemPrompt = "You are a helpful assistant that writes and explains code. Answer in the user's language."

// model is the subset of LLM behaviour the adapter needs
type model interface {
	Stream(ctx context.Context, system, prompt string) (tokenSource, error)
	Generate(ctx context.Context, system, prompt string) (string, error)
	SupportsStreaming() bool
}

// tokenSource yields text deltas; ok is false for empty keepalive tokens
type tokenSource struct {
	next  func(ctx context.Context) (text string, ok bool, err error)
	close func() error
}

type turn struct {
	role string
	text string
}

// Adapter is an agent.Adapter backed by a language model
type Adapter struct {
	model        model
	name         string
	systemPrompt string
	maxHistory   int

	mu      sync.Mutex
	history []turn
}

var _ agent.Adapter = (*Adapter)(nil)

// New creates a gollm-backed adapter. An API key is required.
func New(cfg *config.AgentSection) (*Adapter, error) {
	apiKey := cfg.Credentials.APIKey(cfg.Provider)
	if apiKey == "" {
		return nil, fmt.Errorf("%w: no API key for provider %s (set %s)",
			agent.ErrNotConfigured, cfg.Provider, config.ProviderEnvVar(cfg.Provider))
	}

	llm, err := gollm.NewLLM(
		gollm.SetProvider(cfg.Provider),
		gollm.SetModel(cfg.Model),
		gollm.SetMaxTokens(cfg.MaxTokens),
		gollm.SetMaxRetries(0),
		gollm.SetLogLevel(gollm.LogLevelWarn),
		gollm.SetAPIKey(apiKey),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gollm LLM for provider %s: %w", cfg.Provider, err)
	}

	system := cfg.SystemPrompt
	if system == "" {
		system = defaultSystemPrompt
	}
	return newAdapter(&gollmModel{llm: llm}, cfg.Provider+"/"+cfg.Model, system), nil
}

func newAdapter(m model, name, systemPrompt string) *Adapter {
	return &Adapter{
		model:        m,
		name:         name,
		systemPrompt: systemPrompt,
		maxHistory:   40,
	}
}

func (a *Adapter) Name() string { return "llm:" + a.name }

// SuppressedContent is empty: models do not emit interpreter placeholders
func (a *Adapter) SuppressedContent() []agent.ContentPredicate { return nil }

func (a *Adapter) Ping(ctx context.Context) error { return nil }

func (a *Adapter) Close() error { return nil }

// Reset forgets the conversation
func (a *Adapter) Reset(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history = nil
	return nil
}

// Chat sends the conversation so far plus the new instruction
func (a *Adapter) Chat(ctx context.Context, req *agent.ChatRequest) (agent.Stream, error) {
	prompt := a.prompt(req.Instruction)

	s := &stream{owner: a, instruction: req.Instruction}
	if !req.Stream || !a.model.SupportsStreaming() {
		text, err := a.model.Generate(ctx, a.systemPrompt, prompt)
		if err != nil {
			return nil, fmt.Errorf("generate failed: %w", err)
		}
		s.single = &text
		return s, nil
	}

	src, err := a.model.Stream(ctx, a.systemPrompt, prompt)
	if err != nil {
		return nil, fmt.Errorf("stream failed: %w", err)
	}
	s.src = src
	return s, nil
}

// prompt flattens history into a single prompt the way gollm expects
func (a *Adapter) prompt(instruction string) string {
	a.mu.Lock()
	defer a.mu.Unlock()

	var b strings.Builder
	for _, t := range a.history {
		if t.role == agent.RoleAssistant {
			b.WriteString("[Assistant]: ")
		}
		b.WriteString(t.text)
		b.WriteString("\n")
	}
	b.WriteString(instruction)
	return b.String()
}

func (a *Adapter) remember(instruction, reply string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history = append(a.history,
		turn{role: agent.RoleUser, text: instruction},
		turn{role: agent.RoleAssistant, text: reply},
	)
	if over := len(a.history) - a.maxHistory; over > 0 {
		a.history = a.history[over:]
	}
}

// History returns the number of remembered turns
func (a *Adapter) History() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.history)
}

// stream emits the reply accumulated so far after each token
type stream struct {
	owner       *Adapter
	instruction string
	src         tokenSource
	single      *string

	mu     sync.Mutex
	text   strings.Builder
	closed bool
	done   bool
}

func (s *stream) Next(ctx context.Context) (*agent.Chunk, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, agent.ErrStreamClosed
	}
	if s.done {
		s.mu.Unlock()
		return nil, io.EOF
	}
	if s.single != nil {
		s.done = true
		s.text.WriteString(*s.single)
		s.mu.Unlock()
		s.owner.remember(s.instruction, *s.single)
		return agent.TextChunk(*s.single), nil
	}
	s.mu.Unlock()

	for {
		delta, ok, err := s.src.next(ctx)
		if err == io.EOF {
			s.mu.Lock()
			s.done = true
			reply := s.text.String()
			s.mu.Unlock()
			s.owner.remember(s.instruction, reply)
			return nil, io.EOF
		}
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil, agent.ErrStreamClosed
			}
			return nil, err
		}
		if !ok || delta == "" {
			continue
		}

		s.mu.Lock()
		s.text.WriteString(delta)
		snapshot := s.text.String()
		s.mu.Unlock()
		return agent.TextChunk(snapshot), nil
	}
}

func (s *stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.src.close != nil {
		return s.src.close()
	}
	return nil
}

// gollmModel binds the adapter to a gollm.LLM
type gollmModel struct {
	llm gollm.LLM
}

func (g *gollmModel) newPrompt(system, prompt string) *gollm.Prompt {
	var opts []gollm.PromptOption
	if system != "" {
		opts = append(opts, gollm.WithSystemPrompt(system, gollm.CacheTypeEphemeral))
	}
	return gollm.NewPrompt(prompt, opts...)
}

func (g *gollmModel) SupportsStreaming() bool {
	return g.llm.SupportsStreaming()
}

func (g *gollmModel) Generate(ctx context.Context, system, prompt string) (string, error) {
	return g.llm.Generate(ctx, g.newPrompt(system, prompt))
}

func (g *gollmModel) Stream(ctx context.Context, system, prompt string) (tokenSource, error) {
	ts, err := g.llm.Stream(ctx, g.newPrompt(system, prompt))
	if err != nil {
		return tokenSource{}, err
	}
	return tokenSource{
		next: func(ctx context.Context) (string, bool, error) {
			token, err := ts.Next(ctx)
			if err != nil {
				return "", false, err
			}
			if token == nil {
				return "", false, nil
			}
			return token.Text, true, nil
		},
		close: ts.Close,
	}, nil
}
