// Package remote provides the adapter for an Open Interpreter server
// reached over HTTP.
//
// runtime.go - Adapter implementation
//
// This file contains:
// - Adapter implementing agent.Adapter against {base_url}/chat, /reset, /health
// - Registration under the "remote" runtime name

package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/HyphaGroup/murmur/internal/agent"
	"github.com/HyphaGroup/murmur/internal/config"
)

func init() {
	agent.Register(config.RuntimeRemote, func(cfg *config.AgentSection) (agent.Adapter, error) {
		return New(cfg)
	})
}

// Adapter talks to an Open Interpreter HTTP server
type Adapter struct {
	baseURL    string
	apiKey     string
	accumulate bool
	settings   Settings

	// client has no timeout: chat streams last as long as the agent runs.
	// control is used for reset and health checks.
	client  *http.Client
	control *http.Client
}

var _ agent.Adapter = (*Adapter)(nil)

// New creates a remote adapter from config
func New(cfg *config.AgentSection) (*Adapter, error) {
	base := strings.TrimRight(cfg.Remote.BaseURL, "/")
	if base == "" {
		return nil, fmt.Errorf("%w: agent.remote.base_url is empty", agent.ErrNotConfigured)
	}
	timeout := cfg.Remote.Timeout.Duration
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &Adapter{
		baseURL:    base,
		apiKey:     cfg.Credentials.APIKey(cfg.Provider),
		accumulate: cfg.Remote.ShouldAccumulate(),
		settings: Settings{
			Model:         cfg.Model,
			MaxOutput:     cfg.MaxOutput,
			ContextWindow: cfg.ContextWindow,
			MaxTokens:     cfg.MaxTokens,
			AutoRun:       cfg.IsAutoRun(),
			SystemMessage: cfg.SystemPrompt,
		},
		client:  &http.Client{},
		control: &http.Client{Timeout: timeout},
	}, nil
}

func (a *Adapter) Name() string { return "remote" }

func (a *Adapter) SuppressedContent() []agent.ContentPredicate {
	return []agent.ContentPredicate{agent.HasPrefix(agent.OpenInterpreterPlaceholders...)}
}

// Chat posts the instruction and returns the SSE response as a Stream
func (a *Adapter) Chat(ctx context.Context, req *agent.ChatRequest) (agent.Stream, error) {
	body, err := json.Marshal(chatRequest{
		Message:   req.Instruction,
		Stream:    req.Stream,
		Display:   req.Display,
		SessionID: req.SessionID,
		Settings:  &a.settings,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding chat request: %w", err)
	}

	// The stream owns its request lifetime; Close cancels it.
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	httpReq, err := a.newRequest(streamCtx, http.MethodPost, "/chat", body)
	if err != nil {
		cancel()
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	// Until the response arrives there is no stream to close, so the
	// caller's context still aborts the request
	stopEarly := context.AfterFunc(ctx, cancel)
	resp, err := a.client.Do(httpReq)
	if err != nil {
		stopEarly()
		cancel()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("chat request aborted: %w", ctx.Err())
		}
		return nil, fmt.Errorf("chat request failed: %w", err)
	}
	if !stopEarly() {
		resp.Body.Close()
		return nil, fmt.Errorf("chat request aborted: %w", ctx.Err())
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		cancel()
		return nil, responseError("chat", resp)
	}

	return newStream(resp.Body, cancel, a.accumulate), nil
}

// Reset clears the interpreter's conversation
func (a *Adapter) Reset(ctx context.Context) error {
	req, err := a.newRequest(ctx, http.MethodPost, "/reset", nil)
	if err != nil {
		return err
	}
	resp, err := a.control.Do(req)
	if err != nil {
		return fmt.Errorf("reset request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return responseError("reset", resp)
	}
	return nil
}

// Ping checks the interpreter's health endpoint
func (a *Adapter) Ping(ctx context.Context) error {
	req, err := a.newRequest(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return err
	}
	resp, err := a.control.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

func (a *Adapter) Close() error {
	a.client.CloseIdleConnections()
	a.control.CloseIdleConnections()
	return nil
}

func (a *Adapter) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, r)
	if err != nil {
		return nil, fmt.Errorf("creating %s request: %w", path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}
	return req, nil
}

func responseError(op string, resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var e errorResponse
	if json.Unmarshal(data, &e) == nil {
		if e.Error != "" {
			return fmt.Errorf("%s failed with status %d: %s", op, resp.StatusCode, e.Error)
		}
		if e.Detail != "" {
			return fmt.Errorf("%s failed with status %d: %s", op, resp.StatusCode, e.Detail)
		}
	}
	return fmt.Errorf("%s failed with status %d: %s", op, resp.StatusCode, strings.TrimSpace(string(data)))
}
