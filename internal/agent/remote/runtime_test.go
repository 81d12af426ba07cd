package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/HyphaGroup/murmur/internal/agent"
	"github.com/HyphaGroup/murmur/internal/config"
)

func newTestAdapter(t *testing.T, handler http.Handler) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := config.Default().Agent
	cfg.Remote.BaseURL = srv.URL
	cfg.Credentials.Providers = map[string]config.ProviderCredential{
		"main": {Provider: "anthropic", APIKey: "sk-test"},
	}
	cfg.Credentials.Default = "main"

	a, err := New(&cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return a
}

func collect(t *testing.T, s agent.Stream) []string {
	t.Helper()
	var out []string
	for {
		c, err := s.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		out = append(out, c.Text())
	}
}

func TestChatAccumulatesMessageBlocks(t *testing.T) {
	type captured struct {
		req  chatRequest
		auth string
	}
	reqs := make(chan captured, 1)
	a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		var c captured
		c.auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&c.req)
		reqs <- c

		w.Header().Set("Content-Type", "text/event-stream")
		lines := []string{
			`data: {"role":"assistant","type":"message","start":true}`,
			`data: {"role":"assistant","type":"message","content":"Hel"}`,
			`: keepalive comment`,
			`data: {"role":"assistant","type":"message","content":"lo"}`,
			`data: not json`,
			`data: {"role":"assistant","type":"message","end":true}`,
			`data: {"role":"assistant","type":"code","format":"python","start":true}`,
			`data: {"role":"assistant","type":"code","format":"python","content":"print(1)"}`,
			`data: {"role":"computer","type":"console","format":"output","content":"1\n"}`,
			`data: [DONE]`,
			`data: {"role":"assistant","type":"message","content":"after done"}`,
		}
		for _, l := range lines {
			fmt.Fprintf(w, "%s\n\n", l)
		}
	}))

	s, err := a.Chat(context.Background(), &agent.ChatRequest{Stream: true, Instruction: "say hello", SessionID: "s1"})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	defer s.Close()

	want := []string{"Hel", "Hello", "print(1)", "1\n"}
	if out := collect(t, s); strings.Join(out, "|") != strings.Join(want, "|") {
		t.Errorf("chunks = %q, want %q", out, want)
	}

	c := <-reqs
	got, auth := c.req, c.auth
	if got.Message != "say hello" || !got.Stream || got.Display {
		t.Errorf("request = %+v", got)
	}
	if got.SessionID != "s1" {
		t.Errorf("SessionID = %q, want s1", got.SessionID)
	}
	if got.Settings == nil || got.Settings.Model != "claude-3-5-sonnet-20240620" || !got.Settings.AutoRun {
		t.Errorf("Settings = %+v", got.Settings)
	}
	if auth != "Bearer sk-test" {
		t.Errorf("Authorization = %q", auth)
	}
}

func TestChatStructuredContent(t *testing.T) {
	a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"role\":\"computer\",\"type\":\"image\",\"content\":{\"width\":2}}\n\n")
	}))

	s, err := a.Chat(context.Background(), &agent.ChatRequest{Stream: true, Instruction: "draw"})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	defer s.Close()

	if out := collect(t, s); len(out) != 1 || out[0] != `{"width":2}` {
		t.Errorf("chunks = %q", out)
	}
}

func TestChatErrorStatus(t *testing.T) {
	a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"detail":"interpreter crashed"}`))
	}))

	_, err := a.Chat(context.Background(), &agent.ChatRequest{Stream: true, Instruction: "x"})
	if err == nil || !strings.Contains(err.Error(), "interpreter crashed") {
		t.Errorf("Chat() error = %v, want detail message", err)
	}
}

func TestChatAbortsBeforeResponse(t *testing.T) {
	release := make(chan struct{})
	a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := a.Chat(ctx, &agent.ChatRequest{Stream: true, Instruction: "x"})
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Chat() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Chat() ignored cancellation while waiting for headers")
	}
}

func TestStreamOutlivesChatContext(t *testing.T) {
	a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"type\":\"message\",\"content\":\"kept\"}\n\n")
	}))

	ctx, cancel := context.WithCancel(context.Background())
	s, err := a.Chat(ctx, &agent.ChatRequest{Stream: true, Instruction: "x"})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	defer s.Close()
	cancel()

	if got := collect(t, s); len(got) != 1 || got[0] != "kept" {
		t.Errorf("chunks = %q, want [kept]", got)
	}
}

func TestStreamCloseInterruptsRead(t *testing.T) {
	release := make(chan struct{})
	a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"type\":\"message\",\"content\":\"first\"}\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer close(release)

	s, err := a.Chat(context.Background(), &agent.ChatRequest{Stream: true, Instruction: "x"})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if c, err := s.Next(context.Background()); err != nil || c.Text() != "first" {
		t.Fatalf("Next() = %v, %v", c, err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Next(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	_ = s.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, agent.ErrStreamClosed) {
			t.Errorf("Next() after Close error = %v, want ErrStreamClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Next() did not return after Close")
	}
}

func TestResetAndPing(t *testing.T) {
	var resets atomic.Int32
	var healthy atomic.Bool
	healthy.Store(true)
	a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/reset":
			resets.Add(1)
			w.WriteHeader(http.StatusOK)
		case "/health":
			if !healthy.Load() {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		default:
			http.NotFound(w, r)
		}
	}))

	if err := a.Reset(context.Background()); err != nil {
		t.Errorf("Reset() error = %v", err)
	}
	if n := resets.Load(); n != 1 {
		t.Errorf("resets = %d, want 1", n)
	}
	if err := a.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
	healthy.Store(false)
	if err := a.Ping(context.Background()); err == nil {
		t.Error("Ping() expected error for unhealthy server")
	}
}

func TestNewRequiresBaseURL(t *testing.T) {
	cfg := config.AgentSection{}
	if _, err := New(&cfg); !errors.Is(err, agent.ErrNotConfigured) {
		t.Errorf("New() error = %v, want ErrNotConfigured", err)
	}
}

func TestParseDataLine(t *testing.T) {
	tests := []struct {
		line     string
		wantOK   bool
		wantDone bool
	}{
		{`data: {"content":"x"}`, true, false},
		{`data:{"content":"x"}`, true, false},
		{`event: message`, false, false},
		{`data: `, false, false},
		{`data: [DONE]`, false, true},
		{`data: {broken`, false, false},
	}
	for _, tt := range tests {
		_, done, ok := parseDataLine(tt.line)
		if ok != tt.wantOK || done != tt.wantDone {
			t.Errorf("parseDataLine(%q) = ok %v done %v, want ok %v done %v", tt.line, ok, done, tt.wantOK, tt.wantDone)
		}
	}
}
