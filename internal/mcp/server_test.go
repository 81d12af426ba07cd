package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/HyphaGroup/murmur/internal/agent"
	"github.com/HyphaGroup/murmur/internal/relay"
	"github.com/HyphaGroup/murmur/internal/session"
	"github.com/HyphaGroup/murmur/internal/testutil"
)

func newTestServer(adapter *testutil.MockAdapter) (*Server, *session.Registry) {
	reg := session.NewRegistry()
	if adapter == nil {
		return NewServer(nil, reg, nil, "test"), reg
	}
	rl := relay.New(adapter, reg, relay.Settings{StartMessage: "Starting...", CompleteMessage: "Done"})
	return NewServer(adapter, reg, rl, "test"), reg
}

// connect starts s behind an httptest server and returns a client session
func connect(t *testing.T, s *Server) *mcp.ClientSession {
	t.Helper()
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	client := mcp.NewClient(&mcp.Implementation{Name: "murmur-test", Version: "0.1.0"}, nil)
	cs, err := client.Connect(context.Background(), &mcp.StreamableClientTransport{Endpoint: ts.URL}, nil)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { _ = cs.Close() })
	return cs
}

func callTool(t *testing.T, cs *mcp.ClientSession, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		t.Fatalf("CallTool(%s) error = %v", name, err)
	}
	return res
}

func waitTick() { time.Sleep(10 * time.Millisecond) }

func resultText(res *mcp.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func TestListTools(t *testing.T) {
	s, _ := newTestServer(testutil.NewMockAdapter())
	cs := connect(t, s)

	res, err := cs.ListTools(context.Background(), &mcp.ListToolsParams{})
	if err != nil {
		t.Fatal(err)
	}
	got := map[string]bool{}
	for _, tool := range res.Tools {
		got[tool.Name] = true
	}
	for _, name := range []string{toolExecute, toolStop, toolReset} {
		if !got[name] {
			t.Errorf("tool %q not listed", name)
		}
	}
}

func TestExecuteTool(t *testing.T) {
	adapter := testutil.NewMockAdapter("Hel", "Hello", "[object Object]")
	s, reg := newTestServer(adapter)
	cs := connect(t, s)

	res := callTool(t, cs, toolExecute, map[string]any{"instruction": "greet", "session_id": "mcp-1"})
	if res.IsError {
		t.Fatalf("execute returned tool error: %s", resultText(res))
	}

	var out ExecuteOutput
	if err := json.Unmarshal([]byte(resultText(res)), &out); err != nil {
		t.Fatalf("result %q: %v", resultText(res), err)
	}
	if out.Status != statusSuccess || out.Output != "Hello" || out.SessionID != "mcp-1" {
		t.Errorf("output = %+v", out)
	}
	if reg.Len() != 0 {
		t.Errorf("registry = %d after execute, want 0", reg.Len())
	}
}

func TestExecuteToolErrors(t *testing.T) {
	tests := []struct {
		name    string
		adapter func() *testutil.MockAdapter
		args    map[string]any
		want    string
	}{
		{
			name:    "empty instruction",
			adapter: func() *testutil.MockAdapter { return testutil.NewMockAdapter() },
			args:    map[string]any{"instruction": "  "},
			want:    "cannot be empty",
		},
		{
			name:    "not configured",
			adapter: func() *testutil.MockAdapter { return nil },
			args:    map[string]any{"instruction": "hi"},
			want:    "not configured",
		},
		{
			name: "agent failure",
			adapter: func() *testutil.MockAdapter {
				a := testutil.NewMockAdapter()
				a.ChatError = errors.New("model overloaded")
				return a
			},
			args: map[string]any{"instruction": "hi"},
			want: "model overloaded",
		},
		{
			name: "credential leak",
			adapter: func() *testutil.MockAdapter {
				a := testutil.NewMockAdapter()
				a.ChatError = errors.New("invalid api_key sk-123")
				return a
			},
			args: map[string]any{"instruction": "hi"},
			want: "internal configuration error",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestServer(tt.adapter())
			cs := connect(t, s)
			res := callTool(t, cs, toolExecute, tt.args)
			if !res.IsError {
				t.Fatalf("expected tool error, got %s", resultText(res))
			}
			if text := resultText(res); !strings.Contains(text, tt.want) {
				t.Errorf("error = %q, want it to contain %q", text, tt.want)
			}
			if strings.Contains(resultText(res), "sk-123") {
				t.Error("credential leaked to client")
			}
		})
	}
}

func TestExecuteCancelled(t *testing.T) {
	adapter := testutil.NewMockAdapter("partial", "more")
	adapter.HoldAfter = 1
	s, reg := newTestServer(adapter)
	t.Cleanup(adapter.Release)

	done := make(chan ExecuteOutput, 1)
	go func() {
		_, out, err := s.handleExecute(context.Background(), nil, ExecuteInput{Instruction: "loop", SessionID: "run-1"})
		if err != nil {
			t.Errorf("handleExecute() error = %v", err)
		}
		done <- out
	}()

	for i := 0; ; i++ {
		if info, ok := reg.Get("run-1"); ok && info.HasTask && len(adapter.Streams()) == 1 {
			break
		}
		if i > 300 {
			t.Fatal("run never started")
		}
		waitTick()
	}

	_, ack, err := s.handleStop(context.Background(), nil, StopInput{SessionID: "run-1"})
	if err != nil || ack.Status != statusSuccess {
		t.Fatalf("handleStop() = %+v, %v", ack, err)
	}

	out := <-done
	if out.Status != statusCancelled || out.SessionID != "run-1" {
		t.Errorf("output = %+v, want cancelled run-1", out)
	}
}

func TestStopTool(t *testing.T) {
	s, _ := newTestServer(testutil.NewMockAdapter())
	cs := connect(t, s)

	res := callTool(t, cs, toolStop, map[string]any{"session_id": "nobody"})
	if res.IsError {
		t.Errorf("stop unknown session: %s", resultText(res))
	}
}

func TestResetTool(t *testing.T) {
	adapter := testutil.NewMockAdapter()
	s, _ := newTestServer(adapter)
	cs := connect(t, s)

	res := callTool(t, cs, toolReset, map[string]any{})
	if res.IsError {
		t.Fatalf("reset: %s", resultText(res))
	}
	if adapter.ResetCalls() != 1 || adapter.ChatCalls() != 0 {
		t.Errorf("ResetCalls = %d, ChatCalls = %d", adapter.ResetCalls(), adapter.ChatCalls())
	}
}

func TestSanitizeError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"not configured", fmt.Errorf("remote: %w", agent.ErrNotConfigured), "execute failed: agent not configured"},
		{"busy", agent.ErrAdapterBusy, "execute failed: agent is busy with another instruction"},
		{"sensitive", errors.New("Authorization: Bearer abc"), "execute failed: internal configuration error"},
		{"internal", errors.New("dial tcp: connection refused"), "execute failed: agent unavailable"},
		{"plain", errors.New("model overloaded"), "execute failed: model overloaded"},
		{"long", errors.New(strings.Repeat("x", 300)), "execute failed: an unexpected error occurred"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SanitizeError(tt.err, "execute")
			if tt.want == "" {
				if got != nil {
					t.Errorf("SanitizeError(nil) = %v", got)
				}
				return
			}
			if got == nil || got.Error() != tt.want {
				t.Errorf("SanitizeError() = %v, want %q", got, tt.want)
			}
		})
	}
}
