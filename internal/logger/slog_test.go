package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestWithContextAddsFields(t *testing.T) {
	var buf bytes.Buffer
	prev := slogger
	slogger = slog.New(slog.NewTextHandler(&buf, nil))
	defer func() { slogger = prev }()

	ctx := WithRequestID(context.Background(), "req-1")
	ctx = WithSessionID(ctx, "sess-1")
	ctx = WithConnectionID(ctx, "conn-1")
	InfoContext(ctx, "hello")

	out := buf.String()
	for _, want := range []string{"request_id=req-1", "session_id=sess-1", "connection_id=conn-1", "msg=hello"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output %q missing %q", out, want)
		}
	}
}

func TestRequestID(t *testing.T) {
	if got := RequestID(context.Background()); got != "" {
		t.Errorf("RequestID() = %q, want empty", got)
	}
	ctx := WithRequestID(context.Background(), "abc")
	if got := RequestID(ctx); got != "abc" {
		t.Errorf("RequestID() = %q, want abc", got)
	}
}
