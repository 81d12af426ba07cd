package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/HyphaGroup/murmur/internal/logger"
)

func TestRecord(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, true)

	ctx := logger.WithRequestID(context.Background(), "req-9")
	l.Record(ctx, OpStop, "ws", "sess-1", nil)

	var got map[string]any
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("audit line %q: %v", buf.String(), err)
	}
	want := map[string]any{
		"msg":        "AUDIT",
		"operation":  "session.stop",
		"transport":  "ws",
		"session_id": "sess-1",
		"request_id": "req-9",
		"success":    true,
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %v, want %v", k, got[k], v)
		}
	}
	if _, ok := got["error"]; ok {
		t.Error("success event carries an error")
	}
}

func TestRecordFailure(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, true)
	l.Record(context.Background(), OpReset, "mcp", "", errors.New("agent gone"))

	if !strings.Contains(buf.String(), `"success":false`) || !strings.Contains(buf.String(), "agent gone") {
		t.Errorf("audit line = %s", buf.String())
	}
}

func TestDisabled(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, false)
	l.Record(context.Background(), OpInstruction, "stream", "s", nil)
	if buf.Len() != 0 {
		t.Errorf("disabled logger wrote %q", buf.String())
	}

	l.SetEnabled(true)
	l.Log(&Event{Operation: OpInstruction, Details: map[string]any{"chars": 12}})
	if !strings.Contains(buf.String(), `chars`) {
		t.Errorf("details missing: %s", buf.String())
	}
}
