package audit

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/HyphaGroup/murmur/internal/logger"
)

// Operation represents the type of auditable operation
type Operation string

const (
	OpInstruction Operation = "instruction.start"
	OpStop        Operation = "session.stop"
	OpReset       Operation = "agent.reset"
)

// Event represents an audit log entry
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Operation Operation      `json:"operation"`
	Transport string         `json:"transport,omitempty"` // ws, stream, execute, stop, mcp
	SessionID string         `json:"session_id,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	Remote    string         `json:"remote,omitempty"`
	Success   bool           `json:"success"`
	Error     string         `json:"error,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Logger handles audit logging
type Logger struct {
	logger  *slog.Logger
	enabled bool
	mu      sync.RWMutex
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Default returns the default audit logger, writing JSON to stdout
func Default() *Logger {
	once.Do(func() {
		defaultLogger = New(os.Stdout, true)
	})
	return defaultLogger
}

// New creates an audit logger writing JSON lines to w
func New(w io.Writer, enabled bool) *Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return &Logger{
		logger:  slog.New(handler),
		enabled: enabled,
	}
}

// SetEnabled enables or disables audit logging
func (l *Logger) SetEnabled(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = enabled
}

// Log records an audit event
func (l *Logger) Log(event *Event) {
	l.mu.RLock()
	enabled := l.enabled
	l.mu.RUnlock()

	if !enabled {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	attrs := []slog.Attr{
		slog.String("audit", "true"),
		slog.String("operation", string(event.Operation)),
		slog.Bool("success", event.Success),
	}
	if event.Transport != "" {
		attrs = append(attrs, slog.String("transport", event.Transport))
	}
	if event.SessionID != "" {
		attrs = append(attrs, slog.String("session_id", event.SessionID))
	}
	if event.RequestID != "" {
		attrs = append(attrs, slog.String("request_id", event.RequestID))
	}
	if event.Remote != "" {
		attrs = append(attrs, slog.String("remote", event.Remote))
	}
	if event.Error != "" {
		attrs = append(attrs, slog.String("error", event.Error))
	}
	if event.Details != nil {
		detailsJSON, _ := json.Marshal(event.Details)
		attrs = append(attrs, slog.String("details", string(detailsJSON)))
	}

	l.logger.LogAttrs(context.Background(), slog.LevelInfo, "AUDIT", attrs...)
}

// Record logs op for the session in ctx's request. A nil err means success.
func (l *Logger) Record(ctx context.Context, op Operation, transport, sessionID string, err error) {
	ev := &Event{
		Operation: op,
		Transport: transport,
		SessionID: sessionID,
		RequestID: logger.RequestID(ctx),
		Success:   err == nil,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	l.Log(ev)
}

// Record logs to the default logger
func Record(ctx context.Context, op Operation, transport, sessionID string, err error) {
	Default().Record(ctx, op, transport, sessionID, err)
}
