package mcp

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/HyphaGroup/murmur/internal/audit"
	"github.com/HyphaGroup/murmur/internal/logger"
	"github.com/HyphaGroup/murmur/internal/metrics"
	"github.com/HyphaGroup/murmur/internal/relay"
	"github.com/HyphaGroup/murmur/internal/session"
	"github.com/HyphaGroup/murmur/internal/validation"
)

const (
	toolExecute = "execute"
	toolStop    = "stop"
	toolReset   = "reset"

	statusSuccess   = "success"
	statusCancelled = "cancelled"

	progressLogger = "murmur.relay"
)

// ExecuteInput is the execute tool's arguments
type ExecuteInput struct {
	Instruction string `json:"instruction"`
	SessionID   string `json:"session_id,omitempty"`
}

// ExecuteOutput is the execute tool's result
type ExecuteOutput struct {
	SessionID string `json:"session_id"`
	Output    string `json:"output"`
	Status    string `json:"status"`
}

// StopInput is the stop tool's arguments
type StopInput struct {
	SessionID string `json:"session_id"`
}

// ResetInput takes no arguments
type ResetInput struct{}

// StatusOutput acknowledges stop and reset
type StatusOutput struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name: toolExecute,
		Description: `Send an instruction to the agent and wait for its answer.

Progress is pushed as log notifications (logger "murmur.relay") while the agent works.
Returns the final output and the session_id, which the stop tool accepts.`,
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"instruction": {Type: "string", Description: "natural-language instruction for the agent"},
				"session_id":  {Type: "string", Description: "optional id for the run; generated when omitted"},
			},
			Required: []string{"instruction"},
		},
	}, s.handleExecute)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        toolStop,
		Description: "Stop a running instruction by session_id. Stopping an unknown or finished session succeeds.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"session_id": {Type: "string", Description: "session id returned by execute"},
			},
			Required: []string{"session_id"},
		},
	}, s.handleStop)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        toolReset,
		Description: "Clear the agent's conversation history.",
		InputSchema: &jsonschema.Schema{Type: "object"},
	}, s.handleReset)
}

func (s *Server) handleExecute(ctx context.Context, req *mcp.CallToolRequest, in ExecuteInput) (*mcp.CallToolResult, ExecuteOutput, error) {
	instruction, err := validation.ValidateInstruction(in.Instruction)
	if err != nil {
		metrics.RecordToolCall(toolExecute, "invalid")
		return nil, ExecuteOutput{}, err
	}
	if in.SessionID != "" {
		if err := validation.ValidateSessionID(in.SessionID); err != nil {
			metrics.RecordToolCall(toolExecute, "invalid")
			return nil, ExecuteOutput{}, err
		}
	}
	if s.adapter == nil || s.relay == nil {
		metrics.RecordToolCall(toolExecute, "unavailable")
		return nil, ExecuteOutput{}, fmt.Errorf("execute failed: agent not configured")
	}

	id := in.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	ctx = logger.WithSessionID(ctx, id)
	audit.Record(ctx, audit.OpInstruction, SourceMCP, id, nil)

	res, err := s.relay.Serve(ctx, id, SourceMCP, instruction, progressSink(ctx, req))
	switch {
	case errors.Is(err, relay.ErrCancelled):
		metrics.RecordToolCall(toolExecute, statusCancelled)
		return nil, ExecuteOutput{SessionID: id, Output: res.Last(), Status: statusCancelled}, nil
	case errors.Is(err, session.ErrDuplicateSession):
		metrics.RecordToolCall(toolExecute, "busy")
		return nil, ExecuteOutput{}, fmt.Errorf("session %s already has a running instruction", id)
	case err != nil:
		metrics.RecordToolCall(toolExecute, "error")
		return nil, ExecuteOutput{}, SanitizeError(err, toolExecute)
	}

	metrics.RecordToolCall(toolExecute, statusSuccess)
	return nil, ExecuteOutput{SessionID: id, Output: res.Last(), Status: statusSuccess}, nil
}

// progressSink forwards relay events to the calling client as log
// notifications. Notification failures never abort the run.
func progressSink(ctx context.Context, req *mcp.CallToolRequest) relay.Sink {
	return relay.SinkFunc(func(ev relay.Event) error {
		if req == nil || req.Session == nil {
			return nil
		}
		level := mcp.LoggingLevel("info")
		if ev.Status == relay.StatusError {
			level = "error"
		}
		err := req.Session.Log(ctx, &mcp.LoggingMessageParams{
			Logger: progressLogger,
			Level:  level,
			Data:   ev,
		})
		if err != nil {
			logger.DebugContext(ctx, "progress notification failed", "error", err)
		}
		return nil
	})
}

func (s *Server) handleStop(ctx context.Context, req *mcp.CallToolRequest, in StopInput) (*mcp.CallToolResult, StatusOutput, error) {
	if err := validation.ValidateSessionID(in.SessionID); err != nil {
		metrics.RecordToolCall(toolStop, "invalid")
		return nil, StatusOutput{}, err
	}
	err := s.registry.Cancel(in.SessionID, session.SourceAdmin)
	audit.Record(ctx, audit.OpStop, SourceMCP, in.SessionID, err)
	if err != nil {
		metrics.RecordToolCall(toolStop, "error")
		return nil, StatusOutput{}, SanitizeError(err, toolStop)
	}
	metrics.RecordToolCall(toolStop, statusSuccess)
	return nil, StatusOutput{Status: statusSuccess, Message: "Processing stopped."}, nil
}

func (s *Server) handleReset(ctx context.Context, req *mcp.CallToolRequest, _ ResetInput) (*mcp.CallToolResult, StatusOutput, error) {
	if s.adapter == nil {
		metrics.RecordToolCall(toolReset, "unavailable")
		return nil, StatusOutput{}, fmt.Errorf("reset failed: agent not configured")
	}
	err := s.adapter.Reset(ctx)
	audit.Record(ctx, audit.OpReset, SourceMCP, "", err)
	if err != nil {
		metrics.RecordToolCall(toolReset, "error")
		return nil, StatusOutput{}, SanitizeError(err, toolReset)
	}
	metrics.RecordToolCall(toolReset, statusSuccess)
	return nil, StatusOutput{Status: statusSuccess, Message: "Conversation history has been reset."}, nil
}
