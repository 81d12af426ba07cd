// Package remote provides the adapter for an Open Interpreter server
// reached over HTTP.
//
// protocol.go - Wire types
//
// This file contains:
// - chatRequest, the body of POST /chat
// - Settings forwarded to the interpreter with every instruction
// - parseDataLine for the SSE "data:" payloads

package remote

import (
	"encoding/json"
	"strings"

	"github.com/HyphaGroup/murmur/internal/agent"
)

// doneMarker ends a stream early, as OpenAI-style servers send it
const doneMarker = "[DONE]"

// Settings are forwarded to the interpreter with every instruction
type Settings struct {
	Model         string `json:"model,omitempty"`
	MaxOutput     int    `json:"max_output,omitempty"`
	ContextWindow int    `json:"context_window,omitempty"`
	MaxTokens     int    `json:"max_tokens,omitempty"`
	AutoRun       bool   `json:"auto_run"`
	SystemMessage string `json:"system_message,omitempty"`
}

type chatRequest struct {
	Message   string    `json:"message"`
	Stream    bool      `json:"stream"`
	Display   bool      `json:"display"`
	SessionID string    `json:"session_id,omitempty"`
	Settings  *Settings `json:"settings,omitempty"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

// parseDataLine extracts an LMC chunk from one SSE line.
// ok is false for non-data lines, blank payloads and malformed JSON.
// done is true for the end-of-stream marker.
func parseDataLine(line string) (chunk *agent.Chunk, done, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" || !strings.HasPrefix(line, "data:") {
		return nil, false, false
	}

	data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if data == "" {
		return nil, false, false
	}
	if data == doneMarker {
		return nil, true, false
	}

	var c agent.Chunk
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return nil, false, false // Skip malformed events
	}
	return &c, false, true
}
