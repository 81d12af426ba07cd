// Package agent provides the agent adapter abstraction layer.
//
// types.go - Shared types for agent output
//
// This file contains:
// - Chunk, a unit of agent output in LMC (language model computer) shape
// - Text normalization for structured content
//
// Every backend converts its native output into Chunks so the relay can
// filter and forward them without knowing where they came from.

package agent

import (
	"encoding/json"
	"fmt"
)

// Chunk roles and types as used by Open Interpreter's LMC messages
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleComputer  = "computer"

	TypeMessage = "message"
	TypeCode    = "code"
	TypeConsole = "console"
	TypeOutput  = "output"
)

// Chunk is a single unit of agent output
type Chunk struct {
	Role    string `json:"role,omitempty"`
	Type    string `json:"type,omitempty"`
	Format  string `json:"format,omitempty"`
	Content any    `json:"content,omitempty"`

	// Start and End mark the boundaries of a streamed message block
	Start bool `json:"start,omitempty"`
	End   bool `json:"end,omitempty"`
}

// TextChunk returns an assistant message chunk carrying s
func TextChunk(s string) *Chunk {
	return &Chunk{Role: RoleAssistant, Type: TypeMessage, Content: s}
}

// Text returns the content as a string. Strings pass through, nil is
// empty, structured values are JSON-encoded.
func (c *Chunk) Text() string {
	if c == nil {
		return ""
	}
	switch v := c.Content.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case fmt.Stringer:
		return v.String()
	}
	b, err := json.Marshal(c.Content)
	if err != nil {
		return fmt.Sprint(c.Content)
	}
	return string(b)
}

// SameBlock reports whether c continues the message block of prev
func (c *Chunk) SameBlock(prev *Chunk) bool {
	if c == nil || prev == nil {
		return false
	}
	return c.Role == prev.Role && c.Type == prev.Type && c.Format == prev.Format
}
