// Package agent provides the agent adapter abstraction layer.
//
// runtime.go - Adapter interface definition
//
// This file contains:
// - Adapter interface for agent backends
// - Stream interface for pull-based chunk delivery
// - ChatRequest parameters and sentinel errors

package agent

import (
	"context"
	"errors"
)

var (
	// ErrNotConfigured means the adapter could not be built from config,
	// typically a missing credential. Callers answer "service unavailable".
	ErrNotConfigured = errors.New("agent not configured")

	// ErrAdapterBusy is returned by an exclusive adapter when the caller's
	// context ends while waiting for the running chat to finish.
	ErrAdapterBusy = errors.New("agent is busy with another instruction")

	// ErrStreamClosed is returned by Next after Close.
	ErrStreamClosed = errors.New("stream closed")
)

// Adapter is the interface for agent backends
type Adapter interface {
	// Chat submits an instruction and returns the lazily produced output.
	// The caller must Close the stream.
	Chat(ctx context.Context, req *ChatRequest) (Stream, error)

	// Reset clears the agent's conversation memory
	Reset(ctx context.Context) error

	// Ping checks if the backend is available and responsive
	Ping(ctx context.Context) error

	// SuppressedContent returns the predicates for chunk contents this
	// backend emits as placeholders and that must never reach a client.
	SuppressedContent() []ContentPredicate

	// Name identifies the backend in logs and readiness output
	Name() string

	// Close releases any resources held by the adapter
	Close() error
}

// Stream yields output chunks in production order
type Stream interface {
	// Next blocks until the next chunk is available. It returns io.EOF
	// once the agent has finished.
	Next(ctx context.Context) (*Chunk, error)

	// Close terminates the underlying agent task. Safe to call more than once.
	Close() error
}

// ChatRequest contains parameters for one instruction
type ChatRequest struct {
	Instruction string
	SessionID   string

	// Stream asks for incremental output. Backends that cannot stream
	// deliver the whole answer as one chunk.
	Stream bool

	// Display asks the backend to render output on its own console
	Display bool
}
