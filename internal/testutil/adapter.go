package testutil

import (
	"context"
	"io"
	"sync"

	"github.com/HyphaGroup/murmur/internal/agent"
)

// MockAdapter is a test double for agent.Adapter.
// Each Chat replays Chunks; it records calls and allows configuring failures.
type MockAdapter struct {
	mu sync.Mutex

	// Chunks are replayed as chunk contents by every Chat call
	Chunks []any

	// FailAt makes the Nth pull (1-based) return PullError instead of a chunk
	FailAt    int
	PullError error

	// HoldAfter, when > 0, blocks pulls after that many chunks until
	// Release is called or the stream is closed.
	HoldAfter int

	ChatError  error
	ResetError error
	PingError  error
	Suppress   []agent.ContentPredicate

	chatCalls  int
	resetCalls int
	release    chan struct{}
	released   bool
	streams    []*MockStream
	closed     bool
}

// NewMockAdapter creates a mock adapter that replays chunks
func NewMockAdapter(chunks ...any) *MockAdapter {
	return &MockAdapter{
		Chunks:   chunks,
		Suppress: []agent.ContentPredicate{agent.HasPrefix(agent.OpenInterpreterPlaceholders...)},
		release:  make(chan struct{}),
	}
}

func (m *MockAdapter) Chat(ctx context.Context, req *agent.ChatRequest) (agent.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chatCalls++
	if m.ChatError != nil {
		return nil, m.ChatError
	}
	if m.release == nil {
		m.release = make(chan struct{})
	}
	s := &MockStream{
		chunks:    append([]any(nil), m.Chunks...),
		failAt:    m.FailAt,
		pullErr:   m.PullError,
		holdAfter: m.HoldAfter,
		release:   m.release,
		done:      make(chan struct{}),
	}
	m.streams = append(m.streams, s)
	return s, nil
}

func (m *MockAdapter) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetCalls++
	return m.ResetError
}

func (m *MockAdapter) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.PingError
}

func (m *MockAdapter) SuppressedContent() []agent.ContentPredicate {
	return m.Suppress
}

func (m *MockAdapter) Name() string { return "mock" }

func (m *MockAdapter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Release unblocks streams held by HoldAfter
func (m *MockAdapter) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.release == nil {
		m.release = make(chan struct{})
	}
	if !m.released {
		m.released = true
		close(m.release)
	}
}

// ChatCalls returns how many times Chat was called
func (m *MockAdapter) ChatCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.chatCalls
}

// ResetCalls returns how many times Reset was called
func (m *MockAdapter) ResetCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resetCalls
}

// Streams returns the streams handed out so far
func (m *MockAdapter) Streams() []*MockStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*MockStream(nil), m.streams...)
}

// MockStream replays a fixed chunk list
type MockStream struct {
	mu        sync.Mutex
	chunks    []any
	pos       int
	pulls     int
	failAt    int
	pullErr   error
	holdAfter int
	release   chan struct{}
	done      chan struct{}
	closed    bool
}

func (s *MockStream) Next(ctx context.Context) (*agent.Chunk, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, agent.ErrStreamClosed
	}
	s.pulls++
	if s.failAt > 0 && s.pulls == s.failAt {
		s.mu.Unlock()
		return nil, s.pullErr
	}
	hold := s.holdAfter > 0 && s.pos >= s.holdAfter
	s.mu.Unlock()

	if hold {
		select {
		case <-s.release:
		case <-s.done:
			return nil, agent.ErrStreamClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, agent.ErrStreamClosed
	}
	if s.pos >= len(s.chunks) {
		return nil, io.EOF
	}
	c := s.chunks[s.pos]
	s.pos++
	if chunk, ok := c.(*agent.Chunk); ok {
		return chunk, nil
	}
	return &agent.Chunk{Role: agent.RoleAssistant, Type: agent.TypeMessage, Content: c}, nil
}

func (s *MockStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	return nil
}

// Closed reports whether Close was called
func (s *MockStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
