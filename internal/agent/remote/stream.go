package remote

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/HyphaGroup/murmur/internal/agent"
)

// stream reads LMC chunks from an SSE body on demand. Nothing is read
// ahead, so a slow consumer slows the interpreter's HTTP response too.
type stream struct {
	body       io.ReadCloser
	reader     *bufio.Reader
	cancel     context.CancelFunc
	accumulate bool
	acc        agent.Accumulator

	mu     sync.Mutex
	closed bool
	done   bool
}

func newStream(body io.ReadCloser, cancel context.CancelFunc, accumulate bool) *stream {
	return &stream{
		body:       body,
		reader:     bufio.NewReader(body),
		cancel:     cancel,
		accumulate: accumulate,
	}
}

func (s *stream) Next(ctx context.Context) (*agent.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, s.cancel)
	defer stop()

	for {
		s.mu.Lock()
		closed, done := s.closed, s.done
		s.mu.Unlock()
		if closed {
			return nil, agent.ErrStreamClosed
		}
		if done {
			return nil, io.EOF
		}

		line, err := s.reader.ReadString('\n')
		if err != nil && line == "" {
			return nil, s.readError(ctx, err)
		}

		chunk, end, ok := parseDataLine(line)
		if end {
			s.mu.Lock()
			s.done = true
			s.mu.Unlock()
			return nil, io.EOF
		}
		if !ok {
			if err != nil {
				return nil, s.readError(ctx, err)
			}
			continue
		}
		if out := s.merge(chunk); out != nil {
			return out, nil
		}
	}
}

func (s *stream) readError(ctx context.Context, err error) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	switch {
	case closed:
		return agent.ErrStreamClosed
	case ctx.Err() != nil:
		return ctx.Err()
	case err == io.EOF:
		return io.EOF
	default:
		return fmt.Errorf("error reading events: %w", err)
	}
}

func (s *stream) merge(c *agent.Chunk) *agent.Chunk {
	if !s.accumulate {
		if c.Content == nil {
			return nil
		}
		return c
	}
	return s.acc.Merge(c)
}

func (s *stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	return s.body.Close()
}
