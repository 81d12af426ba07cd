package agent

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Exclusive wraps an adapter so that at most one chat stream (or reset) is
// in flight at a time. The slot is held from Chat until the returned
// stream is closed; other callers wait, bounded by their context.
func Exclusive(a Adapter) Adapter {
	if _, ok := a.(*exclusiveAdapter); ok {
		return a
	}
	return &exclusiveAdapter{Adapter: a, sem: semaphore.NewWeighted(1)}
}

type exclusiveAdapter struct {
	Adapter
	sem *semaphore.Weighted
}

func (e *exclusiveAdapter) acquire(ctx context.Context) error {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("%w: %v", ErrAdapterBusy, err)
	}
	return nil
}

func (e *exclusiveAdapter) Chat(ctx context.Context, req *ChatRequest) (Stream, error) {
	if err := e.acquire(ctx); err != nil {
		return nil, err
	}
	stream, err := e.Adapter.Chat(ctx, req)
	if err != nil {
		e.sem.Release(1)
		return nil, err
	}
	return &exclusiveStream{Stream: stream, release: func() { e.sem.Release(1) }}, nil
}

func (e *exclusiveAdapter) Reset(ctx context.Context) error {
	if err := e.acquire(ctx); err != nil {
		return err
	}
	defer e.sem.Release(1)
	return e.Adapter.Reset(ctx)
}

type exclusiveStream struct {
	Stream
	once    sync.Once
	release func()
}

func (s *exclusiveStream) Close() error {
	err := s.Stream.Close()
	s.once.Do(s.release)
	return err
}
