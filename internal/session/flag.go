package session

import (
	"sync"
	"sync/atomic"
)

// Flag is a session's cancellation flag. It is set at most once.
//
// Emissions go through Run, which holds the flag for the duration of the
// write. Set waits for an in-flight Run to finish, so once Set returns no
// further output for the session can reach the client. This is what lets a
// stop handler send its acknowledgment last.
//
// Cancelled reads an atomic and never waits on the lock, so callers holding
// other locks are not stalled behind a slow client write.
type Flag struct {
	mu        sync.RWMutex
	cancelled atomic.Bool
	done      chan struct{}
}

// NewFlag returns an unset flag
func NewFlag() *Flag {
	return &Flag{done: make(chan struct{})}
}

// Set marks the flag cancelled and waits for an in-flight Run. It reports
// whether this call changed it. Set must not be called from inside Run on
// the same flag.
func (f *Flag) Set() bool {
	changed := f.cancelled.CompareAndSwap(false, true)
	if changed {
		close(f.done)
	}
	// A Run that checked the flag before the swap finishes its write here
	f.mu.Lock()
	f.mu.Unlock() //nolint:staticcheck // empty critical section is the barrier
	return changed
}

// Cancelled reports whether the flag is set
func (f *Flag) Cancelled() bool {
	return f.cancelled.Load()
}

// Done is closed when the flag is set
func (f *Flag) Done() <-chan struct{} {
	return f.done
}

// Run executes fn unless the flag is set; ran reports whether it did.
func (f *Flag) Run(fn func() error) (ran bool, err error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.cancelled.Load() {
		return false, nil
	}
	return true, fn()
}
