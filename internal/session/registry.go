package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/HyphaGroup/murmur/internal/logger"
	"github.com/HyphaGroup/murmur/internal/metrics"
)

// ErrDuplicateSession is returned by Begin while the session already has
// an instruction running.
var ErrDuplicateSession = errors.New("session already has a running instruction")

// Cancellation sources, used for logging and metrics
const (
	SourceStop       = "stop"
	SourceAdmin      = "admin"
	SourceDisconnect = "disconnect"
	SourceReaper     = "reaper"
	SourceShutdown   = "shutdown"
)

// Task is the handle of a running agent invocation. Closing it terminates
// the invocation.
type Task interface {
	Close() error
}

// Info describes a registered session
type Info struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	StartedAt time.Time `json:"started_at"`
	Cancelled bool      `json:"cancelled"`
	HasTask   bool      `json:"has_task"`
}

type entry struct {
	flag      *Flag
	task      Task
	source    string
	startedAt time.Time
}

// Registry maps session ids to their cancellation flag and running task
type Registry struct {
	sessions map[string]*entry
	mu       sync.Mutex
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*entry)}
}

// Begin registers a fresh, unset flag for id. A leftover entry whose flag
// was already cancelled is replaced.
func (r *Registry) Begin(id, source string) (*Flag, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.sessions[id]; ok {
		if !e.flag.Cancelled() {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateSession, id)
		}
		metrics.RecordSessionEnd(e.source)
	}

	f := NewFlag()
	r.sessions[id] = &entry{flag: f, source: source, startedAt: time.Now()}
	metrics.RecordSessionStart(source)
	return f, nil
}

// Attach records the running task for id. If the session was cancelled
// before the task existed, the task is closed immediately.
func (r *Registry) Attach(id string, task Task) error {
	r.mu.Lock()
	e, ok := r.sessions[id]
	if ok {
		e.task = task
	}
	r.mu.Unlock()

	if !ok {
		if err := task.Close(); err != nil {
			return fmt.Errorf("closing task for ended session %s: %w", id, err)
		}
		return nil
	}
	if e.flag.Cancelled() {
		return task.Close()
	}
	return nil
}

// Cancel sets the session's flag and terminates its task. It is idempotent
// and a no-op for unknown ids. The error is the task's close error.
func (r *Registry) Cancel(id, source string) error {
	r.mu.Lock()
	e, ok := r.sessions[id]
	var task Task
	if ok {
		task = e.task
	}
	r.mu.Unlock()

	if !ok {
		return nil
	}
	if e.flag.Set() {
		metrics.RecordCancellation(source)
		logger.Info("Session %s cancelled (%s)", id, source)
	}
	if task != nil {
		if err := task.Close(); err != nil {
			return fmt.Errorf("terminating task for session %s: %w", id, err)
		}
	}
	return nil
}

// End removes id unconditionally
func (r *Registry) End(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remove(id)
}

// Finish removes id only if its entry still belongs to f, so a run that
// ends late cannot remove the entry of the instruction that replaced it.
func (r *Registry) Finish(id string, f *Flag) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.sessions[id]; ok && e.flag == f {
		r.remove(id)
	}
}

func (r *Registry) remove(id string) {
	e, ok := r.sessions[id]
	if !ok {
		return
	}
	delete(r.sessions, id)
	metrics.RecordSessionEnd(e.source)
}

// Len returns the number of registered sessions
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Get returns a snapshot of one session
func (r *Registry) Get(id string) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return Info{}, false
	}
	return e.info(id), true
}

// List returns snapshots of all sessions, oldest first
func (r *Registry) List() []Info {
	r.mu.Lock()
	out := make([]Info, 0, len(r.sessions))
	for id, e := range r.sessions {
		out = append(out, e.info(id))
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (e *entry) info(id string) Info {
	return Info{
		ID:        id,
		Source:    e.source,
		StartedAt: e.startedAt,
		Cancelled: e.flag.Cancelled(),
		HasTask:   e.task != nil,
	}
}

// CancelAll cancels and removes every session, for shutdown
func (r *Registry) CancelAll(source string) {
	for _, info := range r.List() {
		if err := r.Cancel(info.ID, source); err != nil {
			logger.Error("Failed to cancel session %s: %v", info.ID, err)
		}
		r.End(info.ID)
	}
}
