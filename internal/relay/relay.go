package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/HyphaGroup/murmur/internal/agent"
	"github.com/HyphaGroup/murmur/internal/config"
	"github.com/HyphaGroup/murmur/internal/logger"
	"github.com/HyphaGroup/murmur/internal/metrics"
	"github.com/HyphaGroup/murmur/internal/session"
)

// ErrCancelled is returned by Run when the session was cancelled. No
// terminal event has been sent; the canceller acknowledges instead.
var ErrCancelled = errors.New("instruction cancelled")

// Run results, also used as metric labels
const (
	ResultComplete  = "complete"
	ResultCancelled = "cancelled"
	ResultError     = "error"
)

// Settings tune a relay; they can be swapped while runs are in flight
type Settings struct {
	StartMessage    string
	CompleteMessage string

	// MinInterval spaces progress events; 0 disables pacing
	MinInterval time.Duration

	// Suppress is added to the adapter's own suppressed-content predicates
	Suppress []agent.ContentPredicate
}

// SettingsFromConfig builds Settings from the relay config section
func SettingsFromConfig(c config.RelaySection) Settings {
	s := Settings{
		StartMessage:    c.StartMessage,
		CompleteMessage: c.CompleteMessage,
		MinInterval:     c.Interval(),
	}
	if len(c.SuppressPrefixes) > 0 {
		s.Suppress = []agent.ContentPredicate{agent.HasPrefix(c.SuppressPrefixes...)}
	}
	return s
}

// Result summarizes one run
type Result struct {
	SessionID string
	Emitted   []string
	Cancelled bool
	Duration  time.Duration
}

// Last returns the last emitted content, or ""
func (r *Result) Last() string {
	if r == nil || len(r.Emitted) == 0 {
		return ""
	}
	return r.Emitted[len(r.Emitted)-1]
}

// Relay invokes the agent for one instruction and forwards its output
type Relay struct {
	adapter  agent.Adapter
	registry *session.Registry
	settings atomic.Pointer[Settings]
}

// New creates a relay
func New(adapter agent.Adapter, registry *session.Registry, settings Settings) *Relay {
	r := &Relay{adapter: adapter, registry: registry}
	r.UpdateSettings(settings)
	return r
}

// UpdateSettings replaces the settings used by subsequent runs
func (r *Relay) UpdateSettings(s Settings) {
	r.settings.Store(&s)
}

// Settings returns the current settings
func (r *Relay) Settings() Settings {
	return *r.settings.Load()
}

// Serve begins a session for id, runs instruction and ends the session.
// It returns session.ErrDuplicateSession if id is already running.
func (r *Relay) Serve(ctx context.Context, id, source, instruction string, sink Sink) (*Result, error) {
	flag, err := r.registry.Begin(id, source)
	if err != nil {
		return nil, err
	}
	defer r.registry.Finish(id, flag)
	return r.Run(ctx, id, flag, instruction, sink)
}

// Run streams the agent's answer to instruction into sink. The caller owns
// the session: it must have called Begin for id and must end it afterwards.
//
// Event sequence: start, then one progress per surviving chunk, then a
// final complete with the last content (if any) and a complete with the
// status message. A pull error ends the run with a single error event.
// Cancellation stops output at the next chunk boundary and suppresses the
// terminal events.
func (r *Relay) Run(ctx context.Context, id string, flag *session.Flag, instruction string, sink Sink) (*Result, error) {
	st := r.Settings()
	started := time.Now()
	res := &Result{SessionID: id}
	ctx = logger.WithSessionID(ctx, id)

	finish := func(result string, err error) (*Result, error) {
		res.Duration = time.Since(started)
		res.Cancelled = result == ResultCancelled
		metrics.RecordRun(result, res.Duration)
		if result == ResultCancelled {
			logger.InfoContext(ctx, "relay cancelled", "emitted", len(res.Emitted))
			return res, ErrCancelled
		}
		return res, err
	}

	// emit sends ev unless the session is cancelled
	emit := func(ev Event) (bool, error) {
		return flag.Run(func() error { return sink.Send(ev) })
	}

	if ok, err := emit(StartEvent(st.StartMessage, id)); !ok {
		return finish(ResultCancelled, nil)
	} else if err != nil {
		return finish(ResultError, fmt.Errorf("sending start: %w", err))
	}

	logger.InfoContext(ctx, "relay started", "adapter", r.adapter.Name(), "instruction", truncate(instruction, 80))
	// A stop that lands before the stream exists has no task to close;
	// cancelling the chat context aborts the pending request instead
	chatCtx, cancelChat := context.WithCancel(ctx)
	defer cancelChat()
	go func() {
		select {
		case <-flag.Done():
			cancelChat()
		case <-chatCtx.Done():
		}
	}()
	stream, err := r.adapter.Chat(chatCtx, &agent.ChatRequest{Instruction: instruction, SessionID: id, Stream: true})
	if err != nil {
		if flag.Cancelled() {
			return finish(ResultCancelled, nil)
		}
		logger.ErrorContext(ctx, "agent chat failed", "error", err)
		if _, serr := emit(ErrorEvent(err.Error())); serr != nil {
			logger.ErrorContext(ctx, "failed to send error event", "error", serr)
		}
		return finish(ResultError, err)
	}
	defer stream.Close()
	if err := r.registry.Attach(id, stream); err != nil {
		logger.ErrorContext(ctx, "attach failed", "error", err)
	}

	filter := NewFilter(append(append([]agent.ContentPredicate(nil), r.adapter.SuppressedContent()...), st.Suppress...))
	var pacer *rate.Limiter
	if st.MinInterval > 0 {
		pacer = rate.NewLimiter(rate.Every(st.MinInterval), 1)
	}

	for {
		if flag.Cancelled() {
			return finish(ResultCancelled, nil)
		}

		chunk, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// Closing a cancelled session's stream surfaces here as an error
			if flag.Cancelled() {
				return finish(ResultCancelled, nil)
			}
			if ctx.Err() != nil {
				return finish(ResultError, ctx.Err())
			}
			logger.ErrorContext(ctx, "agent stream failed", "error", err, "emitted", len(res.Emitted))
			if _, serr := emit(ErrorEvent(err.Error())); serr != nil {
				logger.ErrorContext(ctx, "failed to send error event", "error", serr)
			}
			return finish(ResultError, err)
		}

		content := chunk.Text()
		outcome := filter.Check(content)
		metrics.RecordChunk(outcome)
		if outcome != OutcomeEmitted {
			continue
		}

		if pacer != nil {
			if err := pacer.Wait(ctx); err != nil {
				return finish(ResultError, err)
			}
		}

		ok, err := emit(ProgressEvent(content))
		if !ok {
			return finish(ResultCancelled, nil)
		}
		if err != nil {
			return finish(ResultError, fmt.Errorf("sending progress: %w", err))
		}
		filter.Record(content)
		res.Emitted = append(res.Emitted, content)
	}

	if last := filter.Last(); last != "" {
		ok, err := emit(FinalEvent(last))
		if !ok {
			return finish(ResultCancelled, nil)
		}
		if err != nil {
			return finish(ResultError, fmt.Errorf("sending final: %w", err))
		}
	}
	ok, err := emit(CompleteEvent(st.CompleteMessage))
	if !ok {
		return finish(ResultCancelled, nil)
	}
	if err != nil {
		return finish(ResultError, fmt.Errorf("sending complete: %w", err))
	}

	logger.InfoContext(ctx, "relay complete", "emitted", len(res.Emitted), "duration", time.Since(started))
	return finish(ResultComplete, nil)
}

func truncate(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n]) + "..."
}
