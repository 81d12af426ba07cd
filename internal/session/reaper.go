package session

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/HyphaGroup/murmur/internal/logger"
)

// Reap cancels and removes sessions running longer than maxAge.
// It returns the number reaped.
func (r *Registry) Reap(maxAge time.Duration) int {
	if maxAge <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-maxAge)
	reaped := 0
	for _, info := range r.List() {
		if info.StartedAt.After(cutoff) {
			break
		}
		if err := r.Cancel(info.ID, SourceReaper); err != nil {
			logger.Error("Reaper failed to cancel session %s: %v", info.ID, err)
		}
		r.End(info.ID)
		reaped++
	}
	return reaped
}

// Reaper periodically reaps stale sessions on a cron schedule
type Reaper struct {
	cron *cron.Cron
}

// StartReaper schedules Reap(maxAge) with a cron spec such as "@every 1m".
func StartReaper(r *Registry, spec string, maxAge time.Duration) (*Reaper, error) {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		if n := r.Reap(maxAge); n > 0 {
			logger.Info("Reaped %d stale session(s) older than %s", n, maxAge)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid reap schedule %q: %w", spec, err)
	}
	c.Start()
	return &Reaper{cron: c}, nil
}

// Stop halts the schedule and waits for a running sweep, bounded by ctx
func (rp *Reaper) Stop(ctx context.Context) {
	done := rp.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}
