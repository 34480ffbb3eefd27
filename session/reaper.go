package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// DefaultReapInterval runs the sweep once a day at UTC midnight.
const DefaultReapInterval = 24 * time.Hour

// Sweeper is the part of storage.SessionRepository the reaper needs.
type Sweeper interface {
	DeleteSessionsLastUsedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type ReaperOption func(*Reaper)

func WithReaperClock(now func() time.Time) ReaperOption {
	return func(r *Reaper) { r.now = now }
}

func WithReaperLogger(logger *slog.Logger) ReaperOption {
	return func(r *Reaper) { r.logger = logger }
}

// Reaper deletes sessions idle for longer than the inactivity timeout. It
// only bounds storage growth: Verify already rejects stale sessions.
type Reaper struct {
	store      Sweeper
	inactivity time.Duration
	interval   time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

func NewReaper(store Sweeper, inactivity, interval time.Duration, opts ...ReaperOption) (*Reaper, error) {
	if inactivity <= 0 {
		return nil, fmt.Errorf("inactivity timeout must be positive")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("reap interval must be positive")
	}
	r := &Reaper{
		store:      store,
		inactivity: inactivity,
		interval:   interval,
		now:        time.Now,
		logger:     slog.New(slog.NewJSONHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Sweep deletes every session last used before now minus the inactivity
// timeout and returns the number removed.
func (r *Reaper) Sweep(ctx context.Context) (int64, error) {
	cutoff := r.now().UTC().Add(-r.inactivity)
	n, err := r.store.DeleteSessionsLastUsedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reaping sessions: %w", err)
	}
	return n, nil
}

// next returns the first multiple of the interval after now.
func (r *Reaper) next(now time.Time) time.Time {
	return now.UTC().Truncate(r.interval).Add(r.interval)
}

// untilNext is the wait until the next interval boundary on the reaper's
// clock.
func (r *Reaper) untilNext() time.Duration {
	now := r.now()
	return r.next(now).Sub(now)
}

// Run sweeps on every interval boundary until ctx is done. A failed sweep
// is logged and retried at the next boundary.
func (r *Reaper) Run(ctx context.Context) {
	timer := time.NewTimer(r.untilNext())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			start := time.Now()
			n, err := r.Sweep(ctx)
			if err != nil {
				r.logger.Error("session sweep failed", slog.String("error", err.Error()))
			} else {
				r.logger.Info("session sweep complete",
					slog.Int64("deleted", n),
					slog.Duration("elapsed", time.Since(start)))
			}
			timer.Reset(r.untilNext())
		}
	}
}
