package journal

import (
	"context"
	"log/slog"
	"time"

	"github.com/wolfeidau/voice-relay/telemetry"
)

// Reaper prunes old journal records on an interval.
type Reaper struct {
	journal   *Journal
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger
}

// ReaperOption configures a Reaper.
type ReaperOption func(*Reaper)

// WithReaperInterval sets the prune interval.
func WithReaperInterval(d time.Duration) ReaperOption {
	return func(r *Reaper) {
		r.interval = d
	}
}

// WithReaperLogger sets the logger for the reaper.
func WithReaperLogger(logger *slog.Logger) ReaperOption {
	return func(r *Reaper) {
		r.logger = logger
	}
}

// NewReaper creates a reaper that deletes records older than retention.
// A zero retention disables pruning. Default interval is 1 hour.
func NewReaper(j *Journal, retention time.Duration, opts ...ReaperOption) *Reaper {
	r := &Reaper{
		journal:   j,
		retention: retention,
		interval:  1 * time.Hour,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run starts the reaper loop. It blocks until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Debug("journal reaper started", "interval", r.interval, "retention", r.retention)

	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("journal reaper stopped")
			return
		case <-ticker.C:
			r.reap(ctx)
		}
	}
}

// ReapNow runs a single prune cycle immediately.
func (r *Reaper) ReapNow(ctx context.Context) {
	r.reap(ctx)
}

func (r *Reaper) reap(ctx context.Context) {
	if r.retention <= 0 {
		return
	}

	start := time.Now()
	cutoff := start.Add(-r.retention)

	pruned, err := r.journal.PruneOlderThan(ctx, cutoff)
	telemetry.RecordSweep(ctx, "journal", pruned, time.Since(start))

	if err != nil {
		r.logger.Error("failed to prune journal", "error", err)
		return
	}
	if pruned > 0 {
		r.logger.Info("journal records pruned", "pruned", pruned, "cutoff", cutoff)
	}
}
