// Package janitor sweeps expired audio artifacts from the store on a
// fixed interval. Sweeps are timer driven only; nothing else in the
// process triggers one.
package janitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	voicerelay "github.com/wolfeidau/voice-relay"
	"github.com/wolfeidau/voice-relay/artifact"
	"github.com/wolfeidau/voice-relay/telemetry"
)

// ArtifactStore is the slice of the artifact store the janitor needs.
type ArtifactStore interface {
	ListAll(ctx context.Context) ([]artifact.Entry, error)
	Delete(ctx context.Context, id voicerelay.ArtifactID) error
	Protected(id voicerelay.ArtifactID) bool
}

// Config holds sweep configuration.
type Config struct {
	// TTL is the time-to-live for artifacts since creation. An artifact
	// is deleted once its age strictly exceeds TTL. Zero means artifacts
	// never expire; sweeps still run but delete nothing.
	TTL time.Duration

	// Interval is how often sweeps run. Default is 5 minutes.
	Interval time.Duration

	// Logger for sweep events.
	Logger *slog.Logger
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		TTL:      1 * time.Hour,
		Interval: 5 * time.Minute,
		Logger:   slog.Default(),
	}
}

// Manager runs background artifact sweeps.
type Manager struct {
	config Config
	store  ArtifactStore
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewManager creates a sweep manager over the given store.
func NewManager(store ArtifactStore, cfg Config) *Manager {
	if cfg.Interval == 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Manager{
		config: cfg,
		store:  store,
		logger: cfg.Logger,
		now:    time.Now,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins background sweeps. The first sweep runs immediately.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.mu.Unlock()

	go m.run(ctx)
	return nil
}

// Stop stops background sweeps and waits for an in-flight sweep to
// finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running || m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	close(m.stopCh)
	<-m.doneCh
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	// Run immediately on start
	m.runOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.runOnce(ctx)
		}
	}
}

// Result contains the outcome of a single sweep.
type Result struct {
	Examined         int
	Deleted          int
	SkippedProtected int
	BytesFreed       int64
	Errors           int
	Duration         time.Duration
}

// RunOnce performs a single sweep.
func (m *Manager) RunOnce(ctx context.Context) *Result {
	return m.runOnce(ctx)
}

func (m *Manager) runOnce(ctx context.Context) *Result {
	start := m.now()
	result := &Result{}

	m.logger.Debug("starting artifact sweep")

	entries, err := m.store.ListAll(ctx)
	if err != nil {
		// Unreadable store: report it and let the next tick retry.
		m.logger.Error("failed to list artifacts", "error", err)
		result.Errors++
		return result
	}

	result.Examined = len(entries)

	// Zero TTL means artifacts never expire.
	if m.config.TTL > 0 {
		cutoff := m.now().Add(-m.config.TTL)

		for _, entry := range entries {
			if m.store.Protected(entry.ID) {
				result.SkippedProtected++
				continue
			}
			if !entry.CreatedAt.Before(cutoff) {
				continue
			}

			if err := m.store.Delete(ctx, entry.ID); err != nil {
				m.logger.Warn("failed to delete expired artifact",
					"id", entry.ID,
					"error", err,
				)
				result.Errors++
				continue
			}
			result.Deleted++
			result.BytesFreed += entry.Size
			m.logger.Debug("expired artifact",
				"id", entry.ID,
				"created_at", entry.CreatedAt,
				"age", m.now().Sub(entry.CreatedAt),
			)
		}
	}

	result.Duration = m.now().Sub(start)
	telemetry.RecordSweep(ctx, "janitor", result.Deleted, result.Duration)

	if result.Deleted > 0 {
		m.logger.Info("sweep complete",
			"examined", result.Examined,
			"deleted", result.Deleted,
			"skipped_protected", result.SkippedProtected,
			"bytes_freed", result.BytesFreed,
			"duration", result.Duration,
		)
	} else {
		m.logger.Debug("sweep complete, nothing expired")
	}

	return result
}
