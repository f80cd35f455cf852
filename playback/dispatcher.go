// Package playback plays audio files through external player programs.
// Candidates are tried in priority order; a missing or failing player is
// a routine environment condition, so individual failures stay quiet and
// only exhaustion of every candidate surfaces as an error.
package playback

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	voicerelay "github.com/wolfeidau/voice-relay"
	"github.com/wolfeidau/voice-relay/telemetry"
)

// DefaultTimeout bounds a single candidate attempt. Playback runs for
// the length of the audio, so this is generous.
const DefaultTimeout = 2 * time.Minute

// Attempt records one candidate invocation.
type Attempt struct {
	// Candidate is the name of the player attempted.
	Candidate string

	// Output is the player's captured diagnostic output, trimmed.
	Output string

	// Err is why the attempt failed, nil on success.
	Err error
}

// Outcome reports the result of a Play call.
type Outcome struct {
	Succeeded     bool
	CandidateUsed string
	Attempts      []Attempt
}

// ExhaustedError reports that every player candidate failed, or that no
// candidate was available at all.
type ExhaustedError struct {
	Format   voicerelay.Format
	Attempts []Attempt
}

func (e *ExhaustedError) Error() string {
	if len(e.Attempts) == 0 {
		return fmt.Sprintf("no player candidates for format %q", e.Format)
	}
	names := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		names = append(names, a.Candidate)
	}
	return fmt.Sprintf("all player candidates failed for format %q: attempted %s", e.Format, strings.Join(names, ", "))
}

// CandidateResolver yields the ordered candidates for a format.
type CandidateResolver interface {
	Resolve(format voicerelay.Format) []Candidate
}

// Dispatcher renders audio files by invoking external players.
type Dispatcher struct {
	resolver CandidateResolver
	timeout  time.Duration
	logger   *slog.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithTimeout sets the per-candidate attempt timeout. Exceeding it is
// treated like a failure exit and the next candidate is tried.
func WithTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.timeout = timeout
	}
}

// WithLogger sets the logger for attempt diagnostics.
func WithLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// NewDispatcher creates a dispatcher over the given resolver.
func NewDispatcher(resolver CandidateResolver, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		resolver: resolver,
		timeout:  DefaultTimeout,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Play renders the audio file at path, trying each candidate in order
// until one succeeds. On total failure the returned error is an
// ExhaustedError naming every candidate attempted; the Outcome carries
// the per-attempt diagnostics either way.
func (d *Dispatcher) Play(ctx context.Context, path string, format voicerelay.Format) (Outcome, error) {
	outcome := Outcome{}

	for _, c := range d.resolver.Resolve(format) {
		attempt, ok := d.attempt(ctx, c, path)
		outcome.Attempts = append(outcome.Attempts, attempt)
		if ok {
			outcome.Succeeded = true
			outcome.CandidateUsed = c.Name
			return outcome, nil
		}
		if ctx.Err() != nil {
			return outcome, ctx.Err()
		}
	}

	return outcome, &ExhaustedError{Format: format, Attempts: outcome.Attempts}
}

func (d *Dispatcher) attempt(ctx context.Context, c Candidate, path string) (Attempt, bool) {
	start := time.Now()
	attempt := Attempt{Candidate: c.Name}

	if _, err := exec.LookPath(c.Executable); err != nil {
		attempt.Err = err
		telemetry.RecordPlayback(ctx, c.Name, "missing", time.Since(start))
		d.logger.Debug("player not installed", "candidate", c.Name)
		return attempt, false
	}

	runCtx := ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	args := make([]string, 0, len(c.Args)+1)
	args = append(args, c.Args...)
	args = append(args, path)

	var stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, c.Executable, args...)
	cmd.Stdout = io.Discard
	cmd.Stderr = &stderr
	// Killing the player does not reap children it forked, and a forked
	// child inheriting the output pipes would keep Run blocked past the
	// deadline. WaitDelay forces Run to give up on the pipes.
	cmd.WaitDelay = time.Second

	err := cmd.Run()
	duration := time.Since(start)
	attempt.Output = strings.TrimSpace(stderr.String())

	if err != nil {
		attempt.Err = err
		result := "failed"
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			result = "timeout"
		}
		telemetry.RecordPlayback(ctx, c.Name, result, duration)
		d.logger.Debug("player failed",
			"candidate", c.Name,
			"error", err,
			"stderr", attempt.Output,
		)
		return attempt, false
	}

	telemetry.RecordPlayback(ctx, c.Name, "success", duration)
	d.logger.Debug("playback complete", "candidate", c.Name, "duration", duration)
	return attempt, true
}
