package synth

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	voicerelay "github.com/wolfeidau/voice-relay"
	"github.com/wolfeidau/voice-relay/telemetry"
)

// CommandConfig configures a local synthesis command.
type CommandConfig struct {
	// Command is the executable to run, e.g. piper.
	Command string

	// Args are passed verbatim. The text to speak arrives on stdin and
	// the audio is read from stdout.
	Args []string

	// Format is the audio format the command emits. Defaults to wav.
	Format voicerelay.Format

	// Timeout bounds one synthesis run. Defaults to 30 seconds.
	Timeout time.Duration

	// Name identifies the engine in logs and metrics. Defaults to the
	// command's base name.
	Name string
}

// CommandEngine synthesizes speech by running a local program in the
// piper style: text on stdin, audio on stdout.
type CommandEngine struct {
	config CommandConfig
}

// NewCommandEngine creates an engine backed by a local command.
func NewCommandEngine(cfg CommandConfig) *CommandEngine {
	if cfg.Format == "" {
		cfg.Format = voicerelay.FormatWAV
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Name == "" {
		cfg.Name = filepath.Base(cfg.Command)
	}

	return &CommandEngine{config: cfg}
}

// Name implements Engine.
func (e *CommandEngine) Name() string {
	return e.config.Name
}

// Format implements Engine.
func (e *CommandEngine) Format() voicerelay.Format {
	return e.config.Format
}

// Synthesize implements Engine. Output is buffered in full before
// returning; synthesized clips are short.
func (e *CommandEngine) Synthesize(ctx context.Context, text string) (io.ReadCloser, error) {
	start := time.Now()

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, e.config.Command, e.config.Args...)

	// Stdin is wired before start so the process never races the
	// writer.
	cmd.Stdin = strings.NewReader(text)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// A child forked by the synthesizer would inherit the output pipes
	// and keep Run blocked after the timeout kill; WaitDelay forces Run
	// to give up on the pipes.
	cmd.WaitDelay = time.Second

	err := cmd.Run()
	duration := time.Since(start)

	if err != nil {
		outcome := "error"
		if ctx.Err() != nil {
			outcome = "canceled"
		}
		telemetry.RecordSynth(ctx, e.config.Name, duration, 0, outcome)

		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("speech command %s: %w: %s", e.config.Name, err, msg)
		}
		return nil, fmt.Errorf("speech command %s: %w", e.config.Name, err)
	}

	if stdout.Len() == 0 {
		// A clean exit with no audio usually means a misconfigured voice;
		// the command's diagnostics say which one.
		telemetry.RecordSynth(ctx, e.config.Name, duration, 0, "empty")
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("speech command %s: produced no audio: %s", e.config.Name, msg)
		}
		return nil, fmt.Errorf("speech command %s: produced no audio", e.config.Name)
	}

	telemetry.RecordSynth(ctx, e.config.Name, duration, int64(stdout.Len()), "success")

	return io.NopCloser(bytes.NewReader(stdout.Bytes())), nil
}

// Available implements Engine by checking the command is on PATH.
func (e *CommandEngine) Available(_ context.Context) bool {
	_, err := exec.LookPath(e.config.Command)
	return err == nil
}

var _ Engine = (*CommandEngine)(nil)
