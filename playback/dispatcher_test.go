package playback

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	voicerelay "github.com/wolfeidau/voice-relay"
)

type staticResolver struct {
	candidates []Candidate
}

func (s staticResolver) Resolve(voicerelay.Format) []Candidate {
	return s.candidates
}

// writeScript builds a candidate backed by a shell script.
func writeScript(t *testing.T, name, body string) Candidate {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("player scripts require a unix shell")
	}

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return Candidate{Name: name, Executable: path}
}

func TestPlayFirstSuccessWins(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "c-ran")

	a := writeScript(t, "player-a", "exit 1")
	b := writeScript(t, "player-b", "exit 0")
	c := writeScript(t, "player-c", "touch "+marker)

	d := NewDispatcher(staticResolver{[]Candidate{a, b, c}})

	outcome, err := d.Play(t.Context(), "/audio/test.wav", voicerelay.FormatWAV)
	require.NoError(t, err)
	require.True(t, outcome.Succeeded)
	require.Equal(t, "player-b", outcome.CandidateUsed)
	require.Len(t, outcome.Attempts, 2)

	// The third candidate was never invoked.
	require.NoFileExists(t, marker)
}

func TestPlayExhaustion(t *testing.T) {
	a := writeScript(t, "player-a", "exit 1")
	b := writeScript(t, "player-b", "exit 2")

	d := NewDispatcher(staticResolver{[]Candidate{a, b}})

	outcome, err := d.Play(t.Context(), "/audio/test.wav", voicerelay.FormatWAV)
	require.Error(t, err)
	require.False(t, outcome.Succeeded)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Len(t, exhausted.Attempts, 2)
	require.Contains(t, err.Error(), "player-a")
	require.Contains(t, err.Error(), "player-b")
}

func TestPlayMissingExecutableSkipped(t *testing.T) {
	ghost := Candidate{Name: "ghost", Executable: "/nonexistent/ghost-player"}
	ok := writeScript(t, "player-ok", "exit 0")

	d := NewDispatcher(staticResolver{[]Candidate{ghost, ok}})

	outcome, err := d.Play(t.Context(), "/audio/test.wav", voicerelay.FormatWAV)
	require.NoError(t, err)
	require.Equal(t, "player-ok", outcome.CandidateUsed)
	require.Len(t, outcome.Attempts, 2)
	require.Error(t, outcome.Attempts[0].Err)
}

func TestPlayTimeoutFallsThrough(t *testing.T) {
	// The forked sleep survives the kill and holds the output pipes,
	// so the attempt must be bounded by WaitDelay, not by the child.
	slow := writeScript(t, "player-slow", "sleep 5 &\nwait")
	fast := writeScript(t, "player-fast", "exit 0")

	d := NewDispatcher(staticResolver{[]Candidate{slow, fast}}, WithTimeout(100*time.Millisecond))

	start := time.Now()
	outcome, err := d.Play(t.Context(), "/audio/test.wav", voicerelay.FormatWAV)
	require.NoError(t, err)
	require.Equal(t, "player-fast", outcome.CandidateUsed)
	require.Error(t, outcome.Attempts[0].Err)
	require.Less(t, time.Since(start), 3*time.Second)
}

func TestPlayNoCandidates(t *testing.T) {
	d := NewDispatcher(staticResolver{})

	_, err := d.Play(t.Context(), "/audio/test.wav", voicerelay.FormatWAV)
	require.Error(t, err)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Empty(t, exhausted.Attempts)
	require.Contains(t, err.Error(), "no player candidates")
}

func TestPlayCapturesDiagnostics(t *testing.T) {
	noisy := writeScript(t, "player-noisy", "echo 'device busy' >&2\nexit 1")
	quiet := writeScript(t, "player-quiet", "exit 0")

	d := NewDispatcher(staticResolver{[]Candidate{noisy, quiet}})

	outcome, err := d.Play(t.Context(), "/audio/test.wav", voicerelay.FormatWAV)
	require.NoError(t, err)
	require.Equal(t, "device busy", outcome.Attempts[0].Output)
}

func TestPlayAppendsPathAfterArgs(t *testing.T) {
	argv := filepath.Join(t.TempDir(), "argv.txt")

	echo := writeScript(t, "player-echo", `printf '%s ' "$@" > `+argv)
	echo.Args = []string{"-q", "--flag"}

	d := NewDispatcher(staticResolver{[]Candidate{echo}})

	_, err := d.Play(t.Context(), "/audio/test.wav", voicerelay.FormatWAV)
	require.NoError(t, err)

	data, err := os.ReadFile(argv)
	require.NoError(t, err)
	require.Equal(t, "-q --flag /audio/test.wav", strings.TrimSpace(string(data)))
}

func TestPlayCanceledContext(t *testing.T) {
	never := writeScript(t, "player-never", "exit 0")

	d := NewDispatcher(staticResolver{[]Candidate{never, never}})

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := d.Play(ctx, "/audio/test.wav", voicerelay.FormatWAV)
	require.ErrorIs(t, err, context.Canceled)
}
