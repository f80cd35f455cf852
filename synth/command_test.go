package synth

import (
	"io"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	voicerelay "github.com/wolfeidau/voice-relay"
)

func writeEngineScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("engine scripts require a unix shell")
	}

	path := filepath.Join(t.TempDir(), "fake-piper")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestCommandEngineSynthesize(t *testing.T) {
	script := writeEngineScript(t, "printf 'AUDIO:'\ncat")

	engine := NewCommandEngine(CommandConfig{Command: script, Name: "piper"})

	rc, err := engine.Synthesize(t.Context(), "hello world")
	require.NoError(t, err)
	defer rc.Close()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "AUDIO:hello world", string(got))
}

func TestCommandEngineFailure(t *testing.T) {
	script := writeEngineScript(t, "echo 'voice model missing' >&2\nexit 3")

	engine := NewCommandEngine(CommandConfig{Command: script, Name: "piper"})

	_, err := engine.Synthesize(t.Context(), "hello")
	require.Error(t, err)
	require.Contains(t, err.Error(), "voice model missing")
}

func TestCommandEngineTimeout(t *testing.T) {
	// The forked sleep survives the kill and holds the output pipes,
	// so the run must be bounded by WaitDelay, not by the child.
	script := writeEngineScript(t, "sleep 5 &\nwait")

	engine := NewCommandEngine(CommandConfig{Command: script, Timeout: 100 * time.Millisecond})

	start := time.Now()
	_, err := engine.Synthesize(t.Context(), "hello")
	require.Error(t, err)
	require.Less(t, time.Since(start), 3*time.Second)
}

func TestCommandEngineEmptyOutput(t *testing.T) {
	script := writeEngineScript(t, "echo 'voice model not loaded' >&2\nexit 0")

	engine := NewCommandEngine(CommandConfig{Command: script, Name: "piper"})

	_, err := engine.Synthesize(t.Context(), "hello")
	require.Error(t, err)
	require.Contains(t, err.Error(), "produced no audio")
	require.Contains(t, err.Error(), "voice model not loaded")
}

func TestCommandEngineAvailable(t *testing.T) {
	script := writeEngineScript(t, "exit 0")

	engine := NewCommandEngine(CommandConfig{Command: script})
	require.True(t, engine.Available(t.Context()))

	missing := NewCommandEngine(CommandConfig{Command: "/nonexistent/piper"})
	require.False(t, missing.Available(t.Context()))
}

func TestCommandEngineDefaults(t *testing.T) {
	engine := NewCommandEngine(CommandConfig{Command: "/usr/local/bin/piper"})

	require.Equal(t, "piper", engine.Name())
	require.Equal(t, voicerelay.FormatWAV, engine.Format())
}
