// Package synth produces audio from text through external speech
// engines. Engines run out of process: an OpenAI-compatible HTTP speech
// service, or a local command fed text on stdin. Synthesis inside this
// process is out of scope.
package synth

import (
	"context"
	"io"

	voicerelay "github.com/wolfeidau/voice-relay"
)

// Engine converts text into an audio stream.
type Engine interface {
	// Synthesize renders text as audio. The caller owns the returned
	// stream and must close it.
	Synthesize(ctx context.Context, text string) (io.ReadCloser, error)

	// Format is the audio format this engine produces.
	Format() voicerelay.Format

	// Available reports whether the engine can currently serve
	// requests.
	Available(ctx context.Context) bool

	// Name identifies the engine in logs and metrics.
	Name() string
}
