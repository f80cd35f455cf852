package playback

import (
	"path/filepath"
	"strings"

	voicerelay "github.com/wolfeidau/voice-relay"
)

// Resolver produces the ordered list of player candidates for a format.
type Resolver struct {
	platform Platform
	override *Candidate
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithPlatform overrides the detected host platform.
func WithPlatform(platform Platform) ResolverOption {
	return func(r *Resolver) {
		r.platform = platform
	}
}

// WithOverride installs a user-supplied player command. The first
// whitespace-separated field is the executable, the rest its arguments;
// no shell quoting is interpreted. The override is always the first
// candidate, whatever the platform or format — the user is trusted to
// have chosen something compatible.
func WithOverride(command string) ResolverOption {
	return func(r *Resolver) {
		fields := strings.Fields(command)
		if len(fields) == 0 {
			r.override = nil
			return
		}
		r.override = &Candidate{
			Name:       filepath.Base(fields[0]),
			Executable: fields[0],
			Args:       fields[1:],
		}
	}
}

// NewResolver builds a resolver for the current platform.
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		platform: CurrentPlatform(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the candidates able to render format, in priority
// order. An empty result is not an error; the dispatcher reports it.
func (r *Resolver) Resolve(format voicerelay.Format) []Candidate {
	var out []Candidate
	if r.override != nil {
		out = append(out, *r.override)
	}
	for _, c := range builtins {
		if c.eligible(r.platform, format) {
			out = append(out, c)
		}
	}
	return out
}
