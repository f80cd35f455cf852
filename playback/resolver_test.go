package playback

import (
	"testing"

	"github.com/stretchr/testify/require"

	voicerelay "github.com/wolfeidau/voice-relay"
)

func names(candidates []Candidate) []string {
	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, c.Name)
	}
	return out
}

func TestResolveLinuxWAV(t *testing.T) {
	r := NewResolver(WithPlatform(PlatformLinux))

	got := r.Resolve(voicerelay.FormatWAV)
	require.Equal(t, []string{"aplay", "paplay", "ffplay", "mpv"}, names(got))
}

func TestResolveLinuxMP3(t *testing.T) {
	r := NewResolver(WithPlatform(PlatformLinux))

	got := r.Resolve(voicerelay.FormatMP3)
	require.Equal(t, []string{"mpg123", "mpg321", "ffplay", "mpv"}, names(got))
}

func TestResolveDarwinMP3(t *testing.T) {
	r := NewResolver(WithPlatform(PlatformDarwin))

	got := r.Resolve(voicerelay.FormatMP3)
	require.Equal(t, []string{"mpg123", "afplay", "ffplay", "mpv"}, names(got))
}

func TestResolveUnknownPlatform(t *testing.T) {
	r := NewResolver(WithPlatform(PlatformUnknown))

	// Only the platform-agnostic candidates remain.
	got := r.Resolve(voicerelay.FormatWAV)
	require.Equal(t, []string{"ffplay", "mpv"}, names(got))
}

func TestResolveWindows(t *testing.T) {
	r := NewResolver(WithPlatform(PlatformWindows))

	// No builtin targets windows directly; the cross-platform players
	// carry it.
	got := r.Resolve(voicerelay.FormatWAV)
	require.Equal(t, []string{"ffplay", "mpv"}, names(got))
}

func TestResolveOverrideFirst(t *testing.T) {
	r := NewResolver(WithPlatform(PlatformLinux), WithOverride("mpv --volume=50"))

	got := r.Resolve(voicerelay.FormatWAV)
	require.Equal(t, []string{"mpv", "aplay", "paplay", "ffplay", "mpv"}, names(got))
	require.Equal(t, "mpv", got[0].Executable)
	require.Equal(t, []string{"--volume=50"}, got[0].Args)
}

func TestResolveOverrideIgnoresTags(t *testing.T) {
	// The override leads even when no builtin tag would admit it.
	r := NewResolver(WithPlatform(PlatformDarwin), WithOverride("/usr/local/bin/wavonly -s"))

	got := r.Resolve(voicerelay.FormatMP3)
	require.NotEmpty(t, got)
	require.Equal(t, "wavonly", got[0].Name)
	require.Equal(t, "/usr/local/bin/wavonly", got[0].Executable)
	require.Equal(t, []string{"-s"}, got[0].Args)
}

func TestResolveBlankOverrideIgnored(t *testing.T) {
	plain := NewResolver(WithPlatform(PlatformLinux))
	blank := NewResolver(WithPlatform(PlatformLinux), WithOverride("   "))

	require.Equal(t, names(plain.Resolve(voicerelay.FormatWAV)), names(blank.Resolve(voicerelay.FormatWAV)))
}
