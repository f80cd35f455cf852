package playback

import (
	"slices"

	voicerelay "github.com/wolfeidau/voice-relay"
)

// Candidate is an external player program the dispatcher may attempt.
type Candidate struct {
	// Name identifies the candidate in logs and outcomes.
	Name string

	// Executable is the program name or path handed to the OS.
	Executable string

	// Args is the fixed argument template. The audio file path is
	// appended as the final argument.
	Args []string

	// Platforms lists the host platforms this candidate is eligible on.
	// Empty means every platform.
	Platforms []Platform

	// Formats lists the audio formats this candidate can render.
	// Empty means every format.
	Formats []voicerelay.Format
}

func (c Candidate) eligible(platform Platform, format voicerelay.Format) bool {
	if len(c.Platforms) > 0 && !slices.Contains(c.Platforms, platform) {
		return false
	}
	if len(c.Formats) > 0 && !slices.Contains(c.Formats, format) {
		return false
	}
	return true
}

// builtins is the fixed candidate list. Order is priority order,
// most-reliable-first; ties within a platform/format pair are broken by
// list position.
var builtins = []Candidate{
	{
		Name:       "aplay",
		Executable: "aplay",
		Args:       []string{"-q"},
		Platforms:  []Platform{PlatformLinux},
		Formats:    []voicerelay.Format{voicerelay.FormatWAV},
	},
	{
		Name:       "paplay",
		Executable: "paplay",
		Platforms:  []Platform{PlatformLinux},
		Formats:    []voicerelay.Format{voicerelay.FormatWAV},
	},
	{
		Name:       "mpg123",
		Executable: "mpg123",
		Args:       []string{"-q"},
		Platforms:  []Platform{PlatformLinux, PlatformDarwin},
		Formats:    []voicerelay.Format{voicerelay.FormatMP3},
	},
	{
		Name:       "mpg321",
		Executable: "mpg321",
		Args:       []string{"-q"},
		Platforms:  []Platform{PlatformLinux},
		Formats:    []voicerelay.Format{voicerelay.FormatMP3},
	},
	{
		Name:       "afplay",
		Executable: "afplay",
		Platforms:  []Platform{PlatformDarwin},
	},
	{
		Name:       "ffplay",
		Executable: "ffplay",
		Args:       []string{"-nodisp", "-autoexit", "-loglevel", "error"},
	},
	{
		Name:       "mpv",
		Executable: "mpv",
		Args:       []string{"--no-video", "--really-quiet"},
	},
}
