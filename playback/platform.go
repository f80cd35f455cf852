package playback

import "runtime"

// Platform identifies a host operating system for player selection.
type Platform string

const (
	PlatformLinux   Platform = "linux"
	PlatformDarwin  Platform = "darwin"
	PlatformWindows Platform = "windows"

	// PlatformUnknown is returned for operating systems without a
	// dedicated candidate table; cross-platform players still resolve.
	PlatformUnknown Platform = "unknown"
)

// CurrentPlatform returns the platform the process is running on.
func CurrentPlatform() Platform {
	switch runtime.GOOS {
	case "linux":
		return PlatformLinux
	case "darwin":
		return PlatformDarwin
	case "windows":
		return PlatformWindows
	default:
		return PlatformUnknown
	}
}
