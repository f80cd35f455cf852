package voicerelay

import (
	"encoding/hex"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
)

// Format identifies the audio container format of a stored artifact.
type Format string

const (
	FormatWAV Format = "wav"
	FormatMP3 Format = "mp3"
)

// Ext returns the file extension for the format, including the dot.
func (f Format) Ext() string {
	return "." + string(f)
}

// ContentType returns the MIME type served for the format.
func (f Format) ContentType() string {
	switch f {
	case FormatMP3:
		return "audio/mpeg"
	default:
		return "audio/wav"
	}
}

// Valid reports whether f is a known format.
func (f Format) Valid() bool {
	return f == FormatWAV || f == FormatMP3
}

// ParseFormat parses a format name as it appears in config or API requests.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "wav", "wave":
		return FormatWAV, nil
	case "mp3", "mpeg":
		return FormatMP3, nil
	default:
		return "", fmt.Errorf("unknown audio format %q", s)
	}
}

// FormatFromPath derives the format from a file path's extension.
func FormatFromPath(p string) (Format, error) {
	ext := strings.TrimPrefix(path.Ext(p), ".")
	if ext == "" {
		return "", fmt.Errorf("path %q has no extension", p)
	}
	return ParseFormat(ext)
}

// ProtectedPrefix is the identifier prefix reserved for protected artifacts.
// Artifacts under it (bundled fallback audio and the like) are installed at
// startup, survive every sweep, and refuse deletion. The prefix is fixed for
// the lifetime of the process.
const ProtectedPrefix = "assets/"

// ArtifactID identifies a stored audio artifact.
//
// Regular identifiers have the form <hash8>-<uuidv7>: the first eight hex
// characters of the content's BLAKE3 hash, then a time-ordered UUID. The
// hash prefix ties an identifier to its bytes; the UUID component makes
// every create, including a create of identical bytes, yield a fresh
// identifier that is never reused.
//
// Protected identifiers have the form assets/<name> and are stable across
// restarts.
type ArtifactID string

// NewArtifactID derives a fresh identifier from the content hash and the
// current time.
func NewArtifactID(h Hash) ArtifactID {
	u, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the entropy source does; a random UUID
		// keeps the never-reused property.
		u = uuid.New()
	}
	return ArtifactID(h.ShortString() + "-" + u.String())
}

// ProtectedID returns the identifier for a protected artifact with the
// given name.
func ProtectedID(name string) ArtifactID {
	return ArtifactID(ProtectedPrefix + name)
}

// String returns the identifier as a plain string.
func (id ArtifactID) String() string {
	return string(id)
}

// Protected reports whether the identifier names a protected artifact.
func (id ArtifactID) Protected() bool {
	return strings.HasPrefix(string(id), ProtectedPrefix)
}

// Valid reports whether the identifier is syntactically well formed. It
// accepts regular <hash8>-<uuid> identifiers and single-level protected
// names; anything resembling path traversal is rejected.
func (id ArtifactID) Valid() bool {
	s := string(id)
	if id.Protected() {
		name := strings.TrimPrefix(s, ProtectedPrefix)
		return name != "" && name == path.Base(name) && name != "." && name != ".."
	}
	// hash prefix, separator, canonical UUID
	if len(s) != 8+1+36 || s[8] != '-' {
		return false
	}
	if _, err := hex.DecodeString(s[:8]); err != nil {
		return false
	}
	if _, err := uuid.Parse(s[9:]); err != nil {
		return false
	}
	return true
}
