package voicerelay

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewArtifactIDDistinct(t *testing.T) {
	h := HashBytes([]byte("same bytes"))

	a := NewArtifactID(h)
	b := NewArtifactID(h)

	// Identical content must still yield distinct identifiers.
	require.NotEqual(t, a, b)
	require.True(t, a.Valid())
	require.True(t, b.Valid())

	// Both carry the same content hash prefix.
	require.True(t, strings.HasPrefix(a.String(), h.ShortString()+"-"))
	require.True(t, strings.HasPrefix(b.String(), h.ShortString()+"-"))
}

func TestArtifactIDProtected(t *testing.T) {
	id := ProtectedID("fallback")
	require.Equal(t, ArtifactID("assets/fallback"), id)
	require.True(t, id.Protected())
	require.True(t, id.Valid())

	regular := NewArtifactID(HashBytes([]byte("x")))
	require.False(t, regular.Protected())
}

func TestArtifactIDValid(t *testing.T) {
	tests := []struct {
		name  string
		id    ArtifactID
		valid bool
	}{
		{"regular", NewArtifactID(HashBytes([]byte("a"))), true},
		{"protected", ProtectedID("tone.wav"), true},
		{"empty", ArtifactID(""), false},
		{"bare hash", ArtifactID("deadbeef"), false},
		{"non-hex prefix", ArtifactID("zzzzzzzz-018f4f7c-0000-7000-8000-000000000000"), false},
		{"bad uuid", ArtifactID("deadbeef-not-a-uuid"), false},
		{"traversal", ArtifactID("assets/../secret"), false},
		{"nested protected", ArtifactID("assets/a/b"), false},
		{"empty protected", ArtifactID("assets/"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.valid, tt.id.Valid())
		})
	}
}

func TestFormat(t *testing.T) {
	require.Equal(t, ".wav", FormatWAV.Ext())
	require.Equal(t, ".mp3", FormatMP3.Ext())
	require.Equal(t, "audio/wav", FormatWAV.ContentType())
	require.Equal(t, "audio/mpeg", FormatMP3.ContentType())
	require.True(t, FormatWAV.Valid())
	require.False(t, Format("ogg").Valid())
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("WAV")
	require.NoError(t, err)
	require.Equal(t, FormatWAV, f)

	f, err = ParseFormat("mpeg")
	require.NoError(t, err)
	require.Equal(t, FormatMP3, f)

	_, err = ParseFormat("ogg")
	require.Error(t, err)
}

func TestFormatFromPath(t *testing.T) {
	f, err := FormatFromPath("assets/fallback.wav")
	require.NoError(t, err)
	require.Equal(t, FormatWAV, f)

	f, err = FormatFromPath("deadbeef-018f.mp3")
	require.NoError(t, err)
	require.Equal(t, FormatMP3, f)

	_, err = FormatFromPath("noext")
	require.Error(t, err)
}
