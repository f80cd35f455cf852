package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	voicerelay "github.com/wolfeidau/voice-relay"
)

// fakeEngine is a synth.Engine returning canned audio or a canned error.
type fakeEngine struct {
	audio  []byte
	err    error
	format voicerelay.Format
	calls  int
}

func (e *fakeEngine) Synthesize(_ context.Context, _ string) (io.ReadCloser, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	return io.NopCloser(bytes.NewReader(e.audio)), nil
}

func (e *fakeEngine) Format() voicerelay.Format {
	if e.format == "" {
		return voicerelay.FormatWAV
	}
	return e.format
}

func (e *fakeEngine) Available(_ context.Context) bool { return true }
func (e *fakeEngine) Name() string                     { return "fake" }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestServer builds a server on a temp data dir and exposes its
// handler through httptest. The janitor and reaper are not started.
func newTestServer(t *testing.T, mutate func(*Config)) (*Server, *httptest.Server) {
	t.Helper()

	cfg := Config{
		DataDir: t.TempDir(),
		Logger:  discardLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	s, err := New(cfg)
	require.NoError(t, err)

	ts := httptest.NewServer(s.httpServer.Handler)
	t.Cleanup(func() {
		ts.Close()
		s.hub.Close()
		require.NoError(t, s.journal.Close())
	})
	return s, ts
}

func writeFallbackWAV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fallback.wav")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestGetAudio(t *testing.T) {
	s, ts := newTestServer(t, nil)

	entry, err := s.store.Create(context.Background(), strings.NewReader("wav-bytes"), voicerelay.FormatWAV)
	require.NoError(t, err)

	resp, err := http.Get(ts.URL + "/api/v1/audio/" + entry.ID.String())
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "audio/wav", resp.Header.Get("Content-Type"))
	require.Equal(t, entry.ID.String(), resp.Header.Get("X-Audio-ID"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "wav-bytes", string(body))
}

func TestHeadAudio(t *testing.T) {
	s, ts := newTestServer(t, nil)

	entry, err := s.store.Create(context.Background(), strings.NewReader("wav-bytes"), voicerelay.FormatWAV)
	require.NoError(t, err)

	resp, err := http.Head(ts.URL + "/api/v1/audio/" + entry.ID.String())
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "9", resp.Header.Get("Content-Length"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Empty(t, body)
}

func TestGetAudio_NotFound(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/api/v1/audio/no-such-artifact")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}

func TestDeleteAudio(t *testing.T) {
	s, ts := newTestServer(t, nil)

	entry, err := s.store.Create(context.Background(), strings.NewReader("wav-bytes"), voicerelay.FormatWAV)
	require.NoError(t, err)

	del := func() *http.Response {
		req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/v1/audio/"+entry.ID.String(), nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	resp := del()
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	exists, err := s.store.Exists(context.Background(), entry.ID)
	require.NoError(t, err)
	require.False(t, exists)

	// Deleting again is still a success.
	resp = del()
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestDeleteAudio_Protected(t *testing.T) {
	_, ts := newTestServer(t, func(cfg *Config) {
		cfg.FallbackAudioPath = writeFallbackWAV(t, "fallback-bytes")
	})

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/v1/audio/assets/fallback", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestListArtifacts(t *testing.T) {
	s, ts := newTestServer(t, nil)

	_, err := s.store.Create(context.Background(), strings.NewReader("one"), voicerelay.FormatWAV)
	require.NoError(t, err)
	_, err = s.store.Create(context.Background(), strings.NewReader("two"), voicerelay.FormatMP3)
	require.NoError(t, err)

	resp, err := http.Get(ts.URL + "/api/v1/artifacts")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var listing struct {
		Count     int              `json:"count"`
		Artifacts []map[string]any `json:"artifacts"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listing))
	require.Equal(t, 2, listing.Count)
	require.Len(t, listing.Artifacts, 2)
}

func TestUtterances_InvalidLimit(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/api/v1/utterances?limit=zero")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeriveEndpoint(t *testing.T) {
	tests := map[string]string{
		"/health":              "internal",
		"/metrics":             "internal",
		"/api/v1/speak":        "speak",
		"/api/v1/audio/abc123": "audio",
		"/api/v1/artifacts":    "artifacts",
		"/api/v1/utterances":   "utterances",
		"/ws/notify":           "notify",
		"/other":               "unknown",
	}
	for path, want := range tests {
		require.Equal(t, want, deriveEndpoint(path), "path %s", path)
	}
}

func TestNew_NegativeTTL(t *testing.T) {
	_, err := New(Config{DataDir: t.TempDir(), TTL: -1, Logger: discardLogger()})
	require.Error(t, err)
}
