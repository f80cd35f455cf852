package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func postSpeak(t *testing.T, ts *httptest.Server, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(ts.URL+"/api/v1/speak", "application/json", bytes.NewReader([]byte(body)))
	require.NoError(t, err)
	return resp
}

func TestSpeak_SynthesizeAndServe(t *testing.T) {
	engine := &fakeEngine{audio: []byte("synthesized-wav")}
	s, ts := newTestServer(t, func(cfg *Config) {
		cfg.Engine = engine
	})

	resp := postSpeak(t, ts, `{"text":"hello world"}`)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "audio/wav", resp.Header.Get("Content-Type"))

	id := resp.Header.Get("X-Audio-ID")
	require.NotEmpty(t, id)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "synthesized-wav", string(body))

	// The utterance was journaled.
	utterances, err := s.journal.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, utterances, 1)
	require.Equal(t, "hello world", utterances[0].Text)
	require.Equal(t, id, utterances[0].ID.String())
}

func TestSpeak_CacheHit(t *testing.T) {
	engine := &fakeEngine{audio: []byte("synthesized-wav")}
	_, ts := newTestServer(t, func(cfg *Config) {
		cfg.Engine = engine
	})

	first := postSpeak(t, ts, `{"text":"same text"}`)
	firstID := first.Header.Get("X-Audio-ID")
	_, _ = io.Copy(io.Discard, first.Body)
	first.Body.Close()

	second := postSpeak(t, ts, `{"text":"same text"}`)
	defer second.Body.Close()

	require.Equal(t, http.StatusOK, second.StatusCode)
	require.Equal(t, firstID, second.Header.Get("X-Audio-ID"))
	require.Equal(t, 1, engine.calls, "cache hit must not re-synthesize")
}

func TestSpeak_StaleJournalEntryResynthesizes(t *testing.T) {
	engine := &fakeEngine{audio: []byte("synthesized-wav")}
	s, ts := newTestServer(t, func(cfg *Config) {
		cfg.Engine = engine
	})

	first := postSpeak(t, ts, `{"text":"vanishing"}`)
	firstID := first.Header.Get("X-Audio-ID")
	_, _ = io.Copy(io.Discard, first.Body)
	first.Body.Close()

	// Simulate a sweep removing the artifact out from under the journal.
	u, found, err := s.journal.LookupText(context.Background(), "vanishing")
	require.NoError(t, err)
	require.True(t, found)
	require.NoError(t, s.store.Delete(context.Background(), u.ID))

	second := postSpeak(t, ts, `{"text":"vanishing"}`)
	defer second.Body.Close()

	require.Equal(t, http.StatusOK, second.StatusCode)
	require.NotEqual(t, firstID, second.Header.Get("X-Audio-ID"))
	require.Equal(t, 2, engine.calls)
}

func TestSpeak_EmptyText_NoFallback(t *testing.T) {
	_, ts := newTestServer(t, func(cfg *Config) {
		cfg.Engine = &fakeEngine{audio: []byte("unused")}
	})

	resp := postSpeak(t, ts, `{"text":"   "}`)
	defer resp.Body.Close()

	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSpeak_EmptyText_ServesFallback(t *testing.T) {
	_, ts := newTestServer(t, func(cfg *Config) {
		cfg.Engine = &fakeEngine{audio: []byte("unused")}
		cfg.FallbackAudioPath = writeFallbackWAV(t, "fallback-bytes")
	})

	resp := postSpeak(t, ts, `{"text":""}`)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "fallback-bytes", string(body))
}

func TestSpeak_SynthFailure_NoFallback(t *testing.T) {
	_, ts := newTestServer(t, func(cfg *Config) {
		cfg.Engine = &fakeEngine{err: errors.New("engine down")}
	})

	resp := postSpeak(t, ts, `{"text":"hello"}`)
	defer resp.Body.Close()

	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestSpeak_SynthFailure_ServesFallback(t *testing.T) {
	_, ts := newTestServer(t, func(cfg *Config) {
		cfg.Engine = &fakeEngine{err: errors.New("engine down")}
		cfg.FallbackAudioPath = writeFallbackWAV(t, "fallback-bytes")
	})

	resp := postSpeak(t, ts, `{"text":"hello"}`)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "assets/fallback", resp.Header.Get("X-Audio-ID"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "fallback-bytes", string(body))
}

func TestSpeak_NoEngine(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp := postSpeak(t, ts, `{"text":"hello"}`)
	defer resp.Body.Close()

	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestSpeak_EmptySynthOutput(t *testing.T) {
	s, ts := newTestServer(t, func(cfg *Config) {
		cfg.Engine = &fakeEngine{audio: nil}
	})

	resp := postSpeak(t, ts, `{"text":"hello"}`)
	defer resp.Body.Close()

	require.Equal(t, http.StatusBadGateway, resp.StatusCode)

	// The empty artifact was discarded, not cached.
	entries, err := s.store.ListAll(context.Background())
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestSpeak_InvalidBody(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp := postSpeak(t, ts, `{not json`)
	defer resp.Body.Close()

	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
