package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/wolfeidau/voice-relay/artifact"
	"github.com/wolfeidau/voice-relay/journal"
	"github.com/wolfeidau/voice-relay/telemetry"
)

// maxSpeakBody bounds the speak request body.
const maxSpeakBody = 1 << 20

type speakRequest struct {
	Text string `json:"text"`
}

// handleSpeak relays text to the synthesis engine and streams the audio
// back. Identical text served before is answered straight from the
// artifact cache; the journal entry is advisory, so a cache hit is only
// trusted after the artifact's existence is confirmed on disk.
func (s *Server) handleSpeak(w http.ResponseWriter, r *http.Request) {
	var req speakRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxSpeakBody)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	text := strings.TrimSpace(req.Text)
	if text == "" {
		s.serveFallback(w, r, http.StatusBadRequest, "empty text")
		return
	}

	// Cache check: last artifact journaled for this exact text.
	if u, found, err := s.journal.LookupText(r.Context(), text); err != nil {
		s.logger.Warn("journal lookup failed", "error", err)
	} else if found {
		if entry, err := s.store.Resolve(r.Context(), u.ID); err == nil {
			telemetry.SetCacheResult(r, telemetry.CacheHit)
			s.serveArtifact(w, r, entry)
			return
		}
		// Stale journal entry; the artifact was swept. Synthesize again.
	}
	telemetry.SetCacheResult(r, telemetry.CacheMiss)

	if s.config.Engine == nil {
		s.logger.Warn("no synthesis engine configured")
		s.serveFallback(w, r, http.StatusBadGateway, "synthesis unavailable")
		return
	}

	audio, err := s.config.Engine.Synthesize(r.Context(), text)
	if err != nil {
		s.logger.Error("synthesis failed",
			"engine", s.config.Engine.Name(),
			"error", err,
		)
		s.serveFallback(w, r, http.StatusBadGateway, "synthesis failed")
		return
	}
	defer func() { _ = audio.Close() }()

	entry, err := s.store.Create(r.Context(), audio, s.config.Engine.Format())
	if err != nil {
		s.logger.Error("failed to store synthesized audio", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "failed to store audio")
		return
	}

	if entry.Size == 0 {
		// The engine produced nothing; an empty clip is useless.
		_ = s.store.Delete(r.Context(), entry.ID)
		s.logger.Error("synthesis produced empty audio", "engine", s.config.Engine.Name())
		s.serveFallback(w, r, http.StatusBadGateway, "synthesis produced no audio")
		return
	}

	if err := s.journal.Append(r.Context(), journal.Utterance{
		ID:        entry.ID,
		Text:      text,
		Format:    entry.Format,
		Size:      entry.Size,
		CreatedAt: entry.CreatedAt,
	}); err != nil {
		// The artifact is already stored and servable; losing the journal
		// entry only costs a future cache hit.
		s.logger.Warn("failed to journal utterance", "id", entry.ID, "error", err)
	}

	s.hub.Broadcast(r.Context(), entry.ID)

	s.serveArtifact(w, r, entry)
}

// serveFallback streams the protected fallback artifact when synthesis
// cannot serve the request. Without a fallback installed the original
// failure is returned as JSON instead.
func (s *Server) serveFallback(w http.ResponseWriter, r *http.Request, failStatus int, failMsg string) {
	if s.fallback == nil {
		writeJSONError(w, failStatus, failMsg)
		return
	}

	entry, err := s.store.Resolve(r.Context(), s.fallback.ID)
	if errors.Is(err, artifact.ErrNotFound) {
		// Installed at startup and protected from sweeps; gone means
		// someone removed it from disk out of band.
		s.logger.Error("fallback artifact missing", "id", s.fallback.ID)
		writeJSONError(w, failStatus, failMsg)
		return
	}
	if err != nil {
		s.logger.Error("failed to resolve fallback artifact", "error", err)
		writeJSONError(w, failStatus, failMsg)
		return
	}

	s.serveArtifact(w, r, entry)
}
