package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	voicerelay "github.com/wolfeidau/voice-relay"
	"github.com/wolfeidau/voice-relay/artifact"
)

// audioIDHeader carries the artifact identifier of the audio being
// streamed so clients can re-fetch or delete it later.
const audioIDHeader = "X-Audio-ID"

// serveArtifact streams an artifact to the client with Content-Type,
// Content-Length, and the identifier header set. For HEAD requests the
// headers are written but the body is skipped.
func (s *Server) serveArtifact(w http.ResponseWriter, r *http.Request, entry artifact.Entry) {
	rc, entry, err := s.store.Open(r.Context(), entry.ID)
	if errors.Is(err, artifact.ErrNotFound) {
		// Swept between resolve and open.
		writeJSONError(w, http.StatusNotFound, "artifact not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to open artifact", "id", entry.ID, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	defer func() { _ = rc.Close() }()

	w.Header().Set("Content-Type", entry.Format.ContentType())
	w.Header().Set("Content-Length", strconv.FormatInt(entry.Size, 10))
	w.Header().Set(audioIDHeader, entry.ID.String())

	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Error("failed to stream artifact", "id", entry.ID, "error", err)
	}
}

// handleGetAudio streams a stored artifact by identifier.
func (s *Server) handleGetAudio(w http.ResponseWriter, r *http.Request) {
	id := voicerelay.ArtifactID(r.PathValue("id"))
	if !id.Valid() {
		writeJSONError(w, http.StatusNotFound, "artifact not found")
		return
	}

	entry, err := s.store.Resolve(r.Context(), id)
	if errors.Is(err, artifact.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, "artifact not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to resolve artifact", "id", id, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.serveArtifact(w, r, entry)
}

// handleDeleteAudio removes a stored artifact. Deleting an identifier
// that is already gone succeeds; protected artifacts refuse deletion.
func (s *Server) handleDeleteAudio(w http.ResponseWriter, r *http.Request) {
	id := voicerelay.ArtifactID(r.PathValue("id"))

	err := s.store.Delete(r.Context(), id)
	if errors.Is(err, artifact.ErrProtected) {
		writeJSONError(w, http.StatusForbidden, "artifact is protected")
		return
	}
	if err != nil {
		s.logger.Error("failed to delete artifact", "id", id, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleArtifacts dumps the store listing. Ops and debugging surface.
func (s *Server) handleArtifacts(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.ListAll(r.Context())
	if err != nil {
		s.logger.Error("failed to list artifacts", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"count":     len(entries),
		"artifacts": entries,
	})
}

// handleUtterances returns recent journal entries, newest first.
func (s *Server) handleUtterances(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", raw))
			return
		}
		limit = min(n, 100)
	}

	utterances, err := s.journal.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to read journal", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"count":      len(utterances),
		"utterances": utterances,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
