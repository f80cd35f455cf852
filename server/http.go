// Package server exposes the voice relay over HTTP and WebSocket:
// speak requests in, cached audio artifacts out, with new-utterance
// notifications fanned out to connected listeners.
package server

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/netutil"

	voicerelay "github.com/wolfeidau/voice-relay"
	"github.com/wolfeidau/voice-relay/artifact"
	"github.com/wolfeidau/voice-relay/janitor"
	"github.com/wolfeidau/voice-relay/journal"
	"github.com/wolfeidau/voice-relay/synth"
	"github.com/wolfeidau/voice-relay/telemetry"
)

// FallbackID is the protected identifier the fallback audio clip is
// installed under when configured.
const FallbackID = "fallback"

// Config holds server configuration, loaded once at startup.
type Config struct {
	// Addr to listen on (e.g., ":8000")
	Addr string

	// DataDir is the root data directory. Artifacts live under
	// <DataDir>/artifacts, the journal at <DataDir>/journal.db.
	DataDir string

	// TTL is the artifact time-to-live. Zero means never evict.
	TTL time.Duration

	// SweepInterval is the janitor sweep cadence. Default: 5 minutes.
	SweepInterval time.Duration

	// AuthToken enables bearer authentication when non-empty.
	AuthToken string

	// Engine synthesizes speech. Nil means synthesis is unavailable and
	// speak requests fall back to the fallback artifact.
	Engine synth.Engine

	// FallbackAudioPath is an optional WAV/MP3 file installed as the
	// protected fallback artifact, served when synthesis fails.
	FallbackAudioPath string

	// JournalPath overrides the journal location. Default:
	// <DataDir>/journal.db.
	JournalPath string

	// JournalRetention bounds journal record age. Zero keeps records
	// forever.
	JournalRetention time.Duration

	// MaxConns caps concurrent connections. Default: 512.
	MaxConns int

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP relay server.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	// Components
	store    *artifact.Store
	journal  *journal.Journal
	janitor  *janitor.Manager
	reaper   *journal.Reaper
	hub      *Hub
	fallback *artifact.Entry

	reaperCancel context.CancelFunc
	reaperDone   chan struct{}
}

// New creates a server with the given configuration: artifact store,
// journal, janitor, and notification hub, wired behind the HTTP routes.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8000"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./voice-data"
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	if cfg.TTL < 0 {
		return nil, fmt.Errorf("ttl must not be negative, got %s", cfg.TTL)
	}
	if cfg.MaxConns == 0 {
		cfg.MaxConns = 512
	}
	if cfg.JournalPath == "" {
		cfg.JournalPath = filepath.Join(cfg.DataDir, "journal.db")
	}

	store, err := artifact.New(
		filepath.Join(cfg.DataDir, "artifacts"),
		artifact.WithLogger(cfg.Logger.With("component", "artifacts")),
	)
	if err != nil {
		return nil, fmt.Errorf("creating artifact store: %w", err)
	}

	jnl, err := journal.Open(cfg.JournalPath,
		journal.WithLogger(cfg.Logger.With("component", "journal")),
	)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}

	s := &Server{
		config:  cfg,
		logger:  cfg.Logger,
		store:   store,
		journal: jnl,
		hub:     NewHub(cfg.Logger.With("component", "notify")),
		janitor: janitor.NewManager(store, janitor.Config{
			TTL:      cfg.TTL,
			Interval: cfg.SweepInterval,
			Logger:   cfg.Logger.With("component", "janitor"),
		}),
	}
	s.reaper = journal.NewReaper(jnl, cfg.JournalRetention,
		journal.WithReaperLogger(cfg.Logger.With("component", "reaper")),
	)

	if cfg.FallbackAudioPath != "" {
		if err := s.installFallback(context.Background(), cfg.FallbackAudioPath); err != nil {
			_ = jnl.Close()
			return nil, err
		}
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.loggingMiddleware(s.authMiddleware(mux)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // WebSocket connections stay open indefinitely
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// installFallback stores the configured audio file as the protected
// fallback artifact.
func (s *Server) installFallback(ctx context.Context, path string) error {
	format, err := voicerelay.FormatFromPath(path)
	if err != nil {
		return fmt.Errorf("fallback audio: %w", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening fallback audio: %w", err)
	}
	defer func() { _ = f.Close() }()

	entry, err := s.store.InstallProtected(ctx, FallbackID, f, format)
	if err != nil {
		return fmt.Errorf("installing fallback audio: %w", err)
	}
	s.fallback = &entry
	return nil
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health check and metrics, never authenticated
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// Relay API
	mux.HandleFunc("POST /api/v1/speak", s.handleSpeak)
	mux.HandleFunc("GET /api/v1/audio/{id...}", s.handleGetAudio)
	mux.HandleFunc("HEAD /api/v1/audio/{id...}", s.handleGetAudio)
	mux.HandleFunc("DELETE /api/v1/audio/{id...}", s.handleDeleteAudio)
	mux.HandleFunc("GET /api/v1/artifacts", s.handleArtifacts)
	mux.HandleFunc("GET /api/v1/utterances", s.handleUtterances)

	// Utterance notifications
	mux.Handle("GET /ws/notify", s.hub)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		// Inject request tags so handlers can set cache_result, endpoint, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)
		telemetry.SetEndpoint(r, deriveEndpoint(r.URL.Path))

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		}

		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start begins serving. It starts the janitor and the journal reaper,
// then blocks in the HTTP accept loop until Shutdown or a listen error.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("starting janitor",
		"ttl", s.config.TTL,
		"sweep_interval", s.config.SweepInterval,
	)
	if err := s.janitor.Start(ctx); err != nil {
		return fmt.Errorf("starting janitor: %w", err)
	}

	reaperCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.reaperCancel = cancel
	s.reaperDone = make(chan struct{})
	go func() {
		defer close(s.reaperDone)
		s.reaper.Run(reaperCtx)
	}()

	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.config.Addr, err)
	}
	ln = netutil.LimitListener(ln, s.config.MaxConns)

	s.logger.Info("starting server", "address", ln.Addr().String())
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server: background tasks first,
// then the HTTP drain bounded by the caller's context, then the journal.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	s.janitor.Stop()
	if s.reaperCancel != nil {
		s.reaperCancel()
		<-s.reaperDone
	}
	s.hub.Close()

	err := s.httpServer.Shutdown(ctx)

	if cerr := s.journal.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Address returns the server's configured listen address.
func (s *Server) Address() string {
	return s.config.Addr
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for WebSocket upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// deriveEndpoint classifies the request path for logs and metrics.
func deriveEndpoint(path string) string {
	switch {
	case path == "/health" || path == "/metrics":
		return "internal"
	case path == "/api/v1/speak":
		return "speak"
	case strings.HasPrefix(path, "/api/v1/audio/"):
		return "audio"
	case path == "/api/v1/artifacts":
		return "artifacts"
	case path == "/api/v1/utterances":
		return "utterances"
	case path == "/ws/notify":
		return "notify"
	default:
		return "unknown"
	}
}
