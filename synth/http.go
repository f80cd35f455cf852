package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	voicerelay "github.com/wolfeidau/voice-relay"
	"github.com/wolfeidau/voice-relay/telemetry"
)

// HTTPConfig configures an HTTP speech engine.
type HTTPConfig struct {
	// BaseURL is the engine root, e.g. http://localhost:8880.
	BaseURL string

	// Model and Voice select the engine's model and speaker. Either may
	// be empty when the engine has defaults.
	Model string
	Voice string

	// Format is the audio format to request. Defaults to wav.
	Format voicerelay.Format

	// APIKey, when set, is sent as a bearer token.
	APIKey string

	// Timeout bounds a synthesis request. Defaults to 30 seconds.
	Timeout time.Duration

	// Name identifies the engine in logs and metrics. Defaults to
	// "http".
	Name string
}

// HTTPEngine speaks the OpenAI-compatible speech API exposed by engines
// such as kokoro: POST /v1/audio/speech returning the audio body.
type HTTPEngine struct {
	config HTTPConfig
	client *http.Client
}

type speechRequest struct {
	Model          string `json:"model,omitempty"`
	Input          string `json:"input"`
	Voice          string `json:"voice,omitempty"`
	ResponseFormat string `json:"response_format,omitempty"`
}

// NewHTTPEngine creates an engine talking to an HTTP speech service.
func NewHTTPEngine(cfg HTTPConfig) *HTTPEngine {
	if cfg.Format == "" {
		cfg.Format = voicerelay.FormatWAV
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Name == "" {
		cfg.Name = "http"
	}

	return &HTTPEngine{
		config: cfg,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: telemetry.NewInstrumentedTransport(nil, cfg.Name),
		},
	}
}

// Name implements Engine.
func (e *HTTPEngine) Name() string {
	return e.config.Name
}

// Format implements Engine.
func (e *HTTPEngine) Format() voicerelay.Format {
	return e.config.Format
}

// Synthesize implements Engine. The response body is returned as-is so
// callers stream audio straight into the artifact store.
func (e *HTTPEngine) Synthesize(ctx context.Context, text string) (io.ReadCloser, error) {
	payload, err := json.Marshal(speechRequest{
		Model:          e.config.Model,
		Input:          text,
		Voice:          e.config.Voice,
		ResponseFormat: string(e.config.Format),
	})
	if err != nil {
		return nil, fmt.Errorf("encoding speech request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.config.BaseURL+"/v1/audio/speech", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building speech request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	e.authorize(req)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling speech engine %s: %w", e.config.Name, err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("speech engine %s returned status %d: %s",
			e.config.Name, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return resp.Body, nil
}

// Available implements Engine by probing the engine's model listing.
func (e *HTTPEngine) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.config.BaseURL+"/v1/models", nil)
	if err != nil {
		return false
	}
	e.authorize(req)

	resp, err := e.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode == http.StatusOK
}

func (e *HTTPEngine) authorize(req *http.Request) {
	if e.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.config.APIKey)
	}
}

var _ Engine = (*HTTPEngine)(nil)
