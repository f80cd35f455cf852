// Command voice-say is the voice-relay client: it submits text to the
// relay, fetches the synthesized audio, and plays it through whichever
// media player is available on the host.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/gorilla/websocket"
	"github.com/lmittmann/tint"

	voicerelay "github.com/wolfeidau/voice-relay"
	"github.com/wolfeidau/voice-relay/playback"
)

var version = "dev"

type globals struct {
	Server  string        `help:"Relay base URL." default:"http://localhost:8000" env:"VOICE_SAY_SERVER"`
	Token   string        `help:"Bearer token for the relay." env:"VOICE_SAY_TOKEN"`
	Player     string        `help:"Player command tried before the built-in candidates (executable plus arguments)." env:"VOICE_SAY_PLAYER"`
	PlayerArgs string        `help:"Extra arguments appended to the player command." env:"VOICE_SAY_PLAYER_ARGS"`
	Timeout    time.Duration `help:"Per-request and per-playback timeout." default:"2m"`
	Debug   bool          `help:"Enable debug logging."`

	Version kong.VersionFlag `help:"Print version and exit."`
}

type cli struct {
	globals

	Say    sayCmd    `cmd:"" help:"Speak text through the relay and play the audio."`
	Play   playCmd   `cmd:"" help:"Fetch a cached artifact by identifier and play it."`
	Listen listenCmd `cmd:"" help:"Follow relay notifications and play every new utterance."`
}

func main() {
	var flags cli
	kctx := kong.Parse(&flags,
		kong.Name("voice-say"),
		kong.Description("Client for the voice-relay daemon."),
		kong.Vars{"version": version},
	)

	level := slog.LevelWarn
	if flags.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := newRelayClient(flags.globals, logger)
	kctx.BindTo(ctx, (*context.Context)(nil))
	kctx.FatalIfErrorf(kctx.Run(client))
}

type sayCmd struct {
	Text []string `arg:"" help:"Text to speak."`
}

func (c *sayCmd) Run(ctx context.Context, client *relayClient) error {
	return client.say(ctx, strings.Join(c.Text, " "))
}

type playCmd struct {
	ID string `arg:"" help:"Artifact identifier to play."`
}

func (c *playCmd) Run(ctx context.Context, client *relayClient) error {
	return client.playArtifact(ctx, c.ID)
}

type listenCmd struct{}

func (c *listenCmd) Run(ctx context.Context, client *relayClient) error {
	return client.listen(ctx)
}

// relayClient talks to the relay and dispatches playback locally.
type relayClient struct {
	base       string
	token      string
	http       *http.Client
	dispatcher *playback.Dispatcher
	logger     *slog.Logger
}

func newRelayClient(g globals, logger *slog.Logger) *relayClient {
	resolverOpts := []playback.ResolverOption{}
	if cmd := playerOverride(g); cmd != "" {
		resolverOpts = append(resolverOpts, playback.WithOverride(cmd))
	}

	return &relayClient{
		base:  strings.TrimRight(g.Server, "/"),
		token: g.Token,
		http:  &http.Client{Timeout: g.Timeout},
		dispatcher: playback.NewDispatcher(
			playback.NewResolver(resolverOpts...),
			playback.WithTimeout(g.Timeout),
			playback.WithLogger(logger.With("component", "playback")),
		),
		logger: logger,
	}
}

// playerOverride combines --player and --player-args into one override
// command. Extra arguments without a player are ignored.
func playerOverride(g globals) string {
	player := strings.TrimSpace(g.Player)
	if player == "" {
		return ""
	}
	return strings.TrimSpace(player + " " + g.PlayerArgs)
}

// say posts text to the relay and plays the returned audio.
func (c *relayClient) say(ctx context.Context, text string) error {
	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/v1/speak", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling relay: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return relayError(resp)
	}

	c.logger.Debug("utterance received", "id", resp.Header.Get("X-Audio-ID"))
	return c.playStream(ctx, resp)
}

// playArtifact fetches a cached artifact by identifier and plays it.
func (c *relayClient) playArtifact(ctx context.Context, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/v1/audio/"+id, nil)
	if err != nil {
		return err
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("fetching artifact: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return relayError(resp)
	}
	return c.playStream(ctx, resp)
}

// listen follows the relay's notification socket and plays every new
// utterance, reconnecting with backoff until the context is cancelled.
func (c *relayClient) listen(ctx context.Context) error {
	wsURL, err := c.notifyURL()
	if err != nil {
		return err
	}

	backoff := time.Second
	for {
		err := c.listenOnce(ctx, wsURL)
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warn("notify connection lost, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 30*time.Second)
	}
}

func (c *relayClient) listenOnce(ctx context.Context, wsURL string) error {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return fmt.Errorf("dialing %s: %w", wsURL, err)
	}
	defer func() { _ = conn.Close() }()
	if resp != nil {
		resp.Body.Close()
	}

	c.logger.Info("listening for utterances", "url", wsURL)

	// Unblock the read loop on cancellation.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		id := strings.TrimSpace(string(msg))
		if id == "" {
			continue
		}

		if err := c.playArtifact(ctx, id); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// Keep listening; one unplayable utterance is not fatal.
			c.logger.Warn("failed to play utterance", "id", id, "error", err)
		}
	}
}

// playStream spools a response body to a temp file, plays it, and
// removes the file afterwards.
func (c *relayClient) playStream(ctx context.Context, resp *http.Response) error {
	format := voicerelay.FormatWAV
	if resp.Header.Get("Content-Type") == "audio/mpeg" {
		format = voicerelay.FormatMP3
	}

	tmp, err := os.CreateTemp("", "voice-say-*"+format.Ext())
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	_, err = io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("spooling audio: %w", err)
	}

	outcome, err := c.dispatcher.Play(ctx, tmp.Name(), format)
	if err != nil {
		return err
	}
	c.logger.Debug("played", "candidate", outcome.CandidateUsed, "attempts", len(outcome.Attempts))
	return nil
}

func (c *relayClient) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func (c *relayClient) notifyURL() (string, error) {
	u, err := url.Parse(c.base)
	if err != nil {
		return "", fmt.Errorf("invalid server URL %q: %w", c.base, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server scheme %q", u.Scheme)
	}
	u.Path = "/ws/notify"
	return u.String(), nil
}

// relayError turns a non-200 relay response into an error, preferring
// the JSON error message when one is present.
func relayError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var msg struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &msg); err == nil && msg.Error != "" {
		return fmt.Errorf("relay returned status %d: %s", resp.StatusCode, msg.Error)
	}
	return fmt.Errorf("relay returned status %d", resp.StatusCode)
}
