// Command voice-relay is a voice-assistant relay daemon: it accepts
// text over HTTP, synthesizes speech through an external engine, caches
// the audio artifacts on disk, and notifies WebSocket listeners.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	voicerelay "github.com/wolfeidau/voice-relay"
	"github.com/wolfeidau/voice-relay/credentials"
	"github.com/wolfeidau/voice-relay/credentials/opprovider"
	"github.com/wolfeidau/voice-relay/server"
	"github.com/wolfeidau/voice-relay/synth"
	"github.com/wolfeidau/voice-relay/telemetry"
)

var version = "dev"

type cli struct {
	Addr          string        `help:"Address to listen on." default:":8000" env:"VOICE_RELAY_ADDR"`
	DataDir       string        `help:"Root data directory for artifacts and the journal." default:"./voice-data" env:"VOICE_RELAY_DATA_DIR"`
	TTL           time.Duration `help:"Artifact time-to-live, 0 to keep forever." default:"1h" env:"VOICE_RELAY_TTL"`
	SweepInterval time.Duration `help:"How often the janitor sweeps expired artifacts." default:"5m" env:"VOICE_RELAY_SWEEP_INTERVAL"`
	AuthToken     string        `help:"Bearer token required on API requests, empty disables auth." env:"VOICE_RELAY_AUTH_TOKEN"`

	SynthURL     string `help:"Base URL of an OpenAI-compatible speech service (e.g. http://localhost:8880)." env:"VOICE_RELAY_SYNTH_URL"`
	SynthModel   string `help:"Model requested from the HTTP speech service." default:"kokoro" env:"VOICE_RELAY_SYNTH_MODEL"`
	SynthVoice   string `help:"Voice requested from the HTTP speech service." default:"af_nova" env:"VOICE_RELAY_SYNTH_VOICE"`
	SynthFormat  string `help:"Audio format produced by synthesis." default:"wav" enum:"wav,mp3" env:"VOICE_RELAY_SYNTH_FORMAT"`
	SynthCommand string `help:"Local synthesis command reading text on stdin and writing audio to stdout (used when no synth URL is set)." env:"VOICE_RELAY_SYNTH_COMMAND"`

	FallbackAudio    string        `help:"Audio file served when synthesis fails." env:"VOICE_RELAY_FALLBACK_AUDIO" type:"existingfile" optional:""`
	JournalRetention time.Duration `help:"How long journal records are kept, 0 to keep forever." default:"0" env:"VOICE_RELAY_JOURNAL_RETENTION"`
	CredentialsFile  string        `help:"Templated credentials file resolving the auth token and synth API key." env:"VOICE_RELAY_CREDENTIALS_FILE" optional:""`
	MaxConns         int           `help:"Maximum concurrent connections." default:"512" env:"VOICE_RELAY_MAX_CONNS"`

	LogLevel     string `help:"Log level." default:"info" enum:"debug,info,warn,error" env:"VOICE_RELAY_LOG_LEVEL"`
	LogFormat    string `help:"Log format." default:"text" enum:"text,json,tint" env:"VOICE_RELAY_LOG_FORMAT"`
	OTLPEndpoint string `help:"OTLP gRPC endpoint for metrics export, empty disables it." env:"VOICE_RELAY_OTLP_ENDPOINT"`
	Prometheus   bool   `help:"Expose Prometheus metrics on /metrics." env:"VOICE_RELAY_PROMETHEUS"`

	Version kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	var flags cli
	kctx := kong.Parse(&flags,
		kong.Name("voice-relay"),
		kong.Description("Voice-assistant relay daemon: text in, cached synthesized audio out."),
		kong.Vars{"version": version},
		kong.Configuration(kong.JSON, "/etc/voice-relay/config.json", "~/.voice-relay.json"),
	)
	kctx.FatalIfErrorf(run(flags))
}

func run(flags cli) error {
	if flags.TTL < 0 {
		return fmt.Errorf("--ttl must not be negative, got %s", flags.TTL)
	}
	if flags.SweepInterval <= 0 {
		return fmt.Errorf("--sweep-interval must be positive, got %s", flags.SweepInterval)
	}

	logger, err := buildLogger(flags.LogLevel, flags.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "voice-relay",
		ServiceVersion:   version,
		OTLPEndpoint:     flags.OTLPEndpoint,
		EnablePrometheus: flags.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		_ = shutdownMetrics(flushCtx)
	}()

	synthAPIKey := ""
	if flags.CredentialsFile != "" {
		resolver := credentials.NewResolver(
			credentials.WithLogger(logger.With("component", "credentials")),
			opprovider.WithOnePassword(),
		)
		creds, err := resolver.ResolveFile(ctx, flags.CredentialsFile)
		if err != nil {
			return fmt.Errorf("resolving credentials: %w", err)
		}
		if flags.AuthToken == "" {
			flags.AuthToken = creds.AuthToken
		}
		synthAPIKey = creds.SynthAPIKey
	}

	engine, err := buildEngine(flags, synthAPIKey)
	if err != nil {
		return err
	}
	if engine != nil && !engine.Available(ctx) {
		logger.Warn("synthesis engine not currently available, speak requests will fall back",
			"engine", engine.Name(),
		)
	}

	srv, err := server.New(server.Config{
		Addr:              flags.Addr,
		DataDir:           flags.DataDir,
		TTL:               flags.TTL,
		SweepInterval:     flags.SweepInterval,
		AuthToken:         flags.AuthToken,
		Engine:            engine,
		FallbackAudioPath: flags.FallbackAudio,
		JournalRetention:  flags.JournalRetention,
		MaxConns:          flags.MaxConns,
		Logger:            logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	engineName := "none"
	if engine != nil {
		engineName = engine.Name()
	}
	logger.Info("relay started",
		"version", version,
		"address", srv.Address(),
		"data_dir", flags.DataDir,
		"engine", engineName,
		"ttl", flags.TTL,
	)

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// buildEngine constructs the synthesis engine from flags. The HTTP
// engine wins when both a URL and a command are configured; neither
// configured means no synthesis.
func buildEngine(flags cli, apiKey string) (synth.Engine, error) {
	format, err := voicerelay.ParseFormat(flags.SynthFormat)
	if err != nil {
		return nil, err
	}

	if flags.SynthURL != "" {
		return synth.NewHTTPEngine(synth.HTTPConfig{
			BaseURL: strings.TrimRight(flags.SynthURL, "/"),
			Model:   flags.SynthModel,
			Voice:   flags.SynthVoice,
			Format:  format,
			APIKey:  apiKey,
			Name:    "kokoro",
		}), nil
	}

	// A whitespace-only command means no command at all.
	if fields := strings.Fields(flags.SynthCommand); len(fields) > 0 {
		return synth.NewCommandEngine(synth.CommandConfig{
			Command: fields[0],
			Args:    fields[1:],
			Format:  format,
		}), nil
	}

	return nil, nil
}

func buildLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	switch format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	case "tint":
		handler = tint.NewHandler(os.Stdout, &tint.Options{Level: lvl})
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
	return slog.New(handler), nil
}
