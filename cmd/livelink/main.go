// Command livelink streams microphone audio (and optional image frames) to a
// realtime multimodal endpoint and plays the model's audio responses. The
// session survives credential expiry, transient disconnects, and server
// drain notices without operator intervention.
//
// Usage:
//
//	livelink -config livelink.yaml
//
// Environment variables (override the config file):
//
//	LIVELINK_API_KEY        - Long-lived key for the token endpoint
//	LIVELINK_TOKEN_ENDPOINT - Ephemeral token minting URL
//	LIVELINK_ENDPOINT_URL   - Realtime endpoint URL (websocket kind)
//	LIVELINK_MODEL          - Live model name (gemini kind)
//
// Controls:
//
//	/image <path>   - Send an image frame alongside the next audio chunk
//	/status         - Print session state
//	q               - Quit
package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/solara-ai/livelink/pkg/capture"
	"github.com/solara-ai/livelink/pkg/clock"
	"github.com/solara-ai/livelink/pkg/config"
	"github.com/solara-ai/livelink/pkg/credential"
	"github.com/solara-ai/livelink/pkg/geminilive"
	"github.com/solara-ai/livelink/pkg/media"
	"github.com/solara-ai/livelink/pkg/metrics"
	"github.com/solara-ai/livelink/pkg/session"
	"github.com/solara-ai/livelink/pkg/transport"
)

func main() {
	os.Exit(runMain())
}

func runMain() int {
	_ = godotenv.Load()

	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to YAML config file (optional; defaults plus LIVELINK_* env vars apply without one)")
	flag.Parse()

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		return 2
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logging:", err)
		return 2
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(prometheus.DefaultRegisterer)
		go serveMetrics(cfg.Metrics.Address, logger)
	}

	issuer := &countingIssuer{
		inner: credential.NewHTTPIssuer(credential.HTTPIssuerConfig{
			Endpoint: cfg.Credential.Endpoint,
			APIKey:   cfg.Credential.APIKey,
		}),
		metrics: m,
	}
	store := credential.NewStore(credential.StoreConfig{
		SafetyBuffer: cfg.Credential.SafetyBuffer(),
		RefreshLead:  cfg.Credential.RefreshLead(),
	}, issuer, clock.Real())
	defer store.Close()

	audioFormat := media.AudioFormat{
		SampleRate: cfg.Audio.SampleRate,
		Channels:   cfg.Audio.Channels,
		BitDepth:   cfg.Audio.BitDepth,
	}
	var videoFormat media.VideoFormat
	if cfg.Video.FrameRate > 0 {
		videoFormat = media.VideoFormat{
			Width:     cfg.Video.Width,
			Height:    cfg.Video.Height,
			FrameRate: cfg.Video.FrameRate,
		}
	}

	dialer, err := newDialer(cfg, audioFormat, videoFormat, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "endpoint:", err)
		return 2
	}

	mgr := session.New(session.Config{
		Reconnect: session.ReconnectConfig{
			MaxAttempts: cfg.Reconnect.MaxAttempts,
			BaseDelay:   cfg.Reconnect.BaseDelay(),
		},
		Health: session.HealthConfig{
			CheckInterval:       cfg.Health.CheckInterval(),
			InactivityThreshold: cfg.Health.InactivityThreshold(),
		},
	}, dialer, store, clock.Real(), logger, m)

	mic, speaker, cleanupAudio, err := initAudio(audioFormat, cfg.Audio.ChunkPeriod())
	if err != nil {
		fmt.Fprintln(os.Stderr, "audio init:", err)
		return 1
	}
	defer cleanupAudio()

	buffer := capture.NewPairingBuffer(func(in media.Input) {
		if err := mgr.Send(in); err != nil {
			logger.Debug("input not sent", "error", err)
		}
	})
	sampler := capture.NewSampler(capture.SamplerConfig{
		ChunkPeriod: cfg.Audio.ChunkPeriod(),
		FramePeriod: videoFormat.FramePeriod(),
	}, mic, buffer, clock.Real(), logger)

	if err := mgr.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "session start:", err)
		return 1
	}
	defer mgr.Stop()

	sampler.Start(ctx)
	defer sampler.Stop()

	if m != nil {
		go syncOverwriteMetric(ctx, buffer, m)
	}

	sessionErrCh := make(chan error, 1)
	go func() {
		sessionErrCh <- runEventLoop(mgr, speaker, outputFormat(audioFormat), logger)
	}()

	stdinDone := make(chan struct{})
	go func() {
		defer close(stdinDone)
		commandLoop(mgr, mic, logger)
	}()

	fmt.Fprintln(os.Stderr, "livelink: listening (type /image <path>, /status, or q)")

	select {
	case <-ctx.Done():
		return 0
	case <-stdinDone:
		return 0
	case err := <-sessionErrCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "session error:", err)
			return 1
		}
		return 0
	}
}

func loadConfig(path string) (*config.Config, error) {
	if strings.TrimSpace(path) != "" {
		return config.Load(path)
	}
	cfg := config.Default()
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("invalid level %q: %w", cfg.Level, err)
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler), nil
}

func newDialer(cfg *config.Config, audio media.AudioFormat, video media.VideoFormat, logger *slog.Logger) (session.Dialer, error) {
	switch cfg.Endpoint.Kind {
	case "gemini":
		return geminilive.NewDialer(geminilive.Config{
			Model:             cfg.Endpoint.Model,
			SystemInstruction: cfg.Endpoint.SystemInstruction,
		}, logger), nil
	case "websocket":
		return transport.NewDialer(transport.Config{
			Endpoint: cfg.Endpoint.URL,
			AudioIn:  audio,
			VideoIn:  video,
		}, logger), nil
	default:
		return nil, fmt.Errorf("unsupported endpoint kind %q", cfg.Endpoint.Kind)
	}
}

func serveMetrics(addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info("metrics listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("metrics server stopped", "error", err)
	}
}

// runEventLoop consumes session events until the session closes. Model audio
// goes to the speaker; a reconnect flushes it so stale output is not played
// over the restored session.
func runEventLoop(mgr *session.Manager, speaker *speakerWriter, out media.AudioFormat, logger *slog.Logger) error {
	for event := range mgr.Events() {
		switch e := event.(type) {
		case session.ConnectedEvent:
			if e.Resumed {
				logger.Info("session resumed")
			} else {
				logger.Info("session connected")
			}
		case session.ReconnectingEvent:
			logger.Warn("reconnecting", "attempt", e.Attempt, "delay", e.Delay, "cause", e.Cause)
			speaker.Flush()
		case session.GoAwayEvent:
			logger.Warn("server drain notice", "time_left", e.TimeLeft, "reconnect_at", e.ReconnectAt)
		case session.MessageEvent:
			if e.Message.Audio != nil {
				data, err := base64.StdEncoding.DecodeString(e.Message.Audio.DataB64)
				if err != nil {
					logger.Warn("bad model audio payload", "error", err)
					continue
				}
				logger.Debug("model audio", "bytes", len(data), "duration", out.Duration(len(data)))
				speaker.Write(data)
			}
		case session.FatalEvent:
			return e.Err
		case session.ClosedEvent:
			return nil
		}
	}
	return nil
}

func commandLoop(mgr *session.Manager, mic *micDevice, logger *slog.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if strings.EqualFold(input, "q") {
			return
		}
		if strings.HasPrefix(input, "/image ") {
			path := strings.TrimSpace(strings.TrimPrefix(input, "/image "))
			if err := pushImage(mic, path); err != nil {
				fmt.Printf("[ERROR] Failed to queue image: %v\n", err)
			} else {
				fmt.Printf("[QUEUED] Image: %s\n", path)
			}
			continue
		}
		if input == "/status" {
			fmt.Printf("state=%s busy=%v resumption_handle=%q\n", mgr.State(), mgr.Busy(), mgr.ResumptionHandle())
			continue
		}
		fmt.Println("[INFO] Commands: /image <path>, /status, q")
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("stdin read failed", "error", err)
	}
}

// pushImage reads an image file and queues it as the next video frame.
func pushImage(mic *micDevice, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}
	if len(data) > 10*1024*1024 {
		fmt.Printf("[WARN] Large file (%d MB) - this may take a moment\n", len(data)/1024/1024)
	}
	mic.PushFrame(media.VideoFrame{
		Data:       data,
		Format:     inferImageFormat(path),
		CapturedAt: time.Now(),
	})
	return nil
}

// inferImageFormat infers MIME type from file extension.
func inferImageFormat(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return "image/jpeg"
	}
}

// countingIssuer wraps an issuer to count successful issuances.
type countingIssuer struct {
	inner   credential.Issuer
	metrics *metrics.Metrics
}

func (c *countingIssuer) Issue(ctx context.Context) (credential.Credential, error) {
	cred, err := c.inner.Issue(ctx)
	if err != nil {
		c.metrics.RecordCredentialFailure()
		return cred, err
	}
	c.metrics.RecordCredentialRefresh()
	return cred, nil
}

// syncOverwriteMetric mirrors the pairing buffer's overwrite counter into the
// exported metric. The buffer counts internally so the capture path stays
// free of metrics plumbing.
func syncOverwriteMetric(ctx context.Context, buffer *capture.PairingBuffer, m *metrics.Metrics) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	var last uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := buffer.FramesOverwritten()
			for ; last < now; last++ {
				m.RecordFrameOverwritten()
			}
		}
	}
}
