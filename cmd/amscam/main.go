package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	ossignal "os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"amscam/native/internal/api"
	"amscam/native/internal/config"
	"amscam/native/internal/domain"
	"amscam/native/internal/ingest"
	"amscam/native/internal/logger"
	"amscam/native/internal/metrics"
	sigclient "amscam/native/internal/signal"
	"amscam/native/internal/viewer"
	"amscam/native/internal/webrtc"

	"github.com/go-chi/chi/v5"
)

const shutdownTimeout = 5 * time.Second

const helpText = `amscam - Ingest a live stream from an Ant Media server via WebRTC

Usage:
  amscam [options]

The encoded video (Annex-B H264) is written to stdout. Pipe to ffplay or
ffmpeg for playback or recording. Logs go to stderr.

Environment Variables (required):
  ANTMEDIA_STREAM_ID  Stream to play
  API_EMAIL           Account email for the token backend
  API_PASSWORD        Account password

Environment Variables (optional):
  WEBSOCKET_URL  Media server; only host[:port] is used
  API_BASE_URL   Token backend base URL
  API_ENV        "protech" selects the GraphQL backend
  BUFFER_SIZE    Frame buffer capacity (default 60)
  STUN_URL       STUN server for candidate discovery
  TLS_INSECURE   Skip certificate validation (default true)
  LOG_LEVEL      debug, info, warn, error (default info)
  LOG_FORMAT     text or json (default text)
  METRICS_ADDR   Listen address for /metrics and /healthz (default :9090, empty disables)

Examples:
  # Live playback
  amscam | ffplay -f h264 -

  # Record to MP4
  amscam | ffmpeg -f h264 -i - -c copy output.mp4

Options:
  -h, --help  Show this help message
`

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "-h" || os.Args[1] == "--help") {
		fmt.Print(helpText)
		os.Exit(0)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	met := metrics.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("shutdown signal received", "signal", sig.String())
		cancel()
	}()

	creds := api.Credentials{BaseURL: cfg.APIBaseURL, Email: cfg.APIEmail, Password: cfg.APIPassword}
	var backend api.Backend
	if cfg.GraphQL() {
		backend = api.NewGraphQLClient(creds, nil)
	} else {
		backend = api.NewRESTClient(creds, nil)
	}
	store := api.NewStore(backend, log, api.WithMetrics(met))

	id := domain.NewStreamIdentity(cfg.WebsocketURL, cfg.StreamID)
	log.Info("starting ingest",
		"stream", id.StreamID,
		"endpoint", id.Endpoint,
		"backend", backendName(cfg),
		"buffer_size", cfg.BufferSize,
	)

	var current atomic.Pointer[viewer.Viewer]
	source := func() domain.Capture {
		v := viewer.New(id, viewer.Options{
			BufferSize: cfg.BufferSize,
			Tokens:     store,
			Dial:       sigclient.NewDialer(cfg.TLSInsecure, log),
			NewPeer:    webrtc.NewFactory(webrtc.Config{STUNURL: cfg.STUNURL, Logger: log}),
			Logger:     log,
			Metrics:    met,
		})
		current.Store(v)
		return v
	}

	var srv *http.Server
	if cfg.MetricsAddr != "" {
		srv = &http.Server{Addr: cfg.MetricsAddr, Handler: router(met, &current)}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server error", "error", err)
			}
		}()
		log.Info("metrics server listening", "addr", cfg.MetricsAddr)
	}

	loop := ingest.New(source, ingest.WriterSink{W: os.Stdout}, ingest.Options{
		Logger:  log,
		Metrics: met,
	})
	runErr := loop.Run(ctx)

	if srv != nil {
		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := srv.Shutdown(sctx); err != nil {
			log.Error("metrics server shutdown", "error", err)
		}
		scancel()
	}

	if runErr != nil {
		log.Error("ingest stopped", "error", runErr)
		os.Exit(1)
	}
	log.Info("done")
}

func backendName(cfg *config.Config) string {
	if cfg.GraphQL() {
		return "graphql"
	}
	return "rest"
}

type health struct {
	State     string `json:"state"`
	Stream    string `json:"stream,omitempty"`
	Buffered  int    `json:"buffered"`
	Capacity  int    `json:"capacity"`
	LastFrame string `json:"last_frame,omitempty"`
}

func router(met *metrics.Metrics, current *atomic.Pointer[viewer.Viewer]) http.Handler {
	r := chi.NewRouter()
	r.Get("/metrics", met.Handler().ServeHTTP)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		h := health{State: domain.StateIdle.String()}
		state := domain.StateIdle
		if v := current.Load(); v != nil {
			state = v.State()
			h.State = state.String()
			h.Stream = v.Identity().StreamID
			h.Buffered, h.Capacity = v.Buffered()
			if f := v.Latest(); f != nil && !f.Timestamp.IsZero() {
				h.LastFrame = f.Timestamp.UTC().Format(time.RFC3339Nano)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		if state != domain.StateMediaFlowing {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(h)
	})
	return r
}
