package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/chatsync/internal/config"
	"github.com/haasonsaas/chatsync/internal/feed"
	"github.com/haasonsaas/chatsync/internal/observability"
	"github.com/haasonsaas/chatsync/internal/outbox"
	"github.com/haasonsaas/chatsync/internal/platform/memory"
	"github.com/haasonsaas/chatsync/internal/platform/remote"
	"github.com/haasonsaas/chatsync/internal/presence"
	"github.com/haasonsaas/chatsync/internal/session"
)

// =============================================================================
// Run Command Handler
// =============================================================================

func runSession(cmd *cobra.Command, configPath string, debug bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	obs := newObservability(cfg, cmd.ErrOrStderr())
	defer obs.shutdown()
	logger := obs.logger

	if _, err := os.Stat(configPath); err == nil && !debug {
		watcher, err := config.Watch(ctx, configPath, config.WatchOptions{Logger: logger}, func(next *config.Config) {
			obs.level.Set(observability.ParseLevel(next.Logging.Level))
		})
		if err != nil {
			logger.Warn("config watch disabled", "error", err)
		} else {
			defer watcher.Close()
		}
	}

	platform, transport, err := openPlatform(cfg, logger)
	if err != nil {
		return err
	}

	deps := session.Deps{
		Platform: platform,
		Presence: transport,
	}
	if cfg.Outbox.Enabled {
		store, err := outbox.Open(ctx, outbox.Config{Path: cfg.Outbox.Path, Logger: logger})
		if err != nil {
			return fmt.Errorf("open outbox: %w", err)
		}
		defer store.Close()
		deps.Outbox = store
	}

	activity := newLineActivity()
	deps.Activity = activity

	sessCfg := session.ConfigFrom(cfg)
	sessCfg.Logger = logger
	sessCfg.Metrics = obs.metrics
	sessCfg.Tracer = obs.tracer
	sess, err := session.New(deps, sessCfg)
	if err != nil {
		return err
	}

	if cfg.Observability.MetricsAddr != "" {
		srv := startMetricsServer(cfg.Observability.MetricsAddr, obs.registry, sess, logger)
		defer shutdownServer(srv)
	}

	if err := sess.Acquire(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sess.Close(stopCtx); err != nil {
			logger.Warn("session shutdown", "error", err)
		}
	}()

	r := newREPL(sess, cmd.OutOrStdout())
	r.activity = activity
	unwatch := r.watchIncoming()
	defer unwatch()

	fmt.Fprintf(cmd.OutOrStdout(), "signed in as %s (%s platform). type \"help\" for commands.\n", cfg.User.ID, cfg.Platform.Mode)
	return r.run(ctx, cmd.InOrStdin())
}

// loadConfig loads path. A missing default file falls back to built-in
// defaults so `chatsync run` works out of the box.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) && path == defaultConfigPath {
		cfg := config.Default()
		cfg.User.ID = os.Getenv("USER")
		if cfg.User.ID == "" {
			cfg.User.ID = "me"
		}
		return cfg, cfg.Validate()
	}
	return config.Load(path)
}

// openPlatform returns the platform adapter and presence transport for cfg.
func openPlatform(cfg *config.Config, logger *slog.Logger) (session.Platform, presence.Transport, error) {
	switch cfg.Platform.Mode {
	case config.PlatformRemote:
		client, err := remote.New(remote.Config{
			BaseURL:        cfg.Platform.BaseURL,
			Token:          cfg.Platform.Token,
			RequestTimeout: cfg.Platform.RequestTimeout,
			Logger:         logger,
		})
		if err != nil {
			return nil, nil, err
		}
		if client.UserID() != cfg.User.ID {
			return nil, nil, fmt.Errorf("token is for user %q, config says %q", client.UserID(), cfg.User.ID)
		}
		return client, client.Presence(), nil
	default:
		backend := memory.NewBackend(memory.Config{Logger: logger})
		backend.CreatePost("chatsync", "Welcome to chatsync. Try `like` on this post.")
		client := backend.Client(cfg.User.ID)
		return client, client.Presence(), nil
	}
}

type observabilityStack struct {
	logger   *slog.Logger
	level    *slog.LevelVar
	registry *prometheus.Registry
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	flush    func(context.Context) error
}

func newObservability(cfg *config.Config, out io.Writer) *observabilityStack {
	logger, level := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: out,
	})
	slog.SetDefault(logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	tracing := cfg.Observability.Tracing
	tracer, flush := observability.NewTracer(observability.TraceConfig{
		ServiceName:    tracing.ServiceName,
		ServiceVersion: version,
		Environment:    tracing.Environment,
		Endpoint:       tracing.Endpoint,
		SamplingRate:   tracing.SamplingRate,
		Insecure:       tracing.Insecure,
	})

	return &observabilityStack{
		logger:   logger,
		level:    level,
		registry: registry,
		metrics:  observability.NewMetrics(registry),
		tracer:   tracer,
		flush:    flush,
	}
}

func (o *observabilityStack) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.flush(ctx); err != nil {
		o.logger.Warn("trace flush failed", "error", err)
	}
}

func startMetricsServer(addr string, registry *prometheus.Registry, sess *session.Session, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(sess.Health(r.Context()))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	logger.Info("metrics server listening", "addr", addr)
	return srv
}

func shutdownServer(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

// lineActivity turns input lines into presence activity.
type lineActivity struct {
	ch chan time.Time
}

func newLineActivity() *lineActivity {
	return &lineActivity{ch: make(chan time.Time, 1)}
}

func (a *lineActivity) Activity() <-chan time.Time { return a.ch }

func (a *lineActivity) touch() {
	select {
	case a.ch <- time.Now():
	default:
	}
}

var _ presence.ActivitySource = (*lineActivity)(nil)
var _ feed.Outbox = (*outbox.Store)(nil)
