package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/chatsync/internal/platform/memory"
	"github.com/haasonsaas/chatsync/internal/platform/remote"
)

// =============================================================================
// Serve Command Handler
// =============================================================================

func runServe(cmd *cobra.Command, configPath, listen string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if listen == "" {
		listen = cfg.Platform.Listen
	}
	secret := cfg.Platform.Secret
	if secret == "" {
		secret = os.Getenv("CHATSYNC_SECRET")
	}
	if secret == "" {
		return errors.New("platform.secret or CHATSYNC_SECRET is required to serve")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	obs := newObservability(cfg, cmd.ErrOrStderr())
	defer obs.shutdown()
	logger := obs.logger

	backend := memory.NewBackend(memory.Config{Logger: logger})
	backend.CreatePost("chatsync", "Welcome to chatsync.")

	mux := http.NewServeMux()
	mux.Handle("/v1/", remote.NewServer(backend, remote.ServerConfig{
		Secret: []byte(secret),
		Logger: logger,
	}))
	mux.Handle("/metrics", promhttp.HandlerFor(obs.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	srv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("platform server listening", "addr", listen, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve %s: %w", listen, err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down platform server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
