package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/sentinel/internal/api"
	"github.com/opensource-finance/sentinel/internal/domain"
	"github.com/opensource-finance/sentinel/internal/telemetry"
	"github.com/opensource-finance/sentinel/internal/worker"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the async claim worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), opts.cfg, cmd.OutOrStdout())
		},
	}
}

func serve(parent context.Context, cfg *domain.Config, out io.Writer) error {
	slog.Info("starting sentinel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
		"tier", cfg.Tier,
	)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Tracing, Version)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("failed to flush traces", "error", err)
		}
	}()

	a, err := newApp(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer a.Close()

	var asyncWorker *worker.Worker
	if cfg.Worker.Enabled {
		asyncWorker = worker.NewWorker(a.bus, a.claims)
		if err := asyncWorker.Start(worker.Config{TenantIDs: cfg.Worker.TenantIDs}); err != nil {
			slog.Error("failed to start async worker", "error", err)
			asyncWorker = nil
		} else {
			a.claims.EnableAsync(cfg.Worker.TenantIDs)
		}
	}

	srv := api.NewServer(cfg.Server, cfg.RateLimit, api.Deps{
		Claims:  a.claims,
		Repo:    a.repo,
		Cache:   a.cache,
		Bus:     a.bus,
		Rules:   a.engine,
		Metrics: a.metrics,
	}, Version)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("sentinel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)
	printBanner(out, cfg, Version)

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("sentinel shutdown complete")
	return nil
}

func printBanner(w io.Writer, cfg *domain.Config, version string) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  +-------------------------------------------+")
	fmt.Fprintln(w, "  |                 SENTINEL                  |")
	fmt.Fprintln(w, "  |      Claim Fraud Signal Fusion Engine     |")
	fmt.Fprintln(w, "  +-------------------------------------------+")
	fmt.Fprintf(w, "  Version:    %s\n", version)
	fmt.Fprintf(w, "  Tier:       %s\n", cfg.Tier)
	fmt.Fprintf(w, "  Listening:  http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Fprintf(w, "  Storage:    %s (fingerprints: %s)\n", cfg.Repository.Driver, cfg.Dedup.Store)
	fmt.Fprintf(w, "  Events:     %s\n", cfg.EventBus.Type)
	fmt.Fprintf(w, "  Classifier: %s\n", cfg.Classifier.Type)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  POST /claims              submit a claim")
	fmt.Fprintln(w, "  GET  /claims?status=...   review queue")
	fmt.Fprintln(w, "  POST /rules               add a CEL rule")
	fmt.Fprintln(w, "  GET  /metrics             prometheus metrics")
	fmt.Fprintln(w)
}
