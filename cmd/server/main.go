// Command server starts the fleet orchestrator's HTTP ingress: job
// submission, status, streaming, and account-weight inspection. The worker
// process (cmd/worker) owns the job runner, sweeper, and scanner loops;
// this process only accepts requests and reads/writes the job store.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpserver "github.com/ixfleet/orchestrator/internal/adapter/httpserver"
	"github.com/ixfleet/orchestrator/internal/adapter/observability"
	"github.com/ixfleet/orchestrator/internal/adapter/repo/postgres"
	"github.com/ixfleet/orchestrator/internal/adapter/watermark"
	"github.com/ixfleet/orchestrator/internal/app"
	"github.com/ixfleet/orchestrator/internal/config"
	"github.com/ixfleet/orchestrator/internal/service/dispatcher"
	"github.com/ixfleet/orchestrator/internal/service/stream"
	"github.com/ixfleet/orchestrator/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.SetAppEnv(cfg.AppEnv)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	db := postgres.NewPoolAdapter(pool)

	profileRepo := postgres.NewProfileRepo(db)
	jobRepo := postgres.NewJobRepo(db)
	eventRepo := postgres.NewEventRepo(db)
	scanRepo := postgres.NewScanRepo(db)

	if cfg.DataRetentionDays > 0 {
		cleanupSvc := postgres.NewCleanupService(pool, cfg.DataRetentionDays)
		go cleanupSvc.RunPeriodic(ctx, cfg.CleanupInterval)
		slog.Info("cleanup service started", slog.Int("retention_days", cfg.DataRetentionDays), slog.Duration("interval", cfg.CleanupInterval))
	}

	scorer := dispatcher.New(cfg.DispatchSettings())
	dsp := dispatcher.NewWeighted(scorer, profileRepo, scanRepo, jobRepo, eventRepo, jobRepo, jobRepo, cfg.DispatchSettings())

	wmClient := watermark.New(watermark.Config{
		Mode:           watermark.Mode(cfg.WatermarkMode),
		CustomURL:      cfg.WatermarkCustomURL,
		CustomToken:    cfg.WatermarkToken,
		ThirdPartyBase: cfg.UpstreamBaseURL,
		Timeout:        cfg.WatermarkTimeout,
	})

	// The HTTP process never opens broker sessions or drives upstream
	// submission itself - job creation only enqueues a queued row, and the
	// worker process's runner.Pool is the only thing that ever calls
	// SpawnRetry. Retry here can still reset an in-place job back to queued
	// for the worker to pick up; only the rarer submit-phase-heavy-load
	// retry path (which needs a live runner.Pool) is unavailable from this
	// process: with a nil spawner, usecase.JobService.Retry returns an
	// internal error for that path.
	jobSvc := usecase.NewJobService(profileRepo, jobRepo, eventRepo, nil, dsp, wmClient, nil, cfg.WatermarkMaxAttempts)

	streamSvc := stream.New(jobRepo, eventRepo, cfg.StreamPollInterval, cfg.StreamPingInterval)

	dbCheck, _ := app.BuildReadinessChecks(pool, nil)
	brokerCheck := func(ctx context.Context) error {
		return upstreamReachable(ctx, cfg.UpstreamBaseURL, cfg.UpstreamHTTPTimeout)
	}

	srv := httpserver.NewServer(cfg, jobSvc, streamSvc, dsp, dbCheck, brokerCheck)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}

// upstreamReachable probes the Sora-like upstream with an unauthenticated
// HEAD request. The HTTP ingress process has no broker RPC of its own to
// check, so readiness here stands in for "the surface jobs ultimately
// depend on is reachable" rather than a direct broker health probe, which
// is cmd/worker's responsibility.
func upstreamReachable(ctx context.Context, baseURL string, timeout time.Duration) error {
	if baseURL == "" {
		return fmt.Errorf("upstream base url not configured")
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodHead, baseURL, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}
