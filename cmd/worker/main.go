// Command worker runs the fleet orchestrator's background loops: the job
// runner pool that drives jobs through the upstream submit/progress/publish
// state machine, the stuck-job sweeper, and the periodic account scanner.
// It never serves HTTP; cmd/server owns ingress.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ixfleet/orchestrator/internal/adapter/broker"
	"github.com/ixfleet/orchestrator/internal/adapter/eventbus"
	"github.com/ixfleet/orchestrator/internal/adapter/observability"
	"github.com/ixfleet/orchestrator/internal/adapter/repo/postgres"
	"github.com/ixfleet/orchestrator/internal/adapter/upstream"
	"github.com/ixfleet/orchestrator/internal/adapter/watermark"
	"github.com/ixfleet/orchestrator/internal/config"
	"github.com/ixfleet/orchestrator/internal/domain"
	"github.com/ixfleet/orchestrator/internal/service/dispatcher"
	"github.com/ixfleet/orchestrator/internal/service/nurture"
	"github.com/ixfleet/orchestrator/internal/service/ratelimiter"
	"github.com/ixfleet/orchestrator/internal/service/runner"
	"github.com/ixfleet/orchestrator/internal/service/scanner"
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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

	var limiter ratelimiter.Limiter
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid redis url", slog.Any("error", err))
			os.Exit(1)
		}
		rdb := redis.NewClient(opts)
		limiter = ratelimiter.NewRedisLuaLimiter(rdb, pool, map[string]ratelimiter.BucketConfig{
			"broker.open": ratelimiter.NewBucketConfigFromPerMinute(cfg.RateLimitPerMin),
		})
	}

	brokerClient := broker.New(broker.Config{
		BaseURL:       cfg.BrokerBaseURL,
		APIKey:        cfg.BrokerAPIKey,
		OpenRetries:   cfg.BrokerOpenRetries,
		OpenRetryWait: cfg.BrokerOpenRetryWait,
		CacheTTL:      cfg.BrokerCacheTTL,
		CBMaxFailures: cfg.BrokerCBMaxFailures,
		CBTimeout:     cfg.BrokerCBTimeout,
		CooldownCap:   cfg.BrokerCooldownCap,
	}, limiter)

	tokenResolver := broker.NewCDPTokenResolver(brokerClient, cfg.UpstreamBaseURL)
	upstreamClient := upstream.New(cfg.UpstreamBaseURL, cfg.UpstreamHTTPTimeout, tokenResolver, cfg.BrokerCacheTTL)

	wmClient := watermark.New(watermark.Config{
		Mode:           watermark.Mode(cfg.WatermarkMode),
		CustomURL:      cfg.WatermarkCustomURL,
		CustomToken:    cfg.WatermarkToken,
		ThirdPartyBase: cfg.UpstreamBaseURL,
		Timeout:        cfg.WatermarkTimeout,
	})

	// The event mirror is best-effort fan-out; a missing broker list never
	// blocks job processing, and a mirror publish failure is only logged by
	// the runner, never fails a job.
	var publisher domain.EventPublisher
	if len(cfg.KafkaBrokers) > 0 {
		producer, err := eventbus.NewProducer(cfg.KafkaBrokers, cfg.KafkaEventTopic)
		if err != nil {
			slog.Error("event bus producer connect failed", slog.Any("error", err))
		} else {
			publisher = producer
			defer func() {
				if err := producer.Close(); err != nil {
					slog.Error("event bus producer close failed", slog.Any("error", err))
				}
			}()
		}
	}

	scorer := dispatcher.New(cfg.DispatchSettings())
	dsp := dispatcher.NewWeighted(scorer, profileRepo, scanRepo, jobRepo, eventRepo, jobRepo, jobRepo, cfg.DispatchSettings())

	runnerPool := runner.New(jobRepo, eventRepo, brokerClient, upstreamClient, wmClient, dsp, publisher, jobRepo, runner.Config{
		PoolSize:             cfg.RunnerPoolSize,
		PollInterval:         cfg.RunnerPollInterval,
		ProgressPollInterval: cfg.RunnerProgressPollInterval,
		PhaseTimeout:         cfg.RunnerPhaseTimeout,
		HeavyLoadMaxAttempts: cfg.RunnerHeavyLoadMaxAttempts,
		WatermarkMaxAttempts: cfg.WatermarkMaxAttempts,
		WatermarkFallback:    cfg.WatermarkFallbackOnFailure,
	})
	go runnerPool.Run(ctx)

	sweeper := runner.NewSweeper(jobRepo, cfg.RunnerMaxProcessAge, cfg.RunnerSweepInterval)
	go sweeper.Run(ctx)

	scanSvc := scanner.New(profileRepo, scanRepo, brokerClient, upstreamClient, scanner.Config{
		RetentionCount: cfg.ScanRetentionCount,
	})
	go runScanLoop(ctx, scanSvc, profileRepo, cfg.ScanInterval)

	if cfg.NurtureEnabled {
		nurtureSvc := nurture.New(brokerClient, nurture.Config{
			DwellMin: cfg.NurtureDwellMin,
			DwellMax: cfg.NurtureDwellMax,
		})
		go startNurture(ctx, nurtureSvc, profileRepo)
	}

	slog.Info("worker started",
		slog.Int("runner_pool_size", cfg.RunnerPoolSize),
		slog.Duration("scan_interval", cfg.ScanInterval),
	)

	<-ctx.Done()
	slog.Info("shutdown signal received")
}

// startNurture resolves the current profile window names and hands them to
// the nurture service. It is only ever started when NURTURE_ENABLED=true.
func startNurture(ctx context.Context, svc *nurture.Service, profiles domain.ProfileRepository) {
	all, err := profiles.ListAll(ctx)
	if err != nil {
		slog.Error("nurture: failed to list profiles", slog.Any("error", err))
		return
	}
	names := make([]string, 0, len(all))
	for _, p := range all {
		if p.WindowName != "" {
			names = append(names, p.WindowName)
		}
	}
	svc.Run(ctx, names)
}

// runScanLoop re-scans every known account group on a fixed interval. The
// scanner package itself is a one-shot-per-group API (ScanGroup); periodic
// re-scanning is the worker's job, not the scanner's.
func runScanLoop(ctx context.Context, svc *scanner.Service, profiles domain.ProfileRepository, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	scanAll := func() {
		all, err := profiles.ListAll(ctx)
		if err != nil {
			slog.Error("scan loop: failed to list profiles", slog.Any("error", err))
			return
		}
		groups := map[string][]int64{}
		for _, p := range all {
			groups[p.GroupTitle] = append(groups[p.GroupTitle], p.ID)
		}
		for group, ids := range groups {
			if _, err := svc.ScanGroup(ctx, group, ids, true); err != nil {
				slog.Error("scan loop: group scan failed", slog.String("group_title", group), slog.Any("error", err))
			}
		}
	}

	scanAll()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			scanAll()
		}
	}
}
