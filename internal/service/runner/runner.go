// Package runner implements the Job Runner / State Machine: a bounded pool
// of workers that claim queued Jobs from the store and drive each one
// through the phase graph queue -> submit -> progress -> genid -> publish
// -> watermark -> done. Grounded on
// original_source/app/services/ixbrowser/sora_job_runner.py's run_sora_job,
// generalized from its single-coroutine-per-call shape to an explicit
// worker pool fed by a polling loop over the Job Store.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ixfleet/orchestrator/internal/adapter/observability"
	"github.com/ixfleet/orchestrator/internal/domain"
)

// jobMetricType labels every job the runner drives: this fleet only ever
// runs one kind of job (video generation).
const jobMetricType = "video_generation"

// Event names appended to a Job's event log, matching spec's event enum.
const (
	eventStart           = "start"
	eventFinish          = "finish"
	eventFail            = "fail"
	eventRetry           = "retry"
	eventCancel          = "cancel"
	eventSelect          = "select"
	eventQueue           = "queue"
	eventRetryNewJob     = "retry_new_job"
	eventAutoRetryNewJob = "auto_retry_new_job"
	eventAutoRetryGiveup = "auto_retry_giveup"
	eventFallback        = "fallback"
)

var permalinkPattern = regexp.MustCompile(`^https?://[^\s/]+/p/s_[a-zA-Z0-9]{8,}$`)

// Config configures a Pool.
type Config struct {
	PoolSize             int
	PollInterval         time.Duration
	ProgressPollInterval time.Duration
	PhaseTimeout         time.Duration
	HeavyLoadMaxAttempts int
	WatermarkMaxAttempts int
	WatermarkFallback    bool
}

// Pool is the Job Runner: a semaphore-bounded set of workers polling the
// Job Store for queued work.
type Pool struct {
	jobs       domain.JobRepository
	events     domain.EventRepository
	broker     domain.BrokerClient
	upstream   domain.UpstreamClient
	watermark  domain.WatermarkClient
	dispatcher domain.Dispatcher
	publisher  domain.EventPublisher
	retryChain retryChainSource

	cfg Config

	sem chan struct{}
	wg  sync.WaitGroup
}

// retryChainSource is the narrow slice of *postgres.JobRepo's surface the
// heavy-load auto-retry algorithm needs beyond domain.JobRepository.
type retryChainSource interface {
	MaxRetryIndex(ctx domain.Context, rootJobID int64) (int, error)
	RetryChainProfileIds(ctx domain.Context, rootJobID int64) ([]int64, error)
}

// New constructs a Pool. publisher may be nil (event mirror is optional).
func New(jobs domain.JobRepository, events domain.EventRepository, broker domain.BrokerClient, upstream domain.UpstreamClient, watermark domain.WatermarkClient, dispatcher domain.Dispatcher, publisher domain.EventPublisher, retryChain retryChainSource, cfg Config) *Pool {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 2
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.ProgressPollInterval <= 0 {
		cfg.ProgressPollInterval = 6 * time.Second
	}
	if cfg.PhaseTimeout <= 0 {
		cfg.PhaseTimeout = 20 * time.Minute
	}
	if cfg.HeavyLoadMaxAttempts <= 0 {
		cfg.HeavyLoadMaxAttempts = 4
	}
	cfg.HeavyLoadMaxAttempts = int(domain.Clamp(float64(cfg.HeavyLoadMaxAttempts), 1, 10))
	if cfg.WatermarkMaxAttempts <= 0 {
		// WATERMARK_MAX_ATTEMPTS=0 is an operator choosing "try once, no
		// retries" (spec's retry_max=0 case); floor at 1 rather than silently
		// overriding that choice back up to the configured default.
		cfg.WatermarkMaxAttempts = 1
	}
	return &Pool{
		jobs: jobs, events: events, broker: broker, upstream: upstream,
		watermark: watermark, dispatcher: dispatcher, publisher: publisher,
		retryChain: retryChain, cfg: cfg,
		sem: make(chan struct{}, cfg.PoolSize),
	}
}

// Run polls for queued jobs until ctx is cancelled, dispatching each claimed
// job to a worker goroutine bounded by the pool's semaphore. Blocks until
// every in-flight worker has returned.
func (p *Pool) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.wg.Wait()
			return
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

func (p *Pool) pollOnce(ctx context.Context) {
	tracer := otel.Tracer("runner")
	ctx, span := tracer.Start(ctx, "runner.pollOnce")
	defer span.End()

	used := len(p.sem)
	limit := cap(p.sem) - used
	if limit <= 0 {
		return
	}

	candidates, err := p.jobs.ListWithFilters(ctx, 0, limit*2, "", "", string(domain.JobQueued), "")
	if err != nil {
		slog.Error("runner poll failed to list queued jobs", slog.Any("error", err))
		return
	}

	for _, j := range candidates {
		select {
		case p.sem <- struct{}{}:
		default:
			return
		}
		p.wg.Add(1)
		go func(job domain.Job) {
			defer p.wg.Done()
			defer func() { <-p.sem }()
			p.process(ctx, job)
		}(j)
	}
}

func (p *Pool) appendEvent(ctx domain.Context, jobID int64, phase domain.JobPhase, event, message string) {
	id, err := p.events.Append(ctx, domain.JobEvent{JobID: jobID, Phase: phase, Event: event, Message: message, CreatedAt: time.Now()})
	if err != nil {
		slog.Error("runner failed to append job event", slog.Int64("job_id", jobID), slog.Any("error", err))
		return
	}
	if p.publisher == nil {
		return
	}
	if perr := p.publisher.Publish(ctx, domain.JobEvent{ID: id, JobID: jobID, Phase: phase, Event: event, Message: message, CreatedAt: time.Now()}); perr != nil {
		slog.Warn("runner event mirror publish failed", slog.Int64("job_id", jobID), slog.Any("error", perr))
	}
}

func (p *Pool) save(ctx domain.Context, j *domain.Job) error {
	if err := p.jobs.Update(ctx, *j); err != nil {
		return fmt.Errorf("op=runner.save job_id=%d: %w", j.ID, err)
	}
	return nil
}

// isCanceled reloads jobID and reports whether the store-side status has
// moved to canceled since the worker started, the runner's suspension-point
// check per spec's cancellation-aware requirement.
func (p *Pool) isCanceled(ctx domain.Context, jobID int64) bool {
	j, err := p.jobs.Get(ctx, jobID)
	if err != nil {
		return false
	}
	return j.Status == domain.JobCancelled
}

// process drives job through the phase graph from its current phase to a
// terminal state, mirroring run_sora_job's sequential-if chain. A browser
// window is opened once on entering submit and closed once the job reaches
// a terminal phase, since every phase from submit through publish shares
// the one browser session the upstream's CDP-backed token resolver and
// publish surface depend on.
func (p *Pool) process(ctx domain.Context, job domain.Job) {
	tracer := otel.Tracer("runner")
	ctx, span := tracer.Start(ctx, "runner.process")
	defer span.End()
	span.SetAttributes(attribute.Int64("job.id", job.ID), attribute.String("job.window_name", job.WindowName))

	opened := false
	defer func() {
		if opened {
			closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			_ = p.broker.CloseProfile(closeCtx, job.WindowName)
		}
	}()

	now := time.Now()
	job.Status = domain.JobProcessing
	job.StartedAt = &now
	job.Phase = domain.PhaseSubmit
	if err := p.save(ctx, &job); err != nil {
		slog.Error("runner failed to mark job processing", slog.Int64("job_id", job.ID), slog.Any("error", err))
		return
	}
	p.appendEvent(ctx, job.ID, domain.PhaseSubmit, eventStart, "job claimed by runner")
	observability.StartProcessingJob(jobMetricType)

	if p.isCanceled(ctx, job.ID) {
		p.finishCanceled(ctx, &job)
		return
	}

	job, err := p.runSubmit(ctx, job, &opened)
	if err != nil {
		p.fail(ctx, &job, domain.PhaseSubmit, err)
		return
	}

	if p.isCanceled(ctx, job.ID) {
		p.finishCanceled(ctx, &job)
		return
	}

	job, draft, err := p.runProgressAndGenID(ctx, job)
	if err != nil {
		p.fail(ctx, &job, job.Phase, err)
		return
	}

	if p.isCanceled(ctx, job.ID) {
		p.finishCanceled(ctx, &job)
		return
	}

	job, err = p.runPublish(ctx, job, draft)
	if err != nil {
		p.fail(ctx, &job, domain.PhasePublish, err)
		return
	}

	if p.isCanceled(ctx, job.ID) {
		p.finishCanceled(ctx, &job)
		return
	}

	p.runWatermarkAndFinish(ctx, &job)
}

func (p *Pool) finishCanceled(ctx domain.Context, j *domain.Job) {
	now := time.Now()
	j.Status = domain.JobCancelled
	j.FinishedAt = &now
	if err := p.save(ctx, j); err != nil {
		slog.Error("runner failed to persist cancellation", slog.Int64("job_id", j.ID), slog.Any("error", err))
	}
	p.appendEvent(ctx, j.ID, j.Phase, eventCancel, "job canceled")
	observability.JobsProcessing.WithLabelValues(jobMetricType).Dec()
}

// fail marks j failed at phase with err's message and, on a submit-phase
// overload error, hands the job to the heavy-load auto-retry spawn path.
func (p *Pool) fail(ctx domain.Context, j *domain.Job, phase domain.JobPhase, err error) {
	now := time.Now()
	j.Status = domain.JobFailed
	j.Phase = phase
	j.Error = err.Error()
	j.FinishedAt = &now
	if serr := p.save(ctx, j); serr != nil {
		slog.Error("runner failed to persist job failure", slog.Int64("job_id", j.ID), slog.Any("error", serr))
	}
	p.appendEvent(ctx, j.ID, phase, eventFail, err.Error())
	observability.FailJob(jobMetricType)
	observability.RecordJobFailureByCode(jobMetricType, failureCode(err))

	if phase == domain.PhaseSubmit && isOverload(err) {
		if _, serr := p.SpawnRetry(ctx, *j, "auto"); serr != nil {
			p.appendEvent(ctx, j.ID, phase, eventAutoRetryGiveup, serr.Error())
		}
	}
}
