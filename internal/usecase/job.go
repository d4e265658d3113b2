// Package usecase wires the domain services together into the operations
// the HTTP ingress exposes: job creation, retrieval, retry, and
// cancellation.
package usecase

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/ixfleet/orchestrator/internal/adapter/observability"
	"github.com/ixfleet/orchestrator/internal/domain"
	obsctx "github.com/ixfleet/orchestrator/internal/observability"
)

// jobMetricType labels every job the same way: this fleet runs a single kind
// of job (video generation), so the label exists for dashboard parity with
// the teacher's multi-job-type metrics rather than to distinguish anything.
const jobMetricType = "video_generation"

// retrySpawner is the narrow slice of runner.Pool's surface the job usecase
// needs: routing a manual retry of a submit-phase heavy-load failure through
// the same account-exclusion spawn path the runner uses automatically.
// Declared locally (rather than imported from the runner package) to keep
// this package's dependency on runner down to the one method it calls.
type retrySpawner interface {
	SpawnRetry(ctx domain.Context, failed domain.Job, trigger string) (domain.Job, error)
}

// defaultGroupTitle mirrors create_sora_job's group_title fallback.
const defaultGroupTitle = "Sora"

var allowedDurations = map[int]bool{10: true, 15: true, 25: true}

// JobService orchestrates job creation, retrieval, retry, and cancellation.
// Grounded on
// original_source/app/services/ixbrowser/sora_jobs.py's
// create_sora_job / retry_sora_job / cancel_sora_job /
// parse_sora_watermark_link.
type JobService struct {
	Profiles   domain.ProfileRepository
	Jobs       domain.JobRepository
	Events     domain.EventRepository
	Publisher  domain.EventPublisher
	Dispatcher domain.Dispatcher
	Watermark  domain.WatermarkClient
	Retry      retrySpawner

	// WatermarkParseMaxAttempts bounds the standalone ParseWatermark retry
	// loop, mirroring parse_sora_watermark_link's retry_max-bounded loop.
	WatermarkParseMaxAttempts int
}

// NewJobService constructs a JobService with its dependencies.
func NewJobService(
	profiles domain.ProfileRepository,
	jobs domain.JobRepository,
	events domain.EventRepository,
	publisher domain.EventPublisher,
	dispatcher domain.Dispatcher,
	watermark domain.WatermarkClient,
	retry retrySpawner,
	watermarkParseMaxAttempts int,
) *JobService {
	if watermarkParseMaxAttempts <= 0 {
		watermarkParseMaxAttempts = 1
	}
	return &JobService{
		Profiles:                  profiles,
		Jobs:                      jobs,
		Events:                    events,
		Publisher:                 publisher,
		Dispatcher:                dispatcher,
		Watermark:                 watermark,
		Retry:                     retry,
		WatermarkParseMaxAttempts: watermarkParseMaxAttempts,
	}
}

// CreateJobRequest is the validated input to Create, corresponding to the
// POST jobs request body.
type CreateJobRequest struct {
	Prompt       string
	ImageURL     string
	Duration     int
	AspectRatio  string
	GroupTitle   string
	DispatchMode string // "manual" | "weighted_auto" | "" (defaulted from ProfileID)
	ProfileID    int64  // required when DispatchMode resolves to "manual"
}

// Create validates req, selects an account (manually or via the dispatcher),
// and persists a new queued Job plus its dispatch/queue events.
func (s *JobService) Create(ctx domain.Context, req CreateJobRequest) (domain.Job, error) {
	tracer := otel.Tracer("usecase.job")
	ctx, span := tracer.Start(ctx, "JobService.Create")
	defer span.End()
	lg := obsctx.LoggerFromContext(ctx)

	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return domain.Job{}, fmt.Errorf("op=usecase.job.create: prompt must not be empty: %w", domain.ErrInvalidArgument)
	}
	if len(prompt) > 4000 {
		return domain.Job{}, fmt.Errorf("op=usecase.job.create: prompt exceeds 4000 characters: %w", domain.ErrInvalidArgument)
	}
	if !allowedDurations[req.Duration] {
		return domain.Job{}, fmt.Errorf("op=usecase.job.create duration=%d: must be one of 10, 15, 25: %w", req.Duration, domain.ErrInvalidArgument)
	}
	if req.AspectRatio != "landscape" && req.AspectRatio != "portrait" {
		return domain.Job{}, fmt.Errorf("op=usecase.job.create aspect_ratio=%s: must be landscape or portrait: %w", req.AspectRatio, domain.ErrInvalidArgument)
	}

	groupTitle := strings.TrimSpace(req.GroupTitle)
	if groupTitle == "" {
		groupTitle = defaultGroupTitle
	}

	dispatchMode := strings.ToLower(strings.TrimSpace(req.DispatchMode))
	if dispatchMode == "" {
		if req.ProfileID != 0 {
			dispatchMode = "manual"
		} else {
			dispatchMode = "weighted_auto"
		}
	}
	if dispatchMode != "manual" && dispatchMode != "weighted_auto" {
		return domain.Job{}, fmt.Errorf("op=usecase.job.create dispatch_mode=%s: must be manual or weighted_auto: %w", dispatchMode, domain.ErrInvalidArgument)
	}

	job := domain.Job{
		GroupTitle:      groupTitle,
		Prompt:          prompt,
		ImageURL:        strings.TrimSpace(req.ImageURL),
		Duration:        req.Duration,
		AspectRatio:     req.AspectRatio,
		Status:          domain.JobQueued,
		Phase:           domain.PhaseQueue,
		WatermarkStatus: domain.WatermarkNone,
	}

	var dispatchReason string
	switch dispatchMode {
	case "manual":
		if req.ProfileID == 0 {
			return domain.Job{}, fmt.Errorf("op=usecase.job.create: manual dispatch requires profile_id: %w", domain.ErrInvalidArgument)
		}
		profile, err := s.Profiles.Get(ctx, req.ProfileID)
		if err != nil {
			return domain.Job{}, fmt.Errorf("op=usecase.job.create.get_profile profile_id=%d: %w", req.ProfileID, err)
		}
		if profile.GroupTitle != groupTitle {
			return domain.Job{}, fmt.Errorf("op=usecase.job.create profile_id=%d not in group=%s: %w", req.ProfileID, groupTitle, domain.ErrNotFound)
		}
		job.ProfileID = profile.ID
		job.WindowName = profile.WindowName
		job.DispatchMode = domain.DispatchManual
		dispatchReason = fmt.Sprintf("manually assigned profile_id=%d", profile.ID)
	default:
		pick, err := s.Dispatcher.PickBest(ctx, groupTitle, nil)
		if err != nil {
			return domain.Job{}, fmt.Errorf("op=usecase.job.create.pick_best group=%s: %w", groupTitle, err)
		}
		job.ProfileID = pick.Profile.ID
		job.WindowName = pick.Profile.WindowName
		job.DispatchMode = domain.DispatchAuto
		job.DispatchScore = pick.Score
		job.DispatchQuantity = pick.QuantityScore
		job.DispatchQuality = pick.QualityScore
		job.DispatchReason = pick.Reason
		dispatchReason = pick.Reason
	}

	jobID, err := s.Jobs.Create(ctx, job)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=usecase.job.create.persist: %w", err)
	}
	job.ID = jobID
	job.CreatedAt = time.Now()
	job.UpdatedAt = job.CreatedAt

	s.appendEvent(ctx, jobID, domain.PhaseDispatch, "select", dispatchReason)
	s.appendEvent(ctx, jobID, domain.PhaseQueue, "queue", "queued")
	observability.EnqueueJob(jobMetricType)

	lg.Info("job created",
		slog.Int64("job_id", jobID), slog.String("group_title", groupTitle),
		slog.Int64("profile_id", job.ProfileID), slog.String("dispatch_mode", string(job.DispatchMode)))
	return job, nil
}

// Get returns the job by id. When followRetry is true (the GET /jobs/{id}
// default), a root job with retry children resolves to the latest child in
// its chain instead of the stale original row -- mirroring get_sora_job's
// follow_retry behavior.
func (s *JobService) Get(ctx domain.Context, jobID int64, followRetry bool) (domain.Job, error) {
	job, err := s.Jobs.Get(ctx, jobID)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=usecase.job.get job_id=%d: %w", jobID, err)
	}
	if !followRetry {
		return job, nil
	}

	rootID := job.ID
	if job.RetryRootJobID != nil {
		rootID = *job.RetryRootJobID
	}
	latest, err := s.Jobs.LatestRetryChild(ctx, rootID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return job, nil
		}
		return domain.Job{}, fmt.Errorf("op=usecase.job.get.latest_retry_child root=%d: %w", rootID, err)
	}
	if latest.ID != 0 && latest.ID != job.ID {
		return latest, nil
	}
	return job, nil
}

// ListFilter mirrors ListJobs's filter tuple.
type ListFilter struct {
	GroupTitle string
	ProfileID  int64
	Status     string
	Phase      string
	Offset     int
	Limit      int
}

// List returns jobs most-recent-first under filter.
func (s *JobService) List(ctx domain.Context, f ListFilter) ([]domain.Job, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	limit = int(domain.Clamp(float64(limit), 1, 200))

	profileID := ""
	if f.ProfileID != 0 {
		profileID = fmt.Sprintf("%d", f.ProfileID)
	}
	jobs, err := s.Jobs.ListWithFilters(ctx, f.Offset, limit, strings.TrimSpace(f.GroupTitle), profileID,
		strings.ToLower(strings.TrimSpace(f.Status)), strings.ToLower(strings.TrimSpace(f.Phase)))
	if err != nil {
		return nil, fmt.Errorf("op=usecase.job.list: %w", err)
	}
	return jobs, nil
}

// Retry re-queues a failed job in place, except a submit-phase heavy-load
// failure, which routes through the dispatcher's account-exclusion spawn
// path instead (retrying the same account against a persistent overload is
// pointless). Mirrors retry_sora_job.
func (s *JobService) Retry(ctx domain.Context, jobID int64) (domain.Job, error) {
	tracer := otel.Tracer("usecase.job")
	ctx, span := tracer.Start(ctx, "JobService.Retry")
	defer span.End()

	job, err := s.Jobs.Get(ctx, jobID)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=usecase.job.retry job_id=%d: %w", jobID, err)
	}
	switch job.Status {
	case domain.JobProcessing:
		return domain.Job{}, fmt.Errorf("op=usecase.job.retry job_id=%d: job is still running: %w", jobID, domain.ErrConflict)
	case domain.JobCompleted:
		return domain.Job{}, fmt.Errorf("op=usecase.job.retry job_id=%d: job already completed: %w", jobID, domain.ErrConflict)
	case domain.JobCancelled:
		return domain.Job{}, fmt.Errorf("op=usecase.job.retry job_id=%d: job was cancelled: %w", jobID, domain.ErrConflict)
	case domain.JobFailed:
		// fall through
	default:
		return domain.Job{}, fmt.Errorf("op=usecase.job.retry job_id=%d status=%s: job has not failed: %w", jobID, job.Status, domain.ErrConflict)
	}

	if job.Phase == domain.PhaseSubmit && isOverloadMessage(job.Error) {
		if s.Retry == nil {
			return domain.Job{}, fmt.Errorf("op=usecase.job.retry job_id=%d: no retry spawner configured: %w", jobID, domain.ErrInternal)
		}
		return s.Retry.SpawnRetry(ctx, job, "manual")
	}

	job.Status = domain.JobQueued
	job.Error = ""
	if job.Phase == domain.PhaseSubmit || job.Phase == domain.PhaseProgress {
		job.ProgressPct = 0
	}
	if err := s.Jobs.Update(ctx, job); err != nil {
		return domain.Job{}, fmt.Errorf("op=usecase.job.retry.persist job_id=%d: %w", jobID, err)
	}
	s.appendEvent(ctx, jobID, job.Phase, "retry", "manual retry")
	return job, nil
}

// Cancel marks a non-terminal job cancelled. Phases already recorded
// (publish_url, generation_id, ...) are left as-is -- cancellation never
// rolls back progress already made.
func (s *JobService) Cancel(ctx domain.Context, jobID int64) (domain.Job, error) {
	tracer := otel.Tracer("usecase.job")
	ctx, span := tracer.Start(ctx, "JobService.Cancel")
	defer span.End()

	job, err := s.Jobs.Get(ctx, jobID)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=usecase.job.cancel job_id=%d: %w", jobID, err)
	}
	if job.Terminal() {
		return domain.Job{}, fmt.Errorf("op=usecase.job.cancel job_id=%d status=%s: job already finished: %w", jobID, job.Status, domain.ErrConflict)
	}

	now := time.Now()
	job.Status = domain.JobCancelled
	job.Error = "job cancelled"
	job.FinishedAt = &now
	if err := s.Jobs.Update(ctx, job); err != nil {
		return domain.Job{}, fmt.Errorf("op=usecase.job.cancel.persist job_id=%d: %w", jobID, err)
	}
	s.appendEvent(ctx, jobID, job.Phase, "cancel", "job cancelled")
	return job, nil
}

// ParseWatermark resolves an arbitrary share URL into a watermark-free
// download link, independent of any job. Mirrors
// parse_sora_watermark_link's retry_max-bounded loop over the configured
// parse method.
func (s *JobService) ParseWatermark(ctx domain.Context, shareURL string) (string, error) {
	tracer := otel.Tracer("usecase.job")
	ctx, span := tracer.Start(ctx, "JobService.ParseWatermark")
	defer span.End()

	shareURL = strings.TrimSpace(shareURL)
	if shareURL == "" {
		return "", fmt.Errorf("op=usecase.job.parse_watermark: share url required: %w", domain.ErrInvalidArgument)
	}

	var lastErr error
	for attempt := 1; attempt <= s.WatermarkParseMaxAttempts; attempt++ {
		url, err := s.Watermark.Parse(ctx, shareURL)
		if err == nil && url != "" {
			return url, nil
		}
		if err == nil {
			err = fmt.Errorf("op=usecase.job.parse_watermark: empty url: %w", domain.ErrAPI)
		}
		if errors.Is(err, domain.ErrWatermarkDisabled) {
			return "", err
		}
		lastErr = err
	}
	return "", lastErr
}

func (s *JobService) appendEvent(ctx domain.Context, jobID int64, phase domain.JobPhase, event, message string) {
	id, err := s.Events.Append(ctx, domain.JobEvent{JobID: jobID, Phase: phase, Event: event, Message: message, CreatedAt: time.Now()})
	if err != nil {
		slog.Error("usecase failed to append job event", slog.Int64("job_id", jobID), slog.Any("error", err))
		return
	}
	if s.Publisher == nil {
		return
	}
	if perr := s.Publisher.Publish(ctx, domain.JobEvent{ID: id, JobID: jobID, Phase: phase, Event: event, Message: message, CreatedAt: time.Now()}); perr != nil {
		slog.Warn("usecase failed to mirror job event to publisher", slog.Int64("job_id", jobID), slog.Any("error", perr))
	}
}

func isOverloadMessage(msg string) bool {
	return strings.Contains(strings.ToLower(msg), "heavy load")
}
