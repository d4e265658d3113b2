package runner

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/ixfleet/orchestrator/internal/adapter/observability"
	"github.com/ixfleet/orchestrator/internal/domain"
)

// isOverload reports whether err is the upstream's heavy-load signal,
// either the sentinel domain.ErrOverload or a raw "heavy load" message
// surfaced before classification (a caveat spec.md calls out explicitly
// since not every transport layer wraps the sentinel).
func isOverload(err error) bool {
	if errors.Is(err, domain.ErrOverload) {
		return true
	}
	return isOverloadMessage(err.Error())
}

func isOverloadMessage(msg string) bool {
	return strings.Contains(strings.ToLower(msg), "heavy load")
}

// failureCode classifies err against the domain's sentinel errors into a
// short, bounded code for the jobs_failed_by_code_total metric.
func failureCode(err error) string {
	switch {
	case errors.Is(err, domain.ErrOverload):
		return "OVERLOAD"
	case errors.Is(err, domain.ErrCFChallenge):
		return "CF_CHALLENGE"
	case errors.Is(err, domain.ErrTokenAuthFailure):
		return "TOKEN_AUTH_FAILURE"
	case errors.Is(err, domain.ErrConnection):
		return "CONNECTION"
	case errors.Is(err, domain.ErrAPI):
		return "API"
	case errors.Is(err, domain.ErrCancellation):
		return "CANCELLATION"
	case errors.Is(err, domain.ErrInternal):
		return "INTERNAL"
	default:
		return ""
	}
}

// runSubmit opens job's profile through the broker and submits the
// generation request, capturing task_id on success. *opened is set true as
// soon as the broker call succeeds so process's deferred CloseProfile runs.
func (p *Pool) runSubmit(ctx domain.Context, job domain.Job, opened *bool) (domain.Job, error) {
	tracer := otel.Tracer("runner")
	ctx, span := tracer.Start(ctx, "runner.runSubmit")
	defer span.End()

	if _, err := p.broker.OpenProfile(ctx, job.WindowName, true); err != nil {
		return job, fmt.Errorf("op=runner.submit.open_profile window_name=%s: %w", job.WindowName, err)
	}
	*opened = true

	taskID, err := p.upstream.CreateGeneration(ctx, job.WindowName, domain.GenerationRequest{
		Prompt: job.Prompt, ImageURL: job.ImageURL, Duration: job.Duration, AspectRatio: job.AspectRatio,
	})
	if err != nil {
		return job, fmt.Errorf("op=runner.submit.create_generation window_name=%s: %w", job.WindowName, err)
	}

	job.TaskID = taskID
	job.Phase = domain.PhaseProgress
	if err := p.save(ctx, &job); err != nil {
		return job, err
	}
	p.appendEvent(ctx, job.ID, domain.PhaseSubmit, eventFinish, fmt.Sprintf("task_id=%s", taskID))
	p.appendEvent(ctx, job.ID, domain.PhaseProgress, eventStart, "polling upstream task status")
	return job, nil
}

// runProgressAndGenID polls the upstream task until it completes or fails,
// then resolves the generation id and publish permalink together from the
// drafts listing. The upstream's HTTP-only surface exposes no per-task
// generation-id hook the way the original's in-browser request
// interception did, so this adapter matches the newest drafts entry to the
// job that just finished polling instead of correlating by task_id (drafts
// carries no task_id field at all) -- the original's request-hook capture
// has no HTTP equivalent available here.
func (p *Pool) runProgressAndGenID(ctx domain.Context, job domain.Job) (domain.Job, domain.DraftItem, error) {
	tracer := otel.Tracer("runner")
	ctx, span := tracer.Start(ctx, "runner.runProgressAndGenID")
	defer span.End()

	deadline := time.Now().Add(p.cfg.PhaseTimeout)
	started := time.Now()
	ticker := time.NewTicker(p.cfg.ProgressPollInterval)
	defer ticker.Stop()

	for {
		if p.isCanceled(ctx, job.ID) {
			return job, domain.DraftItem{}, domain.ErrCancellation
		}

		status, err := p.upstream.PollGeneration(ctx, job.WindowName, job.TaskID)
		if err != nil {
			return job, domain.DraftItem{}, fmt.Errorf("op=runner.progress.poll window_name=%s task_id=%s: %w", job.WindowName, job.TaskID, err)
		}
		if status.Failed {
			return job, domain.DraftItem{}, fmt.Errorf("op=runner.progress.failed task_id=%s reason=%s: %w", job.TaskID, status.Error, domain.ErrAPI)
		}

		elapsed := time.Since(started)
		job.ProgressPct = int(domain.Clamp(float64(elapsed)/float64(p.cfg.PhaseTimeout)*100, 0, 80))
		if serr := p.save(ctx, &job); serr != nil {
			slog.Warn("runner failed to persist progress percentage", slog.Int64("job_id", job.ID), slog.Any("error", serr))
		}

		if status.Done {
			return p.captureGenID(ctx, job)
		}

		if time.Now().After(deadline) {
			return job, domain.DraftItem{}, fmt.Errorf("op=runner.progress.timeout task_id=%s phase_timeout=%s: %w", job.TaskID, p.cfg.PhaseTimeout, domain.ErrAPI)
		}

		select {
		case <-ctx.Done():
			return job, domain.DraftItem{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Pool) captureGenID(ctx domain.Context, job domain.Job) (domain.Job, domain.DraftItem, error) {
	job.Phase = domain.PhaseGenID
	if err := p.save(ctx, &job); err != nil {
		return job, domain.DraftItem{}, err
	}
	p.appendEvent(ctx, job.ID, domain.PhaseGenID, eventStart, "resolving generation id")

	drafts, err := p.upstream.ListDrafts(ctx, job.WindowName)
	if err != nil {
		return job, domain.DraftItem{}, fmt.Errorf("op=runner.genid.list_drafts window_name=%s: %w", job.WindowName, err)
	}
	if len(drafts) == 0 || drafts[0].GenerationID == "" {
		return job, domain.DraftItem{}, fmt.Errorf("op=runner.genid.not_found task_id=%s: %w", job.TaskID, domain.ErrAPI)
	}
	draft := drafts[0]

	job.GenerationID = draft.GenerationID
	job.Phase = domain.PhasePublish
	if err := p.save(ctx, &job); err != nil {
		return job, draft, err
	}
	p.appendEvent(ctx, job.ID, domain.PhaseGenID, eventFinish, fmt.Sprintf("generation_id=%s", draft.GenerationID))
	p.appendEvent(ctx, job.ID, domain.PhasePublish, eventStart, "resolving publish permalink")
	return job, draft, nil
}

// runPublish validates draft's permalink shape and records the job's
// publish identifiers.
func (p *Pool) runPublish(ctx domain.Context, job domain.Job, draft domain.DraftItem) (domain.Job, error) {
	tracer := otel.Tracer("runner")
	_, span := tracer.Start(ctx, "runner.runPublish")
	defer span.End()

	if draft.Permalink == "" || !permalinkPattern.MatchString(draft.Permalink) {
		return job, fmt.Errorf("op=runner.publish.invalid_permalink permalink=%s: %w", draft.Permalink, domain.ErrAPI)
	}

	job.PublishURL = draft.Permalink
	job.PublishPostID = draft.PostID
	job.PublishPermalink = draft.Permalink
	job.Phase = domain.PhaseWatermark
	job.ProgressPct = 90
	job.WatermarkStatus = domain.WatermarkPending
	job.WatermarkAttempts = 0
	if err := p.save(ctx, &job); err != nil {
		return job, err
	}
	p.appendEvent(ctx, job.ID, domain.PhasePublish, eventFinish, "publish permalink resolved")
	return job, nil
}

// runWatermarkAndFinish runs the watermark retry loop and terminates the
// job via completion, fallback, or failure depending on the outcome.
// Grounded on sora_job_runner.py's run_sora_watermark /
// complete_sora_job_after_watermark / complete_sora_job_with_publish_fallback.
func (p *Pool) runWatermarkAndFinish(ctx domain.Context, job *domain.Job) {
	tracer := otel.Tracer("runner")
	ctx, span := tracer.Start(ctx, "runner.runWatermarkAndFinish")
	defer span.End()

	p.appendEvent(ctx, job.ID, domain.PhaseWatermark, eventStart, "starting watermark removal")

	watermarkURL, lastErr := p.runWatermarkAttempts(ctx, job)
	if lastErr == nil {
		p.completeWithWatermark(ctx, job, watermarkURL)
		return
	}

	if p.cfg.WatermarkFallback && !errors.Is(lastErr, domain.ErrWatermarkDisabled) {
		p.completeWithFallback(ctx, job, lastErr)
		return
	}

	now := time.Now()
	job.Status = domain.JobFailed
	job.WatermarkStatus = domain.WatermarkFailed
	job.WatermarkError = lastErr.Error()
	job.FinishedAt = &now
	if err := p.save(ctx, job); err != nil {
		slog.Error("runner failed to persist watermark failure", slog.Int64("job_id", job.ID), slog.Any("error", err))
	}
	p.appendEvent(ctx, job.ID, domain.PhaseWatermark, eventFail, lastErr.Error())
	observability.FailJob(jobMetricType)
	observability.RecordJobFailureByCode(jobMetricType, failureCode(lastErr))
}

// runWatermarkAttempts runs up to cfg.WatermarkMaxAttempts tries, mirroring
// run_sora_watermark's retry_max-bounded loop.
func (p *Pool) runWatermarkAttempts(ctx domain.Context, job *domain.Job) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= p.cfg.WatermarkMaxAttempts; attempt++ {
		if p.isCanceled(ctx, job.ID) {
			return "", domain.ErrCancellation
		}
		job.WatermarkAttempts = attempt
		if attempt > 1 {
			p.appendEvent(ctx, job.ID, domain.PhaseWatermark, eventRetry, fmt.Sprintf("attempt %d/%d", attempt, p.cfg.WatermarkMaxAttempts))
		}
		url, err := p.watermark.Parse(ctx, job.PublishURL)
		if err == nil && url != "" {
			return url, nil
		}
		if err == nil {
			err = fmt.Errorf("op=runner.watermark.empty_url: %w", domain.ErrAPI)
		}
		lastErr = err
		job.WatermarkError = err.Error()
		if serr := p.save(ctx, job); serr != nil {
			slog.Warn("runner failed to persist watermark attempt error", slog.Int64("job_id", job.ID), slog.Any("error", serr))
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("op=runner.watermark: %w", domain.ErrAPI)
	}
	return "", lastErr
}

func (p *Pool) completeWithWatermark(ctx domain.Context, job *domain.Job, watermarkURL string) {
	now := time.Now()
	job.WatermarkURL = watermarkURL
	job.WatermarkStatus = domain.WatermarkDone
	job.Status = domain.JobCompleted
	job.Phase = domain.PhaseDone
	job.ProgressPct = 100
	job.FinishedAt = &now
	if err := p.save(ctx, job); err != nil {
		slog.Error("runner failed to persist watermark completion", slog.Int64("job_id", job.ID), slog.Any("error", err))
	}
	p.appendEvent(ctx, job.ID, domain.PhaseWatermark, eventFinish, "watermark removal completed")
	p.appendEvent(ctx, job.ID, domain.PhaseDone, eventFinish, "job completed")
	observability.CompleteJob(jobMetricType)
}

func (p *Pool) completeWithFallback(ctx domain.Context, job *domain.Job, reason error) {
	now := time.Now()
	job.WatermarkURL = job.PublishURL
	job.WatermarkStatus = domain.WatermarkFallback
	job.WatermarkError = reason.Error()
	job.Status = domain.JobCompleted
	job.Phase = domain.PhaseDone
	job.ProgressPct = 100
	job.Error = ""
	job.FinishedAt = &now
	if err := p.save(ctx, job); err != nil {
		slog.Error("runner failed to persist watermark fallback", slog.Int64("job_id", job.ID), slog.Any("error", err))
	}
	p.appendEvent(ctx, job.ID, domain.PhaseWatermark, eventFallback, fmt.Sprintf("watermark removal failed, falling back to share link: %s", reason.Error()))
	p.appendEvent(ctx, job.ID, domain.PhaseDone, eventFinish, "job completed via fallback")
	observability.CompleteJob(jobMetricType)
}
