package runner

import (
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ixfleet/orchestrator/internal/domain"
)

// SpawnRetry implements the heavy-load auto-retry algorithm: given a failed
// job, it picks a fresh profile (excluding every profile already tried in
// the retry chain) and creates a child Job carrying the same request.
// Grounded on
// original_source/app/services/ixbrowser/sora_jobs.py's
// _spawn_sora_job_on_overload. trigger is "auto" when the runner invokes
// this itself after a submit-phase overload failure, or "manual" when a
// user-initiated retry of a heavy-load failure routes through the same
// path (spec.md 4.4's manual retry rule).
func (p *Pool) SpawnRetry(ctx domain.Context, failed domain.Job, trigger string) (domain.Job, error) {
	tracer := otel.Tracer("runner")
	ctx, span := tracer.Start(ctx, "runner.SpawnRetry")
	defer span.End()
	span.SetAttributes(attribute.Int64("job.id", failed.ID), attribute.String("runner.trigger", trigger))

	if failed.Status != domain.JobFailed {
		return domain.Job{}, fmt.Errorf("op=runner.spawn_retry job_id=%d status=%s: %w", failed.ID, failed.Status, domain.ErrConflict)
	}
	if failed.Phase != domain.PhaseSubmit || !isOverloadMessage(failed.Error) {
		return domain.Job{}, fmt.Errorf("op=runner.spawn_retry job_id=%d: only submit-phase heavy-load failures may auto-retry: %w", failed.ID, domain.ErrInvalidArgument)
	}

	rootID := failed.ID
	if failed.RetryRootJobID != nil {
		rootID = *failed.RetryRootJobID
	}

	// Idempotency: a concurrent auto-retry tick and a manual retry request
	// must not both spawn a child for the same failed parent. The chain's
	// latest child only satisfies that if it was actually spawned from
	// this specific failed job, not an earlier link in the same chain.
	if child, err := p.jobs.LatestRetryChild(ctx, rootID); err == nil {
		if child.RetryOfJobID != nil && *child.RetryOfJobID == failed.ID {
			return child, nil
		}
	}

	maxIdx, err := p.retryChain.MaxRetryIndex(ctx, rootID)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=runner.spawn_retry.max_retry_index root=%d: %w", rootID, err)
	}
	attemptsSoFar := maxIdx + 1
	if attemptsSoFar >= p.cfg.HeavyLoadMaxAttempts {
		return domain.Job{}, fmt.Errorf("op=runner.spawn_retry job_id=%d attempts=%d max=%d: retry budget exhausted: %w",
			failed.ID, attemptsSoFar, p.cfg.HeavyLoadMaxAttempts, domain.ErrOverload)
	}

	triedProfiles, err := p.retryChain.RetryChainProfileIds(ctx, rootID)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=runner.spawn_retry.retry_chain_profiles root=%d: %w", rootID, err)
	}
	exclude := make(map[int64]bool, len(triedProfiles)+1)
	exclude[failed.ProfileID] = true
	for _, id := range triedProfiles {
		exclude[id] = true
	}

	pick, err := p.dispatcher.PickBest(ctx, failed.GroupTitle, exclude)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=runner.spawn_retry.pick_best group=%s: %w", failed.GroupTitle, err)
	}

	child := domain.Job{
		ProfileID:   pick.Profile.ID,
		WindowName:  pick.Profile.WindowName,
		GroupTitle:  failed.GroupTitle,
		Prompt:      failed.Prompt,
		ImageURL:    failed.ImageURL,
		Duration:    failed.Duration,
		AspectRatio: failed.AspectRatio,
		Status:      domain.JobQueued,
		Phase:       domain.PhaseQueue,
		DispatchMode:     domain.DispatchRetry,
		DispatchScore:    pick.Score,
		DispatchQuantity: pick.QuantityScore,
		DispatchQuality:  pick.QualityScore,
		DispatchReason:   pick.Reason,
		RetryOfJobID:   &failed.ID,
		RetryRootJobID: &rootID,
		RetryIndex:     attemptsSoFar,
	}
	childID, err := p.jobs.Create(ctx, child)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=runner.spawn_retry.create: %w", err)
	}
	child.ID = childID
	child.CreatedAt = time.Now()

	event := eventAutoRetryNewJob
	if trigger == "manual" {
		event = eventRetryNewJob
	}
	p.appendEvent(ctx, failed.ID, domain.PhaseSubmit, event, fmt.Sprintf("spawned retry child job_id=%d on profile_id=%d", childID, pick.Profile.ID))
	p.appendEvent(ctx, childID, domain.PhaseDispatch, eventSelect, pick.Reason)
	p.appendEvent(ctx, childID, domain.PhaseQueue, eventQueue, fmt.Sprintf("queued as retry_index=%d of root_job_id=%d", attemptsSoFar, rootID))

	return child, nil
}
