package runner

import (
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ixfleet/orchestrator/internal/domain"
)

// Sweeper periodically marks processing Jobs that have gone stale (a
// worker crashed or lost its connection mid-phase) as failed, so they
// don't block their profile's active-job count forever. Adapted from
// internal/app's teacher stuck-job sweeper, generalized from its CV-era
// string job ids and UpdateStatus call to this domain's int64 ids and full
// Job mutation through JobRepository.Update.
type Sweeper struct {
	jobs     domain.JobRepository
	maxAge   time.Duration
	interval time.Duration
}

// NewSweeper constructs a Sweeper.
func NewSweeper(jobs domain.JobRepository, maxAge, interval time.Duration) *Sweeper {
	if maxAge <= 0 {
		maxAge = 10 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{jobs: jobs, maxAge: maxAge, interval: interval}
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (s *Sweeper) Run(ctx domain.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Sweeper) sweepOnce(ctx domain.Context) {
	tracer := otel.Tracer("runner.sweeper")
	ctx, span := tracer.Start(ctx, "runner.Sweeper.sweepOnce")
	defer span.End()

	cutoff := time.Now().Add(-s.maxAge)
	span.SetAttributes(attribute.Float64("sweeper.max_age_seconds", s.maxAge.Seconds()))

	const pageSize = 100
	marked := 0
	for offset := 0; ; offset += pageSize {
		jobs, err := s.jobs.ListWithFilters(ctx, offset, pageSize, "", "", string(domain.JobProcessing), "")
		if err != nil {
			slog.Error("runner sweeper failed to list processing jobs", slog.Any("error", err))
			return
		}
		if len(jobs) == 0 {
			break
		}
		for _, j := range jobs {
			if j.UpdatedAt.After(cutoff) {
				continue
			}
			now := time.Now()
			j.Status = domain.JobFailed
			j.Error = fmt.Sprintf("job processing exceeded maximum age %s; marked failed by sweeper", s.maxAge)
			j.FinishedAt = &now
			if err := s.jobs.Update(ctx, j); err != nil {
				slog.Error("runner sweeper failed to mark job failed", slog.Int64("job_id", j.ID), slog.Any("error", err))
				continue
			}
			marked++
		}
		if len(jobs) < pageSize {
			break
		}
	}
	span.SetAttributes(attribute.Int("sweeper.marked_failed", marked))
}
