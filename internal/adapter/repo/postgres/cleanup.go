package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// CleanupService handles retention of old jobs, job events, and scan history.
type CleanupService struct {
	Pool          *pgxpool.Pool
	RetentionDays int
}

// NewCleanupService creates a new cleanup service.
func NewCleanupService(pool *pgxpool.Pool, retentionDays int) *CleanupService {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	return &CleanupService{Pool: pool, RetentionDays: retentionDays}
}

// CleanupOldData removes jobs (and their cascading events) older than the
// retention period, in a single transaction for consistency.
func (s *CleanupService) CleanupOldData(ctx context.Context) error {
	cutoff := time.Now().AddDate(0, 0, -s.RetentionDays)

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("op=cleanup.begin_tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var deletedEvents int64
	err = tx.QueryRow(ctx, `
		WITH deleted AS (
			DELETE FROM job_events
			WHERE job_id IN (SELECT id FROM jobs WHERE created_at < $1)
			RETURNING 1
		) SELECT COUNT(*) FROM deleted
	`, cutoff).Scan(&deletedEvents)
	if err != nil {
		slog.Debug("no job events to delete", slog.Any("error", err))
	}

	var deletedJobs int64
	err = tx.QueryRow(ctx, `
		WITH deleted AS (
			DELETE FROM jobs WHERE created_at < $1 RETURNING 1
		) SELECT COUNT(*) FROM deleted
	`, cutoff).Scan(&deletedJobs)
	if err != nil {
		slog.Debug("no jobs to delete", slog.Any("error", err))
	}

	var deletedScans int64
	err = tx.QueryRow(ctx, `
		WITH deleted AS (
			DELETE FROM scan_results WHERE created_at < $1 RETURNING 1
		) SELECT COUNT(*) FROM deleted
	`, cutoff).Scan(&deletedScans)
	if err != nil {
		slog.Debug("no scan results to delete", slog.Any("error", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=cleanup.commit: %w", err)
	}

	slog.Info("data cleanup completed",
		slog.Int64("deleted_jobs", deletedJobs),
		slog.Int64("deleted_job_events", deletedEvents),
		slog.Int64("deleted_scan_results", deletedScans),
		slog.Time("cutoff", cutoff),
	)
	return nil
}

// RunPeriodic runs CleanupOldData once immediately and then on every tick of
// interval until ctx is cancelled.
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.CleanupOldData(ctx); err != nil {
		slog.Error("initial cleanup failed", slog.Any("error", err))
	}
	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup service stopping")
			return
		case <-ticker.C:
			if err := s.CleanupOldData(ctx); err != nil {
				slog.Error("periodic cleanup failed", slog.Any("error", err))
			}
		}
	}
}
