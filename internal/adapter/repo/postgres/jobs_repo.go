// Package postgres provides PostgreSQL database adapters.
//
// It implements repository interfaces for data persistence.
// The package provides type-safe database operations with
// connection pooling and transaction support.
package postgres

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ixfleet/orchestrator/internal/domain"
)

// JobRepo persists and loads jobs from PostgreSQL using a minimal pgx pool.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

// Create inserts a new job and returns its generated id.
func (r *JobRepo) Create(ctx domain.Context, j domain.Job) (int64, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "jobs"),
	)

	now := time.Now().UTC()
	q := `INSERT INTO jobs (
		profile_id, window_name, group_title, prompt, image_url, duration, aspect_ratio,
		status, phase, progress_pct, task_id, generation_id,
		publish_url, publish_post_id, publish_permalink,
		watermark_status, watermark_url, watermark_error, watermark_attempts,
		dispatch_mode, dispatch_score, dispatch_quantity, dispatch_quality, dispatch_reason,
		retry_of_job_id, retry_root_job_id, retry_index, error, created_at, updated_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29,$30)
	RETURNING id`
	row := r.Pool.QueryRow(ctx, q,
		j.ProfileID, j.WindowName, j.GroupTitle, j.Prompt, j.ImageURL, j.Duration, j.AspectRatio,
		j.Status, j.Phase, j.ProgressPct, j.TaskID, j.GenerationID,
		j.PublishURL, j.PublishPostID, j.PublishPermalink,
		j.WatermarkStatus, j.WatermarkURL, j.WatermarkError, j.WatermarkAttempts,
		j.DispatchMode, j.DispatchScore, j.DispatchQuantity, j.DispatchQuality, j.DispatchReason,
		j.RetryOfJobID, j.RetryRootJobID, j.RetryIndex, j.Error, now, now,
	)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("op=job.create: %w", err)
	}
	return id, nil
}

// Update persists the mutable state of j (status, phase, progress, upstream
// identifiers, publish fields, watermark sub-state, error, timestamps); the
// dispatch and retry-linkage columns written by Create are left unchanged.
// It runs with explicit transaction
// management, following the teacher's read-committed pattern for writes that
// must not race the runner's heavy-load retry spawn.
func (r *JobRepo) Update(ctx domain.Context, j domain.Job) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Update")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "jobs"),
		attribute.Int64("job.id", j.ID),
	)

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("op=job.update.begin_tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if rerr := tx.Rollback(ctx); rerr != nil {
				slog.Error("failed to rollback job update", slog.Int64("job_id", j.ID), slog.Any("error", rerr))
			}
		}
	}()

	q := `UPDATE jobs SET
		status=$2, phase=$3, progress_pct=$4, task_id=$5, generation_id=$6,
		publish_url=$7, publish_post_id=$8, publish_permalink=$9,
		watermark_status=$10, watermark_url=$11, watermark_error=$12, watermark_attempts=$13,
		error=$14, started_at=$15, finished_at=$16, updated_at=$17
	WHERE id=$1`
	result, err := tx.Exec(ctx, q,
		j.ID, j.Status, j.Phase, j.ProgressPct, j.TaskID, j.GenerationID,
		j.PublishURL, j.PublishPostID, j.PublishPermalink,
		j.WatermarkStatus, j.WatermarkURL, j.WatermarkError, j.WatermarkAttempts,
		j.Error, j.StartedAt, j.FinishedAt, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("op=job.update.exec: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("op=job.update job_id=%d: %w", j.ID, domain.ErrNotFound)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=job.update.commit: %w", err)
	}
	committed = true
	return nil
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx domain.Context, id int64) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "postgresql"), attribute.Int64("job.id", id))

	row := r.Pool.QueryRow(ctx, selectJobColumns+` FROM jobs WHERE id=$1`, id)
	j, err := scanJob(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=job.get id=%d: %w", id, domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// ListWithFilters returns a paginated, optionally-filtered list of jobs
// ordered newest first.
func (r *JobRepo) ListWithFilters(ctx domain.Context, offset, limit int, groupTitle, profileID, status, phase string) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListWithFilters")
	defer span.End()

	q := selectJobColumns + ` FROM jobs`
	where := ""
	args := []interface{}{}
	add := func(clause string, val interface{}) {
		if where == "" {
			where = " WHERE "
		} else {
			where += " AND "
		}
		args = append(args, val)
		where += fmt.Sprintf(clause, len(args))
	}
	if groupTitle != "" {
		add("group_title = $%d", groupTitle)
	}
	if profileID != "" {
		add("profile_id = $%d", profileID)
	}
	if status != "" {
		add("status = $%d", status)
	}
	if phase != "" {
		add("phase = $%d", phase)
	}
	args = append(args, limit, offset)
	q += where + fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=job.list_with_filters: %w", err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJobRows(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.list_with_filters_scan: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.list_with_filters_rows: %w", err)
	}
	return jobs, nil
}

// ListActiveByProfile returns jobs for profileID that have not reached a
// terminal status, used by the dispatcher's active-job penalty.
func (r *JobRepo) ListActiveByProfile(ctx domain.Context, profileID int64) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListActiveByProfile")
	defer span.End()

	q := selectJobColumns + ` FROM jobs WHERE profile_id=$1 AND status IN ($2,$3)`
	rows, err := r.Pool.Query(ctx, q, profileID, domain.JobQueued, domain.JobProcessing)
	if err != nil {
		return nil, fmt.Errorf("op=job.list_active: %w", err)
	}
	defer rows.Close()
	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJobRows(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.list_active_scan: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// CountActiveByProfile returns the number of non-terminal jobs for profileID.
func (r *JobRepo) CountActiveByProfile(ctx domain.Context, profileID int64) (int, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.CountActiveByProfile")
	defer span.End()

	row := r.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs WHERE profile_id=$1 AND status IN ($2,$3)`,
		profileID, domain.JobQueued, domain.JobProcessing)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("op=job.count_active: %w", err)
	}
	return count, nil
}

// LatestRetryChild returns the most recently created job in retryRootJobID's
// retry chain (highest retry_index), used to make heavy-load auto-retry
// idempotent under concurrent runner ticks.
func (r *JobRepo) LatestRetryChild(ctx domain.Context, retryRootJobID int64) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.LatestRetryChild")
	defer span.End()

	q := selectJobColumns + ` FROM jobs WHERE retry_root_job_id=$1 ORDER BY retry_index DESC LIMIT 1`
	row := r.Pool.QueryRow(ctx, q, retryRootJobID)
	j, err := scanJob(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=job.latest_retry_child root=%d: %w", retryRootJobID, domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.latest_retry_child: %w", err)
	}
	return j, nil
}

// CountCompletedSince returns the number of jobs on profileID that reached
// JobCompleted since cutoff, feeding the dispatcher's quality-score success
// count the same way the original's recent-completion tally does.
func (r *JobRepo) CountCompletedSince(ctx domain.Context, profileID int64, cutoff time.Time) (int, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.CountCompletedSince")
	defer span.End()
	span.SetAttributes(attribute.Int64("job.profile_id", profileID))

	row := r.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs WHERE profile_id=$1 AND status=$2 AND finished_at >= $3`,
		profileID, domain.JobCompleted, cutoff)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("op=job.count_completed_since profile_id=%d: %w", profileID, err)
	}
	return count, nil
}

// MaxRetryIndex returns the highest retry_index seen anywhere in
// rootJobID's retry chain (the root job itself included), used by the
// runner's heavy-load auto-retry to compute attempts_so_far.
func (r *JobRepo) MaxRetryIndex(ctx domain.Context, rootJobID int64) (int, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.MaxRetryIndex")
	defer span.End()

	row := r.Pool.QueryRow(ctx, `SELECT COALESCE(MAX(retry_index),0) FROM jobs WHERE id=$1 OR retry_root_job_id=$1`, rootJobID)
	var maxIdx int
	if err := row.Scan(&maxIdx); err != nil {
		return 0, fmt.Errorf("op=job.max_retry_index root=%d: %w", rootJobID, err)
	}
	return maxIdx, nil
}

// RetryChainProfileIds returns every distinct profile_id that has appeared
// anywhere in rootJobID's retry chain, forming the heavy-load auto-retry
// exclusion set.
func (r *JobRepo) RetryChainProfileIds(ctx domain.Context, rootJobID int64) ([]int64, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.RetryChainProfileIds")
	defer span.End()

	rows, err := r.Pool.Query(ctx, `SELECT DISTINCT profile_id FROM jobs WHERE id=$1 OR retry_root_job_id=$1`, rootJobID)
	if err != nil {
		return nil, fmt.Errorf("op=job.retry_chain_profile_ids root=%d: %w", rootJobID, err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("op=job.retry_chain_profile_ids_scan root=%d: %w", rootJobID, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountPendingSubmitsByProfile returns the number of profileID's jobs
// sitting at phase queue/submit, not yet acknowledged by an upstream
// task_id. The dispatcher subtracts this from a profile's raw quota so it
// doesn't over-assign work ahead of a submit accept.
func (r *JobRepo) CountPendingSubmitsByProfile(ctx domain.Context, profileID int64) (int, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.CountPendingSubmitsByProfile")
	defer span.End()

	row := r.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs WHERE profile_id=$1 AND phase IN ($2,$3) AND COALESCE(task_id,'')=''`,
		profileID, domain.PhaseQueue, domain.PhaseSubmit)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("op=job.count_pending_submits profile_id=%d: %w", profileID, err)
	}
	return count, nil
}

const selectJobColumns = `SELECT
	id, profile_id, window_name, group_title, prompt, image_url, duration, aspect_ratio,
	status, phase, progress_pct, COALESCE(task_id,''), COALESCE(generation_id,''),
	COALESCE(publish_url,''), COALESCE(publish_post_id,''), COALESCE(publish_permalink,''),
	watermark_status, COALESCE(watermark_url,''), COALESCE(watermark_error,''), watermark_attempts,
	dispatch_mode, dispatch_score, dispatch_quantity, dispatch_quality, COALESCE(dispatch_reason,''),
	retry_of_job_id, retry_root_job_id, retry_index, COALESCE(error,''),
	started_at, finished_at, created_at, updated_at`

type scannable interface {
	Scan(dest ...any) error
}

func scanJob(row pgx.Row) (domain.Job, error) {
	return scanJobRows(row)
}

func scanJobRows(row scannable) (domain.Job, error) {
	var j domain.Job
	if err := row.Scan(
		&j.ID, &j.ProfileID, &j.WindowName, &j.GroupTitle, &j.Prompt, &j.ImageURL, &j.Duration, &j.AspectRatio,
		&j.Status, &j.Phase, &j.ProgressPct, &j.TaskID, &j.GenerationID,
		&j.PublishURL, &j.PublishPostID, &j.PublishPermalink,
		&j.WatermarkStatus, &j.WatermarkURL, &j.WatermarkError, &j.WatermarkAttempts,
		&j.DispatchMode, &j.DispatchScore, &j.DispatchQuantity, &j.DispatchQuality, &j.DispatchReason,
		&j.RetryOfJobID, &j.RetryRootJobID, &j.RetryIndex, &j.Error,
		&j.StartedAt, &j.FinishedAt, &j.CreatedAt, &j.UpdatedAt,
	); err != nil {
		return domain.Job{}, err
	}
	return j, nil
}
