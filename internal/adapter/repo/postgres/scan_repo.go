package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ixfleet/orchestrator/internal/domain"
)

// ScanRepo persists ScanRun/ScanResult history, retaining at most the most
// recent N ScanResults per profile (spec's scan history retention).
type ScanRepo struct{ Pool PgxPool }

// NewScanRepo constructs a ScanRepo with the given pool.
func NewScanRepo(p PgxPool) *ScanRepo { return &ScanRepo{Pool: p} }

// CreateRun inserts a new ScanRun and returns its id.
func (r *ScanRepo) CreateRun(ctx domain.Context, run domain.ScanRun) (int64, error) {
	tracer := otel.Tracer("repo.scan")
	ctx, span := tracer.Start(ctx, "scan.CreateRun")
	defer span.End()
	span.SetAttributes(attribute.String("scan.group_title", run.GroupTitle))

	q := `INSERT INTO scan_runs (group_title, status, total_count, done_count, error, started_at)
		VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`
	row := r.Pool.QueryRow(ctx, q, run.GroupTitle, run.Status, run.TotalCount, run.DoneCount, run.Error, time.Now().UTC())
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("op=scan.create_run: %w", err)
	}
	return id, nil
}

// UpdateRun persists the current progress/status/finished_at of run.
func (r *ScanRepo) UpdateRun(ctx domain.Context, run domain.ScanRun) error {
	tracer := otel.Tracer("repo.scan")
	ctx, span := tracer.Start(ctx, "scan.UpdateRun")
	defer span.End()
	span.SetAttributes(attribute.Int64("scan.run_id", run.ID))

	q := `UPDATE scan_runs SET status=$2, done_count=$3, error=$4, finished_at=$5 WHERE id=$1`
	_, err := r.Pool.Exec(ctx, q, run.ID, run.Status, run.DoneCount, run.Error, run.FinishedAt)
	if err != nil {
		return fmt.Errorf("op=scan.update_run id=%d: %w", run.ID, err)
	}
	return nil
}

// AppendResult inserts a ScanResult and returns its id. It does not purge
// older results; retention is applied separately through PurgeOld.
func (r *ScanRepo) AppendResult(ctx domain.Context, res domain.ScanResult) (int64, error) {
	tracer := otel.Tracer("repo.scan")
	ctx, span := tracer.Start(ctx, "scan.AppendResult")
	defer span.End()
	span.SetAttributes(attribute.Int64("scan.profile_id", res.ProfileID))

	q := `INSERT INTO scan_results (
		profile_id, quota_remaining, quota_purchased, quota_reset_seconds, quota_reset_at, plan, cf_challenge, token_valid, error, created_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10) RETURNING id`
	row := r.Pool.QueryRow(ctx, q,
		res.ProfileID, res.QuotaRemaining, res.QuotaPurchased, res.QuotaResetSeconds, res.QuotaResetAt,
		res.Plan, res.CFChallenge, res.TokenValid, res.Error, time.Now().UTC(),
	)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("op=scan.append_result profile_id=%d: %w", res.ProfileID, err)
	}
	return id, nil
}

// LatestResult returns the most recent ScanResult for profileID.
func (r *ScanRepo) LatestResult(ctx domain.Context, profileID int64) (domain.ScanResult, error) {
	tracer := otel.Tracer("repo.scan")
	ctx, span := tracer.Start(ctx, "scan.LatestResult")
	defer span.End()
	span.SetAttributes(attribute.Int64("scan.profile_id", profileID))

	q := `SELECT id, profile_id, quota_remaining, quota_purchased, quota_reset_seconds, quota_reset_at, plan, cf_challenge, token_valid, COALESCE(error,''), created_at
		FROM scan_results WHERE profile_id=$1 ORDER BY created_at DESC LIMIT 1`
	row := r.Pool.QueryRow(ctx, q, profileID)
	res, err := scanResultFromRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.ScanResult{}, fmt.Errorf("op=scan.latest_result profile_id=%d: %w", profileID, domain.ErrNotFound)
		}
		return domain.ScanResult{}, fmt.Errorf("op=scan.latest_result: %w", err)
	}
	return res, nil
}

// RecentResults returns profileID's most recent limit ScanResults, newest
// first, feeding GetLatestResult's with_fallback gap-fill walk.
func (r *ScanRepo) RecentResults(ctx domain.Context, profileID int64, limit int) ([]domain.ScanResult, error) {
	tracer := otel.Tracer("repo.scan")
	ctx, span := tracer.Start(ctx, "scan.RecentResults")
	defer span.End()
	span.SetAttributes(attribute.Int64("scan.profile_id", profileID), attribute.Int("scan.limit", limit))

	if limit <= 0 {
		limit = 10
	}
	q := `SELECT id, profile_id, quota_remaining, quota_purchased, quota_reset_seconds, quota_reset_at, plan, cf_challenge, token_valid, COALESCE(error,''), created_at
		FROM scan_results WHERE profile_id=$1 ORDER BY created_at DESC LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, profileID, limit)
	if err != nil {
		return nil, fmt.Errorf("op=scan.recent_results profile_id=%d: %w", profileID, err)
	}
	defer rows.Close()

	var out []domain.ScanResult
	for rows.Next() {
		res, err := scanResultFromRow(rows)
		if err != nil {
			return nil, fmt.Errorf("op=scan.recent_results_scan profile_id=%d: %w", profileID, err)
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

type scanRowScanner interface {
	Scan(dest ...any) error
}

func scanResultFromRow(row scanRowScanner) (domain.ScanResult, error) {
	var res domain.ScanResult
	var resetAt *time.Time
	if err := row.Scan(&res.ID, &res.ProfileID, &res.QuotaRemaining, &res.QuotaPurchased, &res.QuotaResetSeconds, &resetAt,
		&res.Plan, &res.CFChallenge, &res.TokenValid, &res.Error, &res.CreatedAt); err != nil {
		return domain.ScanResult{}, err
	}
	if resetAt != nil {
		res.QuotaResetAt = *resetAt
	}
	return res, nil
}

// PurgeOld deletes ScanResults for profileID beyond the most recent keep
// rows, implementing the spec's fixed-size scan history retention.
func (r *ScanRepo) PurgeOld(ctx domain.Context, profileID int64, keep int) error {
	tracer := otel.Tracer("repo.scan")
	ctx, span := tracer.Start(ctx, "scan.PurgeOld")
	defer span.End()
	if keep <= 0 {
		keep = 10
	}
	q := `DELETE FROM scan_results WHERE profile_id=$1 AND id NOT IN (
		SELECT id FROM scan_results WHERE profile_id=$1 ORDER BY created_at DESC LIMIT $2
	)`
	_, err := r.Pool.Exec(ctx, q, profileID, keep)
	if err != nil {
		return fmt.Errorf("op=scan.purge_old profile_id=%d: %w", profileID, err)
	}
	return nil
}
