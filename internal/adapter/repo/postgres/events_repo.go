package postgres

import (
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ixfleet/orchestrator/internal/domain"
)

// EventRepo persists the append-only job phase/event log that backs both
// audit and the stream service's replication cursor.
type EventRepo struct{ Pool PgxPool }

// NewEventRepo constructs an EventRepo with the given pool.
func NewEventRepo(p PgxPool) *EventRepo { return &EventRepo{Pool: p} }

// Append inserts e and returns the monotonically-increasing event id assigned
// by the database sequence.
func (r *EventRepo) Append(ctx domain.Context, e domain.JobEvent) (int64, error) {
	tracer := otel.Tracer("repo.events")
	ctx, span := tracer.Start(ctx, "events.Append")
	defer span.End()
	span.SetAttributes(attribute.Int64("job.id", e.JobID), attribute.String("event.phase", string(e.Phase)))

	q := `INSERT INTO job_events (job_id, phase, event, message, created_at) VALUES ($1,$2,$3,$4,$5) RETURNING id`
	row := r.Pool.QueryRow(ctx, q, e.JobID, e.Phase, e.Event, e.Message, time.Now().UTC())
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("op=event.append job_id=%d: %w", e.JobID, err)
	}
	return id, nil
}

// LatestID returns the id of the most recently appended event, or 0 when the
// log is empty. Used by the stream service to seed a client's initial cursor.
func (r *EventRepo) LatestID(ctx domain.Context) (int64, error) {
	tracer := otel.Tracer("repo.events")
	ctx, span := tracer.Start(ctx, "events.LatestID")
	defer span.End()

	row := r.Pool.QueryRow(ctx, `SELECT COALESCE(MAX(id), 0) FROM job_events`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("op=event.latest_id: %w", err)
	}
	return id, nil
}

// ListSince returns events with id > afterID whose job is in jobIDs (the
// stream service's currently-visible snapshot), capped at limit, along with
// the highest id observed across ALL matching rows (even ones filtered out by
// jobIDs) so the caller's cursor advances past events for jobs it doesn't
// currently care about.
func (r *EventRepo) ListSince(ctx domain.Context, afterID int64, jobIDs map[int64]bool, limit int) ([]domain.JobEvent, int64, error) {
	tracer := otel.Tracer("repo.events")
	ctx, span := tracer.Start(ctx, "events.ListSince")
	defer span.End()
	span.SetAttributes(attribute.Int64("event.after_id", afterID), attribute.Int("event.limit", limit))

	if limit <= 0 {
		limit = 200
	}
	rows, err := r.Pool.Query(ctx, `SELECT id, job_id, phase, event, COALESCE(message,''), created_at
		FROM job_events WHERE id > $1 ORDER BY id ASC LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, afterID, fmt.Errorf("op=event.list_since: %w", err)
	}
	defer rows.Close()

	lastID := afterID
	var events []domain.JobEvent
	for rows.Next() {
		var e domain.JobEvent
		if err := rows.Scan(&e.ID, &e.JobID, &e.Phase, &e.Event, &e.Message, &e.CreatedAt); err != nil {
			return nil, lastID, fmt.Errorf("op=event.list_since_scan: %w", err)
		}
		if e.ID > lastID {
			lastID = e.ID
		}
		if jobIDs != nil && !jobIDs[e.JobID] {
			continue
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, lastID, fmt.Errorf("op=event.list_since_rows: %w", err)
	}
	return events, lastID, nil
}

// RecentFailEvents projects the non-success event tail for a set of
// profiles' jobs into dispatcher.FailEvents, scoped to the lookback window.
// This mirrors the original's list_sora_fail_events_since join of job_events
// to jobs by profile_id.
func (r *EventRepo) RecentFailEvents(ctx domain.Context, groupTitle string, since time.Time) (map[int64][]domain.FailEvent, error) {
	tracer := otel.Tracer("repo.events")
	ctx, span := tracer.Start(ctx, "events.RecentFailEvents")
	defer span.End()

	q := `SELECT j.profile_id, e.phase, COALESCE(e.message,''), e.created_at
		FROM job_events e JOIN jobs j ON j.id = e.job_id
		WHERE j.group_title = $1 AND e.created_at >= $2
		AND (e.event = 'failed' OR e.event = 'error' OR e.event = 'heavy_load')`
	rows, err := r.Pool.Query(ctx, q, groupTitle, since)
	if err != nil {
		return nil, fmt.Errorf("op=event.recent_fail_events: %w", err)
	}
	defer rows.Close()

	out := map[int64][]domain.FailEvent{}
	for rows.Next() {
		var profileID int64
		var phase, message string
		var createdAt time.Time
		if err := rows.Scan(&profileID, &phase, &message, &createdAt); err != nil {
			return nil, fmt.Errorf("op=event.recent_fail_events_scan: %w", err)
		}
		if strings.TrimSpace(message) == "" {
			message = "(no error message)"
		}
		out[profileID] = append(out[profileID], domain.FailEvent{Phase: phase, Message: message, CreatedAt: createdAt})
	}
	return out, rows.Err()
}
