// Package stream computes snapshot-first diff streams over the job store for
// SSE subscribers. It never retains per-subscriber state across reconnects;
// a disconnecting subscriber simply re-snapshots on its next connection.
package stream

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/ixfleet/orchestrator/internal/domain"
)

// Filter narrows the job set a subscriber observes. Keyword has no
// JobRepository-level equivalent, so it is applied client-side against the
// job's Prompt after ListWithFilters runs the rest.
type Filter struct {
	GroupTitle string
	ProfileID  int64
	Status     string
	Phase      string
	Keyword    string
	Limit      int
	WithEvents bool
}

// BuildFilter normalizes raw query values the way the ingress layer receives
// them: trims and lowercases status/phase, clamps limit to [1,200].
func BuildFilter(groupTitle, status, phase, keyword string, profileID int64, limit int, withEvents bool) Filter {
	f := Filter{
		GroupTitle: strings.TrimSpace(groupTitle),
		ProfileID:  profileID,
		Status:     strings.ToLower(strings.TrimSpace(status)),
		Phase:      strings.ToLower(strings.TrimSpace(phase)),
		Keyword:    strings.TrimSpace(keyword),
		Limit:      limit,
		WithEvents: withEvents,
	}
	if f.Limit <= 0 {
		f.Limit = 100
	}
	f.Limit = int(domain.Clamp(float64(f.Limit), 1, 200))
	return f
}

// EventKind tags the kind of payload an Event carries.
type EventKind string

// Event kinds, in the order spec'd ordering requires them to be emitted
// within a single poll tick: job updates, then removes, then phase events.
const (
	KindSnapshot EventKind = "snapshot"
	KindJob      EventKind = "job"
	KindRemove   EventKind = "remove"
	KindPhase    EventKind = "phase"
	KindPing     EventKind = "ping"
)

// SnapshotPayload is the first event emitted on every subscription.
type SnapshotPayload struct {
	Jobs       []domain.Job `json:"jobs"`
	ServerTime time.Time    `json:"server_time"`
}

// RemovePayload identifies a job that left the filtered view.
type RemovePayload struct {
	JobID int64 `json:"job_id"`
}

// Event is one item the Service hands to a subscriber's sink.
type Event struct {
	Kind     EventKind
	Snapshot *SnapshotPayload
	Job      *domain.Job
	Remove   *RemovePayload
	Phase    *domain.JobEvent
}

// Service drives the snapshot+diff polling loop over the job store.
type Service struct {
	jobs            domain.JobRepository
	events          domain.EventRepository
	pollInterval    time.Duration
	pingInterval    time.Duration
	phaseEventLimit int
}

// New constructs a Service. Zero durations fall back to the original's
// poll_interval_seconds=1.0 / ping_interval_seconds=25.0 defaults.
func New(jobs domain.JobRepository, events domain.EventRepository, pollInterval, pingInterval time.Duration) *Service {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	if pingInterval <= 0 {
		pingInterval = 25 * time.Second
	}
	return &Service{jobs: jobs, events: events, pollInterval: pollInterval, pingInterval: pingInterval, phaseEventLimit: 200}
}

// fingerprint is the comparable projection of a Job used to detect whether a
// subscriber needs a fresh `job` event for it. Mirrors
// SoraJobStreamService._job_fingerprint field-for-field, minus the id (which
// is the map key, not part of the comparison).
type fingerprint struct {
	UpdatedAt        time.Time
	Status           domain.JobStatus
	Phase            domain.JobPhase
	ProgressPct      int
	ImageURL         string
	TaskID           string
	GenerationID     string
	PublishURL       string
	WatermarkStatus  domain.WatermarkStatus
	WatermarkURL     string
	WatermarkError   string
	Error            string
}

func fingerprintOf(j domain.Job) fingerprint {
	return fingerprint{
		UpdatedAt:       j.UpdatedAt,
		Status:          j.Status,
		Phase:           j.Phase,
		ProgressPct:     j.ProgressPct,
		ImageURL:        j.ImageURL,
		TaskID:          j.TaskID,
		GenerationID:    j.GenerationID,
		PublishURL:      j.PublishURL,
		WatermarkStatus: j.WatermarkStatus,
		WatermarkURL:    j.WatermarkURL,
		WatermarkError:  j.WatermarkError,
		Error:           j.Error,
	}
}

// listJobs fetches the filtered job set and applies the keyword filter that
// has no repository-level equivalent.
func (s *Service) listJobs(ctx domain.Context, f Filter) ([]domain.Job, error) {
	profileID := ""
	if f.ProfileID != 0 {
		profileID = strconv.FormatInt(f.ProfileID, 10)
	}
	jobs, err := s.jobs.ListWithFilters(ctx, 0, f.Limit, f.GroupTitle, profileID, f.Status, f.Phase)
	if err != nil {
		return nil, fmt.Errorf("op=stream.list_jobs: %w", err)
	}
	if f.Keyword == "" {
		return jobs, nil
	}
	needle := strings.ToLower(f.Keyword)
	filtered := jobs[:0:0]
	for _, j := range jobs {
		if strings.Contains(strings.ToLower(j.Prompt), needle) {
			filtered = append(filtered, j)
		}
	}
	return filtered, nil
}

func fingerprintMap(jobs []domain.Job) map[int64]fingerprint {
	m := make(map[int64]fingerprint, len(jobs))
	for _, j := range jobs {
		m[j.ID] = fingerprintOf(j)
	}
	return m
}

// diff compares a previous fingerprint map against the latest job list,
// returning the jobs whose fingerprint changed (or that are newly visible),
// the ids that dropped out of view, and the refreshed fingerprint map.
func diff(prev map[int64]fingerprint, current []domain.Job) (changed []domain.Job, removed []int64, next map[int64]fingerprint) {
	next = fingerprintMap(current)
	for _, j := range current {
		if prev[j.ID] != next[j.ID] {
			changed = append(changed, j)
		}
	}
	for id := range prev {
		if _, ok := next[id]; !ok {
			removed = append(removed, id)
		}
	}
	return changed, removed, next
}

// Sink receives Events as the stream progresses. Returning an error stops the
// run (e.g. the subscriber's connection write failed).
type Sink func(Event) error

// Run drives the snapshot-then-poll loop until ctx is cancelled or sink
// returns an error. Ordering within a tick matches spec: job updates, then
// removes, then phase events, each internally ordered (phase events by
// event_id ascending); a ping is emitted only if a tick produced no output
// for at least pingInterval.
func (s *Service) Run(ctx domain.Context, f Filter, sink Sink) error {
	tracer := otel.Tracer("stream")
	ctx, span := tracer.Start(ctx, "stream.Run")
	defer span.End()

	jobs, err := s.listJobs(ctx, f)
	if err != nil {
		return err
	}
	fingerprints := fingerprintMap(jobs)

	var lastEventID int64
	if f.WithEvents {
		lastEventID, err = s.events.LatestID(ctx)
		if err != nil {
			return fmt.Errorf("op=stream.latest_event_id: %w", err)
		}
	}

	if err := sink(Event{Kind: KindSnapshot, Snapshot: &SnapshotPayload{Jobs: jobs, ServerTime: time.Now()}}); err != nil {
		return err
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	lastEmit := time.Now()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		latest, err := s.listJobs(ctx, f)
		if err != nil {
			return err
		}
		var changed []domain.Job
		var removed []int64
		changed, removed, fingerprints = diff(fingerprints, latest)

		hasOutput := false
		for i := range changed {
			if err := sink(Event{Kind: KindJob, Job: &changed[i]}); err != nil {
				return err
			}
			hasOutput = true
		}
		for _, id := range removed {
			if err := sink(Event{Kind: KindRemove, Remove: &RemovePayload{JobID: id}}); err != nil {
				return err
			}
			hasOutput = true
		}

		if f.WithEvents {
			visible := make(map[int64]bool, len(fingerprints))
			for id := range fingerprints {
				visible[id] = true
			}
			phaseEvents, newLastID, err := s.events.ListSince(ctx, lastEventID, visible, s.phaseEventLimit)
			if err != nil {
				return fmt.Errorf("op=stream.list_phase_events: %w", err)
			}
			lastEventID = newLastID
			for i := range phaseEvents {
				if err := sink(Event{Kind: KindPhase, Phase: &phaseEvents[i]}); err != nil {
					return err
				}
				hasOutput = true
			}
		}

		now := time.Now()
		if hasOutput {
			lastEmit = now
			continue
		}
		if now.Sub(lastEmit) >= s.pingInterval {
			if err := sink(Event{Kind: KindPing}); err != nil {
				return err
			}
			lastEmit = now
		}
	}
}
