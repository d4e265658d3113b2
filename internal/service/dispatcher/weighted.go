package dispatcher

import (
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ixfleet/orchestrator/internal/domain"
)

// failEventSource is the narrow slice of *postgres.EventRepo's surface the
// weighted dispatcher needs: the fail-event projection isn't part of
// domain.EventRepository because only the dispatcher uses it.
type failEventSource interface {
	RecentFailEvents(ctx domain.Context, groupTitle string, since time.Time) (map[int64][]domain.FailEvent, error)
}

// successCountSource is the narrow slice of *postgres.JobRepo's surface the
// weighted dispatcher needs for the quality score's success tally.
type successCountSource interface {
	CountCompletedSince(ctx domain.Context, profileID int64, cutoff time.Time) (int, error)
}

// pendingSubmitSource is the narrow slice of *postgres.JobRepo's surface the
// weighted dispatcher needs for the quantity score's effective-quota
// adjustment.
type pendingSubmitSource interface {
	CountPendingSubmitsByProfile(ctx domain.Context, profileID int64) (int, error)
}

// Weighted implements domain.Dispatcher by assembling a Snapshot from the
// job store and scan history on every call, then delegating the scoring
// itself to Service. Grounded on
// original_source/app/services/account_dispatch_service.py's
// pick_best_account, which does the same per-call snapshot-then-score.
type Weighted struct {
	scorer   *Service
	profiles domain.ProfileRepository
	scans    domain.ScanRepository
	jobs     domain.JobRepository
	events   failEventSource
	success  successCountSource
	pending  pendingSubmitSource
	settings domain.DispatchSettings
}

// NewWeighted builds a Weighted dispatcher over the given ports.
func NewWeighted(scorer *Service, profiles domain.ProfileRepository, scans domain.ScanRepository, jobs domain.JobRepository, events failEventSource, success successCountSource, pending pendingSubmitSource, settings domain.DispatchSettings) *Weighted {
	return &Weighted{scorer: scorer, profiles: profiles, scans: scans, jobs: jobs, events: events, success: success, pending: pending, settings: settings}
}

// PickBest implements domain.Dispatcher.
func (w *Weighted) PickBest(ctx domain.Context, groupTitle string, exclude map[int64]bool) (domain.ProfileWeight, error) {
	snap, err := w.buildSnapshot(ctx, groupTitle)
	if err != nil {
		return domain.ProfileWeight{}, err
	}
	return w.scorer.PickBest(ctx, snap, exclude)
}

// ListWeights implements domain.Dispatcher.
func (w *Weighted) ListWeights(ctx domain.Context, groupTitle string) ([]domain.ProfileWeight, error) {
	snap, err := w.buildSnapshot(ctx, groupTitle)
	if err != nil {
		return nil, err
	}
	return w.scorer.Rank(ctx, snap), nil
}

// fillScanGaps applies the same with_fallback gap-fill spec.md's GetLatest
// describes to the scoring snapshot's own scan read: res's fields are
// missing when the profile's last scan attempt failed before observing a
// fresh plan/quota snapshot, so quota/plan for scoring purposes come from
// the most recent prior successful ScanResult of that profile instead.
func (w *Weighted) fillScanGaps(ctx domain.Context, profileID int64, res domain.ScanResult) domain.ScanResult {
	if !res.MissingFields() {
		return res
	}
	history, err := w.scans.RecentResults(ctx, profileID, 10)
	if err != nil {
		return res
	}
	for _, prior := range history {
		if prior.ID == res.ID || prior.MissingFields() {
			continue
		}
		return res.FillFrom(prior)
	}
	return res
}

func (w *Weighted) buildSnapshot(ctx domain.Context, groupTitle string) (Snapshot, error) {
	tracer := otel.Tracer("dispatcher")
	ctx, span := tracer.Start(ctx, "dispatcher.buildSnapshot")
	defer span.End()
	span.SetAttributes(attribute.String("dispatch.group_title", groupTitle))

	profiles, err := w.profiles.ListByGroup(ctx, groupTitle)
	if err != nil {
		return Snapshot{}, fmt.Errorf("op=dispatcher.build_snapshot.list_profiles group=%s: %w", groupTitle, err)
	}

	now := time.Now()
	lookback := time.Duration(w.settings.LookbackHours) * time.Hour
	if lookback <= 0 {
		lookback = 24 * time.Hour
	}
	since := now.Add(-lookback)

	failEvents, err := w.events.RecentFailEvents(ctx, groupTitle, since)
	if err != nil {
		return Snapshot{}, fmt.Errorf("op=dispatcher.build_snapshot.fail_events group=%s: %w", groupTitle, err)
	}

	latestScan := make(map[int64]domain.ScanResult, len(profiles))
	successCount := make(map[int64]int, len(profiles))
	activeJobs := make(map[int64]int, len(profiles))
	pendingSubmits := make(map[int64]int, len(profiles))
	for _, p := range profiles {
		if res, err := w.scans.LatestResult(ctx, p.ID); err == nil {
			latestScan[p.ID] = w.fillScanGaps(ctx, p.ID, res)
		}
		if n, err := w.success.CountCompletedSince(ctx, p.ID, since); err == nil {
			successCount[p.ID] = n
		}
		if n, err := w.jobs.CountActiveByProfile(ctx, p.ID); err == nil {
			activeJobs[p.ID] = n
		}
		if n, err := w.pending.CountPendingSubmitsByProfile(ctx, p.ID); err == nil {
			pendingSubmits[p.ID] = n
		}
	}

	return Snapshot{
		GroupTitle:     groupTitle,
		Profiles:       profiles,
		LatestScan:     latestScan,
		FailEvents:     failEvents,
		SuccessCount:   successCount,
		ActiveJobs:     activeJobs,
		PendingSubmits: pendingSubmits,
		Now:            now,
	}, nil
}
