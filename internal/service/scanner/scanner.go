// Package scanner implements the Account Registry & Scanner: refreshing a
// group's Profile rows with the upstream quota/plan snapshot a fresh scan
// observes, and persisting one ScanRun + per-profile ScanResult per pass.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ixfleet/orchestrator/internal/domain"
)

// Service runs scan passes over a group's profiles. Grounded on
// original_source/app/services/ixbrowser/scan.py's
// scan_group_sora_sessions_silent_api: an API-only refresh per profile,
// falling back to a real browser session only on a Cloudflare challenge or
// a token-auth failure, persisting a ScanRun/ScanResult pair per pass.
type Service struct {
	profiles domain.ProfileRepository
	scans    domain.ScanRepository
	broker   domain.BrokerClient
	upstream domain.UpstreamClient

	retentionCount int

	mu       sync.Mutex
	running  map[string]bool
	lastRun  map[string]domain.ScanRun
}

// Config configures a Service.
type Config struct {
	RetentionCount int
}

// New constructs a scanner Service.
func New(profiles domain.ProfileRepository, scans domain.ScanRepository, broker domain.BrokerClient, upstream domain.UpstreamClient, cfg Config) *Service {
	keep := cfg.RetentionCount
	if keep <= 0 {
		keep = 10
	}
	return &Service{
		profiles:       profiles,
		scans:          scans,
		broker:         broker,
		upstream:       upstream,
		retentionCount: keep,
		running:        make(map[string]bool),
		lastRun:        make(map[string]domain.ScanRun),
	}
}

// ScanGroup runs one scan pass over groupTitle, restricted to profileIDs
// when non-empty, and returns the finished ScanRun. Serialized per group
// (at most one active run per group; spec.md §5) so a manual trigger and a
// scheduled tick never race each other.
func (s *Service) ScanGroup(ctx domain.Context, groupTitle string, profileIDs []int64, withFallback bool) (domain.ScanRun, error) {
	tracer := otel.Tracer("scanner")
	ctx, span := tracer.Start(ctx, "scanner.ScanGroup")
	defer span.End()
	span.SetAttributes(attribute.String("scanner.group_title", groupTitle), attribute.Bool("scanner.with_fallback", withFallback))

	if !s.tryLock(groupTitle) {
		return domain.ScanRun{}, fmt.Errorf("op=scanner.scan_group group_title=%s: %w", groupTitle, domain.ErrConflict)
	}
	defer s.unlock(groupTitle)
	return s.runScan(ctx, groupTitle, profileIDs, withFallback, nil)
}

// runScan performs the actual scan pass; callers must already hold
// groupTitle's lock. When existingRun is non-nil (SilentRefresh has already
// created the row so its caller gets a handle immediately), runScan
// continues that run instead of creating a second one.
func (s *Service) runScan(ctx domain.Context, groupTitle string, profileIDs []int64, withFallback bool, existingRun *domain.ScanRun) (domain.ScanRun, error) {
	profiles, err := s.profiles.ListByGroup(ctx, groupTitle)
	if err != nil {
		return domain.ScanRun{}, fmt.Errorf("op=scanner.scan_group.list_profiles group_title=%s: %w", groupTitle, err)
	}
	profiles = filterProfiles(profiles, profileIDs)

	var run domain.ScanRun
	if existingRun != nil {
		run = *existingRun
		run.Status = domain.ScanRunRunning
		run.TotalCount = len(profiles)
	} else {
		run = domain.ScanRun{
			GroupTitle: groupTitle,
			Status:     domain.ScanRunRunning,
			TotalCount: len(profiles),
			StartedAt:  time.Now(),
		}
		runID, err := s.scans.CreateRun(ctx, run)
		if err != nil {
			return domain.ScanRun{}, fmt.Errorf("op=scanner.scan_group.create_run group_title=%s: %w", groupTitle, err)
		}
		run.ID = runID
	}
	s.setLastRun(groupTitle, run)

	var lastErr string
	for _, p := range profiles {
		result := s.scanOne(ctx, p, withFallback)
		if _, err := s.scans.AppendResult(ctx, result); err != nil {
			lastErr = err.Error()
		}
		if err := s.scans.PurgeOld(ctx, p.ID, s.retentionCount); err != nil {
			lastErr = err.Error()
		}

		p.Plan = result.Plan
		if err := s.profiles.Update(ctx, p); err != nil {
			lastErr = err.Error()
		}

		run.DoneCount++
		s.setLastRun(groupTitle, run)
	}

	finishedAt := time.Now()
	run.FinishedAt = &finishedAt
	run.Status = domain.ScanRunCompleted
	run.Error = lastErr
	if lastErr != "" {
		run.Status = domain.ScanRunFailed
	}
	if err := s.scans.UpdateRun(ctx, run); err != nil {
		return run, fmt.Errorf("op=scanner.scan_group.update_run group_title=%s: %w", groupTitle, err)
	}
	s.setLastRun(groupTitle, run)
	return run, nil
}

func filterProfiles(profiles []domain.Profile, ids []int64) []domain.Profile {
	if len(ids) == 0 {
		return profiles
	}
	want := make(map[int64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	out := make([]domain.Profile, 0, len(ids))
	for _, p := range profiles {
		if want[p.ID] {
			out = append(out, p)
		}
	}
	return out
}

// scanOne refreshes a single profile's quota/plan snapshot. On a
// Cloudflare challenge or token-auth failure, and only when withFallback is
// set, it opens and closes the profile's browser window through the broker
// (browserFallback) and then retries FetchQuota once, matching scan.py's
// escalation from the API-only path to a real browser. The retried call's
// token comes from the upstream adapter's TokenResolver, which opens or
// attaches to the window itself.
func (s *Service) scanOne(ctx domain.Context, p domain.Profile, withFallback bool) domain.ScanResult {
	result := domain.ScanResult{ProfileID: p.ID, CreatedAt: time.Now()}

	quota, err := s.upstream.FetchQuota(ctx, p.WindowName)
	tokenValid := err == nil
	if err != nil {
		result.CFChallenge = errors.Is(err, domain.ErrCFChallenge)
		result.TokenValid = false

		needsFallback := result.CFChallenge || errors.Is(err, domain.ErrTokenAuthFailure)
		if !withFallback || !needsFallback || !s.browserFallback(ctx, p) {
			result.Error = err.Error()
			return result
		}
		quota, err = s.upstream.FetchQuota(ctx, p.WindowName)
		if err != nil {
			result.Error = err.Error()
			return result
		}
		tokenValid = true
	}

	plan, err := s.upstream.FetchSubscriptionPlan(ctx, p.WindowName)
	if err != nil {
		plan = p.Plan
	}

	result.QuotaRemaining = quota.Remaining
	result.QuotaPurchased = quota.PurchasedRemaining
	result.QuotaResetSeconds = quota.ResetInSeconds
	result.QuotaResetAt = result.CreatedAt.Add(time.Duration(quota.ResetInSeconds) * time.Second)
	result.Plan = plan
	result.TokenValid = tokenValid
	return result
}

// browserFallback opens p's window through the broker and closes it again
// before returning, reporting whether the open succeeded. The window is not
// held open for the caller's retried upstream call.
func (s *Service) browserFallback(ctx domain.Context, p domain.Profile) bool {
	if _, err := s.broker.OpenProfile(ctx, p.WindowName, true); err != nil {
		return false
	}
	defer func() { _ = s.broker.CloseProfile(ctx, p.WindowName) }()
	return true
}

// GetLatest returns the most recently recorded ScanRun for groupTitle.
// withFallback is accepted for parity with spec's GetLatest(group_title,
// with_fallback) signature, but a ScanRun carries only run-level counters
// (total/done/status), never a per-profile snapshot, so there is nothing on
// the run itself to gap-fill; callers needing a filled-in per-profile
// snapshot call GetLatestResult(profileID, withFallback) instead, which is
// where the fallback walk through scan history actually happens.
func (s *Service) GetLatest(ctx domain.Context, groupTitle string, withFallback bool) (domain.ScanRun, error) {
	_ = withFallback
	s.mu.Lock()
	run, ok := s.lastRun[groupTitle]
	s.mu.Unlock()
	if !ok {
		return domain.ScanRun{}, fmt.Errorf("op=scanner.get_latest group_title=%s: %w", groupTitle, domain.ErrNotFound)
	}
	return run, nil
}

// GetLatestResult returns profileID's most recent ScanResult. When
// withFallback is set and that result is missing plan/quota fields (the
// scan attempt itself failed before observing them), it walks backward
// through scan history for the most recent successful result and fills the
// gaps from it, per spec's GetLatest with_fallback semantics.
func (s *Service) GetLatestResult(ctx domain.Context, profileID int64, withFallback bool) (domain.ScanResult, error) {
	latest, err := s.scans.LatestResult(ctx, profileID)
	if err != nil {
		return domain.ScanResult{}, err
	}
	if !withFallback || !latest.MissingFields() {
		return latest, nil
	}
	history, err := s.scans.RecentResults(ctx, profileID, s.retentionCount)
	if err != nil {
		return latest, nil
	}
	for _, prior := range history {
		if prior.ID == latest.ID || prior.MissingFields() {
			continue
		}
		return latest.FillFrom(prior), nil
	}
	return latest, nil
}

// SilentRefresh schedules a background ScanGroup pass over groupTitle and
// returns the run handle as soon as it's created, streaming progress
// through the in-memory ScanRun copy GetLatest reads (the row itself is
// updated when the pass finishes). If a run is already active
// for groupTitle, it returns that existing handle instead of starting a
// second one (idempotent per spec.md §4.1).
func (s *Service) SilentRefresh(ctx domain.Context, groupTitle string) (domain.ScanRun, error) {
	if !s.tryLock(groupTitle) {
		if existing, err := s.GetLatest(ctx, groupTitle, false); err == nil {
			return existing, nil
		}
		return domain.ScanRun{GroupTitle: groupTitle, Status: domain.ScanRunRunning}, nil
	}

	profiles, err := s.profiles.ListByGroup(ctx, groupTitle)
	if err != nil {
		s.unlock(groupTitle)
		return domain.ScanRun{}, fmt.Errorf("op=scanner.silent_refresh.list_profiles group_title=%s: %w", groupTitle, err)
	}
	run := domain.ScanRun{GroupTitle: groupTitle, Status: domain.ScanRunPending, TotalCount: len(profiles), StartedAt: time.Now()}
	runID, err := s.scans.CreateRun(ctx, run)
	if err != nil {
		s.unlock(groupTitle)
		return domain.ScanRun{}, fmt.Errorf("op=scanner.silent_refresh.create_run group_title=%s: %w", groupTitle, err)
	}
	run.ID = runID
	s.setLastRun(groupTitle, run)

	bgCtx := context.WithoutCancel(ctx)
	go func() {
		defer s.unlock(groupTitle)
		_, _ = s.runScan(bgCtx, groupTitle, nil, true, &run)
	}()

	return run, nil
}

func (s *Service) tryLock(groupTitle string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[groupTitle] {
		return false
	}
	s.running[groupTitle] = true
	return true
}

func (s *Service) unlock(groupTitle string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, groupTitle)
}

func (s *Service) setLastRun(groupTitle string, run domain.ScanRun) {
	s.mu.Lock()
	s.lastRun[groupTitle] = run
	s.mu.Unlock()
}
