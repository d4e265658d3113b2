package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/ixfleet/orchestrator/internal/domain"
)

func testSettings() domain.DispatchSettings {
	return domain.DispatchSettings{
		Enabled:                true,
		MinQuotaRemaining:      5,
		QuotaResetGraceMinutes: 10,
		QuotaCap:               100,
		DecayHalfLifeHours:     24,
		DefaultQualityScore:    50,
		QuantityWeight:         0.5,
		QualityWeight:          0.5,
	}
}

// TestScoreProfile_LowQuotaFarResetIsBlocked covers the straightforward half
// of spec's quota-blocked conjunction: quota below the floor and a reset
// that's genuinely distant excludes the profile.
func TestScoreProfile_LowQuotaFarResetIsBlocked(t *testing.T) {
	s := New(testSettings())
	now := time.Now()
	p := domain.Profile{ID: 1, Plan: domain.PlanFree}
	snap := Snapshot{
		Now: now,
		LatestScan: map[int64]domain.ScanResult{
			1: {QuotaRemaining: 1, QuotaResetAt: now.Add(2 * time.Hour)},
		},
	}
	w := s.scoreProfile(p, snap)
	if w.Eligible {
		t.Fatalf("expected profile with low quota and far reset to be ineligible")
	}
}

// TestScoreProfile_LowQuotaImminentResetIsNotBlocked is the conjunct the
// review flagged as missing: a profile whose quota is low but about to
// reset within the grace window must stay eligible instead of being
// excluded forever on a near-stale snapshot.
func TestScoreProfile_LowQuotaImminentResetIsNotBlocked(t *testing.T) {
	s := New(testSettings())
	now := time.Now()
	p := domain.Profile{ID: 1, Plan: domain.PlanFree}
	snap := Snapshot{
		Now: now,
		LatestScan: map[int64]domain.ScanResult{
			1: {QuotaRemaining: 1, QuotaResetAt: now.Add(30 * time.Second)},
		},
	}
	w := s.scoreProfile(p, snap)
	if !w.Eligible {
		t.Fatalf("expected profile with imminent quota reset to remain eligible, got reason=%q", w.Reason)
	}
}

// TestScoreProfile_LowQuotaZeroResetTimeIsBlocked preserves the pre-existing
// behavior for a scan result that never recorded a reset time (zero
// value): resetFar defaults true rather than treating a missing reset time
// as "imminent", so low quota still blocks as it did before the grace
// window existed.
func TestScoreProfile_LowQuotaZeroResetTimeIsBlocked(t *testing.T) {
	s := New(testSettings())
	now := time.Now()
	p := domain.Profile{ID: 1, Plan: domain.PlanFree}
	snap := Snapshot{Now: now, LatestScan: map[int64]domain.ScanResult{
		1: {QuotaRemaining: 0},
	}}
	w := s.scoreProfile(p, snap)
	if w.Eligible {
		t.Fatalf("expected zero-quota profile with zero-value reset time to be blocked")
	}
}

func TestScoreProfile_CooldownExcludesProfile(t *testing.T) {
	now := time.Now()
	p := domain.Profile{ID: 1, Plan: domain.PlanFree}
	settings := testSettings()
	settings.ErrorRules = []domain.DispatchErrorRule{{
		BlockDuringCooldown: true,
		CooldownMinutes:     30,
		Penalty:             10,
	}}
	s := New(settings)
	snap := Snapshot{
		Now: now,
		LatestScan: map[int64]domain.ScanResult{
			1: {QuotaRemaining: 50, QuotaResetAt: now.Add(2 * time.Hour)},
		},
		FailEvents: map[int64][]domain.FailEvent{
			1: {{Phase: string(domain.PhaseSubmit), Message: "boom", CreatedAt: now}},
		},
	}
	w := s.scoreProfile(p, snap)
	if w.Eligible {
		t.Fatalf("expected profile under cooldown to be ineligible, got reason=%q", w.Reason)
	}
}

func TestPickBest_ExcludesGivenProfiles(t *testing.T) {
	s := New(testSettings())
	now := time.Now()
	snap := Snapshot{
		GroupTitle: "g",
		Profiles: []domain.Profile{
			{ID: 1, Plan: domain.PlanFree},
			{ID: 2, Plan: domain.PlanPlus},
		},
		LatestScan: map[int64]domain.ScanResult{
			1: {QuotaRemaining: 90, QuotaResetAt: now.Add(2 * time.Hour)},
			2: {QuotaRemaining: 80, QuotaResetAt: now.Add(2 * time.Hour)},
		},
		Now: now,
	}

	best, err := s.PickBest(context.Background(), snap, map[int64]bool{1: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if best.Profile.ID != 2 {
		t.Fatalf("expected excluded profile 1 to be skipped, got profile %d", best.Profile.ID)
	}
}

func TestPickBest_NoneEligibleReturnsErrNoAvailableProfile(t *testing.T) {
	s := New(testSettings())
	now := time.Now()
	snap := Snapshot{
		GroupTitle: "g",
		Profiles:   []domain.Profile{{ID: 1, Plan: domain.PlanFree}},
		LatestScan: map[int64]domain.ScanResult{
			1: {QuotaRemaining: 0, QuotaResetAt: now.Add(2 * time.Hour)},
		},
		Now: now,
	}
	_, err := s.PickBest(context.Background(), snap, nil)
	if err == nil {
		t.Fatalf("expected error when no profile is eligible")
	}
}
