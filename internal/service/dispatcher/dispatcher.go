// Package dispatcher implements weighted profile selection for new and
// retried jobs.
package dispatcher

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ixfleet/orchestrator/internal/domain"
)

// Snapshot is the pure-function input to Rank/PickBest: everything the
// dispatcher needs to score a group of profiles, assembled by the caller
// from the Job Store and Scanner outputs so the scoring math itself stays
// side-effect free and trivially testable.
type Snapshot struct {
	GroupTitle   string
	Profiles     []domain.Profile
	LatestScan   map[int64]domain.ScanResult // profile_id -> latest scan
	FailEvents   map[int64][]domain.FailEvent // profile_id -> recent non-success events
	SuccessCount map[int64]int               // profile_id -> recent completed-job count
	ActiveJobs   map[int64]int               // profile_id -> currently in-flight job count
	PendingSubmits map[int64]int             // profile_id -> jobs at phase queue/submit awaiting task_id
	Now          time.Time
}

// Service computes dispatch weights over a Snapshot and settings.
type Service struct {
	settings domain.DispatchSettings
}

// New returns a Service configured with settings.
func New(settings domain.DispatchSettings) *Service {
	return &Service{settings: settings}
}

// Rank scores every profile in snap and returns them sorted best-first:
// selectable profiles before excluded ones, then by descending score, then
// by descending quota, then by profile id for stability.
func (s *Service) Rank(ctx context.Context, snap Snapshot) []domain.ProfileWeight {
	tracer := otel.Tracer("dispatcher")
	_, span := tracer.Start(ctx, "dispatcher.Rank")
	defer span.End()
	span.SetAttributes(attribute.String("dispatch.group_title", snap.GroupTitle), attribute.Int("dispatch.profile_count", len(snap.Profiles)))

	weights := make([]domain.ProfileWeight, 0, len(snap.Profiles))
	for _, p := range snap.Profiles {
		weights = append(weights, s.scoreProfile(p, snap))
	}

	sort.SliceStable(weights, func(i, j int) bool {
		a, b := weights[i], weights[j]
		if a.Eligible != b.Eligible {
			return a.Eligible
		}
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		aq, bq := quotaOf(snap, a.Profile.ID), quotaOf(snap, b.Profile.ID)
		if aq != bq {
			return aq > bq
		}
		return a.Profile.ID > b.Profile.ID
	})
	return weights
}

// PickBest returns the single best eligible profile, excluding any id in
// exclude (used by the runner's heavy-load auto-retry to avoid reusing the
// whole chain's already-tried profiles). Returns domain.ErrNoAvailableProfile
// when nothing qualifies.
func (s *Service) PickBest(ctx context.Context, snap Snapshot, exclude map[int64]bool) (domain.ProfileWeight, error) {
	weights := s.Rank(ctx, snap)
	for _, w := range weights {
		if exclude != nil && exclude[w.Profile.ID] {
			continue
		}
		if w.Eligible {
			return w, nil
		}
	}
	if len(weights) == 0 {
		return domain.ProfileWeight{}, fmt.Errorf("op=dispatcher.PickBest group=%s: %w", snap.GroupTitle, domain.ErrNoAvailableProfile)
	}
	detail := describeTop(weights, 5)
	return domain.ProfileWeight{}, fmt.Errorf("op=dispatcher.PickBest group=%s: %s: %w", snap.GroupTitle, detail, domain.ErrNoAvailableProfile)
}

func describeTop(weights []domain.ProfileWeight, n int) string {
	if n > len(weights) {
		n = len(weights)
	}
	out := ""
	for i := 0; i < n; i++ {
		w := weights[i]
		if i > 0 {
			out += " | "
		}
		out += fmt.Sprintf("profile=%d(%s)", w.Profile.ID, w.Reason)
	}
	return out
}

func quotaOf(snap Snapshot, profileID int64) int {
	if r, ok := snap.LatestScan[profileID]; ok {
		return r.QuotaRemaining
	}
	return -1
}

func (s *Service) scoreProfile(p domain.Profile, snap Snapshot) domain.ProfileWeight {
	scan, hasScan := snap.LatestScan[p.ID]

	var quotaRemaining *int
	if hasScan {
		// quota_remaining_effective = max(0, quota_remaining - pending_submits)
		// avoids over-assigning a profile before its in-flight submits have
		// been acknowledged with a task_id.
		q := scan.QuotaRemaining - snap.PendingSubmits[p.ID]
		if q < 0 {
			q = 0
		}
		quotaRemaining = &q
	}

	quantityScore := s.calcQuantityScore(quotaRemaining)
	qualityScore, _, cooldownUntil := s.calcQualityScore(snap.FailEvents[p.ID], snap.SuccessCount[p.ID], snap.Now)

	plan := p.Plan
	if hasScan && scan.Plan != "" {
		plan = scan.Plan
	}
	plusBonus := 0.0
	if plan == domain.PlanPlus || plan == domain.PlanPro {
		plusBonus = s.settings.PlusBonus
	}

	activeCount := snap.ActiveJobs[p.ID]
	totalScore := s.settings.QuantityWeight*quantityScore +
		s.settings.QualityWeight*qualityScore +
		plusBonus -
		float64(activeCount)*s.settings.ActiveJobPenalty

	// Low quota only excludes a profile while its reset is genuinely distant;
	// one about to reset within the grace window is left eligible so it isn't
	// blocked forever on the strength of a near-stale snapshot.
	resetFar := true
	if hasScan && !scan.QuotaResetAt.IsZero() {
		grace := time.Duration(s.settings.QuotaResetGraceMinutes) * time.Minute
		resetFar = scan.QuotaResetAt.After(snap.Now.Add(grace))
	}
	blockedByQuota := quotaRemaining != nil && *quotaRemaining < s.settings.MinQuotaRemaining && resetFar
	blockedByCooldown := cooldownUntil != nil && cooldownUntil.After(snap.Now)
	eligible := s.settings.Enabled && !blockedByQuota && !blockedByCooldown

	reason := fmt.Sprintf("quantity=%.1f quality=%.1f", quantityScore, qualityScore)
	if plusBonus > 0 {
		reason += fmt.Sprintf(" plus_bonus=+%.1f", plusBonus)
	}
	if activeCount > 0 {
		reason += fmt.Sprintf(" active_penalty=-%.1f", float64(activeCount)*s.settings.ActiveJobPenalty)
	}
	if !s.settings.Enabled {
		reason += " dispatch_disabled"
	}
	if blockedByQuota {
		reason += fmt.Sprintf(" quota_blocked=%d<%d", *quotaRemaining, s.settings.MinQuotaRemaining)
	}
	if blockedByCooldown {
		reason += fmt.Sprintf(" cooldown_until=%s", cooldownUntil.Format(time.RFC3339))
	}

	return domain.ProfileWeight{
		Profile:       p,
		QuantityScore: round2(quantityScore),
		QualityScore:  round2(qualityScore),
		Score:         round2(totalScore),
		ActiveJobs:    activeCount,
		Reason:        reason,
		Eligible:      eligible,
	}
}

func (s *Service) calcQuantityScore(quotaRemaining *int) float64 {
	if quotaRemaining == nil {
		return domain.Clamp(s.settings.UnknownQuotaScore, 0, 100)
	}
	cap := s.settings.QuotaCap
	if cap < 1 {
		cap = 1
	}
	ratio := math.Min(math.Max(float64(*quotaRemaining), 0), float64(cap)) / float64(cap)
	return domain.Clamp(100.0*ratio, 0, 100)
}

func (s *Service) calcQualityScore(events []domain.FailEvent, successCount int, now time.Time) (score float64, failNonIgnored int, cooldownUntil *time.Time) {
	halfLife := s.settings.DecayHalfLifeHours
	if halfLife < 1 {
		halfLife = 1
	}

	totalPenalty := 0.0
	for _, e := range events {
		if e.IsIgnored(s.settings.IgnoreRules) {
			continue
		}
		failNonIgnored++

		rule := domain.ResolveErrorRule(e.Phase, e.Message, s.settings)

		ageHours := 0.0
		if !e.CreatedAt.IsZero() {
			ageHours = math.Max(now.Sub(e.CreatedAt).Hours(), 0)
		}
		decay := math.Pow(0.5, ageHours/halfLife)
		totalPenalty += rule.Penalty * decay

		if rule.BlockDuringCooldown && !e.CreatedAt.IsZero() && rule.CooldownMinutes > 0 {
			until := e.CreatedAt.Add(time.Duration(rule.CooldownMinutes) * time.Minute)
			if cooldownUntil == nil || until.After(*cooldownUntil) {
				cooldownUntil = &until
			}
		}
	}

	denom := successCount + failNonIgnored
	base := s.settings.DefaultQualityScore
	if denom > 0 {
		base = 100.0 * float64(successCount) / float64(denom)
	}
	score = domain.Clamp(base-totalPenalty, 0, 100)
	return score, failNonIgnored, cooldownUntil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
