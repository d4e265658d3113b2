package domain

import (
	"strings"
	"time"
)

// DispatchIgnoreRule suppresses a FailEvent from counting against a profile's
// quality score when its phase (optional) and message both match.
type DispatchIgnoreRule struct {
	Phase           string
	MessageContains string
}

// DispatchErrorRule assigns a quality-score penalty and optional cooldown
// window to FailEvents whose phase (optional) and message match.
type DispatchErrorRule struct {
	Phase               string
	MessageContains     string
	Penalty             float64
	BlockDuringCooldown bool
	CooldownMinutes     int
}

// DispatchSettings is the tunable dispatcher configuration, mirrored 1:1 from
// the weighted-scoring knobs.
type DispatchSettings struct {
	Enabled                bool
	LookbackHours          int
	MinQuotaRemaining      int
	QuotaResetGraceMinutes int
	QuotaCap               int
	PlusBonus              float64
	ActiveJobPenalty       float64
	DecayHalfLifeHours     float64
	UnknownQuotaScore      float64
	DefaultQualityScore    float64
	QuantityWeight         float64
	QualityWeight          float64

	DefaultErrorRule DispatchErrorRule
	ErrorRules       []DispatchErrorRule
	IgnoreRules      []DispatchIgnoreRule
}

// Clamp restricts v to the closed interval [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// FailEvent is one non-success JobEvent considered by the quality-score
// decay computation, projected from the Job event log.
type FailEvent struct {
	Phase     string
	Message   string
	CreatedAt time.Time
}

// IsIgnored reports whether e matches one of rules (phase match is only
// enforced when the rule names a phase).
func (e FailEvent) IsIgnored(rules []DispatchIgnoreRule) bool {
	return matchesIgnore(e.Phase, e.Message, rules)
}

func matchesIgnore(phase, message string, rules []DispatchIgnoreRule) bool {
	lower := strings.ToLower(message)
	for _, r := range rules {
		if r.Phase != "" && !strings.EqualFold(r.Phase, phase) {
			continue
		}
		if strings.Contains(lower, strings.ToLower(r.MessageContains)) {
			return true
		}
	}
	return false
}

// ResolveErrorRule returns the first rule matching phase/message, falling
// back to settings.DefaultErrorRule.
func ResolveErrorRule(phase, message string, settings DispatchSettings) DispatchErrorRule {
	lower := strings.ToLower(message)
	for _, r := range settings.ErrorRules {
		if r.Phase != "" && !strings.EqualFold(r.Phase, phase) {
			continue
		}
		if strings.Contains(lower, strings.ToLower(r.MessageContains)) {
			return r
		}
	}
	return settings.DefaultErrorRule
}
