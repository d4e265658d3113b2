// Package domain defines core entities, ports, and domain-specific errors.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrConnection       = errors.New("connection error")
	ErrAPI              = errors.New("upstream api error")
	ErrCFChallenge      = errors.New("cloudflare challenge")
	ErrTokenAuthFailure = errors.New("token auth failure")
	ErrOverload         = errors.New("fleet overload")
	ErrCancellation     = errors.New("job cancelled")
	ErrInternal         = errors.New("internal error")
	ErrWatermarkDisabled = errors.New("watermark disabled")
)

// Context is a type alias to stdlib context.Context for convenience across layers.
type Context = context.Context

// ProfilePlan captures the upstream subscription tier backing a profile.
type ProfilePlan string

// Known plan tiers. Unknown upstream values map to PlanUnknown.
const (
	PlanFree    ProfilePlan = "free"
	PlanPlus    ProfilePlan = "plus"
	PlanPro     ProfilePlan = "pro"
	PlanUnknown ProfilePlan = "unknown"
)

// Profile is one browser-isolated upstream account managed through the broker.
//
// Invariants: GroupTitle is non-empty; WindowName is the broker's stable handle
// and never changes after creation; Plan defaults to PlanUnknown until a scan
// resolves it.
//go:generate mockery --name=ProfileRepository --with-expecter --filename=profile_repository_mock.go
//go:generate mockery --name=JobRepository --with-expecter --filename=job_repository_mock.go
//go:generate mockery --name=EventRepository --with-expecter --filename=event_repository_mock.go
//go:generate mockery --name=ScanRepository --with-expecter --filename=scan_repository_mock.go
//go:generate mockery --name=BrokerClient --with-expecter --filename=broker_client_mock.go
//go:generate mockery --name=UpstreamClient --with-expecter --filename=upstream_client_mock.go
type Profile struct {
	ID          int64
	WindowName  string
	GroupTitle  string
	Plan        ProfilePlan
	ProxyMode   string
	ProxyID     string
	ProxyType   string
	ProxyIP     string
	ProxyPort   int
	ProxyRealIP string
	ProxyLocalID string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ScanResult is the quota/plan snapshot produced by a single scan of a Profile.
type ScanResult struct {
	ID                int64
	ProfileID         int64
	QuotaRemaining    int
	QuotaPurchased    int
	QuotaResetSeconds int
	QuotaResetAt      time.Time
	Plan              ProfilePlan
	CFChallenge       bool
	TokenValid        bool
	Error             string
	CreatedAt         time.Time
}

// MissingFields reports whether r's scan attempt failed before it could
// observe a fresh plan/quota snapshot, the condition GetLatestResult's
// with_fallback gap-fill looks for.
func (r ScanResult) MissingFields() bool {
	return !r.TokenValid || r.Plan == ""
}

// FillFrom copies r's plan/quota fields from prior wherever r is missing
// them, keeping r's own CreatedAt/Error/CFChallenge/TokenValid (the most
// recent attempt's own outcome), matching spec's "fill from the most recent
// prior successful ScanResult of that profile".
func (r ScanResult) FillFrom(prior ScanResult) ScanResult {
	filled := r
	if r.Plan == "" {
		filled.Plan = prior.Plan
	}
	if !r.TokenValid {
		filled.QuotaRemaining = prior.QuotaRemaining
		filled.QuotaPurchased = prior.QuotaPurchased
		filled.QuotaResetSeconds = prior.QuotaResetSeconds
		filled.QuotaResetAt = prior.QuotaResetAt
	}
	return filled
}

// ScanRunStatus is the lifecycle state of a ScanRun.
type ScanRunStatus string

// Scan run status values.
const (
	ScanRunPending   ScanRunStatus = "pending"
	ScanRunRunning   ScanRunStatus = "running"
	ScanRunCompleted ScanRunStatus = "completed"
	ScanRunFailed    ScanRunStatus = "failed"
)

// ScanRun groups the ScanResults produced by one pass over a group of profiles.
type ScanRun struct {
	ID          int64
	GroupTitle  string
	Status      ScanRunStatus
	TotalCount  int
	DoneCount   int
	Error       string
	StartedAt   time.Time
	FinishedAt  *time.Time
}

// JobStatus captures the coarse-grained lifecycle state of a Job.
type JobStatus string

// Job status values.
const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "running"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "canceled"
)

// JobPhase is the fine-grained position of a Job within the runner's phase
// graph: queue -> submit -> progress -> genid -> publish -> watermark -> done.
type JobPhase string

// Phase graph values, in the order the runner walks them.
const (
	PhaseQueue     JobPhase = "queue"
	PhaseSubmit    JobPhase = "submit"
	PhaseProgress  JobPhase = "progress"
	PhaseGenID     JobPhase = "genid"
	PhasePublish   JobPhase = "publish"
	PhaseWatermark JobPhase = "watermark"
	PhaseDone      JobPhase = "done"

	// PhaseDispatch never appears as a Job's own Phase value; it tags the
	// account-selection JobEvent emitted at creation/retry time, ahead of
	// the job actually entering the phase graph at PhaseQueue.
	PhaseDispatch JobPhase = "dispatch"
)

// WatermarkStatus tracks the post-processor sub-state machine nested inside
// the watermark phase.
type WatermarkStatus string

// Watermark status values.
const (
	WatermarkNone     WatermarkStatus = ""
	WatermarkPending  WatermarkStatus = "pending"
	WatermarkDone     WatermarkStatus = "done"
	WatermarkFailed   WatermarkStatus = "failed"
	WatermarkFallback WatermarkStatus = "fallback"
)

// DispatchMode records how a Job's Profile was selected.
type DispatchMode string

// Dispatch mode values.
const (
	DispatchAuto   DispatchMode = "weighted_auto"
	DispatchManual DispatchMode = "manual"
	DispatchRetry  DispatchMode = "retry"
)

// Job is the domain model for one video-generation request routed through a
// Profile.
//
// Invariants: Phase only advances forward through the phase graph, except a
// heavy-load failure may spawn a new retry child Job rather than rewinding
// this one; RetryIndex is 0 on an original Job and increments along a retry
// chain; Status becomes terminal (Completed/Failed/Cancelled) only once Phase
// reaches PhaseDone or the Job is abandoned.
type Job struct {
	ID         int64
	ProfileID  int64
	WindowName string
	GroupTitle string

	Prompt      string
	ImageURL    string
	Duration    int
	AspectRatio string

	Status      JobStatus
	Phase       JobPhase
	ProgressPct int
	TaskID      string
	GenerationID string

	PublishURL      string
	PublishPostID   string
	PublishPermalink string

	WatermarkStatus   WatermarkStatus
	WatermarkURL      string
	WatermarkError    string
	WatermarkAttempts int

	DispatchMode      DispatchMode
	DispatchScore     float64
	DispatchQuantity  float64
	DispatchQuality   float64
	DispatchReason    string

	RetryOfJobID   *int64
	RetryRootJobID *int64
	RetryIndex     int

	Error string

	StartedAt  *time.Time
	FinishedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Terminal reports whether the job has reached a state the runner will not
// advance further.
func (j Job) Terminal() bool {
	switch j.Status {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// JobEvent is one append-only entry in a Job's phase/event log, used both for
// audit and as the cursor source for the stream service's replication feed.
type JobEvent struct {
	ID        int64
	JobID     int64
	Phase     JobPhase
	Event     string
	Message   string
	CreatedAt time.Time
}

// Repositories (ports)

// ProfileRepository manages the fleet of upstream-account profiles.
type ProfileRepository interface {
	Create(ctx Context, p Profile) (int64, error)
	Get(ctx Context, id int64) (Profile, error)
	GetByWindowName(ctx Context, windowName string) (Profile, error)
	ListByGroup(ctx Context, groupTitle string) ([]Profile, error)
	ListAll(ctx Context) ([]Profile, error)
	Update(ctx Context, p Profile) error
}

// JobRepository manages durable Job state.
type JobRepository interface {
	Create(ctx Context, j Job) (int64, error)
	Get(ctx Context, id int64) (Job, error)
	Update(ctx Context, j Job) error
	ListWithFilters(ctx Context, offset, limit int, groupTitle, profileID, status, phase string) ([]Job, error)
	ListActiveByProfile(ctx Context, profileID int64) ([]Job, error)
	CountActiveByProfile(ctx Context, profileID int64) (int, error)
	LatestRetryChild(ctx Context, retryRootJobID int64) (Job, error)
}

// EventRepository manages the append-only Job event log.
type EventRepository interface {
	Append(ctx Context, e JobEvent) (int64, error)
	LatestID(ctx Context) (int64, error)
	ListSince(ctx Context, afterID int64, jobIDs map[int64]bool, limit int) ([]JobEvent, int64, error)
}

// ScanRepository manages ScanRun/ScanResult persistence, retaining at most
// the most recent N results per profile.
type ScanRepository interface {
	CreateRun(ctx Context, r ScanRun) (int64, error)
	UpdateRun(ctx Context, r ScanRun) error
	AppendResult(ctx Context, r ScanResult) (int64, error)
	LatestResult(ctx Context, profileID int64) (ScanResult, error)
	RecentResults(ctx Context, profileID int64, limit int) ([]ScanResult, error)
	PurgeOld(ctx Context, profileID int64, keep int) error
}

// BrokerClient (port) wraps the external browser-broker daemon's RPC surface:
// window lifecycle, opened-profile listing, and proxy metadata.
type BrokerClient interface {
	OpenProfile(ctx Context, windowName string, headless bool) (OpenedProfile, error)
	CloseProfile(ctx Context, windowName string) error
	ListOpenedProfiles(ctx Context) ([]OpenedProfile, error)
	ResetOpenState(ctx Context, windowName string) error
}

// OpenedProfile describes a live broker-managed browser window.
type OpenedProfile struct {
	WindowName        string
	DebuggingAddress  string
	ProxyType         string
	ProxyIP           string
	ProxyPort         int
}

// UpstreamClient (port) abstracts the Sora-like upstream HTTP surface driven
// through a Profile's browser session.
type UpstreamClient interface {
	FetchSession(ctx Context, windowName string) (SessionInfo, error)
	FetchQuota(ctx Context, windowName string) (QuotaInfo, error)
	FetchSubscriptionPlan(ctx Context, windowName string) (ProfilePlan, error)
	CreateGeneration(ctx Context, windowName string, req GenerationRequest) (string, error)
	PollGeneration(ctx Context, windowName, taskID string) (GenerationStatus, error)
	ListDrafts(ctx Context, windowName string) ([]DraftItem, error)
}

// SessionInfo is the parsed result of the upstream auth/session endpoint.
type SessionInfo struct {
	AccessToken   string
	AccountID     string
	ChatGPTPlan   string
}

// QuotaInfo is the parsed result of the upstream nf/check quota endpoint.
type QuotaInfo struct {
	Remaining          int
	PurchasedRemaining int
	ResetInSeconds     int
}

// GenerationRequest is the payload submitted to the upstream generation
// endpoint.
type GenerationRequest struct {
	Prompt      string
	ImageURL    string
	Duration    int
	AspectRatio string
}

// GenerationStatus is one poll observation of an in-flight upstream
// generation task.
type GenerationStatus struct {
	TaskID       string
	GenerationID string
	ProgressPct  int
	Done         bool
	Failed       bool
	Error        string
}

// DraftItem is one entry from the upstream profile/drafts listing, used to
// resolve a completed generation's publish permalink.
type DraftItem struct {
	GenerationID string
	PostID       string
	Permalink    string
}

// Dispatcher (port) selects the best Profile for a new or retried Job.
type Dispatcher interface {
	PickBest(ctx Context, groupTitle string, exclude map[int64]bool) (ProfileWeight, error)
	ListWeights(ctx Context, groupTitle string) ([]ProfileWeight, error)
}

// ProfileWeight is one profile's dispatch score, exported for the
// GET /accounts/weights ingress endpoint and for runner retry exclusion
// bookkeeping.
type ProfileWeight struct {
	Profile        Profile
	QuantityScore  float64
	QualityScore   float64
	Score          float64
	ActiveJobs     int
	Reason         string
	Eligible       bool
}

// ErrNoAvailableProfile is returned by Dispatcher.PickBest when every
// candidate profile in the group is excluded, cooling down, or ignored.
var ErrNoAvailableProfile = errors.New("no available profile")

// WatermarkClient (port) resolves a share URL into a downloadable,
// watermark-processed video URL.
type WatermarkClient interface {
	Parse(ctx Context, shareURL string) (string, error)
}

// EventPublisher (port) mirrors the authoritative Postgres event log to an
// optional external analytics sink. Never the source of truth.
type EventPublisher interface {
	Publish(ctx Context, e JobEvent) error
}
