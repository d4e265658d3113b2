// Package httpserver contains HTTP handlers and middleware.
//
// It provides the REST + SSE ingress API described in spec.md 6: job
// creation, retrieval, retry, cancellation, listing and streaming, account
// weight inspection, and standalone watermark parsing. The package follows
// clean architecture principles, translating HTTP concerns into calls on
// usecase.JobService and stream.Service and translating their domain errors
// back into the error envelope responses.go defines.
package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ixfleet/orchestrator/internal/config"
	"github.com/ixfleet/orchestrator/internal/domain"
	"github.com/ixfleet/orchestrator/internal/service/stream"
	"github.com/ixfleet/orchestrator/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg         config.Config
	Jobs        *usecase.JobService
	Stream      *stream.Service
	Dispatcher  domain.Dispatcher
	DBCheck     func(ctx context.Context) error
	BrokerCheck func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers wired.
func NewServer(cfg config.Config, jobs *usecase.JobService, streamSvc *stream.Service, dispatcher domain.Dispatcher, dbCheck, brokerCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Jobs: jobs, Stream: streamSvc, Dispatcher: dispatcher, DBCheck: dbCheck, BrokerCheck: brokerCheck}
}

// jobView is the wire representation of a domain.Job.
type jobView struct {
	ID         int64  `json:"id"`
	ProfileID  int64  `json:"profile_id"`
	WindowName string `json:"window_name"`
	GroupTitle string `json:"group_title"`

	Prompt      string `json:"prompt"`
	ImageURL    string `json:"image_url,omitempty"`
	Duration    int    `json:"duration"`
	AspectRatio string `json:"aspect_ratio"`

	Status       string `json:"status"`
	Phase        string `json:"phase"`
	ProgressPct  int    `json:"progress_pct"`
	TaskID       string `json:"task_id,omitempty"`
	GenerationID string `json:"generation_id,omitempty"`

	PublishURL       string `json:"publish_url,omitempty"`
	PublishPostID    string `json:"publish_post_id,omitempty"`
	PublishPermalink string `json:"publish_permalink,omitempty"`

	WatermarkStatus   string `json:"watermark_status,omitempty"`
	WatermarkURL      string `json:"watermark_url,omitempty"`
	WatermarkError    string `json:"watermark_error,omitempty"`
	WatermarkAttempts int    `json:"watermark_attempts"`

	DispatchMode     string  `json:"dispatch_mode"`
	DispatchScore    float64 `json:"dispatch_score"`
	DispatchQuantity float64 `json:"dispatch_quantity"`
	DispatchQuality  float64 `json:"dispatch_quality"`
	DispatchReason   string  `json:"dispatch_reason,omitempty"`

	RetryOfJobID   *int64 `json:"retry_of_job_id,omitempty"`
	RetryRootJobID *int64 `json:"retry_root_job_id,omitempty"`
	RetryIndex     int    `json:"retry_index"`

	Error string `json:"error,omitempty"`

	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

func newJobView(j domain.Job) jobView {
	return jobView{
		ID: j.ID, ProfileID: j.ProfileID, WindowName: j.WindowName, GroupTitle: j.GroupTitle,
		Prompt: j.Prompt, ImageURL: j.ImageURL, Duration: j.Duration, AspectRatio: j.AspectRatio,
		Status: string(j.Status), Phase: string(j.Phase), ProgressPct: j.ProgressPct, TaskID: j.TaskID, GenerationID: j.GenerationID,
		PublishURL: j.PublishURL, PublishPostID: j.PublishPostID, PublishPermalink: j.PublishPermalink,
		WatermarkStatus: string(j.WatermarkStatus), WatermarkURL: j.WatermarkURL, WatermarkError: j.WatermarkError, WatermarkAttempts: j.WatermarkAttempts,
		DispatchMode: string(j.DispatchMode), DispatchScore: j.DispatchScore, DispatchQuantity: j.DispatchQuantity, DispatchQuality: j.DispatchQuality, DispatchReason: j.DispatchReason,
		RetryOfJobID: j.RetryOfJobID, RetryRootJobID: j.RetryRootJobID, RetryIndex: j.RetryIndex,
		Error:     j.Error,
		StartedAt: j.StartedAt, FinishedAt: j.FinishedAt, CreatedAt: j.CreatedAt, UpdatedAt: j.UpdatedAt,
	}
}

// CreateJobHandler handles POST jobs.
func (s *Server) CreateJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var body struct {
			Prompt       string `json:"prompt"`
			ImageURL     string `json:"image_url"`
			Duration     int    `json:"duration"`
			AspectRatio  string `json:"aspect_ratio"`
			GroupTitle   string `json:"group_title"`
			DispatchMode string `json:"dispatch_mode"`
			ProfileID    int64  `json:"profile_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		job, err := s.Jobs.Create(r.Context(), usecase.CreateJobRequest{
			Prompt: body.Prompt, ImageURL: body.ImageURL, Duration: body.Duration, AspectRatio: body.AspectRatio,
			GroupTitle: body.GroupTitle, DispatchMode: body.DispatchMode, ProfileID: body.ProfileID,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, newJobView(job))
	}
}

// GetJobHandler handles GET jobs/{id}.
func (s *Server) GetJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := parseInt64(chi.URLParam(r, "id"))
		if id == 0 {
			writeError(w, r, fmt.Errorf("%w: invalid job id", domain.ErrInvalidArgument), nil)
			return
		}
		followRetry := parseBool(r.URL.Query().Get("follow_retry"), true)
		job, err := s.Jobs.Get(r.Context(), id, followRetry)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, newJobView(job))
	}
}

// RetryJobHandler handles POST jobs/{id}/retry.
func (s *Server) RetryJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := parseInt64(chi.URLParam(r, "id"))
		if id == 0 {
			writeError(w, r, fmt.Errorf("%w: invalid job id", domain.ErrInvalidArgument), nil)
			return
		}
		job, err := s.Jobs.Retry(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, newJobView(job))
	}
}

// CancelJobHandler handles POST jobs/{id}/cancel.
func (s *Server) CancelJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := parseInt64(chi.URLParam(r, "id"))
		if id == 0 {
			writeError(w, r, fmt.Errorf("%w: invalid job id", domain.ErrInvalidArgument), nil)
			return
		}
		job, err := s.Jobs.Cancel(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, newJobView(job))
	}
}

// ListJobsHandler handles GET jobs.
func (s *Server) ListJobsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		offset, limit := parsePagination(q.Get("offset"), q.Get("limit"))
		jobs, err := s.Jobs.List(r.Context(), usecase.ListFilter{
			GroupTitle: q.Get("group_title"),
			ProfileID:  parseInt64(q.Get("profile_id")),
			Status:     q.Get("status"),
			Phase:      q.Get("phase"),
			Offset:     offset,
			Limit:      limit,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		views := make([]jobView, len(jobs))
		for i, j := range jobs {
			views[i] = newJobView(j)
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": views})
	}
}

// WeightsHandler handles GET accounts/weights.
func (s *Server) WeightsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		groupTitle := strings.TrimSpace(r.URL.Query().Get("group_title"))
		weights, err := s.Dispatcher.ListWeights(r.Context(), groupTitle)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"weights": weights})
	}
}

// ParseWatermarkHandler handles POST watermark/parse.
func (s *Server) ParseWatermarkHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
		var body struct {
			ShareURL string `json:"share_url"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		url, err := s.Jobs.ParseWatermark(r.Context(), body.ShareURL)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"url": url})
	}
}

// StreamJobsHandler handles GET jobs/stream: an SSE subscription over
// stream.Service.Run. Grounded on tombee-conductor's http.Flusher-based
// StreamEvents handler, since neither the teacher nor the original Python
// source has a Go SSE precedent.
func (s *Server) StreamJobsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Cfg.StreamAuthToken != "" && r.URL.Query().Get("token") != s.Cfg.StreamAuthToken {
			writeError(w, r, fmt.Errorf("%w: missing or invalid stream token", domain.ErrTokenAuthFailure), nil)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, r, fmt.Errorf("%w: streaming unsupported", domain.ErrInternal), nil)
			return
		}
		q := r.URL.Query()
		_, limit := parsePagination("", q.Get("limit"))
		f := stream.BuildFilter(q.Get("group_title"), q.Get("status"), q.Get("phase"), q.Get("keyword"),
			parseInt64(q.Get("profile_id")), limit, parseBool(q.Get("with_events"), true))

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		err := s.Stream.Run(r.Context(), f, func(ev stream.Event) error {
			payload, encodeErr := sseEventPayload(ev)
			if encodeErr != nil {
				return encodeErr
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, payload); err != nil {
				return err
			}
			flusher.Flush()
			return nil
		})
		if err != nil && r.Context().Err() == nil {
			LoggerFrom(r).Error("stream closed with error", "error", err)
		}
	}
}

func sseEventPayload(ev stream.Event) ([]byte, error) {
	switch ev.Kind {
	case stream.KindSnapshot:
		views := make([]jobView, len(ev.Snapshot.Jobs))
		for i, j := range ev.Snapshot.Jobs {
			views[i] = newJobView(j)
		}
		return json.Marshal(map[string]any{"jobs": views, "server_time": ev.Snapshot.ServerTime})
	case stream.KindJob:
		return json.Marshal(newJobView(*ev.Job))
	case stream.KindRemove:
		return json.Marshal(ev.Remove)
	case stream.KindPhase:
		return json.Marshal(ev.Phase)
	default:
		return json.Marshal(map[string]any{})
	}
}

// ReadyzHandler probes the database and broker daemon.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, 2)
		if s.DBCheck != nil {
			if err := s.DBCheck(ctx); err != nil {
				checks = append(checks, check{Name: "db", OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "db", OK: true})
			}
		}
		if s.BrokerCheck != nil {
			if err := s.BrokerCheck(ctx); err != nil {
				checks = append(checks, check{Name: "broker", OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "broker", OK: true})
			}
		}
		ok := true
		for _, c := range checks {
			if !c.OK {
				ok = false
				break
			}
		}
		status := http.StatusOK
		if !ok {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{"checks": checks})
	}
}

// HealthzHandler is a liveness probe: always 200 once the process is up.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
