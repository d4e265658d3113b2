package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ixfleet/orchestrator/internal/config"
	"github.com/ixfleet/orchestrator/internal/domain"
	"github.com/ixfleet/orchestrator/internal/service/stream"
	"github.com/ixfleet/orchestrator/internal/usecase"
)

type fakeProfiles struct{ byID map[int64]domain.Profile }

func (f *fakeProfiles) Create(ctx domain.Context, p domain.Profile) (int64, error) { return 0, nil }
func (f *fakeProfiles) Get(ctx domain.Context, id int64) (domain.Profile, error) {
	p, ok := f.byID[id]
	if !ok {
		return domain.Profile{}, domain.ErrNotFound
	}
	return p, nil
}
func (f *fakeProfiles) GetByWindowName(ctx domain.Context, w string) (domain.Profile, error) {
	return domain.Profile{}, domain.ErrNotFound
}
func (f *fakeProfiles) ListByGroup(ctx domain.Context, g string) ([]domain.Profile, error) {
	return nil, nil
}
func (f *fakeProfiles) ListAll(ctx domain.Context) ([]domain.Profile, error) { return nil, nil }
func (f *fakeProfiles) Update(ctx domain.Context, p domain.Profile) error    { return nil }

type fakeJobs struct {
	byID   map[int64]domain.Job
	nextID int64
}

func newFakeJobs() *fakeJobs { return &fakeJobs{byID: map[int64]domain.Job{}, nextID: 1} }

func (f *fakeJobs) Create(ctx domain.Context, j domain.Job) (int64, error) {
	j.ID = f.nextID
	f.byID[j.ID] = j
	f.nextID++
	return j.ID, nil
}
func (f *fakeJobs) Get(ctx domain.Context, id int64) (domain.Job, error) {
	j, ok := f.byID[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return j, nil
}
func (f *fakeJobs) Update(ctx domain.Context, j domain.Job) error {
	f.byID[j.ID] = j
	return nil
}
func (f *fakeJobs) ListWithFilters(ctx domain.Context, offset, limit int, groupTitle, profileID, status, phase string) ([]domain.Job, error) {
	out := make([]domain.Job, 0, len(f.byID))
	for _, j := range f.byID {
		out = append(out, j)
	}
	return out, nil
}
func (f *fakeJobs) ListActiveByProfile(ctx domain.Context, profileID int64) ([]domain.Job, error) {
	return nil, nil
}
func (f *fakeJobs) CountActiveByProfile(ctx domain.Context, profileID int64) (int, error) {
	return 0, nil
}
func (f *fakeJobs) LatestRetryChild(ctx domain.Context, rootID int64) (domain.Job, error) {
	return domain.Job{}, domain.ErrNotFound
}

type fakeEvents struct{ n int64 }

func (f *fakeEvents) Append(ctx domain.Context, e domain.JobEvent) (int64, error) {
	f.n++
	return f.n, nil
}
func (f *fakeEvents) LatestID(ctx domain.Context) (int64, error) { return f.n, nil }
func (f *fakeEvents) ListSince(ctx domain.Context, afterID int64, jobIDs map[int64]bool, limit int) ([]domain.JobEvent, int64, error) {
	return nil, f.n, nil
}

type fakeDispatcher struct {
	weights []domain.ProfileWeight
	pick    domain.ProfileWeight
	pickErr error
}

func (f *fakeDispatcher) PickBest(ctx domain.Context, groupTitle string, exclude map[int64]bool) (domain.ProfileWeight, error) {
	return f.pick, f.pickErr
}
func (f *fakeDispatcher) ListWeights(ctx domain.Context, groupTitle string) ([]domain.ProfileWeight, error) {
	return f.weights, nil
}

type fakeWatermark struct{ url string }

func (f *fakeWatermark) Parse(ctx domain.Context, shareURL string) (string, error) {
	return f.url, nil
}

func newTestServer() (*Server, *fakeJobs) {
	profiles := &fakeProfiles{byID: map[int64]domain.Profile{1: {ID: 1, GroupTitle: "Sora", WindowName: "win-1"}}}
	jobs := newFakeJobs()
	events := &fakeEvents{}
	dispatcher := &fakeDispatcher{
		pick:    domain.ProfileWeight{Profile: domain.Profile{ID: 1, GroupTitle: "Sora"}, Score: 42},
		weights: []domain.ProfileWeight{{Profile: domain.Profile{ID: 1, GroupTitle: "Sora"}, Score: 42}},
	}
	jobSvc := usecase.NewJobService(profiles, jobs, events, nil, dispatcher, &fakeWatermark{url: "https://cdn.example/clean.mp4"}, nil, 1)
	streamSvc := stream.New(jobs, events, time.Millisecond, time.Hour)
	srv := NewServer(config.Config{}, jobSvc, streamSvc, dispatcher, nil, nil)
	return srv, jobs
}

func withJobIDParam(r *http.Request, id string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("id", id)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func Test_CreateJobHandler(t *testing.T) {
	srv, _ := newTestServer()
	body, _ := json.Marshal(map[string]any{"prompt": "a cat", "duration": 10, "aspect_ratio": "landscape", "profile_id": 1})
	r := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewReader(body))
	rw := httptest.NewRecorder()
	srv.CreateJobHandler()(rw, r)
	if rw.Result().StatusCode != http.StatusOK {
		t.Fatalf("status=%d body=%s", rw.Result().StatusCode, rw.Body.String())
	}
	var got jobView
	if err := json.NewDecoder(rw.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != string(domain.JobQueued) || got.ProfileID != 1 {
		t.Fatalf("unexpected job view: %+v", got)
	}
}

func Test_CreateJobHandler_RejectsInvalidDuration(t *testing.T) {
	srv, _ := newTestServer()
	body, _ := json.Marshal(map[string]any{"prompt": "a cat", "duration": 9, "aspect_ratio": "landscape", "profile_id": 1})
	r := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewReader(body))
	rw := httptest.NewRecorder()
	srv.CreateJobHandler()(rw, r)
	if rw.Result().StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status=%d", rw.Result().StatusCode)
	}
}

func Test_GetJobHandler_NotFound(t *testing.T) {
	srv, _ := newTestServer()
	r := httptest.NewRequest(http.MethodGet, "/jobs/999", nil)
	r = withJobIDParam(r, "999")
	rw := httptest.NewRecorder()
	srv.GetJobHandler()(rw, r)
	if rw.Result().StatusCode != http.StatusNotFound {
		t.Fatalf("status=%d", rw.Result().StatusCode)
	}
}

func Test_ListJobsHandler(t *testing.T) {
	srv, jobs := newTestServer()
	jobs.byID[1] = domain.Job{ID: 1, GroupTitle: "Sora", Status: domain.JobQueued, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	r := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	rw := httptest.NewRecorder()
	srv.ListJobsHandler()(rw, r)
	if rw.Result().StatusCode != http.StatusOK {
		t.Fatalf("status=%d", rw.Result().StatusCode)
	}
	var got struct {
		Jobs []jobView `json:"jobs"`
	}
	if err := json.NewDecoder(rw.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(got.Jobs))
	}
}

func Test_CancelJobHandler(t *testing.T) {
	srv, jobs := newTestServer()
	jobs.byID[1] = domain.Job{ID: 1, Status: domain.JobQueued, Phase: domain.PhaseQueue}
	r := httptest.NewRequest(http.MethodPost, "/jobs/1/cancel", nil)
	r = withJobIDParam(r, "1")
	rw := httptest.NewRecorder()
	srv.CancelJobHandler()(rw, r)
	if rw.Result().StatusCode != http.StatusOK {
		t.Fatalf("status=%d body=%s", rw.Result().StatusCode, rw.Body.String())
	}
	var got jobView
	_ = json.NewDecoder(rw.Body).Decode(&got)
	if got.Status != string(domain.JobCancelled) {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
}

func Test_WeightsHandler(t *testing.T) {
	srv, _ := newTestServer()
	r := httptest.NewRequest(http.MethodGet, "/accounts/weights?group_title=Sora", nil)
	rw := httptest.NewRecorder()
	srv.WeightsHandler()(rw, r)
	if rw.Result().StatusCode != http.StatusOK {
		t.Fatalf("status=%d", rw.Result().StatusCode)
	}
}

func Test_ParseWatermarkHandler(t *testing.T) {
	srv, _ := newTestServer()
	body, _ := json.Marshal(map[string]string{"share_url": "https://sora.chatgpt.com/p/s_abcdefgh"})
	r := httptest.NewRequest(http.MethodPost, "/watermark/parse", bytes.NewReader(body))
	rw := httptest.NewRecorder()
	srv.ParseWatermarkHandler()(rw, r)
	if rw.Result().StatusCode != http.StatusOK {
		t.Fatalf("status=%d body=%s", rw.Result().StatusCode, rw.Body.String())
	}
}

func Test_ReadyzHandler_AllOK(t *testing.T) {
	srv, _ := newTestServer()
	srv.DBCheck = func(ctx context.Context) error { return nil }
	r := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rw := httptest.NewRecorder()
	srv.ReadyzHandler()(rw, r)
	if rw.Result().StatusCode != http.StatusOK {
		t.Fatalf("status=%d", rw.Result().StatusCode)
	}
}

func Test_StreamAuthToken_Rejects(t *testing.T) {
	srv, _ := newTestServer()
	srv.Cfg.StreamAuthToken = "secret"
	r := httptest.NewRequest(http.MethodGet, "/jobs/stream", nil)
	rw := httptest.NewRecorder()
	srv.StreamJobsHandler()(rw, r)
	if rw.Result().StatusCode != http.StatusUnauthorized {
		t.Fatalf("status=%d", rw.Result().StatusCode)
	}
}
