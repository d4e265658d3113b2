package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ixfleet/orchestrator/internal/domain"
)

type fakeProfiles struct {
	byID map[int64]domain.Profile
}

func (f *fakeProfiles) Create(ctx domain.Context, p domain.Profile) (int64, error) { return 0, nil }
func (f *fakeProfiles) Get(ctx domain.Context, id int64) (domain.Profile, error) {
	p, ok := f.byID[id]
	if !ok {
		return domain.Profile{}, domain.ErrNotFound
	}
	return p, nil
}
func (f *fakeProfiles) GetByWindowName(ctx domain.Context, windowName string) (domain.Profile, error) {
	return domain.Profile{}, domain.ErrNotFound
}
func (f *fakeProfiles) ListByGroup(ctx domain.Context, groupTitle string) ([]domain.Profile, error) {
	return nil, nil
}
func (f *fakeProfiles) ListAll(ctx domain.Context) ([]domain.Profile, error) { return nil, nil }
func (f *fakeProfiles) Update(ctx domain.Context, p domain.Profile) error    { return nil }

type fakeJobStore struct {
	jobs   map[int64]domain.Job
	nextID int64
}

func newFakeJobStore() *fakeJobStore { return &fakeJobStore{jobs: map[int64]domain.Job{}} }

func (f *fakeJobStore) Create(ctx domain.Context, j domain.Job) (int64, error) {
	f.nextID++
	j.ID = f.nextID
	f.jobs[j.ID] = j
	return j.ID, nil
}
func (f *fakeJobStore) Get(ctx domain.Context, id int64) (domain.Job, error) {
	j, ok := f.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return j, nil
}
func (f *fakeJobStore) Update(ctx domain.Context, j domain.Job) error {
	if _, ok := f.jobs[j.ID]; !ok {
		return domain.ErrNotFound
	}
	f.jobs[j.ID] = j
	return nil
}
func (f *fakeJobStore) ListWithFilters(ctx domain.Context, offset, limit int, groupTitle, profileID, status, phase string) ([]domain.Job, error) {
	return nil, nil
}
func (f *fakeJobStore) ListActiveByProfile(ctx domain.Context, profileID int64) ([]domain.Job, error) {
	return nil, nil
}
func (f *fakeJobStore) CountActiveByProfile(ctx domain.Context, profileID int64) (int, error) {
	return 0, nil
}
func (f *fakeJobStore) LatestRetryChild(ctx domain.Context, retryRootJobID int64) (domain.Job, error) {
	return domain.Job{}, domain.ErrNotFound
}

type fakeEvents struct{ n int64 }

func (f *fakeEvents) Append(ctx domain.Context, e domain.JobEvent) (int64, error) {
	f.n++
	return f.n, nil
}
func (f *fakeEvents) LatestID(ctx domain.Context) (int64, error) { return f.n, nil }
func (f *fakeEvents) ListSince(ctx domain.Context, afterID int64, jobIDs map[int64]bool, limit int) ([]domain.JobEvent, int64, error) {
	return nil, afterID, nil
}

type fakeDispatcher struct {
	pick domain.ProfileWeight
	err  error
}

func (d *fakeDispatcher) PickBest(ctx domain.Context, groupTitle string, exclude map[int64]bool) (domain.ProfileWeight, error) {
	return d.pick, d.err
}
func (d *fakeDispatcher) ListWeights(ctx domain.Context, groupTitle string) ([]domain.ProfileWeight, error) {
	return nil, nil
}

type fakeWatermark struct {
	url string
	err error
}

func (w *fakeWatermark) Parse(ctx domain.Context, shareURL string) (string, error) {
	return w.url, w.err
}

type fakeRetrySpawner struct {
	child domain.Job
	err   error
}

func (r *fakeRetrySpawner) SpawnRetry(ctx domain.Context, failed domain.Job, trigger string) (domain.Job, error) {
	return r.child, r.err
}

func newService() (*JobService, *fakeProfiles, *fakeJobStore, *fakeDispatcher) {
	profiles := &fakeProfiles{byID: map[int64]domain.Profile{
		1: {ID: 1, WindowName: "win-1", GroupTitle: "Sora"},
	}}
	jobs := newFakeJobStore()
	dispatcher := &fakeDispatcher{pick: domain.ProfileWeight{Profile: domain.Profile{ID: 1, WindowName: "win-1"}, Score: 0.9, Reason: "best fit"}}
	svc := NewJobService(profiles, jobs, &fakeEvents{}, nil, dispatcher, &fakeWatermark{}, &fakeRetrySpawner{}, 3)
	return svc, profiles, jobs, dispatcher
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	t.Parallel()
	svc, _, _, _ := newService()
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateJobRequest{Prompt: "  ", Duration: 10, AspectRatio: "landscape"})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument, "empty prompt")

	_, err = svc.Create(ctx, CreateJobRequest{Prompt: "a", Duration: 11, AspectRatio: "landscape"})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument, "bad duration")

	_, err = svc.Create(ctx, CreateJobRequest{Prompt: "a", Duration: 10, AspectRatio: "square"})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument, "bad aspect ratio")

	_, err = svc.Create(ctx, CreateJobRequest{Prompt: "a", Duration: 10, AspectRatio: "landscape", DispatchMode: "bogus"})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument, "bad dispatch mode")
}

func TestCreateManualDispatchAssignsGivenProfile(t *testing.T) {
	t.Parallel()
	svc, _, jobs, _ := newService()
	ctx := context.Background()

	job, err := svc.Create(ctx, CreateJobRequest{
		Prompt: "a cat", Duration: 10, AspectRatio: "landscape", ProfileID: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.DispatchManual, job.DispatchMode)
	assert.Equal(t, int64(1), job.ProfileID)
	assert.Equal(t, "Sora", job.GroupTitle, "default group title")
	assert.Equal(t, domain.JobQueued, job.Status)
	assert.Equal(t, domain.PhaseQueue, job.Phase)
	_, ok := jobs.jobs[job.ID]
	assert.True(t, ok)
}

func TestCreateManualDispatchRejectsProfileOutsideGroup(t *testing.T) {
	t.Parallel()
	svc, _, _, _ := newService()
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateJobRequest{
		Prompt: "a cat", Duration: 10, AspectRatio: "landscape", GroupTitle: "Other", ProfileID: 1,
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCreateWeightedAutoUsesDispatcher(t *testing.T) {
	t.Parallel()
	svc, _, _, dispatcher := newService()
	ctx := context.Background()

	job, err := svc.Create(ctx, CreateJobRequest{Prompt: "a cat", Duration: 15, AspectRatio: "portrait"})
	require.NoError(t, err)
	assert.Equal(t, domain.DispatchAuto, job.DispatchMode)
	assert.Equal(t, dispatcher.pick.Profile.ID, job.ProfileID)
	assert.Equal(t, dispatcher.pick.Reason, job.DispatchReason)
}

func TestRetryRoutesSubmitOverloadThroughSpawner(t *testing.T) {
	t.Parallel()
	jobs := newFakeJobStore()
	jobs.jobs[1] = domain.Job{ID: 1, Status: domain.JobFailed, Phase: domain.PhaseSubmit, Error: "upstream under heavy load"}
	spawner := &fakeRetrySpawner{child: domain.Job{ID: 2, Status: domain.JobQueued}}
	svc := NewJobService(&fakeProfiles{byID: map[int64]domain.Profile{}}, jobs, &fakeEvents{}, nil, &fakeDispatcher{}, &fakeWatermark{}, spawner, 3)

	result, err := svc.Retry(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.ID, "should return the spawned child, not the original")
}

func TestRetryResetsInPlaceForNonOverloadFailure(t *testing.T) {
	t.Parallel()
	jobs := newFakeJobStore()
	jobs.jobs[1] = domain.Job{ID: 1, Status: domain.JobFailed, Phase: domain.PhaseWatermark, Error: "watermark parse failed"}
	svc := NewJobService(&fakeProfiles{byID: map[int64]domain.Profile{}}, jobs, &fakeEvents{}, nil, &fakeDispatcher{}, &fakeWatermark{}, &fakeRetrySpawner{}, 3)

	result, err := svc.Retry(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, domain.JobQueued, result.Status)
	assert.Equal(t, "", result.Error)
}

func TestRetryRejectsNonFailedJob(t *testing.T) {
	t.Parallel()
	jobs := newFakeJobStore()
	jobs.jobs[1] = domain.Job{ID: 1, Status: domain.JobCompleted}
	svc := NewJobService(&fakeProfiles{byID: map[int64]domain.Profile{}}, jobs, &fakeEvents{}, nil, &fakeDispatcher{}, &fakeWatermark{}, &fakeRetrySpawner{}, 3)

	_, err := svc.Retry(context.Background(), 1)
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestCancelMarksNonTerminalJobCancelled(t *testing.T) {
	t.Parallel()
	jobs := newFakeJobStore()
	jobs.jobs[1] = domain.Job{ID: 1, Status: domain.JobProcessing, Phase: domain.PhasePublish, PublishURL: "https://sora.example/p/s_deadbeef"}
	svc := NewJobService(&fakeProfiles{byID: map[int64]domain.Profile{}}, jobs, &fakeEvents{}, nil, &fakeDispatcher{}, &fakeWatermark{}, &fakeRetrySpawner{}, 3)

	result, err := svc.Cancel(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCancelled, result.Status)
	assert.Equal(t, "https://sora.example/p/s_deadbeef", result.PublishURL, "publish_url is not rolled back")
	assert.NotNil(t, result.FinishedAt)
}

func TestCancelRejectsTerminalJob(t *testing.T) {
	t.Parallel()
	jobs := newFakeJobStore()
	jobs.jobs[1] = domain.Job{ID: 1, Status: domain.JobCompleted}
	svc := NewJobService(&fakeProfiles{byID: map[int64]domain.Profile{}}, jobs, &fakeEvents{}, nil, &fakeDispatcher{}, &fakeWatermark{}, &fakeRetrySpawner{}, 3)

	_, err := svc.Cancel(context.Background(), 1)
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestParseWatermarkRetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	calls := 0
	svc, _, _, _ := newService()
	svc.Watermark = watermarkFunc(func(ctx domain.Context, shareURL string) (string, error) {
		calls++
		if calls < 2 {
			return "", errors.New("transient")
		}
		return "https://cdn.example/video.mp4", nil
	})

	url, err := svc.ParseWatermark(context.Background(), "https://sora.example/p/s_abc12345")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/video.mp4", url)
	assert.Equal(t, 2, calls)
}

func TestParseWatermarkDoesNotRetryWhenDisabled(t *testing.T) {
	t.Parallel()
	calls := 0
	svc, _, _, _ := newService()
	svc.Watermark = watermarkFunc(func(ctx domain.Context, shareURL string) (string, error) {
		calls++
		return "", domain.ErrWatermarkDisabled
	})

	_, err := svc.ParseWatermark(context.Background(), "https://sora.example/p/s_abc12345")
	assert.ErrorIs(t, err, domain.ErrWatermarkDisabled)
	assert.Equal(t, 1, calls, "disabled mode never retries")
}

type watermarkFunc func(ctx domain.Context, shareURL string) (string, error)

func (f watermarkFunc) Parse(ctx domain.Context, shareURL string) (string, error) { return f(ctx, shareURL) }
