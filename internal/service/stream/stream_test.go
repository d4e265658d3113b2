package stream

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ixfleet/orchestrator/internal/domain"
)

// fakeJobs is a minimal in-memory domain.JobRepository for exercising the
// diff loop without a database.
type fakeJobs struct {
	jobs map[int64]domain.Job
}

func (f *fakeJobs) Create(ctx domain.Context, j domain.Job) (int64, error) { return 0, nil }
func (f *fakeJobs) Get(ctx domain.Context, id int64) (domain.Job, error)   { return f.jobs[id], nil }
func (f *fakeJobs) Update(ctx domain.Context, j domain.Job) error {
	f.jobs[j.ID] = j
	return nil
}
func (f *fakeJobs) ListWithFilters(ctx domain.Context, offset, limit int, groupTitle, profileID, status, phase string) ([]domain.Job, error) {
	var out []domain.Job
	for _, j := range f.jobs {
		if groupTitle != "" && j.GroupTitle != groupTitle {
			continue
		}
		if status != "" && string(j.Status) != status {
			continue
		}
		if phase != "" && string(j.Phase) != phase {
			continue
		}
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
func (f *fakeJobs) ListActiveByProfile(ctx domain.Context, profileID int64) ([]domain.Job, error) {
	return nil, nil
}
func (f *fakeJobs) CountActiveByProfile(ctx domain.Context, profileID int64) (int, error) {
	return 0, nil
}
func (f *fakeJobs) LatestRetryChild(ctx domain.Context, retryRootJobID int64) (domain.Job, error) {
	return domain.Job{}, domain.ErrNotFound
}

// fakeEvents is a minimal in-memory domain.EventRepository.
type fakeEvents struct {
	events []domain.JobEvent
}

func (f *fakeEvents) Append(ctx domain.Context, e domain.JobEvent) (int64, error) {
	e.ID = int64(len(f.events) + 1)
	f.events = append(f.events, e)
	return e.ID, nil
}
func (f *fakeEvents) LatestID(ctx domain.Context) (int64, error) {
	if len(f.events) == 0 {
		return 0, nil
	}
	return f.events[len(f.events)-1].ID, nil
}
func (f *fakeEvents) ListSince(ctx domain.Context, afterID int64, jobIDs map[int64]bool, limit int) ([]domain.JobEvent, int64, error) {
	var out []domain.JobEvent
	last := afterID
	for _, e := range f.events {
		if e.ID <= afterID {
			continue
		}
		if e.ID > last {
			last = e.ID
		}
		if !jobIDs[e.JobID] {
			continue
		}
		out = append(out, e)
		if len(out) >= limit {
			break
		}
	}
	return out, last, nil
}

func TestBuildFilterClampsLimitAndNormalizesCase(t *testing.T) {
	t.Parallel()

	f := BuildFilter(" groupA ", "QUEUED", "SUBMIT", " hello ", 7, 0, true)
	assert.Equal(t, "groupA", f.GroupTitle)
	assert.Equal(t, "queued", f.Status)
	assert.Equal(t, "submit", f.Phase)
	assert.Equal(t, "hello", f.Keyword)
	assert.Equal(t, 100, f.Limit, "zero limit falls back to default 100")

	f2 := BuildFilter("", "", "", "", 0, 9999, false)
	assert.Equal(t, 200, f2.Limit, "limit clamps to 200")
}

func TestRunEmitsSnapshotFirst(t *testing.T) {
	t.Parallel()

	jobs := &fakeJobs{jobs: map[int64]domain.Job{
		1: {ID: 1, Status: domain.JobProcessing, Phase: domain.PhaseSubmit, UpdatedAt: time.Now()},
	}}
	events := &fakeEvents{}
	svc := New(jobs, events, time.Millisecond, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	var received []Event
	err := svc.Run(ctx, Filter{Limit: 100}, func(e Event) error {
		received = append(received, e)
		if e.Kind == KindSnapshot {
			cancel()
		}
		return nil
	})
	require.NoError(t, err)
	require.Len(t, received, 1)
	assert.Equal(t, KindSnapshot, received[0].Kind)
	assert.Len(t, received[0].Snapshot.Jobs, 1)
}

func TestRunEmitsJobOnFingerprintChangeThenRemoveWhenFiltered(t *testing.T) {
	jobs := &fakeJobs{jobs: map[int64]domain.Job{
		1: {ID: 1, Status: domain.JobProcessing, Phase: domain.PhaseSubmit, ProgressPct: 10, UpdatedAt: time.Now()},
	}}
	events := &fakeEvents{}
	svc := New(jobs, events, time.Millisecond, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tick := 0
	var kinds []EventKind
	err := svc.Run(ctx, Filter{Limit: 100, Status: string(domain.JobProcessing)}, func(e Event) error {
		kinds = append(kinds, e.Kind)
		switch e.Kind {
		case KindSnapshot:
			// first tick: bump progress, should surface as a job update
			j := jobs.jobs[1]
			j.ProgressPct = 55
			j.UpdatedAt = time.Now().Add(time.Millisecond)
			jobs.jobs[1] = j
		case KindJob:
			tick++
			if tick == 1 {
				assert.Equal(t, 55, e.Job.ProgressPct)
				// second tick: job completes and drops out of the "processing" filter
				j := jobs.jobs[1]
				j.Status = domain.JobCompleted
				j.UpdatedAt = time.Now().Add(2 * time.Millisecond)
				jobs.jobs[1] = j
			}
		case KindRemove:
			assert.Equal(t, int64(1), e.Remove.JobID)
			cancel()
		}
		return nil
	})
	require.NoError(t, err)
	assert.Contains(t, kinds, KindJob)
	assert.Contains(t, kinds, KindRemove)
}

func TestRunAppliesKeywordFilterClientSide(t *testing.T) {
	t.Parallel()

	jobs := &fakeJobs{jobs: map[int64]domain.Job{
		1: {ID: 1, Prompt: "a dog running on a beach", Status: domain.JobQueued},
		2: {ID: 2, Prompt: "a cat sleeping on a couch", Status: domain.JobQueued},
	}}
	svc := New(jobs, &fakeEvents{}, time.Millisecond, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	err := svc.Run(ctx, Filter{Limit: 100, Keyword: "DOG"}, func(e Event) error {
		if e.Kind == KindSnapshot {
			require.Len(t, e.Snapshot.Jobs, 1)
			assert.Equal(t, int64(1), e.Snapshot.Jobs[0].ID)
			cancel()
		}
		return nil
	})
	require.NoError(t, err)
}

func TestRunForwardsPhaseEventsForVisibleJobsOnly(t *testing.T) {
	jobs := &fakeJobs{jobs: map[int64]domain.Job{
		1: {ID: 1, Status: domain.JobProcessing},
	}}
	events := &fakeEvents{}
	svc := New(jobs, events, time.Millisecond, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	seenSnapshot := false
	var phaseEvents []domain.JobEvent
	err := svc.Run(ctx, Filter{Limit: 100, WithEvents: true}, func(e Event) error {
		switch e.Kind {
		case KindSnapshot:
			seenSnapshot = true
			_, _ = events.Append(context.Background(), domain.JobEvent{JobID: 1, Phase: domain.PhaseSubmit, Event: "start"})
			_, _ = events.Append(context.Background(), domain.JobEvent{JobID: 99, Phase: domain.PhaseSubmit, Event: "start"})
		case KindPhase:
			phaseEvents = append(phaseEvents, *e.Phase)
			if len(phaseEvents) == 1 {
				cancel()
			}
		}
		return nil
	})
	require.NoError(t, err)
	assert.True(t, seenSnapshot)
	require.Len(t, phaseEvents, 1, "only the event for the visible job should surface")
	assert.Equal(t, int64(1), phaseEvents[0].JobID)
}
