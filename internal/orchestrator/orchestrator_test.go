package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/scriptrun/internal/client"
	"github.com/mpataki/scriptrun/internal/models"
	"github.com/mpataki/scriptrun/internal/storage"
	"github.com/mpataki/scriptrun/internal/tail"
)

type launchCall struct {
	moduleID models.ID
	params   map[string]any
}

type fakeBackend struct {
	mu           sync.Mutex
	nextIDs      []models.ID
	launchErr    error
	launches     []launchCall
	beforeLaunch func()
	chunks       map[models.ID][]models.LogChunk
	status       models.ExecStatus
	since        []int64
	modules      []models.Module
	tracked      map[models.ID]models.ID
}

func (f *fakeBackend) TrackExecution(id, moduleID models.ID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tracked == nil {
		f.tracked = make(map[models.ID]models.ID)
	}
	f.tracked[id] = moduleID
}

func (f *fakeBackend) trackedModule(id models.ID) models.ID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tracked[id]
}

func (f *fakeBackend) Launch(ctx context.Context, moduleID models.ID, params map[string]any) (*models.Execution, error) {
	if f.beforeLaunch != nil {
		f.beforeLaunch()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launches = append(f.launches, launchCall{moduleID: moduleID, params: params})
	if f.launchErr != nil {
		return nil, f.launchErr
	}
	id := f.nextIDs[0]
	f.nextIDs = f.nextIDs[1:]
	return &models.Execution{ID: id, ModuleID: moduleID, Status: models.ExecStatusQueued}, nil
}

func (f *fakeBackend) FetchLogs(ctx context.Context, id models.ID, sinceSeq int64) ([]models.LogChunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.since = append(f.since, sinceSeq)
	var out []models.LogChunk
	for _, c := range f.chunks[id] {
		if c.SequenceNo >= sinceSeq {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeBackend) GetExecution(ctx context.Context, id models.ID) (*models.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status := f.status
	if status == "" {
		status = models.ExecStatusRunning
	}
	return &models.Execution{ID: id, Status: status}, nil
}

func (f *fakeBackend) ListModules(ctx context.Context) ([]models.Module, error) {
	return f.modules, nil
}

func (f *fakeBackend) ListExecutions(ctx context.Context, moduleID models.ID) ([]models.Execution, error) {
	return nil, nil
}

func (f *fakeBackend) ListArtifacts(ctx context.Context, id models.ID) ([]models.Artifact, error) {
	return nil, nil
}

func (f *fakeBackend) sinceCalls() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.since...)
}

// stalledClock never fires, so a started loop parks after its first cycle
// until it is cancelled.
type stalledClock struct{}

func (stalledClock) After(time.Duration) <-chan time.Time { return nil }

func idleOptions() Options {
	return Options{Identity: "alice", Tail: tail.Options{Clock: stalledClock{}}}
}

func waitParked(t *testing.T, h *tail.Handle) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.Loop().State() == tail.StateBackoff
	}, 2*time.Second, time.Millisecond)
}

func TestLaunchStartsFreshTail(t *testing.T) {
	backend := &fakeBackend{nextIDs: []models.ID{"e7"}}
	o := New(backend, nil, idleOptions())
	defer o.Close()

	o.Buffer().Append([]models.LogChunk{{SequenceNo: 0, Text: "stale"}})

	ex, h, err := o.Launch(context.Background(), "m1", map[string]any{"db_name": "dev"})
	require.NoError(t, err)
	require.NotNil(t, h)

	assert.Equal(t, models.ID("e7"), ex.ID)
	assert.Equal(t, models.ID("e7"), h.Loop().Cursor().ExecutionID())
	assert.Equal(t, int64(0), h.Loop().Cursor().Next())
	assert.Equal(t, 0, o.Buffer().Len())
	assert.Same(t, h, o.Current())

	require.Len(t, backend.launches, 1)
	assert.Equal(t, models.ID("m1"), backend.launches[0].moduleID)
	assert.Equal(t, map[string]any{"db_name": "dev"}, backend.launches[0].params)
}

func TestSecondLaunchStopsPreviousTailFirst(t *testing.T) {
	backend := &fakeBackend{nextIDs: []models.ID{"e7", "e8"}}
	o := New(backend, nil, idleOptions())
	defer o.Close()

	_, first, err := o.Launch(context.Background(), "m1", nil)
	require.NoError(t, err)
	waitParked(t, first)

	var stoppedBeforeSubmit bool
	backend.beforeLaunch = func() {
		select {
		case <-first.Done():
			stoppedBeforeSubmit = true
		default:
		}
	}

	_, second, err := o.Launch(context.Background(), "m1", nil)
	require.NoError(t, err)

	assert.True(t, stoppedBeforeSubmit)
	assert.Equal(t, tail.ReasonCanceled, first.Loop().Result().Reason)
	assert.Equal(t, models.ID("e8"), second.Loop().Cursor().ExecutionID())
	assert.Same(t, second, o.Current())
}

func TestLaunchFailureLeavesNoLoop(t *testing.T) {
	backend := &fakeBackend{nextIDs: []models.ID{"e7"}}
	o := New(backend, nil, idleOptions())
	defer o.Close()

	_, first, err := o.Launch(context.Background(), "m1", nil)
	require.NoError(t, err)

	backend.launchErr = &client.LaunchError{ModuleID: "m1", Err: &client.TransportError{Op: "launch", StatusCode: 503}}
	_, h, err := o.Launch(context.Background(), "m1", nil)

	var le *client.LaunchError
	require.ErrorAs(t, err, &le)
	assert.Nil(t, h)
	assert.Nil(t, o.Current())
	select {
	case <-first.Done():
	default:
		t.Fatal("previous loop still running after a failed launch")
	}
}

func TestLaunchJournalsMaskedParameters(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)

	backend := &fakeBackend{
		nextIDs: []models.ID{"e7"},
		modules: []models.Module{{ID: "m1", Name: "backup"}},
	}
	o := New(backend, store, idleOptions())
	defer o.Close()

	_, err = o.ListModules(context.Background())
	require.NoError(t, err)

	params := map[string]any{"db_name": "dev", "password": "hunter2"}
	_, _, err = o.Launch(context.Background(), "m1", params)
	require.NoError(t, err)

	// the backend still receives the real value
	assert.Equal(t, "hunter2", backend.launches[0].params["password"])

	l, err := o.GetLaunch("e7")
	require.NoError(t, err)
	assert.Equal(t, "backup", l.ModuleName)
	assert.Equal(t, "alice", l.Identity)
	assert.Equal(t, map[string]any{"db_name": "dev", "password": "***"}, l.Parameters)
}

func TestJournalRecordsTerminalStatus(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)

	backend := &fakeBackend{
		nextIDs: []models.ID{"e7"},
		chunks:  map[models.ID][]models.LogChunk{"e7": {{SequenceNo: 0, Text: "done\n"}}},
		status:  models.ExecStatusSucceeded,
	}
	var mu sync.Mutex
	var updates []tail.Update
	o := New(backend, store, Options{
		Identity: "alice",
		Tail: tail.Options{
			ShortInterval: time.Millisecond,
			LongInterval:  time.Millisecond,
			MaxBackoff:    time.Millisecond,
		},
		OnUpdate: func(u tail.Update) {
			mu.Lock()
			updates = append(updates, u)
			mu.Unlock()
		},
	})
	defer o.Close()

	_, h, err := o.Launch(context.Background(), "m1", nil)
	require.NoError(t, err)

	res := h.Wait()
	assert.Equal(t, tail.ReasonTerminal, res.Reason)
	assert.Equal(t, "done\n", o.Buffer().Text())

	l, err := o.GetLaunch("e7")
	require.NoError(t, err)
	assert.Equal(t, models.ExecStatusSucceeded, l.Status)
	assert.NotNil(t, l.FinishedAt)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, updates)
	assert.Equal(t, tail.StateStopped, updates[len(updates)-1].State)
}

func TestFollowReadsFromSince(t *testing.T) {
	backend := &fakeBackend{}
	o := New(backend, nil, idleOptions())
	defer o.Close()

	h, err := o.Follow(context.Background(), "e9", 4)
	require.NoError(t, err)
	waitParked(t, h)

	assert.Equal(t, []int64{4}, backend.sinceCalls())

	_, err = o.Follow(context.Background(), "", 0)
	assert.Error(t, err)
}

func TestForgetLaunchStopsItsTail(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)

	backend := &fakeBackend{nextIDs: []models.ID{"e7"}}
	o := New(backend, store, idleOptions())
	defer o.Close()

	_, h, err := o.Launch(context.Background(), "m1", nil)
	require.NoError(t, err)

	require.NoError(t, o.ForgetLaunch("e7"))
	assert.Nil(t, o.Current())
	assert.Equal(t, tail.ReasonCanceled, h.Wait().Reason)

	_, err = o.GetLaunch("e7")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestHistoryWithoutJournal(t *testing.T) {
	o := New(&fakeBackend{}, nil, idleOptions())

	_, err := o.ListLaunches(10)
	assert.True(t, errors.Is(err, ErrNoJournal))
	assert.ErrorIs(t, o.ForgetLaunch("e1"), ErrNoJournal)
}

func TestFollowTellsBackendTheJournaledModule(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	require.NoError(t, store.CreateLaunch(&models.Launch{
		ExecutionID: "e5",
		ModuleID:    "m3",
		Status:      models.ExecStatusRunning,
		LaunchedAt:  time.Now(),
	}))

	backend := &fakeBackend{}
	o := New(backend, store, idleOptions())
	defer o.Close()

	h, err := o.Follow(context.Background(), "e5", 0)
	require.NoError(t, err)
	waitParked(t, h)
	assert.Equal(t, models.ID("m3"), backend.trackedModule("e5"))

	// executions without a journal row are left to the caller
	_, err = o.Follow(context.Background(), "e6", 0)
	require.NoError(t, err)
	assert.Empty(t, backend.trackedModule("e6"))

	o.Track("e6", "m1")
	assert.Equal(t, models.ID("m1"), backend.trackedModule("e6"))
}
