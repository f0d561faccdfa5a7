package tail

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mpataki/scriptrun/internal/models"
)

type fetchResponse struct {
	chunks []models.LogChunk
	err    error
}

type statusResponse struct {
	status models.ExecStatus
	err    error
}

// fakeSource replays queued responses. An exhausted fetch queue yields an
// empty result; an exhausted status queue yields "running".
type fakeSource struct {
	mu       sync.Mutex
	fetches  []fetchResponse
	statuses []statusResponse
	since    []int64

	inflight    atomic.Int32
	maxInflight atomic.Int32
	fetchDelay  time.Duration
}

func (f *fakeSource) FetchLogs(ctx context.Context, id models.ID, sinceSeq int64) ([]models.LogChunk, error) {
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		cur := f.maxInflight.Load()
		if n <= cur || f.maxInflight.CompareAndSwap(cur, n) {
			break
		}
	}
	if f.fetchDelay > 0 {
		time.Sleep(f.fetchDelay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.since = append(f.since, sinceSeq)
	if len(f.fetches) == 0 {
		return nil, nil
	}
	r := f.fetches[0]
	f.fetches = f.fetches[1:]
	return r.chunks, r.err
}

func (f *fakeSource) GetExecution(ctx context.Context, id models.ID) (*models.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.statuses) == 0 {
		return &models.Execution{ID: id, Status: models.ExecStatusRunning}, nil
	}
	r := f.statuses[0]
	f.statuses = f.statuses[1:]
	if r.err != nil {
		return nil, r.err
	}
	return &models.Execution{ID: id, Status: r.status}, nil
}

func (f *fakeSource) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.since)
}

// manualClock hands every requested delay to the test and fires only when
// told to.
type manualClock struct {
	requests chan time.Duration

	mu      sync.Mutex
	pending chan time.Time
}

func newManualClock() *manualClock {
	return &manualClock{requests: make(chan time.Duration, 16)}
}

func (c *manualClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	c.mu.Lock()
	c.pending = ch
	c.mu.Unlock()
	c.requests <- d
	return ch
}

func (c *manualClock) next(t *testing.T) time.Duration {
	t.Helper()
	select {
	case d := <-c.requests:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the loop to schedule a cycle")
		return 0
	}
}

func (c *manualClock) fire() {
	c.mu.Lock()
	ch := c.pending
	c.mu.Unlock()
	ch <- time.Now()
}

func chunk(seq int64, text string) models.LogChunk {
	return models.LogChunk{SequenceNo: seq, Text: text}
}

// recorder collects updates from the loop goroutine.
type recorder struct {
	mu      sync.Mutex
	updates []Update
}

func (r *recorder) record(u Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *recorder) all() []Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Update, len(r.updates))
	copy(out, r.updates)
	return out
}
