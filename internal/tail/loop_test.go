package tail

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/scriptrun/internal/client"
	"github.com/mpataki/scriptrun/internal/models"
)

func testOptions() Options {
	return Options{
		ShortInterval: time.Second,
		LongInterval:  1500 * time.Millisecond,
		MaxBackoff:    30 * time.Second,
		MaxRetries:    5,
	}
}

func transportErr() error {
	return &client.TransportError{Op: "fetch logs", StatusCode: 502, Err: errors.New("bad gateway")}
}

func TestStepAppendsAndSchedulesShortDelay(t *testing.T) {
	src := &fakeSource{fetches: []fetchResponse{
		{chunks: []models.LogChunk{chunk(0, "a"), chunk(1, "b")}},
	}}
	l := NewLoop(src, NewCursor("e7"), NewBuffer(), testOptions())

	delay, done := l.Step(context.Background())

	require.False(t, done)
	assert.Equal(t, time.Second, delay)
	assert.Equal(t, "ab", l.Buffer().Text())
	assert.Equal(t, int64(2), l.Cursor().Next())
	assert.Equal(t, []int64{0}, src.since)
	assert.Equal(t, StateBackoff, l.State())
}

func TestStepEmptyLeavesStateAndSchedulesLongDelay(t *testing.T) {
	buf := NewBuffer()
	buf.Append([]models.LogChunk{chunk(0, "a"), chunk(1, "b")})
	src := &fakeSource{}
	l := NewLoop(src, NewCursorAt("e7", 2), buf, testOptions())

	delay, done := l.Step(context.Background())

	require.False(t, done)
	assert.Equal(t, 1500*time.Millisecond, delay)
	assert.Equal(t, "ab", buf.Text())
	assert.Equal(t, int64(2), l.Cursor().Next())
	assert.Equal(t, []int64{2}, src.since)
}

func TestEmptyCyclesAreIdempotent(t *testing.T) {
	buf := NewBuffer()
	buf.Append([]models.LogChunk{chunk(0, "x")})
	src := &fakeSource{}
	l := NewLoop(src, NewCursorAt("e1", 1), buf, testOptions())

	for i := 0; i < 5; i++ {
		delay, done := l.Step(context.Background())
		require.False(t, done)
		assert.Equal(t, 1500*time.Millisecond, delay)
	}
	assert.Equal(t, "x", buf.Text())
	assert.Equal(t, int64(1), l.Cursor().Next())
	assert.Equal(t, []int64{1, 1, 1, 1, 1}, src.since)
}

func TestOverlappingBatchesNeverDuplicate(t *testing.T) {
	src := &fakeSource{fetches: []fetchResponse{
		{chunks: []models.LogChunk{chunk(0, "a"), chunk(1, "b")}},
		// a backend that ignores sinceSeq and repeats itself
		{chunks: []models.LogChunk{chunk(1, "b"), chunk(2, "c")}},
		{chunks: []models.LogChunk{chunk(0, "a")}},
	}}
	l := NewLoop(src, NewCursor("e1"), NewBuffer(), testOptions())

	_, _ = l.Step(context.Background())
	_, _ = l.Step(context.Background())
	delay, done := l.Step(context.Background())

	require.False(t, done)
	// nothing new, treated like an empty cycle
	assert.Equal(t, 1500*time.Millisecond, delay)
	assert.Equal(t, "abc", l.Buffer().Text())
	assert.Equal(t, int64(3), l.Cursor().Next())
	assert.Equal(t, []int64{0, 2, 3}, src.since)
}

func TestRandomFeedKeepsCursorMonotonicAndBufferUnique(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	var fetches []fetchResponse
	for i := 0; i < 200; i++ {
		start := int64(rng.Intn(60))
		n := rng.Intn(4)
		var batch []models.LogChunk
		for j := 0; j < n; j++ {
			batch = append(batch, chunk(start+int64(j), "."))
		}
		fetches = append(fetches, fetchResponse{chunks: batch})
	}
	src := &fakeSource{fetches: fetches}
	l := NewLoop(src, NewCursor("e1"), NewBuffer(), testOptions())

	prev := int64(0)
	for i := 0; i < len(fetches); i++ {
		_, done := l.Step(context.Background())
		require.False(t, done)
		require.GreaterOrEqual(t, l.Cursor().Next(), prev)
		prev = l.Cursor().Next()
	}

	seen := map[int64]bool{}
	last := int64(-1)
	for _, c := range l.Buffer().Chunks() {
		require.False(t, seen[c.SequenceNo], "sequence %d appended twice", c.SequenceNo)
		require.Greater(t, c.SequenceNo, last)
		seen[c.SequenceNo] = true
		last = c.SequenceNo
	}
	if last >= 0 {
		assert.Equal(t, last+1, l.Cursor().Next())
	}
}

func TestFailuresBackOffAndGiveUp(t *testing.T) {
	opts := testOptions()
	opts.MaxBackoff = 5 * time.Second
	opts.MaxRetries = 3
	var rec recorder
	opts.OnUpdate = rec.record

	src := &fakeSource{fetches: []fetchResponse{
		{err: transportErr()},
		{err: transportErr()},
		{err: transportErr()},
		{err: transportErr()},
	}}
	l := NewLoop(src, NewCursor("e1"), NewBuffer(), opts)

	var delays []time.Duration
	for {
		delay, done := l.Step(context.Background())
		if done {
			break
		}
		delays = append(delays, delay)
	}

	assert.Equal(t, []time.Duration{1500 * time.Millisecond, 3 * time.Second, 5 * time.Second}, delays)
	res := l.Result()
	assert.Equal(t, ReasonError, res.Reason)
	var te *client.TransportError
	assert.ErrorAs(t, res.Err, &te)
	assert.Equal(t, int64(0), l.Cursor().Next())

	updates := rec.all()
	require.NotEmpty(t, updates)
	final := updates[len(updates)-1]
	assert.Equal(t, StateStopped, final.State)
	assert.False(t, final.Degraded())

	var degraded int
	for _, u := range updates {
		if u.Degraded() {
			degraded++
		}
	}
	assert.Positive(t, degraded)
}

func TestParseErrorIsRetried(t *testing.T) {
	src := &fakeSource{fetches: []fetchResponse{
		{err: &client.ParseError{Op: "fetch logs", Err: errors.New("unexpected EOF")}},
		{chunks: []models.LogChunk{chunk(0, "ok")}},
	}}
	l := NewLoop(src, NewCursor("e1"), NewBuffer(), testOptions())

	delay, done := l.Step(context.Background())
	require.False(t, done)
	assert.Equal(t, 1500*time.Millisecond, delay)

	delay, done = l.Step(context.Background())
	require.False(t, done)
	assert.Equal(t, time.Second, delay)
	assert.Equal(t, "ok", l.Buffer().Text())
}

func TestSuccessResetsFailureCount(t *testing.T) {
	var rec recorder
	opts := testOptions()
	opts.OnUpdate = rec.record
	src := &fakeSource{fetches: []fetchResponse{
		{err: transportErr()},
		{err: transportErr()},
		{chunks: []models.LogChunk{chunk(0, "a")}},
		{err: transportErr()},
	}}
	l := NewLoop(src, NewCursor("e1"), NewBuffer(), opts)

	var delays []time.Duration
	for i := 0; i < 4; i++ {
		d, done := l.Step(context.Background())
		require.False(t, done)
		delays = append(delays, d)
	}

	// the failure after a success starts from the first backoff step again
	assert.Equal(t, []time.Duration{1500 * time.Millisecond, 3 * time.Second, time.Second, 1500 * time.Millisecond}, delays)

	updates := rec.all()
	last := updates[len(updates)-1]
	assert.Equal(t, 1, last.Failures)
}

func TestRejectedStopsImmediately(t *testing.T) {
	src := &fakeSource{fetches: []fetchResponse{
		{err: &client.StatusError{Op: "fetch logs", StatusCode: 404, Detail: "Not found"}},
	}}
	l := NewLoop(src, NewCursor("e1"), NewBuffer(), testOptions())

	_, done := l.Step(context.Background())

	require.True(t, done)
	assert.Equal(t, StateStopped, l.State())
	assert.Equal(t, ReasonError, l.Result().Reason)
	assert.Equal(t, 1, src.fetchCount())
}

func TestTerminalStatusDrainsThenStops(t *testing.T) {
	src := &fakeSource{
		fetches: []fetchResponse{
			{chunks: []models.LogChunk{chunk(0, "first ")}},
			{},
			// written just before the status flipped
			{chunks: []models.LogChunk{chunk(1, "last")}},
			{},
		},
		statuses: []statusResponse{{status: models.ExecStatusSucceeded}},
	}
	l := NewLoop(src, NewCursor("e1"), NewBuffer(), testOptions())

	var delays []time.Duration
	for {
		d, done := l.Step(context.Background())
		if done {
			break
		}
		delays = append(delays, d)
	}

	assert.Equal(t, []time.Duration{time.Second, 0, 0}, delays)
	assert.Equal(t, "first last", l.Buffer().Text())
	res := l.Result()
	assert.Equal(t, ReasonTerminal, res.Reason)
	assert.Equal(t, models.ExecStatusSucceeded, res.Status)
	assert.NoError(t, res.Err)
}

func TestStatusCheckFailureCountsAsFailure(t *testing.T) {
	src := &fakeSource{statuses: []statusResponse{{err: transportErr()}}}
	l := NewLoop(src, NewCursor("e1"), NewBuffer(), testOptions())

	delay, done := l.Step(context.Background())
	require.False(t, done)
	assert.Equal(t, 1500*time.Millisecond, delay)

	// the next status check succeeds and clears the failure
	delay, done = l.Step(context.Background())
	require.False(t, done)
	assert.Equal(t, 1500*time.Millisecond, delay)
}

func TestStartedLoopFollowsClock(t *testing.T) {
	clock := newManualClock()
	opts := testOptions()
	opts.Clock = clock
	src := &fakeSource{fetches: []fetchResponse{
		{chunks: []models.LogChunk{chunk(0, "a")}},
		{},
		{chunks: []models.LogChunk{chunk(1, "b")}},
	}}
	l := NewLoop(src, NewCursor("e1"), NewBuffer(), opts)

	h, err := l.Start(context.Background())
	require.NoError(t, err)

	assert.Equal(t, time.Second, clock.next(t))
	clock.fire()
	assert.Equal(t, 1500*time.Millisecond, clock.next(t))
	clock.fire()
	assert.Equal(t, time.Second, clock.next(t))

	res := h.Stop()
	assert.Equal(t, ReasonCanceled, res.Reason)
	assert.Equal(t, "ab", l.Buffer().Text())
	assert.Equal(t, StateStopped, l.State())
	assert.Equal(t, 3, src.fetchCount())
}

func TestStartTwiceFails(t *testing.T) {
	clock := newManualClock()
	opts := testOptions()
	opts.Clock = clock
	l := NewLoop(&fakeSource{}, NewCursor("e1"), NewBuffer(), opts)

	h, err := l.Start(context.Background())
	require.NoError(t, err)
	defer h.Stop()

	_, err = l.Start(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyStarted)
}

type blockingSource struct {
	fakeSource
	entered chan struct{}
	release chan struct{}
}

func (b *blockingSource) FetchLogs(ctx context.Context, id models.ID, sinceSeq int64) ([]models.LogChunk, error) {
	close(b.entered)
	<-b.release
	return []models.LogChunk{chunk(sinceSeq, "late")}, nil
}

func TestCancelDiscardsInFlightResult(t *testing.T) {
	src := &blockingSource{entered: make(chan struct{}), release: make(chan struct{})}
	l := NewLoop(src, NewCursor("e1"), NewBuffer(), testOptions())

	h, err := l.Start(context.Background())
	require.NoError(t, err)

	<-src.entered
	h.Cancel()
	close(src.release)

	res := h.Wait()
	assert.Equal(t, ReasonCanceled, res.Reason)
	assert.Equal(t, 0, l.Buffer().Len())
	assert.Equal(t, int64(0), l.Cursor().Next())
}

func TestAtMostOneFetchOutstanding(t *testing.T) {
	src := &fakeSource{fetchDelay: 2 * time.Millisecond}
	for i := 0; i < 10; i++ {
		src.fetches = append(src.fetches, fetchResponse{chunks: []models.LogChunk{chunk(int64(i), "x")}})
	}
	opts := Options{
		ShortInterval: time.Millisecond,
		LongInterval:  time.Millisecond,
		MaxBackoff:    time.Millisecond,
		MaxRetries:    1,
	}
	l := NewLoop(src, NewCursor("e1"), NewBuffer(), opts)

	h, err := l.Start(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return src.fetchCount() >= 20 }, 5*time.Second, 5*time.Millisecond)
	h.Stop()

	assert.Equal(t, int32(1), src.maxInflight.Load())
	assert.Equal(t, 10, l.Buffer().Len())
}
