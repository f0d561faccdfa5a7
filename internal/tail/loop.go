package tail

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mpataki/scriptrun/internal/client"
	"github.com/mpataki/scriptrun/internal/logging"
	"github.com/mpataki/scriptrun/internal/models"
)

var ErrAlreadyStarted = errors.New("tail loop already started")

type State int

const (
	StateIdle State = iota
	StateWaiting
	StateBackoff
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaiting:
		return "waiting"
	case StateBackoff:
		return "backoff"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

type StopReason string

const (
	ReasonNone     StopReason = ""
	ReasonCanceled StopReason = "canceled"
	ReasonTerminal StopReason = "terminal"
	ReasonError    StopReason = "error"
)

// Update reports a state change or a batch of newly appended chunks.
type Update struct {
	ExecutionID models.ID
	State       State
	// Chunks holds only the chunks appended by this cycle.
	Chunks  []models.LogChunk
	NextSeq int64
	// Delay is the suspension before the next cycle when State is Backoff.
	Delay time.Duration
	// Failures counts consecutive failed cycles; non-zero means degraded.
	Failures int
	Err      error
	Status   models.ExecStatus
	Reason   StopReason
}

func (u Update) Degraded() bool {
	return u.Failures > 0 && u.State != StateStopped
}

type Options struct {
	ShortInterval time.Duration
	LongInterval  time.Duration
	MaxBackoff    time.Duration
	// MaxRetries is how many consecutive failures are retried; the next
	// one stops the loop.
	MaxRetries int
	Clock      Clock
	// OnUpdate is called synchronously from the loop goroutine.
	OnUpdate func(Update)
}

func DefaultOptions() Options {
	return Options{
		ShortInterval: 1000 * time.Millisecond,
		LongInterval:  1500 * time.Millisecond,
		MaxBackoff:    30 * time.Second,
		MaxRetries:    5,
	}
}

// Result is the final state of a stopped loop.
type Result struct {
	Reason StopReason
	Err    error
	Status models.ExecStatus
}

// Loop tails one execution. Cycles run strictly one after another, so at
// most one fetch is outstanding at any time.
type Loop struct {
	source Source
	cursor *Cursor
	buffer *Buffer
	opts   Options
	logger zerolog.Logger

	mu       sync.Mutex
	state    State
	started  bool
	failures int
	draining bool
	noStatus bool
	status   models.ExecStatus
	result   Result
}

func NewLoop(source Source, cursor *Cursor, buffer *Buffer, opts Options) *Loop {
	def := DefaultOptions()
	if opts.ShortInterval <= 0 {
		opts.ShortInterval = def.ShortInterval
	}
	if opts.LongInterval <= 0 {
		opts.LongInterval = def.LongInterval
	}
	if opts.MaxBackoff < opts.LongInterval {
		opts.MaxBackoff = max(def.MaxBackoff, opts.LongInterval)
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = def.MaxRetries
	}
	if opts.Clock == nil {
		opts.Clock = RealClock()
	}

	return &Loop{
		source: source,
		cursor: cursor,
		buffer: buffer,
		opts:   opts,
		logger: logging.WithExecution(logging.Component("tail"), cursor.ExecutionID().String()),
		state:  StateIdle,
	}
}

func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Loop) Cursor() *Cursor { return l.cursor }

func (l *Loop) Buffer() *Buffer { return l.buffer }

// Start runs the loop in its own goroutine until ctx is cancelled or the
// loop stops by itself.
func (l *Loop) Start(ctx context.Context) (*Handle, error) {
	l.mu.Lock()
	if l.started || l.state != StateIdle {
		l.mu.Unlock()
		return nil, ErrAlreadyStarted
	}
	l.started = true
	l.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{loop: l, cancel: cancel, done: make(chan struct{})}

	l.logger.Info().Int64("since_seq", l.cursor.Next()).Msg("tail started")

	// Requests issued by this loop log under its execution id.
	ctx = logging.WithContext(ctx, logging.WithExecution(logging.Component("client"), l.cursor.ExecutionID().String()))

	go func() {
		defer close(h.done)
		defer cancel()
		l.run(ctx)
	}()
	return h, nil
}

func (l *Loop) run(ctx context.Context) {
	for {
		delay, done := l.Step(ctx)
		if done {
			return
		}
		if delay <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			l.stop(ReasonCanceled, nil)
			return
		case <-l.opts.Clock.After(delay):
		}
	}
}

// Step runs exactly one cycle and returns the delay before the next one.
// done is true once the loop has stopped.
func (l *Loop) Step(ctx context.Context) (delay time.Duration, done bool) {
	if l.State() == StateStopped {
		return 0, true
	}
	if ctx.Err() != nil {
		l.stop(ReasonCanceled, nil)
		return 0, true
	}

	l.transition(Update{State: StateWaiting})

	outcome := FetchStep(ctx, l.source, l.cursor.ExecutionID(), l.cursor.Next())
	if ctx.Err() != nil {
		// the result of a cancelled fetch is discarded
		l.stop(ReasonCanceled, nil)
		return 0, true
	}

	switch outcome.Kind {
	case OutcomeChunks:
		appended := l.buffer.Append(outcome.Chunks)
		if len(appended) == 0 {
			l.logger.Warn().Int64("since_seq", l.cursor.Next()).Msg("backend returned only already-consumed chunks")
			return l.quiet(ctx)
		}
		l.cursor.Advance(appended)
		l.resetFailures()

		delay := l.opts.ShortInterval
		if l.isDraining() {
			delay = 0
		}
		l.transition(Update{State: StateBackoff, Chunks: appended, Delay: delay})
		return delay, false

	case OutcomeEmpty:
		return l.quiet(ctx)

	case OutcomeRejected:
		l.logger.Error().Err(outcome.Err).Msg("backend rejected log request")
		l.stop(ReasonError, outcome.Err)
		return 0, true

	case OutcomeTransportError, OutcomeParseError:
		return l.fail(outcome.Kind, outcome.Err)
	}

	l.stop(ReasonError, outcome.Err)
	return 0, true
}

// quiet handles a cycle that produced no new output.
func (l *Loop) quiet(ctx context.Context) (time.Duration, bool) {
	if l.isDraining() {
		l.logger.Info().Str("status", string(l.lastStatus())).Int64("next_seq", l.cursor.Next()).Msg("execution finished, feed drained")
		l.stop(ReasonTerminal, nil)
		return 0, true
	}

	ex, err := l.source.GetExecution(ctx, l.cursor.ExecutionID())
	if ctx.Err() != nil {
		l.stop(ReasonCanceled, nil)
		return 0, true
	}
	if errors.Is(err, client.ErrStatusUnavailable) {
		// Without a status source the feed is followed until cancelled.
		l.resetFailures()
		l.mu.Lock()
		warn := !l.noStatus
		l.noStatus = true
		l.mu.Unlock()
		if warn {
			l.logger.Warn().Err(err).Msg("execution status unavailable, following until stopped")
		}
		l.transition(Update{State: StateBackoff, Delay: l.opts.LongInterval})
		return l.opts.LongInterval, false
	}
	if err != nil {
		kind := classify(err)
		if kind == OutcomeRejected {
			l.stop(ReasonError, err)
			return 0, true
		}
		return l.fail(kind, err)
	}
	l.resetFailures()

	l.mu.Lock()
	l.status = ex.Status
	if ex.Status.IsTerminal() {
		// Output written before the status flipped may still be unread.
		l.draining = true
	}
	draining := l.draining
	l.mu.Unlock()

	if draining {
		l.transition(Update{State: StateBackoff})
		return 0, false
	}

	l.transition(Update{State: StateBackoff, Delay: l.opts.LongInterval})
	return l.opts.LongInterval, false
}

func (l *Loop) fail(kind OutcomeKind, err error) (time.Duration, bool) {
	l.mu.Lock()
	l.failures++
	failures := l.failures
	l.mu.Unlock()

	if failures > l.opts.MaxRetries {
		l.logger.Error().Err(err).Int("failures", failures).Msg("tail giving up")
		l.stop(ReasonError, err)
		return 0, true
	}

	delay := l.backoff(failures)
	l.logger.Warn().Err(err).Str("kind", kind.String()).Int("failures", failures).Dur("retry_in", delay).Msg("tail cycle failed")
	l.transition(Update{State: StateBackoff, Delay: delay, Err: err})
	return delay, false
}

// backoff doubles the long interval per consecutive failure, capped.
func (l *Loop) backoff(failures int) time.Duration {
	delay := l.opts.LongInterval
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= l.opts.MaxBackoff {
			return l.opts.MaxBackoff
		}
	}
	return min(delay, l.opts.MaxBackoff)
}

func (l *Loop) stop(reason StopReason, err error) {
	l.mu.Lock()
	if l.state == StateStopped {
		l.mu.Unlock()
		return
	}
	l.result = Result{Reason: reason, Err: err, Status: l.status}
	l.mu.Unlock()

	l.logger.Info().Str("reason", string(reason)).Int64("next_seq", l.cursor.Next()).Msg("tail stopped")
	l.transition(Update{State: StateStopped, Reason: reason, Err: err})
}

func (l *Loop) transition(u Update) {
	l.mu.Lock()
	l.state = u.State
	u.ExecutionID = l.cursor.ExecutionID()
	u.NextSeq = l.cursor.Next()
	u.Failures = l.failures
	u.Status = l.status
	l.mu.Unlock()

	if l.opts.OnUpdate != nil {
		l.opts.OnUpdate(u)
	}
}

func (l *Loop) resetFailures() {
	l.mu.Lock()
	l.failures = 0
	l.mu.Unlock()
}

func (l *Loop) isDraining() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.draining
}

func (l *Loop) lastStatus() models.ExecStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// Result returns the final outcome; it is zero until the loop stops.
func (l *Loop) Result() Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.result
}

// Handle controls a started loop.
type Handle struct {
	loop   *Loop
	cancel context.CancelFunc
	done   chan struct{}
}

func (h *Handle) Loop() *Loop { return h.loop }

// Cancel asks the loop to stop at its next suspension point.
func (h *Handle) Cancel() { h.cancel() }

// Done is closed once the loop goroutine has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the loop exits and returns its result.
func (h *Handle) Wait() Result {
	<-h.done
	return h.loop.Result()
}

// Stop cancels the loop and waits for it to exit.
func (h *Handle) Stop() Result {
	h.cancel()
	return h.Wait()
}
