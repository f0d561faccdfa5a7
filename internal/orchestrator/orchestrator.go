// Package orchestrator launches executions and owns the single active log
// tail. It also fronts the read-only directory calls and the local launch
// journal so the CLI and the TUI talk to one object.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mpataki/scriptrun/internal/logging"
	"github.com/mpataki/scriptrun/internal/models"
	"github.com/mpataki/scriptrun/internal/storage"
	"github.com/mpataki/scriptrun/internal/tail"
)

var ErrNoJournal = errors.New("launch journal is not configured")

// Backend is the execution service as seen by the orchestrator.
type Backend interface {
	tail.Source
	ListModules(ctx context.Context) ([]models.Module, error)
	ListExecutions(ctx context.Context, moduleID models.ID) ([]models.Execution, error)
	Launch(ctx context.Context, moduleID models.ID, params map[string]any) (*models.Execution, error)
	ListArtifacts(ctx context.Context, executionID models.ID) ([]models.Artifact, error)
}

// executionTracker is implemented by backends that need to know an
// execution's module to report its status.
type executionTracker interface {
	TrackExecution(id, moduleID models.ID)
}

type Options struct {
	// Identity is recorded with each journaled launch.
	Identity string
	Tail     tail.Options
	// OnUpdate receives every update of whichever loop is current.
	OnUpdate func(tail.Update)
}

type session struct {
	handle     *tail.Handle
	moduleID   models.ID
	journaled  models.ExecStatus
	journalRow bool
}

type Orchestrator struct {
	backend Backend
	store   *storage.Storage
	opts    Options
	buffer  *tail.Buffer
	logger  zerolog.Logger

	// launchMu serializes Launch and Follow so supersede is atomic.
	launchMu sync.Mutex

	mu          sync.Mutex
	current     *session
	moduleNames map[models.ID]string
}

// New builds an orchestrator. store may be nil, in which case nothing is
// journaled and the history calls return ErrNoJournal.
func New(backend Backend, store *storage.Storage, opts Options) *Orchestrator {
	return &Orchestrator{
		backend:     backend,
		store:       store,
		opts:        opts,
		buffer:      tail.NewBuffer(),
		logger:      logging.Component("orchestrator"),
		moduleNames: make(map[models.ID]string),
	}
}

// Buffer is the output of the current (or last) tailed execution.
func (o *Orchestrator) Buffer() *tail.Buffer {
	return o.buffer
}

// Current returns the handle of the active loop, or nil.
func (o *Orchestrator) Current() *tail.Handle {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil {
		return nil
	}
	return o.current.handle
}

// Launch submits a new execution of moduleID and starts tailing it. Any
// loop already running is stopped first. Failures are returned as
// *client.LaunchError and leave no loop running.
func (o *Orchestrator) Launch(ctx context.Context, moduleID models.ID, params map[string]any) (*models.Execution, *tail.Handle, error) {
	o.launchMu.Lock()
	defer o.launchMu.Unlock()

	o.stopCurrent()

	masked := logging.RedactMap(params)
	o.logger.Info().Str("module_id", moduleID.String()).Interface("parameters", masked).Msg("launching execution")

	ex, err := o.backend.Launch(ctx, moduleID, params)
	if err != nil {
		o.logger.Error().Err(err).Str("module_id", moduleID.String()).Msg("launch failed")
		return nil, nil, err
	}

	journaled := false
	if o.store != nil {
		err := o.store.CreateLaunch(&models.Launch{
			ExecutionID: ex.ID,
			ModuleID:    moduleID,
			ModuleName:  o.moduleName(moduleID),
			Identity:    o.opts.Identity,
			Parameters:  masked,
			Status:      ex.Status,
			LaunchedAt:  time.Now(),
		})
		if err != nil {
			o.logger.Warn().Err(err).Str("execution_id", ex.ID.String()).Msg("failed to journal launch")
		} else {
			journaled = true
		}
	}

	sess := &session{moduleID: moduleID, journaled: ex.Status, journalRow: journaled}
	h, err := o.start(ctx, sess, ex.ID, 0)
	if err != nil {
		return ex, nil, err
	}
	return ex, h, nil
}

// Follow attaches a loop to an existing execution, reading from sinceSeq.
// Any loop already running is stopped first.
func (o *Orchestrator) Follow(ctx context.Context, executionID models.ID, sinceSeq int64) (*tail.Handle, error) {
	if executionID == "" {
		return nil, fmt.Errorf("execution id is required")
	}

	o.launchMu.Lock()
	defer o.launchMu.Unlock()

	o.stopCurrent()

	sess := &session{}
	if o.store != nil {
		if l, err := o.store.GetLaunch(executionID); err == nil {
			sess.moduleID = l.ModuleID
			sess.journaled = l.Status
			sess.journalRow = true
		}
	}
	if sess.moduleID != "" {
		o.Track(executionID, sess.moduleID)
	}
	return o.start(ctx, sess, executionID, sinceSeq)
}

// Track tells the backend which module executionID belongs to, when the
// backend wants to know.
func (o *Orchestrator) Track(executionID, moduleID models.ID) {
	if t, ok := o.backend.(executionTracker); ok {
		t.TrackExecution(executionID, moduleID)
	}
}

func (o *Orchestrator) start(ctx context.Context, sess *session, executionID models.ID, sinceSeq int64) (*tail.Handle, error) {
	o.buffer.Reset()

	opts := o.opts.Tail
	opts.OnUpdate = func(u tail.Update) { o.observe(sess, u) }

	loop := tail.NewLoop(o.backend, tail.NewCursorAt(executionID, sinceSeq), o.buffer, opts)

	// The loop outlives the request that started it; its handle cancels it.
	h, err := loop.Start(context.WithoutCancel(ctx))
	if err != nil {
		return nil, err
	}
	sess.handle = h

	o.mu.Lock()
	o.current = sess
	o.mu.Unlock()
	return h, nil
}

// observe journals status changes of the session's execution and forwards
// the update.
func (o *Orchestrator) observe(sess *session, u tail.Update) {
	if sess.journalRow && o.store != nil {
		status := u.Status
		errMsg := ""
		if u.State == tail.StateStopped && u.Reason == tail.ReasonError && u.Err != nil {
			errMsg = u.Err.Error()
		}
		if (status != "" && status != sess.journaled) || errMsg != "" {
			if status == "" {
				status = sess.journaled
			}
			if err := o.store.UpdateLaunchStatus(u.ExecutionID, status, errMsg); err != nil {
				o.logger.Warn().Err(err).Str("execution_id", u.ExecutionID.String()).Msg("failed to journal status")
			} else {
				sess.journaled = status
			}
		}
	}

	if o.opts.OnUpdate != nil {
		o.opts.OnUpdate(u)
	}
}

// stopCurrent cancels the active loop and waits until it has stopped.
func (o *Orchestrator) stopCurrent() {
	o.mu.Lock()
	sess := o.current
	o.current = nil
	o.mu.Unlock()

	if sess == nil || sess.handle == nil {
		return
	}
	res := sess.handle.Stop()
	o.logger.Debug().Str("reason", string(res.Reason)).Msg("previous tail stopped")
}

// Stop stops the active loop, if any.
func (o *Orchestrator) Stop() {
	o.launchMu.Lock()
	defer o.launchMu.Unlock()
	o.stopCurrent()
}

func (o *Orchestrator) Close() error {
	o.Stop()
	if o.store != nil {
		return o.store.Close()
	}
	return nil
}

func (o *Orchestrator) moduleName(id models.ID) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.moduleNames[id]
}

// Directory

func (o *Orchestrator) ListModules(ctx context.Context) ([]models.Module, error) {
	modules, err := o.backend.ListModules(ctx)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	for _, m := range modules {
		o.moduleNames[m.ID] = m.Name
	}
	o.mu.Unlock()
	return modules, nil
}

func (o *Orchestrator) ListExecutions(ctx context.Context, moduleID models.ID) ([]models.Execution, error) {
	return o.backend.ListExecutions(ctx, moduleID)
}

func (o *Orchestrator) GetExecution(ctx context.Context, id models.ID) (*models.Execution, error) {
	return o.backend.GetExecution(ctx, id)
}

func (o *Orchestrator) ListArtifacts(ctx context.Context, id models.ID) ([]models.Artifact, error) {
	return o.backend.ListArtifacts(ctx, id)
}

// History

func (o *Orchestrator) ListLaunches(limit int) ([]*models.Launch, error) {
	if o.store == nil {
		return nil, ErrNoJournal
	}
	return o.store.ListLaunches(limit)
}

func (o *Orchestrator) GetLaunch(id models.ID) (*models.Launch, error) {
	if o.store == nil {
		return nil, ErrNoJournal
	}
	return o.store.GetLaunch(id)
}

// ForgetLaunch removes a journal entry. The execution on the backend is
// not affected.
func (o *Orchestrator) ForgetLaunch(id models.ID) error {
	if o.store == nil {
		return ErrNoJournal
	}
	if h := o.Current(); h != nil && h.Loop().Cursor().ExecutionID() == id {
		o.Stop()
	}
	return o.store.DeleteLaunch(id)
}
