package tui

import (
	"context"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/mpataki/scriptrun/internal/models"
	"github.com/mpataki/scriptrun/internal/preset"
	"github.com/mpataki/scriptrun/internal/tail"
)

type View int

const (
	ViewModules View = iota
	ViewExecutions
	ViewPresets
	ViewOutput
	ViewHistory
)

// Service is what the TUI drives. *orchestrator.Orchestrator satisfies it.
type Service interface {
	ListModules(ctx context.Context) ([]models.Module, error)
	ListExecutions(ctx context.Context, moduleID models.ID) ([]models.Execution, error)
	ListArtifacts(ctx context.Context, id models.ID) ([]models.Artifact, error)
	Launch(ctx context.Context, moduleID models.ID, params map[string]any) (*models.Execution, *tail.Handle, error)
	Follow(ctx context.Context, executionID models.ID, sinceSeq int64) (*tail.Handle, error)
	Stop()
	Buffer() *tail.Buffer
	ListLaunches(limit int) ([]*models.Launch, error)
	ForgetLaunch(id models.ID) error
}

type Options struct {
	Identity   string
	MaxRetries int
}

// Forward returns an update callback that hands updates to the TUI. It
// never blocks the tail loop; an update dropped on a full channel is
// recovered from the loop itself on the next spinner tick.
func Forward(ch chan<- tail.Update) func(tail.Update) {
	return func(u tail.Update) {
		select {
		case ch <- u:
		default:
		}
	}
}

type App struct {
	service Service
	presets map[string]*preset.Preset
	updates <-chan tail.Update
	opts    Options

	view View

	modules     []models.Module
	selectedIdx int

	module          *models.Module
	executions      []models.Execution
	selectedExecIdx int

	modulePresets     []*preset.Preset
	selectedPresetIdx int

	// Live output
	handle    *tail.Handle
	execID    models.ID
	last      tail.Update
	outputFor View
	artifacts []models.Artifact
	showArts  bool
	output    viewport.Model
	spinner   spinner.Model
	// spinning is set while a spinner tick chain is scheduled.
	spinning bool

	launches          []*models.Launch
	selectedLaunchIdx int

	width  int
	height int
	err    error
	notice string
}

func NewApp(svc Service, presets map[string]*preset.Preset, updates <-chan tail.Update, opts Options) *App {
	spin := spinner.New()
	spin.Spinner = spinner.MiniDot
	spin.Style = statusRunning

	out := viewport.New(80, 20)

	return &App{
		service: svc,
		presets: presets,
		updates: updates,
		opts:    opts,
		view:    ViewModules,
		output:  out,
		spinner: spin,
	}
}

func (a *App) Init() tea.Cmd {
	return tea.Batch(a.loadModules, a.waitForUpdate(), a.tickCmd())
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (a *App) hasActiveExecutions() bool {
	for _, ex := range a.executions {
		if !ex.Status.IsTerminal() {
			return true
		}
	}
	return false
}

// tailActive reports whether the output view has a loop that has not
// stopped yet.
func (a *App) tailActive() bool {
	return a.handle != nil && a.last.State != tail.StateStopped
}

// startSpinner starts the spinner tick chain unless one is already
// scheduled.
func (a *App) startSpinner() tea.Cmd {
	if a.spinning {
		return nil
	}
	a.spinning = true
	return a.spinner.Tick
}

type tickMsg time.Time

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.output.Width = msg.Width
		a.output.Height = max(3, msg.Height-8)
		return a, nil

	case modulesLoadedMsg:
		a.modules = msg.modules
		a.err = msg.err
		if a.selectedIdx >= len(a.modules) {
			a.selectedIdx = max(0, len(a.modules)-1)
		}
		return a, nil

	case executionsLoadedMsg:
		a.err = msg.err
		if msg.err == nil {
			a.module = msg.module
			a.executions = msg.executions
			if a.selectedExecIdx >= len(a.executions) {
				a.selectedExecIdx = max(0, len(a.executions)-1)
			}
			a.view = ViewExecutions
		}
		return a, nil

	case tickMsg:
		// Refresh the execution list while anything in it is still running
		if a.view == ViewExecutions && a.module != nil && a.hasActiveExecutions() {
			return a, tea.Batch(a.loadExecutions(*a.module), a.tickCmd())
		}
		return a, a.tickCmd()

	case launchedMsg:
		if msg.err != nil {
			a.err = msg.err
			a.notice = ""
			return a, nil
		}
		a.err = nil
		a.startOutput(msg.execution.ID, msg.handle, ViewExecutions)
		return a, a.startSpinner()

	case followedMsg:
		if msg.err != nil {
			a.err = msg.err
			return a, nil
		}
		a.err = nil
		a.startOutput(msg.executionID, msg.handle, msg.from)
		return a, a.startSpinner()

	case tailUpdateMsg:
		a.applyUpdate(msg.update)
		return a, a.waitForUpdate()

	case spinner.TickMsg:
		if !a.tailActive() {
			a.spinning = false
			return a, nil
		}
		a.syncWithLoop()
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd

	case artifactsLoadedMsg:
		if msg.executionID != a.execID {
			return a, nil
		}
		a.err = msg.err
		a.artifacts = msg.artifacts
		a.showArts = msg.err == nil
		return a, nil

	case historyLoadedMsg:
		a.err = msg.err
		if msg.err == nil {
			a.launches = msg.launches
			if a.selectedLaunchIdx >= len(a.launches) {
				a.selectedLaunchIdx = max(0, len(a.launches)-1)
			}
			a.view = ViewHistory
		}
		return a, nil

	case launchForgottenMsg:
		a.err = msg.err
		return a, a.loadHistory
	}

	if a.view == ViewOutput {
		var cmd tea.Cmd
		a.output, cmd = a.output.Update(msg)
		return a, cmd
	}
	return a, nil
}

func (a *App) startOutput(id models.ID, h *tail.Handle, from View) {
	a.handle = h
	a.execID = id
	a.last = tail.Update{ExecutionID: id, State: tail.StateWaiting}
	a.outputFor = from
	a.artifacts = nil
	a.showArts = false
	a.notice = ""
	// The loop may already have appended output before this message arrived
	a.output.SetContent(a.service.Buffer().Text())
	a.output.GotoBottom()
	a.view = ViewOutput
}

// applyUpdate folds a loop update into the output view. Updates from a
// superseded loop are ignored.
func (a *App) applyUpdate(u tail.Update) {
	if a.handle == nil || u.ExecutionID != a.execID {
		return
	}
	a.last = u
	if len(u.Chunks) > 0 || u.State == tail.StateStopped {
		a.refreshOutput()
	}
}

// syncWithLoop recovers a stop the update channel may have dropped.
func (a *App) syncWithLoop() {
	if a.handle == nil {
		return
	}
	select {
	case <-a.handle.Done():
	default:
		return
	}
	res := a.handle.Loop().Result()
	a.last.State = tail.StateStopped
	a.last.Reason = res.Reason
	a.last.Err = res.Err
	if res.Status != "" {
		a.last.Status = res.Status
	}
	a.refreshOutput()
}

func (a *App) refreshOutput() {
	follow := a.output.AtBottom()
	a.output.SetContent(a.service.Buffer().Text())
	if follow {
		a.output.GotoBottom()
	}
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "ctrl+c" {
		a.service.Stop()
		return a, tea.Quit
	}

	switch a.view {
	case ViewModules:
		return a.handleModulesKey(msg)
	case ViewExecutions:
		return a.handleExecutionsKey(msg)
	case ViewPresets:
		return a.handlePresetsKey(msg)
	case ViewOutput:
		return a.handleOutputKey(msg)
	case ViewHistory:
		return a.handleHistoryKey(msg)
	}
	return a, nil
}

func (a *App) handleModulesKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q":
		a.service.Stop()
		return a, tea.Quit

	case "up", "k":
		if a.selectedIdx > 0 {
			a.selectedIdx--
		}

	case "down", "j":
		if a.selectedIdx < len(a.modules)-1 {
			a.selectedIdx++
		}

	case "enter":
		if m := a.selectedModule(); m != nil {
			a.selectedExecIdx = 0
			return a, a.loadExecutions(*m)
		}

	case "l":
		if m := a.selectedModule(); m != nil {
			a.module = m
			a.openPresets()
		}

	case "h":
		return a, a.loadHistory

	case "r":
		return a, a.loadModules
	}

	return a, nil
}

func (a *App) handleExecutionsKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewModules
		a.executions = nil
		a.selectedExecIdx = 0
		a.err = nil

	case "up", "k":
		if a.selectedExecIdx > 0 {
			a.selectedExecIdx--
		}

	case "down", "j":
		if a.selectedExecIdx < len(a.executions)-1 {
			a.selectedExecIdx++
		}

	case "enter":
		if len(a.executions) > 0 && a.selectedExecIdx < len(a.executions) {
			return a, a.follow(a.executions[a.selectedExecIdx].ID, ViewExecutions)
		}

	case "l":
		a.openPresets()

	case "r":
		if a.module != nil {
			return a, a.loadExecutions(*a.module)
		}
	}

	return a, nil
}

func (a *App) openPresets() {
	if a.module == nil {
		return
	}
	a.modulePresets = preset.ForModule(a.presets, a.module.ID)
	a.selectedPresetIdx = 0
	a.err = nil
	a.view = ViewPresets
}

func (a *App) handlePresetsKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	// Entry 0 launches without parameters
	count := len(a.modulePresets) + 1

	switch msg.String() {
	case "q", "esc":
		a.view = a.presetsReturnView()

	case "up", "k":
		if a.selectedPresetIdx > 0 {
			a.selectedPresetIdx--
		}

	case "down", "j":
		if a.selectedPresetIdx < count-1 {
			a.selectedPresetIdx++
		}

	case "enter":
		if a.module == nil {
			return a, nil
		}
		var p *preset.Preset
		if a.selectedPresetIdx > 0 {
			p = a.modulePresets[a.selectedPresetIdx-1]
		}
		a.notice = "launching " + a.module.Name + "..."
		a.view = a.presetsReturnView()
		return a, a.launch(*a.module, p)
	}

	return a, nil
}

// presetsReturnView is the view the picker was opened from.
func (a *App) presetsReturnView() View {
	if a.executions == nil {
		return ViewModules
	}
	return ViewExecutions
}

func (a *App) handleOutputKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.service.Stop()
		a.handle = nil
		a.view = a.outputFor
		if a.view == ViewExecutions && a.module != nil {
			return a, a.loadExecutions(*a.module)
		}
		if a.view == ViewHistory {
			return a, a.loadHistory
		}
		return a, nil

	case "s":
		a.service.Stop()
		a.syncWithLoop()
		return a, nil

	case "a":
		if a.showArts {
			a.showArts = false
			return a, nil
		}
		return a, a.loadArtifacts(a.execID)

	case "g":
		a.output.GotoTop()
		return a, nil

	case "G":
		a.output.GotoBottom()
		return a, nil
	}

	var cmd tea.Cmd
	a.output, cmd = a.output.Update(msg)
	return a, cmd
}

func (a *App) handleHistoryKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewModules
		a.err = nil

	case "up", "k":
		if a.selectedLaunchIdx > 0 {
			a.selectedLaunchIdx--
		}

	case "down", "j":
		if a.selectedLaunchIdx < len(a.launches)-1 {
			a.selectedLaunchIdx++
		}

	case "enter":
		if l := a.selectedLaunch(); l != nil {
			return a, a.follow(l.ExecutionID, ViewHistory)
		}

	case "d":
		if l := a.selectedLaunch(); l != nil {
			return a, a.forgetLaunch(l.ExecutionID)
		}

	case "r":
		return a, a.loadHistory
	}

	return a, nil
}

func (a *App) selectedModule() *models.Module {
	if len(a.modules) == 0 || a.selectedIdx >= len(a.modules) {
		return nil
	}
	m := a.modules[a.selectedIdx]
	return &m
}

func (a *App) selectedLaunch() *models.Launch {
	if len(a.launches) == 0 || a.selectedLaunchIdx >= len(a.launches) {
		return nil
	}
	return a.launches[a.selectedLaunchIdx]
}
