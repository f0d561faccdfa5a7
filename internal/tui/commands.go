package tui

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mpataki/scriptrun/internal/models"
	"github.com/mpataki/scriptrun/internal/preset"
	"github.com/mpataki/scriptrun/internal/tail"
)

const requestTimeout = 15 * time.Second

// Messages

type modulesLoadedMsg struct {
	modules []models.Module
	err     error
}

type executionsLoadedMsg struct {
	module     *models.Module
	executions []models.Execution
	err        error
}

type launchedMsg struct {
	execution *models.Execution
	handle    *tail.Handle
	err       error
}

type followedMsg struct {
	executionID models.ID
	handle      *tail.Handle
	from        View
	err         error
}

type tailUpdateMsg struct {
	update tail.Update
}

type artifactsLoadedMsg struct {
	executionID models.ID
	artifacts   []models.Artifact
	err         error
}

type historyLoadedMsg struct {
	launches []*models.Launch
	err      error
}

type launchForgottenMsg struct {
	executionID models.ID
	err         error
}

// Commands

func (a *App) loadModules() tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	modules, err := a.service.ListModules(ctx)
	return modulesLoadedMsg{modules: modules, err: err}
}

func (a *App) loadExecutions(m models.Module) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		execs, err := a.service.ListExecutions(ctx, m.ID)
		return executionsLoadedMsg{module: &m, executions: execs, err: err}
	}
}

func (a *App) launch(m models.Module, p *preset.Preset) tea.Cmd {
	identity := a.opts.Identity
	return func() tea.Msg {
		params := map[string]any{}
		if p != nil {
			resolved, err := p.Resolve(preset.Context{ModuleID: m.ID, ModuleName: m.Name, Identity: identity})
			if err != nil {
				return launchedMsg{err: err}
			}
			params = resolved
		}

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		ex, h, err := a.service.Launch(ctx, m.ID, params)
		return launchedMsg{execution: ex, handle: h, err: err}
	}
}

func (a *App) follow(id models.ID, from View) tea.Cmd {
	return func() tea.Msg {
		h, err := a.service.Follow(context.Background(), id, 0)
		return followedMsg{executionID: id, handle: h, from: from, err: err}
	}
}

func (a *App) waitForUpdate() tea.Cmd {
	if a.updates == nil {
		return nil
	}
	return func() tea.Msg {
		u, ok := <-a.updates
		if !ok {
			return nil
		}
		return tailUpdateMsg{update: u}
	}
}

func (a *App) loadArtifacts(id models.ID) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		arts, err := a.service.ListArtifacts(ctx, id)
		return artifactsLoadedMsg{executionID: id, artifacts: arts, err: err}
	}
}

func (a *App) loadHistory() tea.Msg {
	launches, err := a.service.ListLaunches(50)
	return historyLoadedMsg{launches: launches, err: err}
}

func (a *App) forgetLaunch(id models.ID) tea.Cmd {
	return func() tea.Msg {
		return launchForgottenMsg{executionID: id, err: a.service.ForgetLaunch(id)}
	}
}
