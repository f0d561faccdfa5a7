package tui

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mpataki/scriptrun/internal/client"
	"github.com/mpataki/scriptrun/internal/models"
	"github.com/mpataki/scriptrun/internal/storage"
	"github.com/mpataki/scriptrun/internal/tail"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	statusRunning   = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	statusSucceeded = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusFailed    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusCanceled  = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	statusQueued    = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))

	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))
)

func (a *App) View() string {
	switch a.view {
	case ViewModules:
		return a.viewModules()
	case ViewExecutions:
		return a.viewExecutions()
	case ViewPresets:
		return a.viewPresets()
	case ViewOutput:
		return a.viewOutput()
	case ViewHistory:
		return a.viewHistory()
	}
	return ""
}

func (a *App) viewError() string {
	if a.err == nil {
		return ""
	}
	var le *client.LaunchError
	if errors.As(a.err, &le) && le.Err != nil {
		return errorStyle.Render("Launch failed: "+le.Err.Error()) + "\n\n"
	}
	return errorStyle.Render(fmt.Sprintf("Error: %v", a.err)) + "\n\n"
}

func (a *App) viewModules() string {
	s := titleStyle.Render("scriptrun") + "\n\n"
	s += a.viewError()
	if a.notice != "" && a.err == nil {
		s += statusRunning.Render(a.notice) + "\n\n"
	}

	if len(a.modules) == 0 {
		s += "No modules available.\n"
	} else {
		s += "Modules\n"
		s += "───────\n"

		for i, m := range a.modules {
			line := fmt.Sprintf("%-24s %s", truncate(m.Name, 24), dimStyle.Render(truncate(m.Description, 50)))
			if m.Version > 0 {
				line = fmt.Sprintf("%-24s v%-3d %s", truncate(m.Name, 24), m.Version, dimStyle.Render(truncate(m.Description, 45)))
			}
			if i == a.selectedIdx {
				line = selectedStyle.Render("▶ " + line)
			} else {
				line = "  " + line
			}
			s += line + "\n"
		}
	}

	s += "\n" + helpStyle.Render("[enter] executions  [l] launch  [h] history  [r] refresh  [q] quit")

	return s
}

func (a *App) viewExecutions() string {
	if a.module == nil {
		return "No module selected"
	}

	s := titleStyle.Render("Module: "+a.module.Name) + "\n"
	if a.module.Description != "" {
		s += dimStyle.Render(a.module.Description) + "\n"
	}
	s += "\n"
	s += a.viewError()
	if a.notice != "" && a.err == nil {
		s += statusRunning.Render(a.notice) + "\n\n"
	}

	s += "Executions\n"
	s += "──────────\n"

	if len(a.executions) == 0 {
		s += "(no executions yet)\n"
	} else {
		for i, ex := range a.executions {
			line := a.formatExecutionLine(ex)
			if i == a.selectedExecIdx {
				line = selectedStyle.Render("▶ " + line)
			} else if ex.Status.IsTerminal() {
				line = "  " + dimStyle.Render(line)
			} else {
				line = "  " + line
			}
			s += line + "\n"
		}
	}

	s += "\n" + helpStyle.Render("[enter] follow output  [l] launch  [r] refresh  [esc] back")

	return s
}

func (a *App) formatExecutionLine(ex models.Execution) string {
	age := ""
	if ex.CreatedAt != nil {
		age = formatAge(ex.CreatedAt.Time)
	}

	duration := ""
	if ex.StartedAt != nil && ex.FinishedAt != nil {
		duration = formatDuration(ex.FinishedAt.Sub(ex.StartedAt.Time))
	} else if ex.StartedAt != nil && !ex.Status.IsTerminal() {
		duration = formatDuration(time.Since(ex.StartedAt.Time)) + "..."
	}

	line := fmt.Sprintf("%-10s %s  %-5s %8s", truncate(ex.ID.String(), 10), formatStatus(ex.Status), age, duration)
	if ex.ExitCode != nil {
		line += fmt.Sprintf("  exit:%d", *ex.ExitCode)
	}
	if ex.ErrorSummary != "" {
		line += "  " + truncate(ex.ErrorSummary, 40)
	}
	return line
}

func (a *App) viewPresets() string {
	if a.module == nil {
		return "No module selected"
	}

	s := titleStyle.Render("Launch "+a.module.Name) + "\n\n"

	entries := []string{"(no parameters)"}
	for _, p := range a.modulePresets {
		label := p.Name
		if p.IsScript() {
			label += dimStyle.Render(" [lua]")
		}
		if p.Description != "" {
			label += "  " + dimStyle.Render(truncate(p.Description, 50))
		}
		entries = append(entries, label)
	}

	for i, e := range entries {
		if i == a.selectedPresetIdx {
			s += selectedStyle.Render("▶ "+e) + "\n"
		} else {
			s += "  " + e + "\n"
		}
	}

	s += "\n" + helpStyle.Render("[enter] launch  [esc] cancel")

	return s
}

func (a *App) viewOutput() string {
	s := titleStyle.Render("Execution "+a.execID.String()) + "  " + a.tailStatus() + "\n\n"

	if a.service.Buffer().Len() == 0 {
		s += dimStyle.Render("(no output yet)") + "\n"
	} else {
		s += a.output.View() + "\n"
	}

	if a.showArts {
		s += "\nArtifacts\n"
		s += "─────────\n"
		if len(a.artifacts) == 0 {
			s += "(none)\n"
		}
		for _, art := range a.artifacts {
			s += fmt.Sprintf("  %-30s %10s  %s\n", truncate(art.Filename, 30), formatSize(art.SizeBytes), dimStyle.Render(art.URL))
		}
	}

	if a.err != nil {
		s += "\n" + a.viewError()
	}

	s += "\n" + helpStyle.Render("[↑/↓] scroll  [g/G] top/bottom  [a] artifacts  [s] stop  [esc] back")

	return s
}

// tailStatus renders the loop state: following, retrying, stopped on
// error, or finished with the execution's terminal status.
func (a *App) tailStatus() string {
	u := a.last
	switch {
	case u.State == tail.StateStopped:
		switch u.Reason {
		case tail.ReasonTerminal:
			return "finished: " + formatStatus(u.Status)
		case tail.ReasonError:
			msg := "stopped"
			if u.Err != nil {
				msg += ": " + u.Err.Error()
			}
			return statusFailed.Render("✗ " + msg)
		default:
			return dimStyle.Render("■ stopped")
		}

	case u.Degraded():
		msg := fmt.Sprintf("retrying (%d/%d)", u.Failures, a.opts.MaxRetries)
		if u.Err != nil {
			msg += ": " + truncate(u.Err.Error(), 60)
		}
		return a.spinner.View() + " " + statusCanceled.Render(msg)
	}

	label := "following"
	if u.Status != "" {
		label += " · " + string(u.Status)
	}
	return a.spinner.View() + " " + statusRunning.Render(label)
}

func (a *App) viewHistory() string {
	s := titleStyle.Render("Launch history") + "\n\n"
	s += a.viewError()

	if len(a.launches) == 0 {
		s += "No launches recorded yet.\n"
	} else {
		for i, l := range a.launches {
			name := l.ModuleName
			if name == "" {
				name = l.ModuleID.String()
			}
			line := fmt.Sprintf("%-10s %-20s %s  %-9s %s",
				truncate(l.ExecutionID.String(), 10), truncate(name, 20),
				formatStatus(l.Status), storage.FormatTimeAgo(l.LaunchedAt),
				labelStyle.Render(l.Identity))
			if l.Error != "" {
				line += "  " + errorStyle.Render(truncate(l.Error, 30))
			}
			if i == a.selectedLaunchIdx {
				line = selectedStyle.Render("▶ " + line)
			} else {
				line = "  " + line
			}
			s += line + "\n"
		}
	}

	s += "\n" + helpStyle.Render("[enter] follow output  [d] forget  [r] refresh  [esc] back")

	return s
}

func formatStatus(status models.ExecStatus) string {
	switch status {
	case models.ExecStatusRunning:
		return statusRunning.Render("● running")
	case models.ExecStatusSucceeded:
		return statusSucceeded.Render("✓ succeeded")
	case models.ExecStatusFailed:
		return statusFailed.Render("✗ failed")
	case models.ExecStatusTimeout:
		return statusFailed.Render("⏱ timeout")
	case models.ExecStatusCanceled:
		return statusCanceled.Render("⚠ canceled")
	case models.ExecStatusQueued:
		return statusQueued.Render("○ queued")
	default:
		return string(status)
	}
}

func formatAge(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "now"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		days := int(d.Hours() / 24)
		return fmt.Sprintf("%dd", days)
	}
}

func formatSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func truncate(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm%ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh%dm", h, m)
}
