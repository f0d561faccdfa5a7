package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/mpataki/scriptrun/internal/client"
	"github.com/mpataki/scriptrun/internal/config"
	"github.com/mpataki/scriptrun/internal/logging"
	"github.com/mpataki/scriptrun/internal/models"
	"github.com/mpataki/scriptrun/internal/orchestrator"
	"github.com/mpataki/scriptrun/internal/preset"
	"github.com/mpataki/scriptrun/internal/storage"
	"github.com/mpataki/scriptrun/internal/tail"
	"github.com/mpataki/scriptrun/internal/tui"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "scriptrun",
		Short:         "Launch and follow script executions",
		Long:          "scriptrun browses the modules of an execution service, launches them and tails their output live.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runTUI,
	}

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Config file (default $XDG_CONFIG_HOME/scriptrun/config.yaml)")
	flags.String("api", "", "Execution service base URL")
	flags.String("identity", "", "Identity sent as X-Demo-User")
	flags.String("log-level", "", "Log level (trace, debug, info, warn, error)")

	rootCmd.AddCommand(newModulesCommand())
	rootCmd.AddCommand(newExecutionsCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newLogsCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newArtifactsCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newForgetCommand())
	rootCmd.AddCommand(newPresetsCommand())

	return rootCmd
}

// loadConfig reads the config with the persistent flags applied on top.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	loader := config.NewLoader()

	flags := cmd.Flags()
	if path, _ := flags.GetString("config"); path != "" {
		loader.SetConfigFile(path)
	}
	if v, _ := flags.GetString("api"); v != "" {
		loader.Set("api.base_url", v)
	}
	if v, _ := flags.GetString("identity"); v != "" {
		loader.Set("api.identity", v)
	}
	if v, _ := flags.GetString("log-level"); v != "" {
		loader.Set("logging.level", v)
	}

	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func initLogging(cfg *config.Config) {
	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})
}

func newClient(cfg *config.Config) (*client.Client, error) {
	routes, err := client.RoutesFor(cfg.API.Routes)
	if err != nil {
		return nil, err
	}
	return client.New(cfg.API.BaseURL,
		client.Credentials{Identity: cfg.API.Identity, Token: cfg.API.Token},
		client.WithRoutes(routes),
		client.WithTimeout(cfg.API.Timeout),
	)
}

func tailOptions(cfg *config.Config) tail.Options {
	return tail.Options{
		ShortInterval: cfg.Tail.ShortInterval,
		LongInterval:  cfg.Tail.LongInterval,
		MaxBackoff:    cfg.Tail.MaxBackoff,
		MaxRetries:    cfg.Tail.MaxRetries,
	}
}

func identityOf(cfg *config.Config) string {
	return client.Credentials{Identity: cfg.API.Identity, Token: cfg.API.Token}.Principal()
}

// newOrchestrator wires client, journal and tail settings together.
func newOrchestrator(cfg *config.Config, onUpdate func(tail.Update)) (*orchestrator.Orchestrator, error) {
	c, err := newClient(cfg)
	if err != nil {
		return nil, err
	}

	if err := cfg.EnsureDataDir(); err != nil {
		return nil, err
	}
	store, err := storage.New(cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return orchestrator.New(c, store, orchestrator.Options{
		Identity: c.Credentials().Principal(),
		Tail:     tailOptions(cfg),
		OnUpdate: onUpdate,
	}), nil
}

func runTUI(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return err
	}

	// The screen belongs to the TUI; logs go to a file.
	logFile, err := logging.OpenFile(logging.Config{Level: cfg.Logging.Level}, cfg.LogFilePath())
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer logFile.Close()

	presets, err := preset.LoadAll(cfg.Presets.Dirs)
	if err != nil {
		return fmt.Errorf("failed to load presets: %w", err)
	}

	updates := make(chan tail.Update, 64)
	orch, err := newOrchestrator(cfg, tui.Forward(updates))
	if err != nil {
		return err
	}
	defer orch.Close()

	app := tui.NewApp(orch, presets, updates, tui.Options{
		Identity:   identityOf(cfg),
		MaxRetries: cfg.Tail.MaxRetries,
	})
	p := tea.NewProgram(app, tea.WithAltScreen())

	_, err = p.Run()
	return err
}

func newModulesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "modules",
		Short: "List the modules you can run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			initLogging(cfg)

			c, err := newClient(cfg)
			if err != nil {
				return err
			}

			modules, err := c.ListModules(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(modules) == 0 {
				fmt.Fprintln(out, "No modules available.")
				return nil
			}
			for _, m := range modules {
				version := ""
				if m.Version > 0 {
					version = fmt.Sprintf("v%d", m.Version)
				}
				fmt.Fprintf(out, "%-8s %-24s %-4s %s\n", m.ID, m.Name, version, m.Description)
			}
			return nil
		},
	}
}

func newExecutionsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "executions <module-id>",
		Short: "List executions of a module",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			initLogging(cfg)

			c, err := newClient(cfg)
			if err != nil {
				return err
			}

			execs, err := c.ListExecutions(cmd.Context(), models.ID(args[0]))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(execs) == 0 {
				fmt.Fprintln(out, "No executions yet.")
				return nil
			}
			for _, ex := range execs {
				printExecutionLine(out, &ex)
			}
			return nil
		},
	}
}

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <module-id>",
		Short: "Launch a module and follow its output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			moduleID := models.ID(args[0])
			pairs, _ := cmd.Flags().GetStringArray("param")
			presetName, _ := cmd.Flags().GetString("preset")
			noFollow, _ := cmd.Flags().GetBool("no-follow")

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			initLogging(cfg)

			overrides, err := preset.ParseOverrides(pairs)
			if err != nil {
				return err
			}

			params := overrides
			if presetName != "" {
				base, err := resolvePreset(cfg, presetName, moduleID)
				if err != nil {
					return err
				}
				params = preset.Merge(base, overrides)
			}

			out := cmd.OutOrStdout()
			orch, err := newOrchestrator(cfg, printChunks(out))
			if err != nil {
				return err
			}
			defer orch.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ex, h, err := orch.Launch(ctx, moduleID, params)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Launched execution %s\n", ex.ID)

			if noFollow {
				orch.Stop()
				fmt.Fprintln(out, ex.ID)
				return nil
			}
			return waitForTail(ctx, cmd.ErrOrStderr(), h)
		},
	}

	cmd.Flags().StringArrayP("param", "p", nil, "Parameter as key=value (repeatable)")
	cmd.Flags().String("preset", "", "Start from a named parameter preset")
	cmd.Flags().Bool("no-follow", false, "Print the execution id and exit without following output")
	return cmd
}

func resolvePreset(cfg *config.Config, name string, moduleID models.ID) (map[string]any, error) {
	presets, err := preset.LoadAll(cfg.Presets.Dirs)
	if err != nil {
		return nil, fmt.Errorf("failed to load presets: %w", err)
	}
	p, ok := presets[name]
	if !ok {
		return nil, fmt.Errorf("preset %q not found", name)
	}
	if p.Module != moduleID {
		return nil, fmt.Errorf("preset %q belongs to module %s, not %s", name, p.Module, moduleID)
	}
	return p.Resolve(preset.Context{ModuleID: moduleID, Identity: identityOf(cfg)})
}

// printChunks streams appended output to w as it arrives.
func printChunks(w io.Writer) func(tail.Update) {
	return func(u tail.Update) {
		for _, c := range u.Chunks {
			fmt.Fprint(w, c.Text)
		}
	}
}

// waitForTail blocks until the loop stops, stopping it on interrupt, and
// turns the outcome into the command's result.
func waitForTail(ctx context.Context, errOut io.Writer, h *tail.Handle) error {
	select {
	case <-h.Done():
	case <-ctx.Done():
		h.Stop()
	}

	res := h.Wait()
	switch res.Reason {
	case tail.ReasonTerminal:
		fmt.Fprintf(errOut, "Execution finished: %s\n", res.Status)
		if res.Status != models.ExecStatusSucceeded {
			return fmt.Errorf("execution %s", res.Status)
		}
		return nil
	case tail.ReasonError:
		return fmt.Errorf("stopped following output: %w", res.Err)
	default:
		fmt.Fprintln(errOut, "Stopped following output.")
		return nil
	}
}

func newLogsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs <execution-id>",
		Short: "Print and follow the output of an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			execID := models.ID(args[0])
			since, _ := cmd.Flags().GetInt64("since")
			once, _ := cmd.Flags().GetBool("once")
			moduleID, _ := cmd.Flags().GetString("module")

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			initLogging(cfg)

			out := cmd.OutOrStdout()

			if once {
				c, err := newClient(cfg)
				if err != nil {
					return err
				}
				outcome := tail.FetchStep(cmd.Context(), c, execID, since)
				if outcome.Err != nil {
					return outcome.Err
				}
				for _, chunk := range outcome.Chunks {
					fmt.Fprint(out, chunk.Text)
				}
				return nil
			}

			orch, err := newOrchestrator(cfg, printChunks(out))
			if err != nil {
				return err
			}
			defer orch.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if moduleID != "" {
				orch.Track(execID, models.ID(moduleID))
			}
			h, err := orch.Follow(ctx, execID, since)
			if err != nil {
				return err
			}
			return waitForTail(ctx, cmd.ErrOrStderr(), h)
		},
	}

	cmd.Flags().Int64("since", 0, "First sequence number to read")
	cmd.Flags().Bool("once", false, "Print what is available now and exit")
	cmd.Flags().String("module", "", "Module the execution belongs to (legacy routes read status from its listing)")
	return cmd
}

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <execution-id>",
		Short: "Show execution status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			initLogging(cfg)

			c, err := newClient(cfg)
			if err != nil {
				return err
			}

			execID := models.ID(args[0])
			if moduleID, _ := cmd.Flags().GetString("module"); moduleID != "" {
				c.TrackExecution(execID, models.ID(moduleID))
			}
			ex, err := c.GetExecution(cmd.Context(), execID)
			if errors.Is(err, client.ErrStatusUnavailable) {
				return fmt.Errorf("%w: pass --module with the legacy route layout", err)
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Execution %s\n", ex.ID)
			if ex.ModuleID != "" {
				fmt.Fprintf(out, "Module:   %s\n", ex.ModuleID)
			}
			fmt.Fprintf(out, "Status:   %s\n", ex.Status)
			if ex.CreatedAt != nil {
				fmt.Fprintf(out, "Created:  %s\n", ex.CreatedAt.Local().Format("2006-01-02 15:04:05"))
			}
			if ex.StartedAt != nil {
				fmt.Fprintf(out, "Started:  %s\n", ex.StartedAt.Local().Format("2006-01-02 15:04:05"))
			}
			if ex.FinishedAt != nil {
				fmt.Fprintf(out, "Finished: %s\n", ex.FinishedAt.Local().Format("2006-01-02 15:04:05"))
			}
			if ex.ExitCode != nil {
				fmt.Fprintf(out, "Exit:     %d\n", *ex.ExitCode)
			}
			if ex.ErrorSummary != "" {
				fmt.Fprintf(out, "Error:    %s\n", ex.ErrorSummary)
			}
			return nil
		},
	}

	cmd.Flags().String("module", "", "Module the execution belongs to (legacy routes read status from its listing)")
	return cmd
}

func newArtifactsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "artifacts <execution-id>",
		Short: "List files produced by an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			initLogging(cfg)

			c, err := newClient(cfg)
			if err != nil {
				return err
			}

			arts, err := c.ListArtifacts(cmd.Context(), models.ID(args[0]))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(arts) == 0 {
				fmt.Fprintln(out, "No artifacts.")
				return nil
			}
			for _, a := range arts {
				fmt.Fprintf(out, "%-32s %10d  %s\n", a.Filename, a.SizeBytes, a.URL)
			}
			return nil
		},
	}
}

func newHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List executions launched from this machine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			initLogging(cfg)

			if err := cfg.EnsureDataDir(); err != nil {
				return err
			}
			store, err := storage.New(cfg.DatabasePath())
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer store.Close()

			launches, err := store.ListLaunches(limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(launches) == 0 {
				fmt.Fprintln(out, "No launches recorded yet.")
				return nil
			}
			for _, l := range launches {
				name := l.ModuleName
				if name == "" {
					name = l.ModuleID.String()
				}
				fmt.Fprintf(out, "%-10s %-20s %-10s %-10s %s  %s\n",
					l.ExecutionID, name, l.Status, storage.FormatTimeAgo(l.LaunchedAt),
					l.Identity, formatParams(l.Parameters))
			}
			return nil
		},
	}

	cmd.Flags().IntP("limit", "n", 20, "Maximum number of launches to show")
	return cmd
}

func newForgetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "forget <execution-id>",
		Short: "Remove a launch from the local history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			initLogging(cfg)

			if err := cfg.EnsureDataDir(); err != nil {
				return err
			}
			store, err := storage.New(cfg.DatabasePath())
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer store.Close()

			if err := store.DeleteLaunch(models.ID(args[0])); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return fmt.Errorf("no launch %s in history", args[0])
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Forgot %s\n", args[0])
			return nil
		},
	}
}

func newPresetsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "presets",
		Short: "List parameter presets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			initLogging(cfg)

			presets, err := preset.LoadAll(cfg.Presets.Dirs)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(presets) == 0 {
				fmt.Fprintf(out, "No presets found in %s\n", strings.Join(cfg.Presets.Dirs, ", "))
				return nil
			}
			for _, p := range preset.Sorted(presets) {
				kind := "yaml"
				if p.IsScript() {
					kind = "lua"
				}
				fmt.Fprintf(out, "%-8s %-20s %-5s %s\n", p.Module, p.Name, kind, p.Description)
			}
			return nil
		},
	}
}

func printExecutionLine(w io.Writer, ex *models.Execution) {
	created := ""
	if ex.CreatedAt != nil {
		created = storage.FormatTimeAgo(ex.CreatedAt.Time)
	}
	line := fmt.Sprintf("%-10s %-10s %-10s", ex.ID, ex.Status, created)
	if ex.ExitCode != nil {
		line += fmt.Sprintf(" exit:%d", *ex.ExitCode)
	}
	if ex.ErrorSummary != "" {
		line += " " + ex.ErrorSummary
	}
	fmt.Fprintln(w, line)
}

func formatParams(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	parts := make([]string, 0, len(params))
	for k, v := range params {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	sort.Strings(parts)
	return strings.Join(parts, " ")
}
