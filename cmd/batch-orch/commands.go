package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/batch-orchestrator/internal/config"
	"github.com/hochfrequenz/batch-orchestrator/internal/domain"
	"github.com/hochfrequenz/batch-orchestrator/internal/engine"
	"github.com/hochfrequenz/batch-orchestrator/internal/logging"
	"github.com/hochfrequenz/batch-orchestrator/internal/notify"
	"github.com/hochfrequenz/batch-orchestrator/internal/observer"
	"github.com/hochfrequenz/batch-orchestrator/internal/parser"
	"github.com/hochfrequenz/batch-orchestrator/internal/planstore"
	"github.com/hochfrequenz/batch-orchestrator/internal/runstore"
	"github.com/hochfrequenz/batch-orchestrator/internal/sandbox"
	"github.com/hochfrequenz/batch-orchestrator/internal/sessions"
	"github.com/hochfrequenz/batch-orchestrator/internal/taskstore"
	"github.com/hochfrequenz/batch-orchestrator/internal/worktree"
	"github.com/hochfrequenz/batch-orchestrator/tui"
)

var (
	runDryRun    bool
	runResume    string
	runSerial    bool
	historyLimit int
	tasksStatus  string
	servePort    int
)

var (
	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	failStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
)

func init() {
	runCmd := &cobra.Command{
		Use:   "run SPEC",
		Short: "Execute a batch plan",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "walk the plan without executing anything")
	runCmd.Flags().StringVar(&runResume, "resume", "", "resume from a prior run id, skipping its completed batches")
	runCmd.Flags().BoolVar(&runSerial, "serial", false, "run batches one at a time")
	rootCmd.AddCommand(runCmd)

	abortCmd := &cobra.Command{
		Use:   "abort SPEC",
		Short: "Mark the running run for a spec as aborted",
		Args:  cobra.ExactArgs(1),
		RunE:  runAbort,
	}
	rootCmd.AddCommand(abortCmd)

	statusCmd := &cobra.Command{
		Use:   "status [SPEC]",
		Short: "Show plan status",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runStatus,
	}
	rootCmd.AddCommand(statusCmd)

	historyCmd := &cobra.Command{
		Use:   "history SPEC",
		Short: "Show recorded runs for a spec",
		Args:  cobra.ExactArgs(1),
		RunE:  runHistory,
	}
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum number of runs to show")
	rootCmd.AddCommand(historyCmd)

	planCmd := &cobra.Command{
		Use:   "plan",
		Short: "Inspect plan documents",
	}
	planCmd.AddCommand(&cobra.Command{
		Use:   "validate SPEC",
		Short: "Validate a plan document and its dependency graph",
		Args:  cobra.ExactArgs(1),
		RunE:  runPlanValidate,
	})
	planCmd.AddCommand(&cobra.Command{
		Use:   "show SPEC",
		Short: "Show a plan document",
		Args:  cobra.ExactArgs(1),
		RunE:  runPlanShow,
	})
	rootCmd.AddCommand(planCmd)

	tasksCmd := &cobra.Command{
		Use:   "tasks SPEC",
		Short: "List tracked tasks for a spec",
		Args:  cobra.ExactArgs(1),
		RunE:  runTasks,
	}
	tasksCmd.Flags().StringVar(&tasksStatus, "status", "", "filter by status (pending, complete)")
	tasksCmd.AddCommand(&cobra.Command{
		Use:   "import SPEC",
		Short: "Import the spec's tasks document into the task store",
		Args:  cobra.ExactArgs(1),
		RunE:  runTasksImport,
	})
	rootCmd.AddCommand(tasksCmd)

	worktreesCmd := &cobra.Command{
		Use:   "worktrees",
		Short: "Manage batch worktrees",
	}
	worktreesCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List batch worktrees",
		RunE:  runWorktreesList,
	})
	worktreesCmd.AddCommand(&cobra.Command{
		Use:   "clean",
		Short: "Remove batch worktrees and their branches",
		RunE:  runWorktreesClean,
	})
	rootCmd.AddCommand(worktreesCmd)

	sandboxCmd := &cobra.Command{
		Use:   "sandbox",
		Short: "Inspect the execution sandbox",
	}
	sandboxCmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Probe isolation runtimes and report the selected mode",
		RunE:  runSandboxCheck,
	})
	rootCmd.AddCommand(sandboxCmd)

	tuiCmd := &cobra.Command{
		Use:   "tui",
		Short: "Launch the live dashboard",
		RunE:  runTUI,
	}
	rootCmd.AddCommand(tuiCmd)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API, document watcher and scheduled runs",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func loadConfig() (*config.Config, error) {
	return config.LoadWithLocalFallback(configPath)
}

func newLogger(cfg *config.Config) *slog.Logger {
	return logging.New(logging.Options{
		Level:  cfg.General.LogLevel,
		Format: cfg.General.LogFormat,
	})
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// openTaskStore returns nil when the database cannot be opened; task
// tracking is optional and never blocks a run.
func openTaskStore(cfg *config.Config, logger *slog.Logger) *taskstore.Store {
	ts, err := taskstore.New(cfg.DatabasePath())
	if err != nil {
		logger.Warn("task store unavailable", "path", cfg.DatabasePath(), "error", err)
		return nil
	}
	return ts
}

// newNotifier assembles the configured completion notifiers. With none
// configured it returns a no-op.
func newNotifier(cfg *config.Config) notify.Notifier {
	var senders []notify.Notifier
	if cfg.Notify.Desktop {
		senders = append(senders, notify.NewDesktopNotifier(true))
	}
	if cfg.Notify.Webhook != "" {
		senders = append(senders, notify.NewWebhookNotifier(cfg.Notify.Webhook))
	}
	if len(senders) == 0 {
		return notify.Noop{}
	}
	return notify.NewMulti(senders...)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx, stop := signalContext()
	defer stop()

	eng := engine.New(cfg, logger)
	if ts := openTaskStore(cfg, logger); ts != nil {
		defer ts.Close()
		eng.SetTaskStore(ts)
	}

	run, runErr := eng.Run(ctx, args[0], engine.Options{
		DryRun:     runDryRun,
		ResumeFrom: runResume,
		Serial:     runSerial,
	})
	if run != nil {
		if err := newNotifier(cfg).Send(notify.FromRun(run)); err != nil {
			logger.Warn("notification failed", "error", err)
		}
		printRun(run)
	}
	return runErr
}

func runAbort(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	spec := args[0]

	store := runstore.New(cfg.HistoryPath(spec), spec, logging.Discard())
	run, ok := store.RunningRun()
	if !ok {
		fmt.Printf("no running run recorded for %s\n", spec)
		return nil
	}

	if err := store.AbortRun(run.ID, "aborted manually"); err != nil {
		return err
	}
	fmt.Printf("run %s marked aborted\n", shortID(run.ID))
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if len(args) == 1 {
		return printSpecStatus(cfg, args[0])
	}

	specs, err := planstore.ListSpecs(cfg.PlansRoot())
	if err != nil {
		return err
	}
	if len(specs) == 0 {
		fmt.Printf("no plan documents under %s\n", cfg.PlansRoot())
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SPEC\tBATCHES\tLAST RUN\tSTATUS\tSTARTED")
	for _, spec := range specs {
		plan, err := planstore.Load(cfg.PlanPath(spec))
		if err != nil {
			fmt.Fprintf(w, "%s\t-\t-\tunreadable\t-\n", spec)
			continue
		}
		store := runstore.New(cfg.HistoryPath(spec), spec, logging.Discard())
		last, ok := store.LatestRun()
		if !ok {
			fmt.Fprintf(w, "%s\t%d\t-\t%s\t-\n", spec, len(plan.Batches), dimStyle.Render("never run"))
			continue
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s %s (%d/%d)\t%s\n",
			spec, len(plan.Batches), shortID(last.ID),
			runGlyph(last.Status), last.Status,
			last.Summary.Completed, last.Summary.Total,
			humanize.Time(last.StartedAt))
	}
	return w.Flush()
}

func printSpecStatus(cfg *config.Config, spec string) error {
	plan, err := planstore.Load(cfg.PlanPath(spec))
	if err != nil {
		return err
	}

	fmt.Printf("plan %s: %d batches, strategy %s\n", plan.Spec, len(plan.Batches), plan.Strategy)

	store := runstore.New(cfg.HistoryPath(spec), spec, logging.Discard())
	run, ok := store.LatestRun()
	if !ok {
		fmt.Println("no runs recorded")
		return nil
	}

	fmt.Printf("last run started %s\n", humanize.Time(run.StartedAt))
	printRun(run)

	stats := observer.NewStats(30 * time.Minute)
	for _, br := range run.Batches {
		if stats.IsStuck(br) {
			fmt.Println(warnStyle.Render(fmt.Sprintf(
				"warning: batch %s has been running for %s",
				br.BatchID, time.Since(*br.StartedAt).Round(time.Minute))))
		}
	}
	return nil
}

func printRun(run *domain.Run) {
	header := fmt.Sprintf("%s run %s: %s (%d/%d batches",
		runGlyph(run.Status), shortID(run.ID), run.Status,
		run.Summary.Completed, run.Summary.Total)
	if run.Summary.Failed > 0 {
		header += fmt.Sprintf(", %d failed", run.Summary.Failed)
	}
	header += ")"
	if run.DryRun {
		header += " [dry-run]"
	}
	if run.Mode != "" {
		header += fmt.Sprintf(" [mode %s]", run.Mode)
	}
	fmt.Println(header)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, br := range run.Batches {
		dur := "-"
		if br.StartedAt != nil && br.FinishedAt != nil {
			dur = br.FinishedAt.Sub(*br.StartedAt).Round(time.Second).String()
		}
		detail := br.Branch
		if br.Error != "" {
			detail = truncate(br.Error, 80)
		}
		fmt.Fprintf(w, "  %s %s\t%s\t%s\t%s\n", batchGlyph(br.Status), br.BatchID, br.Status, dur, detail)
	}
	w.Flush()

	if run.Error != "" {
		fmt.Println(failStyle.Render("error: " + run.Error))
	}
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	spec := args[0]

	store := runstore.New(cfg.HistoryPath(spec), spec, logging.Discard())
	runs := store.ListRuns()
	if len(runs) == 0 {
		fmt.Printf("no runs recorded for %s\n", spec)
		return nil
	}
	if historyLimit > 0 && len(runs) > historyLimit {
		runs = runs[:historyLimit]
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tSTATUS\tMODE\tBATCHES\tSTARTED\tDURATION\tNOTE")
	for _, run := range runs {
		mode := string(run.Mode)
		if mode == "" {
			mode = "-"
		}
		dur := "-"
		if run.FinishedAt != nil {
			dur = run.FinishedAt.Sub(run.StartedAt).Round(time.Second).String()
		}
		var notes []string
		if run.DryRun {
			notes = append(notes, "dry-run")
		}
		if run.ResumedFrom != "" {
			notes = append(notes, "resumed from "+shortID(run.ResumedFrom))
		}
		if run.Error != "" {
			notes = append(notes, truncate(run.Error, 48))
		}
		fmt.Fprintf(w, "%s %s\t%s\t%s\t%d/%d\t%s\t%s\t%s\n",
			runGlyph(run.Status), shortID(run.ID), run.Status, mode,
			run.Summary.Completed, run.Summary.Total,
			humanize.Time(run.StartedAt), dur, strings.Join(notes, "; "))
	}
	return w.Flush()
}

func runPlanValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	plan, err := planstore.Load(cfg.PlanPath(args[0]))
	if err != nil {
		return err
	}
	if err := planstore.Validate(plan); err != nil {
		return err
	}

	fmt.Printf("plan %s is valid (%d batches)\n", plan.Spec, len(plan.Batches))
	return nil
}

func runPlanShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	plan, err := planstore.Load(cfg.PlanPath(args[0]))
	if err != nil {
		return err
	}

	fmt.Printf("spec: %s\nstrategy: %s\n", plan.Spec, plan.Strategy)
	if plan.DefaultBackend != "" {
		fmt.Printf("default backend: %s\n", plan.DefaultBackend)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tDEPENDS ON\tBACKEND\tTASKS")
	for _, b := range plan.Batches {
		deps := strings.Join(b.DependsOn, ", ")
		if deps == "" {
			deps = "-"
		}
		backend := b.Backend
		if backend == "" {
			backend = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s %s\t%s\t%s\t%d\n",
			b.ID, truncate(b.Name, 32), batchGlyph(b.Status), b.Status, deps, backend, len(b.TaskIDs))
	}
	return w.Flush()
}

func runTasks(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := taskstore.New(cfg.DatabasePath())
	if err != nil {
		return err
	}
	defer store.Close()

	tasks, err := store.ListTasks(taskstore.ListOptions{
		Spec:   args[0],
		Status: domain.TaskStatus(tasksStatus),
	})
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Printf("no tracked tasks for %s\n", args[0])
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tBATCH\tSTATUS\tTITLE")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.ID, t.BatchID, t.Status, truncate(t.Title, 60))
	}
	return w.Flush()
}

func runTasksImport(cmd *cobra.Command, args []string) error {
	spec := args[0]
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	tasks, err := parser.ParseTaskFile(cfg.TasksPath(spec), spec)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Printf("no tasks found in %s\n", cfg.TasksPath(spec))
		return nil
	}

	// Cross-check sections against the plan when one is readable.
	if plan, err := planstore.Load(cfg.PlanPath(spec)); err == nil {
		known := make(map[string]bool, len(plan.Batches))
		for _, b := range plan.Batches {
			known[b.ID] = true
		}
		for _, task := range tasks {
			if !known[task.BatchID] {
				fmt.Println(warnStyle.Render(
					fmt.Sprintf("warning: task %s references batch %q missing from the plan", task.ID, task.BatchID)))
			}
		}
	}

	store, err := taskstore.New(cfg.DatabasePath())
	if err != nil {
		return err
	}
	defer store.Close()

	complete := 0
	for _, task := range tasks {
		if err := store.UpsertTask(task); err != nil {
			return err
		}
		if task.Status == domain.TaskComplete {
			complete++
		}
	}
	fmt.Printf("imported %d tasks for %s (%d marked complete)\n", len(tasks), spec, complete)
	return nil
}

func runWorktreesList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	mgr := worktree.NewManager(cfg.RepoDir(), cfg.General.WorktreeDir, cfg.Git.SharedBranch, cfg.Git.Remote, logging.Discard())
	trees, err := mgr.List(ctx)
	if err != nil {
		return err
	}
	if len(trees) == 0 {
		fmt.Println("no batch worktrees")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "BATCH\tATTEMPT\tBRANCH\tPATH")
	for _, wt := range trees {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", wt.BatchID, wt.AttemptID, wt.Branch, wt.Path)
	}
	return w.Flush()
}

func runWorktreesClean(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx, stop := signalContext()
	defer stop()

	mgr := worktree.NewManager(cfg.RepoDir(), cfg.General.WorktreeDir, cfg.Git.SharedBranch, cfg.Git.Remote, logger)
	trees, err := mgr.List(ctx)
	if err != nil {
		return err
	}

	removed := 0
	for _, wt := range trees {
		if err := mgr.Cleanup(ctx, wt); err != nil {
			logger.Warn("worktree cleanup failed", "path", wt.Path, "error", err)
			continue
		}
		removed++
	}

	fmt.Printf("removed %d of %d worktrees\n", removed, len(trees))
	return nil
}

func runSandboxCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx, stop := signalContext()
	defer stop()

	fmt.Printf("configured runtime: %s (image %s)\n", cfg.Sandbox.Runtime, cfg.Sandbox.Image)
	for _, rt := range []string{"docker", "podman"} {
		if err := sandbox.Available(ctx, rt); err != nil {
			fmt.Printf("  %s: %s\n", rt, dimStyle.Render("unavailable"))
		} else {
			fmt.Printf("  %s: %s\n", rt, okStyle.Render("ok"))
		}
	}

	selector := &sandbox.Selector{
		Runtime:    cfg.Sandbox.Runtime,
		Image:      cfg.Sandbox.Image,
		Memory:     cfg.Sandbox.Memory,
		PidsLimit:  cfg.Sandbox.PidsLimit,
		AllowLocal: cfg.Sandbox.AllowLocal,
		Policy:     sandbox.NewPolicy(cfg.Sandbox.AllowedPrograms, cfg.Sandbox.BlockedPatterns),
		Sessions:   sessions.NewRegistry(),
		Logger:     logger,
	}
	executor, err := selector.Select(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("runs would execute in mode: %s\n", executor.Mode())
	return nil
}

func runTUI(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := logging.Discard()

	source := func() tui.Snapshot {
		snap := tui.Snapshot{Taken: time.Now()}

		specs, err := planstore.ListSpecs(cfg.PlansRoot())
		if err != nil {
			snap.Err = err
			return snap
		}
		for _, spec := range specs {
			plan, err := planstore.Load(cfg.PlanPath(spec))
			if err != nil {
				snap.Err = err
				continue
			}
			store := runstore.New(cfg.HistoryPath(spec), spec, logger)
			snap.Specs = append(snap.Specs, tui.SpecView{
				Spec: spec,
				Plan: plan,
				Runs: store.ListRuns(),
			})
		}
		return snap
	}

	p := tea.NewProgram(tui.NewModel(source), tea.WithAltScreen())
	_, err = p.Run()
	return err
}

func runGlyph(status domain.RunStatus) string {
	switch status {
	case domain.RunCompleted:
		return okStyle.Render("✓")
	case domain.RunFailed:
		return failStyle.Render("✗")
	case domain.RunAborted:
		return warnStyle.Render("⊘")
	default:
		return okStyle.Render("●")
	}
}

func batchGlyph(status domain.BatchStatus) string {
	switch status {
	case domain.BatchCompleted:
		return okStyle.Render("✓")
	case domain.BatchFailed:
		return failStyle.Render("✗")
	case domain.BatchRunning:
		return okStyle.Render("●")
	default:
		return dimStyle.Render("○")
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if n <= 3 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
