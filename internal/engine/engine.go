// Package engine runs batch plans: it schedules ready batches onto
// isolated worktrees, hands them to a backend, and integrates finished
// branches back into the shared branch one at a time.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/hochfrequenz/batch-orchestrator/internal/backend"
	"github.com/hochfrequenz/batch-orchestrator/internal/config"
	"github.com/hochfrequenz/batch-orchestrator/internal/domain"
	"github.com/hochfrequenz/batch-orchestrator/internal/planstore"
	"github.com/hochfrequenz/batch-orchestrator/internal/reconcile"
	"github.com/hochfrequenz/batch-orchestrator/internal/runstore"
	"github.com/hochfrequenz/batch-orchestrator/internal/sandbox"
	"github.com/hochfrequenz/batch-orchestrator/internal/sessions"
	"github.com/hochfrequenz/batch-orchestrator/internal/taskstore"
	"github.com/hochfrequenz/batch-orchestrator/internal/worktree"
)

// Options control a single run.
type Options struct {
	// DryRun walks the plan without creating worktrees, invoking
	// backends, or merging. The run is still recorded in history.
	DryRun bool

	// ResumeFrom names a prior run whose completed batches are
	// carried forward instead of re-executed.
	ResumeFrom string

	// Serial forces one batch at a time regardless of plan strategy
	// and configured concurrency.
	Serial bool
}

// Engine executes plans for a configured repository.
type Engine struct {
	cfg      *config.Config
	sessions *sessions.Registry
	logger   *slog.Logger

	tasks  *taskstore.Store
	events func(Event)

	invoker backend.Invoker
	mode    domain.ExecutionMode
	probe   func(ctx context.Context, runtime string) error
}

func New(cfg *config.Config, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		sessions: sessions.NewRegistry(),
		logger:   logger,
	}
}

// SetTaskStore attaches the task database. Optional: without it the
// engine builds prompts from raw task ids and skips completion flips.
func (e *Engine) SetTaskStore(ts *taskstore.Store) { e.tasks = ts }

// SetEvents registers a progress callback. It is called from the
// coordination loop, so handlers must not block.
func (e *Engine) SetEvents(fn func(Event)) { e.events = fn }

// SetInvoker replaces capability selection and backend wiring with a
// fixed invoker, reported as the given mode. Used by tests.
func (e *Engine) SetInvoker(inv backend.Invoker, mode domain.ExecutionMode) {
	e.invoker = inv
	e.mode = mode
}

// Sessions exposes the live session registry.
func (e *Engine) Sessions() *sessions.Registry { return e.sessions }

// capability is the execution decision for one run: how backend work
// is invoked and which isolation mode that implies.
type capability struct {
	invoker backend.Invoker
	mode    domain.ExecutionMode
}

func (e *Engine) selectCapability(ctx context.Context, dryRun bool, logger *slog.Logger) (*capability, error) {
	if dryRun {
		return &capability{mode: domain.ModeNone}, nil
	}
	if e.invoker != nil {
		return &capability{invoker: e.invoker, mode: e.mode}, nil
	}
	sel := &sandbox.Selector{
		Runtime:    e.cfg.Sandbox.Runtime,
		Image:      e.cfg.Sandbox.Image,
		Memory:     e.cfg.Sandbox.Memory,
		PidsLimit:  e.cfg.Sandbox.PidsLimit,
		AllowLocal: e.cfg.Sandbox.AllowLocal,
		Policy:     sandbox.NewPolicy(e.cfg.Sandbox.AllowedPrograms, e.cfg.Sandbox.BlockedPatterns),
		Sessions:   e.sessions,
		Logger:     logger,
		Probe:      e.probe,
	}
	executor, err := sel.Select(ctx)
	if err != nil {
		return nil, err
	}
	return &capability{
		invoker: backend.NewCLI(e.cfg.Backend, executor, e.sessions, logger),
		mode:    executor.Mode(),
	}, nil
}

// Run executes the plan for spec and returns the finished run record.
// The record is returned even when the run fails or is aborted, so
// callers can report partial progress.
func (e *Engine) Run(ctx context.Context, spec string, opts Options) (*domain.Run, error) {
	logger := e.logger.With("spec", spec)

	planPath := e.cfg.PlanPath(spec)
	plan, err := planstore.Load(planPath)
	if err != nil {
		return nil, err
	}
	if err := planstore.Validate(plan); err != nil {
		return nil, err
	}

	store := runstore.New(e.cfg.HistoryPath(spec), spec, logger)

	run := &domain.Run{
		ID:        uuid.NewString(),
		Spec:      spec,
		Status:    domain.RunRunning,
		DryRun:    opts.DryRun,
		StartedAt: time.Now(),
	}

	var prior *domain.Run
	if opts.ResumeFrom != "" {
		prior, err = store.GetRun(opts.ResumeFrom)
		if err != nil {
			return nil, err
		}
		if !prior.Terminal() {
			if err := store.AbortRun(prior.ID, "superseded by resumed run"); err != nil {
				logger.Warn("could not abort stale run", "run", prior.ID, "error", err)
			}
		}
		run.ResumedFrom = prior.ID
	}

	// Seed results in plan order. Batches the prior run completed are
	// carried forward whole; everything else starts over from pending,
	// including partial work from failed attempts.
	for _, b := range plan.Batches {
		result := &domain.BatchResult{BatchID: b.ID, Name: b.Name, Status: domain.BatchPending}
		if prior != nil {
			if prev := prior.Result(b.ID); prev != nil && prev.Status == domain.BatchCompleted {
				carried := *prev
				result = &carried
			}
		}
		run.Batches = append(run.Batches, result)
	}
	run.Recount()

	// The capability decision is made once per run, before anything is
	// recorded, and stamped on the run itself.
	capa, err := e.selectCapability(ctx, opts.DryRun, logger)
	if err != nil {
		return nil, err
	}
	run.Mode = capa.mode

	if err := store.CreateRun(run); err != nil {
		return nil, err
	}
	logger.Info("run started",
		"run", run.ID,
		"mode", run.Mode,
		"dry_run", opts.DryRun,
		"resumed_from", run.ResumedFrom,
		"batches", len(plan.Batches))

	if e.tasks != nil && !opts.DryRun {
		if err := e.tasks.SyncPlan(plan); err != nil {
			logger.Warn("task sync failed", "error", err)
		}
	}

	limit := int64(len(plan.Batches))
	if e.cfg.General.MaxConcurrent > 0 {
		limit = int64(e.cfg.General.MaxConcurrent)
	}
	if opts.Serial || plan.Strategy == domain.StrategySerial {
		limit = 1
	}
	if limit < 1 {
		limit = 1
	}

	r := &runner{
		eng:       e,
		cfg:       e.cfg,
		logger:    logger,
		plan:      plan,
		planPath:  planPath,
		store:     store,
		run:       run,
		capa:      capa,
		completed: run.CompletedSet(),
		scheduled: make(map[string]bool),
		sem:       semaphore.NewWeighted(limit),
		results:   make(chan *completion, len(plan.Batches)),
	}
	r.emit(EventRunStarted, "", string(run.Status), "")
	return r.loop(ctx)
}

// runner holds the per-run state of the coordination loop. All fields
// are owned by the loop goroutine; batch goroutines communicate only
// through the results channel.
type runner struct {
	eng    *Engine
	cfg    *config.Config
	logger *slog.Logger

	plan     *domain.Plan
	planPath string
	store    *runstore.Store
	run      *domain.Run
	capa     *capability

	worktrees  *worktree.Manager
	reconciler *reconcile.Reconciler

	completed map[string]bool
	scheduled map[string]bool
	sem       *semaphore.Weighted
	results   chan *completion
	cancel    context.CancelFunc

	failed   bool
	firstErr error
	aborted  bool
}

// completion is the sole message from a batch goroutine back to the
// coordination loop. A nil err means the backend finished cleanly; the
// branch has not been integrated yet.
type completion struct {
	batch *domain.Batch
	wt    *domain.Worktree
	err   error
}

func (r *runner) loop(ctx context.Context) (*domain.Run, error) {
	if !r.run.DryRun {
		r.worktrees = worktree.NewManager(
			r.cfg.RepoDir(),
			r.cfg.General.WorktreeDir,
			r.cfg.Git.SharedBranch,
			r.cfg.Git.Remote,
			r.logger,
		)
		r.reconciler = reconcile.New(r.cfg.RepoDir(), r.cfg.Git.SharedBranch, r.capa.invoker, r.logger)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.cancel = cancel

	done := ctx.Done()
	inflight := 0

	for {
		if !r.failed && !r.aborted {
			if ready := r.plan.Ready(r.completed, r.scheduled); len(ready) > 0 {
				// One head snapshot per scheduling pass. Merges only
				// land between passes, so batches unblocked together
				// branch from the same commit; later waves see their
				// dependencies' merged work.
				base, err := r.headForPass(runCtx)
				if err != nil {
					r.failed = true
					r.firstErr = err
					r.cancel()
				} else {
					for _, b := range ready {
						if !r.sem.TryAcquire(1) {
							break
						}
						r.scheduled[b.ID] = true
						inflight++
						r.markRunning(b)
						go r.execute(runCtx, b, base)
					}
				}
			}
		}

		if inflight == 0 {
			if r.failed || r.aborted {
				break
			}
			if len(r.completed) == len(r.plan.Batches) {
				break
			}
			// Validation rejects cycles and dangling dependencies up
			// front, so this only fires if the plan document changed
			// under a running engine.
			r.failed = true
			r.firstErr = domain.Errorf(domain.KindGraph, "engine.run",
				"no runnable batches: %d of %d still pending", len(r.plan.Batches)-len(r.completed), len(r.plan.Batches))
			break
		}

		select {
		case c := <-r.results:
			inflight--
			r.sem.Release(1)
			r.handleCompletion(runCtx, c)
		case <-done:
			// Keep draining completions so in-flight goroutines can
			// report before the run is marked aborted.
			r.aborted = true
			r.cancel()
			done = nil
		}
	}

	return r.finish(ctx)
}

// headForPass resolves the shared branch head for one scheduling pass.
// Dry runs touch no repository and use no base.
func (r *runner) headForPass(ctx context.Context) (string, error) {
	if r.run.DryRun {
		return "", nil
	}
	return r.worktrees.HeadCommit(ctx)
}

// execute runs one batch attempt in its own goroutine. It never
// touches run history or the shared branch; outcomes travel back to
// the loop as a completion.
func (r *runner) execute(ctx context.Context, b *domain.Batch, base string) {
	if r.run.DryRun {
		r.results <- &completion{batch: b}
		return
	}

	attemptID := uuid.NewString()[:8]
	wt, err := r.worktrees.Create(ctx, b.ID, attemptID, base)
	if err != nil {
		r.results <- &completion{batch: b, err: r.noteCancel(ctx, err)}
		return
	}
	wt.Status = domain.WorktreeInUse

	req := backend.BatchRequest(r.plan.Spec, b, r.taskLines(b), b.DependsOn)
	inv := backend.Invocation{
		Backend:   r.plan.BackendFor(b),
		Workdir:   wt.Path,
		Mount:     wt.Path,
		RunID:     r.run.ID,
		BatchID:   b.ID,
		AttemptID: attemptID,
	}

	started := time.Now()
	res, err := r.capa.invoker.Invoke(ctx, req, inv)
	r.recordInvocation(inv, started, res, err)
	if err != nil {
		r.results <- &completion{batch: b, wt: wt, err: r.noteCancel(ctx, err)}
		return
	}
	r.results <- &completion{batch: b, wt: wt}
}

// noteCancel marks errors caused by run cancellation so history shows
// the batch was interrupted rather than broken.
func (r *runner) noteCancel(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("cancelled: %w", err)
	}
	return err
}

// handleCompletion integrates or records one finished batch. It runs
// on the loop goroutine, which makes it the single serialization point
// for merges, history writes, and task completion.
func (r *runner) handleCompletion(ctx context.Context, c *completion) {
	b := c.batch

	if c.err != nil {
		r.batchFailed(b, c.wt, c.err)
		return
	}

	if r.failed || r.aborted {
		// The backend finished after the run stopped. Its branch is
		// not integrated, so a resume re-executes the batch from the
		// then-current head.
		msg := "finished after run stopped"
		if c.wt != nil {
			msg = fmt.Sprintf("finished after run stopped; branch %s was not integrated", c.wt.Branch)
		}
		r.batchFailed(b, c.wt, domain.Errorf(domain.KindExecution, "engine.run", "%s", msg))
		return
	}

	now := time.Now()

	if r.run.DryRun {
		r.updateResult(b.ID, func(br *domain.BatchResult) {
			br.Status = domain.BatchCompleted
			br.FinishedAt = &now
		})
		r.completed[b.ID] = true
		r.logger.Info("batch walked", "batch", b.ID, "dry_run", true)
		r.emit(EventBatchCompleted, b.ID, string(domain.BatchCompleted), "")
		return
	}

	inv := backend.Invocation{
		Backend:   r.plan.BackendFor(b),
		RunID:     r.run.ID,
		BatchID:   b.ID,
		AttemptID: c.wt.AttemptID,
	}
	outcome, err := r.reconciler.Integrate(ctx, c.wt.Branch, batchSummary(b), inv)
	if err != nil {
		r.batchFailed(b, c.wt, err)
		return
	}

	c.wt.Status = domain.WorktreeReady
	if err := r.worktrees.Cleanup(ctx, c.wt); err != nil {
		r.logger.Warn("worktree cleanup failed", "batch", b.ID, "path", c.wt.Path, "error", err)
	}
	if r.eng.tasks != nil {
		if n, err := r.eng.tasks.MarkBatchComplete(r.plan.Spec, b.ID); err != nil {
			r.logger.Warn("task completion not recorded", "batch", b.ID, "error", err)
		} else if n > 0 {
			r.logger.Info("tasks completed", "batch", b.ID, "count", n)
		}
	}
	if err := planstore.MarkBatch(r.planPath, b.ID, domain.BatchCompleted, c.wt.Branch); err != nil {
		r.logger.Warn("plan document not updated", "batch", b.ID, "error", err)
	}

	r.updateResult(b.ID, func(br *domain.BatchResult) {
		br.Status = domain.BatchCompleted
		br.Branch = c.wt.Branch
		br.Merged = true
		br.FinishedAt = &now
	})
	r.completed[b.ID] = true
	r.logger.Info("batch completed",
		"batch", b.ID,
		"branch", c.wt.Branch,
		"merge", outcome.MergeCommit,
		"escalated", outcome.Escalated)
	r.emit(EventBatchCompleted, b.ID, string(domain.BatchCompleted), "")
}

func (r *runner) batchFailed(b *domain.Batch, wt *domain.Worktree, err error) {
	now := time.Now()
	r.updateResult(b.ID, func(br *domain.BatchResult) {
		br.Status = domain.BatchFailed
		br.Error = err.Error()
		br.FinishedAt = &now
		if wt != nil {
			br.Branch = wt.Branch
		}
	})

	if !r.run.DryRun {
		if err := planstore.MarkBatch(r.planPath, b.ID, domain.BatchFailed, ""); err != nil {
			r.logger.Warn("plan document not updated", "batch", b.ID, "error", err)
		}
	}

	// The worktree is kept so the failure can be inspected; a later
	// `worktrees clean` removes it.
	if wt != nil {
		r.logger.Warn("batch failed", "batch", b.ID, "worktree", wt.Path, "error", err)
	} else {
		r.logger.Warn("batch failed", "batch", b.ID, "error", err)
	}
	r.emit(EventBatchFailed, b.ID, string(domain.BatchFailed), err.Error())

	if !r.failed && !r.aborted {
		r.failed = true
		r.firstErr = err
		r.cancel()
	}
}

func (r *runner) markRunning(b *domain.Batch) {
	now := time.Now()
	r.updateResult(b.ID, func(br *domain.BatchResult) {
		br.Status = domain.BatchRunning
		br.StartedAt = &now
	})
	r.logger.Info("batch started", "batch", b.ID, "backend", r.plan.BackendFor(b))
	r.emit(EventBatchStarted, b.ID, string(domain.BatchRunning), "")
}

// updateResult applies one mutation to the in-memory run and to the
// persisted history document. History write failures are logged, not
// fatal: the run keeps going on in-memory state.
func (r *runner) updateResult(batchID string, mutate func(*domain.BatchResult)) {
	if br := r.run.Result(batchID); br != nil {
		mutate(br)
	}
	r.run.Recount()
	if err := r.store.UpdateRun(r.run.ID, func(run *domain.Run) {
		if br := run.Result(batchID); br != nil {
			mutate(br)
		}
	}); err != nil {
		r.logger.Warn("history write failed", "run", r.run.ID, "batch", batchID, "error", err)
	}
}

func (r *runner) finish(ctx context.Context) (*domain.Run, error) {
	now := time.Now()
	r.run.FinishedAt = &now

	if leaked := r.eng.sessions.DestroyRun(r.run.ID); len(leaked) > 0 {
		r.logger.Warn("cleared leaked sessions", "run", r.run.ID, "count", len(leaked))
	}

	switch {
	case r.aborted:
		r.run.Status = domain.RunAborted
		r.run.Error = "aborted: " + ctx.Err().Error()
		if err := r.store.AbortRun(r.run.ID, r.run.Error); err != nil {
			r.logger.Warn("history write failed", "run", r.run.ID, "error", err)
		}
		r.logger.Warn("run aborted", "run", r.run.ID,
			"completed", r.run.Summary.Completed, "failed", r.run.Summary.Failed, "total", r.run.Summary.Total)
		r.emit(EventRunFinished, "", string(r.run.Status), r.run.Error)
		return r.run, fmt.Errorf("run %s aborted: %w", r.run.ID, ctx.Err())

	case r.failed:
		r.run.Status = domain.RunFailed
		r.run.Error = r.firstErr.Error()
		if err := r.store.FailRun(r.run.ID, r.run.Error); err != nil {
			r.logger.Warn("history write failed", "run", r.run.ID, "error", err)
		}
		r.logger.Error("run failed", "run", r.run.ID,
			"completed", r.run.Summary.Completed, "failed", r.run.Summary.Failed, "total", r.run.Summary.Total,
			"error", r.firstErr)
		r.emit(EventRunFinished, "", string(r.run.Status), r.run.Error)
		return r.run, r.firstErr

	default:
		r.run.Status = domain.RunCompleted
		if err := r.store.CompleteRun(r.run.ID); err != nil {
			r.logger.Warn("history write failed", "run", r.run.ID, "error", err)
		}
		r.logger.Info("run completed", "run", r.run.ID,
			"completed", r.run.Summary.Completed, "total", r.run.Summary.Total)
		r.emit(EventRunFinished, "", string(r.run.Status), "")
		return r.run, nil
	}
}

// taskLines resolves a batch's task ids to display lines, falling back
// to the raw ids when no task store is attached or sync lagged.
func (r *runner) taskLines(b *domain.Batch) []string {
	if r.eng.tasks != nil {
		if lines, err := r.eng.tasks.TaskLines(r.plan.Spec, b.ID); err == nil && len(lines) > 0 {
			return lines
		}
	}
	return b.TaskIDs
}

func (r *runner) recordInvocation(inv backend.Invocation, started time.Time, res *sandbox.Result, err error) {
	if r.eng.tasks == nil {
		return
	}
	rec := &taskstore.Invocation{
		ID:        uuid.NewString(),
		RunID:     inv.RunID,
		BatchID:   inv.BatchID,
		AttemptID: inv.AttemptID,
		Backend:   inv.Backend,
		SessionID: backend.SessionID(inv.RunID, inv.BatchID),
		Mode:      string(r.capa.mode),
		StartedAt: started,
	}
	if res != nil {
		rec.ExitCode = res.ExitCode
		rec.Duration = res.Duration
	}
	if err != nil {
		rec.Error = err.Error()
	}
	if err := r.eng.tasks.SaveInvocation(rec); err != nil {
		r.logger.Warn("invocation not recorded", "batch", inv.BatchID, "error", err)
	}
}

func (r *runner) emit(typ EventType, batchID, status, errMsg string) {
	if r.eng.events == nil {
		return
	}
	r.eng.events(Event{
		Type:    typ,
		RunID:   r.run.ID,
		Spec:    r.run.Spec,
		BatchID: batchID,
		Status:  status,
		Error:   errMsg,
		Time:    time.Now(),
	})
}

// batchSummary is the work description handed to the conflict resolver
// when a merge escalates.
func batchSummary(b *domain.Batch) string {
	if b.Rationale == "" {
		return b.Name
	}
	return b.Name + ": " + b.Rationale
}
