package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/batch-orchestrator/internal/autorun"
	"github.com/hochfrequenz/batch-orchestrator/internal/config"
	"github.com/hochfrequenz/batch-orchestrator/internal/domain"
	"github.com/hochfrequenz/batch-orchestrator/internal/engine"
	"github.com/hochfrequenz/batch-orchestrator/internal/notify"
	"github.com/hochfrequenz/batch-orchestrator/internal/observer"
	"github.com/hochfrequenz/batch-orchestrator/internal/planstore"
	"github.com/hochfrequenz/batch-orchestrator/internal/runstore"
	"github.com/hochfrequenz/batch-orchestrator/web/api"
)

// documentView adapts the plan and history documents to the API's store
// interfaces.
type documentView struct {
	cfg    *config.Config
	logger *slog.Logger
}

func (v *documentView) Specs() ([]string, error) {
	return planstore.ListSpecs(v.cfg.PlansRoot())
}

func (v *documentView) Plan(spec string) (*domain.Plan, error) {
	return planstore.Load(v.cfg.PlanPath(spec))
}

func (v *documentView) Runs(spec string) ([]*domain.Run, error) {
	return v.store(spec).ListRuns(), nil
}

func (v *documentView) Run(spec, id string) (*domain.Run, error) {
	return v.store(spec).GetRun(id)
}

func (v *documentView) Running(spec string) (*domain.Run, bool) {
	return v.store(spec).RunningRun()
}

func (v *documentView) store(spec string) *runstore.Store {
	return runstore.New(v.cfg.HistoryPath(spec), spec, v.logger)
}

func runServe(cmd *cobra.Command, args []string) error {
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

	port := servePort
	if port == 0 {
		port = cfg.Web.Port
	}
	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, port)

	notifier := newNotifier(cfg)
	notifyDone := func(run *domain.Run) {
		if run == nil {
			return
		}
		if err := notifier.Send(notify.FromRun(run)); err != nil {
			logger.Warn("notification failed", "run", run.ID, "error", err)
		}
	}

	docs := &documentView{cfg: cfg, logger: logger}
	trigger := func(ctx context.Context, spec string, dryRun bool) (*domain.Run, error) {
		run, err := eng.Run(ctx, spec, engine.Options{DryRun: dryRun})
		notifyDone(run)
		return run, err
	}
	server := api.NewServer(docs, docs, eng.Sessions(), trigger, addr, logger)

	eng.SetEvents(func(e engine.Event) {
		server.Broadcast(api.Event{Type: string(e.Type), Data: e})
	})

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return server.Start(ctx)
	})

	watcher, err := observer.NewWatcher(cfg.PlansRoot(), func(changes []observer.Change) {
		server.Broadcast(api.Event{Type: "documents_changed", Data: changes})
	}, logger)
	if err != nil {
		logger.Warn("document watcher unavailable", "error", err)
	} else {
		watcher.Start(ctx)
		defer watcher.Stop()
	}

	if len(cfg.Schedules) > 0 {
		sched, err := autorun.New(cfg.Schedules, logger)
		if err != nil {
			return err
		}
		group.Go(func() error {
			return sched.Start(ctx, func(ctx context.Context, sc config.ScheduleConfig) error {
				run, err := eng.Run(ctx, sc.Spec, engine.Options{DryRun: sc.DryRun})
				notifyDone(run)
				return err
			})
		})
	}

	logger.Info("serve started", "addr", addr, "schedules", len(cfg.Schedules))

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
