// Package autorun triggers plan runs on cron schedules.
package autorun

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hochfrequenz/batch-orchestrator/internal/config"
	"github.com/hochfrequenz/batch-orchestrator/internal/domain"
)

// RunFunc starts one scheduled run. The scheduler only cares about
// success or failure; concurrent-run rejection is handled downstream
// by the run history store.
type RunFunc func(ctx context.Context, sched config.ScheduleConfig) error

// Scheduler fires configured schedules when their cron expression is due
type Scheduler struct {
	schedules map[string]config.ScheduleConfig
	parser    cron.Parser
	lastRun   map[string]time.Time
	running   map[string]bool
	mu        sync.RWMutex

	tick   time.Duration
	logger *slog.Logger
}

// New validates the given schedules and builds a Scheduler over them
func New(schedules []config.ScheduleConfig, logger *slog.Logger) (*Scheduler, error) {
	s := &Scheduler{
		schedules: make(map[string]config.ScheduleConfig),
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		lastRun:   make(map[string]time.Time),
		running:   make(map[string]bool),
		tick:      time.Minute,
		logger:    logger,
	}

	for _, sched := range schedules {
		if err := Validate(sched); err != nil {
			return nil, err
		}
		if _, dup := s.schedules[sched.Name]; dup {
			return nil, domain.Errorf(domain.KindConfiguration, "autorun", "duplicate schedule name %q", sched.Name)
		}
		s.schedules[sched.Name] = sched
	}

	return s, nil
}

// ParseCron parses a standard five-field cron expression
func ParseCron(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return parser.Parse(expr)
}

// Validate checks one schedule entry
func Validate(sched config.ScheduleConfig) error {
	if sched.Name == "" {
		return domain.Errorf(domain.KindConfiguration, "autorun", "schedule has no name")
	}
	if sched.Spec == "" {
		return domain.Errorf(domain.KindConfiguration, "autorun", "schedule %q has no spec", sched.Name)
	}
	if sched.Cron == "" {
		return domain.Errorf(domain.KindConfiguration, "autorun", "schedule %q has no cron expression", sched.Name)
	}
	if _, err := ParseCron(sched.Cron); err != nil {
		return domain.WrapError(domain.KindConfiguration, "autorun", err, "schedule %q has an invalid cron expression", sched.Name)
	}
	return nil
}

// NextRun returns the next time a schedule is due, or zero when unknown
func (s *Scheduler) NextRun(name string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sched, ok := s.schedules[name]
	if !ok {
		return time.Time{}
	}
	expr, err := s.parser.Parse(sched.Cron)
	if err != nil {
		return time.Time{}
	}
	return expr.Next(time.Now())
}

// ShouldRun reports whether a schedule is due and not already running
func (s *Scheduler) ShouldRun(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sched, ok := s.schedules[name]
	if !ok {
		return false
	}
	if s.running[name] {
		return false
	}

	expr, err := s.parser.Parse(sched.Cron)
	if err != nil {
		return false
	}

	last := s.lastRun[name]
	if last.IsZero() {
		last = time.Now().Add(-24 * time.Hour)
	}
	return time.Now().After(expr.Next(last))
}

// MarkRunning flags a schedule as in flight
func (s *Scheduler) MarkRunning(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[name] = true
}

// MarkComplete clears the in-flight flag and stamps the last run time
func (s *Scheduler) MarkComplete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[name] = false
	s.lastRun[name] = time.Now()
}

// Schedule returns a schedule by name
func (s *Scheduler) Schedule(name string) (config.ScheduleConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sched, ok := s.schedules[name]
	return sched, ok
}

// Names returns all schedule names, sorted
func (s *Scheduler) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.schedules))
	for name := range s.schedules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start drives the schedule loop until ctx is cancelled. Due schedules
// run in their own goroutine so a long run never delays the loop.
func (s *Scheduler) Start(ctx context.Context, run RunFunc) error {
	if len(s.schedules) == 0 {
		s.logger.Info("no schedules configured")
		<-ctx.Done()
		return ctx.Err()
	}

	s.logger.Info("schedule loop started", "schedules", len(s.schedules), "tick", s.tick)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, name := range s.Names() {
				if !s.ShouldRun(name) {
					continue
				}
				sched, _ := s.Schedule(name)
				s.MarkRunning(name)
				go func(sc config.ScheduleConfig) {
					defer s.MarkComplete(sc.Name)
					s.logger.Info("scheduled run starting",
						"schedule", sc.Name, "spec", sc.Spec, "dry_run", sc.DryRun)
					if err := run(ctx, sc); err != nil {
						s.logger.Error("scheduled run failed",
							"schedule", sc.Name, "spec", sc.Spec, "error", err)
					}
				}(sched)
			}
		}
	}
}
