// Package runstore persists run history as one YAML document per spec,
// written atomically so a crash never leaves a torn file.
package runstore

import (
	"log/slog"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hochfrequenz/batch-orchestrator/internal/atomicfile"
	"github.com/hochfrequenz/batch-orchestrator/internal/domain"
)

const documentVersion = 1

type document struct {
	Version int           `yaml:"version"`
	Spec    string        `yaml:"spec"`
	Runs    []*domain.Run `yaml:"runs"` // newest first
}

// Store owns the run history document for one spec. It assumes a single
// writing process per plan; in-process access is serialized by the mutex.
type Store struct {
	path   string
	spec   string
	logger *slog.Logger

	mu sync.Mutex
}

// New creates a store for the given history document path
func New(path, spec string, logger *slog.Logger) *Store {
	return &Store{path: path, spec: spec, logger: logger}
}

// load reads the document, degrading to an empty history when the file is
// missing or corrupt. Degradation is logged, never surfaced: history must
// not take down an otherwise-working caller.
func (s *Store) load() *document {
	doc := &document{Version: documentVersion, Spec: s.spec}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("run history unreadable, starting empty", "path", s.path, "error", err)
		}
		return doc
	}

	if err := yaml.Unmarshal(data, doc); err != nil {
		s.logger.Warn("run history corrupt, starting empty", "path", s.path, "error", err)
		return &document{Version: documentVersion, Spec: s.spec}
	}
	if doc.Spec == "" {
		doc.Spec = s.spec
	}
	return doc
}

func (s *Store) save(doc *document) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return domain.WrapError(domain.KindPersistence, "history save", err, "encoding history for %s", s.spec)
	}
	if err := atomicfile.Write(s.path, data, 0644); err != nil {
		return domain.WrapError(domain.KindPersistence, "history save", err, "writing %s", s.path)
	}
	return nil
}

// CreateRun records a new run at the head of the history. It rejects the
// run when another run for this spec is still marked Running.
func (s *Store) CreateRun(run *domain.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.load()
	for _, r := range doc.Runs {
		if r.Status == domain.RunRunning && r.ID != run.ID {
			return domain.Errorf(domain.KindConcurrency, "history create",
				"run %s is already running for spec %s", r.ID, s.spec)
		}
	}

	doc.Runs = append([]*domain.Run{run}, doc.Runs...)
	return s.save(doc)
}

// GetRun returns the run with the given id
func (s *Store) GetRun(id string) (*domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.load().Runs {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, domain.Errorf(domain.KindConfiguration, "history get", "run %s not found for spec %s", id, s.spec)
}

// LatestRun returns the newest run, if any
func (s *Store) LatestRun() (*domain.Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	runs := s.load().Runs
	if len(runs) == 0 {
		return nil, false
	}
	return runs[0], true
}

// RunningRun returns the run currently marked Running, if any
func (s *Store) RunningRun() (*domain.Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.load().Runs {
		if r.Status == domain.RunRunning {
			return r, true
		}
	}
	return nil, false
}

// ListRuns returns all runs, newest first
func (s *Store) ListRuns() []*domain.Run {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.load().Runs
}

// UpdateRun applies a mutation to a run and persists the document. The
// run's summary counters are refreshed after the mutation.
func (s *Store) UpdateRun(id string, mutate func(*domain.Run)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.load()
	for _, r := range doc.Runs {
		if r.ID == id {
			mutate(r)
			r.Recount()
			return s.save(doc)
		}
	}
	return domain.Errorf(domain.KindConfiguration, "history update", "run %s not found for spec %s", id, s.spec)
}

// CompleteRun marks a run Completed
func (s *Store) CompleteRun(id string) error {
	return s.finish(id, domain.RunCompleted, "")
}

// FailRun marks a run Failed with its terminal error
func (s *Store) FailRun(id, errMsg string) error {
	return s.finish(id, domain.RunFailed, errMsg)
}

// AbortRun marks a run Aborted
func (s *Store) AbortRun(id, errMsg string) error {
	return s.finish(id, domain.RunAborted, errMsg)
}

func (s *Store) finish(id string, status domain.RunStatus, errMsg string) error {
	return s.UpdateRun(id, func(r *domain.Run) {
		r.Status = status
		if errMsg != "" {
			r.Error = errMsg
		}
		now := time.Now()
		r.FinishedAt = &now
	})
}
