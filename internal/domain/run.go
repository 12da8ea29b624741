package domain

import "time"

// Run represents a single execution attempt of a plan
type Run struct {
	ID          string         `yaml:"id" json:"id"`
	Spec        string         `yaml:"spec" json:"spec"`
	Status      RunStatus      `yaml:"status" json:"status"`
	DryRun      bool           `yaml:"dry_run,omitempty" json:"dryRun,omitempty"`
	Mode        ExecutionMode  `yaml:"mode,omitempty" json:"mode,omitempty"`
	ResumedFrom string         `yaml:"resumed_from,omitempty" json:"resumedFrom,omitempty"`
	StartedAt   time.Time      `yaml:"started_at" json:"startedAt"`
	FinishedAt  *time.Time     `yaml:"finished_at,omitempty" json:"finishedAt,omitempty"`
	Error       string         `yaml:"error,omitempty" json:"error,omitempty"`
	Summary     Summary        `yaml:"summary" json:"summary"`
	Batches     []*BatchResult `yaml:"batches" json:"batches"`
}

// BatchResult mirrors one batch's outcome within a specific run
type BatchResult struct {
	BatchID    string      `yaml:"id" json:"id"`
	Name       string      `yaml:"name" json:"name"`
	Status     BatchStatus `yaml:"status" json:"status"`
	Branch     string      `yaml:"branch,omitempty" json:"branch,omitempty"`
	Merged     bool        `yaml:"merged,omitempty" json:"merged,omitempty"`
	StartedAt  *time.Time  `yaml:"started_at,omitempty" json:"startedAt,omitempty"`
	FinishedAt *time.Time  `yaml:"finished_at,omitempty" json:"finishedAt,omitempty"`
	Error      string      `yaml:"error,omitempty" json:"error,omitempty"`
}

// Summary holds per-run batch counters
type Summary struct {
	Total     int `yaml:"total" json:"total"`
	Completed int `yaml:"completed" json:"completed"`
	Failed    int `yaml:"failed" json:"failed"`
}

// Result returns the result record for a batch id, or nil
func (r *Run) Result(batchID string) *BatchResult {
	for _, br := range r.Batches {
		if br.BatchID == batchID {
			return br
		}
	}
	return nil
}

// CompletedSet returns the ids of batches recorded Completed in this run
func (r *Run) CompletedSet() map[string]bool {
	done := make(map[string]bool)
	for _, br := range r.Batches {
		if br.Status == BatchCompleted {
			done[br.BatchID] = true
		}
	}
	return done
}

// Recount refreshes the summary counters from the batch results
func (r *Run) Recount() {
	s := Summary{Total: len(r.Batches)}
	for _, br := range r.Batches {
		switch br.Status {
		case BatchCompleted:
			s.Completed++
		case BatchFailed:
			s.Failed++
		}
	}
	r.Summary = s
}

// Terminal reports whether the run has reached a final status
func (r *Run) Terminal() bool {
	switch r.Status {
	case RunCompleted, RunFailed, RunAborted:
		return true
	}
	return false
}
