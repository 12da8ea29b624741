package domain

import "regexp"

var batchIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// ValidBatchID reports whether id is usable as a batch identifier.
// The charset keeps worktree directory names of the form
// <batchId>_<attemptId> parseable, since ids can never contain "_".
func ValidBatchID(id string) bool {
	return batchIDPattern.MatchString(id)
}

// Batch is one schedulable node of a plan: a named group of tasks that
// executes in its own worktree once every dependency has completed.
type Batch struct {
	ID        string      `yaml:"id" json:"id"`
	Name      string      `yaml:"name" json:"name"`
	TaskIDs   []string    `yaml:"tasks,omitempty" json:"tasks,omitempty"`
	DependsOn []string    `yaml:"depends_on,omitempty" json:"dependsOn,omitempty"`
	Status    BatchStatus `yaml:"status,omitempty" json:"status,omitempty"`
	Branch    string      `yaml:"branch,omitempty" json:"branch,omitempty"`
	Backend   string      `yaml:"backend,omitempty" json:"backend,omitempty"`
	Rationale string      `yaml:"rationale,omitempty" json:"rationale,omitempty"`
}

// IsReady returns true if all dependencies are in the completed set
func (b *Batch) IsReady(completed map[string]bool) bool {
	for _, dep := range b.DependsOn {
		if !completed[dep] {
			return false
		}
	}
	return true
}

// Plan is the full dependency graph of batches for one spec. It is
// created once per spec and never restructured mid-run; execution only
// marks batch status and branch.
type Plan struct {
	Version        int      `yaml:"version" json:"version"`
	Spec           string   `yaml:"spec" json:"spec"`
	DefaultBackend string   `yaml:"default_backend,omitempty" json:"defaultBackend,omitempty"`
	Strategy       Strategy `yaml:"strategy,omitempty" json:"strategy,omitempty"`
	Batches        []*Batch `yaml:"batches" json:"batches"`
}

// Batch returns the batch with the given id, or nil
func (p *Plan) Batch(id string) *Batch {
	for _, b := range p.Batches {
		if b.ID == id {
			return b
		}
	}
	return nil
}

// BackendFor resolves the execution backend for a batch, falling back to
// the plan default.
func (p *Plan) BackendFor(b *Batch) string {
	if b.Backend != "" {
		return b.Backend
	}
	return p.DefaultBackend
}

// Ready returns the batches whose full dependency set is in the completed
// set, excluding batches that are already in the completed or skip sets.
func (p *Plan) Ready(completed, skip map[string]bool) []*Batch {
	var ready []*Batch
	for _, b := range p.Batches {
		if completed[b.ID] || skip[b.ID] {
			continue
		}
		if b.IsReady(completed) {
			ready = append(ready, b)
		}
	}
	return ready
}
