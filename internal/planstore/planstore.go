// Package planstore loads, validates and persists plan documents.
package planstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hochfrequenz/batch-orchestrator/internal/atomicfile"
	"github.com/hochfrequenz/batch-orchestrator/internal/domain"
)

// Load reads a plan document. A missing or malformed document is a
// configuration error: plans are authored, never synthesized here.
func Load(path string) (*domain.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, domain.Errorf(domain.KindConfiguration, "plan load", "plan document %s does not exist", path)
		}
		return nil, domain.WrapError(domain.KindConfiguration, "plan load", err, "reading %s", path)
	}

	var plan domain.Plan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, domain.WrapError(domain.KindConfiguration, "plan load", err, "malformed plan document %s", path)
	}

	if plan.Version == 0 {
		plan.Version = 1
	}
	if plan.Strategy == "" {
		plan.Strategy = domain.StrategyParallel
	}
	for _, b := range plan.Batches {
		if b.Status == "" {
			b.Status = domain.BatchPending
		}
	}

	return &plan, nil
}

// Save persists a plan document atomically
func Save(path string, plan *domain.Plan) error {
	data, err := yaml.Marshal(plan)
	if err != nil {
		return domain.WrapError(domain.KindPersistence, "plan save", err, "encoding plan %s", plan.Spec)
	}
	if err := atomicfile.Write(path, data, 0644); err != nil {
		return domain.WrapError(domain.KindPersistence, "plan save", err, "writing %s", path)
	}
	return nil
}

// MarkBatch records a batch's terminal status and branch on the plan
// document. Execution never restructures a plan; this is the only
// mutation it performs.
func MarkBatch(path, batchID string, status domain.BatchStatus, branch string) error {
	plan, err := Load(path)
	if err != nil {
		return err
	}
	b := plan.Batch(batchID)
	if b == nil {
		return domain.Errorf(domain.KindPersistence, "plan mark", "batch %q not in plan %s", batchID, plan.Spec)
	}
	b.Status = status
	if branch != "" {
		b.Branch = branch
	}
	return Save(path, plan)
}

// ListSpecs returns the spec names under root that carry a plan document,
// sorted. A missing root is an empty catalog, not an error.
func ListSpecs(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, domain.WrapError(domain.KindConfiguration, "plan list", err, "reading %s", root)
	}

	var specs []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(root, e.Name(), "plan.yaml")); err == nil {
			specs = append(specs, e.Name())
		}
	}
	sort.Strings(specs)
	return specs, nil
}

// Validate checks the plan's structure and dependency graph. Violations
// are graph errors and reject the plan before any execution begins.
func Validate(plan *domain.Plan) error {
	if plan.Spec == "" {
		return domain.Errorf(domain.KindConfiguration, "plan validate", "plan has no spec id")
	}

	seen := make(map[string]bool, len(plan.Batches))
	for _, b := range plan.Batches {
		if !domain.ValidBatchID(b.ID) {
			return domain.Errorf(domain.KindGraph, "plan validate", "invalid batch id %q (want lowercase letters, digits and hyphens)", b.ID)
		}
		if seen[b.ID] {
			return domain.Errorf(domain.KindGraph, "plan validate", "duplicate batch id %q", b.ID)
		}
		seen[b.ID] = true
	}

	for _, b := range plan.Batches {
		for _, dep := range b.DependsOn {
			if dep == b.ID {
				return domain.Errorf(domain.KindGraph, "plan validate", "batch %q depends on itself", b.ID)
			}
			if !seen[dep] {
				return domain.Errorf(domain.KindGraph, "plan validate", "batch %q depends on unknown batch %q", b.ID, dep)
			}
		}
	}

	if err := validateDAG(plan); err != nil {
		return err
	}
	return nil
}

// validateDAG runs Kahn's algorithm; when the sort cannot consume every
// node a cycle exists, and a DFS reconstructs one cycle path for the
// error message.
func validateDAG(plan *domain.Plan) error {
	if len(plan.Batches) == 0 {
		return nil
	}

	inDegree := make(map[string]int, len(plan.Batches))
	forward := make(map[string][]string)
	edges := make(map[string][]string, len(plan.Batches))

	for _, b := range plan.Batches {
		inDegree[b.ID] = 0
		edges[b.ID] = b.DependsOn
	}
	for _, b := range plan.Batches {
		for _, dep := range b.DependsOn {
			inDegree[b.ID]++
			forward[dep] = append(forward[dep], b.ID)
		}
	}

	var queue []string
	for _, b := range plan.Batches {
		if inDegree[b.ID] == 0 {
			queue = append(queue, b.ID)
		}
	}

	sorted := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted++

		for _, dependent := range forward[node] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if sorted == len(plan.Batches) {
		return nil
	}

	path := findCyclePath(plan, edges, inDegree)
	return domain.Errorf(domain.KindGraph, "plan validate", "circular dependency detected: %s", strings.Join(path, " -> "))
}

// findCyclePath finds a cycle among nodes with non-zero in-degree using
// DFS coloring.
func findCyclePath(plan *domain.Plan, edges map[string][]string, inDegree map[string]int) []string {
	const (
		white = 0 // unvisited
		gray  = 1 // in current path
		black = 2 // finished
	)

	color := make(map[string]int)
	parent := make(map[string]string)

	var cyclePath []string

	var dfs func(node string) bool
	dfs = func(node string) bool {
		color[node] = gray
		for _, dep := range edges[node] {
			if color[dep] == gray {
				cyclePath = []string{dep}
				current := node
				for current != dep {
					cyclePath = append(cyclePath, current)
					current = parent[current]
				}
				cyclePath = append(cyclePath, dep)
				for i, j := 0, len(cyclePath)-1; i < j; i, j = i+1, j-1 {
					cyclePath[i], cyclePath[j] = cyclePath[j], cyclePath[i]
				}
				return true
			}
			if color[dep] == white {
				parent[dep] = node
				if dfs(dep) {
					return true
				}
			}
		}
		color[node] = black
		return false
	}

	for _, b := range plan.Batches {
		if inDegree[b.ID] > 0 && color[b.ID] == white {
			if dfs(b.ID) {
				return cyclePath
			}
		}
	}

	return []string{fmt.Sprintf("(cycle among %d batches)", len(plan.Batches))}
}
