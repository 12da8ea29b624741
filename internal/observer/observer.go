// Package observer derives read-only views over live runs: aggregate
// metrics for status surfaces and file watches for document changes.
package observer

import (
	"time"

	"github.com/hochfrequenz/batch-orchestrator/internal/domain"
)

// Stats computes aggregate metrics over recorded runs
type Stats struct {
	stuckThreshold time.Duration
}

// Metrics holds aggregated run counters
type Metrics struct {
	TotalRuns        int
	Completed        int
	Failed           int
	Aborted          int
	BatchesMerged    int
	AvgBatchDuration time.Duration
}

// NewStats creates a Stats with the given stuck-detection threshold
func NewStats(stuckThreshold time.Duration) *Stats {
	return &Stats{stuckThreshold: stuckThreshold}
}

// IsStuck reports whether a batch has been Running longer than the
// configured threshold.
func (s *Stats) IsStuck(br *domain.BatchResult) bool {
	if br.Status != domain.BatchRunning {
		return false
	}
	if br.StartedAt == nil {
		return false
	}
	return time.Since(*br.StartedAt) > s.stuckThreshold
}

// Aggregate computes metrics over a run history
func (s *Stats) Aggregate(runs []*domain.Run) Metrics {
	var m Metrics
	var totalDuration time.Duration
	var finished int

	for _, run := range runs {
		m.TotalRuns++
		switch run.Status {
		case domain.RunCompleted:
			m.Completed++
		case domain.RunFailed:
			m.Failed++
		case domain.RunAborted:
			m.Aborted++
		}
		for _, br := range run.Batches {
			if br.Merged {
				m.BatchesMerged++
			}
			if br.StartedAt != nil && br.FinishedAt != nil {
				totalDuration += br.FinishedAt.Sub(*br.StartedAt)
				finished++
			}
		}
	}

	if finished > 0 {
		m.AvgBatchDuration = totalDuration / time.Duration(finished)
	}
	return m
}

// RecentCompletions returns ids of batches that finished within the
// given window, across all runs.
func (s *Stats) RecentCompletions(runs []*domain.Run, since time.Duration) []string {
	cutoff := time.Now().Add(-since)
	var result []string

	for _, run := range runs {
		for _, br := range run.Batches {
			if br.Status != domain.BatchCompleted || br.FinishedAt == nil {
				continue
			}
			if br.FinishedAt.After(cutoff) {
				result = append(result, br.BatchID)
			}
		}
	}
	return result
}
