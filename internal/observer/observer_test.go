package observer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hochfrequenz/batch-orchestrator/internal/domain"
	"github.com/hochfrequenz/batch-orchestrator/internal/logging"
)

func TestStats_DetectStuck(t *testing.T) {
	stats := NewStats(5 * time.Minute)

	started := time.Now().Add(-10 * time.Minute)
	br := &domain.BatchResult{
		BatchID:   "core",
		Status:    domain.BatchRunning,
		StartedAt: &started,
	}

	if !stats.IsStuck(br) {
		t.Error("batch running for 10 minutes should be stuck")
	}
}

func TestStats_NotStuck(t *testing.T) {
	stats := NewStats(5 * time.Minute)

	started := time.Now().Add(-2 * time.Minute)
	br := &domain.BatchResult{
		BatchID:   "core",
		Status:    domain.BatchRunning,
		StartedAt: &started,
	}

	if stats.IsStuck(br) {
		t.Error("batch running for 2 minutes should not be stuck")
	}

	br.Status = domain.BatchCompleted
	old := time.Now().Add(-time.Hour)
	br.StartedAt = &old
	if stats.IsStuck(br) {
		t.Error("completed batch is never stuck")
	}
}

func TestStats_Aggregate(t *testing.T) {
	stats := NewStats(5 * time.Minute)

	now := time.Now()
	at := func(d time.Duration) *time.Time {
		ts := now.Add(d)
		return &ts
	}

	runs := []*domain.Run{
		{
			Status: domain.RunCompleted,
			Batches: []*domain.BatchResult{
				{BatchID: "a", Status: domain.BatchCompleted, Merged: true, StartedAt: at(-15 * time.Minute), FinishedAt: at(-10 * time.Minute)},
				{BatchID: "b", Status: domain.BatchCompleted, Merged: true, StartedAt: at(-10 * time.Minute), FinishedAt: at(0)},
			},
		},
		{
			Status: domain.RunFailed,
			Batches: []*domain.BatchResult{
				{BatchID: "a", Status: domain.BatchFailed},
			},
		},
	}

	m := stats.Aggregate(runs)
	if m.TotalRuns != 2 || m.Completed != 1 || m.Failed != 1 {
		t.Errorf("metrics = %+v", m)
	}
	if m.BatchesMerged != 2 {
		t.Errorf("BatchesMerged = %d, want 2", m.BatchesMerged)
	}
	if m.AvgBatchDuration != 7*time.Minute+30*time.Second {
		t.Errorf("AvgBatchDuration = %v, want 7m30s", m.AvgBatchDuration)
	}
}

func TestStats_RecentCompletions(t *testing.T) {
	stats := NewStats(5 * time.Minute)

	recent := time.Now().Add(-time.Minute)
	stale := time.Now().Add(-2 * time.Hour)
	runs := []*domain.Run{
		{Batches: []*domain.BatchResult{
			{BatchID: "fresh", Status: domain.BatchCompleted, FinishedAt: &recent},
			{BatchID: "old", Status: domain.BatchCompleted, FinishedAt: &stale},
			{BatchID: "broken", Status: domain.BatchFailed, FinishedAt: &recent},
		}},
	}

	got := stats.RecentCompletions(runs, time.Hour)
	if len(got) != 1 || got[0] != "fresh" {
		t.Errorf("RecentCompletions = %v, want [fresh]", got)
	}
}

func TestWatcher_ReportsDocumentChanges(t *testing.T) {
	root := t.TempDir()
	specDir := filepath.Join(root, "payments")
	if err := os.MkdirAll(specDir, 0755); err != nil {
		t.Fatal(err)
	}

	got := make(chan []Change, 1)
	w, err := NewWatcher(root, func(changes []Change) {
		select {
		case got <- changes:
		default:
		}
	}, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()
	w.SetDebounce(50 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	if err := os.WriteFile(filepath.Join(specDir, "plan.yaml"), []byte("spec: payments\n"), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case changes := <-got:
		if len(changes) != 1 {
			t.Fatalf("changes = %v, want one", changes)
		}
		c := changes[0]
		if c.Spec != "payments" || c.Kind != ChangePlan {
			t.Errorf("change = %+v, want payments/plan", c)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no change reported")
	}
}

func TestWatcher_IgnoresUnrelatedFiles(t *testing.T) {
	root := t.TempDir()
	specDir := filepath.Join(root, "payments")
	if err := os.MkdirAll(specDir, 0755); err != nil {
		t.Fatal(err)
	}

	got := make(chan []Change, 1)
	w, err := NewWatcher(root, func(changes []Change) {
		select {
		case got <- changes:
		default:
		}
	}, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()
	w.SetDebounce(50 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	if err := os.WriteFile(filepath.Join(specDir, "notes.md"), []byte("scratch\n"), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case changes := <-got:
		t.Fatalf("unexpected changes %v for unrelated file", changes)
	case <-time.After(300 * time.Millisecond):
	}
}
