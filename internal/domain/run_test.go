package domain

import (
	"testing"
	"time"
)

func TestRun_Recount(t *testing.T) {
	r := Run{
		Batches: []*BatchResult{
			{BatchID: "a", Status: BatchCompleted},
			{BatchID: "b", Status: BatchFailed},
			{BatchID: "c", Status: BatchPending},
		},
	}

	r.Recount()

	if r.Summary.Total != 3 {
		t.Errorf("Total = %d, want 3", r.Summary.Total)
	}
	if r.Summary.Completed != 1 {
		t.Errorf("Completed = %d, want 1", r.Summary.Completed)
	}
	if r.Summary.Failed != 1 {
		t.Errorf("Failed = %d, want 1", r.Summary.Failed)
	}
}

func TestRun_CompletedSet(t *testing.T) {
	r := Run{
		Batches: []*BatchResult{
			{BatchID: "a", Status: BatchCompleted},
			{BatchID: "b", Status: BatchFailed},
		},
	}

	done := r.CompletedSet()
	if !done["a"] {
		t.Error("expected a in completed set")
	}
	if done["b"] {
		t.Error("did not expect b in completed set")
	}
}

func TestRun_Terminal(t *testing.T) {
	tests := []struct {
		status RunStatus
		want   bool
	}{
		{RunPending, false},
		{RunRunning, false},
		{RunCompleted, true},
		{RunFailed, true},
		{RunAborted, true},
	}

	for _, tt := range tests {
		r := Run{Status: tt.status, StartedAt: time.Now()}
		if got := r.Terminal(); got != tt.want {
			t.Errorf("Terminal() with status %q = %v, want %v", tt.status, got, tt.want)
		}
	}
}
