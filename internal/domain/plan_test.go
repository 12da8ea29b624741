package domain

import (
	"testing"
)

func TestValidBatchID(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"api-layer", true},
		{"b1", true},
		{"7zip", true},
		{"API", false},
		{"api_layer", false},
		{"-api", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ValidBatchID(tt.input); got != tt.want {
				t.Errorf("ValidBatchID(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestBatch_IsReady(t *testing.T) {
	completed := map[string]bool{"schema": true}

	b := Batch{
		ID:        "api-layer",
		DependsOn: []string{"schema"},
	}

	if !b.IsReady(completed) {
		t.Error("batch should be ready when dependencies are complete")
	}

	b.DependsOn = append(b.DependsOn, "auth")
	if b.IsReady(completed) {
		t.Error("batch should not be ready when dependencies are incomplete")
	}
}

func TestPlan_BackendFor(t *testing.T) {
	p := Plan{
		DefaultBackend: "claude",
		Batches: []*Batch{
			{ID: "a"},
			{ID: "b", Backend: "codex"},
		},
	}

	if got := p.BackendFor(p.Batch("a")); got != "claude" {
		t.Errorf("BackendFor(a) = %q, want %q", got, "claude")
	}
	if got := p.BackendFor(p.Batch("b")); got != "codex" {
		t.Errorf("BackendFor(b) = %q, want %q", got, "codex")
	}
}

func TestPlan_Ready(t *testing.T) {
	p := Plan{
		Batches: []*Batch{
			{ID: "a"},
			{ID: "b", DependsOn: []string{"a"}},
			{ID: "c", DependsOn: []string{"a"}},
			{ID: "d", DependsOn: []string{"b", "c"}},
		},
	}

	completed := map[string]bool{}
	skip := map[string]bool{}

	ready := p.Ready(completed, skip)
	if len(ready) != 1 || ready[0].ID != "a" {
		t.Fatalf("Ready() = %v, want [a]", batchIDs(ready))
	}

	completed["a"] = true
	skip["b"] = true

	ready = p.Ready(completed, skip)
	if len(ready) != 1 || ready[0].ID != "c" {
		t.Fatalf("Ready() = %v, want [c]", batchIDs(ready))
	}

	completed["b"] = true
	completed["c"] = true
	ready = p.Ready(completed, skip)
	if len(ready) != 1 || ready[0].ID != "d" {
		t.Fatalf("Ready() = %v, want [d]", batchIDs(ready))
	}
}

func batchIDs(batches []*Batch) []string {
	ids := make([]string, len(batches))
	for i, b := range batches {
		ids[i] = b.ID
	}
	return ids
}
