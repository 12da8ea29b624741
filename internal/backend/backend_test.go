package backend

import (
	"strings"
	"testing"

	"github.com/hochfrequenz/batch-orchestrator/internal/domain"
)

func TestRequest_Encode(t *testing.T) {
	req := Request{
		Instructions: "Do the thing.",
		Context:      "It matters.",
		Constraints:  []string{"first rule", "second rule"},
	}
	got := req.Encode()

	want := "Do the thing.\n\nContext:\nIt matters.\n\nConstraints:\n- first rule\n- second rule\n"
	if got != want {
		t.Errorf("Encode() =\n%q\nwant\n%q", got, want)
	}
}

func TestRequest_Encode_Deterministic(t *testing.T) {
	req := Request{
		Instructions: "Do the thing.",
		Constraints:  []string{"a", "b"},
	}
	if req.Encode() != req.Encode() {
		t.Error("Encode() is not deterministic")
	}
}

func TestRequest_Encode_OmitsEmptySections(t *testing.T) {
	got := Request{Instructions: "Just this."}.Encode()
	if strings.Contains(got, "Context:") || strings.Contains(got, "Constraints:") {
		t.Errorf("Encode() included empty sections:\n%s", got)
	}
	if got != "Just this.\n" {
		t.Errorf("Encode() = %q", got)
	}
}

func TestBatchRequest(t *testing.T) {
	batch := &domain.Batch{
		ID:        "auth-core",
		Name:      "Authentication core",
		Rationale: "Everything else signs requests.",
	}
	req := BatchRequest("identity", batch, []string{"Add login endpoint", "Add token refresh"}, []string{"schema"})
	encoded := req.Encode()

	for _, want := range []string{
		`Implement the batch "Authentication core" from plan "identity".`,
		"1. Add login endpoint",
		"2. Add token refresh",
		"Batch id: auth-core.",
		"Rationale: Everything else signs requests.",
		"Completed dependencies: schema.",
		"Commit every change",
	} {
		if !strings.Contains(encoded, want) {
			t.Errorf("encoded request missing %q:\n%s", want, encoded)
		}
	}
}

func TestBatchRequest_NoDependencies(t *testing.T) {
	batch := &domain.Batch{ID: "b", Name: "B"}
	encoded := BatchRequest("s", batch, nil, nil).Encode()
	if !strings.Contains(encoded, "Completed dependencies: none.") {
		t.Errorf("encoded request missing none marker:\n%s", encoded)
	}
}

func TestConflictRequest(t *testing.T) {
	req := ConflictRequest("batch/auth-core-a1", "main",
		[]string{"api/auth.go", "api/auth_test.go"}, "Token refresh for the auth core.")
	encoded := req.Encode()

	for _, want := range []string{
		`merging branch "batch/auth-core-a1" into "main"`,
		"- api/auth.go",
		"- api/auth_test.go",
		"Work carried by the branch:\nToken refresh for the auth core.",
		"Do not abort the merge.",
		"do not commit",
	} {
		if !strings.Contains(encoded, want) {
			t.Errorf("encoded request missing %q:\n%s", want, encoded)
		}
	}
}

func TestConflictRequest_NoSpecText(t *testing.T) {
	encoded := ConflictRequest("b", "main", []string{"f"}, "").Encode()
	if strings.Contains(encoded, "Work carried by the branch") {
		t.Errorf("empty spec text rendered a section:\n%s", encoded)
	}
}

func TestSessionID_Deterministic(t *testing.T) {
	a := SessionID("run-1", "batch-a")
	b := SessionID("run-1", "batch-a")
	if a != b {
		t.Errorf("SessionID not stable: %s != %s", a, b)
	}
	if SessionID("run-1", "batch-b") == a {
		t.Error("SessionID collides across batches")
	}
	if SessionID("run-2", "batch-a") == a {
		t.Error("SessionID collides across runs")
	}
}
