package parser

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hochfrequenz/batch-orchestrator/internal/domain"
)

const sampleDoc = `---
spec: billing
---

# Tasks for the billing plan

Intro prose that belongs to no task.

## core

- [ ] core-models: Define ledger models [complexity: 3]
  Accounts, entries and balances.
  Double-entry invariants hold at all times.
- [x] Wire database migrations

## api

- [ ] REST endpoints for ledgers
`

func TestParseTasks(t *testing.T) {
	tasks, err := ParseTasks([]byte(sampleDoc), "billing")
	if err != nil {
		t.Fatalf("ParseTasks failed: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("parsed %d tasks, want 3", len(tasks))
	}

	first := tasks[0]
	if first.ID != "core-models" {
		t.Errorf("ID = %q, want explicit id", first.ID)
	}
	if first.Title != "Define ledger models" {
		t.Errorf("Title = %q, complexity marker not stripped", first.Title)
	}
	if first.Complexity != 3 {
		t.Errorf("Complexity = %d, want 3", first.Complexity)
	}
	if first.BatchID != "core" || first.Spec != "billing" {
		t.Errorf("placement = %s/%s", first.Spec, first.BatchID)
	}
	if first.Status != domain.TaskPending {
		t.Errorf("Status = %s, want pending", first.Status)
	}
	want := "Accounts, entries and balances.\nDouble-entry invariants hold at all times."
	if first.Description != want {
		t.Errorf("Description = %q, want %q", first.Description, want)
	}

	second := tasks[1]
	if second.ID != "core-2" {
		t.Errorf("derived ID = %q, want core-2", second.ID)
	}
	if second.Status != domain.TaskComplete {
		t.Errorf("checked task Status = %s, want complete", second.Status)
	}
	if second.Description != "" {
		t.Errorf("Description = %q, want empty", second.Description)
	}

	third := tasks[2]
	if third.ID != "api-1" || third.BatchID != "api" {
		t.Errorf("third task = %s in %s, want api-1 in api", third.ID, third.BatchID)
	}
}

func TestParseTasks_NoFrontmatter(t *testing.T) {
	doc := "## core\n\n- [ ] Only task\n"
	tasks, err := ParseTasks([]byte(doc), "billing")
	if err != nil {
		t.Fatalf("ParseTasks failed: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != "core-1" {
		t.Errorf("tasks = %+v", tasks)
	}
}

func TestParseTasks_SpecMismatch(t *testing.T) {
	doc := "---\nspec: payments\n---\n## core\n- [ ] x\n"
	_, err := ParseTasks([]byte(doc), "billing")
	if err == nil {
		t.Fatal("expected spec mismatch error")
	}
	if !domain.IsKind(err, domain.KindConfiguration) {
		t.Errorf("error kind = %v", err)
	}
	if !strings.Contains(err.Error(), "payments") {
		t.Errorf("error = %v, should name the other spec", err)
	}
}

func TestParseTasks_OutsideSection(t *testing.T) {
	doc := "- [ ] homeless task\n"
	_, err := ParseTasks([]byte(doc), "billing")
	if err == nil || !strings.Contains(err.Error(), "outside a batch section") {
		t.Errorf("err = %v", err)
	}
}

func TestParseTasks_DuplicateID(t *testing.T) {
	doc := "## core\n- [ ] first\n- [ ] core-1: second\n"
	_, err := ParseTasks([]byte(doc), "billing")
	if err == nil || !strings.Contains(err.Error(), `duplicate task id "core-1"`) {
		t.Errorf("err = %v", err)
	}
}

func TestParseTasks_ColonTitleIsNotAnID(t *testing.T) {
	doc := "## core\n- [ ] fix: handle nil plans\n"
	tasks, err := ParseTasks([]byte(doc), "billing")
	if err != nil {
		t.Fatal(err)
	}
	if tasks[0].ID != "core-1" || tasks[0].Title != "fix: handle nil plans" {
		t.Errorf("task = %s %q", tasks[0].ID, tasks[0].Title)
	}
}

func TestParseTaskFile_Missing(t *testing.T) {
	_, err := ParseTaskFile(filepath.Join(t.TempDir(), "tasks.md"), "billing")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !domain.IsKind(err, domain.KindConfiguration) {
		t.Errorf("error kind = %v", err)
	}
}

func TestParseTaskFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.md")
	if err := os.WriteFile(path, []byte(sampleDoc), 0644); err != nil {
		t.Fatal(err)
	}
	tasks, err := ParseTaskFile(path, "billing")
	if err != nil {
		t.Fatalf("ParseTaskFile failed: %v", err)
	}
	if len(tasks) != 3 {
		t.Errorf("parsed %d tasks, want 3", len(tasks))
	}
}

func TestParseFrontmatter_Passthrough(t *testing.T) {
	body := []byte("## core\n- [ ] x\n")
	fm, rest, err := ParseFrontmatter(body)
	if err != nil {
		t.Fatal(err)
	}
	if fm.Spec != "" {
		t.Errorf("Spec = %q, want empty", fm.Spec)
	}
	if string(rest) != string(body) {
		t.Errorf("content altered: %q", rest)
	}
}

func TestParseFrontmatter_Unterminated(t *testing.T) {
	body := []byte("---\nspec: billing\nno closing fence\n")
	fm, rest, err := ParseFrontmatter(body)
	if err != nil {
		t.Fatal(err)
	}
	if fm.Spec != "" || string(rest) != string(body) {
		t.Errorf("unterminated block should pass through, got %q / %q", fm.Spec, rest)
	}
}
