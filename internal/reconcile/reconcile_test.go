package reconcile

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hochfrequenz/batch-orchestrator/internal/backend"
	"github.com/hochfrequenz/batch-orchestrator/internal/domain"
	"github.com/hochfrequenz/batch-orchestrator/internal/logging"
	"github.com/hochfrequenz/batch-orchestrator/internal/sandbox"
)

func setupGitRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	cmds := [][]string{
		{"git", "init"},
		{"git", "symbolic-ref", "HEAD", "refs/heads/main"},
		{"git", "config", "user.email", "test@test.com"},
		{"git", "config", "user.name", "Test"},
	}
	for _, args := range cmds {
		cmd := exec.Command(args[0], args[1:]...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("%v failed: %s", args, out)
		}
	}

	writeAndCommit(t, dir, "README.md", "# Test\n", "Initial commit")
	return dir
}

func git(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v failed: %s", args, out)
	}
	return strings.TrimSpace(string(out))
}

func writeAndCommit(t *testing.T, dir, file, content, msg string) {
	t.Helper()
	path := filepath.Join(dir, file)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	git(t, dir, "add", ".")
	git(t, dir, "commit", "-m", msg)
}

// branchWithChange creates a branch off main with one committed change and
// returns to main.
func branchWithChange(t *testing.T, dir, branch, file, content string) {
	t.Helper()
	git(t, dir, "checkout", "-b", branch, "main")
	writeAndCommit(t, dir, file, content, "Change on "+branch)
	git(t, dir, "checkout", "main")
}

// resolverFunc adapts a function to backend.Invoker for tests.
type resolverFunc func(ctx context.Context, req backend.Request, inv backend.Invocation) (*sandbox.Result, error)

func (f resolverFunc) Invoke(ctx context.Context, req backend.Request, inv backend.Invocation) (*sandbox.Result, error) {
	return f(ctx, req, inv)
}

func TestIntegrate_CleanMerge(t *testing.T) {
	dir := setupGitRepo(t)
	branchWithChange(t, dir, "batch/feature-a1", "feature.txt", "feature\n")

	r := New(dir, "main", nil, logging.Discard())
	outcome, err := r.Integrate(context.Background(), "batch/feature-a1", "", backend.Invocation{})
	if err != nil {
		t.Fatalf("Integrate() error = %v", err)
	}
	if !outcome.Merged {
		t.Error("Merged = false, want true")
	}
	if outcome.Escalated {
		t.Error("Escalated = true, want false")
	}

	// --no-ff guarantees a true merge commit even when fast-forward was
	// possible.
	parents := git(t, dir, "rev-list", "--parents", "-n", "1", "HEAD")
	if len(strings.Fields(parents)) != 3 {
		t.Errorf("HEAD is not a two-parent merge commit: %s", parents)
	}
	if outcome.MergeCommit != git(t, dir, "rev-parse", "HEAD") {
		t.Errorf("MergeCommit = %s, want HEAD", outcome.MergeCommit)
	}
}

func TestIntegrate_ConflictWithoutResolver(t *testing.T) {
	dir := setupGitRepo(t)
	branchWithChange(t, dir, "batch/a-1", "shared.txt", "from branch\n")
	writeAndCommit(t, dir, "shared.txt", "from main\n", "Main change")

	r := New(dir, "main", nil, logging.Discard())
	outcome, err := r.Integrate(context.Background(), "batch/a-1", "", backend.Invocation{})
	if domain.KindOf(err) != domain.KindIntegration {
		t.Fatalf("Integrate() error kind = %v, want %v", domain.KindOf(err), domain.KindIntegration)
	}
	if outcome.Merged {
		t.Error("Merged = true, want false")
	}
	if len(outcome.Conflicts) != 1 || outcome.Conflicts[0] != "shared.txt" {
		t.Errorf("Conflicts = %v, want [shared.txt]", outcome.Conflicts)
	}

	// The merge is left in place: unmerged entries and markers on disk.
	if git(t, dir, "ls-files", "-u") == "" {
		t.Error("merge was aborted, unmerged entries are gone")
	}
	data, _ := os.ReadFile(filepath.Join(dir, "shared.txt"))
	if !strings.Contains(string(data), "<<<<<<<") {
		t.Errorf("conflict markers missing from shared.txt:\n%s", data)
	}
}

func TestIntegrate_EscalationResolves(t *testing.T) {
	dir := setupGitRepo(t)
	branchWithChange(t, dir, "batch/a-1", "shared.txt", "from branch\n")
	writeAndCommit(t, dir, "shared.txt", "from main\n", "Main change")

	invocations := 0
	resolver := resolverFunc(func(_ context.Context, req backend.Request, inv backend.Invocation) (*sandbox.Result, error) {
		invocations++
		if inv.Workdir != dir {
			t.Errorf("resolver Workdir = %q, want repo %q", inv.Workdir, dir)
		}
		if !strings.Contains(req.Encode(), "shared.txt") {
			t.Errorf("resolver request does not name the conflicted file:\n%s", req.Encode())
		}
		if !strings.Contains(req.Encode(), "Shared file rework.") {
			t.Errorf("resolver request lost the spec text:\n%s", req.Encode())
		}
		// Resolve and stage, but do not commit.
		os.WriteFile(filepath.Join(dir, "shared.txt"), []byte("merged\n"), 0644)
		git(t, dir, "add", "shared.txt")
		return &sandbox.Result{}, nil
	})

	r := New(dir, "main", resolver, logging.Discard())
	outcome, err := r.Integrate(context.Background(), "batch/a-1", "Shared file rework.", backend.Invocation{BatchID: "a"})
	if err != nil {
		t.Fatalf("Integrate() error = %v", err)
	}
	if !outcome.Merged || !outcome.Escalated {
		t.Errorf("outcome = %+v, want merged and escalated", outcome)
	}
	if invocations != 1 {
		t.Errorf("resolver invoked %d times, want 1", invocations)
	}

	parents := git(t, dir, "rev-list", "--parents", "-n", "1", "HEAD")
	if len(strings.Fields(parents)) != 3 {
		t.Errorf("HEAD is not a two-parent merge commit: %s", parents)
	}
	data, _ := os.ReadFile(filepath.Join(dir, "shared.txt"))
	if string(data) != "merged\n" {
		t.Errorf("shared.txt = %q, want merged content", data)
	}
}

func TestIntegrate_EscalationLeavesConflicts(t *testing.T) {
	dir := setupGitRepo(t)
	branchWithChange(t, dir, "batch/a-1", "shared.txt", "from branch\n")
	writeAndCommit(t, dir, "shared.txt", "from main\n", "Main change")

	invocations := 0
	resolver := resolverFunc(func(context.Context, backend.Request, backend.Invocation) (*sandbox.Result, error) {
		invocations++
		return &sandbox.Result{}, nil // does nothing
	})

	r := New(dir, "main", resolver, logging.Discard())
	outcome, err := r.Integrate(context.Background(), "batch/a-1", "", backend.Invocation{})
	if domain.KindOf(err) != domain.KindIntegration {
		t.Fatalf("Integrate() error kind = %v, want %v", domain.KindOf(err), domain.KindIntegration)
	}
	if outcome.Merged {
		t.Error("Merged = true, want false")
	}
	if !outcome.Escalated {
		t.Error("Escalated = false, want true")
	}
	if invocations != 1 {
		t.Errorf("resolver invoked %d times, want exactly 1", invocations)
	}
	if git(t, dir, "ls-files", "-u") == "" {
		t.Error("merge state was discarded")
	}
}

func TestIntegrate_StagedMarkersRejected(t *testing.T) {
	dir := setupGitRepo(t)
	branchWithChange(t, dir, "batch/a-1", "shared.txt", "from branch\n")
	writeAndCommit(t, dir, "shared.txt", "from main\n", "Main change")

	// Stages the file without removing the markers.
	resolver := resolverFunc(func(context.Context, backend.Request, backend.Invocation) (*sandbox.Result, error) {
		git(t, dir, "add", "shared.txt")
		return &sandbox.Result{}, nil
	})

	r := New(dir, "main", resolver, logging.Discard())
	_, err := r.Integrate(context.Background(), "batch/a-1", "", backend.Invocation{})
	if domain.KindOf(err) != domain.KindIntegration {
		t.Fatalf("Integrate() error kind = %v, want %v", domain.KindOf(err), domain.KindIntegration)
	}
	if !strings.Contains(err.Error(), "conflict markers remain") {
		t.Errorf("error = %v, want marker complaint", err)
	}

	// No commit happened: HEAD is still the plain main-change commit.
	parents := git(t, dir, "rev-list", "--parents", "-n", "1", "HEAD")
	if len(strings.Fields(parents)) != 2 {
		t.Errorf("a merge commit was created despite markers: %s", parents)
	}
}

func TestIntegrate_UnknownBranch(t *testing.T) {
	dir := setupGitRepo(t)
	r := New(dir, "main", nil, logging.Discard())
	_, err := r.Integrate(context.Background(), "batch/missing-1", "", backend.Invocation{})
	if domain.KindOf(err) != domain.KindIntegration {
		t.Fatalf("Integrate() error kind = %v, want %v", domain.KindOf(err), domain.KindIntegration)
	}
}
