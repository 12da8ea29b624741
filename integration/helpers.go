//go:build integration

package integration

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hochfrequenz/batch-orchestrator/internal/config"
	"github.com/hochfrequenz/batch-orchestrator/internal/domain"
	"github.com/hochfrequenz/batch-orchestrator/internal/planstore"
)

// initRepo creates a git repository on a main branch with one commit
func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	gitRun(t, dir, "init")
	gitRun(t, dir, "symbolic-ref", "HEAD", "refs/heads/main")
	gitRun(t, dir, "config", "user.email", "test@test.com")
	gitRun(t, dir, "config", "user.name", "Test")
	gitRun(t, dir, "commit", "--allow-empty", "-m", "Initial commit")
	return dir
}

func gitRun(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v failed: %s", args, out)
	}
}

func gitOutput(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v failed: %s", args, out)
	}
	return strings.TrimSpace(string(out))
}

// stubBackend writes a shell script that stands in for a coding backend.
// It commits one file named after the batch it runs for, derived from the
// attempt branch. Setting FAIL_BATCH in the backend environment makes the
// named batch exit with code 3 instead.
func stubBackend(t *testing.T) string {
	t.Helper()
	script := `#!/bin/sh
set -e
branch=$(git rev-parse --abbrev-ref HEAD)
batch=${branch#batch/}
batch=${batch%-*}
if [ -n "$FAIL_BATCH" ] && [ "$batch" = "$FAIL_BATCH" ]; then
	echo "injected failure for $batch" >&2
	exit 3
fi
echo "work for $batch" > "done-$batch.txt"
git add .
git commit -q -m "implement $batch"
`
	path := filepath.Join(t.TempDir(), "stub.sh")
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

// testConfig wires a config whose backend is the stub script executed
// through the local sandbox.
func testConfig(t *testing.T, repo, script string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Git.RepoDir = repo
	cfg.Git.SharedBranch = "main"
	cfg.General.PlansDir = filepath.Join(t.TempDir(), "plans")
	cfg.General.WorktreeDir = filepath.Join(t.TempDir(), "worktrees")
	cfg.General.MaxConcurrent = 2
	cfg.Sandbox.Runtime = "none"
	cfg.Backend.Default = "stub"
	cfg.Backend.Commands = map[string][]string{"stub": {"sh", script}}
	cfg.Backend.Env = map[string]string{}
	return cfg
}

func writePlan(t *testing.T, cfg *config.Config, plan *domain.Plan) {
	t.Helper()
	if err := planstore.Save(cfg.PlanPath(plan.Spec), plan); err != nil {
		t.Fatal(err)
	}
}
