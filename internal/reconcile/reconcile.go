// Package reconcile merges finished batch branches back into the shared
// branch. A merge that stops on conflicts is escalated to the backend
// exactly once; if conflicts survive the escalation the merge state is
// left in place for manual action.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/hochfrequenz/batch-orchestrator/internal/backend"
	"github.com/hochfrequenz/batch-orchestrator/internal/domain"
)

// Outcome reports one integration
type Outcome struct {
	Merged      bool
	Escalated   bool
	MergeCommit string
	Conflicts   []string
}

// Reconciler integrates batch branches into the shared branch. Callers
// serialize Integrate calls; the shared working tree admits one merge at
// a time.
type Reconciler struct {
	repoDir      string
	sharedBranch string
	invoker      backend.Invoker // nil disables escalation
	logger       *slog.Logger
}

func New(repoDir, sharedBranch string, invoker backend.Invoker, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		repoDir:      repoDir,
		sharedBranch: sharedBranch,
		invoker:      invoker,
		logger:       logger,
	}
}

// Integrate merges branch into the shared branch without fast-forward.
// On conflict it asks the backend to resolve once, handing over specText
// as the description of the branch's work, verifies that no conflict
// markers remain, and completes the merge. A failed resolution returns an
// integration error and leaves the conflicted state untouched: the merge
// is never aborted and a dirty tree is never committed.
func (r *Reconciler) Integrate(ctx context.Context, branch, specText string, inv backend.Invocation) (*Outcome, error) {
	if _, err := r.git(ctx, "checkout", r.sharedBranch); err != nil {
		return nil, domain.WrapError(domain.KindIntegration, "reconcile",
			err, "cannot switch to %s", r.sharedBranch)
	}

	if _, err := r.git(ctx, "merge", "--no-ff", "--no-edit", branch); err == nil {
		return r.merged(ctx, &Outcome{})
	}

	conflicts, listErr := r.conflictedFiles(ctx)
	if listErr != nil {
		return nil, domain.WrapError(domain.KindIntegration, "reconcile",
			listErr, "merge of %s failed", branch)
	}
	if len(conflicts) == 0 {
		// The merge failed before reaching conflicts; nothing to escalate.
		return nil, domain.Errorf(domain.KindIntegration, "reconcile",
			"merge of %s failed without conflicts to resolve", branch)
	}

	outcome := &Outcome{Conflicts: conflicts}
	if r.invoker == nil {
		return outcome, domain.Errorf(domain.KindIntegration, "reconcile",
			"merge of %s conflicts in %d files and no resolver is configured", branch, len(conflicts))
	}

	r.logger.Warn("merge conflicts, escalating to backend",
		"branch", branch, "files", len(conflicts))

	outcome.Escalated = true
	inv.Workdir = r.repoDir
	inv.Mount = r.repoDir
	req := backend.ConflictRequest(branch, r.sharedBranch, conflicts, specText)
	if _, err := r.invoker.Invoke(ctx, req, inv); err != nil {
		return outcome, domain.WrapError(domain.KindIntegration, "reconcile",
			err, "conflict resolution for %s failed", branch)
	}

	if err := r.verifyResolved(ctx, conflicts); err != nil {
		return outcome, err
	}

	if _, err := r.git(ctx, "commit", "--no-edit"); err != nil {
		return outcome, domain.WrapError(domain.KindIntegration, "reconcile",
			err, "cannot commit resolved merge of %s", branch)
	}
	return r.merged(ctx, outcome)
}

func (r *Reconciler) merged(ctx context.Context, outcome *Outcome) (*Outcome, error) {
	outcome.Merged = true
	if head, err := r.git(ctx, "rev-parse", "HEAD"); err == nil {
		outcome.MergeCommit = strings.TrimSpace(head)
	}
	r.logger.Info("branch integrated",
		"target", r.sharedBranch, "commit", outcome.MergeCommit, "escalated", outcome.Escalated)
	return outcome, nil
}

// verifyResolved confirms every previously conflicted file is staged and
// free of conflict markers.
func (r *Reconciler) verifyResolved(ctx context.Context, conflicts []string) error {
	remaining, err := r.conflictedFiles(ctx)
	if err != nil {
		return domain.WrapError(domain.KindIntegration, "reconcile", err, "verification failed")
	}
	if len(remaining) > 0 {
		return domain.Errorf(domain.KindIntegration, "reconcile",
			"%d files remain unresolved after escalation: %s",
			len(remaining), strings.Join(remaining, ", "))
	}

	for _, file := range conflicts {
		dirty, err := containsConflictMarkers(filepath.Join(r.repoDir, file))
		if err != nil {
			return domain.WrapError(domain.KindIntegration, "reconcile",
				err, "cannot verify %s", file)
		}
		if dirty {
			return domain.Errorf(domain.KindIntegration, "reconcile",
				"conflict markers remain in %s after escalation", file)
		}
	}
	return nil
}

func (r *Reconciler) conflictedFiles(ctx context.Context) ([]string, error) {
	out, err := r.git(ctx, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

func containsConflictMarkers(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Resolved by deletion.
			return false, nil
		}
		return false, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "<<<<<<<") || strings.HasPrefix(line, ">>>>>>>") {
			return true, nil
		}
	}
	return false, nil
}

func (r *Reconciler) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.repoDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return string(out), nil
}
