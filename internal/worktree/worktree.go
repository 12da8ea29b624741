// Package worktree isolates batch attempts in dedicated git worktrees.
// Each attempt gets its own branch and directory; the shared repository's
// working copy is never touched by batch work.
package worktree

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/hochfrequenz/batch-orchestrator/internal/domain"
)

// Manager handles git worktree operations against the shared repository
type Manager struct {
	repoDir      string
	worktreeDir  string
	sharedBranch string
	remote       string
	logger       *slog.Logger
}

// NewManager creates a Manager rooted at the shared repository
func NewManager(repoDir, worktreeDir, sharedBranch, remote string, logger *slog.Logger) *Manager {
	return &Manager{
		repoDir:      repoDir,
		worktreeDir:  worktreeDir,
		sharedBranch: sharedBranch,
		remote:       remote,
		logger:       logger,
	}
}

// BranchName returns the branch for a batch attempt
func BranchName(batchID, attemptID string) string {
	return fmt.Sprintf("batch/%s-%s", batchID, attemptID)
}

// DirName returns the worktree directory name for a batch attempt. Batch
// ids never contain underscores, so the name parses back unambiguously.
func DirName(batchID, attemptID string) string {
	return fmt.Sprintf("%s_%s", batchID, attemptID)
}

// ParseDirName splits a worktree directory name back into batch and
// attempt ids.
func ParseDirName(name string) (batchID, attemptID string, ok bool) {
	i := strings.LastIndex(name, "_")
	if i <= 0 || i == len(name)-1 {
		return "", "", false
	}
	return name[:i], name[i+1:], true
}

// HeadCommit resolves the shared branch's current head, falling back to
// HEAD when the branch does not exist yet. A repository without commits
// is a resource error.
func (m *Manager) HeadCommit(ctx context.Context) (string, error) {
	out, err := m.git(ctx, m.repoDir, "rev-parse", "--verify", m.sharedBranch)
	if err != nil {
		out, err = m.git(ctx, m.repoDir, "rev-parse", "--verify", "HEAD")
		if err != nil {
			return "", domain.WrapError(domain.KindResource, "worktree head", err, "repository %s has no commits", m.repoDir)
		}
	}
	return strings.TrimSpace(out), nil
}

// Create materializes an isolated working copy for a batch attempt. The
// base commit is snapshotted by the caller at run start; when empty, the
// shared branch's current head is used. Any stale worktree or branch left
// over from a previous attempt with the same name is cleaned up first.
func (m *Manager) Create(ctx context.Context, batchID, attemptID, base string) (*domain.Worktree, error) {
	if err := os.MkdirAll(m.worktreeDir, 0755); err != nil {
		return nil, domain.WrapError(domain.KindResource, "worktree create", err, "creating worktree dir")
	}

	branch := BranchName(batchID, attemptID)
	if err := m.cleanupExistingBranch(ctx, branch); err != nil {
		return nil, domain.WrapError(domain.KindResource, "worktree create", err, "cleaning up existing branch")
	}

	// Pick up remote movement when a remote exists; ignore failure.
	m.gitQuiet(ctx, m.repoDir, "fetch", m.remote, m.sharedBranch)

	if base == "" {
		head, err := m.HeadCommit(ctx)
		if err != nil {
			return nil, err
		}
		base = head
	} else if _, err := m.git(ctx, m.repoDir, "rev-parse", "--verify", base+"^{commit}"); err != nil {
		return nil, domain.WrapError(domain.KindResource, "worktree create", err, "base commit %s not found", base)
	}

	wt := &domain.Worktree{
		BatchID:    batchID,
		AttemptID:  attemptID,
		Branch:     branch,
		BaseCommit: base,
		Path:       filepath.Join(m.worktreeDir, DirName(batchID, attemptID)),
		Status:     domain.WorktreeCreating,
	}

	if out, err := m.git(ctx, m.repoDir, "worktree", "add", "-b", branch, wt.Path, base); err != nil {
		return nil, domain.WrapError(domain.KindResource, "worktree create", err, "git worktree add: %s", out)
	}

	wt.Status = domain.WorktreeReady
	wt.CreatedAt = time.Now()
	return wt, nil
}

// cleanupExistingBranch removes any worktree and branch left behind by a
// previous attempt with the same branch name.
func (m *Manager) cleanupExistingBranch(ctx context.Context, branch string) error {
	m.gitQuiet(ctx, m.repoDir, "worktree", "prune")

	out, _ := m.git(ctx, m.repoDir, "worktree", "list", "--porcelain")
	lines := strings.Split(out, "\n")
	for i, line := range lines {
		if !strings.HasPrefix(line, "worktree ") {
			continue
		}
		wtPath := strings.TrimPrefix(line, "worktree ")
		for j := i + 1; j < len(lines) && j < i+4; j++ {
			if strings.TrimSpace(lines[j]) == "branch refs/heads/"+branch {
				m.gitQuiet(ctx, m.repoDir, "worktree", "remove", "--force", wtPath)
				break
			}
		}
	}

	// Orphan branches from previous runs; missing branch is fine.
	m.gitQuiet(ctx, m.repoDir, "branch", "-D", branch)
	return nil
}

// Cleanup de-registers a worktree and removes its directory and branch.
// It tolerates already-removed state but refuses a worktree that is still
// in active use.
func (m *Manager) Cleanup(ctx context.Context, wt *domain.Worktree) error {
	if wt.Status == domain.WorktreeInUse {
		return domain.Errorf(domain.KindResource, "worktree cleanup", "worktree %s is in active use", wt.Path)
	}
	wt.Status = domain.WorktreeCleanup

	if _, err := os.Stat(wt.Path); os.IsNotExist(err) {
		m.gitQuiet(ctx, m.repoDir, "worktree", "prune")
		m.gitQuiet(ctx, m.repoDir, "branch", "-D", wt.Branch)
		wt.Status = domain.WorktreeDeleted
		return nil
	}

	if out, err := m.git(ctx, m.repoDir, "worktree", "remove", "--force", wt.Path); err != nil {
		return domain.WrapError(domain.KindResource, "worktree cleanup", err, "git worktree remove: %s", out)
	}
	m.gitQuiet(ctx, m.repoDir, "branch", "-D", wt.Branch)

	wt.Status = domain.WorktreeDeleted
	return nil
}

// List enumerates worktrees created by this manager by parsing the
// <batchId>_<attemptId> naming convention under the worktree directory.
func (m *Manager) List(ctx context.Context) ([]*domain.Worktree, error) {
	out, err := m.git(ctx, m.repoDir, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, domain.WrapError(domain.KindResource, "worktree list", err, "git worktree list")
	}

	var result []*domain.Worktree
	var current *domain.Worktree

	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			current = nil
			path := strings.TrimPrefix(line, "worktree ")
			if !strings.HasPrefix(path, m.worktreeDir) {
				continue
			}
			batchID, attemptID, ok := ParseDirName(filepath.Base(path))
			if !ok {
				continue
			}
			current = &domain.Worktree{
				Path:      path,
				BatchID:   batchID,
				AttemptID: attemptID,
				Status:    domain.WorktreeReady,
			}
			result = append(result, current)
		case strings.HasPrefix(line, "branch ") && current != nil:
			current.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		}
	}

	return result, nil
}

// git runs a git command and returns its combined output
func (m *Manager) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return string(out), nil
}

// gitQuiet runs a git command where failure is expected and ignored
func (m *Manager) gitQuiet(ctx context.Context, dir string, args ...string) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Run()
}
