package domain

import "time"

// Worktree is an isolated working copy plus branch bound to exactly one
// batch attempt. It is never shared across batches and is destroyed after
// merge or on cleanup.
type Worktree struct {
	Path       string
	Branch     string
	BatchID    string
	AttemptID  string
	BaseCommit string
	Status     WorktreeStatus
	CreatedAt  time.Time
}
