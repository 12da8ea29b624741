package domain

import "time"

// Task is a unit of work owned by exactly one batch via the batch's task
// list. A task flips to complete only after the owning batch's branch has
// been merged into the shared history.
type Task struct {
	ID          string
	Spec        string
	BatchID     string
	Title       string
	Description string
	Status      TaskStatus
	Complexity  int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
