// Package taskstore provides SQLite-backed persistence for tasks and
// backend invocation records. Task rows are seeded from plan documents and
// flip to complete only after the owning batch has been merged.
package taskstore

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hochfrequenz/batch-orchestrator/internal/domain"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed task persistence
type Store struct {
	db *sql.DB
}

// New opens the database at the given path and runs migrations. The
// parent directory is created when missing.
func New(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertTask inserts or updates a task. Status survives updates so a plan
// re-sync never un-completes finished work.
func (s *Store) UpsertTask(task *domain.Task) error {
	_, err := s.db.Exec(`
		INSERT INTO tasks (id, spec, batch_id, title, description, status, complexity, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			spec = excluded.spec,
			batch_id = excluded.batch_id,
			title = excluded.title,
			description = excluded.description,
			complexity = excluded.complexity,
			updated_at = excluded.updated_at
	`,
		task.ID,
		task.Spec,
		task.BatchID,
		task.Title,
		task.Description,
		string(task.Status),
		task.Complexity,
		task.CreatedAt,
		task.UpdatedAt,
	)
	return err
}

// SyncPlan makes sure every task named by the plan has a row. Entries are
// keyed by their plan-local id; titles default to the entry itself until a
// richer description is stored.
func (s *Store) SyncPlan(plan *domain.Plan) error {
	now := time.Now()
	for _, batch := range plan.Batches {
		for _, taskID := range batch.TaskIDs {
			_, err := s.db.Exec(`
				INSERT INTO tasks (id, spec, batch_id, title, status, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET
					spec = excluded.spec,
					batch_id = excluded.batch_id,
					updated_at = excluded.updated_at
			`, taskID, plan.Spec, batch.ID, taskID, string(domain.TaskPending), now, now)
			if err != nil {
				return fmt.Errorf("syncing task %s: %w", taskID, err)
			}
		}
	}
	return nil
}

// GetTask retrieves a task by id
func (s *Store) GetTask(id string) (*domain.Task, error) {
	row := s.db.QueryRow(`
		SELECT id, spec, batch_id, title, description, status, complexity, created_at, updated_at
		FROM tasks WHERE id = ?
	`, id)
	return scanTask(row)
}

// ListOptions specifies filters for listing tasks
type ListOptions struct {
	Spec    string
	BatchID string
	Status  domain.TaskStatus
}

// ListTasks returns tasks matching the given options
func (s *Store) ListTasks(opts ListOptions) ([]*domain.Task, error) {
	query := `SELECT id, spec, batch_id, title, description, status, complexity, created_at, updated_at FROM tasks WHERE 1=1`
	var args []any

	if opts.Spec != "" {
		query += " AND spec = ?"
		args = append(args, opts.Spec)
	}
	if opts.BatchID != "" {
		query += " AND batch_id = ?"
		args = append(args, opts.BatchID)
	}
	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, string(opts.Status))
	}

	query += " ORDER BY spec, batch_id, id"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// UpdateTaskStatus updates a task's status
func (s *Store) UpdateTaskStatus(id string, status domain.TaskStatus) error {
	_, err := s.db.Exec(`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now(), id)
	return err
}

// MarkBatchComplete flips every task of a merged batch to complete and
// returns how many rows changed.
func (s *Store) MarkBatchComplete(spec, batchID string) (int, error) {
	res, err := s.db.Exec(`
		UPDATE tasks SET status = ?, updated_at = ?
		WHERE spec = ? AND batch_id = ? AND status != ?
	`, string(domain.TaskComplete), time.Now(), spec, batchID, string(domain.TaskComplete))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// CompletedTaskIDs returns the set of completed task ids for a spec
func (s *Store) CompletedTaskIDs(spec string) (map[string]bool, error) {
	rows, err := s.db.Query(`SELECT id FROM tasks WHERE spec = ? AND status = ?`,
		spec, string(domain.TaskComplete))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	completed := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		completed[id] = true
	}
	return completed, rows.Err()
}

// TaskLines renders a batch's tasks for prompt building: title plus
// description where one exists, the raw id otherwise.
func (s *Store) TaskLines(spec, batchID string) ([]string, error) {
	tasks, err := s.ListTasks(ListOptions{Spec: spec, BatchID: batchID})
	if err != nil {
		return nil, err
	}
	lines := make([]string, 0, len(tasks))
	for _, task := range tasks {
		line := task.Title
		if task.Description != "" {
			line = task.Title + ": " + task.Description
		}
		lines = append(lines, line)
	}
	return lines, nil
}

// Invocation is one recorded backend invocation
type Invocation struct {
	ID        string
	RunID     string
	BatchID   string
	AttemptID string
	Backend   string
	SessionID string
	Mode      string
	ExitCode  int
	Duration  time.Duration
	StartedAt time.Time
	Error     string
}

// SaveInvocation records a finished backend invocation
func (s *Store) SaveInvocation(inv *Invocation) error {
	_, err := s.db.Exec(`
		INSERT INTO invocations (id, run_id, batch_id, attempt_id, backend, session_id, mode, exit_code, duration_ms, started_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		inv.ID,
		inv.RunID,
		inv.BatchID,
		inv.AttemptID,
		inv.Backend,
		inv.SessionID,
		inv.Mode,
		inv.ExitCode,
		inv.Duration.Milliseconds(),
		inv.StartedAt,
		inv.Error,
	)
	return err
}

// ListInvocations returns a run's invocations, oldest first
func (s *Store) ListInvocations(runID string) ([]*Invocation, error) {
	rows, err := s.db.Query(`
		SELECT id, run_id, batch_id, attempt_id, backend, session_id, mode, exit_code, duration_ms, started_at, error
		FROM invocations WHERE run_id = ? ORDER BY started_at, id
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var invs []*Invocation
	for rows.Next() {
		var inv Invocation
		var durationMS int64
		var backendName, sessionID, mode, errMsg sql.NullString
		if err := rows.Scan(&inv.ID, &inv.RunID, &inv.BatchID, &inv.AttemptID,
			&backendName, &sessionID, &mode, &inv.ExitCode, &durationMS, &inv.StartedAt, &errMsg); err != nil {
			return nil, err
		}
		inv.Backend = backendName.String
		inv.SessionID = sessionID.String
		inv.Mode = mode.String
		inv.Error = errMsg.String
		inv.Duration = time.Duration(durationMS) * time.Millisecond
		invs = append(invs, &inv)
	}
	return invs, rows.Err()
}

// scanner covers both sql.Row and sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*domain.Task, error) {
	var task domain.Task
	var status string
	var description sql.NullString

	err := row.Scan(&task.ID, &task.Spec, &task.BatchID, &task.Title,
		&description, &status, &task.Complexity, &task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return nil, err
	}

	task.Status = domain.TaskStatus(status)
	if description.Valid {
		task.Description = description.String
	}
	return &task, nil
}
