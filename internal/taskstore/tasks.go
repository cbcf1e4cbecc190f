package taskstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const taskColumns = `id, kind, status, progress, total_steps, current_step, log,
	source_ref, target_ref, created_at, updated_at, completed_at`

// CreateTask inserts a pending task with all its steps pre-populated
// in pending state and returns the task identifier.
func (s *Store) CreateTask(ctx context.Context, spec TaskSpec) (_ string, err error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}

	id := spec.ID
	if len(id) == 0 {
		id = uuid.NewString()
	}

	conn, err := s.take(ctx)
	if err != nil {
		return "", err
	}
	defer s.pool.Put(conn)

	end, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return "", fmt.Errorf("taskstore: begin transaction: %w", err)
	}
	defer end(&err)

	now := s.now().UnixNano()

	err = sqlitex.Execute(conn, `INSERT INTO tasks
		(id, kind, status, progress, total_steps, log, source_ref, target_ref, created_at, updated_at)
		VALUES (?, ?, ?, 0, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{
			id, string(spec.Kind), string(StatusPending), len(spec.Steps),
			s.logLine(fmt.Sprintf("task created: %s (%d steps)", spec.Kind, len(spec.Steps))),
			spec.SourceRef, spec.TargetRef, now, now,
		},
	})
	if err != nil {
		return "", fmt.Errorf("taskstore: insert task: %w", err)
	}

	for idx, name := range spec.Steps {
		err = sqlitex.Execute(conn, `INSERT INTO task_steps (task_id, idx, name, status) VALUES (?, ?, ?, ?)`, &sqlitex.ExecOptions{
			Args: []any{id, idx, name, string(StepPending)},
		})
		if err != nil {
			return "", fmt.Errorf("taskstore: insert step %d: %w", idx, err)
		}
	}

	return id, nil
}

// UpdateStep transitions exactly one step and recomputes the task progress
// as the number of completed steps. A completed step never changes again.
func (s *Store) UpdateStep(ctx context.Context, taskID string, idx int, status StepStatus, errText string) (err error) {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	end, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("taskstore: begin transaction: %w", err)
	}
	defer end(&err)

	total, err := s.lockMutable(conn, taskID)
	if err != nil {
		return err
	}

	if idx < 0 || idx >= total {
		return fmt.Errorf("%w: index %d is out of range [0, %d)", ErrInvalidStep, idx, total)
	}

	var name string
	var current StepStatus

	err = sqlitex.Execute(conn, `SELECT name, status FROM task_steps WHERE task_id = ? AND idx = ?`, &sqlitex.ExecOptions{
		Args: []any{taskID, idx},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			name = stmt.ColumnText(0)
			current = StepStatus(stmt.ColumnText(1))
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("taskstore: select step: %w", err)
	}

	if current == StepCompleted && status != StepCompleted {
		return fmt.Errorf("%w: step %q is already completed", ErrInvalidStep, name)
	}

	if status != StepFailed {
		errText = ""
	}

	err = sqlitex.Execute(conn, `UPDATE task_steps SET status = ?, error = ? WHERE task_id = ? AND idx = ?`, &sqlitex.ExecOptions{
		Args: []any{string(status), errText, taskID, idx},
	})
	if err != nil {
		return fmt.Errorf("taskstore: update step: %w", err)
	}

	line := fmt.Sprintf("step %d/%d %q: %s", idx+1, total, name, status)
	if len(errText) > 0 {
		line += ": " + errText
	}

	err = sqlitex.Execute(conn, `UPDATE tasks SET
			progress = (SELECT COUNT(*) FROM task_steps WHERE task_id = ?1 AND status = ?2),
			log = log || ?3,
			updated_at = ?4
		WHERE id = ?1`, &sqlitex.ExecOptions{
		Args: []any{taskID, string(StepCompleted), s.logLine(line), s.now().UnixNano()},
	})
	if err != nil {
		return fmt.Errorf("taskstore: update progress: %w", err)
	}

	return nil
}

// SetCurrentStep updates the human-readable label of what the task is doing now.
func (s *Store) SetCurrentStep(ctx context.Context, taskID, label string) error {
	return s.mutate(ctx, taskID, `UPDATE tasks SET current_step = ?, updated_at = ? WHERE id = ?`, label, s.now().UnixNano(), taskID)
}

// AppendLog appends text to the task log, every line is prefixed
// with the current time.
func (s *Store) AppendLog(ctx context.Context, taskID, text string) error {
	text = strings.TrimRight(text, "\n")
	if len(text) == 0 {
		return nil
	}

	var b strings.Builder

	for _, line := range strings.Split(text, "\n") {
		b.WriteString(s.logLine(line))
	}

	return s.mutate(ctx, taskID, `UPDATE tasks SET log = log || ?, updated_at = ? WHERE id = ?`, b.String(), s.now().UnixNano(), taskID)
}

// MarkRunning moves a pending task into the running state.
func (s *Store) MarkRunning(ctx context.Context, taskID string) error {
	return s.mutate(ctx, taskID, `UPDATE tasks SET status = ?, log = log || ?, updated_at = ? WHERE id = ?`,
		string(StatusRunning), s.logLine("task started"), s.now().UnixNano(), taskID)
}

// Finalize sets a terminal status and the completion time.
// After that the task accepts no further mutation.
func (s *Store) Finalize(ctx context.Context, taskID string, status Status) error {
	if !status.IsTerminal() {
		return fmt.Errorf("%w: %q is not a terminal status", ErrInvalidStatus, status)
	}

	now := s.now().UnixNano()

	return s.mutate(ctx, taskID, `UPDATE tasks SET status = ?, log = log || ?, updated_at = ?, completed_at = ? WHERE id = ?`,
		string(status), s.logLine("task "+string(status)), now, now, taskID)
}

// mutate runs a single update statement against a task that exists
// and is not yet terminal.
func (s *Store) mutate(ctx context.Context, taskID string, query string, args ...any) (err error) {
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	end, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("taskstore: begin transaction: %w", err)
	}
	defer end(&err)

	if _, err = s.lockMutable(conn, taskID); err != nil {
		return err
	}

	if err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: args}); err != nil {
		return fmt.Errorf("taskstore: update task: %w", err)
	}

	return nil
}

// lockMutable must be called inside a transaction. It returns the total
// number of steps of a task that can still be mutated.
func (s *Store) lockMutable(conn *sqlite.Conn, taskID string) (int, error) {
	var found bool
	var status Status
	var total int

	err := sqlitex.Execute(conn, `SELECT status, total_steps FROM tasks WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{taskID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			status = Status(stmt.ColumnText(0))
			total = stmt.ColumnInt(1)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("taskstore: select task: %w", err)
	}

	switch {
	case !found:
		return 0, fmt.Errorf("%w: task %s", ErrNotFound, taskID)
	case status.IsTerminal():
		return 0, fmt.Errorf("%w: task %s is %s", ErrTerminal, taskID, status)
	}

	return total, nil
}

// GetTask returns the task with its steps. Both are read in one
// transaction, so progress always agrees with the step statuses.
func (s *Store) GetTask(ctx context.Context, taskID string) (_ *Task, err error) {
	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	defer sqlitex.Transaction(conn)(&err)

	var task *Task

	err = sqlitex.Execute(conn, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{taskID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			task = scanTask(stmt)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("taskstore: select task: %w", err)
	}

	if task == nil {
		return nil, fmt.Errorf("%w: task %s", ErrNotFound, taskID)
	}

	if err := loadSteps(conn, task); err != nil {
		return nil, err
	}

	return task, nil
}

// ListTasks returns the tasks matching the filter, newest first,
// from a single snapshot of the database.
func (s *Store) ListTasks(ctx context.Context, filter Filter) (_ []*Task, err error) {
	conds := make([]string, 0, 3)
	args := make([]any, 0, 4)

	if len(filter.Kind) > 0 {
		conds = append(conds, "kind = ?")
		args = append(args, string(filter.Kind))
	}

	if len(filter.Status) > 0 {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}

	if len(filter.Host) > 0 {
		conds = append(conds, "(source_ref = ? OR target_ref = ?)")
		args = append(args, filter.Host, filter.Host)
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`

	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}

	query += ` ORDER BY created_at DESC, rowid DESC`

	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	defer sqlitex.Transaction(conn)(&err)

	tasks := make([]*Task, 0)

	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			tasks = append(tasks, scanTask(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("taskstore: list tasks: %w", err)
	}

	for _, t := range tasks {
		if err := loadSteps(conn, t); err != nil {
			return nil, err
		}
	}

	return tasks, nil
}

// DeleteTask removes the task and all its steps atomically.
func (s *Store) DeleteTask(ctx context.Context, taskID string) (err error) {
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	end, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("taskstore: begin transaction: %w", err)
	}
	defer end(&err)

	if err = sqlitex.Execute(conn, `DELETE FROM tasks WHERE id = ?`, &sqlitex.ExecOptions{Args: []any{taskID}}); err != nil {
		return fmt.Errorf("taskstore: delete task: %w", err)
	}

	if conn.Changes() == 0 {
		return fmt.Errorf("%w: task %s", ErrNotFound, taskID)
	}

	if err = sqlitex.Execute(conn, `DELETE FROM task_steps WHERE task_id = ?`, &sqlitex.ExecOptions{Args: []any{taskID}}); err != nil {
		return fmt.Errorf("taskstore: delete steps: %w", err)
	}

	return nil
}

// MarkInterrupted fails every task left pending or running by a previous
// process and returns how many were affected. It must be called before
// any pipeline is started.
func (s *Store) MarkInterrupted(ctx context.Context) (_ int, err error) {
	const reason = "interrupted by restart"

	conn, err := s.take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	end, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return 0, fmt.Errorf("taskstore: begin transaction: %w", err)
	}
	defer end(&err)

	ids := make([]string, 0)

	err = sqlitex.Execute(conn, `SELECT id FROM tasks WHERE status IN (?, ?)`, &sqlitex.ExecOptions{
		Args: []any{string(StatusPending), string(StatusRunning)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			ids = append(ids, stmt.ColumnText(0))
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("taskstore: select unfinished tasks: %w", err)
	}

	now := s.now().UnixNano()

	for _, id := range ids {
		err = sqlitex.Execute(conn, `UPDATE task_steps SET status = ?, error = ? WHERE task_id = ? AND status = ?`, &sqlitex.ExecOptions{
			Args: []any{string(StepFailed), reason, id, string(StepRunning)},
		})
		if err != nil {
			return 0, fmt.Errorf("taskstore: update steps: %w", err)
		}

		err = sqlitex.Execute(conn, `UPDATE tasks SET status = ?, log = log || ?, updated_at = ?, completed_at = ? WHERE id = ?`, &sqlitex.ExecOptions{
			Args: []any{string(StatusFailed), s.logLine(reason), now, now, id},
		})
		if err != nil {
			return 0, fmt.Errorf("taskstore: update task: %w", err)
		}
	}

	return len(ids), nil
}

func (s *Store) logLine(text string) string {
	return fmt.Sprintf("[%s] %s\n", s.clock.Now().Format("15:04:05"), text)
}

func scanTask(stmt *sqlite.Stmt) *Task {
	t := Task{
		ID:          stmt.ColumnText(0),
		Kind:        Kind(stmt.ColumnText(1)),
		Status:      Status(stmt.ColumnText(2)),
		Progress:    stmt.ColumnInt(3),
		TotalSteps:  stmt.ColumnInt(4),
		CurrentStep: stmt.ColumnText(5),
		Log:         stmt.ColumnText(6),
		SourceRef:   stmt.ColumnText(7),
		TargetRef:   stmt.ColumnText(8),
		CreatedAt:   fromNanos(stmt.ColumnInt64(9)),
		UpdatedAt:   fromNanos(stmt.ColumnInt64(10)),
	}

	if !stmt.ColumnIsNull(11) {
		ts := fromNanos(stmt.ColumnInt64(11))
		t.CompletedAt = &ts
	}

	return &t
}

func loadSteps(conn *sqlite.Conn, t *Task) error {
	t.Steps = make([]Step, 0, t.TotalSteps)

	err := sqlitex.Execute(conn, `SELECT name, status, error FROM task_steps WHERE task_id = ? ORDER BY idx`, &sqlitex.ExecOptions{
		Args: []any{t.ID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			t.Steps = append(t.Steps, Step{
				Name:   stmt.ColumnText(0),
				Status: StepStatus(stmt.ColumnText(1)),
				Error:  stmt.ColumnText(2),
			})
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("taskstore: select steps of %s: %w", t.ID, err)
	}

	return nil
}
