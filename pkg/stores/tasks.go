package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const taskColumns = `id, kind, payload, state, attempts, available_at, leased_by, leased_until,
	last_error, created_at, updated_at`

// EnqueueTask adds a task to the durable queue. With dedupe set, the insert
// is skipped when a pending task of the same kind already exists. It reports
// whether a row was inserted.
func (s *SQLiteStore) EnqueueTask(ctx context.Context, task *Task, dedupe bool) (bool, error) {
	if task.Kind == "" {
		return false, fmt.Errorf("task kind is required")
	}
	if task.Payload == "" {
		task.Payload = "{}"
	}
	if task.State == "" {
		task.State = TaskStatePending
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = task.CreatedAt
	}
	if task.AvailableAt.IsZero() {
		task.AvailableAt = task.CreatedAt
	}

	args := []any{
		task.ID, task.Kind, task.Payload, task.State, task.Attempts,
		formatTime(task.AvailableAt), task.LeasedBy, formatTimePtr(task.LeasedUntil),
		task.LastError, formatTime(task.CreatedAt), formatTime(task.UpdatedAt),
	}

	query := `INSERT INTO tasks (` + taskColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if dedupe {
		query = `INSERT INTO tasks (` + taskColumns + `)
			SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
			WHERE NOT EXISTS (SELECT 1 FROM tasks WHERE kind = ? AND state = ?)`
		args = append(args, task.Kind, TaskStatePending)
	}

	result, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to enqueue task: %w", err)
	}
	n, err := rowsAffected(result)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// LeaseTask leases the oldest available task of kind to worker for ttl.
// Leases that expired are reclaimed. It returns ErrNotFound when nothing is
// available.
func (s *SQLiteStore) LeaseTask(ctx context.Context, kind, worker string, ttl time.Duration, now time.Time) (*Task, error) {
	var leased *Task
	err := s.WithTx(ctx, func(tx Store) error {
		q := tx.(*SQLiteStore).q
		nowStr := formatTime(now)

		row := q.QueryRowContext(ctx,
			`SELECT `+taskColumns+` FROM tasks
			WHERE kind = ? AND (
				(state = ? AND available_at <= ?) OR
				(state = ? AND leased_until < ?)
			)
			ORDER BY available_at, rowid
			LIMIT 1`,
			kind, TaskStatePending, nowStr, TaskStateLeased, nowStr,
		)
		task, err := scanTask(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to select task: %w", err)
		}

		until := now.Add(ttl)
		if _, err := q.ExecContext(ctx,
			`UPDATE tasks SET state = ?, attempts = attempts + 1, leased_by = ?, leased_until = ?, updated_at = ?
			WHERE id = ?`,
			TaskStateLeased, worker, formatTime(until), nowStr, task.ID,
		); err != nil {
			return fmt.Errorf("failed to lease task: %w", err)
		}

		task.State = TaskStateLeased
		task.Attempts++
		task.LeasedBy = &worker
		task.LeasedUntil = &until
		task.UpdatedAt = now
		leased = task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return leased, nil
}

// AckTask marks a leased task done
func (s *SQLiteStore) AckTask(ctx context.Context, id string, now time.Time) error {
	result, err := s.q.ExecContext(ctx,
		`UPDATE tasks SET state = ?, leased_by = NULL, leased_until = NULL, updated_at = ? WHERE id = ?`,
		TaskStateDone, formatTime(now), id,
	)
	if err != nil {
		return fmt.Errorf("failed to ack task: %w", err)
	}
	n, err := rowsAffected(result)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

// ReleaseTask returns a leased task to the queue, available again at availableAt.
func (s *SQLiteStore) ReleaseTask(ctx context.Context, id string, availableAt time.Time, lastErr string, now time.Time) error {
	result, err := s.q.ExecContext(ctx,
		`UPDATE tasks SET state = ?, leased_by = NULL, leased_until = NULL,
			available_at = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
		TaskStatePending, formatTime(availableAt), nullString(lastErr), formatTime(now), id,
	)
	if err != nil {
		return fmt.Errorf("failed to release task: %w", err)
	}
	n, err := rowsAffected(result)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

// CountTasks counts tasks of kind in state
func (s *SQLiteStore) CountTasks(ctx context.Context, kind string, state TaskState) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE kind = ? AND state = ?`, kind, state,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count tasks: %w", err)
	}
	return n, nil
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		t           Task
		availableAt string
		leasedBy    sql.NullString
		leasedUntil sql.NullString
		lastError   sql.NullString
		createdAt   string
		updatedAt   string
	)
	if err := row.Scan(&t.ID, &t.Kind, &t.Payload, &t.State, &t.Attempts, &availableAt,
		&leasedBy, &leasedUntil, &lastError, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	var err error
	if t.AvailableAt, err = parseTime(availableAt); err != nil {
		return nil, err
	}
	t.LeasedBy = ptrString(leasedBy)
	if t.LeasedUntil, err = parseNullTime(leasedUntil); err != nil {
		return nil, err
	}
	t.LastError = ptrString(lastError)
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}
