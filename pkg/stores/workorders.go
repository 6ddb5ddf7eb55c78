package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/olivergale/metis-portal2-sub002/pkg/triage"
	"github.com/olivergale/metis-portal2-sub002/pkg/workorder"
)

const workOrderColumns = `id, slug, name, objective, status, priority, parent_id, depends_on, tags,
	acceptance_criteria, claimed_by, summary, created_at, started_at, updated_at, completed_at`

// CreateWorkOrder creates a new work order record
func (s *SQLiteStore) CreateWorkOrder(ctx context.Context, wo *workorder.WorkOrder) error {
	if err := wo.Status.Validate(); err != nil {
		return err
	}

	dependsOn, err := marshalList(wo.DependsOn)
	if err != nil {
		return fmt.Errorf("failed to marshal depends_on: %w", err)
	}
	tags, err := marshalList(wo.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}
	criteria, err := marshalList(wo.AcceptanceCriteria)
	if err != nil {
		return fmt.Errorf("failed to marshal acceptance criteria: %w", err)
	}

	query := `INSERT INTO work_orders (` + workOrderColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.q.ExecContext(ctx, query,
		wo.ID, wo.Slug, wo.Name, wo.Objective, wo.Status, wo.Priority, wo.ParentID,
		dependsOn, tags, criteria, nullString(wo.ClaimedBy), nullString(wo.Summary),
		formatTime(wo.CreatedAt), formatTimePtr(wo.StartedAt), formatTime(wo.UpdatedAt),
		formatTimePtr(wo.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create work order: %w", err)
	}

	return nil
}

// GetWorkOrder retrieves a work order by ID
func (s *SQLiteStore) GetWorkOrder(ctx context.Context, id string) (*workorder.WorkOrder, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+workOrderColumns+` FROM work_orders WHERE id = ?`, id)
	wo, err := scanWorkOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("work order %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get work order: %w", err)
	}
	return wo, nil
}

// GetWorkOrderBySlug retrieves a work order by its slug
func (s *SQLiteStore) GetWorkOrderBySlug(ctx context.Context, slug string) (*workorder.WorkOrder, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+workOrderColumns+` FROM work_orders WHERE slug = ?`, slug)
	wo, err := scanWorkOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("work order %s: %w", slug, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get work order: %w", err)
	}
	return wo, nil
}

// ListWorkOrders lists work orders matching the filter, oldest first
func (s *SQLiteStore) ListWorkOrders(ctx context.Context, filter WorkOrderFilter) ([]*workorder.WorkOrder, error) {
	var (
		where []string
		args  []any
	)

	if len(filter.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(filter.Statuses))+")")
		for _, st := range filter.Statuses {
			args = append(args, st)
		}
	}
	if filter.ParentID != nil {
		where = append(where, "parent_id = ?")
		args = append(args, *filter.ParentID)
	}
	if filter.RootsOnly {
		where = append(where, "parent_id IS NULL")
	}
	if filter.Tag != "" {
		where = append(where, "EXISTS (SELECT 1 FROM json_each(work_orders.tags) WHERE lower(json_each.value) = lower(?))")
		args = append(args, filter.Tag)
	}

	query := `SELECT ` + workOrderColumns + ` FROM work_orders`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, rowid"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	return s.queryWorkOrders(ctx, query, args...)
}

// ListChildren lists the direct children of a work order, oldest first
func (s *SQLiteStore) ListChildren(ctx context.Context, parentID string) ([]*workorder.WorkOrder, error) {
	return s.queryWorkOrders(ctx,
		`SELECT `+workOrderColumns+` FROM work_orders WHERE parent_id = ? ORDER BY created_at, rowid`,
		parentID,
	)
}

// CompareAndSetStatus writes a new status only if the stored status still
// equals update.From. It returns ErrStatusConflict otherwise.
func (s *SQLiteStore) CompareAndSetStatus(ctx context.Context, update StatusUpdate) error {
	if err := update.To.Validate(); err != nil {
		return err
	}

	query := `UPDATE work_orders SET
		status = ?,
		claimed_by = CASE WHEN ? THEN NULL ELSE COALESCE(?, claimed_by) END,
		summary = COALESCE(?, summary),
		started_at = COALESCE(?, started_at),
		completed_at = COALESCE(?, completed_at),
		updated_at = ?
		WHERE id = ? AND status = ?`

	var claimedBy any
	if update.ClaimedBy != nil {
		claimedBy = *update.ClaimedBy
	}
	var summary any
	if update.Summary != nil {
		summary = *update.Summary
	}

	result, err := s.q.ExecContext(ctx, query,
		update.To, update.ReleaseClaim, claimedBy, summary,
		formatTimePtr(update.StartedAt), formatTimePtr(update.CompletedAt),
		formatTime(update.UpdatedAt), update.ID, update.From,
	)
	if err != nil {
		return fmt.Errorf("failed to update work order status: %w", err)
	}

	n, err := rowsAffected(result)
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetWorkOrder(ctx, update.ID); err != nil {
			return err
		}
		return fmt.Errorf("work order %s is no longer %s: %w", update.ID, update.From, ErrStatusConflict)
	}

	return nil
}

// ClearDependencies empties depends_on when it still holds exactly the
// expected list. It reports whether the row changed.
func (s *SQLiteStore) ClearDependencies(ctx context.Context, id string, expected []string, now time.Time) (bool, error) {
	want, err := marshalList(expected)
	if err != nil {
		return false, fmt.Errorf("failed to marshal dependencies: %w", err)
	}

	result, err := s.q.ExecContext(ctx,
		`UPDATE work_orders SET depends_on = '[]', updated_at = ?
		WHERE id = ? AND json(depends_on) = json(?) AND json_array_length(depends_on) > 0`,
		formatTime(now), id, want,
	)
	if err != nil {
		return false, fmt.Errorf("failed to clear dependencies: %w", err)
	}

	n, err := rowsAffected(result)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpdateChecklist replaces the acceptance criteria of a work order
func (s *SQLiteStore) UpdateChecklist(ctx context.Context, id string, items []workorder.ChecklistItem, now time.Time) error {
	criteria, err := marshalList(items)
	if err != nil {
		return fmt.Errorf("failed to marshal acceptance criteria: %w", err)
	}

	result, err := s.q.ExecContext(ctx,
		`UPDATE work_orders SET acceptance_criteria = ?, updated_at = ? WHERE id = ?`,
		criteria, formatTime(now), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update checklist: %w", err)
	}

	n, err := rowsAffected(result)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("work order %s: %w", id, ErrNotFound)
	}
	return nil
}

// AppendAudit appends an immutable audit entry
func (s *SQLiteStore) AppendAudit(ctx context.Context, entry *workorder.AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	result, err := s.q.ExecContext(ctx,
		`INSERT INTO audit (work_order_id, action, actor, from_status, to_status, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.WorkOrderID, entry.Action, entry.Actor, entry.FromStatus, entry.ToStatus,
		entry.Details, formatTime(entry.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get audit entry id: %w", err)
	}
	entry.ID = id
	return nil
}

// ListAudit lists audit entries in insertion order
func (s *SQLiteStore) ListAudit(ctx context.Context, filter AuditFilter) ([]*workorder.AuditEntry, error) {
	query := `SELECT id, work_order_id, action, actor, from_status, to_status, details, timestamp FROM audit`

	var (
		where []string
		args  []any
	)
	if filter.WorkOrderID != nil {
		where = append(where, "work_order_id = ?")
		args = append(args, *filter.WorkOrderID)
	}
	if filter.Action != nil {
		where = append(where, "action = ?")
		args = append(args, *filter.Action)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*workorder.AuditEntry
	for rows.Next() {
		var (
			entry       workorder.AuditEntry
			workOrderID sql.NullString
			fromStatus  sql.NullString
			toStatus    sql.NullString
			details     sql.NullString
			timestamp   string
		)
		if err := rows.Scan(&entry.ID, &workOrderID, &entry.Action, &entry.Actor,
			&fromStatus, &toStatus, &details, &timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}

		entry.WorkOrderID = ptrString(workOrderID)
		entry.Details = ptrString(details)
		if fromStatus.Valid {
			st := workorder.Status(fromStatus.String)
			entry.FromStatus = &st
		}
		if toStatus.Valid {
			st := workorder.Status(toStatus.String)
			entry.ToStatus = &st
		}
		if entry.Timestamp, err = parseTime(timestamp); err != nil {
			return nil, fmt.Errorf("failed to parse audit timestamp: %w", err)
		}
		entries = append(entries, &entry)
	}

	return entries, rows.Err()
}

// AppendExecutionLog appends a step to a work order's execution log
func (s *SQLiteStore) AppendExecutionLog(ctx context.Context, entry *workorder.ExecutionLogEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	tools, err := marshalList(entry.ToolNames)
	if err != nil {
		return fmt.Errorf("failed to marshal tool names: %w", err)
	}

	result, err := s.q.ExecContext(ctx,
		`INSERT INTO execution_log (work_order_id, phase, tool_names, success, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.WorkOrderID, entry.Phase, tools, boolToInt(entry.Success), entry.Detail,
		formatTime(entry.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append execution log entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get execution log id: %w", err)
	}
	entry.ID = id
	return nil
}

// ListExecutionLog returns the most recent log entries for a work order,
// newest first. A non-positive limit returns all entries.
func (s *SQLiteStore) ListExecutionLog(ctx context.Context, workOrderID string, limit int) ([]*workorder.ExecutionLogEntry, error) {
	query := `SELECT id, work_order_id, phase, tool_names, success, detail, created_at
		FROM execution_log WHERE work_order_id = ? ORDER BY id DESC`
	args := []any{workOrderID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list execution log: %w", err)
	}
	defer rows.Close()

	var entries []*workorder.ExecutionLogEntry
	for rows.Next() {
		var (
			entry     workorder.ExecutionLogEntry
			tools     string
			success   int
			createdAt string
		)
		if err := rows.Scan(&entry.ID, &entry.WorkOrderID, &entry.Phase, &tools, &success,
			&entry.Detail, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan execution log entry: %w", err)
		}
		if entry.ToolNames, err = unmarshalList[string](tools); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tool names: %w", err)
		}
		entry.Success = success != 0
		if entry.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("failed to parse execution log time: %w", err)
		}
		entries = append(entries, &entry)
	}

	return entries, rows.Err()
}

// RecordQAFinding stores a QA finding
func (s *SQLiteStore) RecordQAFinding(ctx context.Context, finding *workorder.QAFinding) error {
	if finding.CreatedAt.IsZero() {
		finding.CreatedAt = time.Now().UTC()
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO qa_findings (id, work_order_id, category, description, open, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		finding.ID, finding.WorkOrderID, finding.Category, finding.Description,
		boolToInt(finding.Open), formatTime(finding.CreatedAt), formatTimePtr(finding.ResolvedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to record QA finding: %w", err)
	}
	return nil
}

// ListOpenQAFindings lists unresolved QA findings for a work order
func (s *SQLiteStore) ListOpenQAFindings(ctx context.Context, workOrderID string) ([]*workorder.QAFinding, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, work_order_id, category, description, open, created_at, resolved_at
		FROM qa_findings WHERE work_order_id = ? AND open = 1 ORDER BY created_at, rowid`,
		workOrderID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list QA findings: %w", err)
	}
	defer rows.Close()

	var findings []*workorder.QAFinding
	for rows.Next() {
		var (
			f          workorder.QAFinding
			open       int
			createdAt  string
			resolvedAt sql.NullString
		)
		if err := rows.Scan(&f.ID, &f.WorkOrderID, &f.Category, &f.Description, &open,
			&createdAt, &resolvedAt); err != nil {
			return nil, fmt.Errorf("failed to scan QA finding: %w", err)
		}
		f.Open = open != 0
		if f.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if f.ResolvedAt, err = parseNullTime(resolvedAt); err != nil {
			return nil, err
		}
		findings = append(findings, &f)
	}

	return findings, rows.Err()
}

// CreateLesson stores a promoted lesson
func (s *SQLiteStore) CreateLesson(ctx context.Context, lesson *triage.Lesson) error {
	if lesson.CreatedAt.IsZero() {
		lesson.CreatedAt = time.Now().UTC()
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO lessons (id, category, content, score, created_at) VALUES (?, ?, ?, ?, ?)`,
		lesson.ID, lesson.Category, lesson.Content, lesson.Score, formatTime(lesson.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create lesson: %w", err)
	}
	return nil
}

// ListLessons returns the highest-scored lessons for a category
func (s *SQLiteStore) ListLessons(ctx context.Context, category string, limit int) ([]*triage.Lesson, error) {
	query := `SELECT id, category, content, score, created_at FROM lessons
		WHERE category = ? ORDER BY score DESC, created_at DESC`
	args := []any{category}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list lessons: %w", err)
	}
	defer rows.Close()

	var lessons []*triage.Lesson
	for rows.Next() {
		var (
			l         triage.Lesson
			createdAt string
		)
		if err := rows.Scan(&l.ID, &l.Category, &l.Content, &l.Score, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan lesson: %w", err)
		}
		if l.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		lessons = append(lessons, &l)
	}

	return lessons, rows.Err()
}

func (s *SQLiteStore) queryWorkOrders(ctx context.Context, query string, args ...any) ([]*workorder.WorkOrder, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list work orders: %w", err)
	}
	defer rows.Close()

	var out []*workorder.WorkOrder
	for rows.Next() {
		wo, err := scanWorkOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan work order: %w", err)
		}
		out = append(out, wo)
	}

	return out, rows.Err()
}

func scanWorkOrder(row rowScanner) (*workorder.WorkOrder, error) {
	var (
		wo          workorder.WorkOrder
		parentID    sql.NullString
		dependsOn   string
		tags        string
		criteria    string
		claimedBy   sql.NullString
		summary     sql.NullString
		createdAt   string
		startedAt   sql.NullString
		updatedAt   string
		completedAt sql.NullString
	)

	if err := row.Scan(&wo.ID, &wo.Slug, &wo.Name, &wo.Objective, &wo.Status, &wo.Priority,
		&parentID, &dependsOn, &tags, &criteria, &claimedBy, &summary,
		&createdAt, &startedAt, &updatedAt, &completedAt); err != nil {
		return nil, err
	}

	var err error
	wo.ParentID = ptrString(parentID)
	wo.ClaimedBy = claimedBy.String
	wo.Summary = summary.String
	if wo.DependsOn, err = unmarshalList[string](dependsOn); err != nil {
		return nil, fmt.Errorf("failed to unmarshal depends_on: %w", err)
	}
	if wo.Tags, err = unmarshalList[string](tags); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tags: %w", err)
	}
	if wo.AcceptanceCriteria, err = unmarshalList[workorder.ChecklistItem](criteria); err != nil {
		return nil, fmt.Errorf("failed to unmarshal acceptance criteria: %w", err)
	}
	if wo.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if wo.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if wo.StartedAt, err = parseNullTime(startedAt); err != nil {
		return nil, err
	}
	if wo.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, err
	}

	return &wo, nil
}
