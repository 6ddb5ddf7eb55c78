package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/olivergale/metis-portal2-sub002/pkg/triage"
)

const triageColumns = `id, work_order_id, triage_type, severity, diagnostic_context, escalate_to,
	state, correlation, claimed_by, claimed_at, notes, resolution, created_at, updated_at, resolved_at`

// InsertTriageEntry records a triage entry unless an unresolved entry of the
// same type already exists for the work order. It returns the stored entry
// and whether a new row was created.
func (s *SQLiteStore) InsertTriageEntry(ctx context.Context, entry *triage.Entry) (*triage.Entry, bool, error) {
	if err := entry.Type.Validate(); err != nil {
		return nil, false, err
	}
	if err := entry.Severity.Validate(); err != nil {
		return nil, false, err
	}
	if entry.State == "" {
		entry.State = triage.StateOpen
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = entry.CreatedAt
	}

	rawContext, err := triage.EncodeContext(entry.Context)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode diagnostic context: %w", err)
	}
	notes, err := marshalList(entry.Notes)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal notes: %w", err)
	}

	result, err := s.q.ExecContext(ctx,
		`INSERT OR IGNORE INTO triage_entries (`+triageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.WorkOrderID, entry.Type, entry.Severity, string(rawContext),
		entry.EscalateTo, entry.State, entry.Correlation, nullString(entry.ClaimedBy),
		formatTimePtr(entry.ClaimedAt), notes, entry.Resolution,
		formatTime(entry.CreatedAt), formatTime(entry.UpdatedAt), formatTimePtr(entry.ResolvedAt),
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert triage entry: %w", err)
	}

	n, err := rowsAffected(result)
	if err != nil {
		return nil, false, err
	}
	if n > 0 {
		stored, err := s.GetTriageEntry(ctx, entry.ID)
		return stored, true, err
	}

	row := s.q.QueryRowContext(ctx,
		`SELECT `+triageColumns+` FROM triage_entries
		WHERE work_order_id = ? AND triage_type = ? AND state <> ?`,
		entry.WorkOrderID, entry.Type, triage.StateResolved,
	)
	existing, err := scanTriageEntry(row)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load existing triage entry: %w", err)
	}
	return existing, false, nil
}

// GetTriageEntry retrieves a triage entry by ID
func (s *SQLiteStore) GetTriageEntry(ctx context.Context, id string) (*triage.Entry, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+triageColumns+` FROM triage_entries WHERE id = ?`, id)
	entry, err := scanTriageEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("triage entry %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get triage entry: %w", err)
	}
	return entry, nil
}

// ListTriageEntries lists triage entries matching the filter, oldest first
func (s *SQLiteStore) ListTriageEntries(ctx context.Context, filter TriageFilter) ([]*triage.Entry, error) {
	var (
		where []string
		args  []any
	)
	if filter.WorkOrderID != nil {
		where = append(where, "work_order_id = ?")
		args = append(args, *filter.WorkOrderID)
	}
	if filter.Type != nil {
		where = append(where, "triage_type = ?")
		args = append(args, *filter.Type)
	}
	if len(filter.States) > 0 {
		where = append(where, "state IN ("+placeholders(len(filter.States))+")")
		for _, st := range filter.States {
			args = append(args, st)
		}
	}
	if filter.EscalateTo != nil {
		where = append(where, "escalate_to = ?")
		args = append(args, *filter.EscalateTo)
	}

	query := `SELECT ` + triageColumns + ` FROM triage_entries`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, rowid"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	return s.queryTriageEntries(ctx, query, args...)
}

// EscalateTriageEntry marks an unresolved entry as escalated to target. It
// reports whether the entry changed state.
func (s *SQLiteStore) EscalateTriageEntry(ctx context.Context, id string, target triage.Target, correlation string, now time.Time) (bool, error) {
	result, err := s.q.ExecContext(ctx,
		`UPDATE triage_entries SET
			state = ?,
			escalate_to = ?,
			correlation = CASE WHEN ? <> '' THEN ? ELSE correlation END,
			updated_at = ?
		WHERE id = ? AND state = ?`,
		triage.StateEscalated, target, correlation, correlation, formatTime(now),
		id, triage.StateOpen,
	)
	if err != nil {
		return false, fmt.Errorf("failed to escalate triage entry: %w", err)
	}

	n, err := rowsAffected(result)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ClaimTriageEntries atomically claims up to limit escalated entries for
// worker, oldest first. Claims older than claimTTL are treated as abandoned.
func (s *SQLiteStore) ClaimTriageEntries(ctx context.Context, worker string, limit int, claimTTL time.Duration, now time.Time) ([]*triage.Entry, error) {
	if limit <= 0 {
		return nil, nil
	}

	var claimed []*triage.Entry
	err := s.WithTx(ctx, func(tx Store) error {
		q := tx.(*SQLiteStore).q
		stale := formatTime(now.Add(-claimTTL))

		rows, err := q.QueryContext(ctx,
			`SELECT id FROM triage_entries
			WHERE state = ? AND escalate_to = ?
				AND (claimed_by IS NULL OR claimed_at IS NULL OR claimed_at < ?)
			ORDER BY created_at, rowid
			LIMIT ?`,
			triage.StateEscalated, triage.TargetDiagnostician, stale, limit,
		)
		if err != nil {
			return fmt.Errorf("failed to select claimable triage entries: %w", err)
		}

		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan triage id: %w", err)
			}
			ids = append(ids, id)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range ids {
			if _, err := q.ExecContext(ctx,
				`UPDATE triage_entries SET claimed_by = ?, claimed_at = ?, updated_at = ? WHERE id = ?`,
				worker, formatTime(now), formatTime(now), id,
			); err != nil {
				return fmt.Errorf("failed to claim triage entry %s: %w", id, err)
			}
			entry, err := tx.GetTriageEntry(ctx, id)
			if err != nil {
				return err
			}
			claimed = append(claimed, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// ReleaseTriageClaim drops the claim on an entry, leaving it escalated, and
// appends note to its notes when non-empty.
func (s *SQLiteStore) ReleaseTriageClaim(ctx context.Context, id, note string, now time.Time) error {
	query := `UPDATE triage_entries SET claimed_by = NULL, claimed_at = NULL, updated_at = ?`
	args := []any{formatTime(now)}
	if note != "" {
		query += `, notes = json_insert(notes, '$[#]', ?)`
		args = append(args, note)
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	result, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to release triage claim: %w", err)
	}
	n, err := rowsAffected(result)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("triage entry %s: %w", id, ErrNotFound)
	}
	return nil
}

// ResolveTriageEntry marks an entry resolved with the given resolution.
func (s *SQLiteStore) ResolveTriageEntry(ctx context.Context, id, resolution string, now time.Time) error {
	result, err := s.q.ExecContext(ctx,
		`UPDATE triage_entries SET
			state = ?, resolution = ?, resolved_at = ?, updated_at = ?,
			claimed_by = NULL, claimed_at = NULL
		WHERE id = ? AND state <> ?`,
		triage.StateResolved, resolution, formatTime(now), formatTime(now), id, triage.StateResolved,
	)
	if err != nil {
		return fmt.Errorf("failed to resolve triage entry: %w", err)
	}
	n, err := rowsAffected(result)
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetTriageEntry(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("triage entry %s already resolved: %w", id, ErrStatusConflict)
	}
	return nil
}

// CountEscalatedTriage counts entries waiting for the diagnostician
func (s *SQLiteStore) CountEscalatedTriage(ctx context.Context) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM triage_entries WHERE state = ? AND escalate_to = ?`,
		triage.StateEscalated, triage.TargetDiagnostician,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count escalated triage entries: %w", err)
	}
	return n, nil
}

// CreateDiagnosis stores a diagnosis record
func (s *SQLiteStore) CreateDiagnosis(ctx context.Context, d *triage.Diagnosis) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	factors, err := marshalList(d.ContributingFactors)
	if err != nil {
		return fmt.Errorf("failed to marshal contributing factors: %w", err)
	}
	tasks, err := marshalList(d.FixTasks)
	if err != nil {
		return fmt.Errorf("failed to marshal fix tasks: %w", err)
	}

	_, err = s.q.ExecContext(ctx,
		`INSERT INTO diagnoses (id, triage_entry_id, work_order_id, root_cause, contributing_factors,
			recommended_fix, confidence, fix_tasks, fallback, raw, remediation_slug, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.TriageEntryID, d.WorkOrderID, d.RootCause, factors, d.RecommendedFix,
		d.Confidence, tasks, boolToInt(d.Fallback), d.Raw, d.RemediationSlug, formatTime(d.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create diagnosis: %w", err)
	}
	return nil
}

// ListDiagnoses lists diagnoses recorded for a triage entry
func (s *SQLiteStore) ListDiagnoses(ctx context.Context, triageEntryID string) ([]*triage.Diagnosis, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, triage_entry_id, work_order_id, root_cause, contributing_factors, recommended_fix,
			confidence, fix_tasks, fallback, raw, remediation_slug, created_at
		FROM diagnoses WHERE triage_entry_id = ? ORDER BY created_at, rowid`,
		triageEntryID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list diagnoses: %w", err)
	}
	defer rows.Close()

	var out []*triage.Diagnosis
	for rows.Next() {
		var (
			d         triage.Diagnosis
			factors   string
			tasks     string
			fallback  int
			createdAt string
		)
		if err := rows.Scan(&d.ID, &d.TriageEntryID, &d.WorkOrderID, &d.RootCause, &factors,
			&d.RecommendedFix, &d.Confidence, &tasks, &fallback, &d.Raw, &d.RemediationSlug,
			&createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan diagnosis: %w", err)
		}
		if d.ContributingFactors, err = unmarshalList[string](factors); err != nil {
			return nil, err
		}
		if d.FixTasks, err = unmarshalList[triage.FixTask](tasks); err != nil {
			return nil, err
		}
		d.Fallback = fallback != 0
		if d.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, &d)
	}

	return out, rows.Err()
}

func (s *SQLiteStore) queryTriageEntries(ctx context.Context, query string, args ...any) ([]*triage.Entry, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list triage entries: %w", err)
	}
	defer rows.Close()

	var out []*triage.Entry
	for rows.Next() {
		entry, err := scanTriageEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan triage entry: %w", err)
		}
		out = append(out, entry)
	}

	return out, rows.Err()
}

func scanTriageEntry(row rowScanner) (*triage.Entry, error) {
	var (
		e          triage.Entry
		rawContext string
		claimedBy  sql.NullString
		claimedAt  sql.NullString
		notes      string
		createdAt  string
		updatedAt  string
		resolvedAt sql.NullString
	)

	if err := row.Scan(&e.ID, &e.WorkOrderID, &e.Type, &e.Severity, &rawContext, &e.EscalateTo,
		&e.State, &e.Correlation, &claimedBy, &claimedAt, &notes, &e.Resolution,
		&createdAt, &updatedAt, &resolvedAt); err != nil {
		return nil, err
	}

	var err error
	if e.Context, err = triage.DecodeContext(e.Type, []byte(rawContext)); err != nil {
		return nil, err
	}
	e.ClaimedBy = claimedBy.String
	if e.ClaimedAt, err = parseNullTime(claimedAt); err != nil {
		return nil, err
	}
	if e.Notes, err = unmarshalList[string](notes); err != nil {
		return nil, err
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if e.ResolvedAt, err = parseNullTime(resolvedAt); err != nil {
		return nil, err
	}

	return &e, nil
}
