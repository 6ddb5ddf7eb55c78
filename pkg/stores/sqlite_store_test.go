package stores

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/olivergale/metis-portal2-sub002/pkg/triage"
	"github.com/olivergale/metis-portal2-sub002/pkg/workorder"
)

// setupTestStore creates a migrated SQLite store in a temporary directory
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "metis.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestWorkOrder(id string, status workorder.Status, created time.Time) *workorder.WorkOrder {
	return &workorder.WorkOrder{
		ID:        id,
		Slug:      "WO-" + id,
		Name:      "work order " + id,
		Objective: "exercise the store",
		Status:    status,
		Priority:  workorder.PriorityMedium,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}

	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("expected error for empty path")
	}
}

// TestStoreMigrations tests that migrations are idempotent
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)

	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("second migration run failed: %v", err)
	}
}

// TestWorkOrderCRUD tests creating and reading work orders
func TestWorkOrderCRUD(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	parent := newTestWorkOrder("parent", workorder.StatusReady, now)
	parent.Tags = []string{"remediation", "db"}
	parent.AcceptanceCriteria = workorder.Criteria("tests pass", "docs updated")
	if err := store.CreateWorkOrder(ctx, parent); err != nil {
		t.Fatalf("failed to create work order: %v", err)
	}

	child := newTestWorkOrder("child", workorder.StatusDraft, now.Add(time.Second))
	child.ParentID = &parent.ID
	child.DependsOn = []string{"parent"}
	if err := store.CreateWorkOrder(ctx, child); err != nil {
		t.Fatalf("failed to create child: %v", err)
	}

	got, err := store.GetWorkOrder(ctx, parent.ID)
	if err != nil {
		t.Fatalf("failed to get work order: %v", err)
	}
	if got.Slug != parent.Slug || got.Status != workorder.StatusReady {
		t.Errorf("unexpected work order: %+v", got)
	}
	if len(got.AcceptanceCriteria) != 2 || got.AcceptanceCriteria[0].State != workorder.CheckPending {
		t.Errorf("acceptance criteria not round-tripped: %+v", got.AcceptanceCriteria)
	}
	if !got.HasTag("DB") {
		t.Error("expected case-insensitive tag match")
	}
	if !got.CreatedAt.Equal(now) {
		t.Errorf("expected created_at %v, got %v", now, got.CreatedAt)
	}

	bySlug, err := store.GetWorkOrderBySlug(ctx, "WO-child")
	if err != nil {
		t.Fatalf("failed to get by slug: %v", err)
	}
	if bySlug.ParentID == nil || *bySlug.ParentID != parent.ID {
		t.Errorf("expected parent %s, got %v", parent.ID, bySlug.ParentID)
	}

	children, err := store.ListChildren(ctx, parent.ID)
	if err != nil {
		t.Fatalf("failed to list children: %v", err)
	}
	if len(children) != 1 || children[0].ID != child.ID {
		t.Errorf("expected one child, got %d", len(children))
	}

	tagged, err := store.ListWorkOrders(ctx, WorkOrderFilter{Tag: "remediation"})
	if err != nil {
		t.Fatalf("failed to list by tag: %v", err)
	}
	if len(tagged) != 1 {
		t.Errorf("expected 1 tagged work order, got %d", len(tagged))
	}

	drafts, err := store.ListWorkOrders(ctx, WorkOrderFilter{Statuses: []workorder.Status{workorder.StatusDraft}})
	if err != nil {
		t.Fatalf("failed to list by status: %v", err)
	}
	if len(drafts) != 1 || drafts[0].ID != child.ID {
		t.Errorf("expected the draft child, got %d results", len(drafts))
	}

	roots, err := store.ListWorkOrders(ctx, WorkOrderFilter{RootsOnly: true})
	if err != nil {
		t.Fatalf("failed to list roots: %v", err)
	}
	if len(roots) != 1 || roots[0].ID != parent.ID {
		t.Errorf("expected only the parent as root, got %d results", len(roots))
	}

	_, err = store.GetWorkOrder(ctx, "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// TestCompareAndSetStatus tests the conditional status write
func TestCompareAndSetStatus(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	wo := newTestWorkOrder("cas", workorder.StatusReady, now)
	if err := store.CreateWorkOrder(ctx, wo); err != nil {
		t.Fatalf("failed to create work order: %v", err)
	}

	agent := "agent-1"
	started := now.Add(time.Minute)
	err := store.CompareAndSetStatus(ctx, StatusUpdate{
		ID:        wo.ID,
		From:      workorder.StatusReady,
		To:        workorder.StatusInProgress,
		ClaimedBy: &agent,
		StartedAt: &started,
		UpdatedAt: started,
	})
	if err != nil {
		t.Fatalf("failed to set status: %v", err)
	}

	err = store.CompareAndSetStatus(ctx, StatusUpdate{
		ID:        wo.ID,
		From:      workorder.StatusReady,
		To:        workorder.StatusCancelled,
		UpdatedAt: started,
	})
	if !errors.Is(err, ErrStatusConflict) {
		t.Fatalf("expected ErrStatusConflict, got %v", err)
	}

	err = store.CompareAndSetStatus(ctx, StatusUpdate{
		ID:        "missing",
		From:      workorder.StatusReady,
		To:        workorder.StatusCancelled,
		UpdatedAt: started,
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	got, err := store.GetWorkOrder(ctx, wo.ID)
	if err != nil {
		t.Fatalf("failed to get work order: %v", err)
	}
	if got.Status != workorder.StatusInProgress || got.ClaimedBy != agent {
		t.Errorf("unexpected state after CAS: %s claimed by %q", got.Status, got.ClaimedBy)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(started) {
		t.Errorf("expected started_at %v, got %v", started, got.StartedAt)
	}
}

// TestCompareAndSetStatus_Reclaim tests that a work order returned to ready
// loses its claimant and that a restart moves started_at forward.
func TestCompareAndSetStatus_Reclaim(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	wo := newTestWorkOrder("reclaim", workorder.StatusReady, now)
	if err := store.CreateWorkOrder(ctx, wo); err != nil {
		t.Fatalf("failed to create work order: %v", err)
	}

	agent := "agent-1"
	first := now.Add(time.Minute)
	steps := []StatusUpdate{
		{From: workorder.StatusReady, To: workorder.StatusInProgress, ClaimedBy: &agent, StartedAt: &first, UpdatedAt: first},
		{From: workorder.StatusInProgress, To: workorder.StatusBlocked, UpdatedAt: first.Add(time.Minute)},
		{From: workorder.StatusBlocked, To: workorder.StatusReady, ReleaseClaim: true, UpdatedAt: first.Add(2 * time.Minute)},
	}
	for _, step := range steps {
		step.ID = wo.ID
		if err := store.CompareAndSetStatus(ctx, step); err != nil {
			t.Fatalf("%s -> %s failed: %v", step.From, step.To, err)
		}
	}

	got, err := store.GetWorkOrder(ctx, wo.ID)
	if err != nil {
		t.Fatalf("failed to get work order: %v", err)
	}
	if got.ClaimedBy != "" {
		t.Errorf("expected claim cleared on return to ready, got %q", got.ClaimedBy)
	}

	other := "agent-2"
	second := first.Add(time.Hour)
	err = store.CompareAndSetStatus(ctx, StatusUpdate{
		ID:        wo.ID,
		From:      workorder.StatusReady,
		To:        workorder.StatusInProgress,
		ClaimedBy: &other,
		StartedAt: &second,
		UpdatedAt: second,
	})
	if err != nil {
		t.Fatalf("restart failed: %v", err)
	}

	got, err = store.GetWorkOrder(ctx, wo.ID)
	if err != nil {
		t.Fatalf("failed to get work order: %v", err)
	}
	if got.ClaimedBy != other {
		t.Errorf("expected claimant %q, got %q", other, got.ClaimedBy)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(second) {
		t.Errorf("expected started_at %v after restart, got %v", second, got.StartedAt)
	}
}

// TestClearDependencies tests the conditional dependency clear
func TestClearDependencies(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	wo := newTestWorkOrder("deps", workorder.StatusReady, now)
	wo.DependsOn = []string{"a", "b"}
	if err := store.CreateWorkOrder(ctx, wo); err != nil {
		t.Fatalf("failed to create work order: %v", err)
	}

	changed, err := store.ClearDependencies(ctx, wo.ID, []string{"a"}, now)
	if err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	if changed {
		t.Error("expected no change when the dependency list differs")
	}

	changed, err = store.ClearDependencies(ctx, wo.ID, []string{"a", "b"}, now)
	if err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	if !changed {
		t.Error("expected dependencies to be cleared")
	}

	got, _ := store.GetWorkOrder(ctx, wo.ID)
	if len(got.DependsOn) != 0 {
		t.Errorf("expected empty depends_on, got %v", got.DependsOn)
	}
}

// TestAuditOperations tests audit append, filtering and immutability
func TestAuditOperations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	woID := "wo-audit"
	from := workorder.StatusReady
	to := workorder.StatusInProgress
	details := `{"reason":"test"}`

	entries := []*workorder.AuditEntry{
		{WorkOrderID: &woID, Action: workorder.AuditActionTransition, Actor: "agent", FromStatus: &from, ToStatus: &to},
		{WorkOrderID: &woID, Action: workorder.AuditActionCancelledBySettlement, Actor: "system", Details: &details},
		{Action: workorder.AuditActionTriageEscalated, Actor: "tier1-monitor"},
	}
	for _, e := range entries {
		if err := store.AppendAudit(ctx, e); err != nil {
			t.Fatalf("failed to append audit entry: %v", err)
		}
		if e.ID == 0 {
			t.Error("expected audit id to be assigned")
		}
	}

	all, err := store.ListAudit(ctx, AuditFilter{WorkOrderID: &woID})
	if err != nil {
		t.Fatalf("failed to list audit: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(all))
	}
	if all[0].FromStatus == nil || *all[0].FromStatus != from {
		t.Errorf("expected from_status %s, got %v", from, all[0].FromStatus)
	}

	action := workorder.AuditActionCancelledBySettlement
	filtered, err := store.ListAudit(ctx, AuditFilter{Action: &action})
	if err != nil {
		t.Fatalf("failed to filter audit: %v", err)
	}
	if len(filtered) != 1 || filtered[0].Details == nil || *filtered[0].Details != details {
		t.Errorf("unexpected filtered audit entries: %+v", filtered)
	}

	if _, err := store.q.ExecContext(ctx, `DELETE FROM audit`); err == nil {
		t.Error("expected audit delete to be rejected")
	}
}

// TestExecutionLog tests append order and limits
func TestExecutionLog(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 5; i++ {
		entry := &workorder.ExecutionLogEntry{
			WorkOrderID: "wo-log",
			Phase:       workorder.PhaseToolCall,
			ToolNames:   []string{"read_file"},
			Success:     true,
			Detail:      fmt.Sprintf("step %d", i),
			CreatedAt:   now.Add(time.Duration(i) * time.Second),
		}
		if err := store.AppendExecutionLog(ctx, entry); err != nil {
			t.Fatalf("failed to append log: %v", err)
		}
	}

	tail, err := store.ListExecutionLog(ctx, "wo-log", 2)
	if err != nil {
		t.Fatalf("failed to list log: %v", err)
	}
	if len(tail) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(tail))
	}
	if tail[0].Detail != "step 4" || tail[0].ToolNames[0] != "read_file" {
		t.Errorf("expected newest entry first, got %+v", tail[0])
	}
}

// TestTriageInsertIdempotent tests that one unresolved entry exists per type
func TestTriageInsertIdempotent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	first := &triage.Entry{
		ID:          "tri-1",
		WorkOrderID: "wo-1",
		Type:        triage.TypeStuck,
		Severity:    triage.SeverityHigh,
		Context:     triage.StuckContext{StartedAt: now.Add(-time.Hour), InProgressMinutes: 60, QuietMinutes: 45},
		EscalateTo:  triage.TargetOps,
		CreatedAt:   now,
	}
	stored, created, err := store.InsertTriageEntry(ctx, first)
	if err != nil {
		t.Fatalf("failed to insert triage entry: %v", err)
	}
	if !created || stored.State != triage.StateOpen {
		t.Fatalf("expected new open entry, got created=%v state=%s", created, stored.State)
	}
	if sc, ok := stored.Context.(triage.StuckContext); !ok || sc.QuietMinutes != 45 {
		t.Errorf("context not round-tripped: %#v", stored.Context)
	}

	dup := *first
	dup.ID = "tri-2"
	existing, created, err := store.InsertTriageEntry(ctx, &dup)
	if err != nil {
		t.Fatalf("duplicate insert failed: %v", err)
	}
	if created || existing.ID != "tri-1" {
		t.Errorf("expected existing entry tri-1, got created=%v id=%s", created, existing.ID)
	}

	if err := store.ResolveTriageEntry(ctx, "tri-1", "fixed", now); err != nil {
		t.Fatalf("failed to resolve: %v", err)
	}
	if err := store.ResolveTriageEntry(ctx, "tri-1", "fixed", now); !errors.Is(err, ErrStatusConflict) {
		t.Errorf("expected conflict on double resolve, got %v", err)
	}

	_, created, err = store.InsertTriageEntry(ctx, &dup)
	if err != nil {
		t.Fatalf("insert after resolve failed: %v", err)
	}
	if !created {
		t.Error("expected a new entry once the previous one was resolved")
	}
}

// TestTriageClaimAndRelease tests escalation, claiming and claim expiry
func TestTriageClaimAndRelease(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 3; i++ {
		entry := &triage.Entry{
			ID:          fmt.Sprintf("tri-%d", i),
			WorkOrderID: fmt.Sprintf("wo-%d", i),
			Type:        triage.TypeOrphan,
			Severity:    triage.SeverityMedium,
			Context:     triage.OrphanContext{ReadySince: now, IdleMinutes: 20},
			CreatedAt:   now.Add(time.Duration(i) * time.Second),
		}
		if _, _, err := store.InsertTriageEntry(ctx, entry); err != nil {
			t.Fatalf("failed to insert: %v", err)
		}
		changed, err := store.EscalateTriageEntry(ctx, entry.ID, triage.TargetDiagnostician, "shared cause", now)
		if err != nil || !changed {
			t.Fatalf("failed to escalate: changed=%v err=%v", changed, err)
		}
	}

	changed, err := store.EscalateTriageEntry(ctx, "tri-0", triage.TargetDiagnostician, "", now)
	if err != nil {
		t.Fatalf("re-escalate failed: %v", err)
	}
	if changed {
		t.Error("expected re-escalation to be a no-op")
	}

	count, err := store.CountEscalatedTriage(ctx)
	if err != nil || count != 3 {
		t.Fatalf("expected 3 escalated, got %d (%v)", count, err)
	}

	claimed, err := store.ClaimTriageEntries(ctx, "worker-a", 2, time.Minute, now)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if len(claimed) != 2 || claimed[0].ID != "tri-0" || claimed[1].ID != "tri-1" {
		t.Fatalf("expected the two oldest entries, got %d", len(claimed))
	}
	if claimed[0].Correlation != "shared cause" {
		t.Errorf("expected correlation to be kept, got %q", claimed[0].Correlation)
	}

	second, err := store.ClaimTriageEntries(ctx, "worker-b", 5, time.Minute, now)
	if err != nil {
		t.Fatalf("second claim failed: %v", err)
	}
	if len(second) != 1 || second[0].ID != "tri-2" {
		t.Fatalf("expected only tri-2 to be claimable, got %d", len(second))
	}

	if err := store.ReleaseTriageClaim(ctx, "tri-0", "reasoner timed out", now); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	released, _ := store.GetTriageEntry(ctx, "tri-0")
	if released.ClaimedBy != "" || len(released.Notes) != 1 || released.State != triage.StateEscalated {
		t.Errorf("unexpected released entry: %+v", released)
	}

	later := now.Add(2 * time.Minute)
	expired, err := store.ClaimTriageEntries(ctx, "worker-c", 5, time.Minute, later)
	if err != nil {
		t.Fatalf("claim after expiry failed: %v", err)
	}
	if len(expired) != 3 {
		t.Errorf("expected all 3 entries after claims expired, got %d", len(expired))
	}
}

// TestDiagnosisAndLessons tests diagnosis and lesson persistence
func TestDiagnosisAndLessons(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	d := &triage.Diagnosis{
		ID:             "diag-1",
		TriageEntryID:  "tri-1",
		WorkOrderID:    "wo-1",
		RootCause:      "database unavailable",
		RecommendedFix: "restart the pool",
		Confidence:     0.8,
		FixTasks: []triage.FixTask{
			{Name: "restart", Objective: "restart pool"},
			{Name: "verify", Objective: "verify pool"},
		},
	}
	if err := store.CreateDiagnosis(ctx, d); err != nil {
		t.Fatalf("failed to create diagnosis: %v", err)
	}
	list, err := store.ListDiagnoses(ctx, "tri-1")
	if err != nil {
		t.Fatalf("failed to list diagnoses: %v", err)
	}
	if len(list) != 1 || len(list[0].FixTasks) != 2 {
		t.Fatalf("unexpected diagnoses: %+v", list)
	}

	for i, score := range []float64{0.2, 0.9, 0.5} {
		lesson := &triage.Lesson{ID: fmt.Sprintf("lesson-%d", i), Category: "stuck", Content: "c", Score: score}
		if err := store.CreateLesson(ctx, lesson); err != nil {
			t.Fatalf("failed to create lesson: %v", err)
		}
	}
	lessons, err := store.ListLessons(ctx, "stuck", 2)
	if err != nil {
		t.Fatalf("failed to list lessons: %v", err)
	}
	if len(lessons) != 2 || lessons[0].Score != 0.9 {
		t.Errorf("expected highest scores first, got %+v", lessons)
	}
}

// TestTaskQueue tests enqueue dedupe, leasing and release
func TestTaskQueue(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	inserted, err := store.EnqueueTask(ctx, &Task{ID: "t1", Kind: "diagnose", CreatedAt: now}, true)
	if err != nil || !inserted {
		t.Fatalf("expected first enqueue to insert: %v %v", inserted, err)
	}
	inserted, err = store.EnqueueTask(ctx, &Task{ID: "t2", Kind: "diagnose", CreatedAt: now}, true)
	if err != nil {
		t.Fatalf("second enqueue failed: %v", err)
	}
	if inserted {
		t.Error("expected pending duplicate to be skipped")
	}

	task, err := store.LeaseTask(ctx, "diagnose", "w1", time.Minute, now)
	if err != nil {
		t.Fatalf("lease failed: %v", err)
	}
	if task.ID != "t1" || task.Attempts != 1 || task.State != TaskStateLeased {
		t.Errorf("unexpected leased task: %+v", task)
	}

	if _, err := store.LeaseTask(ctx, "diagnose", "w2", time.Minute, now); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound while leased, got %v", err)
	}

	// A leased task does not block a new pending one.
	inserted, err = store.EnqueueTask(ctx, &Task{ID: "t3", Kind: "diagnose", CreatedAt: now}, true)
	if err != nil || !inserted {
		t.Fatalf("expected enqueue beside a leased task: %v %v", inserted, err)
	}

	if err := store.ReleaseTask(ctx, "t1", now.Add(time.Hour), "boom", now); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if err := store.AckTask(ctx, "t3", now); err != nil {
		t.Fatalf("ack failed: %v", err)
	}

	pending, err := store.CountTasks(ctx, "diagnose", TaskStatePending)
	if err != nil || pending != 1 {
		t.Errorf("expected 1 pending task, got %d (%v)", pending, err)
	}
	if _, err := store.LeaseTask(ctx, "diagnose", "w1", time.Minute, now); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected delayed task to be unavailable, got %v", err)
	}
	if _, err := store.LeaseTask(ctx, "diagnose", "w1", time.Minute, now.Add(2*time.Hour)); err != nil {
		t.Errorf("expected delayed task to become available: %v", err)
	}
}

// TestTransactions tests commit and rollback through WithTx
func TestTransactions(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	errBoom := errors.New("boom")
	err := store.WithTx(ctx, func(tx Store) error {
		if err := tx.CreateWorkOrder(ctx, newTestWorkOrder("rolled-back", workorder.StatusDraft, now)); err != nil {
			return err
		}
		return errBoom
	})
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected errBoom, got %v", err)
	}
	if _, err := store.GetWorkOrder(ctx, "rolled-back"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected rolled back work order to be absent, got %v", err)
	}

	err = store.WithTx(ctx, func(tx Store) error {
		if err := tx.CreateWorkOrder(ctx, newTestWorkOrder("committed", workorder.StatusDraft, now)); err != nil {
			return err
		}
		// Nested calls join the outer transaction.
		return tx.WithTx(ctx, func(inner Store) error {
			_, err := inner.GetWorkOrder(ctx, "committed")
			return err
		})
	})
	if err != nil {
		t.Fatalf("transaction failed: %v", err)
	}
	if _, err := store.GetWorkOrder(ctx, "committed"); err != nil {
		t.Errorf("expected committed work order: %v", err)
	}
}
