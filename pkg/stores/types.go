package stores

import (
	"context"
	"errors"
	"time"

	"github.com/olivergale/metis-portal2-sub002/pkg/triage"
	"github.com/olivergale/metis-portal2-sub002/pkg/workorder"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStatusConflict is returned when a compare-and-set status update
	// finds a status other than the expected one.
	ErrStatusConflict = errors.New("status conflict")
)

// TaskState represents the state of a durable queue task.
type TaskState string

const (
	TaskStatePending TaskState = "pending"
	TaskStateLeased  TaskState = "leased"
	TaskStateDone    TaskState = "done"
)

// Task is a durable queue message.
type Task struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	Payload     string     `json:"payload"` // JSON blob
	State       TaskState  `json:"state"`
	Attempts    int        `json:"attempts"`
	AvailableAt time.Time  `json:"available_at"`
	LeasedBy    *string    `json:"leased_by,omitempty"`
	LeasedUntil *time.Time `json:"leased_until,omitempty"`
	LastError   *string    `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// WorkOrderFilter narrows ListWorkOrders.
type WorkOrderFilter struct {
	Statuses []workorder.Status
	ParentID *string
	Tag      string
	Limit    int

	// RootsOnly keeps work orders without a parent.
	RootsOnly bool
}

// AuditFilter narrows ListAudit.
type AuditFilter struct {
	WorkOrderID *string
	Action      *string
	Limit       int
}

// TriageFilter narrows ListTriageEntries.
type TriageFilter struct {
	WorkOrderID *string
	Type        *triage.Type
	States      []triage.State
	EscalateTo  *triage.Target
	Limit       int
}

// StatusUpdate is a compare-and-set status write. The update only applies
// when the stored status still equals From. StartedAt marks the latest entry
// into in_progress; ReleaseClaim clears claimed_by and wins over ClaimedBy.
type StatusUpdate struct {
	ID           string
	From         workorder.Status
	To           workorder.Status
	ClaimedBy    *string
	ReleaseClaim bool
	Summary      *string
	StartedAt    *time.Time
	CompletedAt  *time.Time
	UpdatedAt    time.Time
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error

	// WithTx runs fn against a store bound to a single transaction. The
	// transaction commits when fn returns nil and rolls back otherwise.
	// Calling WithTx on a transaction-bound store reuses the transaction.
	WithTx(ctx context.Context, fn func(tx Store) error) error

	// Work order operations
	CreateWorkOrder(ctx context.Context, wo *workorder.WorkOrder) error
	GetWorkOrder(ctx context.Context, id string) (*workorder.WorkOrder, error)
	GetWorkOrderBySlug(ctx context.Context, slug string) (*workorder.WorkOrder, error)
	ListWorkOrders(ctx context.Context, filter WorkOrderFilter) ([]*workorder.WorkOrder, error)
	ListChildren(ctx context.Context, parentID string) ([]*workorder.WorkOrder, error)
	CompareAndSetStatus(ctx context.Context, update StatusUpdate) error
	ClearDependencies(ctx context.Context, id string, expected []string, now time.Time) (bool, error)
	UpdateChecklist(ctx context.Context, id string, items []workorder.ChecklistItem, now time.Time) error

	// Audit operations
	AppendAudit(ctx context.Context, entry *workorder.AuditEntry) error
	ListAudit(ctx context.Context, filter AuditFilter) ([]*workorder.AuditEntry, error)

	// Execution log operations
	AppendExecutionLog(ctx context.Context, entry *workorder.ExecutionLogEntry) error
	ListExecutionLog(ctx context.Context, workOrderID string, limit int) ([]*workorder.ExecutionLogEntry, error)

	// QA finding and lesson operations
	RecordQAFinding(ctx context.Context, finding *workorder.QAFinding) error
	ListOpenQAFindings(ctx context.Context, workOrderID string) ([]*workorder.QAFinding, error)
	CreateLesson(ctx context.Context, lesson *triage.Lesson) error
	ListLessons(ctx context.Context, category string, limit int) ([]*triage.Lesson, error)

	// Triage operations
	InsertTriageEntry(ctx context.Context, entry *triage.Entry) (*triage.Entry, bool, error)
	GetTriageEntry(ctx context.Context, id string) (*triage.Entry, error)
	ListTriageEntries(ctx context.Context, filter TriageFilter) ([]*triage.Entry, error)
	EscalateTriageEntry(ctx context.Context, id string, target triage.Target, correlation string, now time.Time) (bool, error)
	ClaimTriageEntries(ctx context.Context, worker string, limit int, claimTTL time.Duration, now time.Time) ([]*triage.Entry, error)
	ReleaseTriageClaim(ctx context.Context, id, note string, now time.Time) error
	ResolveTriageEntry(ctx context.Context, id, resolution string, now time.Time) error
	CountEscalatedTriage(ctx context.Context) (int, error)

	// Diagnosis operations
	CreateDiagnosis(ctx context.Context, d *triage.Diagnosis) error
	ListDiagnoses(ctx context.Context, triageEntryID string) ([]*triage.Diagnosis, error)

	// Task queue operations
	EnqueueTask(ctx context.Context, task *Task, dedupe bool) (bool, error)
	LeaseTask(ctx context.Context, kind, worker string, ttl time.Duration, now time.Time) (*Task, error)
	AckTask(ctx context.Context, id string, now time.Time) error
	ReleaseTask(ctx context.Context, id string, availableAt time.Time, lastErr string, now time.Time) error
	CountTasks(ctx context.Context, kind string, state TaskState) (int, error)
}
