package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/olivergale/metis-portal2-sub002/pkg/stores"
	"github.com/olivergale/metis-portal2-sub002/pkg/telemetry"
)

// Task kinds
const (
	KindDiagnose = "diagnose"
)

// Default lease and retry settings
const (
	DefaultLeaseTTL   = 5 * time.Minute
	DefaultRetryDelay = 30 * time.Second
)

// PushOptions controls how a task is enqueued.
type PushOptions struct {
	// Dedupe skips the push when a pending task of the same kind exists.
	Dedupe bool

	// Delay postpones availability.
	Delay time.Duration
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock overrides the queue's time source.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

// WithLeaseTTL sets how long a leased task stays invisible to other workers.
func WithLeaseTTL(ttl time.Duration) Option {
	return func(q *Queue) {
		if ttl > 0 {
			q.leaseTTL = ttl
		}
	}
}

// Queue is a durable at-least-once task queue backed by the store.
type Queue struct {
	store    stores.Store
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
	now      func() time.Time
	leaseTTL time.Duration
}

// New creates a queue over store.
func New(store stores.Store, tel *telemetry.Telemetry, opts ...Option) *Queue {
	if tel == nil {
		tel = telemetry.NewNopTelemetry()
	}
	q := &Queue{
		store:    store,
		logger:   tel.Logger.NewComponentLogger("queue"),
		metrics:  tel.Metrics,
		now:      func() time.Time { return time.Now().UTC() },
		leaseTTL: DefaultLeaseTTL,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Push enqueues a task of kind carrying payload encoded as JSON. It returns
// the task, or nil when the push was deduplicated.
func (q *Queue) Push(ctx context.Context, kind string, payload any, opts PushOptions) (*stores.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", kind, err)
	}

	now := q.now()
	task := &stores.Task{
		ID:          uuid.New().String(),
		Kind:        kind,
		Payload:     string(body),
		CreatedAt:   now,
		UpdatedAt:   now,
		AvailableAt: now.Add(opts.Delay),
	}

	inserted, err := q.store.EnqueueTask(ctx, task, opts.Dedupe)
	if err != nil {
		return nil, err
	}
	if !inserted {
		q.metrics.RecordTask(kind, "deduped")
		q.logger.WithField("kind", kind).Debug("Pending task already queued")
		return nil, nil
	}

	q.metrics.RecordTask(kind, "enqueued")
	q.logger.WithTaskID(task.ID).WithField("kind", kind).Info("Task queued")
	return task, nil
}

// Lease claims the oldest available task of kind for worker. It returns
// nil, nil when the queue is empty.
func (q *Queue) Lease(ctx context.Context, kind, worker string) (*stores.Task, error) {
	task, err := q.store.LeaseTask(ctx, kind, worker, q.leaseTTL, q.now())
	if errors.Is(err, stores.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	q.metrics.RecordTask(kind, "leased")
	return task, nil
}

// Ack marks a leased task complete.
func (q *Queue) Ack(ctx context.Context, task *stores.Task) error {
	if err := q.store.AckTask(ctx, task.ID, q.now()); err != nil {
		return err
	}
	q.metrics.RecordTask(task.Kind, "acked")
	return nil
}

// Release returns a task to the queue after delay, recording cause.
func (q *Queue) Release(ctx context.Context, task *stores.Task, delay time.Duration, cause error) error {
	now := q.now()
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if err := q.store.ReleaseTask(ctx, task.ID, now.Add(delay), msg, now); err != nil {
		return err
	}
	q.metrics.RecordTask(task.Kind, "released")
	return nil
}

// Depth counts pending tasks of kind.
func (q *Queue) Depth(ctx context.Context, kind string) (int, error) {
	return q.store.CountTasks(ctx, kind, stores.TaskStatePending)
}

// Decode unmarshals a task payload into v.
func Decode(task *stores.Task, v any) error {
	if err := json.Unmarshal([]byte(task.Payload), v); err != nil {
		return fmt.Errorf("failed to decode %s task %s: %w", task.Kind, task.ID, err)
	}
	return nil
}
