package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/olivergale/metis-portal2-sub002/pkg/stores"
	"github.com/olivergale/metis-portal2-sub002/pkg/telemetry"
)

// Handler processes one leased task. A returned error releases the task
// for retry.
type Handler func(ctx context.Context, task *stores.Task) error

// WorkerConfig configures a polling worker.
type WorkerConfig struct {
	Name         string
	Kind         string
	PollInterval time.Duration
	RetryDelay   time.Duration
}

// Worker polls the queue for one task kind and runs a handler per task.
type Worker struct {
	queue   *Queue
	handler Handler
	cfg     WorkerConfig
	logger  *telemetry.Logger
}

// NewWorker creates a worker for cfg.Kind.
func NewWorker(q *Queue, cfg WorkerConfig, handler Handler) *Worker {
	if cfg.Name == "" {
		cfg.Name = "worker-" + cfg.Kind
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	return &Worker{
		queue:   q,
		handler: handler,
		cfg:     cfg,
		logger:  q.logger.WithFields(map[string]interface{}{"worker": cfg.Name, "kind": cfg.Kind}),
	}
}

// Run polls until ctx is cancelled. The queue is drained before each wait.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("Worker started")
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		for {
			processed, err := w.ProcessOne(ctx)
			if err != nil {
				w.logger.WithError(err).Error("Queue poll failed")
				break
			}
			if !processed || ctx.Err() != nil {
				break
			}
		}

		select {
		case <-ctx.Done():
			w.logger.Info("Worker stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// ProcessOne leases and handles a single task. It reports whether a task
// was leased. Handler failures release the task and are not returned.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.queue.Lease(ctx, w.cfg.Kind, w.cfg.Name)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	logger := w.logger.WithTaskID(task.ID).WithField("attempt", task.Attempts)
	logger.Debug("Task leased")

	if err := w.handle(ctx, task); err != nil {
		logger.WithError(err).Error("Task failed, releasing for retry")
		if relErr := w.queue.Release(ctx, task, w.cfg.RetryDelay, err); relErr != nil {
			return true, fmt.Errorf("failed to release task %s: %w", task.ID, relErr)
		}
		return true, nil
	}

	if err := w.queue.Ack(ctx, task); err != nil {
		return true, fmt.Errorf("failed to ack task %s: %w", task.ID, err)
	}
	logger.Info("Task completed")
	return true, nil
}

func (w *Worker) handle(ctx context.Context, task *stores.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return w.handler(ctx, task)
}
