package queue

import (
	"context"
	"time"
)

// DiagnosePayload is the body of a diagnose task.
type DiagnosePayload struct {
	SweepID     string    `json:"sweep_id,omitempty"`
	Escalated   int       `json:"escalated"`
	Reason      string    `json:"reason,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

// Dispatcher turns monitor escalations into diagnose tasks. At most one
// pending diagnose task exists at a time.
type Dispatcher struct {
	queue *Queue
}

// NewDispatcher creates a dispatcher over q.
func NewDispatcher(q *Queue) *Dispatcher {
	return &Dispatcher{queue: q}
}

// Dispatch requests a diagnostician run for a sweep. escalated is the
// number of entries waiting.
func (d *Dispatcher) Dispatch(ctx context.Context, sweepID string, escalated int) error {
	_, err := d.queue.Push(ctx, KindDiagnose, DiagnosePayload{
		SweepID:     sweepID,
		Escalated:   escalated,
		Reason:      "sweep",
		RequestedAt: d.queue.now(),
	}, PushOptions{Dedupe: true})
	return err
}

// Request enqueues a diagnose task for reason after delay.
func (d *Dispatcher) Request(ctx context.Context, reason string, delay time.Duration) (bool, error) {
	task, err := d.queue.Push(ctx, KindDiagnose, DiagnosePayload{
		Reason:      reason,
		RequestedAt: d.queue.now(),
	}, PushOptions{Dedupe: true, Delay: delay})
	if err != nil {
		return false, err
	}
	return task != nil, nil
}
