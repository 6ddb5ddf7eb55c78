package workorder

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Status represents the lifecycle state of a work order.
type Status string

const (
	// StatusDraft indicates the work order is still being specified.
	StatusDraft Status = "draft"

	// StatusReady indicates the work order can be claimed by an agent.
	StatusReady Status = "ready"

	// StatusInProgress indicates an agent is executing the work order.
	StatusInProgress Status = "in_progress"

	// StatusBlocked indicates execution is paused on an external condition.
	StatusBlocked Status = "blocked"

	// StatusReview indicates the work is finished and awaiting review.
	StatusReview Status = "review"

	// StatusDone indicates the work order completed successfully.
	StatusDone Status = "done"

	// StatusCancelled indicates the work order was abandoned.
	StatusCancelled Status = "cancelled"

	// StatusFailed indicates the work order failed.
	StatusFailed Status = "failed"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusDraft, StatusReady, StatusInProgress, StatusBlocked,
	StatusReview, StatusDone, StatusCancelled, StatusFailed,
}

// IsTerminal returns true if the status represents a final state.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusCancelled || s == StatusFailed
}

// IsActive returns true if the work order can still change status.
func (s Status) IsActive() bool {
	return !s.IsTerminal()
}

// IsSuccess returns true for the only successful terminal state.
func (s Status) IsSuccess() bool {
	return s == StatusDone
}

// Validate checks if the status is valid.
func (s Status) Validate() error {
	switch s {
	case StatusDraft, StatusReady, StatusInProgress, StatusBlocked,
		StatusReview, StatusDone, StatusCancelled, StatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid work order status: %s", s)
	}
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *Status) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = Status(str)
	return s.Validate()
}

// Event is a lifecycle event submitted to the transition gateway.
type Event string

const (
	// EventSubmit moves a draft into the ready queue.
	EventSubmit Event = "submit"

	// EventStart claims a ready work order and begins execution.
	EventStart Event = "start"

	// EventBlock pauses execution. Requires a reason.
	EventBlock Event = "block"

	// EventUnblock returns a blocked work order to ready.
	EventUnblock Event = "unblock"

	// EventRequestReview hands finished work to review.
	EventRequestReview Event = "request_review"

	// EventReject sends reviewed work back to execution.
	EventReject Event = "reject"

	// EventComplete marks the work order done.
	EventComplete Event = "complete"

	// EventCancel abandons the work order.
	EventCancel Event = "cancel"

	// EventFail marks the work order failed. Requires a reason.
	EventFail Event = "fail"
)

// Validate checks if the event is known.
func (e Event) Validate() error {
	switch e {
	case EventSubmit, EventStart, EventBlock, EventUnblock, EventRequestReview,
		EventReject, EventComplete, EventCancel, EventFail:
		return nil
	default:
		return fmt.Errorf("unknown work order event: %s", e)
	}
}

// RequiresReason returns true for events whose payload must explain them.
func (e Event) RequiresReason() bool {
	return e == EventBlock || e == EventFail
}

// transitions maps a current status and event to the resulting status.
// cancel and fail are handled separately since they apply to every
// non-terminal state.
var transitions = map[Status]map[Event]Status{
	StatusDraft: {
		EventSubmit: StatusReady,
	},
	StatusReady: {
		EventStart: StatusInProgress,
	},
	StatusInProgress: {
		EventBlock:         StatusBlocked,
		EventRequestReview: StatusReview,
		EventComplete:      StatusDone,
	},
	StatusBlocked: {
		EventUnblock: StatusReady,
	},
	StatusReview: {
		EventReject:   StatusInProgress,
		EventComplete: StatusDone,
	},
}

// Next returns the status reached by applying event to from.
func Next(from Status, event Event) (Status, bool) {
	if from.IsTerminal() {
		return "", false
	}
	switch event {
	case EventCancel:
		return StatusCancelled, true
	case EventFail:
		return StatusFailed, true
	}
	to, ok := transitions[from][event]
	return to, ok
}

// AllowedEvents returns the events that are legal from the given status,
// sorted for stable output.
func AllowedEvents(from Status) []Event {
	if from.IsTerminal() {
		return nil
	}
	events := make([]Event, 0, len(transitions[from])+2)
	for e := range transitions[from] {
		events = append(events, e)
	}
	events = append(events, EventCancel, EventFail)
	sort.Slice(events, func(i, j int) bool { return events[i] < events[j] })
	return events
}
