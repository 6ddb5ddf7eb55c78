package workorder

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry logic.
type ErrorClass string

const (
	// ErrorClassValidation indicates the request was rejected without mutation.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassConflict indicates a concurrent modification won the race.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassTransient indicates an infrastructure failure worth retrying
	// on the next scheduled invocation.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassInternal indicates a non-recoverable internal failure.
	ErrorClassInternal ErrorClass = "internal"
)

// Error codes surfaced to callers of the transition operation.
const (
	ErrCodeValidation        = "ERR_VALIDATION"
	ErrCodeNotFound          = "ERR_NOT_FOUND"
	ErrCodeInvalidTransition = "ERR_INVALID_TRANSITION"
	ErrCodeTransitionFailed  = "ERR_TRANSITION_FAILED"
	ErrCodeInternal          = "ERR_INTERNAL"
)

// Error represents a classified lifecycle error with context.
type Error struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Code is the ERR_* code external callers branch on.
	Code string `json:"code"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// WorkOrderID is the work order the operation targeted, if any.
	WorkOrderID string `json:"work_order_id,omitempty"`

	// Event is the lifecycle event that was rejected, if any.
	Event Event `json:"event,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details carries the evaluation behind the decision, e.g. the
	// current status and the events that would have been legal.
	Details map[string]interface{} `json:"evaluation,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.WorkOrderID != "" {
		msg = fmt.Sprintf("%s (work_order=%s)", msg, e.WorkOrderID)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewValidationError creates a new validation error.
func NewValidationError(message string, err error) *Error {
	return &Error{Class: ErrorClassValidation, Code: ErrCodeValidation, Message: message, Err: err}
}

// NewNotFoundError creates a new not-found error.
func NewNotFoundError(workOrderID string) *Error {
	return &Error{
		Class:       ErrorClassValidation,
		Code:        ErrCodeNotFound,
		Message:     "work order not found",
		WorkOrderID: workOrderID,
	}
}

// NewInvalidTransitionError creates an error for an event that is not legal
// from the current status.
func NewInvalidTransitionError(workOrderID string, from Status, event Event) *Error {
	return &Error{
		Class:       ErrorClassValidation,
		Code:        ErrCodeInvalidTransition,
		Message:     fmt.Sprintf("event %q is not allowed from status %q", event, from),
		WorkOrderID: workOrderID,
		Event:       event,
		Details: map[string]interface{}{
			"current_status": from,
			"allowed_events": AllowedEvents(from),
		},
	}
}

// NewTransitionFailedError creates an error for a transition that lost a
// concurrent compare-and-set.
func NewTransitionFailedError(workOrderID string, expected Status, err error) *Error {
	return &Error{
		Class:       ErrorClassConflict,
		Code:        ErrCodeTransitionFailed,
		Message:     fmt.Sprintf("status changed concurrently (expected %q)", expected),
		WorkOrderID: workOrderID,
		Err:         err,
	}
}

// NewTransientError creates an error for an infrastructure failure, such as
// the store being unavailable. It is surfaced as ERR_INTERNAL.
func NewTransientError(message string, err error) *Error {
	return &Error{Class: ErrorClassTransient, Code: ErrCodeInternal, Message: message, Err: err}
}

// NewInternalError creates a new internal error.
func NewInternalError(message string, err error) *Error {
	return &Error{Class: ErrorClassInternal, Code: ErrCodeInternal, Message: message, Err: err}
}

// WithWorkOrder adds work order context to an error.
func (e *Error) WithWorkOrder(id string) *Error {
	e.WorkOrderID = id
	return e
}

// WithEvent adds event context to an error.
func (e *Error) WithEvent(event Event) *Error {
	e.Event = event
	return e
}

// WithDetail adds a detail field to the error evaluation.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// CodeOf returns the ERR_* code of err, or ErrCodeInternal for
// unclassified errors.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// IsValidation returns true if the error rejected the request without mutation.
func IsValidation(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == ErrorClassValidation
	}
	return false
}

// IsNotFound returns true if the error reports a missing work order.
func IsNotFound(err error) bool {
	return CodeOf(err) == ErrCodeNotFound
}

// IsRetryable returns true if the error can be retried.
// Conflict and transient errors are retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict || e.Class == ErrorClassTransient
	}
	return false
}
