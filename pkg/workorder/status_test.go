package workorder

import (
	"errors"
	"fmt"
	"testing"
)

func TestNext(t *testing.T) {
	tests := []struct {
		from  Status
		event Event
		want  Status
		ok    bool
	}{
		{StatusDraft, EventSubmit, StatusReady, true},
		{StatusReady, EventStart, StatusInProgress, true},
		{StatusInProgress, EventBlock, StatusBlocked, true},
		{StatusInProgress, EventRequestReview, StatusReview, true},
		{StatusInProgress, EventComplete, StatusDone, true},
		{StatusReview, EventComplete, StatusDone, true},
		{StatusReview, EventReject, StatusInProgress, true},
		{StatusBlocked, EventUnblock, StatusReady, true},
		{StatusDraft, EventCancel, StatusCancelled, true},
		{StatusBlocked, EventFail, StatusFailed, true},
		{StatusDraft, EventStart, "", false},
		{StatusBlocked, EventComplete, "", false},
		{StatusDone, EventCancel, "", false},
		{StatusFailed, EventFail, "", false},
		{StatusCancelled, EventSubmit, "", false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_%s", tt.from, tt.event), func(t *testing.T) {
			got, ok := Next(tt.from, tt.event)
			if ok != tt.ok {
				t.Fatalf("Next(%s, %s) ok = %v, want %v", tt.from, tt.event, ok, tt.ok)
			}
			if got != tt.want {
				t.Errorf("Next(%s, %s) = %s, want %s", tt.from, tt.event, got, tt.want)
			}
		})
	}
}

func TestStatusClassification(t *testing.T) {
	for _, s := range AllStatuses {
		if err := s.Validate(); err != nil {
			t.Errorf("status %s should be valid: %v", s, err)
		}
		if s.IsTerminal() == s.IsActive() {
			t.Errorf("status %s must be exactly one of terminal or active", s)
		}
	}
	if !StatusDone.IsSuccess() || StatusCancelled.IsSuccess() {
		t.Error("only done is a successful terminal state")
	}
	if err := Status("paused").Validate(); err == nil {
		t.Error("expected error for unknown status")
	}
}

func TestAllowedEvents(t *testing.T) {
	if got := AllowedEvents(StatusDone); got != nil {
		t.Errorf("terminal status should allow nothing, got %v", got)
	}

	got := AllowedEvents(StatusInProgress)
	want := []Event{EventBlock, EventCancel, EventComplete, EventFail, EventRequestReview}
	if len(got) != len(want) {
		t.Fatalf("AllowedEvents(in_progress) = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("AllowedEvents(in_progress)[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestErrorClassification(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NewInvalidTransitionError("wo-1", StatusDone, EventStart))

	if CodeOf(err) != ErrCodeInvalidTransition {
		t.Errorf("CodeOf = %s, want %s", CodeOf(err), ErrCodeInvalidTransition)
	}
	if !IsValidation(err) {
		t.Error("invalid transition should be a validation error")
	}
	if IsRetryable(err) {
		t.Error("invalid transition should not be retryable")
	}
	if !errors.Is(err, &Error{Class: ErrorClassValidation, Code: ErrCodeInvalidTransition}) {
		t.Error("errors.Is should match on class and code")
	}

	conflict := NewTransitionFailedError("wo-1", StatusReady, nil)
	if !IsRetryable(conflict) {
		t.Error("transition conflicts should be retryable")
	}
	if CodeOf(errors.New("boom")) != ErrCodeInternal {
		t.Error("unclassified errors should map to ERR_INTERNAL")
	}
	if !IsNotFound(NewNotFoundError("wo-2")) {
		t.Error("expected not found")
	}
}
