package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// CallStatus enumerates lifecycle stages for an individual call.
type CallStatus string

const (
	CallStatusQueued     CallStatus = "QUEUED"
	CallStatusRinging    CallStatus = "RINGING"
	CallStatusInProgress CallStatus = "IN_PROGRESS"
	CallStatusEnded      CallStatus = "ENDED"
	CallStatusFailed     CallStatus = "FAILED"
	CallStatusCanceled   CallStatus = "CANCELED"
	CallStatusNoAnswer   CallStatus = "NO_ANSWER"
	CallStatusBusy       CallStatus = "BUSY"
	CallStatusTimeout    CallStatus = "TIMEOUT"

	// CallStatusUnknown marks a provider status we could not map. It is recorded on
	// call events for operator attention and never stored on the call itself.
	CallStatusUnknown CallStatus = "UNKNOWN"
)

// ActiveStatuses are the non-terminal statuses.
var ActiveStatuses = []CallStatus{CallStatusQueued, CallStatusRinging, CallStatusInProgress}

// OccupyingStatuses hold a line at the provider and count against the cap.
var OccupyingStatuses = []CallStatus{CallStatusRinging, CallStatusInProgress}

// IsTerminal reports whether the call has finished.
func (s CallStatus) IsTerminal() bool {
	switch s {
	case CallStatusEnded, CallStatusFailed, CallStatusCanceled,
		CallStatusNoAnswer, CallStatusBusy, CallStatusTimeout:
		return true
	}
	return false
}

// IsActive reports whether the call still represents outstanding work.
func (s CallStatus) IsActive() bool {
	return s == CallStatusQueued || s == CallStatusRinging || s == CallStatusInProgress
}

// IsOccupying reports whether the call holds provider capacity.
func (s CallStatus) IsOccupying() bool {
	return s == CallStatusRinging || s == CallStatusInProgress
}

// rank orders active statuses so that updates never move a call backwards.
func (s CallStatus) rank() int {
	switch s {
	case CallStatusQueued:
		return 0
	case CallStatusRinging:
		return 1
	case CallStatusInProgress:
		return 2
	}
	if s.IsTerminal() {
		return 3
	}
	return -1
}

// CanTransitionTo reports whether moving from s to next is allowed. Terminal
// statuses are absorbing and active statuses only move forward.
func (s CallStatus) CanTransitionTo(next CallStatus) bool {
	if s.IsTerminal() || next == CallStatusUnknown || next == "" {
		return false
	}
	return next.rank() > s.rank()
}

// Call is the mutable record of one dialing attempt.
type Call struct {
	ID                uuid.UUID
	CampaignID        uuid.UUID
	ContactID         uuid.UUID
	ProviderCallID    *string
	Status            CallStatus
	StartedAt         *time.Time
	EndedAt           *time.Time
	EndedReason       *string
	Cost              *float64
	RecordingURL      *string
	Transcript        json.RawMessage
	SuccessEvaluation *bool
	LastStatusAt      time.Time
	CreatedAt         time.Time
}

// CallEvent is an append-only audit record for a call.
type CallEvent struct {
	ID        uuid.UUID
	CallID    uuid.UUID
	Status    CallStatus
	Payload   json.RawMessage
	CreatedAt time.Time
}
