package registry

import (
	"errors"
	"time"
)

type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusAccepted  Status = "accepted"
	StatusConnected Status = "connected"
	StatusCompleted Status = "completed"
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
)

// successors is the status graph. Terminal statuses have no entry.
var successors = map[Status][]Status{
	StatusWaiting:   {StatusAccepted, StatusCancelled},
	StatusAccepted:  {StatusConnected, StatusCompleted, StatusRejected, StatusCancelled},
	StatusConnected: {StatusCompleted, StatusRejected, StatusCancelled},
}

// OpenStatuses lists every non-terminal status.
var OpenStatuses = []Status{StatusWaiting, StatusAccepted, StatusConnected}

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

func (s Status) Valid() bool {
	switch s {
	case StatusWaiting, StatusAccepted, StatusConnected,
		StatusCompleted, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is an edge of the status graph.
func CanTransition(from, to Status) bool {
	for _, s := range successors[from] {
		if s == to {
			return true
		}
	}
	return false
}

type Outcome string

const (
	OutcomeApproved Outcome = "approved"
	OutcomeRejected Outcome = "rejected"
)

func (o Outcome) Valid() bool {
	return o == OutcomeApproved || o == OutcomeRejected
}

// Status returns the terminal registry status a decided call lands in.
func (o Outcome) Status() Status {
	if o == OutcomeApproved {
		return StatusCompleted
	}
	return StatusRejected
}

type CallKind string

const (
	KindVideo    CallKind = "video"
	KindExternal CallKind = "external"
)

func (k CallKind) Valid() bool {
	return k == KindVideo || k == KindExternal
}

// End reasons recorded on calls that were cancelled without a verdict.
const (
	ReasonApplicantCancelled = "applicant-cancelled"
	ReasonReviewerEnded      = "reviewer-ended"
	ReasonConnectionFailed   = "connection-failed"
	ReasonNegotiationTimeout = "negotiation-timeout"
	ReasonHeartbeatTimeout   = "heartbeat-timeout"
	ReasonClientShutdown     = "client-shutdown"
)

// CallRequest is one applicant's request for a live verification call.
type CallRequest struct {
	ID               string    `json:"id"`
	ApplicantID      string    `json:"applicant_id"`
	ReviewerID       string    `json:"reviewer_id,omitempty"`
	Status           Status    `json:"status"`
	Kind             CallKind  `json:"kind"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
	HeartbeatAt      time.Time `json:"heartbeat_at"`
	ExternalJoinLink string    `json:"external_join_link,omitempty"`
	Outcome          Outcome   `json:"outcome,omitempty"`
	ReviewerNotes    string    `json:"reviewer_notes,omitempty"`
	EndReason        string    `json:"end_reason,omitempty"`
}

// Filter selects call requests. Zero fields match everything.
type Filter struct {
	Statuses    []Status
	ApplicantID string
	ReviewerID  string
	// UpdatedSince keeps requests whose UpdatedAt is not before it.
	UpdatedSince time.Time
}

func (f Filter) Match(r CallRequest) bool {
	if f.ApplicantID != "" && r.ApplicantID != f.ApplicantID {
		return false
	}
	if !f.UpdatedSince.IsZero() && r.UpdatedAt.Before(f.UpdatedSince) {
		return false
	}
	if f.ReviewerID != "" && r.ReviewerID != f.ReviewerID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if r.Status == s {
			return true
		}
	}
	return false
}

// Change is one committed update. Previous is nil for a creation.
type Change struct {
	Request  CallRequest  `json:"request"`
	Previous *CallRequest `json:"previous,omitempty"`
}

var (
	ErrRequestConflict   = errors.New("request already pending")
	ErrNotFound          = errors.New("call request not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrStatusMismatch    = errors.New("call request status changed concurrently")
)
