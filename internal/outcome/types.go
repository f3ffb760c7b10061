package outcome

import (
	"context"
	"errors"
	"time"

	"github.com/petervdpas/kyccall/internal/registry"
)

// VerificationStatus is the applicant-facing state of a profile.
type VerificationStatus string

const (
	StatusUnverified VerificationStatus = "unverified"
	StatusVerified   VerificationStatus = "verified"
	StatusRejected   VerificationStatus = "rejected"
)

// StatusFor maps a call outcome to the verification status it produces.
func StatusFor(o registry.Outcome) VerificationStatus {
	if o == registry.OutcomeApproved {
		return StatusVerified
	}
	return StatusRejected
}

// Document review states. Pending documents are the unresolved ones a
// decision resolves.
const (
	DocumentPending  = "pending"
	DocumentApproved = "approved"
	DocumentRejected = "rejected"
)

// Decision is a reviewer's verdict for one call.
type Decision struct {
	ApplicantID string           `json:"applicant_id"`
	CallID      string           `json:"call_id"`
	Outcome     registry.Outcome `json:"outcome"`
	Notes       string           `json:"notes,omitempty"`
	// CallCreatedAt orders decisions from different calls of one applicant.
	// Zero means the store looks it up or uses the decision time.
	CallCreatedAt time.Time `json:"call_created_at"`
}

// VerificationRecord is the durable verification state of an applicant.
type VerificationRecord struct {
	ApplicantID       string             `json:"applicant_id"`
	Status            VerificationStatus `json:"status"`
	Outcome           registry.Outcome   `json:"outcome,omitempty"`
	CallID            string             `json:"call_id,omitempty"`
	CallCreatedAt     time.Time          `json:"call_created_at"`
	Notes             string             `json:"notes,omitempty"`
	DecidedAt         time.Time          `json:"decided_at"`
	DocumentsResolved int                `json:"documents_resolved"`
}

// ProfileStore is the durable profile/document store. RecordDecision must be
// atomic: the decision log, the verification row and pending documents are
// written together or not at all. It reports applied=false when the same
// decision for the same call was already recorded, and ErrOutcomeConflict
// when a different outcome was. A decision for a call older than the one
// behind the current verification row only goes to the decision log; it
// reports applied=false and returns the unchanged record.
type ProfileStore interface {
	RecordDecision(ctx context.Context, d Decision, at time.Time) (rec VerificationRecord, applied bool, err error)
	Verification(ctx context.Context, applicantID string) (VerificationRecord, error)
	HasDecision(ctx context.Context, callID string) (bool, error)
}

var ErrOutcomeConflict = errors.New("call already has a different outcome")
