package kyc

import (
	"context"
	"errors"
	"fmt"

	"github.com/petervdpas/kyccall/internal/meetlink"
	"github.com/petervdpas/kyccall/internal/outcome"
	"github.com/petervdpas/kyccall/internal/registry"
	"github.com/petervdpas/kyccall/internal/util"
)

// ExternalReview handles requests whose call happens in an external
// meeting room. There is no media or signaling; the reviewer claims the
// request with a signed meeting link and records the verdict afterwards.
type ExternalReview struct {
	Registry Registry
	Writer   OutcomeWriter
	Links    *meetlink.Generator
}

// Start claims a waiting external request and returns it with its meeting
// link. It returns ErrStatusMismatch when someone else claimed it first.
func (e *ExternalReview) Start(ctx context.Context, id, reviewerID string) (registry.CallRequest, error) {
	reviewerID, err := util.ValidateID("reviewer", reviewerID)
	if err != nil {
		return registry.CallRequest{}, err
	}
	req, err := e.Registry.Get(ctx, id)
	if err != nil {
		return registry.CallRequest{}, err
	}
	if req.Kind != registry.KindExternal {
		return registry.CallRequest{}, fmt.Errorf("%w: call %s is a %s call", ErrWrongKind, id, req.Kind)
	}
	link := ""
	if e.Links != nil {
		link = e.Links.Link(id)
	}
	req, err = e.Registry.Accept(ctx, id, reviewerID, link)
	if err != nil {
		return req, err
	}
	log.Infof("KYC [%s]: external call started by %s", id, reviewerID)
	return req, nil
}

// Conclude records the verdict for an external call. It is safe to retry
// with the same outcome.
func (e *ExternalReview) Conclude(ctx context.Context, id string, o registry.Outcome, notes string) (outcome.VerificationRecord, error) {
	req, err := e.Registry.Conclude(ctx, id, o, notes)
	if errors.Is(err, registry.ErrInvalidTransition) {
		if cur, gerr := e.Registry.Get(ctx, id); gerr == nil && cur.Outcome != "" && cur.Outcome != o {
			return outcome.VerificationRecord{}, ErrAlreadyDecided
		}
	}
	if err != nil {
		return outcome.VerificationRecord{}, err
	}
	rec, err := e.Writer.Apply(ctx, outcome.Decision{
		ApplicantID:   req.ApplicantID,
		CallID:        id,
		Outcome:       o,
		Notes:         notes,
		CallCreatedAt: req.CreatedAt,
	})
	if errors.Is(err, outcome.ErrOutcomeConflict) {
		return outcome.VerificationRecord{}, ErrAlreadyDecided
	}
	if err != nil {
		return outcome.VerificationRecord{}, fmt.Errorf("%w: %v", ErrOutcomeWrite, err)
	}
	return rec, nil
}

// Cancel ends an external call without a verdict.
func (e *ExternalReview) Cancel(ctx context.Context, id string) (registry.CallRequest, error) {
	return e.Registry.End(ctx, id, registry.ReasonReviewerEnded)
}
