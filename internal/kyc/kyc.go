// Package kyc drives live verification calls. Applicant and Reviewer are
// event loops: registry changes, signaling messages, peer connection state,
// timers and user actions are all handled on one goroutine per controller.
package kyc

import (
	"context"
	"errors"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/kyccall/internal/outcome"
	"github.com/petervdpas/kyccall/internal/registry"
)

var log = logging.Logger("kyc")

var (
	ErrMediaAcquisition = errors.New("camera or microphone unavailable")
	ErrOutcomeWrite     = errors.New("verification outcome could not be written")
	ErrNoActiveCall     = errors.New("no active call")
	ErrNotConnected     = errors.New("call is not connected")
	ErrAlreadyDecided   = errors.New("call already decided")
	ErrBusy             = errors.New("a call is already in progress")
	ErrStopped          = errors.New("controller stopped")
	ErrWrongKind        = errors.New("wrong call kind")
)

// Registry is the durable call registry as seen by a client. Both the
// in-process *registry.Registry and the HTTP api.Client satisfy it.
type Registry interface {
	Create(ctx context.Context, applicantID string, kind registry.CallKind) (registry.CallRequest, error)
	Get(ctx context.Context, id string) (registry.CallRequest, error)
	List(ctx context.Context, f registry.Filter) ([]registry.CallRequest, error)
	Accept(ctx context.Context, id, reviewerID, link string) (registry.CallRequest, error)
	Advance(ctx context.Context, id string, to registry.Status) (registry.CallRequest, error)
	End(ctx context.Context, id, reason string) (registry.CallRequest, error)
	Conclude(ctx context.Context, id string, o registry.Outcome, notes string) (registry.CallRequest, error)
	Heartbeat(ctx context.Context, id string) (registry.CallRequest, error)
	Watch(f registry.Filter) (<-chan registry.Change, func())
}

// OutcomeWriter persists a verdict. Satisfied by *outcome.Writer and api.Client.
type OutcomeWriter interface {
	Apply(ctx context.Context, d outcome.Decision) (outcome.VerificationRecord, error)
}

// Prioritizer orders the reviewer queue. The result must contain exactly
// the input requests.
type Prioritizer interface {
	Order(reqs []registry.CallRequest) []registry.CallRequest
}

// FIFO orders oldest first.
type FIFO struct{}

func (FIFO) Order(reqs []registry.CallRequest) []registry.CallRequest { return reqs }
