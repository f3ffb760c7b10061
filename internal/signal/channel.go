package signal

import (
	"context"
	"errors"
)

var (
	ErrAlreadyJoined = errors.New("already joined this call")
	ErrNotJoined     = errors.New("not joined to this call")
	ErrCallFull      = errors.New("call already has two participants")
	ErrRoleTaken     = errors.New("role already joined this call")
)

// Handler receives messages from the other participant. It is called from
// a single goroutine per join, in the order the sender sent them.
type Handler func(Message)

// Channel is a per-call publish/subscribe topic shared by exactly two
// participants. Delivery reaches only currently joined subscribers: a
// message sent before the other side joins is lost, not queued. A broken
// transport stops delivery silently; liveness is the peer connection's job.
type Channel interface {
	// Join subscribes to callID. At most one join per call id per Channel.
	Join(ctx context.Context, callID string, role Role, onMessage Handler) (*Handle, error)
	// Send publishes p to every other joined subscriber of callID.
	Send(ctx context.Context, callID string, p Payload) error
	// Leave unsubscribes and releases the handle. Leaving twice is a no-op.
	Leave(callID string) error
	// Joined lists the call ids with an active handle.
	Joined() []string
}

// Handle is an active subscription to one call topic.
type Handle struct {
	CallID string
	Role   Role

	leave func() error
}

// Close leaves the call topic.
func (h *Handle) Close() error {
	if h == nil || h.leave == nil {
		return nil
	}
	return h.leave()
}
