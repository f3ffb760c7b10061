package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/kyccall/internal/util"
)

var log = logging.Logger("registry")

// swapRetries bounds how often End and Conclude re-read a record that moved
// underneath them before giving up.
const swapRetries = 4

// Registry is the source of truth for call existence and status. Every
// status change goes through a conditional backend swap and is published to
// watchers in commit order.
type Registry struct {
	backend Backend
	now     func() time.Time

	// mu serialises writes so watchers observe changes in commit order.
	mu       sync.Mutex
	watchers map[*watcher]struct{}
}

type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func New(b Backend, opts ...Option) *Registry {
	r := &Registry{
		backend:  b,
		now:      time.Now,
		watchers: make(map[*watcher]struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Create files a new waiting request for applicantID.
func (r *Registry) Create(ctx context.Context, applicantID string, kind CallKind) (CallRequest, error) {
	if err := ctx.Err(); err != nil {
		return CallRequest{}, err
	}
	applicantID, err := util.ValidateID("applicant", applicantID)
	if err != nil {
		return CallRequest{}, err
	}
	if kind == "" {
		kind = KindVideo
	}
	if !kind.Valid() {
		return CallRequest{}, fmt.Errorf("unknown call kind %q", kind)
	}

	now := r.now().UTC()
	req := CallRequest{
		ID:          uuid.NewString(),
		ApplicantID: applicantID,
		Status:      StatusWaiting,
		Kind:        kind,
		CreatedAt:   now,
		UpdatedAt:   now,
		HeartbeatAt: now,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.backend.InsertCallRequest(req); err != nil {
		if errors.Is(err, ErrRequestConflict) {
			return CallRequest{}, ErrRequestConflict
		}
		return CallRequest{}, fmt.Errorf("insert call request: %w", err)
	}
	log.Infof("REGISTRY [%s]: created for applicant %s (%s)", req.ID, applicantID, kind)
	r.publishLocked(Change{Request: req})
	return req, nil
}

func (r *Registry) Get(ctx context.Context, id string) (CallRequest, error) {
	if err := ctx.Err(); err != nil {
		return CallRequest{}, err
	}
	return r.backend.GetCallRequest(id)
}

// List returns matching requests ordered oldest first.
func (r *Registry) List(ctx context.Context, f Filter) ([]CallRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.backend.ListCallRequests(f)
}

// Accept claims a waiting request for reviewerID. Exactly one of any number
// of concurrent callers succeeds; the others get ErrStatusMismatch.
// link is the external join link for meeting-link calls and may be empty.
func (r *Registry) Accept(ctx context.Context, id, reviewerID, link string) (CallRequest, error) {
	if err := ctx.Err(); err != nil {
		return CallRequest{}, err
	}
	reviewerID, err := util.ValidateID("reviewer", reviewerID)
	if err != nil {
		return CallRequest{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	cur, err := r.backend.GetCallRequest(id)
	if err != nil {
		return CallRequest{}, err
	}
	if cur.Status != StatusWaiting {
		return cur, ErrStatusMismatch
	}
	next := cur
	next.Status = StatusAccepted
	next.ReviewerID = reviewerID
	next.ExternalJoinLink = link
	next.UpdatedAt = r.now().UTC()
	if err := r.backend.SwapCallRequest(StatusWaiting, next); err != nil {
		return CallRequest{}, err
	}
	log.Infof("REGISTRY [%s]: accepted by reviewer %s", id, reviewerID)
	r.publishLocked(Change{Request: next, Previous: &cur})
	return next, nil
}

// Advance moves a request along a non-terminal edge of the status graph.
// Advancing to the current status is a no-op.
func (r *Registry) Advance(ctx context.Context, id string, to Status) (CallRequest, error) {
	if err := ctx.Err(); err != nil {
		return CallRequest{}, err
	}
	if to.Terminal() {
		return CallRequest{}, fmt.Errorf("%w: use End or Conclude to reach %s", ErrInvalidTransition, to)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	cur, err := r.backend.GetCallRequest(id)
	if err != nil {
		return CallRequest{}, err
	}
	if cur.Status == to {
		return cur, nil
	}
	if !CanTransition(cur.Status, to) {
		return cur, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, to)
	}
	next := cur
	next.Status = to
	next.UpdatedAt = r.now().UTC()
	if err := r.backend.SwapCallRequest(cur.Status, next); err != nil {
		return CallRequest{}, err
	}
	log.Infof("REGISTRY [%s]: %s -> %s", id, cur.Status, to)
	r.publishLocked(Change{Request: next, Previous: &cur})
	return next, nil
}

// End cancels a request without a verdict. Ending a request that is already
// terminal returns it unchanged.
func (r *Registry) End(ctx context.Context, id, reason string) (CallRequest, error) {
	if err := ctx.Err(); err != nil {
		return CallRequest{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	var lastErr error
	for attempt := 0; attempt < swapRetries; attempt++ {
		cur, err := r.backend.GetCallRequest(id)
		if err != nil {
			return CallRequest{}, err
		}
		if cur.Status.Terminal() {
			return cur, nil
		}
		next := cur
		next.Status = StatusCancelled
		next.EndReason = reason
		next.UpdatedAt = r.now().UTC()
		err = r.backend.SwapCallRequest(cur.Status, next)
		if errors.Is(err, ErrStatusMismatch) {
			lastErr = err
			continue
		}
		if err != nil {
			return CallRequest{}, err
		}
		log.Infof("REGISTRY [%s]: %s -> cancelled (%s)", id, cur.Status, reason)
		r.publishLocked(Change{Request: next, Previous: &cur})
		return next, nil
	}
	return CallRequest{}, fmt.Errorf("end %s: %w", id, lastErr)
}

// Expire is the reconciliation hook for clients that vanished without
// signalling intent.
func (r *Registry) Expire(ctx context.Context, id, reason string) (CallRequest, error) {
	if reason == "" {
		reason = ReasonHeartbeatTimeout
	}
	return r.End(ctx, id, reason)
}

// Conclude records the reviewer's verdict and moves the request to the
// matching terminal status. Concluding again with the same outcome is a
// no-op; any other change to a terminal request is ErrInvalidTransition.
func (r *Registry) Conclude(ctx context.Context, id string, outcome Outcome, notes string) (CallRequest, error) {
	if err := ctx.Err(); err != nil {
		return CallRequest{}, err
	}
	if !outcome.Valid() {
		return CallRequest{}, fmt.Errorf("unknown outcome %q", outcome)
	}
	target := outcome.Status()

	r.mu.Lock()
	defer r.mu.Unlock()
	var lastErr error
	for attempt := 0; attempt < swapRetries; attempt++ {
		cur, err := r.backend.GetCallRequest(id)
		if err != nil {
			return CallRequest{}, err
		}
		if cur.Status == target && cur.Outcome == outcome {
			return cur, nil
		}
		if !CanTransition(cur.Status, target) {
			return cur, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, target)
		}
		next := cur
		next.Status = target
		next.Outcome = outcome
		next.ReviewerNotes = notes
		next.UpdatedAt = r.now().UTC()
		err = r.backend.SwapCallRequest(cur.Status, next)
		if errors.Is(err, ErrStatusMismatch) {
			lastErr = err
			continue
		}
		if err != nil {
			return CallRequest{}, err
		}
		log.Infof("REGISTRY [%s]: %s -> %s (outcome %s)", id, cur.Status, target, outcome)
		r.publishLocked(Change{Request: next, Previous: &cur})
		return next, nil
	}
	return CallRequest{}, fmt.Errorf("conclude %s: %w", id, lastErr)
}

// Heartbeat records client liveness and returns the current record.
func (r *Registry) Heartbeat(ctx context.Context, id string) (CallRequest, error) {
	if err := ctx.Err(); err != nil {
		return CallRequest{}, err
	}
	if err := r.backend.TouchCallRequest(id, r.now().UTC()); err != nil {
		return CallRequest{}, err
	}
	return r.backend.GetCallRequest(id)
}

// Watch streams committed changes matching f. A change matches when either
// the new or the previous record matches, so a watcher of waiting requests
// also sees them leave the queue. Delivery is lossless; the channel closes
// after cancel is called.
func (r *Registry) Watch(f Filter) (<-chan Change, func()) {
	w := &watcher{
		filter: f,
		out:    make(chan Change),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	r.mu.Lock()
	r.watchers[w] = struct{}{}
	r.mu.Unlock()
	go w.pump()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.watchers, w)
			r.mu.Unlock()
			close(w.done)
		})
	}
	return w.out, cancel
}

func (r *Registry) publishLocked(c Change) {
	for w := range r.watchers {
		if w.filter.Match(c.Request) || (c.Previous != nil && w.filter.Match(*c.Previous)) {
			w.push(c)
		}
	}
}

type watcher struct {
	filter Filter
	out    chan Change
	wake   chan struct{}
	done   chan struct{}

	mu    sync.Mutex
	queue []Change
}

func (w *watcher) push(c Change) {
	w.mu.Lock()
	w.queue = append(w.queue, c)
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *watcher) pump() {
	defer close(w.out)
	for {
		w.mu.Lock()
		if len(w.queue) == 0 {
			w.mu.Unlock()
			select {
			case <-w.wake:
				continue
			case <-w.done:
				return
			}
		}
		c := w.queue[0]
		w.queue = w.queue[1:]
		w.mu.Unlock()

		select {
		case w.out <- c:
		case <-w.done:
			return
		}
	}
}
