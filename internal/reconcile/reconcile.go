// Package reconcile expires call requests whose clients stopped sending
// heartbeats and re-applies verdicts that reached the registry but not the
// profile store.
package reconcile

import (
	"context"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/kyccall/internal/outcome"
	"github.com/petervdpas/kyccall/internal/registry"
)

var log = logging.Logger("reconcile")

type Registry interface {
	List(ctx context.Context, f registry.Filter) ([]registry.CallRequest, error)
	Expire(ctx context.Context, id, reason string) (registry.CallRequest, error)
}

// Outcomes is the part of the outcome writer the reconciler drives.
type Outcomes interface {
	Applied(ctx context.Context, callID string) (bool, error)
	Apply(ctx context.Context, d outcome.Decision) (outcome.VerificationRecord, error)
	Verification(ctx context.Context, applicantID string) (outcome.VerificationRecord, error)
}

type Result struct {
	Expired    int
	Reapplied  int
	Superseded int
}

type Reconciler struct {
	reg      Registry
	outcomes Outcomes
	ttl      time.Duration
	now      func() time.Time

	mu sync.Mutex
	// since bounds the decided-call scan; zero scans everything.
	since time.Time
}

type Option func(*Reconciler)

func WithClock(now func() time.Time) Option { return func(r *Reconciler) { r.now = now } }

// New returns a reconciler that expires open requests idle for longer than
// ttl. outcomes may be nil to skip re-applying verdicts.
func New(reg Registry, outcomes Outcomes, ttl time.Duration, opts ...Option) *Reconciler {
	r := &Reconciler{reg: reg, outcomes: outcomes, ttl: ttl, now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Sweep runs one reconciliation pass.
func (r *Reconciler) Sweep(ctx context.Context) (Result, error) {
	var res Result
	open, err := r.reg.List(ctx, registry.Filter{Statuses: registry.OpenStatuses})
	if err != nil {
		return res, err
	}
	cutoff := r.now().Add(-r.ttl)
	for _, req := range open {
		last := req.HeartbeatAt
		if last.IsZero() {
			last = req.UpdatedAt
		}
		if !last.Before(cutoff) {
			continue
		}
		if _, err := r.reg.Expire(ctx, req.ID, registry.ReasonHeartbeatTimeout); err != nil {
			log.Warnf("RECONCILE [%s]: expire: %v", req.ID, err)
			continue
		}
		log.Infof("RECONCILE [%s]: expired %s request of %s (silent since %s)",
			req.ID, req.Status, req.ApplicantID, last.Format(time.RFC3339))
		res.Expired++
	}

	if r.outcomes == nil {
		return res, nil
	}
	n, err := r.reapply(ctx, &res)
	if err != nil {
		return res, err
	}
	res.Reapplied = n
	return res, nil
}

// reapply writes verdicts of decided calls that never reached the profile
// store. It only scans calls updated since the previous sweep started,
// minus one ttl of overlap, and holds the watermark back at any call it
// failed to settle.
func (r *Reconciler) reapply(ctx context.Context, res *Result) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := r.now().UTC()
	decided, err := r.reg.List(ctx, registry.Filter{
		Statuses:     []registry.Status{registry.StatusCompleted, registry.StatusRejected},
		UpdatedSince: r.since,
	})
	if err != nil {
		return 0, err
	}
	next := start.Add(-r.ttl)
	holdBack := func(req registry.CallRequest) {
		if req.UpdatedAt.Before(next) {
			next = req.UpdatedAt
		}
	}

	n := 0
	for _, req := range decided {
		if req.Outcome == "" {
			continue
		}
		ok, err := r.outcomes.Applied(ctx, req.ID)
		if err != nil {
			log.Warnf("RECONCILE [%s]: decision lookup: %v", req.ID, err)
			holdBack(req)
			continue
		}
		if ok {
			continue
		}
		cur, err := r.outcomes.Verification(ctx, req.ApplicantID)
		if err != nil {
			log.Warnf("RECONCILE [%s]: verification lookup: %v", req.ID, err)
			holdBack(req)
			continue
		}
		created := req.CreatedAt.UTC().Truncate(time.Millisecond)
		if cur.CallID != "" && cur.CallID != req.ID && cur.CallCreatedAt.After(created) {
			log.Infof("RECONCILE [%s]: skipped %s for %s, call %s is newer",
				req.ID, req.Outcome, req.ApplicantID, cur.CallID)
			res.Superseded++
			continue
		}
		if _, err := r.outcomes.Apply(ctx, outcome.Decision{
			ApplicantID:   req.ApplicantID,
			CallID:        req.ID,
			Outcome:       req.Outcome,
			Notes:         req.ReviewerNotes,
			CallCreatedAt: req.CreatedAt,
		}); err != nil {
			log.Warnf("RECONCILE [%s]: re-apply %s: %v", req.ID, req.Outcome, err)
			holdBack(req)
			continue
		}
		log.Infof("RECONCILE [%s]: re-applied %s for %s", req.ID, req.Outcome, req.ApplicantID)
		n++
	}
	r.since = next
	return n, nil
}

// Run sweeps every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				log.Warnf("RECONCILE: sweep failed: %v", err)
			}
		}
	}
}
