package kyc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/kyccall/internal/call"
	"github.com/petervdpas/kyccall/internal/outcome"
	"github.com/petervdpas/kyccall/internal/registry"
	"github.com/petervdpas/kyccall/internal/signal"
	"github.com/petervdpas/kyccall/internal/util"
)

type ReviewerState string

const (
	ReviewerBrowsingQueue   ReviewerState = "browsingQueue"
	ReviewerCallAccepted    ReviewerState = "callAccepted"
	ReviewerOffering        ReviewerState = "offering"
	ReviewerConnecting      ReviewerState = "connecting"
	ReviewerConnected       ReviewerState = "connected"
	ReviewerDecisionPending ReviewerState = "decisionPending"
	ReviewerEnded           ReviewerState = "ended"
)

// ReasonDecided is sent with the hangup that follows a verdict.
const ReasonDecided = "decided"

type ReviewerConfig struct {
	ReviewerID  string
	Registry    Registry
	Signal      signal.Channel
	Device      *call.Device
	Writer      OutcomeWriter
	Prioritizer Prioritizer
	ICE         func() call.ICEConfig

	NegotiationTimeout time.Duration
}

// Reviewer is the reviewer side: it browses the waiting queue, claims one
// request at a time and reaches a verdict on it.
type Reviewer struct {
	cfg   ReviewerConfig
	mb    *mailbox
	state *stateBox[ReviewerState]
	run   runner

	queueSnap  snapshot[[]registry.CallRequest]
	activeSnap snapshot[registry.CallRequest]

	// Loop-owned.
	queue       map[string]registry.CallRequest
	active      *registry.CallRequest
	stream      *call.LocalStream
	peer        *call.Peer
	handle      *signal.Handle
	unwatchCall func()
	negTimer    *time.Timer
	decided     map[string]registry.Outcome
}

func NewReviewer(cfg ReviewerConfig) (*Reviewer, error) {
	id, err := util.ValidateID("reviewer", cfg.ReviewerID)
	if err != nil {
		return nil, err
	}
	cfg.ReviewerID = id
	if cfg.Registry == nil || cfg.Signal == nil || cfg.Device == nil || cfg.Writer == nil {
		return nil, errors.New("reviewer needs a registry, a signaling channel, a media device and an outcome writer")
	}
	if cfg.Prioritizer == nil {
		cfg.Prioritizer = FIFO{}
	}
	if cfg.ICE == nil {
		cfg.ICE = call.DefaultICEConfig
	}
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = 45 * time.Second
	}
	mb := newMailbox()
	return &Reviewer{
		cfg:     cfg,
		mb:      mb,
		state:   newStateBox(ReviewerBrowsingQueue),
		run:     runner{mb: mb, stopped: make(chan struct{})},
		queue:   make(map[string]registry.CallRequest),
		decided: make(map[string]registry.Outcome),
	}, nil
}

func (r *Reviewer) State() ReviewerState { return r.state.get() }

func (r *Reviewer) WaitState(ctx context.Context, s ReviewerState) error {
	return r.state.wait(ctx, s)
}

// Queue returns the waiting requests in priority order.
func (r *Reviewer) Queue() []registry.CallRequest {
	q, _ := r.queueSnap.get()
	out := make([]registry.CallRequest, len(q))
	copy(out, q)
	return out
}

// Active returns the latest copy of the request this reviewer accepted last.
func (r *Reviewer) Active() (registry.CallRequest, bool) { return r.activeSnap.get() }

// Run loads the waiting queue, then processes events until ctx is done.
func (r *Reviewer) Run(ctx context.Context) error {
	defer close(r.run.stopped)

	// Watch first so nothing committed after the listing is missed.
	ch, unwatchQueue := r.cfg.Registry.Watch(registry.Filter{Statuses: []registry.Status{registry.StatusWaiting}})
	defer unwatchQueue()
	r.mb.forward(ch)

	waiting, err := r.cfg.Registry.List(ctx, registry.Filter{Statuses: []registry.Status{registry.StatusWaiting}})
	if err != nil {
		return fmt.Errorf("load queue: %w", err)
	}
	for _, q := range waiting {
		r.queue[q.ID] = q
	}
	r.publishQueue()
	log.Infof("KYC: reviewer %s sees %d waiting requests", r.cfg.ReviewerID, len(waiting))

	for {
		for {
			e, ok := r.mb.take()
			if !ok {
				break
			}
			r.dispatch(ctx, e)
		}
		select {
		case <-ctx.Done():
			r.shutdown()
			return ctx.Err()
		case <-r.mb.wake:
		}
	}
}

func (r *Reviewer) dispatch(ctx context.Context, e any) {
	switch ev := e.(type) {
	case actionEvent:
		ev.run()
	case changeEvent:
		r.onChange(ctx, ev.change.Request)
	case signalEvent:
		r.onSignal(ctx, ev.callID, ev.msg)
	case peerStateEvent:
		r.onPeerState(ctx, ev.peer, ev.state)
	case localCandidateEvent:
		if ev.peer == r.peer && r.handle != nil {
			if err := r.cfg.Signal.Send(ctx, r.handle.CallID, fromWebRTC(ev.candidate)); err != nil {
				log.Debugf("KYC [%s]: send candidate: %v", r.handle.CallID, err)
			}
		}
	case timerEvent:
		if ev.kind == timerNegotiation && r.active != nil && ev.callID == r.active.ID {
			switch r.state.get() {
			case ReviewerCallAccepted, ReviewerOffering, ReviewerConnecting:
				log.Warnf("KYC [%s]: not connected within %s", ev.callID, r.cfg.NegotiationTimeout)
				r.fail(ctx, registry.ReasonNegotiationTimeout)
			}
		}
	}
}

func (r *Reviewer) publishQueue() {
	list := make([]registry.CallRequest, 0, len(r.queue))
	for _, q := range r.queue {
		list = append(list, q)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	r.queueSnap.set(r.cfg.Prioritizer.Order(list))
}

func (r *Reviewer) absorb(req registry.CallRequest) {
	if r.active == nil || r.active.ID != req.ID {
		return
	}
	*r.active = req
	r.activeSnap.set(req)
}

func (r *Reviewer) onChange(ctx context.Context, req registry.CallRequest) {
	if req.Status == registry.StatusWaiting {
		r.queue[req.ID] = req
	} else {
		delete(r.queue, req.ID)
	}
	r.publishQueue()

	if r.active == nil || req.ID != r.active.ID {
		return
	}
	r.absorb(req)
	if req.Status.Terminal() {
		switch r.state.get() {
		case ReviewerEnded, ReviewerDecisionPending:
		default:
			log.Infof("KYC [%s]: registry reached %s (%s)", req.ID, req.Status, req.EndReason)
			r.teardown(ctx, "")
		}
	}
}

// Accept claims a waiting request. It returns false without error when
// another reviewer claimed it first. Local media is acquired before the
// claim so a media failure never leaves an accepted request behind.
func (r *Reviewer) Accept(ctx context.Context, id string) (bool, error) {
	var (
		won bool
		err error
	)
	if rerr := r.run.do(ctx, func() { won, err = r.accept(ctx, id) }); rerr != nil {
		return false, rerr
	}
	return won, err
}

func (r *Reviewer) accept(ctx context.Context, id string) (bool, error) {
	switch r.state.get() {
	case ReviewerBrowsingQueue, ReviewerEnded:
	default:
		return false, ErrBusy
	}

	stream, err := r.cfg.Device.Acquire(ctx)
	if err != nil {
		log.Warnf("KYC [%s]: media acquisition failed: %v", id, err)
		return false, fmt.Errorf("%w: %v", ErrMediaAcquisition, err)
	}

	ch, unwatch := r.cfg.Registry.Watch(registry.Filter{ReviewerID: r.cfg.ReviewerID})
	r.mb.forward(ch)

	req, err := r.cfg.Registry.Accept(ctx, id, r.cfg.ReviewerID, "")
	if err != nil {
		unwatch()
		stream.Stop()
		if errors.Is(err, registry.ErrStatusMismatch) {
			log.Infof("KYC [%s]: already taken, reviewer %s stands down", id, r.cfg.ReviewerID)
			return false, nil
		}
		return false, err
	}

	r.unwatchCall = unwatch
	r.stream = stream
	r.active = &req
	r.activeSnap.set(req)
	delete(r.queue, id)
	r.publishQueue()
	r.state.set(ReviewerCallAccepted)
	log.Infof("KYC [%s]: accepted by %s", id, r.cfg.ReviewerID)

	h, err := r.cfg.Signal.Join(ctx, id, signal.RoleReviewer, func(m signal.Message) {
		r.mb.put(signalEvent{callID: id, msg: m})
	})
	if err != nil {
		r.fail(ctx, registry.ReasonConnectionFailed)
		return true, fmt.Errorf("join signaling: %w", err)
	}
	r.handle = h
	r.negTimer = time.AfterFunc(r.cfg.NegotiationTimeout, func() {
		r.mb.put(timerEvent{kind: timerNegotiation, callID: id})
	})

	peer, err := newCallPeer(r.mb, id, r.cfg.ICE(), stream)
	if err != nil {
		r.fail(ctx, registry.ReasonConnectionFailed)
		return true, fmt.Errorf("create peer: %w", err)
	}
	r.peer = peer
	offer, err := peer.CreateOffer()
	if err != nil {
		r.fail(ctx, registry.ReasonConnectionFailed)
		return true, err
	}
	if err := r.cfg.Signal.Send(ctx, id, signal.Offer{SDP: offer.SDP}); err != nil {
		log.Debugf("KYC [%s]: send offer: %v", id, err)
	}
	r.state.set(ReviewerOffering)
	// Re-announce for an applicant that joins after the offer went out.
	if err := r.cfg.Signal.Send(ctx, id, signal.Control{Action: signal.ActionReviewerJoined}); err != nil {
		log.Debugf("KYC [%s]: announce: %v", id, err)
	}
	return true, nil
}

func (r *Reviewer) onSignal(ctx context.Context, callID string, m signal.Message) {
	if r.handle == nil || r.handle.CallID != callID || r.peer == nil {
		return
	}
	switch p := m.Payload.(type) {
	case signal.Answer:
		if r.peer.HasRemoteDescription() {
			return
		}
		if err := r.peer.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: p.SDP}); err != nil {
			log.Warnf("KYC [%s]: %v", callID, err)
			r.fail(ctx, registry.ReasonConnectionFailed)
			return
		}
		if r.state.get() == ReviewerOffering {
			r.state.set(ReviewerConnecting)
		}
	case signal.ICECandidate:
		r.peer.AddICECandidate(toWebRTC(p))
	case signal.Offer:
		log.Debugf("KYC [%s]: reviewer ignores offers", callID)
	case signal.Control:
		switch p.Action {
		case signal.ActionApplicantJoined:
			if ld := r.peer.LocalDescription(); ld != nil && !r.peer.HasRemoteDescription() {
				log.Debugf("KYC [%s]: applicant joined late, re-sending offer", callID)
				if err := r.cfg.Signal.Send(ctx, callID, signal.Offer{SDP: ld.SDP}); err != nil {
					log.Debugf("KYC [%s]: re-send offer: %v", callID, err)
				}
			}
		case signal.ActionHangup:
			log.Infof("KYC [%s]: applicant hung up (%s)", callID, p.Reason)
			if r.state.get() == ReviewerDecisionPending {
				r.releaseMedia()
				return
			}
			reason := p.Reason
			if reason == "" {
				reason = registry.ReasonApplicantCancelled
			}
			r.fail(ctx, reason)
		case signal.ActionReviewerJoined:
		default:
			log.Warnf("KYC [%s]: ignoring control action %q", callID, p.Action)
		}
	default:
		log.Warnf("KYC [%s]: ignoring %T message", callID, m.Payload)
	}
}

func (r *Reviewer) onPeerState(ctx context.Context, p *call.Peer, s call.State) {
	if p != r.peer || r.active == nil {
		return
	}
	switch {
	case s == call.StateConnected:
		if r.negTimer != nil {
			r.negTimer.Stop()
			r.negTimer = nil
		}
		switch r.state.get() {
		case ReviewerCallAccepted, ReviewerOffering, ReviewerConnecting:
			r.state.set(ReviewerConnected)
		}
		req, err := r.cfg.Registry.Advance(ctx, r.active.ID, registry.StatusConnected)
		if err != nil {
			log.Warnf("KYC [%s]: advance to connected: %v", r.active.ID, err)
			return
		}
		r.absorb(req)
	case s.Ending():
		log.Warnf("KYC [%s]: connection %s", r.active.ID, s)
		if r.state.get() == ReviewerDecisionPending {
			r.releaseMedia()
			return
		}
		r.fail(ctx, registry.ReasonConnectionFailed)
	}
}

// Decide records the verdict on the connected call exactly once. The
// registry entry is concluded first, then the outcome is written. If either
// write fails the call stays in decisionPending and ErrOutcomeWrite is
// returned so the caller can retry with the same verdict.
func (r *Reviewer) Decide(ctx context.Context, o registry.Outcome, notes string) (outcome.VerificationRecord, error) {
	var (
		rec outcome.VerificationRecord
		err error
	)
	if rerr := r.run.do(ctx, func() { rec, err = r.decide(ctx, o, notes) }); rerr != nil {
		return outcome.VerificationRecord{}, rerr
	}
	return rec, err
}

func (r *Reviewer) decide(ctx context.Context, o registry.Outcome, notes string) (outcome.VerificationRecord, error) {
	if !o.Valid() {
		return outcome.VerificationRecord{}, fmt.Errorf("unknown outcome %q", o)
	}
	if r.active == nil {
		return outcome.VerificationRecord{}, ErrNoActiveCall
	}
	id := r.active.ID
	switch r.state.get() {
	case ReviewerConnected, ReviewerDecisionPending:
	case ReviewerEnded:
		if _, ok := r.decided[id]; ok {
			return outcome.VerificationRecord{}, ErrAlreadyDecided
		}
		return outcome.VerificationRecord{}, ErrNoActiveCall
	default:
		return outcome.VerificationRecord{}, fmt.Errorf("%w: call is %s", ErrNotConnected, r.state.get())
	}
	r.state.set(ReviewerDecisionPending)

	req, err := r.cfg.Registry.Conclude(ctx, id, o, notes)
	if errors.Is(err, registry.ErrInvalidTransition) {
		cur, gerr := r.cfg.Registry.Get(ctx, id)
		if gerr == nil {
			r.absorb(cur)
			if cur.Status == registry.StatusCancelled {
				log.Warnf("KYC [%s]: call was cancelled (%s) before the verdict", id, cur.EndReason)
				r.teardown(ctx, "")
				return outcome.VerificationRecord{}, fmt.Errorf("%w: call was cancelled before a decision", ErrNoActiveCall)
			}
			if cur.Outcome != "" && cur.Outcome != o {
				return outcome.VerificationRecord{}, ErrAlreadyDecided
			}
		}
	}
	if err != nil {
		log.Warnf("KYC [%s]: conclude: %v", id, err)
		return outcome.VerificationRecord{}, fmt.Errorf("%w: %v", ErrOutcomeWrite, err)
	}
	r.absorb(req)

	rec, err := r.cfg.Writer.Apply(ctx, outcome.Decision{
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
		log.Warnf("KYC [%s]: outcome write failed, still pending: %v", id, err)
		return outcome.VerificationRecord{}, fmt.Errorf("%w: %v", ErrOutcomeWrite, err)
	}

	r.decided[id] = o
	log.Infof("KYC [%s]: reviewer %s decided %s", id, r.cfg.ReviewerID, o)
	r.teardown(ctx, ReasonDecided)
	return rec, nil
}

// Hangup ends the active call without a verdict.
func (r *Reviewer) Hangup(ctx context.Context) error {
	var err error
	if rerr := r.run.do(ctx, func() { err = r.hangup(ctx) }); rerr != nil {
		return rerr
	}
	return err
}

func (r *Reviewer) hangup(ctx context.Context) error {
	if r.active == nil || r.state.get() == ReviewerEnded {
		return ErrNoActiveCall
	}
	if r.state.get() == ReviewerDecisionPending && r.active.Outcome != "" {
		// The registry already holds the verdict; only the outcome write is
		// missing. The reconciler re-applies it.
		log.Warnf("KYC [%s]: leaving with %s recorded but not yet applied", r.active.ID, r.active.Outcome)
		r.teardown(ctx, registry.ReasonReviewerEnded)
		return nil
	}
	r.fail(ctx, registry.ReasonReviewerEnded)
	return nil
}

func (r *Reviewer) fail(ctx context.Context, reason string) {
	if r.active != nil {
		req, err := r.cfg.Registry.End(ctx, r.active.ID, reason)
		if err != nil {
			log.Warnf("KYC [%s]: end (%s): %v", r.active.ID, reason, err)
		} else {
			r.absorb(req)
		}
	}
	r.teardown(ctx, reason)
}

// releaseMedia closes the peer and stops local tracks but keeps the call.
func (r *Reviewer) releaseMedia() {
	if r.peer != nil {
		r.peer.Close()
		r.peer = nil
	}
	if r.stream != nil {
		r.stream.Stop()
		r.stream = nil
	}
}

// teardown releases every call resource and ends the call. Idempotent.
func (r *Reviewer) teardown(ctx context.Context, reason string) {
	if r.negTimer != nil {
		r.negTimer.Stop()
		r.negTimer = nil
	}
	if r.handle != nil {
		if reason != "" {
			if err := r.cfg.Signal.Send(ctx, r.handle.CallID, signal.Control{Action: signal.ActionHangup, Reason: reason}); err != nil {
				log.Debugf("KYC [%s]: hangup: %v", r.handle.CallID, err)
			}
		}
		if err := r.handle.Close(); err != nil {
			log.Debugf("KYC [%s]: leave: %v", r.handle.CallID, err)
		}
		r.handle = nil
	}
	r.releaseMedia()
	if r.unwatchCall != nil {
		r.unwatchCall()
		r.unwatchCall = nil
	}
	if _, changed := r.state.set(ReviewerEnded); changed && r.active != nil {
		log.Infof("KYC [%s]: reviewer call ended (status %s)", r.active.ID, r.active.Status)
	}
}

func (r *Reviewer) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
	defer cancel()
	if r.active == nil {
		return
	}
	if !r.active.Status.Terminal() && r.state.get() != ReviewerEnded {
		r.fail(ctx, registry.ReasonClientShutdown)
		return
	}
	r.teardown(ctx, "")
}
