package kyc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/kyccall/internal/call"
	"github.com/petervdpas/kyccall/internal/registry"
	"github.com/petervdpas/kyccall/internal/signal"
	"github.com/petervdpas/kyccall/internal/util"
)

type ApplicantState string

const (
	ApplicantIdle               ApplicantState = "idle"
	ApplicantRequested          ApplicantState = "requested"
	ApplicantWaitingForReviewer ApplicantState = "waitingForReviewer"
	ApplicantConnecting         ApplicantState = "connecting"
	ApplicantConnected          ApplicantState = "connected"
	ApplicantEnded              ApplicantState = "ended"
)

type ApplicantConfig struct {
	ApplicantID string
	Registry    Registry
	Signal      signal.Channel
	Device      *call.Device
	// ICE is read for every new peer connection so rotated TURN
	// credentials apply to the next call.
	ICE func() call.ICEConfig

	NegotiationTimeout time.Duration
	HeartbeatInterval  time.Duration
}

// Applicant is the applicant side of a verification call.
type Applicant struct {
	cfg   ApplicantConfig
	mb    *mailbox
	state *stateBox[ApplicantState]
	run   runner

	// Loop-owned.
	req       *registry.CallRequest
	stream    *call.LocalStream
	peer      *call.Peer
	handle    *signal.Handle
	early     []webrtc.ICECandidateInit
	unwatch   func()
	negTimer  *time.Timer
	beatTimer *time.Timer
	snap      snapshot[registry.CallRequest]
}

func NewApplicant(cfg ApplicantConfig) (*Applicant, error) {
	id, err := util.ValidateID("applicant", cfg.ApplicantID)
	if err != nil {
		return nil, err
	}
	cfg.ApplicantID = id
	if cfg.Registry == nil || cfg.Signal == nil || cfg.Device == nil {
		return nil, errors.New("applicant needs a registry, a signaling channel and a media device")
	}
	if cfg.ICE == nil {
		cfg.ICE = call.DefaultICEConfig
	}
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = 45 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	mb := newMailbox()
	return &Applicant{
		cfg:   cfg,
		mb:    mb,
		state: newStateBox(ApplicantIdle),
		run:   runner{mb: mb, stopped: make(chan struct{})},
	}, nil
}

func (a *Applicant) State() ApplicantState { return a.state.get() }

// WaitState blocks until the controller reaches s.
func (a *Applicant) WaitState(ctx context.Context, s ApplicantState) error {
	return a.state.wait(ctx, s)
}

// Request returns the latest known copy of the current or last call request.
func (a *Applicant) Request() (registry.CallRequest, bool) { return a.snap.get() }

// Outcome returns the verdict of the last call, if it reached one.
func (a *Applicant) Outcome() (registry.Outcome, bool) {
	r, ok := a.snap.get()
	if !ok || r.Outcome == "" {
		return "", false
	}
	return r.Outcome, true
}

// Run processes events until ctx is done. On exit an open request is ended
// with reason client-shutdown.
func (a *Applicant) Run(ctx context.Context) error {
	defer close(a.run.stopped)
	for {
		for {
			e, ok := a.mb.take()
			if !ok {
				break
			}
			a.dispatch(ctx, e)
		}
		select {
		case <-ctx.Done():
			a.shutdown()
			return ctx.Err()
		case <-a.mb.wake:
		}
	}
}

func (a *Applicant) dispatch(ctx context.Context, e any) {
	switch ev := e.(type) {
	case actionEvent:
		ev.run()
	case changeEvent:
		a.onChange(ctx, ev.change.Request)
	case signalEvent:
		a.onSignal(ctx, ev.callID, ev.msg)
	case peerStateEvent:
		a.onPeerState(ctx, ev.peer, ev.state)
	case localCandidateEvent:
		if ev.peer == a.peer && a.handle != nil {
			if err := a.cfg.Signal.Send(ctx, a.handle.CallID, fromWebRTC(ev.candidate)); err != nil {
				log.Debugf("KYC [%s]: send candidate: %v", a.handle.CallID, err)
			}
		}
	case timerEvent:
		a.onTimer(ctx, ev)
	}
}

// RequestCall acquires local media, then files a waiting call request.
// Media failure returns ErrMediaAcquisition before anything is created.
func (a *Applicant) RequestCall(ctx context.Context) (registry.CallRequest, error) {
	var (
		out registry.CallRequest
		err error
	)
	if rerr := a.run.do(ctx, func() { out, err = a.requestCall(ctx) }); rerr != nil {
		return registry.CallRequest{}, rerr
	}
	return out, err
}

func (a *Applicant) requestCall(ctx context.Context) (registry.CallRequest, error) {
	switch a.state.get() {
	case ApplicantIdle, ApplicantEnded:
	default:
		return registry.CallRequest{}, ErrBusy
	}

	stream, err := a.cfg.Device.Acquire(ctx)
	if err != nil {
		log.Warnf("KYC [%s]: media acquisition failed: %v", a.cfg.ApplicantID, err)
		return registry.CallRequest{}, fmt.Errorf("%w: %v", ErrMediaAcquisition, err)
	}

	if a.unwatch != nil {
		a.unwatch()
	}
	ch, unwatch := a.cfg.Registry.Watch(registry.Filter{ApplicantID: a.cfg.ApplicantID})
	a.mb.forward(ch)

	prev, _ := a.state.set(ApplicantRequested)
	req, err := a.cfg.Registry.Create(ctx, a.cfg.ApplicantID, registry.KindVideo)
	if err != nil {
		unwatch()
		stream.Stop()
		a.state.set(prev)
		return registry.CallRequest{}, err
	}

	a.unwatch = unwatch
	a.stream = stream
	a.req = &req
	a.early = nil
	a.snap.set(req)
	a.state.set(ApplicantWaitingForReviewer)
	a.scheduleHeartbeat(req.ID)
	log.Infof("KYC [%s]: applicant %s waiting for a reviewer", req.ID, a.cfg.ApplicantID)
	return req, nil
}

// Cancel ends the current request without a verdict.
func (a *Applicant) Cancel(ctx context.Context) error {
	var err error
	if rerr := a.run.do(ctx, func() { err = a.cancel(ctx) }); rerr != nil {
		return rerr
	}
	return err
}

func (a *Applicant) cancel(ctx context.Context) error {
	if a.req == nil || a.state.get() == ApplicantEnded {
		return ErrNoActiveCall
	}
	req, err := a.cfg.Registry.End(ctx, a.req.ID, registry.ReasonApplicantCancelled)
	if err != nil {
		return err
	}
	a.absorb(req)
	a.teardown(ctx, registry.ReasonApplicantCancelled)
	return nil
}

// absorb records the latest copy of the current request.
func (a *Applicant) absorb(r registry.CallRequest) {
	if a.req == nil || a.req.ID != r.ID {
		return
	}
	*a.req = r
	a.snap.set(r)
}

func (a *Applicant) onChange(ctx context.Context, r registry.CallRequest) {
	if a.req == nil || r.ID != a.req.ID {
		return
	}
	a.absorb(r)

	if r.Status.Terminal() {
		if a.state.get() != ApplicantEnded {
			log.Infof("KYC [%s]: registry reached %s", r.ID, r.Status)
			a.teardown(ctx, "")
		}
		if a.unwatch != nil {
			a.unwatch()
			a.unwatch = nil
		}
		return
	}

	if r.Status == registry.StatusAccepted && a.state.get() == ApplicantWaitingForReviewer {
		a.joinCall(ctx, r)
	}
}

func (a *Applicant) joinCall(ctx context.Context, r registry.CallRequest) {
	h, err := a.cfg.Signal.Join(ctx, r.ID, signal.RoleApplicant, func(m signal.Message) {
		a.mb.put(signalEvent{callID: r.ID, msg: m})
	})
	if err != nil {
		log.Warnf("KYC [%s]: join signaling: %v", r.ID, err)
		a.fail(ctx, registry.ReasonConnectionFailed)
		return
	}
	a.handle = h
	a.state.set(ApplicantConnecting)
	a.negTimer = time.AfterFunc(a.cfg.NegotiationTimeout, func() {
		a.mb.put(timerEvent{kind: timerNegotiation, callID: r.ID})
	})
	// The reviewer may have sent its offer before we joined; announcing
	// ourselves makes it send again.
	if err := a.cfg.Signal.Send(ctx, r.ID, signal.Control{Action: signal.ActionApplicantJoined}); err != nil {
		log.Debugf("KYC [%s]: announce: %v", r.ID, err)
	}
	log.Infof("KYC [%s]: reviewer %s accepted, waiting for offer", r.ID, r.ReviewerID)
}

func (a *Applicant) onSignal(ctx context.Context, callID string, m signal.Message) {
	if a.handle == nil || a.handle.CallID != callID {
		return
	}
	switch p := m.Payload.(type) {
	case signal.Offer:
		a.onOffer(ctx, callID, p)
	case signal.Answer:
		log.Debugf("KYC [%s]: applicant ignores answers", callID)
	case signal.ICECandidate:
		c := toWebRTC(p)
		if a.peer == nil {
			a.early = append(a.early, c)
			return
		}
		a.peer.AddICECandidate(c)
	case signal.Control:
		switch p.Action {
		case signal.ActionReviewerJoined:
			if a.peer == nil {
				if err := a.cfg.Signal.Send(ctx, callID, signal.Control{Action: signal.ActionApplicantJoined}); err != nil {
					log.Debugf("KYC [%s]: announce: %v", callID, err)
				}
			}
		case signal.ActionHangup:
			log.Infof("KYC [%s]: reviewer hung up (%s)", callID, p.Reason)
			a.teardown(ctx, "")
		case signal.ActionApplicantJoined:
		default:
			log.Warnf("KYC [%s]: ignoring control action %q", callID, p.Action)
		}
	default:
		log.Warnf("KYC [%s]: ignoring %T message", callID, m.Payload)
	}
}

func (a *Applicant) onOffer(ctx context.Context, callID string, o signal.Offer) {
	if a.peer != nil {
		// Re-sent offer; our answer may not have been seen yet.
		if ld := a.peer.LocalDescription(); ld != nil && ld.Type == webrtc.SDPTypeAnswer {
			if err := a.cfg.Signal.Send(ctx, callID, signal.Answer{SDP: ld.SDP}); err != nil {
				log.Debugf("KYC [%s]: re-send answer: %v", callID, err)
			}
		}
		return
	}

	peer, err := newCallPeer(a.mb, callID, a.cfg.ICE(), a.stream)
	if err != nil {
		log.Warnf("KYC [%s]: create peer: %v", callID, err)
		a.fail(ctx, registry.ReasonConnectionFailed)
		return
	}
	a.peer = peer
	for _, c := range a.early {
		peer.AddICECandidate(c)
	}
	a.early = nil

	if err := peer.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: o.SDP}); err != nil {
		log.Warnf("KYC [%s]: %v", callID, err)
		a.fail(ctx, registry.ReasonConnectionFailed)
		return
	}
	answer, err := peer.CreateAnswer()
	if err != nil {
		log.Warnf("KYC [%s]: %v", callID, err)
		a.fail(ctx, registry.ReasonConnectionFailed)
		return
	}
	if err := a.cfg.Signal.Send(ctx, callID, signal.Answer{SDP: answer.SDP}); err != nil {
		log.Warnf("KYC [%s]: send answer: %v", callID, err)
	}
	log.Infof("KYC [%s]: answer sent", callID)
}

func (a *Applicant) onPeerState(ctx context.Context, p *call.Peer, s call.State) {
	if p != a.peer || a.req == nil {
		return
	}
	switch {
	case s == call.StateConnected:
		if a.negTimer != nil {
			a.negTimer.Stop()
			a.negTimer = nil
		}
		a.state.set(ApplicantConnected)
	case s.Ending():
		log.Warnf("KYC [%s]: connection %s", a.req.ID, s)
		a.fail(ctx, registry.ReasonConnectionFailed)
	}
}

func (a *Applicant) onTimer(ctx context.Context, ev timerEvent) {
	if a.req == nil || ev.callID != a.req.ID {
		return
	}
	switch ev.kind {
	case timerNegotiation:
		if a.state.get() == ApplicantConnecting {
			log.Warnf("KYC [%s]: not connected within %s", ev.callID, a.cfg.NegotiationTimeout)
			a.fail(ctx, registry.ReasonNegotiationTimeout)
		}
	case timerHeartbeat:
		if a.state.get() == ApplicantEnded {
			return
		}
		r, err := a.cfg.Registry.Heartbeat(ctx, ev.callID)
		if err != nil {
			log.Debugf("KYC [%s]: heartbeat: %v", ev.callID, err)
		} else {
			a.onChange(ctx, r)
		}
		if a.state.get() != ApplicantEnded {
			a.scheduleHeartbeat(ev.callID)
		}
	}
}

func (a *Applicant) scheduleHeartbeat(callID string) {
	a.beatTimer = time.AfterFunc(a.cfg.HeartbeatInterval, func() {
		a.mb.put(timerEvent{kind: timerHeartbeat, callID: callID})
	})
}

// fail ends the registry entry without a verdict and tears down.
func (a *Applicant) fail(ctx context.Context, reason string) {
	if a.req != nil {
		r, err := a.cfg.Registry.End(ctx, a.req.ID, reason)
		if err != nil {
			log.Warnf("KYC [%s]: end (%s): %v", a.req.ID, reason, err)
		} else {
			a.absorb(r)
		}
	}
	a.teardown(ctx, reason)
}

// teardown releases media, the peer connection and the signaling handle.
// Safe to call on any path, any number of times.
func (a *Applicant) teardown(ctx context.Context, reason string) {
	if a.negTimer != nil {
		a.negTimer.Stop()
		a.negTimer = nil
	}
	if a.beatTimer != nil {
		a.beatTimer.Stop()
		a.beatTimer = nil
	}
	if a.handle != nil {
		if reason != "" {
			if err := a.cfg.Signal.Send(ctx, a.handle.CallID, signal.Control{Action: signal.ActionHangup, Reason: reason}); err != nil {
				log.Debugf("KYC [%s]: hangup: %v", a.handle.CallID, err)
			}
		}
		if err := a.handle.Close(); err != nil {
			log.Debugf("KYC [%s]: leave: %v", a.handle.CallID, err)
		}
		a.handle = nil
	}
	if a.peer != nil {
		a.peer.Close()
		a.peer = nil
	}
	if a.stream != nil {
		a.stream.Stop()
		a.stream = nil
	}
	a.early = nil
	if _, changed := a.state.set(ApplicantEnded); changed && a.req != nil {
		log.Infof("KYC [%s]: applicant call ended (status %s)", a.req.ID, a.req.Status)
	}
}

func (a *Applicant) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
	defer cancel()
	switch {
	case a.req == nil:
	case !a.req.Status.Terminal() && a.state.get() != ApplicantEnded:
		a.fail(ctx, registry.ReasonClientShutdown)
	default:
		a.teardown(ctx, "")
	}
	if a.unwatch != nil {
		a.unwatch()
		a.unwatch = nil
	}
}
