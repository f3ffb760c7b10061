package kyc

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/kyccall/internal/call"
	"github.com/petervdpas/kyccall/internal/registry"
	"github.com/petervdpas/kyccall/internal/signal"
)

// Events handled by the controller loops.
type (
	changeEvent struct{ change registry.Change }
	signalEvent struct {
		callID string
		msg    signal.Message
	}
	peerStateEvent struct {
		peer  *call.Peer
		state call.State
	}
	localCandidateEvent struct {
		peer      *call.Peer
		candidate webrtc.ICECandidateInit
	}
	timerEvent struct {
		kind   timerKind
		callID string
	}
	actionEvent struct{ run func() }
)

type timerKind int

const (
	timerNegotiation timerKind = iota
	timerHeartbeat
)

// mailbox is an unbounded FIFO so producers never block on the loop.
type mailbox struct {
	mu    sync.Mutex
	items []any
	wake  chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{wake: make(chan struct{}, 1)}
}

func (m *mailbox) put(e any) {
	m.mu.Lock()
	m.items = append(m.items, e)
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *mailbox) take() (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.items) == 0 {
		return nil, false
	}
	e := m.items[0]
	m.items[0] = nil
	m.items = m.items[1:]
	return e, true
}

// forward pumps a registry watch into the mailbox until the watch closes.
func (m *mailbox) forward(ch <-chan registry.Change) {
	go func() {
		for c := range ch {
			m.put(changeEvent{change: c})
		}
	}()
}

// stateBox holds a controller state and lets callers wait for a value.
type stateBox[S comparable] struct {
	mu      sync.Mutex
	s       S
	changed chan struct{}
}

func newStateBox[S comparable](initial S) *stateBox[S] {
	return &stateBox[S]{s: initial, changed: make(chan struct{})}
}

func (b *stateBox[S]) get() S {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.s
}

func (b *stateBox[S]) set(s S) (prev S, changed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	prev = b.s
	if prev == s {
		return prev, false
	}
	b.s = s
	close(b.changed)
	b.changed = make(chan struct{})
	return prev, true
}

func (b *stateBox[S]) wait(ctx context.Context, want S) error {
	for {
		b.mu.Lock()
		if b.s == want {
			b.mu.Unlock()
			return nil
		}
		ch := b.changed
		b.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// runner executes user actions on the loop goroutine.
type runner struct {
	mb      *mailbox
	stopped chan struct{}
}

func (r runner) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	r.mb.put(actionEvent{run: func() {
		defer close(done)
		fn()
	}})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.stopped:
		return ErrStopped
	}
}

func toWebRTC(c signal.ICECandidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func fromWebRTC(c webrtc.ICECandidateInit) signal.ICECandidate {
	return signal.ICECandidate{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// newCallPeer builds a peer whose callbacks feed mb.
func newCallPeer(mb *mailbox, callID string, ice call.ICEConfig, stream *call.LocalStream) (*call.Peer, error) {
	p, err := call.NewPeer(callID, call.Options{ICE: ice, Codecs: stream.Codecs})
	if err != nil {
		return nil, err
	}
	p.OnStateChange(func(s call.State) { mb.put(peerStateEvent{peer: p, state: s}) })
	p.OnLocalCandidate(func(c webrtc.ICECandidateInit) { mb.put(localCandidateEvent{peer: p, candidate: c}) })
	if err := p.AttachLocalTracks(stream); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

// snapshot publishes a loop-owned value to other goroutines.
type snapshot[T any] struct {
	mu sync.Mutex
	v  T
	ok bool
}

func (s *snapshot[T]) set(v T) {
	s.mu.Lock()
	s.v, s.ok = v, true
	s.mu.Unlock()
}

func (s *snapshot[T]) get() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.v, s.ok
}
