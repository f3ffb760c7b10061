package call

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

var log = logging.Logger("call")

var (
	ErrNoLocalTracks = errors.New("local tracks must be attached before negotiation")
	ErrClosed        = errors.New("peer connection closed")
)

// State is the connection state of a Peer.
type State string

const (
	StateNew          State = "new"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateFailed       State = "failed"
	StateClosed       State = "closed"
)

// Ending reports whether s ends the call.
func (s State) Ending() bool {
	return s == StateDisconnected || s == StateFailed || s == StateClosed
}

func stateFrom(s webrtc.PeerConnectionState) State {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	case webrtc.PeerConnectionStateClosed:
		return StateClosed
	default:
		return StateNew
	}
}

type Options struct {
	ICE ICEConfig
	// Codecs registers codecs on the media engine. Nil registers pion's defaults.
	Codecs func(*webrtc.MediaEngine) error
}

// RemoteStats counts what arrived from the other side.
type RemoteStats struct {
	Tracks      int    `json:"tracks"`
	Packets     uint64 `json:"packets"`
	Bytes       uint64 `json:"bytes"`
	PLIReceived uint64 `json:"pli_received"`
}

// Peer is one call's media session. Remote ICE candidates that arrive
// before the remote description are held and applied once it is set.
type Peer struct {
	callID string
	pc     *webrtc.PeerConnection

	mu          sync.Mutex
	state       State
	remoteSet   bool
	hasTracks   bool
	closed      bool
	pending     []webrtc.ICECandidateInit
	localQueue  []webrtc.ICECandidateInit
	onCandidate func(webrtc.ICECandidateInit)
	onState     func(State)

	ended     chan struct{}
	endedOnce sync.Once

	tracks  atomic.Int32
	packets atomic.Uint64
	bytes   atomic.Uint64
	plis    atomic.Uint64
}

func NewPeer(callID string, opts Options) (*Peer, error) {
	mediaEngine := &webrtc.MediaEngine{}
	codecs := opts.Codecs
	if codecs == nil {
		codecs = func(m *webrtc.MediaEngine) error { return m.RegisterDefaultCodecs() }
	}
	if err := codecs(mediaEngine); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(opts.ICE.settingEngine()),
	)
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: opts.ICE.Servers()})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	p := &Peer{callID: callID, pc: pc, state: StateNew, ended: make(chan struct{})}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			log.Debugf("CALL [%s]: local ICE gathering complete", callID)
			return
		}
		p.emitLocal(c.ToJSON())
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		p.setState(stateFrom(s))
	})
	pc.OnTrack(p.handleTrack)

	log.Infof("CALL [%s]: peer connection ready (%d ICE servers)", callID, len(opts.ICE.Servers()))
	return p, nil
}

func (p *Peer) CallID() string { return p.callID }

// OnLocalCandidate registers fn for locally gathered candidates. Candidates
// gathered before registration are handed over immediately.
func (p *Peer) OnLocalCandidate(fn func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	p.onCandidate = fn
	queued := p.localQueue
	p.localQueue = nil
	p.mu.Unlock()
	for _, c := range queued {
		fn(c)
	}
}

// OnStateChange registers fn for connection state transitions.
func (p *Peer) OnStateChange(fn func(State)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *Peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Ended is closed the first time the connection becomes disconnected,
// failed or closed.
func (p *Peer) Ended() <-chan struct{} { return p.ended }

func (p *Peer) emitLocal(c webrtc.ICECandidateInit) {
	p.mu.Lock()
	fn := p.onCandidate
	if fn == nil {
		p.localQueue = append(p.localQueue, c)
	}
	p.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

func (p *Peer) setState(s State) {
	p.mu.Lock()
	if p.state == s || p.state == StateClosed {
		p.mu.Unlock()
		return
	}
	prev := p.state
	p.state = s
	fn := p.onState
	p.mu.Unlock()

	log.Infof("CALL [%s]: connection state %s -> %s", p.callID, prev, s)
	if s.Ending() {
		p.endedOnce.Do(func() { close(p.ended) })
	}
	if fn != nil {
		fn(s)
	}
}

// AttachLocalTracks adds the stream's tracks. Must precede CreateOffer or
// CreateAnswer.
func (p *Peer) AttachLocalTracks(s *LocalStream) error {
	if s == nil || len(s.Tracks()) == 0 {
		return ErrNoLocalTracks
	}
	if p.isClosed() {
		return ErrClosed
	}
	for _, t := range s.Tracks() {
		sender, err := p.pc.AddTrack(t)
		if err != nil {
			return fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
		go p.readRTCP(sender)
	}
	p.mu.Lock()
	p.hasTracks = true
	p.mu.Unlock()
	return nil
}

// readRTCP drains sender reports so interceptors run, and counts picture
// loss requests from the other side.
func (p *Peer) readRTCP(sender *webrtc.RTPSender) {
	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			if _, ok := pkt.(*rtcp.PictureLossIndication); ok {
				p.plis.Add(1)
			}
		}
	}
}

func (p *Peer) handleTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	p.tracks.Add(1)
	log.Infof("CALL [%s]: remote %s track %s (%s)", p.callID, track.Kind(), track.ID(), track.Codec().MimeType)
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		// Ask for a key frame so the first picture decodes promptly.
		if err := p.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}}); err != nil {
			log.Debugf("CALL [%s]: PLI: %v", p.callID, err)
		}
	}
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		p.countPacket(pkt)
	}
}

func (p *Peer) countPacket(pkt *rtp.Packet) {
	p.packets.Add(1)
	p.bytes.Add(uint64(len(pkt.Payload)))
}

func (p *Peer) RemoteStats() RemoteStats {
	return RemoteStats{
		Tracks:      int(p.tracks.Load()),
		Packets:     p.packets.Load(),
		Bytes:       p.bytes.Load(),
		PLIReceived: p.plis.Load(),
	}
}

func (p *Peer) negotiable() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if !p.hasTracks {
		return ErrNoLocalTracks
	}
	return nil
}

// CreateOffer generates and sets the local offer.
func (p *Peer) CreateOffer() (webrtc.SessionDescription, error) {
	if err := p.negotiable(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}
	log.Debugf("CALL [%s]: local offer set", p.callID)
	return offer, nil
}

// CreateAnswer generates and sets the local answer to the remote offer.
func (p *Peer) CreateAnswer() (webrtc.SessionDescription, error) {
	if err := p.negotiable(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}
	log.Debugf("CALL [%s]: local answer set", p.callID)
	return answer, nil
}

// LocalDescription returns the current local description, or nil.
func (p *Peer) LocalDescription() *webrtc.SessionDescription {
	return p.pc.LocalDescription()
}

// HasRemoteDescription reports whether SetRemoteDescription has succeeded.
func (p *Peer) HasRemoteDescription() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteSet
}

// SetRemoteDescription applies the remote offer or answer, then flushes any
// candidates that raced ahead of it.
func (p *Peer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	if p.isClosed() {
		return ErrClosed
	}
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote %s: %w", desc.Type, err)
	}
	p.mu.Lock()
	p.remoteSet = true
	queued := p.pending
	p.pending = nil
	p.mu.Unlock()

	if len(queued) > 0 {
		log.Debugf("CALL [%s]: flushing %d early ICE candidates", p.callID, len(queued))
	}
	for _, c := range queued {
		p.applyCandidate(c)
	}
	return nil
}

// AddICECandidate applies c, or holds it until the remote description is
// set. A candidate that fails to apply is logged and dropped; it never
// fails the call.
func (p *Peer) AddICECandidate(c webrtc.ICECandidateInit) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if !p.remoteSet {
		p.pending = append(p.pending, c)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.applyCandidate(c)
}

func (p *Peer) applyCandidate(c webrtc.ICECandidateInit) {
	if err := p.pc.AddICECandidate(c); err != nil {
		log.Warnf("CALL [%s]: ignoring ICE candidate %q: %v", p.callID, c.Candidate, err)
	}
}

// PendingCandidates is how many remote candidates wait for the remote
// description.
func (p *Peer) PendingCandidates() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *Peer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close tears the connection down. Idempotent.
func (p *Peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.pending = nil
	p.mu.Unlock()

	err := p.pc.Close()
	p.setState(StateClosed)
	log.Infof("CALL [%s]: peer connection closed", p.callID)
	return err
}
