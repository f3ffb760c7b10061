package call

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/kyccall/internal/config"
)

func loopbackOptions() Options {
	ice := DefaultICEConfig()
	ice.IncludeLoopback = true
	return Options{ICE: ice}
}

func waitState(t *testing.T, p *Peer, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for p.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("peer %s stuck in %s, want %s", p.CallID(), p.State(), want)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func acquire(t *testing.T, label string) *LocalStream {
	t.Helper()
	s, err := NewDevice(SyntheticSource{Label: label}).Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Stop() })
	return s
}

func TestNegotiationWithEarlyCandidates(t *testing.T) {
	offerer, err := NewPeer("call-a", loopbackOptions())
	if err != nil {
		t.Fatal(err)
	}
	defer offerer.Close()
	answerer, err := NewPeer("call-a", loopbackOptions())
	if err != nil {
		t.Fatal(err)
	}
	defer answerer.Close()

	if err := offerer.AttachLocalTracks(acquire(t, "reviewer")); err != nil {
		t.Fatal(err)
	}
	if err := answerer.AttachLocalTracks(acquire(t, "applicant")); err != nil {
		t.Fatal(err)
	}

	// Candidates travel straight across, racing ahead of the descriptions.
	offerer.OnLocalCandidate(answerer.AddICECandidate)
	answerer.OnLocalCandidate(offerer.AddICECandidate)

	offer, err := offerer.CreateOffer()
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for answerer.PendingCandidates() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no candidates were queued ahead of the offer")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := answerer.SetRemoteDescription(offer); err != nil {
		t.Fatal(err)
	}
	if n := answerer.PendingCandidates(); n != 0 {
		t.Fatalf("%d candidates still pending after remote description", n)
	}
	answer, err := answerer.CreateAnswer()
	if err != nil {
		t.Fatal(err)
	}
	if err := offerer.SetRemoteDescription(answer); err != nil {
		t.Fatal(err)
	}

	waitState(t, offerer, StateConnected, 20*time.Second)
	waitState(t, answerer, StateConnected, 20*time.Second)

	deadline = time.Now().Add(10 * time.Second)
	for answerer.RemoteStats().Packets == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("no RTP arrived: %+v", answerer.RemoteStats())
		}
		time.Sleep(50 * time.Millisecond)
	}

	offerer.Close()
	select {
	case <-offerer.Ended():
	case <-time.After(time.Second):
		t.Fatal("Ended not closed after Close")
	}
}

func TestNegotiationNeedsLocalTracks(t *testing.T) {
	p, err := NewPeer("call-b", loopbackOptions())
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	if _, err := p.CreateOffer(); !errors.Is(err, ErrNoLocalTracks) {
		t.Fatalf("CreateOffer err = %v", err)
	}
	if _, err := p.CreateAnswer(); !errors.Is(err, ErrNoLocalTracks) {
		t.Fatalf("CreateAnswer err = %v", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	p, err := NewPeer("call-c", loopbackOptions())
	if err != nil {
		t.Fatal(err)
	}
	states := make(chan State, 4)
	p.OnStateChange(func(s State) { states <- s })

	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if p.State() != StateClosed {
		t.Fatalf("state = %s", p.State())
	}
	if got := <-states; got != StateClosed {
		t.Fatalf("observed %s", got)
	}
	select {
	case s := <-states:
		t.Fatalf("closed reported twice, then %s", s)
	case <-time.After(100 * time.Millisecond):
	}
	p.AddICECandidate(webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 127.0.0.1 9 typ host"})
	if p.PendingCandidates() != 0 {
		t.Fatal("closed peer queued a candidate")
	}
}

func TestDeviceIsExclusive(t *testing.T) {
	ctx := context.Background()
	dev := NewDevice(SyntheticSource{})
	s, err := dev.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := dev.Acquire(ctx); !errors.Is(err, ErrDeviceBusy) {
		t.Fatalf("second Acquire err = %v", err)
	}
	s.Stop()
	s.Stop()
	if dev.Held() {
		t.Fatal("device still held after Stop")
	}
	again, err := dev.Acquire(ctx)
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	again.Stop()
}

func TestICEConfigFromConfig(t *testing.T) {
	c := config.Default().ICE
	c.TURNURL = "turn:turn.example.org:3478"
	c.TURNUsername = "u"
	c.TURNCredential = "p"
	ice := ICEConfigFrom(c)
	servers := ice.Servers()
	if len(servers) != 2 {
		t.Fatalf("servers = %+v", servers)
	}
	if servers[1].Username != "u" || servers[1].Credential != "p" {
		t.Fatalf("turn entry = %+v", servers[1])
	}
	if ice.DisconnectedTimeout != 30*time.Second {
		t.Fatalf("disconnected timeout = %s", ice.DisconnectedTimeout)
	}
}
