package signal

import (
	"errors"
	"testing"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	mid := "0"
	idx := uint16(0)
	cases := []Payload{
		Offer{SDP: "v=0 offer"},
		Answer{SDP: "v=0 answer"},
		ICECandidate{Candidate: "candidate:1 1 udp 2130706431 127.0.0.1 5000 typ host", SDPMid: &mid, SDPMLineIndex: &idx},
		Control{Action: ActionHangup, Reason: "reviewer-ended"},
	}
	for _, p := range cases {
		m := NewMessage("call-1", RoleReviewer, p)

		b, err := Encode(m)
		if err != nil {
			t.Fatalf("Encode %s: %v", p.Type(), err)
		}
		got, err := Decode(b)
		if err != nil {
			t.Fatalf("Decode %s: %v", p.Type(), err)
		}
		if got.ID != m.ID || got.CallID != "call-1" || got.SenderRole != RoleReviewer || got.Payload.Type() != p.Type() {
			t.Fatalf("json round trip = %+v", got)
		}

		cb, err := encodeCBOR(m)
		if err != nil {
			t.Fatalf("encodeCBOR %s: %v", p.Type(), err)
		}
		got, err = decodeCBOR(cb)
		if err != nil {
			t.Fatalf("decodeCBOR %s: %v", p.Type(), err)
		}
		if got.Payload.Type() != p.Type() {
			t.Fatalf("cbor round trip = %+v", got)
		}
	}
}

func TestCandidateFieldsSurvive(t *testing.T) {
	mid := "audio"
	idx := uint16(1)
	b, _ := Encode(NewMessage("c", RoleApplicant, ICECandidate{Candidate: "candidate:x", SDPMid: &mid, SDPMLineIndex: &idx}))
	m, err := Decode(b)
	if err != nil {
		t.Fatal(err)
	}
	c, ok := m.Payload.(ICECandidate)
	if !ok {
		t.Fatalf("payload is %T", m.Payload)
	}
	if c.SDPMid == nil || *c.SDPMid != "audio" || c.SDPMLineIndex == nil || *c.SDPMLineIndex != 1 {
		t.Fatalf("candidate = %+v", c)
	}
}

func TestDecodeUnknownType(t *testing.T) {
	m, err := Decode([]byte(`{"id":"x","call_id":"c","type":"renegotiate","sender_role":"applicant","payload":{}}`))
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("err = %v, want ErrUnknownType", err)
	}
	if m.CallID != "c" || m.Payload != nil {
		t.Fatalf("message = %+v", m)
	}
}
