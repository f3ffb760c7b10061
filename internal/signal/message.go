package signal

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// Role is the side of the call a participant is on.
type Role string

const (
	RoleApplicant Role = "applicant"
	RoleReviewer  Role = "reviewer"
)

func (r Role) Valid() bool { return r == RoleApplicant || r == RoleReviewer }

// ── Message type constants ────────────────────────────────────────────────────
// Value of the "type" field of every envelope on a call topic.
type MessageType string

const (
	TypeOffer        MessageType = "offer"         // reviewer → applicant: SDP offer
	TypeAnswer       MessageType = "answer"        // applicant → reviewer: SDP answer
	TypeICECandidate MessageType = "ice-candidate" // either → other: trickled candidate
	TypeControl      MessageType = "control"       // presence and hangup announcements
)

// Action is the verb of a control message.
type Action string

const (
	ActionReviewerJoined  Action = "reviewer-joined"
	ActionApplicantJoined Action = "applicant-joined"
	ActionHangup          Action = "hangup"
)

// Payload is the closed set of things that travel on a call topic:
// Offer, Answer, ICECandidate and Control.
type Payload interface {
	Type() MessageType
	isPayload()
}

type Offer struct {
	SDP string `json:"sdp"`
}

type Answer struct {
	SDP string `json:"sdp"`
}

// ICECandidate mirrors the browser RTCIceCandidateInit shape.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

type Control struct {
	Action Action `json:"action"`
	Reason string `json:"reason,omitempty"`
}

func (Offer) Type() MessageType        { return TypeOffer }
func (Answer) Type() MessageType       { return TypeAnswer }
func (ICECandidate) Type() MessageType { return TypeICECandidate }
func (Control) Type() MessageType      { return TypeControl }

func (Offer) isPayload()        {}
func (Answer) isPayload()       {}
func (ICECandidate) isPayload() {}
func (Control) isPayload()      {}

// Message is a decoded signaling message.
type Message struct {
	ID         string
	CallID     string
	SenderRole Role
	Payload    Payload
}

// NewMessage stamps a payload with a fresh id.
func NewMessage(callID string, role Role, p Payload) Message {
	return Message{ID: uuid.NewString(), CallID: callID, SenderRole: role, Payload: p}
}

var ErrUnknownType = errors.New("unknown signaling message type")

// Envelope is the JSON wire form used by the websocket relay.
type Envelope struct {
	ID         string          `json:"id"`
	CallID     string          `json:"call_id"`
	Type       MessageType     `json:"type"`
	SenderRole Role            `json:"sender_role"`
	Payload    json.RawMessage `json:"payload"`
}

// Encode renders m as a JSON envelope.
func Encode(m Message) ([]byte, error) {
	if m.Payload == nil {
		return nil, errors.New("signal: nil payload")
	}
	p, err := json.Marshal(m.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{
		ID:         m.ID,
		CallID:     m.CallID,
		Type:       m.Payload.Type(),
		SenderRole: m.SenderRole,
		Payload:    p,
	})
}

// Decode parses a JSON envelope. An unrecognised type yields ErrUnknownType
// with the envelope fields still filled in.
func Decode(b []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Message{}, fmt.Errorf("decode envelope: %w", err)
	}
	m := Message{ID: env.ID, CallID: env.CallID, SenderRole: env.SenderRole}
	p, err := decodePayload(env.Type, func(v any) error { return json.Unmarshal(env.Payload, v) })
	if err != nil {
		return m, err
	}
	m.Payload = p
	return m, nil
}

// cborEnvelope is the gossipsub wire form.
type cborEnvelope struct {
	ID         string          `cbor:"1,keyasint"`
	CallID     string          `cbor:"2,keyasint"`
	Type       MessageType     `cbor:"3,keyasint"`
	SenderRole Role            `cbor:"4,keyasint"`
	Payload    cbor.RawMessage `cbor:"5,keyasint"`
}

func encodeCBOR(m Message) ([]byte, error) {
	if m.Payload == nil {
		return nil, errors.New("signal: nil payload")
	}
	p, err := cbor.Marshal(m.Payload)
	if err != nil {
		return nil, err
	}
	return cbor.Marshal(cborEnvelope{
		ID:         m.ID,
		CallID:     m.CallID,
		Type:       m.Payload.Type(),
		SenderRole: m.SenderRole,
		Payload:    p,
	})
}

func decodeCBOR(b []byte) (Message, error) {
	var env cborEnvelope
	if err := cbor.Unmarshal(b, &env); err != nil {
		return Message{}, fmt.Errorf("decode envelope: %w", err)
	}
	m := Message{ID: env.ID, CallID: env.CallID, SenderRole: env.SenderRole}
	p, err := decodePayload(env.Type, func(v any) error { return cbor.Unmarshal(env.Payload, v) })
	if err != nil {
		return m, err
	}
	m.Payload = p
	return m, nil
}

func decodePayload(t MessageType, unmarshal func(any) error) (Payload, error) {
	switch t {
	case TypeOffer:
		var p Offer
		return p, wrapPayloadErr(t, unmarshal(&p))
	case TypeAnswer:
		var p Answer
		return p, wrapPayloadErr(t, unmarshal(&p))
	case TypeICECandidate:
		var p ICECandidate
		return p, wrapPayloadErr(t, unmarshal(&p))
	case TypeControl:
		var p Control
		return p, wrapPayloadErr(t, unmarshal(&p))
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
}

func wrapPayloadErr(t MessageType, err error) error {
	if err != nil {
		return fmt.Errorf("decode %s payload: %w", t, err)
	}
	return nil
}
