package core

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/dkeye/warmode/internal/domain"
	"github.com/pion/webrtc/v4"
)

// Envelope types on the relay wire.
const (
	TypeSubscribe    = "subscribe"
	TypeUnsubscribe  = "unsubscribe"
	TypeBroadcast    = "broadcast"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypePing         = "ping"
	TypePong         = "pong"
	TypeError        = "error"
)

// EventStatus is the broadcast event carrying a session snapshot on match topics.
const EventStatus = "status"

var ErrBadEnvelope = errors.New("malformed envelope")

// Envelope is the single JSON frame shape of the relay protocol.
type Envelope struct {
	Type    string          `json:"type"`
	Topic   Topic           `json:"topic,omitempty"`
	Event   string          `json:"event,omitempty"`
	From    domain.UserID   `json:"from,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
	Code    string          `json:"code,omitempty"`
}

type signalPayload struct {
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

func EncodeEnvelope(env Envelope) (Frame, error) {
	b, err := sonic.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", env.Type, err)
	}
	return b, nil
}

func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := sonic.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrBadEnvelope)
	}
	return env, nil
}

// SignalEnvelope wraps msg as a broadcast on the signaling topic of sid.
func SignalEnvelope(sid domain.SessionID, msg SignalMessage) (Envelope, error) {
	if !msg.Kind.Valid() {
		return Envelope{}, fmt.Errorf("%w: unknown signal %q", ErrBadEnvelope, msg.Kind)
	}
	payload, err := sonic.Marshal(signalPayload{SDP: msg.SDP, Candidate: msg.Candidate})
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", msg.Kind, err)
	}
	return Envelope{
		Type:    TypeBroadcast,
		Topic:   SessionTopic(sid),
		Event:   string(msg.Kind),
		From:    msg.SenderID,
		Payload: payload,
	}, nil
}

// SignalFromEnvelope is the inverse of SignalEnvelope. The sender is taken
// from the server-stamped From field.
func SignalFromEnvelope(env Envelope) (SignalMessage, error) {
	kind := SignalKind(env.Event)
	if !kind.Valid() {
		return SignalMessage{}, fmt.Errorf("%w: unknown signal %q", ErrBadEnvelope, env.Event)
	}
	var p signalPayload
	if len(env.Payload) > 0 {
		if err := sonic.Unmarshal(env.Payload, &p); err != nil {
			return SignalMessage{}, fmt.Errorf("%w: %s payload: %v", ErrBadEnvelope, kind, err)
		}
	}
	switch kind {
	case SignalOffer, SignalAnswer:
		if p.SDP == nil {
			return SignalMessage{}, fmt.Errorf("%w: %s without sdp", ErrBadEnvelope, kind)
		}
	case SignalCandidate:
		if p.Candidate == nil {
			return SignalMessage{}, fmt.Errorf("%w: candidate without body", ErrBadEnvelope)
		}
	}
	return SignalMessage{Kind: kind, SenderID: env.From, SDP: p.SDP, Candidate: p.Candidate}, nil
}

// StatusEnvelope wraps a committed session snapshot for its match topic.
func StatusEnvelope(s domain.Session) (Envelope, error) {
	payload, err := sonic.Marshal(s)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode session %s: %w", s.ID, err)
	}
	return Envelope{Type: TypeBroadcast, Topic: MatchTopic(s.ID), Event: EventStatus, Payload: payload}, nil
}

func SessionFromEnvelope(env Envelope) (domain.Session, error) {
	if env.Event != EventStatus {
		return domain.Session{}, fmt.Errorf("%w: unexpected event %q", ErrBadEnvelope, env.Event)
	}
	var s domain.Session
	if err := sonic.Unmarshal(env.Payload, &s); err != nil {
		return domain.Session{}, fmt.Errorf("%w: session payload: %v", ErrBadEnvelope, err)
	}
	return s, nil
}

func ErrorEnvelope(topic Topic, err error) Envelope {
	return Envelope{Type: TypeError, Topic: topic, Error: err.Error(), Code: ErrorCode(err)}
}
