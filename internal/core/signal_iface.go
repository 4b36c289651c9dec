package core

import (
	"context"

	"github.com/dkeye/warmode/internal/domain"
	"github.com/pion/webrtc/v4"
)

// Frame is a raw encoded envelope as it travels through the relay.
type Frame []byte

// Topic scopes relay fan-out; one per session and purpose.
type Topic string

const (
	sessionTopicPrefix = "session:"
	matchTopicPrefix   = "match:"
)

// SessionTopic carries the call signaling of one session.
func SessionTopic(sid domain.SessionID) Topic { return Topic(sessionTopicPrefix + string(sid)) }

// MatchTopic carries server-published status updates of one session.
func MatchTopic(sid domain.SessionID) Topic { return Topic(matchTopicPrefix + string(sid)) }

// ParseTopic splits t into its session id and whether it is a signaling topic.
func ParseTopic(t Topic) (sid domain.SessionID, signaling bool, ok bool) {
	s := string(t)
	switch {
	case len(s) > len(sessionTopicPrefix) && s[:len(sessionTopicPrefix)] == sessionTopicPrefix:
		return domain.SessionID(s[len(sessionTopicPrefix):]), true, true
	case len(s) > len(matchTopicPrefix) && s[:len(matchTopicPrefix)] == matchTopicPrefix:
		return domain.SessionID(s[len(matchTopicPrefix):]), false, true
	}
	return "", false, false
}

// SignalConnection abstracts a subscriber endpoint of the relay.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "ice-candidate"
	SignalHangup    SignalKind = "hangup"
)

func (k SignalKind) Valid() bool {
	switch k {
	case SignalOffer, SignalAnswer, SignalCandidate, SignalHangup:
		return true
	}
	return false
}

// SignalMessage is one call-setup message. Exactly one of SDP or Candidate
// is set for offers/answers and candidates; hangups carry neither.
type SignalMessage struct {
	Kind      SignalKind
	SenderID  domain.UserID
	SDP       *webrtc.SessionDescription
	Candidate *webrtc.ICECandidateInit
}

// Subscription is the handle returned by SignalChannel.Subscribe.
// C is closed once the subscription is released or dropped by the relay.
type Subscription interface {
	Session() domain.SessionID
	C() <-chan SignalMessage
}

// SignalChannel relays signaling between the two parties of a session.
// Delivery is FIFO per session, at-least-once, best-effort, and never echoes
// a message back to its sender.
type SignalChannel interface {
	Subscribe(ctx context.Context, sid domain.SessionID, self domain.UserID) (Subscription, error)
	Send(ctx context.Context, sid domain.SessionID, msg SignalMessage) error
	Unsubscribe(sub Subscription) error
}

// SessionWatcher pushes status updates of a session as they are committed.
// The returned stop func is idempotent and closes the channel.
type SessionWatcher interface {
	Watch(ctx context.Context, sid domain.SessionID, self domain.UserID) (<-chan domain.Session, func(), error)
}
