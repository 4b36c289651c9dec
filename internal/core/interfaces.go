package core

import (
	"context"
	"time"

	"github.com/dkeye/warmode/internal/domain"
)

// PublishResult reports delivery stats/backpressure of one broadcast.
type PublishResult struct {
	SendTo  int
	Dropped []SignalConnection
}

// SubscriberDTO is a read-only view of a topic subscriber (no transport fields).
type SubscriberDTO struct {
	ID   string        `json:"id"`
	User domain.UserID `json:"user"`
}

// TopicInfo summarises a relay topic for diagnostics.
type TopicInfo struct {
	Topic       Topic `json:"topic"`
	Subscribers int   `json:"subscribers"`
}

// SessionStore is the narrow, column-level view of the rendezvous store
// the core depends on.
type SessionStore interface {
	// MatchSession atomically attaches userID as partner to the oldest
	// compatible open session or creates a new open session hosted by userID.
	MatchSession(ctx context.Context, userID domain.UserID, prefs domain.Preferences) (domain.SessionID, error)
	// JoinSession binds userID as partner iff the session is still open.
	JoinSession(ctx context.Context, sid domain.SessionID, userID domain.UserID) error
	GetSession(ctx context.Context, sid domain.SessionID) (domain.Session, error)
	// UpdateStatus moves the session to status when domain.CanTransition allows
	// it; re-applying the current status is a no-op.
	UpdateStatus(ctx context.Context, sid domain.SessionID, status domain.Status) error
}

type SessionEventKind string

const (
	EventMatched   SessionEventKind = "matched"
	EventActive    SessionEventKind = "active"
	EventCompleted SessionEventKind = "completed"
	EventCancelled SessionEventKind = "cancelled"
)

// SessionEvent is the trigger batch/notification collaborators react to.
type SessionEvent struct {
	Kind    SessionEventKind `json:"kind"`
	Session domain.Session   `json:"session"`
	At      time.Time        `json:"at"`
}

// SessionEvents is the outbound hook for session lifecycle transitions.
type SessionEvents interface {
	OnSessionEvent(ctx context.Context, ev SessionEvent)
}

// EventKindFor maps a status to the event emitted when a session enters it.
func EventKindFor(st domain.Status) (SessionEventKind, bool) {
	switch st {
	case domain.StatusMatched:
		return EventMatched, true
	case domain.StatusActive:
		return EventActive, true
	case domain.StatusCompleted:
		return EventCompleted, true
	case domain.StatusCancelled:
		return EventCancelled, true
	}
	return "", false
}
