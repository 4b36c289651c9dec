package domain

import (
	"errors"
	"fmt"
	"time"
)

type SessionID string

func (s SessionID) String() string { return string(s) }

type Status string

const (
	StatusOpen      Status = "open"
	StatusMatched   Status = "matched"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

type Mode string

const (
	ModeVideo Mode = "video"
	ModeAudio Mode = "audio"
)

type MatchType string

const (
	MatchAnyone   MatchType = "anyone"
	MatchCity     MatchType = "city"
	MatchRole     MatchType = "role"
	MatchFavorite MatchType = "favorite"
)

var (
	ErrInvalidDuration  = errors.New("duration must be 25, 50 or 75 minutes")
	ErrInvalidMode      = errors.New("mode must be video or audio")
	ErrInvalidMatchType = errors.New("unknown match type")
	ErrInvalidStatus    = errors.New("unknown session status")
)

// Preferences are the immutable matching inputs chosen at creation.
type Preferences struct {
	Duration  int       `json:"duration"`
	Mode      Mode      `json:"mode"`
	MatchType MatchType `json:"match_type"`
}

func (p Preferences) Validate() error {
	switch p.Duration {
	case 25, 50, 75:
	default:
		return ErrInvalidDuration
	}
	switch p.Mode {
	case ModeVideo, ModeAudio:
	default:
		return ErrInvalidMode
	}
	switch p.MatchType {
	case MatchAnyone, MatchCity, MatchRole, MatchFavorite:
	default:
		return ErrInvalidMatchType
	}
	return nil
}

// Session is the rendezvous record shared by the two participants.
// PartnerID is empty until the session is matched.
type Session struct {
	ID          SessionID `json:"id"`
	HostID      UserID    `json:"host_id"`
	PartnerID   UserID    `json:"partner_id,omitempty"`
	Duration    int       `json:"duration"`
	Mode        Mode      `json:"mode"`
	MatchType   MatchType `json:"match_type"`
	Status      Status    `json:"status"`
	ScheduledAt time.Time `json:"scheduled_at"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at"`
	HostGoal    string    `json:"host_goal,omitempty"`
	PartnerGoal string    `json:"partner_goal,omitempty"`
}

func (s *Session) Preferences() Preferences {
	return Preferences{Duration: s.Duration, Mode: s.Mode, MatchType: s.MatchType}
}

// Validate checks that a partner is bound iff the status says so.
func (s *Session) Validate() error {
	if !s.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, s.Status)
	}
	if s.HostID == "" {
		return fmt.Errorf("session %s: %w", s.ID, ErrUserIDEmpty)
	}
	if s.Status.HasPartner() != (s.PartnerID != "") {
		return fmt.Errorf("session %s: partner %q inconsistent with status %s", s.ID, s.PartnerID, s.Status)
	}
	return nil
}

// Settled reports whether s has a partner or is still waiting for one,
// i.e. matching is no longer in flight for the caller.
func (s *Session) Settled() bool {
	return s.Status == StatusOpen || s.Status.HasPartner()
}

func (st Status) Valid() bool {
	switch st {
	case StatusOpen, StatusMatched, StatusActive, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

func (st Status) HasPartner() bool {
	return st == StatusMatched || st == StatusActive || st == StatusCompleted
}

func (st Status) Terminal() bool {
	return st == StatusCompleted || st == StatusCancelled
}

// transitions maps a target status to the statuses it may be entered from.
// open→matched is only reachable through a join, never a plain update.
var transitions = map[Status][]Status{
	StatusMatched:   {StatusOpen},
	StatusActive:    {StatusMatched},
	StatusCompleted: {StatusMatched, StatusActive},
	StatusCancelled: {StatusOpen},
}

// AllowedFrom lists the statuses from which to can be entered.
func AllowedFrom(to Status) []Status {
	return transitions[to]
}

// CanTransition reports whether a session in from may move to to.
func CanTransition(from, to Status) bool {
	for _, st := range transitions[to] {
		if st == from {
			return true
		}
	}
	return false
}
