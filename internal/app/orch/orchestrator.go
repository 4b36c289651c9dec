// Package orch coordinates the store, the relay hub and lifecycle listeners
// on the server side.
package orch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/warmode/internal/app/relay"
	"github.com/dkeye/warmode/internal/core"
	"github.com/dkeye/warmode/internal/domain"
	"github.com/rs/zerolog/log"
)

var ErrTopicForbidden = errors.New("topic is server-published")

// StatusTransitioner is the optional store capability that reports whether
// an UpdateStatus call moved the row.
type StatusTransitioner interface {
	TransitionStatus(ctx context.Context, sid domain.SessionID, status domain.Status) (bool, error)
}

// GoalSetter is the optional store capability for participant goals.
type GoalSetter interface {
	SetGoal(ctx context.Context, sid domain.SessionID, userID domain.UserID, goal string) error
}

type Orchestrator struct {
	Store    core.SessionStore
	Hub      *relay.Hub
	Registry *Registry
	Events   core.SessionEvents
	now      func() time.Time
}

func New(store core.SessionStore, hub *relay.Hub, events core.SessionEvents) *Orchestrator {
	if events == nil {
		events = LogEvents{}
	}
	return &Orchestrator{
		Store:    store,
		Hub:      hub,
		Registry: NewRegistry(),
		Events:   events,
		now:      time.Now,
	}
}

// OnFrame relays a client broadcast to the other subscribers of its topic.
func (o *Orchestrator) OnFrame(ctx context.Context, from domain.UserID, env core.Envelope) (core.PublishResult, error) {
	sid, signaling, ok := core.ParseTopic(env.Topic)
	if !ok {
		return core.PublishResult{}, fmt.Errorf("unknown topic %q", env.Topic)
	}
	if !signaling {
		return core.PublishResult{}, ErrTopicForbidden
	}
	if err := o.CanAccess(ctx, sid, from); err != nil {
		return core.PublishResult{}, err
	}
	env.From = from
	frame, err := core.EncodeEnvelope(env)
	if err != nil {
		return core.PublishResult{}, err
	}
	return o.Hub.Broadcast(env.Topic, from, frame), nil
}

// Subscribe attaches conn to topic once user is known to be a participant.
func (o *Orchestrator) Subscribe(ctx context.Context, topic core.Topic, user domain.UserID, conn core.SignalConnection) (string, error) {
	sid, _, ok := core.ParseTopic(topic)
	if !ok {
		return "", fmt.Errorf("unknown topic %q", topic)
	}
	if err := o.CanAccess(ctx, sid, user); err != nil {
		return "", err
	}
	return o.Hub.Subscribe(topic, user, conn), nil
}

func (o *Orchestrator) Unsubscribe(topic core.Topic, subID string) bool {
	return o.Hub.Unsubscribe(topic, subID)
}

// Disconnect drops every subscription held by conn.
func (o *Orchestrator) Disconnect(id ConnID, conn core.SignalConnection) {
	n := o.Hub.UnsubscribeConn(conn)
	o.Registry.Unbind(id)
	log.Info().Str("module", "app.orch").Str("conn", string(id)).Int("subscriptions", n).Msg("connection released")
}

// CanAccess reports whether user takes part in sid.
func (o *Orchestrator) CanAccess(ctx context.Context, sid domain.SessionID, user domain.UserID) error {
	s, err := o.Store.GetSession(ctx, sid)
	if err != nil {
		return err
	}
	if s.RoleOf(user) == domain.RoleNone {
		return fmt.Errorf("%s in %s: %w", user, sid, core.ErrNotParticipant)
	}
	return nil
}
