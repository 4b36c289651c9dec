package orch

import (
	"context"
	"errors"

	"github.com/dkeye/warmode/internal/app/relay"
	"github.com/dkeye/warmode/internal/core"
	"github.com/dkeye/warmode/internal/domain"
	"github.com/rs/zerolog/log"
)

var _ core.SessionStore = (*Orchestrator)(nil)

func (o *Orchestrator) MatchSession(ctx context.Context, userID domain.UserID, prefs domain.Preferences) (domain.SessionID, error) {
	sid, err := o.Store.MatchSession(ctx, userID, prefs)
	if err != nil {
		return "", err
	}
	if s, err := o.Store.GetSession(ctx, sid); err == nil && s.PartnerID == userID {
		o.committed(ctx, s)
	}
	return sid, nil
}

func (o *Orchestrator) JoinSession(ctx context.Context, sid domain.SessionID, userID domain.UserID) error {
	if err := o.Store.JoinSession(ctx, sid, userID); err != nil {
		return err
	}
	o.announce(ctx, sid)
	return nil
}

func (o *Orchestrator) GetSession(ctx context.Context, sid domain.SessionID) (domain.Session, error) {
	return o.Store.GetSession(ctx, sid)
}

// UpdateStatus applies the transition and announces it when this call
// changed the status. Concurrent repeats of one transition announce once.
func (o *Orchestrator) UpdateStatus(ctx context.Context, sid domain.SessionID, status domain.Status) error {
	if ts, ok := o.Store.(StatusTransitioner); ok {
		changed, err := ts.TransitionStatus(ctx, sid, status)
		if err != nil {
			return err
		}
		if changed {
			o.announce(ctx, sid)
		}
		return nil
	}

	before, err := o.Store.GetSession(ctx, sid)
	if err != nil {
		return err
	}
	if err := o.Store.UpdateStatus(ctx, sid, status); err != nil {
		return err
	}
	if before.Status != status {
		o.announce(ctx, sid)
	}
	return nil
}

func (o *Orchestrator) SetGoal(ctx context.Context, sid domain.SessionID, userID domain.UserID, goal string) error {
	gs, ok := o.Store.(GoalSetter)
	if !ok {
		return errors.New("store does not record goals")
	}
	return gs.SetGoal(ctx, sid, userID, goal)
}

func (o *Orchestrator) announce(ctx context.Context, sid domain.SessionID) {
	s, err := o.Store.GetSession(ctx, sid)
	if err != nil {
		log.Warn().Err(err).Str("module", "app.orch").Str("sid", string(sid)).Msg("re-read after commit")
		return
	}
	o.committed(ctx, s)
}

func (o *Orchestrator) committed(ctx context.Context, s domain.Session) {
	res, err := relay.Publish(o.Hub, s)
	if err != nil {
		log.Error().Err(err).Str("module", "app.orch").Str("sid", string(s.ID)).Msg("publish status")
	} else {
		log.Debug().Str("module", "app.orch").Str("sid", string(s.ID)).Str("status", string(s.Status)).Int("watchers", res.SendTo).Msg("status published")
	}
	if kind, ok := core.EventKindFor(s.Status); ok {
		o.Events.OnSessionEvent(ctx, core.SessionEvent{Kind: kind, Session: s, At: o.now()})
	}
}
