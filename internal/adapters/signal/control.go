package signal

import (
	"context"
	"errors"

	"github.com/dkeye/warmode/internal/core"
	"github.com/rs/zerolog/log"
)

var ErrRateLimited = errors.New("rate limited")

func (ctl *SignalWSController) handlePing(conn *WsSignalConn) {
	ctl.sendJSON(conn, core.Envelope{Type: core.TypePong})
}

func (ctl *SignalWSController) handleSubscribe(ctx context.Context, conn *WsSignalConn, env core.Envelope) {
	if _, ok := conn.subs[env.Topic]; ok {
		ctl.sendJSON(conn, core.Envelope{Type: core.TypeSubscribed, Topic: env.Topic})
		return
	}
	id, err := ctl.Orch.Subscribe(ctx, env.Topic, conn.user, conn)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("user", string(conn.user)).Str("topic", string(env.Topic)).Msg("subscribe refused")
		ctl.sendJSON(conn, core.ErrorEnvelope(env.Topic, err))
		return
	}
	conn.subs[env.Topic] = id
	ctl.sendJSON(conn, core.Envelope{Type: core.TypeSubscribed, Topic: env.Topic})
}

func (ctl *SignalWSController) handleUnsubscribe(conn *WsSignalConn, env core.Envelope) {
	if id, ok := conn.subs[env.Topic]; ok {
		ctl.Orch.Unsubscribe(env.Topic, id)
		delete(conn.subs, env.Topic)
	}
	ctl.sendJSON(conn, core.Envelope{Type: core.TypeUnsubscribed, Topic: env.Topic})
}

func (ctl *SignalWSController) handleBroadcast(ctx context.Context, conn *WsSignalConn, env core.Envelope) {
	if !ctl.Limiter.Allow(conn.user) {
		ctl.sendJSON(conn, core.ErrorEnvelope(env.Topic, ErrRateLimited))
		return
	}
	res, err := ctl.Orch.OnFrame(ctx, conn.user, env)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("user", string(conn.user)).Str("topic", string(env.Topic)).Msg("broadcast refused")
		ctl.sendJSON(conn, core.ErrorEnvelope(env.Topic, err))
		return
	}
	log.Debug().Str("module", "signal").Str("topic", string(env.Topic)).Str("event", env.Event).
		Int("send_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("relayed")
}
