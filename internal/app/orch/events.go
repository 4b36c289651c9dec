package orch

import (
	"context"

	"github.com/dkeye/warmode/internal/core"
	"github.com/rs/zerolog/log"
)

// LogEvents is the default lifecycle listener; it only logs.
type LogEvents struct{}

func (LogEvents) OnSessionEvent(_ context.Context, ev core.SessionEvent) {
	log.Info().
		Str("module", "app.events").
		Str("sid", string(ev.Session.ID)).
		Str("event", string(ev.Kind)).
		Str("host", string(ev.Session.HostID)).
		Str("partner", string(ev.Session.PartnerID)).
		Msg("session event")
}
