package match

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dkeye/warmode/internal/core"
	"github.com/dkeye/warmode/internal/domain"
	"github.com/rs/zerolog/log"
)

// resolve re-reads sid until self is bound to it in a settled status.
// Missing rows and unsettled reads are retried; other errors are not.
func (m *Matchmaker) resolve(ctx context.Context, sid domain.SessionID, self domain.UserID) (domain.Session, error) {
	var out domain.Session
	op := func() error {
		s, err := m.store.GetSession(ctx, sid)
		if errors.Is(err, core.ErrSessionNotFound) {
			return fmt.Errorf("%w: %w", ErrUnsettled, err)
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		if s.RoleOf(self) == domain.RoleNone || !s.Settled() {
			return fmt.Errorf("%w: %s is %s", ErrUnsettled, sid, s.Status)
		}
		out = s
		return nil
	}

	var b backoff.BackOff = backoff.NewConstantBackOff(m.cfg.ReadBackoff)
	b = backoff.WithMaxRetries(b, uint64(m.cfg.ReadAttempts-1))
	notify := func(err error, d time.Duration) {
		log.Debug().Err(err).Str("module", "app.match").Str("sid", string(sid)).Dur("retry_in", d).Msg("session not settled yet")
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return domain.Session{}, err
	}
	return out, nil
}
