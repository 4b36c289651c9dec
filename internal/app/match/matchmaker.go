// Package match pairs users into sessions and waits for partners.
package match

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/warmode/internal/core"
	"github.com/dkeye/warmode/internal/domain"
	"github.com/rs/zerolog/log"
)

var (
	ErrNoMatchAvailable = errors.New("no match available")
	ErrUnsettled        = errors.New("session did not settle")
)

type Config struct {
	ReadAttempts int
	ReadBackoff  time.Duration
	WaitTimeout  time.Duration
	PollInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		ReadAttempts: 5,
		ReadBackoff:  200 * time.Millisecond,
		WaitTimeout:  2 * time.Minute,
		PollInterval: 3 * time.Second,
	}
}

// Result is the caller's view of a resolved session.
type Result struct {
	SessionID domain.SessionID
	IsHost    bool
	PartnerID domain.UserID
	Session   domain.Session
}

// Waiting reports whether the caller hosts a session nobody joined yet.
func (r Result) Waiting() bool {
	return r.IsHost && r.PartnerID == ""
}

func resultFor(s domain.Session, self domain.UserID) Result {
	partner, _ := s.Counterpart(self)
	return Result{
		SessionID: s.ID,
		IsHost:    s.RoleOf(self) == domain.RoleHost,
		PartnerID: partner,
		Session:   s,
	}
}

type Matchmaker struct {
	store   core.SessionStore
	watcher core.SessionWatcher
	cfg     Config
}

// New builds a Matchmaker; watcher may be nil, leaving polling as the only
// match detection path.
func New(store core.SessionStore, watcher core.SessionWatcher, cfg Config) *Matchmaker {
	def := DefaultConfig()
	if cfg.ReadAttempts <= 0 {
		cfg.ReadAttempts = def.ReadAttempts
	}
	if cfg.ReadBackoff <= 0 {
		cfg.ReadBackoff = def.ReadBackoff
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = def.WaitTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	return &Matchmaker{store: store, watcher: watcher, cfg: cfg}
}

// Match claims the oldest compatible open session or creates one.
func (m *Matchmaker) Match(ctx context.Context, self domain.UserID, prefs domain.Preferences) (Result, error) {
	if err := prefs.Validate(); err != nil {
		return Result{}, err
	}
	sid, err := m.store.MatchSession(ctx, self, prefs)
	if err != nil {
		return Result{}, fmt.Errorf("match: %w", err)
	}
	s, err := m.resolve(ctx, sid, self)
	if err != nil {
		return Result{}, err
	}
	res := resultFor(s, self)
	log.Info().Str("module", "app.match").Str("sid", string(sid)).Str("user", string(self)).Bool("host", res.IsHost).Str("partner", string(res.PartnerID)).Msg("matched")
	return res, nil
}

// JoinDirect joins a known open session; losers of a concurrent join get
// core.ErrSessionUnavailable.
func (m *Matchmaker) JoinDirect(ctx context.Context, self domain.UserID, sid domain.SessionID) (Result, error) {
	if err := m.store.JoinSession(ctx, sid, self); err != nil {
		return Result{}, fmt.Errorf("join: %w", err)
	}
	s, err := m.resolve(ctx, sid, self)
	if err != nil {
		return Result{}, err
	}
	log.Info().Str("module", "app.match").Str("sid", string(sid)).Str("user", string(self)).Msg("joined directly")
	return resultFor(s, self), nil
}

// Resume re-reads a session the caller already belongs to.
func (m *Matchmaker) Resume(ctx context.Context, self domain.UserID, sid domain.SessionID) (Result, error) {
	s, err := m.resolve(ctx, sid, self)
	if err != nil {
		return Result{}, err
	}
	return resultFor(s, self), nil
}

// WaitForPartner blocks a waiting host until someone joins, the wait times
// out or ctx ends. Push updates and polling are equal sources; whichever
// observes the match first wins. On timeout the session is cancelled and
// ErrNoMatchAvailable returned, unless a join beat the cancellation.
func (m *Matchmaker) WaitForPartner(ctx context.Context, res Result) (Result, error) {
	if !res.Waiting() {
		return res, nil
	}
	self := res.Session.HostID
	sid := res.SessionID
	logger := log.With().Str("module", "app.match").Str("sid", string(sid)).Logger()

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var updates <-chan domain.Session
	if m.watcher != nil {
		ch, stop, err := m.watcher.Watch(waitCtx, sid, self)
		if err != nil {
			logger.Warn().Err(err).Msg("push updates unavailable, polling only")
		} else {
			updates = ch
			defer stop()
		}
	}

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	timeout := time.NewTimer(m.cfg.WaitTimeout)
	defer timeout.Stop()

	observe := func(s domain.Session, via string) (Result, bool, error) {
		switch {
		case s.Status.HasPartner():
			logger.Info().Str("via", via).Str("partner", string(s.PartnerID)).Msg("partner found")
			return resultFor(s, self), true, nil
		case s.Status == domain.StatusCancelled:
			return Result{}, true, ErrNoMatchAvailable
		}
		return Result{}, false, nil
	}

	for {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case s, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			if s.ID != sid {
				continue
			}
			if r, done, err := observe(s, "push"); done {
				return r, err
			}
		case <-ticker.C:
			s, err := m.store.GetSession(waitCtx, sid)
			if err != nil {
				logger.Warn().Err(err).Msg("poll")
				continue
			}
			if r, done, err := observe(s, "poll"); done {
				return r, err
			}
		case <-timeout.C:
			return m.expire(ctx, sid, self)
		}
	}
}

func (m *Matchmaker) expire(ctx context.Context, sid domain.SessionID, self domain.UserID) (Result, error) {
	err := m.store.UpdateStatus(ctx, sid, domain.StatusCancelled)
	if err == nil {
		log.Info().Str("module", "app.match").Str("sid", string(sid)).Msg("no partner before timeout, cancelled")
		return Result{}, ErrNoMatchAvailable
	}
	if !errors.Is(err, core.ErrInvalidTransition) {
		log.Warn().Err(err).Str("module", "app.match").Str("sid", string(sid)).Msg("cancel after timeout")
		return Result{}, ErrNoMatchAvailable
	}
	s, rerr := m.store.GetSession(ctx, sid)
	if rerr == nil && s.Status.HasPartner() {
		log.Info().Str("module", "app.match").Str("sid", string(sid)).Msg("join won over timeout")
		return resultFor(s, self), nil
	}
	return Result{}, ErrNoMatchAvailable
}

// Cancel abandons an open session the caller hosts.
func (m *Matchmaker) Cancel(ctx context.Context, sid domain.SessionID) error {
	return m.store.UpdateStatus(ctx, sid, domain.StatusCancelled)
}

// FindPartner matches and, when hosting, waits for the partner.
func (m *Matchmaker) FindPartner(ctx context.Context, self domain.UserID, prefs domain.Preferences) (Result, error) {
	res, err := m.Match(ctx, self, prefs)
	if err != nil {
		return Result{}, err
	}
	return m.WaitForPartner(ctx, res)
}
