package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/warmode/internal/app/match"
	"github.com/dkeye/warmode/internal/core"
	"github.com/dkeye/warmode/internal/domain"
	"github.com/rs/zerolog/log"
)

var (
	ErrNothingToRetry = errors.New("nothing to retry")
	ErrSessionOver    = errors.New("session is already over")
)

// Snapshot is what a UI renders.
type Snapshot struct {
	SessionID    domain.SessionID
	CallState    State
	Waiting      bool
	LocalStream  *core.LocalStream
	RemoteStream *RemoteStream
	IsMuted      bool
	CameraOff    bool
	Err          error
	Encrypted    bool
	Security     core.SecurityInfo
	CanRetry     bool
}

// Matcher is the part of the matchmaker the controller needs.
type Matcher interface {
	Match(ctx context.Context, self domain.UserID, prefs domain.Preferences) (match.Result, error)
	Resume(ctx context.Context, self domain.UserID, sid domain.SessionID) (match.Result, error)
	WaitForPartner(ctx context.Context, res match.Result) (match.Result, error)
}

// Controller holds at most one live call session and turns its updates
// into snapshots.
type Controller struct {
	ctx     context.Context
	cancel  context.CancelFunc
	deps    Deps
	store   core.SessionStore
	matcher Matcher
	tmpl    Config

	mu         sync.Mutex
	snap       Snapshot
	session    *Session
	gen        uint64
	starting   bool
	waitCancel context.CancelFunc
	last       *match.Result
	activated  map[domain.SessionID]bool
	closed     bool

	subMu   sync.Mutex
	subs    map[int]chan Snapshot
	nextSub int
}

// NewController builds a controller. tmpl supplies Self, ICE servers and
// timing; the per-session fields are filled in on StartCall.
func NewController(ctx context.Context, deps Deps, store core.SessionStore, matcher Matcher, tmpl Config) *Controller {
	ctx, cancel := context.WithCancel(ctx)
	return &Controller{
		ctx:       ctx,
		cancel:    cancel,
		deps:      deps,
		store:     store,
		matcher:   matcher,
		tmpl:      tmpl,
		snap:      Snapshot{CallState: StateIdle},
		activated: make(map[domain.SessionID]bool),
		subs:      make(map[int]chan Snapshot),
	}
}

func (c *Controller) State() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap
}

// Subscribe streams snapshots; slow readers only see the latest ones.
func (c *Controller) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 16)
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subMu.Lock()
			if _, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(ch)
			}
			c.subMu.Unlock()
		})
	}
}

func (c *Controller) publish(s Snapshot) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- s:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- s:
			default:
			}
		}
	}
}

func (c *Controller) update(f func(*Snapshot)) {
	c.mu.Lock()
	f(&c.snap)
	s := c.snap
	c.mu.Unlock()
	c.publish(s)
}

// StartCall runs a call for res. It is a no-op while a session is live or
// starting; a terminal previous session is torn down first. A host still
// waiting for a partner waits through the matcher before connecting.
func (c *Controller) StartCall(ctx context.Context, res match.Result) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrSessionReleased
	}
	if c.starting || (c.session != nil && !c.session.State().Terminal()) {
		c.mu.Unlock()
		log.Debug().Str("module", "call.controller").Str("sid", string(res.SessionID)).Msg("call already live")
		return nil
	}
	if res.Session.Status.Terminal() {
		c.mu.Unlock()
		return fmt.Errorf("%s is %s: %w", res.SessionID, res.Session.Status, ErrSessionOver)
	}
	prior := c.session
	c.session = nil
	c.starting = true
	c.gen++
	gen := c.gen
	c.last = &res
	waitCtx, cancel := context.WithCancel(ctx)
	c.waitCancel = cancel
	c.mu.Unlock()
	defer cancel()

	if prior != nil {
		prior.End()
	}
	c.update(func(s *Snapshot) {
		*s = Snapshot{SessionID: res.SessionID, CallState: StateIdle, Waiting: res.Waiting()}
	})

	if res.Waiting() && c.matcher != nil {
		got, err := c.matcher.WaitForPartner(waitCtx, res)
		if err != nil {
			c.mu.Lock()
			c.starting = false
			stale := gen != c.gen
			c.mu.Unlock()
			if !stale {
				c.update(func(s *Snapshot) {
					s.Waiting = false
					s.CallState = StateIdle
					if errors.Is(err, context.Canceled) {
						return
					}
					s.Err = err
					s.CanRetry = errors.Is(err, match.ErrNoMatchAvailable)
				})
			}
			return err
		}
		res = got
	}

	cfg := c.tmpl
	cfg.SessionID = res.SessionID
	cfg.IsHost = res.IsHost
	cfg.Mode = res.Session.Mode
	sid := res.SessionID
	sess := NewSession(cfg, c.deps, func(u Update) { c.onUpdate(gen, sid, u) })

	c.mu.Lock()
	if gen != c.gen || c.closed {
		c.starting = false
		c.mu.Unlock()
		return ErrSessionReleased
	}
	c.session = sess
	c.starting = false
	c.last = &res
	c.mu.Unlock()
	c.update(func(s *Snapshot) { s.Waiting = false })

	return sess.Start(c.ctx)
}

func (c *Controller) onUpdate(gen uint64, sid domain.SessionID, u Update) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	first := u.State == StateConnected && !c.activated[sid]
	if first {
		c.activated[sid] = true
	}
	c.snap.SessionID = sid
	c.snap.CallState = u.State
	c.snap.LocalStream = u.Local
	c.snap.RemoteStream = u.Remote
	c.snap.Err = u.Err
	c.snap.Encrypted = u.Encrypted
	c.snap.Security = u.Security
	var mediaErr *core.MediaAccessError
	c.snap.CanRetry = u.State == StateFailed && !errors.As(u.Err, &mediaErr)
	s := c.snap
	c.mu.Unlock()
	c.publish(s)

	if first && c.store != nil {
		go c.activate(sid)
	}
}

func (c *Controller) activate(sid domain.SessionID) {
	ctx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
	defer cancel()
	if err := c.store.UpdateStatus(ctx, sid, domain.StatusActive); err != nil {
		log.Warn().Err(err).Str("module", "call.controller").Str("sid", string(sid)).Msg("mark session active")
		return
	}
	log.Info().Str("module", "call.controller").Str("sid", string(sid)).Msg("session active")
}

// EndCall ends the live session or abandons a partner wait.
func (c *Controller) EndCall() {
	c.mu.Lock()
	sess := c.session
	if c.waitCancel != nil {
		c.waitCancel()
	}
	c.mu.Unlock()
	if sess != nil {
		sess.End()
	}
}

func (c *Controller) ToggleMute() bool {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess == nil {
		return false
	}
	muted := sess.ToggleMute()
	c.update(func(s *Snapshot) { s.IsMuted = muted })
	return muted
}

func (c *Controller) ToggleCamera() bool {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess == nil {
		return false
	}
	off := sess.ToggleCamera()
	c.update(func(s *Snapshot) { s.CameraOff = off })
	return off
}

// Retry starts a new attempt after a retryable failure. After a match
// timeout it matches again with the same preferences.
func (c *Controller) Retry(ctx context.Context) error {
	c.mu.Lock()
	last, snap := c.last, c.snap
	c.mu.Unlock()
	if last == nil || !snap.CanRetry {
		return ErrNothingToRetry
	}
	if c.matcher == nil {
		return c.StartCall(ctx, *last)
	}

	var (
		res match.Result
		err error
	)
	if errors.Is(snap.Err, match.ErrNoMatchAvailable) {
		res, err = c.matcher.Match(ctx, c.tmpl.Self, last.Session.Preferences())
	} else {
		res, err = c.matcher.Resume(ctx, c.tmpl.Self, last.SessionID)
	}
	if err != nil {
		return err
	}
	return c.StartCall(ctx, res)
}

// Close tears down any live session and stops all subscriptions.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.EndCall()
	c.cancel()

	c.subMu.Lock()
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
	c.subMu.Unlock()
}
