// Package call runs one peer-to-peer call attempt and exposes it to a UI.
package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/warmode/internal/core"
	"github.com/dkeye/warmode/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Config struct {
	SessionID  domain.SessionID
	Self       domain.UserID
	IsHost     bool
	Mode       domain.Mode
	ICEServers []webrtc.ICEServer

	GraceWindow     time.Duration
	ConnectTimeout  time.Duration
	OfferRetransmit time.Duration
	HangupTimeout   time.Duration

	// Capture size for video calls; zero keeps 640x480.
	VideoWidth  int
	VideoHeight int
}

func (c *Config) constraints() core.MediaConstraints {
	mc := core.DefaultConstraints(c.Mode == domain.ModeVideo)
	if mc.Video != nil && c.VideoWidth > 0 && c.VideoHeight > 0 {
		mc.Video.Width, mc.Video.Height = c.VideoWidth, c.VideoHeight
	}
	return mc
}

func (c *Config) applyDefaults() {
	if c.GraceWindow <= 0 {
		c.GraceWindow = 5 * time.Second
	}
	if c.OfferRetransmit <= 0 {
		c.OfferRetransmit = 2 * time.Second
	}
	if c.HangupTimeout <= 0 {
		c.HangupTimeout = 2 * time.Second
	}
}

// Deps are the collaborators a call attempt drives.
type Deps struct {
	Media   core.MediaDevices
	Peers   core.PeerFactory
	Signals core.SignalChannel
}

// Update is the observable state of a Session after a change.
type Update struct {
	State     State
	Err       error
	Encrypted bool
	Security  core.SecurityInfo
	Local     *core.LocalStream
	Remote    *RemoteStream
}

type eventKind int

const (
	evSignal eventKind = iota
	evSignalClosed
	evPeer
	evGrace
	evWatchdog
	evRetransmit
	evEnd
)

type event struct {
	kind eventKind
	msg  core.SignalMessage
	peer core.PeerEvent
	gen  uint64
}

// Session is one call attempt. All protocol state is owned by a single
// goroutine that consumes signal, peer, timer and command events.
type Session struct {
	cfg      Config
	deps     Deps
	observer func(Update)
	logger   zerolog.Logger

	events chan event
	quit   chan struct{}
	done   chan struct{}

	mu        sync.Mutex
	state     State
	err       error
	encrypted bool
	security  core.SecurityInfo
	running   bool
	released  bool
	pc        core.PeerConnection
	local     *core.LocalStream
	remote    *RemoteStream
	sub       core.Subscription

	startOnce   sync.Once
	releaseOnce sync.Once

	// loop-owned
	remoteSet  bool
	queue      []webrtc.ICECandidateInit
	seen       map[string]struct{}
	localCands []webrtc.ICECandidateInit
	offer      *webrtc.SessionDescription
	answer     *webrtc.SessionDescription
	answered   bool
	lastSigErr error
	timerGen   uint64
	grace      *time.Timer
	watchdog   *time.Timer
	retransmit *time.Timer
}

// NewSession prepares an attempt in state idle. observer may be nil; it is
// invoked from the session goroutine and must not call back into it.
func NewSession(cfg Config, deps Deps, observer func(Update)) *Session {
	cfg.applyDefaults()
	if observer == nil {
		observer = func(Update) {}
	}
	return &Session{
		cfg:      cfg,
		deps:     deps,
		observer: observer,
		logger: log.With().
			Str("module", "call.session").
			Str("sid", string(cfg.SessionID)).
			Str("user", string(cfg.Self)).
			Bool("host", cfg.IsHost).
			Logger(),
		events: make(chan event, 256),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		seen:   make(map[string]struct{}),
		state:  StateIdle,
	}
}

func (s *Session) Config() Config { return s.cfg }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Security returns the ciphers recorded when the call first connected.
func (s *Session) Security() core.SecurityInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.security
}

func (s *Session) Local() *core.LocalStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

func (s *Session) Remote() *RemoteStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// Done is closed once the session goroutine has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) snapshot() Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Update{State: s.state, Err: s.err, Encrypted: s.encrypted, Security: s.security, Local: s.local, Remote: s.remote}
}

func (s *Session) notify() { s.observer(s.snapshot()) }

func (s *Session) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	if prev != st {
		s.logger.Info().Str("from", prev.String()).Str("to", st.String()).Msg("state")
		s.notify()
	}
}

func (s *Session) isReleased() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

// adopt runs f under the lock unless the session was already released.
func (s *Session) adopt(f func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return false
	}
	f()
	return true
}

// post hands ev to the session goroutine; it is dropped after release.
func (s *Session) post(ev event) {
	select {
	case s.events <- ev:
	case <-s.quit:
	}
}

// Start acquires media, builds the peer connection, subscribes to signaling
// and launches the session goroutine. A failure leaves the session failed
// with every acquired resource released.
func (s *Session) Start(ctx context.Context) error {
	err := ErrSessionReleased
	s.startOnce.Do(func() { err = s.start(ctx) })
	return err
}

func (s *Session) start(ctx context.Context) error {
	if !s.adopt(func() {}) {
		return ErrSessionReleased
	}
	s.setState(StateConnecting)

	local, err := s.deps.Media.GetUserMedia(ctx, s.cfg.constraints())
	if err != nil {
		s.logger.Error().Err(err).Msg("local media")
		s.release(StateFailed, err, false)
		return err
	}
	if !s.adopt(func() { s.local = local }) {
		local.Stop()
		return ErrSessionReleased
	}

	pc, err := s.deps.Peers.NewPeer(s.cfg.ICEServers, func(pe core.PeerEvent) {
		s.post(event{kind: evPeer, peer: pe})
	})
	if err != nil {
		err = fmt.Errorf("create peer connection: %w", err)
		s.logger.Error().Err(err).Msg("peer")
		s.release(StateFailed, err, false)
		return err
	}
	remote := NewRemoteStream(context.WithoutCancel(ctx))
	if !s.adopt(func() { s.pc, s.remote = pc, remote }) {
		_ = pc.Close()
		return ErrSessionReleased
	}
	for _, t := range local.Tracks() {
		if err := pc.AddLocalTrack(t); err != nil {
			err = fmt.Errorf("add %s track: %w", t.Kind(), err)
			s.release(StateFailed, err, false)
			return err
		}
	}

	sub, err := s.deps.Signals.Subscribe(ctx, s.cfg.SessionID, s.cfg.Self)
	if err != nil {
		err = &SignalingError{Op: "subscribe", Err: err}
		s.logger.Error().Err(err).Msg("signal")
		s.release(StateFailed, err, false)
		return err
	}
	if !s.adopt(func() { s.sub, s.running = sub, true }) {
		_ = s.deps.Signals.Unsubscribe(sub)
		return ErrSessionReleased
	}

	go s.forwardSignals(sub)
	go s.run(ctx)
	s.notify()
	return nil
}

func (s *Session) forwardSignals(sub core.Subscription) {
	for msg := range sub.C() {
		s.post(event{kind: evSignal, msg: msg})
	}
	s.post(event{kind: evSignalClosed})
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)

	if s.cfg.ConnectTimeout > 0 {
		s.watchdog = time.AfterFunc(s.cfg.ConnectTimeout, func() { s.post(event{kind: evWatchdog}) })
	}
	if s.cfg.IsHost {
		s.sendOffer(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			s.release(StateEnded, nil, true)
			return
		case <-s.quit:
			return
		case ev := <-s.events:
			s.handle(ctx, ev)
			if s.isReleased() {
				return
			}
		}
	}
}

func (s *Session) handle(ctx context.Context, ev event) {
	switch ev.kind {
	case evSignal:
		s.onSignal(ctx, ev.msg)
	case evSignalClosed:
		s.lastSigErr = &SignalingError{Op: "receive", Err: core.ErrChannelClosed}
		s.logger.Warn().Err(s.lastSigErr).Msg("signal subscription closed")
	case evPeer:
		s.onPeer(ctx, ev.peer)
	case evGrace:
		if ev.gen == s.timerGen && s.State() == StateReconnecting {
			s.logger.Warn().Msg("grace window expired")
			s.release(StateFailed, ErrPartnerDisconnected, false)
		}
	case evWatchdog:
		st := s.State()
		if st == StateConnecting {
			err := ErrConnectTimeout
			if s.lastSigErr != nil {
				err = fmt.Errorf("%w: %w", ErrConnectTimeout, s.lastSigErr)
			}
			s.logger.Warn().Err(err).Msg("connect watchdog fired")
			s.release(StateFailed, err, false)
		}
	case evRetransmit:
		if s.cfg.IsHost && !s.answered && s.offer != nil {
			s.logger.Debug().Int("candidates", len(s.localCands)).Msg("retransmitting offer")
			s.send(ctx, core.SignalMessage{Kind: core.SignalOffer, SDP: s.offer})
			s.resendCandidates(ctx)
			s.armRetransmit()
		}
	case evEnd:
		s.release(StateEnded, nil, true)
	}
}

func (s *Session) sendOffer(ctx context.Context) {
	pc := s.peer()
	if pc == nil {
		return
	}
	offer, err := pc.CreateOffer(ctx)
	if err != nil {
		s.lastSigErr = &SignalingError{Op: "create offer", Err: err}
		s.logger.Error().Err(err).Msg("create offer")
		return
	}
	s.offer = &offer
	s.send(ctx, core.SignalMessage{Kind: core.SignalOffer, SDP: &offer})
	s.armRetransmit()
}

func (s *Session) armRetransmit() {
	s.stopTimer(&s.retransmit)
	s.retransmit = time.AfterFunc(s.cfg.OfferRetransmit, func() { s.post(event{kind: evRetransmit}) })
}

func (s *Session) peer() core.PeerConnection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pc
}

func (s *Session) send(ctx context.Context, msg core.SignalMessage) {
	msg.SenderID = s.cfg.Self
	sctx, cancel := context.WithTimeout(ctx, s.cfg.HangupTimeout)
	defer cancel()
	if err := s.deps.Signals.Send(sctx, s.cfg.SessionID, msg); err != nil {
		s.lastSigErr = &SignalingError{Op: "send " + string(msg.Kind), Err: err}
		s.logger.Warn().Err(err).Str("kind", string(msg.Kind)).Msg("signal send")
	}
}

func (s *Session) resendCandidates(ctx context.Context) {
	for i := range s.localCands {
		c := s.localCands[i]
		s.send(ctx, core.SignalMessage{Kind: core.SignalCandidate, Candidate: &c})
	}
}

func candidateKey(c webrtc.ICECandidateInit) string {
	key := c.Candidate
	if c.SDPMid != nil {
		key += "|" + *c.SDPMid
	}
	if c.SDPMLineIndex != nil {
		key += fmt.Sprintf("|%d", *c.SDPMLineIndex)
	}
	return key
}

func (s *Session) onSignal(ctx context.Context, msg core.SignalMessage) {
	if msg.SenderID == s.cfg.Self {
		s.logger.Debug().Str("kind", string(msg.Kind)).Msg("dropping own signal")
		return
	}
	pc := s.peer()
	if pc == nil {
		return
	}

	switch msg.Kind {
	case core.SignalOffer:
		if s.cfg.IsHost {
			s.logger.Warn().Msg("host received an offer, ignoring")
			return
		}
		if s.answer != nil {
			s.logger.Debug().Msg("duplicate offer, re-sending answer")
			s.send(ctx, core.SignalMessage{Kind: core.SignalAnswer, SDP: s.answer})
			s.resendCandidates(ctx)
			return
		}
		if err := pc.SetRemoteDescription(*msg.SDP); err != nil {
			s.lastSigErr = &SignalingError{Op: "apply offer", Err: err}
			s.logger.Error().Err(err).Msg("set remote offer")
			return
		}
		s.remoteSet = true
		s.flushCandidates(pc)
		answer, err := pc.CreateAnswer(ctx)
		if err != nil {
			s.lastSigErr = &SignalingError{Op: "create answer", Err: err}
			s.logger.Error().Err(err).Msg("create answer")
			return
		}
		s.answer = &answer
		s.send(ctx, core.SignalMessage{Kind: core.SignalAnswer, SDP: &answer})

	case core.SignalAnswer:
		if !s.cfg.IsHost || s.answered {
			return
		}
		if err := pc.SetRemoteDescription(*msg.SDP); err != nil {
			s.lastSigErr = &SignalingError{Op: "apply answer", Err: err}
			s.logger.Error().Err(err).Msg("set remote answer")
			return
		}
		s.answered = true
		s.remoteSet = true
		s.stopTimer(&s.retransmit)
		s.flushCandidates(pc)

	case core.SignalCandidate:
		c := *msg.Candidate
		key := candidateKey(c)
		if _, dup := s.seen[key]; dup {
			return
		}
		s.seen[key] = struct{}{}
		if !s.remoteSet {
			s.queue = append(s.queue, c)
			return
		}
		if err := pc.AddICECandidate(c); err != nil {
			s.logger.Warn().Err(err).Msg("remote candidate rejected")
		}

	case core.SignalHangup:
		s.logger.Info().Msg("partner hung up")
		s.release(StateEnded, nil, true)
	}
}

// flushCandidates applies queued candidates in arrival order.
func (s *Session) flushCandidates(pc core.PeerConnection) {
	queued := s.queue
	s.queue = nil
	for _, c := range queued {
		if err := pc.AddICECandidate(c); err != nil {
			s.logger.Warn().Err(err).Msg("queued candidate rejected")
		}
	}
}

func (s *Session) onPeer(ctx context.Context, pe core.PeerEvent) {
	switch pe.Kind {
	case core.PeerCandidate:
		if pe.Candidate == nil {
			return
		}
		s.localCands = append(s.localCands, *pe.Candidate)
		s.send(ctx, core.SignalMessage{Kind: core.SignalCandidate, Candidate: pe.Candidate})

	case core.PeerTrack:
		if r := s.Remote(); r != nil && pe.Track != nil {
			r.AddTrack(pe.Track)
			s.notify()
		}

	case core.PeerConnState:
		s.onConnState(pe.State)
	}
}

func (s *Session) onConnState(st webrtc.ICEConnectionState) {
	s.logger.Debug().Str("ice", st.String()).Msg("ice state")
	switch st {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		cur := s.State()
		if cur != StateConnecting && cur != StateReconnecting {
			return
		}
		s.timerGen++
		s.stopTimer(&s.grace)
		s.stopTimer(&s.watchdog)
		s.mu.Lock()
		s.encrypted = true
		first := !s.security.Known() && s.pc != nil
		pc := s.pc
		s.mu.Unlock()
		if first {
			if sec := pc.Security(); sec.Known() {
				s.mu.Lock()
				s.security = sec
				s.mu.Unlock()
				s.logger.Info().Str("dtls", sec.DTLSCipher).Str("srtp", sec.SRTPCipher).Msg("media encrypted")
			}
		}
		s.setState(StateConnected)

	case webrtc.ICEConnectionStateDisconnected:
		if s.State() != StateConnected {
			return
		}
		s.timerGen++
		gen := s.timerGen
		s.stopTimer(&s.grace)
		s.grace = time.AfterFunc(s.cfg.GraceWindow, func() { s.post(event{kind: evGrace, gen: gen}) })
		s.setState(StateReconnecting)

	case webrtc.ICEConnectionStateFailed:
		s.logger.Error().Msg("ice failed")
		s.release(StateFailed, ErrTransportFailure, false)
	}
}

func (s *Session) stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// End terminates the attempt. It is idempotent and safe in any state.
func (s *Session) End() {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if running {
		s.post(event{kind: evEnd})
		<-s.done
		return
	}
	s.release(StateEnded, nil, false)
}

// ToggleMute flips the local audio track and returns whether it is now muted.
func (s *Session) ToggleMute() bool {
	return toggle(s.Local(), webrtc.RTPCodecTypeAudio)
}

// ToggleCamera flips the local video track and returns whether it is now off.
func (s *Session) ToggleCamera() bool {
	return toggle(s.Local(), webrtc.RTPCodecTypeVideo)
}

func toggle(ls *core.LocalStream, kind webrtc.RTPCodecType) bool {
	if ls == nil {
		return false
	}
	var t core.LocalTrack
	if kind == webrtc.RTPCodecTypeAudio {
		t = ls.AudioTrack()
	} else {
		t = ls.VideoTrack()
	}
	if t == nil {
		return false
	}
	t.SetEnabled(!t.Enabled())
	return !t.Enabled()
}

// release tears everything down once. The hangup is best-effort and bounded.
func (s *Session) release(final State, cause error, hangup bool) {
	s.releaseOnce.Do(func() {
		s.mu.Lock()
		s.released = true
		s.state = final
		s.err = cause
		pc, local, remote, sub := s.pc, s.local, s.remote, s.sub
		s.pc, s.sub = nil, nil
		s.mu.Unlock()
		close(s.quit)

		s.timerGen++
		s.stopTimer(&s.grace)
		s.stopTimer(&s.watchdog)
		s.stopTimer(&s.retransmit)
		s.queue = nil

		if hangup && sub != nil {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HangupTimeout)
			if err := s.deps.Signals.Send(ctx, s.cfg.SessionID, core.SignalMessage{Kind: core.SignalHangup, SenderID: s.cfg.Self}); err != nil {
				s.logger.Warn().Err(err).Msg("hangup not delivered")
			}
			cancel()
		}
		if local != nil {
			local.Stop()
		}
		if remote != nil {
			remote.Stop()
		}
		if pc != nil {
			if err := pc.Close(); err != nil {
				s.logger.Warn().Err(err).Msg("close peer connection")
			}
		}
		if sub != nil {
			if err := s.deps.Signals.Unsubscribe(sub); err != nil {
				s.logger.Warn().Err(err).Msg("unsubscribe")
			}
		}

		ev := s.logger.Info().Str("state", final.String())
		if cause != nil {
			ev = ev.AnErr("cause", cause)
		}
		ev.Msg("call released")
		s.notify()
	})
}
