package call

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/dkeye/warmode/internal/core"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type SinkState int32

const (
	SinkActive SinkState = iota
	SinkPaused
	SinkDetached
)

// sink is one consumer of a remote track.
type sink struct {
	kind  webrtc.RTPCodecType
	w     core.RTPSink
	state atomic.Int32
}

func (s *sink) State() SinkState { return SinkState(s.state.Load()) }

type namedSink struct {
	name string
	*sink
}

// trackRelay reads RTP from one remote track and fans it out to sinks.
type trackRelay struct {
	src    core.RemoteTrack
	cancel context.CancelFunc
	done   chan struct{}
}

// RemoteStream owns the partner's tracks for the lifetime of a call.
// Consumers read it only through sinks.
type RemoteStream struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	relays map[webrtc.RTPCodecType]*trackRelay
	sinks  map[string]*sink
	stats  map[webrtc.RTPCodecType]*atomic.Uint64

	// view is rebuilt under mu whenever sinks changes; relay loops read it
	// without locking.
	view atomic.Pointer[[]namedSink]
}

func NewRemoteStream(ctx context.Context) *RemoteStream {
	ctx, cancel := context.WithCancel(ctx)
	return &RemoteStream{
		ctx:    ctx,
		cancel: cancel,
		relays: make(map[webrtc.RTPCodecType]*trackRelay),
		sinks:  make(map[string]*sink),
		stats:  make(map[webrtc.RTPCodecType]*atomic.Uint64),
	}
}

// AddTrack starts relaying track, replacing any previous track of its kind.
func (rs *RemoteStream) AddTrack(track core.RemoteTrack) {
	kind := track.Kind()
	logger := log.With().
		Str("module", "call.remote").
		Str("kind", kind.String()).
		Str("track", track.ID()).
		Logger()

	ctx, cancel := context.WithCancel(rs.ctx)
	tr := &trackRelay{src: track, cancel: cancel, done: make(chan struct{})}

	rs.mu.Lock()
	if old, ok := rs.relays[kind]; ok {
		logger.Info().Msg("replacing remote track")
		old.cancel()
	}
	rs.relays[kind] = tr
	counter, ok := rs.stats[kind]
	if !ok {
		counter = &atomic.Uint64{}
		rs.stats[kind] = counter
	}
	rs.mu.Unlock()

	logger.Info().Msg("remote track started")
	go rs.loop(ctx, tr, counter, &logger)
}

func (rs *RemoteStream) loop(ctx context.Context, tr *trackRelay, counter *atomic.Uint64, logger *zerolog.Logger) {
	defer close(tr.done)
	kind := tr.src.Kind()
	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("remote track ctx done")
			return
		default:
		}
		pkt, _, err := tr.src.ReadRTP()
		if err != nil {
			logger.Info().Err(err).Msg("remote track ended")
			return
		}
		counter.Add(1)
		rs.forward(kind, pkt, logger)
	}
}

// rebuildLocked publishes the current sinks to forward. Callers hold mu.
func (rs *RemoteStream) rebuildLocked() {
	view := make([]namedSink, 0, len(rs.sinks))
	for name, s := range rs.sinks {
		view = append(view, namedSink{name: name, sink: s})
	}
	rs.view.Store(&view)
}

func (rs *RemoteStream) forward(kind webrtc.RTPCodecType, pkt *rtp.Packet, logger *zerolog.Logger) {
	view := rs.view.Load()
	if view == nil {
		return
	}
	var dirty []string
	for _, s := range *view {
		name := s.name
		if s.kind != kind {
			continue
		}
		switch s.State() {
		case SinkDetached:
			dirty = append(dirty, name)
		case SinkPaused:
		case SinkActive:
			if err := s.w.WriteRTP(pkt); err != nil {
				logger.Warn().Err(err).Str("sink", name).Msg("sink write failed, detaching")
				s.state.Store(int32(SinkDetached))
				dirty = append(dirty, name)
			}
		}
	}
	if len(dirty) > 0 {
		rs.cleanup(dirty)
	}
}

func (rs *RemoteStream) cleanup(names []string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for _, n := range names {
		if s, ok := rs.sinks[n]; ok && s.State() == SinkDetached {
			delete(rs.sinks, n)
		}
	}
	rs.rebuildLocked()
}

// Attach registers w under name for the current and any later track of kind.
func (rs *RemoteStream) Attach(name string, kind webrtc.RTPCodecType, w core.RTPSink) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if old, ok := rs.sinks[name]; ok {
		old.state.Store(int32(SinkDetached))
	}
	rs.sinks[name] = &sink{kind: kind, w: w}
	rs.rebuildLocked()
}

func (rs *RemoteStream) Detach(name string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if s, ok := rs.sinks[name]; ok {
		s.state.Store(int32(SinkDetached))
		delete(rs.sinks, name)
		rs.rebuildLocked()
	}
}

// Sinks returns how many sinks are registered.
func (rs *RemoteStream) Sinks() int {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return len(rs.sinks)
}

// Pause stops delivery to name without detaching it.
func (rs *RemoteStream) Pause(name string, paused bool) {
	rs.mu.RLock()
	s, ok := rs.sinks[name]
	rs.mu.RUnlock()
	if !ok {
		return
	}
	if paused {
		s.state.CompareAndSwap(int32(SinkActive), int32(SinkPaused))
	} else {
		s.state.CompareAndSwap(int32(SinkPaused), int32(SinkActive))
	}
}

func (rs *RemoteStream) Tracks() []core.RemoteTrack {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	out := make([]core.RemoteTrack, 0, len(rs.relays))
	for _, tr := range rs.relays {
		out = append(out, tr.src)
	}
	return out
}

func (rs *RemoteStream) HasKind(kind webrtc.RTPCodecType) bool {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	_, ok := rs.relays[kind]
	return ok
}

// Packets returns how many packets of kind were received so far.
func (rs *RemoteStream) Packets(kind webrtc.RTPCodecType) uint64 {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	if c, ok := rs.stats[kind]; ok {
		return c.Load()
	}
	return 0
}

// Stop ends every relay loop and detaches every sink.
func (rs *RemoteStream) Stop() {
	rs.cancel()
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for _, s := range rs.sinks {
		s.state.Store(int32(SinkDetached))
	}
	clear(rs.sinks)
	rs.rebuildLocked()
}

// Stopped reports whether Stop was called or the parent context ended.
func (rs *RemoteStream) Stopped() bool { return rs.ctx.Err() != nil }
