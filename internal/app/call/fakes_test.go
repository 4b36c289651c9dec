package call

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/warmode/internal/app/relay"
	"github.com/dkeye/warmode/internal/core"
	"github.com/dkeye/warmode/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

type fakeTrack struct {
	kind    webrtc.RTPCodecType
	enabled atomic.Bool
	stopped atomic.Bool
}

func newFakeTrack(kind webrtc.RTPCodecType) *fakeTrack {
	t := &fakeTrack{kind: kind}
	t.enabled.Store(true)
	return t
}

func (t *fakeTrack) Kind() webrtc.RTPCodecType { return t.kind }
func (t *fakeTrack) ID() string { return t.kind.String() }
func (t *fakeTrack) Enabled() bool { return t.enabled.Load() }
func (t *fakeTrack) SetEnabled(v bool) { t.enabled.Store(v) }
func (t *fakeTrack) Stop() { t.stopped.Store(true) }
func (t *fakeTrack) Stopped() bool { return t.stopped.Load() }
func (t *fakeTrack) TrackLocal() webrtc.TrackLocal { return nil }

type fakeMedia struct {
	err    error
	mu     sync.Mutex
	tracks []*fakeTrack
}

func (m *fakeMedia) GetUserMedia(_ context.Context, c core.MediaConstraints) (*core.LocalStream, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracks = []*fakeTrack{newFakeTrack(webrtc.RTPCodecTypeAudio)}
	if c.Video != nil {
		m.tracks = append(m.tracks, newFakeTrack(webrtc.RTPCodecTypeVideo))
	}
	out := make([]core.LocalTrack, 0, len(m.tracks))
	for _, t := range m.tracks {
		out = append(out, t)
	}
	return core.NewLocalStream(out...), nil
}

func (m *fakeMedia) allStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tracks {
		if !t.Stopped() {
			return false
		}
	}
	return len(m.tracks) > 0
}

type fakePeer struct {
	mu     sync.Mutex
	calls  []string
	emit   func(core.PeerEvent)
	closed int
	reject map[string]bool
	sec    core.SecurityInfo
}

func (p *fakePeer) record(call string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, call)
}

func (p *fakePeer) log() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.calls))
	copy(out, p.calls)
	return out
}

func (p *fakePeer) closes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) AddLocalTrack(t core.LocalTrack) error {
	p.record("track:" + t.Kind().String())
	return nil
}

func (p *fakePeer) CreateOffer(context.Context) (webrtc.SessionDescription, error) {
	p.record("create-offer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-sdp"}, nil
}

func (p *fakePeer) CreateAnswer(context.Context) (webrtc.SessionDescription, error) {
	p.record("create-answer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-sdp"}, nil
}

func (p *fakePeer) SetRemoteDescription(d webrtc.SessionDescription) error {
	p.record("remote:" + d.Type.String())
	return nil
}

func (p *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.record("cand:" + c.Candidate)
	if p.reject[c.Candidate] {
		return errors.New("rejected")
	}
	return nil
}

func (p *fakePeer) Security() core.SecurityInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sec
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
	return nil
}

func (p *fakePeer) fire(ev core.PeerEvent) {
	p.mu.Lock()
	emit := p.emit
	p.mu.Unlock()
	emit(ev)
}

func (p *fakePeer) state(st webrtc.ICEConnectionState) {
	p.fire(core.PeerEvent{Kind: core.PeerConnState, State: st})
}

type fakeFactory struct {
	peer    *fakePeer
	created atomic.Int32
}

func (f *fakeFactory) NewPeer(_ []webrtc.ICEServer, emit func(core.PeerEvent)) (core.PeerConnection, error) {
	f.created.Add(1)
	f.peer.mu.Lock()
	f.peer.emit = emit
	f.peer.mu.Unlock()
	return f.peer, nil
}

type fakeRemoteTrack struct {
	kind webrtc.RTPCodecType
	pkts chan *rtp.Packet
}

func (t *fakeRemoteTrack) ID() string { return "remote-" + t.kind.String() }
func (t *fakeRemoteTrack) StreamID() string { return "partner" }
func (t *fakeRemoteTrack) Kind() webrtc.RTPCodecType { return t.kind }
func (t *fakeRemoteTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	p, ok := <-t.pkts
	if !ok {
		return nil, nil, errors.New("eof")
	}
	return p, nil, nil
}

// rig is one engine under test plus the partner end of its signaling topic.
type rig struct {
	t       *testing.T
	session *Session
	peer    *fakePeer
	media   *fakeMedia
	factory *fakeFactory
	hub     *relay.Hub
	signals *relay.LocalChannel
	partner core.Subscription

	mu      sync.Mutex
	updates []Update
}

func newRig(t *testing.T, isHost bool, mode domain.Mode, tune func(*Config)) *rig {
	t.Helper()
	r := &rig{
		t:     t,
		peer:  &fakePeer{reject: map[string]bool{}},
		media: &fakeMedia{},
		hub:   relay.NewHub(nil),
	}
	r.signals = relay.NewLocalChannel(r.hub)
	r.factory = &fakeFactory{peer: r.peer}
	cfg := Config{
		SessionID:       "s1",
		Self:            "alice",
		IsHost:          isHost,
		Mode:            mode,
		GraceWindow:     80 * time.Millisecond,
		OfferRetransmit: time.Hour,
		HangupTimeout:   100 * time.Millisecond,
	}
	if tune != nil {
		tune(&cfg)
	}
	partner, err := r.signals.Subscribe(context.Background(), "s1", "bob")
	require.NoError(t, err)
	r.partner = partner
	r.session = NewSession(cfg, Deps{Media: r.media, Peers: r.factory, Signals: r.signals}, func(u Update) {
		r.mu.Lock()
		r.updates = append(r.updates, u)
		r.mu.Unlock()
	})
	t.Cleanup(r.session.End)
	return r
}

func (r *rig) start() {
	r.t.Helper()
	require.NoError(r.t, r.session.Start(context.Background()))
}

func (r *rig) fromPartner(msg core.SignalMessage) {
	r.t.Helper()
	msg.SenderID = "bob"
	require.NoError(r.t, r.signals.Send(context.Background(), "s1", msg))
}

func (r *rig) candidate(c string) {
	r.fromPartner(core.SignalMessage{Kind: core.SignalCandidate, Candidate: &webrtc.ICECandidateInit{Candidate: c}})
}

// expect reads partner-side messages until one of kind arrives.
func (r *rig) expect(kind core.SignalKind) core.SignalMessage {
	r.t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case msg, ok := <-r.partner.C():
			require.True(r.t, ok, "partner subscription closed")
			if msg.Kind == kind {
				return msg
			}
		case <-deadline:
			r.t.Fatalf("no %s reached the partner", kind)
		}
	}
}

func (r *rig) waitState(st State) {
	r.t.Helper()
	require.Eventually(r.t, func() bool { return r.session.State() == st }, time.Second, 5*time.Millisecond,
		"want %s, have %s", st, r.session.State())
}

func (r *rig) waitCalls(want ...string) {
	r.t.Helper()
	require.Eventually(r.t, func() bool {
		got := r.peer.log()
		if len(got) < len(want) {
			return false
		}
		tail := got[len(got)-len(want):]
		for i := range want {
			if tail[i] != want[i] {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond, "peer calls: %v", r.peer.log())
}
