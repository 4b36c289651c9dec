package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/warmode/internal/core"
	"github.com/pion/dtls/v3"
	"github.com/pion/dtls/v3/pkg/protocol/extension"
	"github.com/pion/dtls/v3/pkg/protocol/handshake"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var DefaultSTUN = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
}

// ICEServers lists STUN servers plus a TURN relay when url, username and
// credential are all set.
func ICEServers(stun []string, turnURL, username, credential string) []webrtc.ICEServer {
	if len(stun) == 0 {
		stun = DefaultSTUN
	}
	servers := []webrtc.ICEServer{{URLs: append([]string(nil), stun...)}}
	if turnURL != "" && username != "" && credential != "" {
		servers = append(servers, webrtc.ICEServer{
			URLs:           []string{turnURL},
			Username:       username,
			Credential:     credential,
			CredentialType: webrtc.ICECredentialTypePassword,
		})
	}
	return servers
}

// Timeouts tune ICE liveness; zero values keep pion defaults.
type Timeouts struct {
	Disconnected time.Duration
	Failed       time.Duration
	KeepAlive    time.Duration
}

// Factory builds peer connections. Each peer gets its own pion API so the
// DTLS handshake of one call can be observed without touching another.
type Factory struct {
	timeouts Timeouts
}

func NewFactory(t Timeouts) (*Factory, error) {
	f := &Factory{timeouts: t}
	if _, err := f.newAPI(nil); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *Factory) newAPI(p *Peer) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	reg := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, reg); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	se := webrtc.SettingEngine{}
	t := f.timeouts
	if t.Disconnected > 0 || t.Failed > 0 || t.KeepAlive > 0 {
		se.SetICETimeouts(t.Disconnected, t.Failed, t.KeepAlive)
	}
	if p != nil {
		se.SetDTLSServerHelloMessageHook(p.observeServerHello)
	}
	return webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(reg), webrtc.WithSettingEngine(se)), nil
}

// NewPeer opens a peer connection whose callbacks are reported through emit.
func (f *Factory) NewPeer(servers []webrtc.ICEServer, emit func(core.PeerEvent)) (core.PeerConnection, error) {
	c := &Peer{logger: log.With().Str("module", "rtc").Logger()}
	api, err := f.newAPI(c)
	if err != nil {
		return nil, err
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, err
	}
	c.pc = pc

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		init := cand.ToJSON()
		emit(core.PeerEvent{Kind: core.PeerCandidate, Candidate: &init})
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			c.requestKeyframe(track)
		}
		emit(core.PeerEvent{Kind: core.PeerTrack, Track: track})
	})

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.logger.Info().Str("ice_state", s.String()).Msg("ICE state")
		emit(core.PeerEvent{Kind: core.PeerConnState, State: s})
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.logger.Debug().Str("peer_connection_state", s.String()).Msg("Peer state")
	})

	return c, nil
}

// Peer is a pion peer connection behind core.PeerConnection.
type Peer struct {
	pc     *webrtc.PeerConnection
	logger zerolog.Logger
	once   sync.Once

	mu  sync.Mutex
	sec core.SecurityInfo
}

// observeServerHello records the suites chosen when this side is the DTLS
// server. The message goes out unchanged.
func (c *Peer) observeServerHello(m handshake.MessageServerHello) handshake.Message {
	var sec core.SecurityInfo
	if m.CipherSuiteID != nil {
		sec.DTLSCipher = dtls.CipherSuiteName(dtls.CipherSuiteID(*m.CipherSuiteID))
	}
	for _, ext := range m.Extensions {
		if u, ok := ext.(*extension.UseSRTP); ok && len(u.ProtectionProfiles) > 0 {
			sec.SRTPCipher = srtpProfileName(u.ProtectionProfiles[0])
		}
	}
	c.mu.Lock()
	c.sec = sec
	c.mu.Unlock()
	return &m
}

func srtpProfileName(p dtls.SRTPProtectionProfile) string {
	switch p {
	case dtls.SRTP_AEAD_AES_128_GCM:
		return "SRTP_AEAD_AES_128_GCM"
	case dtls.SRTP_AEAD_AES_256_GCM:
		return "SRTP_AEAD_AES_256_GCM"
	case dtls.SRTP_AES128_CM_HMAC_SHA1_80:
		return "SRTP_AES128_CM_HMAC_SHA1_80"
	case dtls.SRTP_AES128_CM_HMAC_SHA1_32:
		return "SRTP_AES128_CM_HMAC_SHA1_32"
	case dtls.SRTP_NULL_HMAC_SHA1_80:
		return "SRTP_NULL_HMAC_SHA1_80"
	default:
		return fmt.Sprintf("0x%04X", uint16(p))
	}
}

// Security merges the transport stats with what the handshake hook saw.
// The DTLS client side only learns the suites from stats.
func (c *Peer) Security() core.SecurityInfo {
	c.mu.Lock()
	sec := c.sec
	c.mu.Unlock()
	for _, st := range c.pc.GetStats() {
		ts, ok := st.(webrtc.TransportStats)
		if !ok {
			continue
		}
		if sec.DTLSCipher == "" {
			sec.DTLSCipher = ts.DTLSCipher
		}
		if sec.SRTPCipher == "" {
			sec.SRTPCipher = ts.SRTPCipher
		}
	}
	return sec
}

func (c *Peer) AddLocalTrack(t core.LocalTrack) error {
	tl := t.TrackLocal()
	if tl == nil {
		return fmt.Errorf("track %s has no transport side", t.ID())
	}
	sender, err := c.pc.AddTrack(tl)
	if err != nil {
		return err
	}
	// RTCP must be drained for the interceptors to work.
	go c.drainRTCP(sender, tl.Kind())
	return nil
}

func (c *Peer) drainRTCP(sender *webrtc.RTPSender, kind webrtc.RTPCodecType) {
	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, p := range pkts {
			switch p.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				c.logger.Debug().Str("kind", kind.String()).Msg("partner requested a keyframe")
			}
		}
	}
}

// requestKeyframe asks the sender of a remote video track for a keyframe so
// sinks attached mid-stream can start decoding.
func (c *Peer) requestKeyframe(track *webrtc.TrackRemote) {
	pli := []rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}}
	if err := c.pc.WriteRTCP(pli); err != nil {
		c.logger.Debug().Err(err).Msg("send PLI")
	}
}

func (c *Peer) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, ctx.Err()
}

func (c *Peer) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, ctx.Err()
}

func (c *Peer) SetRemoteDescription(d webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(d)
}

func (c *Peer) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

func (c *Peer) Close() error {
	var err error
	c.once.Do(func() {
		err = c.pc.Close()
		if err != nil && !errors.Is(err, webrtc.ErrConnectionClosed) {
			c.logger.Error().Err(err).Msg("close error")
			return
		}
		err = nil
		c.logger.Info().Msg("closed")
	})
	return err
}
