package core

import (
	"context"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

type PeerEventKind int

const (
	PeerCandidate PeerEventKind = iota
	PeerTrack
	PeerConnState
)

// PeerEvent is what a PeerConnection reports back to its owner.
// Only the field matching Kind is set.
type PeerEvent struct {
	Kind      PeerEventKind
	Candidate *webrtc.ICECandidateInit
	Track     RemoteTrack
	State     webrtc.ICEConnectionState
}

// PeerFactory builds peer connections. emit is called from transport
// goroutines and must not block.
type PeerFactory interface {
	NewPeer(servers []webrtc.ICEServer, emit func(PeerEvent)) (PeerConnection, error)
}

// PeerConnection is the slice of a WebRTC peer the call engine drives.
type PeerConnection interface {
	AddLocalTrack(LocalTrack) error
	// CreateOffer creates an offer and applies it as the local description.
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	// CreateAnswer creates an answer and applies it as the local description.
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	// Security reports the negotiated ciphers; fields stay empty until the
	// DTLS handshake completed.
	Security() SecurityInfo
	Close() error
}

// SecurityInfo names the cipher suites protecting an established call.
type SecurityInfo struct {
	DTLSCipher string `json:"dtlsCipher,omitempty"`
	SRTPCipher string `json:"srtpCipher,omitempty"`
}

func (i SecurityInfo) Known() bool { return i.DTLSCipher != "" || i.SRTPCipher != "" }

// RemoteTrack is satisfied by *webrtc.TrackRemote.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// RTPSink consumes packets of a remote track (renderer, recorder).
type RTPSink interface {
	WriteRTP(*rtp.Packet) error
}

// LocalTrack is a captured track that can be muted without renegotiation.
type LocalTrack interface {
	Kind() webrtc.RTPCodecType
	ID() string
	Enabled() bool
	SetEnabled(bool)
	Stop()
	Stopped() bool
	TrackLocal() webrtc.TrackLocal
}

// LocalStream groups the captured tracks of one call.
type LocalStream struct {
	mu     sync.Mutex
	tracks []LocalTrack
}

func NewLocalStream(tracks ...LocalTrack) *LocalStream {
	return &LocalStream{tracks: tracks}
}

func (s *LocalStream) Tracks() []LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LocalTrack, len(s.tracks))
	copy(out, s.tracks)
	return out
}

func (s *LocalStream) track(kind webrtc.RTPCodecType) LocalTrack {
	for _, t := range s.Tracks() {
		if t.Kind() == kind {
			return t
		}
	}
	return nil
}

func (s *LocalStream) AudioTrack() LocalTrack { return s.track(webrtc.RTPCodecTypeAudio) }
func (s *LocalStream) VideoTrack() LocalTrack { return s.track(webrtc.RTPCodecTypeVideo) }

// Live reports whether at least one track is still running.
func (s *LocalStream) Live() bool {
	for _, t := range s.Tracks() {
		if !t.Stopped() {
			return true
		}
	}
	return false
}

func (s *LocalStream) Stop() {
	for _, t := range s.Tracks() {
		t.Stop()
	}
}

type VideoConstraints struct {
	Width      int
	Height     int
	FacingMode string
}

type AudioConstraints struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// MediaConstraints describe what to capture. Video is nil for audio-only calls.
type MediaConstraints struct {
	Video *VideoConstraints
	Audio AudioConstraints
}

// DefaultConstraints returns the capture request used for calls.
func DefaultConstraints(video bool) MediaConstraints {
	c := MediaConstraints{
		Audio: AudioConstraints{EchoCancellation: true, NoiseSuppression: true, AutoGainControl: true},
	}
	if video {
		c.Video = &VideoConstraints{Width: 640, Height: 480, FacingMode: "user"}
	}
	return c
}

// MediaDevices acquires local capture. Failures are *MediaAccessError.
type MediaDevices interface {
	GetUserMedia(ctx context.Context, c MediaConstraints) (*LocalStream, error)
}
