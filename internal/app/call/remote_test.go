package call

import (
	"context"
	"errors"
	"testing"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

type nopSink struct{ n int }

func (s *nopSink) WriteRTP(*rtp.Packet) error {
	s.n++
	return nil
}

type brokenSink struct{}

func (brokenSink) WriteRTP(*rtp.Packet) error { return errors.New("gone") }

func TestForwardDoesNotAllocatePerPacket(t *testing.T) {
	rs := NewRemoteStream(context.Background())
	defer rs.Stop()
	a, b := &nopSink{}, &nopSink{}
	rs.Attach("a", webrtc.RTPCodecTypeAudio, a)
	rs.Attach("b", webrtc.RTPCodecTypeAudio, b)
	rs.Attach("v", webrtc.RTPCodecTypeVideo, &nopSink{})

	logger := zerolog.Nop()
	pkt := &rtp.Packet{}
	allocs := testing.AllocsPerRun(100, func() {
		rs.forward(webrtc.RTPCodecTypeAudio, pkt, &logger)
	})
	assert.Zero(t, allocs)
	assert.Equal(t, 101, a.n)
	assert.Equal(t, 101, b.n)
}

func TestSinkSetChanges(t *testing.T) {
	rs := NewRemoteStream(context.Background())
	logger := zerolog.Nop()
	pkt := &rtp.Packet{}

	first, second := &nopSink{}, &nopSink{}
	rs.Attach("speaker", webrtc.RTPCodecTypeAudio, first)
	rs.Attach("speaker", webrtc.RTPCodecTypeAudio, second)
	rs.Attach("broken", webrtc.RTPCodecTypeAudio, brokenSink{})
	rs.forward(webrtc.RTPCodecTypeAudio, pkt, &logger)
	assert.Zero(t, first.n, "replaced sink gets nothing")
	assert.Equal(t, 1, second.n)
	assert.Equal(t, 1, rs.Sinks(), "failing sink is dropped")

	rs.Pause("speaker", true)
	rs.forward(webrtc.RTPCodecTypeAudio, pkt, &logger)
	assert.Equal(t, 1, second.n)
	rs.Pause("speaker", false)
	rs.forward(webrtc.RTPCodecTypeAudio, pkt, &logger)
	assert.Equal(t, 2, second.n)

	rs.Detach("speaker")
	assert.Zero(t, rs.Sinks())
	rs.forward(webrtc.RTPCodecTypeAudio, pkt, &logger)
	assert.Equal(t, 2, second.n)

	rs.Attach("speaker", webrtc.RTPCodecTypeAudio, second)
	rs.Stop()
	assert.True(t, rs.Stopped())
	rs.forward(webrtc.RTPCodecTypeAudio, pkt, &logger)
	assert.Equal(t, 2, second.n, "nothing after Stop")
}
