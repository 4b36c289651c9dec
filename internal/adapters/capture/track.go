package capture

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SampleTrack pumps a Source into a pion sample track. Disabling it keeps
// the pacing but stops writing, so the receiver sees silence or a frozen
// frame without renegotiation.
type SampleTrack struct {
	tl      *webrtc.TrackLocalStaticSample
	src     Source
	enabled atomic.Bool
	stopped atomic.Bool
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
	logger  zerolog.Logger
}

func NewSampleTrack(tl *webrtc.TrackLocalStaticSample, src Source) *SampleTrack {
	t := &SampleTrack{
		tl:     tl,
		src:    src,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: log.With().Str("module", "capture").Str("track", tl.ID()).Logger(),
	}
	t.enabled.Store(true)
	go t.pump()
	return t
}

func (t *SampleTrack) pump() {
	defer close(t.done)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-timer.C:
		}
		sample, err := t.src.Next()
		if err != nil {
			t.logger.Error().Err(err).Msg("source failed")
			t.stopped.Store(true)
			return
		}
		if t.enabled.Load() {
			if err := t.tl.WriteSample(sample); err != nil {
				t.logger.Debug().Err(err).Msg("write sample")
			}
		}
		timer.Reset(sample.Duration)
	}
}

func (t *SampleTrack) Kind() webrtc.RTPCodecType { return t.tl.Kind() }
func (t *SampleTrack) ID() string { return t.tl.ID() }
func (t *SampleTrack) Enabled() bool { return t.enabled.Load() }
func (t *SampleTrack) SetEnabled(v bool) { t.enabled.Store(v) }
func (t *SampleTrack) Stopped() bool { return t.stopped.Load() }
func (t *SampleTrack) TrackLocal() webrtc.TrackLocal { return t.tl }

// Stop ends the pump and releases the source.
func (t *SampleTrack) Stop() {
	t.once.Do(func() {
		t.stopped.Store(true)
		close(t.stop)
		<-t.done
		if err := t.src.Close(); err != nil {
			t.logger.Warn().Err(err).Msg("close source")
		}
	})
}
