package capture

import (
	"context"
	"errors"
	"io/fs"

	"github.com/dkeye/warmode/internal/core"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Config selects what stands in for the microphone and camera.
type Config struct {
	// Allow false behaves like a user refusing the permission prompt.
	Allow bool
	// AudioFile is an Ogg/Opus file; empty means an endless silent mic.
	AudioFile string
	// VideoFile is an IVF file; without one there is no camera.
	VideoFile string
	StreamID  string
}

// Devices acquires file-backed local media.
type Devices struct {
	cfg Config
}

func NewDevices(cfg Config) *Devices {
	if cfg.StreamID == "" {
		cfg.StreamID = "local"
	}
	return &Devices{cfg: cfg}
}

func accessError(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return &core.MediaAccessError{Reason: core.MediaNoDevice, Err: err}
	}
	if errors.Is(err, fs.ErrPermission) {
		return &core.MediaAccessError{Reason: core.MediaPermissionDenied, Err: err}
	}
	return &core.MediaAccessError{Reason: core.MediaOther, Err: err}
}

func (d *Devices) GetUserMedia(ctx context.Context, c core.MediaConstraints) (*core.LocalStream, error) {
	if !d.cfg.Allow {
		return nil, &core.MediaAccessError{Reason: core.MediaPermissionDenied}
	}
	if err := ctx.Err(); err != nil {
		return nil, &core.MediaAccessError{Reason: core.MediaOther, Err: err}
	}

	audio, err := d.audio()
	if err != nil {
		return nil, err
	}
	tracks := []core.LocalTrack{audio}

	if c.Video != nil {
		video, err := d.video(c.Video)
		if err != nil {
			audio.Stop()
			return nil, err
		}
		tracks = append(tracks, video)
	}
	log.Info().Str("module", "capture").Int("tracks", len(tracks)).Msg("local media acquired")
	return core.NewLocalStream(tracks...), nil
}

func (d *Devices) audio() (*SampleTrack, error) {
	var src Source = SilenceSource{}
	if d.cfg.AudioFile != "" {
		ogg, err := OpenOgg(d.cfg.AudioFile)
		if err != nil {
			return nil, accessError(err)
		}
		src = ogg
	}
	tl, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", d.cfg.StreamID)
	if err != nil {
		_ = src.Close()
		return nil, &core.MediaAccessError{Reason: core.MediaOther, Err: err}
	}
	return NewSampleTrack(tl, src), nil
}

func (d *Devices) video(want *core.VideoConstraints) (*SampleTrack, error) {
	if d.cfg.VideoFile == "" {
		return nil, &core.MediaAccessError{Reason: core.MediaNoDevice}
	}
	ivf, err := OpenIVF(d.cfg.VideoFile)
	if err != nil {
		return nil, accessError(err)
	}
	mime, err := ivf.MimeType()
	if err != nil {
		_ = ivf.Close()
		return nil, &core.MediaAccessError{Reason: core.MediaOther, Err: err}
	}
	if w, h := ivf.Size(); w != want.Width || h != want.Height {
		log.Debug().Str("module", "capture").Int("width", w).Int("height", h).
			Int("want_width", want.Width).Int("want_height", want.Height).Msg("video size differs from constraints")
	}
	tl, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, "video", d.cfg.StreamID)
	if err != nil {
		_ = ivf.Close()
		return nil, &core.MediaAccessError{Reason: core.MediaOther, Err: err}
	}
	return NewSampleTrack(tl, ivf), nil
}
