package main

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/dkeye/warmode/internal/app/call"
	"github.com/dkeye/warmode/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/rs/zerolog/log"
)

type rtpFile interface {
	WriteRTP(*rtp.Packet) error
	Close() error
}

// recorder writes the partner's audio to .ogg and VP8 video to .ivf.
type recorder struct {
	dir string

	mu       sync.Mutex
	attached map[*call.RemoteStream]bool
	files    []rtpFile
}

func newRecorder(dir string) *recorder {
	return &recorder{dir: dir, attached: make(map[*call.RemoteStream]bool)}
}

// attach hooks files onto rs once; later calls for the same stream are no-ops.
func (r *recorder) attach(sid domain.SessionID, rs *call.RemoteStream, video bool) error {
	if r == nil || rs == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.attached[rs] {
		return nil
	}
	r.attached[rs] = true
	n := len(r.attached)

	audio, err := oggwriter.New(filepath.Join(r.dir, fmt.Sprintf("%s-%d.ogg", sid, n)), 48000, 2)
	if err != nil {
		return fmt.Errorf("audio recorder: %w", err)
	}
	r.files = append(r.files, audio)
	rs.Attach("record-audio", webrtc.RTPCodecTypeAudio, audio)

	if video {
		vid, err := ivfwriter.New(filepath.Join(r.dir, fmt.Sprintf("%s-%d.ivf", sid, n)), ivfwriter.WithCodec(webrtc.MimeTypeVP8))
		if err != nil {
			return fmt.Errorf("video recorder: %w", err)
		}
		r.files = append(r.files, vid)
		rs.Attach("record-video", webrtc.RTPCodecTypeVideo, vid)
	}
	log.Info().Str("module", "cmd.call").Str("dir", r.dir).Bool("video", video).Msg("recording partner media")
	return nil
}

func (r *recorder) Close() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range r.files {
		if err := f.Close(); err != nil {
			log.Warn().Err(err).Str("module", "cmd.call").Msg("close recording")
		}
	}
	r.files = nil
}
