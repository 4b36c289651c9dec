package capture

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
)

// Source yields encoded samples paced by their Duration.
type Source interface {
	Next() (media.Sample, error)
	Close() error
}

const opusFrame = 20 * time.Millisecond

// Opus comfort-noise frame: 20ms of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// SilenceSource is an endless Opus microphone that only hears silence.
type SilenceSource struct{}

func (SilenceSource) Next() (media.Sample, error) {
	return media.Sample{Data: opusSilence, Duration: opusFrame}, nil
}

func (SilenceSource) Close() error { return nil }

// OggSource plays an Ogg/Opus file in a loop.
type OggSource struct {
	path    string
	f       *os.File
	r       *oggreader.OggReader
	granule uint64
}

func OpenOgg(path string) (*OggSource, error) {
	s := &OggSource{path: path}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *OggSource) open() error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	r, _, err := oggreader.NewWith(f)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("ogg %s: %w", s.path, err)
	}
	s.f, s.r, s.granule = f, r, 0
	return nil
}

func (s *OggSource) Next() (media.Sample, error) {
	for rewound := false; ; {
		page, hdr, err := s.r.ParseNextPage()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			if rewound {
				return media.Sample{}, fmt.Errorf("ogg %s: no audio pages", s.path)
			}
			_ = s.f.Close()
			if err := s.open(); err != nil {
				return media.Sample{}, err
			}
			rewound = true
			continue
		}
		if err != nil {
			return media.Sample{}, err
		}
		if bytes.HasPrefix(page, []byte("OpusTags")) {
			continue
		}
		d := opusFrame
		if hdr.GranulePosition > s.granule {
			// the first audio page has no usable granule delta
			if delta := time.Duration(hdr.GranulePosition-s.granule) * time.Second / 48000; delta >= time.Millisecond {
				d = delta
			}
		}
		s.granule = hdr.GranulePosition
		return media.Sample{Data: page, Duration: d}, nil
	}
}

func (s *OggSource) Close() error { return s.f.Close() }

// IVFSource plays an IVF file (VP8, VP9 or AV1) in a loop.
type IVFSource struct {
	path   string
	f      *os.File
	r      *ivfreader.IVFReader
	header *ivfreader.IVFFileHeader
}

func OpenIVF(path string) (*IVFSource, error) {
	s := &IVFSource{path: path}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *IVFSource) open() error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	r, h, err := ivfreader.NewWith(f)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("ivf %s: %w", s.path, err)
	}
	s.f, s.r, s.header = f, r, h
	return nil
}

// MimeType maps the file's FourCC to a codec.
func (s *IVFSource) MimeType() (string, error) {
	switch s.header.FourCC {
	case "VP80":
		return webrtc.MimeTypeVP8, nil
	case "VP90":
		return webrtc.MimeTypeVP9, nil
	case "AV01":
		return webrtc.MimeTypeAV1, nil
	}
	return "", fmt.Errorf("ivf %s: unsupported codec %q", s.path, s.header.FourCC)
}

func (s *IVFSource) Size() (int, int) {
	return int(s.header.Width), int(s.header.Height)
}

func (s *IVFSource) frameDuration() time.Duration {
	if s.header.TimebaseDenominator == 0 {
		return time.Second / 30
	}
	return time.Duration(s.header.TimebaseNumerator) * time.Second / time.Duration(s.header.TimebaseDenominator)
}

func (s *IVFSource) Next() (media.Sample, error) {
	for rewound := false; ; {
		frame, _, err := s.r.ParseNextFrame()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			if rewound {
				return media.Sample{}, fmt.Errorf("ivf %s: no frames", s.path)
			}
			_ = s.f.Close()
			if err := s.open(); err != nil {
				return media.Sample{}, err
			}
			rewound = true
			continue
		}
		if err != nil {
			return media.Sample{}, err
		}
		return media.Sample{Data: frame, Duration: s.frameDuration()}, nil
	}
}

func (s *IVFSource) Close() error { return s.f.Close() }
