// Package speaker renders sound cues on the default audio device with oto.
package speaker

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/sweeney/musicbox/internal/sound"
)

// Speaker is a sound.Sink backed by a single oto context. The context is
// opened on first use; every clip must match its format.
type Speaker struct {
	format sound.Format

	once    sync.Once
	ctx     *oto.Context
	openErr error
}

// New creates a Speaker for clips in format. Only 16-bit signed PCM is
// supported.
func New(format sound.Format) (*Speaker, error) {
	if format.BitsPerSample != 16 {
		return nil, fmt.Errorf("unsupported sample size %d bits", format.BitsPerSample)
	}
	return &Speaker{format: format}, nil
}

func (s *Speaker) open() error {
	s.once.Do(func() {
		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   s.format.SampleRate,
			ChannelCount: s.format.Channels,
			Format:       oto.FormatSignedInt16LE,
		})
		if err != nil {
			s.openErr = fmt.Errorf("open audio context: %w", err)
			return
		}
		<-ready
		s.ctx = ctx
	})
	return s.openErr
}

// Play renders clip and returns once it has finished.
func (s *Speaker) Play(clip sound.Clip) error {
	if clip.Format != s.format {
		return fmt.Errorf("clip format %+v does not match speaker %+v", clip.Format, s.format)
	}
	if err := s.open(); err != nil {
		return err
	}

	p := s.ctx.NewPlayer(bytes.NewReader(clip.PCM))
	defer p.Close()
	p.Play()
	for p.IsPlaying() {
		time.Sleep(10 * time.Millisecond)
	}
	return nil
}
