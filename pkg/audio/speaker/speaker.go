// Package speaker plays [timeline.Timeline] output through the system's
// default playback device using github.com/ebitengine/oto/v3.
//
// oto allows a single context per process, so a [Speaker] owns that context
// for its whole lifetime and hands out one [audio.OutputDevice] per live
// session via [Speaker.Open]. Each device is a fresh timeline drained by its
// own oto player; closing the device ends the player.
package speaker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/glyphstudio/pkg/audio"
	"github.com/MrWong99/glyphstudio/pkg/audio/timeline"
	"github.com/ebitengine/oto/v3"
)

// Compile-time interface assertion.
var _ audio.OutputDevice = (*device)(nil)

const defaultBufferSize = 100 * time.Millisecond

// Option is a functional option for configuring a Speaker.
type Option func(*Speaker)

// WithSampleRate sets the device sample rate. Buffers at other rates are
// resampled by the timeline. Defaults to [audio.OutputSampleRate].
func WithSampleRate(rate int) Option {
	return func(s *Speaker) { s.sampleRate = rate }
}

// WithStereo duplicates the mono timeline onto two channels, for devices that
// refuse mono streams.
func WithStereo() Option {
	return func(s *Speaker) { s.channels = 2 }
}

// WithBufferSize sets the device buffer length. Smaller values lower latency
// at the risk of glitches.
func WithBufferSize(d time.Duration) Option {
	return func(s *Speaker) { s.bufferSize = d }
}

// Speaker owns the process-wide oto context.
type Speaker struct {
	sampleRate int
	channels   int
	bufferSize time.Duration

	once    sync.Once
	ctx     *oto.Context
	initErr error
}

// New creates a Speaker. The oto context is created lazily on the first
// [Speaker.Open].
func New(opts ...Option) *Speaker {
	s := &Speaker{
		sampleRate: audio.OutputSampleRate,
		channels:   1,
		bufferSize: defaultBufferSize,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Speaker) init() error {
	s.once.Do(func() {
		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   s.sampleRate,
			ChannelCount: s.channels,
			Format:       oto.FormatSignedInt16LE,
			BufferSize:   s.bufferSize,
		})
		if err != nil {
			s.initErr = fmt.Errorf("speaker: create oto context: %w", err)
			return
		}
		<-ready
		s.ctx = ctx
		slog.Info("speaker ready", "sample_rate", s.sampleRate, "channels", s.channels)
	})
	return s.initErr
}

// Open acquires a new output device backed by a fresh timeline.
func (s *Speaker) Open(ctx context.Context) (audio.OutputDevice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.init(); err != nil {
		return nil, err
	}

	tl := timeline.New(s.sampleRate)
	var src io.Reader = tl
	if s.channels == 2 {
		src = timeline.Stereo(tl)
	}
	player := s.ctx.NewPlayer(src)
	player.Play()
	return &device{Timeline: tl, player: player}, nil
}

// Opener adapts [Speaker.Open] to [audio.OutputOpener].
func (s *Speaker) Opener() audio.OutputOpener { return s.Open }

// device couples a timeline with the oto player draining it.
type device struct {
	*timeline.Timeline
	player    *oto.Player
	closeOnce sync.Once
}

// Close stops the timeline, which ends the player's stream, then releases
// the player. Idempotent.
func (d *device) Close() error {
	var err error
	d.closeOnce.Do(func() {
		_ = d.Timeline.Close()
		d.player.Pause()
		err = d.player.Close()
	})
	return err
}
