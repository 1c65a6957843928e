// Package miniaudio implements [audio.Microphone] on top of the miniaudio
// bindings in github.com/gen2brain/malgo.
//
// The capture device is opened in 32-bit float mono at the requested rate.
// If the backend grants a different rate, samples are resampled before
// device periods are regrouped into fixed blocks by [audio.Framer].
package miniaudio

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/MrWong99/glyphstudio/pkg/audio"
	"github.com/gen2brain/malgo"
)

// Compile-time interface assertions.
var (
	_ audio.Microphone    = (*Microphone)(nil)
	_ audio.CaptureStream = (*stream)(nil)
)

// defaultBuffer is the number of blocks queued between the device callback
// and the consumer before blocks are dropped.
const defaultBuffer = 64

// Option is a functional option for configuring a Microphone.
type Option func(*Microphone)

// WithBuffer sets how many blocks may queue before new blocks are dropped.
func WithBuffer(n int) Option {
	return func(m *Microphone) {
		if n > 0 {
			m.buffer = n
		}
	}
}

// Microphone opens the system's default capture device.
type Microphone struct {
	buffer int
}

// New creates a Microphone with the given options.
func New(opts ...Option) *Microphone {
	m := &Microphone{buffer: defaultBuffer}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Open initialises a miniaudio context and starts the default capture device.
// Any failure to obtain the device is reported as [audio.ErrPermissionDenied].
func (m *Microphone) Open(ctx context.Context, sampleRate, blockSize int) (audio.CaptureStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("miniaudio: init context: %w: %w", audio.ErrPermissionDenied, err)
	}

	s := &stream{
		mctx:   mctx,
		blocks: make(chan audio.Block, m.buffer),
		framer: audio.NewFramer(blockSize, sampleRate),
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = 1
	cfg.SampleRate = uint32(sampleRate)

	device, err := malgo.InitDevice(mctx.Context, cfg, malgo.DeviceCallbacks{
		Data: s.onData,
	})
	if err != nil {
		s.releaseContext()
		return nil, fmt.Errorf("miniaudio: init capture device: %w: %w", audio.ErrPermissionDenied, err)
	}
	s.device = device
	s.deviceRate = int(device.SampleRate())
	s.wireRate = sampleRate

	if err := device.Start(); err != nil {
		device.Uninit()
		s.releaseContext()
		return nil, fmt.Errorf("miniaudio: start capture device: %w: %w", audio.ErrPermissionDenied, err)
	}

	slog.Info("microphone opened", "sample_rate", sampleRate, "device_rate", s.deviceRate, "block_size", blockSize)
	return s, nil
}

// stream is one open capture device.
type stream struct {
	mctx   *malgo.AllocatedContext
	device *malgo.Device
	framer *audio.Framer

	// deviceRate is the rate the backend actually granted.
	deviceRate int
	wireRate   int

	mu       sync.Mutex
	blocks   chan audio.Block
	closed   bool
	warnDrop sync.Once
}

// onData runs on the miniaudio device thread. It must never block.
func (s *stream) onData(_, input []byte, _ uint32) {
	samples := make([]float32, len(input)/4)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(input[i*4:]))
	}
	samples = audio.ResampleMonoFloat32(samples, s.deviceRate, s.wireRate)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for _, b := range s.framer.Push(samples) {
		select {
		case s.blocks <- b:
		default:
			s.warnDrop.Do(func() {
				slog.Warn("microphone: consumer too slow, dropping capture blocks")
			})
		}
	}
}

// Blocks implements [audio.CaptureStream].
func (s *stream) Blocks() <-chan audio.Block { return s.blocks }

// Close stops the device and releases the miniaudio context. Idempotent.
func (s *stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.blocks)
	s.mu.Unlock()

	var stopErr error
	if s.device != nil {
		stopErr = s.device.Stop()
		s.device.Uninit()
	}
	s.releaseContext()
	if stopErr != nil {
		return fmt.Errorf("miniaudio: stop capture device: %w", stopErr)
	}
	return nil
}

func (s *stream) releaseContext() {
	if s.mctx == nil {
		return
	}
	_ = s.mctx.Uninit()
	s.mctx.Free()
	s.mctx = nil
}
