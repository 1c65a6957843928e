// Package mock provides in-memory mock implementations of the
// [audio.Microphone], [audio.CaptureStream], [audio.OutputDevice], and
// [audio.PlaybackHandle] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	mic := &mock.Microphone{}
//	out := &mock.OutputDevice{}
//	stream, _ := mic.Open(ctx, audio.InputSampleRate, audio.BlockSize)
//	mic.LastStream().Emit(audio.Block{Samples: make([]float32, 4096)})
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/glyphstudio/pkg/audio"
)

// ─── CaptureStream ────────────────────────────────────────────────────────────

// CaptureStream is a mock implementation of [audio.CaptureStream]. Blocks are
// injected with [CaptureStream.Emit].
type CaptureStream struct {
	mu     sync.Mutex
	ch     chan audio.Block
	closed bool

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewCaptureStream returns a stream whose block channel has the given buffer.
func NewCaptureStream(buffer int) *CaptureStream {
	return &CaptureStream{ch: make(chan audio.Block, buffer)}
}

// Blocks implements [audio.CaptureStream].
func (s *CaptureStream) Blocks() <-chan audio.Block { return s.ch }

// Emit delivers b to the consumer. It reports false if the stream is already
// closed. Emit blocks while the channel buffer is full.
func (s *CaptureStream) Emit(b audio.Block) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.ch <- b
	return true
}

// Close implements [audio.CaptureStream]. Idempotent.
func (s *CaptureStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return nil
}

// Closed reports whether Close has been called.
func (s *CaptureStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ─── Microphone ───────────────────────────────────────────────────────────────

// OpenCall records the arguments of a single [Microphone.Open] invocation.
type OpenCall struct {
	SampleRate int
	BlockSize  int
}

// Microphone is a mock implementation of [audio.Microphone]. Every successful
// Open returns a fresh [CaptureStream].
type Microphone struct {
	mu sync.Mutex

	// OpenErr is returned by Open when non-nil.
	OpenErr error

	// Gate, when non-nil, makes Open block until Gate is closed or the
	// context is cancelled. Use it to simulate a pending permission prompt.
	Gate chan struct{}

	// OpenCalls records all Open invocations.
	OpenCalls []OpenCall

	// Streams holds every stream handed out, in order.
	Streams []*CaptureStream
}

// Open implements [audio.Microphone].
func (m *Microphone) Open(ctx context.Context, sampleRate, blockSize int) (audio.CaptureStream, error) {
	m.mu.Lock()
	m.OpenCalls = append(m.OpenCalls, OpenCall{SampleRate: sampleRate, BlockSize: blockSize})
	gate := m.Gate
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.OpenErr != nil {
		return nil, m.OpenErr
	}
	s := NewCaptureStream(16)
	m.Streams = append(m.Streams, s)
	return s, nil
}

// OpenCount returns the number of Open invocations.
func (m *Microphone) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.OpenCalls)
}

// LastStream returns the most recently opened stream, or nil.
func (m *Microphone) LastStream() *CaptureStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Streams) == 0 {
		return nil
	}
	return m.Streams[len(m.Streams)-1]
}

// ─── OutputDevice ─────────────────────────────────────────────────────────────

// Handle is a mock [audio.PlaybackHandle].
type Handle struct {
	mu sync.Mutex

	// CallCountStop records how many times Stop was called.
	CallCountStop int
}

// Stop implements [audio.PlaybackHandle].
func (h *Handle) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.CallCountStop++
}

// Stopped reports whether Stop has been called at least once.
func (h *Handle) Stopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.CallCountStop > 0
}

// ScheduleCall records the arguments of a single [OutputDevice.Schedule]
// invocation together with the handle that was returned.
type ScheduleCall struct {
	Buffer  audio.Buffer
	At      time.Duration
	OnEnded func()
	Handle  *Handle
}

// OutputDevice is a mock implementation of [audio.OutputDevice] with a manual
// clock. Set the clock with [OutputDevice.SetNow]; finish playback with
// [OutputDevice.End].
type OutputDevice struct {
	mu  sync.Mutex
	now time.Duration

	// ScheduleErr is returned by Schedule when non-nil.
	ScheduleErr error

	// ScheduleCalls records all Schedule invocations.
	ScheduleCalls []ScheduleCall

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// Now implements [audio.OutputDevice].
func (d *OutputDevice) Now() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.now
}

// SetNow moves the manual clock.
func (d *OutputDevice) SetNow(now time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now = now
}

// Schedule implements [audio.OutputDevice].
func (d *OutputDevice) Schedule(buf audio.Buffer, at time.Duration, onEnded func()) (audio.PlaybackHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ScheduleErr != nil {
		return nil, d.ScheduleErr
	}
	h := &Handle{}
	d.ScheduleCalls = append(d.ScheduleCalls, ScheduleCall{Buffer: buf, At: at, OnEnded: onEnded, Handle: h})
	return h, nil
}

// Close implements [audio.OutputDevice].
func (d *OutputDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountClose++
	return nil
}

// Calls returns a snapshot of the recorded Schedule calls.
func (d *OutputDevice) Calls() []ScheduleCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]ScheduleCall, len(d.ScheduleCalls))
	copy(out, d.ScheduleCalls)
	return out
}

// Closed reports whether Close has been called at least once.
func (d *OutputDevice) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.CallCountClose > 0
}

// End simulates natural completion of the i-th scheduled buffer by invoking
// its end callback.
func (d *OutputDevice) End(i int) {
	d.mu.Lock()
	fn := d.ScheduleCalls[i].OnEnded
	d.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Opener returns an [audio.OutputOpener] that always yields d.
func (d *OutputDevice) Opener() audio.OutputOpener {
	return func(context.Context) (audio.OutputDevice, error) { return d, nil }
}
