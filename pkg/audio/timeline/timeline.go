// Package timeline provides a software [audio.OutputDevice] whose clock is
// driven by the consumer of its mixed PCM output.
//
// Buffers are scheduled at absolute positions on a sample-accurate timeline.
// Each call to [Timeline.Read] renders the next window of the timeline,
// summing every buffer that overlaps it, and advances the clock by exactly
// the number of samples rendered. Hardware sinks (audio/speaker) pull from Read
// at the device's pace; headless deployments use [Drive] to advance the clock
// in real time without producing sound.
package timeline

import (
	"container/heap"
	"context"
	"encoding/binary"
	"io"
	"sync"
	"time"

	"github.com/MrWong99/glyphstudio/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.OutputDevice   = (*Timeline)(nil)
	_ audio.PlaybackHandle = (*handle)(nil)
	_ io.Reader            = (*Timeline)(nil)
)

// defaultQueueCap is the initial capacity hint for the pending queue.
const defaultQueueCap = 16

// Timeline is a mono 16-bit playback timeline. All exported methods are safe
// for concurrent use.
type Timeline struct {
	rate int

	mu      sync.Mutex
	pos     int64 // samples rendered so far
	seq     uint64
	pending segmentHeap // scheduled, not yet reached
	playing []*segment  // overlapping the current render position
	closed  bool
}

// New creates a Timeline rendering at sampleRate Hz.
func New(sampleRate int) *Timeline {
	t := &Timeline{
		rate:    sampleRate,
		pending: make(segmentHeap, 0, defaultQueueCap),
	}
	heap.Init(&t.pending)
	return t
}

// SampleRate returns the rendering rate in Hz.
func (t *Timeline) SampleRate() int { return t.rate }

// Now reports the timeline clock: samples rendered divided by the rate.
func (t *Timeline) Now() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.samplesToDuration(t.pos)
}

// Schedule places buf on the timeline at the absolute time at. Buffers at a
// different sample rate are resampled to the timeline rate first.
func (t *Timeline) Schedule(buf audio.Buffer, at time.Duration, onEnded func()) (audio.PlaybackHandle, error) {
	samples := buf.Samples
	if buf.SampleRate > 0 && buf.SampleRate != t.rate {
		samples = audio.ResampleMono16(samples, buf.SampleRate, t.rate)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, audio.ErrDeviceClosed
	}
	start := max(t.durationToSamples(at), t.pos)
	t.seq++
	seg := &segment{
		start:   start,
		samples: samples,
		seq:     t.seq,
		onEnded: onEnded,
	}
	heap.Push(&t.pending, seg)
	t.mu.Unlock()

	return &handle{t: t, seg: seg}, nil
}

// Scheduled reports how many buffers are pending or playing.
func (t *Timeline) Scheduled() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, s := range t.pending {
		if !s.stopped {
			n++
		}
	}
	for _, s := range t.playing {
		if !s.stopped {
			n++
		}
	}
	return n
}

// Read renders the next len(p)/2 samples as little-endian PCM16 and advances
// the clock. After [Timeline.Close] it returns io.EOF.
func (t *Timeline) Read(p []byte) (int, error) {
	n := len(p) / 2
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, io.EOF
	}
	if n == 0 {
		t.mu.Unlock()
		return 0, nil
	}

	from, to := t.pos, t.pos+int64(n)

	for t.pending.Len() > 0 && t.pending[0].start < to {
		t.playing = append(t.playing, heap.Pop(&t.pending).(*segment))
	}

	mix := make([]int32, n)
	var ended []func()
	kept := t.playing[:0]
	for _, s := range t.playing {
		if s.stopped {
			continue
		}
		lo := max(s.start, from)
		hi := min(s.end(), to)
		for i := lo; i < hi; i++ {
			mix[i-from] += int32(s.samples[i-s.start])
		}
		if s.end() <= to {
			if s.onEnded != nil {
				ended = append(ended, s.onEnded)
			}
			continue
		}
		kept = append(kept, s)
	}
	clear(t.playing[len(kept):])
	t.playing = kept
	t.pos = to
	t.mu.Unlock()

	for i, v := range mix {
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		binary.LittleEndian.PutUint16(p[i*2:], uint16(int16(v)))
	}

	for _, fn := range ended {
		fn()
	}
	return n * 2, nil
}

// Close stops every scheduled buffer without invoking their end callbacks.
// Subsequent reads return io.EOF. Idempotent.
func (t *Timeline) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	for _, s := range t.pending {
		s.stopped = true
	}
	for _, s := range t.playing {
		s.stopped = true
	}
	t.pending = t.pending[:0]
	t.playing = nil
	return nil
}

func (t *Timeline) stop(seg *segment) {
	t.mu.Lock()
	seg.stopped = true
	t.mu.Unlock()
}

func (t *Timeline) durationToSamples(d time.Duration) int64 {
	if d <= 0 || t.rate <= 0 {
		return 0
	}
	// Round to the nearest sample so that durations truncated to whole
	// nanoseconds map back onto the sample they came from.
	return (int64(d)*int64(t.rate) + int64(time.Second)/2) / int64(time.Second)
}

func (t *Timeline) samplesToDuration(n int64) time.Duration {
	if t.rate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(t.rate)
}

// handle is the [audio.PlaybackHandle] returned by [Timeline.Schedule].
type handle struct {
	t   *Timeline
	seg *segment
}

// Stop removes the buffer from playback. Idempotent.
func (h *handle) Stop() { h.t.stop(h.seg) }

// Drive renders t into sink in real time, one period at a time, until ctx is
// cancelled or a read or write fails. It is the clock source for timelines
// that have no hardware consumer.
func Drive(ctx context.Context, t *Timeline, sink io.Writer, period time.Duration) error {
	if period <= 0 {
		period = 20 * time.Millisecond
	}
	samples := max(int(int64(t.rate)*int64(period)/int64(time.Second)), 1)
	buf := make([]byte, samples*2)

	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := t.Read(buf)
			if err != nil {
				if err == io.EOF {
					return nil
				}
				return err
			}
			if _, err := sink.Write(buf[:n]); err != nil {
				return err
			}
		}
	}
}

// Stereo expands a mono PCM16 reader into interleaved stereo by duplicating
// each sample onto both channels.
func Stereo(src io.Reader) io.Reader { return &stereoReader{src: src} }

type stereoReader struct {
	src io.Reader
	buf []byte
}

func (r *stereoReader) Read(p []byte) (int, error) {
	want := (len(p) / 4) * 2
	if cap(r.buf) < want {
		r.buf = make([]byte, want)
	}
	n, err := r.src.Read(r.buf[:want])
	if n > 0 {
		n = copy(p, audio.MonoToStereo(r.buf[:n]))
	}
	return n, err
}

// Headless returns an opener for timelines that play into nothing. Each
// device is driven in real time until it is closed, so scheduled buffers
// still end on time.
func Headless(sampleRate int) audio.OutputOpener {
	return func(ctx context.Context) (audio.OutputDevice, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tl := New(sampleRate)
		go func() { _ = Drive(context.Background(), tl, io.Discard, 0) }()
		return tl, nil
	}
}
