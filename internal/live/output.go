package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/glyphstudio/internal/observe"
	"github.com/MrWong99/glyphstudio/pkg/audio"
	providerlive "github.com/MrWong99/glyphstudio/pkg/provider/live"
)

// ErrOutputClosed is returned by [OutputPipeline.Enqueue] after the pipeline
// has been closed. The fragment is discarded.
var ErrOutputClosed = errors.New("live: output pipeline closed")

// OutputPipeline decodes streamed model audio and schedules it back to back
// on an output device.
//
// The scheduling clock never moves backwards while the pipeline is open and is
// never behind the device clock once a fragment has been scheduled.
type OutputPipeline struct {
	metrics *observe.Metrics

	mu        sync.Mutex
	device    audio.OutputDevice
	nextStart time.Duration
	active    map[*playback]struct{}
	closed    bool
}

// playback tracks one scheduled buffer.
type playback struct {
	handle audio.PlaybackHandle
}

// NewOutputPipeline creates a pipeline that schedules onto dev. The pipeline
// owns dev and releases it in [OutputPipeline.Close].
func NewOutputPipeline(dev audio.OutputDevice, m *observe.Metrics) *OutputPipeline {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &OutputPipeline{
		metrics: m,
		device:  dev,
		active:  make(map[*playback]struct{}),
	}
}

// Enqueue decodes frag and schedules it at max(next start, device now). A
// fragment that fails to decode or schedule is logged and skipped; the error
// is returned for the caller's information only.
func (p *OutputPipeline) Enqueue(ctx context.Context, frag providerlive.InlineAudio) error {
	buf, err := audio.DecodeBase64PCM16(frag.Data, sampleRateFromMIME(frag.MIMEType))
	if err != nil {
		p.metrics.LiveDecodeErrors.Add(ctx, 1)
		slog.Warn("dropping undecodable audio fragment", "mime_type", frag.MIMEType, "err", err)
		return fmt.Errorf("live: decode fragment: %w", err)
	}
	if len(buf.Samples) == 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrOutputClosed
	}

	startAt := max(p.nextStart, p.device.Now())
	pb := &playback{}
	h, err := p.device.Schedule(buf, startAt, func() { p.ended(pb) })
	if err != nil {
		p.metrics.LiveDecodeErrors.Add(ctx, 1)
		slog.Warn("dropping unschedulable audio fragment", "err", err)
		return fmt.Errorf("live: schedule fragment: %w", err)
	}
	pb.handle = h
	p.active[pb] = struct{}{}
	p.nextStart = startAt + buf.Duration()
	p.metrics.LiveFragmentsScheduled.Add(ctx, 1)
	return nil
}

func (p *OutputPipeline) ended(pb *playback) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.active, pb)
}

// Interrupt stops every scheduled buffer and rewinds the clock so the next
// fragment starts immediately. The pipeline stays open.
func (p *OutputPipeline) Interrupt() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopAllLocked()
	p.nextStart = 0
}

// Close stops every scheduled buffer, clears the active set, releases the
// device and resets the clock to zero, in that order. Idempotent.
func (p *OutputPipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.stopAllLocked()
	dev := p.device
	p.mu.Unlock()

	err := dev.Close()

	p.mu.Lock()
	p.nextStart = 0
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("live: close output device: %w", err)
	}
	return nil
}

func (p *OutputPipeline) stopAllLocked() {
	for pb := range p.active {
		pb.handle.Stop()
	}
	clear(p.active)
}

// Active reports how many scheduled buffers have not finished playing.
func (p *OutputPipeline) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// NextStart returns the scheduling clock.
func (p *OutputPipeline) NextStart() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nextStart
}

// sampleRateFromMIME extracts the rate parameter of a MIME type such as
// "audio/pcm;rate=24000", falling back to [audio.OutputSampleRate].
func sampleRateFromMIME(mime string) int {
	for _, param := range strings.Split(mime, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(param), "=")
		if !ok || !strings.EqualFold(k, "rate") {
			continue
		}
		if rate, err := strconv.Atoi(v); err == nil && rate > 0 {
			return rate
		}
	}
	return audio.OutputSampleRate
}
