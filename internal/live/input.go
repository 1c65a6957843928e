package live

import (
	"context"
	"errors"
	"log/slog"

	"github.com/MrWong99/glyphstudio/internal/observe"
	"github.com/MrWong99/glyphstudio/pkg/audio"
	providerlive "github.com/MrWong99/glyphstudio/pkg/provider/live"
)

// InputPipeline turns captured microphone blocks into wire frames and sends
// them upstream.
type InputPipeline struct {
	clamp   bool
	mime    string
	metrics *observe.Metrics
}

// NewInputPipeline creates an InputPipeline. With clamp false, samples are
// converted by plain truncation and a full-scale positive sample wraps to
// -32768.
func NewInputPipeline(clamp bool, m *observe.Metrics) *InputPipeline {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &InputPipeline{clamp: clamp, mime: audio.InputMIMEType, metrics: m}
}

// Encode converts one block into a wire frame.
func (p *InputPipeline) Encode(b audio.Block) providerlive.Frame {
	return providerlive.Frame{
		Data:     audio.EncodeBase64PCM16(b.Samples, p.clamp),
		MIMEType: p.mime,
	}
}

// Run sends every block read from blocks to ch, in capture order, until ctx
// is done or blocks is closed. Frames are fire-and-forget: send failures are
// logged and the block is dropped. Once ch reports [providerlive.ErrChannelClosed]
// the remaining blocks are discarded without sending.
func (p *InputPipeline) Run(ctx context.Context, blocks <-chan audio.Block, ch providerlive.Channel) {
	sending := true
	for {
		select {
		case <-ctx.Done():
			return
		case b, ok := <-blocks:
			if !ok {
				return
			}
			if !sending {
				continue
			}
			err := ch.SendAudio(p.Encode(b))
			switch {
			case err == nil:
				p.metrics.LiveFramesSent.Add(ctx, 1)
			case errors.Is(err, providerlive.ErrChannelClosed):
				sending = false
				slog.Debug("live channel closed, discarding captured audio")
			default:
				slog.Warn("failed to send audio frame", "err", err)
			}
		}
	}
}

// discardPending empties whatever blocks has already buffered without
// waiting for more, and reports how many were dropped.
func discardPending(blocks <-chan audio.Block) int {
	n := 0
	for {
		select {
		case _, ok := <-blocks:
			if !ok {
				return n
			}
			n++
		default:
			return n
		}
	}
}
