package audio

import "time"

// Framer regroups variable-length capture periods into fixed-size [Block]
// values. Device callbacks rarely deliver exactly [BlockSize] samples, so
// capture backends push whatever they receive and emit only complete blocks.
//
// A Framer is not safe for concurrent use; capture callbacks are serialised
// by the device.
type Framer struct {
	size       int
	sampleRate int
	pending    []float32
	emitted    int64 // samples emitted so far, used for timestamps
}

// NewFramer returns a Framer producing blocks of size samples at sampleRate.
// A non-positive size falls back to [BlockSize].
func NewFramer(size, sampleRate int) *Framer {
	if size <= 0 {
		size = BlockSize
	}
	return &Framer{
		size:       size,
		sampleRate: sampleRate,
		pending:    make([]float32, 0, size),
	}
}

// Push appends samples and returns every block completed by them, oldest
// first. Returned blocks own their sample slices.
func (f *Framer) Push(samples []float32) []Block {
	var blocks []Block
	for len(samples) > 0 {
		n := min(f.size-len(f.pending), len(samples))
		f.pending = append(f.pending, samples[:n]...)
		samples = samples[n:]
		if len(f.pending) < f.size {
			break
		}
		blocks = append(blocks, Block{
			Samples:    f.pending,
			SampleRate: f.sampleRate,
			Timestamp:  f.timestamp(),
		})
		f.emitted += int64(f.size)
		f.pending = make([]float32, 0, f.size)
	}
	return blocks
}

// Buffered reports how many samples are waiting for a block to fill.
func (f *Framer) Buffered() int { return len(f.pending) }

func (f *Framer) timestamp() time.Duration {
	if f.sampleRate <= 0 {
		return 0
	}
	return time.Duration(f.emitted) * time.Second / time.Duration(f.sampleRate)
}
