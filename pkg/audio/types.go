package audio

import "time"

// Wire format constants of the live conversation.
const (
	// InputSampleRate is the sample rate of microphone audio sent upstream.
	InputSampleRate = 16000

	// OutputSampleRate is the sample rate of model audio received downstream.
	OutputSampleRate = 24000

	// BlockSize is the number of samples per captured processing block.
	BlockSize = 4096

	// InputMIMEType tags outbound wire frames.
	InputMIMEType = "audio/pcm;rate=16000"
)

// Block is one fixed-size block of captured mono audio.
type Block struct {
	// Samples in the nominal range [-1.0, 1.0]. Values outside that range are
	// passed through untouched.
	Samples []float32

	// SampleRate in Hz.
	SampleRate int

	// Timestamp marks when this block was captured, relative to stream start.
	Timestamp time.Duration
}

// Buffer is a decoded, playback-ready mono PCM buffer.
type Buffer struct {
	Samples    []int16
	SampleRate int
}

// Duration returns the playback length of the buffer. A buffer without a
// valid sample rate has zero duration.
func (b Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(b.Samples)) * time.Second / time.Duration(b.SampleRate)
}
