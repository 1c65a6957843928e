// Package audio defines the device abstractions and PCM helpers used by the
// live conversation pipeline.
//
// The primary abstractions are:
//
//   - [Microphone]: grants access to a capture device and yields a [CaptureStream]
//     of fixed-size float32 [Block] values.
//   - [OutputDevice]: a clocked playback device on which decoded [Buffer]
//     values are scheduled at absolute start times, returning a
//     [PlaybackHandle] per scheduled buffer.
//
// Hardware-backed implementations live in sibling packages (audio/miniaudio for
// capture, audio/speaker for playback). The software playback clock lives in
// audio/timeline and is shared by every output backend.
//
// This package lives under pkg/ because external code is expected to
// implement [Microphone] and [OutputDevice] for other audio stacks.
package audio

import (
	"context"
	"errors"
	"time"
)

// ErrPermissionDenied is returned by [Microphone.Open] when the capture
// device exists but cannot be opened for recording (missing OS permission,
// device busy, or no capture device at all).
var ErrPermissionDenied = errors.New("audio: microphone permission denied")

// ErrDeviceClosed is returned when scheduling on an [OutputDevice] that has
// already been closed.
var ErrDeviceClosed = errors.New("audio: device closed")

// Microphone is the entry point for audio capture.
//
// Implementations must be safe for concurrent use.
type Microphone interface {
	// Open requests access to the capture device and starts recording.
	// Blocks of exactly blockSize mono samples at sampleRate Hz are delivered
	// on the returned stream in capture order.
	//
	// Returns an error wrapping [ErrPermissionDenied] when access is refused.
	// ctx governs the open attempt only.
	Open(ctx context.Context, sampleRate, blockSize int) (CaptureStream, error)
}

// CaptureStream is an open microphone track.
type CaptureStream interface {
	// Blocks returns the read-only channel of captured blocks. The channel is
	// closed after [CaptureStream.Close] returns or when the device fails.
	Blocks() <-chan Block

	// Close stops capture and releases the device. Idempotent.
	Close() error
}

// OutputDevice is a playback device with its own monotonic clock.
//
// Implementations must be safe for concurrent use.
type OutputDevice interface {
	// Now reports the device's current playback position, measured from the
	// moment the device was opened.
	Now() time.Duration

	// Schedule queues buf to start playing at the absolute device time at.
	// If at is already in the past, playback starts immediately.
	// onEnded, if non-nil, is invoked exactly once when playback finishes
	// naturally. It is not invoked when the handle is stopped or when the
	// device is closed. onEnded runs on an internal goroutine and must not
	// block.
	Schedule(buf Buffer, at time.Duration, onEnded func()) (PlaybackHandle, error)

	// Close halts all playback and releases the device. Idempotent.
	Close() error
}

// PlaybackHandle controls one scheduled [Buffer].
type PlaybackHandle interface {
	// Stop halts playback of the buffer (or cancels it if it has not started
	// yet). Idempotent.
	Stop()
}

// OutputOpener acquires a fresh [OutputDevice] for one live session.
type OutputOpener func(ctx context.Context) (OutputDevice, error)
