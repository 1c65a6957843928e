// Package live defines the Remote Session Channel: a bidirectional streaming
// connection to a hosted voice model.
//
// A [Channel] carries encoded microphone frames upstream and delivers typed
// [Event] values downstream. Inbound traffic is exposed as a single ordered
// event stream rather than callbacks so that consumers decide on which
// goroutine state is mutated.
//
// All implementations must be safe for concurrent use.
package live

import (
	"context"
	"errors"
)

// Defaults for a live conversation session.
const (
	DefaultModel        = "gemini-2.5-flash-native-audio-preview-09-2025"
	DefaultVoice        = "Zephyr"
	DefaultInstructions = "You are a friendly and helpful AI assistant."

	// ModalityAudio requests spoken responses.
	ModalityAudio = "AUDIO"
)

// ErrChannelClosed is returned by [Channel.SendAudio] after the channel has
// been closed by either side.
var ErrChannelClosed = errors.New("live: channel closed")

// EventKind classifies inbound channel events.
type EventKind int

const (
	// EventOpen is emitted once the remote side has accepted the session
	// configuration and is ready to receive audio.
	EventOpen EventKind = iota

	// EventMessage carries server content (audio, transcription, turn state).
	EventMessage

	// EventError reports a transport or protocol failure. The channel is
	// unusable afterwards and an [EventClose] follows.
	EventError

	// EventClose is the last event on the stream.
	EventClose
)

// String returns the human-readable name of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "OPEN"
	case EventMessage:
		return "MESSAGE"
	case EventError:
		return "ERROR"
	case EventClose:
		return "CLOSE"
	default:
		return "UNKNOWN"
	}
}

// InlineAudio is one base64-encoded audio fragment from the model.
type InlineAudio struct {
	MIMEType string
	Data     string
}

// Message is the payload of an [EventMessage]. Any combination of fields may
// be set on a single message.
type Message struct {
	// OutputTranscription is a fragment of the text version of the model's
	// spoken output.
	OutputTranscription string

	// InputTranscription is a fragment of the recognised user speech.
	InputTranscription string

	// TurnComplete marks the end of the model's turn.
	TurnComplete bool

	// Interrupted reports that the model stopped generating because the user
	// started speaking. Already delivered audio should be discarded.
	Interrupted bool

	// Audio holds inline audio fragments (24 kHz mono PCM16), in order.
	Audio []InlineAudio
}

// Event is a single inbound occurrence on a [Channel].
type Event struct {
	Kind EventKind

	// Message is set for [EventMessage].
	Message *Message

	// Err is set for [EventError].
	Err error
}

// Frame is one outbound wire frame.
type Frame struct {
	// Data is the base64-encoded payload.
	Data string

	// MIMEType identifies the payload format, e.g. "audio/pcm;rate=16000".
	MIMEType string
}

// Config is the session configuration sent when a channel is opened.
type Config struct {
	// Model is the target model identifier, without a "models/" prefix.
	Model string

	// ResponseModalities lists the requested output modalities.
	ResponseModalities []string

	// InputTranscription requests transcription of the user's speech.
	InputTranscription bool

	// OutputTranscription requests transcription of the model's speech.
	OutputTranscription bool

	// Voice selects a prebuilt voice. Empty leaves the provider default.
	Voice string

	// Instructions is the system instruction for the session.
	Instructions string
}

// DefaultConfig returns the configuration used for live conversations unless
// overridden.
func DefaultConfig() Config {
	return Config{
		Model:               DefaultModel,
		ResponseModalities:  []string{ModalityAudio},
		InputTranscription:  true,
		OutputTranscription: true,
		Voice:               DefaultVoice,
		Instructions:        DefaultInstructions,
	}
}

// Channel is an open live session. It is an interface so that test code can
// supply mock implementations without a network connection.
type Channel interface {
	// SendAudio delivers one wire frame upstream. Frames are written in call
	// order. Returns [ErrChannelClosed] once the channel is closed.
	SendAudio(frame Frame) error

	// Events returns the inbound event stream. Events are delivered in
	// arrival order. The channel is closed after the final event; when the
	// local side calls [Channel.Close] the trailing [EventClose] may be
	// omitted.
	Events() <-chan Event

	// Close terminates the stream and releases all resources. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Provider opens live channels.
type Provider interface {
	// Open dials the remote service and sends cfg. The channel is returned as
	// soon as the configuration is written; readiness is signalled by an
	// [EventOpen] on [Channel.Events].
	Open(ctx context.Context, cfg Config) (Channel, error)
}
