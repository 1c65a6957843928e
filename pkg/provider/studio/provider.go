// Package studio defines the request/response generation capabilities used
// outside the live conversation: text chat, image generation, video
// generation, and text-to-speech.
//
// Each capability is a separate interface so that callers depend only on what
// they use and so that resilience wrappers can guard each one independently.
// [Provider] bundles all four for backends that offer them together.
//
// All implementations must be safe for concurrent use.
package studio

import (
	"context"
	"errors"
	"slices"
	"strings"
)

// Sentinel errors shared by all studio backends.
var (
	// ErrNoURI is returned when a video operation completes without a
	// downloadable resource.
	ErrNoURI = errors.New("Video generation failed to return a URI.")

	// ErrNoImage is returned when image generation yields no image bytes.
	ErrNoImage = errors.New("studio: no image generated")

	// ErrNoAudio is returned when speech synthesis yields no audio.
	ErrNoAudio = errors.New("studio: no audio generated")

	// ErrEmptyPrompt is returned for requests without prompt text.
	ErrEmptyPrompt = errors.New("studio: prompt is required")

	// ErrInvalidAspectRatio is returned for an aspect ratio the capability
	// does not support.
	ErrInvalidAspectRatio = errors.New("studio: unsupported aspect ratio")
)

// Mode selects the text model and tools used for a chat request.
type Mode string

const (
	ModeFlashLite Mode = "flash-lite"
	ModeFlash     Mode = "flash"
	ModePro       Mode = "pro"
	ModeSearch    Mode = "search"
	ModeMaps      Mode = "maps"
)

// IsValid reports whether m is a recognised mode. The empty mode is valid and
// means [ModeFlash].
func (m Mode) IsValid() bool {
	switch m {
	case "", ModeFlashLite, ModeFlash, ModePro, ModeSearch, ModeMaps:
		return true
	}
	return false
}

// Role identifies the author of a history message.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// HistoryMessage is one prior chat message sent as context.
type HistoryMessage struct {
	Role Role
	Text string
}

// Attachment is an inline file sent along with a prompt.
type Attachment struct {
	// MIMEType of Data, e.g. "image/png" or "video/mp4".
	MIMEType string

	// Data holds the raw file bytes.
	Data []byte
}

// IsImage reports whether the attachment is an image.
func (a *Attachment) IsImage() bool {
	return a != nil && strings.HasPrefix(a.MIMEType, "image/")
}

// IsVideo reports whether the attachment is a video.
func (a *Attachment) IsVideo() bool {
	return a != nil && strings.HasPrefix(a.MIMEType, "video/")
}

// TextRequest is the input of [TextGenerator.Generate].
type TextRequest struct {
	Prompt  string
	Mode    Mode
	History []HistoryMessage

	// Attachment is optional. An image forces the fast multimodal model, a
	// video forces the pro model, regardless of Mode.
	Attachment *Attachment
}

// Source is a grounding citation.
type Source struct {
	URI   string `json:"uri"`
	Title string `json:"title"`
}

// TextResponse is the output of [TextGenerator.Generate].
type TextResponse struct {
	Text    string
	Sources []Source
}

// Supported aspect ratios.
const (
	AspectSquare    = "1:1"
	AspectPortrait  = "3:4"
	AspectLandscape = "4:3"
	AspectTall      = "9:16"
	AspectWide      = "16:9"
)

// ImageAspectRatios lists the aspect ratios accepted by image generation.
var ImageAspectRatios = []string{AspectSquare, AspectPortrait, AspectLandscape, AspectTall, AspectWide}

// VideoAspectRatios lists the aspect ratios accepted by video generation.
var VideoAspectRatios = []string{AspectWide, AspectTall}

// ValidImageAspectRatio reports whether r is accepted by image generation.
func ValidImageAspectRatio(r string) bool { return slices.Contains(ImageAspectRatios, r) }

// ValidVideoAspectRatio reports whether r is accepted by video generation.
func ValidVideoAspectRatio(r string) bool { return slices.Contains(VideoAspectRatios, r) }

// ImageRequest is the input of [ImageGenerator.GenerateImage].
type ImageRequest struct {
	Prompt      string
	AspectRatio string
}

// Image is one generated image.
type Image struct {
	Data     []byte
	MIMEType string
}

// VideoRequest is the input of [VideoGenerator.GenerateVideo].
type VideoRequest struct {
	Prompt      string
	AspectRatio string
}

// Video is a generated video available for download.
type Video struct {
	// URI is the authenticated download location.
	URI string
}

// SpeechRequest is the input of [SpeechSynthesizer.Synthesize].
type SpeechRequest struct {
	Text string

	// Voice overrides the backend's default voice when non-empty.
	Voice string
}

// Speech is synthesized audio.
type Speech struct {
	// Audio is raw little-endian signed 16-bit mono PCM.
	Audio []byte

	// SampleRate of Audio in Hz.
	SampleRate int
}

// TextGenerator produces a chat reply.
type TextGenerator interface {
	Generate(ctx context.Context, req TextRequest) (TextResponse, error)
}

// ImageGenerator produces one image from a prompt.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, req ImageRequest) (Image, error)
}

// VideoGenerator produces one video from a prompt. Generation is a
// long-running operation; implementations block and poll until it completes
// or ctx is cancelled.
type VideoGenerator interface {
	GenerateVideo(ctx context.Context, req VideoRequest) (Video, error)
}

// SpeechSynthesizer converts text into speech.
type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, req SpeechRequest) (Speech, error)
}

// Provider bundles every studio capability.
type Provider interface {
	TextGenerator
	ImageGenerator
	VideoGenerator
	SpeechSynthesizer
}
