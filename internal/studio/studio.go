// Package studio keeps the request/response side of the application: the chat
// conversation, the gallery of generated images and videos, and text-to-speech
// playback.
//
// A [Service] is safe for concurrent use. Generation calls run without holding
// the service lock, so a slow video operation never blocks chat.
package studio

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/glyphstudio/internal/observe"
	"github.com/MrWong99/glyphstudio/pkg/audio"
	provstudio "github.com/MrWong99/glyphstudio/pkg/provider/studio"
)

// ErrorPrefix starts the model message appended when a chat request fails.
const ErrorPrefix = "An error occurred: "

// Message is one entry of the chat conversation.
type Message struct {
	Role    provstudio.Role `json:"role"`
	Content string          `json:"content"`

	// Image and Video hold data URLs of an attachment sent with a user
	// message. Messages carrying media are never sent back as history.
	Image string `json:"image,omitempty"`
	Video string `json:"video,omitempty"`

	Sources []provstudio.Source `json:"sources,omitempty"`
}

func (m Message) hasMedia() bool { return m.Image != "" || m.Video != "" }

// GeneratedImage is a gallery image.
type GeneratedImage struct {
	// Src is a data URL of the image bytes.
	Src       string    `json:"src"`
	Prompt    string    `json:"prompt"`
	CreatedAt time.Time `json:"created_at"`
}

// GeneratedVideo is a gallery video.
type GeneratedVideo struct {
	// URI is the authenticated download location.
	URI       string    `json:"uri"`
	Prompt    string    `json:"prompt"`
	CreatedAt time.Time `json:"created_at"`
}

// Gallery is a snapshot of everything generated so far, oldest first.
type Gallery struct {
	Images []GeneratedImage `json:"images"`
	Videos []GeneratedVideo `json:"videos"`
}

// Service owns the conversation and gallery state.
type Service struct {
	text   provstudio.TextGenerator
	images provstudio.ImageGenerator
	videos provstudio.VideoGenerator
	speech provstudio.SpeechSynthesizer

	playback     audio.OutputOpener
	providerName string
	metrics      *observe.Metrics
	now          func() time.Time

	mu       sync.Mutex
	messages []Message
	gallery  Gallery

	playing sync.WaitGroup
}

// Option is a functional option for [New].
type Option func(*Service)

// WithPlayback plays synthesized speech on devices acquired from open.
func WithPlayback(open audio.OutputOpener) Option {
	return func(s *Service) { s.playback = open }
}

// WithProviderName sets the provider attribute used on metrics.
func WithProviderName(name string) Option {
	return func(s *Service) { s.providerName = name }
}

// WithMetrics overrides the metrics instance. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides the wall clock used for gallery timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a Service. Any capability may be nil, in which case calls to it
// fail with an error.
func New(text provstudio.TextGenerator, images provstudio.ImageGenerator, videos provstudio.VideoGenerator, speech provstudio.SpeechSynthesizer, opts ...Option) *Service {
	s := &Service{
		text:         text,
		images:       images,
		videos:       videos,
		speech:       speech,
		providerName: "gemini",
		now:          time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

var (
	// ErrUnavailable is returned for a capability that was not configured.
	ErrUnavailable = errors.New("studio: capability not configured")

	// ErrUnknownMode is returned by [Service.Chat] for an unrecognised mode.
	ErrUnknownMode = errors.New("studio: unknown chat mode")
)

// ─── chat ────────────────────────────────────────────────────────────────────

// Chat appends the user's message, asks the model for a reply and appends it.
//
// History sent upstream is the conversation before this message, minus any
// message that carried media. On failure a model message starting with
// [ErrorPrefix] is appended and returned together with the error.
func (s *Service) Chat(ctx context.Context, prompt string, mode provstudio.Mode, att *provstudio.Attachment) (Message, error) {
	if s.text == nil {
		return Message{}, ErrUnavailable
	}
	if prompt == "" && att == nil {
		return Message{}, provstudio.ErrEmptyPrompt
	}
	if !mode.IsValid() {
		return Message{}, fmt.Errorf("%w %q", ErrUnknownMode, mode)
	}

	ctx, span := observe.StartSpan(ctx, "studio.chat")
	user := Message{Role: provstudio.RoleUser, Content: prompt}
	switch {
	case att.IsImage():
		user.Image = dataURL(att.MIMEType, att.Data)
	case att.IsVideo():
		user.Video = dataURL(att.MIMEType, att.Data)
	}

	s.mu.Lock()
	history := make([]provstudio.HistoryMessage, 0, len(s.messages))
	for _, m := range s.messages {
		if m.hasMedia() {
			continue
		}
		history = append(history, provstudio.HistoryMessage{Role: m.Role, Text: m.Content})
	}
	s.messages = append(s.messages, user)
	s.mu.Unlock()

	start := time.Now()
	resp, err := s.text.Generate(ctx, provstudio.TextRequest{
		Prompt:     prompt,
		Mode:       mode,
		History:    history,
		Attachment: att,
	})
	s.metrics.RecordProviderCall(ctx, s.providerName, "text", start, err)
	observe.EndSpan(span, err)

	var reply Message
	if err != nil {
		observe.Logger(ctx).Warn("chat generation failed", "mode", string(mode), "err", err)
		reply = Message{Role: provstudio.RoleModel, Content: ErrorPrefix + err.Error()}
	} else {
		reply = Message{Role: provstudio.RoleModel, Content: resp.Text, Sources: resp.Sources}
	}

	s.mu.Lock()
	s.messages = append(s.messages, reply)
	s.mu.Unlock()
	return reply, err
}

// Messages returns a copy of the conversation.
func (s *Service) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.messages)
}

// ResetConversation clears the chat history.
func (s *Service) ResetConversation() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
}

// ─── gallery ─────────────────────────────────────────────────────────────────

// GenerateImage creates an image and adds it to the gallery.
func (s *Service) GenerateImage(ctx context.Context, prompt, aspectRatio string) (GeneratedImage, error) {
	if s.images == nil {
		return GeneratedImage{}, ErrUnavailable
	}
	start := time.Now()
	img, err := s.images.GenerateImage(ctx, provstudio.ImageRequest{Prompt: prompt, AspectRatio: aspectRatio})
	s.metrics.RecordProviderCall(ctx, s.providerName, "image", start, err)
	if err != nil {
		return GeneratedImage{}, err
	}
	mime := img.MIMEType
	if mime == "" {
		mime = "image/jpeg"
	}
	entry := GeneratedImage{Src: dataURL(mime, img.Data), Prompt: prompt, CreatedAt: s.now()}

	s.mu.Lock()
	s.gallery.Images = append(s.gallery.Images, entry)
	s.mu.Unlock()
	slog.Info("image generated", "aspect_ratio", aspectRatio, "bytes", len(img.Data))
	return entry, nil
}

// GenerateVideo creates a video and adds it to the gallery. It blocks while
// the operation is pending.
func (s *Service) GenerateVideo(ctx context.Context, prompt, aspectRatio string) (GeneratedVideo, error) {
	if s.videos == nil {
		return GeneratedVideo{}, ErrUnavailable
	}
	ctx, span := observe.StartSpan(ctx, "studio.video")
	start := time.Now()
	v, err := s.videos.GenerateVideo(ctx, provstudio.VideoRequest{Prompt: prompt, AspectRatio: aspectRatio})
	if err == nil && v.URI == "" {
		err = provstudio.ErrNoURI
	}
	s.metrics.RecordProviderCall(ctx, s.providerName, "video", start, err)
	observe.EndSpan(span, err)
	if err != nil {
		return GeneratedVideo{}, err
	}
	entry := GeneratedVideo{URI: v.URI, Prompt: prompt, CreatedAt: s.now()}

	s.mu.Lock()
	s.gallery.Videos = append(s.gallery.Videos, entry)
	s.mu.Unlock()
	observe.Logger(ctx).Info("video generated", "aspect_ratio", aspectRatio, "elapsed", time.Since(start))
	return entry, nil
}

// Gallery returns a copy of all generated media.
func (s *Service) Gallery() Gallery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Gallery{
		Images: append([]GeneratedImage{}, s.gallery.Images...),
		Videos: append([]GeneratedVideo{}, s.gallery.Videos...),
	}
}

// ─── speech ──────────────────────────────────────────────────────────────────

// Speak synthesizes text. When playback is configured the audio is also
// played on a fresh output device in the background; the device is released
// once playback ends.
func (s *Service) Speak(ctx context.Context, text string) (provstudio.Speech, error) {
	if s.speech == nil {
		return provstudio.Speech{}, ErrUnavailable
	}
	start := time.Now()
	sp, err := s.speech.Synthesize(ctx, provstudio.SpeechRequest{Text: text})
	s.metrics.RecordProviderCall(ctx, s.providerName, "tts", start, err)
	if err != nil {
		return provstudio.Speech{}, err
	}
	if s.playback != nil {
		if err := s.play(ctx, sp); err != nil {
			slog.Warn("speech playback failed", "err", err)
		}
	}
	return sp, nil
}

func (s *Service) play(ctx context.Context, sp provstudio.Speech) error {
	samples, err := audio.DecodePCM16(sp.Audio)
	if err != nil {
		return err
	}
	dev, err := s.playback(ctx)
	if err != nil {
		return fmt.Errorf("open output device: %w", err)
	}
	s.playing.Add(1)
	release := sync.OnceFunc(func() {
		defer s.playing.Done()
		if err := dev.Close(); err != nil {
			slog.Warn("release speech output device", "err", err)
		}
	})
	buf := audio.Buffer{Samples: samples, SampleRate: sp.SampleRate}
	if _, err := dev.Schedule(buf, dev.Now(), func() { go release() }); err != nil {
		release()
		return fmt.Errorf("schedule speech: %w", err)
	}
	return nil
}

// Wait blocks until all background speech playback has finished.
func (s *Service) Wait() { s.playing.Wait() }

func dataURL(mime string, data []byte) string {
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}
