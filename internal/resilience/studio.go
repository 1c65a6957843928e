package resilience

import (
	"context"

	"github.com/MrWong99/glyphstudio/pkg/provider/studio"
)

// Capability breaker names, as they appear in logs.
const (
	BreakerImage  = "image"
	BreakerVideo  = "video"
	BreakerSpeech = "speech"
)

// TextFallback implements [studio.TextGenerator] with failover across several
// text backends, each behind its own circuit breaker.
type TextFallback struct {
	group *FallbackGroup[studio.TextGenerator]
}

var _ studio.TextGenerator = (*TextFallback)(nil)

// NewTextFallback creates a [TextFallback] with primary as the preferred
// backend.
func NewTextFallback(primary studio.TextGenerator, primaryName string, cfg FallbackConfig) *TextFallback {
	return &TextFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional text backend.
func (f *TextFallback) AddFallback(name string, g studio.TextGenerator) {
	f.group.Add(name, g)
}

// Names lists the text backends in try order.
func (f *TextFallback) Names() []string { return f.group.Names() }

// Generate sends req to the first healthy backend.
func (f *TextFallback) Generate(ctx context.Context, req studio.TextRequest) (studio.TextResponse, error) {
	return Try(ctx, f.group, func(g studio.TextGenerator) (studio.TextResponse, error) {
		return g.Generate(ctx, req)
	})
}

// GuardedStudio implements [studio.Provider] on top of another provider. Text
// goes through a [TextFallback]; image, video and speech each run behind their
// own [Breaker] and are not failed over.
type GuardedStudio struct {
	Text *TextFallback

	inner  studio.Provider
	image  *Breaker
	video  *Breaker
	speech *Breaker
}

var _ studio.Provider = (*GuardedStudio)(nil)

// Guard wraps p. name labels p in the text fallback chain; more text backends
// can be added through the Text field.
func Guard(p studio.Provider, name string, cfg FallbackConfig) *GuardedStudio {
	breaker := func(capability string) *Breaker {
		return cfg.breaker(name + "/" + capability)
	}
	return &GuardedStudio{
		Text:   NewTextFallback(p, name, cfg),
		inner:  p,
		image:  breaker(BreakerImage),
		video:  breaker(BreakerVideo),
		speech: breaker(BreakerSpeech),
	}
}

// Generate implements [studio.TextGenerator].
func (g *GuardedStudio) Generate(ctx context.Context, req studio.TextRequest) (studio.TextResponse, error) {
	return g.Text.Generate(ctx, req)
}

// GenerateImage implements [studio.ImageGenerator].
func (g *GuardedStudio) GenerateImage(ctx context.Context, req studio.ImageRequest) (studio.Image, error) {
	return Do(g.image, func() (studio.Image, error) { return g.inner.GenerateImage(ctx, req) })
}

// GenerateVideo implements [studio.VideoGenerator].
func (g *GuardedStudio) GenerateVideo(ctx context.Context, req studio.VideoRequest) (studio.Video, error) {
	return Do(g.video, func() (studio.Video, error) { return g.inner.GenerateVideo(ctx, req) })
}

// Synthesize implements [studio.SpeechSynthesizer].
func (g *GuardedStudio) Synthesize(ctx context.Context, req studio.SpeechRequest) (studio.Speech, error) {
	return Do(g.speech, func() (studio.Speech, error) { return g.inner.Synthesize(ctx, req) })
}

// BreakerStates reports the state of every capability breaker.
func (g *GuardedStudio) BreakerStates() map[string]State {
	return map[string]State{
		BreakerImage:  g.image.State(),
		BreakerVideo:  g.video.State(),
		BreakerSpeech: g.speech.State(),
	}
}
