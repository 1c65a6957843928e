// Package mock provides a test double for the studio.Provider interface.
//
// Each capability has its own result and error fields, and every call is
// recorded with its request so tests can assert on what was sent.
//
// Example:
//
//	p := &mock.Provider{
//	    TextResult:  studio.TextResponse{Text: "Hello"},
//	    ImageResult: studio.Image{Data: []byte("jpeg"), MIMEType: "image/jpeg"},
//	}
//	resp, _ := p.Generate(ctx, studio.TextRequest{Prompt: "hi"})
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/glyphstudio/pkg/provider/studio"
)

// Provider is a mock implementation of studio.Provider. It is safe for
// concurrent use.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	TextResult studio.TextResponse
	TextErr    error

	ImageResult studio.Image
	ImageErr    error

	VideoResult studio.Video
	VideoErr    error

	SpeechResult studio.Speech
	SpeechErr    error

	// Block, if non-nil, makes every call wait until it is closed or the call's
	// context is done.
	Block chan struct{}

	// --- Recorded calls ---

	textCalls   []studio.TextRequest
	imageCalls  []studio.ImageRequest
	videoCalls  []studio.VideoRequest
	speechCalls []studio.SpeechRequest
}

var _ studio.Provider = (*Provider)(nil)

func (p *Provider) wait(ctx context.Context) error {
	p.mu.Lock()
	block := p.Block
	p.mu.Unlock()
	if block == nil {
		return nil
	}
	select {
	case <-block:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Generate implements studio.TextGenerator.
func (p *Provider) Generate(ctx context.Context, req studio.TextRequest) (studio.TextResponse, error) {
	p.mu.Lock()
	p.textCalls = append(p.textCalls, req)
	p.mu.Unlock()
	if err := p.wait(ctx); err != nil {
		return studio.TextResponse{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.TextResult, p.TextErr
}

// GenerateImage implements studio.ImageGenerator.
func (p *Provider) GenerateImage(ctx context.Context, req studio.ImageRequest) (studio.Image, error) {
	p.mu.Lock()
	p.imageCalls = append(p.imageCalls, req)
	p.mu.Unlock()
	if err := p.wait(ctx); err != nil {
		return studio.Image{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ImageResult, p.ImageErr
}

// GenerateVideo implements studio.VideoGenerator.
func (p *Provider) GenerateVideo(ctx context.Context, req studio.VideoRequest) (studio.Video, error) {
	p.mu.Lock()
	p.videoCalls = append(p.videoCalls, req)
	p.mu.Unlock()
	if err := p.wait(ctx); err != nil {
		return studio.Video{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.VideoResult, p.VideoErr
}

// Synthesize implements studio.SpeechSynthesizer.
func (p *Provider) Synthesize(ctx context.Context, req studio.SpeechRequest) (studio.Speech, error) {
	p.mu.Lock()
	p.speechCalls = append(p.speechCalls, req)
	p.mu.Unlock()
	if err := p.wait(ctx); err != nil {
		return studio.Speech{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.SpeechResult, p.SpeechErr
}

// TextCalls returns a copy of all recorded Generate requests.
func (p *Provider) TextCalls() []studio.TextRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.textCalls)
}

// ImageCalls returns a copy of all recorded GenerateImage requests.
func (p *Provider) ImageCalls() []studio.ImageRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.imageCalls)
}

// VideoCalls returns a copy of all recorded GenerateVideo requests.
func (p *Provider) VideoCalls() []studio.VideoRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.videoCalls)
}

// SpeechCalls returns a copy of all recorded Synthesize requests.
func (p *Provider) SpeechCalls() []studio.SpeechRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.speechCalls)
}

// Reset clears all recorded calls. Configured responses are left unchanged.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.textCalls = nil
	p.imageCalls = nil
	p.videoCalls = nil
	p.speechCalls = nil
}
