// Package gemini implements [studio.Provider] on top of the Google Gen AI SDK
// (google.golang.org/genai) using the Gemini Developer API backend.
//
// Text chat selects model and tools from the request's [studio.Mode]:
//
//	flash-lite → gemini-flash-lite-latest
//	flash      → gemini-2.5-flash
//	pro        → gemini-2.5-pro with an extended thinking budget
//	search     → gemini-2.5-flash with Google Search grounding
//	maps       → gemini-2.5-flash with Google Maps grounding near a fixed location
//
// An image attachment forces the flash model and a video attachment forces the
// pro model. Video generation is a long-running operation that is polled at a
// fixed interval until it completes.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/genai"

	"github.com/MrWong99/glyphstudio/pkg/provider/studio"
)

// Default model names and request parameters.
const (
	DefaultFlashModel     = "gemini-2.5-flash"
	DefaultFlashLiteModel = "gemini-flash-lite-latest"
	DefaultProModel       = "gemini-2.5-pro"
	DefaultImageModel     = "imagen-4.0-generate-001"
	DefaultVideoModel     = "veo-3.1-fast-generate-preview"
	DefaultTTSModel       = "gemini-2.5-flash-preview-tts"
	DefaultTTSVoice       = "Kore"

	DefaultProThinkingBudget = 32768
	DefaultVideoPollInterval = 10 * time.Second
	DefaultVideoResolution   = "720p"
	DefaultImageMIMEType     = "image/jpeg"

	// DefaultMapsLatitude and DefaultMapsLongitude anchor maps-grounded
	// requests when no location is configured.
	DefaultMapsLatitude  = 37.78193
	DefaultMapsLongitude = -122.40476

	// TTSSampleRate is the rate of the PCM returned by the TTS model.
	TTSSampleRate = 24000
)

// modelsAPI is the subset of [genai.Models] used by Provider.
type modelsAPI interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
	GenerateImages(ctx context.Context, model, prompt string, config *genai.GenerateImagesConfig) (*genai.GenerateImagesResponse, error)
	GenerateVideos(ctx context.Context, model, prompt string, image *genai.Image, config *genai.GenerateVideosConfig) (*genai.GenerateVideosOperation, error)
}

// operationsAPI is the subset of [genai.Operations] used by Provider.
type operationsAPI interface {
	GetVideosOperation(ctx context.Context, op *genai.GenerateVideosOperation, config *genai.GetOperationConfig) (*genai.GenerateVideosOperation, error)
}

// Provider implements [studio.Provider] using the Gemini API.
type Provider struct {
	apiKey     string
	models     modelsAPI
	operations operationsAPI
	cfg        config
}

var _ studio.Provider = (*Provider)(nil)

type config struct {
	baseURL        string
	flashModel     string
	flashLiteModel string
	proModel       string
	imageModel     string
	videoModel     string
	ttsModel       string
	ttsVoice       string
	thinkingBudget int32
	latitude       float64
	longitude      float64
	pollInterval   time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the Gemini API endpoint.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithTextModels overrides the flash, flash-lite and pro model names. Empty
// values keep the default.
func WithTextModels(flash, flashLite, pro string) Option {
	return func(c *config) {
		if flash != "" {
			c.flashModel = flash
		}
		if flashLite != "" {
			c.flashLiteModel = flashLite
		}
		if pro != "" {
			c.proModel = pro
		}
	}
}

// WithImageModel overrides the image generation model.
func WithImageModel(model string) Option {
	return func(c *config) {
		if model != "" {
			c.imageModel = model
		}
	}
}

// WithVideoModel overrides the video generation model.
func WithVideoModel(model string) Option {
	return func(c *config) {
		if model != "" {
			c.videoModel = model
		}
	}
}

// WithTTS overrides the speech model and its default voice.
func WithTTS(model, voice string) Option {
	return func(c *config) {
		if model != "" {
			c.ttsModel = model
		}
		if voice != "" {
			c.ttsVoice = voice
		}
	}
}

// WithProThinkingBudget sets the thinking token budget used in pro mode.
func WithProThinkingBudget(tokens int) Option {
	return func(c *config) {
		if tokens > 0 {
			c.thinkingBudget = int32(tokens)
		}
	}
}

// WithMapsLocation sets the location maps-grounded requests are anchored to.
func WithMapsLocation(lat, lng float64) Option {
	return func(c *config) {
		c.latitude = lat
		c.longitude = lng
	}
}

// WithVideoPollInterval sets how often a pending video operation is polled.
func WithVideoPollInterval(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

func defaultConfig() config {
	return config{
		flashModel:     DefaultFlashModel,
		flashLiteModel: DefaultFlashLiteModel,
		proModel:       DefaultProModel,
		imageModel:     DefaultImageModel,
		videoModel:     DefaultVideoModel,
		ttsModel:       DefaultTTSModel,
		ttsVoice:       DefaultTTSVoice,
		thinkingBudget: DefaultProThinkingBudget,
		latitude:       DefaultMapsLatitude,
		longitude:      DefaultMapsLongitude,
		pollInterval:   DefaultVideoPollInterval,
	}
}

// New constructs a Provider that talks to the Gemini Developer API.
func New(ctx context.Context, apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("gemini studio: apiKey must not be empty")
	}
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}

	cc := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.baseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.baseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini studio: create client: %w", err)
	}
	return &Provider{
		apiKey:     apiKey,
		models:     client.Models,
		operations: client.Operations,
		cfg:        cfg,
	}, nil
}

// ---- text ----

// Generate implements [studio.TextGenerator].
func (p *Provider) Generate(ctx context.Context, req studio.TextRequest) (studio.TextResponse, error) {
	if req.Prompt == "" && req.Attachment == nil {
		return studio.TextResponse{}, studio.ErrEmptyPrompt
	}
	if !req.Mode.IsValid() {
		return studio.TextResponse{}, fmt.Errorf("gemini studio: unknown mode %q", req.Mode)
	}

	model, gcfg := p.textConfig(req.Mode)
	switch {
	case req.Attachment.IsImage():
		model = p.cfg.flashModel
	case req.Attachment.IsVideo():
		model = p.cfg.proModel
	}
	if model != p.cfg.proModel && gcfg != nil {
		gcfg.ThinkingConfig = nil
	}

	resp, err := p.models.GenerateContent(ctx, model, buildContents(req), gcfg)
	if err != nil {
		return studio.TextResponse{}, fmt.Errorf("gemini studio: generate content: %w", err)
	}
	return studio.TextResponse{
		Text:    resp.Text(),
		Sources: sourcesFrom(resp),
	}, nil
}

// textConfig maps a mode to its model and request config. The config may be
// nil.
func (p *Provider) textConfig(mode studio.Mode) (string, *genai.GenerateContentConfig) {
	switch mode {
	case studio.ModePro:
		return p.cfg.proModel, &genai.GenerateContentConfig{
			ThinkingConfig: &genai.ThinkingConfig{ThinkingBudget: genai.Ptr(p.cfg.thinkingBudget)},
		}
	case studio.ModeSearch:
		return p.cfg.flashModel, &genai.GenerateContentConfig{
			Tools: []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}},
		}
	case studio.ModeMaps:
		return p.cfg.flashModel, &genai.GenerateContentConfig{
			Tools: []*genai.Tool{{GoogleMaps: &genai.GoogleMaps{}}},
			ToolConfig: &genai.ToolConfig{
				RetrievalConfig: &genai.RetrievalConfig{
					LatLng: &genai.LatLng{
						Latitude:  genai.Ptr(p.cfg.latitude),
						Longitude: genai.Ptr(p.cfg.longitude),
					},
				},
			},
		}
	case studio.ModeFlashLite:
		return p.cfg.flashLiteModel, nil
	default:
		return p.cfg.flashModel, nil
	}
}

// buildContents converts history plus the new prompt into Gemini contents. The
// prompt text precedes the attachment in the final user message.
func buildContents(req studio.TextRequest) []*genai.Content {
	contents := make([]*genai.Content, 0, len(req.History)+1)
	for _, m := range req.History {
		role := genai.Role(genai.RoleUser)
		if m.Role == studio.RoleModel {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Text, role))
	}

	parts := []*genai.Part{genai.NewPartFromText(req.Prompt)}
	if req.Attachment != nil {
		parts = append(parts, genai.NewPartFromBytes(req.Attachment.Data, req.Attachment.MIMEType))
	}
	return append(contents, genai.NewContentFromParts(parts, genai.RoleUser))
}

// sourcesFrom collects web and maps grounding citations from the first
// candidate, skipping chunks without a URI.
func sourcesFrom(resp *genai.GenerateContentResponse) []studio.Source {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].GroundingMetadata == nil {
		return nil
	}
	var out []studio.Source
	for _, chunk := range resp.Candidates[0].GroundingMetadata.GroundingChunks {
		if chunk == nil {
			continue
		}
		switch {
		case chunk.Web != nil && chunk.Web.URI != "":
			out = append(out, studio.Source{URI: chunk.Web.URI, Title: chunk.Web.Title})
		case chunk.Maps != nil && chunk.Maps.URI != "":
			out = append(out, studio.Source{URI: chunk.Maps.URI, Title: chunk.Maps.Title})
		}
	}
	return out
}

// ---- image ----

// GenerateImage implements [studio.ImageGenerator].
func (p *Provider) GenerateImage(ctx context.Context, req studio.ImageRequest) (studio.Image, error) {
	if req.Prompt == "" {
		return studio.Image{}, studio.ErrEmptyPrompt
	}
	if !studio.ValidImageAspectRatio(req.AspectRatio) {
		return studio.Image{}, fmt.Errorf("%w: %q", studio.ErrInvalidAspectRatio, req.AspectRatio)
	}
	resp, err := p.models.GenerateImages(ctx, p.cfg.imageModel, req.Prompt, &genai.GenerateImagesConfig{
		NumberOfImages: 1,
		OutputMIMEType: DefaultImageMIMEType,
		AspectRatio:    req.AspectRatio,
	})
	if err != nil {
		return studio.Image{}, fmt.Errorf("gemini studio: generate image: %w", err)
	}
	if resp == nil || len(resp.GeneratedImages) == 0 || resp.GeneratedImages[0].Image == nil ||
		len(resp.GeneratedImages[0].Image.ImageBytes) == 0 {
		return studio.Image{}, studio.ErrNoImage
	}
	img := resp.GeneratedImages[0].Image
	mime := img.MIMEType
	if mime == "" {
		mime = DefaultImageMIMEType
	}
	return studio.Image{Data: img.ImageBytes, MIMEType: mime}, nil
}

// ---- video ----

// GenerateVideo implements [studio.VideoGenerator]. It blocks until the
// operation completes or ctx is cancelled. The returned URI carries the API
// key so that it can be downloaded directly.
func (p *Provider) GenerateVideo(ctx context.Context, req studio.VideoRequest) (studio.Video, error) {
	if req.Prompt == "" {
		return studio.Video{}, studio.ErrEmptyPrompt
	}
	if !studio.ValidVideoAspectRatio(req.AspectRatio) {
		return studio.Video{}, fmt.Errorf("%w: %q", studio.ErrInvalidAspectRatio, req.AspectRatio)
	}
	op, err := p.models.GenerateVideos(ctx, p.cfg.videoModel, req.Prompt, nil, &genai.GenerateVideosConfig{
		NumberOfVideos: 1,
		Resolution:     DefaultVideoResolution,
		AspectRatio:    req.AspectRatio,
	})
	if err != nil {
		return studio.Video{}, fmt.Errorf("gemini studio: generate video: %w", err)
	}

	ticker := time.NewTicker(p.cfg.pollInterval)
	defer ticker.Stop()
	for op != nil && !op.Done {
		select {
		case <-ctx.Done():
			return studio.Video{}, ctx.Err()
		case <-ticker.C:
		}
		op, err = p.operations.GetVideosOperation(ctx, op, nil)
		if err != nil {
			return studio.Video{}, fmt.Errorf("gemini studio: poll video operation: %w", err)
		}
	}
	if op == nil {
		return studio.Video{}, studio.ErrNoURI
	}
	if op.Error != nil {
		return studio.Video{}, operationError(op.Error)
	}
	if op.Response == nil || len(op.Response.GeneratedVideos) == 0 ||
		op.Response.GeneratedVideos[0].Video == nil || op.Response.GeneratedVideos[0].Video.URI == "" {
		return studio.Video{}, studio.ErrNoURI
	}
	return studio.Video{URI: op.Response.GeneratedVideos[0].Video.URI + "&key=" + p.apiKey}, nil
}

func operationError(e map[string]any) error {
	if msg, ok := e["message"].(string); ok && msg != "" {
		return errors.New(msg)
	}
	return fmt.Errorf("gemini studio: video operation failed: %v", e)
}

// ---- speech ----

// Synthesize implements [studio.SpeechSynthesizer]. The returned audio is
// 24 kHz mono PCM16.
func (p *Provider) Synthesize(ctx context.Context, req studio.SpeechRequest) (studio.Speech, error) {
	if req.Text == "" {
		return studio.Speech{}, studio.ErrEmptyPrompt
	}
	voice := req.Voice
	if voice == "" {
		voice = p.cfg.ttsVoice
	}
	contents := []*genai.Content{{Parts: []*genai.Part{genai.NewPartFromText(req.Text)}}}
	resp, err := p.models.GenerateContent(ctx, p.cfg.ttsModel, contents, &genai.GenerateContentConfig{
		ResponseModalities: []string{string(genai.ModalityAudio)},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voice},
			},
		},
	})
	if err != nil {
		return studio.Speech{}, fmt.Errorf("gemini studio: synthesize: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return studio.Speech{}, studio.ErrNoAudio
	}
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil && part.InlineData != nil && len(part.InlineData.Data) > 0 {
			return studio.Speech{Audio: part.InlineData.Data, SampleRate: TTSSampleRate}, nil
		}
	}
	return studio.Speech{}, studio.ErrNoAudio
}
