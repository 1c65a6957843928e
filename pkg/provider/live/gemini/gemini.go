// Package gemini implements the live.Provider interface for Google's Gemini
// Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live
// endpoint and exchanges JSON messages according to the BidiGenerateContent
// protocol. Microphone audio is sent as base64 media chunks; server content is
// translated into typed live.Event values on the channel's event stream.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/glyphstudio/pkg/provider/live"
	"github.com/coder/websocket"
)

// Compile-time assertions that Provider and channel satisfy the live interfaces.
var _ live.Provider = (*Provider)(nil)
var _ live.Channel = (*channel)(nil)

const (
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"
	bidiPath       = "/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	eventBuffer = 64
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithKeepalive overrides the WebSocket ping interval. Zero disables pings.
func WithKeepalive(d time.Duration) Option {
	return func(p *Provider) { p.keepalive = d }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements live.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey    string
	baseURL   string
	keepalive time.Duration
}

// New creates a new Gemini Live Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:    apiKey,
		baseURL:   defaultBaseURL,
		keepalive: keepaliveInterval,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Open dials the Gemini Live endpoint and sends the setup message. The
// returned channel emits live.EventOpen once the server acknowledges setup.
func (p *Provider) Open(ctx context.Context, cfg live.Config) (live.Channel, error) {
	if cfg.Model == "" {
		return nil, errors.New("gemini: model is required")
	}
	wsURL := fmt.Sprintf("%s%s?key=%s", p.baseURL, bidiPath, p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}
	// Server messages carrying audio regularly exceed the 32 KiB default.
	conn.SetReadLimit(16 << 20)

	chCtx, chCancel := context.WithCancel(context.Background())
	ch := &channel{
		conn:   conn,
		events: make(chan live.Event, eventBuffer),
		done:   make(chan struct{}),
		ctx:    chCtx,
		cancel: chCancel,
	}

	if err := ch.writeJSON(newSetupMessage(cfg)); err != nil {
		chCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	go ch.receiveLoop()
	if p.keepalive > 0 {
		go ch.keepaliveLoop(p.keepalive)
	}

	return ch, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string             `json:"model"`
	GenerationConfig         generationConfig   `json:"generationConfig"`
	SystemInstruction        *systemInstruction `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}          `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}          `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

func newSetupMessage(cfg live.Config) setupMessage {
	modalities := cfg.ResponseModalities
	if len(modalities) == 0 {
		modalities = []string{live.ModalityAudio}
	}
	msg := setupMessage{
		Setup: setupConfig{
			Model: "models/" + cfg.Model,
			GenerationConfig: generationConfig{
				ResponseModalities: modalities,
			},
		},
	}
	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}
	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if cfg.InputTranscription {
		msg.Setup.InputAudioTranscription = &struct{}{}
	}
	if cfg.OutputTranscription {
		msg.Setup.OutputAudioTranscription = &struct{}{}
	}
	return msg
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *json.RawMessage `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

// ── channel ────────────────────────────────────────────────────────────────────

type channel struct {
	conn   *websocket.Conn
	events chan live.Event

	writeMu sync.Mutex // serialises frames so send order equals call order

	mu       sync.Mutex
	closed   bool // no further frames may be sent
	shutdown bool // Close has been called
	done     chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (c *channel) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(c.ctx, websocket.MessageText, data)
}

// emit delivers ev unless the local side has closed the channel.
func (c *channel) emit(ev live.Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// receiveLoop reads messages from the WebSocket and translates them into
// events. It owns the events channel and closes it when it exits.
func (c *channel) receiveLoop() {
	defer close(c.events)

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
				c.emit(live.Event{Kind: live.EventError, Err: fmt.Errorf("gemini: read: %w", err)})
			}
			c.markClosed()
			c.emit(live.Event{Kind: live.EventClose})
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("gemini live: skipping malformed server message", "err", err)
			continue
		}

		if !c.handleServerMessage(&msg) {
			return
		}
	}
}

// handleServerMessage reports false when the loop should stop.
func (c *channel) handleServerMessage(msg *serverMessage) bool {
	if msg.SetupComplete != nil {
		if !c.emit(live.Event{Kind: live.EventOpen}) {
			return false
		}
	}
	if msg.ServerContent != nil {
		if m := translateContent(msg.ServerContent); m != nil {
			if !c.emit(live.Event{Kind: live.EventMessage, Message: m}) {
				return false
			}
		}
	}
	if msg.GoAway != nil {
		slog.Info("gemini live: server announced disconnect")
	}
	if msg.Error != nil {
		text := msg.Error.Message
		if text == "" {
			text = "unknown error"
		}
		c.emit(live.Event{Kind: live.EventError, Err: fmt.Errorf("gemini: %s", text)})
		c.markClosed()
		c.emit(live.Event{Kind: live.EventClose})
		c.conn.Close(websocket.StatusNormalClosure, "server error")
		return false
	}
	return true
}

// translateContent maps server content onto a live.Message. It returns nil
// when the content carries nothing a consumer acts on.
func translateContent(sc *serverContent) *live.Message {
	m := &live.Message{
		TurnComplete: sc.TurnComplete,
		Interrupted:  sc.Interrupted,
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData != nil && p.InlineData.Data != "" {
				m.Audio = append(m.Audio, live.InlineAudio{
					MIMEType: p.InlineData.MIMEType,
					Data:     p.InlineData.Data,
				})
			}
		}
	}
	if sc.InputTranscription != nil {
		m.InputTranscription = sc.InputTranscription.Text
	}
	if sc.OutputTranscription != nil {
		m.OutputTranscription = sc.OutputTranscription.Text
	}
	if !m.TurnComplete && !m.Interrupted && len(m.Audio) == 0 &&
		m.InputTranscription == "" && m.OutputTranscription == "" {
		return nil
	}
	return m
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (c *channel) keepaliveLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, keepaliveTimeout)
			_ = c.conn.Ping(pingCtx)
			cancel()
		}
	}
}

func (c *channel) markClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

// ── Channel methods ────────────────────────────────────────────────────────────

// SendAudio writes one realtime input frame.
func (c *channel) SendAudio(frame live.Frame) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return live.ErrChannelClosed
	}
	c.mu.Unlock()

	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{{MIMEType: frame.MIMEType, Data: frame.Data}},
		},
	}
	if err := c.writeJSON(msg); err != nil {
		if c.ctx.Err() != nil {
			return live.ErrChannelClosed
		}
		return fmt.Errorf("gemini: send audio: %w", err)
	}
	return nil
}

// Events returns the inbound event stream.
func (c *channel) Events() <-chan live.Event { return c.events }

// Close terminates the channel and releases all resources. Idempotent.
func (c *channel) Close() error {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return nil
	}
	c.shutdown = true
	c.closed = true
	c.mu.Unlock()

	c.cancel() // unblocks receiveLoop and keepaliveLoop
	close(c.done)
	c.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
