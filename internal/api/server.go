// Package api exposes the studio and the live session over HTTP.
//
// Request and response bodies are JSON. Failures are reported as
// {"error": "..."} with a status derived from the error chain; see
// [StatusFor]. Live state changes are pushed to clients over a WebSocket at
// GET /v1/live/events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/glyphstudio/internal/live"
	"github.com/MrWong99/glyphstudio/internal/resilience"
	"github.com/MrWong99/glyphstudio/internal/studio"
	"github.com/MrWong99/glyphstudio/pkg/audio"
	"github.com/MrWong99/glyphstudio/pkg/memory"
	provstudio "github.com/MrWong99/glyphstudio/pkg/provider/studio"
)

// MaxBodyBytes caps request bodies. Attachments are sent inline as base64 so
// the limit is generous.
const MaxBodyBytes = 32 << 20

// eventsBuffer is the subscriber depth used for WebSocket clients.
const eventsBuffer = 64

// LiveController is the subset of [live.Controller] the API drives.
type LiveController interface {
	Start(ctx context.Context) error
	Stop()
	Snapshot() live.Snapshot
	Subscribe(buffer int) (<-chan live.Update, func())
}

// Server serves the HTTP API.
type Server struct {
	studio *studio.Service
	live   LiveController
	store  memory.TurnStore
}

// Option is a functional option for [New].
type Option func(*Server)

// WithStore enables the stored turn endpoints.
func WithStore(s memory.TurnStore) Option {
	return func(srv *Server) { srv.store = s }
}

// New creates a Server. Either dependency may be nil, in which case its
// endpoints answer 503.
func New(svc *studio.Service, ctrl LiveController, opts ...Option) *Server {
	s := &Server{studio: svc, live: ctrl}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register adds all routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/chat", s.handleChat)
	mux.HandleFunc("GET /v1/chat", s.handleConversation)
	mux.HandleFunc("DELETE /v1/chat", s.handleResetConversation)
	mux.HandleFunc("POST /v1/images", s.handleImage)
	mux.HandleFunc("POST /v1/videos", s.handleVideo)
	mux.HandleFunc("POST /v1/media", s.handleMedia)
	mux.HandleFunc("GET /v1/gallery", s.handleGallery)
	mux.HandleFunc("POST /v1/speech", s.handleSpeech)

	mux.HandleFunc("POST /v1/live/start", s.handleLiveStart)
	mux.HandleFunc("POST /v1/live/stop", s.handleLiveStop)
	mux.HandleFunc("GET /v1/live", s.handleLiveSnapshot)
	mux.HandleFunc("GET /v1/live/events", s.handleLiveEvents)
	mux.HandleFunc("GET /v1/live/turns", s.handleTurns)
	mux.HandleFunc("GET /v1/live/search", s.handleSearch)
}

// Handler returns a mux serving only the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return mux
}

// errBadRequest marks malformed input.
var errBadRequest = errors.New("api: bad request")

// StatusFor maps an error to an HTTP status code.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, provstudio.ErrEmptyPrompt),
		errors.Is(err, provstudio.ErrInvalidAspectRatio),
		errors.Is(err, studio.ErrUnknownMode):
		return http.StatusBadRequest
	case errors.Is(err, audio.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, live.ErrNotIdle), errors.Is(err, live.ErrSessionStopped):
		return http.StatusConflict
	case errors.Is(err, studio.ErrUnavailable), errors.Is(err, resilience.ErrCircuitOpen):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// ─── studio ──────────────────────────────────────────────────────────────────

type attachmentBody struct {
	MIMEType string `json:"mime_type"`
	// Data is base64 encoded by encoding/json.
	Data []byte `json:"data"`
}

type chatRequest struct {
	Prompt     string          `json:"prompt"`
	Mode       provstudio.Mode `json:"mode"`
	Attachment *attachmentBody `json:"attachment,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.studio == nil {
		writeError(w, studio.ErrUnavailable)
		return
	}
	var req chatRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Mode == "" {
		req.Mode = provstudio.ModeFlash
	}
	var att *provstudio.Attachment
	if req.Attachment != nil && len(req.Attachment.Data) > 0 {
		att = &provstudio.Attachment{MIMEType: req.Attachment.MIMEType, Data: req.Attachment.Data}
	}

	msg, err := s.studio.Chat(r.Context(), req.Prompt, req.Mode, att)
	if err != nil && msg.Content == "" {
		writeError(w, err)
		return
	}
	if err != nil {
		// The failure is already part of the conversation.
		writeJSON(w, StatusFor(err), msg)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleConversation(w http.ResponseWriter, _ *http.Request) {
	if s.studio == nil {
		writeError(w, studio.ErrUnavailable)
		return
	}
	msgs := s.studio.Messages()
	if msgs == nil {
		msgs = []studio.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleResetConversation(w http.ResponseWriter, _ *http.Request) {
	if s.studio == nil {
		writeError(w, studio.ErrUnavailable)
		return
	}
	s.studio.ResetConversation()
	w.WriteHeader(http.StatusNoContent)
}

type mediaRequest struct {
	Prompt      string `json:"prompt"`
	AspectRatio string `json:"aspect_ratio"`
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	var req mediaRequest
	if err := s.decodeMedia(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	ratio, err := imageRatio(req.AspectRatio)
	if err != nil {
		writeError(w, err)
		return
	}
	img, err := s.studio.GenerateImage(r.Context(), req.Prompt, ratio)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, img)
}

func (s *Server) handleVideo(w http.ResponseWriter, r *http.Request) {
	var req mediaRequest
	if err := s.decodeMedia(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	ratio, err := videoRatio(req.AspectRatio)
	if err != nil {
		writeError(w, err)
		return
	}
	v, err := s.studio.GenerateVideo(r.Context(), req.Prompt, ratio)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

type combinedMediaRequest struct {
	Prompt           string `json:"prompt"`
	ImageAspectRatio string `json:"image_aspect_ratio"`
	VideoAspectRatio string `json:"video_aspect_ratio"`
}

type combinedMediaResponse struct {
	Image studio.GeneratedImage `json:"image"`
	Video studio.GeneratedVideo `json:"video"`
}

// handleMedia generates an image and a video for the same prompt
// concurrently. The first failure cancels the other request.
func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	if s.studio == nil {
		writeError(w, studio.ErrUnavailable)
		return
	}
	var req combinedMediaRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Prompt == "" {
		writeError(w, provstudio.ErrEmptyPrompt)
		return
	}
	imgRatio, err := imageRatio(req.ImageAspectRatio)
	if err != nil {
		writeError(w, err)
		return
	}
	vidRatio, err := videoRatio(req.VideoAspectRatio)
	if err != nil {
		writeError(w, err)
		return
	}

	var resp combinedMediaResponse
	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error {
		img, err := s.studio.GenerateImage(ctx, req.Prompt, imgRatio)
		resp.Image = img
		return err
	})
	g.Go(func() error {
		v, err := s.studio.GenerateVideo(ctx, req.Prompt, vidRatio)
		resp.Video = v
		return err
	})
	if err := g.Wait(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGallery(w http.ResponseWriter, _ *http.Request) {
	if s.studio == nil {
		writeError(w, studio.ErrUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.studio.Gallery())
}

type speechRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleSpeech(w http.ResponseWriter, r *http.Request) {
	if s.studio == nil {
		writeError(w, studio.ErrUnavailable)
		return
	}
	var req speechRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Text == "" {
		writeError(w, provstudio.ErrEmptyPrompt)
		return
	}
	sp, err := s.studio.Speak(r.Context(), req.Text)
	if err != nil {
		writeError(w, err)
		return
	}
	rate := sp.SampleRate
	if rate == 0 {
		rate = audio.OutputSampleRate
	}
	w.Header().Set("Content-Type", "audio/L16;rate="+strconv.Itoa(rate))
	w.Header().Set("Content-Length", strconv.Itoa(len(sp.Audio)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(sp.Audio)
}

func (s *Server) decodeMedia(w http.ResponseWriter, r *http.Request, req *mediaRequest) error {
	if s.studio == nil {
		return studio.ErrUnavailable
	}
	if err := decode(w, r, req); err != nil {
		return err
	}
	if req.Prompt == "" {
		return provstudio.ErrEmptyPrompt
	}
	return nil
}

func imageRatio(r string) (string, error) {
	if r == "" {
		return provstudio.AspectSquare, nil
	}
	if !provstudio.ValidImageAspectRatio(r) {
		return "", fmt.Errorf("%w %q for images", provstudio.ErrInvalidAspectRatio, r)
	}
	return r, nil
}

func videoRatio(r string) (string, error) {
	if r == "" {
		return provstudio.AspectWide, nil
	}
	if !provstudio.ValidVideoAspectRatio(r) {
		return "", fmt.Errorf("%w %q for videos", provstudio.ErrInvalidAspectRatio, r)
	}
	return r, nil
}

// ─── live ────────────────────────────────────────────────────────────────────

func (s *Server) handleLiveStart(w http.ResponseWriter, r *http.Request) {
	if s.live == nil {
		writeError(w, studio.ErrUnavailable)
		return
	}
	if err := s.live.Start(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.live.Snapshot())
}

func (s *Server) handleLiveStop(w http.ResponseWriter, _ *http.Request) {
	if s.live == nil {
		writeError(w, studio.ErrUnavailable)
		return
	}
	s.live.Stop()
	writeJSON(w, http.StatusOK, s.live.Snapshot())
}

func (s *Server) handleLiveSnapshot(w http.ResponseWriter, _ *http.Request) {
	if s.live == nil {
		writeError(w, studio.ErrUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.live.Snapshot())
}

// handleLiveEvents upgrades to a WebSocket and streams [live.Update] values.
// The first message is a state update carrying the current snapshot. The
// stream ends when the client goes away.
func (s *Server) handleLiveEvents(w http.ResponseWriter, r *http.Request) {
	if s.live == nil {
		writeError(w, studio.ErrUnavailable)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("live events: websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	updates, cancel := s.live.Subscribe(eventsBuffer)
	defer cancel()

	// Clients only listen; CloseRead handles their control frames and
	// cancels ctx when they disconnect.
	ctx := conn.CloseRead(r.Context())

	snap := s.live.Snapshot()
	first := live.Update{Type: live.UpdateState, SessionID: snap.SessionID, State: snap.State, Current: snap.Current}
	if err := writeEvent(ctx, conn, first); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if err := writeEvent(ctx, conn, u); err != nil {
				slog.Debug("live events: client write failed", "err", err)
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, u live.Update) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(ctx, conn, u)
}

// storedTurn is the JSON form of [memory.Turn].
type storedTurn struct {
	SessionID   string    `json:"session_id"`
	Index       int       `json:"index"`
	User        string    `json:"user"`
	Model       string    `json:"model"`
	CompletedAt time.Time `json:"completed_at"`
}

func toStored(turns []memory.Turn) []storedTurn {
	out := make([]storedTurn, len(turns))
	for i, t := range turns {
		out[i] = storedTurn(t)
	}
	return out
}

func (s *Server) handleTurns(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "turn storage is not configured"})
		return
	}
	id := r.URL.Query().Get("session_id")
	if id == "" {
		id = s.liveSessionID()
	}
	if id == "" {
		writeError(w, fmt.Errorf("%w: session_id is required", errBadRequest))
		return
	}
	turns, err := s.store.Turns(r.Context(), id)
	if err != nil {
		slog.Error("list stored turns", "session_id", id, "err", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "failed to load turns"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "turns": toStored(turns)})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "turn storage is not configured"})
		return
	}
	q := r.URL.Query()
	query := q.Get("q")
	if query == "" {
		writeError(w, fmt.Errorf("%w: q is required", errBadRequest))
		return
	}
	opts := memory.SearchOpts{SessionID: q.Get("session_id")}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			writeError(w, fmt.Errorf("%w: invalid limit %q", errBadRequest, l))
			return
		}
		opts.Limit = n
	}
	turns, err := s.store.Search(r.Context(), query, opts)
	if err != nil {
		slog.Error("search stored turns", "query", query, "err", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "search failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"turns": toStored(turns)})
}

func (s *Server) liveSessionID() string {
	if s.live == nil {
		return ""
	}
	return s.live.Snapshot().SessionID
}

// ─── helpers ─────────────────────────────────────────────────────────────────

type errorBody struct {
	Error string `json:"error"`
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %w", errBadRequest, err)
	}
	return nil
}

func writeError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Warn("api request failed", "status", status, "err", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("api: encode response", "err", err)
	}
}
