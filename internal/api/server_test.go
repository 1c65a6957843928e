package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/glyphstudio/internal/api"
	"github.com/MrWong99/glyphstudio/internal/live"
	"github.com/MrWong99/glyphstudio/internal/resilience"
	"github.com/MrWong99/glyphstudio/internal/studio"
	"github.com/MrWong99/glyphstudio/pkg/audio"
	audiomock "github.com/MrWong99/glyphstudio/pkg/audio/mock"
	"github.com/MrWong99/glyphstudio/pkg/memory"
	memorymock "github.com/MrWong99/glyphstudio/pkg/memory/mock"
	livemock "github.com/MrWong99/glyphstudio/pkg/provider/live/mock"
	provstudio "github.com/MrWong99/glyphstudio/pkg/provider/studio"
	studiomock "github.com/MrWong99/glyphstudio/pkg/provider/studio/mock"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

type fakeLive struct {
	mu       sync.Mutex
	StartErr error
	snap     live.Snapshot
	subs     []chan live.Update
}

func (f *fakeLive) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StartErr != nil {
		return f.StartErr
	}
	f.snap = live.Snapshot{State: live.StateConnecting, SessionID: "sess-1"}
	return nil
}

func (f *fakeLive) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.snap.State != live.StateIdle {
		f.snap.State = live.StateClosed
	}
}

func (f *fakeLive) Snapshot() live.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeLive) Subscribe(buffer int) (<-chan live.Update, func()) {
	ch := make(chan live.Update, buffer)
	f.mu.Lock()
	f.subs = append(f.subs, ch)
	f.mu.Unlock()
	return ch, func() {}
}

func (f *fakeLive) push(u live.Update) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		ch <- u
	}
}

func (f *fakeLive) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func newServer(p *studiomock.Provider, l api.LiveController, opts ...api.Option) http.Handler {
	svc := studio.New(p, p, p, p)
	return api.New(svc, l, opts...).Handler()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	decodeBody(t, rec, &body)
	return body.Error
}

// ─── chat ────────────────────────────────────────────────────────────────────

func TestChat(t *testing.T) {
	t.Parallel()

	p := &studiomock.Provider{TextResult: provstudio.TextResponse{
		Text:    "Hi there",
		Sources: []provstudio.Source{{URI: "https://example.com", Title: "Example"}},
	}}
	h := newServer(p, &fakeLive{})

	rec := do(t, h, http.MethodPost, "/v1/chat", `{"prompt":"hello","mode":"search"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var msg studio.Message
	decodeBody(t, rec, &msg)
	if msg.Role != provstudio.RoleModel || msg.Content != "Hi there" {
		t.Errorf("message = %+v", msg)
	}
	if len(msg.Sources) != 1 || msg.Sources[0].Title != "Example" {
		t.Errorf("sources = %+v", msg.Sources)
	}

	calls := p.TextCalls()
	if len(calls) != 1 || calls[0].Mode != provstudio.ModeSearch {
		t.Fatalf("text calls = %+v", calls)
	}

	rec = do(t, h, http.MethodGet, "/v1/chat", "")
	var conv struct {
		Messages []studio.Message `json:"messages"`
	}
	decodeBody(t, rec, &conv)
	if len(conv.Messages) != 2 {
		t.Fatalf("conversation length = %d, want 2", len(conv.Messages))
	}
	if conv.Messages[0].Content != "hello" {
		t.Errorf("first message = %+v", conv.Messages[0])
	}
}

func TestChat_DefaultModeAndAttachment(t *testing.T) {
	t.Parallel()

	p := &studiomock.Provider{TextResult: provstudio.TextResponse{Text: "a cat"}}
	h := newServer(p, &fakeLive{})

	// "aW1n" is base64 for "img".
	rec := do(t, h, http.MethodPost, "/v1/chat", `{"prompt":"what is this","attachment":{"mime_type":"image/png","data":"aW1n"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	calls := p.TextCalls()
	if len(calls) != 1 {
		t.Fatalf("text calls = %d", len(calls))
	}
	if calls[0].Mode != provstudio.ModeFlash {
		t.Errorf("mode = %q, want flash", calls[0].Mode)
	}
	att := calls[0].Attachment
	if att == nil || att.MIMEType != "image/png" || string(att.Data) != "img" {
		t.Errorf("attachment = %+v", att)
	}
}

func TestChat_UpstreamFailure(t *testing.T) {
	t.Parallel()

	p := &studiomock.Provider{TextErr: errors.New("quota exceeded")}
	h := newServer(p, &fakeLive{})

	rec := do(t, h, http.MethodPost, "/v1/chat", `{"prompt":"hello"}`)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	var msg studio.Message
	decodeBody(t, rec, &msg)
	if !strings.HasPrefix(msg.Content, studio.ErrorPrefix) || !strings.Contains(msg.Content, "quota exceeded") {
		t.Errorf("content = %q", msg.Content)
	}
}

func TestChat_BadInput(t *testing.T) {
	t.Parallel()

	h := newServer(&studiomock.Provider{}, &fakeLive{})

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"prompt":`},
		{"unknown field", `{"prompt":"x","temperature":1}`},
		{"empty prompt", `{"prompt":""}`},
		{"unknown mode", `{"prompt":"x","mode":"ultra"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/v1/chat", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400 (body %s)", rec.Code, rec.Body)
			}
			if errorMessage(t, rec) == "" {
				t.Error("error message is empty")
			}
		})
	}
}

func TestChat_Reset(t *testing.T) {
	t.Parallel()

	p := &studiomock.Provider{TextResult: provstudio.TextResponse{Text: "ok"}}
	h := newServer(p, &fakeLive{})
	do(t, h, http.MethodPost, "/v1/chat", `{"prompt":"hello"}`)

	if rec := do(t, h, http.MethodDelete, "/v1/chat", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("reset status = %d", rec.Code)
	}
	rec := do(t, h, http.MethodGet, "/v1/chat", "")
	if !strings.Contains(rec.Body.String(), `"messages":[]`) {
		t.Errorf("conversation after reset = %s", rec.Body)
	}
}

// ─── media ───────────────────────────────────────────────────────────────────

func TestImages(t *testing.T) {
	t.Parallel()

	p := &studiomock.Provider{ImageResult: provstudio.Image{Data: []byte("jpeg"), MIMEType: "image/jpeg"}}
	h := newServer(p, &fakeLive{})

	rec := do(t, h, http.MethodPost, "/v1/images", `{"prompt":"a lighthouse"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var img studio.GeneratedImage
	decodeBody(t, rec, &img)
	if !strings.HasPrefix(img.Src, "data:image/jpeg;base64,") || img.Prompt != "a lighthouse" {
		t.Errorf("image = %+v", img)
	}
	if calls := p.ImageCalls(); len(calls) != 1 || calls[0].AspectRatio != provstudio.AspectSquare {
		t.Errorf("image calls = %+v, want default 1:1", calls)
	}

	rec = do(t, h, http.MethodGet, "/v1/gallery", "")
	var g studio.Gallery
	decodeBody(t, rec, &g)
	if len(g.Images) != 1 || len(g.Videos) != 0 {
		t.Errorf("gallery = %+v", g)
	}
}

func TestImages_InvalidAspectRatio(t *testing.T) {
	t.Parallel()

	p := &studiomock.Provider{}
	h := newServer(p, &fakeLive{})

	rec := do(t, h, http.MethodPost, "/v1/images", `{"prompt":"x","aspect_ratio":"2:1"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if len(p.ImageCalls()) != 0 {
		t.Error("provider was called for an invalid aspect ratio")
	}
}

func TestVideos(t *testing.T) {
	t.Parallel()

	p := &studiomock.Provider{VideoResult: provstudio.Video{URI: "https://video/1&key=k"}}
	h := newServer(p, &fakeLive{})

	rec := do(t, h, http.MethodPost, "/v1/videos", `{"prompt":"waves","aspect_ratio":"9:16"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var v studio.GeneratedVideo
	decodeBody(t, rec, &v)
	if v.URI != "https://video/1&key=k" {
		t.Errorf("uri = %q", v.URI)
	}

	// Square is valid for images only.
	rec = do(t, h, http.MethodPost, "/v1/videos", `{"prompt":"waves","aspect_ratio":"1:1"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("square video status = %d, want 400", rec.Code)
	}
}

func TestVideos_MissingURI(t *testing.T) {
	t.Parallel()

	h := newServer(&studiomock.Provider{}, &fakeLive{})
	rec := do(t, h, http.MethodPost, "/v1/videos", `{"prompt":"waves"}`)
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
}

func TestMedia_Parallel(t *testing.T) {
	t.Parallel()

	p := &studiomock.Provider{
		ImageResult: provstudio.Image{Data: []byte("jpeg")},
		VideoResult: provstudio.Video{URI: "https://video/2"},
	}
	h := newServer(p, &fakeLive{})

	rec := do(t, h, http.MethodPost, "/v1/media", `{"prompt":"forest"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var resp struct {
		Image studio.GeneratedImage `json:"image"`
		Video studio.GeneratedVideo `json:"video"`
	}
	decodeBody(t, rec, &resp)
	if resp.Image.Prompt != "forest" || resp.Video.URI != "https://video/2" {
		t.Errorf("response = %+v", resp)
	}
	if calls := p.VideoCalls(); len(calls) != 1 || calls[0].AspectRatio != provstudio.AspectWide {
		t.Errorf("video calls = %+v, want default 16:9", calls)
	}
}

func TestMedia_FailureCancelsOther(t *testing.T) {
	t.Parallel()

	// The video blocks until its context is cancelled by the image failure.
	p := &studiomock.Provider{Block: make(chan struct{})}
	svc := studio.New(nil, failingImages{errors.New("safety filter")}, p, nil)
	h := api.New(svc, &fakeLive{}).Handler()

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() { done <- do(t, h, http.MethodPost, "/v1/media", `{"prompt":"forest"}`) }()

	select {
	case rec := <-done:
		if rec.Code != http.StatusBadGateway {
			t.Errorf("status = %d, want 502", rec.Code)
		}
		if !strings.Contains(errorMessage(t, rec), "safety filter") {
			t.Errorf("error = %q", rec.Body)
		}
	case <-time.After(2 * time.Second):
		close(p.Block)
		t.Fatal("media request did not return after image failure")
	}
}

type failingImages struct{ err error }

func (f failingImages) GenerateImage(context.Context, provstudio.ImageRequest) (provstudio.Image, error) {
	return provstudio.Image{}, f.err
}

func TestUnavailableCapability(t *testing.T) {
	t.Parallel()

	h := api.New(studio.New(nil, nil, nil, nil), &fakeLive{}).Handler()
	for _, path := range []string{"/v1/chat", "/v1/images", "/v1/videos", "/v1/speech"} {
		body := `{"prompt":"x"}`
		if path == "/v1/speech" {
			body = `{"text":"x"}`
		}
		rec := do(t, h, http.MethodPost, path, body)
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("%s status = %d, want 503", path, rec.Code)
		}
	}
}

// ─── speech ──────────────────────────────────────────────────────────────────

func TestSpeech(t *testing.T) {
	t.Parallel()

	pcm := []byte{0x01, 0x00, 0xff, 0x7f}
	p := &studiomock.Provider{SpeechResult: provstudio.Speech{Audio: pcm, SampleRate: 24000}}
	h := newServer(p, &fakeLive{})

	rec := do(t, h, http.MethodPost, "/v1/speech", `{"text":"read this"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "audio/L16;rate=24000" {
		t.Errorf("Content-Type = %q", ct)
	}
	if !bytes.Equal(rec.Body.Bytes(), pcm) {
		t.Errorf("body = %v, want %v", rec.Body.Bytes(), pcm)
	}
	if calls := p.SpeechCalls(); len(calls) != 1 || calls[0].Text != "read this" {
		t.Errorf("speech calls = %+v", calls)
	}
}

func TestSpeech_EmptyText(t *testing.T) {
	t.Parallel()

	h := newServer(&studiomock.Provider{}, &fakeLive{})
	if rec := do(t, h, http.MethodPost, "/v1/speech", `{"text":""}`); rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

// ─── live ────────────────────────────────────────────────────────────────────

func TestLiveStartStop(t *testing.T) {
	t.Parallel()

	l := &fakeLive{}
	h := newServer(&studiomock.Provider{}, l)

	rec := do(t, h, http.MethodPost, "/v1/live/start", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("start status = %d, body %s", rec.Code, rec.Body)
	}
	var snap struct {
		State     string `json:"state"`
		SessionID string `json:"session_id"`
	}
	decodeBody(t, rec, &snap)
	if snap.State != "connecting" || snap.SessionID != "sess-1" {
		t.Errorf("snapshot = %+v", snap)
	}

	for range 2 {
		if rec := do(t, h, http.MethodPost, "/v1/live/stop", ""); rec.Code != http.StatusOK {
			t.Errorf("stop status = %d", rec.Code)
		}
	}
	rec = do(t, h, http.MethodGet, "/v1/live", "")
	decodeBody(t, rec, &snap)
	if snap.State != "closed" {
		t.Errorf("state after stop = %q", snap.State)
	}
}

func TestLiveStart_ErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not idle", live.ErrNotIdle, http.StatusConflict},
		{"permission denied", fmt.Errorf("live: acquire microphone: %w", audio.ErrPermissionDenied), http.StatusForbidden},
		{"channel failure", errors.New("live: open channel: dial refused"), http.StatusBadGateway},
		{"deadline", fmt.Errorf("live: open channel: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newServer(&studiomock.Provider{}, &fakeLive{StartErr: tt.err})
			if rec := do(t, h, http.MethodPost, "/v1/live/start", ""); rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestLiveStart_WithController(t *testing.T) {
	t.Parallel()

	mic := &audiomock.Microphone{OpenErr: audio.ErrPermissionDenied}
	dev := &audiomock.OutputDevice{}
	ctrl := live.NewController(&livemock.Provider{}, mic, dev.Opener())
	t.Cleanup(ctrl.Stop)
	h := newServer(&studiomock.Provider{}, ctrl)

	rec := do(t, h, http.MethodPost, "/v1/live/start", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403 (body %s)", rec.Code, rec.Body)
	}
	if ctrl.State() != live.StateIdle {
		t.Errorf("state = %v, want idle", ctrl.State())
	}
}

func TestLiveEvents(t *testing.T) {
	t.Parallel()

	l := &fakeLive{snap: live.Snapshot{State: live.StateActive, SessionID: "sess-9"}}
	ts := httptest.NewServer(newServer(&studiomock.Provider{}, l))
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/v1/live/events", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	type event struct {
		Type      string    `json:"type"`
		SessionID string    `json:"session_id"`
		State     string    `json:"state"`
		Current   live.Turn `json:"current"`
	}

	var first event
	if err := wsjson.Read(ctx, conn, &first); err != nil {
		t.Fatalf("read first event: %v", err)
	}
	if first.Type != "state" || first.State != "active" || first.SessionID != "sess-9" {
		t.Errorf("first event = %+v", first)
	}

	if n := l.subscribers(); n != 1 {
		t.Fatalf("subscribers = %d, want 1", n)
	}
	l.push(live.Update{Type: live.UpdateTranscript, SessionID: "sess-9", State: live.StateActive, Current: live.Turn{User: "hello"}})

	var next event
	if err := wsjson.Read(ctx, conn, &next); err != nil {
		t.Fatalf("read transcript event: %v", err)
	}
	if next.Type != "transcript" || next.Current.User != "hello" {
		t.Errorf("transcript event = %+v", next)
	}

	conn.Close(websocket.StatusNormalClosure, "")
}

// ─── stored turns ────────────────────────────────────────────────────────────

func TestTurnsAndSearch(t *testing.T) {
	t.Parallel()

	store := &memorymock.TurnStore{}
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, u := range []string{"tell me about owls", "and ravens?"} {
		if err := store.SaveTurn(context.Background(), memory.Turn{SessionID: "s1", Index: i, User: u, Model: "birds", CompletedAt: at}); err != nil {
			t.Fatal(err)
		}
	}
	h := newServer(&studiomock.Provider{}, &fakeLive{}, api.WithStore(store))

	rec := do(t, h, http.MethodGet, "/v1/live/turns?session_id=s1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("turns status = %d, body %s", rec.Code, rec.Body)
	}
	var list struct {
		SessionID string `json:"session_id"`
		Turns     []struct {
			Index int    `json:"index"`
			User  string `json:"user"`
		} `json:"turns"`
	}
	decodeBody(t, rec, &list)
	if list.SessionID != "s1" || len(list.Turns) != 2 || list.Turns[1].User != "and ravens?" {
		t.Errorf("turns = %+v", list)
	}

	rec = do(t, h, http.MethodGet, "/v1/live/search?q=owls&limit=5", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("search status = %d, body %s", rec.Code, rec.Body)
	}
	decodeBody(t, rec, &list)
	if len(list.Turns) != 1 || list.Turns[0].Index != 0 {
		t.Errorf("search results = %+v", list.Turns)
	}

	for _, path := range []string{"/v1/live/search", "/v1/live/search?q=x&limit=-1", "/v1/live/turns"} {
		if rec := do(t, h, http.MethodGet, path, ""); rec.Code != http.StatusBadRequest {
			t.Errorf("%s status = %d, want 400", path, rec.Code)
		}
	}
}

func TestTurns_NoStore(t *testing.T) {
	t.Parallel()

	h := newServer(&studiomock.Provider{}, &fakeLive{})
	if rec := do(t, h, http.MethodGet, "/v1/live/turns?session_id=s1", ""); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

// ─── status mapping ──────────────────────────────────────────────────────────

func TestStatusFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want int
	}{
		{provstudio.ErrEmptyPrompt, http.StatusBadRequest},
		{fmt.Errorf("x: %w", provstudio.ErrInvalidAspectRatio), http.StatusBadRequest},
		{studio.ErrUnknownMode, http.StatusBadRequest},
		{audio.ErrPermissionDenied, http.StatusForbidden},
		{live.ErrNotIdle, http.StatusConflict},
		{studio.ErrUnavailable, http.StatusServiceUnavailable},
		{fmt.Errorf("image: %w", resilience.ErrCircuitOpen), http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusBadGateway},
	}
	for _, tt := range tests {
		if got := api.StatusFor(tt.err); got != tt.want {
			t.Errorf("StatusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
