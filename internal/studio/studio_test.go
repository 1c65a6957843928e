package studio_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/glyphstudio/internal/observe"
	"github.com/MrWong99/glyphstudio/internal/studio"
	audiomock "github.com/MrWong99/glyphstudio/pkg/audio/mock"
	provstudio "github.com/MrWong99/glyphstudio/pkg/provider/studio"
	"github.com/MrWong99/glyphstudio/pkg/provider/studio/mock"
)

var fixedTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newService(t *testing.T, p *mock.Provider, opts ...studio.Option) *studio.Service {
	t.Helper()
	m, err := observe.NewMetrics(metric.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	opts = append([]studio.Option{studio.WithMetrics(m), studio.WithClock(func() time.Time { return fixedTime })}, opts...)
	return studio.New(p, p, p, p, opts...)
}

func TestChat_AppendsUserAndModelMessages(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{TextResult: provstudio.TextResponse{
		Text:    "Paris.",
		Sources: []provstudio.Source{{URI: "https://example.com", Title: "Example"}},
	}}
	svc := newService(t, p)

	reply, err := svc.Chat(context.Background(), "capital of France?", provstudio.ModeSearch, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if reply.Role != provstudio.RoleModel || reply.Content != "Paris." || len(reply.Sources) != 1 {
		t.Errorf("reply = %+v", reply)
	}

	msgs := svc.Messages()
	if len(msgs) != 2 {
		t.Fatalf("messages: want 2, got %d", len(msgs))
	}
	if msgs[0].Role != provstudio.RoleUser || msgs[0].Content != "capital of France?" {
		t.Errorf("messages[0] = %+v", msgs[0])
	}
	calls := p.TextCalls()
	if len(calls) != 1 || calls[0].Mode != provstudio.ModeSearch || len(calls[0].History) != 0 {
		t.Errorf("text calls = %+v", calls)
	}
}

func TestChat_HistoryExcludesMediaAndCurrentMessage(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{TextResult: provstudio.TextResponse{Text: "ok"}}
	svc := newService(t, p)
	ctx := context.Background()

	if _, err := svc.Chat(ctx, "hello", "", nil); err != nil {
		t.Fatalf("Chat 1: %v", err)
	}
	img := &provstudio.Attachment{MIMEType: "image/png", Data: []byte("png")}
	if _, err := svc.Chat(ctx, "describe", "", img); err != nil {
		t.Fatalf("Chat 2: %v", err)
	}
	if _, err := svc.Chat(ctx, "thanks", "", nil); err != nil {
		t.Fatalf("Chat 3: %v", err)
	}

	msgs := svc.Messages()
	if !strings.HasPrefix(msgs[2].Image, "data:image/png;base64,") {
		t.Errorf("image message = %+v", msgs[2])
	}

	calls := p.TextCalls()
	if len(calls) != 3 {
		t.Fatalf("text calls: want 3, got %d", len(calls))
	}
	if got := len(calls[1].History); got != 2 {
		t.Errorf("second call history: want 2, got %d", got)
	}
	// user "hello", model "ok", model "ok". The "describe" message carried media.
	third := calls[2].History
	if len(third) != 3 {
		t.Fatalf("third call history: want 3, got %d (%+v)", len(third), third)
	}
	for _, h := range third {
		if h.Text == "describe" {
			t.Error("media message leaked into history")
		}
	}
	if calls[1].Attachment != img {
		t.Error("attachment not forwarded")
	}
}

func TestChat_FailureAppendsErrorMessage(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{TextErr: errors.New("quota exceeded")}
	svc := newService(t, p)

	reply, err := svc.Chat(context.Background(), "hi", provstudio.ModeFlash, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if want := "An error occurred: quota exceeded"; reply.Content != want {
		t.Errorf("reply = %q, want %q", reply.Content, want)
	}
	msgs := svc.Messages()
	if len(msgs) != 2 || msgs[1].Content != reply.Content || msgs[1].Role != provstudio.RoleModel {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestChat_Validation(t *testing.T) {
	t.Parallel()
	svc := newService(t, &mock.Provider{})
	if _, err := svc.Chat(context.Background(), "", "", nil); !errors.Is(err, provstudio.ErrEmptyPrompt) {
		t.Errorf("empty prompt: got %v", err)
	}
	if _, err := svc.Chat(context.Background(), "x", "ultra", nil); !errors.Is(err, studio.ErrUnknownMode) {
		t.Errorf("unknown mode: got %v", err)
	}
	if n := len(svc.Messages()); n != 0 {
		t.Errorf("rejected requests must not touch the conversation, got %d messages", n)
	}
}

func TestResetConversation(t *testing.T) {
	t.Parallel()
	svc := newService(t, &mock.Provider{TextResult: provstudio.TextResponse{Text: "ok"}})
	if _, err := svc.Chat(context.Background(), "hi", "", nil); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	svc.ResetConversation()
	if n := len(svc.Messages()); n != 0 {
		t.Errorf("messages after reset: %d", n)
	}
}

func TestGenerateImage_AddsDataURL(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{ImageResult: provstudio.Image{Data: []byte{0xff, 0xd8}, MIMEType: "image/jpeg"}}
	svc := newService(t, p)

	img, err := svc.GenerateImage(context.Background(), "a fox", provstudio.AspectSquare)
	if err != nil {
		t.Fatalf("GenerateImage: %v", err)
	}
	if want := "data:image/jpeg;base64,/9g="; img.Src != want {
		t.Errorf("Src = %q, want %q", img.Src, want)
	}
	if img.Prompt != "a fox" || !img.CreatedAt.Equal(fixedTime) {
		t.Errorf("image = %+v", img)
	}
	g := svc.Gallery()
	if len(g.Images) != 1 || len(g.Videos) != 0 {
		t.Errorf("gallery = %+v", g)
	}
}

func TestGenerateImage_ErrorLeavesGalleryUntouched(t *testing.T) {
	t.Parallel()
	svc := newService(t, &mock.Provider{ImageErr: provstudio.ErrNoImage})
	if _, err := svc.GenerateImage(context.Background(), "x", provstudio.AspectSquare); !errors.Is(err, provstudio.ErrNoImage) {
		t.Errorf("err = %v", err)
	}
	if n := len(svc.Gallery().Images); n != 0 {
		t.Errorf("gallery images = %d", n)
	}
}

func TestGenerateVideo(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{VideoResult: provstudio.Video{URI: "https://v.example/1?alt=media&key=k"}}
	svc := newService(t, p)

	v, err := svc.GenerateVideo(context.Background(), "waves", provstudio.AspectWide)
	if err != nil {
		t.Fatalf("GenerateVideo: %v", err)
	}
	if v.URI != p.VideoResult.URI || v.Prompt != "waves" {
		t.Errorf("video = %+v", v)
	}
	if n := len(svc.Gallery().Videos); n != 1 {
		t.Errorf("gallery videos = %d", n)
	}
}

func TestGenerateVideo_EmptyURI(t *testing.T) {
	t.Parallel()
	svc := newService(t, &mock.Provider{})
	_, err := svc.GenerateVideo(context.Background(), "waves", provstudio.AspectWide)
	if !errors.Is(err, provstudio.ErrNoURI) {
		t.Fatalf("err = %v, want ErrNoURI", err)
	}
	if err.Error() != "Video generation failed to return a URI." {
		t.Errorf("message = %q", err.Error())
	}
}

func TestSpeak_PlaysAndReleasesDevice(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{SpeechResult: provstudio.Speech{Audio: []byte{1, 0, 2, 0, 3, 0}, SampleRate: 24000}}
	dev := &audiomock.OutputDevice{}
	dev.SetNow(time.Second)
	svc := newService(t, p, studio.WithPlayback(dev.Opener()))

	sp, err := svc.Speak(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if len(sp.Audio) != 6 {
		t.Errorf("audio bytes = %d", len(sp.Audio))
	}

	calls := dev.Calls()
	if len(calls) != 1 {
		t.Fatalf("schedule calls: want 1, got %d", len(calls))
	}
	if calls[0].At != time.Second || len(calls[0].Buffer.Samples) != 3 || calls[0].Buffer.SampleRate != 24000 {
		t.Errorf("schedule = %+v", calls[0])
	}
	if dev.Closed() {
		t.Error("device closed before playback ended")
	}

	dev.End(0)
	svc.Wait()
	if !dev.Closed() {
		t.Error("device not released after playback ended")
	}
}

func TestSpeak_WithoutPlayback(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{SpeechResult: provstudio.Speech{Audio: []byte{0, 0}, SampleRate: 24000}}
	svc := newService(t, p)
	if _, err := svc.Speak(context.Background(), "hi"); err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if calls := p.SpeechCalls(); len(calls) != 1 || calls[0].Text != "hi" {
		t.Errorf("speech calls = %+v", calls)
	}
}

func TestUnconfiguredCapability(t *testing.T) {
	t.Parallel()
	svc := studio.New(nil, nil, nil, nil)
	if _, err := svc.Chat(context.Background(), "x", "", nil); !errors.Is(err, studio.ErrUnavailable) {
		t.Errorf("Chat: got %v, want ErrUnavailable", err)
	}
	if _, err := svc.GenerateImage(context.Background(), "x", provstudio.AspectSquare); err == nil {
		t.Error("GenerateImage: expected error")
	}
	if _, err := svc.GenerateVideo(context.Background(), "x", provstudio.AspectWide); err == nil {
		t.Error("GenerateVideo: expected error")
	}
	if _, err := svc.Speak(context.Background(), "x"); err == nil {
		t.Error("Speak: expected error")
	}
}
