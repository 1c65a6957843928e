package live_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/glyphstudio/internal/live"
	"github.com/MrWong99/glyphstudio/pkg/audio"
	audiomock "github.com/MrWong99/glyphstudio/pkg/audio/mock"
	memorymock "github.com/MrWong99/glyphstudio/pkg/memory/mock"
	providerlive "github.com/MrWong99/glyphstudio/pkg/provider/live"
	livemock "github.com/MrWong99/glyphstudio/pkg/provider/live/mock"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

type published struct {
	Subject string
	Value   any
}

type fakePublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *fakePublisher) Publish(_ context.Context, subject string, v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{Subject: subject, Value: v})
	return nil
}

func (p *fakePublisher) turns() []live.TurnEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []live.TurnEvent
	for _, e := range p.events {
		if ev, ok := e.Value.(live.TurnEvent); ok && e.Subject == live.SubjectTurn {
			out = append(out, ev)
		}
	}
	return out
}

func (p *fakePublisher) sessionOutcomes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		if ev, ok := e.Value.(live.SessionEvent); ok && ev.Outcome != "" {
			out = append(out, ev.Outcome)
		}
	}
	return out
}

// waitFor polls cond until it holds or two seconds pass.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

type harness struct {
	ctrl  *live.Controller
	mic   *audiomock.Microphone
	dev   *audiomock.OutputDevice
	prov  *livemock.Provider
	store *memorymock.TurnStore
	pub   *fakePublisher
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newHarness(t *testing.T, opts ...live.Option) *harness {
	t.Helper()
	h := &harness{
		mic:   &audiomock.Microphone{},
		dev:   &audiomock.OutputDevice{},
		prov:  &livemock.Provider{},
		store: &memorymock.TurnStore{},
		pub:   &fakePublisher{},
	}
	base := []live.Option{
		live.WithMetrics(newMetrics(t)),
		live.WithStore(h.store),
		live.WithPublisher(h.pub),
		live.WithClock(func() time.Time { return fixedNow }),
		live.WithIDGenerator(func() string { return "sess-1" }),
	}
	h.ctrl = live.NewController(h.prov, h.mic, h.dev.Opener(), append(base, opts...)...)
	t.Cleanup(h.ctrl.Stop)
	return h
}

// activate starts a session and drives it to Active.
func (h *harness) activate(t *testing.T) *livemock.Channel {
	t.Helper()
	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := h.ctrl.State(); got != live.StateConnecting {
		t.Fatalf("state after Start = %v, want connecting", got)
	}
	ch := h.prov.LastChannel()
	ch.EmitOpen()
	waitFor(t, "active", func() bool { return h.ctrl.State() == live.StateActive })
	return ch
}

// ─── lifecycle ───────────────────────────────────────────────────────────────

func TestController_EndToEnd(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ch := h.activate(t)

	stream := h.mic.LastStream()
	for range 3 {
		stream.Emit(audio.Block{Samples: make([]float32, 8)})
	}
	waitFor(t, "three frames", func() bool { return len(ch.SendCalls()) == 3 })

	ch.EmitMessage(providerlive.Message{
		InputTranscription:  "hello",
		OutputTranscription: "hi there",
		Audio:               []providerlive.InlineAudio{fragment(2400, 24000)},
	})
	ch.EmitMessage(providerlive.Message{TurnComplete: true})
	waitFor(t, "completed turn", func() bool { return len(h.ctrl.Snapshot().Turns) == 1 })

	if n := len(h.dev.Calls()); n != 1 {
		t.Fatalf("scheduled buffers: want 1, got %d", n)
	}

	h.ctrl.Stop()

	snap := h.ctrl.Snapshot()
	if snap.State != live.StateClosed {
		t.Errorf("state = %v, want closed", snap.State)
	}
	if snap.SessionID != "sess-1" {
		t.Errorf("session id = %q", snap.SessionID)
	}
	if want := (live.Turn{User: "hello", Model: "hi there"}); snap.Turns[0] != want {
		t.Errorf("turn = %+v, want %+v", snap.Turns[0], want)
	}

	saved, err := h.store.Turns(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("store.Turns: %v", err)
	}
	if len(saved) != 1 || saved[0].User != "hello" || saved[0].Index != 0 || !saved[0].CompletedAt.Equal(fixedNow) {
		t.Errorf("saved turns = %+v", saved)
	}
	if ev := h.pub.turns(); len(ev) != 1 || ev[0].Model != "hi there" {
		t.Errorf("published turns = %+v", ev)
	}

	if !h.dev.Calls()[0].Handle.Stopped() {
		t.Error("scheduled buffer not stopped on Stop")
	}
	if !h.dev.Closed() {
		t.Error("output device not closed")
	}
	if !stream.Closed() {
		t.Error("capture stream not closed")
	}
	if ch.CloseCount() == 0 {
		t.Error("channel not closed")
	}
}

func TestController_AudioCapturedWhileConnectingIsDropped(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	stream := h.mic.LastStream()
	for range 5 {
		stream.Emit(audio.Block{Samples: make([]float32, 8)})
	}

	ch := h.prov.LastChannel()
	ch.EmitOpen()
	waitFor(t, "active", func() bool { return h.ctrl.State() == live.StateActive })

	stream.Emit(audio.Block{Samples: make([]float32, 8)})
	waitFor(t, "one frame", func() bool { return len(ch.SendCalls()) >= 1 })
	time.Sleep(20 * time.Millisecond)
	if got := len(ch.SendCalls()); got != 1 {
		t.Errorf("frames sent = %d, want 1 (only audio captured after open)", got)
	}
}

func TestController_StartWhileInProgressIsRejected(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.ctrl.Start(context.Background()); !errors.Is(err, live.ErrNotIdle) {
		t.Errorf("second Start while connecting: err = %v, want ErrNotIdle", err)
	}

	h.prov.LastChannel().EmitOpen()
	waitFor(t, "active", func() bool { return h.ctrl.State() == live.StateActive })
	if err := h.ctrl.Start(context.Background()); !errors.Is(err, live.ErrNotIdle) {
		t.Errorf("Start while active: err = %v, want ErrNotIdle", err)
	}
	if n := h.mic.OpenCount(); n != 1 {
		t.Errorf("microphone opened %d times, want 1", n)
	}
	if n := h.prov.OpenCount(); n != 1 {
		t.Errorf("provider opened %d times, want 1", n)
	}
}

func TestController_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.activate(t)
	stream := h.mic.LastStream()

	h.ctrl.Stop()
	h.ctrl.Stop()

	if h.ctrl.State() != live.StateClosed {
		t.Errorf("state = %v, want closed", h.ctrl.State())
	}
	if n := h.dev.CallCountClose; n != 1 {
		t.Errorf("device closed %d times, want 1", n)
	}
	stream.Close()
	if n := stream.CallCountClose; n != 2 {
		t.Errorf("capture Close calls = %d, want 1 from Stop plus 1 here", n)
	}
	if got := h.pub.sessionOutcomes(); len(got) != 1 || got[0] != live.OutcomeStopped {
		t.Errorf("session outcomes = %v, want [stopped]", got)
	}
}

func TestController_StopFromIdle(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.ctrl.Stop()
	if h.ctrl.State() != live.StateIdle {
		t.Errorf("state = %v, want idle", h.ctrl.State())
	}
}

func TestController_PermissionDenied(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.mic.OpenErr = audio.ErrPermissionDenied

	err := h.ctrl.Start(context.Background())
	if !errors.Is(err, audio.ErrPermissionDenied) {
		t.Fatalf("err = %v, want ErrPermissionDenied", err)
	}
	if h.ctrl.State() != live.StateIdle {
		t.Errorf("state = %v, want idle", h.ctrl.State())
	}
	if h.prov.OpenCount() != 0 {
		t.Error("channel opened despite denied permission")
	}
	if h.dev.Closed() {
		t.Error("output device touched despite denied permission")
	}
}

func TestController_OutputUnavailableReleasesMicrophone(t *testing.T) {
	t.Parallel()
	mic := &audiomock.Microphone{}
	prov := &livemock.Provider{}
	failOpen := func(context.Context) (audio.OutputDevice, error) { return nil, errors.New("no device") }
	ctrl := live.NewController(prov, mic, failOpen, live.WithMetrics(newMetrics(t)))

	if err := ctrl.Start(context.Background()); err == nil {
		t.Fatal("Start succeeded without output device")
	}
	if ctrl.State() != live.StateIdle {
		t.Errorf("state = %v, want idle", ctrl.State())
	}
	if !mic.LastStream().Closed() {
		t.Error("capture stream not released")
	}
	if prov.OpenCount() != 0 {
		t.Error("channel opened without output device")
	}
}

func TestController_ChannelOpenFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.prov.OpenErr = errors.New("dial failed")

	if err := h.ctrl.Start(context.Background()); err == nil {
		t.Fatal("Start succeeded despite open failure")
	}
	if h.ctrl.State() != live.StateIdle {
		t.Errorf("state = %v, want idle", h.ctrl.State())
	}
	if !h.mic.LastStream().Closed() || !h.dev.Closed() {
		t.Error("acquired devices not released")
	}
}

func TestController_StopDuringPendingPermission(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.mic.Gate = make(chan struct{})

	errc := make(chan error, 1)
	go func() { errc <- h.ctrl.Start(context.Background()) }()
	waitFor(t, "connecting", func() bool { return h.ctrl.State() == live.StateConnecting })

	h.ctrl.Stop()

	select {
	case err := <-errc:
		if !errors.Is(err, live.ErrSessionStopped) {
			t.Errorf("Start err = %v, want ErrSessionStopped", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
	if h.ctrl.State() != live.StateClosed {
		t.Errorf("state = %v, want closed", h.ctrl.State())
	}
	if h.prov.OpenCount() != 0 {
		t.Error("channel opened after Stop")
	}
}

// lateMicrophone grants access only when gate closes, ignoring cancellation.
type lateMicrophone struct {
	gate   chan struct{}
	stream *audiomock.CaptureStream
}

func (m *lateMicrophone) Open(context.Context, int, int) (audio.CaptureStream, error) {
	<-m.gate
	return m.stream, nil
}

func TestController_LateGrantIsReleased(t *testing.T) {
	t.Parallel()
	mic := &lateMicrophone{gate: make(chan struct{}), stream: audiomock.NewCaptureStream(1)}
	dev := &audiomock.OutputDevice{}
	prov := &livemock.Provider{}
	ctrl := live.NewController(prov, mic, dev.Opener(), live.WithMetrics(newMetrics(t)))

	errc := make(chan error, 1)
	go func() { errc <- ctrl.Start(context.Background()) }()
	waitFor(t, "connecting", func() bool { return ctrl.State() == live.StateConnecting })

	ctrl.Stop()
	close(mic.gate)

	if err := <-errc; !errors.Is(err, live.ErrSessionStopped) {
		t.Errorf("Start err = %v, want ErrSessionStopped", err)
	}
	if !mic.stream.Closed() {
		t.Error("late capture stream not released")
	}
	if ctrl.State() != live.StateClosed {
		t.Errorf("state = %v, want closed", ctrl.State())
	}
	if dev.Closed() || prov.OpenCount() != 0 {
		t.Error("resources acquired after Stop")
	}
}

func TestController_StopDuringPendingOpen(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.prov.Gate = make(chan struct{})

	errc := make(chan error, 1)
	go func() { errc <- h.ctrl.Start(context.Background()) }()
	waitFor(t, "channel open requested", func() bool { return h.prov.OpenCount() == 1 })

	h.ctrl.Stop()

	if err := <-errc; !errors.Is(err, live.ErrSessionStopped) {
		t.Errorf("Start err = %v, want ErrSessionStopped", err)
	}
	if h.ctrl.State() != live.StateClosed {
		t.Errorf("state = %v, want closed", h.ctrl.State())
	}
	if !h.mic.LastStream().Closed() {
		t.Error("capture stream not released")
	}
	if !h.dev.Closed() {
		t.Error("output device not released")
	}
}

func TestController_RemoteErrorCloses(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ch := h.activate(t)
	ch.EmitMessage(providerlive.Message{Audio: []providerlive.InlineAudio{fragment(2400, 24000)}})
	waitFor(t, "scheduled", func() bool { return len(h.dev.Calls()) == 1 })

	ch.EmitError(errors.New("server went away"))
	waitFor(t, "closed", func() bool { return h.ctrl.State() == live.StateClosed })

	if !h.mic.LastStream().Closed() {
		t.Error("capture stream not released")
	}
	if !h.dev.Closed() {
		t.Error("output device not released")
	}
	if !h.dev.Calls()[0].Handle.Stopped() {
		t.Error("playback not stopped")
	}
	waitFor(t, "outcome", func() bool { return len(h.pub.sessionOutcomes()) == 1 })
	if got := h.pub.sessionOutcomes(); got[0] != live.OutcomeError {
		t.Errorf("outcome = %v, want error", got)
	}
}

func TestController_RemoteCloseBeforeOpen(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.prov.LastChannel().EmitClose()
	waitFor(t, "closed", func() bool { return h.ctrl.State() == live.StateClosed })
	if !h.mic.LastStream().Closed() {
		t.Error("capture stream not released")
	}
}

// ─── playback ────────────────────────────────────────────────────────────────

func TestController_BargeIn(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ch := h.activate(t)

	ch.EmitMessage(providerlive.Message{Audio: []providerlive.InlineAudio{
		fragment(2400, 24000),
		fragment(2400, 24000),
	}})
	waitFor(t, "two scheduled", func() bool { return len(h.dev.Calls()) == 2 })

	ch.EmitMessage(providerlive.Message{Interrupted: true})
	ch.EmitMessage(providerlive.Message{Audio: []providerlive.InlineAudio{fragment(2400, 24000)}})
	waitFor(t, "third scheduled", func() bool { return len(h.dev.Calls()) == 3 })

	calls := h.dev.Calls()
	for i := range 2 {
		if !calls[i].Handle.Stopped() {
			t.Errorf("buffer %d not stopped by interruption", i)
		}
	}
	if calls[2].At != 0 {
		t.Errorf("post-interruption start = %v, want device now (0)", calls[2].At)
	}
	if calls[2].Handle.Stopped() {
		t.Error("new buffer stopped")
	}
	if h.ctrl.State() != live.StateActive {
		t.Errorf("state = %v, want active", h.ctrl.State())
	}
}

func TestController_UndecodableFragmentIsSkipped(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ch := h.activate(t)

	ch.EmitMessage(providerlive.Message{Audio: []providerlive.InlineAudio{
		{MIMEType: "audio/pcm;rate=24000", Data: "not base64!"},
		fragment(2400, 24000),
	}})
	waitFor(t, "scheduled", func() bool { return len(h.dev.Calls()) == 1 })
	if h.ctrl.State() != live.StateActive {
		t.Errorf("state = %v, want active", h.ctrl.State())
	}
}

// ─── restart and observers ───────────────────────────────────────────────────

func TestController_StartAfterClosedResetsTranscript(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ch := h.activate(t)
	ch.EmitMessage(providerlive.Message{InputTranscription: "one", TurnComplete: true})
	waitFor(t, "turn", func() bool { return len(h.ctrl.Snapshot().Turns) == 1 })
	h.ctrl.Stop()

	next := h.activate(t)
	if next == ch {
		t.Fatal("restart reused the closed channel")
	}
	if turns := h.ctrl.Snapshot().Turns; len(turns) != 0 {
		t.Errorf("turns after restart = %+v, want none", turns)
	}
	if h.mic.OpenCount() != 2 {
		t.Errorf("microphone opened %d times, want 2", h.mic.OpenCount())
	}
}

func TestController_SessionConfigApplies(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	cfg := providerlive.DefaultConfig()
	cfg.Voice = "Puck"
	h.ctrl.SetSessionConfig(cfg)

	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := h.prov.OpenCalls[0].Cfg.Voice; got != "Puck" {
		t.Errorf("voice sent = %q, want Puck", got)
	}
	if h.ctrl.SessionConfig().Voice != "Puck" {
		t.Error("SessionConfig did not return the stored value")
	}
}

func TestController_SubscribeReceivesUpdates(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	updates, cancel := h.ctrl.Subscribe(64)
	defer cancel()

	ch := h.activate(t)
	ch.EmitMessage(providerlive.Message{OutputTranscription: "hey"})
	ch.EmitMessage(providerlive.Message{TurnComplete: true})
	waitFor(t, "turn", func() bool { return len(h.ctrl.Snapshot().Turns) == 1 })
	h.ctrl.Stop()

	var types []live.UpdateType
	var states []live.State
	for len(updates) > 0 {
		u := <-updates
		types = append(types, u.Type)
		if u.Type == live.UpdateState {
			states = append(states, u.State)
		}
		if u.Type == live.UpdateTranscript && u.Current.Model != "hey" {
			t.Errorf("transcript update = %+v", u.Current)
		}
		if u.Type == live.UpdateTurn && (u.Turn == nil || u.Turn.Model != "hey") {
			t.Errorf("turn update = %+v", u.Turn)
		}
	}
	wantStates := []live.State{live.StateConnecting, live.StateActive, live.StateClosed}
	if len(states) != len(wantStates) {
		t.Fatalf("state updates = %v, want %v", states, wantStates)
	}
	for i := range wantStates {
		if states[i] != wantStates[i] {
			t.Errorf("state update %d = %v, want %v", i, states[i], wantStates[i])
		}
	}
	if len(types) != 5 {
		t.Errorf("update types = %v, want 5 updates", types)
	}

	cancel()
	if _, ok := <-updates; ok {
		t.Error("channel open after cancel")
	}
}

func TestController_PersistFailureKeepsSessionRunning(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.store.SaveTurnErr = errors.New("disk full")
	ch := h.activate(t)

	ch.EmitMessage(providerlive.Message{InputTranscription: "x", TurnComplete: true})
	waitFor(t, "turn", func() bool { return len(h.ctrl.Snapshot().Turns) == 1 })
	if h.ctrl.State() != live.StateActive {
		t.Errorf("state = %v, want active", h.ctrl.State())
	}
	if len(h.pub.turns()) != 1 {
		t.Error("turn event not published")
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()
	tests := []struct {
		s    live.State
		want string
	}{
		{live.StateIdle, "idle"},
		{live.StateConnecting, "connecting"},
		{live.StateActive, "active"},
		{live.StateClosed, "closed"},
		{live.State(9), "state(9)"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", int(tt.s), got, tt.want)
		}
	}
}
