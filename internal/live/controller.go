// Package live runs the real-time voice conversation: it owns the session
// lifecycle, streams microphone audio upstream, schedules the model's audio
// for gapless playback and aggregates the running transcript.
//
// A [Controller] drives one session at a time through
// Idle → Connecting → Active → Closed. Every session-scoped resource (capture
// stream, input pump, output device, playback set, remote channel) lives in a
// single resources value owned by the controller, and teardown always
// releases it in the same order no matter what triggered it.
//
// Inbound channel events are handled on one goroutine per session, in arrival
// order. Work that completes after teardown (a late permission grant, a late
// channel open, a fragment that finished decoding) checks whether its session
// is still current and releases what it acquired otherwise.
//
// This package is internal because it encapsulates application-private
// session logic and is not intended for import by external code.
package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/glyphstudio/internal/observe"
	"github.com/MrWong99/glyphstudio/pkg/audio"
	"github.com/MrWong99/glyphstudio/pkg/memory"
	providerlive "github.com/MrWong99/glyphstudio/pkg/provider/live"
)

var (
	// ErrNotIdle is returned by [Controller.Start] while a session is
	// connecting or active.
	ErrNotIdle = errors.New("live: session already in progress")

	// ErrSessionStopped is returned by [Controller.Start] when the session was
	// stopped before start-up finished.
	ErrSessionStopped = errors.New("live: session stopped during start")
)

// Bus subjects, relative to the publisher's prefix.
const (
	SubjectTurn    = "live.turn"
	SubjectSession = "live.session"
)

// Session end outcomes recorded on metrics and session events.
const (
	OutcomeStopped     = "stopped"
	OutcomeRemoteClose = "remote_close"
	OutcomeError       = "error"
	OutcomeStartFailed = "start_failed"
)

// Publisher delivers domain events to interested parties. *bus.Client
// implements it.
type Publisher interface {
	Publish(ctx context.Context, subject string, v any) error
}

// Config holds per-session parameters.
type Config struct {
	// Session is sent to the remote service when the channel opens.
	Session providerlive.Config

	// InputSampleRate and BlockSize configure microphone capture.
	InputSampleRate int
	BlockSize       int

	// ClampSamples saturates out-of-range samples instead of letting them
	// wrap during PCM16 conversion.
	ClampSamples bool
}

// DefaultConfig returns the standard live configuration.
func DefaultConfig() Config {
	return Config{
		Session:         providerlive.DefaultConfig(),
		InputSampleRate: audio.InputSampleRate,
		BlockSize:       audio.BlockSize,
	}
}

// TurnEvent is published on [SubjectTurn] for every completed turn.
type TurnEvent struct {
	SessionID   string    `json:"session_id"`
	Index       int       `json:"index"`
	User        string    `json:"user"`
	Model       string    `json:"model"`
	CompletedAt time.Time `json:"completed_at"`
}

// SessionEvent is published on [SubjectSession] when a session starts or
// ends.
type SessionEvent struct {
	SessionID string    `json:"session_id"`
	State     State     `json:"state"`
	Outcome   string    `json:"outcome,omitempty"`
	At        time.Time `json:"at"`
}

// Snapshot is a point-in-time view of the controller.
type Snapshot struct {
	State     State  `json:"state"`
	SessionID string `json:"session_id,omitempty"`
	Current   Turn   `json:"current"`
	Turns     []Turn `json:"turns"`
}

// resources is everything a session acquires. Fields are written by Start
// under Controller.mu while the session is current and are read by shutdown
// after it has detached the value.
type resources struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc

	capture  audio.CaptureStream
	output   *OutputPipeline
	channel  providerlive.Channel
	pumpDone chan struct{}
	loopDone chan struct{}
}

// Option is a functional option for [NewController].
type Option func(*Controller)

// WithConfig sets the initial session configuration.
func WithConfig(cfg Config) Option {
	return func(c *Controller) { c.cfg = cfg }
}

// WithStore persists every completed turn.
func WithStore(s memory.TurnStore) Option {
	return func(c *Controller) { c.store = s }
}

// WithPublisher publishes turn and session events.
func WithPublisher(p Publisher) Option {
	return func(c *Controller) { c.bus = p }
}

// WithMetrics overrides the metrics instance. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithClock overrides the wall clock used for turn timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithIDGenerator overrides how session IDs are generated.
func WithIDGenerator(fn func() string) Option {
	return func(c *Controller) { c.newID = fn }
}

// Controller owns the lifecycle of the live session. All exported methods are
// safe for concurrent use.
type Controller struct {
	provider   providerlive.Provider
	mic        audio.Microphone
	openOutput audio.OutputOpener
	store      memory.TurnStore
	bus        Publisher
	metrics    *observe.Metrics
	now        func() time.Time
	newID      func() string

	transcript *TranscriptAggregator

	// stopMu serialises teardowns so that Stop returns only after an
	// in-flight teardown has finished.
	stopMu sync.Mutex

	mu        sync.Mutex
	state     State
	cfg       Config
	sessionID string
	res       *resources
	subs      map[int]chan Update
	nextSub   int
}

// NewController creates a Controller in the Idle state.
func NewController(provider providerlive.Provider, mic audio.Microphone, openOutput audio.OutputOpener, opts ...Option) *Controller {
	c := &Controller{
		provider:   provider,
		mic:        mic,
		openOutput: openOutput,
		cfg:        DefaultConfig(),
		now:        time.Now,
		newID:      uuid.NewString,
		transcript: NewTranscriptAggregator(),
		subs:       make(map[int]chan Update),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot returns the state, session ID and transcript.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	state, id := c.state, c.sessionID
	c.mu.Unlock()
	return Snapshot{
		State:     state,
		SessionID: id,
		Current:   c.transcript.Current(),
		Turns:     c.transcript.Turns(),
	}
}

// SetSessionConfig replaces the configuration used by the next session. A
// running session is not affected.
func (c *Controller) SetSessionConfig(cfg providerlive.Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.Session = cfg
}

// SessionConfig returns the configuration the next session will use.
func (c *Controller) SessionConfig() providerlive.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.Session
}

// Start begins a new session. It returns [ErrNotIdle] without side effects
// while a session is connecting or active.
//
// Start acquires the microphone, then the output device, then opens the
// remote channel, and returns once the channel is requested; the session
// becomes Active when the channel reports it is open. If the microphone
// cannot be acquired the controller returns to Idle and the error wraps
// [audio.ErrPermissionDenied] when access was refused.
//
// ctx bounds the acquisition steps only. The session itself runs until
// [Controller.Stop] or until the remote side closes.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateActive {
		c.mu.Unlock()
		return ErrNotIdle
	}
	sessCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	res := &resources{id: c.newID(), ctx: sessCtx, cancel: cancel}
	c.res = res
	c.state = StateConnecting
	c.sessionID = res.id
	cfg := c.cfg
	c.transcript.Reset()
	c.mu.Unlock()

	c.metrics.ActiveSessions.Add(ctx, 1)
	slog.Info("live session starting", "session_id", res.id, "model", cfg.Session.Model)
	c.broadcast(Update{Type: UpdateState, State: StateConnecting, SessionID: res.id})
	c.publish(sessCtx, SubjectSession, SessionEvent{SessionID: res.id, State: StateConnecting, At: c.now()})

	// Acquisition honours both the caller's context and a concurrent Stop.
	openCtx, stopOpen := context.WithCancel(ctx)
	defer stopOpen()
	unhook := context.AfterFunc(sessCtx, stopOpen)
	defer unhook()

	capture, err := c.mic.Open(openCtx, cfg.InputSampleRate, cfg.BlockSize)
	if err != nil {
		if !c.shutdown(res, OutcomeStartFailed, StateIdle) {
			return ErrSessionStopped
		}
		slog.Warn("live session: microphone unavailable", "session_id", res.id, "err", err)
		return fmt.Errorf("live: acquire microphone: %w", err)
	}
	if !c.attach(res, func() { res.capture = capture }) {
		_ = capture.Close()
		return ErrSessionStopped
	}

	dev, err := c.openOutput(openCtx)
	if err != nil {
		if !c.shutdown(res, OutcomeStartFailed, StateIdle) {
			return ErrSessionStopped
		}
		return fmt.Errorf("live: acquire output device: %w", err)
	}
	output := NewOutputPipeline(dev, c.metrics)
	if !c.attach(res, func() { res.output = output }) {
		_ = output.Close()
		return ErrSessionStopped
	}

	ch, err := c.provider.Open(openCtx, cfg.Session)
	if err != nil {
		if !c.shutdown(res, OutcomeStartFailed, StateIdle) {
			return ErrSessionStopped
		}
		return fmt.Errorf("live: open channel: %w", err)
	}
	loopDone := make(chan struct{})
	if !c.attach(res, func() { res.channel = ch; res.loopDone = loopDone }) {
		_ = ch.Close()
		return ErrSessionStopped
	}

	input := NewInputPipeline(cfg.ClampSamples, c.metrics)
	go func() {
		defer close(loopDone)
		c.run(res, input)
	}()
	return nil
}

// Stop tears the current session down and moves to Closed. It is safe to
// call from any state, concurrently with Start, and more than once; calls
// after the first are no-ops. Stop waits until the session's event handling
// has finished.
func (c *Controller) Stop() {
	c.mu.Lock()
	res := c.res
	c.mu.Unlock()
	if res == nil {
		// A teardown started by the remote side may still be running.
		c.stopMu.Lock()
		defer c.stopMu.Unlock()
		return
	}
	c.shutdown(res, OutcomeStopped, StateClosed)

	c.mu.Lock()
	loopDone := res.loopDone
	c.mu.Unlock()
	if loopDone != nil {
		<-loopDone
	}
}

// attach runs fn under the lock if res is still the current session.
func (c *Controller) attach(res *resources, fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.res != res {
		return false
	}
	fn()
	return true
}

// current reports whether res is still the live session.
func (c *Controller) current(res *resources) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.res == res
}

// shutdown releases everything res acquired and moves to final. It reports
// false, doing nothing, if res is no longer the current session.
func (c *Controller) shutdown(res *resources, outcome string, final State) bool {
	c.stopMu.Lock()
	defer c.stopMu.Unlock()

	c.mu.Lock()
	if res == nil || c.res != res {
		c.mu.Unlock()
		return false
	}
	c.res = nil
	pumpDone := res.pumpDone
	c.mu.Unlock()

	if res.channel != nil {
		if err := res.channel.Close(); err != nil {
			slog.Warn("live session: close channel", "session_id", res.id, "err", err)
		}
	}
	if res.capture != nil {
		if err := res.capture.Close(); err != nil {
			slog.Warn("live session: release microphone", "session_id", res.id, "err", err)
		}
	}
	res.cancel()
	if pumpDone != nil {
		<-pumpDone
	}
	if res.output != nil {
		if err := res.output.Close(); err != nil {
			slog.Warn("live session: release output device", "session_id", res.id, "err", err)
		}
	}

	c.mu.Lock()
	c.state = final
	c.mu.Unlock()

	ctx := context.Background()
	c.metrics.ActiveSessions.Add(ctx, -1)
	c.metrics.RecordLiveSessionEnd(ctx, outcome)
	slog.Info("live session ended", "session_id", res.id, "outcome", outcome, "state", final.String())
	c.broadcast(Update{Type: UpdateState, State: final, SessionID: res.id})
	c.publish(ctx, SubjectSession, SessionEvent{SessionID: res.id, State: final, Outcome: outcome, At: c.now()})
	return true
}

// run consumes the channel's events until the stream ends.
func (c *Controller) run(res *resources, input *InputPipeline) {
	outcome := OutcomeRemoteClose
	events := res.channel.Events()
	for ev := range events {
		switch ev.Kind {
		case providerlive.EventOpen:
			c.activate(res, input)
		case providerlive.EventMessage:
			if ev.Message != nil {
				c.handleMessage(res, ev.Message)
			}
		case providerlive.EventError:
			outcome = OutcomeError
			slog.Error("live session error", "session_id", res.id, "err", ev.Err)
		case providerlive.EventClose:
			c.shutdown(res, outcome, StateClosed)
		}
	}
	c.shutdown(res, outcome, StateClosed)
}

// activate moves a connecting session to Active and starts the input pump.
// Blocks captured while connecting are discarded, never sent.
func (c *Controller) activate(res *resources, input *InputPipeline) {
	c.mu.Lock()
	if c.res != res || c.state != StateConnecting {
		c.mu.Unlock()
		return
	}
	stale := discardPending(res.capture.Blocks())
	c.state = StateActive
	done := make(chan struct{})
	res.pumpDone = done
	c.mu.Unlock()

	if stale > 0 {
		slog.Debug("live session: dropped audio captured before open", "session_id", res.id, "blocks", stale)
	}
	go func() {
		defer close(done)
		input.Run(res.ctx, res.capture.Blocks(), res.channel)
	}()

	slog.Info("live session active", "session_id", res.id)
	c.broadcast(Update{Type: UpdateState, State: StateActive, SessionID: res.id})
	c.publish(res.ctx, SubjectSession, SessionEvent{SessionID: res.id, State: StateActive, At: c.now()})
}

// handleMessage applies server content: transcripts first, then barge-in,
// then audio.
func (c *Controller) handleMessage(res *resources, m *providerlive.Message) {
	if !c.current(res) {
		return
	}

	if m.OutputTranscription != "" {
		c.transcript.AppendModel(m.OutputTranscription)
	}
	if m.InputTranscription != "" {
		c.transcript.AppendUser(m.InputTranscription)
	}
	if m.OutputTranscription != "" || m.InputTranscription != "" {
		c.broadcast(Update{Type: UpdateTranscript, SessionID: res.id, Current: c.transcript.Current()})
	}
	if m.TurnComplete {
		turn, idx := c.transcript.CompleteTurn()
		c.completeTurn(res, turn, idx)
	}

	if m.Interrupted {
		res.output.Interrupt()
	}
	for _, frag := range m.Audio {
		// Failures are logged and counted by the pipeline.
		_ = res.output.Enqueue(res.ctx, frag)
	}
}

func (c *Controller) completeTurn(res *resources, turn Turn, idx int) {
	completedAt := c.now()
	c.metrics.LiveTurnsCompleted.Add(res.ctx, 1)
	c.broadcast(Update{Type: UpdateTurn, SessionID: res.id, Turn: &turn})

	if c.store != nil {
		err := c.store.SaveTurn(res.ctx, memory.Turn{
			SessionID:   res.id,
			Index:       idx,
			User:        turn.User,
			Model:       turn.Model,
			CompletedAt: completedAt,
		})
		if err != nil {
			slog.Warn("live session: persist turn", "session_id", res.id, "index", idx, "err", err)
		}
	}
	c.publish(res.ctx, SubjectTurn, TurnEvent{
		SessionID:   res.id,
		Index:       idx,
		User:        turn.User,
		Model:       turn.Model,
		CompletedAt: completedAt,
	})
}

func (c *Controller) publish(ctx context.Context, subject string, v any) {
	if c.bus == nil {
		return
	}
	if err := c.bus.Publish(ctx, subject, v); err != nil {
		slog.Warn("live session: publish event", "subject", subject, "err", err)
	}
}
