// Package mock provides test doubles for the live package interfaces.
//
// Use Provider to verify Open calls and hand out controllable channels. Use
// Channel to inject inbound events and inspect the frames sent upstream.
//
// Example:
//
//	ch := mock.NewChannel(16)
//	p := &mock.Provider{Channel: ch}
//	// ... start the controller ...
//	ch.EmitOpen()
//	ch.EmitMessage(live.Message{OutputTranscription: "hi"})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/glyphstudio/pkg/provider/live"
)

// OpenCall records a single invocation of Provider.Open.
type OpenCall struct {
	// Ctx is the context passed to Open.
	Ctx context.Context
	// Cfg is the Config passed to Open.
	Cfg live.Config
}

// Provider is a mock implementation of live.Provider.
type Provider struct {
	mu sync.Mutex

	// Channel is returned by Open. If nil, Open returns a fresh Channel with
	// a 64-slot event buffer.
	Channel *Channel

	// OpenErr, if non-nil, is returned as the error from Open.
	OpenErr error

	// Gate, if non-nil, blocks Open until it is closed or ctx is done.
	Gate chan struct{}

	// OpenCalls records every call to Open in order.
	OpenCalls []OpenCall

	opened []*Channel
}

// Open records the call and returns Channel, OpenErr.
func (p *Provider) Open(ctx context.Context, cfg live.Config) (live.Channel, error) {
	p.mu.Lock()
	p.OpenCalls = append(p.OpenCalls, OpenCall{Ctx: ctx, Cfg: cfg})
	gate := p.Gate
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.OpenErr != nil {
		return nil, p.OpenErr
	}
	ch := p.Channel
	if ch == nil {
		ch = NewChannel(64)
	}
	p.opened = append(p.opened, ch)
	return ch, nil
}

// OpenCount returns the number of Open calls. Thread-safe.
func (p *Provider) OpenCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.OpenCalls)
}

// LastChannel returns the most recently opened channel, or nil. Thread-safe.
func (p *Provider) LastChannel() *Channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.opened) == 0 {
		return nil
	}
	return p.opened[len(p.opened)-1]
}

// Ensure Provider implements live.Provider at compile time.
var _ live.Provider = (*Provider)(nil)

// Channel is a mock implementation of live.Channel.
type Channel struct {
	mu sync.Mutex

	events    chan live.Event
	closed    bool
	finished  bool
	sendCalls []live.Frame

	// SendErr, if non-nil, is returned by SendAudio.
	SendErr error

	// CallCountClose is the number of times Close was called.
	CallCountClose int
}

// NewChannel creates a Channel whose event stream holds up to buffer events.
func NewChannel(buffer int) *Channel {
	return &Channel{events: make(chan live.Event, buffer)}
}

// SendAudio records the frame.
func (c *Channel) SendAudio(frame live.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return live.ErrChannelClosed
	}
	c.sendCalls = append(c.sendCalls, frame)
	return c.SendErr
}

// Events returns the inbound event stream.
func (c *Channel) Events() <-chan live.Event { return c.events }

// Close marks the channel closed and closes the event stream. Idempotent.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountClose++
	c.closed = true
	c.finishLocked()
	return nil
}

func (c *Channel) finishLocked() {
	if !c.finished {
		c.finished = true
		close(c.events)
	}
}

// Emit delivers ev on the event stream. It is a no-op once the stream is
// finished.
func (c *Channel) Emit(ev live.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return
	}
	c.events <- ev
}

// EmitOpen emits live.EventOpen.
func (c *Channel) EmitOpen() { c.Emit(live.Event{Kind: live.EventOpen}) }

// EmitMessage emits live.EventMessage carrying m.
func (c *Channel) EmitMessage(m live.Message) {
	c.Emit(live.Event{Kind: live.EventMessage, Message: &m})
}

// EmitError emits live.EventError followed by live.EventClose and finishes
// the stream, mirroring a remote failure.
func (c *Channel) EmitError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return
	}
	c.closed = true
	c.events <- live.Event{Kind: live.EventError, Err: err}
	c.events <- live.Event{Kind: live.EventClose}
	c.finishLocked()
}

// EmitClose emits live.EventClose and finishes the stream, mirroring a
// remote hang-up.
func (c *Channel) EmitClose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return
	}
	c.closed = true
	c.events <- live.Event{Kind: live.EventClose}
	c.finishLocked()
}

// SendCalls returns a copy of the frames passed to SendAudio. Thread-safe.
func (c *Channel) SendCalls() []live.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]live.Frame, len(c.sendCalls))
	copy(out, c.sendCalls)
	return out
}

// CloseCount returns CallCountClose. Thread-safe.
func (c *Channel) CloseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CallCountClose
}

// Ensure Channel implements live.Channel at compile time.
var _ live.Channel = (*Channel)(nil)
