package live

import "fmt"

// State is the lifecycle state of a live session.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateActive
	StateClosed
)

// String returns the lower-case name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UpdateType classifies an [Update].
type UpdateType string

const (
	// UpdateState reports a lifecycle transition.
	UpdateState UpdateType = "state"

	// UpdateTranscript reports a change of the in-progress turn.
	UpdateTranscript UpdateType = "transcript"

	// UpdateTurn reports a completed turn.
	UpdateTurn UpdateType = "turn"
)

// Update is delivered to subscribers on every observable change.
type Update struct {
	Type      UpdateType `json:"type"`
	SessionID string     `json:"session_id,omitempty"`
	State     State      `json:"state"`
	Current   Turn       `json:"current"`
	Turn      *Turn      `json:"turn,omitempty"`
}

// defaultSubscriberBuffer is the channel depth used when Subscribe is given a
// non-positive size.
const defaultSubscriberBuffer = 32

// Subscribe registers an observer. Updates are dropped for a subscriber whose
// buffer is full. The returned cancel function unregisters the observer and
// closes the channel; it is safe to call more than once.
func (c *Controller) Subscribe(buffer int) (<-chan Update, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	ch := make(chan Update, buffer)

	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if sub, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// broadcast fills in the current state and delivers u without blocking.
func (c *Controller) broadcast(u Update) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if u.Type != UpdateState {
		u.State = c.state
	}
	for _, sub := range c.subs {
		select {
		case sub <- u:
		default:
		}
	}
}
