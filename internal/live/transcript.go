package live

import "sync"

// Turn is one exchange of the conversation as transcribed text.
type Turn struct {
	User  string `json:"user"`
	Model string `json:"model"`
}

// TranscriptAggregator accumulates incremental transcription fragments into
// completed turns. It is safe for concurrent use.
type TranscriptAggregator struct {
	mu      sync.Mutex
	current Turn
	turns   []Turn
}

// NewTranscriptAggregator returns an empty aggregator.
func NewTranscriptAggregator() *TranscriptAggregator {
	return &TranscriptAggregator{}
}

// AppendUser appends a fragment of recognised user speech to the current turn.
func (a *TranscriptAggregator) AppendUser(fragment string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.current.User += fragment
}

// AppendModel appends a fragment of the model's transcribed output to the
// current turn.
func (a *TranscriptAggregator) AppendModel(fragment string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.current.Model += fragment
}

// CompleteTurn appends a copy of the current turn to the completed list,
// resets the current turn and returns the completed one with its index.
// Empty turns are recorded too.
func (a *TranscriptAggregator) CompleteTurn() (Turn, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	done := a.current
	a.turns = append(a.turns, done)
	a.current = Turn{}
	return done, len(a.turns) - 1
}

// Current returns the in-progress turn.
func (a *TranscriptAggregator) Current() Turn {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// Turns returns a copy of the completed turns in order.
func (a *TranscriptAggregator) Turns() []Turn {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Turn{}, a.turns...)
}

// Reset discards the current turn and all completed turns.
func (a *TranscriptAggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.current = Turn{}
	a.turns = nil
}
