package interaction

import "time"

// State is the engine state.
type State int

const (
	Waiting State = iota
	Capturing
	Generating
	Responding
)

func (s State) String() string {
	switch s {
	case Waiting:
		return "waiting"
	case Capturing:
		return "capturing"
	case Generating:
		return "generating"
	case Responding:
		return "responding"
	}
	return "unknown"
}

// EventKind identifies what an Event reports.
type EventKind int

const (
	StateChanged EventKind = iota
	PhraseCaptured
	ResponseGenerated
	GenerationFailed
	PlaybackStarted
)

func (k EventKind) String() string {
	switch k {
	case StateChanged:
		return "state_changed"
	case PhraseCaptured:
		return "phrase_captured"
	case ResponseGenerated:
		return "response_generated"
	case GenerationFailed:
		return "generation_failed"
	case PlaybackStarted:
		return "playback_started"
	}
	return "unknown"
}

// Event is emitted on every state change and phrase.
type Event struct {
	Kind     EventKind
	State    State
	Session  string
	Notes    int
	Duration time.Duration
	Err      error
	At       time.Time
}

// Observer receives engine events. Observe must not block.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// Observe calls f.
func (f ObserverFunc) Observe(ev Event) { f(ev) }

type observers []Observer

func (o observers) Observe(ev Event) {
	for _, obs := range o {
		obs.Observe(ev)
	}
}
