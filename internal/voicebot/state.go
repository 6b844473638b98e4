package voicebot

import "fmt"

// State is the conversational state shown to the user.
type State int

const (
	// Idle: no session. The only state from which a session can start.
	Idle State = iota

	// Connecting: the live session and the microphone are being acquired.
	Connecting

	// Listening: the session is open and the bot waits for the user.
	Listening

	// Speaking: the bot is producing a reply.
	Speaking
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Listening:
		return "listening"
	case Speaking:
		return "speaking"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(b []byte) error {
	for _, c := range []State{Idle, Connecting, Listening, Speaking} {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("voicebot: unknown state %q", b)
}

// Event drives the [Machine].
type Event int

const (
	EventStart Event = iota
	EventOpen
	EventOutputTranscription
	EventInputTranscription
	EventTurnComplete
	EventInterrupted
	EventDrained
	EventStop
	EventTransportError
	EventTransportClose
)

var eventNames = [...]string{
	EventStart:               "start",
	EventOpen:                "open",
	EventOutputTranscription: "output_transcription",
	EventInputTranscription:  "input_transcription",
	EventTurnComplete:        "turn_complete",
	EventInterrupted:         "interrupted",
	EventDrained:             "drained",
	EventStop:                "stop",
	EventTransportError:      "transport_error",
	EventTransportClose:      "transport_close",
}

func (e Event) String() string {
	if e >= 0 && int(e) < len(eventNames) {
		return eventNames[e]
	}
	return fmt.Sprintf("Event(%d)", int(e))
}

// Machine is the conversation state machine. The zero value is Idle. It is
// not safe for concurrent use; the [Service] loop owns it.
type Machine struct {
	state State
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Apply feeds e into the machine and returns the transition it caused.
// Events that do not apply to the current state leave it unchanged.
func (m *Machine) Apply(e Event) (from, to State, changed bool) {
	from = m.state
	to = next(from, e)
	m.state = to
	return from, to, from != to
}

func next(s State, e Event) State {
	switch e {
	case EventStart:
		if s == Idle {
			return Connecting
		}
	case EventOpen:
		if s == Connecting {
			return Listening
		}
	case EventOutputTranscription:
		if s != Idle {
			return Speaking
		}
	case EventInputTranscription, EventTurnComplete, EventInterrupted:
		if s != Idle {
			return Listening
		}
	case EventDrained:
		if s == Speaking {
			return Listening
		}
	case EventStop, EventTransportError, EventTransportClose:
		return Idle
	}
	return s
}
