package voicebot

import (
	"encoding/json"
	"testing"
)

func TestMachine_Transitions(t *testing.T) {
	t.Parallel()

	all := []State{Idle, Connecting, Listening, Speaking}
	tests := []struct {
		event Event
		want  map[State]State
	}{
		{EventStart, map[State]State{Idle: Connecting, Connecting: Connecting, Listening: Listening, Speaking: Speaking}},
		{EventOpen, map[State]State{Idle: Idle, Connecting: Listening, Listening: Listening, Speaking: Speaking}},
		{EventOutputTranscription, map[State]State{Idle: Idle, Connecting: Speaking, Listening: Speaking, Speaking: Speaking}},
		{EventInputTranscription, map[State]State{Idle: Idle, Connecting: Listening, Listening: Listening, Speaking: Listening}},
		{EventTurnComplete, map[State]State{Idle: Idle, Connecting: Listening, Listening: Listening, Speaking: Listening}},
		{EventInterrupted, map[State]State{Idle: Idle, Connecting: Listening, Listening: Listening, Speaking: Listening}},
		{EventDrained, map[State]State{Idle: Idle, Connecting: Connecting, Listening: Listening, Speaking: Listening}},
		{EventStop, map[State]State{Idle: Idle, Connecting: Idle, Listening: Idle, Speaking: Idle}},
		{EventTransportError, map[State]State{Idle: Idle, Connecting: Idle, Listening: Idle, Speaking: Idle}},
		{EventTransportClose, map[State]State{Idle: Idle, Connecting: Idle, Listening: Idle, Speaking: Idle}},
	}

	for _, tt := range tests {
		for _, from := range all {
			t.Run(tt.event.String()+"/"+from.String(), func(t *testing.T) {
				t.Parallel()
				m := Machine{state: from}
				gotFrom, gotTo, changed := m.Apply(tt.event)
				want := tt.want[from]
				if gotFrom != from || gotTo != want || m.State() != want {
					t.Fatalf("Apply(%s) from %s = (%s, %s), state %s; want to=%s", tt.event, from, gotFrom, gotTo, m.State(), want)
				}
				if changed != (from != want) {
					t.Errorf("changed = %v, want %v", changed, from != want)
				}
			})
		}
	}
}

func TestMachine_ZeroValueIsIdle(t *testing.T) {
	t.Parallel()
	var m Machine
	if m.State() != Idle {
		t.Fatalf("zero Machine state = %s, want idle", m.State())
	}
}

func TestState_JSON(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(map[string]State{"state": Speaking})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"state":"speaking"}` {
		t.Fatalf("Marshal = %s", data)
	}

	var out map[string]State
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if out["state"] != Speaking {
		t.Errorf("round trip = %s, want speaking", out["state"])
	}

	var s State
	if err := s.UnmarshalText([]byte("shouting")); err == nil {
		t.Error("UnmarshalText accepted an unknown state")
	}
}

func TestEvent_String(t *testing.T) {
	t.Parallel()
	if got := EventTurnComplete.String(); got != "turn_complete" {
		t.Errorf("EventTurnComplete = %q", got)
	}
	if got := Event(99).String(); got != "Event(99)" {
		t.Errorf("unknown event = %q", got)
	}
}
