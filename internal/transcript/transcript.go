// Package transcript merges streamed transcription deltas from both sides of
// a voice conversation into one ordered log.
//
// The log is append-only except for its last entry, which keeps growing while
// the same speaker keeps talking. [Accumulator.EndTurn] freezes it, so the next
// delta from either speaker opens a fresh entry.
package transcript

import "fmt"

// Speaker identifies who produced an entry.
type Speaker string

const (
	User Speaker = "user"
	Bot  Speaker = "bot"
)

// Valid reports whether s is one of the known speakers.
func (s Speaker) Valid() bool { return s == User || s == Bot }

// ParseSpeaker converts a stored speaker name back into a Speaker.
func ParseSpeaker(v string) (Speaker, error) {
	s := Speaker(v)
	if !s.Valid() {
		return "", fmt.Errorf("transcript: unknown speaker %q", v)
	}
	return s, nil
}

// Entry is one utterance in the transcript.
type Entry struct {
	Speaker Speaker `json:"speaker"`
	Text    string  `json:"text"`
}

// Accumulator is the transcript log plus the per-speaker delta buffers of the
// turn in progress. The zero value is ready to use. It is not safe for
// concurrent use; the owner serialises access.
type Accumulator struct {
	entries []Entry
	frozen  bool
	pending map[Speaker]string
}

// Append adds delta for speaker. When the last entry belongs to speaker and the
// turn has not ended, delta is concatenated onto it; otherwise a new entry is
// started. An empty delta is ignored.
func (a *Accumulator) Append(speaker Speaker, delta string) {
	if delta == "" {
		return
	}
	if a.pending == nil {
		a.pending = make(map[Speaker]string, 2)
	}
	a.pending[speaker] += delta

	if n := len(a.entries); n > 0 && !a.frozen && a.entries[n-1].Speaker == speaker {
		a.entries[n-1].Text += delta
		return
	}
	a.entries = append(a.entries, Entry{Speaker: speaker, Text: delta})
	a.frozen = false
}

// Pending returns everything speaker said since the last turn boundary.
func (a *Accumulator) Pending(speaker Speaker) string {
	return a.pending[speaker]
}

// EndTurn marks a turn boundary: the per-speaker buffers are reset and the
// last entry is frozen.
func (a *Accumulator) EndTurn() {
	clear(a.pending)
	a.frozen = true
}

// Clear empties the log and the buffers.
func (a *Accumulator) Clear() {
	a.entries = nil
	a.frozen = false
	clear(a.pending)
}

// Load replaces the log with a copy of entries, e.g. a stored conversation.
// The loaded log is frozen.
func (a *Accumulator) Load(entries []Entry) {
	a.entries = append([]Entry(nil), entries...)
	a.frozen = true
	clear(a.pending)
}

// Entries returns a copy of the log.
func (a *Accumulator) Entries() []Entry {
	if len(a.entries) == 0 {
		return nil
	}
	return append([]Entry(nil), a.entries...)
}

// Len returns the number of entries.
func (a *Accumulator) Len() int { return len(a.entries) }
