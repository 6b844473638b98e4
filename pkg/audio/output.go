package audio

import "time"

// Output is a clocked playback sink. It owns the audio clock that playback is
// scheduled against.
//
// Implementations must be safe for concurrent use.
type Output interface {
	// Now returns the current position of the output clock.
	Now() time.Duration

	// Schedule plays c starting at clock position at. When at is in the past
	// playback starts immediately. onEnded is invoked once, on a goroutine
	// other than the render path, after the last sample has been rendered.
	// It is never invoked for a voice that was stopped before finishing.
	Schedule(c Chunk, at time.Duration, onEnded func()) (Voice, error)
}

// Voice is a single scheduled chunk on an [Output].
type Voice interface {
	// Stop halts the voice immediately, whether or not it has started.
	// Stopping an already finished or stopped voice is a no-op.
	Stop()
}
