// Package mock provides in-memory implementations of [audio.InputDevice] and
// [audio.Output] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every call so that tests
// can assert on call counts and arguments, and they expose exported fields that
// the test can set to control return values.
//
// Typical usage:
//
//	dev := &mock.InputDevice{}
//	mic := audio.NewMicrophone(dev, audio.CaptureConfig{})
//	sess, _ := mic.Start(ctx, onFrame)
//	dev.Emit(make([]float32, 4096))
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/sparky/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.InputDevice = (*InputDevice)(nil)
	_ audio.Output      = (*Output)(nil)
)

// ─── InputDevice ──────────────────────────────────────────────────────────────

// OpenCall records the arguments of a single [InputDevice.OpenInput] call.
type OpenCall struct {
	Format    audio.Format
	FrameSize int
}

// InputDevice is a mock [audio.InputDevice]. Frames are pushed with [InputDevice.Emit].
type InputDevice struct {
	mu sync.Mutex

	// OpenError is returned by OpenInput when non-nil.
	OpenError error

	// CloseError is returned by the stream's Close.
	CloseError error

	// OpenCalls records all OpenInput invocations.
	OpenCalls []OpenCall

	handler func([]float32)
	open    int
	closes  int
}

// OpenInput implements [audio.InputDevice].
func (d *InputDevice) OpenInput(_ context.Context, format audio.Format, frameSize int, handler func([]float32)) (audio.InputStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenCalls = append(d.OpenCalls, OpenCall{Format: format, FrameSize: frameSize})
	if d.OpenError != nil {
		return nil, d.OpenError
	}
	d.handler = handler
	d.open++
	return &inputStream{dev: d}, nil
}

// Emit delivers samples to the most recently opened stream, as a device
// callback would. It is a no-op when no stream is open.
func (d *InputDevice) Emit(samples []float32) {
	d.mu.Lock()
	h := d.handler
	d.mu.Unlock()
	if h != nil {
		h(samples)
	}
}

// OpenStreams returns the number of streams opened but not yet closed.
func (d *InputDevice) OpenStreams() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

// CloseCount returns how many times a stream Close was called.
func (d *InputDevice) CloseCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closes
}

type inputStream struct {
	dev    *InputDevice
	closed bool
}

func (s *inputStream) Close() error {
	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	s.dev.closes++
	if !s.closed {
		s.closed = true
		s.dev.open--
		s.dev.handler = nil
	}
	return s.dev.CloseError
}

// ─── Output ───────────────────────────────────────────────────────────────────

// ScheduledVoice records one [Output.Schedule] call.
type ScheduledVoice struct {
	Chunk   audio.Chunk
	At      time.Duration
	Stopped bool

	onEnded func()
	ended   bool
}

// Output is a mock [audio.Output] with a manually driven clock. Voices never
// end on their own; tests finish them with [Output.Finish] or
// [Output.FinishAll].
type Output struct {
	mu sync.Mutex

	// ScheduleError is returned by Schedule when non-nil.
	ScheduleError error

	now    time.Duration
	voices []*ScheduledVoice
}

// SetNow moves the mock clock.
func (o *Output) SetNow(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now = d
}

// Now implements [audio.Output].
func (o *Output) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

// Schedule implements [audio.Output].
func (o *Output) Schedule(c audio.Chunk, at time.Duration, onEnded func()) (audio.Voice, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ScheduleError != nil {
		return nil, o.ScheduleError
	}
	v := &ScheduledVoice{Chunk: c, At: at, onEnded: onEnded}
	o.voices = append(o.voices, v)
	return &voice{out: o, v: v}, nil
}

// Voices returns a snapshot of every scheduled voice in call order.
func (o *Output) Voices() []ScheduledVoice {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]ScheduledVoice, len(o.voices))
	for i, v := range o.voices {
		out[i] = *v
	}
	return out
}

// Finish ends voice i as if its last sample had been rendered. Stopped or
// already finished voices are skipped. Reports whether onEnded was invoked.
func (o *Output) Finish(i int) bool {
	o.mu.Lock()
	if i < 0 || i >= len(o.voices) {
		o.mu.Unlock()
		return false
	}
	v := o.voices[i]
	if v.Stopped || v.ended {
		o.mu.Unlock()
		return false
	}
	v.ended = true
	cb := v.onEnded
	o.mu.Unlock()

	if cb != nil {
		cb()
	}
	return true
}

// FinishAll finishes every pending voice in schedule order.
func (o *Output) FinishAll() {
	o.mu.Lock()
	n := len(o.voices)
	o.mu.Unlock()
	for i := range n {
		o.Finish(i)
	}
}

// FireEnded invokes voice i's onEnded callback even if the voice was stopped,
// simulating a completion event that raced with Stop.
func (o *Output) FireEnded(i int) {
	o.mu.Lock()
	if i < 0 || i >= len(o.voices) {
		o.mu.Unlock()
		return
	}
	cb := o.voices[i].onEnded
	o.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type voice struct {
	out *Output
	v   *ScheduledVoice
}

func (v *voice) Stop() {
	v.out.mu.Lock()
	defer v.out.mu.Unlock()
	v.v.Stopped = true
}
