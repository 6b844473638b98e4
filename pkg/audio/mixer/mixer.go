package mixer

import (
	"container/heap"
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/sparky/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Output = (*Timeline)(nil)

// ErrClosed is returned by [Timeline.Schedule] after [Timeline.Close].
var ErrClosed = errors.New("mixer: timeline closed")

// defaultQueueCap is the initial capacity hint for the pending voice heap.
const defaultQueueCap = 16

// Option configures a [Timeline] during construction.
type Option func(*Timeline)

// WithQueueCapacity sets the initial capacity hint for the pending voice
// heap. This does not impose a hard limit; the heap grows as needed.
func WithQueueCapacity(n int) Option {
	return func(t *Timeline) {
		if n > 0 {
			t.pending = make(voiceHeap, 0, n)
		}
	}
}

// Timeline is a sample-accurate playback clock. Its position advances only
// when the device pulls audio through [Timeline.Render], so [Timeline.Now]
// always reflects what has actually been handed to the speaker.
//
// Scheduled chunks are converted to the timeline format on entry, mixed
// additively where they overlap, and clamped to [-1, 1]. End-of-voice
// callbacks run on a dedicated notifier goroutine, never inside Render.
//
// All exported methods are safe for concurrent use.
type Timeline struct {
	format audio.Format

	mu       sync.Mutex
	conv     audio.FormatConverter
	pending  voiceHeap // not yet started, ordered by start frame
	active   []*voice  // currently overlapping the render cursor
	frame    int64     // frames rendered so far
	seq      uint64
	finished []func() // ended callbacks awaiting the notifier
	closed   bool

	notify chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
}

// New creates a Timeline producing audio in format. It starts the notifier
// goroutine immediately; call [Timeline.Close] to release it.
func New(format audio.Format, opts ...Option) *Timeline {
	t := &Timeline{
		format:  format,
		conv:    audio.FormatConverter{Target: format},
		pending: make(voiceHeap, 0, defaultQueueCap),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	heap.Init(&t.pending)
	t.wg.Add(1)
	go t.dispatch()
	return t
}

// Format returns the output format of the timeline.
func (t *Timeline) Format() audio.Format { return t.format }

// Now implements [audio.Output].
func (t *Timeline) Now() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frameToDuration(t.frame)
}

// Schedule implements [audio.Output]. Positions in the past are clamped to
// the current render cursor.
func (t *Timeline) Schedule(c audio.Chunk, at time.Duration, onEnded func()) (audio.Voice, error) {
	if !c.Format().Valid() {
		return nil, errors.New("mixer: invalid chunk format")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrClosed
	}

	c = t.conv.Convert(c)
	start := t.durationToFrame(at)
	if start < t.frame {
		start = t.frame
	}

	t.seq++
	v := &voice{
		samples:    c.Samples,
		startFrame: start,
		seq:        t.seq,
		onEnded:    onEnded,
	}
	heap.Push(&t.pending, v)
	return v, nil
}

// Render fills out with the next len(out)/channels frames of the timeline
// and advances the clock. It is intended to be called from the device's
// realtime callback. A closed timeline renders silence without advancing.
func (t *Timeline) Render(out []float32) {
	clear(out)

	ch := t.format.Channels
	if ch <= 0 {
		return
	}
	n := int64(len(out) / ch)

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed || n == 0 {
		return
	}

	windowEnd := t.frame + n
	for t.pending.Len() > 0 && t.pending[0].startFrame < windowEnd {
		t.active = append(t.active, heap.Pop(&t.pending).(*voice))
	}

	kept := t.active[:0]
	var signal bool
	for _, v := range t.active {
		if v.stopped.Load() {
			continue
		}
		offset := v.startFrame - t.frame
		if offset < 0 {
			offset = 0
		}
		total := len(v.samples) / ch
		frames := min(int(n-offset), total-v.pos)
		dst := out[int(offset)*ch : (int(offset)+frames)*ch]
		src := v.samples[v.pos*ch : (v.pos+frames)*ch]
		for i, s := range src {
			dst[i] += s
		}
		v.pos += frames

		if v.pos >= total {
			if v.onEnded != nil {
				t.finished = append(t.finished, v.onEnded)
				signal = true
			}
			continue
		}
		kept = append(kept, v)
	}
	clear(t.active[len(kept):])
	t.active = kept
	t.frame = windowEnd

	for i, s := range out {
		switch {
		case s > 1:
			out[i] = 1
		case s < -1:
			out[i] = -1
		}
	}

	if signal {
		select {
		case t.notify <- struct{}{}:
		default:
		}
	}
}

// Pending returns the number of voices that are scheduled or playing.
func (t *Timeline) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, v := range t.active {
		if !v.stopped.Load() {
			n++
		}
	}
	for _, v := range t.pending {
		if !v.stopped.Load() {
			n++
		}
	}
	return n
}

// Close stops the notifier goroutine and discards every scheduled voice
// without invoking their callbacks. Close is idempotent.
func (t *Timeline) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.pending = t.pending[:0]
	t.active = nil
	t.finished = nil
	t.mu.Unlock()

	close(t.done)
	t.wg.Wait()
	return nil
}

// dispatch delivers ended callbacks in the order their voices finished.
func (t *Timeline) dispatch() {
	defer t.wg.Done()
	for {
		select {
		case <-t.done:
			return
		case <-t.notify:
		}

		t.mu.Lock()
		batch := t.finished
		t.finished = nil
		t.mu.Unlock()

		for _, fn := range batch {
			fn()
		}
	}
}

func (t *Timeline) frameToDuration(f int64) time.Duration {
	if t.format.SampleRate <= 0 {
		return 0
	}
	rate := int64(t.format.SampleRate)
	return time.Duration(f/rate)*time.Second + time.Duration(f%rate)*time.Second/time.Duration(rate)
}

// durationToFrame rounds to the nearest frame, so positions produced by
// frameToDuration (which truncates) map back to the frame they came from.
func (t *Timeline) durationToFrame(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	rate := int64(t.format.SampleRate)
	sec := int64(time.Second)
	return int64(d/time.Second)*rate + (int64(d%time.Second)*rate+sec/2)/sec
}
