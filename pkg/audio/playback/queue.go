// Package playback schedules decoded speech onto an [audio.Output] so that
// chunks arriving at irregular intervals play back to back without gaps, and
// can be cancelled in one step when the user barges in.
package playback

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/sparky/pkg/audio"
)

var (
	// ErrEmptyChunk is returned by [Queue.Add] for chunks with no playable frames.
	ErrEmptyChunk = errors.New("playback: empty chunk")

	// ErrStale is returned by [Queue.AddIfCurrent] when the queue was stopped
	// after the chunk was handed out.
	ErrStale = errors.New("playback: chunk belongs to a stopped generation")
)

// Option configures a [Queue].
type Option func(*Queue)

// WithOnDrained registers fn as the drained callback. See [Queue.OnDrained].
func WithOnDrained(fn func(gen uint64)) Option {
	return func(q *Queue) { q.onDrained = fn }
}

// WithOnScheduled registers fn to be called after every successful Add with
// the chunk duration and the gap inserted before it. A positive gap means the
// chunk arrived after the previous one finished playing.
func WithOnScheduled(fn func(d, gap time.Duration)) Option {
	return func(q *Queue) { q.onScheduled = fn }
}

// entry is one scheduled chunk. gen pins the entry to the queue generation it
// was added in so that completions racing with Stop are discarded.
type entry struct {
	voice audio.Voice
	gen   uint64
}

// Queue is the gapless playback scheduler. Each chunk starts at
// max(nextStartTime, now) on the output clock, so chunks that arrive early
// queue back to back and chunks that arrive late start immediately.
//
// Back-to-back chunks are placed by counting sample frames from the point
// where the run of contiguous chunks began, so the start of chunk n is exact
// to the nanosecond no matter how many chunks precede it.
//
// The drained callback fires once per non-empty to empty transition of the
// active set and never as a result of [Queue.Stop]. It receives the
// generation the drained chunks were added in.
//
// All methods are safe for concurrent use. The drained callback is invoked
// without the queue lock held.
type Queue struct {
	out audio.Output

	mu            sync.Mutex
	active        map[uint64]entry
	nextID        uint64
	gen           uint64
	nextStartTime time.Duration
	onDrained     func(gen uint64)

	// anchor is the clock position where the current run of contiguous
	// chunks began; frames and rate describe what has been queued since.
	anchor time.Duration
	frames int64
	rate   int
	onScheduled   func(d, gap time.Duration)
}

// New returns a Queue scheduling onto out.
func New(out audio.Output, opts ...Option) *Queue {
	q := &Queue{
		out:    out,
		active: make(map[uint64]entry),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// OnDrained replaces the drained callback. fn may be nil.
func (q *Queue) OnDrained(fn func(gen uint64)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onDrained = fn
}

// Generation returns the current generation. It changes on every
// [Queue.Stop].
func (q *Queue) Generation() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.gen
}

// Add schedules c after everything already queued and returns its start
// position on the output clock.
func (q *Queue) Add(c audio.Chunk) (time.Duration, error) {
	if c.Duration() <= 0 {
		return 0, ErrEmptyChunk
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.add(c)
}

// AddIfCurrent is Add for a chunk obtained while the queue was at generation
// gen. If the queue has been stopped since, c is discarded with [ErrStale].
func (q *Queue) AddIfCurrent(gen uint64, c audio.Chunk) (time.Duration, error) {
	if c.Duration() <= 0 {
		return 0, ErrEmptyChunk
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if gen != q.gen {
		return 0, ErrStale
	}
	return q.add(c)
}

func (q *Queue) add(c audio.Chunk) (time.Duration, error) {
	d := c.Duration()
	now := q.out.Now()
	start := max(q.nextStartTime, now)
	var gap time.Duration
	if len(q.active) == 0 && q.nextStartTime > 0 && now > q.nextStartTime {
		gap = now - q.nextStartTime
	}

	anchor, frames, rate := q.anchor, q.frames, q.rate
	if start != q.nextStartTime || c.SampleRate != rate {
		anchor, frames, rate = start, 0, c.SampleRate
	}

	q.nextID++
	id, gen := q.nextID, q.gen
	voice, err := q.out.Schedule(c, start, func() { q.ended(id, gen) })
	if err != nil {
		return 0, fmt.Errorf("playback: schedule chunk: %w", err)
	}
	q.active[id] = entry{voice: voice, gen: gen}

	frames += int64(c.Frames())
	q.anchor, q.frames, q.rate = anchor, frames, rate
	q.nextStartTime = anchor + framesToDuration(frames, rate)

	if q.onScheduled != nil {
		q.onScheduled(d, gap)
	}
	return start, nil
}

// ended removes a finished entry and fires the drained callback when it was
// the last one.
func (q *Queue) ended(id, gen uint64) {
	q.mu.Lock()
	e, ok := q.active[id]
	if !ok || e.gen != gen || gen != q.gen {
		q.mu.Unlock()
		return
	}
	delete(q.active, id)
	var fn func(uint64)
	if len(q.active) == 0 {
		fn = q.onDrained
	}
	q.mu.Unlock()

	if fn != nil {
		slog.Debug("playback drained", "gen", gen)
		fn(gen)
	}
}

// Stop halts every scheduled chunk, including ones that have not started,
// and resets the schedule. The drained callback is not invoked. Stop is
// idempotent.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.gen++
	for id, e := range q.active {
		e.voice.Stop()
		delete(q.active, id)
	}
	q.nextStartTime = 0
	q.anchor, q.frames, q.rate = 0, 0, 0
}

// Active returns the number of chunks scheduled or playing.
func (q *Queue) Active() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.active)
}

// NextStartTime returns the output clock position at which the next chunk
// would start if the queue were not behind real time.
func (q *Queue) NextStartTime() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.nextStartTime
}

// framesToDuration converts a frame count at rate to clock time, truncated
// to the nanosecond.
func framesToDuration(frames int64, rate int) time.Duration {
	r := int64(rate)
	return time.Duration(frames/r)*time.Second + time.Duration(frames%r)*time.Second/time.Duration(r)
}
