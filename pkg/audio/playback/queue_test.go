package playback_test

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/sparky/pkg/audio"
	"github.com/MrWong99/sparky/pkg/audio/mixer"
	"github.com/MrWong99/sparky/pkg/audio/mock"
	"github.com/MrWong99/sparky/pkg/audio/playback"
)

// chunkOf returns a silent 24 kHz mono chunk lasting d.
func chunkOf(d time.Duration) audio.Chunk {
	n := int(d * audio.PlaybackSampleRate / time.Second)
	return audio.Chunk{Samples: make([]float32, n), SampleRate: audio.PlaybackSampleRate, Channels: 1}
}

func newQueue(t *testing.T) (*playback.Queue, *mock.Output, *atomic.Int32) {
	t.Helper()
	out := &mock.Output{}
	var drained atomic.Int32
	q := playback.New(out, playback.WithOnDrained(func(uint64) { drained.Add(1) }))
	return q, out, &drained
}

func TestQueue_GaplessScheduling(t *testing.T) {
	t.Parallel()
	q, out, _ := newQueue(t)
	out.SetNow(500 * time.Millisecond)

	durations := []time.Duration{100 * time.Millisecond, 40 * time.Millisecond, 250 * time.Millisecond}
	want := 500 * time.Millisecond
	for i, d := range durations {
		start, err := q.Add(chunkOf(d))
		if err != nil {
			t.Fatalf("Add %d: %v", i, err)
		}
		if start != want {
			t.Errorf("chunk %d start = %v, want %v", i, start, want)
		}
		want += d
	}

	voices := out.Voices()
	if len(voices) != 3 {
		t.Fatalf("scheduled %d voices, want 3", len(voices))
	}
	if q.NextStartTime() != 890*time.Millisecond {
		t.Errorf("NextStartTime() = %v, want 890ms", q.NextStartTime())
	}
}

func TestQueue_LateChunkSnapsToNow(t *testing.T) {
	t.Parallel()
	q, out, _ := newQueue(t)

	if _, err := q.Add(chunkOf(100 * time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	out.Finish(0)
	out.SetNow(300 * time.Millisecond)

	start, err := q.Add(chunkOf(100 * time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	if start != 300*time.Millisecond {
		t.Errorf("start = %v, want 300ms (snapped to now)", start)
	}
}

func TestQueue_DrainedOncePerCycle(t *testing.T) {
	t.Parallel()
	q, out, drained := newQueue(t)

	for range 3 {
		if _, err := q.Add(chunkOf(20 * time.Millisecond)); err != nil {
			t.Fatal(err)
		}
	}
	out.Finish(0)
	out.Finish(1)
	if drained.Load() != 0 {
		t.Fatalf("drained fired with a chunk still active")
	}
	out.Finish(2)
	if got := drained.Load(); got != 1 {
		t.Fatalf("drained = %d, want 1", got)
	}

	// A second cycle drains again, exactly once.
	if _, err := q.Add(chunkOf(20 * time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	out.Finish(3)
	out.FireEnded(3)
	if got := drained.Load(); got != 2 {
		t.Errorf("drained = %d, want 2", got)
	}
}

func TestQueue_StopBeforePlaybackNeverDrains(t *testing.T) {
	t.Parallel()
	q, out, drained := newQueue(t)

	if _, err := q.Add(chunkOf(50 * time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	q.Stop()

	for i, v := range out.Voices() {
		if !v.Stopped {
			t.Errorf("voice %d not stopped", i)
		}
	}
	// A completion racing with Stop must be ignored.
	out.FireEnded(0)

	if drained.Load() != 0 {
		t.Errorf("drained fired after Stop")
	}
	if q.Active() != 0 {
		t.Errorf("Active() = %d, want 0", q.Active())
	}
	if q.NextStartTime() != 0 {
		t.Errorf("NextStartTime() = %v, want 0", q.NextStartTime())
	}
}

func TestQueue_StaleCompletionDoesNotAffectNewSession(t *testing.T) {
	t.Parallel()
	q, out, drained := newQueue(t)

	_, _ = q.Add(chunkOf(50 * time.Millisecond))
	q.Stop()
	_, _ = q.Add(chunkOf(50 * time.Millisecond))

	out.FireEnded(0)
	if q.Active() != 1 {
		t.Fatalf("Active() = %d, want 1", q.Active())
	}
	if drained.Load() != 0 {
		t.Fatalf("stale completion fired drained")
	}
	out.Finish(1)
	if drained.Load() != 1 {
		t.Errorf("drained = %d, want 1", drained.Load())
	}
}

func TestQueue_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	q, _, drained := newQueue(t)
	q.Stop()
	q.Stop()
	if drained.Load() != 0 || q.Active() != 0 {
		t.Errorf("unexpected state after Stop on empty queue")
	}
}

func TestQueue_RejectsEmptyChunk(t *testing.T) {
	t.Parallel()
	q, out, _ := newQueue(t)
	out.SetNow(time.Second)

	if _, err := q.Add(audio.Chunk{SampleRate: 24000, Channels: 1}); !errors.Is(err, playback.ErrEmptyChunk) {
		t.Fatalf("got %v, want ErrEmptyChunk", err)
	}
	if q.NextStartTime() != 0 || len(out.Voices()) != 0 {
		t.Error("empty chunk touched queue state")
	}
}

func TestQueue_ScheduleFailureLeavesStateUntouched(t *testing.T) {
	t.Parallel()
	out := &mock.Output{ScheduleError: errors.New("device gone")}
	q := playback.New(out)

	if _, err := q.Add(chunkOf(10 * time.Millisecond)); err == nil {
		t.Fatal("expected error")
	}
	if q.Active() != 0 || q.NextStartTime() != 0 {
		t.Error("failed schedule changed queue state")
	}
}

func TestQueue_OnScheduledReportsGap(t *testing.T) {
	t.Parallel()
	out := &mock.Output{}
	var gaps []time.Duration
	q := playback.New(out, playback.WithOnScheduled(func(_, gap time.Duration) {
		gaps = append(gaps, gap)
	}))

	_, _ = q.Add(chunkOf(100 * time.Millisecond))
	out.Finish(0)
	out.SetNow(150 * time.Millisecond)
	_, _ = q.Add(chunkOf(100 * time.Millisecond))

	if len(gaps) != 2 || gaps[0] != 0 || gaps[1] != 50*time.Millisecond {
		t.Errorf("gaps = %v, want [0s 50ms]", gaps)
	}
}

func TestQueue_AddIfCurrentDropsStaleChunks(t *testing.T) {
	t.Parallel()
	q, out, _ := newQueue(t)

	gen := q.Generation()
	if _, err := q.AddIfCurrent(gen, chunkOf(20*time.Millisecond)); err != nil {
		t.Fatalf("AddIfCurrent: %v", err)
	}
	q.Stop()
	if q.Generation() == gen {
		t.Fatal("Stop did not advance the generation")
	}

	if _, err := q.AddIfCurrent(gen, chunkOf(20*time.Millisecond)); !errors.Is(err, playback.ErrStale) {
		t.Fatalf("got %v, want ErrStale", err)
	}
	if len(out.Voices()) != 1 || q.Active() != 0 {
		t.Errorf("stale chunk was scheduled: voices=%d active=%d", len(out.Voices()), q.Active())
	}
	if _, err := q.AddIfCurrent(q.Generation(), chunkOf(20*time.Millisecond)); err != nil {
		t.Errorf("current generation rejected: %v", err)
	}
}

func TestQueue_DrainedReportsGeneration(t *testing.T) {
	t.Parallel()
	out := &mock.Output{}
	gens := make(chan uint64, 2)
	q := playback.New(out, playback.WithOnDrained(func(gen uint64) { gens <- gen }))

	_, _ = q.Add(chunkOf(10 * time.Millisecond))
	q.Stop()
	_, _ = q.Add(chunkOf(10 * time.Millisecond))
	out.Finish(1)

	select {
	case gen := <-gens:
		if gen != q.Generation() {
			t.Errorf("drained gen = %d, want %d", gen, q.Generation())
		}
	default:
		t.Fatal("drained not fired")
	}
}

// renderTimeline pushes n frames through tl in device sized blocks.
func renderTimeline(tl *mixer.Timeline, n int) []float32 {
	out := make([]float32, n)
	for off := 0; off < n; off += 512 {
		tl.Render(out[off:min(off+512, n)])
	}
	return out
}

func constSpeech(frames int, v float32) audio.Chunk {
	s := make([]float32, frames)
	for i := range s {
		s[i] = v
	}
	return audio.Chunk{Samples: s, SampleRate: audio.PlaybackSampleRate, Channels: 1}
}

func TestQueue_TimelineGaplessAt24kHz(t *testing.T) {
	t.Parallel()
	tl := mixer.New(audio.Format{SampleRate: audio.PlaybackSampleRate, Channels: 1})
	defer tl.Close()
	q := playback.New(tl)

	// 1000 frames at 24 kHz is not a whole number of nanoseconds.
	for i := range 3 {
		if _, err := q.Add(constSpeech(1000, 0.5)); err != nil {
			t.Fatalf("Add %d: %v", i, err)
		}
	}
	out := renderTimeline(tl, 3001)
	for i, s := range out[:3000] {
		if s != 0.5 {
			t.Fatalf("frame %d = %v, want 0.5", i, s)
		}
	}
	if out[3000] != 0 {
		t.Errorf("frame 3000 = %v, want silence after the last chunk", out[3000])
	}
}

func TestQueue_TimelineLongRunDoesNotDrift(t *testing.T) {
	t.Parallel()
	tl := mixer.New(audio.Format{SampleRate: audio.PlaybackSampleRate, Channels: 1})
	defer tl.Close()
	drained := make(chan struct{})
	q := playback.New(tl, playback.WithOnDrained(func(uint64) { close(drained) }))

	// Two seconds of single-frame chunks: any per-chunk rounding error
	// accumulates to more than half a frame long before the end.
	const n = 2 * audio.PlaybackSampleRate
	for i := range n {
		if _, err := q.Add(constSpeech(1, 0.5)); err != nil {
			t.Fatalf("Add %d: %v", i, err)
		}
	}
	if want := 2 * time.Second; q.NextStartTime() != want {
		t.Errorf("NextStartTime() = %v, want %v", q.NextStartTime(), want)
	}

	out := renderTimeline(tl, n+1)
	for i, s := range out[:n] {
		if s != 0.5 {
			t.Fatalf("frame %d = %v, want 0.5", i, s)
		}
	}
	if out[n] != 0 {
		t.Errorf("frame %d = %v, want silence", n, out[n])
	}
	select {
	case <-drained:
	case <-time.After(2 * time.Second):
		t.Fatal("queue never drained")
	}
}

func TestQueue_TimelineLateChunkStartsAtNow(t *testing.T) {
	t.Parallel()
	tl := mixer.New(audio.Format{SampleRate: audio.PlaybackSampleRate, Channels: 1})
	defer tl.Close()
	q := playback.New(tl)

	if _, err := q.Add(constSpeech(1000, 0.5)); err != nil {
		t.Fatal(err)
	}
	renderTimeline(tl, 1500)
	if _, err := q.Add(constSpeech(1000, 0.25)); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Add(constSpeech(1000, 0.75)); err != nil {
		t.Fatal(err)
	}
	out := renderTimeline(tl, 2001)
	if out[0] != 0.25 || out[999] != 0.25 {
		t.Errorf("late chunk = [%v..%v], want it at the render cursor", out[0], out[999])
	}
	if out[1000] != 0.75 || out[1999] != 0.75 || out[2000] != 0 {
		t.Errorf("follow-up chunk = [%v..%v] then %v, want gapless 0.75 then silence", out[1000], out[1999], out[2000])
	}
}
