// Package mixer provides a clocked [audio.Output] implementation. Chunks are
// scheduled at absolute positions on a sample-accurate timeline and mixed
// into the buffers the audio device pulls via [Timeline.Render].
package mixer

import (
	"sync/atomic"

	"github.com/MrWong99/sparky/pkg/audio"
)

// voice is one scheduled chunk on the timeline. samples are already converted
// to the timeline's output format.
type voice struct {
	samples    []float32
	startFrame int64
	pos        int // frames already rendered
	seq        uint64
	onEnded    func()
	stopped    atomic.Bool
}

// Stop implements [audio.Voice].
func (v *voice) Stop() { v.stopped.Store(true) }

var _ audio.Voice = (*voice)(nil)

// voiceHeap implements [container/heap.Interface] as a min-heap ordered by
// start frame, with FIFO tie-breaking on seq.
type voiceHeap []*voice

func (h voiceHeap) Len() int { return len(h) }

// Less reports whether voice i starts before voice j. Voices starting on the
// same frame keep their scheduling order.
func (h voiceHeap) Less(i, j int) bool {
	if h[i].startFrame != h[j].startFrame {
		return h[i].startFrame < h[j].startFrame
	}
	return h[i].seq < h[j].seq
}

func (h voiceHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

// Push appends x to the heap. Called by [container/heap.Push]; callers must
// not invoke this directly.
func (h *voiceHeap) Push(x any) {
	*h = append(*h, x.(*voice))
}

// Pop removes and returns the last element. Called by [container/heap.Pop];
// callers must not invoke this directly.
func (h *voiceHeap) Pop() any {
	old := *h
	n := len(old)
	v := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return v
}
