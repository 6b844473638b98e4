package wavfile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/youpy/go-wav"

	"github.com/MrWong99/sparky/pkg/audio"
	"github.com/MrWong99/sparky/pkg/audio/mixer"
)

// DefaultBlock is the render period of a [Recorder].
const DefaultBlock = 20 * time.Millisecond

// Recorder renders a [mixer.Timeline] at real time into a 16-bit PCM WAV
// file. It stands in for a speaker on headless hosts.
//
// Rendered blocks are appended to the file as they are produced; the header
// carries a zero length until Close rewrites it.
type Recorder struct {
	// Path of the output file. It is created or truncated on Open.
	Path string

	// Block is how much audio is rendered per tick. Default: [DefaultBlock].
	Block time.Duration

	// Interval between ticks. 0 means Block, i.e. real time.
	Interval time.Duration
}

// Open creates the file and starts rendering tl into it until the returned
// recording is closed.
func (r *Recorder) Open(ctx context.Context, tl *mixer.Timeline) (*Recording, error) {
	format := tl.Format()
	if !format.Valid() || format.Channels > 2 {
		return nil, fmt.Errorf("wavfile: unsupported recording format %s", format)
	}
	block := r.Block
	if block <= 0 {
		block = DefaultBlock
	}
	interval := r.Interval
	if interval <= 0 {
		interval = block
	}
	frames := int(block * time.Duration(format.SampleRate) / time.Second)
	if frames <= 0 {
		frames = 1
	}

	f, err := os.Create(r.Path)
	if err != nil {
		return nil, fmt.Errorf("wavfile: create %s: %w", r.Path, err)
	}
	rec := &Recording{
		path:   r.Path,
		format: format,
		f:      f,
		done:   make(chan struct{}),
	}
	rec.w = rec.header(0)
	if rec.err != nil {
		_ = f.Close()
		return nil, rec.err
	}

	ctx, cancel := context.WithCancel(ctx)
	rec.cancel = cancel
	go rec.run(ctx, tl, frames, interval)
	slog.Info("recording output", "path", r.Path, "format", format)
	return rec, nil
}

// Recording is a running [Recorder].
type Recording struct {
	path   string
	format audio.Format
	f      *os.File
	w      *wav.Writer

	mu     sync.Mutex
	frames int
	err    error

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (rec *Recording) run(ctx context.Context, tl *mixer.Timeline, frames int, interval time.Duration) {
	defer close(rec.done)

	buf := make([]float32, frames*rec.format.Channels)
	samples := make([]wav.Sample, frames)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		tl.Render(buf)
		if err := rec.append(buf, samples); err != nil {
			slog.Error("wavfile: recording stopped", "path", rec.path, "err", err)
			return
		}
	}
}

// append writes one rendered block. samples is scratch space of one block.
func (rec *Recording) append(buf []float32, samples []wav.Sample) error {
	ch := rec.format.Channels
	pcm := audio.EncodePCM16(buf)
	n := len(buf) / ch
	for i := range n {
		for c := range ch {
			off := (i*ch + c) * 2
			samples[i].Values[c] = int(int16(uint16(pcm[off]) | uint16(pcm[off+1])<<8))
		}
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if err := rec.w.WriteSamples(samples[:n]); err != nil {
		rec.err = fmt.Errorf("wavfile: write %s: %w", rec.path, err)
		return rec.err
	}
	rec.frames += n
	return nil
}

// Frames returns how many sample frames have been written so far.
func (rec *Recording) Frames() int {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.frames
}

// Close stops rendering, completes the WAV header and closes the file. It is
// idempotent.
func (rec *Recording) Close() error {
	rec.once.Do(func() {
		rec.cancel()
		<-rec.done

		rec.mu.Lock()
		defer rec.mu.Unlock()
		if _, err := rec.f.Seek(0, io.SeekStart); err != nil {
			rec.err = errors.Join(rec.err, fmt.Errorf("wavfile: finish %s: %w", rec.path, err))
		} else {
			rec.header(rec.frames)
		}
		rec.err = errors.Join(rec.err, rec.f.Close())
	})
	return rec.err
}

// header writes the RIFF header for frames sample frames at the current file
// offset. Failures are recorded in rec.err.
func (rec *Recording) header(frames int) *wav.Writer {
	cw := &errWriter{w: rec.f}
	w := wav.NewWriter(cw, uint32(frames), uint16(rec.format.Channels), uint32(rec.format.SampleRate), 16)
	if cw.err != nil {
		rec.err = errors.Join(rec.err, fmt.Errorf("wavfile: write header %s: %w", rec.path, cw.err))
	}
	w.Writer = rec.f
	return w
}

// errWriter keeps the first error of a sequence of writes, since the wav
// header writer discards them.
type errWriter struct {
	w   io.Writer
	err error
}

func (c *errWriter) Write(p []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	n, err := c.w.Write(p)
	c.err = err
	return n, err
}
