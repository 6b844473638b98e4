// Package wavfile provides file-backed audio devices. [Source] replays a WAV
// file as if it were a microphone and [Recorder] renders a
// [mixer.Timeline] into a WAV file in place of a speaker.
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
)

var _ audio.InputDevice = (*Source)(nil)

// Source is an [audio.InputDevice] that reads a WAV file. The file is
// down-mixed to mono, resampled to the requested rate and delivered in
// fixed-size frames paced at real time. After the end of the file the source
// keeps delivering silence until closed.
type Source struct {
	// Path of the WAV file.
	Path string

	// Interval between frames. 0 means real time for the requested format.
	Interval time.Duration
}

// OpenInput implements [audio.InputDevice]. A missing file is reported as
// [audio.ErrPermissionDenied].
func (s *Source) OpenInput(ctx context.Context, format audio.Format, frameSize int, handler func([]float32)) (audio.InputStream, error) {
	if !format.Valid() || frameSize <= 0 {
		return nil, fmt.Errorf("wavfile: invalid capture format %s / %d", format, frameSize)
	}
	f, err := os.Open(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
			return nil, fmt.Errorf("%w: %v", audio.ErrPermissionDenied, err)
		}
		return nil, fmt.Errorf("wavfile: open %s: %w", s.Path, err)
	}

	r := wav.NewReader(f)
	wf, err := r.Format()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("wavfile: read format of %s: %w", s.Path, err)
	}
	src := audio.Format{SampleRate: int(wf.SampleRate), Channels: int(wf.NumChannels)}
	if !src.Valid() || src.Channels > 2 {
		f.Close()
		return nil, fmt.Errorf("wavfile: %s has unsupported format %s", s.Path, src)
	}

	interval := s.Interval
	if interval <= 0 {
		interval = time.Duration(frameSize) * time.Second / time.Duration(format.SampleRate)
	}

	ctx, cancel := context.WithCancel(ctx)
	st := &sourceStream{
		file:    f,
		reader:  r,
		src:     src,
		dst:     format,
		size:    frameSize,
		handler: handler,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	slog.Info("using wav input", "path", s.Path, "format", src)
	go st.run(ctx, interval)
	return st, nil
}

type sourceStream struct {
	file    *os.File
	reader  *wav.Reader
	src     audio.Format
	dst     audio.Format
	size    int
	handler func([]float32)

	pending []float32 // converted samples not yet delivered
	eof     bool

	cancel   context.CancelFunc
	done     chan struct{}
	once     sync.Once
	closeErr error
}

func (st *sourceStream) run(ctx context.Context, interval time.Duration) {
	defer close(st.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		st.handler(st.nextFrame())
	}
}

// nextFrame returns exactly size mono samples in the destination format.
func (st *sourceStream) nextFrame() []float32 {
	for len(st.pending) < st.size*st.dst.Channels && !st.eof {
		st.fill()
	}
	frame := make([]float32, st.size*st.dst.Channels)
	n := copy(frame, st.pending)
	st.pending = st.pending[n:]
	return frame
}

// fill reads one block from the file and appends it in the destination
// format.
func (st *sourceStream) fill() {
	want := uint32(st.size * st.src.SampleRate / st.dst.SampleRate)
	if want == 0 {
		want = 1
	}
	samples, err := st.reader.ReadSamples(want)
	if err != nil && !errors.Is(err, io.EOF) {
		slog.Warn("wav input read failed", "err", err)
	}
	if len(samples) == 0 {
		st.eof = true
		return
	}

	ch := st.src.Channels
	raw := make([]float32, 0, len(samples)*ch)
	for _, smp := range samples {
		for c := range ch {
			raw = append(raw, float32(st.reader.FloatValue(smp, uint(c))))
		}
	}
	raw = audio.Resample(raw, ch, st.src.SampleRate, st.dst.SampleRate)
	raw = audio.Remix(raw, ch, st.dst.Channels)
	st.pending = append(st.pending, raw...)
	if errors.Is(err, io.EOF) {
		st.eof = true
	}
}

func (st *sourceStream) Close() error {
	st.once.Do(func() {
		st.cancel()
		<-st.done
		st.closeErr = st.file.Close()
	})
	return st.closeErr
}
