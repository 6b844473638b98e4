// Package portaudio binds the Sparky audio pipeline to the system sound card
// through PortAudio. [Input] implements [audio.InputDevice] for the
// microphone and [Speaker] drives a [mixer.Timeline] from the output callback.
//
// PortAudio initialisation is reference counted, so every stream initialises
// the library on open and terminates it on close.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/sparky/pkg/audio"
	"github.com/MrWong99/sparky/pkg/audio/mixer"
)

var _ audio.InputDevice = (*Input)(nil)

// DeviceInfo describes one PortAudio device.
type DeviceInfo struct {
	Index             int
	Name              string
	MaxInputChannels  int
	MaxOutputChannels int
	DefaultSampleRate float64
}

// ListDevices returns every device PortAudio can see.
func ListDevices() ([]DeviceInfo, error) {
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	defer pa.Terminate()

	devices, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	out := make([]DeviceInfo, 0, len(devices))
	for i, d := range devices {
		out = append(out, DeviceInfo{
			Index:             i,
			Name:              d.Name,
			MaxInputChannels:  d.MaxInputChannels,
			MaxOutputChannels: d.MaxOutputChannels,
			DefaultSampleRate: d.DefaultSampleRate,
		})
	}
	return out, nil
}

// DefaultDevice selects the host's default input or output device.
const DefaultDevice = -1

// lookup resolves a device index. Negative indices select the system default.
func lookup(index int, input bool) (*pa.DeviceInfo, error) {
	if index < 0 {
		if input {
			return pa.DefaultInputDevice()
		}
		return pa.DefaultOutputDevice()
	}
	devices, err := pa.Devices()
	if err != nil {
		return nil, err
	}
	if index >= len(devices) {
		return nil, fmt.Errorf("device %d out of range (%d devices)", index, len(devices))
	}
	d := devices[index]
	if input && d.MaxInputChannels == 0 {
		return nil, fmt.Errorf("device %d (%s) has no input channels", index, d.Name)
	}
	if !input && d.MaxOutputChannels == 0 {
		return nil, fmt.Errorf("device %d (%s) has no output channels", index, d.Name)
	}
	return d, nil
}

// isAccessError reports whether err means the device is missing or refused.
func isAccessError(err error) bool {
	return errors.Is(err, pa.DeviceUnavailable) || errors.Is(err, pa.InvalidDevice)
}

// ── Input ───────────────────────────────────────────────────────────────────

// Input captures from a PortAudio input device.
type Input struct {
	// Device is the PortAudio device index, or [DefaultDevice].
	Device int
}

// OpenInput implements [audio.InputDevice]. Missing or unavailable devices
// are reported as [audio.ErrPermissionDenied].
func (in *Input) OpenInput(_ context.Context, format audio.Format, frameSize int, handler func([]float32)) (audio.InputStream, error) {
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}

	dev, err := lookup(in.Device, true)
	if err != nil {
		_ = pa.Terminate()
		return nil, fmt.Errorf("%w: %v", audio.ErrPermissionDenied, err)
	}

	slog.Info("using audio input device",
		"device", dev.Name,
		"sample_rate", format.SampleRate,
		"channels", format.Channels,
	)

	params := pa.StreamParameters{
		Input: pa.StreamDeviceParameters{
			Device:   dev,
			Channels: format.Channels,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      float64(format.SampleRate),
		FramesPerBuffer: frameSize,
	}
	s, err := pa.OpenStream(params, func(buf []float32) { handler(buf) })
	if err != nil {
		_ = pa.Terminate()
		if isAccessError(err) {
			return nil, fmt.Errorf("%w: %v", audio.ErrPermissionDenied, err)
		}
		return nil, fmt.Errorf("portaudio: open input stream: %w", err)
	}
	if err := s.Start(); err != nil {
		_ = s.Close()
		_ = pa.Terminate()
		return nil, fmt.Errorf("portaudio: start input stream: %w", err)
	}
	return &stream{s: s}, nil
}

// ── Speaker ─────────────────────────────────────────────────────────────────

// Speaker plays a [mixer.Timeline] on a PortAudio output device. The
// timeline's clock advances with every buffer the device pulls.
type Speaker struct {
	// Device is the PortAudio device index, or [DefaultDevice].
	Device int

	// FramesPerBuffer is the output buffer size. 0 lets PortAudio choose.
	FramesPerBuffer int
}

// Open starts playback of tl. Close the returned stream to stop.
func (sp *Speaker) Open(tl *mixer.Timeline) (io.Closer, error) {
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	dev, err := lookup(sp.Device, false)
	if err != nil {
		_ = pa.Terminate()
		return nil, fmt.Errorf("portaudio: output device: %w", err)
	}

	format := tl.Format()
	slog.Info("using audio output device",
		"device", dev.Name,
		"sample_rate", format.SampleRate,
		"channels", format.Channels,
	)

	params := pa.StreamParameters{
		Output: pa.StreamDeviceParameters{
			Device:   dev,
			Channels: format.Channels,
			Latency:  dev.DefaultLowOutputLatency,
		},
		SampleRate:      float64(format.SampleRate),
		FramesPerBuffer: sp.FramesPerBuffer,
	}
	s, err := pa.OpenStream(params, func(out []float32) { tl.Render(out) })
	if err != nil {
		_ = pa.Terminate()
		return nil, fmt.Errorf("portaudio: open output stream: %w", err)
	}
	if err := s.Start(); err != nil {
		_ = s.Close()
		_ = pa.Terminate()
		return nil, fmt.Errorf("portaudio: start output stream: %w", err)
	}
	return &stream{s: s}, nil
}

// stream stops, closes and terminates exactly once.
type stream struct {
	s    *pa.Stream
	once sync.Once
	err  error
}

func (st *stream) Close() error {
	st.once.Do(func() {
		st.err = errors.Join(st.s.Stop(), st.s.Close(), pa.Terminate())
	})
	return st.err
}
