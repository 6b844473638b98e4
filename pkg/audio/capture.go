package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrPermissionDenied is returned (wrapped) when the capture device refuses
// access or no input device is available.
var ErrPermissionDenied = errors.New("audio: microphone permission denied")

// FrameHandler receives capture frames. It runs on the device's realtime
// callback and must return quickly.
type FrameHandler func(AudioFrame)

// InputDevice opens capture streams. Implementations must deliver exactly
// frameSize mono samples per handler call at format.SampleRate.
//
// Errors caused by missing devices or denied access should wrap
// [ErrPermissionDenied].
type InputDevice interface {
	OpenInput(ctx context.Context, format Format, frameSize int, handler func(samples []float32)) (InputStream, error)
}

// InputStream is a running capture stream. Close stops capture and releases
// the device; it is called exactly once by [MicrophoneSession].
type InputStream interface {
	Close() error
}

// CaptureConfig configures a [Microphone].
type CaptureConfig struct {
	// SampleRate of the capture stream. Default: [CaptureSampleRate].
	SampleRate int

	// FrameSize is the number of samples per frame. Default: [DefaultFrameSize].
	FrameSize int
}

// Microphone acquires an [InputDevice] and turns its callbacks into
// [AudioFrame] values.
type Microphone struct {
	device InputDevice
	cfg    CaptureConfig
}

// NewMicrophone returns a Microphone reading from device. Zero config fields
// fall back to the reference capture format (16 kHz, 4096 samples).
func NewMicrophone(device InputDevice, cfg CaptureConfig) *Microphone {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = CaptureSampleRate
	}
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = DefaultFrameSize
	}
	return &Microphone{device: device, cfg: cfg}
}

// Config returns the effective capture configuration.
func (m *Microphone) Config() CaptureConfig { return m.cfg }

// Start opens the input device and begins delivering frames to onFrame. The
// returned session owns the device until [MicrophoneSession.Stop] is called.
//
// Start fails with an error matching [ErrPermissionDenied] when access is
// refused. On any error no device handle remains open.
func (m *Microphone) Start(ctx context.Context, onFrame FrameHandler) (*MicrophoneSession, error) {
	if m.device == nil {
		return nil, fmt.Errorf("%w: no input device configured", ErrPermissionDenied)
	}
	if onFrame == nil {
		return nil, errors.New("audio: nil frame handler")
	}

	sess := &MicrophoneSession{}
	rate := m.cfg.SampleRate
	var frames int64

	handler := func(samples []float32) {
		if sess.stopped.Load() {
			return
		}
		ts := time.Duration(frames) * time.Second / time.Duration(rate)
		frames += int64(len(samples))
		onFrame(AudioFrame{Samples: samples, SampleRate: rate, Timestamp: ts})
	}

	stream, err := m.device.OpenInput(ctx, Format{SampleRate: rate, Channels: 1}, m.cfg.FrameSize, handler)
	if err != nil {
		if stream != nil {
			_ = stream.Close()
		}
		return nil, fmt.Errorf("audio: open microphone: %w", err)
	}
	sess.stream = stream

	slog.Debug("microphone started", "sample_rate", rate, "frame_size", m.cfg.FrameSize)
	return sess, nil
}

// MicrophoneSession is one start/stop cycle of a [Microphone].
type MicrophoneSession struct {
	stream   InputStream
	stopped  atomic.Bool
	stopOnce sync.Once
	stopErr  error
}

// Stop halts capture and releases the device. It is idempotent and safe to
// call on a nil or partially initialised session.
func (s *MicrophoneSession) Stop() error {
	if s == nil {
		return nil
	}
	s.stopOnce.Do(func() {
		s.stopped.Store(true)
		if s.stream != nil {
			s.stopErr = s.stream.Close()
		}
		slog.Debug("microphone stopped")
	})
	return s.stopErr
}
