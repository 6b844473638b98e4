// Package audio holds the sample-level building blocks of the Sparky voice
// pipeline: capture frames, the PCM16 wire encoding sent to the live service,
// decoding of inbound audio payloads, and format conversion helpers.
//
// Samples are represented as normalised float32 values in [-1, 1]. Multi-channel
// data is always interleaved.
package audio

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Reference pipeline formats.
const (
	// CaptureSampleRate is the microphone rate expected by the live service.
	CaptureSampleRate = 16000

	// PlaybackSampleRate is the rate of synthesised speech delivered by the
	// live service.
	PlaybackSampleRate = 24000

	// DefaultFrameSize is the number of samples pulled from the capture
	// device per callback.
	DefaultFrameSize = 4096
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form such as "24000Hz mono".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// Valid reports whether f has a positive rate and channel count.
func (f Format) Valid() bool {
	return f.SampleRate > 0 && f.Channels > 0
}

// AudioFrame is one fixed-length block of single-channel capture samples.
// Frames are ephemeral: Samples may be reused by the device once the frame
// callback returns, so consumers that keep the data must copy it.
type AudioFrame struct {
	// Samples are normalised mono samples in [-1, 1].
	Samples []float32

	// SampleRate in Hz (16000 for the reference capture path).
	SampleRate int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Packet is one encoded capture frame ready for the live service: base64
// encoded little-endian PCM16 with its MIME type.
type Packet struct {
	MIMEType string
	Data     string
}

// Chunk is one decoded unit of playable audio. Samples are interleaved when
// Channels > 1.
type Chunk struct {
	Samples    []float32
	SampleRate int
	Channels   int
}

// Frames returns the number of sample frames (samples per channel).
func (c Chunk) Frames() int {
	if c.Channels <= 0 {
		return 0
	}
	return len(c.Samples) / c.Channels
}

// Duration returns the playback length of the chunk.
func (c Chunk) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(c.Frames()) * time.Second / time.Duration(c.SampleRate)
}

// Format returns the chunk's sample format.
func (c Chunk) Format() Format {
	return Format{SampleRate: c.SampleRate, Channels: c.Channels}
}

// MIMEType returns the live-service MIME type for PCM16 at the given rate,
// e.g. "audio/pcm;rate=16000".
func MIMEType(sampleRate int) string {
	return fmt.Sprintf("audio/pcm;rate=%d", sampleRate)
}

// ParseMIMERate extracts the rate parameter from a MIME type such as
// "audio/pcm;rate=24000".
func ParseMIMERate(mime string) (int, bool) {
	for param := range strings.SplitSeq(mime, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(param), "=")
		if !ok || strings.TrimSpace(k) != "rate" {
			continue
		}
		rate, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || rate <= 0 {
			return 0, false
		}
		return rate, true
	}
	return 0, false
}
