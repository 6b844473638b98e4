package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrEmptyPayload is wrapped by [DecodeError] when a payload carries no audio.
var ErrEmptyPayload = errors.New("empty audio payload")

// DecodeError reports a malformed inbound audio payload. The offending chunk
// should be dropped; playback of later chunks is unaffected.
type DecodeError struct {
	// Len is the payload length in bytes (or characters for base64 input).
	Len int
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("audio: decode %d byte payload: %v", e.Len, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// DecodeChunk converts little-endian PCM16 bytes into a playable [Chunk] of
// the given format. The byte count must be a whole number of sample frames.
func DecodeChunk(pcm []byte, format Format) (Chunk, error) {
	if !format.Valid() {
		return Chunk{}, &DecodeError{Len: len(pcm), Err: fmt.Errorf("invalid format %s", format)}
	}
	if len(pcm) == 0 {
		return Chunk{}, &DecodeError{Err: ErrEmptyPayload}
	}
	frameBytes := 2 * format.Channels
	if len(pcm)%frameBytes != 0 {
		return Chunk{}, &DecodeError{
			Len: len(pcm),
			Err: fmt.Errorf("length is not a multiple of the %d byte frame size", frameBytes),
		}
	}

	samples := make([]float32, len(pcm)/2)
	for i := range samples {
		samples[i] = int16ToFloat(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return Chunk{
		Samples:    samples,
		SampleRate: format.SampleRate,
		Channels:   format.Channels,
	}, nil
}

// DecodeBase64Chunk decodes a base64 PCM16 payload as delivered by the live
// service.
func DecodeBase64Chunk(payload string, format Format) (Chunk, error) {
	if payload == "" {
		return Chunk{}, &DecodeError{Err: ErrEmptyPayload}
	}
	pcm, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return Chunk{}, &DecodeError{Len: len(payload), Err: fmt.Errorf("base64: %w", err)}
	}
	return DecodeChunk(pcm, format)
}
