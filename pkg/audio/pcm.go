package audio

import (
	"encoding/base64"
	"encoding/binary"
	"math"
)

// EncodePCM16 converts float samples to little-endian signed 16-bit PCM.
// Samples outside [-1, 1] are clamped. Negative values scale by 32768 and
// positive values by 32767 so both extremes map onto the int16 range.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(floatToInt16(s)))
	}
	return out
}

// EncodePacket encodes frame as a transport-ready [Packet].
func EncodePacket(frame AudioFrame) Packet {
	return Packet{
		MIMEType: MIMEType(frame.SampleRate),
		Data:     base64.StdEncoding.EncodeToString(EncodePCM16(frame.Samples)),
	}
}

func floatToInt16(s float32) int16 {
	switch {
	case math.IsNaN(float64(s)):
		return 0
	case s >= 1:
		return 32767
	case s <= -1:
		return -32768
	case s < 0:
		return int16(s * 32768)
	default:
		return int16(s * 32767)
	}
}

func int16ToFloat(v int16) float32 {
	return float32(v) / 32768
}
