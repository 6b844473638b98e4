package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// FormatConverter converts chunks to a target format. It logs a warning on the
// first format mismatch. Create one per stream; not designed for shared use
// across goroutines.
type FormatConverter struct {
	Target         Format
	warnedMismatch sync.Once
}

// Convert converts c to the target format. If the source format already
// matches the target, c is returned unchanged (zero allocation).
// Conversion order: resample first, then channel conversion.
func (fc *FormatConverter) Convert(c Chunk) Chunk {
	if c.SampleRate == fc.Target.SampleRate && c.Channels == fc.Target.Channels {
		return c
	}
	if !c.Format().Valid() || !fc.Target.Valid() {
		return c
	}

	fc.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", c.Format(),
			"to", fc.Target,
		)
	})

	samples := c.Samples
	if c.SampleRate != fc.Target.SampleRate {
		samples = Resample(samples, c.Channels, c.SampleRate, fc.Target.SampleRate)
	}
	if c.Channels != fc.Target.Channels {
		samples = Remix(samples, c.Channels, fc.Target.Channels)
	}
	return Chunk{
		Samples:    samples,
		SampleRate: fc.Target.SampleRate,
		Channels:   fc.Target.Channels,
	}
}

// Resample converts interleaved float samples from srcRate to dstRate using
// linear interpolation per channel. If the rates match, the input is returned
// unchanged.
func Resample(samples []float32, channels, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || channels <= 0 {
		return samples
	}
	if srcRate == dstRate || len(samples) < channels {
		return samples
	}
	srcFrames := len(samples) / channels
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]float32, dstFrames*channels)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstFrames {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := float32(srcPos - float64(srcIdx))
		next := srcIdx + 1
		if next >= srcFrames {
			next = srcIdx
		}
		for ch := range channels {
			s0 := samples[srcIdx*channels+ch]
			s1 := samples[next*channels+ch]
			out[i*channels+ch] = s0*(1-frac) + s1*frac
		}
	}
	return out
}

// Remix converts interleaved samples between channel layouts. Downmixing to
// mono averages all channels; upmixing from mono duplicates the sample into
// every output channel. Other layouts keep the first min(from, to) channels
// and fill the rest with silence.
func Remix(samples []float32, from, to int) []float32 {
	if from <= 0 || to <= 0 || from == to {
		return samples
	}
	frames := len(samples) / from
	out := make([]float32, frames*to)

	for i := range frames {
		src := samples[i*from : (i+1)*from]
		dst := out[i*to : (i+1)*to]
		switch {
		case to == 1:
			var sum float32
			for _, s := range src {
				sum += s
			}
			dst[0] = sum / float32(from)
		case from == 1:
			for ch := range dst {
				dst[ch] = src[0]
			}
		default:
			copy(dst, src)
		}
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. The input must be little-endian int16 samples. If srcRate ==
// dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		var s1 int16
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		} else {
			s1 = s0
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
