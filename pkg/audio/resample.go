// Package audio provides the PCM16 primitives used throughout Parlance:
// linear-interpolation resampling, little-endian sample/byte conversion, and
// WAV encoding for playback artifacts.
//
// All functions operate on signed 16-bit mono PCM. The model side of the
// pipeline produces audio at 24 kHz; the avatar data channel consumes 16 kHz,
// so the 24000→16000 pairing is the hot path.
package audio

import "math"

// Resample converts PCM16 mono samples from srcRate to dstRate using linear
// interpolation. The output length is round(len(samples)·dstRate/srcRate).
// Each output index maps to a fractional source position; the result
// interpolates between the two neighbouring input samples, with the upper
// neighbour of the final position clamped to the last valid index.
//
// Equal rates return the input slice unchanged (zero allocation), as does an
// empty input. Rates must be positive; validating them is the caller's
// responsibility.
func Resample(samples []int16, srcRate, dstRate int) []int16 {
	if srcRate == dstRate || len(samples) == 0 {
		return samples
	}

	srcSamples := len(samples)
	dstSamples := int(math.Round(float64(srcSamples) * float64(dstRate) / float64(srcRate)))
	if dstSamples == 0 {
		return nil
	}

	out := make([]int16, dstSamples)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		if srcIdx >= srcSamples {
			// Rounding the output length up can map the tail past the end.
			srcIdx = srcSamples - 1
		}
		frac := srcPos - float64(srcIdx)

		s0 := samples[srcIdx]
		s1 := s0
		if srcIdx+1 < srcSamples {
			s1 = samples[srcIdx+1]
		}

		out[i] = int16(float64(s0)*(1-frac) + float64(s1)*frac)
	}
	return out
}

// ResampleBytes is the byte-level convenience over [Resample] for raw
// little-endian PCM16 mono. An odd trailing byte is dropped. Equal rates
// return the input slice unchanged.
func ResampleBytes(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	return SamplesToBytes(Resample(BytesToSamples(pcm), srcRate, dstRate))
}

// BytesToSamples decodes little-endian PCM16 bytes into int16 samples.
// An odd trailing byte is dropped.
func BytesToSamples(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
	}
	return samples
}

// SamplesToBytes encodes int16 samples as little-endian PCM16 bytes.
func SamplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}
