// Package audio provides PCM sample conversion helpers shared by the
// capture, voice-activity and synthesis pipelines.
//
// The wire format throughout the system is little-endian 16-bit mono PCM.
// Float samples are normalised to [-1, 1].
package audio

import "math"

// BytesToFloat32 decodes little-endian int16 PCM into normalised float32
// samples. A trailing odd byte is ignored.
func BytesToFloat32(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = float32(s) / 32768
	}
	return out
}

// Float32ToBytes quantises normalised float32 samples into little-endian
// int16 PCM, clamping out-of-range values.
func Float32ToBytes(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, f := range samples {
		s := clampInt16(float64(f) * 32767)
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// Scale multiplies every sample by factor in place and returns the slice.
func Scale(samples []float32, factor float64) []float32 {
	if factor == 1 {
		return samples
	}
	for i := range samples {
		samples[i] = float32(float64(samples[i]) * factor)
	}
	return samples
}

// ResampleFloat32 resamples mono float32 samples from srcRate to dstRate
// using linear interpolation. If the rates match, the input is returned
// unchanged.
func ResampleFloat32(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) < 2 {
		return samples
	}
	dstLen := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}

	out := make([]float32, dstLen)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range out {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := samples[srcIdx]
		s1 := s0
		if srcIdx+1 < len(samples) {
			s1 = samples[srcIdx+1]
		}
		out[i] = float32(float64(s0)*(1-frac) + float64(s1)*frac)
	}
	return out
}

// ResampleMono16 resamples little-endian int16 mono PCM from srcRate to
// dstRate using linear interpolation. If srcRate == dstRate, the input is
// returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
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
		s1 := s0
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		}

		interp := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interp)
		out[i*2+1] = byte(interp >> 8)
	}
	return out
}

// Silence returns n samples of silent int16 PCM (2n bytes of zeros).
func Silence(n int) []byte {
	return make([]byte, n*2)
}

// Power returns the mean log power of the samples in dB, floored at -96 dB
// for silent input.
func Power(samples []float32) float64 {
	if len(samples) == 0 {
		return -96
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	mean := sum / float64(len(samples))
	if mean <= 0 {
		return -96
	}
	db := 10 * math.Log10(mean)
	return math.Max(db, -96)
}

func clampInt16(v float64) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
