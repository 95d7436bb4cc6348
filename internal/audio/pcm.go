package audio

import (
	"fmt"
	"math"
)

// TargetSampleRate is the sample rate the server engine is configured for
const TargetSampleRate = 16000

// DecodeLinear16 converts little-endian 16-bit PCM bytes to samples
func DecodeLinear16(pcm []byte) ([]int16, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("PCM data length must be even (16-bit samples), got %d bytes", len(pcm))
	}

	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
	}
	return samples, nil
}

// EncodeLinear16 converts samples to little-endian 16-bit PCM bytes
func EncodeLinear16(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// Resample converts samples between rates by linear interpolation.
// Browsers capture at the AudioContext rate (usually 44.1 or 48 kHz).
func Resample(samples []int16, inputRate, outputRate int) []int16 {
	if inputRate == outputRate || inputRate <= 0 || outputRate <= 0 || len(samples) == 0 {
		return samples
	}

	n := len(samples) * outputRate / inputRate
	step := float64(inputRate) / float64(outputRate)
	out := make([]int16, n)

	for i := 0; i < n; i++ {
		src := float64(i) * step
		i0 := int(src)
		i1 := i0 + 1
		if i1 >= len(samples) {
			i1 = len(samples) - 1
		}
		frac := src - float64(i0)
		out[i] = int16(float64(samples[i0])*(1.0-frac) + float64(samples[i1])*frac)
	}
	return out
}

// ToTargetRate decodes a forwarded frame and resamples it to TargetSampleRate,
// returning the re-encoded bytes and the decoded samples.
func ToTargetRate(pcm []byte, sampleRate int) ([]byte, []int16, error) {
	samples, err := DecodeLinear16(pcm)
	if err != nil {
		return nil, nil, err
	}
	if sampleRate == 0 || sampleRate == TargetSampleRate {
		return pcm, samples, nil
	}
	samples = Resample(samples, sampleRate, TargetSampleRate)
	return EncodeLinear16(samples), samples, nil
}

// CalculateRMS calculates the root mean square (RMS) of audio samples
func CalculateRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
