package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// The pipeline speaks exactly one capture format: 16 kHz, 16-bit,
// mono, little-endian PCM. A frame is 640 samples (40 ms).
const (
	SampleRate   = 16000
	FrameSamples = 640
	FrameBytes   = FrameSamples * 2
)

// FloatToPCM16 encodes normalized float samples as 16-bit little-endian PCM.
// Samples are clamped to [-1.0, 1.0] before scaling. Negative values scale by
// 0x8000 and non-negative values by 0x7FFF so that both -1.0 and 1.0 map onto
// representable extremes without overflow.
func FloatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1.0 {
			s = 1.0
		} else if s < -1.0 {
			s = -1.0
		}

		var v int16
		if s < 0 {
			v = int16(s * 0x8000)
		} else {
			v = int16(s * 0x7FFF)
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// PCM16ToFloat decodes 16-bit little-endian PCM into normalized float samples.
// Every sample divides by 32768 regardless of sign, matching the inverse of
// the negative branch of FloatToPCM16.
func PCM16ToFloat(data []byte) ([]float32, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("PCM data length must be even (16-bit samples), got %d", len(data))
	}

	out := make([]float32, len(data)/2)
	for i := range out {
		v := int16(binary.LittleEndian.Uint16(data[i*2:]))
		out[i] = float32(v) / 32768.0
	}
	return out, nil
}

// CalculateRMS calculates the root mean square of normalized float samples.
// Useful for detecting audio levels and silence.
func CalculateRMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// CalculatePeak returns the largest absolute sample value in the chunk.
func CalculatePeak(samples []float32) float64 {
	peak := 0.0
	for _, s := range samples {
		abs := float64(s)
		if abs < 0 {
			abs = -abs
		}
		if abs > peak {
			peak = abs
		}
	}
	return peak
}

// DetectSilence reports whether the chunk's RMS energy falls below threshold.
func DetectSilence(samples []float32, threshold float64) bool {
	return CalculateRMS(samples) < threshold
}
