package audioio

import (
	"math"
	"time"
)

// Frame is a fixed-length run of mono PCM16 samples sent to the remote session.
type Frame []int16

// Bytes returns the frame as little-endian PCM16.
func (f Frame) Bytes() []byte {
	return SamplesToBytes(f)
}

// Duration returns how long the frame plays at the given rate.
func (f Frame) Duration(sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f)) * time.Second / time.Duration(sampleRate)
}

// BytesToSamples converts raw PCM16 little-endian bytes to int16 samples.
// A trailing odd byte is ignored.
func BytesToSamples(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(data[i*2]) | int16(data[i*2+1])<<8
	}
	return samples
}

// SamplesToBytes converts int16 samples to raw PCM16 little-endian bytes.
func SamplesToBytes(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		data[i*2] = byte(s)
		data[i*2+1] = byte(s >> 8)
	}
	return data
}

// Int16ToFloat32 scales samples into [-1, 1) as sample/32768.
func Int16ToFloat32(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768.0
	}
	return out
}

// Float64ToInt16 converts normalized samples back to PCM16 with clipping.
func Float64ToInt16(samples []float64) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		switch {
		case s >= 1.0:
			out[i] = math.MaxInt16
		case s < -1.0:
			out[i] = math.MinInt16
		default:
			out[i] = int16(s * 32767.0)
		}
	}
	return out
}

// RMS returns the root mean square level of samples normalized to 0.0-1.0.
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}
