package audioio

import (
	"fmt"

	resampling "github.com/tphakala/go-audio-resampling"
)

// Resampler converts mono PCM16 between two fixed sample rates.
type Resampler struct {
	from, to int
	rs       resampling.Resampler
}

// NewResampler creates a resampler. When the rates match it is a passthrough.
func NewResampler(fromRate, toRate int) (*Resampler, error) {
	if fromRate <= 0 || toRate <= 0 {
		return nil, fmt.Errorf("audioio: invalid resample rates %d -> %d", fromRate, toRate)
	}
	r := &Resampler{from: fromRate, to: toRate}
	if fromRate == toRate {
		return r, nil
	}
	rs, err := resampling.New(&resampling.Config{
		InputRate:  float64(fromRate),
		OutputRate: float64(toRate),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("audioio: create resampler: %w", err)
	}
	r.rs = rs
	return r, nil
}

// Process resamples one block of samples.
func (r *Resampler) Process(samples []int16) ([]int16, error) {
	if r.rs == nil || len(samples) == 0 {
		return samples, nil
	}
	in := make([]float64, len(samples))
	for i, s := range samples {
		in[i] = float64(s) / 32768.0
	}
	out, err := r.rs.Process(in)
	if err != nil {
		return nil, fmt.Errorf("audioio: resample %d -> %d: %w", r.from, r.to, err)
	}
	return Float64ToInt16(out), nil
}

// Resample converts a complete buffer from one rate to another.
func Resample(samples []int16, fromRate, toRate int) ([]int16, error) {
	r, err := NewResampler(fromRate, toRate)
	if err != nil {
		return nil, err
	}
	return r.Process(samples)
}
