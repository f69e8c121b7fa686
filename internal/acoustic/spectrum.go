package acoustic

import (
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
)

// Bin is one line of a magnitude spectrum.
type Bin struct {
	Hz        float64 `json:"hz"`
	Magnitude float64 `json:"magnitude"`
}

// Spectrum returns the Hann-windowed magnitude spectrum of samples,
// restricted to [lo, hi] Hz. It is a diagnostic for captured recordings.
func Spectrum(samples []float64, sampleRate int, lo, hi float64) []Bin {
	if len(samples) == 0 {
		return nil
	}
	seq := window.Hann(append([]float64(nil), samples...))
	fft := fourier.NewFFT(len(seq))
	coeffs := fft.Coefficients(nil, seq)

	var out []Bin
	for i, c := range coeffs {
		hz := fft.Freq(i) * float64(sampleRate)
		if hz < lo || hz > hi {
			continue
		}
		out = append(out, Bin{Hz: hz, Magnitude: math.Hypot(real(c), imag(c))})
	}
	return out
}

// PeakFrequency returns the strongest bin of a spectrum.
func PeakFrequency(bins []Bin) (Bin, bool) {
	if len(bins) == 0 {
		return Bin{}, false
	}
	best := bins[0]
	for _, b := range bins[1:] {
		if b.Magnitude > best.Magnitude {
			best = b
		}
	}
	return best, true
}
