package acoustic

import (
	"fmt"
	"math"

	"echosos/beacon-node/internal/model"
)

// Emitter renders beacon waveforms.
type Emitter struct {
	cfg Config
}

// NewEmitter validates cfg and returns an emitter.
func NewEmitter(cfg Config) (*Emitter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("acoustic emitter: %w", err)
	}
	return &Emitter{cfg: cfg}, nil
}

// Emit returns one period (chirp then silence) for the emergency type, or
// ErrBatteryReserve when battery (0..1) is under the configured reserve.
func (e *Emitter) Emit(t model.EmergencyType, battery float64) ([]float64, error) {
	if battery < e.cfg.BatteryReserve {
		return nil, fmt.Errorf("%w: %.0f%% < %.0f%%", ErrBatteryReserve, battery*100, e.cfg.BatteryReserve*100)
	}
	if !t.Valid() {
		return nil, fmt.Errorf("no acoustic signature for emergency %s", t)
	}
	return e.Period(t), nil
}

// Period returns one full period without the battery check.
func (e *Emitter) Period(t model.EmergencyType) []float64 {
	out := make([]float64, e.cfg.samples(e.cfg.Period))
	copy(out, e.Chirp(t))
	return out
}

// Chirp returns the tapered linear up-sweep alone.
func (e *Emitter) Chirp(t model.EmergencyType) []float64 {
	f0, f1 := e.cfg.SubBand(t)
	n := e.cfg.samples(e.cfg.Pulse)
	taper := e.cfg.samples(e.cfg.Taper)
	fs := float64(e.cfg.SampleRate)
	dur := float64(n) / fs

	out := make([]float64, n)
	for i := range out {
		ts := float64(i) / fs
		phase := 2 * math.Pi * (f0*ts + (f1-f0)*ts*ts/(2*dur))
		out[i] = e.cfg.Amplitude * envelope(i, n, taper) * math.Sin(phase)
	}
	return out
}

// envelope is a raised-cosine fade in and out over taper samples.
func envelope(i, n, taper int) float64 {
	if taper <= 0 {
		return 1
	}
	switch {
	case i < taper:
		return 0.5 * (1 - math.Cos(math.Pi*float64(i)/float64(taper)))
	case i >= n-taper:
		return 0.5 * (1 - math.Cos(math.Pi*float64(n-1-i)/float64(taper)))
	default:
		return 1
	}
}
