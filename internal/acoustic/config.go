// Package acoustic is the close-range layer of the beacon cascade: a
// periodic chirp in the 3–8 kHz band on the transmit side and a spectral
// detector on the receive side.
//
// Every emergency type owns a 1 kHz slice of the band and its chirp sweeps
// upward across that slice, so a receiver can tell both that a beacon is
// present and what kind of emergency it is signalling.
package acoustic

import (
	"errors"
	"fmt"
	"time"

	"echosos/beacon-node/internal/model"
)

// ErrBatteryReserve is returned when emission would eat into the battery reserve.
var ErrBatteryReserve = errors.New("battery below acoustic reserve")

// Config is shared by the emitter and the detector; both ends must agree on
// band, pulse length and period.
type Config struct {
	SampleRate int           `yaml:"sample_rate"`
	BandLow    float64       `yaml:"band_low_hz"`
	BandHigh   float64       `yaml:"band_high_hz"`
	Pulse      time.Duration `yaml:"pulse"`
	Period     time.Duration `yaml:"period"`
	Taper      time.Duration `yaml:"taper"`
	Amplitude  float64       `yaml:"amplitude"`

	// ThresholdRatio is the in-band energy over noise floor that marks a frame hot.
	ThresholdRatio float64 `yaml:"threshold_ratio"`
	// MinSweepHz is the upward sweep a pulse must show to count as a chirp.
	MinSweepHz float64 `yaml:"min_sweep_hz"`
	// IntervalTolerance is the allowed deviation from Period between pulses.
	IntervalTolerance time.Duration `yaml:"interval_tolerance"`
	// BatteryReserve is the level (0..1) under which the emitter refuses to run.
	BatteryReserve float64 `yaml:"battery_reserve"`
}

// DefaultConfig returns the field defaults.
func DefaultConfig() Config {
	return Config{
		SampleRate:        44100,
		BandLow:           3000,
		BandHigh:          8000,
		Pulse:             250 * time.Millisecond,
		Period:            1500 * time.Millisecond,
		Taper:             10 * time.Millisecond,
		Amplitude:         0.8,
		ThresholdRatio:    8,
		MinSweepHz:        300,
		IntervalTolerance: 300 * time.Millisecond,
		BatteryReserve:    0.10,
	}
}

// Validate checks that the configuration describes a usable beacon.
func (c Config) Validate() error {
	switch {
	case c.SampleRate < 16000:
		return fmt.Errorf("sample rate %d below 16000", c.SampleRate)
	case c.BandLow <= 0 || c.BandHigh <= c.BandLow:
		return fmt.Errorf("invalid band %.0f-%.0f Hz", c.BandLow, c.BandHigh)
	case c.BandHigh > float64(c.SampleRate)/2:
		return fmt.Errorf("band edge %.0f Hz above Nyquist for %d Hz", c.BandHigh, c.SampleRate)
	case c.Pulse <= 0 || c.Period <= c.Pulse:
		return fmt.Errorf("pulse %s must be shorter than period %s", c.Pulse, c.Period)
	case 2*c.Taper > c.Pulse:
		return fmt.Errorf("taper %s too long for pulse %s", c.Taper, c.Pulse)
	case c.Amplitude <= 0 || c.Amplitude > 1:
		return fmt.Errorf("amplitude %.2f outside (0,1]", c.Amplitude)
	case c.ThresholdRatio <= 1:
		return fmt.Errorf("threshold ratio %.2f must exceed 1", c.ThresholdRatio)
	case c.IntervalTolerance <= 0 || c.IntervalTolerance >= c.Period:
		return fmt.Errorf("interval tolerance %s outside (0, period)", c.IntervalTolerance)
	case c.BatteryReserve < 0 || c.BatteryReserve >= 1:
		return fmt.Errorf("battery reserve %.2f outside [0,1)", c.BatteryReserve)
	}
	return nil
}

// DutyFraction is the share of each period spent emitting.
func (c Config) DutyFraction() float64 {
	return float64(c.Pulse) / float64(c.Period)
}

// SubBand returns the sweep range of an emergency type.
func (c Config) SubBand(t model.EmergencyType) (lo, hi float64) {
	width := c.subBandWidth()
	lo = c.BandLow + float64(t)*width
	return lo, lo + width
}

// Classify maps a frequency onto the emergency type whose sub-band holds it.
func (c Config) Classify(hz float64) (model.EmergencyType, bool) {
	if hz < c.BandLow || hz > c.BandHigh {
		return 0, false
	}
	idx := int((hz - c.BandLow) / c.subBandWidth())
	if idx > int(model.MaxEmergencyType) {
		idx = int(model.MaxEmergencyType)
	}
	return model.EmergencyType(idx), true
}

func (c Config) subBandWidth() float64 {
	return (c.BandHigh - c.BandLow) / float64(model.MaxEmergencyType+1)
}

func (c Config) samples(d time.Duration) int {
	return int(d.Seconds() * float64(c.SampleRate))
}
