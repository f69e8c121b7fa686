package acoustic

import (
	"fmt"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"

	"echosos/beacon-node/internal/model"
)

// Status is the detector's verdict for the stream so far.
type Status uint8

const (
	StatusNoSignal Status = iota
	StatusDetected
)

func (s Status) String() string {
	if s == StatusDetected {
		return "detected"
	}
	return "no_signal"
}

// Report is the result of one Process call.
type Report struct {
	Status     Status
	Detections []model.Detection
}

const (
	warmupFrames = 8
	floorAlpha   = 0.05
	// fullScaleSNR is the SNR (dB) reported as strength 1.
	fullScaleSNR = 40.0
)

type pulseRun struct {
	start  int64
	frames int
	energy float64
	peaks  []float64
}

func (r *pulseRun) reset() {
	r.frames = 0
	r.energy = 0
	r.peaks = r.peaks[:0]
}

type pulse struct {
	onset     int64
	emergency model.EmergencyType
	snr       float64
	peakHz    float64
}

// Detector looks for beacon chirps in a mono sample stream. Samples may be
// passed in buffers of any size; framing is internal. It is not safe for
// concurrent use.
type Detector struct {
	cfg       Config
	start     time.Time
	fft       *fourier.FFT
	frameSize int
	loBin     int
	hiBin     int
	minFloor  float64

	frame   []float64
	coeffs  []complex128
	pending []float64
	pos     int64

	floor float64
	warm  int
	run   pulseRun
	last  *pulse

	detected   bool
	detectedAt int64
}

// NewDetector returns a detector whose first sample is taken at start.
func NewDetector(cfg Config, start time.Time) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("acoustic detector: %w", err)
	}
	n := frameSizeFor(cfg.SampleRate)
	fs := float64(cfg.SampleRate)
	lo := int(math.Ceil(cfg.BandLow * float64(n) / fs))
	hi := int(math.Floor(cfg.BandHigh * float64(n) / fs))
	if hi > n/2 {
		hi = n / 2
	}
	return &Detector{
		cfg:       cfg,
		start:     start,
		fft:       fourier.NewFFT(n),
		frameSize: n,
		loBin:     lo,
		hiBin:     hi,
		minFloor:  1e-8 * float64(n) * float64(n),
		frame:     make([]float64, n),
		coeffs:    make([]complex128, n/2+1),
	}, nil
}

// frameSizeFor picks the power of two covering roughly 20 ms.
func frameSizeFor(rate int) int {
	n := 1
	for n < rate/50 {
		n <<= 1
	}
	return n
}

// FrameDuration is the analysis frame length.
func (d *Detector) FrameDuration() time.Duration {
	return d.duration(int64(d.frameSize))
}

// NoiseFloor returns the current in-band noise estimate.
func (d *Detector) NoiseFloor() float64 {
	return d.floor
}

// Process consumes samples and reports any pulse pairs confirmed by them.
func (d *Detector) Process(samples []float64) Report {
	var rep Report
	d.pending = append(d.pending, samples...)
	off := 0
	for len(d.pending)-off >= d.frameSize {
		if det, ok := d.step(d.pending[off : off+d.frameSize]); ok {
			rep.Detections = append(rep.Detections, det)
		}
		off += d.frameSize
	}
	d.pending = append(d.pending[:0], d.pending[off:]...)
	rep.Status = d.Status()
	return rep
}

// Status is Detected while the last confirmed pulse pair is within two
// periods of the stream position.
func (d *Detector) Status() Status {
	if d.detected && d.pos-d.detectedAt <= int64(d.cfg.samples(2*d.cfg.Period)) {
		return StatusDetected
	}
	return StatusNoSignal
}

// Reset discards the noise estimate and pulse history and restarts the clock.
func (d *Detector) Reset(start time.Time) {
	d.Resume(start)
	d.floor = 0
	d.warm = 0
}

// Resume marks a discontinuity in the stream, such as the microphone being
// off between acoustic phases. Pulse history and partial frames are dropped;
// the noise floor is kept.
func (d *Detector) Resume(start time.Time) {
	d.start = start
	d.pending = d.pending[:0]
	d.pos = 0
	d.run.reset()
	d.last = nil
	d.detected = false
}

func (d *Detector) step(in []float64) (model.Detection, bool) {
	defer func() { d.pos += int64(d.frameSize) }()

	copy(d.frame, in)
	window.Hann(d.frame)
	d.coeffs = d.fft.Coefficients(d.coeffs, d.frame)

	var energy, peak float64
	peakBin := d.loBin
	for k := d.loBin; k <= d.hiBin; k++ {
		c := d.coeffs[k]
		p := real(c)*real(c) + imag(c)*imag(c)
		energy += p
		if p > peak {
			peak, peakBin = p, k
		}
	}

	if d.warm < warmupFrames {
		d.floor += energy / warmupFrames
		d.warm++
		return model.Detection{}, false
	}

	ref := math.Max(d.floor, d.minFloor)
	if energy/ref >= d.cfg.ThresholdRatio {
		if d.run.frames == 0 {
			d.run.start = d.pos
		}
		d.run.frames++
		d.run.energy += energy
		d.run.peaks = append(d.run.peaks, d.fft.Freq(peakBin)*float64(d.cfg.SampleRate))
		if d.duration(int64(d.run.frames*d.frameSize)) > 2*d.cfg.Pulse {
			// Too long for a chirp: the ambient level has moved.
			d.floor = d.run.energy / float64(d.run.frames)
			d.run.reset()
		}
		return model.Detection{}, false
	}

	var (
		det model.Detection
		ok  bool
	)
	if d.run.frames > 0 {
		det, ok = d.closeRun(ref)
	}
	d.floor = (1-floorAlpha)*d.floor + floorAlpha*energy
	return det, ok
}

func (d *Detector) closeRun(ref float64) (model.Detection, bool) {
	defer d.run.reset()

	dur := d.duration(int64(d.run.frames * d.frameSize))
	if dur < d.cfg.Pulse/2 || dur > 2*d.cfg.Pulse {
		return model.Detection{}, false
	}
	peaks := d.run.peaks
	if peaks[len(peaks)-1]-peaks[0] < d.cfg.MinSweepHz {
		return model.Detection{}, false
	}
	sorted := append([]float64(nil), peaks...)
	sort.Float64s(sorted)
	median := sorted[len(sorted)/2]
	emergency, ok := d.cfg.Classify(median)
	if !ok {
		return model.Detection{}, false
	}

	p := &pulse{
		onset:     d.run.start,
		emergency: emergency,
		snr:       10 * math.Log10(d.run.energy/float64(d.run.frames)/ref),
		peakHz:    median,
	}
	prev := d.last
	d.last = p
	if prev == nil || prev.emergency != p.emergency {
		return model.Detection{}, false
	}
	gap := d.duration(p.onset - prev.onset)
	if absDuration(gap-d.cfg.Period) > d.cfg.IntervalTolerance {
		return model.Detection{}, false
	}

	d.detected = true
	d.detectedAt = d.pos
	return model.Detection{
		Emergency:  p.emergency,
		SNR:        p.snr,
		Strength:   strength(p.snr),
		PeakHz:     p.peakHz,
		DetectedAt: d.start.Add(d.duration(d.pos)),
	}, true
}

func (d *Detector) duration(samples int64) time.Duration {
	return time.Duration(float64(samples) / float64(d.cfg.SampleRate) * float64(time.Second))
}

func strength(snr float64) float64 {
	return math.Max(0, math.Min(1, snr/fullScaleSNR))
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
