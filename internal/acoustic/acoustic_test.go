package acoustic

import (
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"echosos/beacon-node/internal/model"
)

var streamStart = time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

func noise(rng *rand.Rand, n int, sigma float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = rng.NormFloat64() * sigma
	}
	return out
}

func mix(dst, src []float64) {
	for i := range dst {
		if i < len(src) {
			dst[i] += src[i]
		}
	}
}

func feed(d *Detector, samples []float64, chunk int) []Report {
	var reports []Report
	for off := 0; off < len(samples); off += chunk {
		end := off + chunk
		if end > len(samples) {
			end = len(samples)
		}
		reports = append(reports, d.Process(samples[off:end]))
	}
	return reports
}

func detections(reports []Report) []model.Detection {
	var out []model.Detection
	for _, r := range reports {
		out = append(out, r.Detections...)
	}
	return out
}

func TestWhiteNoiseStaysNoSignal(t *testing.T) {
	cfg := DefaultConfig()
	d, err := NewDetector(cfg, streamStart)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(7))
	reports := feed(d, noise(rng, 30*cfg.SampleRate, 0.1), 4096)
	for i, r := range reports {
		require.Equal(t, StatusNoSignal, r.Status, "report %d", i)
		require.Empty(t, r.Detections, "report %d", i)
	}
	assert.Greater(t, d.NoiseFloor(), 0.0)
}

func TestChirpPairDetected(t *testing.T) {
	for _, rate := range []int{44100, 16000} {
		cfg := DefaultConfig()
		cfg.SampleRate = rate
		em, err := NewEmitter(cfg)
		require.NoError(t, err)
		d, err := NewDetector(cfg, streamStart)
		require.NoError(t, err)

		rng := rand.New(rand.NewSource(11))
		lead := noise(rng, rate/2, 0.01)
		pattern, err := em.Emit(model.EmergencyTrapped, 0.8)
		require.NoError(t, err)
		body := append(append([]float64(nil), pattern...), pattern...)
		mix(body, noise(rng, len(body), 0.01))

		first := feed(d, lead, 1000)
		for _, r := range first {
			assert.Equal(t, StatusNoSignal, r.Status)
		}
		reports := feed(d, body, 1000)
		dets := detections(reports)
		require.Len(t, dets, 1, "rate %d", rate)

		got := dets[0]
		assert.Equal(t, model.EmergencyTrapped, got.Emergency)
		assert.Greater(t, got.SNR, 20.0)
		assert.Greater(t, got.Strength, 0.0)
		assert.LessOrEqual(t, got.Strength, 1.0)
		lo, hi := cfg.SubBand(model.EmergencyTrapped)
		assert.GreaterOrEqual(t, got.PeakHz, lo)
		assert.Less(t, got.PeakHz, hi)
		assert.True(t, got.DetectedAt.After(streamStart.Add(2*time.Second)))
		assert.Equal(t, StatusDetected, reports[len(reports)-1].Status)
	}
}

func TestSingleChirpIsNotConfirmed(t *testing.T) {
	cfg := DefaultConfig()
	em, err := NewEmitter(cfg)
	require.NoError(t, err)
	d, err := NewDetector(cfg, streamStart)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(3))
	stream := make([]float64, cfg.SampleRate/2)
	stream = append(stream, em.Period(model.EmergencyFire)...)
	stream = append(stream, make([]float64, 3*cfg.SampleRate)...)
	mix(stream, noise(rng, len(stream), 0.01))

	dets := detections(feed(d, stream, 2048))
	assert.Empty(t, dets)
	assert.Equal(t, StatusNoSignal, d.Status())
}

func TestSteadyToneRejected(t *testing.T) {
	cfg := DefaultConfig()
	d, err := NewDetector(cfg, streamStart)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(5))
	period := int(cfg.Period.Seconds() * float64(cfg.SampleRate))
	pulse := int(cfg.Pulse.Seconds() * float64(cfg.SampleRate))
	stream := noise(rng, cfg.SampleRate/2+3*period, 0.01)
	for p := 0; p < 3; p++ {
		base := cfg.SampleRate/2 + p*period
		for i := 0; i < pulse; i++ {
			stream[base+i] += 0.5 * math.Sin(2*math.Pi*5500*float64(i)/float64(cfg.SampleRate))
		}
	}

	assert.Empty(t, detections(feed(d, stream, 4096)))
}

func TestEmitterSignature(t *testing.T) {
	cfg := DefaultConfig()
	em, err := NewEmitter(cfg)
	require.NoError(t, err)

	_, err = em.Emit(model.EmergencyGeneral, 0.05)
	assert.ErrorIs(t, err, ErrBatteryReserve)

	period, err := em.Emit(model.EmergencyMedical, 0.5)
	require.NoError(t, err)
	pulse := int(cfg.Pulse.Seconds() * float64(cfg.SampleRate))
	require.Len(t, period, int(cfg.Period.Seconds()*float64(cfg.SampleRate)))

	assert.Zero(t, period[0])
	for _, s := range period[pulse:] {
		require.Zero(t, s)
	}
	for _, s := range period[:pulse] {
		require.LessOrEqual(t, math.Abs(s), cfg.Amplitude)
	}

	chirp := period[:pulse]
	head, _ := PeakFrequency(Spectrum(chirp[:pulse/4], cfg.SampleRate, cfg.BandLow, cfg.BandHigh))
	tail, _ := PeakFrequency(Spectrum(chirp[3*pulse/4:], cfg.SampleRate, cfg.BandLow, cfg.BandHigh))
	lo, hi := cfg.SubBand(model.EmergencyMedical)
	assert.Less(t, head.Hz, tail.Hz)
	assert.InDelta(t, lo+125, head.Hz, 100)
	assert.InDelta(t, hi-125, tail.Hz, 100)

	assert.InDelta(t, 1.0/6, cfg.DutyFraction(), 1e-9)
}

func TestClassifyBands(t *testing.T) {
	cfg := DefaultConfig()
	for et := model.EmergencyGeneral; et <= model.MaxEmergencyType; et++ {
		lo, hi := cfg.SubBand(et)
		got, ok := cfg.Classify((lo + hi) / 2)
		require.True(t, ok)
		assert.Equal(t, et, got)
	}
	_, ok := cfg.Classify(2500)
	assert.False(t, ok)
	got, ok := cfg.Classify(cfg.BandHigh)
	require.True(t, ok)
	assert.Equal(t, model.MaxEmergencyType, got)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.SampleRate = 8000
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.Period = bad.Pulse
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.SampleRate = 16000
	bad.BandHigh = 9000
	assert.Error(t, bad.Validate())
}

func TestWAVRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	em, err := NewEmitter(cfg)
	require.NoError(t, err)
	samples := em.Chirp(model.EmergencyHarassment)

	path := filepath.Join(t.TempDir(), "chirp.wav")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, WriteWAV(f, samples, cfg.SampleRate))
	require.NoError(t, f.Close())

	f, err = os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	got, rate, err := ReadWAV(f)
	require.NoError(t, err)
	assert.Equal(t, cfg.SampleRate, rate)
	require.Len(t, got, len(samples))
	for i := range samples {
		require.InDelta(t, samples[i], got[i], 2.0/32768)
	}
}
