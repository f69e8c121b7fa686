package node

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"echosos/beacon-node/internal/acoustic"
	"echosos/beacon-node/internal/codec"
	"echosos/beacon-node/internal/dutycycle"
	"echosos/beacon-node/internal/geo"
	"echosos/beacon-node/internal/logging"
	"echosos/beacon-node/internal/model"
	"echosos/beacon-node/internal/radio"
	"echosos/beacon-node/internal/relay"
)

var (
	withSleep = dutycycle.Profile{Name: "test", Advertise: 20 * time.Millisecond, Scan: 40 * time.Millisecond, Sleep: 20 * time.Millisecond}
	awake     = dutycycle.Profile{Name: "awake", Advertise: 20 * time.Millisecond, Scan: 40 * time.Millisecond}
)

type recorder struct {
	mu          sync.Mutex
	raised      []model.LocalAlert
	canceled    []model.LocalAlert
	peers       []model.PeerAlert
	detections  []model.Detection
	failures    []model.DecodeFailure
	transitions []relay.Transition
	profiles    []string
}

func (r *recorder) OnLocalAlertRaised(a model.LocalAlert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.raised = append(r.raised, a)
}

func (r *recorder) OnPeerAlertReceived(a model.PeerAlert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers = append(r.peers, a)
}

func (r *recorder) OnAcousticDetection(d model.Detection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detections = append(r.detections, d)
}

func (r *recorder) OnLocalAlertCanceled(a model.LocalAlert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.canceled = append(r.canceled, a)
}

func (r *recorder) OnDecodeFailure(f model.DecodeFailure) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, f)
}

func (r *recorder) OnRelayTransition(t relay.Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, t)
}

func (r *recorder) OnProfileChanged(p string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles = append(r.profiles, p)
}

func (r *recorder) peerAlerts() []model.PeerAlert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.PeerAlert(nil), r.peers...)
}

func (r *recorder) decodeFailures() []model.DecodeFailure {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.DecodeFailure(nil), r.failures...)
}

func (r *recorder) acousticDetections() []model.Detection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Detection(nil), r.detections...)
}

type fakeAudio struct {
	capture chan []float64
	mu      sync.Mutex
	played  [][]float64
}

func (f *fakeAudio) Play(samples []float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.played = append(f.played, samples)
	return nil
}

func (f *fakeAudio) Capture() <-chan []float64 { return f.capture }

func (f *fakeAudio) plays() [][]float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]float64(nil), f.played...)
}

func testCodec(t *testing.T) *codec.Codec {
	t.Helper()
	c, err := codec.New("node-test")
	require.NoError(t, err)
	return c
}

func testConfig(origin uint64, profile dutycycle.Profile, epoch time.Time) Config {
	return Config{
		Origin:    origin,
		HopBudget: 5,
		Relay: relay.Config{
			Retention:       time.Minute,
			OwnAlertWindows: 3,
			PeerAttempts:    3,
			MaxPerWindow:    8,
		},
		Profile:  profile,
		Acoustic: acoustic.DefaultConfig(),
		Epoch:    epoch,
	}
}

// startNode builds and runs a node, stopping it when the test ends.
func startNode(t *testing.T, cfg Config, c *codec.Codec, medium radio.Medium, l Listener) *Node {
	t.Helper()
	n, err := New(cfg, c, medium, logging.Discard())
	require.NoError(t, err)
	n.SetListener(l)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return n
}

func TestRelayChainDecrementsHopBudget(t *testing.T) {
	bus := radio.NewBus()
	names := []string{"origin", "r1", "r2", "r3", "receiver"}
	for i := range names {
		for j := i + 2; j < len(names); j++ {
			bus.Unlink(names[i], names[j])
		}
	}

	c := testCodec(t)
	epoch := time.Now()
	recs := make([]*recorder, len(names))
	nodes := make([]*Node, len(names))
	for i, name := range names {
		recs[i] = &recorder{}
		nodes[i] = startNode(t, testConfig(uint64(i+1), withSleep, epoch), c, bus.Join(name, 16), recs[i])
	}

	ctx := context.Background()
	alert, err := nodes[0].RaiseSOS(ctx, model.EmergencyTrapped)
	require.NoError(t, err)
	assert.Equal(t, uint8(5), alert.Message.HopBudget)

	receiver := recs[len(recs)-1]
	require.Eventually(t, func() bool { return len(receiver.peerAlerts()) > 0 }, 5*time.Second, 10*time.Millisecond)

	got := receiver.peerAlerts()[0].Message
	assert.Equal(t, alert.Message.ID(), got.ID())
	assert.Equal(t, uint8(2), got.HopBudget)
	assert.Equal(t, model.EmergencyTrapped, got.Emergency)

	for i := 1; i < len(names)-1; i++ {
		heard := recs[i].peerAlerts()
		require.NotEmpty(t, heard, names[i])
		assert.Equal(t, uint8(5-i+1), heard[0].Message.HopBudget, names[i])
	}
}

func TestCorruptedAdvertisementIsNeverRelayed(t *testing.T) {
	bus := radio.NewBus()
	bus.Unlink("injector", "b")

	c := testCodec(t)
	epoch := time.Now()
	recA, recB := &recorder{}, &recorder{}
	a := startNode(t, testConfig(1, awake, epoch), c, bus.Join("a", 16), recA)
	startNode(t, testConfig(2, awake, epoch), c, bus.Join("b", 16), recB)
	injector := bus.Join("injector", 16)

	payload, err := c.Encode(model.BeaconMessage{OriginID: 0xbad, Sequence: 1, Emergency: model.EmergencyFire, Coordinate: geo.NoFix, HopBudget: 4})
	require.NoError(t, err)
	payload[len(payload)-1] ^= 0x01
	require.NoError(t, injector.Advertise(context.Background(), payload))

	require.Eventually(t, func() bool { return len(recA.decodeFailures()) == 1 }, 2*time.Second, 10*time.Millisecond)
	failure := recA.decodeFailures()[0]
	assert.Equal(t, "injector", failure.Source)
	assert.Contains(t, failure.Error, "integrity_mismatch")

	assert.Never(t, func() bool { return len(recB.peerAlerts()) > 0 }, 300*time.Millisecond, 20*time.Millisecond)

	st, err := a.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.Relay.DecodeFailed)
	assert.Zero(t, st.QueueDepth)
	assert.Empty(t, recA.peerAlerts())
}

func TestRepeatedAdvertisementQueuedOnce(t *testing.T) {
	bus := radio.NewBus()
	bus.Unlink("injector", "b")

	c := testCodec(t)
	epoch := time.Now()
	recA, recB := &recorder{}, &recorder{}
	a := startNode(t, testConfig(1, awake, epoch), c, bus.Join("a", 16), recA)
	startNode(t, testConfig(2, awake, epoch), c, bus.Join("b", 16), recB)
	injector := bus.Join("injector", 16)

	msg := model.BeaconMessage{OriginID: 0xfeed, Sequence: 9, Emergency: model.EmergencyMedical, Coordinate: geo.NoFix, HopBudget: 5}
	payload, err := c.Encode(msg)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, injector.Advertise(ctx, payload))
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, injector.Advertise(ctx, payload))

	require.Eventually(t, func() bool { return len(recB.peerAlerts()) > 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint8(4), recB.peerAlerts()[0].Message.HopBudget)

	st, err := a.Status(ctx)
	require.NoError(t, err)
	assert.Len(t, recA.peerAlerts(), 1)
	assert.Equal(t, uint64(1), st.Relay.Received)
	assert.Equal(t, uint64(1), st.Relay.Queued)
	assert.GreaterOrEqual(t, st.Relay.Duplicates, uint64(1))
	assert.Len(t, recB.peerAlerts(), 1)
}

func TestCancelSOS(t *testing.T) {
	bus := radio.NewBus()
	rec := &recorder{}
	n := startNode(t, testConfig(7, awake, time.Time{}), testCodec(t), bus.Join("solo", 4), rec)
	ctx := context.Background()

	_, err := n.CancelSOS(ctx)
	require.ErrorIs(t, err, ErrNoActiveAlert)

	alert, err := n.RaiseSOS(ctx, model.EmergencyHarassment)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), alert.Message.OriginID)
	assert.Equal(t, uint16(0), alert.Message.Sequence)

	st, err := n.Status(ctx)
	require.NoError(t, err)
	require.NotNil(t, st.Local)
	assert.True(t, st.LocalAdvertising)

	canceled, err := n.CancelSOS(ctx)
	require.NoError(t, err)
	assert.Equal(t, alert.Message.ID(), canceled.Message.ID())

	_, err = n.CancelSOS(ctx)
	require.ErrorIs(t, err, ErrNoActiveAlert)

	st, err = n.Status(ctx)
	require.NoError(t, err)
	assert.Nil(t, st.Local)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Len(t, rec.raised, 1)
	assert.Len(t, rec.canceled, 1)

	var cancelled bool
	for _, tr := range rec.transitions {
		if tr.Local && tr.Reason == relay.ReasonCanceled {
			cancelled = true
		}
	}
	assert.True(t, cancelled)
}

func TestRaiseSOSRejectsUnknownEmergency(t *testing.T) {
	n, err := New(testConfig(1, awake, time.Time{}), testCodec(t), radio.NewBus().Join("x", 1), logging.Discard())
	require.NoError(t, err)
	_, err = n.RaiseSOS(context.Background(), model.EmergencyType(12))
	require.Error(t, err)
}

func TestBatteryAndPinpointSelectProfile(t *testing.T) {
	cfg := testConfig(3, awake, time.Time{})
	cfg.Schedule = dutycycle.Options{SaverBelow: 0.2}
	rec := &recorder{}
	n := startNode(t, cfg, testCodec(t), radio.NewBus().Join("solo", 4), rec)
	ctx := context.Background()

	name, err := n.SetBattery(ctx, 0.1)
	require.NoError(t, err)
	assert.Equal(t, dutycycle.Saver.Name, name)

	// Saver wins over pinpoint while the battery is low.
	name, err = n.SetPinpoint(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, dutycycle.Saver.Name, name)

	name, err = n.SetBattery(ctx, 0.9)
	require.NoError(t, err)
	assert.Equal(t, dutycycle.Pinpoint.Name, name)

	name, err = n.SetPinpoint(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, "awake", name)

	_, err = n.SetBattery(ctx, 1.5)
	require.Error(t, err)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []string{dutycycle.Saver.Name, dutycycle.Pinpoint.Name, "awake"}, rec.profiles)
}

func TestUpdateFixFallsBackToNoFix(t *testing.T) {
	n := startNode(t, testConfig(4, awake, time.Time{}), testCodec(t), radio.NewBus().Join("solo", 4), &recorder{})
	ctx := context.Background()

	code, err := n.UpdateFix(ctx, geo.Fix{Lat: 123, Lon: 10, Quality: geo.Quality3D, Available: true})
	require.NoError(t, err)
	assert.Equal(t, geo.NoFix, code)

	code, err = n.UpdateFix(ctx, geo.Fix{Lat: 52.52, Lon: 13.405, Quality: geo.Quality3D, Available: true})
	require.NoError(t, err)
	assert.True(t, code.HasFix())

	alert, err := n.RaiseSOS(ctx, model.EmergencyGeneral)
	require.NoError(t, err)
	assert.Equal(t, code, alert.Message.Coordinate)
}

func TestAcousticPhaseDetectsChirps(t *testing.T) {
	profile := dutycycle.Profile{Name: "listen", Advertise: 10 * time.Millisecond, Acoustic: 20 * time.Second}
	audio := &fakeAudio{capture: make(chan []float64)}
	rec := &recorder{}

	n, err := New(testConfig(5, profile, time.Time{}), testCodec(t), radio.NewBus().Join("solo", 4), logging.Discard())
	require.NoError(t, err)
	n.SetListener(rec)
	n.SetAudio(audio)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool {
		st, err := n.Status(ctx)
		return err == nil && st.Phase == dutycycle.PhaseAcoustic.String()
	}, 2*time.Second, 5*time.Millisecond)

	cfg := acoustic.DefaultConfig()
	em, err := acoustic.NewEmitter(cfg)
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(21))
	stream := make([]float64, cfg.SampleRate/2)
	stream = append(stream, em.Period(model.EmergencyFire)...)
	stream = append(stream, em.Period(model.EmergencyFire)...)
	for i := range stream {
		stream[i] += rng.NormFloat64() * 0.01
	}
	for off := 0; off < len(stream); off += 2048 {
		end := min(off+2048, len(stream))
		audio.capture <- stream[off:end]
	}

	require.Eventually(t, func() bool { return len(rec.acousticDetections()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, model.EmergencyFire, rec.acousticDetections()[0].Emergency)

	st, err := n.Status(ctx)
	require.NoError(t, err)
	require.NotNil(t, st.LastDetection)
	assert.Equal(t, acoustic.StatusDetected.String(), st.Acoustic)
}

func TestAcousticPhaseBeaconsWhileAlertActive(t *testing.T) {
	profile := dutycycle.Profile{Name: "beacon", Advertise: 20 * time.Millisecond, Acoustic: 50 * time.Millisecond}
	audio := &fakeAudio{}

	n, err := New(testConfig(6, profile, time.Time{}), testCodec(t), radio.NewBus().Join("solo", 4), logging.Discard())
	require.NoError(t, err)
	n.SetAudio(audio)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	assert.Never(t, func() bool { return len(audio.plays()) > 0 }, 150*time.Millisecond, 10*time.Millisecond)

	_, err = n.RaiseSOS(ctx, model.EmergencyMedical)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(audio.plays()) > 0 }, 2*time.Second, 10*time.Millisecond)

	cfg := acoustic.DefaultConfig()
	period := int(cfg.Period.Seconds() * float64(cfg.SampleRate))
	assert.Len(t, audio.plays()[0], period)

	// Below the reserve the beacon stays silent.
	_, err = n.SetBattery(ctx, 0.05)
	require.NoError(t, err)
	before := len(audio.plays())
	assert.Never(t, func() bool { return len(audio.plays()) > before }, 200*time.Millisecond, 10*time.Millisecond)
}

func TestUnalignedNodesDriftIntoContact(t *testing.T) {
	profile := dutycycle.Profile{Name: "offset", Advertise: 10 * time.Millisecond, Scan: 20 * time.Millisecond, Acoustic: 20 * time.Millisecond, Sleep: 50 * time.Millisecond}
	bus := radio.NewBus()
	c := testCodec(t)
	epoch := time.Now()

	// Without drift a's radio is on for [0,30ms) of each cycle and b's for [50,80ms).
	cfgA := testConfig(1, profile, epoch)
	cfgA.Schedule = dutycycle.Options{Jitter: 50 * time.Millisecond, Seed: 11}
	cfgB := testConfig(2, profile, epoch.Add(50*time.Millisecond))
	cfgB.Schedule = dutycycle.Options{Jitter: 50 * time.Millisecond, Seed: 12}

	recA, recB := &recorder{}, &recorder{}
	a := startNode(t, cfgA, c, bus.Join("a", 16), recA)
	startNode(t, cfgB, c, bus.Join("b", 16), recB)

	ctx := context.Background()
	alert, err := a.RaiseSOS(ctx, model.EmergencyTrapped)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(recB.peerAlerts()) > 0 }, 15*time.Second, 10*time.Millisecond)
	heard := recB.peerAlerts()[0]
	assert.Equal(t, alert.Message.ID(), heard.Message.ID())

	// a only counts a window toward its broadcast cycle when b was listening.
	recA.mu.Lock()
	defer recA.mu.Unlock()
	for _, tr := range recA.transitions {
		if tr.Local && tr.To == relay.StateRelayed {
			assert.False(t, tr.At.Before(heard.ReceivedAt), "local alert handed off before b heard it")
		}
	}
}

func TestNoListenerNoHandOff(t *testing.T) {
	bus := radio.NewBus()
	c := testCodec(t)
	a := startNode(t, testConfig(1, withSleep, time.Time{}), c, bus.Join("a", 16), &recorder{})
	deaf := bus.Join("deaf", 16)
	deaf.Listen(false)

	ctx := context.Background()
	_, err := a.RaiseSOS(ctx, model.EmergencyMedical)
	require.NoError(t, err)

	assert.Never(t, func() bool {
		st, err := a.Status(ctx)
		return err != nil || st.Relay.Relayed > 0 || !st.LocalAdvertising
	}, 500*time.Millisecond, 20*time.Millisecond)
	st, err := a.Status(ctx)
	require.NoError(t, err)
	assert.NotZero(t, st.Relay.Advertised)
	assert.Len(t, deaf.Receive(), 0)
}

func TestNormalProfileBeaconHoldsAPulsePair(t *testing.T) {
	audio := &fakeAudio{}
	// Start late in the scan phase so the acoustic phase comes up quickly.
	cfg := testConfig(8, dutycycle.Normal, time.Now().Add(-2700*time.Millisecond))
	n, err := New(cfg, testCodec(t), radio.NewBus().Join("solo", 4), logging.Discard())
	require.NoError(t, err)
	n.SetAudio(audio)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	_, err = n.RaiseSOS(ctx, model.EmergencyFire)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(audio.plays()) > 0 }, 3*time.Second, 10*time.Millisecond)

	acfg := acoustic.DefaultConfig()
	played := audio.plays()[0]
	period := int(acfg.Period.Seconds() * float64(acfg.SampleRate))
	assert.Len(t, played, 2*period)

	// A listener that hears the whole phase confirms the beacon.
	det, err := acoustic.NewDetector(acfg, time.Now())
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(8))
	stream := make([]float64, acfg.SampleRate/2)
	stream = append(stream, played...)
	for i := range stream {
		stream[i] += rng.NormFloat64() * 0.01
	}
	var found []model.Detection
	for off := 0; off < len(stream); off += 2048 {
		end := min(off+2048, len(stream))
		found = append(found, det.Process(stream[off:end]).Detections...)
	}
	require.NotEmpty(t, found)
	assert.Equal(t, model.EmergencyFire, found[0].Emergency)
}

func TestInMemorySequenceDoesNotWrap(t *testing.T) {
	c := &counter{next: 0xFFFF}
	s, err := c.NextSequence(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint16(0xFFFF), s)
	_, err = c.NextSequence(context.Background())
	assert.ErrorIs(t, err, ErrSequenceExhausted)
}
