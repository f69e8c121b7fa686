// Package node runs one device. The relay engine, the acoustic beacon and
// the duty-cycle scheduler are driven from a single event loop fed by radio
// receptions, audio buffers, phase timers and local commands.
package node

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"echosos/beacon-node/internal/acoustic"
	"echosos/beacon-node/internal/codec"
	"echosos/beacon-node/internal/dedup"
	"echosos/beacon-node/internal/dutycycle"
	"echosos/beacon-node/internal/geo"
	"echosos/beacon-node/internal/metrics"
	"echosos/beacon-node/internal/model"
	"echosos/beacon-node/internal/radio"
	"echosos/beacon-node/internal/relay"
)

var (
	// ErrNoActiveAlert is returned by CancelSOS when nothing is being broadcast.
	ErrNoActiveAlert = errors.New("no active local alert")
	// ErrStopped is returned by commands issued after Run has returned.
	ErrStopped = errors.New("node stopped")
	// ErrSequenceExhausted is returned when every sequence number of the
	// origin has been issued.
	ErrSequenceExhausted = errors.New("alert sequence numbers exhausted")
)

const defaultHopBudget = 5

// Config describes one device.
type Config struct {
	// Origin is the install identity stamped on every local alert.
	Origin    uint64
	HopBudget uint8
	Relay     relay.Config
	Profile   dutycycle.Profile
	Schedule  dutycycle.Options
	Acoustic  acoustic.Config
	// Battery is the level assumed until SetBattery is called.
	Battery float64
	// Epoch anchors the first cycle; zero means the moment Run starts.
	Epoch time.Time
}

// Listener is the upward event interface.
type Listener interface {
	OnLocalAlertRaised(model.LocalAlert)
	OnPeerAlertReceived(model.PeerAlert)
	OnAcousticDetection(model.Detection)
}

// Recorder receives the events beyond the upward interface. A Listener that
// also implements Recorder gets them.
type Recorder interface {
	OnLocalAlertCanceled(model.LocalAlert)
	OnDecodeFailure(model.DecodeFailure)
	OnRelayTransition(relay.Transition)
	OnProfileChanged(profile string)
}

// Sequencer hands out per-origin sequence numbers.
type Sequencer interface {
	NextSequence(ctx context.Context) (uint16, error)
}

// Node is one device. Listener callbacks run on the event loop and must not
// call back into the node.
type Node struct {
	cfg      Config
	logger   *slog.Logger
	medium   radio.Medium
	engine   *relay.Engine
	emitter  *acoustic.Emitter
	detector *acoustic.Detector
	audio    Audio
	seq      Sequencer
	listener Listener
	recorder Recorder
	metrics  *metrics.Metrics

	cmds     chan func(time.Time)
	done     chan struct{}
	runOnce  sync.Once
	started  time.Time
	resetDue bool

	sched  *dutycycle.Scheduler
	window dutycycle.Window
	// txDue is when this advertise phase's batch goes out; zero when none is pending.
	txDue      time.Time
	radioOn    bool
	radioOffAt time.Time
	rng        *rand.Rand

	listening bool
	local     *model.LocalAlert
	fix       geo.Code
	battery   float64
	pinpoint  bool
	acoustic  acoustic.Status
	lastHeard *model.Detection
	missed    uint64
}

// New builds a node on medium. The codec fixes the mesh passphrase.
func New(cfg Config, c *codec.Codec, medium radio.Medium, logger *slog.Logger) (*Node, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HopBudget == 0 {
		cfg.HopBudget = defaultHopBudget
	}
	if cfg.Battery <= 0 || cfg.Battery > 1 {
		cfg.Battery = 1
	}
	if err := cfg.Profile.Validate(); err != nil {
		return nil, fmt.Errorf("node schedule: %w", err)
	}
	emitter, err := acoustic.NewEmitter(cfg.Acoustic)
	if err != nil {
		return nil, err
	}
	detector, err := acoustic.NewDetector(cfg.Acoustic, time.Now())
	if err != nil {
		return nil, err
	}

	n := &Node{
		cfg:      cfg,
		logger:   logger,
		medium:   medium,
		engine:   relay.New(cfg.Relay, c, logger.With("component", "relay")),
		emitter:  emitter,
		detector: detector,
		audio:    NoAudio{},
		seq:      &counter{},
		listener: nopListener{},
		cmds:     make(chan func(time.Time)),
		done:     make(chan struct{}),
		fix:      geo.NoFix,
		battery:  cfg.Battery,
		radioOn:  true,
	}
	seed := cfg.Schedule.Seed
	if seed == 0 {
		seed = time.Now().UnixNano() ^ int64(cfg.Origin)
	}
	n.rng = rand.New(rand.NewSource(seed))
	n.engine.SetOrigin(cfg.Origin)
	n.engine.SetObserver(n.observe)
	return n, nil
}

// SetListener installs the event listener. Call before Run.
func (n *Node) SetListener(l Listener) {
	if l == nil {
		l = nopListener{}
	}
	n.listener = l
	n.recorder, _ = l.(Recorder)
}

// SetAudio installs the speaker and microphone. Call before Run.
func (n *Node) SetAudio(a Audio) {
	if a == nil {
		a = NoAudio{}
	}
	n.audio = a
}

// SetSequencer installs the sequence source. Call before Run.
func (n *Node) SetSequencer(s Sequencer) {
	if s != nil {
		n.seq = s
	}
}

// SetMetrics installs the collectors. Call before Run.
func (n *Node) SetMetrics(m *metrics.Metrics) {
	n.metrics = m
}

// Run drives the node until ctx is cancelled. It may be called once.
func (n *Node) Run(ctx context.Context) error {
	err := errors.New("node already ran")
	n.runOnce.Do(func() {
		defer close(n.done)
		err = n.loop(ctx)
	})
	return err
}

func (n *Node) loop(ctx context.Context) error {
	n.started = time.Now()
	epoch := n.cfg.Epoch
	if epoch.IsZero() {
		epoch = n.started
	}
	sched, err := dutycycle.New(n.cfg.Profile, epoch, n.cfg.Schedule)
	if err != nil {
		return fmt.Errorf("node schedule: %w", err)
	}
	n.sched = sched
	n.sched.SetBattery(n.battery, epoch)
	n.metrics.Battery(n.battery)
	n.metrics.Profile(n.sched.Profile().Name)
	n.logger.Info("node started", "origin", fmt.Sprintf("%016x", n.cfg.Origin), "profile", n.sched.Profile().Name)

	n.medium.Listen(true)
	n.enterPhase(ctx, n.started)
	timer := time.NewTimer(n.nextWake(n.started))
	defer timer.Stop()

	rx := n.medium.Receive()
	capture := n.audio.Capture()

	for {
		select {
		case <-ctx.Done():
			n.logger.Info("node stopped")
			return nil
		case <-timer.C:
			now := time.Now()
			n.tick(ctx, now)
			timer.Reset(n.nextWake(now))
		case adv, ok := <-rx:
			if !ok {
				return radio.ErrClosed
			}
			n.receive(adv, time.Now())
		case buf, ok := <-capture:
			if !ok {
				capture = nil
				continue
			}
			n.listen(buf, time.Now())
		case cmd := <-n.cmds:
			now := time.Now()
			cmd(now)
			if n.resetDue {
				n.resetDue = false
				n.enterPhase(ctx, now)
				timer.Reset(n.nextWake(now))
			}
		}
	}
}

// tick runs whatever fell due by now: a phase change, then a pending
// advertise batch.
func (n *Node) tick(ctx context.Context, now time.Time) {
	if !now.Before(n.window.End) {
		n.enterPhase(ctx, now)
	}
	if !n.txDue.IsZero() && !now.Before(n.txDue) {
		n.txDue = time.Time{}
		n.transmit(ctx, now)
	}
}

func (n *Node) nextWake(now time.Time) time.Duration {
	next := n.window.End
	if !n.txDue.IsZero() && n.txDue.Before(next) {
		next = n.txDue
	}
	return next.Sub(now)
}

func (n *Node) enterPhase(ctx context.Context, now time.Time) {
	n.window = n.sched.NextPhase(now)
	n.listening = false
	n.txDue = time.Time{}
	n.logger.Debug("phase", "phase", n.window.Phase, "cycle", n.window.Cycle, "until", n.window.End.Format("15:04:05.000"))

	switch n.window.Phase {
	case dutycycle.PhaseAdvertise:
		n.setRadio(true, now)
		n.txDue = now.Add(n.advertiseDelay(n.window.End.Sub(now)))
	case dutycycle.PhaseScan:
		n.setRadio(true, now)
	case dutycycle.PhaseAcoustic:
		n.setRadio(false, now)
		if n.local != nil {
			n.beacon(n.window.End.Sub(now))
			return
		}
		n.detector.Resume(now)
		n.listening = true
	default:
		n.setRadio(false, now)
	}
}

// advertiseDelay picks a random point in the second quarter of the remaining
// advertise phase.
func (n *Node) advertiseDelay(span time.Duration) time.Duration {
	q := span / 4
	if q <= 0 {
		return 0
	}
	return q + time.Duration(n.rng.Int63n(int64(q)))
}

// setRadio powers the receiver. The radio is on through advertise and scan.
func (n *Node) setRadio(on bool, now time.Time) {
	if n.radioOn == on {
		return
	}
	n.radioOn = on
	if !on {
		n.radioOffAt = now
	}
	n.medium.Listen(on)
}

func (n *Node) transmit(ctx context.Context, now time.Time) {
	if !n.sched.Permits(now, dutycycle.RadioTransmit) {
		return
	}
	// Only a receiver that is on right now counts as a hand-off attempt.
	peers := n.medium.Peers()
	payloads := n.engine.TransmitWindow(now, peers > 0)

	wctx, cancel := context.WithDeadline(ctx, n.window.End)
	defer cancel()
	sent := 0
	for _, p := range payloads {
		if err := n.medium.Advertise(wctx, p); err != nil {
			n.logger.Warn("advertise failed", "error", err, "pending", len(payloads)-sent)
			break
		}
		sent++
	}
	n.metrics.Advertised(sent)
	n.metrics.Peers(peers)
	n.metrics.QueueDepth(n.engine.QueueLen())
}

// beacon plays as many whole periods as fit in span, at least one.
func (n *Node) beacon(span time.Duration) {
	if !n.sched.Permits(n.window.Start, dutycycle.AudioEmit) {
		return
	}
	period, err := n.emitter.Emit(n.local.Message.Emergency, n.battery)
	if err != nil {
		n.logger.Warn("acoustic beacon skipped", "error", err)
		return
	}
	reps := int(span / n.cfg.Acoustic.Period)
	if reps < 1 {
		reps = 1
	}
	out := make([]float64, 0, reps*len(period))
	for i := 0; i < reps; i++ {
		out = append(out, period...)
	}
	if err := n.audio.Play(out); err != nil {
		n.logger.Warn("acoustic playback failed", "error", err)
	}
}

func (n *Node) listen(buf []float64, now time.Time) {
	if !n.listening || !n.sched.Permits(now, dutycycle.AudioListen) {
		return
	}
	rep := n.detector.Process(buf)
	n.acoustic = rep.Status
	for _, det := range rep.Detections {
		n.lastHeard = &det
		n.metrics.Detection(det.Emergency.String())
		n.logger.Info("acoustic beacon detected", "emergency", det.Emergency, "snr_db", fmt.Sprintf("%.1f", det.SNR), "peak_hz", int(det.PeakHz))
		n.listener.OnAcousticDetection(det)
	}
}

func (n *Node) receive(adv radio.Advertisement, now time.Time) {
	// Frames queued before the radio went off were heard while it was on.
	if !n.radioOn && !adv.At.Before(n.radioOffAt) {
		n.missed++
		return
	}
	out := n.engine.Receive(adv.Payload, now)
	switch {
	case out.Reason == relay.ReasonDecodeFailed && !out.Accepted:
		kind := "unknown"
		var de *codec.DecodeError
		if errors.As(out.Err, &de) {
			kind = de.Kind.String()
		}
		n.metrics.DecodeError(kind)
		if n.recorder != nil {
			n.recorder.OnDecodeFailure(model.DecodeFailure{
				Source:  adv.From,
				Payload: hex.EncodeToString(adv.Payload),
				Error:   out.Err.Error(),
				SeenAt:  now,
			})
		}
	case out.Reason == relay.ReasonDuplicate:
		n.metrics.Verdict(dedup.Duplicate.String())
	case out.Accepted:
		n.metrics.Verdict(dedup.Fresh.String())
		n.metrics.QueueDepth(n.engine.QueueLen())
		n.logger.Info("peer alert received",
			"id", out.Message.ID(),
			"emergency", out.Message.Emergency,
			"hops_left", out.Message.HopBudget,
			"forwarded", out.Forwarded,
		)
		n.listener.OnPeerAlertReceived(model.PeerAlert{Message: out.Message, ReceivedAt: now})
	}
}

func (n *Node) observe(t relay.Transition) {
	n.metrics.Transition(t.To.String(), t.Reason.String())
	if n.recorder != nil {
		n.recorder.OnRelayTransition(t)
	}
}

func (n *Node) profileChanged() {
	name := n.sched.Profile().Name
	n.resetDue = true
	n.metrics.Profile(name)
	n.logger.Info("duty-cycle profile changed", "profile", name, "battery", n.battery, "pinpoint", n.pinpoint)
	if n.recorder != nil {
		n.recorder.OnProfileChanged(name)
	}
}

type nopListener struct{}

func (nopListener) OnLocalAlertRaised(model.LocalAlert) {}
func (nopListener) OnPeerAlertReceived(model.PeerAlert) {}
func (nopListener) OnAcousticDetection(model.Detection) {}

// counter is the in-memory Sequencer used when nothing persists sequences.
// Like the persistent one it never wraps.
type counter struct {
	mu   sync.Mutex
	next uint32
}

func (c *counter) NextSequence(context.Context) (uint16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.next > 0xFFFF {
		return 0, ErrSequenceExhausted
	}
	s := c.next
	c.next++
	return uint16(s), nil
}
