// Package relay implements hop-limited flooding with store-and-forward.
//
// The Engine owns the deduplication store and the advertise queue. It is
// driven from a single event loop and does no locking.
package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"echosos/beacon-node/internal/codec"
	"echosos/beacon-node/internal/dedup"
	"echosos/beacon-node/internal/model"
)

var (
	// ErrNoHopBudget is returned when originating a message that could never leave the device.
	ErrNoHopBudget = errors.New("hop budget must be at least 1")
	// ErrIdentityReused is returned when originating an identity already seen.
	ErrIdentityReused = errors.New("message identity already seen")
)

// Config bounds the engine's memory and on-air behaviour.
type Config struct {
	// Retention is how long identities are remembered and queued messages retried.
	Retention time.Duration
	// DedupCapacity caps remembered identities. It is raised to
	// QueueCapacity+1 when smaller so a flood cannot evict the identity of a
	// message still held in the queue.
	DedupCapacity int
	// QueueCapacity caps queued peer messages. The local alert is held separately.
	QueueCapacity int
	// OwnAlertWindows is the length of the local alert's broadcast cycle, in
	// transmit windows with at least one peer in range.
	OwnAlertWindows int
	// PeerAttempts is how many windows with a peer in range a relayed message
	// is advertised before it is considered handed off.
	PeerAttempts int
	// MaxPerWindow caps advertisements per transmit window; 0 means no cap.
	MaxPerWindow int
}

// DefaultConfig returns the field defaults.
func DefaultConfig() Config {
	return Config{
		Retention:       30 * time.Minute,
		DedupCapacity:   4096,
		QueueCapacity:   64,
		OwnAlertWindows: 3,
		PeerAttempts:    3,
		MaxPerWindow:    8,
	}
}

// Stats are cumulative counters.
type Stats struct {
	Received      uint64
	DecodeFailed  uint64
	Duplicates    uint64
	HopsExhausted uint64
	Queued        uint64
	Advertised    uint64
	Relayed       uint64
	Expired       uint64
	Overflow      uint64
}

type entry struct {
	msg      model.BeaconMessage
	payload  []byte
	local    bool
	state    State
	queuedAt time.Time
	// attempts counts transmit windows in which a peer was in range.
	attempts int
}

// Engine is one device's relay state.
type Engine struct {
	cfg      Config
	codec    *codec.Codec
	logger   *slog.Logger
	seen     *dedup.Store
	local    *entry
	queue    []*entry
	index    map[model.Identity]*entry
	observer Observer
	stats    Stats

	origin    uint64
	hasOrigin bool
}

// New constructs an engine. Zero fields in cfg take DefaultConfig values.
func New(cfg Config, c *codec.Codec, logger *slog.Logger) *Engine {
	def := DefaultConfig()
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.DedupCapacity <= 0 {
		cfg.DedupCapacity = def.DedupCapacity
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = def.QueueCapacity
	}
	if cfg.DedupCapacity <= cfg.QueueCapacity {
		cfg.DedupCapacity = cfg.QueueCapacity + 1
	}
	if cfg.OwnAlertWindows <= 0 {
		cfg.OwnAlertWindows = def.OwnAlertWindows
	}
	if cfg.PeerAttempts <= 0 {
		cfg.PeerAttempts = def.PeerAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:      cfg,
		codec:    c,
		logger:   logger,
		seen:     dedup.New(cfg.Retention, cfg.DedupCapacity),
		index:    make(map[model.Identity]*entry),
		observer: func(Transition) {},
	}
}

// SetObserver installs the function invoked for each transition.
func (e *Engine) SetObserver(o Observer) {
	if o == nil {
		o = func(Transition) {}
	}
	e.observer = o
}

// SetOrigin tells the engine which origin ID is this device's own. Messages
// carrying it are never relayed, however long ago they were sent.
func (e *Engine) SetOrigin(origin uint64) {
	e.origin = origin
	e.hasOrigin = true
}

// Receive processes one advertisement payload heard from the medium.
func (e *Engine) Receive(payload []byte, now time.Time) Outcome {
	msg, err := e.codec.Decode(payload)
	if err != nil {
		e.stats.DecodeFailed++
		e.logger.Debug("advertisement dropped", "error", err)
		return Outcome{State: StateUnseen, Reason: ReasonDecodeFailed, Err: err}
	}

	id := msg.ID()
	_, held := e.index[id]
	own := e.hasOrigin && msg.OriginID == e.origin
	if e.seen.Observe(id, now) == dedup.Duplicate || held || own {
		e.stats.Duplicates++
		e.noteEcho(id, now)
		return Outcome{State: StateSuppressed, Reason: ReasonDuplicate, Message: msg}
	}

	e.stats.Received++
	e.emit(id, false, StateUnseen, StateReceived, ReasonNone, now)

	if msg.HopBudget <= 1 {
		e.stats.HopsExhausted++
		e.emit(id, false, StateReceived, StateSuppressed, ReasonHopsExhausted, now)
		return Outcome{State: StateSuppressed, Reason: ReasonHopsExhausted, Message: msg, Accepted: true}
	}

	fwd := msg
	fwd.HopBudget--
	encoded, err := e.codec.Encode(fwd)
	if err != nil {
		// Decode already validated every field, so this only guards codec drift.
		e.logger.Error("re-encode for relay failed", "id", id, "error", err)
		e.emit(id, false, StateReceived, StateSuppressed, ReasonDecodeFailed, now)
		return Outcome{State: StateSuppressed, Reason: ReasonDecodeFailed, Message: msg, Accepted: true, Err: err}
	}

	e.enqueue(&entry{msg: fwd, payload: encoded, state: StateQueued, queuedAt: now}, now)
	return Outcome{State: StateQueued, Message: msg, Accepted: true, Forwarded: true}
}

// Originate queues the device's own alert ahead of every relayed message. A
// previous local alert that is still active is superseded.
func (e *Engine) Originate(msg model.BeaconMessage, now time.Time) error {
	if msg.HopBudget == 0 {
		return ErrNoHopBudget
	}
	encoded, err := e.codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode local alert: %w", err)
	}
	id := msg.ID()
	if e.seen.Observe(id, now) == dedup.Duplicate {
		return fmt.Errorf("%w: %s", ErrIdentityReused, id)
	}

	if e.local != nil {
		e.finish(e.local, StateExpired, ReasonSuperseded, now)
	}

	ent := &entry{msg: msg, payload: encoded, local: true, state: StateQueued, queuedAt: now}
	e.local = ent
	e.index[id] = ent
	e.emit(id, true, StateUnseen, StateQueued, ReasonNone, now)
	return nil
}

// Cancel stops advertising the local alert. Copies already relayed by peers
// cannot be retracted.
func (e *Engine) Cancel(id model.Identity, now time.Time) bool {
	if e.local == nil || e.local.msg.ID() != id {
		return false
	}
	e.finish(e.local, StateExpired, ReasonCanceled, now)
	return true
}

// LocalActive returns the local alert while it is still being advertised.
func (e *Engine) LocalActive() (model.BeaconMessage, bool) {
	if e.local == nil {
		return model.BeaconMessage{}, false
	}
	return e.local.msg, true
}

// TransmitWindow returns the payloads to advertise in the transmit window
// starting at now. peersPresent tells the engine whether a peer receiver is
// listening right now; windows without one do not count as hand-off attempts
// and every entry stays queued for a later window.
func (e *Engine) TransmitWindow(now time.Time, peersPresent bool) [][]byte {
	e.Expire(now)

	batch := make([]*entry, 0, len(e.queue)+1)
	if e.local != nil {
		batch = append(batch, e.local)
	}
	for _, ent := range e.queue {
		if e.cfg.MaxPerWindow > 0 && len(batch) >= e.cfg.MaxPerWindow {
			break
		}
		batch = append(batch, ent)
	}

	payloads := make([][]byte, 0, len(batch))
	for _, ent := range batch {
		if ent.state == StateQueued {
			ent.state = StateAdvertising
			e.emit(ent.msg.ID(), ent.local, StateQueued, StateAdvertising, ReasonNone, now)
		}
		payloads = append(payloads, ent.payload)
		e.stats.Advertised++

		if !peersPresent {
			continue
		}
		ent.attempts++
		limit := e.cfg.PeerAttempts
		if ent.local {
			limit = e.cfg.OwnAlertWindows
		}
		if ent.attempts >= limit {
			e.finish(ent, StateRelayed, ReasonAttemptsDone, now)
		}
	}
	return payloads
}

// Expire drops relayed messages that outlived the retention window and sweeps
// the dedup store. The local alert does not expire and its identity stays held
// for as long as it is advertised.
func (e *Engine) Expire(now time.Time) int {
	if e.local != nil {
		e.seen.Touch(e.local.msg.ID(), now)
	}
	e.seen.Sweep(now)

	expired := 0
	for len(e.queue) > 0 && now.Sub(e.queue[0].queuedAt) >= e.cfg.Retention {
		e.finish(e.queue[0], StateExpired, ReasonRetention, now)
		expired++
	}
	return expired
}

// QueueLen returns the number of queued relayed messages, excluding the local alert.
func (e *Engine) QueueLen() int {
	return len(e.queue)
}

// Pending reports the state of a message still held by the engine.
func (e *Engine) Pending(id model.Identity) (State, bool) {
	ent, ok := e.index[id]
	if !ok {
		return StateUnseen, false
	}
	return ent.state, true
}

// Stats returns a snapshot of the counters.
func (e *Engine) Stats() Stats {
	return e.stats
}

// DedupStats exposes the identity store counters.
func (e *Engine) DedupStats() dedup.Stats {
	return e.seen.Stats()
}

func (e *Engine) enqueue(ent *entry, now time.Time) {
	for len(e.queue) >= e.cfg.QueueCapacity {
		oldest := e.queue[0]
		e.stats.Overflow++
		e.logger.Warn("relay queue full, evicting oldest", "id", oldest.msg.ID(), "capacity", e.cfg.QueueCapacity)
		e.finish(oldest, StateExpired, ReasonOverflow, now)
	}
	e.queue = append(e.queue, ent)
	id := ent.msg.ID()
	e.index[id] = ent
	e.stats.Queued++
	e.emit(id, false, StateReceived, StateQueued, ReasonNone, now)
}

// noteEcho treats hearing a held message again, after it has been on air, as
// evidence that a peer has it.
func (e *Engine) noteEcho(id model.Identity, now time.Time) {
	ent, ok := e.index[id]
	if !ok || ent.state != StateAdvertising {
		return
	}
	e.finish(ent, StateRelayed, ReasonEchoed, now)
}

func (e *Engine) finish(ent *entry, to State, reason Reason, now time.Time) {
	id := ent.msg.ID()
	from := ent.state
	ent.state = to
	delete(e.index, id)

	if ent.local {
		if e.local == ent {
			e.local = nil
		}
	} else {
		for i, q := range e.queue {
			if q == ent {
				e.queue = append(e.queue[:i], e.queue[i+1:]...)
				break
			}
		}
	}

	switch to {
	case StateRelayed:
		e.stats.Relayed++
	case StateExpired:
		e.stats.Expired++
	}
	e.emit(id, ent.local, from, to, reason, now)
}

func (e *Engine) emit(id model.Identity, local bool, from, to State, reason Reason, now time.Time) {
	e.observer(Transition{ID: id, Local: local, From: from, To: to, Reason: reason, At: now})
}
