package node

import (
	"context"
	"fmt"
	"time"

	"echosos/beacon-node/internal/dedup"
	"echosos/beacon-node/internal/geo"
	"echosos/beacon-node/internal/model"
	"echosos/beacon-node/internal/relay"
)

// Status is a snapshot of the node taken on the event loop.
type Status struct {
	Origin           string            `json:"origin_id"`
	Profile          string            `json:"profile"`
	Phase            string            `json:"phase"`
	PhaseEnds        time.Time         `json:"phase_ends"`
	Cycle            uint64            `json:"cycle"`
	Battery          float64           `json:"battery"`
	Pinpoint         bool              `json:"pinpoint"`
	Fix              geo.Code          `json:"fix"`
	Peers            int               `json:"peers_in_range"`
	QueueDepth       int               `json:"queue_depth"`
	Local            *model.LocalAlert `json:"local_alert,omitempty"`
	LocalAdvertising bool              `json:"local_advertising"`
	Acoustic         string            `json:"acoustic"`
	LastDetection    *model.Detection  `json:"last_detection,omitempty"`
	Missed           uint64            `json:"missed_while_off"`
	Relay            relay.Stats       `json:"relay"`
	Dedup            dedup.Stats       `json:"dedup"`
}

// RaiseSOS originates a local alert. A previous local alert is superseded.
func (n *Node) RaiseSOS(ctx context.Context, emergency model.EmergencyType) (model.LocalAlert, error) {
	if !emergency.Valid() {
		return model.LocalAlert{}, fmt.Errorf("raise sos: unknown emergency type %d", uint8(emergency))
	}
	seq, err := n.seq.NextSequence(ctx)
	if err != nil {
		return model.LocalAlert{}, fmt.Errorf("raise sos: %w", err)
	}
	return call(ctx, n, func(now time.Time) (model.LocalAlert, error) {
		msg := model.BeaconMessage{
			OriginID:   n.cfg.Origin,
			Sequence:   seq,
			Emergency:  emergency,
			Coordinate: n.fix,
			HopBudget:  n.cfg.HopBudget,
			OriginTime: uint32(now.Sub(n.started) / time.Second),
		}
		if err := n.engine.Originate(msg, now); err != nil {
			return model.LocalAlert{}, fmt.Errorf("raise sos: %w", err)
		}
		alert := model.LocalAlert{Message: msg, RaisedAt: now}
		n.local = &alert
		n.logger.Warn("local alert raised", "id", msg.ID(), "emergency", emergency, "fix", msg.Coordinate.HasFix())
		n.listener.OnLocalAlertRaised(alert)
		return alert, nil
	})
}

// CancelSOS stops the local alert. Copies already relayed by peers keep
// propagating until their hop budget or retention runs out.
func (n *Node) CancelSOS(ctx context.Context) (model.LocalAlert, error) {
	return call(ctx, n, func(now time.Time) (model.LocalAlert, error) {
		if n.local == nil {
			return model.LocalAlert{}, ErrNoActiveAlert
		}
		alert := *n.local
		n.local = nil
		n.engine.Cancel(alert.Message.ID(), now)
		n.logger.Info("local alert cancelled", "id", alert.Message.ID())
		if n.recorder != nil {
			n.recorder.OnLocalAlertCanceled(alert)
		}
		return alert, nil
	})
}

// SetPinpoint switches close-range mode and returns the active profile name.
func (n *Node) SetPinpoint(ctx context.Context, on bool) (string, error) {
	return call(ctx, n, func(now time.Time) (string, error) {
		n.pinpoint = on
		if n.sched.SetPinpoint(on, now) {
			n.profileChanged()
		}
		return n.sched.Profile().Name, nil
	})
}

// SetBattery records a battery reading (0..1) and returns the active profile name.
func (n *Node) SetBattery(ctx context.Context, level float64) (string, error) {
	if level < 0 || level > 1 {
		return "", fmt.Errorf("battery level %.2f outside [0,1]", level)
	}
	return call(ctx, n, func(now time.Time) (string, error) {
		n.battery = level
		n.metrics.Battery(level)
		if n.sched.SetBattery(level, now) {
			n.profileChanged()
		}
		return n.sched.Profile().Name, nil
	})
}

// UpdateFix records the latest location reading. Readings that cannot be
// quantized leave the node without a fix rather than failing.
func (n *Node) UpdateFix(ctx context.Context, fix geo.Fix) (geo.Code, error) {
	return call(ctx, n, func(time.Time) (geo.Code, error) {
		code, err := geo.FromFix(fix)
		if err != nil {
			n.logger.Warn("location fix rejected", "error", err)
			code = geo.NoFix
		}
		n.fix = code
		return code, nil
	})
}

// Status returns a snapshot of the node.
func (n *Node) Status(ctx context.Context) (Status, error) {
	return call(ctx, n, func(now time.Time) (Status, error) {
		st := Status{
			Origin:        fmt.Sprintf("%016x", n.cfg.Origin),
			Profile:       n.sched.Profile().Name,
			Phase:         n.window.Phase.String(),
			PhaseEnds:     n.window.End,
			Cycle:         n.window.Cycle,
			Battery:       n.battery,
			Pinpoint:      n.pinpoint,
			Fix:           n.fix,
			Peers:         n.medium.Peers(),
			QueueDepth:    n.engine.QueueLen(),
			Acoustic:      n.acoustic.String(),
			LastDetection: n.lastHeard,
			Missed:        n.missed,
			Relay:         n.engine.Stats(),
			Dedup:         n.engine.DedupStats(),
		}
		if n.local != nil {
			local := *n.local
			st.Local = &local
			_, st.LocalAdvertising = n.engine.LocalActive()
		}
		return st, nil
	})
}

// call runs fn on the event loop and waits for its result.
func call[T any](ctx context.Context, n *Node, fn func(now time.Time) (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	var zero T
	reply := make(chan result, 1)
	cmd := func(now time.Time) {
		v, err := fn(now)
		reply <- result{v, err}
	}

	select {
	case n.cmds <- cmd:
	case <-n.done:
		return zero, ErrStopped
	case <-ctx.Done():
		return zero, ctx.Err()
	}

	select {
	case r := <-reply:
		return r.v, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
