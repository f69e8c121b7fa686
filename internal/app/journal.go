package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"echosos/beacon-node/internal/model"
	"echosos/beacon-node/internal/relay"
	"echosos/beacon-node/internal/store"
)

// recorder persists node events. Callbacks arrive on the node's event loop,
// so writes are handed to a single background writer and never block it.
type recorder struct {
	store   *store.Store
	logger  *slog.Logger
	jobs    chan func(context.Context) error
	dropped atomic.Uint64
}

func newRecorder(s *store.Store, logger *slog.Logger, buffer int) *recorder {
	if buffer <= 0 {
		buffer = 256
	}
	return &recorder{store: s, logger: logger, jobs: make(chan func(context.Context) error, buffer)}
}

// run writes queued events until ctx is done, then flushes what is left.
func (r *recorder) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			r.flush()
			return
		case job := <-r.jobs:
			r.exec(context.WithoutCancel(ctx), job)
		}
	}
}

func (r *recorder) flush() {
	for {
		select {
		case job := <-r.jobs:
			r.exec(context.Background(), job)
		default:
			return
		}
	}
}

func (r *recorder) exec(ctx context.Context, job func(context.Context) error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := job(ctx); err != nil {
		r.logger.Error("failed to persist node event", "error", err)
	}
}

func (r *recorder) enqueue(job func(context.Context) error) {
	select {
	case r.jobs <- job:
	default:
		if n := r.dropped.Add(1); n == 1 || n%100 == 0 {
			r.logger.Warn("journal backlog full, dropping events", "dropped", n)
		}
	}
}

func (r *recorder) journal(e model.JournalEntry) func(context.Context) error {
	return func(ctx context.Context) error {
		return r.store.AppendJournal(ctx, e)
	}
}

func (r *recorder) OnLocalAlertRaised(a model.LocalAlert) {
	r.enqueue(r.journal(model.JournalEntry{
		Kind:       store.KindLocalRaised,
		Identity:   a.Message.ID().String(),
		Emergency:  a.Message.Emergency.String(),
		Detail:     fmt.Sprintf("hop_budget=%d fix=%s", a.Message.HopBudget, a.Message.Coordinate),
		RecordedAt: a.RaisedAt,
	}))
}

func (r *recorder) OnLocalAlertCanceled(a model.LocalAlert) {
	r.enqueue(r.journal(model.JournalEntry{
		Kind:       store.KindLocalCancelled,
		Identity:   a.Message.ID().String(),
		Emergency:  a.Message.Emergency.String(),
		Detail:     fmt.Sprintf("active for %s", time.Since(a.RaisedAt).Round(time.Second)),
		RecordedAt: time.Now(),
	}))
}

func (r *recorder) OnPeerAlertReceived(p model.PeerAlert) {
	entry := model.JournalEntry{
		Kind:       store.KindPeerAlert,
		Identity:   p.Message.ID().String(),
		Emergency:  p.Message.Emergency.String(),
		Detail:     fmt.Sprintf("hops_left=%d fix=%s", p.Message.HopBudget, p.Message.Coordinate),
		RecordedAt: p.ReceivedAt,
	}
	r.enqueue(func(ctx context.Context) error {
		if err := r.store.UpsertPeerAlert(ctx, p); err != nil {
			return err
		}
		return r.store.AppendJournal(ctx, entry)
	})
}

func (r *recorder) OnAcousticDetection(d model.Detection) {
	entry := model.JournalEntry{
		Kind:       store.KindDetection,
		Emergency:  d.Emergency.String(),
		Detail:     fmt.Sprintf("snr=%.1fdB strength=%.2f peak=%.0fHz", d.SNR, d.Strength, d.PeakHz),
		RecordedAt: d.DetectedAt,
	}
	r.enqueue(func(ctx context.Context) error {
		if err := r.store.InsertDetection(ctx, d); err != nil {
			return err
		}
		return r.store.AppendJournal(ctx, entry)
	})
}

func (r *recorder) OnDecodeFailure(f model.DecodeFailure) {
	entry := model.JournalEntry{
		Kind:       store.KindDecodeFailure,
		Detail:     fmt.Sprintf("%s (from %s)", f.Error, f.Source),
		RecordedAt: f.SeenAt,
	}
	r.enqueue(func(ctx context.Context) error {
		if err := r.store.InsertDecodeFailure(ctx, f); err != nil {
			return err
		}
		return r.store.AppendJournal(ctx, entry)
	})
}

func (r *recorder) OnRelayTransition(t relay.Transition) {
	if t.Local || t.To != relay.StateRelayed {
		return
	}
	r.enqueue(func(ctx context.Context) error {
		return r.store.MarkRelayed(ctx, t.ID)
	})
}

func (r *recorder) OnProfileChanged(profile string) {
	r.enqueue(r.journal(model.JournalEntry{
		Kind:       store.KindProfile,
		Detail:     "duty-cycle profile " + profile,
		RecordedAt: time.Now(),
	}))
}
