// Package radio carries 26-byte beacon advertisements between devices.
// Advertising is pure broadcast: there are no connections, addresses or
// acknowledgements, only payloads heard by whoever happens to be in range.
package radio

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned by operations on a closed medium.
var ErrClosed = errors.New("radio medium closed")

// Advertisement is one payload heard on the air.
type Advertisement struct {
	Payload []byte
	// From is a transport-level label of the sender; it is not part of the
	// beacon and carries no identity guarantees.
	From string
	At   time.Time
}

// Medium is the broadcast channel a node advertises and scans on.
type Medium interface {
	// Advertise broadcasts one payload to every device in range.
	Advertise(ctx context.Context, payload []byte) error
	// Receive delivers advertisements heard from other devices.
	Receive() <-chan Advertisement
	// Listen powers the receiver on or off. A device that is not listening
	// hears nothing and is not counted by other devices' Peers.
	Listen(on bool)
	// Peers is the number of devices in range whose receiver is on now.
	Peers() int
	Close() error
}

type sighting struct {
	at        time.Time
	listening bool
}

// presence tracks when each neighbour was last heard and whether it said its
// receiver was on.
type presence struct {
	mu      sync.Mutex
	horizon time.Duration
	seen    map[string]sighting
	now     func() time.Time
}

func newPresence(horizon time.Duration) *presence {
	return &presence{horizon: horizon, seen: make(map[string]sighting), now: time.Now}
}

func (p *presence) mark(from string, listening bool) {
	p.mu.Lock()
	p.seen[from] = sighting{at: p.now(), listening: listening}
	p.mu.Unlock()
}

func (p *presence) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := p.now().Add(-p.horizon)
	n := 0
	for id, s := range p.seen {
		if s.at.Before(cutoff) {
			delete(p.seen, id)
			continue
		}
		if s.listening {
			n++
		}
	}
	return n
}
