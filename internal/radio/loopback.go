package radio

import (
	"context"
	"sync"
	"time"
)

// Bus is an in-process air shared by Loopback endpoints. By default every
// endpoint hears every other; Unlink puts a pair out of range.
type Bus struct {
	mu        sync.Mutex
	endpoints map[string]*Loopback
	blocked   map[[2]string]bool
	now       func() time.Time
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{
		endpoints: make(map[string]*Loopback),
		blocked:   make(map[[2]string]bool),
		now:       time.Now,
	}
}

// Join attaches a named endpoint with a receive buffer of the given size.
// Joining under a name already in use replaces the previous endpoint.
func (b *Bus) Join(name string, buffer int) *Loopback {
	if buffer <= 0 {
		buffer = 16
	}
	l := &Loopback{name: name, bus: b, rx: make(chan Advertisement, buffer), listening: true}
	b.mu.Lock()
	if old, ok := b.endpoints[name]; ok {
		old.closeLocked()
	}
	b.endpoints[name] = l
	b.mu.Unlock()
	return l
}

// Unlink puts a and c out of range of each other.
func (b *Bus) Unlink(a, c string) {
	b.mu.Lock()
	b.blocked[pairKey(a, c)] = true
	b.mu.Unlock()
}

// Link brings a and c back into range.
func (b *Bus) Link(a, c string) {
	b.mu.Lock()
	delete(b.blocked, pairKey(a, c))
	b.mu.Unlock()
}

func pairKey(a, c string) [2]string {
	if a > c {
		a, c = c, a
	}
	return [2]string{a, c}
}

func (b *Bus) inRangeLocked(a, c string) bool {
	return a != c && !b.blocked[pairKey(a, c)]
}

// Loopback is one device on a Bus. Its receiver starts on.
type Loopback struct {
	name      string
	bus       *Bus
	rx        chan Advertisement
	closed    bool
	listening bool
	dropped   uint64
}

// Name returns the endpoint label.
func (l *Loopback) Name() string { return l.name }

// Advertise delivers payload to every listening endpoint in range. Receivers
// with a full buffer miss it too.
func (l *Loopback) Advertise(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := l.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	at := b.now()
	for name, peer := range b.endpoints {
		if !peer.listening || !b.inRangeLocked(l.name, name) {
			continue
		}
		adv := Advertisement{Payload: append([]byte(nil), payload...), From: l.name, At: at}
		select {
		case peer.rx <- adv:
		default:
			peer.dropped++
		}
	}
	return nil
}

// Receive returns the endpoint's receive channel. It is closed by Close.
func (l *Loopback) Receive() <-chan Advertisement { return l.rx }

// Listen switches the endpoint's receiver.
func (l *Loopback) Listen(on bool) {
	l.bus.mu.Lock()
	l.listening = on
	l.bus.mu.Unlock()
}

// Peers counts open, listening endpoints in range.
func (l *Loopback) Peers() int {
	b := l.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for name, peer := range b.endpoints {
		if peer.listening && b.inRangeLocked(l.name, name) {
			n++
		}
	}
	return n
}

// Dropped is the number of advertisements lost to a full receive buffer.
func (l *Loopback) Dropped() uint64 {
	l.bus.mu.Lock()
	defer l.bus.mu.Unlock()
	return l.dropped
}

// Close detaches the endpoint from the bus.
func (l *Loopback) Close() error {
	l.bus.mu.Lock()
	defer l.bus.mu.Unlock()
	if l.closed {
		return nil
	}
	if l.bus.endpoints[l.name] == l {
		delete(l.bus.endpoints, l.name)
	}
	l.closeLocked()
	return nil
}

func (l *Loopback) closeLocked() {
	if !l.closed {
		l.closed = true
		close(l.rx)
	}
}
