// Package dedup records which beacon identities a device has already seen so
// a message is never relayed twice. The store is bounded both in age (the
// retention window) and in count; the oldest entry goes first either way.
//
// A Store is owned by a single relay engine and is not safe for concurrent use.
package dedup

import (
	"container/list"
	"time"

	"echosos/beacon-node/internal/model"
)

// Verdict is the result of observing an identity.
type Verdict uint8

const (
	Fresh Verdict = iota + 1
	Duplicate
)

func (v Verdict) String() string {
	switch v {
	case Fresh:
		return "fresh"
	case Duplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// Stats are cumulative counters since construction.
type Stats struct {
	Observed   uint64
	Duplicates uint64
	Expired    uint64
	Evicted    uint64
	Size       int
}

type record struct {
	id       model.Identity
	lastSeen time.Time
}

// Store is a time-windowed, capacity-bounded set of identities ordered by
// last sighting (front = oldest).
type Store struct {
	retention time.Duration
	capacity  int
	order     *list.List
	index     map[model.Identity]*list.Element
	stats     Stats
}

// New creates a store. A non-positive capacity means unbounded count.
func New(retention time.Duration, capacity int) *Store {
	return &Store{
		retention: retention,
		capacity:  capacity,
		order:     list.New(),
		index:     make(map[model.Identity]*list.Element),
	}
}

// Observe records a sighting and reports whether the identity was already seen
// within the retention window. Expired entries are purged first.
func (s *Store) Observe(id model.Identity, now time.Time) Verdict {
	s.stats.Observed++
	s.purgeExpired(now)

	if el, ok := s.index[id]; ok {
		rec := el.Value.(*record)
		if now.After(rec.lastSeen) {
			rec.lastSeen = now
		}
		s.order.MoveToBack(el)
		s.stats.Duplicates++
		return Duplicate
	}

	s.insert(id, now)
	return Fresh
}

// Touch keeps an identity held as of now without counting a sighting. The
// relay engine uses it for messages it is still advertising itself.
func (s *Store) Touch(id model.Identity, now time.Time) {
	if el, ok := s.index[id]; ok {
		rec := el.Value.(*record)
		if now.After(rec.lastSeen) {
			rec.lastSeen = now
		}
		s.order.MoveToBack(el)
		return
	}
	s.insert(id, now)
}

// Seen reports whether the identity is currently held, without recording anything.
func (s *Store) Seen(id model.Identity, now time.Time) bool {
	el, ok := s.index[id]
	if !ok {
		return false
	}
	return !s.expired(el.Value.(*record), now)
}

// Sweep purges expired entries and returns how many were removed.
func (s *Store) Sweep(now time.Time) int {
	return s.purgeExpired(now)
}

// Len returns the number of identities held.
func (s *Store) Len() int {
	return s.order.Len()
}

// Stats returns a snapshot of the counters.
func (s *Store) Stats() Stats {
	st := s.stats
	st.Size = s.order.Len()
	return st
}

func (s *Store) expired(rec *record, now time.Time) bool {
	return s.retention > 0 && now.Sub(rec.lastSeen) >= s.retention
}

func (s *Store) purgeExpired(now time.Time) int {
	removed := 0
	for {
		front := s.order.Front()
		if front == nil || !s.expired(front.Value.(*record), now) {
			return removed
		}
		s.removeFront()
		s.stats.Expired++
		removed++
	}
}

func (s *Store) insert(id model.Identity, now time.Time) {
	if s.capacity > 0 {
		for s.order.Len() >= s.capacity {
			s.removeFront()
			s.stats.Evicted++
		}
	}
	s.index[id] = s.order.PushBack(&record{id: id, lastSeen: now})
}

func (s *Store) removeFront() {
	front := s.order.Front()
	if front == nil {
		return
	}
	rec := s.order.Remove(front).(*record)
	delete(s.index, rec.id)
}
