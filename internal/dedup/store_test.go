package dedup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"echosos/beacon-node/internal/model"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func id(origin uint64, seq uint16) model.Identity {
	return model.Identity{Origin: origin, Sequence: seq}
}

func TestObserveFreshThenDuplicate(t *testing.T) {
	s := New(10*time.Minute, 16)

	assert.Equal(t, Fresh, s.Observe(id(1, 1), t0))
	assert.Equal(t, Duplicate, s.Observe(id(1, 1), t0.Add(time.Second)))
	assert.Equal(t, Fresh, s.Observe(id(1, 2), t0.Add(time.Second)))
	assert.Equal(t, Fresh, s.Observe(id(2, 1), t0.Add(time.Second)))

	st := s.Stats()
	assert.Equal(t, uint64(4), st.Observed)
	assert.Equal(t, uint64(1), st.Duplicates)
	assert.Equal(t, 3, st.Size)
}

func TestObserveAfterRetentionIsFresh(t *testing.T) {
	s := New(time.Minute, 16)

	require.Equal(t, Fresh, s.Observe(id(1, 1), t0))
	assert.Equal(t, Duplicate, s.Observe(id(1, 1), t0.Add(59*time.Second)))
	// The duplicate refreshed the sighting.
	assert.Equal(t, Duplicate, s.Observe(id(1, 1), t0.Add(118*time.Second)))
	assert.Equal(t, Fresh, s.Observe(id(1, 1), t0.Add(179*time.Second)))
	assert.Equal(t, uint64(1), s.Stats().Expired)
}

func TestCapacityEvictsOldestFirst(t *testing.T) {
	s := New(time.Hour, 3)

	for i := uint16(0); i < 3; i++ {
		require.Equal(t, Fresh, s.Observe(id(1, i), t0.Add(time.Duration(i)*time.Second)))
	}
	// Refresh seq 0 so seq 1 becomes the oldest.
	require.Equal(t, Duplicate, s.Observe(id(1, 0), t0.Add(5*time.Second)))

	require.Equal(t, Fresh, s.Observe(id(1, 3), t0.Add(6*time.Second)))
	assert.Equal(t, 3, s.Len())
	assert.False(t, s.Seen(id(1, 1), t0.Add(6*time.Second)))
	assert.True(t, s.Seen(id(1, 0), t0.Add(6*time.Second)))
	assert.True(t, s.Seen(id(1, 2), t0.Add(6*time.Second)))
	assert.Equal(t, uint64(1), s.Stats().Evicted)
}

func TestSweep(t *testing.T) {
	s := New(time.Minute, 0)
	for i := uint16(0); i < 100; i++ {
		s.Observe(id(9, i), t0.Add(time.Duration(i)*time.Second))
	}

	removed := s.Sweep(t0.Add(90 * time.Second))
	assert.Equal(t, 31, removed)
	assert.Equal(t, 69, s.Len())

	assert.Equal(t, 69, s.Sweep(t0.Add(time.Hour)))
	assert.Equal(t, 0, s.Len())
}

func TestBoundedOverLongRun(t *testing.T) {
	s := New(5*time.Minute, 500)
	now := t0
	for i := 0; i < 50000; i++ {
		now = now.Add(100 * time.Millisecond)
		s.Observe(id(uint64(i%7000), uint16(i)), now)
		require.LessOrEqual(t, s.Len(), 500)
	}
}

func TestSeenDoesNotRecord(t *testing.T) {
	s := New(time.Minute, 4)
	assert.False(t, s.Seen(id(3, 3), t0))
	assert.Equal(t, Fresh, s.Observe(id(3, 3), t0))
	assert.True(t, s.Seen(id(3, 3), t0.Add(30*time.Second)))
	assert.False(t, s.Seen(id(3, 3), t0.Add(time.Minute)))
}

func TestTouchKeepsIdentityWithoutCounting(t *testing.T) {
	s := New(time.Minute, 4)
	require.Equal(t, Fresh, s.Observe(id(5, 1), t0))

	for i := 1; i <= 10; i++ {
		s.Touch(id(5, 1), t0.Add(time.Duration(i)*45*time.Second))
		s.Sweep(t0.Add(time.Duration(i) * 45 * time.Second))
	}
	now := t0.Add(10 * 45 * time.Second)
	assert.True(t, s.Seen(id(5, 1), now))
	assert.Equal(t, Duplicate, s.Observe(id(5, 1), now.Add(time.Second)))

	s.Touch(id(6, 1), now)
	assert.True(t, s.Seen(id(6, 1), now))
	st := s.Stats()
	assert.Equal(t, uint64(2), st.Observed)
	assert.Equal(t, 2, st.Size)
}
