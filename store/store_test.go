package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/kadcore/nodeid"
	"github.com/opd-ai/kadcore/timeutil"
)

type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time                  { return f.now }
func (f *fakeClock) Since(t time.Time) time.Duration { return f.now.Sub(t) }
func (f *fakeClock) advance(d time.Duration)         { f.now = f.now.Add(d) }

type identityHasher struct{}

func (identityHasher) Hash(value []byte) nodeid.ID {
	var id nodeid.ID
	copy(id[:], value)
	return id
}

func TestStoreThenLoad(t *testing.T) {
	ds := New(nil)
	key, err := nodeid.Random()
	require.NoError(t, err)

	ok := ds.Store(key, []byte("hello"), time.Minute)
	assert.True(t, ok)

	values := ds.Load(key)
	require.Len(t, values, 1)
	assert.Equal(t, []byte("hello"), values[0])
}

func TestStoreThenRefreshLeavesValueUnchanged(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	ds := New(nil)
	ds.SetTimeProvider(clock)

	key, err := nodeid.Random()
	require.NoError(t, err)
	ds.Store(key, []byte("v"), time.Minute)

	clock.advance(5 * time.Second)
	ok := ds.Refresh(key, []byte("v"))
	assert.True(t, ok)

	refreshed, ok := ds.LastRefreshTime(key, []byte("v"))
	require.True(t, ok)
	assert.Equal(t, clock.now, refreshed)

	values := ds.Load(key)
	require.Len(t, values, 1)
	assert.Equal(t, []byte("v"), values[0])
}

func TestRefreshAbsentReturnsFalse(t *testing.T) {
	ds := New(nil)
	key, _ := nodeid.Random()
	assert.False(t, ds.Refresh(key, []byte("missing")))
}

func TestHashableKeyRejectsConflictingValue(t *testing.T) {
	ds := New(identityHasher{})
	var key nodeid.ID
	copy(key[:], []byte("hello"))

	assert.True(t, ds.Store(key, []byte("hello"), time.Minute))
	assert.False(t, ds.Store(key, []byte("world-not-matching-hash"), time.Minute))
}

func TestNonHashableKeyDeduplicates(t *testing.T) {
	ds := New(nil)
	key, _ := nodeid.Random()

	ds.Store(key, []byte("a"), time.Minute)
	ds.Store(key, []byte("a"), time.Minute)
	ds.Store(key, []byte("b"), time.Minute)

	values := ds.Load(key)
	assert.Len(t, values, 2)
}

func TestExpiredValuesAbsentOnLoad(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	ds := New(nil)
	ds.SetTimeProvider(clock)

	key, _ := nodeid.Random()
	ds.Store(key, []byte("v"), time.Second)

	clock.advance(2 * time.Second)
	assert.Empty(t, ds.Load(key))
}

func TestReapRemovesExpired(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	ds := New(nil)
	ds.SetTimeProvider(clock)

	key, _ := nodeid.Random()
	ds.Store(key, []byte("v"), time.Second)
	clock.advance(2 * time.Second)

	removed := ds.Reap()
	assert.Equal(t, 1, removed)
	assert.Empty(t, ds.Load(key))
}

func TestValuesToRefresh(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	ds := New(nil)
	ds.SetTimeProvider(clock)

	key, _ := nodeid.Random()
	ds.Store(key, []byte("v"), time.Hour)

	clock.advance(10 * time.Second)
	entries := ds.ValuesToRefresh(5 * time.Second)
	require.Len(t, entries, 1)
	assert.Equal(t, key, entries[0].Key)
	assert.Equal(t, []byte("v"), entries[0].Value)
}
