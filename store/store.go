package store

import (
	"bytes"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/kadcore/nodeid"
	"github.com/opd-ai/kadcore/timeutil"
)

// Hasher computes the digest used to decide whether a key is "hashable"
// (node_id-of-key == hash(value_bytes)). The core never hashes directly;
// it is handed a narrow collaborator so the hash/sign primitives named in
// spec.md §1 stay external.
type Hasher interface {
	Hash(value []byte) nodeid.ID
}

// StoredValue is one value held under a key, with its TTL and refresh
// bookkeeping.
type StoredValue struct {
	ValueBytes  []byte
	TTL         time.Duration
	StoredAt    time.Time
	LastRefresh time.Time
	Hashable    bool
}

func (v *StoredValue) expireAt() time.Time {
	return v.StoredAt.Add(v.TTL)
}

// RefreshEntry is one item returned by ValuesToRefresh.
type RefreshEntry struct {
	Key   nodeid.ID
	Value []byte
	TTL   time.Duration
}

// DataStore is the in-memory key-to-multivalue store described in spec.md
// §4.1. All operations are atomic per-key; the whole table shares one lock,
// following the teacher's routing-table locking convention rather than
// finer-grained per-key locks, since this DHT core never sees store volumes
// large enough to make lock granularity a bottleneck.
type DataStore struct {
	mu     sync.RWMutex
	values map[nodeid.ID]map[string]*StoredValue
	hasher Hasher
	tp     timeutil.TimeProvider
}

// New creates an empty DataStore. hasher may be nil, in which case no key
// is ever treated as hashable (Store always falls through to the plain
// dedup path).
func New(hasher Hasher) *DataStore {
	return &DataStore{
		values: make(map[nodeid.ID]map[string]*StoredValue),
		hasher: hasher,
		tp:     timeutil.Default(),
	}
}

// SetTimeProvider overrides the clock used for stored_at/last_refresh
// timestamps, for deterministic tests.
func (d *DataStore) SetTimeProvider(tp timeutil.TimeProvider) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if tp == nil {
		tp = timeutil.Default()
	}
	d.tp = tp
}

func valueKey(value []byte) string {
	return string(value)
}

// Store records value under key with the given ttl. A key is hashable when
// hash(value) equals key and no prior entry exists for it; a hashable key
// accepts at most one value, and a conflicting store attempt for an
// existing hashable key fails.
func (d *DataStore) Store(key nodeid.ID, value []byte, ttl time.Duration) bool {
	log := logrus.WithFields(logrus.Fields{"function": "Store", "key": key.String()})

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.tp.Now()
	bucket := d.values[key]

	hashable := d.isHashable(key, value)

	if len(bucket) > 0 {
		for _, existing := range bucket {
			if existing.Hashable {
				if bytes.Equal(existing.ValueBytes, value) {
					existing.LastRefresh = now
					return true
				}
				log.Warn("rejected store: hashable key already holds a different value")
				return false
			}
		}
	}

	if bucket == nil {
		bucket = make(map[string]*StoredValue)
		d.values[key] = bucket
	}

	vk := valueKey(value)
	if existing, ok := bucket[vk]; ok {
		existing.LastRefresh = now
		existing.TTL = ttl
		return true
	}

	bucket[vk] = &StoredValue{
		ValueBytes:  append([]byte(nil), value...),
		TTL:         ttl,
		StoredAt:    now,
		LastRefresh: now,
		Hashable:    hashable,
	}
	return true
}

// isHashable reports whether key equals hash(value) per the configured
// Hasher, and the key currently has no entry at all (a hashable key is
// only ever assigned on its first store).
func (d *DataStore) isHashable(key nodeid.ID, value []byte) bool {
	if d.hasher == nil {
		return false
	}
	if len(d.values[key]) > 0 {
		return false
	}
	return d.hasher.Hash(value) == key
}

// Refresh updates last_refresh of an existing (key, value) pair. Returns
// false if the pair is absent so the caller can fall back to Store.
func (d *DataStore) Refresh(key nodeid.ID, value []byte) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	bucket, ok := d.values[key]
	if !ok {
		return false
	}
	existing, ok := bucket[valueKey(value)]
	if !ok {
		return false
	}
	existing.LastRefresh = d.tp.Now()
	return true
}

// Load returns every non-expired value stored under key. Does not alter
// timestamps.
func (d *DataStore) Load(key nodeid.ID) [][]byte {
	d.mu.RLock()
	defer d.mu.RUnlock()

	bucket, ok := d.values[key]
	if !ok {
		return nil
	}

	now := d.tp.Now()
	out := make([][]byte, 0, len(bucket))
	for _, v := range bucket {
		if now.After(v.expireAt()) {
			continue
		}
		out = append(out, append([]byte(nil), v.ValueBytes...))
	}
	return out
}

// TimeToLive returns the configured TTL for (key, value).
func (d *DataStore) TimeToLive(key nodeid.ID, value []byte) (time.Duration, bool) {
	v, ok := d.lookup(key, value)
	if !ok {
		return 0, false
	}
	return v.TTL, true
}

// LastRefreshTime returns the last-refresh timestamp for (key, value).
func (d *DataStore) LastRefreshTime(key nodeid.ID, value []byte) (time.Time, bool) {
	v, ok := d.lookup(key, value)
	if !ok {
		return time.Time{}, false
	}
	return v.LastRefresh, true
}

// ExpireTime returns stored_at + ttl for (key, value).
func (d *DataStore) ExpireTime(key nodeid.ID, value []byte) (time.Time, bool) {
	v, ok := d.lookup(key, value)
	if !ok {
		return time.Time{}, false
	}
	return v.expireAt(), true
}

func (d *DataStore) lookup(key nodeid.ID, value []byte) (*StoredValue, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	bucket, ok := d.values[key]
	if !ok {
		return nil, false
	}
	v, ok := bucket[valueKey(value)]
	return v, ok
}

// ValuesToRefresh returns every stored (key, value) whose last_refresh is
// older than interval, for the Node's republish loop (spec.md §4.7).
func (d *DataStore) ValuesToRefresh(interval time.Duration) []RefreshEntry {
	d.mu.RLock()
	defer d.mu.RUnlock()

	now := d.tp.Now()
	var out []RefreshEntry
	for key, bucket := range d.values {
		for _, v := range bucket {
			if now.Sub(v.LastRefresh) > interval {
				out = append(out, RefreshEntry{
					Key:   key,
					Value: append([]byte(nil), v.ValueBytes...),
					TTL:   v.TTL,
				})
			}
		}
	}
	return out
}

// Reap removes every expired value. Expiry checks elsewhere are lazy
// (absent-on-read); Reap is the caller-driven eager sweep spec.md §4.1
// calls for.
func (d *DataStore) Reap() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.tp.Now()
	removed := 0
	for key, bucket := range d.values {
		for vk, v := range bucket {
			if now.After(v.expireAt()) {
				delete(bucket, vk)
				removed++
			}
		}
		if len(bucket) == 0 {
			delete(d.values, key)
		}
	}
	return removed
}
