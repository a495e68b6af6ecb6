package kbucket

import (
	"math/big"
	"sync"
	"time"

	"github.com/opd-ai/kadcore/nodeid"
	"github.com/opd-ai/kadcore/timeutil"
)

// Outcome is the result of an add_contact attempt on a single KBucket.
type Outcome int

const (
	// Inserted means the contact was new and the bucket had room.
	Inserted Outcome = iota
	// MovedToFront means the contact already existed and was refreshed.
	MovedToFront
	// Full means the bucket has no room and the caller must decide
	// whether to split, Force-K, or reject.
	Full
	// Rejected means remove_contact found no matching entry.
	Rejected
)

// DefaultFailedRPCTolerance mirrors spec.md's failed_rpc_tolerance default:
// a single failed RPC is enough to evict a soft-removed contact.
const DefaultFailedRPCTolerance = 0

// KBucket holds up to maxSize contacts whose NodeID falls in
// [RangeMin, RangeMax), ordered MRU-first. Ordering is insertion-recency,
// never XOR distance.
//
// RangeMax is a *big.Int rather than a nodeid.ID because the topmost
// bucket's exclusive upper bound is 2^512, one past the largest
// representable 64-byte id.
type KBucket struct {
	mu                 sync.Mutex
	RangeMin           nodeid.ID
	RangeMax           *big.Int
	contacts           []Contact
	maxSize            int
	failedRPCTolerance int
	lastAccessed       time.Time
	tp                 timeutil.TimeProvider
}

// NewKBucket creates a bucket covering [rangeMin, rangeMax) with room for
// maxSize contacts.
func NewKBucket(rangeMin nodeid.ID, rangeMax *big.Int, maxSize int) *KBucket {
	tp := timeutil.Default()
	return &KBucket{
		RangeMin:           rangeMin,
		RangeMax:           rangeMax,
		maxSize:            maxSize,
		failedRPCTolerance: DefaultFailedRPCTolerance,
		lastAccessed:       tp.Now(),
		tp:                 tp,
	}
}

// SetTimeProvider overrides the clock used for last_accessed and contact
// LastSeen stamping, for deterministic tests.
func (b *KBucket) SetTimeProvider(tp timeutil.TimeProvider) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if tp == nil {
		tp = timeutil.Default()
	}
	b.tp = tp
}

// KeyInRange reports whether id falls within [RangeMin, RangeMax).
func (b *KBucket) KeyInRange(id nodeid.ID) bool {
	return !nodeid.Less(id, b.RangeMin) && IDToBig(id).Cmp(b.RangeMax) < 0
}

// IDToBig interprets id as a big-endian unsigned integer.
func IDToBig(id nodeid.ID) *big.Int {
	return new(big.Int).SetBytes(id[:])
}

// BigToID converts v, which must be in [0, 2^512), back to an ID.
func BigToID(v *big.Int) nodeid.ID {
	var id nodeid.ID
	b := v.Bytes()
	if len(b) > nodeid.Size {
		b = b[len(b)-nodeid.Size:]
	}
	copy(id[nodeid.Size-len(b):], b)
	return id
}

// Size returns the current contact count.
func (b *KBucket) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.contacts)
}

// MaxSize returns the configured capacity K.
func (b *KBucket) MaxSize() int {
	return b.maxSize
}

// LastAccessed returns the bucket's last-accessed timestamp.
func (b *KBucket) LastAccessed() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastAccessed
}

// SetLastAccessed stamps the bucket's last-accessed time to t.
func (b *KBucket) SetLastAccessed(t time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastAccessed = t
}

// Touch stamps last_accessed to the current time.
func (b *KBucket) Touch() {
	b.SetLastAccessed(b.tp.Now())
}

func (b *KBucket) indexOf(id nodeid.ID) int {
	for i, c := range b.contacts {
		if c.NodeID == id {
			return i
		}
	}
	return -1
}

// AddContact inserts or refreshes c. If c is already present it is removed
// and pushed to the front (MovedToFront). Else if there is room it is
// pushed to the front (Inserted). Else the bucket reports Full and the
// caller is responsible for split/Force-K/reject handling.
func (b *KBucket) AddContact(c Contact) Outcome {
	b.mu.Lock()
	defer b.mu.Unlock()

	c.LastSeen = b.tp.Now()

	if idx := b.indexOf(c.NodeID); idx >= 0 {
		b.contacts = append(b.contacts[:idx], b.contacts[idx+1:]...)
		b.contacts = append([]Contact{c}, b.contacts...)
		return MovedToFront
	}

	if len(b.contacts) >= b.maxSize {
		return Full
	}

	b.contacts = append([]Contact{c}, b.contacts...)
	return Inserted
}

// forceInsert unconditionally pushes c to the front without a capacity
// check, used by the routing table's Force-K rule after it has evicted a
// victim.
func (b *KBucket) forceInsert(c Contact) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c.LastSeen = b.tp.Now()
	if idx := b.indexOf(c.NodeID); idx >= 0 {
		b.contacts = append(b.contacts[:idx], b.contacts[idx+1:]...)
	}
	b.contacts = append([]Contact{c}, b.contacts...)
}

// RemoveContact removes the contact matching nodeID. If force is true it
// is erased unconditionally. Otherwise its failed_rpc counter is
// incremented and it is erased only once that count exceeds the tolerance;
// its position is preserved when it survives.
func (b *KBucket) RemoveContact(id nodeid.ID, force bool) Outcome {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx := b.indexOf(id)
	if idx < 0 {
		return Rejected
	}

	if force {
		b.contacts = append(b.contacts[:idx], b.contacts[idx+1:]...)
		return Inserted
	}

	b.contacts[idx].FailedRPC++
	if b.contacts[idx].FailedRPC > b.failedRPCTolerance {
		b.contacts = append(b.contacts[:idx], b.contacts[idx+1:]...)
	}
	return Inserted
}

// GetContact returns the contact matching id, if present.
func (b *KBucket) GetContact(id nodeid.ID) (Contact, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := b.indexOf(id)
	if idx < 0 {
		return Contact{}, false
	}
	return b.contacts[idx], true
}

// GetContacts returns up to n contacts in MRU order, skipping any whose
// NodeID is in exclude.
func (b *KBucket) GetContacts(n int, exclude map[nodeid.ID]bool) []Contact {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Contact, 0, n)
	for _, c := range b.contacts {
		if exclude[c.NodeID] {
			continue
		}
		out = append(out, c)
		if len(out) >= n {
			break
		}
	}
	return out
}

// All returns a defensive copy of every contact, MRU-first.
func (b *KBucket) All() []Contact {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Contact, len(b.contacts))
	copy(out, b.contacts)
	return out
}

// Back returns the LRU (least-recently-used) contact, used by the
// liveness ping before eviction.
func (b *KBucket) Back() (Contact, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.contacts) == 0 {
		return Contact{}, false
	}
	return b.contacts[len(b.contacts)-1], true
}
