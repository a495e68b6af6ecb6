package kbucket

import (
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/kadcore/nodeid"
	"github.com/opd-ai/kadcore/timeutil"
)

// DefaultK is the standard bucket capacity (spec.md names 16 or 20;
// node-wide and consistent across a network).
const DefaultK = 20

// DefaultRefreshInterval is how long a bucket may go untouched before
// get_refresh_list emits a probe id for it.
const DefaultRefreshInterval = time.Hour

// AddOutcome is the result of RoutingTable.AddContact.
type AddOutcome int

const (
	// AddInserted means the contact was accepted into its bucket.
	AddInserted AddOutcome = iota
	// AddRejected means the target bucket was full and neither split
	// nor Force-K applied.
	AddRejected
)

// RoutingTable partitions the 512-bit id space into a contiguous,
// non-overlapping sequence of KBuckets. On construction there is exactly
// one bucket covering the whole space. The bucket containing holder_id
// splits lazily when it would otherwise reject a new contact; the bucket's
// sibling (the "brother bucket") admits new contacts under the Force-K
// rule instead of splitting further.
//
// Every operation is serialized by a single lock, matching the teacher's
// routing-table convention of one exclusive lock per table rather than
// per-bucket locking.
type RoutingTable struct {
	mu                    sync.Mutex
	holderID              nodeid.ID
	buckets               []*KBucket
	bucketOfHolder        int
	brotherBucketOfHolder int
	k                      int
	refreshInterval       time.Duration
	tp                    timeutil.TimeProvider
}

// New creates a RoutingTable for holderID with a single bucket covering
// the whole id space and bucket capacity k (spec.md's K).
func New(holderID nodeid.ID, k int) *RoutingTable {
	if k <= 0 {
		k = DefaultK
	}
	root := NewKBucket(nodeid.ID{}, twoTo512(), k)
	return &RoutingTable{
		holderID:              holderID,
		buckets:               []*KBucket{root},
		bucketOfHolder:        0,
		brotherBucketOfHolder: -1,
		k:                     k,
		refreshInterval:       DefaultRefreshInterval,
		tp:                    timeutil.Default(),
	}
}

// SetTimeProvider overrides the clock used for refresh scheduling, for
// deterministic tests.
func (rt *RoutingTable) SetTimeProvider(tp timeutil.TimeProvider) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if tp == nil {
		tp = timeutil.Default()
	}
	rt.tp = tp
}

func twoTo512() *big.Int {
	return new(big.Int).Lsh(big.NewInt(1), nodeid.Size*8)
}

// bucketIndexFor returns the index of the bucket covering id. Callers must
// hold rt.mu.
func (rt *RoutingTable) bucketIndexFor(id nodeid.ID) int {
	for i, b := range rt.buckets {
		if b.KeyInRange(id) {
			return i
		}
	}
	return len(rt.buckets) - 1
}

// AddContact resolves the bucket covering c.NodeID and attempts to insert
// it, splitting the holder's bucket or applying Force-K on the brother
// bucket as needed per spec.md §4.3.
func (rt *RoutingTable) AddContact(c Contact) AddOutcome {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.addContactLocked(c)
}

func (rt *RoutingTable) addContactLocked(c Contact) AddOutcome {
	log := logrus.WithFields(logrus.Fields{"function": "AddContact", "node_id": c.NodeID.String()})

	idx := rt.bucketIndexFor(c.NodeID)
	bucket := rt.buckets[idx]

	outcome := bucket.AddContact(c)
	if outcome != Full {
		bucket.Touch()
		return AddInserted
	}

	if idx == rt.bucketOfHolder {
		rt.splitBucket(idx)
		return rt.addContactLocked(c)
	}

	if idx == rt.brotherBucketOfHolder {
		if rt.forceKAccept(c) {
			return AddInserted
		}
		log.Debug("force-k rejected new contact")
		return AddRejected
	}

	log.Debug("bucket full, neither holder nor brother bucket: rejected")
	return AddRejected
}

// splitBucket splits the bucket at index into two buckets at its range
// midpoint, redistributes its contacts by range, and updates
// bucketOfHolder/brotherBucketOfHolder. Callers must hold rt.mu.
func (rt *RoutingTable) splitBucket(index int) {
	old := rt.buckets[index]

	minBig := IDToBig(old.RangeMin)
	span := new(big.Int).Sub(old.RangeMax, minBig)
	half := new(big.Int).Rsh(span, 1)
	splitPoint := new(big.Int).Add(minBig, half)

	left := NewKBucket(old.RangeMin, splitPoint, old.maxSize)
	right := NewKBucket(BigToID(splitPoint), old.RangeMax, old.maxSize)

	for _, c := range old.All() {
		if left.KeyInRange(c.NodeID) {
			left.forceInsert(c)
		} else {
			right.forceInsert(c)
		}
	}

	rt.buckets = append(rt.buckets[:index], append([]*KBucket{left, right}, rt.buckets[index+1:]...)...)

	switch {
	case left.KeyInRange(rt.holderID):
		rt.bucketOfHolder = index
		rt.brotherBucketOfHolder = index + 1
	case right.KeyInRange(rt.holderID):
		rt.bucketOfHolder = index + 1
		rt.brotherBucketOfHolder = index
	default:
		// holder_id was not in the split bucket; shift indices for
		// whichever side of the split they fell on.
		if rt.bucketOfHolder > index {
			rt.bucketOfHolder++
		}
		if rt.brotherBucketOfHolder > index {
			rt.brotherBucketOfHolder++
		}
	}
}

// forceKAccept applies the brother-bucket Force-K admission rule
// (spec.md §4.3.1): let v = K - size(bucket_of_holder); the brother
// bucket's contacts are sorted ascending by XOR distance from holder_id;
// c must be closer than the v-th such contact to be admitted; the victim
// is the "least useful" contact among the remainder (index v-1 onward),
// scored by summed ascending-distance rank and descending-recency rank,
// ties broken by NodeID for determinism (spec.md §9 flags the original's
// tie-break as iteration-order and asks reimplementers to pick something
// deterministic).
func (rt *RoutingTable) forceKAccept(c Contact) bool {
	v := rt.k - rt.buckets[rt.bucketOfHolder].Size()
	if v <= 0 {
		return false
	}

	brother := rt.buckets[rt.brotherBucketOfHolder]
	contacts := brother.All()
	sort.Slice(contacts, func(i, j int) bool {
		return nodeid.Less(contacts[i].NodeID.Distance(rt.holderID), contacts[j].NodeID.Distance(rt.holderID))
	})

	if v > len(contacts) {
		// Brother bucket has fewer than v contacts: nothing stands in
		// the way, any contact is "closer than the v-th" vacuously.
	} else {
		vth := contacts[v-1]
		if !nodeid.CloserTo(c.NodeID, vth.NodeID, rt.holderID) {
			return false
		}
	}

	remainderStart := v - 1
	if remainderStart < 0 {
		remainderStart = 0
	}
	if remainderStart >= len(contacts) {
		return false
	}
	remainder := contacts[remainderStart:]

	victim := leastUsefulContact(remainder, rt.holderID)

	brother.RemoveContact(victim.NodeID, true)
	brother.forceInsert(c)
	return true
}

// leastUsefulContact picks the contact farthest from holder and least
// recently seen, by summing an ascending-distance rank with a
// descending-recency rank (oldest gets the highest recency rank). Ties
// are broken by NodeID so the choice is deterministic.
func leastUsefulContact(contacts []Contact, holder nodeid.ID) Contact {
	type scored struct {
		contact Contact
		score   int
	}

	byDistance := append([]Contact(nil), contacts...)
	sort.Slice(byDistance, func(i, j int) bool {
		return nodeid.Less(byDistance[i].NodeID.Distance(holder), byDistance[j].NodeID.Distance(holder))
	})
	distanceRank := make(map[nodeid.ID]int, len(byDistance))
	for i, c := range byDistance {
		distanceRank[c.NodeID] = i + 1
	}

	byRecency := append([]Contact(nil), contacts...)
	sort.Slice(byRecency, func(i, j int) bool {
		return byRecency[i].LastSeen.After(byRecency[j].LastSeen)
	})
	recencyRank := make(map[nodeid.ID]int, len(byRecency))
	for i, c := range byRecency {
		recencyRank[c.NodeID] = i + 1
	}

	scoredContacts := make([]scored, len(contacts))
	for i, c := range contacts {
		scoredContacts[i] = scored{contact: c, score: distanceRank[c.NodeID] + recencyRank[c.NodeID]}
	}

	sort.Slice(scoredContacts, func(i, j int) bool {
		if scoredContacts[i].score != scoredContacts[j].score {
			return scoredContacts[i].score > scoredContacts[j].score
		}
		return nodeid.Less(scoredContacts[j].contact.NodeID, scoredContacts[i].contact.NodeID)
	})

	return scoredContacts[0].contact
}

// FindCloseNodes fills from the bucket covering key first, then walks
// remaining buckets in ascending order of XOR distance (bucket upper
// bound to key), re-sorting each batch by distance to key, until count
// contacts are gathered or buckets are exhausted.
func (rt *RoutingTable) FindCloseNodes(key nodeid.ID, count int, exclude map[nodeid.ID]bool) []Contact {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if exclude == nil {
		exclude = map[nodeid.ID]bool{}
	}

	result := make([]Contact, 0, count)
	homeIdx := rt.bucketIndexFor(key)
	result = appendSorted(result, rt.buckets[homeIdx].GetContacts(count, exclude), key, count)

	if len(result) >= count {
		return result[:count]
	}

	others := make([]int, 0, len(rt.buckets)-1)
	for i := range rt.buckets {
		if i != homeIdx {
			others = append(others, i)
		}
	}
	sort.Slice(others, func(i, j int) bool {
		di := BigToID(new(big.Int).Sub(rt.buckets[others[i]].RangeMax, big.NewInt(1))).Distance(key)
		dj := BigToID(new(big.Int).Sub(rt.buckets[others[j]].RangeMax, big.NewInt(1))).Distance(key)
		return nodeid.Less(di, dj)
	})

	for _, idx := range others {
		if len(result) >= count {
			break
		}
		need := count - len(result)
		result = appendSorted(result, rt.buckets[idx].GetContacts(need, exclude), key, count)
	}

	if len(result) > count {
		result = result[:count]
	}
	return result
}

func appendSorted(into []Contact, batch []Contact, key nodeid.ID, limit int) []Contact {
	sort.Slice(batch, func(i, j int) bool {
		return nodeid.Less(batch[i].NodeID.Distance(key), batch[j].NodeID.Distance(key))
	})
	into = append(into, batch...)
	if len(into) > limit {
		sort.Slice(into, func(i, j int) bool {
			return nodeid.Less(into[i].NodeID.Distance(key), into[j].NodeID.Distance(key))
		})
	}
	return into
}

// GetRefreshList returns one random id per stale bucket from startIndex
// onward (stale meaning now - last_accessed > refresh interval, or force
// is set), each drawn uniformly from that bucket's range.
func (rt *RoutingTable) GetRefreshList(startIndex int, force bool) ([]nodeid.ID, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	now := rt.tp.Now()
	var ids []nodeid.ID
	for i := startIndex; i < len(rt.buckets); i++ {
		b := rt.buckets[i]
		if !force && now.Sub(b.LastAccessed()) <= rt.refreshInterval {
			continue
		}
		id, err := randomInBucket(b)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func randomInBucket(b *KBucket) (nodeid.ID, error) {
	max := b.RangeMax
	if max.BitLen() > nodeid.Size*8 {
		// The topmost bucket's exclusive upper bound is 2^512, one past
		// the largest representable id; clamp to the largest real id.
		max = new(big.Int).Sub(twoTo512(), big.NewInt(1))
		return nodeid.RandomInRange(b.RangeMin, BigToID(max))
	}
	return nodeid.RandomInRange(b.RangeMin, BigToID(max))
}

// TouchKBucket sets last_accessed = now for whichever bucket covers id.
func (rt *RoutingTable) TouchKBucket(id nodeid.ID) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	idx := rt.bucketIndexFor(id)
	rt.buckets[idx].Touch()
}

// GetLastSeen returns the LRU contact of the bucket at bucketIndex.
func (rt *RoutingTable) GetLastSeen(bucketIndex int) (Contact, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if bucketIndex < 0 || bucketIndex >= len(rt.buckets) {
		return Contact{}, false
	}
	return rt.buckets[bucketIndex].Back()
}

// BucketCount returns the number of buckets currently in the table.
func (rt *RoutingTable) BucketCount() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.buckets)
}

// BucketIndexFor exposes bucketIndexFor for callers (e.g. the admission
// worker in spec.md §4.9) that need to know which bucket a contact would
// land in before attempting to add it.
func (rt *RoutingTable) BucketIndexFor(id nodeid.ID) int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.bucketIndexFor(id)
}

// HolderBucketIndex and BrotherBucketIndex expose the two tracked indices,
// mainly for tests asserting the split invariant.
func (rt *RoutingTable) HolderBucketIndex() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.bucketOfHolder
}

func (rt *RoutingTable) BrotherBucketIndex() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.brotherBucketOfHolder
}

// RemoveContact removes id from whichever bucket currently covers it.
func (rt *RoutingTable) RemoveContact(id nodeid.ID, force bool) Outcome {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	idx := rt.bucketIndexFor(id)
	return rt.buckets[idx].RemoveContact(id, force)
}

// GetContact looks up id in whichever bucket covers it.
func (rt *RoutingTable) GetContact(id nodeid.ID) (Contact, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	idx := rt.bucketIndexFor(id)
	return rt.buckets[idx].GetContact(id)
}
