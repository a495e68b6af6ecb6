package kbucket

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/kadcore/nodeid"
)

func randomID(t *testing.T) nodeid.ID {
	t.Helper()
	id, err := nodeid.Random()
	require.NoError(t, err)
	return id
}

func fullRangeBucket(k int) *KBucket {
	return NewKBucket(nodeid.ID{}, new(big.Int).Lsh(big.NewInt(1), nodeid.Size*8), k)
}

func TestAddContactInsertedThenMovedToFront(t *testing.T) {
	b := fullRangeBucket(4)
	c := Contact{NodeID: randomID(t)}

	assert.Equal(t, Inserted, b.AddContact(c))
	assert.Equal(t, MovedToFront, b.AddContact(c))
	assert.Equal(t, 1, b.Size())

	got, ok := b.GetContact(c.NodeID)
	require.True(t, ok)
	assert.Equal(t, c.NodeID, got.NodeID)
}

func TestAddContactFullReturnsFull(t *testing.T) {
	b := fullRangeBucket(1)
	b.AddContact(Contact{NodeID: randomID(t)})
	assert.Equal(t, Full, b.AddContact(Contact{NodeID: randomID(t)}))
}

func TestRemoveContactSoftPreservesUntilTolerance(t *testing.T) {
	b := fullRangeBucket(4)
	id := randomID(t)
	b.AddContact(Contact{NodeID: id})

	// DefaultFailedRPCTolerance is 0: first failure already evicts.
	b.RemoveContact(id, false)
	_, ok := b.GetContact(id)
	assert.False(t, ok)
}

func TestRemoveContactForceErasesUnconditionally(t *testing.T) {
	b := fullRangeBucket(4)
	id := randomID(t)
	b.AddContact(Contact{NodeID: id})
	b.RemoveContact(id, true)
	_, ok := b.GetContact(id)
	assert.False(t, ok)
}

func TestGetContactsExcludesAndRespectsLimit(t *testing.T) {
	b := fullRangeBucket(5)
	ids := make([]nodeid.ID, 3)
	for i := range ids {
		ids[i] = randomID(t)
		b.AddContact(Contact{NodeID: ids[i]})
	}

	got := b.GetContacts(2, map[nodeid.ID]bool{ids[0]: true})
	assert.Len(t, got, 2)
	for _, c := range got {
		assert.NotEqual(t, ids[0], c.NodeID)
	}
}

func TestKeyInRange(t *testing.T) {
	min := nodeid.ID{}
	max := new(big.Int).Lsh(big.NewInt(1), 8)
	b := NewKBucket(min, max, 4)

	var inside, outside nodeid.ID
	inside[nodeid.Size-1] = 0x10
	outside[nodeid.Size-2] = 0x01

	assert.True(t, b.KeyInRange(inside))
	assert.False(t, b.KeyInRange(outside))
}
