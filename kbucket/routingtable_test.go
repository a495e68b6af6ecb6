package kbucket

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/kadcore/nodeid"
)

func TestAddContactThenGetContact(t *testing.T) {
	holder := randomID(t)
	rt := New(holder, 4)

	c := Contact{NodeID: randomID(t)}
	assert.Equal(t, AddInserted, rt.AddContact(c))

	got, ok := rt.GetContact(c.NodeID)
	require.True(t, ok)
	assert.Equal(t, c.NodeID, got.NodeID)
}

func TestBucketSplitsWhenHolderBucketFills(t *testing.T) {
	holder := nodeid.ID{}
	rt := New(holder, 2)

	// Fill the single root bucket (which contains holder) past capacity
	// to force a split.
	for i := 0; i < 5; i++ {
		id := randomID(t)
		rt.AddContact(Contact{NodeID: id})
	}

	assert.Greater(t, rt.BucketCount(), 1)
}

func TestForceKAdmitsCloserContactAndRejectsFarther(t *testing.T) {
	// With holder = 0 and K=2, adding a (first byte 0x01), b (0x02 0x80)
	// and c (0x03) splits the holder's bucket down to [0, 2^505), which
	// keeps a, while the brother bucket [2^505, 2^506) fills with b and c.
	// So v = K - size(holder bucket) = 1, and the v-th closest brother
	// contact is b.
	var holder nodeid.ID
	rt := New(holder, 2)

	var a, b, c nodeid.ID
	a[0] = 0x01
	b[0], b[1] = 0x02, 0x80
	c[0] = 0x03
	for _, id := range []nodeid.ID{a, b, c} {
		require.Equal(t, AddInserted, rt.AddContact(Contact{NodeID: id}))
	}
	brother := rt.BrotherBucketIndex()
	require.Equal(t, rt.HolderBucketIndex(), rt.BucketIndexFor(a))
	require.Equal(t, brother, rt.BucketIndexFor(b))
	require.Equal(t, brother, rt.BucketIndexFor(c))

	// closer is nearer to holder than b: Force-K admits it and evicts the
	// least useful brother contact, c (it is farthest, and a tied score
	// goes to the larger NodeID).
	var closer nodeid.ID
	closer[0], closer[1] = 0x02, 0x01
	assert.Equal(t, AddInserted, rt.AddContact(Contact{NodeID: closer}))
	_, ok := rt.GetContact(closer)
	assert.True(t, ok)
	_, ok = rt.GetContact(b)
	assert.True(t, ok)
	_, ok = rt.GetContact(c)
	assert.False(t, ok)

	// farther is not nearer than the v-th brother contact (now closer), so
	// it is rejected and the table is left unchanged.
	var farther nodeid.ID
	farther[0], farther[1] = 0x02, 0xC0
	assert.Equal(t, AddRejected, rt.AddContact(Contact{NodeID: farther}))
	_, ok = rt.GetContact(farther)
	assert.False(t, ok)
	_, ok = rt.GetContact(closer)
	assert.True(t, ok)
	_, ok = rt.GetContact(b)
	assert.True(t, ok)
}

func TestFindCloseNodesReturnsClosestFirst(t *testing.T) {
	holder := randomID(t)
	rt := New(holder, 20)

	var ids []nodeid.ID
	for i := 0; i < 10; i++ {
		id := randomID(t)
		ids = append(ids, id)
		rt.AddContact(Contact{NodeID: id})
	}

	target := randomID(t)
	result := rt.FindCloseNodes(target, 5, nil)
	require.LessOrEqual(t, len(result), 5)

	for i := 1; i < len(result); i++ {
		prev := result[i-1].NodeID.Distance(target)
		cur := result[i].NodeID.Distance(target)
		assert.False(t, nodeid.Less(cur, prev))
	}
}

func TestGetRefreshListWithForce(t *testing.T) {
	holder := randomID(t)
	rt := New(holder, 20)

	ids, err := rt.GetRefreshList(0, true)
	require.NoError(t, err)
	require.Len(t, ids, 1)
}

func TestTouchKBucketUpdatesLastAccessed(t *testing.T) {
	holder := randomID(t)
	rt := New(holder, 20)
	rt.TouchKBucket(holder)
	ids, err := rt.GetRefreshList(0, false)
	require.NoError(t, err)
	assert.Empty(t, ids)
}
