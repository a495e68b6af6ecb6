package nodeid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStringRoundTrip(t *testing.T) {
	id, err := Random()
	require.NoError(t, err)

	decoded, err := FromString(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, decoded)
}

func TestFromStringInvalidLength(t *testing.T) {
	_, err := FromString("abcd")
	assert.ErrorIs(t, err, ErrInvalidLength)
}

func TestDistanceSymmetric(t *testing.T) {
	a, err := Random()
	require.NoError(t, err)
	b, err := Random()
	require.NoError(t, err)

	assert.Equal(t, a.Distance(b), b.Distance(a))
	assert.True(t, a.Distance(a).IsZero())
}

func TestLessOrdering(t *testing.T) {
	var a, b ID
	a[0] = 1
	b[0] = 2
	assert.True(t, Less(a, b))
	assert.False(t, Less(b, a))
	assert.False(t, Less(a, a))
}

func TestCloserTo(t *testing.T) {
	var target, near, far ID
	target[63] = 0x10
	near[63] = 0x11
	far[63] = 0xF0

	assert.True(t, CloserTo(near, far, target))
	assert.False(t, CloserTo(far, near, target))
}

func TestRandomInRange(t *testing.T) {
	var min, max ID
	min[0] = 0x10
	max[0] = 0x20

	for i := 0; i < 20; i++ {
		id, err := RandomInRange(min, max)
		require.NoError(t, err)
		assert.False(t, Less(id, min))
		assert.True(t, Less(id, max))
	}
}
