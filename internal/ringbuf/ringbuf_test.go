package ringbuf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Ring_AtWraps(t *testing.T) {
	r := New[uint32](8)

	for i := uint64(0); i < 8; i++ {
		*r.At(i) = uint32(i)
	}

	// Logical index 9 must fold onto physical slot 1.
	assert.Equal(t, uint32(1), *r.At(9))
	assert.EqualValues(t, 8, r.Size())
	assert.EqualValues(t, 7, r.SizeMask())
}

func Test_NewFromSlice_WrapsExistingStorage(t *testing.T) {
	backing := make([]byte, 16)
	r := NewFromSlice(backing)

	*r.At(20) = 0xAB // folds to physical slot 4
	assert.Equal(t, byte(0xAB), backing[4])
	assert.EqualValues(t, 16, r.Size())
}

func Test_NewFromSlice_PanicsOnNonPowerOfTwo(t *testing.T) {
	assert.Panics(t, func() { NewFromSlice(make([]byte, 3)) })
}

func Test_Ring_PanicsOnNonPowerOfTwo(t *testing.T) {
	assert.Panics(t, func() { New[byte](3) })
	assert.Panics(t, func() { New[byte](0) })
}

func Test_SplitWrap_NoWrap(t *testing.T) {
	first, second := SplitWrap(4, 4, 16)
	require.Equal(t, Span{Start: 4, Len: 4}, first)
	require.Equal(t, Span{}, second)
}

func Test_SplitWrap_ExactTail(t *testing.T) {
	// A microslice whose size is exactly the free tail must not trigger a
	// second segment.
	first, second := SplitWrap(12, 4, 16)
	require.Equal(t, Span{Start: 12, Len: 4}, first)
	require.Equal(t, Span{}, second)
}

func Test_SplitWrap_CrossesWrap(t *testing.T) {
	// One byte larger than the tail must split into [tail] + [remainder].
	first, second := SplitWrap(12, 5, 16)
	require.Equal(t, Span{Start: 12, Len: 4}, first)
	require.Equal(t, Span{Start: 0, Len: 1}, second)
}
