package buffer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/acqstreams/errors"
)

func TestNewRing_RejectsNonPositiveCapacity(t *testing.T) {
	_, err := NewRing[int](0)
	assert.Error(t, err)
	_, err = NewRing[int](-3)
	assert.Error(t, err)
}

func TestRing_FIFOOrder(t *testing.T) {
	r, err := NewRing[int](4)
	require.NoError(t, err)

	for i := 1; i <= 4; i++ {
		require.NoError(t, r.Write(i))
	}

	for want := 1; want <= 4; want++ {
		got, ok := r.Read()
		require.True(t, ok)
		assert.Equal(t, want, got)
	}

	_, ok := r.Read()
	assert.False(t, ok)
}

func TestRing_DropOldestRetainsNewestWindow(t *testing.T) {
	r, err := NewRing[int](3)
	require.NoError(t, err)

	// Pre-trigger retention pattern: keep only the most recent window.
	for i := 1; i <= 10; i++ {
		require.NoError(t, r.Write(i))
	}

	assert.Equal(t, []int{8, 9, 10}, r.Drain())
	assert.Equal(t, uint64(7), r.Stats().Dropped)
}

func TestRing_DropNewestRejectsWhenFull(t *testing.T) {
	r, err := NewRing[int](2, WithOverflowPolicy[int](DropNewest))
	require.NoError(t, err)

	require.NoError(t, r.Write(1))
	require.NoError(t, r.Write(2))
	err = r.Write(3)
	assert.ErrorIs(t, err, errors.ErrBufferFull)

	assert.Equal(t, []int{1, 2}, r.Drain())
}

func TestRing_ReadBatch(t *testing.T) {
	r, err := NewRing[string](8)
	require.NoError(t, err)

	for _, s := range []string{"a", "b", "c"} {
		require.NoError(t, r.Write(s))
	}

	assert.Equal(t, []string{"a", "b"}, r.ReadBatch(2))
	assert.Equal(t, []string{"c"}, r.ReadBatch(10))
	assert.Nil(t, r.ReadBatch(5))
}

func TestRing_WrapAround(t *testing.T) {
	r, err := NewRing[int](3)
	require.NoError(t, err)

	require.NoError(t, r.Write(1))
	require.NoError(t, r.Write(2))
	_, _ = r.Read()
	require.NoError(t, r.Write(3))
	require.NoError(t, r.Write(4)) // wraps

	assert.Equal(t, []int{2, 3, 4}, r.Drain())
}

func TestRing_Clear(t *testing.T) {
	r, err := NewRing[int](4)
	require.NoError(t, err)
	require.NoError(t, r.Write(1))
	r.Clear()
	assert.Equal(t, 0, r.Len())
	_, ok := r.Read()
	assert.False(t, ok)
}

func TestRing_ConcurrentAccess(t *testing.T) {
	r, err := NewRing[int](128)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				_ = r.Write(i)
				r.Read()
			}
		}()
	}
	wg.Wait()

	// No races or panics; counters are consistent.
	stats := r.Stats()
	assert.Equal(t, uint64(4000), stats.Written)
}
