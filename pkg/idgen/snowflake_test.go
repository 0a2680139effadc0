package idgen

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGenerator_RejectsOutOfRangeNode(t *testing.T) {
	_, err := NewGenerator(-1)
	require.Error(t, err)

	_, err = NewGenerator(maxNode + 1)
	require.Error(t, err)

	_, err = NewGenerator(maxNode)
	require.NoError(t, err)
}

func TestGenerator_NextIsMonotonicAndUnique(t *testing.T) {
	gen, err := NewGenerator(7)
	require.NoError(t, err)

	seen := make(map[int64]bool)
	var last int64
	for i := 0; i < 10000; i++ {
		id := gen.Next()
		assert.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
		assert.Greater(t, id, last)
		last = id
	}
}

func TestGenerator_ConcurrentUseProducesUniqueIDs(t *testing.T) {
	gen, err := NewGenerator(3)
	require.NoError(t, err)

	const goroutines = 50
	const perGoroutine = 500

	ids := make(chan int64, goroutines*perGoroutine)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				ids <- gen.Next()
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]bool, goroutines*perGoroutine)
	for id := range ids {
		require.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
	assert.Len(t, seen, goroutines*perGoroutine)
}

func TestDecompose_RoundTripsNode(t *testing.T) {
	gen, err := NewGenerator(42)
	require.NoError(t, err)

	id := gen.Next()
	_, node, seq := Decompose(id)
	assert.EqualValues(t, 42, node)
	assert.GreaterOrEqual(t, seq, int64(0))
}
