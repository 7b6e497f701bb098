package snowflake

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGenerator(t *testing.T) {
	t.Run("valid worker ID", func(t *testing.T) {
		gen, err := NewGenerator(1)
		require.NoError(t, err)
		assert.NotNil(t, gen)
	})

	t.Run("worker ID out of range", func(t *testing.T) {
		gen, err := NewGenerator(maxWorkerID + 1)
		assert.ErrorIs(t, err, ErrInvalidWorkerID)
		assert.Nil(t, gen)

		gen, err = NewGenerator(-1)
		assert.ErrorIs(t, err, ErrInvalidWorkerID)
		assert.Nil(t, gen)
	})
}

func TestNextID_Monotonic(t *testing.T) {
	gen, err := NewGenerator(1)
	require.NoError(t, err)

	var prev int64
	for range 10000 {
		id, err := gen.NextID()
		require.NoError(t, err)
		assert.Greater(t, id, prev)
		prev = id
	}
}

func TestNextID_ClockMovedBackwards(t *testing.T) {
	gen, err := NewGenerator(1)
	require.NoError(t, err)

	ts := int64(Epoch + 1000)
	gen.now = func() int64 { return ts }

	_, err = gen.NextID()
	require.NoError(t, err)

	ts -= 10
	_, err = gen.NextID()
	assert.ErrorIs(t, err, ErrClockMovedBackwards)
}

func TestNextID_ConcurrentUniqueness(t *testing.T) {
	gen, err := NewGenerator(3)
	require.NoError(t, err)

	const goroutines = 8
	const perGoroutine = 2000

	var mu sync.Mutex
	seen := make(map[int64]bool, goroutines*perGoroutine)

	var wg sync.WaitGroup
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]int64, 0, perGoroutine)
			for range perGoroutine {
				id, err := gen.NextID()
				if err != nil {
					t.Error(err)
					return
				}
				local = append(local, id)
			}
			mu.Lock()
			for _, id := range local {
				if seen[id] {
					t.Errorf("duplicate id %d", id)
				}
				seen[id] = true
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, goroutines*perGoroutine)
}
