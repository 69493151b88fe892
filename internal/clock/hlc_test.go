package clock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNowStrictlyIncreasing(t *testing.T) {
	c := New(nil)

	prev := c.Now()
	for i := 0; i < 1000; i++ {
		ts := c.Now()
		require.Greater(t, ts, prev)
		prev = ts
	}
}

func TestStalledWallClock(t *testing.T) {
	// Frozen wall source: logical counter must carry the ordering.
	c := New(func() int64 { return 42 })

	a := c.Now()
	b := c.Now()
	assert.Greater(t, b, a)
	assert.Equal(t, int64(42), WallTime(a))
}

func TestBackwardsWallClock(t *testing.T) {
	wall := int64(100)
	c := New(func() int64 { return wall })

	a := c.Now()
	wall = 50
	b := c.Now()
	assert.Greater(t, b, a)
}

func TestUpdateAdvancesPastObserved(t *testing.T) {
	c := New(func() int64 { return 1 })

	remote := uint64(999) << logicalBits
	c.Update(remote)
	assert.Greater(t, c.Now(), remote)
}

func TestUpdateIgnoresOlder(t *testing.T) {
	c := New(func() int64 { return 1000 })

	ts := c.Now()
	c.Update(ts - 10)
	assert.Greater(t, c.Now(), ts)
}

func TestConcurrentNowUnique(t *testing.T) {
	c := New(nil)

	const goroutines = 8
	const perG = 500

	var mu sync.Mutex
	seen := make(map[uint64]struct{}, goroutines*perG)

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]uint64, 0, perG)
			for i := 0; i < perG; i++ {
				local = append(local, c.Now())
			}
			mu.Lock()
			for _, ts := range local {
				seen[ts] = struct{}{}
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, goroutines*perG)
}
