package clock

import (
	"sync"
	"time"
)

// logicalBits is the number of low bits reserved for the logical counter
// inside a packed timestamp. 2^18 events per millisecond before the wall
// component has to advance.
const logicalBits = 18

// HLC is a hybrid logical clock producing strictly increasing uint64
// timestamps: wall-clock milliseconds in the high bits, a logical counter
// in the low bits. The wall source is injected so tests can drive the
// clock deterministically.
type HLC struct {
	mu   sync.Mutex
	last uint64
	wall func() int64
}

// New creates a clock reading wall time from the supplied source, or from
// time.Now when source is nil.
func New(wall func() int64) *HLC {
	if wall == nil {
		wall = func() int64 { return time.Now().UnixMilli() }
	}
	return &HLC{wall: wall}
}

// Now returns the next timestamp. Strictly increasing across calls even
// when the wall clock stalls or steps backwards.
func (c *HLC) Now() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts := uint64(c.wall()) << logicalBits
	if ts <= c.last {
		ts = c.last + 1
	}
	c.last = ts
	return ts
}

// Update folds a timestamp observed from another node into the clock so
// that subsequent local timestamps are greater than anything seen.
func (c *HLC) Update(observed uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if observed > c.last {
		c.last = observed
	}
}

// Last returns the most recent timestamp handed out or observed.
func (c *HLC) Last() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// WallTime extracts the wall-clock millisecond component of a timestamp.
func WallTime(ts uint64) int64 {
	return int64(ts >> logicalBits)
}
