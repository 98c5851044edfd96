package polling

import (
	"sync/atomic"
	"time"

	"github.com/matt-riley/flagwatch/internal/core"
)

// Snapshot is an immutable, published ruleset. Seq increases with every
// publication on the same cache.
type Snapshot struct {
	Ruleset   core.Ruleset
	Seq       uint64
	FetchedAt time.Time
}

// FlagCache holds the current snapshot. Reads are a single atomic load and
// never block; publication is a compare-and-swap that only moves forward.
type FlagCache struct {
	current atomic.Pointer[Snapshot]
}

// Load returns the current snapshot, or nil before the first publication.
func (c *FlagCache) Load() *Snapshot {
	return c.current.Load()
}

// Publish installs ruleset as the next snapshot and returns it along with the
// snapshot it replaced.
func (c *FlagCache) Publish(ruleset core.Ruleset, fetchedAt time.Time) (next *Snapshot, previous *Snapshot) {
	for {
		previous = c.current.Load()

		var seq uint64 = 1
		if previous != nil {
			seq = previous.Seq + 1
		}
		next = &Snapshot{Ruleset: ruleset, Seq: seq, FetchedAt: fetchedAt}

		if c.current.CompareAndSwap(previous, next) {
			return next, previous
		}
	}
}
