package token

import (
	"sort"
	"sync"

	"github.com/pubky/pubky-homeserver/pkg/clock"
)

// ReplayCache tracks spent AuthToken IDs within a sliding time window. It is
// in-memory, process-wide, and garbage-collected lazily on each insert
// attempt — no background goroutine is needed because every verify call
// already walks the cache.
//
// If the process restarts mid-window, tokens near the tail of the window
// become replayable again; this is an accepted tradeoff given the window is
// narrow (on the order of a couple of minutes).
type ReplayCache struct {
	mu     sync.Mutex
	window clock.Timestamp // in the same units as clock.Timestamp (microseconds)
	// entries is kept sorted by timestamp so GC can trim a prefix in one pass.
	entries []replayEntry
}

type replayEntry struct {
	key       [timestampLen + pubkyLen]byte
	timestamp clock.Timestamp
}

// NewReplayCache returns an empty cache that prunes entries older than
// window relative to the `now` passed to each InsertIfAbsent call.
func NewReplayCache(window clock.Timestamp) *ReplayCache {
	return &ReplayCache{window: window}
}

// InsertIfAbsent prunes entries older than now-window, then inserts key
// (whose own clock reading is tokenTimestamp) if not already present. It
// returns false if key was already present (replay detected).
func (c *ReplayCache) InsertIfAbsent(key [timestampLen + pubkyLen]byte, tokenTimestamp clock.Timestamp, now clock.Timestamp) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.gcLocked(now)

	idx := sort.Search(len(c.entries), func(i int) bool {
		return c.entries[i].timestamp >= tokenTimestamp
	})
	for i := idx; i < len(c.entries) && c.entries[i].timestamp == tokenTimestamp; i++ {
		if c.entries[i].key == key {
			return false
		}
	}

	c.entries = append(c.entries, replayEntry{})
	copy(c.entries[idx+1:], c.entries[idx:])
	c.entries[idx] = replayEntry{key: key, timestamp: tokenTimestamp}
	return true
}

// gcLocked removes every entry older than now-window. Callers must hold mu.
func (c *ReplayCache) gcLocked(now clock.Timestamp) {
	cutoff := now - c.window
	i := 0
	for i < len(c.entries) && c.entries[i].timestamp < cutoff {
		i++
	}
	if i > 0 {
		c.entries = append(c.entries[:0], c.entries[i:]...)
	}
}

// Len reports the current cache size.
func (c *ReplayCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
