package gateway

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Constants for memory safety
const (
	// Forget batch ids not seen in the last 10 minutes
	batchRetentionPeriod = 10 * time.Minute

	// Run cleanup every minute
	batchCleanupInterval = 1 * time.Minute
)

// BatchTracker remembers recently accepted batch ids so a retried delivery is
// acknowledged without being counted twice.
// SAFETY: Periodically clears old ids to prevent unbounded memory growth
type BatchTracker struct {
	mu sync.Mutex

	// seen maps xxhash(batch id) -> time it was accepted
	seen map[uint64]time.Time

	lastCleanup time.Time
	now         func() time.Time
}

// NewBatchTracker creates a new batch tracker
func NewBatchTracker() *BatchTracker {
	return &BatchTracker{
		seen:        make(map[uint64]time.Time),
		lastCleanup: time.Now(),
		now:         time.Now,
	}
}

// Observe records id and reports whether it was already accepted within the
// retention period. An empty id is never a duplicate.
func (t *BatchTracker) Observe(id string) bool {
	if id == "" {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if now.Sub(t.lastCleanup) > batchCleanupInterval {
		t.cleanupLocked(now)
	}

	key := xxhash.Sum64String(id)
	if at, ok := t.seen[key]; ok && now.Sub(at) <= batchRetentionPeriod {
		return true
	}
	t.seen[key] = now
	return false
}

// Len returns how many ids are remembered.
func (t *BatchTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.seen)
}

func (t *BatchTracker) cleanupLocked(now time.Time) {
	for key, at := range t.seen {
		if now.Sub(at) > batchRetentionPeriod {
			delete(t.seen, key)
		}
	}
	t.lastCleanup = now
}
