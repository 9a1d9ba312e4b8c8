// Package session tracks cashier presence through heartbeats with a TTL.
// Background sync defers while any session is live so checkout latency is
// never contended by catalog refresh or outbox drains.
package session

import (
	"context"
	"sync"
	"time"
)

type Tracker interface {
	Heartbeat(ctx context.Context, terminalID string) error
	ActiveCount(ctx context.Context) (int, error)
}

// MemoryTracker is the in-process fallback when Redis is not configured.
type MemoryTracker struct {
	mu       sync.Mutex
	ttl      time.Duration
	lastSeen map[string]time.Time
	now      func() time.Time
}

func NewMemoryTracker(ttl time.Duration) *MemoryTracker {
	if ttl <= 0 {
		ttl = 45 * time.Second
	}
	return &MemoryTracker{
		ttl:      ttl,
		lastSeen: make(map[string]time.Time),
		now:      time.Now,
	}
}

func (t *MemoryTracker) Heartbeat(_ context.Context, terminalID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSeen[terminalID] = t.now()
	return nil
}

func (t *MemoryTracker) ActiveCount(_ context.Context) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-t.ttl)
	count := 0
	for id, seen := range t.lastSeen {
		if seen.Before(cutoff) {
			delete(t.lastSeen, id)
			continue
		}
		count++
	}
	return count, nil
}
