/*
cache.go - Per-(member, period) resolution cache

PURPOSE:
  Month resolution walks the roster, the absence list and both logs; the
  dashboards ask for the same month over and over. Instead of ambient
  "already loaded" booleans, each (member, period) gets one cache entry
  with a timestamp and TTL, and every mutation event invalidates exactly
  the entries it can affect.
*/
package schedule

import (
	"sync"
	"time"
)

// DefaultCacheTTL bounds staleness even if an invalidation event is lost.
const DefaultCacheTTL = 5 * time.Minute

type cacheKey struct {
	Member MemberID
	Period YearMonth
}

type cacheEntry struct {
	occurrences []Occurrence
	storedAt    time.Time
}

// ResolutionCache caches resolved months. Safe for concurrent use.
type ResolutionCache struct {
	mu      sync.RWMutex
	entries map[cacheKey]cacheEntry
	ttl     time.Duration
	clock   func() time.Time
}

func NewResolutionCache(ttl time.Duration) *ResolutionCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &ResolutionCache{
		entries: make(map[cacheKey]cacheEntry),
		ttl:     ttl,
		clock:   time.Now,
	}
}

// Get returns the cached month when present and fresh.
func (c *ResolutionCache) Get(id MemberID, ym YearMonth) ([]Occurrence, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[cacheKey{Member: id, Period: ym}]
	if !ok || c.clock().Sub(e.storedAt) > c.ttl {
		return nil, false
	}
	out := make([]Occurrence, len(e.occurrences))
	copy(out, e.occurrences)
	return out, true
}

func (c *ResolutionCache) Put(id MemberID, ym YearMonth, occs []Occurrence) {
	stored := make([]Occurrence, len(occs))
	copy(stored, occs)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey{Member: id, Period: ym}] = cacheEntry{occurrences: stored, storedAt: c.clock()}
}

// InvalidateMember drops every cached period of one member.
func (c *ResolutionCache) InvalidateMember(id MemberID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if k.Member == id {
			delete(c.entries, k)
		}
	}
}

// InvalidateAll drops everything. Used for roster-wide changes such as
// absence declarations.
func (c *ResolutionCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[cacheKey]cacheEntry)
}

// WatchBus subscribes the cache to mutation events and invalidates the
// affected entries until stop is called.
func (c *ResolutionCache) WatchBus(bus *Bus) (stop func()) {
	ch, cancel := bus.Subscribe()
	done := make(chan struct{})

	go func() {
		defer close(done)
		for ev := range ch {
			switch {
			case ev.Kind == EventInvoiceChanged:
				// Invoices do not feed occurrence resolution.
			case ev.MemberID == "":
				c.InvalidateAll()
			case ev.Kind == EventCancellationChanged || ev.Kind == EventBookingChanged:
				// A cancellation opens a vacancy anyone can see; a booking
				// closes one. Other members' boards change too, so a shared
				// key change clears everything.
				c.InvalidateAll()
			default:
				c.InvalidateMember(ev.MemberID)
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}
