package netward

import (
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/rs/zerolog"
)

// ResponseCache is a weight-bounded, time-expiring store of origin responses.
//
// Capacity eviction and admission are delegated to ristretto (TinyLFU
// admission, sampled-LFU eviction). Entries are also removed lazily when read
// past their own TTL, and by the store when older than maxAge.
//
// ristretto only keeps key hashes, so live keys are tracked in index for
// pattern purges and weight accounting. index always reflects the entry most
// recently put for a key.
type ResponseCache struct {
	store  *ristretto.Cache
	maxAge time.Duration
	now    func() time.Time
	log    zerolog.Logger

	index   sync.Map // string -> *CacheEntry
	entries atomic.Int64
	weight  atomic.Int64

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
	rejected  atomic.Uint64

	rejectLog *rateLimitedLogger
}

// CacheStats is a point-in-time view of cache counters.
type CacheStats struct {
	Entries   int64   `json:"entries"`
	Weight    int64   `json:"weight"`
	MaxWeight int64   `json:"maxWeight"`
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	HitRate   float64 `json:"hitRate"`
	Evictions uint64  `json:"evictions"`
	Rejected  uint64  `json:"rejected"`
}

func NewResponseCache(maxWeight int64, maxAge time.Duration, log zerolog.Logger) (*ResponseCache, error) {
	if maxWeight <= 0 {
		return nil, fmt.Errorf("response cache: max weight must be positive, got %d", maxWeight)
	}
	c := &ResponseCache{
		maxAge: maxAge,
		now:    time.Now,
		log:    log,
	}
	c.rejectLog = newRateLimitedLogger(log, time.Minute)

	store, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        counterCount(maxWeight),
		MaxCost:            maxWeight,
		BufferItems:        64,
		IgnoreInternalCost: true,
		OnEvict:            c.onEvict,
		OnReject:           c.onReject,
	})
	if err != nil {
		return nil, fmt.Errorf("response cache: %w", err)
	}
	c.store = store
	return c, nil
}

// counterCount sizes the TinyLFU sketch at roughly ten counters per entry,
// assuming 4kb average entries.
func counterCount(maxWeight int64) int64 {
	n := maxWeight / 4096 * 10
	switch {
	case n < 10_000:
		return 10_000
	case n > 10_000_000:
		return 10_000_000
	}
	return n
}

// Put stores entry under key, replacing any previous entry. The write is
// visible to Get once Put returns, unless the admission policy rejected it.
func (c *ResponseCache) Put(key string, entry *CacheEntry) {
	entry.key = key
	if prev, ok := c.index.Swap(key, entry); ok {
		c.weight.Add(-prev.(*CacheEntry).Weight())
	} else {
		c.entries.Add(1)
	}
	c.weight.Add(entry.Weight())

	ttl := c.maxAge
	if ttl < 0 {
		ttl = 0
	}
	if !c.store.SetWithTTL(key, entry, entry.Weight(), ttl) {
		c.drop(key, entry)
		c.rejected.Add(1)
		return
	}
	c.store.Wait()

	c.log.Info().
		Str("key", key).
		Int("bytes", len(entry.Body)).
		Int64("ttl", entry.TTLSeconds()).
		Msg("Cached")
}

// Get returns the entry for key if it is present and fresh. A stale entry is
// removed and reported as a miss.
func (c *ResponseCache) Get(key string) (*CacheEntry, bool) {
	v, ok := c.store.Get(key)
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	entry := v.(*CacheEntry)
	if entry.IsStale(c.now()) {
		c.log.Debug().Str("key", key).Msg("Cache entry stale, invalidating")
		c.remove(key, entry)
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return entry, true
}

func (c *ResponseCache) Invalidate(key string) {
	if v, ok := c.index.LoadAndDelete(key); ok {
		c.entries.Add(-1)
		c.weight.Add(-v.(*CacheEntry).Weight())
	}
	c.store.Del(key)
	c.log.Info().Str("key", key).Msg("Invalidated cache entry")
}

func (c *ResponseCache) InvalidateAll() {
	c.index.Range(func(k, v any) bool {
		if c.index.CompareAndDelete(k, v) {
			c.entries.Add(-1)
			c.weight.Add(-v.(*CacheEntry).Weight())
		}
		return true
	})
	c.store.Clear()
	c.log.Info().Msg("Cleared all cache entries")
}

// InvalidatePattern removes every live key fully matched by pattern and
// returns how many were removed.
func (c *ResponseCache) InvalidatePattern(pattern string) (int, error) {
	re, err := regexp.Compile(`^(?:` + pattern + `)$`)
	if err != nil {
		return 0, fmt.Errorf("invalid purge pattern %q: %w", pattern, err)
	}
	n := 0
	c.index.Range(func(k, v any) bool {
		if re.MatchString(k.(string)) {
			c.remove(k.(string), v.(*CacheEntry))
			n++
		}
		return true
	})
	c.log.Info().Int("count", n).Str("pattern", pattern).Msg("Purged cache entries matching pattern")
	return n, nil
}

// Stats returns the current counters. Entries and Weight are estimates under
// concurrent writes.
func (c *ResponseCache) Stats() CacheStats {
	s := CacheStats{
		Entries:   c.entries.Load(),
		Weight:    c.weight.Load(),
		MaxWeight: c.store.MaxCost(),
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Rejected:  c.rejected.Load(),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

func (c *ResponseCache) Close() {
	c.store.Close()
}

// remove deletes entry only if it is still the one indexed under key.
func (c *ResponseCache) remove(key string, entry *CacheEntry) {
	if c.drop(key, entry) {
		c.store.Del(key)
	}
}

func (c *ResponseCache) drop(key string, entry *CacheEntry) bool {
	if !c.index.CompareAndDelete(key, entry) {
		return false
	}
	c.entries.Add(-1)
	c.weight.Add(-entry.Weight())
	return true
}

// onEvict runs on ristretto's policy goroutine for capacity and expiry
// removals.
func (c *ResponseCache) onEvict(item *ristretto.Item) {
	entry, ok := item.Value.(*CacheEntry)
	if !ok || !c.drop(entry.key, entry) {
		return
	}
	c.evictions.Add(1)
	c.log.Debug().
		Str("key", entry.key).
		Int("bytes", len(entry.Body)).
		Int64("age", entry.AgeSeconds(c.now())).
		Msg("Cache entry evicted")
}

func (c *ResponseCache) onReject(item *ristretto.Item) {
	entry, ok := item.Value.(*CacheEntry)
	if !ok || !c.drop(entry.key, entry) {
		return
	}
	c.rejected.Add(1)
	c.rejectLog.Warn(func(e *zerolog.Event) {
		e.Str("key", entry.key).Int64("weight", entry.Weight()).Msg("Cache admission rejected entry")
	})
}
