package netward

import (
	"net/http"
	"time"
)

// entryOverhead is a flat allowance for headers and bookkeeping, added to
// the body length when weighing an entry.
const entryOverhead = 1024

// CacheEntry is a stored origin response. It must not be mutated after
// construction; readers share it without copying.
type CacheEntry struct {
	key string

	Status     int
	Header     http.Header
	Body       []byte
	InsertedAt time.Time
	TTL        time.Duration
	ETag       string
}

func NewCacheEntry(status int, header http.Header, body []byte, ttl time.Duration, now time.Time) *CacheEntry {
	h := header.Clone()
	if h == nil {
		h = http.Header{}
	}
	return &CacheEntry{
		Status:     status,
		Header:     h,
		Body:       body,
		InsertedAt: now,
		TTL:        ttl,
		ETag:       h.Get("ETag"),
	}
}

func (e *CacheEntry) IsStale(now time.Time) bool {
	return now.Sub(e.InsertedAt) > e.TTL
}

func (e *CacheEntry) AgeSeconds(now time.Time) int64 {
	age := int64(now.Sub(e.InsertedAt) / time.Second)
	if age < 0 {
		return 0
	}
	return age
}

func (e *CacheEntry) TTLSeconds() int64 {
	return int64(e.TTL / time.Second)
}

func (e *CacheEntry) Weight() int64 {
	return int64(len(e.Body)) + entryOverhead
}
