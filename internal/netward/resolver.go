package netward

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// HostResolver maps Host headers to origin records, caching both positive
// and negative directory answers for ttl. Directory failures are not cached.
type HostResolver struct {
	dir   Directory
	ttl   time.Duration
	cache *ristretto.Cache
	group singleflight.Group
	log   zerolog.Logger

	outageLog *rateLimitedLogger

	hits    atomic.Uint64
	misses  atomic.Uint64
	lookups atomic.Uint64
	failed  atomic.Uint64
}

// HostStats is a point-in-time view of resolver counters.
type HostStats struct {
	Entries int64  `json:"entries"`
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
	Lookups uint64 `json:"lookups"`
	Errors  uint64 `json:"errors"`
}

func NewHostResolver(dir Directory, ttl time.Duration, maxEntries int64, log zerolog.Logger) (*HostResolver, error) {
	if maxEntries <= 0 {
		return nil, fmt.Errorf("host resolver: max entries must be positive, got %d", maxEntries)
	}
	h := &HostResolver{
		dir:       dir,
		ttl:       ttl,
		log:       log,
		outageLog: newRateLimitedLogger(log, 10*time.Second),
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
		// one unit per hostname
		IgnoreInternalCost: true,
		Metrics:            true,
	})
	if err != nil {
		return nil, fmt.Errorf("host resolver: %w", err)
	}
	h.cache = cache
	return h, nil
}

// Resolve returns the routing decision for a Host header. An empty host is
// Unresolved without touching the directory.
func (h *HostResolver) Resolve(ctx context.Context, hostHeader string) Resolution {
	host := normalizeHost(hostHeader)
	if host == "" {
		return Resolution{Kind: Unresolved}
	}

	start := time.Now()
	if v, ok := h.cache.Get(host); ok {
		h.hits.Add(1)
		res := v.(Resolution)
		h.log.Debug().
			Str("host", host).
			Stringer("result", res.Kind).
			Dur("took", time.Since(start)).
			Msg("Host cache hit")
		return res
	}
	h.misses.Add(1)

	// The lookup is shared by every concurrent caller for host, so it must
	// not be cut short by the first caller going away.
	lookupCtx := context.WithoutCancel(ctx)
	v, _, _ := h.group.Do(host, func() (any, error) {
		return h.lookup(lookupCtx, host, start), nil
	})
	return v.(Resolution)
}

func (h *HostResolver) lookup(ctx context.Context, host string, start time.Time) Resolution {
	h.lookups.Add(1)
	origin, err := h.dir.LookupOrigin(ctx, host)
	switch {
	case err == nil:
		res := Resolution{Kind: Found, Origin: origin}
		h.store(host, res)
		h.log.Debug().
			Str("host", host).
			Str("target", origin.Addr()).
			Dur("took", time.Since(start)).
			Msg("Fetched zone for host")
		return res
	case errors.Is(err, ErrZoneNotFound):
		res := Resolution{Kind: NotFound}
		h.store(host, res)
		h.log.Warn().Str("host", host).Dur("took", time.Since(start)).Msg("No zone found for host")
		return res
	default:
		h.failed.Add(1)
		h.outageLog.Warn(func(e *zerolog.Event) {
			e.Err(err).Str("host", host).Dur("took", time.Since(start)).Msg("Directory lookup failed")
		})
		return Resolution{Kind: Unresolved}
	}
}

func (h *HostResolver) store(host string, res Resolution) {
	if h.cache.SetWithTTL(host, res, 1, h.ttl) {
		h.cache.Wait()
	}
}

func (h *HostResolver) Stats() HostStats {
	var entries int64
	if m := h.cache.Metrics; m != nil && m.KeysAdded() > m.KeysEvicted() {
		entries = int64(m.KeysAdded() - m.KeysEvicted())
	}
	return HostStats{
		Entries: entries,
		Hits:    h.hits.Load(),
		Misses:  h.misses.Load(),
		Lookups: h.lookups.Load(),
		Errors:  h.failed.Load(),
	}
}

func (h *HostResolver) Close() {
	h.cache.Close()
}

// normalizeHost strips a trailing :port and lowercases the name.
func normalizeHost(hostHeader string) string {
	host := strings.TrimSpace(hostHeader)
	if host == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(host)
}
