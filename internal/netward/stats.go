package netward

import (
	"math"
	"sync/atomic"
	"time"
)

// sizeCollector tracks min/avg/max response body sizes served to clients.
type sizeCollector struct {
	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64
}

func newSizeCollector() *sizeCollector {
	s := &sizeCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

func (s *sizeCollector) Observe(respBytes int64) {
	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)

	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)

	for {
		cur := s.minRespBytes.Load()
		if n >= cur || s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur || s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type sizeSnapshot struct {
	Responses uint64 `json:"responses"`
	MinBytes  uint64 `json:"minBytes"`
	AvgBytes  uint64 `json:"avgBytes"`
	MaxBytes  uint64 `json:"maxBytes"`
}

func (s *sizeCollector) Snapshot() sizeSnapshot {
	count := s.totalResponses.Load()
	if count == 0 {
		return sizeSnapshot{}
	}
	minv := s.minRespBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	return sizeSnapshot{
		Responses: count,
		MinBytes:  minv,
		AvgBytes:  s.totalRespBytes.Load() / count,
		MaxBytes:  s.maxRespBytes.Load(),
	}
}

// Snapshot is the payload of the admin stats endpoint.
type Snapshot struct {
	Cache     CacheStats   `json:"cache"`
	Hosts     HostStats    `json:"hosts"`
	Responses sizeSnapshot `json:"responses"`
}

func (s *Service) Snapshot() Snapshot {
	return Snapshot{
		Cache:     s.cache.Stats(),
		Hosts:     s.hosts.Stats(),
		Responses: s.sizes.Snapshot(),
	}
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.logStats()
		}
	}
}

func (s *Service) logStats() {
	snap := s.Snapshot()
	e := s.log.Info().
		Int64("entries", snap.Cache.Entries).
		Str("weight", formatBytes(uint64(max(snap.Cache.Weight, 0)))).
		Uint64("hits", snap.Cache.Hits).
		Uint64("misses", snap.Cache.Misses).
		Str("hitRate", formatPercent(snap.Cache.HitRate)).
		Uint64("evictions", snap.Cache.Evictions).
		Int64("hosts", snap.Hosts.Entries).
		Str("respMin", formatBytes(snap.Responses.MinBytes)).
		Str("respAvg", formatBytes(snap.Responses.AvgBytes)).
		Str("respMax", formatBytes(snap.Responses.MaxBytes))
	if rss, ok := processRSSBytes(); ok {
		e = e.Str("rss", formatBytes(rss))
	}
	if vals, ok := processSmapsRollupBytes(); ok {
		e = e.Str("smaps", formatSmapsRollup(vals))
	}
	e.Msg("Cache stats")
}

func formatPercent(ratio float64) string {
	return trimFloat(ratio*100) + "%"
}
