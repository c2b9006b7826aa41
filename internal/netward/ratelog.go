package netward

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// rateLimitedLogger emits at most one event per interval and reports how
// many were dropped in between.
type rateLimitedLogger struct {
	log      zerolog.Logger
	interval time.Duration

	mu      sync.Mutex
	lastAt  time.Time
	dropped int
}

func newRateLimitedLogger(log zerolog.Logger, interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{log: log, interval: interval}
}

// Warn calls fn with a warn-level event unless one was emitted within the
// interval.
func (l *rateLimitedLogger) Warn(fn func(e *zerolog.Event)) {
	l.mu.Lock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		l.dropped++
		l.mu.Unlock()
		return
	}
	l.lastAt = now
	dropped := l.dropped
	l.dropped = 0
	l.mu.Unlock()

	e := l.log.Warn()
	if dropped > 0 {
		e = e.Int("suppressed", dropped)
	}
	fn(e)
}
