package auth

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	maxTrackedSources = 10000
	sourceIdle        = 10 * time.Minute
)

// sourceLimiter throttles attempts per source address.
type sourceLimiter struct {
	mu      sync.Mutex
	entries map[string]*sourceEntry
	limit   rate.Limit
	burst   int
	now     func() time.Time
}

type sourceEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newSourceLimiter returns nil when rps is not positive, which disables
// throttling.
func newSourceLimiter(rps float64, burst int, now func() time.Time) *sourceLimiter {
	if rps <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &sourceLimiter{
		entries: make(map[string]*sourceEntry),
		limit:   rate.Limit(rps),
		burst:   burst,
		now:     now,
	}
}

func (l *sourceLimiter) allow(source string) bool {
	if l == nil {
		return true
	}
	if source == "" {
		source = "unknown"
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.entries[source]
	if !ok {
		if len(l.entries) >= maxTrackedSources {
			l.cleanup(now)
		}
		e = &sourceEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.entries[source] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// cleanup must be called with l.mu held.
func (l *sourceLimiter) cleanup(now time.Time) {
	cutoff := now.Add(-sourceIdle)
	for src, e := range l.entries {
		if e.lastSeen.Before(cutoff) {
			delete(l.entries, src)
		}
	}
}
