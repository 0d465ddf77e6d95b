package memstore

import (
	"context"
	"strings"
	"sync"
	"time"

	identity "github.com/goliatone/go-identity"
)

// Limiter is a sliding window request limiter kept in process memory.
type Limiter struct {
	mu     sync.Mutex
	window time.Duration
	max    int
	hits   map[string][]time.Time
}

// NewLimiter allows max requests per key within window.
func NewLimiter(window time.Duration, max int) *Limiter {
	if max <= 0 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		window: window,
		max:    max,
		hits:   make(map[string][]time.Time),
	}
}

// Allow records a hit for key at now. When denied it reports how long
// until the oldest hit leaves the window.
func (l *Limiter) Allow(_ context.Context, key string, now time.Time) (bool, time.Duration, error) {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		return false, l.window, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.window)
	entries := l.hits[key]
	kept := entries[:0]
	for _, ts := range entries {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.hits[key] = kept
		return false, kept[0].Add(l.window).Sub(now), nil
	}
	l.hits[key] = append(kept, now)
	return true, 0, nil
}

var _ identity.RequestLimiter = (*Limiter)(nil)
