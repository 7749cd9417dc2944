package ratelimit

import (
	"math"
	"strings"
	"sync"
	"time"

	"newsriver/internal/globaltime"
)

// AnonymousKey buckets callers with neither a user id nor a client IP.
const AnonymousKey = "anonymous"

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed           bool
	Remaining         int
	RetryAfterSeconds int
}

type bucket struct {
	count         int
	windowResetAt time.Time
}

// Limiter is a process-local fixed-window rate limiter. State lives in memory
// for the lifetime of the process and is never persisted; a shared keyed store
// can replace the map behind the same Hit signature for horizontal scaling.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

func NewLimiter() *Limiter {
	return &Limiter{
		buckets: make(map[string]*bucket),
	}
}

// Hit charges cost against key's current window. Admission is atomic: the
// whole cost is admitted or the whole cost is rejected, never a part of it.
func (l *Limiter) Hit(key string, maxPerWindow int, window time.Duration, cost int) Decision {
	if cost <= 0 {
		cost = 1
	}

	now := globaltime.UTC()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok || !now.Before(b.windowResetAt) {
		if cost > maxPerWindow {
			// A fresh window could never fit this cost; reject without
			// starting one so smaller requests are not starved.
			return Decision{
				Allowed:           false,
				Remaining:         maxPerWindow,
				RetryAfterSeconds: 0,
			}
		}
		l.buckets[key] = &bucket{
			count:         cost,
			windowResetAt: now.Add(window),
		}
		return Decision{
			Allowed:   true,
			Remaining: maxPerWindow - cost,
		}
	}

	if b.count+cost > maxPerWindow {
		return Decision{
			Allowed:           false,
			Remaining:         maxPerWindow - b.count,
			RetryAfterSeconds: retryAfterSeconds(b.windowResetAt, now),
		}
	}

	b.count += cost
	return Decision{
		Allowed:   true,
		Remaining: maxPerWindow - b.count,
	}
}

// ClientKey derives the bucket key: authenticated user id when present,
// else the client IP, else a shared anonymous bucket.
func ClientKey(userID, clientIP string) string {
	if id := strings.TrimSpace(userID); id != "" {
		return "user:" + id
	}
	if ip := strings.TrimSpace(clientIP); ip != "" {
		return "ip:" + ip
	}
	return AnonymousKey
}

func retryAfterSeconds(resetAt, now time.Time) int {
	remaining := resetAt.Sub(now)
	if remaining <= 0 {
		return 0
	}
	return int(math.Ceil(remaining.Seconds()))
}
