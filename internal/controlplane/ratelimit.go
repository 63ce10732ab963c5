package controlplane

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fieldops/safesync/internal/syncerr"
)

// tokenBucket is a per-actor rate limiter for sensitive write endpoints.
type tokenBucket struct {
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	mu         sync.Mutex
}

func (tb *tokenBucket) allow() (bool, time.Time) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	tb.tokens += now.Sub(tb.lastRefill).Seconds() * tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now

	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true, now
	}
	wait := (1.0 - tb.tokens) / tb.refillRate
	return false, now.Add(time.Duration(wait * float64(time.Second)))
}

// rateLimiter manages per-actor buckets.
type rateLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*tokenBucket
	capacity int
	rate     float64
}

func newRateLimiter(capacity int, perSecond float64) *rateLimiter {
	return &rateLimiter{
		buckets:  make(map[string]*tokenBucket),
		capacity: capacity,
		rate:     perSecond,
	}
}

func (rl *rateLimiter) bucket(actor string) *tokenBucket {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	b, ok := rl.buckets[actor]
	if !ok {
		b = &tokenBucket{
			tokens:     float64(rl.capacity),
			capacity:   float64(rl.capacity),
			refillRate: rl.rate,
			lastRefill: time.Now(),
		}
		rl.buckets[actor] = b
	}
	return b
}

// middleware enforces the limit per authenticated actor, answering 429
// with Retry-After when exhausted.
func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := Actor(r.Context())
		if actor == "" {
			next.ServeHTTP(w, r)
			return
		}
		allowed, nextToken := rl.bucket(actor).allow()
		if !allowed {
			retryAfter := int(time.Until(nextToken).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			log.Warn().Str("actor", actor).Str("path", r.URL.Path).
				Int("retry_after", retryAfter).Msg("rate limit exceeded")
			writeError(w, syncerr.New(syncerr.CodeRateLimited, "too many requests, retry after "+strconv.Itoa(retryAfter)+"s"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
