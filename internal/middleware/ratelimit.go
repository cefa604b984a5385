// RateLimiter is a per-key token bucket built on golang.org/x/time/rate (the
// library the rest of the pack reaches for rate limiting, e.g. dashdice's
// go-services/shared/middleware), rather than the teacher's hand-rolled
// fixed-window counters: a bucket refills continuously, so a client that
// bursts early in a window isn't quietly granted a second burst the instant
// a fixed window flips over.
package middleware

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"fightclaw/internal/apperr"
)

// RateLimiter hands out one token bucket per key (IP, agent id, runner id),
// created lazily on first use.
type RateLimiter struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
	cleanup *time.Ticker
	done    chan struct{}
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimitConfig is one route's token-bucket shape: a steady refill rate
// plus how far above that rate a client may burst in one go.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// Route-level limits. Move submission is the hottest agent path and gets the
// widest burst allowance of the agent routes (the public leaderboard read,
// keyed by IP, allows a larger one); queue/event long-poll routes are limited more
// tightly per-second but still tolerate occasional bursts from well-behaved
// agents polling on a jittered schedule.
var (
	MoveLimit       = RateLimitConfig{RequestsPerSecond: 1, Burst: 15}
	QueueLimit      = RateLimitConfig{RequestsPerSecond: 0.5, Burst: 8}
	EventWaitLimit  = RateLimitConfig{RequestsPerSecond: 0.34, Burst: 6}
	PublicReadLimit = RateLimitConfig{RequestsPerSecond: 2, Burst: 25}
)

// bucketIdleTimeout is how long a key's bucket survives without a request
// before the cleanup sweep reclaims it.
const bucketIdleTimeout = 10 * time.Minute

// NewRateLimiter creates a rate limiter with a background goroutine that
// evicts buckets idle past bucketIdleTimeout, so a long-lived server doesn't
// accumulate one bucket per distinct IP/agent forever.
func NewRateLimiter() *RateLimiter {
	rl := &RateLimiter{
		buckets: make(map[string]*bucket),
		cleanup: time.NewTicker(5 * time.Minute),
		done:    make(chan struct{}),
	}

	go func() {
		for {
			select {
			case <-rl.cleanup.C:
				rl.evictIdle()
			case <-rl.done:
				return
			}
		}
	}()

	return rl
}

// Stop stops the eviction goroutine.
func (rl *RateLimiter) Stop() {
	rl.cleanup.Stop()
	close(rl.done)
}

func (rl *RateLimiter) evictIdle() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for key, b := range rl.buckets {
		if now.Sub(b.lastSeen) > bucketIdleTimeout {
			delete(rl.buckets, key)
		}
	}
}

// bucketFor returns key's bucket, creating it on first use. The read lock is
// tried first so the common case (bucket already exists) never contends for
// the write lock; a second lookup under the write lock guards against two
// goroutines racing to create the same key's bucket.
func (rl *RateLimiter) bucketFor(key string, config RateLimitConfig) *bucket {
	rl.mu.RLock()
	b, ok := rl.buckets[key]
	rl.mu.RUnlock()
	if ok {
		return b
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if b, ok := rl.buckets[key]; ok {
		return b
	}
	b = &bucket{
		limiter:  rate.NewLimiter(rate.Limit(config.RequestsPerSecond), config.Burst),
		lastSeen: time.Now(),
	}
	rl.buckets[key] = b
	return b
}

// Allow reports whether key may make one more request under config, the
// tokens left in its bucket afterward, and the time a full token will next
// be available.
func (rl *RateLimiter) Allow(key string, config RateLimitConfig) (bool, int, time.Time) {
	b := rl.bucketFor(key, config)
	now := time.Now()

	rl.mu.Lock()
	b.lastSeen = now
	rl.mu.Unlock()

	allowed := b.limiter.AllowN(now, 1)
	tokens := b.limiter.TokensAt(now)
	remaining := int(tokens)
	if remaining < 0 {
		remaining = 0
	}

	resetAt := now
	if config.RequestsPerSecond > 0 && tokens < 1 {
		wait := (1 - tokens) / config.RequestsPerSecond
		resetAt = now.Add(time.Duration(wait * float64(time.Second)))
	}

	return allowed, remaining, resetAt
}

// GetClientIP extracts the real client IP, honoring X-Forwarded-For /
// X-Real-IP from a trusted proxy in front of the server.
func GetClientIP(r *http.Request) string {
	if xri := r.Header.Get("X-Real-IP"); xri != "" && net.ParseIP(xri) != nil {
		return xri
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := xff
		if i := indexByte(xff, ','); i >= 0 {
			first = xff[:i]
		}
		first = trimSpace(first)
		if net.ParseIP(first) != nil {
			return first
		}
		if ip, _, err := net.SplitHostPort(xff); err == nil && net.ParseIP(ip) != nil {
			return ip
		}
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

func trimSpace(s string) string {
	start := 0
	for start < len(s) && s[start] == ' ' {
		start++
	}
	end := len(s)
	for end > start && s[end-1] == ' ' {
		end--
	}
	return s[start:end]
}

// RateLimitHandler wraps a handler with rate limiting keyed by keyFunc.
func (rl *RateLimiter) RateLimitHandler(config RateLimitConfig, keyFunc func(*http.Request) string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := keyFunc(r)
		allowed, remaining, resetAt := rl.Allow(key, config)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(config.Burst))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", resetAt.Format(time.RFC3339))

		if !allowed {
			retryAfter := int(time.Until(resetAt).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			requestID := w.Header().Get("x-request-id")
			apperr.Write(w, requestID, apperr.Wrap(apperr.CodeRateLimited, "rate limit exceeded"))
			return
		}

		handler(w, r)
	}
}

// IPRateLimitMiddleware wraps next, rate limiting by client IP.
func (rl *RateLimiter) IPRateLimitMiddleware(config RateLimitConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return rl.RateLimitHandler(config, GetClientIP, next.ServeHTTP)
	}
}
