package server

import (
	"context"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/SamWylde/grant-tracker-new-sub002/internal/routing"
)

const (
	loginRateLimit  = 10
	loginRateWindow = time.Minute
)

// rateLimiter counts hits per key within a fixed window. Allow reports
// whether this hit is still within the limit.
type rateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// newRateLimiterFromEnv returns a Redis-backed limiter when REDIS_URL is
// set, otherwise a per-process in-memory one. Single-process deployments
// don't need Redis; anything behind a load balancer does.
func newRateLimiterFromEnv() (rateLimiter, error) {
	rawURL := os.Getenv("REDIS_URL")
	if rawURL == "" {
		return newMemoryRateLimiter(), nil
	}
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	return &redisRateLimiter{client: redis.NewClient(opts)}, nil
}

type redisRateLimiter struct {
	client *redis.Client
}

func (l *redisRateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	n, err := l.client.Incr(ctx, "rl:"+key).Result()
	if err != nil {
		return false, err
	}
	if n == 1 {
		// Best effort: if EXPIRE fails the key lingers but keeps counting.
		_ = l.client.Expire(ctx, "rl:"+key, window).Err()
	}
	return n <= int64(limit), nil
}

type rateWindow struct {
	count   int
	resetAt time.Time
}

type memoryRateLimiter struct {
	mu        sync.Mutex
	windows   map[string]rateWindow
	now       func() time.Time
	nextSweep time.Time
}

func newMemoryRateLimiter() *memoryRateLimiter {
	return &memoryRateLimiter{windows: map[string]rateWindow{}, now: time.Now}
}

func (l *memoryRateLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	// Unique keys accumulate one window each; drop expired ones so a
	// long-lived process doesn't grow the map without bound.
	if now.After(l.nextSweep) {
		for k, w := range l.windows {
			if now.After(w.resetAt) {
				delete(l.windows, k)
			}
		}
		l.nextSweep = now.Add(window)
	}
	win, ok := l.windows[key]
	if !ok || now.After(win.resetAt) {
		win = rateWindow{count: 0, resetAt: now.Add(window)}
	}
	win.count++
	l.windows[key] = win
	return win.count <= limit, nil
}

// checkLoginRate gates credential-bearing endpoints per client IP and org.
// Limiter failures fail open: losing Redis must not lock everyone out.
func checkLoginRate(w http.ResponseWriter, r *http.Request, limiter rateLimiter, orgSlug string) bool {
	if limiter == nil {
		return true
	}
	key := "login:" + orgSlug + ":" + clientIP(r)
	ok, err := limiter.Allow(r.Context(), key, loginRateLimit, loginRateWindow)
	if err != nil {
		return true
	}
	if !ok {
		w.Header().Set("Retry-After", "60")
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusTooManyRequests, "rate_limited", "too many attempts, try again later")
		return false
	}
	return true
}
