package auth

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"marketplace-api/internal/observability"
)

const msgTooManyAttempts = "Too many attempts. Please try again later."

// RateLimiter throttles unauthenticated credential endpoints per client IP.
type RateLimiter interface {
	Middleware(next http.Handler) http.Handler
}

type LoginRateLimiter struct {
	mu        sync.Mutex
	maxHits   int
	window    time.Duration
	hitByIP   map[string][]time.Time
	maxMemory int
	now       func() time.Time
}

func NewLoginRateLimiter(maxHits int, window time.Duration) *LoginRateLimiter {
	if maxHits <= 0 {
		maxHits = 10
	}
	if window <= 0 {
		window = time.Minute
	}

	return &LoginRateLimiter{
		maxHits:   maxHits,
		window:    window,
		hitByIP:   make(map[string][]time.Time),
		maxMemory: 5000,
		now:       time.Now,
	}
}

func (l *LoginRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, retryAfter := l.allow(r.URL.Path+"|"+clientIP(r), l.now().UTC())
		if !allowed {
			writeRateLimited(w, retryAfter)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (l *LoginRateLimiter) allow(key string, now time.Time) (bool, time.Duration) {
	threshold := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	hits := l.hitByIP[key]
	filtered := make([]time.Time, 0, len(hits)+1)
	for _, hit := range hits {
		if hit.After(threshold) {
			filtered = append(filtered, hit)
		}
	}

	if len(filtered) >= l.maxHits {
		retryAfter := filtered[0].Add(l.window).Sub(now)
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		l.hitByIP[key] = filtered
		return false, retryAfter
	}

	filtered = append(filtered, now)
	l.hitByIP[key] = filtered

	if len(l.hitByIP) > l.maxMemory {
		for k, value := range l.hitByIP {
			if len(value) == 0 || value[len(value)-1].Before(threshold) {
				delete(l.hitByIP, k)
			}
		}
	}

	return true, 0
}

// RedisLoginRateLimiter is a fixed-window counter shared by every instance
// behind the load balancer.
type RedisLoginRateLimiter struct {
	client  *redis.Client
	maxHits int64
	window  time.Duration
	prefix  string
	logger  *observability.Logger
}

func NewRedisLoginRateLimiter(client *redis.Client, maxHits int, window time.Duration, logger *observability.Logger) *RedisLoginRateLimiter {
	if maxHits <= 0 {
		maxHits = 10
	}
	if window <= 0 {
		window = time.Minute
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}

	return &RedisLoginRateLimiter{
		client:  client,
		maxHits: int64(maxHits),
		window:  window,
		prefix:  "ratelimit:auth",
		logger:  logger,
	}
}

func (l *RedisLoginRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, retryAfter, err := l.allow(r.Context(), r.URL.Path, clientIP(r))
		if err != nil {
			l.logger.Warn("auth_rate_limit_unavailable", map[string]any{
				"path":  r.URL.Path,
				"error": err.Error(),
			})
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			writeRateLimited(w, retryAfter)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (l *RedisLoginRateLimiter) allow(ctx context.Context, path, ip string) (bool, time.Duration, error) {
	key := fmt.Sprintf("%s:%s:%s", l.prefix, path, ip)

	hits, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("increment rate limit counter: %w", err)
	}
	if hits == 1 {
		if err := l.client.PExpire(ctx, key, l.window).Err(); err != nil {
			return false, 0, fmt.Errorf("set rate limit window: %w", err)
		}
	}
	if hits <= l.maxHits {
		return true, 0, nil
	}

	ttl, err := l.client.PTTL(ctx, key).Result()
	if err != nil || ttl < time.Second {
		ttl = time.Second
	}
	return false, ttl, nil
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
	writeFailure(w, http.StatusTooManyRequests, msgTooManyAttempts, nil)
}

func clientIP(r *http.Request) string {
	return observability.ClientIP(r)
}
