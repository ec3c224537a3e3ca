package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/savistas/orgseats/pkg/contextkeys"
	"github.com/savistas/orgseats/pkg/observability"
)

// RateLimitConfig defines rate limiting configuration
type RateLimitConfig struct {
	// Attempts is the number of join attempts allowed per window.
	Attempts int
	// Window is the length of one counting window.
	Window time.Duration
}

// DefaultJoinLimitConfig allows ten join attempts per member per minute.
func DefaultJoinLimitConfig() RateLimitConfig {
	return RateLimitConfig{Attempts: 10, Window: time.Minute}
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetIn   time.Duration
}

// Limiter counts attempts per key.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// RedisLimiter is a fixed window counter shared by every instance.
type RedisLimiter struct {
	redis  *redis.Client
	config RateLimitConfig
	prefix string
}

// NewRedisLimiter creates a new Redis-backed rate limiter
func NewRedisLimiter(client *redis.Client, config RateLimitConfig, prefix string) *RedisLimiter {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &RedisLimiter{redis: client, config: config, prefix: prefix}
}

// Allow increments the key's counter. The window starts with the first
// attempt and the key expires with it.
func (rl *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	redisKey := rl.prefix + ":" + key

	pipe := rl.redis.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	ttl := pipe.PTTL(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{Allowed: true, Limit: rl.config.Attempts}, fmt.Errorf("redis error: %w", err)
	}

	resetIn := ttl.Val()
	if resetIn < 0 {
		// First attempt of a window: the key has no expiry yet.
		if err := rl.redis.PExpire(ctx, redisKey, rl.config.Window).Err(); err != nil {
			return Decision{Allowed: true, Limit: rl.config.Attempts}, fmt.Errorf("redis error: %w", err)
		}
		resetIn = rl.config.Window
	}

	return decide(incr.Val(), rl.config, resetIn), nil
}

// Reset clears the counter for key.
func (rl *RedisLimiter) Reset(ctx context.Context, key string) error {
	return rl.redis.Del(ctx, rl.prefix+":"+key).Err()
}

// LocalLimiter is the in-process fallback used without Redis.
type LocalLimiter struct {
	config  RateLimitConfig
	now     func() time.Time
	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	count   int64
	resetAt time.Time
}

func NewLocalLimiter(config RateLimitConfig) *LocalLimiter {
	return &LocalLimiter{
		config:  config,
		now:     time.Now,
		windows: make(map[string]*window),
	}
}

func (rl *LocalLimiter) Allow(_ context.Context, key string) (Decision, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	w, ok := rl.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(rl.config.Window)}
		rl.windows[key] = w
		rl.sweep(now)
	}
	w.count++
	return decide(w.count, rl.config, w.resetAt.Sub(now)), nil
}

// sweep drops expired windows. Called with the lock held.
func (rl *LocalLimiter) sweep(now time.Time) {
	for key, w := range rl.windows {
		if !now.Before(w.resetAt) {
			delete(rl.windows, key)
		}
	}
}

func decide(count int64, config RateLimitConfig, resetIn time.Duration) Decision {
	remaining := int64(config.Attempts) - count
	if remaining < 0 {
		remaining = 0
	}
	if resetIn < 0 {
		resetIn = config.Window
	}
	return Decision{
		Allowed:   count <= int64(config.Attempts),
		Limit:     config.Attempts,
		Remaining: int(remaining),
		ResetIn:   resetIn,
	}
}

// LimitJoinAttempts rejects requests over the limit with 429. Requests are
// keyed by member id, or by client IP for anonymous callers.
func LimitJoinAttempts(limiter Limiter, metrics *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			key := "ip:" + clientIP(r)
			if memberID, ok := contextkeys.GetMemberID(ctx); ok {
				key = "member:" + strconv.FormatInt(memberID, 10)
			}

			d, err := limiter.Allow(ctx, key)
			if err != nil {
				observability.FromContext(ctx).WithError(err).Warn("Join limiter unavailable, allowing request")
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			if !d.Allowed {
				metrics.RecordJoinCodeLookup("rate_limited")
				retryAfter := int(d.ResetIn.Round(time.Second).Seconds())
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				fmt.Fprintf(w, `{"error":"too many join attempts","code":"rate_limited","retry_after":%d}`+"\n", retryAfter)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
