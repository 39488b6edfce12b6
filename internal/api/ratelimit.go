package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimitConfig configures the limiter on mark mutations.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	IncludeHeaders    bool `yaml:"include_headers"`
}

// DefaultRateLimitConfig returns the limits used when none are configured.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 60,
		IncludeHeaders:    true,
	}
}

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	Allowed    bool
	Remaining  int
	Limit      int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// RateLimiter is a fixed one-minute window per client. With a Redis client
// the window is shared between instances; without one it is kept in process.
type RateLimiter struct {
	redis  redis.Cmdable
	logger *zap.Logger
	config RateLimitConfig
	now    func() time.Time

	mu    sync.Mutex
	local map[string]*window
}

type window struct {
	count   int
	resetAt time.Time
}

var incrScript = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return current
`)

// NewRateLimiter creates a rate limiter. redisClient may be nil.
func NewRateLimiter(redisClient redis.Cmdable, cfg RateLimitConfig, logger *zap.Logger) *RateLimiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = DefaultRateLimitConfig().RequestsPerMinute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{
		redis:  redisClient,
		logger: logger.With(zap.String("component", "rate_limiter")),
		config: cfg,
		now:    time.Now,
		local:  make(map[string]*window),
	}
}

// Check counts one request from clientID and reports whether it is allowed.
// A Redis failure allows the request.
func (rl *RateLimiter) Check(ctx context.Context, clientID string) *RateLimitResult {
	if rl.redis == nil {
		return rl.checkLocal(clientID)
	}

	key := fmt.Sprintf("idrisk:ratelimit:%s:minute", clientID)
	now := rl.now()

	count, err := incrScript.Run(ctx, rl.redis, []string{key}, time.Minute.Milliseconds()).Int()
	if err != nil {
		rl.logger.Warn("Rate limit check failed, allowing request", zap.Error(err))
		return &RateLimitResult{Allowed: true, Limit: rl.config.RequestsPerMinute, Remaining: rl.config.RequestsPerMinute}
	}

	ttl, err := rl.redis.PTTL(ctx, key).Result()
	if err != nil || ttl < 0 {
		ttl = time.Minute
	}
	return rl.result(count, now.Add(ttl), ttl)
}

func (rl *RateLimiter) checkLocal(clientID string) *RateLimitResult {
	now := rl.now()

	rl.mu.Lock()
	w, ok := rl.local[clientID]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(time.Minute)}
		rl.local[clientID] = w
	}
	w.count++
	count, resetAt := w.count, w.resetAt
	rl.mu.Unlock()

	return rl.result(count, resetAt, resetAt.Sub(now))
}

func (rl *RateLimiter) result(count int, resetAt time.Time, ttl time.Duration) *RateLimitResult {
	limit := rl.config.RequestsPerMinute
	res := &RateLimitResult{
		Allowed:   count <= limit,
		Remaining: max(limit-count, 0),
		Limit:     limit,
		ResetAt:   resetAt,
	}
	if !res.Allowed {
		res.RetryAfter = ttl
	}
	return res
}

// Middleware rejects requests over the limit with 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		result := rl.Check(r.Context(), clientIP(r))

		if rl.config.IncludeHeaders {
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
		}

		if !result.Allowed {
			retry := int(result.RetryAfter.Seconds())
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error":       "rate_limit_exceeded",
				"retry_after": retry,
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// clientIP expects middleware.RealIP to have rewritten RemoteAddr already.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return strings.TrimSpace(r.RemoteAddr)
}
