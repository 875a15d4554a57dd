package middleware

import (
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/pi-funnel/internal/config"
)

// takeToken refills the bucket at KEYS[1] by whole intervals, then takes one
// token.  Returns {allowed, remaining, retry_after_ms}.
var takeToken = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local refill = tonumber(ARGV[3])
local interval = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local state = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil or ts == nil then
	tokens = capacity
	ts = now
end

local steps = math.floor(math.max(0, now - ts) / interval)
if steps > 0 then
	tokens = math.min(capacity, tokens + steps * refill)
	ts = ts + steps * interval
end

local allowed = 0
local wait = 0
if tokens > 0 then
	allowed = 1
	tokens = tokens - 1
else
	wait = math.max(0, interval - (now - ts))
end

redis.call('HSET', key, 'tokens', tokens, 'ts', ts)
redis.call('EXPIRE', key, ttl)
return { allowed, tokens, wait }
`)

type decision struct {
	allowed    bool
	remaining  int64
	retryAfter time.Duration
}

// parseDecision reads the script reply.
func parseDecision(v any) (decision, error) {
	arr, ok := v.([]any)
	if !ok || len(arr) != 3 {
		return decision{}, fmt.Errorf("unexpected reply %#v", v)
	}
	var n [3]int64
	for i, x := range arr {
		switch t := x.(type) {
		case int64:
			n[i] = t
		case string:
			p, err := strconv.ParseInt(t, 10, 64)
			if err != nil {
				return decision{}, fmt.Errorf("reply field %d: %w", i, err)
			}
			n[i] = p
		default:
			return decision{}, fmt.Errorf("reply field %d has type %T", i, x)
		}
	}
	return decision{allowed: n[0] == 1, remaining: n[1], retryAfter: time.Duration(n[2]) * time.Millisecond}, nil
}

// rateKey names the bucket of the caller under the configured strategy.
// Routes are the registered path, so /funnel/join and /funnel/confirm
// have separate buckets whatever the body says.
func rateKey(cfg config.RateLimitConfig, c echo.Context) string {
	switch cfg.KeyStrategy {
	case config.RateKeyIP:
		ip := c.RealIP()
		if ip == "" {
			ip = "unknown"
		}
		return strings.Join([]string{cfg.Prefix, "ip", ip}, ":")
	case config.RateKeyUser:
		return strings.Join([]string{cfg.Prefix, "user", userID(c)}, ":")
	default:
		return strings.Join([]string{cfg.Prefix, "user", userID(c), c.Request().Method, c.Path()}, ":")
	}
}

// retrySeconds rounds up so clients never retry early.
func retrySeconds(d time.Duration) int {
	s := int((d + time.Second - 1) / time.Second)
	if s < 1 {
		return 1
	}
	return s
}

func passThrough(next echo.HandlerFunc) echo.HandlerFunc { return next }

// NewTokenBucket limits the paid entry endpoints with a Redis token bucket.
// It fails open: without Redis, or when the script errors, requests pass.
func NewTokenBucket(cfg config.RateLimitConfig, rdb *redis.Client) echo.MiddlewareFunc {
	if !cfg.Enabled || rdb == nil {
		return passThrough
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := rateKey(cfg, c)
			reply, err := takeToken.Run(c.Request().Context(), rdb, []string{key},
				time.Now().UnixMilli(), cfg.Capacity, cfg.RefillTokens,
				cfg.RefillInterval.Milliseconds(), int64(cfg.TTL/time.Second)).Result()
			if err != nil {
				log.Printf("ratelimit: %s: %v", key, err)
				return next(c)
			}
			d, err := parseDecision(reply)
			if err != nil {
				log.Printf("ratelimit: %s: %v", key, err)
				return next(c)
			}

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(cfg.Capacity))
			h.Set("X-RateLimit-Remaining", strconv.FormatInt(d.remaining, 10))
			if d.allowed {
				return next(c)
			}
			secs := retrySeconds(d.retryAfter)
			h.Set("Retry-After", strconv.Itoa(secs))
			return c.JSON(http.StatusTooManyRequests, map[string]any{
				"error":      "rate_limited",
				"message":    "too many entry attempts, slow down",
				"retryAfter": secs,
			})
		}
	}
}
