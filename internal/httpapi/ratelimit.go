package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"lealta/venue-service/internal/logger"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type RateLimitConfig struct {
	IPPerMinute     int
	IPBurst         int
	TenantPerMinute int
	TenantBurst     int
}

type limiter interface {
	allow(ctx context.Context, key string) bool
}

type RateLimiter struct {
	ipLimiter     limiter
	tenantLimiter limiter
}

// NewRateLimiter keeps buckets in process memory, or in Redis when rdb is
// set so every instance shares them.
func NewRateLimiter(cfg RateLimitConfig, rdb *redis.Client, log *logger.Logger) *RateLimiter {
	if rdb != nil {
		if log == nil {
			log = logger.Nop()
		}
		return &RateLimiter{
			ipLimiter:     newRedisLimiter(rdb, "ip", cfg.IPPerMinute, cfg.IPBurst, log),
			tenantLimiter: newRedisLimiter(rdb, "tenant", cfg.TenantPerMinute, cfg.TenantBurst, log),
		}
	}
	return &RateLimiter{
		ipLimiter:     newTokenLimiter(cfg.IPPerMinute, cfg.IPBurst),
		tenantLimiter: newTokenLimiter(cfg.TenantPerMinute, cfg.TenantBurst),
	}
}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if ip != "" && !l.ipLimiter.allow(r.Context(), ip) {
			writeError(w, "", http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}

		tenantID, requestID := extractTenantAndRequestID(r)
		if tenantID != "" && !l.tenantLimiter.allow(r.Context(), tenantID) {
			writeError(w, requestID, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}

		next.ServeHTTP(w, r)
	})
}

type tokenLimiter struct {
	mu     sync.Mutex
	rate   float64
	burst  float64
	bucket map[string]*bucket
	now    func() time.Time
}

type bucket struct {
	tokens float64
	last   time.Time
}

func limits(perMinute, burst int) (int, int) {
	if perMinute <= 0 {
		perMinute = 60
	}
	if burst <= 0 {
		burst = 20
	}
	return perMinute, burst
}

func newTokenLimiter(perMinute, burst int) *tokenLimiter {
	perMinute, burst = limits(perMinute, burst)
	return &tokenLimiter{
		rate:   float64(perMinute) / 60.0,
		burst:  float64(burst),
		bucket: make(map[string]*bucket),
		now:    time.Now,
	}
}

func (l *tokenLimiter) allow(_ context.Context, key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.bucket[key]
	if !ok {
		l.bucket[key] = &bucket{tokens: l.burst - 1, last: now}
		return true
	}
	elapsed := now.Sub(b.last).Seconds()
	b.tokens = min(l.burst, b.tokens+elapsed*l.rate)
	b.last = now
	if b.tokens < 1 {
		return false
	}
	b.tokens -= 1
	return true
}

// bucketScript refills at rate tokens per millisecond and takes one token.
// Returns 1 when allowed.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local rate = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(state[1])
local last = tonumber(state[2])
if tokens == nil or last == nil then
  tokens = capacity
  last = now_ms
end

local elapsed = math.max(0, now_ms - last)
tokens = math.min(capacity, tokens + elapsed * rate)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', key, 'tokens', tokens, 'last_ms', now_ms)
redis.call('EXPIRE', key, ttl)
return allowed
`)

type redisLimiter struct {
	rdb    *redis.Client
	prefix string
	burst  int
	rate   float64
	ttl    int64
	log    *logger.Logger
}

func newRedisLimiter(rdb *redis.Client, scope string, perMinute, burst int, log *logger.Logger) *redisLimiter {
	perMinute, burst = limits(perMinute, burst)
	rate := float64(perMinute) / 60000.0
	// long enough for an empty bucket to refill completely
	ttl := int64(float64(burst)/rate/1000) + 60
	return &redisLimiter{
		rdb:    rdb,
		prefix: "venue:ratelimit:" + scope + ":",
		burst:  burst,
		rate:   rate,
		ttl:    ttl,
		log:    log,
	}
}

// allow fails open when Redis is unavailable.
func (l *redisLimiter) allow(ctx context.Context, key string) bool {
	allowed, err := bucketScript.Run(ctx, l.rdb, []string{l.prefix + key},
		time.Now().UnixMilli(), l.burst, l.rate, l.ttl).Int()
	if err != nil {
		l.log.Warn("rate limit check failed", zap.String("key", l.prefix+key), zap.Error(err))
		return true
	}
	return allowed == 1
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func extractTenantAndRequestID(r *http.Request) (string, string) {
	tenantID := strings.TrimSpace(r.Header.Get("X-Tenant-ID"))
	requestID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
	if tenantID == "" {
		tenantID = strings.TrimSpace(r.URL.Query().Get("tenant_id"))
	}
	if tenantID != "" || r.Body == nil {
		return tenantID, requestID
	}
	if !strings.Contains(r.Header.Get("Content-Type"), "application/json") {
		return tenantID, requestID
	}

	body, err := readBody(r)
	if err != nil {
		return tenantID, requestID
	}
	var payload struct {
		TenantID  string `json:"tenant_id"`
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return tenantID, requestID
	}
	if requestID == "" {
		requestID = strings.TrimSpace(payload.RequestID)
	}
	return strings.TrimSpace(payload.TenantID), requestID
}

// readBody buffers the body so handlers can decode it again.
func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
