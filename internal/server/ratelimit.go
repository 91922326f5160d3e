package server

import (
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/time/rate"
)

// RateLimitConfig holds rate limiter configuration.
type RateLimitConfig struct {
	RPS   int
	Burst int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type ipLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
}

func newIPLimiter(cfg RateLimitConfig) *ipLimiter {
	burst := cfg.Burst
	if burst < 1 {
		burst = cfg.RPS
	}
	return &ipLimiter{
		visitors: make(map[string]*visitor),
		limit:    rate.Limit(cfg.RPS),
		burst:    burst,
	}
}

func (l *ipLimiter) allow(ip string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	v, ok := l.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

func (l *ipLimiter) evict(olderThan time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, v := range l.visitors {
		if v.lastSeen.Before(olderThan) {
			delete(l.visitors, ip)
		}
	}
}

// NewRateLimitMiddleware returns a per-client rate limiter. Probes and
// provider webhooks are exempt.
func NewRateLimitMiddleware(cfg RateLimitConfig) fiber.Handler {
	l := newIPLimiter(cfg)

	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for now := range ticker.C {
			l.evict(now.Add(-10 * time.Minute))
		}
	}()

	return func(c *fiber.Ctx) error {
		if exempt(c.Path()) {
			return c.Next()
		}
		if !l.allow(c.IP(), time.Now()) {
			return problemResponse(c, fiber.StatusTooManyRequests,
				"rate_limit_exceeded", "Too Many Requests",
				"Rate limit exceeded. Please try again later.")
		}
		return c.Next()
	}
}

func exempt(path string) bool {
	switch path {
	case "/healthz", "/readyz", "/metrics",
		"/api/telegram/webhook", "/api/webhook/stripe", "/api/webhook/dodo":
		return true
	}
	return false
}
