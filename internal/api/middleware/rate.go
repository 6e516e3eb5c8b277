package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimitConfig defines rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int
	Burst             int
	// IdleTTL forgets clients not seen for this long.
	IdleTTL time.Duration
	// Exempt paths are never limited.
	Exempt []string
}

// DefaultRateLimitConfig returns the limits used when none are configured.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 50,
		Burst:             100,
		IdleTTL:           10 * time.Minute,
		Exempt:            []string{"/health", "/metrics"},
	}
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter limits requests per client IP.
type RateLimiter struct {
	cfg    RateLimitConfig
	exempt map[string]struct{}
	now    func() time.Time

	mu        sync.Mutex
	clients   map[string]*client
	lastPrune time.Time
}

// NewRateLimiter creates a per-IP limiter.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * time.Minute
	}
	exempt := make(map[string]struct{}, len(cfg.Exempt))
	for _, p := range cfg.Exempt {
		exempt[p] = struct{}{}
	}
	return &RateLimiter{
		cfg:     cfg,
		exempt:  exempt,
		now:     time.Now,
		clients: make(map[string]*client),
	}
}

// Handler returns the gin middleware.
func (l *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := l.exempt[c.Request.URL.Path]; ok {
			c.Next()
			return
		}

		now := l.now()
		r := l.reserve(c.ClientIP(), now)
		if delay := r.DelayFrom(now); !r.OK() || delay > 0 {
			r.CancelAt(now)
			c.Header("Retry-After", strconv.Itoa(retryAfterSeconds(delay)))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
				"kind":  "rate_limited",
			})
			return
		}
		c.Next()
	}
}

// Clients returns the number of tracked client IPs.
func (l *RateLimiter) Clients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

func (l *RateLimiter) reserve(ip string, now time.Time) *rate.Reservation {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastPrune) >= l.cfg.IdleTTL {
		for key, cl := range l.clients {
			if now.Sub(cl.lastSeen) >= l.cfg.IdleTTL {
				delete(l.clients, key)
			}
		}
		l.lastPrune = now
	}

	cl, ok := l.clients[ip]
	if !ok {
		cl = &client{limiter: rate.NewLimiter(rate.Limit(l.cfg.RequestsPerSecond), l.cfg.Burst)}
		l.clients[ip] = cl
	}
	cl.lastSeen = now
	return cl.limiter.ReserveN(now, 1)
}

func retryAfterSeconds(d time.Duration) int {
	if d <= 0 || d == rate.InfDuration {
		return 1
	}
	return int(math.Ceil(d.Seconds()))
}
