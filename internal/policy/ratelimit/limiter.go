// Package ratelimit implements a token bucket rate limiter keyed by host and endpoint.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/smartfollow/harvester/internal/crawler"
	"github.com/smartfollow/harvester/internal/metrics"
)

// Limiter manages one bucket per host and path. OKX budgets requests per
// endpoint, so the query string is ignored.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
	pathRates    map[string]rate.Limit
}

var _ crawler.Limiter = (*Limiter)(nil)

// Config holds rate limiter configuration. PathRPS overrides DefaultRPS for
// a URL path such as "/api/v5/copytrading/public-lead-traders".
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
	PathRPS      map[string]float64
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	paths := make(map[string]rate.Limit, len(cfg.PathRPS))
	for path, rps := range cfg.PathRPS {
		paths[path] = toLimit(rps)
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  toLimit(cfg.DefaultRPS),
		defaultBurst: burst,
		pathRates:    paths,
	}
}

func toLimit(rps float64) rate.Limit {
	if rps <= 0 {
		return rate.Inf
	}
	return rate.Limit(rps)
}

// Wait blocks until a token is available for the URL's bucket, respecting the context.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	host, path := "unknown", ""
	if u, err := url.Parse(rawURL); err == nil && u.Hostname() != "" {
		host, path = u.Hostname(), u.Path
	}

	limiter := l.bucket(host, path)
	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(metrics.SanitizeHost(host), waited)
	}
	return nil
}

func (l *Limiter) bucket(host, path string) *rate.Limiter {
	key := host + path
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[key]
	if !ok {
		r, found := l.pathRates[path]
		if !found {
			r = l.defaultRate
		}
		limiter = rate.NewLimiter(r, l.defaultBurst)
		l.limiters[key] = limiter
	}
	return limiter
}
