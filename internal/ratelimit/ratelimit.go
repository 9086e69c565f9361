// Package ratelimit throttles outbound calls to the enclave runtime so a
// stuck enclave or a retry storm from the job engine cannot turn into a
// self-inflicted denial of service against it.
package ratelimit

import (
	"context"
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// Config controls a limiter's steady-state rate and burst allowance.
type Config struct {
	RequestsPerSecond float64
	Burst             int
}

// DefaultConfig returns the limits applied to the enclave RPC client when
// none are configured.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 50,
		Burst:             100,
	}
}

// Limiter wraps a per-second token-bucket limiter plus a second bucket
// exposed through PerMinuteExceeded. Allow and Wait consult only the
// per-second bucket; the second bucket does not throttle them.
type Limiter struct {
	perSecond *rate.Limiter
	perMinute *rate.Limiter
	mu        sync.RWMutex
	config    Config
}

// New creates a Limiter from Config, filling in defaults for zero values.
func New(cfg Config) *Limiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 50
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RequestsPerSecond * 2)
	}

	return &Limiter{
		perSecond: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		perMinute: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond*60), cfg.Burst*2),
		config:    cfg,
	}
}

// Allow reports whether a call may proceed right now, consuming a token if
// so.
func (l *Limiter) Allow() bool {
	return l.perSecond.Allow()
}

// Wait blocks until a token is available or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.perSecond.Wait(ctx)
}

// PerMinuteExceeded reports whether the per-minute ceiling has been
// exhausted, independent of per-second budget.
func (l *Limiter) PerMinuteExceeded() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return !l.perMinute.Allow()
}

// Reset replaces both underlying limiters with fresh ones at the configured
// rate, discarding any accumulated burst debt.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.perSecond = rate.NewLimiter(rate.Limit(l.config.RequestsPerSecond), l.config.Burst)
	l.perMinute = rate.NewLimiter(rate.Limit(l.config.RequestsPerSecond*60), l.config.Burst*2)
}

// Client wraps an *http.Client so every outbound request waits on the
// limiter first. Used by internal/enclaverpc.Client's Production transport.
type Client struct {
	http    *http.Client
	limiter *Limiter
}

// NewClient creates a Client that rate-limits calls made through http
// using cfg.
func NewClient(http *http.Client, cfg Config) *Client {
	return &Client{http: http, limiter: New(cfg)}
}

// Do waits for a token, respecting req's context, then issues the request.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return c.http.Do(req)
}
