// Package ratelimit applies per-client token buckets to ingestion requests.
package ratelimit

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// HeaderClientID identifies the calling SDK instance; it keys the bucket when present.
const HeaderClientID = "databuddy-client-id"

// Config holds rate limit settings. A zero RequestsPerSecond disables limiting.
type Config struct {
	RequestsPerSecond float64 `yaml:"requestsPerSecond"`
	Burst             int     `yaml:"burst"`
}

// Enabled reports whether limiting is on.
func (c Config) Enabled() bool {
	return c.RequestsPerSecond > 0
}

// Validate checks the configuration for errors.
func (c Config) Validate() error {
	var errs []error
	if c.RequestsPerSecond < 0 {
		errs = append(errs, errors.New("rateLimit.requestsPerSecond must be >= 0"))
	}
	if c.Burst < 0 {
		errs = append(errs, errors.New("rateLimit.burst must be >= 0"))
	}
	return errors.Join(errs...)
}

func (c Config) burst() int {
	if c.Burst > 0 {
		return c.Burst
	}
	return max(int(c.RequestsPerSecond), 1)
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter keeps one token bucket per client key. Buckets idle for longer than
// the idle TTL are dropped by Sweep.
type Limiter struct {
	mu      sync.Mutex
	cfg     Config
	buckets map[string]*bucket
	idleTTL time.Duration
	clock   func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock sets a custom clock for testing.
func WithClock(clock func() time.Time) Option {
	return func(l *Limiter) { l.clock = clock }
}

// WithIdleTTL overrides how long an unused bucket is kept.
func WithIdleTTL(d time.Duration) Option {
	return func(l *Limiter) { l.idleTTL = d }
}

// New creates a Limiter for cfg.
func New(cfg Config, opts ...Option) *Limiter {
	l := &Limiter{
		cfg:     cfg,
		buckets: make(map[string]*bucket),
		idleTTL: 10 * time.Minute,
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow reports whether a request for key may proceed now.
func (l *Limiter) Allow(key string) bool {
	if !l.cfg.Enabled() {
		return true
	}
	now := l.clock()

	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(l.cfg.RequestsPerSecond), l.cfg.burst())}
		l.buckets[key] = b
	}
	b.lastSeen = now
	l.mu.Unlock()

	return b.limiter.AllowN(now, 1)
}

// Sweep drops buckets not used within the idle TTL and returns how many remain.
func (l *Limiter) Sweep() int {
	cutoff := l.clock().Add(-l.idleTTL)

	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
	return len(l.buckets)
}

// ClientKey returns the bucket key for r: the SDK client ID header when set,
// otherwise the remote IP.
func ClientKey(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(HeaderClientID)); id != "" {
		return "client:" + id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// Middleware rejects requests over the limit by calling onLimited instead of next.
func (l *Limiter) Middleware(next http.Handler, onLimited http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(ClientKey(r)) {
			w.Header().Set("Retry-After", "1")
			onLimited(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}
