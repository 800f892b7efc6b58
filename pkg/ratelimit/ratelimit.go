// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-keyagent.
//
// go-keyagent is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package ratelimit keeps one token bucket per caller and forgets callers
// that stay idle.
package ratelimit

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultCleanupInterval = time.Minute
	defaultMaxIdle         = 10 * time.Minute
)

// Config describes the rate applied to every caller.
type Config struct {
	Enabled           bool
	RequestsPerMinute int
	// Burst defaults to RequestsPerMinute when zero.
	Burst           int
	CleanupInterval time.Duration
	MaxIdle         time.Duration
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter hands out tokens per caller key.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   rate.Limit
	burst   int
	maxIdle time.Duration
	enabled bool

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// Stats is a point-in-time view of the limiter.
type Stats struct {
	Enabled           bool `json:"enabled"`
	Callers           int  `json:"callers"`
	RequestsPerMinute int  `json:"requests_per_minute"`
	Burst             int  `json:"burst"`
}

// New builds a limiter. A nil or disabled config yields a limiter that
// allows everything and runs no cleanup goroutine.
func New(cfg *Config) *Limiter {
	l := &Limiter{
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if cfg == nil || !cfg.Enabled || cfg.RequestsPerMinute <= 0 {
		close(l.done)
		return l
	}

	l.enabled = true
	l.limit = rate.Limit(float64(cfg.RequestsPerMinute) / 60)
	l.burst = cfg.Burst
	if l.burst <= 0 {
		l.burst = cfg.RequestsPerMinute
	}
	l.maxIdle = cfg.MaxIdle
	if l.maxIdle <= 0 {
		l.maxIdle = defaultMaxIdle
	}
	interval := cfg.CleanupInterval
	if interval <= 0 {
		interval = defaultCleanupInterval
	}

	go l.sweep(interval)
	return l
}

func (l *Limiter) bucketFor(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = time.Now()
	return b.limiter
}

// Allow takes a token for key without waiting.
func (l *Limiter) Allow(key string) bool {
	if !l.enabled {
		return true
	}
	return l.bucketFor(key).Allow()
}

// Wait blocks until key has a token or ctx ends.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	if !l.enabled {
		return nil
	}
	return l.bucketFor(key).Wait(ctx)
}

func (l *Limiter) sweep(interval time.Duration) {
	defer close(l.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.evict(time.Now())
		case <-l.stop:
			return
		}
	}
}

// evict drops callers not seen since now minus maxIdle.
func (l *Limiter) evict(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.maxIdle {
			delete(l.buckets, key)
		}
	}
}

// Stop ends the cleanup goroutine. It is safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
	<-l.done
}

// Stats reports the current configuration and caller count.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := Stats{Enabled: l.enabled, Callers: len(l.buckets), Burst: l.burst}
	if l.enabled {
		s.RequestsPerMinute = int(float64(l.limit)*60 + 0.5)
	}
	return s
}

// Enabled reports whether the limiter ever refuses a request.
func (l *Limiter) Enabled() bool {
	return l.enabled
}

// Middleware answers 429 once a remote address exhausts its bucket. The
// listener is expected to be local, so forwarding headers are ignored.
func Middleware(l *Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !l.Enabled() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow(remoteHost(r.RemoteAddr)) {
				w.Header().Set("Retry-After", "1")
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
