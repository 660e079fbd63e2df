package peerapi

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter enforces a per-source-IP token bucket over the peer RPC
// paths, adapted from status/ratelimit.go: same map-of-limiters-plus-
// periodic-cleanup shape, backed here by golang.org/x/time/rate instead of
// the teacher's own limiter since this module never imported one.
type RateLimiter struct {
	mu            sync.Mutex
	limiters      map[string]*rate.Limiter
	requestsPerIP float64
	burst         int
	cleanupTicker *time.Ticker
	stop          chan struct{}
}

// NewRateLimiter builds a RateLimiter allowing requestsPerSecond sustained
// requests per source IP, with the given burst capacity.
func NewRateLimiter(requestsPerSecond float64, burst int) *RateLimiter {
	rl := &RateLimiter{
		limiters:      make(map[string]*rate.Limiter),
		requestsPerIP: requestsPerSecond,
		burst:         burst,
		cleanupTicker: time.NewTicker(5 * time.Minute),
		stop:          make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Allow reports whether a request from r's remote address should proceed.
func (rl *RateLimiter) Allow(r *http.Request) bool {
	ip := clientIP(r)

	rl.mu.Lock()
	limiter, ok := rl.limiters[ip]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(rl.requestsPerIP), rl.burst)
		rl.limiters[ip] = limiter
	}
	rl.mu.Unlock()

	return limiter.Allow()
}

func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

func (rl *RateLimiter) cleanupLoop() {
	for {
		select {
		case <-rl.cleanupTicker.C:
			rl.cleanup()
		case <-rl.stop:
			return
		}
	}
}

func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for ip, limiter := range rl.limiters {
		if limiter.Tokens() >= float64(rl.burst) {
			delete(rl.limiters, ip)
		}
	}
}

// Stop stops the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.cleanupTicker.Stop()
	close(rl.stop)
}
