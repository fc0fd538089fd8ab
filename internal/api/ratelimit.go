package api

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateLimiter is a fixed-window token bucket per client IP.
type RateLimiter struct {
	requests     map[string]*bucket
	mu           sync.Mutex
	rate         int           // requests per window
	window       time.Duration // time window
	maxCacheSize int           // maximum number of IPs to track
	now          func() time.Time
	stop         chan struct{}
	stopOnce     sync.Once
}

type bucket struct {
	tokens     int
	lastRefill time.Time
}

// NewRateLimiter allows rate requests per window per IP. Call Stop to end
// the background sweep.
func NewRateLimiter(rate int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		requests:     make(map[string]*bucket),
		rate:         rate,
		window:       window,
		maxCacheSize: 10000,
		now:          time.Now,
		stop:         make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

// Allow reports whether a request from ip may proceed and, if not, how long
// until its bucket refills.
func (rl *RateLimiter) Allow(ip string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, exists := rl.requests[ip]
	if !exists {
		if len(rl.requests) >= rl.maxCacheSize {
			rl.evictOldest(now)
		}
		rl.requests[ip] = &bucket{tokens: rl.rate - 1, lastRefill: now}
		return true, 0
	}

	elapsed := now.Sub(b.lastRefill)
	if elapsed >= rl.window {
		b.tokens = rl.rate - 1
		b.lastRefill = now
		return true, 0
	}
	if b.tokens > 0 {
		b.tokens--
		return true, 0
	}
	return false, rl.window - elapsed
}

// evictOldest drops stale entries, then an arbitrary tenth if still full.
func (rl *RateLimiter) evictOldest(now time.Time) {
	rl.sweep(now)
	if len(rl.requests) >= rl.maxCacheSize {
		toRemove := max(1, len(rl.requests)/10)
		for ip := range rl.requests {
			delete(rl.requests, ip)
			toRemove--
			if toRemove == 0 {
				break
			}
		}
	}
}

func (rl *RateLimiter) sweep(now time.Time) {
	for ip, b := range rl.requests {
		if now.Sub(b.lastRefill) > rl.window*2 {
			delete(rl.requests, ip)
		}
	}
}

// Middleware wraps an HTTP handler with rate limiting
func (rl *RateLimiter) Middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ok, wait := rl.Allow(getClientIP(r))
		if !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(wait.Round(time.Second).Seconds())+1))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded, try again later")
			return
		}
		next(w, r)
	}
}

// Stop ends the background sweep.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// getClientIP uses the TCP peer address; X-Forwarded-For is client
// controlled and ignored.
func getClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.mu.Lock()
			rl.sweep(rl.now())
			rl.mu.Unlock()
		}
	}
}
