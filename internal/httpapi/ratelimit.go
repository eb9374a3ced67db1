package httpapi

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// rateLimiter enforces a per-IP sliding window on the auth endpoints.
type rateLimiter struct {
	mu      sync.Mutex
	windows map[string]*rateWindow
	limit   int
	period  time.Duration
	now     func() time.Time
}

type rateWindow struct {
	count   int
	startAt time.Time
}

func newRateLimiter(limit int, period time.Duration) *rateLimiter {
	rl := &rateLimiter{
		windows: make(map[string]*rateWindow),
		limit:   limit,
		period:  period,
		now:     time.Now,
	}
	go rl.cleanup()
	return rl
}

func (rl *rateLimiter) allow(key string) bool {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	w, ok := rl.windows[key]
	if !ok || now.Sub(w.startAt) > rl.period {
		rl.windows[key] = &rateWindow{count: 1, startAt: now}
		return true
	}
	w.count++
	return w.count <= rl.limit
}

func (rl *rateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		rl.mu.Lock()
		now := rl.now()
		for key, w := range rl.windows {
			if now.Sub(w.startAt) > 2*rl.period {
				delete(rl.windows, key)
			}
		}
		rl.mu.Unlock()
	}
}

// middleware rejects over-limit clients with 429 and a Retry-After hint.
func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(clientIP(r)) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"code":"RATE_LIMITED","message":"too many requests"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
