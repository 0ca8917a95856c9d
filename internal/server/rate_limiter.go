package server

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig bounds request rates per caller. Reads and writes are
// limited separately.
type RateLimitConfig struct {
	Enabled    bool
	ReadRPS    float64
	ReadBurst  int
	WriteRPS   float64
	WriteBurst int
}

type clientLimiters struct {
	read *rate.Limiter
	wr   *rate.Limiter
	last time.Time
}

type rateLimiter struct {
	mu   sync.Mutex
	cfg  RateLimitConfig
	lim  map[string]*clientLimiters
	ttl  time.Duration
	stop chan struct{}
	once sync.Once
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	if cfg.ReadRPS <= 0 {
		cfg.ReadRPS = 50
	}
	if cfg.ReadBurst <= 0 {
		cfg.ReadBurst = 100
	}
	if cfg.WriteRPS <= 0 {
		cfg.WriteRPS = 20
	}
	if cfg.WriteBurst <= 0 {
		cfg.WriteBurst = 40
	}
	rl := &rateLimiter{
		cfg:  cfg,
		lim:  map[string]*clientLimiters{},
		ttl:  10 * time.Minute,
		stop: make(chan struct{}),
	}
	if cfg.Enabled {
		go rl.cleanupLoop()
	}
	return rl
}

func (r *rateLimiter) cleanupLoop() {
	t := time.NewTicker(1 * time.Minute)
	defer t.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-t.C:
			r.evict(time.Now().Add(-r.ttl))
		}
	}
}

func (r *rateLimiter) evict(cutoff time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range r.lim {
		if v.last.Before(cutoff) {
			delete(r.lim, k)
		}
	}
}

func (r *rateLimiter) close() {
	r.once.Do(func() { close(r.stop) })
}

func (r *rateLimiter) allow(key string, isWrite bool, now time.Time) bool {
	if !r.cfg.Enabled {
		return true
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "anonymous"
	}

	r.mu.Lock()
	c := r.lim[key]
	if c == nil {
		c = &clientLimiters{
			read: rate.NewLimiter(rate.Limit(r.cfg.ReadRPS), r.cfg.ReadBurst),
			wr:   rate.NewLimiter(rate.Limit(r.cfg.WriteRPS), r.cfg.WriteBurst),
		}
		r.lim[key] = c
	}
	c.last = now
	r.mu.Unlock()

	if isWrite {
		return c.wr.AllowN(now, 1)
	}
	return c.read.AllowN(now, 1)
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isRateLimitedPath(r.URL.Path) && !s.limiter.allow(rateLimitClientKey(r), isWriteMethod(r.Method), time.Now()) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded", "RATE_LIMITED")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isWriteMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	default:
		return true
	}
}

func isRateLimitedPath(path string) bool {
	return strings.HasPrefix(path, "/api/")
}

// rateLimitClientKey identifies the caller by address. Credentials are not
// checked until after this middleware runs, so a presented token cannot pick
// the bucket. RemoteAddr has already been resolved by middleware.RealIP.
func rateLimitClientKey(r *http.Request) string {
	if r == nil {
		return "unknown"
	}
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
		return "ip:" + host
	}
	if addr != "" {
		return "ip:" + addr
	}
	return "unknown"
}
