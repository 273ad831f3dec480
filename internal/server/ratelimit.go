package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"streampull/internal/cache"
)

// RateLimitConfig bounds request throughput. The global limit applies to all
// endpoints; the download limit caps how many downloads a single client IP
// may start per window, counted in the shared store so replicas agree.
type RateLimitConfig struct {
	GlobalRPS      float64
	GlobalBurst    int
	DownloadLimit  int
	DownloadWindow time.Duration
	Store          cache.Store
}

type rateLimiter struct {
	global         *rate.Limiter
	downloadLimit  int
	downloadWindow time.Duration
	store          cache.Store
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	rl := &rateLimiter{
		downloadLimit:  cfg.DownloadLimit,
		downloadWindow: cfg.DownloadWindow,
		store:          cfg.Store,
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = int(cfg.GlobalRPS)
			if burst < 1 {
				burst = 1
			}
		}
		rl.global = rate.NewLimiter(rate.Limit(cfg.GlobalRPS), burst)
	}
	if rl.downloadWindow <= 0 {
		rl.downloadWindow = time.Minute
	}
	if rl.downloadLimit > 0 && rl.store == nil {
		rl.store = cache.NewMemoryStore()
	}
	return rl
}

func (rl *rateLimiter) AllowRequest() bool {
	if rl == nil || rl.global == nil {
		return true
	}
	return rl.global.Allow()
}

// AllowDownload checks the per-IP download budget by bumping an expiring
// counter in the store.
func (rl *rateLimiter) AllowDownload(r *http.Request, ip string) (bool, error) {
	if rl == nil || rl.downloadLimit <= 0 || rl.store == nil {
		return true, nil
	}
	if ip == "" {
		ip = "unknown"
	}
	count, err := rl.store.Increment(r.Context(), fmt.Sprintf("throttle:download:%s", ip), rl.downloadWindow)
	if err != nil {
		return false, err
	}
	return count <= int64(rl.downloadLimit), nil
}

func rateLimitMiddleware(rl *rateLimiter, logger *slog.Logger, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.AllowRequest() {
			http.Error(w, "global rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		if r.URL.Path == "/download" {
			allowed, err := rl.AllowDownload(r, extractClientIP(r))
			if err != nil {
				if logger != nil {
					logger.Error("download throttle failure", "error", err)
				}
				http.Error(w, "rate limit failure", http.StatusServiceUnavailable)
				return
			}
			if !allowed {
				w.Header().Set("Retry-After", fmt.Sprintf("%.0f", rl.downloadWindow.Seconds()))
				http.Error(w, "too many downloads", http.StatusTooManyRequests)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
