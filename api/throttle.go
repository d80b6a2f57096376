package api

import (
	"net"
	"net/http"

	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/time/rate"
)

// throttleCacheSize bounds the tracked client set; the least recently
// seen clients fall out first, which also reclaims limiters for
// addresses that stopped calling.
const throttleCacheSize = 4096

// throttle enforces a per-client token bucket on the data endpoints.
type throttle struct {
	limiters *lru.Cache[string, *rate.Limiter]
	limit    rate.Limit
	burst    int
	log      log.Logger
}

func newThrottle(rps float64, burst int, logger log.Logger) *throttle {
	return &throttle{
		limiters: lru.NewCache[string, *rate.Limiter](throttleCacheSize),
		limit:    rate.Limit(rps),
		burst:    burst,
		log:      logger,
	}
}

func (t *throttle) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		limiter, ok := t.limiters.Get(ip)
		if !ok {
			limiter = rate.NewLimiter(t.limit, t.burst)
			t.limiters.Add(ip, limiter)
		}
		if !limiter.Allow() {
			throttleDropMeter.Mark(1)
			t.log.Debug("Request throttled", "ip", ip, "path", r.URL.Path)
			respondError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP keys the limiter map by peer address. Deployments behind a
// proxy would need the forwarded address; the server is meant to face
// its own frontend directly.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
