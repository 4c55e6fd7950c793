package middleware

import (
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/piwi3910/nebulaguard/internal/metrics"
)

// RateLimitConfig configures the rate limiting middleware.
type RateLimitConfig struct {
	// ExcludedPaths bypass the limiter entirely.
	ExcludedPaths []string

	// TrustedProxies lists proxy addresses or CIDRs whose forwarding
	// headers are believed.
	TrustedProxies []string

	CleanupInterval   time.Duration
	StaleTimeout      time.Duration
	RequestsPerSecond float64
	BurstSize         int
	Enabled           bool

	// PerIP keys buckets by client address; otherwise one bucket is shared.
	PerIP bool
}

// DefaultRateLimitConfig returns the limiter settings used by the server.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 50,
		BurstSize:         100,
		PerIP:             true,
		CleanupInterval:   time.Minute,
		StaleTimeout:      5 * time.Minute,
		ExcludedPaths:     []string{"/health", "/health/live", "/health/ready", "/metrics"},
	}
}

type bucket struct {
	limiter *rate.Limiter
	seen    time.Time
}

// RateLimiter hands out a token bucket per client and evicts idle ones.
type RateLimiter struct {
	buckets map[string]*bucket
	proxies []*net.IPNet
	stop    chan struct{}
	config  RateLimitConfig
	mu      sync.Mutex
	once    sync.Once
}

// NewRateLimiter builds a limiter. Invalid proxy entries are logged and
// skipped.
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	defaults := DefaultRateLimitConfig()

	if config.CleanupInterval <= 0 {
		config.CleanupInterval = defaults.CleanupInterval
	}

	if config.StaleTimeout <= 0 {
		config.StaleTimeout = defaults.StaleTimeout
	}

	config.BurstSize = max(config.BurstSize, 1)

	rl := &RateLimiter{
		config:  config,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}

	for _, entry := range config.TrustedProxies {
		network, ok := parseNetwork(entry)
		if !ok {
			log.Warn().Str("proxy", entry).Msg("Skipping invalid trusted proxy")
			continue
		}

		rl.proxies = append(rl.proxies, network)
	}

	if config.Enabled && config.PerIP {
		go rl.evictLoop()
	}

	return rl
}

// parseNetwork accepts a CIDR or a bare address, which becomes a host route.
func parseNetwork(entry string) (*net.IPNet, bool) {
	if _, network, err := net.ParseCIDR(entry); err == nil {
		return network, true
	}

	ip := net.ParseIP(entry)
	if ip == nil {
		return nil, false
	}

	if v4 := ip.To4(); v4 != nil {
		return &net.IPNet{IP: v4, Mask: net.CIDRMask(32, 32)}, true
	}

	return &net.IPNet{IP: ip, Mask: net.CIDRMask(128, 128)}, true
}

func (rl *RateLimiter) evictLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			rl.evict(now)
		case <-rl.stop:
			return
		}
	}
}

// evict drops buckets idle for longer than StaleTimeout as of now.
func (rl *RateLimiter) evict(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	for key, b := range rl.buckets {
		if now.Sub(b.seen) > rl.config.StaleTimeout {
			delete(rl.buckets, key)
		}
	}

	metrics.SetRateLimitActiveClients(len(rl.buckets))
}

// Close stops eviction. It is safe to call more than once.
func (rl *RateLimiter) Close() {
	rl.once.Do(func() { close(rl.stop) })
}

// Allow takes a token for client, reporting false when the bucket is empty.
func (rl *RateLimiter) Allow(client string) bool {
	if !rl.config.Enabled {
		return true
	}

	if !rl.config.PerIP {
		client = ""
	}

	rl.mu.Lock()

	b := rl.buckets[client]
	if b == nil {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(rl.config.RequestsPerSecond), rl.config.BurstSize)}
		rl.buckets[client] = b

		metrics.SetRateLimitActiveClients(len(rl.buckets))
	}

	b.seen = time.Now()
	rl.mu.Unlock()

	return b.limiter.Allow()
}

func (rl *RateLimiter) trusted(addr string) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}

	return slices.ContainsFunc(rl.proxies, func(n *net.IPNet) bool { return n.Contains(ip) })
}

// RateLimitMiddleware rejects requests over budget with 429 and a
// Retry-After hint.
func RateLimitMiddleware(rl *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.config.Enabled || slices.Contains(rl.config.ExcludedPaths, r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			client := rl.clientAddr(r)
			label := labelPath(r.URL.Path)
			allowed := rl.Allow(client)

			metrics.RecordRateLimitRequest(label, allowed)

			if !allowed {
				log.Warn().
					Str("client", client).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Msg("Rate limit exceeded")

				w.Header().Set("Retry-After", "1")
				writeJSONError(w, http.StatusTooManyRequests, "too many requests")

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientAddr resolves the address a request is billed to. Forwarding
// headers count only when the peer is a trusted proxy, and the
// X-Forwarded-For chain is walked from the right so a client cannot pick
// its own address by prepending entries.
func (rl *RateLimiter) clientAddr(r *http.Request) string {
	peer := hostOnly(r.RemoteAddr)
	if !rl.trusted(peer) {
		return peer
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		hops := strings.Split(xff, ",")

		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if net.ParseIP(hop) == nil {
				break
			}

			if !rl.trusted(hop) {
				return hop
			}
		}
	}

	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(xri) != nil {
		return xri
	}

	return peer
}

func hostOnly(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}

	return strings.Trim(remoteAddr, "[]")
}
