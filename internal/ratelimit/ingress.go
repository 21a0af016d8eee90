package ratelimit

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dskow/taskrouter/internal/apierror"
	"github.com/dskow/taskrouter/internal/config"
	"github.com/dskow/taskrouter/internal/metrics"
)

// TenantHeader carries the tenant id on task API requests.
const TenantHeader = "X-Tenant-ID"

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Ingress admits HTTP requests per tenant with token buckets. Requests
// without a tenant header are keyed by client IP. It performs periodic
// cleanup of stale entries.
type Ingress struct {
	mu           sync.RWMutex
	clients      map[string]*client
	rate         rate.Limit
	burst        int
	trustedCIDRs []*net.IPNet
	logger       *slog.Logger
	stopCh       chan struct{}
	stopOnce     sync.Once
}

// NewIngress creates an Ingress limiter and starts a background goroutine
// that evicts idle buckets every minute. trustedProxies is a list of CIDR
// strings (e.g. "10.0.0.0/8") whose X-Forwarded-For headers are trusted.
func NewIngress(cfg config.IngressConfig, trustedProxies []string, logger *slog.Logger) *Ingress {
	in := &Ingress{
		clients:      make(map[string]*client),
		rate:         rate.Limit(cfg.RequestsPerSecond),
		burst:        cfg.BurstSize,
		trustedCIDRs: parseCIDRs(trustedProxies, logger),
		logger:       logger,
		stopCh:       make(chan struct{}),
	}
	go in.cleanup()
	return in
}

func parseCIDRs(cidrs []string, logger *slog.Logger) []*net.IPNet {
	var nets []*net.IPNet
	for _, cidr := range cidrs {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			logger.Warn("invalid trusted proxy CIDR, skipping", "cidr", cidr, "error", err)
			continue
		}
		nets = append(nets, ipNet)
	}
	return nets
}

// Stop terminates the background cleanup goroutine.
func (in *Ingress) Stop() {
	in.stopOnce.Do(func() { close(in.stopCh) })
}

// UpdateConfig hot-reloads the bucket settings. Existing buckets are
// cleared so new limits take effect immediately.
func (in *Ingress) UpdateConfig(cfg config.IngressConfig) {
	in.mu.Lock()
	defer in.mu.Unlock()

	in.rate = rate.Limit(cfg.RequestsPerSecond)
	in.burst = cfg.BurstSize
	in.clients = make(map[string]*client)
}

// Middleware returns an HTTP middleware that enforces the per-tenant rate.
func (in *Ingress) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := in.clientKey(r)

			limiter, rateLimit := in.getLimiter(key)
			if !limiter.Allow() {
				in.logger.Warn("ingress rate limit exceeded", "client", key, "path", r.URL.Path)
				metrics.IngressRejections.WithLabelValues(r.URL.Path).Inc()
				retryAfter := "1"
				if rateLimit > 0 && rateLimit < 1 {
					retryAfter = strconv.FormatFloat(1.0/float64(rateLimit), 'f', 0, 64)
				}
				w.Header().Set("Retry-After", retryAfter)
				apierror.WriteJSON(w, r, http.StatusTooManyRequests, apierror.RateLimited, apierror.MsgTenantRateLimited)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientKey prefers the tenant header and falls back to the client IP.
func (in *Ingress) clientKey(r *http.Request) string {
	if tenant := strings.TrimSpace(r.Header.Get(TenantHeader)); tenant != "" {
		return "tenant:" + tenant
	}
	return "ip:" + in.clientIP(r)
}

// clientIP extracts the real client IP. X-Forwarded-For is only trusted when
// the direct peer (RemoteAddr) is in the trusted proxies list.
func (in *Ingress) clientIP(r *http.Request) string {
	peerIP := extractIP(r.RemoteAddr)

	if len(in.trustedCIDRs) > 0 && in.isTrusted(peerIP) {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			// Walk right-to-left, return first non-trusted IP
			parts := strings.Split(xff, ",")
			for i := len(parts) - 1; i >= 0; i-- {
				ip := strings.TrimSpace(parts[i])
				if ip != "" && !in.isTrusted(ip) {
					return ip
				}
			}
		}
	}

	return peerIP
}

func (in *Ingress) isTrusted(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, cidr := range in.trustedCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

func extractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// getLimiter returns or creates the bucket for key. Uses RWMutex: read-lock
// for existing clients (common path), write-lock only for new insertions.
// rate.Limiter is internally goroutine-safe so Allow() does not need to be
// called under our lock.
func (in *Ingress) getLimiter(key string) (*rate.Limiter, rate.Limit) {
	in.mu.RLock()
	if c, exists := in.clients[key]; exists {
		r := in.rate
		// Only refresh lastSeen when stale; cleanup evicts after 3 minutes.
		if time.Since(c.lastSeen) > 1*time.Minute {
			in.mu.RUnlock()
			in.mu.Lock()
			c.lastSeen = time.Now()
			in.mu.Unlock()
		} else {
			in.mu.RUnlock()
		}
		return c.limiter, r
	}
	in.mu.RUnlock()

	in.mu.Lock()
	defer in.mu.Unlock()

	// Double-check after acquiring write lock.
	if c, exists := in.clients[key]; exists {
		c.lastSeen = time.Now()
		return c.limiter, in.rate
	}

	limiter := rate.NewLimiter(in.rate, in.burst)
	in.clients[key] = &client{limiter: limiter, lastSeen: time.Now()}
	return limiter, in.rate
}

func (in *Ingress) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			in.mu.Lock()
			for key, c := range in.clients {
				if time.Since(c.lastSeen) > 3*time.Minute {
					delete(in.clients, key)
				}
			}
			in.mu.Unlock()
		case <-in.stopCh:
			return
		}
	}
}
