// Package admin provides read-only admin API endpoints for runtime inspection
// of router state. All endpoints are protected by IP allowlist.
package admin

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"

	"github.com/dskow/taskrouter/internal/adapter"
	"github.com/dskow/taskrouter/internal/circuitbreaker"
	"github.com/dskow/taskrouter/internal/config"
	"github.com/dskow/taskrouter/internal/ratelimit"
	"github.com/dskow/taskrouter/internal/task"
)

// Handler provides admin API endpoints.
type Handler struct {
	reloader    ConfigProvider
	adapters    adapter.Registry
	limiter     *ratelimit.Limiter
	breakers    *circuitbreaker.Set
	bulkhead    *circuitbreaker.Bulkhead
	allowedNets []*net.IPNet
	logger      *slog.Logger
}

// ConfigProvider abstracts config access for testability.
type ConfigProvider interface {
	Current() *config.Config
}

// Deps are the runtime components the admin endpoints inspect.
type Deps struct {
	Config   ConfigProvider
	Adapters adapter.Registry
	Limiter  *ratelimit.Limiter
	Breakers *circuitbreaker.Set
	Bulkhead *circuitbreaker.Bulkhead
	Logger   *slog.Logger
}

// New creates a new admin Handler. The allowlist CIDRs must be pre-validated
// (config validation ensures this).
func New(deps Deps, allowlist []string) *Handler {
	nets := make([]*net.IPNet, 0, len(allowlist))
	for _, cidr := range allowlist {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			continue // already validated by config
		}
		nets = append(nets, ipNet)
	}
	return &Handler{
		reloader:    deps.Config,
		adapters:    deps.Adapters,
		limiter:     deps.Limiter,
		breakers:    deps.Breakers,
		bulkhead:    deps.Bulkhead,
		allowedNets: nets,
		logger:      deps.Logger,
	}
}

// RegisterRoutes adds admin routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/admin/providers", h.guard(h.providersHandler))
	mux.HandleFunc("/admin/config", h.guard(h.configHandler))
	mux.HandleFunc("/admin/limits", h.guard(h.limitsHandler))
}

// guard wraps a handler with IP allowlist checking.
func (h *Handler) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{
				"error": "Method Not Allowed",
			})
			return
		}

		ip := extractIP(r.RemoteAddr)
		if !h.isAllowed(ip) {
			h.logger.Warn("admin access denied", "client_ip", ip, "path", r.URL.Path)
			writeJSON(w, http.StatusForbidden, map[string]string{
				"error": "Forbidden",
			})
			return
		}
		next(w, r)
	}
}

func (h *Handler) isAllowed(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range h.allowedNets {
		if n.Contains(ip) {
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

// providerStatus is the response type for /admin/providers.
type providerStatus struct {
	Provider       string                       `json:"provider"`
	TaskTypes      []task.Type                  `json:"task_types,omitempty"`
	CircuitBreaker circuitbreaker.ProviderState `json:"circuit_breaker"`
	RateLimit      *ratelimit.Usage             `json:"rate_limit,omitempty"`
	InFlight       int                          `json:"in_flight"`
	LastHealth     *adapter.HealthStatus        `json:"last_health,omitempty"`
}

// typeLister and healthReporter are implemented by adapter.ToolAdapter.
type typeLister interface {
	SupportedTypes() []task.Type
}

type healthReporter interface {
	LastHealth() (adapter.HealthStatus, bool)
}

func (h *Handler) providersHandler(w http.ResponseWriter, r *http.Request) {
	names := h.adapters.Names()
	statuses := make([]providerStatus, 0, len(names))
	for _, name := range names {
		a, _ := h.adapters.Get(name)
		st := providerStatus{
			Provider:       name,
			CircuitBreaker: h.breakers.Get(name).Snapshot(),
			InFlight:       h.bulkhead.InFlight(name),
		}
		if tl, ok := a.(typeLister); ok {
			st.TaskTypes = tl.SupportedTypes()
		}
		if hr, ok := a.(healthReporter); ok {
			if hs, ok := hr.LastHealth(); ok {
				st.LastHealth = &hs
			}
		}
		if u, ok := h.limiter.Usage(name); ok {
			st.RateLimit = &u
		}
		statuses = append(statuses, st)
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": statuses})
}

func (h *Handler) configHandler(w http.ResponseWriter, r *http.Request) {
	cfg := h.reloader.Current()

	// Secrets never serialize; credentials embedded in URLs are masked.
	redacted := *cfg
	if u, err := url.Parse(redacted.Bridge.URL); err == nil && u.User != nil {
		redacted.Bridge.URL = u.Redacted()
	}

	writeJSON(w, http.StatusOK, redacted)
}

func (h *Handler) limitsHandler(w http.ResponseWriter, r *http.Request) {
	entries := h.limiter.UsageAll()

	pageSize := 100
	page := 0

	if v, err := strconv.Atoi(r.URL.Query().Get("page_size")); err == nil && v > 0 && v <= 1000 {
		pageSize = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && v >= 0 {
		page = v
	}

	total := len(entries)
	start := min(page*pageSize, total)
	end := min(start+pageSize, total)

	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries[start:end],
		"total":   total,
		"page":    page,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
