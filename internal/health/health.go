// Package health provides health check and readiness probe HTTP handlers.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/dskow/taskrouter/internal/adapter"
	"github.com/dskow/taskrouter/internal/circuitbreaker"
)

// Pre-serialized liveness response avoids json.Encoder allocation.
var livenessBody = []byte(`{"status":"ok"}` + "\n")

const (
	readinessCacheTTL = 5 * time.Second
	probeTimeout      = 2 * time.Second
)

// Handler provides /health and /ready endpoints.
type Handler struct {
	adapters adapter.Registry
	breakers *circuitbreaker.Set
	logger   *slog.Logger
	now      func() time.Time

	// Cached readiness result so that frequent /ready polls don't fan out
	// to every provider. Protected by cacheMu.
	cacheMu      sync.RWMutex
	cachedResult []byte
	cachedStatus int
	cachedAt     time.Time
}

// New creates a health Handler. breakers may be nil, in which case every
// provider is probed through its adapter.
func New(adapters adapter.Registry, breakers *circuitbreaker.Set, logger *slog.Logger) *Handler {
	return &Handler{adapters: adapters, breakers: breakers, logger: logger, now: time.Now}
}

// RegisterRoutes adds health check routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.liveness)
	mux.HandleFunc("/ready", h.readiness)
}

func (h *Handler) liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(livenessBody)
}

type providerResult struct {
	provider string
	status   string
	ok       bool
}

func (h *Handler) readiness(w http.ResponseWriter, r *http.Request) {
	h.cacheMu.RLock()
	if h.cachedResult != nil && h.now().Sub(h.cachedAt) < readinessCacheTTL {
		body := h.cachedResult
		status := h.cachedStatus
		h.cacheMu.RUnlock()
		writeJSON(w, status, body)
		return
	}
	h.cacheMu.RUnlock()

	names := h.adapters.Names()
	ch := make(chan providerResult, len(names))
	for _, name := range names {
		go func(name string) {
			ch <- h.check(r.Context(), name)
		}(name)
	}

	// The service is ready while at least one provider can take work;
	// fallback chains cover the rest.
	results := make(map[string]string, len(names))
	anyReady := false
	for range names {
		res := <-ch
		results[res.provider] = res.status
		if res.ok {
			anyReady = true
		}
	}

	httpStatus := http.StatusOK
	statusStr := "ready"
	if !anyReady {
		httpStatus = http.StatusServiceUnavailable
		statusStr = "not ready"
	}

	body, _ := json.Marshal(map[string]any{
		"status":    statusStr,
		"providers": results,
	})
	body = append(body, '\n')

	h.cacheMu.Lock()
	h.cachedResult = body
	h.cachedStatus = httpStatus
	h.cachedAt = h.now()
	h.cacheMu.Unlock()

	writeJSON(w, httpStatus, body)
}

// check uses breaker state when it is decisive and otherwise falls back to
// the adapter's cached readiness probe.
func (h *Handler) check(ctx context.Context, name string) providerResult {
	if h.breakers != nil {
		switch h.breakers.Get(name).State() {
		case circuitbreaker.StateOpen:
			return providerResult{provider: name, status: "circuit-open"}
		case circuitbreaker.StateHalfOpen:
			return providerResult{provider: name, status: "circuit-half-open", ok: true}
		}
	}

	a, _ := h.adapters.Get(name)
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if !a.IsReady(ctx) {
		h.logger.Warn("provider not ready", "provider", name)
		return providerResult{provider: name, status: "unreachable"}
	}
	return providerResult{provider: name, status: "ok", ok: true}
}

func writeJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}
