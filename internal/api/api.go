// Package api serves the task router over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dskow/taskrouter/internal/adapter"
	"github.com/dskow/taskrouter/internal/apierror"
	"github.com/dskow/taskrouter/internal/circuitbreaker"
	"github.com/dskow/taskrouter/internal/middleware"
	"github.com/dskow/taskrouter/internal/ratelimit"
	"github.com/dskow/taskrouter/internal/task"
)

const readyProbeTimeout = 2 * time.Second

// Executor runs a task to completion. *router.Router implements it.
type Executor interface {
	Execute(ctx context.Context, t *task.Task) task.Result
}

// Deps are the components the task API reads from.
type Deps struct {
	Executor Executor
	Adapters adapter.Registry
	Limiter  *ratelimit.Limiter
	Breakers *circuitbreaker.Set
	Logger   *slog.Logger
}

// Handler serves /v1/tasks and /v1/providers.
type Handler struct {
	exec     Executor
	adapters adapter.Registry
	limiter  *ratelimit.Limiter
	breakers *circuitbreaker.Set
	logger   *slog.Logger
	newID    func() string
}

// New creates a Handler.
func New(deps Deps) *Handler {
	return &Handler{
		exec:     deps.Executor,
		adapters: deps.Adapters,
		limiter:  deps.Limiter,
		breakers: deps.Breakers,
		logger:   deps.Logger,
		newID:    uuid.NewString,
	}
}

// Routes registers the task API on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/v1/tasks", h.submitTask)
	r.Get("/v1/providers", h.listProviders)
}

// submitTask decodes a task and executes it synchronously. Routing failures
// are part of the Result and still answer 200; only a body that cannot be
// decoded at all is a 400.
func (h *Handler) submitTask(w http.ResponseWriter, r *http.Request) {
	var t task.Task
	err := json.NewDecoder(r.Body).Decode(&t)

	var maxErr *http.MaxBytesError
	var inputErr *task.InputDecodeError
	switch {
	case errors.As(err, &maxErr):
		middleware.WriteBodyLimitError(w, r)
		return
	case errors.As(err, &inputErr):
		// The envelope decoded; the input does not fit its type.
		h.fillDefaults(&t, r)
		res := task.Failed(t.ID, "", apierror.New(apierror.InvalidInput, inputErr.Error()).Permanent(), 0)
		writeResult(w, res)
		return
	case err != nil:
		apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.InvalidInput, "request body is not a valid task: "+err.Error())
		return
	}

	h.fillDefaults(&t, r)
	res := h.exec.Execute(r.Context(), &t)
	writeResult(w, res)
}

func (h *Handler) fillDefaults(t *task.Task, r *http.Request) {
	if t.ID == "" {
		t.ID = h.newID()
	}
	if t.TenantID == "" {
		t.TenantID = strings.TrimSpace(r.Header.Get(ratelimit.TenantHeader))
	}
}

func writeResult(w http.ResponseWriter, res task.Result) {
	if res.Error != nil && res.Error.Retriable && res.Error.RetryAfterMs > 0 {
		secs := (res.Error.RetryAfterMs + 999) / 1000
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	writeJSON(w, http.StatusOK, res)
}

// providerView is one entry of GET /v1/providers.
type providerView struct {
	Provider       string                       `json:"provider"`
	Ready          bool                         `json:"ready"`
	CircuitBreaker circuitbreaker.ProviderState `json:"circuit_breaker"`
	RateLimit      *ratelimit.Usage             `json:"rate_limit,omitempty"`
}

func (h *Handler) listProviders(w http.ResponseWriter, r *http.Request) {
	names := h.adapters.Names()
	views := make([]providerView, len(names))

	var wg sync.WaitGroup
	for i, name := range names {
		views[i] = providerView{
			Provider:       name,
			CircuitBreaker: h.breakers.Get(name).Snapshot(),
		}
		if u, ok := h.limiter.Usage(name); ok {
			views[i].RateLimit = &u
		}
		if views[i].CircuitBreaker.State == circuitbreaker.StateOpen {
			continue
		}
		a, _ := h.adapters.Get(name)
		wg.Add(1)
		go func(i int, a adapter.Adapter) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(r.Context(), readyProbeTimeout)
			defer cancel()
			views[i].Ready = a.IsReady(ctx)
		}(i, a)
	}
	wg.Wait()

	writeJSON(w, http.StatusOK, map[string]any{"providers": views})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
