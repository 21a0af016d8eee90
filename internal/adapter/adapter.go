// Package adapter defines the provider contract the router depends on and
// the tool-bridge adapters that implement it.
package adapter

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/dskow/taskrouter/internal/task"
)

// Status is a provider health verdict.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// HealthStatus is the outcome of a health probe.
type HealthStatus struct {
	Provider     string    `json:"provider"`
	Status       Status    `json:"status"`
	LatencyMs    int64     `json:"latency_ms"`
	LastChecked  time.Time `json:"last_checked"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// Adapter executes tasks against one provider.
type Adapter interface {
	// Name returns the provider identifier used in routing tables.
	Name() string
	// Supports reports whether the adapter can execute tasks of type t.
	Supports(t task.Type) bool
	// Execute runs the task and never panics; failures are reported in
	// the returned Result.
	Execute(ctx context.Context, t *task.Task) task.Result
	// IsReady is a cached readiness probe built on HealthCheck.
	IsReady(ctx context.Context) bool
	// HealthCheck performs a minimal real call against the provider.
	HealthCheck(ctx context.Context) HealthStatus
}

// Registry maps provider names to adapters. It is built once at startup and
// read concurrently afterwards.
type Registry map[string]Adapter

// NewRegistry indexes adapters by name.
func NewRegistry(adapters ...Adapter) Registry {
	r := make(Registry, len(adapters))
	for _, a := range adapters {
		r[a.Name()] = a
	}
	return r
}

// Get returns the adapter registered for name.
func (r Registry) Get(name string) (Adapter, bool) {
	a, ok := r[name]
	return a, ok
}

// Names returns registered provider names, sorted.
func (r Registry) Names() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var constructors = map[string]func(Deps) *ToolAdapter{
	"exa":         NewExa,
	"firecrawl":   NewFirecrawl,
	"jina":        NewJina,
	"browserless": NewBrowserless,
	"apify":       NewApify,
	"dataforseo":  NewDataForSEO,
}

// New builds the adapter for a known provider name.
func New(provider string, deps Deps) (*ToolAdapter, error) {
	ctor, ok := constructors[provider]
	if !ok {
		return nil, fmt.Errorf("no adapter for provider %q", provider)
	}
	return ctor(deps), nil
}
