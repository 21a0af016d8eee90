package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dskow/taskrouter/internal/apierror"
	"github.com/dskow/taskrouter/internal/budget"
	"github.com/dskow/taskrouter/internal/metrics"
	"github.com/dskow/taskrouter/internal/sanitize"
	"github.com/dskow/taskrouter/internal/task"
)

// Binding maps one task type onto one bridge tool.
type Binding struct {
	Tool string
	// Select optionally picks a different tool per input.
	Select func(task.Input) string
	// Args converts the task input into tool arguments.
	Args func(task.Input) (any, error)
	// Decode converts the tool's raw result into the task's Data variant.
	Decode func(in task.Input, raw json.RawMessage) (task.Data, error)
}

// Probe is the minimal real call used by HealthCheck.
type Probe struct {
	Tool string
	Args any
}

// Deps are the collaborators shared by every ToolAdapter.
type Deps struct {
	Invoker   ToolInvoker
	Budget    budget.Guard
	Sanitizer sanitize.Sanitizer
	// CostCents is charged to the tenant per successful call.
	CostCents int64
	// HealthTTL bounds how long IsReady trusts the last probe.
	HealthTTL time.Duration
	// DegradedAfter is the probe latency above which a provider is degraded.
	DegradedAfter time.Duration
	// ProbeTimeout bounds a single health probe.
	ProbeTimeout time.Duration
	Now          func() time.Time
	Logger       *slog.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Budget == nil {
		d.Budget = budget.Noop{}
	}
	if d.Sanitizer == nil {
		d.Sanitizer = sanitize.PII{}
	}
	if d.HealthTTL <= 0 {
		d.HealthTTL = 30 * time.Second
	}
	if d.DegradedAfter <= 0 {
		d.DegradedAfter = 5 * time.Second
	}
	if d.ProbeTimeout <= 0 {
		d.ProbeTimeout = 10 * time.Second
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return d
}

// ToolAdapter is an Adapter that reaches its provider through a ToolInvoker.
// Every result passes through the sanitizer before it is returned.
type ToolAdapter struct {
	name     string
	bindings map[task.Type]Binding
	probe    Probe
	deps     Deps

	probeMu sync.Mutex // serialises probes so concurrent IsReady calls share one
	mu      sync.RWMutex
	last    HealthStatus
	checked bool
}

// NewToolAdapter creates an adapter for provider with the given bindings.
func NewToolAdapter(provider string, bindings map[task.Type]Binding, probe Probe, deps Deps) *ToolAdapter {
	return &ToolAdapter{
		name:     provider,
		bindings: bindings,
		probe:    probe,
		deps:     deps.withDefaults(),
	}
}

// Name implements Adapter.
func (a *ToolAdapter) Name() string { return a.name }

// Supports implements Adapter.
func (a *ToolAdapter) Supports(t task.Type) bool {
	_, ok := a.bindings[t]
	return ok
}

// SupportedTypes returns the task types the adapter handles, in enum order.
func (a *ToolAdapter) SupportedTypes() []task.Type {
	var out []task.Type
	for _, t := range task.Types {
		if a.Supports(t) {
			out = append(out, t)
		}
	}
	return out
}

// Execute implements Adapter.
func (a *ToolAdapter) Execute(ctx context.Context, t *task.Task) task.Result {
	start := a.deps.Now()
	fail := func(err *apierror.Error) task.Result {
		return task.Failed(t.ID, a.name, err, a.deps.Now().Sub(start))
	}

	b, ok := a.bindings[t.Type]
	if !ok {
		return fail(apierror.Newf(apierror.InvalidInput, "provider %s does not support task type %q", a.name, t.Type).AsLocal())
	}
	args, err := b.Args(t.Input)
	if err != nil {
		return fail(apierror.Newf(apierror.InvalidInput, "%s: %v", t.Type, err).AsLocal())
	}

	cost := a.deps.CostCents
	if err := a.deps.Budget.Reserve(ctx, t.TenantID, cost); err != nil {
		if errors.Is(err, budget.ErrExceeded) {
			metrics.BudgetRefusals.WithLabelValues(a.name).Inc()
			return fail(apierror.New(apierror.ExecutionError, err.Error()).Permanent().AsLocal())
		}
		return fail(apierror.Newf(apierror.ExecutionError, "budget unavailable: %v", err).Permanent().AsLocal())
	}
	refund := func(res task.Result) task.Result {
		// The caller's context may already be done; the refund must still land.
		if err := a.deps.Budget.Refund(context.WithoutCancel(ctx), t.TenantID, cost); err != nil {
			a.deps.Logger.Warn("budget refund failed",
				"provider", a.name,
				"tenant_id", t.TenantID,
				"cents", cost,
				"error", err,
			)
		}
		return res
	}

	tool := b.Tool
	if b.Select != nil {
		tool = b.Select(t.Input)
	}
	raw, err := a.deps.Invoker.Invoke(ctx, a.name, tool, args)
	if err != nil {
		return refund(fail(apierror.Classify(err)))
	}

	data, err := b.Decode(t.Input, raw)
	if err != nil {
		return refund(fail(apierror.Newf(apierror.ParseError, "decoding %s result: %v", tool, err)))
	}
	if data == nil || data.Kind() != t.Type {
		return refund(fail(apierror.Newf(apierror.ParseError, "%s produced no %s data", tool, t.Type)))
	}
	data.Sanitize(a.deps.Sanitizer.Clean)

	return task.Succeeded(t.ID, a.name, data, a.deps.Now().Sub(start))
}

// HealthCheck implements Adapter by invoking the probe tool.
func (a *ToolAdapter) HealthCheck(ctx context.Context) HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, a.deps.ProbeTimeout)
	defer cancel()

	start := a.deps.Now()
	_, err := a.deps.Invoker.Invoke(ctx, a.name, a.probe.Tool, a.probe.Args)
	end := a.deps.Now()
	latency := end.Sub(start)

	hs := HealthStatus{
		Provider:    a.name,
		LatencyMs:   latency.Milliseconds(),
		LastChecked: end,
	}
	switch {
	case err != nil:
		hs.Status = StatusUnhealthy
		hs.ErrorMessage = err.Error()
	case latency > a.deps.DegradedAfter:
		hs.Status = StatusDegraded
		hs.ErrorMessage = fmt.Sprintf("probe took %s", latency.Round(time.Millisecond))
	default:
		hs.Status = StatusHealthy
	}

	a.mu.Lock()
	a.last = hs
	a.checked = true
	a.mu.Unlock()

	if hs.Status != StatusHealthy {
		a.deps.Logger.Warn("provider health check",
			"provider", a.name,
			"status", hs.Status,
			"latency_ms", hs.LatencyMs,
			"error", hs.ErrorMessage,
		)
	}
	return hs
}

// IsReady implements Adapter. A probe younger than HealthTTL is reused.
func (a *ToolAdapter) IsReady(ctx context.Context) bool {
	if hs, ok := a.cached(); ok {
		return hs.Status == StatusHealthy
	}

	a.probeMu.Lock()
	defer a.probeMu.Unlock()
	if hs, ok := a.cached(); ok {
		return hs.Status == StatusHealthy
	}
	return a.HealthCheck(ctx).Status == StatusHealthy
}

// LastHealth returns the most recent probe result, if any.
func (a *ToolAdapter) LastHealth() (HealthStatus, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.last, a.checked
}

func (a *ToolAdapter) cached() (HealthStatus, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.checked || a.deps.Now().Sub(a.last.LastChecked) >= a.deps.HealthTTL {
		return HealthStatus{}, false
	}
	return a.last, true
}

// inputAs asserts the input variant a binding expects.
func inputAs[T task.Input](in task.Input) (T, error) {
	v, ok := in.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("unexpected input %T, want %T", in, zero)
	}
	return v, nil
}

// snippetLen bounds search snippets taken from full page text.
const snippetLen = 500

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
