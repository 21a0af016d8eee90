// Package router dispatches tasks to providers. It picks a primary provider
// per task type, guards every call with the provider's circuit breaker, rate
// limiter and bulkhead, and walks the configured fallback chain when the
// primary cannot serve the task.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/dskow/taskrouter/internal/adapter"
	"github.com/dskow/taskrouter/internal/apierror"
	"github.com/dskow/taskrouter/internal/backoff"
	"github.com/dskow/taskrouter/internal/circuitbreaker"
	"github.com/dskow/taskrouter/internal/execlog"
	"github.com/dskow/taskrouter/internal/metrics"
	"github.com/dskow/taskrouter/internal/task"
)

// DefaultRoutes is the static primary-provider table.
var DefaultRoutes = map[task.Type]string{
	task.SemanticSearch: "exa",
	task.LinkDiscovery:  "exa",
	task.PageMarkdown:   "firecrawl",
	task.SiteCrawl:      "firecrawl",
	task.Screenshot:     "browserless",
	task.SocialScrape:   "apify",
	task.TrendAnalysis:  "dataforseo",
	task.KeywordVolume:  "dataforseo",
}

// Limiter admits or rejects a call against a provider's quota. Admission
// consumes quota.
type Limiter interface {
	CanProceed(provider string) bool
}

// Breakers tracks provider health.
type Breakers interface {
	IsOpen(provider string) bool
	RecordSuccess(provider string)
	RecordFailure(provider string)
}

// Config holds the routing tables and retry policy.
type Config struct {
	// Routes overrides DefaultRoutes per task type.
	Routes          map[task.Type]string
	DefaultProvider string
	Fallbacks       map[string][]string
	// Timeouts bounds a single adapter call per provider.
	Timeouts         map[string]time.Duration
	DefaultTimeout   time.Duration
	RateLimitBackoff time.Duration
	MaxRetries       int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
}

// Deps are the router's collaborators. Bulkhead and ExecLog are optional.
type Deps struct {
	Adapters adapter.Registry
	Limiter  Limiter
	Breakers Breakers
	Bulkhead *circuitbreaker.Bulkhead
	ExecLog  execlog.Logger
	Logger   *slog.Logger
	Now      func() time.Time
	// Sleep waits between retries; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Router executes tasks. It is safe for concurrent use.
type Router struct {
	cfg    Config
	routes map[task.Type]string
	deps   Deps
}

// New creates a router.
func New(cfg Config, deps Deps) *Router {
	routes := make(map[task.Type]string, len(DefaultRoutes)+len(cfg.Routes))
	for t, p := range DefaultRoutes {
		routes[t] = p
	}
	for t, p := range cfg.Routes {
		routes[t] = p
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.RateLimitBackoff <= 0 {
		cfg.RateLimitBackoff = 60 * time.Second
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 250 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 5 * time.Second
	}
	if deps.ExecLog == nil {
		deps.ExecLog = execlog.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Sleep == nil {
		deps.Sleep = backoff.Sleep
	}
	return &Router{cfg: cfg, routes: routes, deps: deps}
}

// Primary returns the provider a task type routes to before fallback.
func (r *Router) Primary(t task.Type) string {
	if p, ok := r.routes[t]; ok {
		return p
	}
	return r.cfg.DefaultProvider
}

// Fallbacks returns the fallback chain configured for provider.
func (r *Router) Fallbacks(provider string) []string {
	return r.cfg.Fallbacks[provider]
}

// outcome is the result of trying one provider.
type outcome struct {
	result task.Result
	// reason is why the provider could not serve the task: CIRCUIT_OPEN,
	// RATE_LIMITED or EXECUTION_ERROR. Empty on success.
	reason apierror.ErrorCode
	// cause is the adapter error behind an EXECUTION_ERROR reason.
	cause *apierror.Error
	// fatal failures end routing without fallback.
	fatal bool
}

func (o outcome) ok() bool { return o.reason == "" && !o.fatal }

// Execute routes t and returns its result. It never panics and never
// returns a Go error: every failure is described by the Result.
func (r *Router) Execute(ctx context.Context, t *task.Task) (res task.Result) {
	start := r.deps.Now()
	defer func() {
		if rec := recover(); rec != nil {
			r.deps.Logger.Error("panic while routing task",
				"panic", fmt.Sprint(rec),
				"stack", string(debug.Stack()),
			)
			id := ""
			if t != nil {
				id = t.ID
			}
			res = task.Failed(id, res.Provider, apierror.Newf(apierror.Unknown, "internal error: %v", rec), r.deps.Now().Sub(start))
		}
	}()

	if verr := task.Validate(t); verr != nil {
		id := ""
		if t != nil {
			id = t.ID
		}
		metrics.TasksTotal.WithLabelValues("invalid", "", string(verr.Code)).Inc()
		return task.Failed(id, "", verr, r.deps.Now().Sub(start))
	}

	defer func() {
		code := "ok"
		if !res.Success {
			code = string(res.ErrorCode())
		}
		metrics.TasksTotal.WithLabelValues(string(t.Type), res.Provider, code).Inc()
		metrics.TaskDuration.WithLabelValues(string(t.Type)).Observe(r.deps.Now().Sub(start).Seconds())
	}()

	opts := t.Opts()
	selected := r.Primary(t.Type)
	if opts.ForceProvider != "" {
		selected = opts.ForceProvider
	}

	a, ok := r.deps.Adapters.Get(selected)
	if !ok {
		err := apierror.Newf(apierror.ProviderNotConfigured, "provider %q is not configured", selected)
		r.logEntry(t, selected, "", execlog.StatusFailed, 0, 0, err)
		return task.Failed(t.ID, selected, err, r.deps.Now().Sub(start))
	}
	if !a.Supports(t.Type) {
		err := apierror.Newf(apierror.InvalidInput, "provider %q does not support task type %q", selected, t.Type)
		r.logEntry(t, selected, "", execlog.StatusFailed, 0, 0, err)
		return task.Failed(t.ID, selected, err, r.deps.Now().Sub(start))
	}

	primary := r.runProvider(ctx, t, a, "", opts)
	if primary.ok() || primary.fatal {
		primary.result.ExecutionTimeMs = r.deps.Now().Sub(start).Milliseconds()
		return primary.result
	}

	metrics.FallbacksTotal.WithLabelValues(selected, string(primary.reason)).Inc()
	r.deps.Logger.Info("primary provider unavailable, trying fallbacks",
		"task_id", t.ID,
		"provider", selected,
		"reason", primary.reason,
		"fallbacks", r.cfg.Fallbacks[selected],
	)

	for _, name := range r.cfg.Fallbacks[selected] {
		if ctx.Err() != nil {
			break
		}
		if name == selected {
			continue
		}
		cand, ok := r.deps.Adapters.Get(name)
		if !ok || !cand.Supports(t.Type) {
			r.deps.Logger.Debug("skipping fallback candidate",
				"task_id", t.ID,
				"provider", name,
				"registered", ok,
			)
			continue
		}
		out := r.runProvider(ctx, t, cand, selected, opts)
		if out.ok() {
			res := out.result
			res.UsedFallback = true
			res.OriginalProvider = selected
			res.ExecutionTimeMs = r.deps.Now().Sub(start).Milliseconds()
			return res
		}
	}

	return task.Failed(t.ID, selected, r.exhausted(t, selected, primary), r.deps.Now().Sub(start))
}

// exhausted builds the single failure returned when no provider served the
// task. The code is the primary's reason; only rate limiting is retriable.
func (r *Router) exhausted(t *task.Task, selected string, primary outcome) *apierror.Error {
	msg := fmt.Sprintf("provider %s unavailable (%s) and no fallback succeeded", selected, primary.reason)
	if len(r.cfg.Fallbacks[selected]) == 0 {
		msg = fmt.Sprintf("provider %s unavailable (%s) and no fallbacks are configured", selected, primary.reason)
	}
	err := apierror.New(primary.reason, msg)
	err.Retriable = primary.reason == apierror.RateLimited
	if err.Retriable {
		err.RetryAfterMs = r.cfg.RateLimitBackoff.Milliseconds()
	}
	err.Cause = primary.cause

	r.deps.Logger.Warn("all providers exhausted",
		"task_id", t.ID,
		"task_type", t.Type,
		"tenant_id", t.TenantID,
		"provider", selected,
		"reason", primary.reason,
	)
	return err
}

// runProvider tries one provider, retrying retriable execution failures
// when the task asks for retries.
func (r *Router) runProvider(ctx context.Context, t *task.Task, a adapter.Adapter, original string, opts task.Options) outcome {
	retries := min(opts.Retries, r.cfg.MaxRetries)
	out := r.try(ctx, t, a, original, 1)
	for attempt := 2; attempt <= retries+1; attempt++ {
		if out.ok() || out.fatal || out.reason != apierror.ExecutionError || out.cause == nil || !out.cause.Retriable {
			break
		}
		delay := backoff.ExponentialJitter(r.cfg.RetryBaseDelay, r.cfg.RetryMaxDelay, attempt-1)
		if out.cause.RetryAfterMs > 0 {
			delay = max(delay, time.Duration(out.cause.RetryAfterMs)*time.Millisecond)
		}
		if err := r.deps.Sleep(ctx, delay); err != nil {
			break
		}
		metrics.RetryTotal.WithLabelValues(a.Name()).Inc()
		next := r.try(ctx, t, a, original, attempt)
		if next.reason == apierror.CircuitOpen || next.reason == apierror.RateLimited {
			// The provider stopped admitting calls; keep the execution failure.
			break
		}
		out = next
	}
	return out
}

// try makes one guarded attempt against a.
func (r *Router) try(ctx context.Context, t *task.Task, a adapter.Adapter, original string, attempt int) outcome {
	name := a.Name()

	if r.deps.Breakers.IsOpen(name) {
		err := apierror.Newf(apierror.CircuitOpen, "circuit breaker open for %s", name)
		r.logEntry(t, name, original, execlog.StatusFailed, 0, attempt, err)
		metrics.ProviderAttempts.WithLabelValues(name, string(err.Code)).Inc()
		return outcome{result: task.Failed(t.ID, name, err, 0), reason: apierror.CircuitOpen}
	}
	release, ok := r.deps.Bulkhead.Acquire(name)
	if !ok {
		err := apierror.Newf(apierror.RateLimited, "too many concurrent calls to %s", name)
		r.logEntry(t, name, original, execlog.StatusFailed, 0, attempt, err)
		metrics.ProviderAttempts.WithLabelValues(name, string(err.Code)).Inc()
		return outcome{result: task.Failed(t.ID, name, err, 0), reason: apierror.RateLimited}
	}
	if !r.deps.Limiter.CanProceed(name) {
		release()
		err := apierror.Newf(apierror.RateLimited, "rate limit reached for %s", name).WithRetryAfter(r.cfg.RateLimitBackoff)
		r.logEntry(t, name, original, execlog.StatusFailed, 0, attempt, err)
		metrics.ProviderAttempts.WithLabelValues(name, string(err.Code)).Inc()
		return outcome{result: task.Failed(t.ID, name, err, 0), reason: apierror.RateLimited}
	}

	status := execlog.StatusStarted
	if original != "" {
		status = execlog.StatusFallback
	}
	r.logEntry(t, name, original, status, 0, attempt, nil)

	callStart := r.deps.Now()
	res := r.call(ctx, t, a, release)
	elapsed := r.deps.Now().Sub(callStart)
	metrics.ProviderLatency.WithLabelValues(name).Observe(elapsed.Seconds())

	if res.Success {
		r.deps.Breakers.RecordSuccess(name)
		metrics.ProviderAttempts.WithLabelValues(name, "ok").Inc()
		r.logEntry(t, name, original, execlog.StatusCompleted, elapsed, attempt, nil)
		return outcome{result: res}
	}

	err := res.Error
	metrics.ProviderAttempts.WithLabelValues(name, string(err.Code)).Inc()
	r.logEntry(t, name, original, execlog.StatusFailed, elapsed, attempt, err)
	// A caller that gave up says nothing about the provider's health.
	if !err.Local && ctx.Err() == nil {
		r.deps.Breakers.RecordFailure(name)
	}
	if err.Code == apierror.InvalidInput || err.Code == apierror.ProviderNotConfigured {
		return outcome{result: res, reason: apierror.ExecutionError, cause: err, fatal: original == ""}
	}
	return outcome{result: res, reason: apierror.ExecutionError, cause: err}
}

// call runs the adapter under the provider timeout. The adapter runs on its
// own goroutine so a cancelled caller stops waiting even if the adapter
// ignores its context; release frees the bulkhead slot when it returns.
func (r *Router) call(ctx context.Context, t *task.Task, a adapter.Adapter, release func()) task.Result {
	timeout := r.cfg.DefaultTimeout
	if d, ok := r.cfg.Timeouts[a.Name()]; ok && d > 0 {
		timeout = d
	}
	if d := t.Opts().Timeout(); d > 0 && d < timeout {
		timeout = d
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan task.Result, 1)
	go func() {
		defer release()
		defer func() {
			if rec := recover(); rec != nil {
				r.deps.Logger.Error("adapter panicked",
					"provider", a.Name(),
					"task_id", t.ID,
					"panic", fmt.Sprint(rec),
				)
				done <- task.Failed(t.ID, a.Name(), apierror.Newf(apierror.Unknown, "adapter panic: %v", rec), 0)
			}
		}()
		done <- a.Execute(callCtx, t)
	}()

	select {
	case res := <-done:
		if !res.Success && res.Error == nil {
			res.Error = apierror.New(apierror.Unknown, "adapter reported failure without an error")
		}
		if res.Success && res.Data == nil {
			return task.Failed(t.ID, a.Name(), apierror.New(apierror.ParseError, "adapter reported success without data"), 0)
		}
		res.Provider = a.Name()
		res.TaskID = t.ID
		return res
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return task.Failed(t.ID, a.Name(), apierror.Classify(ctx.Err()).AsLocal(), 0)
		}
		return task.Failed(t.ID, a.Name(), apierror.Newf(apierror.Timeout, "%s did not respond within %s", a.Name(), timeout), 0)
	}
}

func (r *Router) logEntry(t *task.Task, provider, original string, status execlog.Status, elapsed time.Duration, attempt int, err *apierror.Error) {
	e := execlog.Entry{
		Timestamp:        r.deps.Now(),
		TaskID:           t.ID,
		TaskType:         string(t.Type),
		Provider:         provider,
		TenantID:         t.TenantID,
		Status:           status,
		DurationMs:       elapsed.Milliseconds(),
		OriginalProvider: original,
		Attempt:          attempt,
	}
	if err != nil {
		e.ErrorCode = string(err.Code)
		e.ErrorMessage = err.Message
	}
	r.deps.ExecLog.Log(e)
}
