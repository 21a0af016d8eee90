package router

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dskow/taskrouter/internal/adapter"
	"github.com/dskow/taskrouter/internal/apierror"
	"github.com/dskow/taskrouter/internal/circuitbreaker"
	"github.com/dskow/taskrouter/internal/config"
	"github.com/dskow/taskrouter/internal/execlog"
	"github.com/dskow/taskrouter/internal/ratelimit"
	"github.com/dskow/taskrouter/internal/task"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeAdapter serves the task types it was built with. Its behaviour is
// driven by fn, which receives the 1-based call number.
type fakeAdapter struct {
	name  string
	types []task.Type
	calls atomic.Int64
	fn    func(ctx context.Context, t *task.Task, call int) task.Result
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Supports(t task.Type) bool {
	for _, s := range f.types {
		if s == t {
			return true
		}
	}
	return false
}

func (f *fakeAdapter) Execute(ctx context.Context, t *task.Task) task.Result {
	n := int(f.calls.Add(1))
	if f.fn == nil {
		return ok(f.name, t)
	}
	return f.fn(ctx, t, n)
}

func (f *fakeAdapter) IsReady(context.Context) bool { return true }

func (f *fakeAdapter) HealthCheck(context.Context) adapter.HealthStatus {
	return adapter.HealthStatus{Provider: f.name, Status: adapter.StatusHealthy}
}

func ok(provider string, t *task.Task) task.Result {
	return task.Succeeded(t.ID, provider, &task.SearchResults{Query: "q"}, time.Millisecond)
}

func failWith(code apierror.ErrorCode) func(context.Context, *task.Task, int) task.Result {
	return func(_ context.Context, t *task.Task, _ int) task.Result {
		return task.Failed(t.ID, "", apierror.New(code, "injected"), time.Millisecond)
	}
}

type memLog struct {
	mu      sync.Mutex
	entries []execlog.Entry
}

func (m *memLog) Log(e execlog.Entry) {
	m.mu.Lock()
	m.entries = append(m.entries, e)
	m.mu.Unlock()
}

func (m *memLog) statuses(provider string) []execlog.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []execlog.Status
	for _, e := range m.entries {
		if e.Provider == provider {
			out = append(out, e.Status)
		}
	}
	return out
}

type harness struct {
	clock    *fakeClock
	limiter  *ratelimit.Limiter
	breakers *circuitbreaker.Set
	log      *memLog
	sleeps   []time.Duration
	router   *Router
}

type setup struct {
	adapters  []adapter.Adapter
	fallbacks map[string][]string
	limits    map[string]config.RateLimitConfig
	breaker   circuitbreaker.Config
	bulkhead  map[string]int
	cfg       Config
}

func newHarness(t *testing.T, s setup) *harness {
	t.Helper()
	h := &harness{
		clock: &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		log:   &memLog{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if s.breaker.FailureThreshold == 0 {
		s.breaker = circuitbreaker.Config{FailureThreshold: 3, SuccessThreshold: 2, Timeout: time.Second}
	}
	h.limiter = ratelimit.New(s.limits, config.RateLimitConfig{}, h.clock.Now, logger)
	h.breakers = circuitbreaker.NewSet(nil, s.breaker, h.clock.Now, logger)

	cfg := s.cfg
	cfg.Fallbacks = s.fallbacks
	var mu sync.Mutex
	h.router = New(cfg, Deps{
		Adapters: adapter.NewRegistry(s.adapters...),
		Limiter:  h.limiter,
		Breakers: h.breakers,
		Bulkhead: circuitbreaker.NewBulkhead(s.bulkhead),
		ExecLog:  h.log,
		Logger:   logger,
		Now:      h.clock.Now,
		Sleep: func(_ context.Context, d time.Duration) error {
			mu.Lock()
			h.sleeps = append(h.sleeps, d)
			mu.Unlock()
			return nil
		},
	})
	return h
}

var taskSeq atomic.Int64

func searchTask() *task.Task {
	return &task.Task{
		ID:       fmt.Sprintf("task-%d", taskSeq.Add(1)),
		Type:     task.SemanticSearch,
		TenantID: "acme",
		Input:    task.SemanticSearchInput{Query: "fixed window limiters"},
	}
}

func search() []task.Type { return []task.Type{task.SemanticSearch} }

func TestExecute_InvalidInputInvokesNothing(t *testing.T) {
	exa := &fakeAdapter{name: "exa", types: search()}
	h := newHarness(t, setup{adapters: []adapter.Adapter{exa}})

	cases := []*task.Task{
		nil,
		{ID: "1", Type: task.SemanticSearch, TenantID: "acme", Input: task.PageMarkdownInput{URL: "https://go.dev"}},
		{ID: "2", Type: task.SemanticSearch, TenantID: "acme", Input: task.SemanticSearchInput{}},
		{ID: "3", Type: "translate", TenantID: "acme", Input: task.SemanticSearchInput{Query: "x"}},
		{ID: "", Type: task.SemanticSearch, TenantID: "acme", Input: task.SemanticSearchInput{Query: "x"}},
	}
	for i, tk := range cases {
		res := h.router.Execute(context.Background(), tk)
		if res.Success || res.ErrorCode() != apierror.InvalidInput {
			t.Errorf("case %d: got %+v, want INVALID_INPUT", i, res.Error)
		}
	}
	if exa.calls.Load() != 0 {
		t.Errorf("adapter invoked %d times", exa.calls.Load())
	}
}

func TestExecute_PrimarySuccess(t *testing.T) {
	exa := &fakeAdapter{name: "exa", types: search()}
	h := newHarness(t, setup{adapters: []adapter.Adapter{exa}})

	tk := searchTask()
	res := h.router.Execute(context.Background(), tk)
	if !res.Success || res.Provider != "exa" || res.TaskID != tk.ID {
		t.Fatalf("got %+v", res)
	}
	if res.UsedFallback || res.OriginalProvider != "" {
		t.Error("primary success must not be marked as fallback")
	}
	got := h.log.statuses("exa")
	if len(got) != 2 || got[0] != execlog.StatusStarted || got[1] != execlog.StatusCompleted {
		t.Errorf("log statuses = %v", got)
	}
}

func TestExecute_FallbackProvenance(t *testing.T) {
	exa := &fakeAdapter{name: "exa", types: search(), fn: failWith(apierror.NetworkError)}
	jina := &fakeAdapter{name: "jina", types: search()}
	h := newHarness(t, setup{
		adapters:  []adapter.Adapter{exa, jina},
		fallbacks: map[string][]string{"exa": {"jina"}},
	})

	res := h.router.Execute(context.Background(), searchTask())
	if !res.Success {
		t.Fatalf("expected fallback success, got %+v", res.Error)
	}
	if res.Provider != "jina" || !res.UsedFallback || res.OriginalProvider != "exa" {
		t.Errorf("provenance = provider %s, used_fallback %v, original %s", res.Provider, res.UsedFallback, res.OriginalProvider)
	}
	if got := h.log.statuses("jina"); len(got) != 2 || got[0] != execlog.StatusFallback {
		t.Errorf("jina log statuses = %v", got)
	}
}

func TestExecute_FallbackSkipsUnusableCandidates(t *testing.T) {
	exa := &fakeAdapter{name: "exa", types: search(), fn: failWith(apierror.Timeout)}
	browserless := &fakeAdapter{name: "browserless", types: []task.Type{task.Screenshot}}
	firecrawl := &fakeAdapter{name: "firecrawl", types: search()}
	h := newHarness(t, setup{
		adapters:  []adapter.Adapter{exa, browserless, firecrawl},
		fallbacks: map[string][]string{"exa": {"exa", "apify", "browserless", "firecrawl"}},
	})

	res := h.router.Execute(context.Background(), searchTask())
	if !res.Success || res.Provider != "firecrawl" {
		t.Fatalf("got %+v", res)
	}
	if browserless.calls.Load() != 0 || exa.calls.Load() != 1 {
		t.Errorf("calls exa=%d browserless=%d", exa.calls.Load(), browserless.calls.Load())
	}
}

func TestExecute_FallbackExhaustion(t *testing.T) {
	exa := &fakeAdapter{name: "exa", types: search(), fn: failWith(apierror.NetworkError)}
	jina := &fakeAdapter{name: "jina", types: search(), fn: failWith(apierror.ParseError)}
	h := newHarness(t, setup{
		adapters:  []adapter.Adapter{exa, jina},
		fallbacks: map[string][]string{"exa": {"jina"}},
	})

	res := h.router.Execute(context.Background(), searchTask())
	if res.Success || res.Data != nil {
		t.Fatal("expected failure without data")
	}
	if res.Provider != "exa" {
		t.Errorf("provider = %s, want the selected provider", res.Provider)
	}
	e := res.Error
	if e.Code != apierror.ExecutionError || e.Retriable {
		t.Errorf("error = %+v, want non-retriable EXECUTION_ERROR", e)
	}
	if e.Cause == nil || e.Cause.Code != apierror.NetworkError {
		t.Errorf("cause = %+v, want the primary's NETWORK_ERROR", e.Cause)
	}
}

func TestExecute_RateLimitedWithoutFallbacks(t *testing.T) {
	exa := &fakeAdapter{name: "exa", types: search()}
	h := newHarness(t, setup{
		adapters: []adapter.Adapter{exa},
		limits:   map[string]config.RateLimitConfig{"exa": {RequestsPerMinute: 2}},
		cfg:      Config{RateLimitBackoff: 45 * time.Second},
	})

	var got []bool
	for range 3 {
		got = append(got, h.router.Execute(context.Background(), searchTask()).Success)
	}
	if got[0] != true || got[1] != true || got[2] != false {
		t.Fatalf("successes = %v, want [true true false]", got)
	}

	res := h.router.Execute(context.Background(), searchTask())
	if res.ErrorCode() != apierror.RateLimited || !res.Error.Retriable || res.Error.RetryAfterMs != 45000 {
		t.Errorf("error = %+v, want retriable RATE_LIMITED with 45s backoff", res.Error)
	}
	if exa.calls.Load() != 2 {
		t.Errorf("adapter calls = %d, want 2", exa.calls.Load())
	}

	h.clock.Advance(time.Minute + time.Millisecond)
	if res := h.router.Execute(context.Background(), searchTask()); !res.Success {
		t.Errorf("expected success after the minute window reset, got %+v", res.Error)
	}
}

func TestExecute_RateLimitedPrimaryFallsBack(t *testing.T) {
	exa := &fakeAdapter{name: "exa", types: search()}
	jina := &fakeAdapter{name: "jina", types: search()}
	h := newHarness(t, setup{
		adapters:  []adapter.Adapter{exa, jina},
		fallbacks: map[string][]string{"exa": {"jina"}},
		limits:    map[string]config.RateLimitConfig{"exa": {RequestsPerMinute: 1}},
	})

	h.router.Execute(context.Background(), searchTask())
	res := h.router.Execute(context.Background(), searchTask())
	if !res.Success || res.Provider != "jina" || res.OriginalProvider != "exa" {
		t.Errorf("got %+v", res)
	}
}

// Three failures open the breaker; the next call skips the provider until
// the cool-down has strictly elapsed, then a half-open trial goes through
// and two successes close it.
func TestExecute_BreakerScenario(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)
	exa := &fakeAdapter{name: "exa", types: search(), fn: func(_ context.Context, tk *task.Task, _ int) task.Result {
		if failing.Load() {
			return task.Failed(tk.ID, "exa", apierror.New(apierror.NetworkError, "down"), 0)
		}
		return ok("exa", tk)
	}}
	h := newHarness(t, setup{adapters: []adapter.Adapter{exa}})

	for range 3 {
		h.router.Execute(context.Background(), searchTask())
	}
	if st := h.breakers.Get("exa").State(); st != circuitbreaker.StateOpen {
		t.Fatalf("state = %s, want open", st)
	}

	res := h.router.Execute(context.Background(), searchTask())
	if res.ErrorCode() != apierror.CircuitOpen || res.Error.Retriable {
		t.Errorf("error = %+v, want non-retriable CIRCUIT_OPEN on exhaustion", res.Error)
	}
	if exa.calls.Load() != 3 {
		t.Errorf("adapter calls = %d, want 3", exa.calls.Load())
	}

	h.clock.Advance(time.Second)
	if res := h.router.Execute(context.Background(), searchTask()); res.ErrorCode() != apierror.CircuitOpen {
		t.Errorf("at exactly the timeout the breaker must stay open, got %+v", res.Error)
	}

	h.clock.Advance(time.Millisecond)
	failing.Store(false)
	if res := h.router.Execute(context.Background(), searchTask()); !res.Success {
		t.Fatalf("half-open trial failed: %+v", res.Error)
	}
	if st := h.breakers.Get("exa").State(); st != circuitbreaker.StateHalfOpen {
		t.Fatalf("state = %s, want half-open after one success", st)
	}
	h.router.Execute(context.Background(), searchTask())
	if st := h.breakers.Get("exa").State(); st != circuitbreaker.StateClosed {
		t.Fatalf("state = %s, want closed", st)
	}
}

func TestExecute_LocalFailuresDoNotTripBreaker(t *testing.T) {
	exa := &fakeAdapter{name: "exa", types: search(), fn: func(_ context.Context, tk *task.Task, _ int) task.Result {
		return task.Failed(tk.ID, "exa", apierror.New(apierror.ExecutionError, "budget exhausted").Permanent().AsLocal(), 0)
	}}
	h := newHarness(t, setup{adapters: []adapter.Adapter{exa}})

	for range 10 {
		h.router.Execute(context.Background(), searchTask())
	}
	if st := h.breakers.Get("exa").State(); st != circuitbreaker.StateClosed {
		t.Errorf("state = %s, want closed", st)
	}
}

func TestExecute_AdapterInvalidInputFailsFast(t *testing.T) {
	exa := &fakeAdapter{name: "exa", types: search(), fn: failWith(apierror.InvalidInput)}
	jina := &fakeAdapter{name: "jina", types: search()}
	h := newHarness(t, setup{
		adapters:  []adapter.Adapter{exa, jina},
		fallbacks: map[string][]string{"exa": {"jina"}},
	})

	res := h.router.Execute(context.Background(), searchTask())
	if res.ErrorCode() != apierror.InvalidInput {
		t.Errorf("error = %+v, want INVALID_INPUT", res.Error)
	}
	if jina.calls.Load() != 0 {
		t.Error("fallback must not run after INVALID_INPUT")
	}
}

func TestExecute_ForceProvider(t *testing.T) {
	exa := &fakeAdapter{name: "exa", types: search()}
	jina := &fakeAdapter{name: "jina", types: search()}
	h := newHarness(t, setup{adapters: []adapter.Adapter{exa, jina}})

	tk := searchTask()
	tk.Options = &task.Options{ForceProvider: "jina"}
	if res := h.router.Execute(context.Background(), tk); !res.Success || res.Provider != "jina" || res.UsedFallback {
		t.Errorf("got %+v", res)
	}

	tk = searchTask()
	tk.Options = &task.Options{ForceProvider: "serpapi"}
	res := h.router.Execute(context.Background(), tk)
	if res.ErrorCode() != apierror.ProviderNotConfigured {
		t.Errorf("error = %+v, want PROVIDER_NOT_CONFIGURED", res.Error)
	}
	if exa.calls.Load() != 0 {
		t.Error("routing table must be bypassed when a provider is forced")
	}
}

func TestExecute_RoutingOverrideAndDefaultProvider(t *testing.T) {
	jina := &fakeAdapter{name: "jina", types: []task.Type{task.SemanticSearch, task.PageMarkdown}}
	h := newHarness(t, setup{
		adapters: []adapter.Adapter{jina},
		cfg:      Config{Routes: map[task.Type]string{task.SemanticSearch: "jina"}, DefaultProvider: "jina"},
	})

	if got := h.router.Primary(task.SemanticSearch); got != "jina" {
		t.Errorf("Primary(semantic_search) = %s, want jina", got)
	}
	if got := h.router.Primary(task.Screenshot); got != "browserless" {
		t.Errorf("Primary(screenshot) = %s, want browserless", got)
	}
	if got := h.router.Primary("unknown"); got != "jina" {
		t.Errorf("Primary(unknown) = %s, want default provider", got)
	}
	if res := h.router.Execute(context.Background(), searchTask()); !res.Success || res.Provider != "jina" {
		t.Errorf("got %+v", res)
	}
}

func TestExecute_RetriesSameProvider(t *testing.T) {
	exa := &fakeAdapter{name: "exa", types: search(), fn: func(_ context.Context, tk *task.Task, n int) task.Result {
		if n < 3 {
			return task.Failed(tk.ID, "exa", apierror.New(apierror.NetworkError, "flaky"), 0)
		}
		return ok("exa", tk)
	}}
	h := newHarness(t, setup{
		adapters: []adapter.Adapter{exa},
		breaker:  circuitbreaker.Config{FailureThreshold: 5, SuccessThreshold: 1, Timeout: time.Second},
		cfg:      Config{MaxRetries: 2},
	})

	tk := searchTask()
	tk.Options = &task.Options{Retries: 5}
	res := h.router.Execute(context.Background(), tk)
	if !res.Success || res.UsedFallback {
		t.Fatalf("got %+v", res)
	}
	if exa.calls.Load() != 3 || len(h.sleeps) != 2 {
		t.Errorf("calls = %d sleeps = %d, want 3 and 2", exa.calls.Load(), len(h.sleeps))
	}
}

func TestExecute_NoRetryOnPermanentFailure(t *testing.T) {
	exa := &fakeAdapter{name: "exa", types: search(), fn: failWith(apierror.AuthFailed)}
	h := newHarness(t, setup{adapters: []adapter.Adapter{exa}, cfg: Config{MaxRetries: 3}})

	tk := searchTask()
	tk.Options = &task.Options{Retries: 3}
	h.router.Execute(context.Background(), tk)
	if exa.calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", exa.calls.Load())
	}
}

func TestExecute_ProviderTimeout(t *testing.T) {
	slow := &fakeAdapter{name: "exa", types: search(), fn: func(ctx context.Context, tk *task.Task, _ int) task.Result {
		<-ctx.Done()
		return task.Failed(tk.ID, "exa", apierror.Classify(ctx.Err()), 0)
	}}
	h := newHarness(t, setup{
		adapters: []adapter.Adapter{slow},
		cfg:      Config{Timeouts: map[string]time.Duration{"exa": 20 * time.Millisecond}},
	})

	res := h.router.Execute(context.Background(), searchTask())
	if res.ErrorCode() != apierror.ExecutionError || res.Error.Cause == nil || res.Error.Cause.Code != apierror.Timeout {
		t.Errorf("error = %+v, want EXECUTION_ERROR caused by TIMEOUT", res.Error)
	}
}

func TestExecute_CallerCancellationStopsWaiting(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	stuck := &fakeAdapter{name: "exa", types: search(), fn: func(_ context.Context, tk *task.Task, _ int) task.Result {
		<-block
		return ok("exa", tk)
	}}
	h := newHarness(t, setup{adapters: []adapter.Adapter{stuck}})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	done := make(chan task.Result, 1)
	go func() { done <- h.router.Execute(ctx, searchTask()) }()
	select {
	case res := <-done:
		if res.Success {
			t.Error("cancelled task should not succeed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Execute kept waiting after the caller cancelled")
	}
}

func TestExecute_CallerCancellationDoesNotTripBreaker(t *testing.T) {
	tests := []struct {
		name string
		fn   func(ctx context.Context, tk *task.Task, block <-chan struct{}) task.Result
	}{
		{"adapter ignores context", func(_ context.Context, tk *task.Task, block <-chan struct{}) task.Result {
			<-block
			return ok("exa", tk)
		}},
		{"adapter returns context error", func(ctx context.Context, tk *task.Task, _ <-chan struct{}) task.Result {
			<-ctx.Done()
			return task.Failed(tk.ID, "exa", apierror.Classify(ctx.Err()), 0)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			block := make(chan struct{})
			defer close(block)
			exa := &fakeAdapter{name: "exa", types: search(), fn: func(ctx context.Context, tk *task.Task, _ int) task.Result {
				return tt.fn(ctx, tk, block)
			}}
			h := newHarness(t, setup{adapters: []adapter.Adapter{exa}})

			for range 3 {
				ctx, cancel := context.WithCancel(context.Background())
				time.AfterFunc(10*time.Millisecond, cancel)
				if res := h.router.Execute(ctx, searchTask()); res.Success {
					t.Fatal("cancelled task should not succeed")
				}
				cancel()
			}

			snap := h.breakers.Get("exa").Snapshot()
			if snap.State != circuitbreaker.StateClosed || snap.FailureCount != 0 {
				t.Errorf("breaker = %s with %d failures, want closed with none", snap.State, snap.FailureCount)
			}
		})
	}
}

func TestExecute_AdapterPanicIsContained(t *testing.T) {
	exa := &fakeAdapter{name: "exa", types: search(), fn: func(context.Context, *task.Task, int) task.Result {
		panic("nil map")
	}}
	h := newHarness(t, setup{adapters: []adapter.Adapter{exa}})

	res := h.router.Execute(context.Background(), searchTask())
	if res.Success || res.Error.Cause == nil || res.Error.Cause.Code != apierror.Unknown {
		t.Errorf("got %+v", res.Error)
	}
}

func TestExecute_BulkheadRejectionFallsBack(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	exa := &fakeAdapter{name: "exa", types: search(), fn: func(_ context.Context, tk *task.Task, n int) task.Result {
		if n == 1 {
			close(entered)
			<-release
		}
		return ok("exa", tk)
	}}
	jina := &fakeAdapter{name: "jina", types: search()}
	h := newHarness(t, setup{
		adapters:  []adapter.Adapter{exa, jina},
		fallbacks: map[string][]string{"exa": {"jina"}},
		bulkhead:  map[string]int{"exa": 1},
	})

	first := make(chan task.Result, 1)
	go func() { first <- h.router.Execute(context.Background(), searchTask()) }()
	<-entered

	res := h.router.Execute(context.Background(), searchTask())
	if !res.Success || res.Provider != "jina" {
		t.Errorf("second call = %+v, want jina via fallback", res)
	}
	close(release)
	if res := <-first; !res.Success || res.Provider != "exa" {
		t.Errorf("first call = %+v", res)
	}
}

func TestExecute_ConcurrentAdmissionIsExact(t *testing.T) {
	exa := &fakeAdapter{name: "exa", types: search()}
	h := newHarness(t, setup{
		adapters: []adapter.Adapter{exa},
		limits:   map[string]config.RateLimitConfig{"exa": {RequestsPerMinute: 20}},
	})

	var wg sync.WaitGroup
	var successes atomic.Int64
	for range 60 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if h.router.Execute(context.Background(), searchTask()).Success {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()
	if successes.Load() != 20 {
		t.Errorf("successes = %d, want 20", successes.Load())
	}
}
