package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dskow/taskrouter/internal/adapter"
	"github.com/dskow/taskrouter/internal/admin"
	"github.com/dskow/taskrouter/internal/api"
	"github.com/dskow/taskrouter/internal/app"
	"github.com/dskow/taskrouter/internal/config"
	"github.com/dskow/taskrouter/internal/health"
	"github.com/dskow/taskrouter/internal/metrics"
	"github.com/dskow/taskrouter/internal/ratelimit"
)

const signingKey = "integration-test-signing-key-32chars!!"

// bridgeServer speaks the tool bridge protocol over the canned tools and
// lets a test fail whole providers on demand.
type bridgeServer struct {
	*httptest.Server

	mu       sync.Mutex
	failing  map[string]int // provider → status to answer with
	calls    map[string]int // provider → invocations
	subjects []string
}

func newBridgeServer(t *testing.T) *bridgeServer {
	t.Helper()
	b := &bridgeServer{failing: map[string]int{}, calls: map[string]int{}}
	tools := adapter.CannedTools()

	b.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tool := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/tools/"), "/invoke")
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		claims, err := adapter.ParseBridgeToken(token, []byte(signingKey), "toolbridge")
		if err != nil {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}

		provider := claims.Subject
		b.mu.Lock()
		b.calls[provider]++
		b.subjects = append(b.subjects, provider)
		status := b.failing[provider]
		b.mu.Unlock()

		if status != 0 {
			w.WriteHeader(status)
			fmt.Fprintf(w, `{"error":"injected %d"}`, status)
			return
		}

		fn, ok := tools[tool]
		if !ok {
			http.Error(w, `{"error":"unknown tool"}`, http.StatusNotFound)
			return
		}
		var req adapter.InvokeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"bad body"}`, http.StatusBadRequest)
			return
		}
		result, err := fn(r.Context(), req.Arguments)
		w.Header().Set("Content-Type", "application/json")
		if err != nil {
			json.NewEncoder(w).Encode(adapter.InvokeResponse{Error: err.Error()}) //nolint:errcheck
			return
		}
		json.NewEncoder(w).Encode(adapter.InvokeResponse{Result: result}) //nolint:errcheck
	}))
	t.Cleanup(b.Close)
	return b
}

func (b *bridgeServer) fail(provider string, status int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failing[provider] = status
}

func (b *bridgeServer) callCount(provider string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[provider]
}

const routerConfig = `
logging:
  level: error
admin:
  enabled: true
  ip_allowlist: ["127.0.0.0/8"]
bridge:
  mode: http
  url: %s
router:
  default_provider: exa
  max_retries: 1
  retry_base_delay: 1ms
  retry_max_delay: 2ms
  rate_limit_backoff: 45s
defaults:
  circuit_breaker:
    failure_threshold: 3
    success_threshold: 2
    timeout_ms: 60000
providers:
  exa: {}
  jina:
    rate_limit:
      requests_per_minute: 100
  firecrawl:
    rate_limit:
      requests_per_minute: 2
routing:
  page_markdown: firecrawl
fallbacks:
  exa: [jina]
`

// stack is the whole service wired the way serve wires it, behind an
// httptest server.
type stack struct {
	URL    string
	bridge *bridgeServer
	app    *app.App
}

func newStack(t *testing.T) *stack {
	t.Helper()
	t.Setenv("BRIDGE_SIGNING_KEY", signingKey)

	bridge := newBridgeServer(t)
	cfg, err := config.LoadFromBytes([]byte(fmt.Sprintf(routerConfig, bridge.URL)))
	if err != nil {
		t.Fatalf("loading config: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	metrics.Init()

	a, err := app.New(context.Background(), cfg, logger, app.Options{})
	if err != nil {
		t.Fatalf("assembling app: %v", err)
	}
	t.Cleanup(func() { a.Close(context.Background()) })

	ingress := ratelimit.NewIngress(cfg.Ingress, nil, logger)
	t.Cleanup(ingress.Stop)

	ops := http.NewServeMux()
	health.New(a.Adapters, a.Breakers, logger).RegisterRoutes(ops)
	admin.New(admin.Deps{
		Config:   config.NewReloader("", cfg, logger),
		Adapters: a.Adapters,
		Limiter:  a.Limiter,
		Breakers: a.Breakers,
		Bulkhead: a.Bulkhead,
		Logger:   logger,
	}, cfg.Admin.IPAllowlist).RegisterRoutes(ops)

	handler := api.NewRouter(api.New(api.Deps{
		Executor: a.Router,
		Adapters: a.Adapters,
		Limiter:  a.Limiter,
		Breakers: a.Breakers,
		Logger:   logger,
	}), api.RouterOptions{
		Logger:       logger,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		Timeout:      cfg.Server.GlobalTimeout(),
		Ingress:      ingress.Middleware(),
		Mounts: []api.Mount{
			{Pattern: "/health", Handler: ops},
			{Pattern: "/ready", Handler: ops},
			{Pattern: "/admin/*", Handler: ops},
			{Pattern: cfg.Metrics.Path, Handler: metrics.Handler()},
		},
	})

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &stack{URL: srv.URL, bridge: bridge, app: a}
}

var httpClient = &http.Client{Timeout: 10 * time.Second}

func httpDo(method, url string, body io.Reader, headers map[string]string) (*http.Response, []byte, error) {
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return nil, nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	return resp, data, err
}

func httpGet(url string) (*http.Response, []byte, error) {
	return httpDo(http.MethodGet, url, nil, nil)
}

// submit posts a task and decodes the result, failing on a non-200.
func (s *stack) submit(t *testing.T, tenant, body string) map[string]any {
	t.Helper()
	resp, data, err := httpDo(http.MethodPost, s.URL+"/v1/tasks", strings.NewReader(body), map[string]string{
		"Content-Type": "application/json",
		"X-Tenant-ID":  tenant,
	})
	if err != nil {
		t.Fatalf("POST /v1/tasks: %v", err)
	}
	assertStatusCode(t, resp, http.StatusOK)
	return parseJSON(t, data)
}

func parseJSON(t *testing.T, data []byte) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("failed to parse JSON %q: %v", string(data), err)
	}
	return m
}

func assertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}

func assertHeaderPresent(t *testing.T, resp *http.Response, key string) {
	t.Helper()
	if resp.Header.Get(key) == "" {
		t.Errorf("expected header %s to be present", key)
	}
}

func assertBodyContains(t *testing.T, body []byte, substr string) {
	t.Helper()
	if !strings.Contains(string(body), substr) {
		t.Errorf("expected body to contain %q, got %q", substr, string(body))
	}
}

func errorCode(result map[string]any) string {
	e, _ := result["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}
