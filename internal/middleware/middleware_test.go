package middleware

import (
	"bytes"
	"crypto/tls"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/dskow/taskrouter/internal/metrics"
)

func TestLogging_OutputsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := Logging(logger, nil, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/test/path", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	output := buf.String()
	if !strings.Contains(output, `"method":"GET"`) {
		t.Error("expected method in log output")
	}
	if !strings.Contains(output, `"path":"/test/path"`) {
		t.Error("expected path in log output")
	}
	if !strings.Contains(output, `"status":200`) {
		t.Error("expected status in log output")
	}
	if !strings.Contains(output, `"latency_ms"`) {
		t.Error("expected latency_ms in log output")
	}
}

func TestLogging_CapturesStatusCode(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := Logging(logger, nil, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	req := httptest.NewRequest("GET", "/missing", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if !strings.Contains(buf.String(), `"status":404`) {
		t.Errorf("expected status 404 in log, got: %s", buf.String())
	}
}

func TestCORS_AllowedOrigin(t *testing.T) {
	handler := CORS([]string{"https://app.example.com"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name   string
		origin string
		want   string
	}{
		{"allowed", "https://app.example.com", "https://app.example.com"},
		{"other origin", "https://evil.example.com", ""},
		{"no origin", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/v1/tasks", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.want {
				t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, tt.want)
			}
			if rec.Code != http.StatusOK {
				t.Errorf("status = %d, want 200", rec.Code)
			}
		})
	}
}

func TestCORS_Preflight(t *testing.T) {
	called := false
	handler := CORS([]string{"*"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest("OPTIONS", "/v1/tasks", nil)
	req.Header.Set("Origin", "https://example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	req.Header.Set("Access-Control-Request-Headers", "x-tenant-id")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204 for preflight, got %d", rec.Code)
	}
	if called {
		t.Error("preflight should not reach the handler")
	}
	if rec.Header().Get("Access-Control-Allow-Methods") != "POST" {
		t.Errorf("allow methods = %q", rec.Header().Get("Access-Control-Allow-Methods"))
	}
	if rec.Header().Get("Access-Control-Max-Age") != "86400" {
		t.Errorf("max age = %q", rec.Header().Get("Access-Control-Max-Age"))
	}
}

func TestCORS_DisabledWithoutOrigins(t *testing.T) {
	handler := CORS(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/v1/providers", nil)
	req.Header.Set("Origin", "https://example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("CORS headers should not be set when no origins are configured")
	}
}

func TestLogging_ProbeLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	handler := Logging(logger, ProbeLogLevel("/health", "/ready"), nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	for _, path := range []string{"/health", "/ready"} {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", path, nil))
	}
	if buf.Len() != 0 {
		t.Errorf("probe requests should log at debug, got %s", buf.String())
	}

	req := httptest.NewRequest("POST", "/v1/tasks", nil)
	req.Header.Set("X-Tenant-ID", "acme")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if !strings.Contains(buf.String(), `"tenant_id":"acme"`) {
		t.Errorf("expected tenant in access log, got %s", buf.String())
	}
}

func TestLogging_RedactsBody(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := Logging(logger, nil, &LoggingConfig{BodyLogging: true})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))

	req := httptest.NewRequest("POST", "/v1/tasks", strings.NewReader(`{"token":"abc123","type":"screenshot"}`))
	req.Header.Set("Content-Type", "application/json")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	out := buf.String()
	if strings.Contains(out, "abc123") {
		t.Error("token value leaked into the access log")
	}
	if !strings.Contains(out, "screenshot") {
		t.Error("non-sensitive body fields should be logged")
	}
}

func TestMetrics_LabelsByRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Metrics)
	r.Get("/v1/things/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := testutil.ToFloat64(metrics.RequestsTotal.WithLabelValues("/v1/things/{id}", "GET", "418"))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/v1/things/42", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/v1/things/43", nil))

	if got := testutil.ToFloat64(metrics.RequestsTotal.WithLabelValues("/v1/things/{id}", "GET", "418")); got != before+2 {
		t.Errorf("requests_total = %v, want %v", got, before+2)
	}
	if got := testutil.ToFloat64(metrics.ActiveConnections); got != 0 {
		t.Errorf("active connections = %v after requests completed", got)
	}
}

func TestRecovery(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := Recovery(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/tasks" {
			panic("adapter table corrupted")
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/tasks", nil)
	req.Header.Set("X-Tenant-ID", "acme")
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if !strings.Contains(rec.Body.String(), `"error_code":"UNKNOWN"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
	for _, want := range []string{"handler panic", "adapter table corrupted", `"tenant_id":"acme"`} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("log missing %q: %s", want, buf.String())
		}
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("healthy handler status = %d", rec.Code)
	}
}

func TestBodyLimit(t *testing.T) {
	handler := BodyLimit(100)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := io.ReadAll(r.Body); err != nil {
			WriteBodyLimitError(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name          string
		method        string
		body          string
		contentLength int64 // -1 = unknown (chunked)
		want          int
	}{
		{"under limit", "POST", strings.Repeat("a", 50), 50, http.StatusOK},
		{"declared over limit", "POST", strings.Repeat("a", 200), 200, http.StatusRequestEntityTooLarge},
		{"chunked over limit", "POST", strings.Repeat("a", 200), -1, http.StatusRequestEntityTooLarge},
		{"no body", "GET", "", 0, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body io.Reader
			if tt.body != "" {
				body = strings.NewReader(tt.body)
			}
			req := httptest.NewRequest(tt.method, "/v1/tasks", body)
			req.ContentLength = tt.contentLength
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestSecurityHeaders(t *testing.T) {
	handler := SecurityHeaders()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	tests := []struct {
		name     string
		tls      bool
		proto    string
		wantHSTS bool
	}{
		{"plain http", false, "", false},
		{"direct tls", true, "", true},
		{"tls terminated at proxy", false, "https", true},
		{"proxy over http", false, "http", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/v1/providers", nil)
			if tt.tls {
				req.TLS = &tls.ConnectionState{}
			}
			if tt.proto != "" {
				req.Header.Set("X-Forwarded-Proto", tt.proto)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			h := rec.Header()
			if h.Get("X-Content-Type-Options") != "nosniff" || h.Get("X-Frame-Options") != "DENY" || h.Get("Cache-Control") != "no-store" {
				t.Errorf("missing base headers: %v", h)
			}
			if got := h.Get("Strict-Transport-Security") != ""; got != tt.wantHSTS {
				t.Errorf("HSTS present = %v, want %v", got, tt.wantHSTS)
			}
		})
	}
}
