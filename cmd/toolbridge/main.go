// Package main runs a development tool bridge. It answers every provider
// tool with deterministic canned payloads so the router can be exercised
// end to end without provider credentials.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dskow/taskrouter/internal/adapter"
	"github.com/dskow/taskrouter/internal/middleware"
)

func main() {
	port := flag.Int("port", 3001, "port to listen on")
	audience := flag.String("audience", "toolbridge", "expected token audience (empty disables the check)")
	flag.Parse()

	if p := os.Getenv("PORT"); p != "" {
		fmt.Sscanf(p, "%d", port)
	}
	if a := os.Getenv("BRIDGE_AUDIENCE"); a != "" {
		*audience = a
	}
	key := []byte(os.Getenv("BRIDGE_SIGNING_KEY"))

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	if len(key) == 0 {
		logger.Warn("BRIDGE_SIGNING_KEY not set, accepting unsigned requests")
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", *port),
		Handler:           newBridge(adapter.CannedTools(), key, *audience, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("toolbridge listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("forced shutdown", "error", err)
	}
}

type bridge struct {
	tools    map[string]adapter.ToolFunc
	key      []byte
	audience string
	logger   *slog.Logger
}

func newBridge(tools map[string]adapter.ToolFunc, key []byte, audience string, logger *slog.Logger) http.Handler {
	b := &bridge{tools: tools, key: key, audience: audience, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(logger, middleware.ProbeLogLevel("/health"), nil))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "tools": len(b.tools)})
	})
	// /__status/{code} answers with an arbitrary status for fault injection.
	// Example: POST /__status/429 → 429 Too Many Requests
	r.HandleFunc("/__status/{code}", statusHandler)
	r.Post("/tools/{tool}/invoke", b.invoke)
	return r
}

func (b *bridge) invoke(w http.ResponseWriter, r *http.Request) {
	tool := chi.URLParam(r, "tool")

	if len(b.key) > 0 {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing bearer token"})
			return
		}
		claims, err := adapter.ParseBridgeToken(token, b.key, b.audience)
		if err != nil {
			b.logger.Warn("rejected bridge token", "tool", tool, "error", err)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid bearer token"})
			return
		}
		if claims.Tool != tool {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "token was issued for another tool"})
			return
		}
	}

	fn, ok := b.tools[tool]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown tool " + tool})
		return
	}

	var req adapter.InvokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return
	}

	result, err := fn(r.Context(), req.Arguments)
	if err != nil {
		writeJSON(w, http.StatusOK, adapter.InvokeResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, adapter.InvokeResponse{Result: result})
}

func statusHandler(w http.ResponseWriter, r *http.Request) {
	code, err := strconv.Atoi(chi.URLParam(r, "code"))
	if err != nil || code < 100 || code > 599 {
		code = http.StatusInternalServerError
	}
	if code == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "2")
	}
	writeJSON(w, code, map[string]any{
		"requested_code": code,
		"message":        http.StatusText(code),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
