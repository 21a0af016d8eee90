// Package middleware provides the HTTP middleware stack of the task API:
// structured access logging, request metrics, CORS, and panic recovery.
package middleware

import (
	"bytes"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"regexp"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/dskow/taskrouter/internal/ratelimit"
	"github.com/dskow/taskrouter/internal/sanitize"
)

const defaultMaxBodyLog = 4096

// ProbeLogLevel logs liveness, readiness and scrape paths at debug so
// orchestrator polling does not drown out task traffic.
func ProbeLogLevel(probePaths ...string) func(string) slog.Level {
	quiet := make(map[string]bool, len(probePaths))
	for _, p := range probePaths {
		quiet[p] = true
	}
	return func(path string) slog.Level {
		if quiet[path] {
			return slog.LevelDebug
		}
		return slog.LevelInfo
	}
}

// LoggingConfig enables body logging on the access log. Logged bodies have
// credential fields masked and PII replaced, the same way adapter output is.
type LoggingConfig struct {
	BodyLogging     bool
	MaxBodyLogBytes int
}

// Logging emits one structured entry per request with method, path, route
// pattern, status, latency, request id and tenant. pathLevel picks the
// level per path (nil logs everything at info); bodies are logged only
// when bodyConfig enables them.
func Logging(logger *slog.Logger, pathLevel func(string) slog.Level, bodyConfig *LoggingConfig) func(http.Handler) http.Handler {
	if pathLevel == nil {
		pathLevel = func(string) slog.Level { return slog.LevelInfo }
	}
	logBody := bodyConfig != nil && bodyConfig.BodyLogging
	maxBody := defaultMaxBodyLog
	if logBody && bodyConfig.MaxBodyLogBytes > 0 {
		maxBody = bodyConfig.MaxBodyLogBytes
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			level := pathLevel(r.URL.Path)
			if !logger.Enabled(r.Context(), level) {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			var reqBody string
			var respBody *cappedBuffer
			if logBody {
				if r.Body != nil && isTextual(r.Header.Get("Content-Type")) {
					reqBody = captureRequestBody(r, maxBody)
				}
				respBody = &cappedBuffer{max: maxBody}
				ww.Tee(respBody)
			}

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"route", routePattern(r),
				"status", status,
				"bytes", ww.BytesWritten(),
				"latency_ms", time.Since(start).Milliseconds(),
				"client_ip", r.RemoteAddr,
				"request_id", GetRequestID(r.Context()),
			}
			if tenant := r.Header.Get(ratelimit.TenantHeader); tenant != "" {
				attrs = append(attrs, "tenant_id", tenant)
			}
			if reqBody != "" {
				attrs = append(attrs, "request_body", reqBody)
			}
			if respBody != nil && respBody.buf.Len() > 0 && isTextual(ww.Header().Get("Content-Type")) {
				attrs = append(attrs, "response_body", redactBody(respBody.String()))
			}

			logger.Log(r.Context(), level, "request", attrs...)
		})
	}
}

// isTextual reports whether a body of this content type is worth logging.
func isTextual(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	switch mt {
	case "application/json", "application/x-www-form-urlencoded", "application/xml":
		return true
	}
	return len(mt) > 5 && mt[:5] == "text/"
}

// captureRequestBody returns up to maxBytes of the body, redacted, and
// restores r.Body so downstream handlers still read the full payload.
func captureRequestBody(r *http.Request, maxBytes int) string {
	head, err := io.ReadAll(io.LimitReader(r.Body, int64(maxBytes)+1))
	r.Body = readCloser{io.MultiReader(bytes.NewReader(head), r.Body), r.Body}
	if err != nil && len(head) == 0 {
		return ""
	}
	s := string(head)
	if len(head) > maxBytes {
		s = s[:maxBytes] + "...[truncated]"
	}
	return redactBody(s)
}

type readCloser struct {
	io.Reader
	io.Closer
}

var credentialFieldRe = regexp.MustCompile(
	`(?i)("(?:password|secret|token|api_key|key|authorization)"\s*:\s*")[^"]*(")`,
)

// redactBody masks credential-looking JSON fields, then strips PII.
func redactBody(s string) string {
	return sanitize.Text(credentialFieldRe.ReplaceAllString(s, `${1}***${2}`))
}

// cappedBuffer keeps the first max bytes written to it and discards the rest.
type cappedBuffer struct {
	buf bytes.Buffer
	max int
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	if room := c.max - c.buf.Len(); room > 0 {
		if len(p) > room {
			c.buf.Write(p[:room])
		} else {
			c.buf.Write(p)
		}
	}
	return len(p), nil
}

func (c *cappedBuffer) String() string { return c.buf.String() }
