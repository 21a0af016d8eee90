package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/dskow/taskrouter/internal/apierror"
	"github.com/dskow/taskrouter/internal/ratelimit"
)

// Recovery turns a handler panic into a logged stack trace and an UNKNOWN
// error body. http.ErrAbortHandler is re-raised so net/http can drop the
// connection as intended.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.Error("handler panic",
					"error", fmt.Sprint(rec),
					"method", r.Method,
					"path", r.URL.Path,
					"tenant_id", r.Header.Get(ratelimit.TenantHeader),
					"request_id", GetRequestID(r.Context()),
					"stack", string(debug.Stack()),
				)
				apierror.WriteJSON(w, r, http.StatusInternalServerError, apierror.Unknown, apierror.MsgInternal)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
