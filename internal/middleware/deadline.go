package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/dskow/taskrouter/internal/apierror"
)

// Deadline returns middleware that applies a global request deadline to the
// entire middleware chain. If the deadline fires before the handler writes
// anything, a 504 is returned. Pass 0 to disable (handler called directly).
func Deadline(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if timeout <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			done := make(chan struct{})
			tw := &deadlineWriter{ResponseWriter: w}

			go func() {
				defer close(done)
				next.ServeHTTP(tw, r.WithContext(ctx))
			}()

			select {
			case <-done:
			case <-ctx.Done():
				if tw.timeout() {
					apierror.WriteJSON(w, r, http.StatusGatewayTimeout, apierror.Timeout, "global request deadline exceeded")
				}
				// Wait for the handler goroutine so it never outlives the request.
				<-done
			}
		})
	}
}

// deadlineWriter serialises the handler's writes against the deadline
// response. Once the deadline has claimed the response, handler writes are
// discarded.
type deadlineWriter struct {
	http.ResponseWriter
	mu       sync.Mutex
	started  bool
	timedOut bool
}

// timeout claims the response for the deadline path. It returns false when
// the handler has already started writing.
func (dw *deadlineWriter) timeout() bool {
	dw.mu.Lock()
	defer dw.mu.Unlock()
	if dw.started {
		return false
	}
	dw.timedOut = true
	return true
}

func (dw *deadlineWriter) WriteHeader(code int) {
	dw.mu.Lock()
	defer dw.mu.Unlock()
	if dw.timedOut || dw.started {
		return
	}
	dw.started = true
	dw.ResponseWriter.WriteHeader(code)
}

func (dw *deadlineWriter) Write(b []byte) (int, error) {
	dw.mu.Lock()
	defer dw.mu.Unlock()
	if dw.timedOut {
		return 0, http.ErrHandlerTimeout
	}
	dw.started = true
	return dw.ResponseWriter.Write(b)
}
