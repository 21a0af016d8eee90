package middleware

import (
	"net/http"

	"github.com/dskow/taskrouter/internal/apierror"
)

// BodyLimit caps task submissions at maxBytes. A declared Content-Length
// over the cap is refused before the handler runs; otherwise the body is
// wrapped in http.MaxBytesReader and the decoder surfaces the overflow.
func BodyLimit(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch {
			case r.ContentLength > maxBytes:
				WriteBodyLimitError(w, r)
				return
			case r.Body != nil && r.Body != http.NoBody:
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WriteBodyLimitError answers 413 with an INVALID_INPUT body.
func WriteBodyLimitError(w http.ResponseWriter, r *http.Request) {
	apierror.WriteJSON(w, r, http.StatusRequestEntityTooLarge, apierror.InvalidInput, "task body is larger than the configured limit")
}
