package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dskow/taskrouter/internal/apierror"
	"github.com/dskow/taskrouter/internal/middleware"
)

// Mount is an operational endpoint served outside the task middleware
// (health, admin, metrics). It still gets recovery, request ids, security
// headers, logging and metrics.
type Mount struct {
	Pattern string
	Handler http.Handler
}

// RouterOptions configures the middleware stack around the task API.
type RouterOptions struct {
	Logger       *slog.Logger
	MaxBodyBytes int64
	Timeout      time.Duration
	CORSOrigins  []string
	// Ingress admits task requests per tenant; nil disables admission.
	Ingress func(http.Handler) http.Handler
	// BodyLogging enables redacted request/response body logging.
	BodyLogging *middleware.LoggingConfig
	Mounts      []Mount
}

// NewRouter assembles the HTTP surface:
//
//	Recovery → RequestID → SecurityHeaders → Logging → Metrics → CORS
//	  ├─ operational mounts
//	  └─ BodyLimit → Deadline → Ingress → task API
//
// CORS sits on the root so preflight requests are answered before chi
// reports the OPTIONS method as not allowed. A zero MaxBodyBytes leaves
// bodies unbounded.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	quiet := make([]string, 0, len(opts.Mounts))
	for _, m := range opts.Mounts {
		quiet = append(quiet, m.Pattern)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recovery(opts.Logger))
	r.Use(middleware.RequestID)
	r.Use(middleware.SecurityHeaders())
	r.Use(middleware.Logging(opts.Logger, middleware.ProbeLogLevel(quiet...), opts.BodyLogging))
	r.Use(middleware.Metrics)
	r.Use(middleware.CORS(opts.CORSOrigins))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.InvalidInput, "no route for "+r.URL.Path)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		apierror.WriteJSON(w, r, http.StatusMethodNotAllowed, apierror.InvalidInput, "method "+r.Method+" not allowed")
	})

	for _, m := range opts.Mounts {
		r.Handle(m.Pattern, m.Handler)
	}

	r.Group(func(r chi.Router) {
		if opts.MaxBodyBytes > 0 {
			r.Use(middleware.BodyLimit(opts.MaxBodyBytes))
		}
		r.Use(middleware.Deadline(opts.Timeout))
		if opts.Ingress != nil {
			r.Use(opts.Ingress)
		}
		h.Routes(r)
	})

	return r
}
