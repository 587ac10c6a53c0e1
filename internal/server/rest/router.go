package rest

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tripwire/bpffs/internal/namespace"
)

// RouterOption configures NewRouter.
type RouterOption func(*routerConfig)

type routerConfig struct {
	auth    *JWTConfig
	metrics http.Handler
	events  http.Handler
}

// WithAuth protects /api/v1 with JWT bearer tokens.
func WithAuth(cfg JWTConfig) RouterOption {
	return func(c *routerConfig) { c.auth = &cfg }
}

// WithMetrics serves h on /metrics.
func WithMetrics(h http.Handler) RouterOption {
	return func(c *routerConfig) { c.metrics = h }
}

// WithEvents serves the lifecycle event stream h on /api/v1/events.
func WithEvents(h http.Handler) RouterOption {
	return func(c *routerConfig) { c.events = h }
}

// NewRouter returns the bpffsd HTTP API.
//
//	GET    /healthz                          liveness (no auth)
//	GET    /metrics                          Prometheus metrics (no auth)
//	GET    /api/v1/functions                 list functions
//	POST   /api/v1/functions                 create {"name": ...}
//	GET    /api/v1/functions/{name}          describe
//	DELETE /api/v1/functions/{name}          destroy
//	GET    /api/v1/functions/{name}/source   read source
//	PUT    /api/v1/functions/{name}/source   write source
//	GET    /api/v1/functions/{name}/type     read kind
//	PUT    /api/v1/functions/{name}/type     write kind, compile and load
//	GET    /api/v1/functions/{name}/error    last diagnostic
//	GET    /api/v1/functions/{name}/fd       handle location while loaded
//	POST   /api/v1/functions/{name}/attach   attach {"event": ...}
//	POST   /api/v1/functions/{name}/detach   detach
//	GET    /api/v1/trace                     buffered trace_pipe lines
//	GET    /api/v1/events[?function=NAME]    WebSocket stream of transitions
func NewRouter(srv *Server, opts ...RouterOption) http.Handler {
	var cfg routerConfig
	for _, o := range opts {
		o(&cfg)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)
	if cfg.metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.auth != nil {
			r.Use(JWTMiddleware(*cfg.auth))
		}

		r.Get("/trace", srv.handleTrace)
		if cfg.events != nil {
			r.Method(http.MethodGet, "/events", cfg.events)
		}
		r.Route("/functions", func(r chi.Router) {
			r.Get("/", srv.handleList)
			r.Post("/", srv.handleCreate)
			r.Route("/{name}", func(r chi.Router) {
				r.Get("/", srv.handleDescribe)
				r.Delete("/", srv.handleRemove)
				r.Get("/source", srv.handleRead(namespace.RoleSource))
				r.Put("/source", srv.handleWrite(namespace.RoleSource))
				r.Get("/type", srv.handleRead(namespace.RoleType))
				r.Put("/type", srv.handleWrite(namespace.RoleType))
				r.Get("/error", srv.handleError)
				r.Get("/fd", srv.handleFD)
				r.Post("/attach", srv.handleAttach)
				r.Post("/detach", srv.handleDetach)
			})
		})
	})

	return r
}
