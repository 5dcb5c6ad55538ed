package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/stocksync/api/internal/platform/httpx"
)

// RouteRegistrar registers a set of routes against the provided router.
type RouteRegistrar func(r chi.Router)

type routerConfig struct {
	basePath    string
	middlewares []func(http.Handler) http.Handler
	health      *HealthHandlers

	metricsPath    string
	metricsHandler http.Handler

	tenant   []RouteRegistrar
	webhooks RouteRegistrar
	internal RouteRegistrar

	tenantMiddlewares   []func(http.Handler) http.Handler
	internalMiddlewares []func(http.Handler) http.Handler
}

// Option customises the router configuration before construction.
type Option func(*routerConfig)

const (
	defaultAPIPrefix  = "/api/v1"
	defaultTimeout    = 60 * time.Second
	errorNotFoundCode = "route_not_found"
)

// NewRouter constructs the chi router with shared middleware and the route groups:
// tenant routes behind the tenant middlewares, /webhooks (each route verifies its own sender)
// and /internal behind the internal middlewares.
func NewRouter(opts ...Option) chi.Router {
	cfg := routerConfig{
		basePath: defaultAPIPrefix,
		middlewares: []func(http.Handler) http.Handler{
			middleware.RequestID,
			middleware.RealIP,
			middleware.Timeout(defaultTimeout),
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	for _, mw := range cfg.middlewares {
		if mw != nil {
			r.Use(mw)
		}
	}

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError(errorNotFoundCode, fmt.Sprintf("no route for %s", req.URL.Path), http.StatusNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("method_not_allowed", fmt.Sprintf("method %s not allowed on %s", req.Method, req.URL.Path), http.StatusMethodNotAllowed))
	})

	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)
	if cfg.metricsHandler != nil && cfg.metricsPath != "" {
		r.Method(http.MethodGet, cfg.metricsPath, cfg.metricsHandler)
	}

	r.Route(cfg.basePath, func(api chi.Router) {
		api.Group(func(tenant chi.Router) {
			for _, mw := range cfg.tenantMiddlewares {
				if mw != nil {
					tenant.Use(mw)
				}
			}
			for _, registrar := range cfg.tenant {
				if registrar != nil {
					registrar(tenant)
				}
			}
		})
		mount(api, "/webhooks", cfg.webhooks, "webhooks", nil)
		mount(api, "/internal", cfg.internal, "internal", cfg.internalMiddlewares)
	})

	return r
}

func mount(api chi.Router, path string, registrar RouteRegistrar, name string, groupMW []func(http.Handler) http.Handler) {
	api.Route(path, func(group chi.Router) {
		for _, mw := range groupMW {
			if mw != nil {
				group.Use(mw)
			}
		}
		if registrar != nil {
			registrar(group)
			return
		}
		registerNotImplemented(group, name)
	})
}

// WithMiddlewares appends additional global middleware to the router.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithHealthHandlers overrides the handlers used for /healthz and /readyz endpoints.
func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) {
		cfg.health = h
	}
}

// WithMetricsHandler serves the Prometheus scrape endpoint at path, outside the API prefix.
func WithMetricsHandler(path string, handler http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.metricsPath = path
		cfg.metricsHandler = handler
	}
}

// WithTenantRoutes adds registrars for endpoints operated by an authenticated tenant.
func WithTenantRoutes(reg ...RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.tenant = append(cfg.tenant, reg...)
	}
}

// WithTenantMiddlewares configures middlewares applied to tenant routes, typically authentication.
func WithTenantMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.tenantMiddlewares = append(cfg.tenantMiddlewares, mw...)
	}
}

// WithWebhookRoutes configures the registrar responsible for webhook endpoints.
func WithWebhookRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.webhooks = reg
	}
}

// WithInternalRoutes configures the registrar responsible for internal endpoints.
func WithInternalRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.internal = reg
	}
}

// WithInternalMiddlewares configures middlewares applied to the /internal group.
func WithInternalMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.internalMiddlewares = append(cfg.internalMiddlewares, mw...)
	}
}

func registerNotImplemented(r chi.Router, name string) {
	handler := func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("not_implemented", fmt.Sprintf("%s routes not implemented", name), http.StatusNotImplemented))
	}
	r.HandleFunc("/*", handler)
	r.HandleFunc("/", handler)
}
