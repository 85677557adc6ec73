package api

import (
	_ "embed"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/jmcleod/taskboard/session"
	"github.com/jmcleod/taskboard/storage"
	"github.com/jmcleod/taskboard/tasks"
)

const (
	maxAuthBodySize = 16 << 10
	maxTaskBodySize = 64 << 10
)

// API holds the dependencies needed by the REST handlers.
type API struct {
	sessions *session.Manager
	tasks    *tasks.Service
	profiles *profileStore

	sessionMaxAge  time.Duration
	cookieDomain   string
	secureCookies  bool
	trustedProxies []netip.Prefix

	ipLimiter     *ipRateLimiter
	globalLimiter *globalRateLimiter
	audit         *auditLogger
	logger        *slog.Logger
	alertFn       AlertFunc
	webhookURL    string
	webhookAuth   string
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for handlers and audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) { a.logger = logger }
}

// WithSessionMaxAge sets the lifetime requested for new sessions when the
// client does not ask for a shorter one.
func WithSessionMaxAge(d time.Duration) Option {
	return func(a *API) { a.sessionMaxAge = d }
}

// WithCookies sets the attributes of the CSRF cookie to match the session
// cookie.
func WithCookies(domain string, secure bool) Option {
	return func(a *API) {
		a.cookieDomain = domain
		a.secureCookies = secure
	}
}

// WithTrustedProxies lets the rate limiter honor forwarding headers from
// the given networks.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(a *API) { a.trustedProxies = prefixes }
}

// WithAlertFunc registers a callback for anomaly alerts.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) { a.alertFn = fn }
}

// WithAuditWebhook forwards audit events to url. authHeader, if set, is a
// "Header: Value" pair added to every request.
func WithAuditWebhook(url, authHeader string) Option {
	return func(a *API) {
		a.webhookURL = url
		a.webhookAuth = authHeader
	}
}

// New creates a new API instance.
func New(sessions *session.Manager, taskService *tasks.Service, repo storage.Repository, opts ...Option) *API {
	a := &API{
		sessions:      sessions,
		tasks:         taskService,
		profiles:      &profileStore{repo: repo},
		sessionMaxAge: session.DefaultMaxAge,
		ipLimiter:     newIPRateLimiter(),
		globalLimiter: newGlobalRateLimiter(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	a.audit = newAuditLogger(a.logger)
	a.audit.activity = &activityStore{repo: repo}
	if a.alertFn != nil {
		a.audit.metrics = newMetricsCollector(a.alertFn)
	}
	if a.webhookURL != "" {
		a.audit.webhook = newAuditWebhook(a.webhookURL, a.webhookAuth)
	}
	return a
}

// Close flushes pending audit webhook deliveries.
func (a *API) Close() {
	if a.audit != nil && a.audit.webhook != nil {
		a.audit.webhook.close()
	}
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(a.Authenticate)

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		_, _ = w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	r.Post("/auth/session", a.CreateSession)
	r.Post("/auth/logout", a.Logout)
	r.With(RequireAuth).Get("/auth/me", a.Me)
	r.With(RequireAuth).Get("/auth/activity", a.ListActivity)

	r.Route("/tasks", func(r chi.Router) {
		r.Use(RequireAuth)
		r.Use(a.CSRFMiddleware)
		r.Get("/", a.ListTasks)
		r.Post("/", a.CreateTask)
		r.Get("/{taskID}", a.GetTask)
		r.Put("/{taskID}", a.UpdateTask)
		r.Delete("/{taskID}", a.DeleteTask)
	})

	return r
}
