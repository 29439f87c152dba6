package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/opsdesk/conveyor/internal/config"
	"github.com/opsdesk/conveyor/internal/observability"
	"github.com/opsdesk/conveyor/internal/workflow"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Logger       *zap.Logger
	Authenticate func(http.Handler) http.Handler
	Service      *workflow.Service
	Metrics      *observability.Metrics
	Readiness    observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	// Global middleware: applied to all routes including health.
	r.Use(InjectLogger(logger))
	r.Use(Recovery(logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	// Public routes bypass authentication.
	r.Get("/healthz", observability.HandleHealth())
	r.Get("/readyz", observability.HandleReady(deps.Readiness))
	r.Method(http.MethodGet, "/metrics", observability.Handler())

	// Authenticated routes carry the full middleware chain.
	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Group(func(r chi.Router) {
		r.Use(observability.TracingMiddleware)
		r.Use(auth)
		r.Use(BuildRequestContextMiddleware(deps.Config.Identity.ClaimPaths))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))

		r.Post("/v1/workflows", handleWorkflowCreate(deps.Service))
		r.Get("/v1/workflows", handleWorkflowList(deps.Service))
		r.Get("/v1/workflows/{code}", handleWorkflowGet(deps.Service))
		r.Post("/v1/workflows/{code}/tasks/{taskId}", handleTaskUpdate(deps.Service))
		r.Post("/v1/workflows/{code}/tasks/{taskId}/assignments", handleTaskAssign(deps.Service))
		r.Post("/v1/workflows/{code}/cancel", handleWorkflowCancel(deps.Service))
	})

	return r
}
