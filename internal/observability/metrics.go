package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	jobDurationBuckets  = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	bodySizeBuckets     = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the engine.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Workflow metrics
	WorkflowStartsTotal      *prometheus.CounterVec
	WorkflowCompletionsTotal *prometheus.CounterVec
	WorkflowActiveInstances  *prometheus.GaugeVec
	StepMaterializationsTotal *prometheus.CounterVec
	TaskTransitionsTotal     *prometheus.CounterVec
	HandlerExecutionsTotal   *prometheus.CounterVec
	HandlerDuration          *prometheus.HistogramVec

	// Continuation queue metrics
	QueueJobsEnqueuedTotal *prometheus.CounterVec
	QueueJobsProcessedTotal *prometheus.CounterVec
	QueueRetriesTotal      *prometheus.CounterVec
	QueueDeadLettersTotal  *prometheus.CounterVec
	QueueJobDuration       *prometheus.HistogramVec

	// System metrics
	DefinitionReloadTotal *prometheus.CounterVec
	DefinitionsLoaded     prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conveyor_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conveyor_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conveyor_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conveyor_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Workflows
		WorkflowStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conveyor_workflow_starts_total",
			Help: "Total number of workflow instances started.",
		}, []string{"workflow_type"}),
		WorkflowCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conveyor_workflow_completions_total",
			Help: "Total number of workflow instances reaching a terminal status.",
		}, []string{"workflow_type", "final_status"}),
		WorkflowActiveInstances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "conveyor_workflow_active_instances",
			Help: "Number of non-terminal workflow instances.",
		}, []string{"workflow_type"}),
		StepMaterializationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conveyor_step_materializations_total",
			Help: "Total number of step materializations.",
		}, []string{"workflow_type"}),
		TaskTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conveyor_task_transitions_total",
			Help: "Total number of task status transitions.",
		}, []string{"workflow_type", "new_status"}),
		HandlerExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conveyor_handler_executions_total",
			Help: "Total number of automatic task handler executions.",
		}, []string{"handler", "outcome"}),
		HandlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conveyor_handler_duration_seconds",
			Help:    "Automatic task handler execution duration in seconds.",
			Buckets: jobDurationBuckets,
		}, []string{"handler"}),

		// Queue
		QueueJobsEnqueuedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conveyor_queue_jobs_enqueued_total",
			Help: "Total number of continuation jobs enqueued.",
		}, []string{"job"}),
		QueueJobsProcessedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conveyor_queue_jobs_processed_total",
			Help: "Total number of continuation jobs processed.",
		}, []string{"job", "outcome"}),
		QueueRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conveyor_queue_retries_total",
			Help: "Total number of continuation job retries.",
		}, []string{"job"}),
		QueueDeadLettersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conveyor_queue_dead_letters_total",
			Help: "Total number of jobs moved to the dead-letter queue.",
		}, []string{"job"}),
		QueueJobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conveyor_queue_job_duration_seconds",
			Help:    "Continuation job processing duration in seconds.",
			Buckets: jobDurationBuckets,
		}, []string{"job"}),

		// System
		DefinitionReloadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conveyor_definition_reload_total",
			Help: "Total definition reloads.",
		}, []string{"status"}),
		DefinitionsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "conveyor_definitions_loaded",
			Help: "Number of loaded workflow definitions.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Workflows
		m.WorkflowStartsTotal,
		m.WorkflowCompletionsTotal,
		m.WorkflowActiveInstances,
		m.StepMaterializationsTotal,
		m.TaskTransitionsTotal,
		m.HandlerExecutionsTotal,
		m.HandlerDuration,
		// Queue
		m.QueueJobsEnqueuedTotal,
		m.QueueJobsProcessedTotal,
		m.QueueRetriesTotal,
		m.QueueDeadLettersTotal,
		m.QueueJobDuration,
		// System
		m.DefinitionReloadTotal,
		m.DefinitionsLoaded,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordWorkflowStart records a workflow instance start.
func (m *Metrics) RecordWorkflowStart(workflowType string) {
	m.WorkflowStartsTotal.WithLabelValues(workflowType).Inc()
	m.WorkflowActiveInstances.WithLabelValues(workflowType).Inc()
}

// RecordWorkflowCompletion records an instance reaching a terminal status.
func (m *Metrics) RecordWorkflowCompletion(workflowType, finalStatus string) {
	m.WorkflowCompletionsTotal.WithLabelValues(workflowType, finalStatus).Inc()
	m.WorkflowActiveInstances.WithLabelValues(workflowType).Dec()
}

// RecordStepMaterialization records a step materialization.
func (m *Metrics) RecordStepMaterialization(workflowType string) {
	m.StepMaterializationsTotal.WithLabelValues(workflowType).Inc()
}

// RecordTaskTransition records a task status transition.
func (m *Metrics) RecordTaskTransition(workflowType, newStatus string) {
	m.TaskTransitionsTotal.WithLabelValues(workflowType, newStatus).Inc()
}

// RecordHandlerExecution records an automatic task handler execution.
func (m *Metrics) RecordHandlerExecution(handlerName, outcome string, duration time.Duration) {
	m.HandlerExecutionsTotal.WithLabelValues(handlerName, outcome).Inc()
	m.HandlerDuration.WithLabelValues(handlerName).Observe(duration.Seconds())
}

// RecordJobEnqueued records a continuation job enqueue.
func (m *Metrics) RecordJobEnqueued(job string) {
	m.QueueJobsEnqueuedTotal.WithLabelValues(job).Inc()
}

// RecordJobProcessed records a processed continuation job.
func (m *Metrics) RecordJobProcessed(job, outcome string, duration time.Duration) {
	m.QueueJobsProcessedTotal.WithLabelValues(job, outcome).Inc()
	m.QueueJobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// RecordJobRetry records a continuation job retry.
func (m *Metrics) RecordJobRetry(job string) {
	m.QueueRetriesTotal.WithLabelValues(job).Inc()
}

// RecordJobDeadLettered records a job exhausted into the dead-letter queue.
func (m *Metrics) RecordJobDeadLettered(job string) {
	m.QueueDeadLettersTotal.WithLabelValues(job).Inc()
}

// RecordDefinitionReload records a definition reload.
func (m *Metrics) RecordDefinitionReload(status string) {
	m.DefinitionReloadTotal.WithLabelValues(status).Inc()
}

// SetDefinitionsLoaded sets the number of loaded definitions.
func (m *Metrics) SetDefinitionsLoaded(count float64) {
	m.DefinitionsLoaded.Set(count)
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
