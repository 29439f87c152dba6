// Package integration provides a reusable test harness for end-to-end
// integration testing of the workflow engine. It starts a full HTTP server
// with an in-memory instance store, a live continuation worker, and a test
// JWT issuer.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/opsdesk/conveyor/internal/config"
	"github.com/opsdesk/conveyor/internal/definition"
	"github.com/opsdesk/conveyor/internal/directory"
	"github.com/opsdesk/conveyor/internal/handler"
	"github.com/opsdesk/conveyor/internal/observability"
	"github.com/opsdesk/conveyor/internal/queue"
	"github.com/opsdesk/conveyor/internal/transport"
	"github.com/opsdesk/conveyor/internal/workflow"
	"github.com/opsdesk/conveyor/model"
)

// TestHarness encapsulates a fully wired engine instance for integration
// testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Registry *definition.Registry
	Handlers *handler.Registry
	Store    *workflow.MemoryInstanceStore
	Queue    *queue.MemoryQueue
	Service  *workflow.Service

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	definitionDirs []string
	users          []model.User
	handlers       []handler.Handler
	handlerTimeout time.Duration
	maxAttempts    int
	baseBackoff    time.Duration
}

// WithDefinitions sets the definition directories to load. Relative paths
// are resolved from the testdata directory.
func WithDefinitions(dirs ...string) HarnessOption {
	return func(c *harnessConfig) {
		c.definitionDirs = dirs
	}
}

// WithUsers replaces the default directory users.
func WithUsers(users ...model.User) HarnessOption {
	return func(c *harnessConfig) {
		c.users = users
	}
}

// WithHandler registers an additional automatic-task handler.
func WithHandler(h handler.Handler) HarnessOption {
	return func(c *harnessConfig) {
		c.handlers = append(c.handlers, h)
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// WithRetryPolicy sets the continuation queue retry budget.
func WithRetryPolicy(maxAttempts int, baseBackoff time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.maxAttempts = maxAttempts
		c.baseBackoff = baseBackoff
	}
}

// NewTestHarness creates and starts a full engine test instance, including
// the background continuation worker. Everything is cleaned up when the
// test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout: 10 * time.Second,
		maxAttempts:    2,
		baseBackoff:    10 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(hc)
	}

	if len(hc.definitionDirs) == 0 {
		hc.definitionDirs = []string{filepath.Join(testdataDir(), "definitions")}
	}
	if len(hc.users) == 0 {
		hc.users = []model.User{
			{ID: "user-carol", Name: "Carol", Email: "carol@fund.example.org", Roles: []string{"finance-officer"}, Active: true},
			{ID: "user-dave", Name: "Dave", Email: "dave@fund.example.org", Roles: []string{"auditor"}, Active: true},
		}
	}

	h := &TestHarness{t: t}
	logger := zap.NewNop()
	metrics := observability.InitMetrics(prometheus.NewRegistry())

	// Step 1: Register handlers.
	h.Handlers = handler.NewRegistry()
	h.Handlers.Register(handler.ValidateRequiredFields{})
	h.Handlers.Register(recordPledgeHandler{})
	for _, hd := range hc.handlers {
		h.Handlers.Register(hd)
	}

	// Step 2: Load and validate definitions.
	loader := definition.NewLoader()
	defs, err := loader.LoadAll(hc.definitionDirs)
	if err != nil {
		t.Fatalf("load definitions: %v", err)
	}
	verrs := definition.NewValidator().Validate(defs, definition.HandlerSetFunc(func(name string) bool {
		_, ok := h.Handlers.Resolve(name)
		return ok
	}))
	if len(verrs) > 0 {
		t.Fatalf("definition validation: %v", verrs)
	}
	h.Registry = definition.NewRegistry(defs)

	// Step 3: Build the service on in-memory infrastructure.
	h.Store = workflow.NewMemoryInstanceStore()
	h.Queue = queue.NewMemoryQueue()
	resolver := directory.NewStaticResolver(hc.users, time.Minute)
	materializer := workflow.NewMaterializer(h.Handlers, resolver, metrics, logger)
	producer := queue.NewProducer(h.Queue, metrics)
	h.Service = workflow.NewService(h.Registry, h.Store, materializer, workflow.NewDispatcher(), producer, metrics, logger)

	// Step 4: Run the continuation worker for the duration of the test.
	workerCtx, workerCancel := context.WithCancel(context.Background())
	worker := queue.NewWorker(
		h.Queue,
		h.Service,
		queue.Options{MaxAttempts: hc.maxAttempts, BaseBackoff: hc.baseBackoff},
		2,
		metrics,
		logger,
	)
	go worker.Run(workerCtx)
	t.Cleanup(workerCancel)

	// Step 5: Create JWT issuer and config.
	h.issuer = newTokenIssuer(t)
	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.CORS = config.CORSConfig{
		AllowedOrigins: []string{"http://localhost:3000"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id"},
		MaxAge:         86400,
	}
	h.cfg.Identity = config.IdentityConfig{
		Issuer:       h.issuer.Issuer(),
		Audience:     h.issuer.Audience(),
		JWKSURL:      h.issuer.JWKSURL(),
		JWKSCacheTTL: time.Hour,
		Algorithms:   []string{"RS256"},
		ClaimPaths: map[string]string{
			"subject_id": "sub",
			"email":      "email",
			"roles":      "roles",
		},
	}

	// Step 6: Build router and start the test server.
	jwks := transport.NewJWKSClient(h.issuer.JWKSURL(), time.Hour, zap.NewNop())
	router := transport.NewRouter(transport.Dependencies{
		Config:       h.cfg,
		Authenticate: transport.JWTAuthenticator(h.cfg.Identity, jwks),
		Service:      h.Service,
		Metrics:      metrics,
		Readiness: observability.ReadinessChecks{
			DefinitionsLoaded: func() bool { return h.Registry.Len() > 0 },
		},
	})

	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, nil)
}

// GETWithHeaders performs an authenticated GET request with additional headers.
func (h *TestHarness) GETWithHeaders(path, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, headers)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, nil)
}

// POSTWithHeaders performs an authenticated POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, headers)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	url := h.server.URL + path

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, url, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{
		Timeout: 10 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// ReadBody reads and returns the response body as bytes.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	return data
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// WaitFor polls the condition until it returns true or the deadline
// expires. Step continuations run on the background worker, so tests use
// this to observe asynchronous state changes.
func (h *TestHarness) WaitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

// Instance fetches the instance directly from the store.
func (h *TestHarness) Instance(t *testing.T, id string) *workflow.WorkflowInstance {
	t.Helper()
	inst, err := h.Store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get instance %s: %v", id, err)
	}
	return inst
}

// --- Default test claims ---

// InitiatorClaims returns TestClaims for the employee who files requests.
func InitiatorClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-alice",
		Email:     "alice@fund.example.org",
		Roles:     []string{"employee"},
	}
}

// FinanceClaims returns TestClaims for a finance-officer user.
func FinanceClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-carol",
		Email:     "carol@fund.example.org",
		Roles:     []string{"finance-officer"},
	}
}

// AuditorClaims returns TestClaims for an auditor user.
func AuditorClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-dave",
		Email:     "dave@fund.example.org",
		Roles:     []string{"auditor"},
	}
}

// --- Helpers ---

// testdataDir returns the absolute path to the testdata directory.
func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}

// PledgeRequest returns a request payload that passes the pledge
// validation checklist.
func PledgeRequest() map[string]any {
	return map[string]any{
		"donor_id": "donor-77",
		"amount":   2500.00,
		"currency": "USD",
	}
}

// recordPledgeHandler is the terminal automatic task of the pledge
// fixture. It echoes a ledger reference so tests can assert result data
// flows through.
type recordPledgeHandler struct{}

func (recordPledgeHandler) Name() string { return "record_pledge" }

func (recordPledgeHandler) Handle(
	_ context.Context,
	_ handler.Task,
	requestData map[string]any,
	_ model.WorkflowDefinition,
) (map[string]any, error) {
	return map[string]any{
		"ledger_ref": fmt.Sprintf("LEDGER-%v", requestData["donor_id"]),
	}, nil
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
