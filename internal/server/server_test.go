package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/churnrisk/internal/churn"
	"github.com/mbd888/churnrisk/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:           "0",
		Env:            "development",
		LogLevel:       "error",
		LogFormat:      "text",
		BatchChunkSize: config.DefaultBatchChunkSize,
		StoreTimeout:   time.Second,
		RescoreLimit:   config.DefaultRescoreLimit,
	}
}

func seededSource() *churn.MemorySource {
	src := churn.NewMemorySource()
	now := time.Now()
	src.PutCustomer(&churn.Customer{
		ID:        "cus_1",
		CompanyID: "co_1",
		CreatedAt: now.AddDate(-1, 0, 0),
		Orders: []churn.Order{
			{ID: "o1", Total: decimal.NewFromInt(30), Status: "COMPLETED", CreatedAt: now.AddDate(0, 0, -75)},
		},
		ActiveSubscriptions: []churn.Subscription{{
			ID: "s1", Status: churn.SubscriptionStatusActive,
			CurrentPeriodStart: now.AddDate(0, 0, -20), CurrentPeriodEnd: now.AddDate(0, 0, 10),
		}},
	})
	return src
}

// newTestServer creates an in-memory server seeded with one customer
func newTestServer(t *testing.T, mutate ...func(*config.Config)) *Server {
	t.Helper()
	cfg := testConfig()
	for _, m := range mutate {
		m(cfg)
	}
	src := seededSource()
	s, err := New(cfg, WithSources(src, src))
	require.NoError(t, err)
	t.Cleanup(func() {
		if s.rateLimiter != nil {
			s.rateLimiter.Stop()
		}
	})
	return s
}

func serve(s *Server, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	s.Router().ServeHTTP(w, req)
	return w
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := serve(s, "GET", "/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "builtin-1", resp.Catalog)
	require.Len(t, resp.Checks, 1)
	assert.Equal(t, "catalog", resp.Checks[0].Name)
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusOK, serve(s, "GET", "/health/live", "").Code)
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	// Server hasn't called Run() so ready is false
	assert.Equal(t, http.StatusServiceUnavailable, serve(s, "GET", "/health/ready", "").Code)

	s.ready.Store(true)
	assert.Equal(t, http.StatusOK, serve(s, "GET", "/health/ready", "").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := serve(s, "GET", "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "churnrisk_catalog_info")
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestChurnRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	expected := []string{
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"POST:/v1/companies/:companyId/customers/:customerId/churn-risk",
		"GET:/v1/companies/:companyId/customers/:customerId/intent",
		"POST:/v1/companies/:companyId/churn-risk/batch",
		"GET:/v1/companies/:companyId/churn-risk/high-risk",
	}

	routeSet := make(map[string]bool)
	for _, route := range s.Router().Routes() {
		routeSet[route.Method+":"+route.Path] = true
	}
	for _, e := range expected {
		assert.True(t, routeSet[e], "route %s not registered", e)
	}
}

// ---------------------------------------------------------------------------
// End-to-end scoring through the router
// ---------------------------------------------------------------------------

func TestScoreThenReadIntent(t *testing.T) {
	s := newTestServer(t)

	w := serve(s, "POST", "/v1/companies/co_1/customers/cus_1/churn-risk", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = serve(s, "GET", "/v1/companies/co_1/customers/cus_1/intent", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Intent churn.Score `json:"intent"`
		Stale  bool        `json:"stale"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "cus_1", resp.Intent.CustomerID)
	assert.False(t, resp.Stale)
	assert.Contains(t, resp.Intent.PrimaryFactors, churn.SignalNewSubscriberRisk)
}

func TestRequestIDPropagates(t *testing.T) {
	s := newTestServer(t)

	w := serve(s, "GET", "/health/live", "", "X-Request-ID", "req-abc")
	assert.Equal(t, "req-abc", w.Header().Get("X-Request-ID"))
}

func TestInvalidIDRejected(t *testing.T) {
	s := newTestServer(t)

	w := serve(s, "POST", "/v1/companies/co_1/customers/bad%20id/churn-risk", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPIKeyRequired(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) { c.APIKey = "sk_test" })

	w := serve(s, "GET", "/v1/companies/co_1/churn-risk/high-risk", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = serve(s, "GET", "/v1/companies/co_1/churn-risk/high-risk", "", "Authorization", "Bearer sk_test")
	assert.Equal(t, http.StatusOK, w.Code)

	// Health stays open for probes.
	assert.Equal(t, http.StatusOK, serve(s, "GET", "/health/live", "").Code)
}

func TestRateLimitPerCompany(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) {
		c.RateLimitRPM = 1
		c.RateLimitBurst = 2
	})

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, serve(s, "GET", "/v1/companies/co_1/churn-risk/high-risk", "").Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, serve(s, "GET", "/v1/companies/co_1/churn-risk/high-risk", "").Code)
	assert.Equal(t, http.StatusOK, serve(s, "GET", "/v1/companies/co_2/churn-risk/high-risk", "").Code)
}

func TestCatalogFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signals.cue")
	require.NoError(t, os.WriteFile(path, []byte(`
version: "ops-7"
signals: {
	time_since_purchase: {baseWeight: 0.3, decayDays: 45}
	feature_usage_decline: {baseWeight: 0.2, decayDays: 30}
	new_subscriber_risk: {baseWeight: 0.5, decayDays: 90}
	order_frequency_analysis: {baseWeight: 0.1, decayDays: 30}
	nps_score_drop: {baseWeight: 0.3, decayDays: 60}
}
`), 0o600))

	s := newTestServer(t, func(c *config.Config) { c.CatalogPath = path })

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(serve(s, "GET", "/health", "").Body.Bytes(), &resp))
	assert.Equal(t, "ops-7", resp.Catalog)
}

func TestBadCatalogFailsStartup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signals.cue")
	require.NoError(t, os.WriteFile(path, []byte(`version: ""`), 0o600))

	cfg := testConfig()
	cfg.CatalogPath = path
	_, err := New(cfg)
	assert.Error(t, err)
}

// ---------------------------------------------------------------------------
// 404 test
// ---------------------------------------------------------------------------

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	w := serve(s, "GET", "/v1/nonexistent", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "not_found")
}

func TestMaskDSN(t *testing.T) {
	masked := maskDSN("postgres://churn:secret@db:5432/churn")
	assert.NotContains(t, masked, "secret")
	assert.Contains(t, masked, "@db:5432/churn")
	assert.Equal(t, "***", maskDSN("://bad"))
}
