package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/pixstudio/genledger/internal/config"
	"github.com/pixstudio/genledger/internal/provider"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// mockProvider implements provider.Client for testing
type mockProvider struct{}

func (m *mockProvider) Submit(ctx context.Context, clientRef string, p provider.SubmitParams) (string, error) {
	return "req_" + clientRef, nil
}

func (m *mockProvider) Poll(ctx context.Context, requestRef string) (*provider.PollResult, error) {
	return &provider.PollResult{
		Status:     provider.StatusSucceeded,
		ResultURLs: []string{"https://cdn.example.com/out.png"},
	}, nil
}

// testConfig returns a minimal in-memory config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:                     "0",
		Env:                      "development",
		LogLevel:                 "error",
		ProviderBaseURL:          "http://localhost:1",
		ProviderAPIKey:           "test-key",
		SignupBonusCredits:       10,
		MaxOutputsPerRequest:     4,
		PerUserMaxConcurrentJobs: 2,
		PollBackoffSequence:      "1,2,3",
		PollMaxWaitSeconds:       180,
		MaxPollAttempts:          40,
		SweepIntervalSeconds:     30,
		SweepGraceSeconds:        60,
		AdminSecret:              "test-admin-secret",
	}
}

// newTestServer creates a server with mock dependencies
func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig(), WithProviderClient(&mockProvider{}))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s
}

func do(s *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	s.router.ServeHTTP(w, req)
	return w
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := do(s, "GET", "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp["status"])
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	if w := do(s, "GET", "/health/live", "", nil); w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	// Server hasn't called Run() so ready is false
	if w := do(s, "GET", "/health/ready", "", nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := s.router.Routes()
	expected := []string{
		"GET:/health",
		"GET:/metrics",
		"GET:/ws",
		"POST:/webhooks/stripe",
		"GET:/api/v1/users/:id/balance",
		"GET:/api/v1/users/:id/ledger",
		"POST:/api/v1/jobs",
		"GET:/api/v1/jobs/:id",
		"POST:/api/v1/jobs/:id/cancel",
		"GET:/api/v1/users/:id/jobs",
		"POST:/api/v1/quote",
		"GET:/api/v1/products",
		"POST:/api/v1/codes/apply",
		"POST:/api/v1/admin/users/:id/adjust",
		"PUT:/api/v1/admin/prices",
	}

	routeSet := make(map[string]bool)
	for _, route := range routes {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Core route %s not registered", e)
		}
	}
}

// ---------------------------------------------------------------------------
// Admin auth tests
// ---------------------------------------------------------------------------

func TestAdminRoutesRequireSecret(t *testing.T) {
	s := newTestServer(t)

	body := `{"amount": 100, "note": "manual top-up"}`
	if w := do(s, "POST", "/api/v1/admin/users/1/adjust", body, nil); w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without secret, got %d", w.Code)
	}

	w := do(s, "POST", "/api/v1/admin/users/1/adjust", body,
		map[string]string{"X-Admin-Secret": "wrong"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 with wrong secret, got %d", w.Code)
	}

	w = do(s, "POST", "/api/v1/admin/users/1/adjust", body,
		map[string]string{"X-Admin-Secret": "test-admin-secret"})
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 with correct secret, got %d: %s", w.Code, w.Body.String())
	}
}

// ---------------------------------------------------------------------------
// End-to-end job flow
// ---------------------------------------------------------------------------

func TestJobFlowAgainstMemoryStores(t *testing.T) {
	s := newTestServer(t)
	admin := map[string]string{"X-Admin-Secret": "test-admin-secret"}

	// Seed a price and fund the user.
	if w := do(s, "PUT", "/api/v1/admin/prices",
		`{"modelKey":"photon","optionKey":"base","credits":10,"active":true}`, admin); w.Code != http.StatusOK {
		t.Fatalf("failed to seed price: %d %s", w.Code, w.Body.String())
	}
	if w := do(s, "POST", "/api/v1/admin/users/1/adjust",
		`{"amount": 100, "note": "test funds"}`, admin); w.Code != http.StatusOK {
		t.Fatalf("failed to fund user: %d %s", w.Code, w.Body.String())
	}

	// Create a job; the mock provider succeeds immediately on poll.
	w := do(s, "POST", "/api/v1/jobs",
		`{"userId":1,"modelKey":"photon","prompt":"a lighthouse at dusk"}`, nil)
	if w.Code != http.StatusCreated && w.Code != http.StatusOK {
		t.Fatalf("job create failed: %d %s", w.Code, w.Body.String())
	}

	var created struct {
		ID    string `json:"id"`
		State string `json:"state"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("failed to parse job: %v", err)
	}
	if created.ID == "" {
		t.Fatal("expected a job ID")
	}

	// Resolve the job to completion.
	w = do(s, "POST", "/api/v1/jobs/"+created.ID+"/resolve", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("resolve failed: %d %s", w.Code, w.Body.String())
	}
	var resolved struct {
		State      string   `json:"state"`
		ResultURLs []string `json:"resultUrls"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resolved); err != nil {
		t.Fatalf("failed to parse resolved job: %v", err)
	}
	if resolved.State != "succeeded" {
		t.Errorf("expected succeeded, got %s", resolved.State)
	}

	// The debit must show in the balance.
	w = do(s, "GET", "/api/v1/users/1/balance", "", nil)
	var bal struct {
		Balance int64 `json:"balance"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &bal); err != nil {
		t.Fatalf("failed to parse balance: %v", err)
	}
	if bal.Balance != 90 {
		t.Errorf("expected balance 90 after a 10-credit job, got %d", bal.Balance)
	}
}

// ---------------------------------------------------------------------------
// 404 test
// ---------------------------------------------------------------------------

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	if w := do(s, "GET", "/api/v1/nonexistent", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}
