package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/velar-health/velar/pkg/breaker"
	"github.com/velar-health/velar/pkg/budget"
	"github.com/velar-health/velar/pkg/config"
	"github.com/velar-health/velar/pkg/gateway"
	"github.com/velar-health/velar/pkg/metrics"
	"github.com/velar-health/velar/pkg/models"
	"github.com/velar-health/velar/pkg/policy"
	"github.com/velar-health/velar/pkg/quality"
)

const serverPolicy = `
llm:
  primary_provider: claude
  fallback_provider: ollama
  budgets:
    monthly_cents: 10000
    max_requests_per_hour: 100
sovereignty:
  egress:
    default: allow
privacy:
  phi:
    enabled: false
`

// fakeAdapter satisfies gateway.Adapter and records what it saw.
type fakeAdapter struct {
	name string
	text string
	err  error

	mu     sync.Mutex
	calls  int
	lastID string
	last   models.GenerateRequest
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Generate(ctx context.Context, req *models.GenerateRequest) (*models.GenerateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.last = *req
	f.lastID = gateway.RequestID(ctx)
	if f.err != nil {
		return nil, f.err
	}
	return &models.GenerateResponse{
		OK:        true,
		Text:      f.text,
		Usage:     models.Usage{TokensIn: 12, TokensOut: 34},
		LatencyMs: 7,
		Provider:  f.name,
		Model:     req.Model,
	}, nil
}

func (f *fakeAdapter) Stream(ctx context.Context, req *models.GenerateRequest) error {
	return gateway.ErrStreamingUnsupported
}

func (f *fakeAdapter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestServer(t *testing.T, adapters map[string]gateway.Adapter, mutate func(*config.Config)) (*Server, *metrics.Collector) {
	t.Helper()

	snap, err := policy.Parse([]byte(serverPolicy))
	if err != nil {
		t.Fatalf("parse policy: %v", err)
	}
	enf := policy.NewEnforcer(snap)

	cfg := config.Default()
	cfg.Limits.PerClientRPS = 0 // tests opt in to rate limiting explicitly
	if mutate != nil {
		mutate(cfg)
	}

	m := metrics.NewCollector()
	return New(cfg, adapters, quality.NewGate(enf), enf, m), m
}

func postGenerate(srv *Server, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/generate", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func TestGenerateRoutesToPrimary(t *testing.T) {
	claude := &fakeAdapter{name: "claude", text: "The assessment shows steady improvement."}
	ollama := &fakeAdapter{name: "ollama", text: "fallback text"}
	srv, _ := newTestServer(t, map[string]gateway.Adapter{"claude": claude, "ollama": ollama}, nil)

	w := postGenerate(srv, `{"prompt":"summarize the visit"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	var resp models.GenerateResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.OK || resp.Provider != "claude" {
		t.Errorf("expected ok response from claude, got ok=%v provider=%q", resp.OK, resp.Provider)
	}
	if resp.Quality != nil {
		t.Error("quality must not be attached without the evaluate header")
	}
	if claude.callCount() != 1 || ollama.callCount() != 0 {
		t.Errorf("calls: claude=%d ollama=%d, want 1/0", claude.callCount(), ollama.callCount())
	}
	if claude.last.Prompt != "summarize the visit" {
		t.Errorf("prompt not passed through: %q", claude.last.Prompt)
	}
}

func TestGenerateForcedProvider(t *testing.T) {
	claude := &fakeAdapter{name: "claude", text: "primary"}
	ollama := &fakeAdapter{name: "ollama", text: "forced"}
	srv, _ := newTestServer(t, map[string]gateway.Adapter{"claude": claude, "ollama": ollama}, nil)

	w := postGenerate(srv, `{"provider":"ollama","prompt":"hi"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if ollama.callCount() != 1 || claude.callCount() != 0 {
		t.Errorf("forced provider not honored: claude=%d ollama=%d", claude.callCount(), ollama.callCount())
	}
}

func TestGenerateUnknownProvider(t *testing.T) {
	claude := &fakeAdapter{name: "claude"}
	srv, _ := newTestServer(t, map[string]gateway.Adapter{"claude": claude}, nil)

	w := postGenerate(srv, `{"provider":"mystral","prompt":"hi"}`, nil)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, gateway.CategoryUnsupported) || !strings.Contains(body, "mystral") {
		t.Errorf("body should name the category and provider: %s", body)
	}
	if claude.callCount() != 0 {
		t.Error("no adapter call expected for an unknown provider")
	}
}

func TestStreamRejected(t *testing.T) {
	claude := &fakeAdapter{name: "claude"}
	srv, _ := newTestServer(t, map[string]gateway.Adapter{"claude": claude}, nil)

	w := postGenerate(srv, `{"prompt":"hi","stream":true}`, nil)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", w.Code)
	}
	if !strings.Contains(w.Body.String(), gateway.CategoryUnsupported) {
		t.Errorf("body should carry the unsupported category: %s", w.Body.String())
	}
	if claude.callCount() != 0 {
		t.Error("stream requests must be rejected before reaching an adapter")
	}
}

func TestGenerateErrorStatuses(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		status   int
		category string
	}{
		{"budget", fmt.Errorf("claude: %w", budget.ErrExceeded), http.StatusTooManyRequests, gateway.CategoryBudgetDenied},
		{"circuit", fmt.Errorf("claude: %w", breaker.ErrOpen), http.StatusServiceUnavailable, gateway.CategoryCircuitOpen},
		{"policy", &policy.Violation{Rule: policy.RuleEgress, Message: "host not allowed"}, http.StatusForbidden, gateway.CategoryPolicyDenied},
		{"stub", fmt.Errorf("provider %q: %w", "claude", gateway.ErrNotImplemented), http.StatusUnprocessableEntity, gateway.CategoryUnsupported},
		{"upstream", &gateway.ProviderError{Provider: "claude", Status: 500, Message: "boom"}, http.StatusBadGateway, gateway.CategoryProviderFailed},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			failing := &fakeAdapter{name: "claude", err: tc.err}
			srv, _ := newTestServer(t, map[string]gateway.Adapter{"claude": failing}, nil)

			w := postGenerate(srv, `{"prompt":"hi"}`, nil)
			if w.Code != tc.status {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tc.status, w.Body.String())
			}
			if !strings.Contains(w.Body.String(), tc.category) {
				t.Errorf("body should carry category %q: %s", tc.category, w.Body.String())
			}
		})
	}
}

func TestRequestIDEchoed(t *testing.T) {
	claude := &fakeAdapter{name: "claude", text: "ok then"}
	srv, _ := newTestServer(t, map[string]gateway.Adapter{"claude": claude}, nil)

	w := postGenerate(srv, `{"prompt":"hi"}`, map[string]string{"X-Request-ID": "req-42"})
	if got := w.Header().Get("X-Request-ID"); got != "req-42" {
		t.Errorf("inbound request id not echoed: %q", got)
	}
	if claude.lastID != "req-42" {
		t.Errorf("adapter saw request id %q, want req-42", claude.lastID)
	}

	w = postGenerate(srv, `{"prompt":"hi"}`, nil)
	generated := w.Header().Get("X-Request-ID")
	if generated == "" {
		t.Fatal("expected a generated request id")
	}
	if claude.lastID != generated {
		t.Errorf("adapter saw %q, response header %q", claude.lastID, generated)
	}
}

func TestEvaluateHeaderAttachesQuality(t *testing.T) {
	// "ok" scores far below the default threshold, so the verdict comes
	// with an advisory fallback reason.
	claude := &fakeAdapter{name: "claude", text: "ok"}
	srv, _ := newTestServer(t, map[string]gateway.Adapter{"claude": claude}, nil)

	w := postGenerate(srv, `{"prompt":"summarize"}`, map[string]string{evaluateHeader: "1"})
	if w.Code != http.StatusOK {
		t.Fatalf("advisory evaluation must not block the response: %d", w.Code)
	}

	var resp models.GenerateResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Quality == nil {
		t.Fatal("expected a quality verdict on the response")
	}
	if resp.Quality.Total < 0 || resp.Quality.Total > 100 {
		t.Errorf("quality total out of range: %d", resp.Quality.Total)
	}

	advised := w.Header().Get("X-Velar-Fallback-Advised")
	if !strings.Contains(advised, "below threshold") || !strings.Contains(advised, "ollama") {
		t.Errorf("advisory header should explain the fallback: %q", advised)
	}
}

func TestRateLimitPerClient(t *testing.T) {
	claude := &fakeAdapter{name: "claude", text: "fine"}
	srv, _ := newTestServer(t, map[string]gateway.Adapter{"claude": claude}, func(cfg *config.Config) {
		cfg.Limits.PerClientRPS = 0.001
		cfg.Limits.PerClientBurst = 2
	})

	keyA := map[string]string{"X-API-Key": "client-a"}
	for i := 0; i < 2; i++ {
		if w := postGenerate(srv, `{"prompt":"hi"}`, keyA); w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i+1, w.Code)
		}
	}
	w := postGenerate(srv, `{"prompt":"hi"}`, keyA)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("third request: status = %d, want 429", w.Code)
	}
	if !strings.Contains(w.Body.String(), "rate_limited") {
		t.Errorf("body should carry the rate_limited category: %s", w.Body.String())
	}

	// A different client has its own bucket.
	if w := postGenerate(srv, `{"prompt":"hi"}`, map[string]string{"X-API-Key": "client-b"}); w.Code != http.StatusOK {
		t.Errorf("separate client throttled: status = %d", w.Code)
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, map[string]gateway.Adapter{"claude": &fakeAdapter{name: "claude"}}, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var health struct {
		Status       string `json:"status"`
		Providers    int    `json:"providers"`
		PolicyDigest string `json:"policy_digest"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health.Status != "ok" || health.Providers != 1 || health.PolicyDigest == "" {
		t.Errorf("unexpected health body: %+v", health)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, m := newTestServer(t, map[string]gateway.Adapter{}, nil)
	m.Record("claude", 12*time.Millisecond, false, 5, 7)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("content type = %q", ct)
	}
	if !strings.Contains(w.Body.String(), "velar_requests_total 1") {
		t.Errorf("exposition missing request counter:\n%s", w.Body.String())
	}
}

func TestGenerateBadRequests(t *testing.T) {
	srv, _ := newTestServer(t, map[string]gateway.Adapter{"claude": &fakeAdapter{name: "claude"}}, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/generate", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET: status = %d, want 405", w.Code)
	}

	if w := postGenerate(srv, `{not json`, nil); w.Code != http.StatusBadRequest {
		t.Errorf("malformed body: status = %d, want 400", w.Code)
	}
	if w := postGenerate(srv, `{}`, nil); w.Code != http.StatusBadRequest {
		t.Errorf("missing prompt: status = %d, want 400", w.Code)
	}
}
