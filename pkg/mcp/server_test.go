package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/velar-health/velar/pkg/metrics"
	"github.com/velar-health/velar/pkg/models"
	"github.com/velar-health/velar/pkg/policy"
)

const mcpPolicy = `
llm:
  primary_provider: claude
  fallback_provider: ollama
  budgets:
    monthly_cents: 5000
    max_requests_per_hour: 60
sovereignty:
  egress:
    default: deny
    allowlist:
      - api.anthropic.com
privacy:
  phi:
    enabled: true
`

// fakeReporter implements Reporter for testing.
type fakeReporter struct {
	usage   models.BudgetUsage
	breaker string
	stats   models.CacheStats
	statsEr error
}

func (f *fakeReporter) BudgetUsage() models.BudgetUsage { return f.usage }
func (f *fakeReporter) BreakerState() string            { return f.breaker }
func (f *fakeReporter) CacheStats() (models.CacheStats, error) {
	if f.statsEr != nil {
		return models.CacheStats{}, f.statsEr
	}
	return f.stats, nil
}

// fakeLedger implements ledger.Ledger for testing.
type fakeLedger struct {
	summaries []models.SpendSummary
	reports   []models.SpendSummary
}

func (f *fakeLedger) Record(_ context.Context, _ models.LedgerEntry) error { return nil }
func (f *fakeLedger) MonthToDateCents(_ context.Context) (int64, error)    { return 0, nil }
func (f *fakeLedger) Summary(_ context.Context, _ string) ([]models.SpendSummary, error) {
	return f.summaries, nil
}
func (f *fakeLedger) Report(_ context.Context, _ time.Time) ([]models.SpendSummary, error) {
	return f.reports, nil
}
func (f *fakeLedger) Close() error { return nil }

func testEnforcer(t *testing.T) *policy.Enforcer {
	t.Helper()
	snap, err := policy.Parse([]byte(mcpPolicy))
	if err != nil {
		t.Fatalf("parse policy: %v", err)
	}
	return policy.NewEnforcer(snap)
}

func sendAndReceive(t *testing.T, srv *Server, req Request) Response {
	t.Helper()
	line, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	line = append(line, '\n')

	var out bytes.Buffer
	if err := srv.Run(context.Background(), bytes.NewReader(line), &out); err != nil {
		t.Fatal(err)
	}

	var resp Response
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v\nraw: %s", err, out.String())
	}
	return resp
}

func callTool(t *testing.T, srv *Server, name, args string) ToolCallResult {
	t.Helper()
	params, _ := json.Marshal(ToolCallParams{Name: name, Arguments: json.RawMessage(args)})
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`1`),
		Method:  "tools/call",
		Params:  params,
	})
	if resp.Error != nil {
		t.Fatalf("unexpected rpc error: %v", resp.Error)
	}

	data, _ := json.Marshal(resp.Result)
	var result ToolCallResult
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("unmarshal tool result: %v", err)
	}
	if len(result.Content) == 0 {
		t.Fatal("expected content")
	}
	return result
}

func TestInitialize(t *testing.T) {
	srv := New(nil, nil, nil, nil, "test")
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`1`),
		Method:  "initialize",
	})

	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}

	data, _ := json.Marshal(resp.Result)
	var result InitializeResult
	json.Unmarshal(data, &result)

	if result.ProtocolVersion != "2024-11-05" {
		t.Errorf("protocol version = %s, want 2024-11-05", result.ProtocolVersion)
	}
	if result.ServerInfo.Name != "velar" {
		t.Errorf("server name = %s, want velar", result.ServerInfo.Name)
	}
}

func TestToolsList(t *testing.T) {
	srv := New(nil, nil, nil, nil, "test")
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`2`),
		Method:  "tools/list",
	})

	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}

	data, _ := json.Marshal(resp.Result)
	var result ToolsListResult
	json.Unmarshal(data, &result)

	if len(result.Tools) != 5 {
		t.Errorf("got %d tools, want 5", len(result.Tools))
	}

	names := make(map[string]bool)
	for _, tool := range result.Tools {
		names[tool.Name] = true
	}
	for _, want := range []string{"velar_metrics", "velar_budget", "velar_cache_stats", "velar_policy", "velar_spend"} {
		if !names[want] {
			t.Errorf("missing tool: %s", want)
		}
	}
}

func TestMetricsTool(t *testing.T) {
	m := metrics.NewCollector()
	m.Record("claude", 20*time.Millisecond, false, 100, 50)
	m.Record("claude", 0, true, 0, 0)
	srv := New(m, nil, nil, nil, "test")

	result := callTool(t, srv, "velar_metrics", `{}`)
	text := result.Content[0].Text
	if !strings.Contains(text, "claude") || !strings.Contains(text, "Requests") {
		t.Errorf("unexpected metrics output: %s", text)
	}
}

func TestMetricsToolNotConfigured(t *testing.T) {
	srv := New(nil, nil, nil, nil, "test")
	result := callTool(t, srv, "velar_metrics", `{}`)
	if !strings.Contains(result.Content[0].Text, "not configured") {
		t.Errorf("expected 'not configured', got: %s", result.Content[0].Text)
	}
}

func TestBudgetTool(t *testing.T) {
	providers := map[string]Reporter{
		"claude": &fakeReporter{
			usage: models.BudgetUsage{
				Provider: "claude", RequestsMade: 7, TokensUsed: 4200,
				MaxRequests: 60, MaxTokens: 100000, WindowStart: time.Now(),
			},
			breaker: "closed",
		},
		"ollama": &fakeReporter{
			usage:   models.BudgetUsage{Provider: "ollama", MaxRequests: 120, MaxTokens: 500000, WindowStart: time.Now()},
			breaker: "open",
		},
	}
	srv := New(nil, providers, nil, nil, "test")

	result := callTool(t, srv, "velar_budget", `{}`)
	text := result.Content[0].Text
	for _, want := range []string{"claude", "ollama", "closed", "open", "4200"} {
		if !strings.Contains(text, want) {
			t.Errorf("budget output missing %q:\n%s", want, text)
		}
	}

	result = callTool(t, srv, "velar_budget", `{"provider":"claude"}`)
	if strings.Contains(result.Content[0].Text, "ollama") {
		t.Errorf("provider filter leaked other rows:\n%s", result.Content[0].Text)
	}

	result = callTool(t, srv, "velar_budget", `{"provider":"nope"}`)
	if !result.IsError {
		t.Error("expected isError for unknown provider")
	}
}

func TestCacheStatsTool(t *testing.T) {
	providers := map[string]Reporter{
		"claude": &fakeReporter{stats: models.CacheStats{Entries: 42, Hits: 10, Misses: 5}},
	}
	srv := New(nil, providers, nil, nil, "test")

	result := callTool(t, srv, "velar_cache_stats", `{}`)
	text := result.Content[0].Text
	if !strings.Contains(text, "42") || !strings.Contains(text, "66.7%") {
		t.Errorf("unexpected cache stats output: %s", text)
	}
}

func TestPolicyTool(t *testing.T) {
	enf := testEnforcer(t)
	srv := New(nil, nil, enf, nil, "test")

	result := callTool(t, srv, "velar_policy", `{}`)
	text := result.Content[0].Text
	for _, want := range []string{enf.Current().Digest, "claude", "ollama", "deny", "5000"} {
		if !strings.Contains(text, want) {
			t.Errorf("policy output missing %q:\n%s", want, text)
		}
	}
}

func TestSpendTool(t *testing.T) {
	led := &fakeLedger{
		summaries: []models.SpendSummary{
			{Provider: "claude", Model: "claude-sonnet-4", RequestCount: 12, TokensIn: 9000, TokensOut: 3000, CostCents: 250},
		},
		reports: []models.SpendSummary{
			{Provider: "claude", Model: "claude-sonnet-4", RequestCount: 3, CostCents: 60},
			{Provider: "ollama", Model: "llama3", RequestCount: 5, CostCents: 0},
		},
	}
	srv := New(nil, nil, nil, led, "test")

	result := callTool(t, srv, "velar_spend", `{}`)
	text := result.Content[0].Text
	if !strings.Contains(text, "claude-sonnet-4") || !strings.Contains(text, "2.50") {
		t.Errorf("unexpected spend output: %s", text)
	}

	// A since date switches to the report path; the provider filter
	// applies client-side there.
	result = callTool(t, srv, "velar_spend", `{"since":"2026-01-01","provider":"claude"}`)
	text = result.Content[0].Text
	if strings.Contains(text, "llama3") {
		t.Errorf("provider filter leaked other rows:\n%s", text)
	}
	if !strings.Contains(text, "0.60") {
		t.Errorf("report rows missing:\n%s", text)
	}

	result = callTool(t, srv, "velar_spend", `{"since":"January"}`)
	if !result.IsError {
		t.Error("expected isError for a malformed since date")
	}
}

func TestSpendToolNotConfigured(t *testing.T) {
	srv := New(nil, nil, nil, nil, "test")
	result := callTool(t, srv, "velar_spend", `{}`)
	if !strings.Contains(result.Content[0].Text, "not configured") {
		t.Errorf("expected 'not configured', got: %s", result.Content[0].Text)
	}
}

func TestUnknownTool(t *testing.T) {
	srv := New(nil, nil, nil, nil, "test")
	result := callTool(t, srv, "velar_nope", `{}`)
	if !result.IsError {
		t.Error("expected isError for unknown tool")
	}
}

func TestNotificationNoResponse(t *testing.T) {
	srv := New(nil, nil, nil, nil, "test")

	line, _ := json.Marshal(Request{
		JSONRPC: "2.0",
		Method:  "notifications/initialized",
	})
	line = append(line, '\n')

	var out bytes.Buffer
	_ = srv.Run(context.Background(), bytes.NewReader(line), &out)

	if out.Len() != 0 {
		t.Errorf("expected no output for notification, got: %s", out.String())
	}
}

func TestUnknownMethod(t *testing.T) {
	srv := New(nil, nil, nil, nil, "test")
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`9`),
		Method:  "unknown/method",
	})

	if resp.Error == nil {
		t.Fatal("expected error for unknown method")
	}
	if resp.Error.Code != CodeMethodNotFound {
		t.Errorf("error code = %d, want %d", resp.Error.Code, CodeMethodNotFound)
	}
}
