package policy

import (
	"strings"
	"testing"
)

const testPolicy = `
llm:
  primary_provider: claude
  fallback_provider: ollama
  quality_threshold: 60
  budgets:
    monthly_cents: 50000
    max_requests_per_hour: 100
    max_tokens_per_hour: 150000
    alert_threshold: 0.8
sovereignty:
  egress:
    default: deny
    allowlist:
      - api.allowed.com
      - .ollama.internal
      - localhost:11434
privacy:
  phi:
    enabled: true
redaction:
  patterns:
    - name: chart-id
      regex: '\bCHT-\d{6}\b'
      label: "[REDACTED_CHART]"
  stop_terms:
    - session_key
flags:
  timeline:
    auto:
      enabled: true
  agents:
    enabled: false
  rollout:
    fallback_percent: 25
`

func testSnapshot(t *testing.T) *Snapshot {
	t.Helper()
	s, err := Parse([]byte(testPolicy))
	if err != nil {
		t.Fatalf("parse policy: %v", err)
	}
	return s
}

func TestParseFields(t *testing.T) {
	s := testSnapshot(t)

	if s.PrimaryProvider != "claude" || s.FallbackProvider != "ollama" {
		t.Errorf("unexpected providers: %s / %s", s.PrimaryProvider, s.FallbackProvider)
	}
	if s.QualityThreshold != 60 {
		t.Errorf("expected threshold 60, got %d", s.QualityThreshold)
	}
	if s.MonthlyCents != 50000 || s.MaxRequestsPerHour != 100 || s.MaxTokensPerHour != 150000 {
		t.Errorf("unexpected budgets: %+v", s)
	}
	if s.Digest == "" || len(s.Digest) != 64 {
		t.Errorf("expected sha256 hex digest, got %q", s.Digest)
	}
}

func TestParseMissingRequired(t *testing.T) {
	doc := `
llm:
  budgets:
    monthly_cents: 100
sovereignty:
  egress:
    default: deny
privacy:
  phi:
    enabled: false
`
	_, err := Parse([]byte(doc))
	if err == nil {
		t.Fatal("expected error for missing required fields")
	}
	if !strings.Contains(err.Error(), "llm.primary_provider") {
		t.Errorf("error should name the missing field, got: %v", err)
	}
	if !strings.Contains(err.Error(), "llm.budgets.max_requests_per_hour") {
		t.Errorf("error should name the missing field, got: %v", err)
	}
}

func TestParseBadEgressDefault(t *testing.T) {
	doc := strings.Replace(testPolicy, "default: deny", "default: sometimes", 1)
	if _, err := Parse([]byte(doc)); err == nil {
		t.Fatal("expected error for invalid egress default")
	}
}

func TestDigestIgnoresFormatting(t *testing.T) {
	s1 := testSnapshot(t)

	// Same document, different key order and indentation.
	reordered := `
privacy:
  phi:
    enabled: true
sovereignty:
  egress:
    allowlist:
      - api.allowed.com
      - .ollama.internal
      - localhost:11434
    default: deny
llm:
  fallback_provider: ollama
  quality_threshold: 60
  primary_provider: claude
  budgets:
    alert_threshold: 0.8
    max_tokens_per_hour: 150000
    max_requests_per_hour: 100
    monthly_cents: 50000
redaction:
  stop_terms:
    - session_key
  patterns:
    - name: chart-id
      regex: '\bCHT-\d{6}\b'
      label: "[REDACTED_CHART]"
flags:
  agents:
    enabled: false
  rollout:
    fallback_percent: 25
  timeline:
    auto:
      enabled: true
`
	s2, err := Parse([]byte(reordered))
	if err != nil {
		t.Fatalf("parse reordered policy: %v", err)
	}
	if s1.Digest != s2.Digest {
		t.Errorf("digest should be canonical: %s vs %s", s1.Digest, s2.Digest)
	}

	changed := strings.Replace(testPolicy, "monthly_cents: 50000", "monthly_cents: 60000", 1)
	s3, err := Parse([]byte(changed))
	if err != nil {
		t.Fatalf("parse changed policy: %v", err)
	}
	if s1.Digest == s3.Digest {
		t.Error("digest should change when content changes")
	}
}

func TestCheckEgress(t *testing.T) {
	s := testSnapshot(t)

	allowed := []string{
		"https://api.allowed.com/v1/messages",
		"https://API.Allowed.COM/v1",
		"http://ollama.internal/api/generate",
		"http://gpu1.ollama.internal/api/generate",
		"http://localhost:11434/api/generate",
	}
	for _, u := range allowed {
		if err := s.CheckEgress(u, "run-1"); err != nil {
			t.Errorf("expected %s allowed, got %v", u, err)
		}
	}

	denied := []string{
		"https://evil.com/?x=api.allowed.com",
		"https://evil.com/api.allowed.com",
		"https://api.allowed.com.evil.com/v1",
		"https://prefixapi.allowed.com/v1",
		"http://localhost:9999/api",
		"not a url",
	}
	for _, u := range denied {
		err := s.CheckEgress(u, "run-1")
		if err == nil {
			t.Errorf("expected %s denied", u)
			continue
		}
		v, ok := AsViolation(err)
		if !ok {
			t.Errorf("expected violation for %s, got %T", u, err)
			continue
		}
		if v.Rule != RuleEgress {
			t.Errorf("expected rule %s, got %s", RuleEgress, v.Rule)
		}
		if v.Metadata["url"] != u || v.Metadata["run_id"] != "run-1" {
			t.Errorf("violation metadata incomplete: %+v", v.Metadata)
		}
	}
}

func TestCheckEgressDefaultAllow(t *testing.T) {
	doc := strings.Replace(testPolicy, "default: deny", "default: allow", 1)
	s, err := Parse([]byte(doc))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.CheckEgress("https://anywhere.example.net/x", ""); err != nil {
		t.Errorf("default allow should pass any parseable URL, got %v", err)
	}
}

func TestCheckCost(t *testing.T) {
	s := testSnapshot(t)

	if err := s.CheckCost(100, 49900, "run-2"); err != nil {
		t.Errorf("spend at exactly the cap should pass, got %v", err)
	}

	err := s.CheckCost(101, 49900, "run-2")
	if err == nil {
		t.Fatal("expected violation past the cap")
	}
	v, ok := AsViolation(err)
	if !ok || v.Rule != RuleBudget {
		t.Fatalf("expected %s violation, got %v", RuleBudget, err)
	}
	if v.Metadata["month_to_date_cents"] != "49900" {
		t.Errorf("metadata should carry the running total: %+v", v.Metadata)
	}
}

func TestNearCap(t *testing.T) {
	s := testSnapshot(t)

	if s.NearCap(0, 30000) {
		t.Error("60% of cap should not alert at threshold 0.8")
	}
	if !s.NearCap(0, 40000) {
		t.Error("80% of cap should alert at threshold 0.8")
	}
}

func TestCheckPHIGating(t *testing.T) {
	s := testSnapshot(t)
	if !s.CheckPHI("patient SSN 123-45-6789 on file") {
		t.Error("expected PHI detection with flag enabled")
	}
	if s.CheckPHI("nothing sensitive here") {
		t.Error("unexpected PHI hit")
	}

	disabled := strings.Replace(testPolicy, "enabled: true", "enabled: false", 1)
	s2, err := Parse([]byte(disabled))
	if err != nil {
		t.Fatal(err)
	}
	if s2.CheckPHI("patient SSN 123-45-6789 on file") {
		t.Error("disabled flag must force CheckPHI to false")
	}
}

func TestFlags(t *testing.T) {
	s := testSnapshot(t)

	if !s.FlagEnabled("timeline.auto.enabled") {
		t.Error("expected timeline.auto.enabled true")
	}
	if s.FlagEnabled("agents.enabled") {
		t.Error("expected agents.enabled false")
	}
	if s.FlagEnabled("nonexistent.flag") {
		t.Error("unset flags must be false")
	}
	if got := s.FlagFloat("rollout.fallback_percent"); got != 25 {
		t.Errorf("expected 25, got %v", got)
	}
}

func TestEnforcerSwap(t *testing.T) {
	s1 := testSnapshot(t)
	e := NewEnforcer(s1)

	if e.Current() != s1 {
		t.Fatal("expected initial snapshot")
	}

	changed := strings.Replace(testPolicy, "monthly_cents: 50000", "monthly_cents: 1", 1)
	s2, err := Parse([]byte(changed))
	if err != nil {
		t.Fatal(err)
	}
	old := e.Swap(s2)
	if old != s1 || e.Current() != s2 {
		t.Fatal("swap did not install the new snapshot")
	}
	if err := e.CheckCost(10, 0, ""); err == nil {
		t.Error("expected new snapshot's cap to apply")
	}
}
