package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync/atomic"

	"github.com/gowebpki/jcs"
	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"
)

// Egress default modes.
const (
	EgressDeny  = "deny"
	EgressAllow = "allow"
)

// Snapshot is an immutable view of the loaded policy. Every check against
// it is a pure function of (snapshot, input), so snapshots can be swapped
// atomically under concurrent readers.
type Snapshot struct {
	PrimaryProvider  string
	FallbackProvider string
	QualityThreshold int

	MonthlyCents       int64
	MaxRequestsPerHour int
	MaxTokensPerHour   int
	AlertThreshold     float64

	EgressDefault string
	Allowlist     []string

	PHIEnabled bool

	// Digest is the sha256 of the canonicalized policy document, used to
	// correlate audit rows with the policy revision that produced them.
	Digest string

	redactor  *Redactor
	flagsJSON []byte
}

// PatternConfig is one custom redaction pattern from the policy file.
type PatternConfig struct {
	Name  string `yaml:"name"`
	Regex string `yaml:"regex"`
	Label string `yaml:"label"`
}

// fileDoc mirrors the policy YAML. Required scalars are pointers so a
// missing field is distinguishable from a zero value and can be rejected.
type fileDoc struct {
	LLM struct {
		PrimaryProvider  *string `yaml:"primary_provider"`
		FallbackProvider string  `yaml:"fallback_provider"`
		QualityThreshold *int    `yaml:"quality_threshold"`
		Budgets          struct {
			MonthlyCents       *int64   `yaml:"monthly_cents"`
			MaxRequestsPerHour *int     `yaml:"max_requests_per_hour"`
			MaxTokensPerHour   int      `yaml:"max_tokens_per_hour"`
			AlertThreshold     *float64 `yaml:"alert_threshold"`
		} `yaml:"budgets"`
	} `yaml:"llm"`
	Sovereignty struct {
		Egress struct {
			Default   *string  `yaml:"default"`
			Allowlist []string `yaml:"allowlist"`
		} `yaml:"egress"`
	} `yaml:"sovereignty"`
	Privacy struct {
		PHI struct {
			Enabled *bool `yaml:"enabled"`
		} `yaml:"phi"`
	} `yaml:"privacy"`
	Redaction struct {
		Patterns  []PatternConfig `yaml:"patterns"`
		StopTerms []string        `yaml:"stop_terms"`
	} `yaml:"redaction"`
	Flags map[string]any `yaml:"flags"`
}

// Load reads and validates the policy file.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	return Parse(data)
}

// Parse validates a policy document and builds an immutable snapshot.
// Missing required fields are errors, never silent defaults.
func Parse(data []byte) (*Snapshot, error) {
	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}

	var missing []string
	if doc.LLM.PrimaryProvider == nil || *doc.LLM.PrimaryProvider == "" {
		missing = append(missing, "llm.primary_provider")
	}
	if doc.LLM.Budgets.MonthlyCents == nil {
		missing = append(missing, "llm.budgets.monthly_cents")
	}
	if doc.LLM.Budgets.MaxRequestsPerHour == nil {
		missing = append(missing, "llm.budgets.max_requests_per_hour")
	}
	if doc.Sovereignty.Egress.Default == nil {
		missing = append(missing, "sovereignty.egress.default")
	}
	if doc.Privacy.PHI.Enabled == nil {
		missing = append(missing, "privacy.phi.enabled")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("policy missing required fields: %s", strings.Join(missing, ", "))
	}

	egressDefault := strings.ToLower(*doc.Sovereignty.Egress.Default)
	if egressDefault != EgressDeny && egressDefault != EgressAllow {
		return nil, fmt.Errorf("sovereignty.egress.default must be %q or %q, got %q",
			EgressDeny, EgressAllow, *doc.Sovereignty.Egress.Default)
	}

	s := &Snapshot{
		PrimaryProvider:    *doc.LLM.PrimaryProvider,
		FallbackProvider:   doc.LLM.FallbackProvider,
		QualityThreshold:   50,
		MonthlyCents:       *doc.LLM.Budgets.MonthlyCents,
		MaxRequestsPerHour: *doc.LLM.Budgets.MaxRequestsPerHour,
		MaxTokensPerHour:   doc.LLM.Budgets.MaxTokensPerHour,
		AlertThreshold:     0.8,
		EgressDefault:      egressDefault,
		PHIEnabled:         *doc.Privacy.PHI.Enabled,
	}
	if doc.LLM.QualityThreshold != nil {
		s.QualityThreshold = *doc.LLM.QualityThreshold
	}
	if doc.LLM.Budgets.AlertThreshold != nil {
		s.AlertThreshold = *doc.LLM.Budgets.AlertThreshold
	}

	for _, entry := range doc.Sovereignty.Egress.Allowlist {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry != "" {
			s.Allowlist = append(s.Allowlist, entry)
		}
	}

	r, err := newRedactor(doc.Redaction.Patterns, doc.Redaction.StopTerms)
	if err != nil {
		return nil, fmt.Errorf("compile redaction patterns: %w", err)
	}
	s.redactor = r

	if doc.Flags != nil {
		j, err := json.Marshal(doc.Flags)
		if err != nil {
			return nil, fmt.Errorf("encode flags: %w", err)
		}
		s.flagsJSON = j
	}

	d, err := digest(data)
	if err != nil {
		return nil, fmt.Errorf("digest policy: %w", err)
	}
	s.Digest = d

	return s, nil
}

// digest canonicalizes the policy document (RFC 8785) and hashes it, so
// key order and formatting do not change the digest.
func digest(raw []byte) (string, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return "", err
	}
	j, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	canon, err := jcs.Transform(j)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// CheckEgress parses the target URL and matches its host (and port, when
// the allow-list entry pins one) against the allow-list. Matching is on
// the parsed host component only: substring search over the raw URL is
// bypassable by embedding an allowed hostname inside a path, query, or an
// unrelated host, and is deliberately not done here.
func (s *Snapshot) CheckEgress(rawURL, runID string) error {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return &Violation{
			Rule:     RuleEgress,
			Message:  fmt.Sprintf("unparseable egress target %q", rawURL),
			Metadata: egressMeta(rawURL, runID, s.Digest),
		}
	}

	if s.EgressDefault == EgressAllow {
		return nil
	}

	host := strings.ToLower(u.Hostname())
	port := u.Port()
	for _, entry := range s.Allowlist {
		if matchEntry(entry, host, port) {
			return nil
		}
	}

	return &Violation{
		Rule:     RuleEgress,
		Message:  fmt.Sprintf("egress to %s denied by allow-list", host),
		Metadata: egressMeta(rawURL, runID, s.Digest),
	}
}

func egressMeta(rawURL, runID, digest string) map[string]string {
	return map[string]string{"url": rawURL, "run_id": runID, "policy_digest": digest}
}

// matchEntry matches one normalized allow-list entry against a parsed
// host and port. Entries are exact "host" or "host:port" strings, or
// leading-dot wildcards (".example.com" matches example.com and any
// subdomain).
func matchEntry(entry, host, port string) bool {
	if strings.HasPrefix(entry, ".") {
		base := entry[1:]
		return host == base || strings.HasSuffix(host, entry)
	}
	if h, p, ok := strings.Cut(entry, ":"); ok {
		return h == host && p == port
	}
	return entry == host
}

// CheckCost rejects a spend that would push the month-to-date total past
// the monthly cap. Pure check: the caller owns the running total.
func (s *Snapshot) CheckCost(amountCents, monthToDateCents int64, runID string) error {
	if monthToDateCents+amountCents > s.MonthlyCents {
		return &Violation{
			Rule: RuleBudget,
			Message: fmt.Sprintf("monthly budget exhausted: %d + %d cents exceeds cap of %d",
				monthToDateCents, amountCents, s.MonthlyCents),
			Metadata: map[string]string{
				"run_id":              runID,
				"amount_cents":        fmt.Sprintf("%d", amountCents),
				"month_to_date_cents": fmt.Sprintf("%d", monthToDateCents),
				"monthly_cents":       fmt.Sprintf("%d", s.MonthlyCents),
				"policy_digest":       s.Digest,
			},
		}
	}
	return nil
}

// NearCap reports whether a spend would cross the alert threshold. Used
// for warning logs only, never for denial.
func (s *Snapshot) NearCap(amountCents, monthToDateCents int64) bool {
	return float64(monthToDateCents+amountCents) >= s.AlertThreshold*float64(s.MonthlyCents)
}

// Redact applies the snapshot's redaction chain.
func (s *Snapshot) Redact(text string) string {
	return s.redactor.Redact(text)
}

// CheckPHI reports whether text appears to contain PHI indicators. Gated
// by privacy.phi.enabled: when the flag is off this always returns false
// regardless of content, which is a policy choice, not a bug.
func (s *Snapshot) CheckPHI(text string) bool {
	if !s.PHIEnabled {
		return false
	}
	return containsPHI(text)
}

// FlagEnabled resolves a dotted path (e.g. "timeline.auto.enabled")
// against the policy's flags section. Unset paths are false.
func (s *Snapshot) FlagEnabled(path string) bool {
	if len(s.flagsJSON) == 0 {
		return false
	}
	return gjson.GetBytes(s.flagsJSON, path).Bool()
}

// FlagFloat resolves a dotted path to a numeric flag value, 0 when unset.
func (s *Snapshot) FlagFloat(path string) float64 {
	if len(s.flagsJSON) == 0 {
		return 0
	}
	return gjson.GetBytes(s.flagsJSON, path).Float()
}

// Enforcer holds the active snapshot behind an atomic pointer so checks
// never lock and reloads never tear.
type Enforcer struct {
	snap atomic.Pointer[Snapshot]
}

// NewEnforcer wraps an initial snapshot.
func NewEnforcer(s *Snapshot) *Enforcer {
	e := &Enforcer{}
	e.snap.Store(s)
	return e
}

// Current returns the active snapshot.
func (e *Enforcer) Current() *Snapshot {
	return e.snap.Load()
}

// Swap installs a new snapshot and returns the previous one.
func (e *Enforcer) Swap(s *Snapshot) *Snapshot {
	return e.snap.Swap(s)
}

// CheckEgress delegates to the active snapshot.
func (e *Enforcer) CheckEgress(rawURL, runID string) error {
	return e.Current().CheckEgress(rawURL, runID)
}

// CheckCost delegates to the active snapshot.
func (e *Enforcer) CheckCost(amountCents, monthToDateCents int64, runID string) error {
	return e.Current().CheckCost(amountCents, monthToDateCents, runID)
}

// Redact delegates to the active snapshot.
func (e *Enforcer) Redact(text string) string {
	return e.Current().Redact(text)
}

// CheckPHI delegates to the active snapshot.
func (e *Enforcer) CheckPHI(text string) bool {
	return e.Current().CheckPHI(text)
}
