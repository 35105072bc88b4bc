package models

import "time"

// Audit actions recorded by the gateway. Policy checks record one event
// per check; a completed generation records a single "generate" event.
const (
	AuditActionGenerate = "generate"
	AuditActionEgress   = "policy.egress"
	AuditActionCost     = "policy.cost"
	AuditActionRedact   = "policy.redact"
	AuditActionPHI      = "policy.phi"
	AuditActionReload   = "policy.reload"
)

// Audit results.
const (
	AuditAllow = "allow"
	AuditDeny  = "deny"
	AuditOK    = "ok"
	AuditError = "error"
)

// AuditEvent records one gateway action and its outcome. Metadata holds
// contextual detail (URL, rule, amounts); values are redacted before
// persistence.
type AuditEvent struct {
	ID        string            `json:"id"`
	RequestID string            `json:"request_id,omitempty"`
	Action    string            `json:"action"`
	Result    string            `json:"result"`
	Rule      string            `json:"rule,omitempty"`
	Provider  string            `json:"provider,omitempty"`
	Model     string            `json:"model,omitempty"`
	LatencyMs int64             `json:"latency_ms,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// AuditConfig controls the audit logging subsystem.
type AuditConfig struct {
	Enabled       bool   `yaml:"enabled"`
	DBPath        string `yaml:"db_path"`
	RetentionDays int    `yaml:"retention_days"`
	MaxMetaSize   int    `yaml:"max_meta_size"` // bytes, per serialized metadata blob
}

// AuditQueryOpts specifies filters for querying audit events.
type AuditQueryOpts struct {
	Action    string
	Result    string
	Provider  string
	RequestID string
	Since     time.Time
	Limit     int
}

// AuditStat holds aggregate audit counts for an action/result/day combination.
type AuditStat struct {
	Action string
	Result string
	Day    string
	Count  int
}
