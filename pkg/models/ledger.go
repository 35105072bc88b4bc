package models

import (
	"math"
	"time"
)

// LedgerEntry is one row of the spend ledger: what a single generation
// consumed and what it cost.
type LedgerEntry struct {
	ID        int64     `json:"id"`
	RequestID string    `json:"request_id"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	TokensIn  int       `json:"tokens_in"`
	TokensOut int       `json:"tokens_out"`
	CostCents int64     `json:"cost_cents"`
	CacheHit  bool      `json:"cache_hit"`
	CreatedAt time.Time `json:"created_at"`
}

// SpendSummary aggregates ledger rows for one provider/model pair.
type SpendSummary struct {
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	RequestCount int    `json:"request_count"`
	TokensIn     int64  `json:"tokens_in"`
	TokensOut    int64  `json:"tokens_out"`
	CostCents    int64  `json:"cost_cents"`
}

// ModelPricing defines per-1K-token costs for a model, in cents. Fractional
// cents are allowed here; per-request costs round to whole cents.
type ModelPricing struct {
	Model                string  `json:"model" yaml:"model"`
	PromptCentsPer1K     float64 `json:"prompt_cents_per_1k" yaml:"prompt_cents_per_1k"`
	CompletionCentsPer1K float64 `json:"completion_cents_per_1k" yaml:"completion_cents_per_1k"`
}

// Cost computes the rounded whole-cent cost of a generation under this
// pricing.
func (p ModelPricing) Cost(u Usage) int64 {
	cents := float64(u.TokensIn)/1000*p.PromptCentsPer1K +
		float64(u.TokensOut)/1000*p.CompletionCentsPer1K
	return int64(math.Round(cents))
}
