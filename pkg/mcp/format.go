package mcp

import (
	"fmt"
	"sort"
	"strings"

	"github.com/velar-health/velar/pkg/metrics"
	"github.com/velar-health/velar/pkg/models"
	"github.com/velar-health/velar/pkg/policy"
)

// budgetRow pairs a provider name with its budget and breaker state.
type budgetRow struct {
	name    string
	usage   models.BudgetUsage
	breaker string
}

// cacheRow pairs a provider name with its cache statistics.
type cacheRow struct {
	name  string
	stats models.CacheStats
}

// formatMetrics renders the collector snapshot as text.
func formatMetrics(s metrics.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Gateway Metrics\n")
	fmt.Fprintf(&b, "  Requests:   %d\n", s.Requests)
	fmt.Fprintf(&b, "  Errors:     %d\n", s.Errors)
	fmt.Fprintf(&b, "  Cache Hits: %d (%.1f%%)\n", s.CacheHits, s.HitRate*100)
	fmt.Fprintf(&b, "  Tokens:     %d in / %d out\n", s.TokensIn, s.TokensOut)
	fmt.Fprintf(&b, "  Latency:    p50 %.1fms  p95 %.1fms  p99 %.1fms\n", s.P50, s.P95, s.P99)

	if len(s.Providers) == 0 {
		return b.String()
	}

	names := make([]string, 0, len(s.Providers))
	for name := range s.Providers {
		names = append(names, name)
	}
	sort.Strings(names)

	b.WriteString("\n")
	fmt.Fprintf(&b, "%-15s %9s %7s %10s %10s %10s\n",
		"Provider", "Requests", "Errors", "Hits", "Tokens In", "Tokens Out")
	b.WriteString(strings.Repeat("-", 66) + "\n")
	for _, name := range names {
		p := s.Providers[name]
		fmt.Fprintf(&b, "%-15s %9d %7d %10d %10d %10d\n",
			name, p.Requests, p.Errors, p.CacheHits, p.TokensIn, p.TokensOut)
	}
	return b.String()
}

// formatBudgets renders per-provider budget windows as a text table.
func formatBudgets(rows []budgetRow) string {
	if len(rows) == 0 {
		return "No providers are configured."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-15s %8s %18s %22s %-20s\n",
		"Provider", "Breaker", "Requests", "Tokens", "Window Start")
	b.WriteString(strings.Repeat("-", 88) + "\n")
	for _, r := range rows {
		u := r.usage
		fmt.Fprintf(&b, "%-15s %8s %11d/%-6d %15d/%-6d %-20s\n",
			r.name, r.breaker,
			u.RequestsMade, u.MaxRequests,
			u.TokensUsed, u.MaxTokens,
			u.WindowStart.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}

// formatCaches renders per-provider cache statistics as a text table.
func formatCaches(rows []cacheRow) string {
	if len(rows) == 0 {
		return "No providers are configured."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-15s %9s %9s %9s %9s\n",
		"Provider", "Entries", "Hits", "Misses", "Hit Rate")
	b.WriteString(strings.Repeat("-", 56) + "\n")
	for _, r := range rows {
		fmt.Fprintf(&b, "%-15s %9d %9d %9d %8.1f%%\n",
			r.name, r.stats.Entries, r.stats.Hits, r.stats.Misses, r.stats.HitRate()*100)
	}
	return b.String()
}

// formatPolicy renders the active policy snapshot as text.
func formatPolicy(snap *policy.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Policy Snapshot %s\n", snap.Digest)
	fmt.Fprintf(&b, "  Primary Provider:   %s\n", snap.PrimaryProvider)
	if snap.FallbackProvider != "" {
		fmt.Fprintf(&b, "  Fallback Provider:  %s\n", snap.FallbackProvider)
	}
	fmt.Fprintf(&b, "  Quality Threshold:  %d\n", snap.QualityThreshold)
	fmt.Fprintf(&b, "  Monthly Budget:     %d cents (alert at %.0f%%)\n",
		snap.MonthlyCents, snap.AlertThreshold*100)
	fmt.Fprintf(&b, "  Hourly Caps:        %d requests, %d tokens\n",
		snap.MaxRequestsPerHour, snap.MaxTokensPerHour)
	fmt.Fprintf(&b, "  Egress Default:     %s (%d allowlist entries)\n",
		snap.EgressDefault, len(snap.Allowlist))
	fmt.Fprintf(&b, "  PHI Scrubbing:      %v\n", snap.PHIEnabled)
	return b.String()
}

// formatSpend renders ledger summaries as a text table.
func formatSpend(rows []models.SpendSummary) string {
	if len(rows) == 0 {
		return "No spend recorded."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-15s %-25s %9s %10s %10s %10s\n",
		"Provider", "Model", "Requests", "Tokens In", "Tokens Out", "Cost")
	b.WriteString(strings.Repeat("-", 84) + "\n")
	var totalCents int64
	for _, r := range rows {
		fmt.Fprintf(&b, "%-15s %-25s %9d %10d %10d %9.2f$\n",
			r.Provider, r.Model, r.RequestCount, r.TokensIn, r.TokensOut,
			float64(r.CostCents)/100)
		totalCents += r.CostCents
	}
	b.WriteString(strings.Repeat("-", 84) + "\n")
	fmt.Fprintf(&b, "%-52s %29.2f$\n", "Total", float64(totalCents)/100)
	return b.String()
}
