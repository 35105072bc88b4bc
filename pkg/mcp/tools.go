package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/velar-health/velar/pkg/models"
)

// toolHandler is a function that handles a tool call.
type toolHandler func(ctx context.Context, s *Server, args json.RawMessage) ToolCallResult

// toolHandlers maps tool names to their handlers.
var toolHandlers = map[string]toolHandler{
	"velar_metrics":     handleMetrics,
	"velar_budget":      handleBudget,
	"velar_cache_stats": handleCacheStats,
	"velar_policy":      handlePolicy,
	"velar_spend":       handleSpend,
}

// allTools is the list of tool definitions exposed via tools/list.
var allTools = []ToolDefinition{
	{
		Name:        "velar_metrics",
		Description: "Show gateway request counts, latency percentiles, and cache hit rate.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
	},
	{
		Name:        "velar_budget",
		Description: "Show hourly budget usage and circuit breaker state per provider.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"provider": map[string]any{
					"type":        "string",
					"description": "Filter by provider name (optional, omit for all providers)",
				},
			},
		},
	},
	{
		Name:        "velar_cache_stats",
		Description: "Show response cache statistics (entries, hits, misses, hit rate) per provider.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"provider": map[string]any{
					"type":        "string",
					"description": "Filter by provider name (optional, omit for all providers)",
				},
			},
		},
	},
	{
		Name:        "velar_policy",
		Description: "Show the active policy snapshot: digest, routing, budgets, and egress rules.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
	},
	{
		Name:        "velar_spend",
		Description: "Show spend from the ledger grouped by provider and model.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"provider": map[string]any{
					"type":        "string",
					"description": "Filter by provider name (optional)",
				},
				"since": map[string]any{
					"type":        "string",
					"description": "Start date in YYYY-MM-DD format (optional, defaults to all time)",
				},
			},
		},
	},
}

func textResult(text string) ToolCallResult {
	return ToolCallResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
	}
}

func errorResult(text string) ToolCallResult {
	return ToolCallResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
		IsError: true,
	}
}

type providerArgs struct {
	Provider string `json:"provider"`
}

// selectReporters returns the reporters to include, sorted by name. A
// provider filter narrows to that one entry.
func (s *Server) selectReporters(filter string) ([]string, error) {
	if filter != "" {
		if _, ok := s.providers[filter]; !ok {
			return nil, fmt.Errorf("unknown provider %q", filter)
		}
		return []string{filter}, nil
	}
	names := make([]string, 0, len(s.providers))
	for name := range s.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func handleMetrics(_ context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	if s.metrics == nil {
		return textResult("Metrics collection is not configured.")
	}
	return textResult(formatMetrics(s.metrics.Snapshot()))
}

func handleBudget(_ context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	if len(s.providers) == 0 {
		return textResult("No providers are configured.")
	}
	var args providerArgs
	if len(rawArgs) > 0 {
		_ = json.Unmarshal(rawArgs, &args)
	}
	names, err := s.selectReporters(args.Provider)
	if err != nil {
		return errorResult(err.Error())
	}

	rows := make([]budgetRow, 0, len(names))
	for _, name := range names {
		rep := s.providers[name]
		rows = append(rows, budgetRow{
			name:    name,
			usage:   rep.BudgetUsage(),
			breaker: rep.BreakerState(),
		})
	}
	return textResult(formatBudgets(rows))
}

func handleCacheStats(_ context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	if len(s.providers) == 0 {
		return textResult("No providers are configured.")
	}
	var args providerArgs
	if len(rawArgs) > 0 {
		_ = json.Unmarshal(rawArgs, &args)
	}
	names, err := s.selectReporters(args.Provider)
	if err != nil {
		return errorResult(err.Error())
	}

	rows := make([]cacheRow, 0, len(names))
	for _, name := range names {
		stats, err := s.providers[name].CacheStats()
		if err != nil {
			return errorResult("Error fetching cache stats: " + err.Error())
		}
		rows = append(rows, cacheRow{name: name, stats: stats})
	}
	return textResult(formatCaches(rows))
}

func handlePolicy(_ context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	if s.enforcer == nil {
		return textResult("Policy enforcement is not configured.")
	}
	return textResult(formatPolicy(s.enforcer.Current()))
}

type spendArgs struct {
	Provider string `json:"provider"`
	Since    string `json:"since"`
}

func handleSpend(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	if s.ledger == nil {
		return textResult("Spend ledger is not configured.")
	}
	var args spendArgs
	if len(rawArgs) > 0 {
		_ = json.Unmarshal(rawArgs, &args)
	}

	var (
		rows []models.SpendSummary
		err  error
	)
	if args.Since != "" {
		since, perr := time.Parse("2006-01-02", args.Since)
		if perr != nil {
			return errorResult("Invalid since date (use YYYY-MM-DD): " + perr.Error())
		}
		rows, err = s.ledger.Report(ctx, since)
		if err == nil && args.Provider != "" {
			filtered := rows[:0]
			for _, r := range rows {
				if r.Provider == args.Provider {
					filtered = append(filtered, r)
				}
			}
			rows = filtered
		}
	} else {
		rows, err = s.ledger.Summary(ctx, args.Provider)
	}
	if err != nil {
		return errorResult("Error fetching spend report: " + err.Error())
	}
	return textResult(formatSpend(rows))
}
