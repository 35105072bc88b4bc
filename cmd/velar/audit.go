package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/velar-health/velar/pkg/audit"
	"github.com/velar-health/velar/pkg/config"
	"github.com/velar-health/velar/pkg/models"
)

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query and manage the audit trail",
	}

	cmd.AddCommand(
		newAuditSearchCmd(),
		newAuditShowCmd(),
		newAuditStatsCmd(),
		newAuditCleanupCmd(),
	)
	return cmd
}

func newAuditSearchCmd() *cobra.Command {
	var (
		configPath string
		action     string
		result     string
		provider   string
		since      string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openAuditLogger(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			opts := models.AuditQueryOpts{
				Action:   action,
				Result:   result,
				Provider: provider,
				Limit:    limit,
			}
			if since != "" {
				t, err := time.Parse("2006-01-02", since)
				if err != nil {
					return fmt.Errorf("invalid --since date (use YYYY-MM-DD): %w", err)
				}
				opts.Since = t
			}

			events, err := l.Query(context.Background(), opts)
			if err != nil {
				return err
			}
			fmt.Print(formatAuditEvents(events))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "velar.yaml", "path to config file")
	cmd.Flags().StringVar(&action, "action", "", "filter by action (generate, policy.egress, ...)")
	cmd.Flags().StringVar(&result, "result", "", "filter by result (allow, deny, ok, error)")
	cmd.Flags().StringVar(&provider, "provider", "", "filter by provider")
	cmd.Flags().StringVar(&since, "since", "", "start date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max events to return")
	return cmd
}

func newAuditShowCmd() *cobra.Command {
	var (
		configPath string
		requestID  string
	)

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show every audit event for one request",
		RunE: func(cmd *cobra.Command, args []string) error {
			if requestID == "" {
				return fmt.Errorf("--request-id is required")
			}

			l, cleanup, err := openAuditLogger(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			events, err := l.Query(context.Background(), models.AuditQueryOpts{
				RequestID: requestID,
				Limit:     100,
			})
			if err != nil {
				return err
			}
			if len(events) == 0 {
				fmt.Println("No events found for that request ID.")
				return nil
			}

			for i, e := range events {
				if i > 0 {
					fmt.Println()
				}
				fmt.Printf("Action:    %s\n", e.Action)
				fmt.Printf("Result:    %s\n", e.Result)
				if e.Rule != "" {
					fmt.Printf("Rule:      %s\n", e.Rule)
				}
				if e.Provider != "" {
					fmt.Printf("Provider:  %s\n", e.Provider)
				}
				if e.Model != "" {
					fmt.Printf("Model:     %s\n", e.Model)
				}
				if e.LatencyMs > 0 {
					fmt.Printf("Latency:   %dms\n", e.LatencyMs)
				}
				fmt.Printf("Time:      %s\n", e.CreatedAt.Format(time.RFC3339))
				if len(e.Metadata) > 0 {
					keys := make([]string, 0, len(e.Metadata))
					for k := range e.Metadata {
						keys = append(keys, k)
					}
					sort.Strings(keys)
					for _, k := range keys {
						fmt.Printf("  %s: %s\n", k, e.Metadata[k])
					}
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "velar.yaml", "path to config file")
	cmd.Flags().StringVar(&requestID, "request-id", "", "request ID to show")
	return cmd
}

func newAuditStatsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show audit event counts by action, result, and day",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openAuditLogger(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			stats, err := l.Stats(context.Background())
			if err != nil {
				return err
			}
			fmt.Print(formatAuditStats(stats))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "velar.yaml", "path to config file")
	return cmd
}

func newAuditCleanupCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete audit events older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openAuditLogger(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			deleted, err := l.Cleanup(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("Deleted %d audit events.\n", deleted)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "velar.yaml", "path to config file")
	return cmd
}

// openAuditLogger opens the audit database named by the config. Events
// were redacted on write, so reads need no redaction pass.
func openAuditLogger(configPath string) (*audit.Logger, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	l, err := audit.New(cfg.Audit, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("open audit db: %w", err)
	}
	return l, func() { _ = l.Close() }, nil
}

func formatAuditEvents(events []models.AuditEvent) string {
	if len(events) == 0 {
		return "No audit events found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-38s %-15s %-6s %-22s %-10s %-20s\n",
		"REQUEST ID", "ACTION", "RESULT", "RULE", "PROVIDER", "TIME")
	b.WriteString(strings.Repeat("-", 116) + "\n")
	for _, e := range events {
		fmt.Fprintf(&b, "%-38s %-15s %-6s %-22s %-10s %-20s\n",
			e.RequestID, e.Action, e.Result, e.Rule, e.Provider,
			e.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}

func formatAuditStats(stats []models.AuditStat) string {
	if len(stats) == 0 {
		return "No audit stats found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-15s %-6s %-12s %8s\n", "ACTION", "RESULT", "DAY", "COUNT")
	b.WriteString(strings.Repeat("-", 44) + "\n")
	for _, s := range stats {
		fmt.Fprintf(&b, "%-15s %-6s %-12s %8d\n", s.Action, s.Result, s.Day, s.Count)
	}
	return b.String()
}
