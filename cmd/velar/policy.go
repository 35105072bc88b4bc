package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/velar-health/velar/pkg/config"
	"github.com/velar-health/velar/pkg/policy"
)

func newPolicyCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect and dry-run the active policy",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the loaded policy snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := loadPolicy(configPath)
			if err != nil {
				return err
			}

			fmt.Printf("Digest:             %s\n", snap.Digest)
			fmt.Printf("Primary Provider:   %s\n", snap.PrimaryProvider)
			if snap.FallbackProvider != "" {
				fmt.Printf("Fallback Provider:  %s\n", snap.FallbackProvider)
			}
			fmt.Printf("Quality Threshold:  %d\n", snap.QualityThreshold)
			fmt.Printf("Monthly Budget:     $%.2f (alert at %.0f%%)\n",
				float64(snap.MonthlyCents)/100, snap.AlertThreshold*100)
			fmt.Printf("Hourly Caps:        %d requests, %d tokens\n",
				snap.MaxRequestsPerHour, snap.MaxTokensPerHour)
			fmt.Printf("PHI Scrubbing:      %v\n", snap.PHIEnabled)
			fmt.Printf("Egress Default:     %s\n", snap.EgressDefault)
			for _, entry := range snap.Allowlist {
				fmt.Printf("  allow %s\n", entry)
			}
			return nil
		},
	}

	checkCmd := &cobra.Command{
		Use:   "check-egress URL",
		Short: "Dry-run the egress allow-list against a URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := loadPolicy(configPath)
			if err != nil {
				return err
			}

			rawURL := args[0]
			if err := snap.CheckEgress(rawURL, ""); err != nil {
				if v, ok := policy.AsViolation(err); ok {
					fmt.Printf("DENY  %s\n      rule: %s\n      %s\n", rawURL, v.Rule, v.Message)
					return nil
				}
				return err
			}
			fmt.Printf("ALLOW %s\n", rawURL)
			return nil
		},
	}

	redactCmd := &cobra.Command{
		Use:   "redact [text]",
		Short: "Apply the policy's redaction patterns to text (stdin when omitted)",
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := loadPolicy(configPath)
			if err != nil {
				return err
			}

			text := strings.Join(args, " ")
			if text == "" {
				data, err := io.ReadAll(os.Stdin)
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				text = string(data)
			}

			fmt.Println(snap.Redact(text))
			if snap.PHIEnabled && snap.CheckPHI(text) {
				fmt.Fprintln(os.Stderr, "note: input matched PHI indicators")
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "velar.yaml", "path to config file")
	cmd.AddCommand(showCmd, checkCmd, redactCmd)
	return cmd
}

// loadPolicy resolves the policy path through the gateway config so the
// CLI inspects exactly what the server would load.
func loadPolicy(configPath string) (*policy.Snapshot, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	snap, err := policy.Load(cfg.PolicyPath)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	return snap, nil
}
