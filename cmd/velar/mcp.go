package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/velar-health/velar/pkg/audit"
	"github.com/velar-health/velar/pkg/config"
	"github.com/velar-health/velar/pkg/gateway"
	"github.com/velar-health/velar/pkg/ledger"
	"github.com/velar-health/velar/pkg/mcp"
	"github.com/velar-health/velar/pkg/metrics"
	"github.com/velar-health/velar/pkg/policy"
)

func newMCPCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve gateway introspection tools over stdio MCP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			snap, err := policy.Load(cfg.PolicyPath)
			if err != nil {
				return fmt.Errorf("load policy: %w", err)
			}
			enforcer := policy.NewEnforcer(snap)

			led, err := ledger.New(cfg.Ledger.DBPath)
			if err != nil {
				return fmt.Errorf("init ledger: %w", err)
			}
			defer func() { _ = led.Close() }()

			collector := metrics.NewCollector()
			deps := gateway.Deps{
				Policy:  enforcer,
				Metrics: collector,
				Audit:   audit.NopSink{},
				Ledger:  led,
				Cache:   cfg.Cache,
				Pricing: cfg.PricingFor,
			}

			providers := make(map[string]mcp.Reporter)
			for _, pc := range cfg.Providers {
				ad, err := gateway.Factory(pc, deps)
				if err != nil {
					return fmt.Errorf("init provider %s: %w", pc.Name, err)
				}
				if rep, ok := ad.(mcp.Reporter); ok {
					providers[pc.Name] = rep
				}
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			srv := mcp.New(collector, providers, enforcer, led, version)
			if err := srv.Run(ctx, os.Stdin, os.Stdout); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "velar.yaml", "path to config file")
	return cmd
}
