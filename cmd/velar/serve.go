package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/velar-health/velar/pkg/audit"
	"github.com/velar-health/velar/pkg/config"
	"github.com/velar-health/velar/pkg/gateway"
	"github.com/velar-health/velar/pkg/ledger"
	"github.com/velar-health/velar/pkg/metrics"
	"github.com/velar-health/velar/pkg/models"
	"github.com/velar-health/velar/pkg/policy"
	"github.com/velar-health/velar/pkg/quality"
	"github.com/velar-health/velar/pkg/server"
)

func newServeCmd() *cobra.Command {
	var configPath string
	var logFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the LLM gateway server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if len(cfg.Providers) == 0 {
				return fmt.Errorf("no providers configured")
			}
			if logFile != "" {
				cfg.Log.File = logFile
			}

			setupLogging(cfg.Log)

			snap, err := policy.Load(cfg.PolicyPath)
			if err != nil {
				return fmt.Errorf("load policy: %w", err)
			}
			enforcer := policy.NewEnforcer(snap)
			log.Printf("policy loaded, digest %.12s", snap.Digest)

			led, err := ledger.New(cfg.Ledger.DBPath)
			if err != nil {
				return fmt.Errorf("init ledger: %w", err)
			}
			defer func() { _ = led.Close() }()

			var sink audit.Sink = audit.NopSink{}
			if cfg.Audit.Enabled {
				logger, err := audit.New(cfg.Audit, enforcer.Redact)
				if err != nil {
					return fmt.Errorf("init audit log: %w", err)
				}
				defer func() { _ = logger.Close() }()
				sink = logger
			}

			collector := metrics.NewCollector()
			deps := gateway.Deps{
				Policy:  enforcer,
				Metrics: collector,
				Audit:   sink,
				Ledger:  led,
				Cache:   cfg.Cache,
				Pricing: cfg.PricingFor,
			}

			adapters := make(map[string]gateway.Adapter, len(cfg.Providers))
			for _, pc := range cfg.Providers {
				ad, err := gateway.Factory(pc, deps)
				if err != nil {
					return fmt.Errorf("init provider %s: %w", pc.Name, err)
				}
				adapters[pc.Name] = ad
			}
			defer func() {
				for _, ad := range adapters {
					if c, ok := ad.(io.Closer); ok {
						_ = c.Close()
					}
				}
			}()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			go func() {
				err := enforcer.Watch(ctx, cfg.PolicyPath, func(old, next *policy.Snapshot) {
					_ = sink.Record(ctx, models.AuditEvent{
						Action: models.AuditActionReload,
						Result: models.AuditOK,
						Metadata: map[string]string{
							"old_digest": old.Digest,
							"new_digest": next.Digest,
						},
					})
				})
				if err != nil && ctx.Err() == nil {
					log.Printf("policy watch stopped: %v", err)
				}
			}()

			srv := server.New(cfg, adapters, quality.NewGate(enforcer), enforcer, collector)
			return srv.ListenAndServe(ctx)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "velar.yaml", "path to config file")
	cmd.Flags().StringVar(&logFile, "log-file", "", "mirror logs to a rotating file (overrides config)")
	return cmd
}

// setupLogging mirrors log output into a rotating file when one is
// configured. Stderr always receives the stream.
func setupLogging(lc config.LogConfig) {
	if lc.File == "" {
		return
	}
	rotator := &lumberjack.Logger{
		Filename:   lc.File,
		MaxSize:    lc.MaxSizeMB,
		MaxBackups: lc.MaxBackups,
		MaxAge:     lc.MaxAgeDays,
	}
	log.SetOutput(io.MultiWriter(os.Stderr, rotator))
}
