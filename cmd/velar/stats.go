package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/velar-health/velar/pkg/config"
	"github.com/velar-health/velar/pkg/ledger"
	"github.com/velar-health/velar/pkg/models"
)

func newStatsCmd() *cobra.Command {
	var (
		configPath string
		provider   string
		since      string
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show spend and token usage from the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			led, err := ledger.New(cfg.Ledger.DBPath)
			if err != nil {
				return err
			}
			defer led.Close()

			ctx := context.Background()

			var rows []models.SpendSummary
			if since != "" {
				t, err := time.Parse("2006-01-02", since)
				if err != nil {
					return fmt.Errorf("invalid --since date (use YYYY-MM-DD): %w", err)
				}
				rows, err = led.Report(ctx, t)
				if err != nil {
					return err
				}
				if provider != "" {
					filtered := rows[:0]
					for _, r := range rows {
						if r.Provider == provider {
							filtered = append(filtered, r)
						}
					}
					rows = filtered
				}
			} else {
				rows, err = led.Summary(ctx, provider)
				if err != nil {
					return err
				}
			}

			if len(rows) == 0 {
				fmt.Println("No spend recorded.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PROVIDER\tMODEL\tREQUESTS\tTOKENS IN\tTOKENS OUT\tCOST")
			var totalCents int64
			for _, r := range rows {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t$%.2f\n",
					r.Provider, r.Model, r.RequestCount, r.TokensIn, r.TokensOut,
					float64(r.CostCents)/100)
				totalCents += r.CostCents
			}
			if err := w.Flush(); err != nil {
				return err
			}

			mtd, err := led.MonthToDateCents(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("\nTotal: $%.2f  Month to date: $%.2f\n",
				float64(totalCents)/100, float64(mtd)/100)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "velar.yaml", "path to config file")
	cmd.Flags().StringVar(&provider, "provider", "", "filter by provider")
	cmd.Flags().StringVar(&since, "since", "", "start date (YYYY-MM-DD)")
	return cmd
}
