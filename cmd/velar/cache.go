package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	cachepkg "github.com/velar-health/velar/pkg/cache/sqlite"
	"github.com/velar-health/velar/pkg/config"
)

func newCacheCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the per-provider response caches",
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics per provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PROVIDER\tENTRIES\tHITS\tMISSES\tHIT RATE")
			found := false
			for _, pc := range cfg.Providers {
				path := filepath.Join(cfg.Cache.Dir, pc.Name+".db")
				if _, err := os.Stat(path); err != nil {
					continue
				}
				c, err := cachepkg.New(path, cfg.Cache.TTL)
				if err != nil {
					return fmt.Errorf("open cache for %s: %w", pc.Name, err)
				}
				stats, err := c.Stats()
				_ = c.Close()
				if err != nil {
					return fmt.Errorf("stats for %s: %w", pc.Name, err)
				}
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%.1f%%\n",
					pc.Name, stats.Entries, stats.Hits, stats.Misses, stats.HitRate()*100)
				found = true
			}
			if !found {
				fmt.Println("No cache databases found.")
				return nil
			}
			return w.Flush()
		},
	}

	var expiredOnly bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear cache entries for all providers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			var total int64
			for _, pc := range cfg.Providers {
				path := filepath.Join(cfg.Cache.Dir, pc.Name+".db")
				if _, err := os.Stat(path); err != nil {
					continue
				}
				c, err := cachepkg.New(path, cfg.Cache.TTL)
				if err != nil {
					return fmt.Errorf("open cache for %s: %w", pc.Name, err)
				}
				var removed int64
				if expiredOnly {
					removed, err = c.ClearExpired()
				} else {
					removed, err = c.ClearAll()
				}
				_ = c.Close()
				if err != nil {
					return fmt.Errorf("clear cache for %s: %w", pc.Name, err)
				}
				total += removed
			}

			if expiredOnly {
				fmt.Printf("Removed %d expired cache entries.\n", total)
			} else {
				fmt.Printf("Removed %d cache entries.\n", total)
			}
			return nil
		},
	}
	clearCmd.Flags().BoolVar(&expiredOnly, "expired", false, "only clear expired entries")

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "velar.yaml", "path to config file")
	cmd.AddCommand(statsCmd, clearCmd)
	return cmd
}
