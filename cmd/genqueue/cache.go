package main

import (
	"fmt"
	"strings"

	cachepkg "github.com/pario-ai/genqueue/pkg/cache/sqlite"
	"github.com/pario-ai/genqueue/pkg/models"
	"github.com/spf13/cobra"
)

func newCacheCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or empty the transcript replay cache",
	}

	// open returns the cache named by the config, refusing to create one
	// when caching is switched off.
	open := func() (*cachepkg.Cache, error) {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return nil, err
		}
		if !cfg.Cache.Enabled {
			return nil, fmt.Errorf("response cache is disabled in config")
		}
		return cachepkg.New(cfg.Cache.DBPath, cfg.Cache.TTL)
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cached transcripts per model",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := open()
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			stats, err := c.Stats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), formatCacheStats(stats))
			return nil
		},
	}

	var expiredOnly bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete cached responses",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := open()
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			n, err := c.Clear(cmd.Context(), expiredOnly)
			if err != nil {
				return err
			}
			what := "cached responses"
			if expiredOnly {
				what = "expired cached responses"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d %s.\n", n, what)
			return nil
		},
	}
	clearCmd.Flags().BoolVar(&expiredOnly, "expired", false, "only delete entries past their TTL")

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to genqueue config file")
	cmd.AddCommand(statsCmd, clearCmd)
	return cmd
}

func formatCacheStats(stats models.CacheStats) string {
	var b strings.Builder
	if len(stats.Models) == 0 {
		b.WriteString("No cached transcripts.\n")
	} else {
		fmt.Fprintf(&b, "%-30s %8s %8s %10s\n", "MODEL", "ENTRIES", "EXPIRED", "CHARS")
		b.WriteString(strings.Repeat("-", 59) + "\n")
		for _, m := range stats.Models {
			fmt.Fprintf(&b, "%-30s %8d %8d %10d\n", m.Model, m.Entries, m.Expired, m.Chars)
		}
		fmt.Fprintf(&b, "%-30s %8d %8d\n", "total", stats.Entries, stats.Expired)
	}
	fmt.Fprintf(&b, "Lookups this run: %d hit / %d miss\n", stats.Hits, stats.Misses)
	return b.String()
}
