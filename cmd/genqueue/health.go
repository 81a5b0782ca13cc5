package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/pario-ai/genqueue/pkg/config"
	"github.com/pario-ai/genqueue/pkg/provider"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newHealthCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check every configured provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if len(cfg.Providers) == 0 {
				return fmt.Errorf("no providers configured")
			}

			routed := provider.NewRouted(cfg, nil)
			healthy := make([]bool, len(cfg.Providers))

			var eg errgroup.Group
			for i, p := range cfg.Providers {
				up, ok := routed.Upstream(p.Name)
				if !ok {
					continue
				}
				eg.Go(func() error {
					healthy[i] = up.CheckHealth(context.Background())
					return nil
				})
			}
			_ = eg.Wait()

			fmt.Fprint(cmd.OutOrStdout(), formatHealth(cfg.Providers, healthy))
			for _, ok := range healthy {
				if !ok {
					return fmt.Errorf("one or more providers are unhealthy")
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to genqueue config file")
	return cmd
}

func formatHealth(providers []config.ProviderConfig, healthy []bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %-10s %-40s %s\n", "PROVIDER", "TYPE", "URL", "STATUS")
	b.WriteString(strings.Repeat("-", 80) + "\n")
	for i, p := range providers {
		status := "ok"
		if !healthy[i] {
			status = "DOWN"
		}
		typ := p.Type
		if typ == "" {
			typ = "openai"
		}
		fmt.Fprintf(&b, "%-20s %-10s %-40s %s\n", p.Name, typ, p.URL, status)
	}
	return b.String()
}
