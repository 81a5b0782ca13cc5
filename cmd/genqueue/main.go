package main

import (
	"fmt"
	"os"

	"github.com/pario-ai/genqueue/pkg/audit"
	cachepkg "github.com/pario-ai/genqueue/pkg/cache/sqlite"
	"github.com/pario-ai/genqueue/pkg/config"
	"github.com/pario-ai/genqueue/pkg/logging"
	"github.com/pario-ai/genqueue/pkg/provider"
	"github.com/pario-ai/genqueue/pkg/session"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:          "genqueue",
		Short:        "Prioritized streaming text generation for narrative games",
		Version:      version,
		SilenceUsage: true,
	}

	root.AddCommand(
		newGenerateCmd(),
		newPrefetchCmd(),
		newHealthCmd(),
		newAuditCmd(),
		newCacheCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// runtime is everything a generating command needs. close releases it in
// reverse order of construction.
type runtime struct {
	cfg     *config.Config
	logger  *zap.Logger
	session *session.Session
	closers []func()
}

func (r *runtime) close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

func newRuntime(configPath string) (*runtime, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("no providers configured")
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	rt := &runtime{cfg: cfg, logger: logger}
	rt.closers = append(rt.closers, func() { _ = logger.Sync() })

	var p provider.Provider = provider.NewRouted(cfg, logger)
	if cfg.Cache.Enabled {
		c, err := cachepkg.New(cfg.Cache.DBPath, cfg.Cache.TTL)
		if err != nil {
			rt.close()
			return nil, fmt.Errorf("open response cache: %w", err)
		}
		rt.closers = append(rt.closers, func() { _ = c.Close() })
		p = provider.NewCached(p, c, logger)
	}

	var interactions audit.InteractionLogger
	if cfg.Audit.Enabled {
		l, err := audit.New(cfg.Audit)
		if err != nil {
			rt.close()
			return nil, fmt.Errorf("open audit db: %w", err)
		}
		rt.closers = append(rt.closers, func() { _ = l.Close() })
		interactions = l
	}

	rt.session = session.New(p, cfg, logger, interactions)
	return rt, nil
}
