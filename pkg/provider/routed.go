package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/pario-ai/genqueue/pkg/config"
	"github.com/pario-ai/genqueue/pkg/logging"
	"github.com/pario-ai/genqueue/pkg/models"
	"github.com/pario-ai/genqueue/pkg/router"
	"github.com/pario-ai/genqueue/pkg/stream"
	"go.uber.org/zap"
)

// Routed resolves the requested model through the router and walks the
// resulting chain until one backend succeeds.
type Routed struct {
	router    *router.Router
	upstreams map[string]*HTTP
	order     []string
	logger    *zap.Logger
}

// NewRouted builds one HTTP backend per configured provider.
func NewRouted(cfg *config.Config, logger *zap.Logger, opts ...HTTPOption) *Routed {
	logger = logging.OrNop(logger)
	r := &Routed{
		router:    router.New(cfg),
		upstreams: make(map[string]*HTTP, len(cfg.Providers)),
		logger:    logger,
	}
	opts = append([]HTTPOption{WithHTTPLogger(logger)}, opts...)
	for _, p := range cfg.Providers {
		r.upstreams[p.Name] = NewHTTP(p, opts...)
		r.order = append(r.order, p.Name)
	}
	return r
}

// Name lists the configured backends in order.
func (r *Routed) Name() string {
	return "routed(" + strings.Join(r.order, ",") + ")"
}

// Complete tries each resolved route in order. A route is skipped only when
// it failed retryably before streaming anything.
func (r *Routed) Complete(ctx context.Context, transcript []models.Turn, opts models.CallOptions, w stream.Watcher) (string, error) {
	w = stream.Or(w)

	routes, err := r.router.Resolve(opts)
	if err != nil {
		return finish(w, "", fmt.Errorf("%w: %v", ErrNoRoutes, err))
	}

	var lastErr error
	for i, rt := range routes {
		up, ok := r.upstreams[rt.Provider.Name]
		if !ok {
			continue
		}
		text, err := up.attempt(ctx, rt.Model, transcript, w.OnChunk)
		if err == nil {
			return finish(w, text, nil)
		}
		lastErr = err
		if ctx.Err() != nil || !Retryable(err) {
			break
		}
		if i < len(routes)-1 {
			r.logger.Warn("upstream failed, trying next",
				zap.String("provider", rt.Provider.Name),
				zap.String("model", rt.Model),
				zap.Error(err))
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("%w: %q", ErrNoRoutes, opts.Model)
	}
	return finish(w, "", lastErr)
}

// CheckHealth reports whether any backend is healthy.
func (r *Routed) CheckHealth(ctx context.Context) bool {
	for _, name := range r.order {
		if r.upstreams[name].CheckHealth(ctx) {
			return true
		}
	}
	return false
}

// Upstream returns the backend registered under name.
func (r *Routed) Upstream(name string) (*HTTP, bool) {
	up, ok := r.upstreams[name]
	return up, ok
}
