package router

import (
	"fmt"

	"github.com/pario-ai/genqueue/pkg/config"
	"github.com/pario-ai/genqueue/pkg/models"
)

// Route represents a resolved provider and model to try.
type Route struct {
	Provider config.ProviderConfig
	Model    string
}

// Router resolves requested model names to ordered provider+model chains.
type Router struct {
	cfg *config.Config
}

// New creates a Router from the given configuration.
func New(cfg *config.Config) *Router {
	return &Router{cfg: cfg}
}

// Resolve returns an ordered list of routes for the call options.
// The primary model expands through configured routes; an unrouted model
// goes to the first provider. A fallback model is appended after the
// primary chain, expanded the same way, with duplicates removed.
func (r *Router) Resolve(opts models.CallOptions) ([]Route, error) {
	if len(r.cfg.Providers) == 0 {
		return nil, fmt.Errorf("no providers configured")
	}

	routes, err := r.expand(opts.Model)
	if err != nil {
		return nil, err
	}

	if opts.FallbackModel != "" && opts.FallbackModel != opts.Model {
		fallback, err := r.expand(opts.FallbackModel)
		if err != nil {
			return nil, fmt.Errorf("fallback: %w", err)
		}
		seen := make(map[string]bool, len(routes))
		for _, rt := range routes {
			seen[rt.Provider.Name+"\x00"+rt.Model] = true
		}
		for _, rt := range fallback {
			if !seen[rt.Provider.Name+"\x00"+rt.Model] {
				routes = append(routes, rt)
			}
		}
	}
	return routes, nil
}

func (r *Router) expand(requestedModel string) ([]Route, error) {
	byName := make(map[string]config.ProviderConfig, len(r.cfg.Providers))
	for _, p := range r.cfg.Providers {
		byName[p.Name] = p
	}

	for _, route := range r.cfg.Router.Routes {
		if route.Model != requestedModel {
			continue
		}
		var routes []Route
		for _, target := range route.Targets {
			pc, ok := byName[target.Provider]
			if !ok {
				continue
			}
			model := target.Model
			if model == "" {
				model = requestedModel
			}
			routes = append(routes, Route{Provider: pc, Model: model})
		}
		if len(routes) == 0 {
			return nil, fmt.Errorf("route %q: all providers unknown", requestedModel)
		}
		return routes, nil
	}

	// No matching route, so fall back to the first provider.
	first := r.cfg.Providers[0]
	model := requestedModel
	if model == "" {
		model = first.DefaultModel
	}
	return []Route{{Provider: first, Model: model}}, nil
}
