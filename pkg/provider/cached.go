package provider

import (
	"context"

	cachepkg "github.com/pario-ai/genqueue/pkg/cache/sqlite"
	"github.com/pario-ai/genqueue/pkg/logging"
	"github.com/pario-ai/genqueue/pkg/models"
	"github.com/pario-ai/genqueue/pkg/stream"
	"go.uber.org/zap"
)

// Cached serves identical transcripts from the response cache and stores
// fresh successes. A hit is replayed as one chunk followed by OnComplete.
type Cached struct {
	next   Provider
	cache  *cachepkg.Cache
	logger *zap.Logger
}

// NewCached wraps next with cache.
func NewCached(next Provider, cache *cachepkg.Cache, logger *zap.Logger) *Cached {
	return &Cached{next: next, cache: cache, logger: logging.OrNop(logger)}
}

func (c *Cached) Name() string { return c.next.Name() }

func (c *Cached) CheckHealth(ctx context.Context) bool { return c.next.CheckHealth(ctx) }

func (c *Cached) Complete(ctx context.Context, transcript []models.Turn, opts models.CallOptions, w stream.Watcher) (string, error) {
	w = stream.Or(w)
	hash := cachepkg.HashTranscript(opts.Model, transcript)

	if text, ok := c.cache.Get(ctx, hash, opts.Model); ok {
		c.logger.Debug("response cache hit", zap.String("hash", hash[:12]))
		w.OnChunk(text)
		return finish(w, text, nil)
	}

	text, err := c.next.Complete(ctx, transcript, opts, w)
	if err != nil {
		return "", err
	}
	if perr := c.cache.Put(ctx, hash, opts.Model, text); perr != nil {
		c.logger.Warn("response cache put failed", zap.Error(perr))
	}
	return text, nil
}
