// Package speculative holds results generated ahead of a player's choice.
//
// Every entry is tagged with the epoch in which it was started. Advancing
// the epoch (InvalidateAll) orphans all earlier work: producers that finish
// late find their entry gone or superseded and their result is discarded.
package speculative

import (
	"context"
	"errors"
	"sync"

	"github.com/pario-ai/genqueue/pkg/future"
	"github.com/pario-ai/genqueue/pkg/logging"
	"github.com/pario-ai/genqueue/pkg/models"
	"go.uber.org/zap"
)

var errPanicked = errors.New("speculative producer panicked")

type state int

const (
	pending state = iota
	completed
)

type entry[T any] struct {
	state   state
	epoch   uint64
	promise *future.Promise[T]
	value   T
}

// Cache maps keys to pending or completed speculative results.
type Cache[T any] struct {
	logger *zap.Logger
	base   context.Context

	mu      sync.Mutex
	entries map[string]*entry[T]
	epoch   uint64

	hits      int64
	misses    int64
	discarded int64

	wg sync.WaitGroup
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	logger *zap.Logger
	ctx    context.Context
}

// WithLogger sets the diagnostics logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithContext sets the context handed to producers.
func WithContext(ctx context.Context) Option {
	return func(o *options) { o.ctx = ctx }
}

// New returns an empty cache at epoch 0.
func New[T any](opts ...Option) *Cache[T] {
	o := options{ctx: context.Background()}
	for _, fn := range opts {
		fn(&o)
	}
	c := &Cache[T]{
		logger:  logging.OrNop(o.logger),
		base:    o.ctx,
		entries: make(map[string]*entry[T]),
	}
	return c
}

// StartSpeculative begins producing a value for key in the background. It
// returns false without starting anything if key already has a pending or
// completed entry in the current epoch.
//
// Invalidation does not interrupt a running producer. Its result is
// discarded when it lands in a later epoch.
func (c *Cache[T]) StartSpeculative(key string, produce func(ctx context.Context) (T, error)) bool {
	c.mu.Lock()
	if _, ok := c.entries[key]; ok {
		c.mu.Unlock()
		return false
	}
	e := &entry[T]{
		state:   pending,
		epoch:   c.epoch,
		promise: future.NewPromise[T](nil),
	}
	c.entries[key] = e
	c.wg.Add(1)
	c.mu.Unlock()

	c.logger.Debug("speculative start", zap.String("key", key), zap.Uint64("epoch", e.epoch))

	go func() {
		defer c.wg.Done()
		v, err := c.run(c.base, key, produce)
		if err != nil {
			e.promise.Resolve(future.Failed[T](err))
			c.drop(key, e, err)
			return
		}
		e.promise.Resolve(future.Succeeded(v))
		c.complete(key, e, v)
	}()
	return true
}

func (c *Cache[T]) run(ctx context.Context, key string, produce func(ctx context.Context) (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("speculative producer panicked", zap.String("key", key), zap.Any("panic", r))
			err = errPanicked
		}
	}()
	return produce(ctx)
}

// complete stores v only if e is still the pending entry for key and
// belongs to the current epoch.
func (c *Cache[T]) complete(key string, e *entry[T], v T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries[key] != e || e.epoch != c.epoch || e.state != pending {
		c.discarded++
		c.logger.Debug("speculative result discarded",
			zap.String("key", key),
			zap.Uint64("epoch", e.epoch),
			zap.Uint64("current_epoch", c.epoch))
		return
	}
	e.state = completed
	e.value = v
}

func (c *Cache[T]) drop(key string, e *entry[T], err error) {
	c.mu.Lock()
	current := c.entries[key] == e
	if current {
		delete(c.entries, key)
	}
	c.mu.Unlock()
	if current {
		c.logger.Warn("speculative generation failed", zap.String("key", key), zap.Error(err))
	}
}

// StoreCompleted completes key's pending entry in the current epoch. It
// cannot tell a straggler from an earlier epoch apart from a producer that
// reserved key after the last invalidation; producers that may outlive an
// InvalidateAll should hold the epoch from Reserve and use StoreCompletedAt.
func (c *Cache[T]) StoreCompleted(key string, v T) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store(key, c.epoch, v)
}

// StoreCompletedAt completes key's pending entry with v if that entry was
// reserved in epoch and epoch is still current. It reports whether v was
// kept; a value for an absent, already completed, or stale entry is
// discarded.
func (c *Cache[T]) StoreCompletedAt(key string, epoch uint64, v T) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store(key, epoch, v)
}

func (c *Cache[T]) store(key string, epoch uint64, v T) bool {
	e, ok := c.entries[key]
	if !ok || e.state != pending || e.epoch != epoch || epoch != c.epoch {
		c.discarded++
		c.logger.Debug("speculative store discarded",
			zap.String("key", key),
			zap.Uint64("epoch", epoch),
			zap.Uint64("current_epoch", c.epoch))
		return false
	}
	e.state = completed
	e.value = v
	e.promise.Resolve(future.Succeeded(v))
	return true
}

// Reserve records a pending entry for key without starting a producer and
// returns the epoch it was reserved in. The value is supplied later through
// StoreCompletedAt with that epoch. ok is false if key is already present.
func (c *Cache[T]) Reserve(key string) (epoch uint64, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; exists {
		return 0, false
	}
	c.entries[key] = &entry[T]{state: pending, epoch: c.epoch, promise: future.NewPromise[T](nil)}
	return c.epoch, true
}

// TryGetCached returns key's value if it completed in the current epoch.
// It never blocks.
func (c *Cache[T]) TryGetCached(key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookup(key, false)
}

// Take is TryGetCached that also removes the entry on a hit.
func (c *Cache[T]) Take(key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookup(key, true)
}

func (c *Cache[T]) lookup(key string, consume bool) (T, bool) {
	e, ok := c.entries[key]
	if !ok || e.state != completed || e.epoch != c.epoch {
		c.misses++
		var zero T
		return zero, false
	}
	c.hits++
	if consume {
		delete(c.entries, key)
	}
	return e.value, true
}

// Pending returns the future for key's in-progress entry, if any. Callers
// that would rather wait than regenerate can await it.
func (c *Cache[T]) Pending(key string) (*future.Future[T], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || e.state != pending || e.epoch != c.epoch {
		return nil, false
	}
	return e.promise.Future(), true
}

// InvalidateAll drops every entry and advances the epoch. Results from
// producers still running will be discarded.
func (c *Cache[T]) InvalidateAll() {
	c.mu.Lock()
	n := len(c.entries)
	c.advance()
	epoch := c.epoch
	c.mu.Unlock()

	c.logger.Debug("speculative cache invalidated", zap.Int("dropped", n), zap.Uint64("epoch", epoch))
}

// Clear is InvalidateAll plus a reset of the hit, miss and discard counters.
func (c *Cache[T]) Clear() {
	c.mu.Lock()
	c.advance()
	c.hits, c.misses, c.discarded = 0, 0, 0
	c.mu.Unlock()
}

func (c *Cache[T]) advance() {
	c.entries = make(map[string]*entry[T])
	c.epoch++
}

// Epoch returns the current epoch.
func (c *Cache[T]) Epoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// Len returns the number of pending and completed entries.
func (c *Cache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of cache activity.
func (c *Cache[T]) Stats() models.SpeculativeStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := models.SpeculativeStats{
		Epoch:     c.epoch,
		Hits:      c.hits,
		Misses:    c.misses,
		Discarded: c.discarded,
	}
	for _, e := range c.entries {
		if e.state == completed {
			s.Completed++
		} else {
			s.Pending++
		}
	}
	return s
}

// Wait blocks until every producer started so far has returned.
func (c *Cache[T]) Wait() {
	c.wg.Wait()
}
