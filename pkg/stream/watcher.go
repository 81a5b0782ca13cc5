// Package stream defines the streaming callback contract handed to
// completion providers, plus the decorators the UI layer hangs off it.
package stream

import (
	"strings"
	"sync"
	"sync/atomic"
)

// Watcher receives incremental output from a provider. A provider calls
// OnChunk zero or more times, then exactly one of OnComplete or OnError,
// and nothing afterwards.
type Watcher interface {
	OnChunk(text string)
	OnComplete(full string)
	OnError(err error)
}

// Funcs adapts plain functions to a Watcher. Nil fields are skipped.
type Funcs struct {
	Chunk    func(text string)
	Complete func(full string)
	Error    func(err error)
}

func (f Funcs) OnChunk(text string) {
	if f.Chunk != nil {
		f.Chunk(text)
	}
}

func (f Funcs) OnComplete(full string) {
	if f.Complete != nil {
		f.Complete(full)
	}
}

func (f Funcs) OnError(err error) {
	if f.Error != nil {
		f.Error(err)
	}
}

// Nop discards everything.
var Nop Watcher = Funcs{}

// Or returns w, or Nop when w is nil.
func Or(w Watcher) Watcher {
	if w == nil {
		return Nop
	}
	return w
}

type guarded struct {
	w    Watcher
	done atomic.Bool
}

// Guard wraps w so that it sees at most one terminal call. Chunks and
// terminals arriving after the first OnComplete or OnError are dropped.
// The terminal slot is claimed before w is called, so a w that panics in
// its terminal handler is not called again.
func Guard(w Watcher) Watcher {
	if g, ok := w.(*guarded); ok {
		return g
	}
	return &guarded{w: Or(w)}
}

func (g *guarded) OnChunk(text string) {
	if g.done.Load() {
		return
	}
	g.w.OnChunk(text)
}

func (g *guarded) OnComplete(full string) {
	if g.done.CompareAndSwap(false, true) {
		g.w.OnComplete(full)
	}
}

func (g *guarded) OnError(err error) {
	if g.done.CompareAndSwap(false, true) {
		g.w.OnError(err)
	}
}

type tee []Watcher

// Tee fans every call out to each non-nil watcher in order.
func Tee(ws ...Watcher) Watcher {
	out := make(tee, 0, len(ws))
	for _, w := range ws {
		if w != nil {
			out = append(out, w)
		}
	}
	return out
}

func (t tee) OnChunk(text string) {
	for _, w := range t {
		w.OnChunk(text)
	}
}

func (t tee) OnComplete(full string) {
	for _, w := range t {
		w.OnComplete(full)
	}
}

func (t tee) OnError(err error) {
	for _, w := range t {
		w.OnError(err)
	}
}

// Collector records everything it is told. Safe for concurrent use.
type Collector struct {
	mu        sync.Mutex
	chunks    []string
	full      string
	err       error
	terminals int
	done      chan struct{}
	once      sync.Once
}

// NewCollector returns an empty Collector.
func NewCollector() *Collector {
	return &Collector{done: make(chan struct{})}
}

func (c *Collector) OnChunk(text string) {
	c.mu.Lock()
	c.chunks = append(c.chunks, text)
	c.mu.Unlock()
}

func (c *Collector) OnComplete(full string) {
	c.mu.Lock()
	c.full = full
	c.terminals++
	c.mu.Unlock()
	c.once.Do(func() { close(c.done) })
}

func (c *Collector) OnError(err error) {
	c.mu.Lock()
	c.err = err
	c.terminals++
	c.mu.Unlock()
	c.once.Do(func() { close(c.done) })
}

// Done is closed after the first terminal call.
func (c *Collector) Done() <-chan struct{} {
	return c.done
}

// Chunks returns a copy of the chunks received so far.
func (c *Collector) Chunks() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.chunks...)
}

// Text joins the chunks received so far.
func (c *Collector) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.chunks, "")
}

// Full returns the OnComplete argument, or "" if none arrived.
func (c *Collector) Full() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.full
}

// Err returns the OnError argument, or nil.
func (c *Collector) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Terminals counts OnComplete plus OnError calls.
func (c *Collector) Terminals() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminals
}
