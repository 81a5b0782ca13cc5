// Package future provides a single-assignment result cell with a tagged outcome.
package future

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrCancelled is returned by Await when the outcome is Cancelled.
var ErrCancelled = errors.New("generation cancelled")

// Kind tags how a future was resolved.
type Kind int

const (
	// Success means Value holds the result.
	Success Kind = iota + 1
	// ProviderError means Err holds the backend failure.
	ProviderError
	// Cancelled means the work was abandoned before producing a result.
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case ProviderError:
		return "provider_error"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Outcome is the terminal state of a future.
type Outcome[T any] struct {
	Kind  Kind
	Value T
	Err   error
}

// Succeeded builds a Success outcome.
func Succeeded[T any](v T) Outcome[T] {
	return Outcome[T]{Kind: Success, Value: v}
}

// Failed builds a ProviderError outcome.
func Failed[T any](err error) Outcome[T] {
	return Outcome[T]{Kind: ProviderError, Err: err}
}

// Aborted builds a Cancelled outcome. cause may be nil.
func Aborted[T any](cause error) Outcome[T] {
	return Outcome[T]{Kind: Cancelled, Err: cause}
}

// Result converts the outcome into Go's value/error pair.
func (o Outcome[T]) Result() (T, error) {
	switch o.Kind {
	case Success:
		return o.Value, nil
	case ProviderError:
		var zero T
		return zero, o.Err
	case Cancelled:
		var zero T
		if o.Err != nil {
			return zero, fmt.Errorf("%w: %w", ErrCancelled, o.Err)
		}
		return zero, ErrCancelled
	default:
		var zero T
		return zero, fmt.Errorf("future: invalid outcome kind %v", o.Kind)
	}
}

// Future is the read side of a Promise.
type Future[T any] struct {
	done      chan struct{}
	outcome   Outcome[T]
	observe   sync.Once
	onObserve func()
}

// Promise is the write side. Only the first Resolve has any effect.
type Promise[T any] struct {
	f    *Future[T]
	once sync.Once
}

// NewPromise creates an unresolved promise. onObserve, if non-nil, runs once
// the first time a resolved outcome is read from the future.
func NewPromise[T any](onObserve func()) *Promise[T] {
	return &Promise[T]{f: &Future[T]{
		done:      make(chan struct{}),
		onObserve: onObserve,
	}}
}

// Future returns the read side.
func (p *Promise[T]) Future() *Future[T] {
	return p.f
}

// Resolve stores o and wakes all waiters. It reports whether this call
// performed the resolution.
func (p *Promise[T]) Resolve(o Outcome[T]) bool {
	resolved := false
	p.once.Do(func() {
		p.f.outcome = o
		close(p.f.done)
		resolved = true
	})
	return resolved
}

// Done is closed once the future is resolved.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Outcome returns the outcome if resolved, without blocking.
func (f *Future[T]) Outcome() (Outcome[T], bool) {
	select {
	case <-f.done:
		f.markObserved()
		return f.outcome, true
	default:
		return Outcome[T]{}, false
	}
}

// Await blocks until the future resolves or ctx is done. A ctx error does
// not affect the future; a later Await can still collect the outcome.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		f.markObserved()
		return f.outcome.Result()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (f *Future[T]) markObserved() {
	if f.onObserve == nil {
		return
	}
	f.observe.Do(f.onObserve)
}
