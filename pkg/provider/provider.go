// Package provider defines the completion backend contract the queue
// depends on, and the HTTP backends that satisfy it.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/pario-ai/genqueue/pkg/models"
	"github.com/pario-ai/genqueue/pkg/stream"
)

var (
	// ErrUpstream matches every *UpstreamError.
	ErrUpstream = errors.New("upstream failure")
	// ErrNoRoutes is returned when a model cannot be resolved to any backend.
	ErrNoRoutes = errors.New("no routes for model")
)

// Provider produces a full response for a transcript. Implementations call
// w.OnChunk zero or more times, then exactly one of w.OnComplete or
// w.OnError. w may be nil. Timeouts are the provider's responsibility.
type Provider interface {
	Complete(ctx context.Context, transcript []models.Turn, opts models.CallOptions, w stream.Watcher) (string, error)
	Name() string
	CheckHealth(ctx context.Context) bool
}

// UpstreamError describes a failed call to one backend.
type UpstreamError struct {
	Provider   string
	Model      string
	StatusCode int    // 0 for transport errors
	Body       string // truncated error body, if any
	Streamed   bool   // output had already reached the watcher
	Err        error
}

func (e *UpstreamError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Body != "":
		return fmt.Sprintf("%s/%s: status %d: %s", e.Provider, e.Model, e.StatusCode, e.Body)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s/%s: status %d", e.Provider, e.Model, e.StatusCode)
	default:
		return fmt.Sprintf("%s/%s: %v", e.Provider, e.Model, e.Err)
	}
}

func (e *UpstreamError) Unwrap() error { return e.Err }

func (e *UpstreamError) Is(target error) bool { return target == ErrUpstream }

// Retryable reports whether the next route in a chain may be tried.
// Nothing is retried once output has been streamed to the caller.
func Retryable(err error) bool {
	var ue *UpstreamError
	if !errors.As(err, &ue) || ue.Streamed {
		return false
	}
	return ue.StatusCode == 0 || ue.StatusCode == 429 || ue.StatusCode >= 500
}

// Func adapts plain functions to a Provider. CompleteFn is responsible for
// the watcher contract.
type Func struct {
	ProviderName string
	CompleteFn   func(ctx context.Context, transcript []models.Turn, opts models.CallOptions, w stream.Watcher) (string, error)
	HealthFn     func(ctx context.Context) bool
}

func (f *Func) Complete(ctx context.Context, transcript []models.Turn, opts models.CallOptions, w stream.Watcher) (string, error) {
	return f.CompleteFn(ctx, transcript, opts, w)
}

func (f *Func) Name() string { return f.ProviderName }

func (f *Func) CheckHealth(ctx context.Context) bool {
	if f.HealthFn == nil {
		return true
	}
	return f.HealthFn(ctx)
}

// finish delivers the terminal watcher event for a completed call.
func finish(w stream.Watcher, text string, err error) (string, error) {
	if err != nil {
		w.OnError(err)
		return "", err
	}
	w.OnComplete(text)
	return text, nil
}
