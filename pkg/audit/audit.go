// Package audit records finished generation requests.
package audit

import (
	"context"

	"github.com/pario-ai/genqueue/pkg/models"
)

// InteractionLogger persists one finished request. Implementations may fail;
// callers treat failures as diagnostics only.
type InteractionLogger interface {
	LogInteraction(ctx context.Context, ia models.Interaction) error
}

// Nop discards every interaction.
type Nop struct{}

func (Nop) LogInteraction(context.Context, models.Interaction) error { return nil }

// Func adapts a function to an InteractionLogger.
type Func func(ctx context.Context, ia models.Interaction) error

func (f Func) LogInteraction(ctx context.Context, ia models.Interaction) error {
	return f(ctx, ia)
}

// Or returns l, or Nop when l is nil.
func Or(l InteractionLogger) InteractionLogger {
	if l == nil {
		return Nop{}
	}
	return l
}
