// Package events delivers token locker lifecycle events. Delivery is fire and
// forget: no emitter can fail or alter the ledger operation that produced the
// event.
package events

import (
	"context"

	"github.com/R3E-Network/token_locker/internal/app/domain/locker"
)

// Emitter receives lifecycle events.
type Emitter interface {
	Emit(ctx context.Context, event locker.Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, event locker.Event)

// Emit calls f.
func (f EmitterFunc) Emit(ctx context.Context, event locker.Event) { f(ctx, event) }

// Multi fans each event out to every emitter in order.
type Multi []Emitter

// Emit forwards event to every non-nil emitter.
func (m Multi) Emit(ctx context.Context, event locker.Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(ctx, event)
		}
	}
}

// Noop discards events.
type Noop struct{}

// Emit does nothing.
func (Noop) Emit(context.Context, locker.Event) {}
