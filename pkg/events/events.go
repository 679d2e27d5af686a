// Package events carries domain events out of the knowledge node services.
// Emission is fire-and-forget: publishers never report delivery back to the caller.
package events

import (
	"context"

	"go.uber.org/zap"
)

// Bus publishes named events.
type Bus interface {
	Emit(ctx context.Context, name string, payload any)
}

// FailureFunc observes events that could not be published.
type FailureFunc func(name string, err error)

// Nop discards every event.
type Nop struct{}

func (Nop) Emit(context.Context, string, any) {}

// LogBus writes events to the logger. Used when no broker is configured.
type LogBus struct {
	logger *zap.Logger
}

func NewLogBus(logger *zap.Logger) *LogBus {
	return &LogBus{logger: logger.Named("events")}
}

func (b *LogBus) Emit(_ context.Context, name string, payload any) {
	b.logger.Info("Event emitted",
		zap.String("event", name),
		zap.Any("payload", payload))
}
