package activitypub

import (
	"context"

	"github.com/deemkeen/fedcore/domain"
	"go.uber.org/zap"
)

// EventEmitter receives events after their state change is committed.
// Emit must not block for long.
type EventEmitter interface {
	Emit(ctx context.Context, ev domain.Event)
}

// EmitterFunc adapts a function to EventEmitter.
type EmitterFunc func(ctx context.Context, ev domain.Event)

func (f EmitterFunc) Emit(ctx context.Context, ev domain.Event) {
	f(ctx, ev)
}

// LogEmitter writes every event to the logger at debug level.
type LogEmitter struct {
	Logger *zap.Logger
}

func (e LogEmitter) Emit(_ context.Context, ev domain.Event) {
	e.Logger.Debug("Federation event",
		zap.String("type", string(ev.Type)),
		zap.String("activity", ev.ActivityID),
		zap.String("actor", ev.Actor),
		zap.String("object", ev.Object))
}

// FanoutEmitter forwards each event to every emitter in order.
type FanoutEmitter []EventEmitter

func (f FanoutEmitter) Emit(ctx context.Context, ev domain.Event) {
	for _, e := range f {
		if e != nil {
			e.Emit(ctx, ev)
		}
	}
}

type nopEmitter struct{}

func (nopEmitter) Emit(context.Context, domain.Event) {}
