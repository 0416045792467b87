package store

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"spot-trader/internal/events"
)

// Recorder persists bus events. Write failures are logged and dropped.
type Recorder struct {
	store   EventStore
	timeout time.Duration
	logger  zerolog.Logger
}

// NewRecorder creates a recorder writing to store.
func NewRecorder(store EventStore, logger zerolog.Logger) *Recorder {
	return &Recorder{
		store:   store,
		timeout: 5 * time.Second,
		logger:  logger.With().Str("component", "recorder").Logger(),
	}
}

// Run subscribes to bus and records events until the subscription closes or
// ctx is done.
func (r *Recorder) Run(ctx context.Context, bus *events.Bus) {
	sub := bus.Subscribe()
	events.Consume(ctx, sub, func(ev events.Event) {
		// the bus may be draining after ctx is canceled
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()
		if err := r.Record(wctx, ev); err != nil {
			r.logger.Warn().Err(err).Str("kind", string(ev.Kind)).Msg("Failed to record event")
		}
	})
}

// Record writes a single event. Hold decisions are not persisted.
func (r *Recorder) Record(ctx context.Context, ev events.Event) error {
	switch ev.Kind {
	case events.KindDecision:
		if ev.Decision == nil || ev.Decision.IsHold() {
			return nil
		}
		return r.store.SaveDecision(ctx, ev.Decision)
	case events.KindDrawdown:
		if ev.Drawdown == nil {
			return nil
		}
		return r.store.SaveDrawdownAction(ctx, *ev.Drawdown)
	case events.KindStopLoss:
		if ev.StopLoss == nil {
			return nil
		}
		return r.store.SaveStopLossEvent(ctx, ev.StopLoss)
	case events.KindEmergency:
		if ev.Emergency == nil {
			return nil
		}
		return r.store.SaveEmergencyEvent(ctx, ev.Emergency)
	case events.KindOrder:
		if ev.Order == nil {
			return nil
		}
		return r.store.SaveOrder(ctx, *ev.Order)
	case events.KindCycleError:
		msg := "unknown error"
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		return r.store.SaveCycleError(ctx, ev.Asset, msg, ev.Timestamp)
	}
	return nil
}
