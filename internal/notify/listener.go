package notify

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"spot-trader/internal/events"
)

// Listener turns risk events from the bus into notifications.
type Listener struct {
	notifier *MultiNotifier
	currency string
	timeout  time.Duration
	logger   zerolog.Logger
}

// NewListener creates a listener delivering through notifier.
func NewListener(notifier *MultiNotifier, currency string, logger zerolog.Logger) *Listener {
	return &Listener{
		notifier: notifier,
		currency: currency,
		timeout:  15 * time.Second,
		logger:   logger.With().Str("component", "notify").Logger(),
	}
}

// Run subscribes to risk events and delivers them until the subscription
// closes or ctx is done.
func (l *Listener) Run(ctx context.Context, bus *events.Bus) {
	sub := bus.Subscribe(events.KindDrawdown, events.KindStopLoss, events.KindEmergency, events.KindCycleError)
	events.Consume(ctx, sub, func(ev events.Event) {
		n, ok := l.Notification(ev)
		if !ok {
			return
		}
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.timeout)
		defer cancel()
		if err := l.notifier.Send(sctx, n); err != nil {
			l.logger.Warn().Err(err).Str("type", string(n.Type)).Msg("Notification delivery failed")
		}
	})
}

// Notification maps an event to a notification. Drawdown updates without a
// state change are not notified.
func (l *Listener) Notification(ev events.Event) (Notification, bool) {
	switch ev.Kind {
	case events.KindDrawdown:
		if ev.Drawdown == nil || !ev.Drawdown.Changed {
			return Notification{}, false
		}
		return DrawdownNotification(*ev.Drawdown, l.currency), true
	case events.KindStopLoss:
		if ev.StopLoss == nil {
			return Notification{}, false
		}
		return StopLossNotification(ev.StopLoss, l.currency), true
	case events.KindEmergency:
		if ev.Emergency == nil {
			return Notification{}, false
		}
		return EmergencyNotification(ev.Emergency, l.currency), true
	case events.KindCycleError:
		if ev.Err == nil {
			return Notification{}, false
		}
		return ErrorNotification(ev.Asset, ev.Err, ev.Timestamp), true
	}
	return Notification{}, false
}
