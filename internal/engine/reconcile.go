package engine

import (
	"context"
	"errors"

	"go.uber.org/multierr"

	apperrors "spot-trader/internal/errors"
	"spot-trader/internal/events"
	"spot-trader/internal/logging"
	"spot-trader/internal/models"
)

// staleOrderCycles is how many cycles a non-grid order may rest before it is canceled.
const staleOrderCycles = 3

// Reconcile polls every open order and feeds new fills back. It shares the
// cycle guard, so it never runs while a cycle is in progress.
func (e *Engine) Reconcile(ctx context.Context) error {
	if err := e.acquire(); err != nil {
		return err
	}
	defer e.running.Store(false)
	return e.reconcile(ctx)
}

func (e *Engine) reconcile(ctx context.Context) error {
	var errs error
	staleAfter := staleOrderCycles * e.config.Trading.CycleInterval
	for _, o := range e.orders.Open() {
		if err := e.refresh(ctx, o.OrderID); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		cur, ok := e.orders.Get(o.OrderID)
		if !ok || cur.Status.IsTerminal() || cur.Source == models.DecisionGrid {
			continue
		}
		if staleAfter > 0 && e.now().Sub(cur.PlacedAt) > staleAfter {
			e.logger.Info().Str("order_id", cur.OrderID).Str("asset", cur.Asset).Msg("Canceling stale order")
			errs = multierr.Append(errs, e.cancelOrder(ctx, cur.OrderID))
		}
	}
	return errs
}

// refresh reads one order's status from the exchange and applies it. An
// order the exchange no longer knows is closed locally with what was filled.
func (e *Engine) refresh(ctx context.Context, orderID string) error {
	state, err := e.exchange.GetOrderStatus(ctx, orderID)
	if err != nil {
		if !errors.Is(err, apperrors.ErrOrderNotFound) {
			return err
		}
		tracked, ok := e.orders.Get(orderID)
		if !ok {
			return nil
		}
		e.logger.Warn().Str("order_id", orderID).Msg("Order unknown to exchange, closing locally")
		state = models.OrderState{
			OrderID:      orderID,
			Status:       models.OrderStatusCanceled,
			FilledSize:   tracked.FilledSize,
			AveragePrice: tracked.FillPrice,
		}
	}
	up, ok := e.orders.Apply(state, e.now())
	if !ok {
		return nil
	}
	e.applyUpdate(up)
	return nil
}

func (e *Engine) applyUpdate(up OrderUpdate) {
	if up.Fill != nil {
		e.applyFill(*up.Fill)
	}
	if up.Done {
		e.capital.ReleaseOrder(up.Order.OrderID)
	} else if up.Fill != nil {
		e.reserveCapital(up.Order)
	}
	if up.Fill != nil || up.Done {
		e.publish(events.OrderEvent(up.Order))
		logging.LogOrder(e.logger, up.Order.OrderID, up.Order.Asset, string(up.Order.Side), string(up.Order.Status))
	}
	if up.Done {
		e.finishOrder(up.Order)
	}
}

// reserveCapital holds capital for the unfilled part of a buy order until it
// fills or closes.
func (e *Engine) reserveCapital(o models.TrackedOrder) {
	if o.Side != models.SideBuy {
		return
	}
	price := o.Price
	if price <= 0 {
		if snap, ok := e.market.Last(o.Asset); ok {
			price = snap.Price
		}
	}
	e.capital.ReserveOrder(o.OrderID, o.Asset, (o.Size-o.FilledSize)*price)
}

// applyFill updates positions and stop state with a newly filled size.
func (e *Engine) applyFill(f models.Fill) {
	before, _ := e.capital.Position(f.Asset)
	e.capital.UpdatePosition(f)
	logging.LogFill(e.logger, f.Asset, string(f.Side), f.Size, f.Price)
	after, open := e.capital.Position(f.Asset)

	switch f.Side {
	case models.SideBuy:
		if _, ok := e.stops.State(f.Asset); ok {
			e.stops.UpdateEntry(f.Asset, after.AvgEntryPrice)
			return
		}
		vol := 0.0
		if snap, ok := e.market.Last(f.Asset); ok {
			vol = snap.Volatility
		}
		e.stops.Open(f.Asset, after.AvgEntryPrice, vol, f.Timestamp)

	case models.SideSell:
		if !open {
			e.stops.Remove(f.Asset)
		}
		if f.Source != models.DecisionRisk || before.Amount <= 0 {
			return
		}
		fraction := 1.0
		if open {
			fraction = f.Size / before.Amount
		}
		e.dca.RecordReduction(f.Asset, fraction)
	}
}

// finishOrder routes a completed order to the engine that proposed it.
func (e *Engine) finishOrder(o models.TrackedOrder) {
	switch o.Source {
	case models.DecisionDCA:
		if o.FilledSize > 0 {
			e.dca.RecordFill(o.Asset, o.Tag, o.FillPrice, o.FilledSize, o.UpdatedAt)
		} else {
			e.dca.MarkOrderDone(o.Asset, o.OrderID)
		}
	case models.DecisionGrid:
		if o.FilledSize <= 0 {
			e.grid.MarkOrderCanceled(o.Asset, o.OrderID)
			return
		}
		if counter, ok := e.grid.OnOrderFill(o.Asset, o.OrderID, o.FilledSize, o.UpdatedAt); ok {
			e.logger.Debug().
				Str("asset", o.Asset).
				Int("counter_index", counter.Index).
				Float64("size", counter.Size).
				Msg("Grid counter-order queued")
		}
	}
}
