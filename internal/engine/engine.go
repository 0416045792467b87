// Package engine owns one trading session: it wires the strategies, risk
// controls and exchange together and runs the decision and reconcile loops.
package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/iter"
	"go.uber.org/multierr"

	"spot-trader/internal/config"
	"spot-trader/internal/coordinator"
	apperrors "spot-trader/internal/errors"
	"spot-trader/internal/events"
	"spot-trader/internal/exchange"
	"spot-trader/internal/logging"
	"spot-trader/internal/market"
	"spot-trader/internal/models"
	"spot-trader/internal/position"
	"spot-trader/internal/resilience"
	"spot-trader/internal/risk"
	"spot-trader/internal/statecache"
	"spot-trader/internal/strategy"
)

// Options carries the collaborators an engine does not build itself.
type Options struct {
	// Exchange is the raw adapter. The engine wraps it with Guarded.
	Exchange exchange.Adapter
	// Bus receives every decision, risk event and order update. Optional.
	Bus *events.Bus
	// Cache persists state snapshots between runs. Optional.
	Cache *statecache.Cache
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Engine is the explicit per-session context. Nothing in it is global.
type Engine struct {
	config *config.Config
	assets []string

	raw      exchange.Adapter
	exchange *exchange.Guarded
	market   *market.Provider

	capital     *position.Controller
	dca         *strategy.DCAEngine
	grid        *strategy.GridEngine
	drawdown    *risk.DrawdownController
	stops       *risk.StopLossManager
	emergency   *risk.EmergencyCloser
	coordinator *coordinator.Coordinator
	orders      *OrderTracker

	bus    *events.Bus
	cache  *statecache.Cache
	health *resilience.HealthMonitor

	running atomic.Bool
	cycles  atomic.Int64
	now     func() time.Time
	logger  zerolog.Logger
}

// New validates cfg and builds every component.
func New(cfg *config.Config, opts Options, logger zerolog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Exchange == nil {
		return nil, apperrors.New("engine requires an exchange adapter")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	e := &Engine{
		config: cfg,
		assets: append([]string(nil), cfg.Trading.Assets...),
		raw:    opts.Exchange,
		bus:    opts.Bus,
		cache:  opts.Cache,
		orders: NewOrderTracker(),
		health: resilience.NewHealthMonitor(),
		now:    now,
		logger: logging.WithComponent(logger, "engine"),
	}

	e.capital = position.NewController(cfg.Capital, logger)
	e.dca = strategy.NewDCAEngine(cfg.DCA, logger)
	e.grid = strategy.NewGridEngine(cfg.Grid, nil, logger)
	e.drawdown = risk.NewDrawdownController(cfg.Drawdown, logger)
	e.stops = risk.NewStopLossManager(cfg.StopLoss, logger)
	e.emergency = risk.NewEmergencyCloser(cfg.Emergency, e.capital, e, logger)
	e.exchange = exchange.NewGuarded(opts.Exchange, cfg.Exchange.Guard, e.emergency, logger)
	e.market = market.NewProvider(cfg.Market, e.exchange, nil, logger)
	e.coordinator = coordinator.New(cfg.Coordinator, e.dca, e.grid, e.stops, e.drawdown, e.capital, logger)

	for _, asset := range e.assets {
		ov, _ := cfg.Override(asset)
		e.dca.Activate(asset, ov.DCA)
		if ov.Mode != "" {
			if err := e.coordinator.SetMode(asset, ov.Mode); err != nil {
				return nil, fmt.Errorf("asset %s: %w", asset, err)
			}
		}
	}
	e.health.RegisterComponent("exchange", resilience.BreakerHealthCheck(e.exchange.Breakers))
	e.health.RegisterComponent("market", e.marketHealth)
	e.health.RegisterComponent("emergency", e.emergencyHealth)
	return e, nil
}

// marketHealth is degraded while any asset has no data or only stale data.
func (e *Engine) marketHealth(context.Context) resilience.ComponentHealth {
	var missing, stale []string
	for _, asset := range e.assets {
		snap, ok := e.market.Last(asset)
		switch {
		case !ok:
			missing = append(missing, asset)
		case snap.Stale:
			stale = append(stale, asset)
		}
	}
	if len(missing)+len(stale) == 0 {
		return resilience.ComponentHealth{Status: resilience.HealthStatusHealthy, Message: "all assets fresh"}
	}
	return resilience.ComponentHealth{
		Status:  resilience.HealthStatusDegraded,
		Message: fmt.Sprintf("no data: %v, stale: %v", missing, stale),
	}
}

func (e *Engine) emergencyHealth(context.Context) resilience.ComponentHealth {
	switch phase := e.emergency.Phase(); phase {
	case risk.PhaseFailed:
		return resilience.ComponentHealth{Status: resilience.HealthStatusUnhealthy, Message: "last emergency close failed"}
	case risk.PhaseTriggered, risk.PhaseExecuting:
		return resilience.ComponentHealth{Status: resilience.HealthStatusDegraded, Message: "emergency close " + string(phase)}
	default:
		return resilience.ComponentHealth{Status: resilience.HealthStatusHealthy, Message: string(phase)}
	}
}

// Health exposes the component health monitor so callers can register more checks.
func (e *Engine) Health() *resilience.HealthMonitor { return e.health }

// Assets returns the traded assets.
func (e *Engine) Assets() []string { return append([]string(nil), e.assets...) }

// Capital exposes the position controller.
func (e *Engine) Capital() *position.Controller { return e.capital }

// Drawdown exposes the drawdown controller.
func (e *Engine) Drawdown() *risk.DrawdownController { return e.drawdown }

// Stops exposes the stop-loss manager.
func (e *Engine) Stops() *risk.StopLossManager { return e.stops }

// Emergency exposes the emergency closer.
func (e *Engine) Emergency() *risk.EmergencyCloser { return e.emergency }

// Coordinator exposes the strategy coordinator.
func (e *Engine) Coordinator() *coordinator.Coordinator { return e.coordinator }

// DCA exposes the DCA engine.
func (e *Engine) DCA() *strategy.DCAEngine { return e.dca }

// Grid exposes the grid engine.
func (e *Engine) Grid() *strategy.GridEngine { return e.grid }

// Orders exposes the order tracker.
func (e *Engine) Orders() *OrderTracker { return e.orders }

// Cycles returns the number of completed cycles.
func (e *Engine) Cycles() int64 { return e.cycles.Load() }

// Breakers returns exchange circuit breaker statistics.
func (e *Engine) Breakers() []resilience.CircuitBreakerStats { return e.exchange.Breakers() }

func (e *Engine) publish(ev events.Event) {
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}

// acquire guards cycles and reconciles against overlap.
func (e *Engine) acquire() error {
	if !e.running.CompareAndSwap(false, true) {
		return apperrors.ErrCycleInProgress
	}
	return nil
}

// Run executes a cycle immediately, then cycles and reconciles on their
// tickers until ctx is done. Both loops share this goroutine so they never
// overlap. State is saved on exit.
func (e *Engine) Run(ctx context.Context) error {
	cycleEvery := e.config.Trading.CycleInterval
	reconcileEvery := e.config.Trading.ReconcileInterval
	if reconcileEvery <= 0 || reconcileEvery > cycleEvery {
		reconcileEvery = cycleEvery
	}

	e.logger.Info().
		Strs("assets", e.assets).
		Dur("cycle_interval", cycleEvery).
		Dur("reconcile_interval", reconcileEvery).
		Msg("Engine started")

	e.runCycle(ctx)

	cycleTicker := time.NewTicker(cycleEvery)
	defer cycleTicker.Stop()
	reconcileTicker := time.NewTicker(reconcileEvery)
	defer reconcileTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			err := e.SaveState(saveCtx)
			cancel()
			e.logger.Info().Int64("cycles", e.Cycles()).Msg("Engine stopped")
			return err
		case <-cycleTicker.C:
			e.runCycle(ctx)
		case <-reconcileTicker.C:
			if err := e.Reconcile(ctx); err != nil && ctx.Err() == nil {
				e.logger.Warn().Err(err).Msg("Reconcile failed")
			}
		}
	}
}

func (e *Engine) runCycle(ctx context.Context) {
	if err := e.RunCycle(ctx); err != nil && ctx.Err() == nil {
		e.logger.Warn().Err(err).Msg("Cycle finished with errors")
	}
	if ctx.Err() != nil {
		return
	}
	prev := e.health.Last().Status
	h := e.health.Check(ctx)
	if h.Status == prev {
		return
	}
	ev := e.logger.Info()
	if h.Status != resilience.HealthStatusHealthy {
		ev = e.logger.Warn()
	}
	for _, c := range h.Components {
		if c.Status != resilience.HealthStatusHealthy {
			ev = ev.Str(c.Name, c.Message)
		}
	}
	ev.Str("status", string(h.Status)).Msg("Health changed")
}

type assetSnapshot struct {
	snap models.MarketSnapshot
	err  error
}

// RunCycle runs one decision cycle over all assets. Per-asset failures are
// reported and aggregated; they never stop the other assets.
func (e *Engine) RunCycle(ctx context.Context) error {
	if err := e.acquire(); err != nil {
		return err
	}
	defer e.running.Store(false)

	start := e.now()
	var errs error

	// Open orders first, so fills that landed since the last cycle count.
	errs = multierr.Append(errs, e.reconcile(ctx))

	snaps := iter.Map(e.assets, func(asset *string) assetSnapshot {
		snap, err := e.market.Snapshot(ctx, *asset)
		return assetSnapshot{snap: snap, err: err}
	})
	for i, s := range snaps {
		if s.err != nil {
			errs = multierr.Append(errs, e.cycleError(e.assets[i], s.err))
			continue
		}
		e.capital.UpdatePrice(s.snap.Asset, s.snap.Price)
	}

	action := e.drawdown.Update(e.capital.Equity(), start)
	e.publish(events.DrawdownEvent(action))
	if action.Changed {
		logging.LogRiskEvent(e.logger, "drawdown", "", string(action.Previous)+" -> "+string(action.State), action.Drawdown)
	}

	check := e.emergency.ShouldTrigger(risk.TriggerInput{
		Drawdown:  action.Drawdown,
		Positions: e.capital.Positions(),
		Now:       start,
	})
	closed := false
	if check.Triggered {
		ev, err := e.executeEmergency(ctx, check)
		errs = multierr.Append(errs, err)
		closed = ev != nil
	}
	if !closed {
		for i, s := range snaps {
			if s.err != nil {
				continue
			}
			if err := e.processAsset(ctx, s.snap); err != nil {
				errs = multierr.Append(errs, e.cycleError(e.assets[i], err))
			}
		}
	}

	e.orders.Prune(start.Add(-24 * time.Hour))
	if err := e.SaveState(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to save state")
	}
	e.cycles.Add(1)

	e.logger.Debug().
		Dur("elapsed", e.now().Sub(start)).
		Float64("equity", e.capital.Equity()).
		Str("drawdown_state", string(action.State)).
		Msg("Cycle complete")
	return errs
}

func (e *Engine) cycleError(asset string, err error) error {
	e.publish(events.CycleErrorEvent(asset, err, e.now()))
	return fmt.Errorf("%s: %w", asset, err)
}

// processAsset runs coordination for one asset and executes the decision.
// A panic is contained to the asset and counted as an internal error.
func (e *Engine) processAsset(ctx context.Context, snap models.MarketSnapshot) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.emergency.RecordInternalError(e.now())
			err = fmt.Errorf("internal error: %v", r)
			e.logger.Error().Str("asset", snap.Asset).Interface("panic", r).Msg("Asset processing panicked")
		}
	}()

	now := e.now()
	asset := snap.Asset
	log := logging.WithAsset(e.logger, asset)

	if e.config.Grid.Enabled && !snap.Stale {
		if err := e.ensureGrid(ctx, snap, now); err != nil {
			log.Warn().Err(err).Msg("Grid unavailable this cycle")
		}
	}

	res := e.coordinator.Evaluate(snap, now)
	if res.StopEvent != nil && !res.StopEvent.Triggered() {
		e.publish(events.StopLossEvent(res.StopEvent))
	}
	d := res.Decision
	if d == nil {
		return nil
	}
	e.publish(events.DecisionEvent(d))
	logging.LogDecision(log, asset, string(d.Action), string(d.Type), string(d.Urgency), d.Size, d.Price, d.Reason)
	if d.IsHold() {
		return nil
	}
	id, err := e.execute(ctx, d)
	if err != nil {
		return err
	}
	if id != "" {
		e.armStop(log, d, res.StopEvent, now)
	}
	return nil
}

// armStop starts the stop cooldowns and reports the trigger once the exit
// order for it is on the exchange.
func (e *Engine) armStop(log zerolog.Logger, d *models.Decision, ev *risk.StopLossEvent, now time.Time) {
	t, ok := risk.ParseStopTag(d.Tag)
	if !ok || !ev.Triggered() || ev.Type != t {
		return
	}
	e.stops.MarkTriggered(d.Asset, t, now)
	e.publish(events.StopLossEvent(ev))
	logging.LogRiskEvent(log, "stop_loss", d.Asset, string(t)+" "+string(ev.Action), ev.PnLPercent)
}

// ensureGrid builds a missing ladder and applies rebalances.
func (e *Engine) ensureGrid(ctx context.Context, snap models.MarketSnapshot, now time.Time) error {
	if _, ok := e.grid.Ladder(snap.Asset); !ok {
		ov, _ := e.config.Override(snap.Asset)
		return e.grid.Initialize(snap.Asset, snap, ov.Grid, now)
	}
	cancel, rebalanced, err := e.grid.MaybeRebalance(snap.Asset, snap, now)
	if err != nil || !rebalanced {
		return err
	}
	var errs error
	for _, id := range cancel {
		errs = multierr.Append(errs, e.cancelOrder(ctx, id))
	}
	return errs
}

// orderType picks the order type for a decision. Risk exits are always market.
func (e *Engine) orderType(d *models.Decision) models.OrderType {
	switch d.Type {
	case models.DecisionRisk:
		return models.OrderTypeMarket
	case models.DecisionGrid:
		return models.OrderTypeLimit
	}
	if e.config.Trading.OrderType == string(models.OrderTypeMarket) {
		return models.OrderTypeMarket
	}
	return models.OrderTypeLimit
}

// execute places the order for a decision and applies any immediate fill.
// It returns the exchange order ID, empty when nothing was placed.
func (e *Engine) execute(ctx context.Context, d *models.Decision) (string, error) {
	side, ok := d.Action.Side()
	if !ok || d.Size <= 0 {
		return "", nil
	}
	req := models.OrderRequest{
		Asset: d.Asset,
		Side:  side,
		Type:  e.orderType(d),
		Size:  d.Size,
		Price: d.Price,
	}
	id, err := e.place(ctx, req, d.ID, d.Type, d.Tag)
	if err != nil {
		return "", apperrors.NewOrderError("", d.Asset, string(d.Action), d.Reason, err)
	}
	return id, nil
}

// place submits an order, tracks it and links it to the proposing engine.
func (e *Engine) place(ctx context.Context, req models.OrderRequest, decisionID string, source models.DecisionType, tag string) (string, error) {
	id, err := e.exchange.PlaceOrder(ctx, req)
	if err != nil {
		return "", err
	}
	now := e.now()
	o := models.TrackedOrder{
		OrderID:    id,
		DecisionID: decisionID,
		Asset:      req.Asset,
		Side:       req.Side,
		Type:       req.Type,
		Size:       req.Size,
		Price:      req.Price,
		Source:     source,
		Tag:        tag,
		Status:     models.OrderStatusOpen,
		PlacedAt:   now,
		UpdatedAt:  now,
	}
	e.orders.Track(o)
	e.reserveCapital(o)
	e.publish(events.OrderEvent(o))
	logging.LogOrder(e.logger, id, req.Asset, string(req.Side), string(o.Status))

	switch {
	case source == models.DecisionDCA:
		e.dca.MarkOrderPlaced(req.Asset, id)
	case source == models.DecisionGrid:
		if idx, ok := strategy.ParseGridTag(tag); ok {
			e.grid.MarkOrderPlaced(req.Asset, idx, id)
		}
	}

	if err := e.refresh(ctx, id); err != nil {
		e.logger.Warn().Err(err).Str("order_id", id).Msg("Order status check failed, will retry on reconcile")
	}
	return id, nil
}

func (e *Engine) cancelOrder(ctx context.Context, orderID string) error {
	if err := e.exchange.CancelOrder(ctx, orderID); err != nil && !apperrors.IsRejection(err) {
		return err
	}
	return e.refresh(ctx, orderID)
}

// ClosePosition sells the whole position at market. It is the emergency
// closer's execution path.
func (e *Engine) ClosePosition(ctx context.Context, pos models.Position) (string, error) {
	if pos.Amount <= 0 {
		return "", apperrors.Wrapf(apperrors.ErrPositionNotFound, "%s", pos.Asset)
	}
	req := models.OrderRequest{
		Asset: pos.Asset,
		Side:  models.SideSell,
		Type:  models.OrderTypeMarket,
		Size:  pos.Amount,
		Price: pos.CurrentPrice,
	}
	return e.place(ctx, req, "", models.DecisionRisk, "emergency:close")
}

// EmergencyClose triggers a manual emergency close of every position.
func (e *Engine) EmergencyClose(ctx context.Context, reason string) (*risk.EmergencyCloseEvent, error) {
	return e.executeEmergency(ctx, risk.TriggerCheck{Triggered: true, Type: risk.TriggerManual, Reason: reason})
}

func (e *Engine) executeEmergency(ctx context.Context, check risk.TriggerCheck) (*risk.EmergencyCloseEvent, error) {
	if err := e.emergency.CanExecute(); err != nil {
		e.logger.Warn().Err(err).Str("trigger", string(check.Type)).Msg("Emergency close suppressed")
		return nil, nil
	}

	// Resting orders could reopen exposure while positions are closed.
	var errs error
	for _, o := range e.orders.Open() {
		errs = multierr.Append(errs, e.cancelOrder(ctx, o.OrderID))
	}
	if errs != nil {
		e.logger.Warn().Err(errs).Msg("Some orders could not be canceled before emergency close")
	}

	logging.LogRiskEvent(e.logger, "emergency", check.Asset, string(check.Type)+": "+check.Reason, check.Value)
	ev, err := e.emergency.Execute(ctx, check)
	if ev != nil {
		e.publish(events.EmergencyEvent(ev))
		for _, asset := range e.assets {
			e.grid.Deactivate(asset)
		}
		// Failure counters restart once the book is flat.
		if ev.Success {
			e.emergency.ResetFailureCounters()
		}
	}
	return ev, err
}

// SetMode sets a manual coordination mode for an asset.
func (e *Engine) SetMode(asset string, mode coordinator.Mode) error {
	return e.coordinator.SetMode(asset, mode)
}
