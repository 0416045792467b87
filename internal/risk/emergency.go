package risk

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"

	apperrors "spot-trader/internal/errors"
	"spot-trader/internal/models"
)

// EmergencyPhase is the closer's lifecycle state.
type EmergencyPhase string

const (
	PhaseIdle      EmergencyPhase = "idle"
	PhaseTriggered EmergencyPhase = "triggered"
	PhaseExecuting EmergencyPhase = "executing"
	PhaseCompleted EmergencyPhase = "completed"
	PhaseFailed    EmergencyPhase = "failed"
	PhaseCooldown  EmergencyPhase = "cooldown"
)

// TriggerType names the condition that started an emergency close.
type TriggerType string

const (
	TriggerDrawdown       TriggerType = "drawdown"
	TriggerAssetLoss      TriggerType = "asset_loss"
	TriggerAPIFailures    TriggerType = "api_failures"
	TriggerInternalErrors TriggerType = "internal_errors"
	TriggerManual         TriggerType = "manual"
)

// CloseStrategy selects how positions are liquidated.
type CloseStrategy string

const (
	CloseImmediate CloseStrategy = "immediate"
	CloseGradual   CloseStrategy = "gradual"
	CloseSmart     CloseStrategy = "smart"
)

// BatchStatus is the outcome of one close batch.
type BatchStatus string

const (
	BatchCompleted BatchStatus = "completed"
	BatchPartial   BatchStatus = "partial"
	BatchFailed    BatchStatus = "failed"
	BatchSkipped   BatchStatus = "skipped"
)

// EmergencyConfig configures trigger thresholds, execution and safety rails.
type EmergencyConfig struct {
	Enabled                bool          `mapstructure:"enabled" yaml:"enabled"`
	DrawdownThreshold      float64       `mapstructure:"drawdown_threshold" yaml:"drawdown_threshold"`
	AssetLossThreshold     float64       `mapstructure:"asset_loss_threshold" yaml:"asset_loss_threshold"`
	APIFailureThreshold    int           `mapstructure:"api_failure_threshold" yaml:"api_failure_threshold"`
	InternalErrorThreshold int           `mapstructure:"internal_error_threshold" yaml:"internal_error_threshold"`
	FailureWindow          time.Duration `mapstructure:"failure_window" yaml:"failure_window"`
	Strategy               CloseStrategy `mapstructure:"strategy" yaml:"strategy"`
	GradualBatches         int           `mapstructure:"gradual_batches" yaml:"gradual_batches"`
	BatchDelay             time.Duration `mapstructure:"batch_delay" yaml:"batch_delay"`
	SmartOrderDelay        time.Duration `mapstructure:"smart_order_delay" yaml:"smart_order_delay"`
	MaxConcurrent          int           `mapstructure:"max_concurrent" yaml:"max_concurrent"`
	MaxDailyCloses         int           `mapstructure:"max_daily_closes" yaml:"max_daily_closes"`
	CooldownBetweenCloses  time.Duration `mapstructure:"cooldown_between_closes" yaml:"cooldown_between_closes"`
}

// DefaultEmergencyConfig returns default emergency parameters.
func DefaultEmergencyConfig() EmergencyConfig {
	return EmergencyConfig{
		Enabled:                true,
		DrawdownThreshold:      30,
		AssetLossThreshold:     25,
		APIFailureThreshold:    10,
		InternalErrorThreshold: 5,
		FailureWindow:          5 * time.Minute,
		Strategy:               CloseSmart,
		GradualBatches:         3,
		BatchDelay:             30 * time.Second,
		SmartOrderDelay:        2 * time.Second,
		MaxConcurrent:          4,
		MaxDailyCloses:         3,
		CooldownBetweenCloses:  time.Hour,
	}
}

// TriggerInput is the state ShouldTrigger inspects.
type TriggerInput struct {
	Drawdown  float64
	Positions []models.Position
	Now       time.Time
}

// TriggerCheck is the result of ShouldTrigger.
type TriggerCheck struct {
	Triggered bool        `json:"triggered"`
	Type      TriggerType `json:"type,omitempty"`
	Asset     string      `json:"asset,omitempty"`
	Value     float64     `json:"value,omitempty"`
	Threshold float64     `json:"threshold,omitempty"`
	Reason    string      `json:"reason,omitempty"`
}

// PositionSource provides live positions and equity.
type PositionSource interface {
	Positions() []models.Position
	Equity() float64
}

// PositionCloser liquidates a single position and returns the order id.
type PositionCloser interface {
	ClosePosition(ctx context.Context, pos models.Position) (string, error)
}

// EquitySnapshot captures equity and positions around a close.
type EquitySnapshot struct {
	Equity    float64           `json:"equity"`
	Positions []models.Position `json:"positions"`
}

// CloseBatch is one group of positions closed together.
type CloseBatch struct {
	Index      int         `json:"index"`
	Assets     []string    `json:"assets"`
	Value      float64     `json:"value"`
	Status     BatchStatus `json:"status"`
	Orders     []string    `json:"orders"`
	Errors     []string    `json:"errors,omitempty"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
}

// EmergencyCloseEvent records one emergency liquidation. It is not modified
// after it is appended to history.
type EmergencyCloseEvent struct {
	ID          string         `json:"id"`
	TriggerType TriggerType    `json:"trigger_type"`
	Reason      string         `json:"reason"`
	Strategy    CloseStrategy  `json:"strategy"`
	Before      EquitySnapshot `json:"before"`
	After       EquitySnapshot `json:"after"`
	Batches     []CloseBatch   `json:"batches"`
	Errors      []string       `json:"errors,omitempty"`
	Duration    time.Duration  `json:"duration"`
	Success     bool           `json:"success"`
	Phase       EmergencyPhase `json:"phase"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
}

// EmergencyCloser runs triggered, rate-limited, batched liquidations.
type EmergencyCloser struct {
	mu       sync.Mutex
	config   EmergencyConfig
	source   PositionSource
	closer   PositionCloser
	logger   zerolog.Logger
	phase    EmergencyPhase
	cooldown time.Time

	apiFailures    []time.Time
	internalErrors []time.Time
	closeTimes     []time.Time
	history        []EmergencyCloseEvent

	now   func() time.Time
	sleep func(context.Context, time.Duration)
}

// NewEmergencyCloser creates a closer in the idle phase.
func NewEmergencyCloser(cfg EmergencyConfig, source PositionSource, closer PositionCloser, logger zerolog.Logger) *EmergencyCloser {
	return &EmergencyCloser{
		config: cfg,
		source: source,
		closer: closer,
		logger: logger.With().Str("component", "emergency").Logger(),
		phase:  PhaseIdle,
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// RecordAPIFailure counts an exchange failure toward the API trigger.
func (e *EmergencyCloser) RecordAPIFailure(at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.apiFailures = append(e.apiFailures, at)
}

// RecordInternalError counts an internal error toward the internal-error trigger.
func (e *EmergencyCloser) RecordInternalError(at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.internalErrors = append(e.internalErrors, at)
}

// ResetFailureCounters clears API and internal error counters.
func (e *EmergencyCloser) ResetFailureCounters() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.apiFailures = nil
	e.internalErrors = nil
}

func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	return ts[i:]
}

// ShouldTrigger evaluates the four hard conditions; the first match wins.
func (e *EmergencyCloser) ShouldTrigger(in TriggerInput) TriggerCheck {
	e.mu.Lock()
	defer e.mu.Unlock()

	cfg := e.config
	if !cfg.Enabled {
		return TriggerCheck{}
	}
	now := in.Now
	if now.IsZero() {
		now = e.now()
	}

	if cfg.DrawdownThreshold > 0 && in.Drawdown >= cfg.DrawdownThreshold {
		return TriggerCheck{
			Triggered: true,
			Type:      TriggerDrawdown,
			Value:     in.Drawdown,
			Threshold: cfg.DrawdownThreshold,
			Reason:    fmt.Sprintf("account drawdown %.2f%% >= %.2f%%", in.Drawdown, cfg.DrawdownThreshold),
		}
	}

	if cfg.AssetLossThreshold > 0 {
		for _, p := range in.Positions {
			loss := -p.UnrealizedPnLPercent()
			if p.IsOpen() && loss >= cfg.AssetLossThreshold {
				return TriggerCheck{
					Triggered: true,
					Type:      TriggerAssetLoss,
					Asset:     p.Asset,
					Value:     loss,
					Threshold: cfg.AssetLossThreshold,
					Reason:    fmt.Sprintf("%s loss %.2f%% >= %.2f%%", p.Asset, loss, cfg.AssetLossThreshold),
				}
			}
		}
	}

	cutoff := now.Add(-cfg.FailureWindow)
	if cfg.FailureWindow > 0 {
		e.apiFailures = pruneBefore(e.apiFailures, cutoff)
		e.internalErrors = pruneBefore(e.internalErrors, cutoff)
	}

	if n := len(e.apiFailures); cfg.APIFailureThreshold > 0 && n >= cfg.APIFailureThreshold {
		return TriggerCheck{
			Triggered: true,
			Type:      TriggerAPIFailures,
			Value:     float64(n),
			Threshold: float64(cfg.APIFailureThreshold),
			Reason:    fmt.Sprintf("%d exchange API failures within %s", n, cfg.FailureWindow),
		}
	}

	if n := len(e.internalErrors); cfg.InternalErrorThreshold > 0 && n >= cfg.InternalErrorThreshold {
		return TriggerCheck{
			Triggered: true,
			Type:      TriggerInternalErrors,
			Value:     float64(n),
			Threshold: float64(cfg.InternalErrorThreshold),
			Reason:    fmt.Sprintf("%d internal errors within %s", n, cfg.FailureWindow),
		}
	}
	return TriggerCheck{}
}

// Phase returns the current phase, moving cooldown to idle once it expires.
func (e *EmergencyCloser) Phase() EmergencyPhase {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.advance(e.now())
	return e.phase
}

func (e *EmergencyCloser) advance(now time.Time) {
	if e.phase == PhaseCooldown && !now.Before(e.cooldown) {
		e.phase = PhaseIdle
	}
}

// CanExecute reports whether a new close would be admitted now.
func (e *EmergencyCloser) CanExecute() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.admit(e.now())
}

func (e *EmergencyCloser) admit(now time.Time) error {
	e.advance(now)
	switch e.phase {
	case PhaseTriggered, PhaseExecuting:
		return apperrors.ErrEmergencyActive
	case PhaseCooldown:
		return apperrors.Wrapf(apperrors.ErrCooldownActive, "emergency close cooldown until %s", e.cooldown.Format(time.RFC3339))
	}
	if e.config.MaxDailyCloses > 0 {
		e.closeTimes = pruneBefore(e.closeTimes, now.Add(-24*time.Hour))
		if len(e.closeTimes) >= e.config.MaxDailyCloses {
			return apperrors.Wrapf(apperrors.ErrRateLimited, "%d emergency closes in the last 24h", len(e.closeTimes))
		}
	}
	return nil
}

// Trigger starts a manual emergency close.
func (e *EmergencyCloser) Trigger(ctx context.Context, reason string) (*EmergencyCloseEvent, error) {
	return e.Execute(ctx, TriggerCheck{Triggered: true, Type: TriggerManual, Reason: reason})
}

// Execute liquidates all positions with the configured strategy. Once
// admitted it runs to completion regardless of ctx cancellation.
func (e *EmergencyCloser) Execute(ctx context.Context, check TriggerCheck) (*EmergencyCloseEvent, error) {
	if !check.Triggered {
		return nil, apperrors.New("emergency execute called without a trigger")
	}

	e.mu.Lock()
	start := e.now()
	if err := e.admit(start); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	e.phase = PhaseTriggered
	e.closeTimes = append(e.closeTimes, start)
	cfg := e.config
	e.mu.Unlock()

	ctx = context.WithoutCancel(ctx)

	ev := &EmergencyCloseEvent{
		ID:          uuid.NewString(),
		TriggerType: check.Type,
		Reason:      check.Reason,
		Strategy:    cfg.Strategy,
		Before:      e.snapshot(),
		StartedAt:   start,
	}

	e.logger.Error().
		Str("trigger", string(check.Type)).
		Str("strategy", string(cfg.Strategy)).
		Int("positions", len(ev.Before.Positions)).
		Msg("Emergency close triggered: " + check.Reason)

	e.setPhase(PhaseExecuting)

	var errs error
	switch cfg.Strategy {
	case CloseGradual:
		errs = e.runGradual(ctx, cfg, ev)
	case CloseSmart:
		errs = e.runSmart(ctx, cfg, ev)
	default:
		errs = e.runImmediate(ctx, cfg, ev)
	}

	ev.After = e.snapshot()
	ev.CompletedAt = e.now()
	ev.Duration = ev.CompletedAt.Sub(start)
	for _, err := range multierr.Errors(errs) {
		ev.Errors = append(ev.Errors, err.Error())
	}
	ev.Success = errs == nil
	ev.Phase = PhaseCompleted
	if !ev.Success {
		ev.Phase = PhaseFailed
	}

	e.mu.Lock()
	e.phase = ev.Phase
	e.history = append(e.history, *ev)
	e.phase = PhaseCooldown
	e.cooldown = ev.CompletedAt.Add(cfg.CooldownBetweenCloses)
	if e.cooldown.Before(start.Add(cfg.CooldownBetweenCloses)) {
		e.cooldown = start.Add(cfg.CooldownBetweenCloses)
	}
	e.mu.Unlock()

	logEv := e.logger.Info()
	if !ev.Success {
		logEv = e.logger.Error().Strs("errors", ev.Errors)
	}
	logEv.
		Str("event_id", ev.ID).
		Int("batches", len(ev.Batches)).
		Dur("duration", ev.Duration).
		Float64("equity_before", ev.Before.Equity).
		Float64("equity_after", ev.After.Equity).
		Msg("Emergency close finished")

	if errs != nil {
		return ev, apperrors.Wrap(errs, "emergency close partially failed")
	}
	return ev, nil
}

func (e *EmergencyCloser) setPhase(p EmergencyPhase) {
	e.mu.Lock()
	e.phase = p
	e.mu.Unlock()
}

func (e *EmergencyCloser) snapshot() EquitySnapshot {
	return EquitySnapshot{Equity: e.source.Equity(), Positions: openPositions(e.source.Positions())}
}

func openPositions(ps []models.Position) []models.Position {
	out := make([]models.Position, 0, len(ps))
	for _, p := range ps {
		if p.IsOpen() {
			out = append(out, p)
		}
	}
	return out
}

func (e *EmergencyCloser) runImmediate(ctx context.Context, cfg EmergencyConfig, ev *EmergencyCloseEvent) error {
	assets := assetsOf(openPositions(e.source.Positions()))
	batch, err := e.closeBatch(ctx, 0, assets, cfg.MaxConcurrent)
	ev.Batches = append(ev.Batches, batch)
	return err
}

func (e *EmergencyCloser) runGradual(ctx context.Context, cfg EmergencyConfig, ev *EmergencyCloseEvent) error {
	batches := splitBatches(assetsOf(openPositions(e.source.Positions())), cfg.GradualBatches)

	var errs error
	for i, assets := range batches {
		if i > 0 {
			e.sleep(ctx, cfg.BatchDelay)
		}
		batch, err := e.closeBatch(ctx, i, assets, 1)
		ev.Batches = append(ev.Batches, batch)
		errs = multierr.Append(errs, err)
	}
	return errs
}

// splitBatches divides assets into min(n, len(assets)) batches whose sizes
// differ by at most one; earlier batches take the remainder.
func splitBatches(assets []string, n int) [][]string {
	if n < 1 {
		n = 1
	}
	if n > len(assets) {
		n = len(assets)
	}
	out := make([][]string, 0, n)
	start := 0
	for i := 0; i < n; i++ {
		size := len(assets) / n
		if i < len(assets)%n {
			size++
		}
		out = append(out, assets[start:start+size])
		start += size
	}
	return out
}

func (e *EmergencyCloser) runSmart(ctx context.Context, cfg EmergencyConfig, ev *EmergencyCloseEvent) error {
	positions := openPositions(e.source.Positions())
	sort.SliceStable(positions, func(i, j int) bool {
		return positions[i].Value() > positions[j].Value()
	})

	limit := rate.Inf
	if cfg.SmartOrderDelay > 0 {
		limit = rate.Every(cfg.SmartOrderDelay)
	}
	limiter := rate.NewLimiter(limit, 1)

	var errs error
	for i, p := range positions {
		if err := limiter.Wait(ctx); err != nil {
			errs = multierr.Append(errs, err)
			break
		}
		batch, err := e.closeBatch(ctx, i, []string{p.Asset}, 1)
		ev.Batches = append(ev.Batches, batch)
		errs = multierr.Append(errs, err)
	}
	return errs
}

func assetsOf(ps []models.Position) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.Asset
	}
	return out
}

// closeBatch re-reads live positions and closes the listed assets that are
// still open.
func (e *EmergencyCloser) closeBatch(ctx context.Context, index int, assets []string, concurrency int) (CloseBatch, error) {
	batch := CloseBatch{Index: index, Assets: assets, StartedAt: e.now()}

	live := make(map[string]models.Position)
	for _, p := range e.source.Positions() {
		if p.IsOpen() {
			live[p.Asset] = p
		}
	}

	var (
		mu   sync.Mutex
		errs error
	)
	if concurrency < 1 {
		concurrency = 1
	}
	p := pool.New().WithMaxGoroutines(concurrency)
	for _, asset := range assets {
		pos, ok := live[asset]
		if !ok {
			continue
		}
		batch.Value += pos.Value()
		p.Go(func() {
			orderID, err := e.closer.ClosePosition(ctx, pos)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				err = apperrors.Wrapf(err, "close %s", pos.Asset)
				errs = multierr.Append(errs, err)
				batch.Errors = append(batch.Errors, err.Error())
				return
			}
			batch.Orders = append(batch.Orders, orderID)
		})
	}
	p.Wait()
	batch.FinishedAt = e.now()

	switch {
	case len(batch.Orders) == 0 && len(batch.Errors) == 0:
		batch.Status = BatchSkipped
	case len(batch.Errors) == 0:
		batch.Status = BatchCompleted
	case len(batch.Orders) == 0:
		batch.Status = BatchFailed
	default:
		batch.Status = BatchPartial
	}
	return batch, errs
}

// History returns a copy of all completed emergency events.
func (e *EmergencyCloser) History() []EmergencyCloseEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]EmergencyCloseEvent(nil), e.history...)
}

// CooldownUntil returns the end of the current cooldown window.
func (e *EmergencyCloser) CooldownUntil() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cooldown
}

// UpdateConfig replaces the configuration.
func (e *EmergencyCloser) UpdateConfig(cfg EmergencyConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.config = cfg
}
