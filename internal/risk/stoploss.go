package risk

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"spot-trader/internal/models"
)

// StopType identifies one of the four stop checks.
type StopType string

const (
	StopPercentage StopType = "percentage"
	StopTrailing   StopType = "trailing"
	StopTime       StopType = "time"
	StopVolatility StopType = "volatility"
)

// StopAction is what a triggered stop asks for.
type StopAction string

const (
	StopCloseAll     StopAction = "close_all"
	StopClosePartial StopAction = "close_partial"
	StopWarning      StopAction = "warning"
)

// PercentageStopConfig closes the position at a fixed loss from average entry.
type PercentageStopConfig struct {
	Enabled        bool          `mapstructure:"enabled" yaml:"enabled"`
	MaxLossPercent float64       `mapstructure:"max_loss_percent" yaml:"max_loss_percent"`
	WarningPercent float64       `mapstructure:"warning_percent" yaml:"warning_percent"`
	Cooldown       time.Duration `mapstructure:"cooldown" yaml:"cooldown"`
}

// TrailingStopConfig follows new highs once the position is in profit.
type TrailingStopConfig struct {
	Enabled          bool          `mapstructure:"enabled" yaml:"enabled"`
	ActivationProfit float64       `mapstructure:"activation_profit" yaml:"activation_profit"`
	Distance         float64       `mapstructure:"distance" yaml:"distance"`
	Cooldown         time.Duration `mapstructure:"cooldown" yaml:"cooldown"`
}

// TimeStopConfig trims positions held too long at a loss.
type TimeStopConfig struct {
	Enabled        bool          `mapstructure:"enabled" yaml:"enabled"`
	MaxHoldingTime time.Duration `mapstructure:"max_holding_time" yaml:"max_holding_time"`
	LossThreshold  float64       `mapstructure:"loss_threshold" yaml:"loss_threshold"`
	ClosePercent   float64       `mapstructure:"close_percent" yaml:"close_percent"`
	Cooldown       time.Duration `mapstructure:"cooldown" yaml:"cooldown"`
}

// VolatilityStopConfig trims losing positions once volatility collapses.
type VolatilityStopConfig struct {
	Enabled       bool          `mapstructure:"enabled" yaml:"enabled"`
	DropThreshold float64       `mapstructure:"drop_threshold" yaml:"drop_threshold"`
	LossThreshold float64       `mapstructure:"loss_threshold" yaml:"loss_threshold"`
	ClosePercent  float64       `mapstructure:"close_percent" yaml:"close_percent"`
	Cooldown      time.Duration `mapstructure:"cooldown" yaml:"cooldown"`
}

// StopLossConfig holds the four stop configurations and global overrides.
type StopLossConfig struct {
	Percentage         PercentageStopConfig `mapstructure:"percentage" yaml:"percentage"`
	Trailing           TrailingStopConfig   `mapstructure:"trailing" yaml:"trailing"`
	Time               TimeStopConfig       `mapstructure:"time" yaml:"time"`
	Volatility         VolatilityStopConfig `mapstructure:"volatility" yaml:"volatility"`
	MinProfitToDisable float64              `mapstructure:"min_profit_to_disable" yaml:"min_profit_to_disable"`
	TriggerCooldown    time.Duration        `mapstructure:"trigger_cooldown" yaml:"trigger_cooldown"`
}

// DefaultStopLossConfig returns default stop parameters.
func DefaultStopLossConfig() StopLossConfig {
	return StopLossConfig{
		Percentage: PercentageStopConfig{Enabled: true, MaxLossPercent: 15, WarningPercent: 10, Cooldown: 15 * time.Minute},
		Trailing:   TrailingStopConfig{Enabled: true, ActivationProfit: 5, Distance: 3, Cooldown: 15 * time.Minute},
		Time: TimeStopConfig{
			Enabled:        true,
			MaxHoldingTime: 30 * 24 * time.Hour,
			LossThreshold:  5,
			ClosePercent:   50,
			Cooldown:       24 * time.Hour,
		},
		Volatility: VolatilityStopConfig{
			Enabled:       true,
			DropThreshold: 50,
			LossThreshold: 5,
			ClosePercent:  30,
			Cooldown:      6 * time.Hour,
		},
		MinProfitToDisable: 20,
		TriggerCooldown:    30 * time.Minute,
	}
}

// StopLossState is the per-asset stop state.
type StopLossState struct {
	Asset             string                 `json:"asset"`
	AvgEntryPrice     float64                `json:"avg_entry_price"`
	StopPrice         float64                `json:"stop_price"`
	WarningPrice      float64                `json:"warning_price"`
	TrailingActive    bool                   `json:"trailing_active"`
	TrailingStopPrice float64                `json:"trailing_stop_price"`
	HighestPrice      float64                `json:"highest_price"`
	EntryTime         time.Time              `json:"entry_time"`
	InitialVolatility float64                `json:"initial_volatility"`
	CurrentVolatility float64                `json:"current_volatility"`
	LastTrigger       time.Time              `json:"last_trigger"`
	LastWarning       time.Time              `json:"last_warning"`
	CheckTriggers     map[StopType]time.Time `json:"check_triggers"`
}

// InCooldown reports whether the asset is inside its post-trigger window.
func (s *StopLossState) InCooldown(now time.Time, window time.Duration) bool {
	return !s.LastTrigger.IsZero() && now.Sub(s.LastTrigger) < window
}

// StopLossEvent is emitted when a stop triggers or warns.
type StopLossEvent struct {
	ID           string         `json:"id"`
	Asset        string         `json:"asset"`
	Type         StopType       `json:"type"`
	Action       StopAction     `json:"action"`
	ClosePercent float64        `json:"close_percent"`
	Price        float64        `json:"price"`
	StopPrice    float64        `json:"stop_price"`
	PnLPercent   float64        `json:"pnl_percent"`
	Urgency      models.Urgency `json:"urgency"`
	Reason       string         `json:"reason"`
	Timestamp    time.Time      `json:"timestamp"`
}

// Triggered reports whether the event demands a close.
func (e *StopLossEvent) Triggered() bool {
	return e != nil && e.Action != StopWarning
}

// ToDecision converts a triggered event into a risk decision for the position.
func (e *StopLossEvent) ToDecision(pos models.Position) *models.Decision {
	if !e.Triggered() || pos.Amount <= 0 {
		return nil
	}
	action := models.ActionClosePosition
	size := pos.Amount
	if e.Action == StopClosePartial {
		action = models.ActionReducePosition
		size = pos.Amount * e.ClosePercent / 100
	}
	d := models.NewDecision(e.Asset, action, models.DecisionRisk, e.Urgency, e.Reason, e.Timestamp)
	d.Size = size
	d.Price = e.Price
	d.Tag = stopTagPrefix + string(e.Type)
	return d
}

const stopTagPrefix = "stop:"

// ParseStopTag extracts the stop type from a decision tag set by ToDecision.
func ParseStopTag(tag string) (StopType, bool) {
	if !strings.HasPrefix(tag, stopTagPrefix) {
		return "", false
	}
	return StopType(strings.TrimPrefix(tag, stopTagPrefix)), true
}

// StopLossManager evaluates four independent stops per asset.
type StopLossManager struct {
	mu     sync.RWMutex
	config StopLossConfig
	states map[string]*StopLossState
	logger zerolog.Logger
}

// NewStopLossManager creates a manager.
func NewStopLossManager(cfg StopLossConfig, logger zerolog.Logger) *StopLossManager {
	return &StopLossManager{
		config: cfg,
		states: make(map[string]*StopLossState),
		logger: logger.With().Str("component", "stoploss").Logger(),
	}
}

// Open initializes stop state when a position is opened.
func (m *StopLossManager) Open(asset string, avgEntry, volatility float64, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := &StopLossState{
		Asset:             asset,
		EntryTime:         now,
		InitialVolatility: volatility,
		CurrentVolatility: volatility,
		HighestPrice:      avgEntry,
		CheckTriggers:     make(map[StopType]time.Time),
	}
	m.applyEntry(s, avgEntry)
	m.states[asset] = s
}

// UpdateEntry recomputes stop prices after the average entry changes. The
// trailing high and entry time are kept.
func (m *StopLossManager) UpdateEntry(asset string, avgEntry float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.states[asset]; ok {
		m.applyEntry(s, avgEntry)
	}
}

func (m *StopLossManager) applyEntry(s *StopLossState, avgEntry float64) {
	s.AvgEntryPrice = avgEntry
	s.StopPrice = avgEntry * (1 - m.config.Percentage.MaxLossPercent/100)
	s.WarningPrice = avgEntry * (1 - m.config.Percentage.WarningPercent/100)
}

// Remove drops the asset's state when the position is closed.
func (m *StopLossManager) Remove(asset string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, asset)
}

// State returns a copy of the asset's state.
func (m *StopLossManager) State(asset string) (StopLossState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.states[asset]
	if !ok {
		return StopLossState{}, false
	}
	c := *s
	c.CheckTriggers = make(map[StopType]time.Time, len(s.CheckTriggers))
	for k, v := range s.CheckTriggers {
		c.CheckTriggers[k] = v
	}
	return c, true
}

// States returns copies of all states.
func (m *StopLossManager) States() []StopLossState {
	m.mu.RLock()
	assets := make([]string, 0, len(m.states))
	for a := range m.states {
		assets = append(assets, a)
	}
	m.mu.RUnlock()

	out := make([]StopLossState, 0, len(assets))
	for _, a := range assets {
		if s, ok := m.State(a); ok {
			out = append(out, s)
		}
	}
	return out
}

// Restore replaces the asset's state.
func (m *StopLossManager) Restore(s StopLossState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.CheckTriggers == nil {
		s.CheckTriggers = make(map[StopType]time.Time)
	}
	m.states[s.Asset] = &s
}

// UpdateConfig replaces the configuration and recomputes fixed stop prices.
func (m *StopLossManager) UpdateConfig(cfg StopLossConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config = cfg
	for _, s := range m.states {
		m.applyEntry(s, s.AvgEntryPrice)
	}
}

// Evaluate runs the four checks in fixed order; the first trigger wins. A
// percentage warning is returned only when nothing triggers. A trigger does
// not arm the cooldowns; callers do that with MarkTriggered once the exit
// order is placed.
func (m *StopLossManager) Evaluate(asset string, price, volatility float64, now time.Time) *StopLossEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.states[asset]
	if !ok || price <= 0 || s.AvgEntryPrice <= 0 {
		return nil
	}
	if volatility > 0 {
		s.CurrentVolatility = volatility
		if s.InitialVolatility <= 0 {
			s.InitialVolatility = volatility
		}
	}

	pnl := (price - s.AvgEntryPrice) / s.AvgEntryPrice * 100
	m.ratchetTrailing(s, price, pnl)

	if s.InCooldown(now, m.config.TriggerCooldown) {
		return nil
	}
	if m.config.MinProfitToDisable > 0 && pnl > m.config.MinProfitToDisable {
		return nil
	}

	var warning *StopLossEvent
	checks := []func(*StopLossState, float64, float64, time.Time) (*StopLossEvent, bool){
		m.checkPercentage,
		m.checkTrailing,
		m.checkTime,
		m.checkVolatility,
	}
	for _, check := range checks {
		ev, triggered := check(s, price, pnl, now)
		if ev == nil {
			continue
		}
		if !triggered {
			if warning == nil {
				warning = ev
			}
			continue
		}
		m.logger.Warn().
			Str("asset", asset).
			Str("type", string(ev.Type)).
			Str("action", string(ev.Action)).
			Float64("price", price).
			Float64("stop_price", ev.StopPrice).
			Float64("pnl_percent", pnl).
			Msg("Stop-loss triggered")
		return ev
	}

	if warning != nil {
		s.LastWarning = now
	}
	return warning
}

// MarkTriggered arms the global trigger cooldown and the per-check cooldown
// for t.
func (m *StopLossManager) MarkTriggered(asset string, t StopType, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[asset]
	if !ok {
		return
	}
	s.LastTrigger = now
	s.CheckTriggers[t] = now
}

func (m *StopLossManager) checkReady(s *StopLossState, t StopType, cooldown time.Duration, now time.Time) bool {
	last, ok := s.CheckTriggers[t]
	return !ok || now.Sub(last) >= cooldown
}

func (m *StopLossManager) newEvent(s *StopLossState, t StopType, action StopAction, price, stop, pnl float64, urgency models.Urgency, reason string, now time.Time) *StopLossEvent {
	return &StopLossEvent{
		ID:         uuid.NewString(),
		Asset:      s.Asset,
		Type:       t,
		Action:     action,
		Price:      price,
		StopPrice:  stop,
		PnLPercent: pnl,
		Urgency:    urgency,
		Reason:     reason,
		Timestamp:  now,
	}
}

func (m *StopLossManager) checkPercentage(s *StopLossState, price, pnl float64, now time.Time) (*StopLossEvent, bool) {
	cfg := m.config.Percentage
	if !cfg.Enabled || !m.checkReady(s, StopPercentage, cfg.Cooldown, now) {
		return nil, false
	}
	if price <= s.StopPrice {
		ev := m.newEvent(s, StopPercentage, StopCloseAll, price, s.StopPrice, pnl, models.UrgencyHigh,
			fmt.Sprintf("percentage stop: price %.4f at or below stop %.4f (loss %.2f%%)", price, s.StopPrice, -pnl), now)
		ev.ClosePercent = 100
		return ev, true
	}
	if cfg.WarningPercent > 0 && price <= s.WarningPrice && (s.LastWarning.IsZero() || now.Sub(s.LastWarning) >= cfg.Cooldown) {
		return m.newEvent(s, StopPercentage, StopWarning, price, s.WarningPrice, pnl, models.UrgencyLow,
			fmt.Sprintf("loss warning: price %.4f at or below %.4f (loss %.2f%%)", price, s.WarningPrice, -pnl), now), false
	}
	return nil, false
}

// ratchetTrailing activates the trailing stop and raises it on new highs; it never lowers it.
func (m *StopLossManager) ratchetTrailing(s *StopLossState, price, pnl float64) {
	cfg := m.config.Trailing
	if !cfg.Enabled {
		return
	}
	if price > s.HighestPrice {
		s.HighestPrice = price
	}
	if !s.TrailingActive {
		if pnl < cfg.ActivationProfit {
			return
		}
		s.TrailingActive = true
	}
	stop := s.HighestPrice * (1 - cfg.Distance/100)
	if stop > s.TrailingStopPrice {
		s.TrailingStopPrice = stop
	}
}

func (m *StopLossManager) checkTrailing(s *StopLossState, price, pnl float64, now time.Time) (*StopLossEvent, bool) {
	cfg := m.config.Trailing
	if !cfg.Enabled || !s.TrailingActive || !m.checkReady(s, StopTrailing, cfg.Cooldown, now) {
		return nil, false
	}
	if price > s.TrailingStopPrice {
		return nil, false
	}
	ev := m.newEvent(s, StopTrailing, StopCloseAll, price, s.TrailingStopPrice, pnl, models.UrgencyHigh,
		fmt.Sprintf("trailing stop: price %.4f at or below %.4f (high %.4f)", price, s.TrailingStopPrice, s.HighestPrice), now)
	ev.ClosePercent = 100
	return ev, true
}

func (m *StopLossManager) checkTime(s *StopLossState, price, pnl float64, now time.Time) (*StopLossEvent, bool) {
	cfg := m.config.Time
	if !cfg.Enabled || cfg.MaxHoldingTime <= 0 || !m.checkReady(s, StopTime, cfg.Cooldown, now) {
		return nil, false
	}
	held := now.Sub(s.EntryTime)
	if held < cfg.MaxHoldingTime || -pnl < cfg.LossThreshold {
		return nil, false
	}
	ev := m.newEvent(s, StopTime, StopClosePartial, price, 0, pnl, models.UrgencyMedium,
		fmt.Sprintf("time stop: held %s at %.2f%% loss", held.Round(time.Hour), -pnl), now)
	ev.ClosePercent = cfg.ClosePercent
	return ev, true
}

func (m *StopLossManager) checkVolatility(s *StopLossState, price, pnl float64, now time.Time) (*StopLossEvent, bool) {
	cfg := m.config.Volatility
	if !cfg.Enabled || s.InitialVolatility <= 0 || !m.checkReady(s, StopVolatility, cfg.Cooldown, now) {
		return nil, false
	}
	drop := (s.InitialVolatility - s.CurrentVolatility) / s.InitialVolatility * 100
	if drop < cfg.DropThreshold || -pnl < cfg.LossThreshold {
		return nil, false
	}
	ev := m.newEvent(s, StopVolatility, StopClosePartial, price, 0, pnl, models.UrgencyMedium,
		fmt.Sprintf("volatility stop: volatility down %.1f%% since entry at %.2f%% loss", drop, -pnl), now)
	ev.ClosePercent = cfg.ClosePercent
	return ev, true
}
