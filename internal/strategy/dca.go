// Package strategy implements the DCA and grid decision engines.
package strategy

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"spot-trader/internal/models"
)

// Fill tags routing DCA fills back to the engine.
const (
	TagDCARegular       = "dca:regular"
	tagDCAReversePrefix = "dca:reverse:"
)

// ReverseLevel scales the DCA order once price drops below the average cost.
type ReverseLevel struct {
	PriceDrop  float64 `mapstructure:"price_drop" yaml:"price_drop"` // percent below average entry
	Multiplier float64 `mapstructure:"multiplier" yaml:"multiplier"`
}

// DCAConfig holds DCA parameters. BaseOrderSize is in quote currency.
type DCAConfig struct {
	Enabled           bool           `mapstructure:"enabled" yaml:"enabled"`
	BaseOrderSize     float64        `mapstructure:"base_order_size" yaml:"base_order_size"`
	Frequency         time.Duration  `mapstructure:"frequency" yaml:"frequency"`
	MaxOrders         int            `mapstructure:"max_orders" yaml:"max_orders"`
	TriggerThreshold  float64        `mapstructure:"trigger_threshold" yaml:"trigger_threshold"` // percent
	ReverseEnabled    bool           `mapstructure:"reverse_enabled" yaml:"reverse_enabled"`
	ReverseLevels     []ReverseLevel `mapstructure:"reverse_levels" yaml:"reverse_levels"`
	ReverseCooldown   time.Duration  `mapstructure:"reverse_cooldown" yaml:"reverse_cooldown"`
	SignalFilter      bool           `mapstructure:"signal_filter" yaml:"signal_filter"`
	MinSignalStrength float64        `mapstructure:"min_signal_strength" yaml:"min_signal_strength"`
}

// DefaultDCAConfig returns default DCA parameters.
func DefaultDCAConfig() DCAConfig {
	return DCAConfig{
		Enabled:          true,
		BaseOrderSize:    100,
		Frequency:        24 * time.Hour,
		MaxOrders:        30,
		TriggerThreshold: 5,
		ReverseEnabled:   true,
		ReverseLevels: []ReverseLevel{
			{PriceDrop: 5, Multiplier: 1.5},
			{PriceDrop: 10, Multiplier: 2},
			{PriceDrop: 20, Multiplier: 3},
		},
		ReverseCooldown:   time.Hour,
		MinSignalStrength: 60,
	}
}

// DCAState is the per-asset accumulation state.
type DCAState struct {
	Asset           string        `json:"asset"`
	BaseOrderSize   float64       `json:"base_order_size"`
	Frequency       time.Duration `json:"frequency"`
	MaxOrders       int           `json:"max_orders"`
	TotalOrders     int           `json:"total_orders"`
	TotalInvested   float64       `json:"total_invested"`
	TotalAmount     float64       `json:"total_amount"`
	AvgEntryPrice   float64       `json:"avg_entry_price"`
	ReverseDCALevel int           `json:"reverse_dca_level"`
	LastRegularDCA  time.Time     `json:"last_regular_dca"`
	LastReverseDCA  time.Time     `json:"last_reverse_dca"`
	PendingOrderID  string        `json:"pending_order_id,omitempty"`
}

// DCAEngine decides scheduled and price-drop accumulation orders per asset.
type DCAEngine struct {
	mu        sync.RWMutex
	config    DCAConfig
	overrides map[string]DCAConfig
	states    map[string]*DCAState
	logger    zerolog.Logger
}

// NewDCAEngine creates a DCA engine with default per-asset parameters.
func NewDCAEngine(cfg DCAConfig, logger zerolog.Logger) *DCAEngine {
	return &DCAEngine{
		config:    cfg,
		overrides: make(map[string]DCAConfig),
		states:    make(map[string]*DCAState),
		logger:    logger.With().Str("component", "dca").Logger(),
	}
}

// Activate creates state for an asset. A nil override uses the engine defaults.
func (e *DCAEngine) Activate(asset string, override *DCAConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cfg := e.config
	if override != nil {
		cfg = *override
		e.overrides[asset] = cfg
	}
	if _, ok := e.states[asset]; ok {
		return
	}
	e.states[asset] = &DCAState{
		Asset:         asset,
		BaseOrderSize: cfg.BaseOrderSize,
		Frequency:     cfg.Frequency,
		MaxOrders:     cfg.MaxOrders,
	}
}

// Deactivate destroys the asset's state.
func (e *DCAEngine) Deactivate(asset string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.states, asset)
	delete(e.overrides, asset)
}

// State returns a copy of the asset's state.
func (e *DCAEngine) State(asset string) (DCAState, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.states[asset]
	if !ok {
		return DCAState{}, false
	}
	return *s, true
}

// States returns copies of all states.
func (e *DCAEngine) States() []DCAState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]DCAState, 0, len(e.states))
	for _, s := range e.states {
		out = append(out, *s)
	}
	return out
}

// Restore replaces the asset's state.
func (e *DCAEngine) Restore(state DCAState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := state
	e.states[state.Asset] = &s
}

// UpdateConfig replaces the default parameters and refreshes non-overridden states.
func (e *DCAEngine) UpdateConfig(cfg DCAConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.config = cfg
	for asset, s := range e.states {
		if _, ok := e.overrides[asset]; ok {
			continue
		}
		s.BaseOrderSize = cfg.BaseOrderSize
		s.Frequency = cfg.Frequency
		s.MaxOrders = cfg.MaxOrders
	}
}

func (e *DCAEngine) configFor(asset string) DCAConfig {
	if cfg, ok := e.overrides[asset]; ok {
		return cfg
	}
	return e.config
}

// Evaluate returns a DCA candidate for the asset, or nil. Reverse DCA is checked first.
func (e *DCAEngine) Evaluate(snap models.MarketSnapshot, now time.Time) *models.Decision {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.states[snap.Asset]
	cfg := e.configFor(snap.Asset)
	if !ok || !cfg.Enabled || snap.Price <= 0 {
		return nil
	}
	if s.PendingOrderID != "" {
		return nil
	}

	e.resetReverseLevel(s, cfg, snap.Price)

	if s.MaxOrders > 0 && s.TotalOrders >= s.MaxOrders {
		return nil
	}

	if d := e.evaluateReverse(s, cfg, snap, now); d != nil {
		return d
	}
	return e.evaluateRegular(s, cfg, snap, now)
}

// resetReverseLevel clears the level once price recovers above half the trigger threshold.
func (e *DCAEngine) resetReverseLevel(s *DCAState, cfg DCAConfig, price float64) {
	if s.ReverseDCALevel == 0 || s.AvgEntryPrice <= 0 {
		return
	}
	if price >= s.AvgEntryPrice*(1-cfg.TriggerThreshold/100/2) {
		e.logger.Debug().Str("asset", s.Asset).Int("level", s.ReverseDCALevel).Msg("Reverse DCA level reset")
		s.ReverseDCALevel = 0
	}
}

func (e *DCAEngine) evaluateReverse(s *DCAState, cfg DCAConfig, snap models.MarketSnapshot, now time.Time) *models.Decision {
	if !cfg.ReverseEnabled || s.AvgEntryPrice <= 0 || snap.Price >= s.AvgEntryPrice {
		return nil
	}
	cooldown := cfg.ReverseCooldown
	if cooldown <= 0 {
		cooldown = time.Hour
	}
	if !s.LastReverseDCA.IsZero() && now.Sub(s.LastReverseDCA) < cooldown {
		return nil
	}

	drop := (s.AvgEntryPrice - snap.Price) / s.AvgEntryPrice * 100
	level, lvl := selectReverseLevel(cfg.ReverseLevels, drop)
	if level == 0 {
		return nil
	}

	value := s.BaseOrderSize * lvl.Multiplier
	d := models.NewDecision(snap.Asset, models.ActionBuy, models.DecisionDCA, models.UrgencyMedium,
		fmt.Sprintf("reverse DCA level %d: price %.2f%% below average %.4f", level, drop, s.AvgEntryPrice), now)
	d.Size = value / snap.Price
	d.Price = snap.Price
	d.Tag = tagDCAReversePrefix + strconv.Itoa(level)
	return d
}

// selectReverseLevel returns the 1-based index of the deepest level whose drop is reached.
func selectReverseLevel(levels []ReverseLevel, drop float64) (int, ReverseLevel) {
	best := 0
	var chosen ReverseLevel
	for i, l := range levels {
		if l.PriceDrop <= drop && (best == 0 || l.PriceDrop >= chosen.PriceDrop) {
			best = i + 1
			chosen = l
		}
	}
	return best, chosen
}

func (e *DCAEngine) evaluateRegular(s *DCAState, cfg DCAConfig, snap models.MarketSnapshot, now time.Time) *models.Decision {
	if !s.LastRegularDCA.IsZero() && now.Sub(s.LastRegularDCA) < s.Frequency {
		return nil
	}
	if cfg.SignalFilter && snap.Signal.Direction == models.SignalBearish && snap.Signal.Strength >= cfg.MinSignalStrength {
		e.logger.Debug().Str("asset", s.Asset).Float64("strength", snap.Signal.Strength).Msg("Regular DCA skipped on bearish signal")
		return nil
	}

	reason := "scheduled DCA"
	if s.LastRegularDCA.IsZero() {
		reason = "initial DCA"
	}
	d := models.NewDecision(snap.Asset, models.ActionBuy, models.DecisionDCA, models.UrgencyLow, reason, now)
	d.Size = s.BaseOrderSize / snap.Price
	d.Price = snap.Price
	d.Tag = TagDCARegular
	return d
}

// MarkOrderPlaced blocks new DCA candidates until the order resolves.
func (e *DCAEngine) MarkOrderPlaced(asset, orderID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.states[asset]; ok {
		s.PendingOrderID = orderID
	}
}

// MarkOrderDone clears a pending order without a fill.
func (e *DCAEngine) MarkOrderDone(asset, orderID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.states[asset]; ok && s.PendingOrderID == orderID {
		s.PendingOrderID = ""
	}
}

// RecordFill applies a confirmed DCA fill: VWAP average, counters and trigger timestamps.
func (e *DCAEngine) RecordFill(asset, tag string, price, amount float64, ts time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.states[asset]
	if !ok || amount <= 0 || price <= 0 {
		return
	}

	s.TotalOrders++
	s.TotalInvested += price * amount
	s.TotalAmount += amount
	s.AvgEntryPrice = s.TotalInvested / s.TotalAmount
	s.PendingOrderID = ""

	if level, ok := parseReverseTag(tag); ok {
		s.LastReverseDCA = ts
		s.ReverseDCALevel = level
	} else {
		s.LastRegularDCA = ts
	}

	e.logger.Info().
		Str("asset", asset).
		Str("tag", tag).
		Float64("price", price).
		Float64("amount", amount).
		Float64("avg_entry", s.AvgEntryPrice).
		Int("orders", s.TotalOrders).
		Msg("DCA fill recorded")
}

// RecordReduction scales accumulated amounts after a sell. A fraction of 1 resets the accumulation.
func (e *DCAEngine) RecordReduction(asset string, fraction float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.states[asset]
	if !ok || fraction <= 0 {
		return
	}
	if fraction >= 1 {
		s.TotalInvested = 0
		s.TotalAmount = 0
		s.AvgEntryPrice = 0
		s.ReverseDCALevel = 0
		return
	}
	s.TotalInvested *= 1 - fraction
	s.TotalAmount *= 1 - fraction
}

// IsDCATag reports whether a fill tag belongs to the DCA engine.
func IsDCATag(tag string) bool {
	return strings.HasPrefix(tag, "dca:")
}

func parseReverseTag(tag string) (int, bool) {
	if !strings.HasPrefix(tag, tagDCAReversePrefix) {
		return 0, false
	}
	level, err := strconv.Atoi(strings.TrimPrefix(tag, tagDCAReversePrefix))
	if err != nil {
		return 0, false
	}
	return level, true
}
