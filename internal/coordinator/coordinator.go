// Package coordinator resolves DCA, grid and risk candidates into at most one
// decision per asset per cycle.
package coordinator

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"spot-trader/internal/models"
	"spot-trader/internal/position"
	"spot-trader/internal/risk"
)

// Mode biases conflict resolution between strategies.
type Mode string

const (
	ModeNormal       Mode = "normal"
	ModeDCAPriority  Mode = "dca_priority"
	ModeGridPriority Mode = "grid_priority"
	// ModePause holds every strategy proposal and medium or low urgency risk
	// exits. High urgency risk exits still execute.
	ModePause Mode = "pause"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeNormal, ModeDCAPriority, ModeGridPriority, ModePause:
		return true
	}
	return false
}

// Config holds mode heuristics. Percentages are unrealized PnL of the asset's position.
type Config struct {
	AutoAdjustMode   bool    `mapstructure:"auto_adjust_mode" yaml:"auto_adjust_mode"`
	DCAPriorityLoss  float64 `mapstructure:"dca_priority_loss" yaml:"dca_priority_loss"`
	GridPriorityGain float64 `mapstructure:"grid_priority_gain" yaml:"grid_priority_gain"`
	NeutralBand      float64 `mapstructure:"neutral_band" yaml:"neutral_band"`
	DCAPreferLoss    float64 `mapstructure:"dca_prefer_loss" yaml:"dca_prefer_loss"`
	DCAPreferRatio   float64 `mapstructure:"dca_prefer_ratio" yaml:"dca_prefer_ratio"`
}

// DefaultConfig returns the standard mode thresholds.
func DefaultConfig() Config {
	return Config{
		AutoAdjustMode:   true,
		DCAPriorityLoss:  10,
		GridPriorityGain: 10,
		NeutralBand:      3,
		DCAPreferLoss:    5,
		DCAPreferRatio:   0.97,
	}
}

// Strategy proposes a candidate decision for a snapshot.
type Strategy interface {
	Evaluate(snap models.MarketSnapshot, now time.Time) *models.Decision
}

// StopEvaluator evaluates stop-loss conditions for an asset.
type StopEvaluator interface {
	Evaluate(asset string, price, volatility float64, now time.Time) *risk.StopLossEvent
}

// DrawdownGate exposes the drawdown controller's entry gates.
type DrawdownGate interface {
	State() risk.DrawdownState
	SizeMultiplier() float64
	CanOpenNewPositions(dca bool) bool
}

// CapitalGate is the position controller's read side.
type CapitalGate interface {
	CheckOrder(asset string, side models.Side, size, price float64) position.OrderCheck
	Position(asset string) (models.Position, bool)
}

// Result is the full outcome of one asset evaluation.
type Result struct {
	Decision   *models.Decision
	StopEvent  *risk.StopLossEvent
	Mode       Mode
	Candidates int
	Rejected   []string
}

// Coordinator runs once per asset per cycle.
type Coordinator struct {
	mu        sync.RWMutex
	config    Config
	modes     map[string]Mode
	overrides map[string]Mode

	dca      Strategy
	grid     Strategy
	stops    StopEvaluator
	drawdown DrawdownGate
	capital  CapitalGate
	logger   zerolog.Logger
}

// New creates a coordinator over the given components. Any strategy may be nil.
func New(cfg Config, dca, grid Strategy, stops StopEvaluator, drawdown DrawdownGate, capital CapitalGate, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		config:    cfg,
		modes:     make(map[string]Mode),
		overrides: make(map[string]Mode),
		dca:       dca,
		grid:      grid,
		stops:     stops,
		drawdown:  drawdown,
		capital:   capital,
		logger:    logger.With().Str("component", "coordinator").Logger(),
	}
}

// Decide returns zero or one decision for the snapshot's asset.
func (c *Coordinator) Decide(snap models.MarketSnapshot, now time.Time) *models.Decision {
	return c.Evaluate(snap, now).Decision
}

// Evaluate collects candidates, gates them, applies the mode and returns the
// winning decision with the context that produced it.
func (c *Coordinator) Evaluate(snap models.MarketSnapshot, now time.Time) Result {
	asset := snap.Asset
	pos, hasPos := c.capital.Position(asset)
	if hasPos && snap.Price > 0 {
		pos.CurrentPrice = snap.Price
	}
	pnl := 0.0
	if hasPos {
		pnl = pos.UnrealizedPnLPercent()
	}

	mode := c.adjustMode(asset, pnl)
	res := Result{Mode: mode}

	var candidates []*models.Decision

	if hasPos && c.stops != nil {
		ev := c.stops.Evaluate(asset, snap.Price, snap.Volatility, now)
		res.StopEvent = ev
		if d := ev.ToDecision(pos); d != nil {
			candidates = append(candidates, d)
		}
	}
	if hasPos && c.drawdown != nil && c.drawdown.State() == risk.DrawdownEmergency {
		d := models.NewDecision(asset, models.ActionClosePosition, models.DecisionRisk, models.UrgencyHigh,
			"drawdown emergency: close all positions", now)
		d.Size = pos.Amount
		d.Price = snap.Price
		d.Tag = "drawdown:emergency"
		candidates = append(candidates, d)
	}
	for _, s := range []Strategy{c.dca, c.grid} {
		if s == nil {
			continue
		}
		if d := s.Evaluate(snap, now); d != nil {
			candidates = append(candidates, d)
		}
	}
	res.Candidates = len(candidates)
	if len(candidates) == 0 {
		return res
	}

	accepted := make([]*models.Decision, 0, len(candidates))
	for _, d := range candidates {
		if reason, ok := c.gate(d, snap); !ok {
			res.Rejected = append(res.Rejected, fmt.Sprintf("%s %s: %s", d.Type, d.Action, reason))
			continue
		}
		accepted = append(accepted, d)
	}

	sortCandidates(accepted)
	res.Decision = c.selectByMode(mode, accepted, pos, hasPos, pnl, snap.Price)

	if res.Decision == nil {
		reason := "no eligible candidate"
		switch {
		case mode == ModePause && len(accepted) > 0:
			reason = "coordination paused"
		case len(res.Rejected) > 0:
			reason = strings.Join(res.Rejected, "; ")
		}
		res.Decision = models.Hold(asset, reason, now)
	}

	c.logger.Debug().
		Str("asset", asset).
		Str("mode", string(mode)).
		Int("candidates", res.Candidates).
		Int("rejected", len(res.Rejected)).
		Str("action", string(res.Decision.Action)).
		Msg("Coordinated decision")
	return res
}

// gate applies stale-data, drawdown and capital limits, resizing in place
// where a smaller order would be allowed.
func (c *Coordinator) gate(d *models.Decision, snap models.MarketSnapshot) (string, bool) {
	if d.Price <= 0 {
		d.Price = snap.Price
	}
	entry := d.Action.IsEntry()

	if entry {
		if snap.Stale {
			return "market data stale", false
		}
		if c.drawdown != nil {
			if !c.drawdown.CanOpenNewPositions(d.Type == models.DecisionDCA) {
				return fmt.Sprintf("entries blocked in drawdown state %s", c.drawdown.State()), false
			}
			if m := c.drawdown.SizeMultiplier(); m < 1 {
				d.Size *= m
				d.Reason += fmt.Sprintf(" (size x%.2f for drawdown)", m)
			}
		}
	}

	side, ok := d.Action.Side()
	if !ok {
		return "", true
	}
	check := c.capital.CheckOrder(d.Asset, side, d.Size, d.Price)
	if check.Allowed {
		return "", true
	}
	if check.RecommendedSize > 0 && check.RecommendedSize < d.Size {
		if again := c.capital.CheckOrder(d.Asset, side, check.RecommendedSize, d.Price); again.Allowed {
			d.Reason += fmt.Sprintf(" (resized %.8f -> %.8f: %s)", d.Size, check.RecommendedSize, check.Reason)
			d.Size = check.RecommendedSize
			return "", true
		}
	}
	return check.Reason, false
}

// sortCandidates orders risk decisions first, then by urgency.
func sortCandidates(ds []*models.Decision) {
	sort.SliceStable(ds, func(i, j int) bool {
		ri, rj := ds[i].Type == models.DecisionRisk, ds[j].Type == models.DecisionRisk
		if ri != rj {
			return ri
		}
		return ds[i].Urgency.Rank() > ds[j].Urgency.Rank()
	})
}

func (c *Coordinator) selectByMode(mode Mode, ds []*models.Decision, pos models.Position, hasPos bool, pnl, price float64) *models.Decision {
	if len(ds) == 0 {
		return nil
	}
	top := ds[0]
	if top.Type == models.DecisionRisk {
		if mode == ModePause && top.Urgency != models.UrgencyHigh {
			return nil
		}
		return top
	}

	switch mode {
	case ModePause:
		return nil
	case ModeDCAPriority:
		return firstOf(ds, models.DecisionDCA, top)
	case ModeGridPriority:
		return firstOf(ds, models.DecisionGrid, top)
	}

	c.mu.RLock()
	cfg := c.config
	c.mu.RUnlock()
	if hasPos && (pnl < -cfg.DCAPreferLoss || price < pos.AvgEntryPrice*cfg.DCAPreferRatio) {
		return firstOf(ds, models.DecisionDCA, top)
	}
	if math.Abs(pnl) < cfg.NeutralBand {
		return firstOf(ds, models.DecisionGrid, top)
	}
	return top
}

func firstOf(ds []*models.Decision, typ models.DecisionType, fallback *models.Decision) *models.Decision {
	for _, d := range ds {
		if d.Type == typ {
			return d
		}
	}
	return fallback
}

// adjustMode returns the asset's mode, re-deriving it from PnL unless a manual
// override is set. PnL between the bands keeps the previous mode.
func (c *Coordinator) adjustMode(asset string, pnl float64) Mode {
	c.mu.Lock()
	defer c.mu.Unlock()

	if m, ok := c.overrides[asset]; ok {
		return m
	}
	mode, ok := c.modes[asset]
	if !ok {
		mode = ModeNormal
	}
	if c.config.AutoAdjustMode {
		next := mode
		switch {
		case pnl < -c.config.DCAPriorityLoss:
			next = ModeDCAPriority
		case pnl > c.config.GridPriorityGain:
			next = ModeGridPriority
		case math.Abs(pnl) < c.config.NeutralBand:
			next = ModeNormal
		}
		if next != mode {
			c.logger.Info().
				Str("asset", asset).
				Str("from", string(mode)).
				Str("to", string(next)).
				Float64("pnl_percent", pnl).
				Msg("Coordination mode adjusted")
		}
		mode = next
	}
	c.modes[asset] = mode
	return mode
}

// SetMode pins the asset's mode until ClearMode is called.
func (c *Coordinator) SetMode(asset string, mode Mode) error {
	if !mode.Valid() {
		return fmt.Errorf("unknown coordination mode %q", mode)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.overrides[asset] = mode
	return nil
}

// ClearMode removes a manual override.
func (c *Coordinator) ClearMode(asset string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.overrides, asset)
}

// Mode returns the asset's effective mode.
func (c *Coordinator) Mode(asset string) Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if m, ok := c.overrides[asset]; ok {
		return m
	}
	if m, ok := c.modes[asset]; ok {
		return m
	}
	return ModeNormal
}

// Modes returns the effective modes of every asset seen so far.
func (c *Coordinator) Modes() map[string]Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Mode, len(c.modes)+len(c.overrides))
	for a, m := range c.modes {
		out[a] = m
	}
	for a, m := range c.overrides {
		out[a] = m
	}
	return out
}

// RestoreModes replaces auto-adjusted and overridden modes.
func (c *Coordinator) RestoreModes(modes, overrides map[string]Mode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.modes = make(map[string]Mode, len(modes))
	for a, m := range modes {
		c.modes[a] = m
	}
	c.overrides = make(map[string]Mode, len(overrides))
	for a, m := range overrides {
		c.overrides[a] = m
	}
}

// Overrides returns the manually pinned modes.
func (c *Coordinator) Overrides() map[string]Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Mode, len(c.overrides))
	for a, m := range c.overrides {
		out[a] = m
	}
	return out
}

// UpdateConfig replaces mode heuristics.
func (c *Coordinator) UpdateConfig(cfg Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.config = cfg
}
