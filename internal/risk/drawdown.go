// Package risk implements drawdown control, stop-losses and emergency liquidation.
package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DrawdownState classifies account drawdown.
type DrawdownState string

const (
	DrawdownNormal     DrawdownState = "normal"
	DrawdownWarning    DrawdownState = "warning"
	DrawdownPaused     DrawdownState = "paused"
	DrawdownEmergency  DrawdownState = "emergency"
	DrawdownRecovering DrawdownState = "recovering"
)

// InDrawdown reports whether the state is one of the escalation tiers.
func (s DrawdownState) InDrawdown() bool {
	return s == DrawdownWarning || s == DrawdownPaused || s == DrawdownEmergency
}

// DrawdownRecommendation is the action attached to a state.
type DrawdownRecommendation string

const (
	RecommendNone         DrawdownRecommendation = "none"
	RecommendReduceSize   DrawdownRecommendation = "reduce_size"
	RecommendBlockEntries DrawdownRecommendation = "block_entries"
	RecommendCloseAll     DrawdownRecommendation = "close_all"
	RecommendResume       DrawdownRecommendation = "resume"
)

// DrawdownConfig holds drawdown thresholds as percentages of peak equity.
type DrawdownConfig struct {
	WarningLevel         float64 `mapstructure:"warning_level" yaml:"warning_level"`
	PauseLevel           float64 `mapstructure:"pause_level" yaml:"pause_level"`
	EmergencyLevel       float64 `mapstructure:"emergency_level" yaml:"emergency_level"`
	RecoveryLevel        float64 `mapstructure:"recovery_level" yaml:"recovery_level"`
	WarningSizeReduction float64 `mapstructure:"warning_size_reduction" yaml:"warning_size_reduction"` // percent
	AllowDCAWhilePaused  bool    `mapstructure:"allow_dca_while_paused" yaml:"allow_dca_while_paused"`
	HistorySize          int     `mapstructure:"history_size" yaml:"history_size"`
}

// DefaultDrawdownConfig returns 10/20/30 thresholds with 5% recovery.
func DefaultDrawdownConfig() DrawdownConfig {
	return DrawdownConfig{
		WarningLevel:         10,
		PauseLevel:           20,
		EmergencyLevel:       30,
		RecoveryLevel:        5,
		WarningSizeReduction: 50,
		AllowDCAWhilePaused:  true,
		HistorySize:          1000,
	}
}

// ClassifyDrawdown is the pure state transition. drawdown and recoveryGain are percentages;
// recoveryGain is measured from the equity trough of the current drawdown episode.
func ClassifyDrawdown(drawdown, recoveryGain float64, prev DrawdownState, cfg DrawdownConfig) DrawdownState {
	switch {
	case drawdown >= cfg.EmergencyLevel:
		return DrawdownEmergency
	case drawdown >= cfg.PauseLevel:
		return DrawdownPaused
	case drawdown >= cfg.WarningLevel:
		return DrawdownWarning
	}

	switch prev {
	case DrawdownWarning, DrawdownPaused, DrawdownEmergency:
		return DrawdownRecovering
	case DrawdownRecovering:
		if recoveryGain > cfg.RecoveryLevel/2 && drawdown < cfg.RecoveryLevel {
			return DrawdownNormal
		}
		return DrawdownRecovering
	}
	return DrawdownNormal
}

// EquityPoint is one sample of the equity history.
type EquityPoint struct {
	Equity    float64   `json:"equity"`
	Peak      float64   `json:"peak"`
	Drawdown  float64   `json:"drawdown"`
	Timestamp time.Time `json:"timestamp"`
}

// DrawdownRecord is the controller's persistent state.
type DrawdownRecord struct {
	PeakEquity    float64       `json:"peak_equity"`
	CurrentEquity float64       `json:"current_equity"`
	TroughEquity  float64       `json:"trough_equity"`
	State         DrawdownState `json:"state"`
	PeakTimestamp time.Time     `json:"peak_timestamp"`
	History       []EquityPoint `json:"history"`
}

// Drawdown returns the current drawdown percentage.
func (r DrawdownRecord) Drawdown() float64 {
	if r.PeakEquity <= 0 {
		return 0
	}
	d := (r.PeakEquity - r.CurrentEquity) / r.PeakEquity * 100
	if d < 0 {
		return 0
	}
	return d
}

// DrawdownAction is emitted on every update.
type DrawdownAction struct {
	State             DrawdownState          `json:"state"`
	Previous          DrawdownState          `json:"previous"`
	Drawdown          float64                `json:"drawdown"`
	PeakEquity        float64                `json:"peak_equity"`
	Equity            float64                `json:"equity"`
	Action            DrawdownRecommendation `json:"action"`
	ReduceSizePercent float64                `json:"reduce_size_percent,omitempty"`
	AllowDCA          bool                   `json:"allow_dca"`
	Changed           bool                   `json:"changed"`
	Reason            string                 `json:"reason"`
	Timestamp         time.Time              `json:"timestamp"`
}

// DrawdownController tracks equity against its running peak.
type DrawdownController struct {
	mu     sync.RWMutex
	config DrawdownConfig
	record DrawdownRecord
	logger zerolog.Logger
}

// NewDrawdownController creates a controller in the normal state.
func NewDrawdownController(cfg DrawdownConfig, logger zerolog.Logger) *DrawdownController {
	return &DrawdownController{
		config: cfg,
		record: DrawdownRecord{State: DrawdownNormal},
		logger: logger.With().Str("component", "drawdown").Logger(),
	}
}

// Update records an equity reading and classifies the new state.
func (c *DrawdownController) Update(equity float64, now time.Time) DrawdownAction {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := &c.record
	if equity > r.PeakEquity {
		r.PeakEquity = equity
		r.PeakTimestamp = now
	}
	r.CurrentEquity = equity

	prev := r.State
	if !prev.InDrawdown() && prev != DrawdownRecovering {
		r.TroughEquity = equity
	} else if equity < r.TroughEquity || r.TroughEquity <= 0 {
		r.TroughEquity = equity
	}

	drawdown := r.Drawdown()
	gain := 0.0
	if r.TroughEquity > 0 {
		gain = (equity - r.TroughEquity) / r.TroughEquity * 100
	}

	state := ClassifyDrawdown(drawdown, gain, prev, c.config)
	r.State = state
	if state == DrawdownNormal {
		r.TroughEquity = equity
	}

	r.History = append(r.History, EquityPoint{Equity: equity, Peak: r.PeakEquity, Drawdown: drawdown, Timestamp: now})
	if max := c.config.HistorySize; max > 0 && len(r.History) > max {
		r.History = append([]EquityPoint(nil), r.History[len(r.History)-max:]...)
	}

	action := c.actionFor(state, prev, drawdown, now)
	if action.Changed {
		c.logger.Warn().
			Str("from", string(prev)).
			Str("to", string(state)).
			Float64("drawdown", drawdown).
			Float64("equity", equity).
			Float64("peak", r.PeakEquity).
			Msg("Drawdown state changed")
	}
	return action
}

func (c *DrawdownController) actionFor(state, prev DrawdownState, drawdown float64, now time.Time) DrawdownAction {
	a := DrawdownAction{
		State:      state,
		Previous:   prev,
		Drawdown:   drawdown,
		PeakEquity: c.record.PeakEquity,
		Equity:     c.record.CurrentEquity,
		Action:     RecommendNone,
		AllowDCA:   true,
		Changed:    state != prev,
		Timestamp:  now,
	}

	switch state {
	case DrawdownWarning:
		a.Action = RecommendReduceSize
		a.ReduceSizePercent = c.config.WarningSizeReduction
		a.Reason = fmt.Sprintf("drawdown %.2f%% reached warning level %.0f%%", drawdown, c.config.WarningLevel)
	case DrawdownPaused:
		a.Action = RecommendBlockEntries
		a.AllowDCA = c.config.AllowDCAWhilePaused
		a.Reason = fmt.Sprintf("drawdown %.2f%% reached pause level %.0f%%", drawdown, c.config.PauseLevel)
	case DrawdownEmergency:
		a.Action = RecommendCloseAll
		a.AllowDCA = false
		a.Reason = fmt.Sprintf("drawdown %.2f%% reached emergency level %.0f%%", drawdown, c.config.EmergencyLevel)
	case DrawdownRecovering:
		a.Reason = fmt.Sprintf("recovering, drawdown %.2f%%", drawdown)
	case DrawdownNormal:
		if prev != DrawdownNormal {
			a.Action = RecommendResume
			a.Reason = "drawdown recovered"
		}
	}
	return a
}

// State returns the current state.
func (c *DrawdownController) State() DrawdownState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.record.State
}

// Record returns a copy of the controller's record.
func (c *DrawdownController) Record() DrawdownRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r := c.record
	r.History = append([]EquityPoint(nil), c.record.History...)
	return r
}

// Restore replaces the record.
func (c *DrawdownController) Restore(r DrawdownRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r.State == "" {
		r.State = DrawdownNormal
	}
	c.record = r
}

// SizeMultiplier returns the factor applied to new entry sizes. While paused
// it applies to the DCA entries that are still allowed.
func (c *DrawdownController) SizeMultiplier() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch c.record.State {
	case DrawdownWarning:
		return 1 - c.config.WarningSizeReduction/100
	case DrawdownPaused:
		if c.config.AllowDCAWhilePaused {
			return 1 - c.config.WarningSizeReduction/100
		}
		return 0
	case DrawdownEmergency:
		return 0
	}
	return 1
}

// CanOpenNewPositions reports whether entries of the given kind are allowed.
func (c *DrawdownController) CanOpenNewPositions(dca bool) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch c.record.State {
	case DrawdownEmergency:
		return false
	case DrawdownPaused:
		return dca && c.config.AllowDCAWhilePaused
	}
	return true
}

// UpdateConfig replaces thresholds.
func (c *DrawdownController) UpdateConfig(cfg DrawdownConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.config = cfg
}
