package models

import (
	"time"

	"github.com/google/uuid"
)

// Action is what a decision asks the orchestration layer to do.
type Action string

const (
	ActionBuy            Action = "buy"
	ActionSell           Action = "sell"
	ActionHold           Action = "hold"
	ActionReducePosition Action = "reduce_position"
	ActionClosePosition  Action = "close_position"
	ActionPause          Action = "pause"
	ActionEmergency      Action = "emergency"
)

// IsEntry reports whether the action opens or grows exposure.
func (a Action) IsEntry() bool {
	return a == ActionBuy
}

// Side maps an executable action to an order side.
func (a Action) Side() (Side, bool) {
	switch a {
	case ActionBuy:
		return SideBuy, true
	case ActionSell, ActionReducePosition, ActionClosePosition:
		return SideSell, true
	}
	return "", false
}

// DecisionType identifies the component that proposed a decision.
type DecisionType string

const (
	DecisionDCA  DecisionType = "dca"
	DecisionGrid DecisionType = "grid"
	DecisionRisk DecisionType = "risk"
)

// Urgency is the qualitative priority of a decision.
type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyMedium Urgency = "medium"
	UrgencyHigh   Urgency = "high"
)

// Rank orders urgencies, higher is more urgent.
func (u Urgency) Rank() int {
	switch u {
	case UrgencyHigh:
		return 3
	case UrgencyMedium:
		return 2
	case UrgencyLow:
		return 1
	}
	return 0
}

// Decision is a single proposed action for one asset in one cycle.
type Decision struct {
	ID        string       `json:"id"`
	Asset     string       `json:"asset"`
	Action    Action       `json:"action"`
	Type      DecisionType `json:"type"`
	Reason    string       `json:"reason"`
	Size      float64      `json:"size,omitempty"`
	Price     float64      `json:"price,omitempty"`
	Urgency   Urgency      `json:"urgency"`
	Tag       string       `json:"tag,omitempty"` // routes fills back to the proposing engine
	Timestamp time.Time    `json:"timestamp"`
}

// NewDecision creates a decision with a fresh ID.
func NewDecision(asset string, action Action, typ DecisionType, urgency Urgency, reason string, now time.Time) *Decision {
	return &Decision{
		ID:        uuid.NewString(),
		Asset:     asset,
		Action:    action,
		Type:      typ,
		Reason:    reason,
		Urgency:   urgency,
		Timestamp: now,
	}
}

// Hold creates a hold decision carrying the reason nothing was done.
func Hold(asset, reason string, now time.Time) *Decision {
	return NewDecision(asset, ActionHold, DecisionRisk, UrgencyLow, reason, now)
}

// IsHold reports whether the decision is a no-op.
func (d *Decision) IsHold() bool {
	return d == nil || d.Action == ActionHold || d.Action == ActionPause
}

// Value returns size times price.
func (d *Decision) Value() float64 {
	return d.Size * d.Price
}
