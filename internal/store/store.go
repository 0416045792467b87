// Package store provides the persistence sink for engine events.
package store

import (
	"context"
	"time"

	"spot-trader/internal/models"
	"spot-trader/internal/risk"
)

// EventStore defines the interface for event persistence. The engine never
// depends on a write succeeding.
type EventStore interface {
	// Decisions
	SaveDecision(ctx context.Context, decision *models.Decision) error
	GetDecisions(ctx context.Context, filter DecisionFilter) ([]models.Decision, error)

	// Risk events
	SaveDrawdownAction(ctx context.Context, action risk.DrawdownAction) error
	GetDrawdownActions(ctx context.Context, limit int) ([]risk.DrawdownAction, error)
	SaveStopLossEvent(ctx context.Context, event *risk.StopLossEvent) error
	GetStopLossEvents(ctx context.Context, filter EventFilter) ([]risk.StopLossEvent, error)
	SaveEmergencyEvent(ctx context.Context, event *risk.EmergencyCloseEvent) error
	GetEmergencyEvents(ctx context.Context, limit int) ([]risk.EmergencyCloseEvent, error)

	// Orders
	SaveOrder(ctx context.Context, order models.TrackedOrder) error
	GetOrders(ctx context.Context, filter OrderFilter) ([]models.TrackedOrder, error)

	// Errors
	SaveCycleError(ctx context.Context, asset, message string, at time.Time) error

	// Lifecycle
	Ping(ctx context.Context) error
	Close() error
}

// DecisionFilter represents filters for querying decisions.
type DecisionFilter struct {
	Asset     string
	Type      models.DecisionType
	StartDate time.Time
	EndDate   time.Time
	Limit     int
}

// EventFilter represents filters for querying per-asset risk events.
type EventFilter struct {
	Asset     string
	StartDate time.Time
	Limit     int
}

// OrderFilter represents filters for querying tracked orders.
type OrderFilter struct {
	Asset  string
	Status models.OrderStatus
	Open   bool // only non-terminal orders
	Limit  int
}
