package engine

import (
	"context"
	"time"

	"spot-trader/internal/coordinator"
	"spot-trader/internal/exchange"
	"spot-trader/internal/models"
	"spot-trader/internal/position"
	"spot-trader/internal/risk"
	"spot-trader/internal/statecache"
	"spot-trader/internal/strategy"
)

const stateKey = "engine:state"

// State is everything needed to resume a session.
type State struct {
	Capital   position.Snapshot           `json:"capital"`
	DCA       []strategy.DCAState         `json:"dca"`
	Grid      []strategy.GridLadder       `json:"grid"`
	Drawdown  risk.DrawdownRecord         `json:"drawdown"`
	Stops     []risk.StopLossState        `json:"stops"`
	Orders    []models.TrackedOrder       `json:"orders"`
	Modes     map[string]coordinator.Mode `json:"modes"`
	Overrides map[string]coordinator.Mode `json:"overrides"`
	Paper     *exchange.Balance           `json:"paper,omitempty"`
	SavedAt   time.Time                   `json:"saved_at"`
}

// Snapshot captures the current session state.
func (e *Engine) Snapshot() State {
	now := e.now()
	s := State{
		Capital:   e.capital.Snapshot(now),
		DCA:       e.dca.States(),
		Grid:      e.grid.Ladders(),
		Drawdown:  e.drawdown.Record(),
		Stops:     e.stops.States(),
		Orders:    e.orders.Orders(),
		Modes:     e.coordinator.Modes(),
		Overrides: e.coordinator.Overrides(),
		SavedAt:   now,
	}
	if paper, ok := e.raw.(*exchange.PaperExchange); ok {
		b := paper.Balance()
		s.Paper = &b
	}
	return s
}

// SaveState writes the snapshot to the state cache, if one is configured.
func (e *Engine) SaveState(ctx context.Context) error {
	if e.cache == nil {
		return nil
	}
	return e.cache.SaveJSON(ctx, stateKey, e.Snapshot())
}

// LoadSnapshot reads the last saved session state from cache without
// building an engine.
func LoadSnapshot(ctx context.Context, cache *statecache.Cache) (State, bool, error) {
	var s State
	found, err := cache.LoadJSON(ctx, stateKey, &s)
	return s, found, err
}

// RestoreState loads the last saved snapshot. It reports false when none exists.
func (e *Engine) RestoreState(ctx context.Context) (bool, error) {
	if e.cache == nil {
		return false, nil
	}
	s, found, err := LoadSnapshot(ctx, e.cache)
	if err != nil || !found {
		return false, err
	}
	e.Restore(s)
	e.logger.Info().
		Time("saved_at", s.SavedAt).
		Int("positions", len(s.Capital.Positions)).
		Int("orders", len(s.Orders)).
		Msg("Session state restored")
	return true, nil
}

// Restore replaces component state from a snapshot.
func (e *Engine) Restore(s State) {
	e.capital.Restore(s.Capital)
	for _, st := range s.DCA {
		e.dca.Restore(st)
	}
	for _, l := range s.Grid {
		e.grid.Restore(l)
	}
	e.drawdown.Restore(s.Drawdown)
	for _, st := range s.Stops {
		e.stops.Restore(st)
	}
	e.orders.Restore(s.Orders)
	for _, o := range e.orders.Open() {
		e.reserveCapital(o)
	}
	e.coordinator.RestoreModes(s.Modes, s.Overrides)
	if paper, ok := e.raw.(*exchange.PaperExchange); ok && s.Paper != nil {
		paper.Restore(*s.Paper)
	}
}
