// Package models contains the core data models for the spot trading engine.
package models

import "time"

// Side represents the side of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Position represents a spot holding in a single asset.
type Position struct {
	Asset         string    `json:"asset"`
	Amount        float64   `json:"amount"`
	AvgEntryPrice float64   `json:"avg_entry_price"`
	CurrentPrice  float64   `json:"current_price"`
	RealizedPnL   float64   `json:"realized_pnl"`
	OpenedAt      time.Time `json:"opened_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Value returns the market value of the position.
func (p Position) Value() float64 {
	return p.Amount * p.CurrentPrice
}

// Cost returns the cost basis of the position.
func (p Position) Cost() float64 {
	return p.Amount * p.AvgEntryPrice
}

// UnrealizedPnL returns value minus cost.
func (p Position) UnrealizedPnL() float64 {
	return p.Value() - p.Cost()
}

// UnrealizedPnLPercent returns unrealized PnL as a percentage of cost.
func (p Position) UnrealizedPnLPercent() float64 {
	cost := p.Cost()
	if cost <= 0 {
		return 0
	}
	return p.UnrealizedPnL() / cost * 100
}

// IsOpen reports whether the position holds any amount.
func (p Position) IsOpen() bool {
	return p.Amount > 0
}

// Ticker is a top-of-book quote for an asset.
type Ticker struct {
	Asset     string    `json:"asset"`
	Price     float64   `json:"price"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Timestamp time.Time `json:"timestamp"`
}

// Spread returns ask minus bid.
func (t Ticker) Spread() float64 {
	if t.Bid <= 0 || t.Ask <= 0 {
		return 0
	}
	return t.Ask - t.Bid
}

// VolatilityClass is a coarse classification of realized volatility.
type VolatilityClass string

const (
	VolatilityLow    VolatilityClass = "low"
	VolatilityMedium VolatilityClass = "medium"
	VolatilityHigh   VolatilityClass = "high"
)

// SignalDirection is the aggregated technical direction.
type SignalDirection string

const (
	SignalNone    SignalDirection = ""
	SignalBullish SignalDirection = "bullish"
	SignalBearish SignalDirection = "bearish"
)

// Signal is an aggregated technical signal.
type Signal struct {
	Direction SignalDirection `json:"direction"`
	Strength  float64         `json:"strength"` // 0-100
}

// WeightedSignal is a single indicator vote used for aggregation.
type WeightedSignal struct {
	Source    string
	Direction SignalDirection
	Weight    float64
}

// MarketSnapshot is the per-cycle market input for one asset.
type MarketSnapshot struct {
	Asset           string          `json:"asset"`
	Price           float64         `json:"price"`
	Bid             float64         `json:"bid"`
	Ask             float64         `json:"ask"`
	Volatility      float64         `json:"volatility"` // percent
	VolatilityClass VolatilityClass `json:"volatility_class"`
	Signal          Signal          `json:"signal"`
	Stale           bool            `json:"stale"`
	Timestamp       time.Time       `json:"timestamp"`
}
