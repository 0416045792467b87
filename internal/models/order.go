package models

import "time"

// OrderType represents the type of order.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderStatus represents the exchange-side status of an order.
type OrderStatus string

const (
	OrderStatusOpen            OrderStatus = "open"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCanceled        OrderStatus = "canceled"
	OrderStatusRejected        OrderStatus = "rejected"
)

// IsTerminal reports whether no further transitions are expected.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected:
		return true
	}
	return false
}

// OrderRequest is a request to place an order.
type OrderRequest struct {
	Asset string
	Side  Side
	Type  OrderType
	Size  float64
	Price float64 // ignored for market orders
}

// Value returns size times price.
func (r OrderRequest) Value() float64 {
	return r.Size * r.Price
}

// OrderState is the status of an order as reported by the exchange.
type OrderState struct {
	OrderID      string      `json:"order_id"`
	Status       OrderStatus `json:"status"`
	FilledSize   float64     `json:"filled_size"`
	AveragePrice float64     `json:"average_price"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// TrackedOrder is the local source of truth for an order placed by the engine.
type TrackedOrder struct {
	OrderID    string       `json:"order_id"`
	DecisionID string       `json:"decision_id"`
	Asset      string       `json:"asset"`
	Side       Side         `json:"side"`
	Type       OrderType    `json:"type"`
	Size       float64      `json:"size"`
	Price      float64      `json:"price"`
	Source     DecisionType `json:"source"`
	Tag        string       `json:"tag"`
	Status     OrderStatus  `json:"status"`
	FilledSize float64      `json:"filled_size"`
	FillPrice  float64      `json:"fill_price"`
	Applied    float64      `json:"applied"` // filled size already fed back into strategy state
	PlacedAt   time.Time    `json:"placed_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// Pending returns the filled size not yet fed back.
func (o *TrackedOrder) Pending() float64 {
	p := o.FilledSize - o.Applied
	if p < 1e-12 {
		return 0
	}
	return p
}

// Fill is a confirmed execution fed back into strategy and position state.
type Fill struct {
	OrderID   string       `json:"order_id"`
	Asset     string       `json:"asset"`
	Side      Side         `json:"side"`
	Size      float64      `json:"size"`
	Price     float64      `json:"price"`
	Source    DecisionType `json:"source"`
	Tag       string       `json:"tag"`
	Timestamp time.Time    `json:"timestamp"`
}

// Value returns size times price.
func (f Fill) Value() float64 {
	return f.Size * f.Price
}
