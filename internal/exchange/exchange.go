// Package exchange defines the typed exchange adapter and its implementations.
package exchange

import (
	"context"
	"time"

	"spot-trader/internal/models"
)

// Adapter is the narrow exchange surface the engine depends on.
type Adapter interface {
	GetTicker(ctx context.Context, asset string) (models.Ticker, error)
	PlaceOrder(ctx context.Context, req models.OrderRequest) (string, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetOrderStatus(ctx context.Context, orderID string) (models.OrderState, error)
}

// FailureObserver is told about exchange failures that survived retries.
type FailureObserver interface {
	RecordAPIFailure(at time.Time)
}
