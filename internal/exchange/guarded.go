package exchange

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	apperrors "spot-trader/internal/errors"
	"spot-trader/internal/logging"
	"spot-trader/internal/models"
	"spot-trader/internal/resilience"
	"spot-trader/pkg/utils"
)

// GuardConfig configures the protections around every exchange call.
type GuardConfig struct {
	Timeout           time.Duration                   `mapstructure:"timeout"`
	RequestsPerSecond float64                         `mapstructure:"requests_per_second"`
	Burst             int                             `mapstructure:"burst"`
	Retry             utils.RetryConfig               `mapstructure:"retry"`
	Breaker           resilience.CircuitBreakerConfig `mapstructure:"breaker"`
}

// DefaultGuardConfig returns a 10s timeout, 10 req/s and three attempts.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		Timeout:           10 * time.Second,
		RequestsPerSecond: 10,
		Burst:             5,
		Retry:             utils.DefaultRetryConfig(),
		Breaker:           resilience.DefaultCircuitBreakerConfig(),
	}
}

// Guarded wraps an Adapter with rate limiting, per-call timeouts, retries
// and a circuit breaker per operation.
type Guarded struct {
	inner    Adapter
	config   GuardConfig
	limiter  *rate.Limiter
	breakers *resilience.Registry
	observer FailureObserver
	logger   zerolog.Logger
}

// NewGuarded wraps inner. observer may be nil.
func NewGuarded(inner Adapter, cfg GuardConfig, observer FailureObserver, logger zerolog.Logger) *Guarded {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	logger = logger.With().Str("component", "exchange").Logger()
	return &Guarded{
		inner:    inner,
		config:   cfg,
		limiter:  rate.NewLimiter(limit, burst),
		breakers: resilience.NewRegistry(cfg.Breaker, apperrors.IsRejection, logger),
		observer: observer,
		logger:   logger,
	}
}

// Breakers exposes per-operation circuit statistics.
func (g *Guarded) Breakers() []resilience.CircuitBreakerStats {
	return g.breakers.AllStats()
}

func guardedCall[T any](g *Guarded, ctx context.Context, op, asset string, retryable func(error) bool, fn func(context.Context) (T, error)) (T, error) {
	start := time.Now()
	cfg := g.config.Retry
	cfg.ShouldRetry = retryable
	cb := g.breakers.Get(op)

	v, err := utils.RetryWithResult(ctx, cfg, func() (T, error) {
		if err := g.limiter.Wait(ctx); err != nil {
			var zero T
			return zero, apperrors.NewExchangeError(op, asset, false, err)
		}
		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if g.config.Timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, g.config.Timeout)
		}
		defer cancel()

		v, err := resilience.ExecuteWithResult(cb, callCtx, fn)
		if err != nil {
			return v, classify(op, asset, err)
		}
		return v, nil
	})

	logging.LogAPICall(g.logger, op, asset, time.Since(start), err)
	if err != nil && !apperrors.IsRejection(err) && g.observer != nil {
		g.observer.RecordAPIFailure(time.Now())
	}
	return v, err
}

// classify marks transport-level failures as retryable exchange errors.
func classify(op, asset string, err error) error {
	var ee *apperrors.ExchangeError
	switch {
	case errors.As(err, &ee):
		return err
	case apperrors.IsRejection(err):
		return apperrors.NewExchangeError(op, asset, false, err)
	case errors.Is(err, resilience.ErrCircuitOpen):
		return apperrors.NewExchangeError(op, asset, false, err)
	case errors.Is(err, context.DeadlineExceeded):
		return apperrors.NewExchangeError(op, asset, true, errors.Join(apperrors.ErrTimeout, err))
	}
	return apperrors.NewExchangeError(op, asset, true, err)
}

// GetTicker fetches a ticker; transient failures are retried.
func (g *Guarded) GetTicker(ctx context.Context, asset string) (models.Ticker, error) {
	return guardedCall(g, ctx, "get_ticker", asset, apperrors.IsRetryable, func(ctx context.Context) (models.Ticker, error) {
		return g.inner.GetTicker(ctx, asset)
	})
}

// PlaceOrder places an order. Only rate-limit responses are retried so a
// timed-out placement is never submitted twice.
func (g *Guarded) PlaceOrder(ctx context.Context, req models.OrderRequest) (string, error) {
	onlyRateLimited := func(err error) bool { return errors.Is(err, apperrors.ErrRateLimited) }
	return guardedCall(g, ctx, "place_order", req.Asset, onlyRateLimited, func(ctx context.Context) (string, error) {
		return g.inner.PlaceOrder(ctx, req)
	})
}

// CancelOrder cancels an order; transient failures are retried.
func (g *Guarded) CancelOrder(ctx context.Context, orderID string) error {
	_, err := guardedCall(g, ctx, "cancel_order", "", apperrors.IsRetryable, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.inner.CancelOrder(ctx, orderID)
	})
	return err
}

// GetOrderStatus polls an order; transient failures are retried.
func (g *Guarded) GetOrderStatus(ctx context.Context, orderID string) (models.OrderState, error) {
	return guardedCall(g, ctx, "get_order_status", "", apperrors.IsRetryable, func(ctx context.Context) (models.OrderState, error) {
		return g.inner.GetOrderStatus(ctx, orderID)
	})
}
