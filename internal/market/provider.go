// Package market turns exchange tickers into per-cycle market snapshots.
package market

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	apperrors "spot-trader/internal/errors"
	"spot-trader/internal/models"
)

// Config controls volatility sampling and freshness.
type Config struct {
	VolatilityWindow int           `mapstructure:"volatility_window" yaml:"volatility_window"`
	StaleAfter       time.Duration `mapstructure:"stale_after" yaml:"stale_after"`
	LowVolatility    float64       `mapstructure:"low_volatility" yaml:"low_volatility"`   // percent
	HighVolatility   float64       `mapstructure:"high_volatility" yaml:"high_volatility"` // percent
	FastPeriod       int           `mapstructure:"fast_period" yaml:"fast_period"`
	SlowPeriod       int           `mapstructure:"slow_period" yaml:"slow_period"`
}

// DefaultConfig returns a 30-sample window and a two minute freshness limit.
func DefaultConfig() Config {
	return Config{
		VolatilityWindow: 30,
		StaleAfter:       2 * time.Minute,
		LowVolatility:    1,
		HighVolatility:   3,
		FastPeriod:       5,
		SlowPeriod:       20,
	}
}

// TickerSource supplies tickers.
type TickerSource interface {
	GetTicker(ctx context.Context, asset string) (models.Ticker, error)
}

// SignalSource supplies indicator votes for an asset.
type SignalSource interface {
	Signals(asset string, prices []float64) []models.WeightedSignal
}

// Provider builds snapshots with realized volatility and an aggregated signal.
type Provider struct {
	mu      sync.Mutex
	config  Config
	source  TickerSource
	signals SignalSource
	history map[string][]float64
	last    map[string]models.MarketSnapshot
	now     func() time.Time
	logger  zerolog.Logger
}

// NewProvider creates a provider. A nil signals source uses TrendSignals.
func NewProvider(cfg Config, source TickerSource, signals SignalSource, logger zerolog.Logger) *Provider {
	if signals == nil {
		signals = TrendSignals{Fast: cfg.FastPeriod, Slow: cfg.SlowPeriod}
	}
	return &Provider{
		config:  cfg,
		source:  source,
		signals: signals,
		history: make(map[string][]float64),
		last:    make(map[string]models.MarketSnapshot),
		now:     time.Now,
		logger:  logger.With().Str("component", "market").Logger(),
	}
}

// Snapshot fetches the latest ticker. If the fetch fails and a previous
// snapshot exists, that snapshot is returned flagged stale so stops keep
// working on last-known values.
func (p *Provider) Snapshot(ctx context.Context, asset string) (models.MarketSnapshot, error) {
	t, err := p.source.GetTicker(ctx, asset)

	p.mu.Lock()
	defer p.mu.Unlock()

	if err != nil {
		last, ok := p.last[asset]
		if !ok {
			return models.MarketSnapshot{}, apperrors.NewDataError("ticker", asset, "no snapshot available", err)
		}
		last.Stale = true
		p.last[asset] = last
		p.logger.Warn().Err(err).Str("asset", asset).Msg("Using stale snapshot")
		return last, nil
	}
	if t.Price <= 0 {
		return models.MarketSnapshot{}, apperrors.NewDataError("ticker", asset, "non-positive price", apperrors.ErrNoPrice)
	}

	ts := t.Timestamp
	if ts.IsZero() {
		ts = p.now()
	}

	window := p.config.VolatilityWindow
	keep := window + 1
	if p.config.SlowPeriod+1 > keep {
		keep = p.config.SlowPeriod + 1
	}
	h := append(p.history[asset], t.Price)
	if len(h) > keep {
		h = append([]float64(nil), h[len(h)-keep:]...)
	}
	p.history[asset] = h

	vol := RealizedVolatility(tail(h, window+1))
	snap := models.MarketSnapshot{
		Asset:           asset,
		Price:           t.Price,
		Bid:             t.Bid,
		Ask:             t.Ask,
		Volatility:      vol,
		VolatilityClass: p.classify(vol),
		Signal:          AggregateSignals(p.signals.Signals(asset, h)),
		Stale:           p.config.StaleAfter > 0 && p.now().Sub(ts) > p.config.StaleAfter,
		Timestamp:       ts,
	}
	p.last[asset] = snap
	return snap, nil
}

// Last returns the most recent snapshot for an asset.
func (p *Provider) Last(asset string) (models.MarketSnapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.last[asset]
	return s, ok
}

func (p *Provider) classify(vol float64) models.VolatilityClass {
	switch {
	case vol >= p.config.HighVolatility:
		return models.VolatilityHigh
	case vol <= p.config.LowVolatility:
		return models.VolatilityLow
	}
	return models.VolatilityMedium
}

func tail(xs []float64, n int) []float64 {
	if n <= 0 || len(xs) <= n {
		return xs
	}
	return xs[len(xs)-n:]
}

// RealizedVolatility is the standard deviation of log returns in percent per sample.
func RealizedVolatility(prices []float64) float64 {
	if len(prices) < 3 {
		return 0
	}
	returns := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] > 0 && prices[i] > 0 {
			returns = append(returns, math.Log(prices[i]/prices[i-1]))
		}
	}
	if len(returns) < 2 {
		return 0
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	variance := 0.0
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns) - 1)
	return math.Sqrt(variance) * 100
}
