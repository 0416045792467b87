package exchange

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	apperrors "spot-trader/internal/errors"
	"spot-trader/internal/models"
)

// PaperConfig configures the simulated exchange.
type PaperConfig struct {
	InitialCash    float64            `mapstructure:"initial_cash" yaml:"initial_cash"`
	FeePercent     float64            `mapstructure:"fee_percent" yaml:"fee_percent"`
	SpreadPercent  float64            `mapstructure:"spread_percent" yaml:"spread_percent"`
	WalkVolatility float64            `mapstructure:"walk_volatility" yaml:"walk_volatility"` // percent per ticker read, 0 disables
	Seed           int64              `mapstructure:"seed" yaml:"seed"`
	Prices         map[string]float64 `mapstructure:"prices" yaml:"prices"`
}

// DefaultPaperConfig returns a paper account with 10000 quote and a 0.1% fee.
func DefaultPaperConfig() PaperConfig {
	return PaperConfig{
		InitialCash:   10000,
		FeePercent:    0.1,
		SpreadPercent: 0.02,
		Prices:        map[string]float64{},
	}
}

type paperOrder struct {
	req   models.OrderRequest
	state models.OrderState
}

// PaperExchange simulates a spot exchange. Market orders fill immediately;
// limit orders fill when the book crosses their price.
type PaperExchange struct {
	mu       sync.Mutex
	config   PaperConfig
	prices   map[string]float64
	cash     decimal.Decimal
	holdings map[string]decimal.Decimal
	orders   map[string]*paperOrder
	rng      *rand.Rand
	now      func() time.Time
	logger   zerolog.Logger
}

// NewPaperExchange creates a paper exchange seeded with cfg.Prices.
func NewPaperExchange(cfg PaperConfig, logger zerolog.Logger) *PaperExchange {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	p := &PaperExchange{
		config:   cfg,
		prices:   make(map[string]float64),
		cash:     decimal.NewFromFloat(cfg.InitialCash),
		holdings: make(map[string]decimal.Decimal),
		orders:   make(map[string]*paperOrder),
		rng:      rand.New(rand.NewSource(seed)),
		now:      time.Now,
		logger:   logger.With().Str("component", "paper").Logger(),
	}
	for asset, price := range cfg.Prices {
		p.prices[asset] = price
	}
	return p
}

// SetPrice moves the simulated mid price and matches resting limit orders.
func (p *PaperExchange) SetPrice(asset string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[asset] = price
	p.matchResting(asset)
}

func (p *PaperExchange) quote(asset string) (bid, ask float64) {
	mid := p.prices[asset]
	half := mid * p.config.SpreadPercent / 200
	return mid - half, mid + half
}

// GetTicker returns the simulated ticker, advancing the random walk if enabled.
func (p *PaperExchange) GetTicker(ctx context.Context, asset string) (models.Ticker, error) {
	if err := ctx.Err(); err != nil {
		return models.Ticker{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	price, ok := p.prices[asset]
	if !ok || price <= 0 {
		return models.Ticker{}, apperrors.Wrapf(apperrors.ErrNoPrice, "paper ticker %s", asset)
	}
	if v := p.config.WalkVolatility; v > 0 {
		price *= math.Exp(p.rng.NormFloat64() * v / 100)
		p.prices[asset] = price
		p.matchResting(asset)
	}
	bid, ask := p.quote(asset)
	return models.Ticker{Asset: asset, Price: price, Bid: bid, Ask: ask, Timestamp: p.now()}, nil
}

// PlaceOrder validates funds and either fills or rests the order.
func (p *PaperExchange) PlaceOrder(ctx context.Context, req models.OrderRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if req.Size <= 0 || (req.Type == models.OrderTypeLimit && req.Price <= 0) {
		return "", apperrors.Wrapf(apperrors.ErrInvalidOrder, "size %.8f price %.8f", req.Size, req.Price)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.prices[req.Asset] <= 0 {
		return "", apperrors.Wrapf(apperrors.ErrNoPrice, "paper order %s", req.Asset)
	}

	size := decimal.NewFromFloat(req.Size)
	if req.Side == models.SideSell && p.holdings[req.Asset].LessThan(size) {
		return "", apperrors.Wrapf(apperrors.ErrInsufficientFunds, "sell %s %s, holding %s",
			size, req.Asset, p.holdings[req.Asset])
	}
	if req.Side == models.SideBuy {
		ref := req.Price
		if req.Type == models.OrderTypeMarket {
			_, ref = p.quote(req.Asset)
		}
		need := size.Mul(decimal.NewFromFloat(ref)).Mul(p.feeFactor(models.SideBuy))
		if p.cash.LessThan(need) {
			return "", apperrors.Wrapf(apperrors.ErrInsufficientFunds, "need %s, have %s", need.StringFixed(2), p.cash.StringFixed(2))
		}
	}

	now := p.now()
	o := &paperOrder{
		req: req,
		state: models.OrderState{
			OrderID:   uuid.NewString(),
			Status:    models.OrderStatusOpen,
			UpdatedAt: now,
		},
	}
	p.orders[o.state.OrderID] = o

	bid, ask := p.quote(req.Asset)
	switch {
	case req.Type == models.OrderTypeMarket && req.Side == models.SideBuy:
		p.fill(o, ask)
	case req.Type == models.OrderTypeMarket:
		p.fill(o, bid)
	default:
		p.tryFillLimit(o, bid, ask)
	}

	p.logger.Debug().
		Str("order_id", o.state.OrderID).
		Str("asset", req.Asset).
		Str("side", string(req.Side)).
		Str("type", string(req.Type)).
		Float64("size", req.Size).
		Float64("price", req.Price).
		Str("status", string(o.state.Status)).
		Msg("Paper order placed")
	return o.state.OrderID, nil
}

func (p *PaperExchange) feeFactor(side models.Side) decimal.Decimal {
	fee := decimal.NewFromFloat(p.config.FeePercent).Div(decimal.NewFromInt(100))
	if side == models.SideBuy {
		return decimal.NewFromInt(1).Add(fee)
	}
	return decimal.NewFromInt(1).Sub(fee)
}

func (p *PaperExchange) tryFillLimit(o *paperOrder, bid, ask float64) {
	switch {
	case o.req.Side == models.SideBuy && ask <= o.req.Price:
		p.fill(o, o.req.Price)
	case o.req.Side == models.SideSell && bid >= o.req.Price:
		p.fill(o, o.req.Price)
	}
}

// fill executes the whole order at price. Funds were checked at placement;
// a resting order that can no longer be funded is rejected.
func (p *PaperExchange) fill(o *paperOrder, price float64) {
	size := decimal.NewFromFloat(o.req.Size)
	value := size.Mul(decimal.NewFromFloat(price))

	switch o.req.Side {
	case models.SideBuy:
		cost := value.Mul(p.feeFactor(models.SideBuy))
		if p.cash.LessThan(cost) {
			o.state.Status = models.OrderStatusRejected
			o.state.UpdatedAt = p.now()
			return
		}
		p.cash = p.cash.Sub(cost)
		p.holdings[o.req.Asset] = p.holdings[o.req.Asset].Add(size)
	case models.SideSell:
		if p.holdings[o.req.Asset].LessThan(size) {
			o.state.Status = models.OrderStatusRejected
			o.state.UpdatedAt = p.now()
			return
		}
		p.holdings[o.req.Asset] = p.holdings[o.req.Asset].Sub(size)
		p.cash = p.cash.Add(value.Mul(p.feeFactor(models.SideSell)))
	}

	o.state.Status = models.OrderStatusFilled
	o.state.FilledSize = o.req.Size
	o.state.AveragePrice = price
	o.state.UpdatedAt = p.now()
}

func (p *PaperExchange) matchResting(asset string) {
	bid, ask := p.quote(asset)
	for _, o := range p.orders {
		if o.req.Asset == asset && o.state.Status == models.OrderStatusOpen {
			p.tryFillLimit(o, bid, ask)
		}
	}
}

// CancelOrder cancels a resting order.
func (p *PaperExchange) CancelOrder(ctx context.Context, orderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[orderID]
	if !ok {
		return apperrors.Wrapf(apperrors.ErrOrderNotFound, "paper order %s", orderID)
	}
	if o.state.Status.IsTerminal() {
		return apperrors.NewOrderError(orderID, o.req.Asset, "cancel",
			"order already "+string(o.state.Status), apperrors.ErrOrderRejected)
	}
	o.state.Status = models.OrderStatusCanceled
	o.state.UpdatedAt = p.now()
	return nil
}

// GetOrderStatus returns the order's current state.
func (p *PaperExchange) GetOrderStatus(ctx context.Context, orderID string) (models.OrderState, error) {
	if err := ctx.Err(); err != nil {
		return models.OrderState{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[orderID]
	if !ok {
		return models.OrderState{}, apperrors.Wrapf(apperrors.ErrOrderNotFound, "paper order %s", orderID)
	}
	return o.state, nil
}

// Balance is the simulated account.
type Balance struct {
	Cash     float64            `json:"cash"`
	Holdings map[string]float64 `json:"holdings"`
}

// Balance returns cash and holdings.
func (p *PaperExchange) Balance() Balance {
	p.mu.Lock()
	defer p.mu.Unlock()
	b := Balance{Cash: p.cash.InexactFloat64(), Holdings: make(map[string]float64, len(p.holdings))}
	for a, h := range p.holdings {
		if h.IsPositive() {
			b.Holdings[a] = h.InexactFloat64()
		}
	}
	return b
}

// OpenOrders returns resting orders sorted by id.
func (p *PaperExchange) OpenOrders() []models.OrderState {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []models.OrderState
	for _, o := range p.orders {
		if o.state.Status == models.OrderStatusOpen {
			out = append(out, o.state)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out
}

// Restore replaces cash and holdings, e.g. from a saved engine snapshot.
// Resting orders are not restored.
func (p *PaperExchange) Restore(b Balance) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cash = decimal.NewFromFloat(b.Cash)
	p.holdings = make(map[string]decimal.Decimal, len(b.Holdings))
	for a, h := range b.Holdings {
		p.holdings[a] = decimal.NewFromFloat(h)
	}
}
