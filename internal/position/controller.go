// Package position tracks spot holdings and enforces capital allocation limits.
package position

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"spot-trader/internal/models"
)

const dustAmount = 1e-12

// CapitalConfig holds capital allocation limits. Percentages are 0-100.
type CapitalConfig struct {
	TotalCapital              float64 `mapstructure:"total_capital" yaml:"total_capital"`
	EmergencyReservePercent   float64 `mapstructure:"emergency_reserve_percent" yaml:"emergency_reserve_percent"`
	MaxCapitalPerAssetPercent float64 `mapstructure:"max_capital_per_asset_percent" yaml:"max_capital_per_asset_percent"`
	MinCapitalPerAsset        float64 `mapstructure:"min_capital_per_asset" yaml:"min_capital_per_asset"`
}

// DefaultCapitalConfig returns conservative defaults.
func DefaultCapitalConfig() CapitalConfig {
	return CapitalConfig{
		TotalCapital:              10000,
		EmergencyReservePercent:   10,
		MaxCapitalPerAssetPercent: 30,
		MinCapitalPerAsset:        10,
	}
}

// Reserve returns the emergency reserve in quote currency.
func (c CapitalConfig) Reserve() float64 {
	return c.TotalCapital * c.EmergencyReservePercent / 100
}

// MaxPerAsset returns the per-asset allocation cap in quote currency.
func (c CapitalConfig) MaxPerAsset() float64 {
	return c.TotalCapital * c.MaxCapitalPerAssetPercent / 100
}

// OrderCheck is the result of gating a proposed order.
// MaxSize and RecommendedSize are in asset units; RecommendedValue in quote currency.
type OrderCheck struct {
	Allowed          bool
	Reason           string
	MaxSize          float64
	RecommendedSize  float64
	RecommendedValue float64
}

// SizeRecommendation is a safe order size.
type SizeRecommendation struct {
	Size  float64
	Value float64
}

// PositionLimit describes an asset's allocation in quote currency.
type PositionLimit struct {
	MaxSize     float64
	CurrentSize float64
	Available   float64
}

// Controller owns position state and answers allocation questions.
// Positions advance only through UpdatePosition.
type Controller struct {
	mu        sync.RWMutex
	config    CapitalConfig
	positions map[string]*models.Position
	reserved  map[string]reservation // by order ID
	cash      float64
	realized  float64
	logger    zerolog.Logger
}

// reservation is the quote value committed to a resting buy order.
type reservation struct {
	asset string
	value float64
}

// NewController creates a controller with all capital in cash.
func NewController(cfg CapitalConfig, logger zerolog.Logger) *Controller {
	return &Controller{
		config:    cfg,
		positions: make(map[string]*models.Position),
		reserved:  make(map[string]reservation),
		cash:      cfg.TotalCapital,
		logger:    logger.With().Str("component", "position").Logger(),
	}
}

// CheckOrder gates a proposed order against capital limits. It has no side effects.
func (c *Controller) CheckOrder(asset string, side models.Side, size, price float64) OrderCheck {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if size <= 0 || price <= 0 {
		return OrderCheck{Reason: fmt.Sprintf("invalid order size %.8f or price %.8f", size, price)}
	}

	if side == models.SideSell {
		return c.checkSell(asset, size)
	}
	return c.checkBuy(asset, size, price)
}

func (c *Controller) checkSell(asset string, size float64) OrderCheck {
	held := 0.0
	if pos, ok := c.positions[asset]; ok {
		held = pos.Amount
	}
	if held <= dustAmount {
		return OrderCheck{Reason: fmt.Sprintf("no %s position to sell", asset)}
	}
	if size > held+dustAmount {
		return OrderCheck{
			Reason:          fmt.Sprintf("sell size %.8f exceeds holding %.8f", size, held),
			MaxSize:         held,
			RecommendedSize: held,
		}
	}
	return OrderCheck{Allowed: true, MaxSize: held, RecommendedSize: size}
}

func (c *Controller) checkBuy(asset string, size, price float64) OrderCheck {
	value := size * price
	limit := c.buyLimit(asset)
	maxSize := limit / price

	check := OrderCheck{MaxSize: maxSize}
	if limit >= c.config.MinCapitalPerAsset {
		check.RecommendedValue = limit
		check.RecommendedSize = maxSize
	}

	if value < c.config.MinCapitalPerAsset {
		check.Reason = fmt.Sprintf("order value %.2f below minimum %.2f", value, c.config.MinCapitalPerAsset)
		return check
	}

	available := c.availableCapital()
	if value > available+dustAmount {
		check.Reason = fmt.Sprintf("order value %.2f exceeds available capital %.2f", value, available)
		return check
	}

	current := c.assetValue(asset)
	maxPerAsset := c.config.MaxPerAsset()
	if current+value > maxPerAsset+dustAmount {
		check.Reason = fmt.Sprintf("%s allocation %.2f would exceed cap %.2f (%.1f%%)",
			asset, current+value, maxPerAsset, c.config.MaxCapitalPerAssetPercent)
		return check
	}

	return OrderCheck{Allowed: true, MaxSize: maxSize, RecommendedSize: size, RecommendedValue: value}
}

// buyLimit is the tightest of available capital and per-asset headroom.
func (c *Controller) buyLimit(asset string) float64 {
	headroom := math.Max(0, c.config.MaxPerAsset()-c.assetValue(asset))
	return math.Min(headroom, c.availableCapital())
}

// assetValue is the asset's position value plus capital reserved for its
// resting buys.
func (c *Controller) assetValue(asset string) float64 {
	v := c.reservedFor(asset)
	if pos, ok := c.positions[asset]; ok {
		v += pos.Value()
	}
	return v
}

func (c *Controller) reservedFor(asset string) float64 {
	total := 0.0
	for _, r := range c.reserved {
		if r.asset == asset {
			total += r.value
		}
	}
	return total
}

func (c *Controller) reservedTotal() float64 {
	total := 0.0
	for _, r := range c.reserved {
		total += r.value
	}
	return total
}

func (c *Controller) totalValue() float64 {
	total := 0.0
	for _, pos := range c.positions {
		total += pos.Value()
	}
	return total
}

func (c *Controller) availableCapital() float64 {
	return math.Max(0, c.config.TotalCapital-c.totalValue()-c.reservedTotal()-c.config.Reserve())
}

// ReserveOrder commits value to a resting buy order so later checks see it.
// Calling it again for the same order replaces the amount; a non-positive
// value releases it.
func (c *Controller) ReserveOrder(orderID, asset string, value float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if value <= 0 {
		delete(c.reserved, orderID)
		return
	}
	c.reserved[orderID] = reservation{asset: asset, value: value}
}

// ReleaseOrder drops the reservation held for an order.
func (c *Controller) ReleaseOrder(orderID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.reserved, orderID)
}

// Reserved returns the capital reserved for the asset's resting buys.
func (c *Controller) Reserved(asset string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reservedFor(asset)
}

// CalculateRecommendedSize returns a size within every limit.
// Non-aggressive sizing uses half of the allowance.
func (c *Controller) CalculateRecommendedSize(asset string, side models.Side, price float64, aggressive bool) SizeRecommendation {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if price <= 0 {
		return SizeRecommendation{}
	}

	factor := 0.5
	if aggressive {
		factor = 1.0
	}

	if side == models.SideSell {
		pos, ok := c.positions[asset]
		if !ok {
			return SizeRecommendation{}
		}
		size := pos.Amount * factor
		return SizeRecommendation{Size: size, Value: size * price}
	}

	value := c.buyLimit(asset) * factor
	if value < c.config.MinCapitalPerAsset {
		return SizeRecommendation{}
	}
	return SizeRecommendation{Size: value / price, Value: value}
}

// GetPositionLimit reports the asset's allocation cap, usage and remaining room in quote currency.
func (c *Controller) GetPositionLimit(asset string) PositionLimit {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return PositionLimit{
		MaxSize:     c.config.MaxPerAsset(),
		CurrentSize: c.assetValue(asset),
		Available:   c.buyLimit(asset),
	}
}

// UpdatePosition applies a confirmed fill.
func (c *Controller) UpdatePosition(fill models.Fill) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if fill.Size <= 0 || fill.Price <= 0 {
		return
	}

	pos, ok := c.positions[fill.Asset]
	switch fill.Side {
	case models.SideBuy:
		if !ok {
			pos = &models.Position{Asset: fill.Asset, OpenedAt: fill.Timestamp}
			c.positions[fill.Asset] = pos
		}
		cost := pos.Amount*pos.AvgEntryPrice + fill.Value()
		pos.Amount += fill.Size
		pos.AvgEntryPrice = cost / pos.Amount
		pos.CurrentPrice = fill.Price
		pos.UpdatedAt = fill.Timestamp
		c.cash -= fill.Value()

	case models.SideSell:
		if !ok {
			c.logger.Warn().Str("asset", fill.Asset).Msg("Sell fill for unknown position ignored")
			return
		}
		size := math.Min(fill.Size, pos.Amount)
		pnl := (fill.Price - pos.AvgEntryPrice) * size
		pos.Amount -= size
		pos.RealizedPnL += pnl
		pos.CurrentPrice = fill.Price
		pos.UpdatedAt = fill.Timestamp
		c.realized += pnl
		c.cash += size * fill.Price
		if pos.Amount <= dustAmount {
			delete(c.positions, fill.Asset)
		}
	}

	c.logger.Debug().
		Str("asset", fill.Asset).
		Str("side", string(fill.Side)).
		Float64("size", fill.Size).
		Float64("price", fill.Price).
		Float64("cash", c.cash).
		Msg("Position updated")
}

// UpdatePrice marks a position to market.
func (c *Controller) UpdatePrice(asset string, price float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pos, ok := c.positions[asset]; ok && price > 0 {
		pos.CurrentPrice = price
	}
}

// Position returns a copy of the asset's position.
func (c *Controller) Position(asset string) (models.Position, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	pos, ok := c.positions[asset]
	if !ok {
		return models.Position{Asset: asset}, false
	}
	return *pos, true
}

// Positions returns copies of all open positions sorted by asset.
func (c *Controller) Positions() []models.Position {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]models.Position, 0, len(c.positions))
	for _, pos := range c.positions {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}

// Equity returns cash plus the market value of all positions.
func (c *Controller) Equity() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cash + c.totalValue()
}

// Cash returns the unallocated quote balance.
func (c *Controller) Cash() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cash
}

// RealizedPnL returns realized PnL across all closed amounts.
func (c *Controller) RealizedPnL() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.realized
}

// AvailableCapital returns capital still allocatable to buys.
func (c *Controller) AvailableCapital() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.availableCapital()
}

// Config returns the active capital configuration.
func (c *Controller) Config() CapitalConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.config
}

// UpdateConfig replaces the capital configuration; a change in total capital adjusts cash.
func (c *Controller) UpdateConfig(cfg CapitalConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cash += cfg.TotalCapital - c.config.TotalCapital
	c.config = cfg
}

// Snapshot is the persisted form of controller state.
type Snapshot struct {
	Positions []models.Position `json:"positions"`
	Cash      float64           `json:"cash"`
	Realized  float64           `json:"realized"`
	SavedAt   time.Time         `json:"saved_at"`
}

// Snapshot captures the current state.
func (c *Controller) Snapshot(now time.Time) Snapshot {
	positions := c.Positions()
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{Positions: positions, Cash: c.cash, Realized: c.realized, SavedAt: now}
}

// Restore replaces state from a snapshot. Reservations are cleared; the
// owner of the open orders re-reserves them.
func (c *Controller) Restore(s Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reserved = make(map[string]reservation)
	c.positions = make(map[string]*models.Position, len(s.Positions))
	for i := range s.Positions {
		pos := s.Positions[i]
		c.positions[pos.Asset] = &pos
	}
	c.cash = s.Cash
	c.realized = s.Realized
}
