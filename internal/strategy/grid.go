package strategy

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"spot-trader/internal/models"
)

const (
	tagGridPrefix      = "grid:"
	preserveTolerance  = 0.01
	defaultRebalanceTo = 5.0
)

// GridConfig holds grid parameters. OrderSize is in quote currency per line.
type GridConfig struct {
	Enabled                  bool          `mapstructure:"enabled" yaml:"enabled"`
	LowerPrice               float64       `mapstructure:"lower_price" yaml:"lower_price"`
	UpperPrice               float64       `mapstructure:"upper_price" yaml:"upper_price"`
	RangePercent             float64       `mapstructure:"range_percent" yaml:"range_percent"`
	GridCount                int           `mapstructure:"grid_count" yaml:"grid_count"`
	Spacing                  Spacing       `mapstructure:"spacing" yaml:"spacing"`
	OrderSize                float64       `mapstructure:"order_size" yaml:"order_size"`
	MaxOpenOrders            int           `mapstructure:"max_open_orders" yaml:"max_open_orders"`
	RebalanceTolerance       float64       `mapstructure:"rebalance_tolerance" yaml:"rebalance_tolerance"` // percent
	MaxLadderAge             time.Duration `mapstructure:"max_ladder_age" yaml:"max_ladder_age"`
	VolatilityDriftThreshold float64       `mapstructure:"volatility_drift_threshold" yaml:"volatility_drift_threshold"` // percent
	TickSize                 float64       `mapstructure:"tick_size" yaml:"tick_size"`
	// SizeStep is the exchange lot step; order sizes are truncated to it.
	SizeStep float64 `mapstructure:"size_step" yaml:"size_step"`
}

// DefaultGridConfig returns default grid parameters.
func DefaultGridConfig() GridConfig {
	return GridConfig{
		Enabled:                  true,
		RangePercent:             10,
		GridCount:                10,
		Spacing:                  SpacingEqual,
		OrderSize:                50,
		MaxOpenOrders:            3,
		RebalanceTolerance:       defaultRebalanceTo,
		MaxLadderAge:             7 * 24 * time.Hour,
		VolatilityDriftThreshold: 50,
	}
}

// CounterOrder is a queued order on the opposite side after a fill.
type CounterOrder struct {
	Index int     `json:"index"`
	Pair  int     `json:"pair"`
	Size  float64 `json:"size"`
}

// GridLadder is the per-asset grid state.
type GridLadder struct {
	Asset           string         `json:"asset"`
	LowerPrice      float64        `json:"lower_price"`
	UpperPrice      float64        `json:"upper_price"`
	Lines           []GridLine     `json:"lines"`
	Queue           []CounterOrder `json:"queue"`
	BuiltAt         time.Time      `json:"built_at"`
	BuildVolatility float64        `json:"build_volatility"`
	Fills           int            `json:"fills"`
}

func (l *GridLadder) clone() GridLadder {
	c := *l
	c.Lines = append([]GridLine(nil), l.Lines...)
	c.Queue = append([]CounterOrder(nil), l.Queue...)
	return c
}

func (l *GridLadder) openOrders() int {
	n := 0
	for _, line := range l.Lines {
		if line.OrderRef != "" {
			n++
		}
	}
	return n
}

func (l *GridLadder) queued(index int) bool {
	for _, q := range l.Queue {
		if q.Index == index {
			return true
		}
	}
	return false
}

func (l *GridLadder) dequeue(index int) {
	kept := l.Queue[:0]
	for _, q := range l.Queue {
		if q.Index != index {
			kept = append(kept, q)
		}
	}
	l.Queue = kept
}

// available reports whether a line can take a new order.
func (l *GridLadder) available(i int) bool {
	line := l.Lines[i]
	return !line.Executed && line.OrderRef == "" && !l.queued(i)
}

// scanCounter finds the next available opposite-side line outward from index.
func (l *GridLadder) scanCounter(index int) (int, bool) {
	filled := l.Lines[index]
	want := filled.Side.Opposite()
	if filled.Side == models.SideBuy {
		for j := index + 1; j < len(l.Lines); j++ {
			if l.Lines[j].Side == want && l.available(j) {
				return j, true
			}
		}
		return 0, false
	}
	for j := index - 1; j >= 0; j-- {
		if l.Lines[j].Side == want && l.available(j) {
			return j, true
		}
	}
	return 0, false
}

// RangeProvider recalculates a grid range around current conditions.
type RangeProvider interface {
	Range(asset string, snap models.MarketSnapshot, cfg GridConfig) (lower, upper float64, err error)
}

// VolatilityRange centers the range on price with a half-width of the larger of
// the configured range percent and Multiplier times realized volatility.
type VolatilityRange struct {
	Multiplier float64
}

// Range implements RangeProvider.
func (v VolatilityRange) Range(asset string, snap models.MarketSnapshot, cfg GridConfig) (float64, float64, error) {
	if snap.Price <= 0 {
		return 0, 0, fmt.Errorf("no price for %s", asset)
	}
	half := math.Max(cfg.RangePercent, v.Multiplier*snap.Volatility) / 100
	if half <= 0 {
		half = 0.1
	}
	if half >= 1 {
		half = 0.9
	}
	return snap.Price * (1 - half), snap.Price * (1 + half), nil
}

// GridEngine maintains a price ladder per asset and proposes grid orders.
type GridEngine struct {
	mu        sync.RWMutex
	config    GridConfig
	overrides map[string]GridConfig
	ladders   map[string]*GridLadder
	provider  RangeProvider
	logger    zerolog.Logger
}

// NewGridEngine creates a grid engine. A nil provider uses VolatilityRange.
func NewGridEngine(cfg GridConfig, provider RangeProvider, logger zerolog.Logger) *GridEngine {
	if provider == nil {
		provider = VolatilityRange{Multiplier: 2}
	}
	return &GridEngine{
		config:    cfg,
		overrides: make(map[string]GridConfig),
		ladders:   make(map[string]*GridLadder),
		provider:  provider,
		logger:    logger.With().Str("component", "grid").Logger(),
	}
}

func (g *GridEngine) configFor(asset string) GridConfig {
	if cfg, ok := g.overrides[asset]; ok {
		return cfg
	}
	return g.config
}

// Initialize builds the asset's ladder from configured bounds, or from the range
// provider around the current price when bounds are unset.
func (g *GridEngine) Initialize(asset string, snap models.MarketSnapshot, override *GridConfig, now time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if override != nil {
		g.overrides[asset] = *override
	}
	cfg := g.configFor(asset)
	if !cfg.Enabled {
		return nil
	}

	lower, upper := cfg.LowerPrice, cfg.UpperPrice
	if lower <= 0 || upper <= 0 {
		var err error
		lower, upper, err = g.provider.Range(asset, snap, cfg)
		if err != nil {
			return fmt.Errorf("computing grid range for %s: %w", asset, err)
		}
	}

	lines, err := BuildLadder(lower, upper, cfg.GridCount, cfg.Spacing, cfg.TickSize)
	if err != nil {
		return fmt.Errorf("building grid for %s: %w", asset, err)
	}
	g.ladders[asset] = &GridLadder{
		Asset:           asset,
		LowerPrice:      lower,
		UpperPrice:      upper,
		Lines:           lines,
		BuiltAt:         now,
		BuildVolatility: snap.Volatility,
	}

	g.logger.Info().
		Str("asset", asset).
		Float64("lower", lower).
		Float64("upper", upper).
		Int("lines", len(lines)).
		Msg("Grid initialized")
	return nil
}

// Deactivate drops the asset's ladder.
func (g *GridEngine) Deactivate(asset string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.ladders, asset)
	delete(g.overrides, asset)
}

// Ladder returns a copy of the asset's ladder.
func (g *GridEngine) Ladder(asset string) (GridLadder, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	l, ok := g.ladders[asset]
	if !ok {
		return GridLadder{}, false
	}
	return l.clone(), true
}

// Ladders returns copies of all ladders.
func (g *GridEngine) Ladders() []GridLadder {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]GridLadder, 0, len(g.ladders))
	for _, l := range g.ladders {
		out = append(out, l.clone())
	}
	return out
}

// Restore replaces the asset's ladder.
func (g *GridEngine) Restore(l GridLadder) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c := l.clone()
	g.ladders[l.Asset] = &c
}

// UpdateConfig replaces the default grid parameters. Existing ladders keep their
// lines until the next rebalance.
func (g *GridEngine) UpdateConfig(cfg GridConfig) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.config = cfg
}

// Evaluate returns the next grid order to place, or nil. Queued counter-orders
// take precedence over arming new buy lines below the price.
func (g *GridEngine) Evaluate(snap models.MarketSnapshot, now time.Time) *models.Decision {
	g.mu.RLock()
	defer g.mu.RUnlock()

	l, ok := g.ladders[snap.Asset]
	cfg := g.configFor(snap.Asset)
	if !ok || !cfg.Enabled || snap.Price <= 0 {
		return nil
	}

	for _, q := range l.Queue {
		line := l.Lines[q.Index]
		if line.Executed || line.OrderRef != "" {
			continue
		}
		size := q.Size
		if size <= 0 {
			size = RoundSize(cfg.OrderSize/line.Price, cfg.SizeStep)
		}
		reason := fmt.Sprintf("grid counter-order %s at line %d (%.4f) after fill at line %d",
			line.Side, line.Index, line.Price, q.Pair)
		return gridDecision(snap.Asset, line, size, models.UrgencyMedium, reason, now)
	}

	if cfg.MaxOpenOrders > 0 && l.openOrders() >= cfg.MaxOpenOrders {
		return nil
	}

	best := -1
	for i, line := range l.Lines {
		if line.Side != models.SideBuy || line.Price >= snap.Price || !l.available(i) {
			continue
		}
		if best < 0 || line.Price > l.Lines[best].Price {
			best = i
		}
	}
	if best < 0 {
		return nil
	}
	line := l.Lines[best]
	size := RoundSize(cfg.OrderSize/line.Price, cfg.SizeStep)
	if size <= 0 {
		return nil
	}
	reason := fmt.Sprintf("grid buy at line %d (%.4f), price %.4f", line.Index, line.Price, snap.Price)
	return gridDecision(snap.Asset, line, size, models.UrgencyLow, reason, now)
}

func gridDecision(asset string, line GridLine, size float64, urgency models.Urgency, reason string, now time.Time) *models.Decision {
	action := models.ActionBuy
	if line.Side == models.SideSell {
		action = models.ActionSell
	}
	d := models.NewDecision(asset, action, models.DecisionGrid, urgency, reason, now)
	d.Size = size
	d.Price = line.Price
	d.Tag = GridTag(line.Index)
	return d
}

// MarkOrderPlaced records the exchange order resting on a line.
func (g *GridEngine) MarkOrderPlaced(asset string, index int, orderID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	l, ok := g.ladders[asset]
	if !ok || index < 0 || index >= len(l.Lines) {
		return
	}
	for _, q := range l.Queue {
		if q.Index == index {
			l.Lines[index].PairIndex = q.Pair
		}
	}
	l.Lines[index].OrderRef = orderID
	l.dequeue(index)
}

// MarkOrderCanceled clears the order from its line. A canceled counter-order is re-queued.
func (g *GridEngine) MarkOrderCanceled(asset, orderID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	l, ok := g.ladders[asset]
	if !ok {
		return
	}
	for i := range l.Lines {
		line := &l.Lines[i]
		if line.OrderRef != orderID {
			continue
		}
		line.OrderRef = ""
		if line.PairIndex >= 0 {
			l.Queue = append(l.Queue, CounterOrder{Index: i, Pair: line.PairIndex})
			line.PairIndex = -1
		}
		return
	}
}

// OnFill marks a line executed and queues the counter-order on the next available
// opposite-side line, scanning upward after a buy and downward after a sell. When
// the filled line closes an earlier fill, that line is re-armed.
func (g *GridEngine) OnFill(asset string, index int, size float64, now time.Time) (CounterOrder, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	l, ok := g.ladders[asset]
	if !ok || index < 0 || index >= len(l.Lines) {
		return CounterOrder{}, false
	}
	return g.onFill(l, index, size)
}

// OnOrderFill routes a fill by the order resting on a line, which stays valid across rebalances.
func (g *GridEngine) OnOrderFill(asset, orderID string, size float64, now time.Time) (CounterOrder, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	l, ok := g.ladders[asset]
	if !ok || orderID == "" {
		return CounterOrder{}, false
	}
	for i := range l.Lines {
		if l.Lines[i].OrderRef == orderID {
			return g.onFill(l, i, size)
		}
	}
	g.logger.Warn().Str("asset", asset).Str("order_id", orderID).Msg("Grid fill for unknown order")
	return CounterOrder{}, false
}

func (g *GridEngine) onFill(l *GridLadder, index int, size float64) (CounterOrder, bool) {
	asset := l.Asset

	line := &l.Lines[index]
	line.Executed = true
	line.OrderRef = ""
	l.dequeue(index)
	l.Fills++

	if line.PairIndex >= 0 && line.PairIndex < len(l.Lines) {
		l.Lines[line.PairIndex].Executed = false
	}
	line.PairIndex = -1

	j, found := l.scanCounter(index)
	if !found {
		g.logger.Warn().Str("asset", asset).Int("line", index).Msg("No line available for grid counter-order")
		return CounterOrder{}, false
	}
	counter := CounterOrder{Index: j, Pair: index, Size: size}
	l.Queue = append(l.Queue, counter)

	g.logger.Info().
		Str("asset", asset).
		Int("filled_line", index).
		Int("counter_line", j).
		Str("counter_side", string(l.Lines[j].Side)).
		Msg("Grid counter-order queued")
	return counter, true
}

// ShouldRebalance reports whether the asset's ladder needs rebuilding and why.
func (g *GridEngine) ShouldRebalance(asset string, snap models.MarketSnapshot, now time.Time) (bool, string) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	l, ok := g.ladders[asset]
	if !ok || snap.Price <= 0 {
		return false, ""
	}
	cfg := g.configFor(asset)
	return shouldRebalance(l, cfg, snap, now)
}

func shouldRebalance(l *GridLadder, cfg GridConfig, snap models.MarketSnapshot, now time.Time) (bool, string) {
	tol := cfg.RebalanceTolerance
	if tol <= 0 {
		tol = defaultRebalanceTo
	}
	tol /= 100

	price := snap.Price
	switch {
	case price < l.LowerPrice:
		return true, fmt.Sprintf("price %.4f below grid lower bound %.4f", price, l.LowerPrice)
	case price > l.UpperPrice:
		return true, fmt.Sprintf("price %.4f above grid upper bound %.4f", price, l.UpperPrice)
	case (price-l.LowerPrice)/l.LowerPrice <= tol:
		return true, fmt.Sprintf("price %.4f within %.1f%% of lower bound %.4f", price, tol*100, l.LowerPrice)
	case (l.UpperPrice-price)/l.UpperPrice <= tol:
		return true, fmt.Sprintf("price %.4f within %.1f%% of upper bound %.4f", price, tol*100, l.UpperPrice)
	}

	if cfg.MaxLadderAge > 0 && now.Sub(l.BuiltAt) >= cfg.MaxLadderAge {
		return true, fmt.Sprintf("ladder age %s exceeds %s", now.Sub(l.BuiltAt).Round(time.Minute), cfg.MaxLadderAge)
	}

	if cfg.VolatilityDriftThreshold > 0 && l.BuildVolatility > 0 && snap.Volatility > 0 {
		drift := math.Abs(snap.Volatility-l.BuildVolatility) / l.BuildVolatility * 100
		if drift >= cfg.VolatilityDriftThreshold {
			return true, fmt.Sprintf("volatility drifted %.1f%% since ladder build", drift)
		}
	}
	return false, ""
}

// Rebalance rebuilds the ladder on new bounds. Executed lines and resting orders
// within 1% of a new line's price are preserved; returns the orders to cancel.
func (g *GridEngine) Rebalance(asset string, lower, upper, volatility float64, now time.Time) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	old, ok := g.ladders[asset]
	if !ok {
		return nil, fmt.Errorf("no grid for %s", asset)
	}
	cfg := g.configFor(asset)
	lines, err := BuildLadder(lower, upper, cfg.GridCount, cfg.Spacing, cfg.TickSize)
	if err != nil {
		return nil, fmt.Errorf("rebuilding grid for %s: %w", asset, err)
	}

	next := &GridLadder{
		Asset:           asset,
		LowerPrice:      lower,
		UpperPrice:      upper,
		Lines:           lines,
		BuiltAt:         now,
		BuildVolatility: volatility,
		Fills:           old.Fills,
	}

	mapped := make(map[int]int)
	used := make(map[int]bool)
	for i := range next.Lines {
		for j, o := range old.Lines {
			if used[j] || (!o.Executed && o.OrderRef == "") {
				continue
			}
			if math.Abs(o.Price-next.Lines[i].Price)/o.Price <= preserveTolerance {
				next.Lines[i].Executed = o.Executed
				next.Lines[i].OrderRef = o.OrderRef
				mapped[j] = i
				used[j] = true
				break
			}
		}
	}

	for j, i := range mapped {
		if p, ok := mapped[old.Lines[j].PairIndex]; ok {
			next.Lines[i].PairIndex = p
		}
	}
	for _, q := range old.Queue {
		qi, ok1 := mapped[q.Index]
		qp, ok2 := mapped[q.Pair]
		if ok1 && ok2 && !next.Lines[qi].Executed && next.Lines[qi].OrderRef == "" {
			next.Queue = append(next.Queue, CounterOrder{Index: qi, Pair: qp, Size: q.Size})
		}
	}
	// Executed lines without a live or queued counter get a fresh one.
	for i, line := range next.Lines {
		if !line.Executed || next.hasCounter(i) {
			continue
		}
		if j, found := next.scanCounter(i); found {
			next.Queue = append(next.Queue, CounterOrder{Index: j, Pair: i})
		}
	}

	var cancel []string
	for j, o := range old.Lines {
		if o.OrderRef == "" {
			continue
		}
		if _, kept := mapped[j]; !kept {
			cancel = append(cancel, o.OrderRef)
		}
	}

	g.ladders[asset] = next
	g.logger.Info().
		Str("asset", asset).
		Float64("lower", lower).
		Float64("upper", upper).
		Int("preserved", len(mapped)).
		Int("canceled", len(cancel)).
		Msg("Grid rebalanced")
	return cancel, nil
}

func (l *GridLadder) hasCounter(i int) bool {
	for _, line := range l.Lines {
		if line.PairIndex == i && line.OrderRef != "" {
			return true
		}
	}
	for _, q := range l.Queue {
		if q.Pair == i {
			return true
		}
	}
	return false
}

// MaybeRebalance checks the rebalance triggers and, when one fires, rebuilds the
// ladder on a range from the provider. Returns the orders to cancel.
func (g *GridEngine) MaybeRebalance(asset string, snap models.MarketSnapshot, now time.Time) ([]string, bool, error) {
	ok, reason := g.ShouldRebalance(asset, snap, now)
	if !ok {
		return nil, false, nil
	}

	g.mu.RLock()
	cfg := g.configFor(asset)
	g.mu.RUnlock()

	lower, upper, err := g.provider.Range(asset, snap, cfg)
	if err != nil {
		return nil, false, fmt.Errorf("recalculating grid range for %s: %w", asset, err)
	}
	g.logger.Info().Str("asset", asset).Str("reason", reason).Msg("Grid rebalance triggered")
	cancel, err := g.Rebalance(asset, lower, upper, snap.Volatility, now)
	if err != nil {
		return nil, false, err
	}
	return cancel, true, nil
}

// GridTag returns the fill tag for a grid line.
func GridTag(index int) string {
	return tagGridPrefix + strconv.Itoa(index)
}

// ParseGridTag extracts the line index from a grid fill tag.
func ParseGridTag(tag string) (int, bool) {
	if !strings.HasPrefix(tag, tagGridPrefix) {
		return 0, false
	}
	i, err := strconv.Atoi(strings.TrimPrefix(tag, tagGridPrefix))
	if err != nil {
		return 0, false
	}
	return i, true
}
