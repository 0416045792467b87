package position

import (
	"math"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"

	"spot-trader/internal/models"
)

func newTestController(cfg CapitalConfig) *Controller {
	return NewController(cfg, zerolog.Nop())
}

func buy(c *Controller, asset string, size, price float64) {
	c.UpdatePosition(models.Fill{Asset: asset, Side: models.SideBuy, Size: size, Price: price, Timestamp: time.Now()})
}

func TestCheckOrder_PerAssetCapRecommendsHeadroom(t *testing.T) {
	c := newTestController(CapitalConfig{
		TotalCapital:              10000,
		EmergencyReservePercent:   0,
		MaxCapitalPerAssetPercent: 30,
		MinCapitalPerAsset:        10,
	})

	// BTC value 2850 at price 50000
	buy(c, "BTC", 2850.0/50000, 50000)

	check := c.CheckOrder("BTC", models.SideBuy, 200.0/50000, 50000)
	if check.Allowed {
		t.Fatal("expected buy exceeding per-asset cap to be rejected")
	}
	if math.Abs(check.RecommendedValue-150) > 1e-6 {
		t.Errorf("RecommendedValue = %.6f, want 150", check.RecommendedValue)
	}
	if math.Abs(check.RecommendedSize-150.0/50000) > 1e-12 {
		t.Errorf("RecommendedSize = %.10f, want %.10f", check.RecommendedSize, 150.0/50000)
	}
	if check.Reason == "" {
		t.Error("rejection must carry a reason")
	}
}

func TestCheckOrder_UnitPriceRecommendation(t *testing.T) {
	c := newTestController(CapitalConfig{TotalCapital: 10000, MaxCapitalPerAssetPercent: 30, MinCapitalPerAsset: 10})
	buy(c, "BTC", 2850, 1)

	check := c.CheckOrder("BTC", models.SideBuy, 200, 1)
	if check.Allowed {
		t.Fatal("expected rejection")
	}
	if math.Abs(check.RecommendedSize-150) > 1e-9 {
		t.Errorf("RecommendedSize = %.4f, want 150", check.RecommendedSize)
	}
}

func TestCheckOrder_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(c *Controller)
		asset   string
		side    models.Side
		size    float64
		price   float64
		allowed bool
	}{
		{"below minimum", nil, "ETH", models.SideBuy, 0.001, 1000, false},
		{"within limits", nil, "ETH", models.SideBuy, 1, 1000, true},
		{"exceeds available capital", func(c *Controller) {
			buy(c, "A", 2500, 1)
			buy(c, "B", 2500, 1)
			buy(c, "C", 2500, 1)
		}, "D", models.SideBuy, 2000, 1, false},
		{"sell without position", nil, "ETH", models.SideSell, 1, 1000, false},
		{"sell within holding", func(c *Controller) { buy(c, "ETH", 2, 1000) }, "ETH", models.SideSell, 1, 1000, true},
		{"sell above holding", func(c *Controller) { buy(c, "ETH", 2, 1000) }, "ETH", models.SideSell, 3, 1000, false},
		{"zero size", nil, "ETH", models.SideBuy, 0, 1000, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestController(CapitalConfig{
				TotalCapital:              10000,
				EmergencyReservePercent:   10,
				MaxCapitalPerAssetPercent: 30,
				MinCapitalPerAsset:        10,
			})
			if tt.setup != nil {
				tt.setup(c)
			}
			check := c.CheckOrder(tt.asset, tt.side, tt.size, tt.price)
			if check.Allowed != tt.allowed {
				t.Errorf("Allowed = %v, want %v (reason: %s)", check.Allowed, tt.allowed, check.Reason)
			}
			if !check.Allowed && check.Reason == "" {
				t.Error("rejection without reason")
			}
		})
	}
}

func TestCheckOrder_SellCappedByHolding(t *testing.T) {
	c := newTestController(DefaultCapitalConfig())
	buy(c, "ETH", 0.5, 1000)

	check := c.CheckOrder("ETH", models.SideSell, 2, 1000)
	if check.Allowed {
		t.Fatal("expected oversized sell to be rejected")
	}
	if check.RecommendedSize != 0.5 {
		t.Errorf("RecommendedSize = %v, want 0.5", check.RecommendedSize)
	}
}

func TestUpdatePosition_VWAPAndRealizedPnL(t *testing.T) {
	c := newTestController(DefaultCapitalConfig())
	buy(c, "BTC", 1, 100)
	buy(c, "BTC", 1, 80)

	pos, ok := c.Position("BTC")
	if !ok {
		t.Fatal("expected BTC position")
	}
	if pos.AvgEntryPrice != 90 {
		t.Errorf("AvgEntryPrice = %v, want 90", pos.AvgEntryPrice)
	}

	c.UpdatePosition(models.Fill{Asset: "BTC", Side: models.SideSell, Size: 1, Price: 110, Timestamp: time.Now()})
	if got := c.RealizedPnL(); got != 20 {
		t.Errorf("RealizedPnL = %v, want 20", got)
	}

	c.UpdatePosition(models.Fill{Asset: "BTC", Side: models.SideSell, Size: 1, Price: 90, Timestamp: time.Now()})
	if _, ok := c.Position("BTC"); ok {
		t.Error("position should be removed when fully sold")
	}
	if got := c.Equity(); got != 10020 {
		t.Errorf("Equity = %v, want 10020", got)
	}
}

func TestCalculateRecommendedSize(t *testing.T) {
	c := newTestController(CapitalConfig{TotalCapital: 10000, MaxCapitalPerAssetPercent: 30, MinCapitalPerAsset: 10})

	aggressive := c.CalculateRecommendedSize("BTC", models.SideBuy, 100, true)
	if math.Abs(aggressive.Value-3000) > 1e-9 || math.Abs(aggressive.Size-30) > 1e-9 {
		t.Errorf("aggressive = %+v, want value 3000 size 30", aggressive)
	}

	conservative := c.CalculateRecommendedSize("BTC", models.SideBuy, 100, false)
	if math.Abs(conservative.Value-1500) > 1e-9 {
		t.Errorf("conservative value = %v, want 1500", conservative.Value)
	}

	buy(c, "BTC", 10, 100)
	sell := c.CalculateRecommendedSize("BTC", models.SideSell, 100, false)
	if sell.Size != 5 {
		t.Errorf("sell size = %v, want 5", sell.Size)
	}
}

func TestGetPositionLimit(t *testing.T) {
	c := newTestController(CapitalConfig{TotalCapital: 10000, MaxCapitalPerAssetPercent: 30, MinCapitalPerAsset: 10})
	buy(c, "BTC", 10, 100)

	limit := c.GetPositionLimit("BTC")
	if limit.MaxSize != 3000 || limit.CurrentSize != 1000 || limit.Available != 2000 {
		t.Errorf("limit = %+v, want {3000 1000 2000}", limit)
	}
}

func TestReserveOrder_RestingBuysCountAgainstCap(t *testing.T) {
	c := newTestController(CapitalConfig{TotalCapital: 10000, MaxCapitalPerAssetPercent: 1, MinCapitalPerAsset: 10})

	if !c.CheckOrder("BTC", models.SideBuy, 0.5, 100).Allowed {
		t.Fatal("first resting buy should fit the 100 cap")
	}
	c.ReserveOrder("o-1", "BTC", 50)
	if !c.CheckOrder("BTC", models.SideBuy, 0.5, 100).Allowed {
		t.Fatal("second resting buy should fit the 100 cap")
	}
	c.ReserveOrder("o-2", "BTC", 50)

	if check := c.CheckOrder("BTC", models.SideBuy, 0.5, 100); check.Allowed || check.RecommendedSize != 0 {
		t.Errorf("third buy = %+v, want rejection with no headroom", check)
	}
	if got := c.GetPositionLimit("BTC").CurrentSize; got != 100 {
		t.Errorf("CurrentSize = %v, want reservations counted", got)
	}
	if c.Equity() != 10000 {
		t.Errorf("Equity = %v, reservations must not change equity", c.Equity())
	}
	if !c.CheckOrder("ETH", models.SideBuy, 0.5, 100).Allowed {
		t.Error("reservations leaked into another asset's cap")
	}

	// A partial fill moves value from the reservation into the position.
	buy(c, "BTC", 0.25, 100)
	c.ReserveOrder("o-1", "BTC", 25)
	if got := c.GetPositionLimit("BTC").CurrentSize; math.Abs(got-100) > 1e-9 {
		t.Errorf("CurrentSize after partial fill = %v, want 100", got)
	}

	c.ReleaseOrder("o-2")
	c.ReserveOrder("o-1", "BTC", 0)
	if c.Reserved("BTC") != 0 {
		t.Errorf("Reserved = %v after release", c.Reserved("BTC"))
	}
	if !c.CheckOrder("BTC", models.SideBuy, 0.5, 100).Allowed {
		t.Error("released capital should be available again")
	}
}

func TestSnapshotRestore(t *testing.T) {
	c := newTestController(DefaultCapitalConfig())
	buy(c, "BTC", 1, 100)
	snap := c.Snapshot(time.Now())

	restored := newTestController(DefaultCapitalConfig())
	restored.Restore(snap)
	if restored.Equity() != c.Equity() {
		t.Errorf("restored equity %v != %v", restored.Equity(), c.Equity())
	}
}

// Property: after any sequence of accepted buys and sells, the total position
// value never exceeds total capital minus the emergency reserve.
func TestProperty_CapitalInvariant(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	assets := []string{"BTC", "ETH", "SOL", "ADA"}
	prices := map[string]float64{"BTC": 50000, "ETH": 3000, "SOL": 150, "ADA": 0.5}

	properties.Property("sum of position values stays within total minus reserve", prop.ForAll(
		func(values []float64, assetIdx []int, sells []bool, reservePct, capPct float64) bool {
			cfg := CapitalConfig{
				TotalCapital:              10000,
				EmergencyReservePercent:   reservePct,
				MaxCapitalPerAssetPercent: capPct,
				MinCapitalPerAsset:        5,
			}
			c := newTestController(cfg)
			limit := cfg.TotalCapital - cfg.Reserve()

			for i, value := range values {
				if i >= len(assetIdx) || i >= len(sells) {
					break
				}
				asset :=assets[assetIdx[i]%len(assets)]
				price := prices[asset]
				side := models.SideBuy
				size := value / price
				if sells[i] {
					side = models.SideSell
					pos, _ := c.Position(asset)
					size = pos.Amount / 2
					if size <= 0 {
						continue
					}
				}

				if check := c.CheckOrder(asset, side, size, price); check.Allowed {
					c.UpdatePosition(models.Fill{Asset: asset, Side: side, Size: size, Price: price, Timestamp: time.Now()})
				}

				total := 0.0
				for _, pos := range c.Positions() {
					total += pos.Value()
				}
				if total > limit+1e-6 {
					t.Logf("FAILED: step=%d total=%.4f limit=%.4f", i, total, limit)
					return false
				}
			}
			return true
		},
		gen.SliceOfN(40, gen.Float64Range(1, 4000)),
		gen.SliceOfN(40, gen.IntRange(0, 3)),
		gen.SliceOfN(40, gen.Bool()),
		gen.Float64Range(0, 30),
		gen.Float64Range(10, 100),
	))

	properties.TestingRun(t)
}
