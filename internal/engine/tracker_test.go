package engine

import (
	"math"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"spot-trader/internal/models"
)

func trackedBuy(id string, size float64) models.TrackedOrder {
	return models.TrackedOrder{
		OrderID:  id,
		Asset:    "BTC",
		Side:     models.SideBuy,
		Type:     models.OrderTypeLimit,
		Size:     size,
		Price:    100,
		Source:   models.DecisionDCA,
		Tag:      "dca:regular",
		PlacedAt: time.Unix(1700000000, 0),
	}
}

func TestOrderTracker_ApplyIsIdempotent(t *testing.T) {
	tr := NewOrderTracker()
	tr.Track(trackedBuy("o1", 2))
	now := time.Unix(1700000100, 0)

	partial := models.OrderState{OrderID: "o1", Status: models.OrderStatusPartiallyFilled, FilledSize: 0.5, AveragePrice: 100}
	up, ok := tr.Apply(partial, now)
	if !ok || up.Fill == nil || up.Fill.Size != 0.5 || up.Done {
		t.Fatalf("first apply = %+v", up)
	}
	up, _ = tr.Apply(partial, now)
	if up.Fill != nil {
		t.Errorf("repeated status produced fill %+v", up.Fill)
	}

	filled := models.OrderState{OrderID: "o1", Status: models.OrderStatusFilled, FilledSize: 2, AveragePrice: 99}
	up, _ = tr.Apply(filled, now)
	if up.Fill == nil || up.Fill.Size != 1.5 || !up.Done {
		t.Fatalf("fill apply = %+v", up)
	}
	if up.Fill.Price != 99 || up.Fill.Tag != "dca:regular" {
		t.Errorf("fill carries %+v", up.Fill)
	}

	up, _ = tr.Apply(filled, now)
	if up.Fill != nil || up.Done {
		t.Errorf("terminal order changed: %+v", up)
	}
	if len(tr.Open()) != 0 {
		t.Errorf("open orders = %d", len(tr.Open()))
	}
}

func TestOrderTracker_UnknownOrder(t *testing.T) {
	tr := NewOrderTracker()
	if _, ok := tr.Apply(models.OrderState{OrderID: "nope", Status: models.OrderStatusFilled}, time.Now()); ok {
		t.Error("unknown order applied")
	}
}

func TestOrderTracker_PruneKeepsOpen(t *testing.T) {
	tr := NewOrderTracker()
	tr.Track(trackedBuy("open", 1))
	tr.Track(trackedBuy("done", 1))
	old := time.Unix(1700000000, 0)
	tr.Apply(models.OrderState{OrderID: "done", Status: models.OrderStatusCanceled}, old)

	if n := tr.Prune(old.Add(time.Hour)); n != 1 {
		t.Errorf("pruned %d, want 1", n)
	}
	if _, ok := tr.Get("open"); !ok {
		t.Error("open order pruned")
	}
}

// TestProperty_TrackerFillsSumToFilledSize replays cumulative exchange states,
// each possibly more than once, and checks the emitted fills add up exactly.
func TestProperty_TrackerFillsSumToFilledSize(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("fills sum to final filled size", prop.ForAll(
		func(steps []float64, repeats []int) bool {
			if len(steps) == 0 {
				return true
			}
			tr := NewOrderTracker()
			total := 0.0
			for _, s := range steps {
				total += s
			}
			tr.Track(trackedBuy("o", total))

			now := time.Unix(1700000000, 0)
			cum, emitted := 0.0, 0.0
			for i, s := range steps {
				cum += s
				status := models.OrderStatusPartiallyFilled
				if i == len(steps)-1 {
					status = models.OrderStatusFilled
				}
				state := models.OrderState{OrderID: "o", Status: status, FilledSize: cum, AveragePrice: 100}
				n := 1
				if i < len(repeats) {
					n += repeats[i]
				}
				for r := 0; r < n; r++ {
					up, _ := tr.Apply(state, now)
					if up.Fill != nil {
						emitted += up.Fill.Size
					}
				}
			}
			if math.Abs(emitted-total) > 1e-9 {
				t.Logf("FAILED: emitted %.10f, filled %.10f", emitted, total)
				return false
			}
			return true
		},
		gen.SliceOf(gen.Float64Range(0.001, 5)),
		gen.SliceOf(gen.IntRange(0, 3)),
	))

	properties.TestingRun(t)
}
