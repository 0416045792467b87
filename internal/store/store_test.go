package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"

	"spot-trader/internal/events"
	"spot-trader/internal/models"
	"spot-trader/internal/risk"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore_Decisions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	buy := models.NewDecision("BTC", models.ActionBuy, models.DecisionDCA, models.UrgencyMedium, "regular interval", base)
	buy.Size, buy.Price, buy.Tag = 0.5, 100, "dca:regular"
	sell := models.NewDecision("ETH", models.ActionSell, models.DecisionGrid, models.UrgencyLow, "grid line 7", base.Add(time.Minute))

	for _, d := range []*models.Decision{buy, sell} {
		if err := s.SaveDecision(ctx, d); err != nil {
			t.Fatalf("SaveDecision: %v", err)
		}
	}

	all, err := s.GetDecisions(ctx, DecisionFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].ID != sell.ID {
		t.Fatalf("decisions = %+v, want newest first", all)
	}

	btc, _ := s.GetDecisions(ctx, DecisionFilter{Asset: "BTC"})
	if len(btc) != 1 {
		t.Fatalf("BTC decisions = %d", len(btc))
	}
	got := btc[0]
	if got.Size != 0.5 || got.Tag != "dca:regular" || got.Type != models.DecisionDCA || !got.Timestamp.Equal(base) {
		t.Errorf("decision = %+v", got)
	}

	grid, _ := s.GetDecisions(ctx, DecisionFilter{Type: models.DecisionGrid})
	if len(grid) != 1 || grid[0].Asset != "ETH" {
		t.Errorf("grid decisions = %+v", grid)
	}
}

func TestSQLiteStore_EmergencyEventKeepsBatches(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	ev := &risk.EmergencyCloseEvent{
		ID:          "em-1",
		TriggerType: risk.TriggerDrawdown,
		Reason:      "drawdown 31.00% >= 30.00%",
		Strategy:    risk.CloseGradual,
		Before:      risk.EquitySnapshot{Equity: 6900},
		After:       risk.EquitySnapshot{Equity: 6850},
		Batches: []risk.CloseBatch{
			{Index: 0, Assets: []string{"BTC", "ETH"}, Status: risk.BatchCompleted, Orders: []string{"o1", "o2"}},
			{Index: 1, Assets: []string{"SOL"}, Status: risk.BatchFailed, Errors: []string{"timeout"}},
		},
		Errors:      []string{"SOL: timeout"},
		Duration:    90 * time.Second,
		Phase:       risk.PhaseFailed,
		StartedAt:   start,
		CompletedAt: start.Add(90 * time.Second),
	}
	if err := s.SaveEmergencyEvent(ctx, ev); err != nil {
		t.Fatalf("SaveEmergencyEvent: %v", err)
	}

	got, err := s.GetEmergencyEvents(ctx, 10)
	if err != nil || len(got) != 1 {
		t.Fatalf("GetEmergencyEvents = %v, %v", got, err)
	}
	e := got[0]
	if len(e.Batches) != 2 || e.Batches[1].Status != risk.BatchFailed || e.Batches[0].Assets[1] != "ETH" {
		t.Errorf("batches = %+v", e.Batches)
	}
	if e.Success || e.Duration != 90*time.Second || len(e.Errors) != 1 || e.Before.Equity != 6900 {
		t.Errorf("event = %+v", e)
	}
}

func TestSQLiteStore_OrderUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	o := models.TrackedOrder{
		OrderID: "o1", Asset: "BTC", Side: models.SideBuy, Type: models.OrderTypeLimit,
		Size: 1, Price: 95, Source: models.DecisionGrid, Tag: "grid:3",
		Status: models.OrderStatusOpen, PlacedAt: now, UpdatedAt: now,
	}
	if err := s.SaveOrder(ctx, o); err != nil {
		t.Fatal(err)
	}
	open, _ := s.GetOrders(ctx, OrderFilter{Open: true})
	if len(open) != 1 {
		t.Fatalf("open orders = %d, want 1", len(open))
	}

	o.Status, o.FilledSize, o.FillPrice, o.Applied = models.OrderStatusFilled, 1, 95, 1
	o.UpdatedAt = now.Add(time.Second)
	if err := s.SaveOrder(ctx, o); err != nil {
		t.Fatal(err)
	}
	open, _ = s.GetOrders(ctx, OrderFilter{Open: true})
	all, _ := s.GetOrders(ctx, OrderFilter{Asset: "BTC"})
	if len(open) != 0 || len(all) != 1 || all[0].Applied != 1 || all[0].Tag != "grid:3" {
		t.Errorf("open = %d all = %+v", len(open), all)
	}
}

func TestRecorder_RoutesEventsAndSkipsHolds(t *testing.T) {
	s := newTestStore(t)
	r := NewRecorder(s, zerolog.Nop())
	ctx := context.Background()
	now := time.Now().UTC()

	evs := []events.Event{
		events.DecisionEvent(models.Hold("BTC", "cooldown", now)),
		events.DecisionEvent(models.NewDecision("BTC", models.ActionBuy, models.DecisionDCA, models.UrgencyLow, "interval", now)),
		events.DrawdownEvent(risk.DrawdownAction{State: risk.DrawdownWarning, Previous: risk.DrawdownNormal, Drawdown: 11, Timestamp: now}),
		events.StopLossEvent(&risk.StopLossEvent{ID: "s1", Asset: "BTC", Type: risk.StopPercentage, Action: risk.StopCloseAll, Price: 84, Timestamp: now}),
		events.CycleErrorEvent("ETH", errors.New("ticker timeout"), now),
	}
	for _, ev := range evs {
		if err := r.Record(ctx, ev); err != nil {
			t.Fatalf("Record(%s): %v", ev.Kind, err)
		}
	}

	decisions, _ := s.GetDecisions(ctx, DecisionFilter{})
	if len(decisions) != 1 || decisions[0].Action != models.ActionBuy {
		t.Errorf("decisions = %+v, want only the buy", decisions)
	}
	dd, _ := s.GetDrawdownActions(ctx, 0)
	if len(dd) != 1 || !dd[0].Changed {
		t.Errorf("drawdown actions = %+v", dd)
	}
	stops, _ := s.GetStopLossEvents(ctx, EventFilter{Asset: "BTC"})
	if len(stops) != 1 || stops[0].Action != risk.StopCloseAll {
		t.Errorf("stop events = %+v", stops)
	}
}

func TestRecorder_RunDrainsBus(t *testing.T) {
	s := newTestStore(t)
	r := NewRecorder(s, zerolog.Nop())
	bus := events.NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus.Start(ctx)

	done := make(chan struct{})
	go func() {
		r.Run(ctx, bus)
		close(done)
	}()
	// wait for the subscription to register
	for bus.Metrics().Subscribers == 0 {
		time.Sleep(time.Millisecond)
	}

	bus.Publish(events.OrderEvent(models.TrackedOrder{OrderID: "o9", Asset: "BTC", Side: models.SideSell, Type: models.OrderTypeMarket, Size: 1, Status: models.OrderStatusFilled, PlacedAt: time.Now(), UpdatedAt: time.Now()}))
	bus.Stop()
	<-done

	orders, _ := s.GetOrders(context.Background(), OrderFilter{})
	if len(orders) != 1 || orders[0].OrderID != "o9" {
		t.Errorf("orders = %+v", orders)
	}
}

// Property: a decision query with a limit returns at most limit rows, newest
// first.
func TestProperty_DecisionQueryNewestFirst(t *testing.T) {
	s := newTestStore(t)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)
	assetSeq := 0

	properties.Property("limit respected and ordered by time descending", prop.ForAll(
		func(count, limit int) bool {
			ctx := context.Background()
			assetSeq++
			asset := fmt.Sprintf("ASSET-%d", assetSeq)
			base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
			for i := 0; i < count; i++ {
				d := models.NewDecision(asset, models.ActionBuy, models.DecisionDCA, models.UrgencyLow, "", base.Add(time.Duration(i)*time.Minute))
				if err := s.SaveDecision(ctx, d); err != nil {
					t.Logf("FAILED: save: %v", err)
					return false
				}
			}
			got, err := s.GetDecisions(ctx, DecisionFilter{Asset: asset, Limit: limit})
			if err != nil {
				t.Logf("FAILED: query: %v", err)
				return false
			}
			want := count
			if limit < want {
				want = limit
			}
			if len(got) != want {
				t.Logf("FAILED: got %d rows, want %d", len(got), want)
				return false
			}
			for i := 1; i < len(got); i++ {
				if got[i].Timestamp.After(got[i-1].Timestamp) {
					t.Logf("FAILED: row %d newer than row %d", i, i-1)
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 15),
		gen.IntRange(1, 10),
	))

	properties.TestingRun(t)
}
