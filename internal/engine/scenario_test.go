package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"spot-trader/internal/config"
	"spot-trader/internal/models"
	"spot-trader/internal/notify"
	"spot-trader/internal/risk"
	"spot-trader/internal/store"
)

type capturedChannel struct {
	mu  sync.Mutex
	got []notify.Notification
}

func (c *capturedChannel) Name() string    { return "captured" }
func (c *capturedChannel) IsEnabled() bool { return true }
func (c *capturedChannel) Send(_ context.Context, n notify.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, n)
	return nil
}

func (c *capturedChannel) types() map[notify.NotificationType]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[notify.NotificationType]int)
	for _, n := range c.got {
		out[n.Type]++
	}
	return out
}

// sinks attaches the sqlite recorder and a notification listener to the
// harness bus, the same consumers a CLI session runs.
type sinks struct {
	store     *store.SQLiteStore
	channel   *capturedChannel
	consumers conc.WaitGroup
}

func attachSinks(t *testing.T, h *harness) *sinks {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "trader.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	s := &sinks{store: st, channel: &capturedChannel{}}
	mn := notify.NewMultiNotifier(config.NotificationConfig{})
	mn.AddChannel(s.channel)

	ctx := context.Background()
	recorder := store.NewRecorder(st, zerolog.Nop())
	listener := notify.NewListener(mn, "USDT", zerolog.Nop())
	s.consumers.Go(func() { recorder.Run(ctx, h.bus) })
	s.consumers.Go(func() { listener.Run(ctx, h.bus) })
	for h.bus.Metrics().Subscribers < 2 {
		time.Sleep(time.Millisecond)
	}
	h.bus.Start(ctx)
	return s
}

// drain stops the bus and waits for both consumers to finish.
func (s *sinks) drain(h *harness) {
	h.bus.Stop()
	s.consumers.Wait()
}

func TestScenario_StopLossIsRecordedAndNotified(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	s := attachSinks(t, h)
	ctx := context.Background()

	if err := h.engine.RunCycle(ctx); err != nil {
		t.Fatalf("cycle 1: %v", err)
	}
	h.paper.SetPrice("BTC", 80)
	h.clock.Advance(time.Minute)
	if err := h.engine.RunCycle(ctx); err != nil {
		t.Fatalf("cycle 2: %v", err)
	}
	s.drain(h)

	decisions, err := s.store.GetDecisions(ctx, store.DecisionFilter{Asset: "BTC"})
	if err != nil {
		t.Fatal(err)
	}
	var bought, closed bool
	for _, d := range decisions {
		switch {
		case d.Type == models.DecisionDCA && d.Action == models.ActionBuy:
			bought = true
		case d.Type == models.DecisionRisk && d.Action != models.ActionBuy:
			closed = true
		}
	}
	if !bought || !closed {
		t.Errorf("decisions = %+v, want a DCA buy and a stop-loss exit", decisions)
	}

	stops, err := s.store.GetStopLossEvents(ctx, store.EventFilter{Asset: "BTC"})
	if err != nil || len(stops) != 1 {
		t.Fatalf("stop-loss events = %+v, %v", stops, err)
	}
	if stops[0].PnLPercent > -15 {
		t.Errorf("stop fired at %.2f%%", stops[0].PnLPercent)
	}

	orders, err := s.store.GetOrders(ctx, store.OrderFilter{Asset: "BTC"})
	if err != nil {
		t.Fatal(err)
	}
	sides := make(map[models.Side]bool)
	for _, o := range orders {
		if o.Status == models.OrderStatusFilled {
			sides[o.Side] = true
		}
	}
	if !sides[models.SideBuy] || !sides[models.SideSell] {
		t.Errorf("filled orders = %+v", orders)
	}

	if got := s.channel.types(); got[notify.NotificationStopLoss] != 1 {
		t.Errorf("notifications = %v", got)
	}
}

func TestScenario_EmergencyCloseIsRecordedAndNotified(t *testing.T) {
	cfg := testConfig()
	cfg.Trading.Assets = []string{"BTC", "ETH"}
	cfg.Exchange.Paper.Prices["ETH"] = 50
	h := newHarness(t, cfg, nil)
	s := attachSinks(t, h)
	ctx := context.Background()

	if err := h.engine.RunCycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	ev, err := h.engine.EmergencyClose(ctx, "operator request")
	if err != nil || ev == nil {
		t.Fatalf("EmergencyClose = %+v, %v", ev, err)
	}
	s.drain(h)

	stored, err := s.store.GetEmergencyEvents(ctx, 10)
	if err != nil || len(stored) != 1 {
		t.Fatalf("emergency events = %+v, %v", stored, err)
	}
	got := stored[0]
	if got.TriggerType != risk.TriggerManual || !got.Success || got.Reason != "operator request" {
		t.Errorf("stored event = %+v", got)
	}
	if got.Before.Equity <= 0 || len(got.After.Positions) != 0 {
		t.Errorf("snapshots before %+v after %+v", got.Before, got.After)
	}

	if n := s.channel.types()[notify.NotificationEmergency]; n != 1 {
		t.Errorf("emergency notifications = %d", n)
	}
}
