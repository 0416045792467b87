package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"spot-trader/internal/models"
	"spot-trader/internal/risk"
)

func receive(t *testing.T, s *Subscription) (Event, bool) {
	t.Helper()
	select {
	case ev, ok := <-s.C:
		return ev, ok
	case <-time.After(2 * time.Second):
		return Event{}, false
	}
}

func TestBus_FiltersByKind(t *testing.T) {
	bus := NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus.Start(ctx)
	defer bus.Stop()

	risky := bus.Subscribe(KindStopLoss, KindEmergency)
	all := bus.Subscribe()

	now := time.Now()
	bus.Publish(DecisionEvent(models.Hold("BTC", "nothing to do", now)))
	bus.Publish(StopLossEvent(&risk.StopLossEvent{Asset: "BTC", Type: risk.StopPercentage, Timestamp: now}))

	ev, ok := receive(t, risky)
	if !ok || ev.Kind != KindStopLoss || ev.StopLoss == nil {
		t.Fatalf("risk subscriber got %+v", ev)
	}

	first, _ := receive(t, all)
	second, _ := receive(t, all)
	if first.Kind != KindDecision || second.Kind != KindStopLoss {
		t.Errorf("all subscriber kinds = %s, %s", first.Kind, second.Kind)
	}
}

func TestBus_SlowSubscriberDropsWithoutBlocking(t *testing.T) {
	bus := NewBusWithConfig(Config{BufferSize: 100, SubscriberBufferSize: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus.Start(ctx)

	slow := bus.Subscribe(KindCycleError)
	for i := 0; i < 10; i++ {
		bus.Publish(CycleErrorEvent("BTC", errors.New("boom"), time.Now()))
	}
	bus.Stop()

	m := bus.Metrics()
	if m.Received != 10 {
		t.Errorf("received = %d, want 10", m.Received)
	}
	if m.Delivered != 1 || m.Dropped != 9 {
		t.Errorf("delivered = %d dropped = %d, want 1 and 9", m.Delivered, m.Dropped)
	}

	// channel is closed after Stop; the one buffered event is still readable
	if ev, ok := <-slow.C; !ok || ev.Err == nil {
		t.Errorf("expected buffered cycle error, got %+v", ev)
	}
	if _, ok := <-slow.C; ok {
		t.Error("expected closed channel")
	}
}

func TestBus_OrderEventCopies(t *testing.T) {
	o := models.TrackedOrder{OrderID: "o1", Asset: "BTC", Status: models.OrderStatusOpen}
	ev := OrderEvent(o)
	o.Status = models.OrderStatusFilled
	if ev.Order.Status != models.OrderStatusOpen {
		t.Errorf("event observed later mutation: %s", ev.Order.Status)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()
	s := bus.Subscribe()
	bus.Unsubscribe(s)
	bus.Unsubscribe(s)
	if _, ok := <-s.C; ok {
		t.Error("expected closed channel")
	}
	if bus.Metrics().Subscribers != 0 {
		t.Error("subscriber still registered")
	}
}

// Property: every subscriber with enough buffer receives every published
// event in publish order.
func TestProperty_FastSubscribersReceiveAllInOrder(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("fast subscribers receive all events in order", prop.ForAll(
		func(subscribers, count int) bool {
			bus := NewBusWithConfig(Config{BufferSize: 100, SubscriberBufferSize: 100})
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			bus.Start(ctx)

			subs := make([]*Subscription, subscribers)
			for i := range subs {
				subs[i] = bus.Subscribe(KindDecision)
			}
			for i := 0; i < count; i++ {
				d := models.Hold("BTC", "", time.Now())
				d.Size = float64(i)
				bus.Publish(DecisionEvent(d))
			}
			bus.Stop()

			for _, s := range subs {
				i := 0
				for ev := range s.C {
					if ev.Decision.Size != float64(i) {
						t.Logf("FAILED: got size %v at position %d", ev.Decision.Size, i)
						return false
					}
					i++
				}
				if i != count {
					t.Logf("FAILED: received %d of %d", i, count)
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 5),
		gen.IntRange(0, 50),
	))

	properties.TestingRun(t)
}
