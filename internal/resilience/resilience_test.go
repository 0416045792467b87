package resilience

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

var errBoom = errors.New("boom")

func fail(context.Context) error { return errBoom }
func ok(context.Context) error   { return nil }

func newTestBreaker(now *time.Time) *CircuitBreaker {
	cb := NewCircuitBreaker("get_ticker", CircuitBreakerConfig{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Timeout:          time.Minute,
	}, zerolog.Nop())
	cb.now = func() time.Time { return *now }
	return cb
}

func TestCircuitBreaker_OpensAndRecovers(t *testing.T) {
	now := time.Unix(1700000000, 0)
	cb := newTestBreaker(&now)
	ctx := context.Background()

	cb.Execute(ctx, fail)
	if cb.State() != CircuitClosed {
		t.Fatal("opened before threshold")
	}
	cb.Execute(ctx, fail)
	if cb.State() != CircuitOpen {
		t.Fatal("did not open at threshold")
	}
	if err := cb.Execute(ctx, ok); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("open circuit err = %v", err)
	}

	now = now.Add(2 * time.Minute)
	if err := cb.Execute(ctx, ok); err != nil {
		t.Fatalf("probe err = %v", err)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("state after probe = %s", cb.State())
	}
	if st := cb.Stats(); st.TotalRejected != 1 || st.TotalFailures != 2 {
		t.Errorf("stats = %+v", st)
	}
}

func TestCircuitBreaker_IgnoredErrorsDoNotCount(t *testing.T) {
	now := time.Unix(1700000000, 0)
	cb := newTestBreaker(&now)
	cb.IgnoreErrors(func(err error) bool { return errors.Is(err, errBoom) })

	for i := 0; i < 5; i++ {
		cb.Execute(context.Background(), fail)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("ignored errors opened the circuit")
	}
}

func TestRegistry_SharesBreakersByName(t *testing.T) {
	r := NewRegistry(CircuitBreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Hour}, nil, zerolog.Nop())
	if r.Get("place_order") != r.Get("place_order") {
		t.Fatal("same name returned different breakers")
	}
	r.Get("place_order").Execute(context.Background(), fail)
	r.Get("cancel_order")

	stats := r.AllStats()
	if len(stats) != 2 || stats[0].Name != "cancel_order" || stats[1].State != CircuitOpen {
		t.Errorf("stats = %+v", stats)
	}
	r.ResetAll()
	if r.Get("place_order").State() != CircuitClosed {
		t.Error("ResetAll left a breaker open")
	}
}

func TestHealthMonitor_AggregatesWorstStatus(t *testing.T) {
	tests := []struct {
		name     string
		statuses []HealthStatus
		want     HealthStatus
	}{
		{"none", nil, HealthStatusHealthy},
		{"all healthy", []HealthStatus{HealthStatusHealthy, HealthStatusHealthy}, HealthStatusHealthy},
		{"one degraded", []HealthStatus{HealthStatusHealthy, HealthStatusDegraded}, HealthStatusDegraded},
		{"unhealthy wins", []HealthStatus{HealthStatusDegraded, HealthStatusUnhealthy, HealthStatusHealthy}, HealthStatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewHealthMonitor()
			if m.Last().Status != HealthStatusUnknown {
				t.Fatal("fresh monitor not unknown")
			}
			for i, s := range tt.statuses {
				status := s
				m.RegisterComponent(string(rune('a'+i)), func(context.Context) ComponentHealth {
					return ComponentHealth{Status: status}
				})
			}
			h := m.Check(context.Background())
			if h.Status != tt.want || m.Last().Status != tt.want {
				t.Errorf("status = %s, want %s", h.Status, tt.want)
			}
			if len(h.Components) != len(tt.statuses) {
				t.Errorf("components = %d", len(h.Components))
			}
		})
	}
}

func TestHealthMonitor_PanickingCheckIsUnhealthy(t *testing.T) {
	m := NewHealthMonitor()
	m.RegisterComponent("bad", func(context.Context) ComponentHealth { panic("nil map") })
	h := m.Check(context.Background())
	if h.Status != HealthStatusUnhealthy || !strings.Contains(h.Components[0].Message, "nil map") {
		t.Errorf("health = %+v", h)
	}
	if m.IsHealthy() {
		t.Error("IsHealthy after panic")
	}
}

func TestBreakerHealthCheck(t *testing.T) {
	stats := []CircuitBreakerStats{{Name: "get_ticker", State: CircuitClosed}, {Name: "place_order", State: CircuitHalfOpen}}
	check := BreakerHealthCheck(func() []CircuitBreakerStats { return stats })

	if h := check(context.Background()); h.Status != HealthStatusDegraded || !strings.Contains(h.Message, "place_order") {
		t.Errorf("half-open = %+v", h)
	}
	stats[0].State = CircuitOpen
	if h := check(context.Background()); h.Status != HealthStatusUnhealthy || !strings.Contains(h.Message, "get_ticker") {
		t.Errorf("open = %+v", h)
	}
}

func TestDatabaseHealthCheck(t *testing.T) {
	if h := DatabaseHealthCheck(ok)(context.Background()); h.Status != HealthStatusHealthy {
		t.Errorf("ok ping = %+v", h)
	}
	if h := DatabaseHealthCheck(fail)(context.Background()); h.Status != HealthStatusUnhealthy {
		t.Errorf("failed ping = %+v", h)
	}
}
