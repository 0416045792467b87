package risk

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

func TestStopLoss_PercentageTriggersCloseAll(t *testing.T) {
	m := NewStopLossManager(DefaultStopLossConfig(), zerolog.Nop())
	now := time.Now()
	m.Open("BTC", 100, 2, now)

	ev := m.Evaluate("BTC", 84, 2, now.Add(time.Minute))
	if !ev.Triggered() {
		t.Fatalf("expected trigger, got %+v", ev)
	}
	if ev.Type != StopPercentage || ev.Action != StopCloseAll || ev.Urgency != models.UrgencyHigh {
		t.Errorf("event = %+v, want percentage close_all high", ev)
	}

	d := ev.ToDecision(models.Position{Asset: "BTC", Amount: 2})
	if d.Action != models.ActionClosePosition || d.Size != 2 || d.Type != models.DecisionRisk {
		t.Errorf("decision = %+v, want close_position size 2", d)
	}
}

func TestStopLoss_TriggerCooldown(t *testing.T) {
	m := NewStopLossManager(DefaultStopLossConfig(), zerolog.Nop())
	now := time.Now()
	m.Open("BTC", 100, 2, now)

	ev := m.Evaluate("BTC", 84, 2, now)
	if !ev.Triggered() {
		t.Fatal("expected first trigger")
	}
	m.MarkTriggered("BTC", ev.Type, now)
	if ev := m.Evaluate("BTC", 84, 2, now.Add(time.Minute)); ev != nil {
		t.Errorf("expected nil inside cooldown, got %+v", ev)
	}
	if ev := m.Evaluate("BTC", 84, 2, now.Add(31*time.Minute)); !ev.Triggered() {
		t.Error("expected trigger after cooldown")
	}
}

func TestStopLoss_EvaluateDoesNotArmCooldown(t *testing.T) {
	m := NewStopLossManager(DefaultStopLossConfig(), zerolog.Nop())
	now := time.Now()
	m.Open("BTC", 100, 2, now)

	first := m.Evaluate("BTC", 84, 2, now)
	if !first.Triggered() {
		t.Fatal("expected trigger")
	}
	s, _ := m.State("BTC")
	if !s.LastTrigger.IsZero() || len(s.CheckTriggers) != 0 {
		t.Fatalf("cooldowns armed before the exit was placed: %+v", s)
	}

	// The exit never went out, so the stop must fire again.
	again := m.Evaluate("BTC", 84, 2, now.Add(time.Minute))
	if !again.Triggered() || again.Type != first.Type {
		t.Errorf("retry = %+v, want %s trigger", again, first.Type)
	}

	m.MarkTriggered("BTC", again.Type, now.Add(time.Minute))
	s, _ = m.State("BTC")
	if !s.LastTrigger.Equal(now.Add(time.Minute)) || s.CheckTriggers[StopPercentage].IsZero() {
		t.Errorf("state after MarkTriggered = %+v", s)
	}
	m.MarkTriggered("ETH", StopPercentage, now)
}

func TestParseStopTag(t *testing.T) {
	tests := []struct {
		tag  string
		want StopType
		ok   bool
	}{
		{"stop:percentage", StopPercentage, true},
		{"stop:time", StopTime, true},
		{"dca:level", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseStopTag(tt.tag)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseStopTag(%q) = %q, %v", tt.tag, got, ok)
		}
	}
	ev := &StopLossEvent{Asset: "BTC", Type: StopTrailing, Action: StopCloseAll}
	d := ev.ToDecision(models.Position{Asset: "BTC", Amount: 1})
	if got, ok := ParseStopTag(d.Tag); !ok || got != StopTrailing {
		t.Errorf("round trip of %q = %q, %v", d.Tag, got, ok)
	}
}

func TestStopLoss_WarningOnlyWhenNothingTriggers(t *testing.T) {
	m := NewStopLossManager(DefaultStopLossConfig(), zerolog.Nop())
	now := time.Now()
	m.Open("BTC", 100, 2, now)

	ev := m.Evaluate("BTC", 88, 2, now)
	if ev == nil || ev.Action != StopWarning || ev.Triggered() {
		t.Fatalf("expected warning, got %+v", ev)
	}
	if ev.ToDecision(models.Position{Asset: "BTC", Amount: 1}) != nil {
		t.Error("warnings must not produce decisions")
	}
	if ev := m.Evaluate("BTC", 88, 2, now.Add(time.Minute)); ev != nil {
		t.Errorf("repeated warning inside cooldown: %+v", ev)
	}
}

func TestStopLoss_TrailingRatchetsAndTriggers(t *testing.T) {
	m := NewStopLossManager(DefaultStopLossConfig(), zerolog.Nop())
	now := time.Now()
	m.Open("BTC", 100, 2, now)

	m.Evaluate("BTC", 106, 2, now)
	s, _ := m.State("BTC")
	if !s.TrailingActive {
		t.Fatal("trailing should activate at 6% profit")
	}

	m.Evaluate("BTC", 110, 2, now)
	s, _ = m.State("BTC")
	if math.Abs(s.TrailingStopPrice-106.7) > 1e-9 {
		t.Errorf("TrailingStopPrice = %v, want 106.7", s.TrailingStopPrice)
	}

	if ev := m.Evaluate("BTC", 107, 2, now); ev != nil {
		t.Errorf("price above trailing stop triggered: %+v", ev)
	}
	s, _ = m.State("BTC")
	if math.Abs(s.TrailingStopPrice-106.7) > 1e-9 {
		t.Error("trailing stop must not move down")
	}

	ev := m.Evaluate("BTC", 106, 2, now)
	if !ev.Triggered() || ev.Type != StopTrailing || ev.Action != StopCloseAll {
		t.Errorf("event = %+v, want trailing close_all", ev)
	}
}

func TestStopLoss_TimeStopClosesPartial(t *testing.T) {
	m := NewStopLossManager(DefaultStopLossConfig(), zerolog.Nop())
	now := time.Now()
	m.Open("BTC", 100, 2, now)

	if ev := m.Evaluate("BTC", 94, 2, now.Add(24*time.Hour)); ev != nil {
		t.Errorf("time stop fired early: %+v", ev)
	}

	ev := m.Evaluate("BTC", 94, 2, now.Add(31*24*time.Hour))
	if !ev.Triggered() || ev.Type != StopTime || ev.Action != StopClosePartial {
		t.Fatalf("event = %+v, want time close_partial", ev)
	}
	d := ev.ToDecision(models.Position{Asset: "BTC", Amount: 2})
	if d.Action != models.ActionReducePosition || d.Size != 1 {
		t.Errorf("decision = %+v, want reduce 1", d)
	}
}

func TestStopLoss_VolatilityCollapse(t *testing.T) {
	m := NewStopLossManager(DefaultStopLossConfig(), zerolog.Nop())
	now := time.Now()
	m.Open("BTC", 100, 4, now)

	ev := m.Evaluate("BTC", 94, 1.5, now.Add(time.Hour))
	if !ev.Triggered() || ev.Type != StopVolatility || ev.ClosePercent != 30 {
		t.Errorf("event = %+v, want volatility close_partial 30%%", ev)
	}
}

func TestStopLoss_ProfitDisablesChecks(t *testing.T) {
	m := NewStopLossManager(DefaultStopLossConfig(), zerolog.Nop())
	now := time.Now()
	m.Open("BTC", 100, 2, now)

	if ev := m.Evaluate("BTC", 125, 2, now); ev != nil {
		t.Errorf("checks should be disabled above profit threshold, got %+v", ev)
	}
	s, _ := m.State("BTC")
	if math.Abs(s.TrailingStopPrice-125*0.97) > 1e-9 {
		t.Errorf("trailing must still ratchet, got %v", s.TrailingStopPrice)
	}
}

func TestStopLoss_UpdateEntryMovesStop(t *testing.T) {
	m := NewStopLossManager(DefaultStopLossConfig(), zerolog.Nop())
	m.Open("BTC", 100, 2, time.Now())
	m.UpdateEntry("BTC", 80)

	s, _ := m.State("BTC")
	if math.Abs(s.StopPrice-68) > 1e-9 {
		t.Errorf("StopPrice = %v, want 68", s.StopPrice)
	}
	m.Remove("BTC")
	if _, ok := m.State("BTC"); ok {
		t.Error("state should be removed")
	}
}

// Property: the trailing stop price never decreases over any price path.
func TestProperty_TrailingStopNeverLowers(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("trailing stop is monotonic", prop.ForAll(
		func(moves []float64) bool {
			m := NewStopLossManager(DefaultStopLossConfig(), zerolog.Nop())
			now := time.Now()
			m.Open("BTC", 100, 2, now)

			price := 100.0
			prev := 0.0
			for i, move := range moves {
				price *= 1 + move/100
				m.Evaluate("BTC", price, 2, now.Add(time.Duration(i)*time.Minute))
				s, _ := m.State("BTC")
				if s.TrailingStopPrice < prev {
					t.Logf("FAILED: step=%d stop %.4f < previous %.4f", i, s.TrailingStopPrice, prev)
					return false
				}
				prev = s.TrailingStopPrice
			}
			return true
		},
		gen.SliceOfN(60, gen.Float64Range(-6, 6)),
	))

	properties.TestingRun(t)
}
