package risk

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"
)

func TestDrawdown_EscalationSequence(t *testing.T) {
	c := NewDrawdownController(DefaultDrawdownConfig(), zerolog.Nop())
	now := time.Now()

	steps := []struct {
		equity float64
		state  DrawdownState
		action DrawdownRecommendation
	}{
		{10000, DrawdownNormal, RecommendNone},
		{8500, DrawdownWarning, RecommendReduceSize},
		{7800, DrawdownPaused, RecommendBlockEntries},
		{6900, DrawdownEmergency, RecommendCloseAll},
	}

	for i, step := range steps {
		a := c.Update(step.equity, now.Add(time.Duration(i)*time.Minute))
		if a.State != step.state {
			t.Errorf("step %d: state = %s, want %s", i, a.State, step.state)
		}
		if a.Action != step.action {
			t.Errorf("step %d: action = %s, want %s", i, a.Action, step.action)
		}
	}
}

func TestDrawdown_RecoveryPath(t *testing.T) {
	c := NewDrawdownController(DefaultDrawdownConfig(), zerolog.Nop())
	now := time.Now()

	c.Update(10000, now)
	c.Update(8500, now)
	if a := c.Update(9600, now); a.State != DrawdownRecovering {
		t.Fatalf("state = %s, want recovering", a.State)
	}
	a := c.Update(9700, now)
	if a.State != DrawdownNormal || a.Action != RecommendResume {
		t.Errorf("state = %s action = %s, want normal/resume", a.State, a.Action)
	}
}

func TestDrawdown_PeakOnlyIncreases(t *testing.T) {
	c := NewDrawdownController(DefaultDrawdownConfig(), zerolog.Nop())
	now := time.Now()
	c.Update(10000, now)
	c.Update(12000, now)
	c.Update(9000, now)

	r := c.Record()
	if r.PeakEquity != 12000 {
		t.Errorf("PeakEquity = %v, want 12000", r.PeakEquity)
	}
	if r.Drawdown() != 25 {
		t.Errorf("Drawdown = %v, want 25", r.Drawdown())
	}
}

func TestDrawdown_HistoryBounded(t *testing.T) {
	cfg := DefaultDrawdownConfig()
	cfg.HistorySize = 5
	c := NewDrawdownController(cfg, zerolog.Nop())
	for i := 0; i < 20; i++ {
		c.Update(10000, time.Now())
	}
	if got := len(c.Record().History); got != 5 {
		t.Errorf("history length = %d, want 5", got)
	}
}

func TestDrawdown_EntryGates(t *testing.T) {
	c := NewDrawdownController(DefaultDrawdownConfig(), zerolog.Nop())
	c.Update(10000, time.Now())
	c.Update(8500, time.Now())
	if m := c.SizeMultiplier(); m != 0.5 {
		t.Errorf("warning SizeMultiplier = %v, want 0.5", m)
	}

	c.Update(7800, time.Now())
	if c.CanOpenNewPositions(false) {
		t.Error("paused must block grid entries")
	}
	if !c.CanOpenNewPositions(true) {
		t.Error("paused allows DCA by default")
	}

	c.Update(6900, time.Now())
	if c.CanOpenNewPositions(true) {
		t.Error("emergency must block all entries")
	}
}

// Property: for any equity walk, the classified state matches the thresholds
// applied to the current drawdown.
func TestProperty_DrawdownStateMonotonic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("state follows drawdown thresholds", prop.ForAll(
		func(moves []float64, warning, gap1, gap2 float64) bool {
			cfg := DefaultDrawdownConfig()
			cfg.WarningLevel = warning
			cfg.PauseLevel = warning + gap1
			cfg.EmergencyLevel = warning + gap1 + gap2
			cfg.RecoveryLevel = warning / 2

			c := NewDrawdownController(cfg, zerolog.Nop())
			equity := 10000.0
			now := time.Now()

			for i, move := range moves {
				equity *= 1 + move/100
				a := c.Update(equity, now.Add(time.Duration(i)*time.Minute))
				d := a.Drawdown

				var ok bool
				switch {
				case d >= cfg.EmergencyLevel:
					ok = a.State == DrawdownEmergency
				case d >= cfg.PauseLevel:
					ok = a.State == DrawdownPaused
				case d >= cfg.WarningLevel:
					ok = a.State == DrawdownWarning
				default:
					ok = a.State == DrawdownNormal || a.State == DrawdownRecovering
				}
				if !ok || d < 0 {
					t.Logf("FAILED: step=%d drawdown=%.4f state=%s", i, d, a.State)
					return false
				}
			}
			return true
		},
		gen.SliceOfN(50, gen.Float64Range(-8, 8)),
		gen.Float64Range(2, 15),
		gen.Float64Range(1, 15),
		gen.Float64Range(1, 15),
	))

	properties.TestingRun(t)
}
