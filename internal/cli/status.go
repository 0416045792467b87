package cli

import (
	"fmt"
	"sort"
	"time"

	"spot-trader/internal/engine"
	"spot-trader/internal/models"
	"spot-trader/internal/resilience"
	"spot-trader/internal/risk"
	"spot-trader/pkg/utils"
)

type statusReport struct {
	Backend     string                     `json:"cache_backend"`
	State       *engine.State              `json:"state,omitempty"`
	Decisions   []models.Decision          `json:"decisions"`
	Drawdowns   []risk.DrawdownAction      `json:"drawdowns"`
	Emergencies []risk.EmergencyCloseEvent `json:"emergencies"`
}

// runSummary is the JSON shape printed when a run ends.
type runSummary struct {
	Equity    float64           `json:"equity"`
	Cash      float64           `json:"cash"`
	Realized  float64           `json:"realized"`
	Drawdown  float64           `json:"drawdown_percent"`
	State     string            `json:"drawdown_state"`
	Positions []models.Position `json:"positions"`
	Open      int               `json:"open_orders"`
	Modes     map[string]string `json:"modes"`

	Health *resilience.SystemHealth `json:"health,omitempty"`
}

func summarize(s engine.State) runSummary {
	sum := runSummary{
		Cash:      s.Capital.Cash,
		Realized:  s.Capital.Realized,
		Drawdown:  s.Drawdown.Drawdown(),
		State:     string(s.Drawdown.State),
		Positions: s.Capital.Positions,
		Modes:     make(map[string]string),
	}
	sum.Equity = sum.Cash
	for _, p := range s.Capital.Positions {
		sum.Equity += p.Value()
	}
	for _, o := range s.Orders {
		if !o.Status.IsTerminal() {
			sum.Open++
		}
	}
	for asset, m := range s.Modes {
		sum.Modes[asset] = string(m)
	}
	for asset, m := range s.Overrides {
		sum.Modes[asset] = string(m) + " (pinned)"
	}
	return sum
}

func printSummary(output *Output, s engine.State, health *resilience.SystemHealth, currency string) {
	sum := summarize(s)
	sum.Health = health
	if output.IsJSON() {
		output.JSON(sum)
		return
	}

	output.Println()
	output.Bold("Portfolio")
	output.Printf("  Equity:    %s\n", utils.FormatQuote(sum.Equity, currency))
	output.Printf("  Cash:      %s\n", utils.FormatQuote(sum.Cash, currency))
	output.Printf("  Realized:  %s\n", output.PnL(sum.Realized, currency))
	output.Printf("  Drawdown:  %.2f%% (%s)\n", sum.Drawdown, output.State(sum.State))
	output.Printf("  Orders:    %d open\n", sum.Open)
	output.Println()
	printPositions(output, sum.Positions, sum.Modes, currency)
	if health != nil {
		output.Println()
		printHealth(output, *health)
	}
}

func printHealth(output *Output, h resilience.SystemHealth) {
	output.Bold("Health: %s", healthColor(output, h.Status))
	for _, c := range h.Components {
		output.Printf("  %-11s %s  %s\n", c.Name, healthColor(output, c.Status), c.Message)
	}
}

func healthColor(output *Output, s resilience.HealthStatus) string {
	switch s {
	case resilience.HealthStatusHealthy:
		return output.Green(string(s))
	case resilience.HealthStatusUnhealthy:
		return output.Red(string(s))
	}
	return output.Yellow(string(s))
}

func printPositions(output *Output, positions []models.Position, modes map[string]string, currency string) {
	if len(positions) == 0 {
		output.Dim("No open positions")
		return
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Asset < positions[j].Asset })

	table := NewTable(output, "ASSET", "AMOUNT", "AVG ENTRY", "PRICE", "UNREALIZED", "P&L %", "MODE")
	for _, p := range positions {
		mode := modes[p.Asset]
		if mode == "" {
			mode = "normal"
		}
		table.AddRow(
			p.Asset,
			utils.FormatAmount(p.Amount),
			utils.FormatQuote(p.AvgEntryPrice, currency),
			utils.FormatQuote(p.CurrentPrice, currency),
			output.PnL(p.UnrealizedPnL(), currency),
			output.Percent(p.UnrealizedPnLPercent()),
			mode,
		)
	}
	table.Render()
}

func printStatus(output *Output, r statusReport, currency string) {
	output.Bold("Session")
	if r.State == nil {
		output.Dim("  No saved state in %s cache", r.Backend)
	} else {
		output.Printf("  Saved:     %s (%s)\n", r.State.SavedAt.Format(time.RFC3339), r.Backend)
		printSummary(output, *r.State, nil, currency)
	}
	output.Println()

	output.Bold("Recent Decisions")
	if len(r.Decisions) == 0 {
		output.Dim("  None recorded")
	} else {
		table := NewTable(output, "TIME", "ASSET", "ACTION", "SOURCE", "URGENCY", "SIZE", "REASON")
		for _, d := range r.Decisions {
			table.AddRow(
				d.Timestamp.Local().Format("01-02 15:04:05"),
				d.Asset,
				colorAction(output, d.Action),
				string(d.Type),
				string(d.Urgency),
				utils.FormatAmount(d.Size),
				truncate(d.Reason, 48),
			)
		}
		table.Render()
	}
	output.Println()

	output.Bold("Drawdown Transitions")
	changes := 0
	for _, a := range r.Drawdowns {
		if !a.Changed {
			continue
		}
		changes++
		output.Printf("  %s  %s → %s at %.2f%%  %s\n",
			a.Timestamp.Local().Format("01-02 15:04"), a.Previous, output.State(string(a.State)), a.Drawdown, a.Reason)
	}
	if changes == 0 {
		output.Dim("  None recorded")
	}
	output.Println()

	output.Bold("Emergency Closes")
	if len(r.Emergencies) == 0 {
		output.Dim("  None recorded")
		return
	}
	for _, e := range r.Emergencies {
		result := output.Green("ok")
		if !e.Success {
			result = output.Red(fmt.Sprintf("%d errors", len(e.Errors)))
		}
		output.Printf("  %s  %s/%s  %s → %s  %s  %s\n",
			e.StartedAt.Local().Format("01-02 15:04"),
			e.TriggerType, e.Strategy,
			utils.FormatQuote(e.Before.Equity, currency),
			utils.FormatQuote(e.After.Equity, currency),
			result, e.Reason)
	}
}

func colorAction(output *Output, a models.Action) string {
	switch a {
	case models.ActionBuy:
		return output.Green(string(a))
	case models.ActionSell, models.ActionReducePosition, models.ActionClosePosition, models.ActionEmergency:
		return output.Red(string(a))
	}
	return string(a)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
