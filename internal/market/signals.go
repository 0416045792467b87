package market

import (
	"math"

	"spot-trader/internal/models"
)

// AggregateSignals combines weighted votes. An exact tie between bullish and
// bearish weight yields no direction.
func AggregateSignals(votes []models.WeightedSignal) models.Signal {
	var bull, bear float64
	for _, v := range votes {
		if v.Weight <= 0 {
			continue
		}
		switch v.Direction {
		case models.SignalBullish:
			bull += v.Weight
		case models.SignalBearish:
			bear += v.Weight
		}
	}
	total := bull + bear
	if total == 0 || bull == bear {
		return models.Signal{}
	}

	dir := models.SignalBullish
	if bear > bull {
		dir = models.SignalBearish
	}
	return models.Signal{Direction: dir, Strength: math.Abs(bull-bear) / total * 100}
}

// TrendSignals votes with a fast/slow moving-average cross and the slow-window
// rate of change.
type TrendSignals struct {
	Fast int
	Slow int
}

// Signals implements SignalSource.
func (s TrendSignals) Signals(_ string, prices []float64) []models.WeightedSignal {
	if s.Fast <= 0 || s.Slow <= s.Fast || len(prices) < s.Slow+1 {
		return nil
	}

	fast := sma(prices[len(prices)-s.Fast:])
	slow := sma(prices[len(prices)-s.Slow:])
	var votes []models.WeightedSignal
	if d := direction(fast - slow); d != models.SignalNone {
		votes = append(votes, models.WeightedSignal{Source: "sma_cross", Direction: d, Weight: 1})
	}

	past := prices[len(prices)-s.Slow-1]
	if past > 0 {
		if d := direction(prices[len(prices)-1] - past); d != models.SignalNone {
			votes = append(votes, models.WeightedSignal{Source: "roc", Direction: d, Weight: 1})
		}
	}
	return votes
}

func direction(delta float64) models.SignalDirection {
	switch {
	case delta > 0:
		return models.SignalBullish
	case delta < 0:
		return models.SignalBearish
	}
	return models.SignalNone
}

func sma(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	total := 0.0
	for _, x := range xs {
		total += x
	}
	return total / float64(len(xs))
}
