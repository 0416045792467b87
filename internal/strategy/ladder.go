package strategy

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	apperrors "spot-trader/internal/errors"
	"spot-trader/internal/models"
)

// Spacing selects how grid prices are distributed.
type Spacing string

const (
	SpacingEqual     Spacing = "equal"
	SpacingGeometric Spacing = "geometric"
)

// GridLine is one level of a grid ladder.
type GridLine struct {
	Index    int         `json:"index"`
	Price    float64     `json:"price"`
	Side     models.Side `json:"side"`
	Executed bool        `json:"executed"`
	OrderRef string      `json:"order_ref,omitempty"`
	// PairIndex is the line whose fill this line's order closes, or -1.
	PairIndex int `json:"pair_index"`
}

// BuildLadder generates count strictly increasing prices in [lower, upper].
// Lines in the lower half of indices buy and the upper half sell. A positive
// tick rounds every price to the tick grid.
func BuildLadder(lower, upper float64, count int, spacing Spacing, tick float64) ([]GridLine, error) {
	if count < 2 {
		return nil, apperrors.Wrapf(apperrors.ErrInvalidLadder, "grid count %d must be at least 2", count)
	}
	if lower <= 0 || upper <= lower {
		return nil, apperrors.Wrapf(apperrors.ErrInvalidLadder, "invalid range [%.8f, %.8f]", lower, upper)
	}

	lines := make([]GridLine, count)
	n := float64(count - 1)
	for i := 0; i < count; i++ {
		var price float64
		switch {
		case i == 0:
			price = lower
		case i == count-1:
			price = upper
		case spacing == SpacingGeometric:
			price = lower * math.Pow(upper/lower, float64(i)/n)
		default:
			price = lower + float64(i)*(upper-lower)/n
		}
		if tick > 0 {
			price = roundToTick(price, tick)
		}

		side := models.SideSell
		if i < count/2 {
			side = models.SideBuy
		}
		lines[i] = GridLine{Index: i, Price: price, Side: side, PairIndex: -1}
	}

	for i := 1; i < count; i++ {
		if lines[i].Price <= lines[i-1].Price {
			return nil, apperrors.Wrap(apperrors.ErrInvalidLadder,
				fmt.Sprintf("prices not strictly increasing at index %d (%.8f <= %.8f)", i, lines[i].Price, lines[i-1].Price))
		}
	}
	return lines, nil
}

func roundToTick(price, tick float64) float64 {
	t := decimal.NewFromFloat(tick)
	rounded, _ := decimal.NewFromFloat(price).Div(t).Round(0).Mul(t).Float64()
	return rounded
}

// RoundSize truncates a size to the given step using decimal arithmetic.
func RoundSize(size, step float64) float64 {
	if step <= 0 {
		return size
	}
	s := decimal.NewFromFloat(step)
	rounded, _ := decimal.NewFromFloat(size).Div(s).Floor().Mul(s).Float64()
	return rounded
}
