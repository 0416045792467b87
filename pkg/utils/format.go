// Package utils provides shared utility functions.
package utils

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// FormatQuote formats a quote-currency amount with thousands separators and
// two decimals, e.g. "12,345.67 USDT".
func FormatQuote(amount float64, currency string) string {
	negative := amount < 0
	if negative {
		amount = -amount
	}

	str := decimal.NewFromFloat(amount).StringFixed(2)
	intPart, decPart, _ := strings.Cut(str, ".")

	result := groupThousands(intPart) + "." + decPart
	if negative {
		result = "-" + result
	}
	if currency != "" {
		result += " " + currency
	}
	return result
}

func groupThousands(s string) string {
	n := len(s)
	if n <= 3 {
		return s
	}
	var b strings.Builder
	head := n % 3
	if head > 0 {
		b.WriteString(s[:head])
	}
	for i := head; i < n; i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}

// FormatAmount formats a base-asset amount with up to eight decimals and no
// trailing zeros.
func FormatAmount(amount float64) string {
	return decimal.NewFromFloat(amount).Round(8).String()
}

// FormatPercent formats a percentage with sign.
func FormatPercent(value float64) string {
	sign := ""
	if value > 0 {
		sign = "+"
	}
	return fmt.Sprintf("%s%.2f%%", sign, value)
}

// FormatPnL formats P&L with an explicit sign.
func FormatPnL(pnl float64, currency string) string {
	formatted := FormatQuote(pnl, currency)
	if pnl > 0 {
		return "+" + formatted
	}
	return formatted
}

// FormatCompact formats a number in compact form (K/M/B).
func FormatCompact(amount float64) string {
	abs := amount
	if abs < 0 {
		abs = -abs
	}
	switch {
	case abs >= 1e9:
		return fmt.Sprintf("%.2fB", amount/1e9)
	case abs >= 1e6:
		return fmt.Sprintf("%.2fM", amount/1e6)
	case abs >= 1e3:
		return fmt.Sprintf("%.2fK", amount/1e3)
	}
	return fmt.Sprintf("%.2f", amount)
}
