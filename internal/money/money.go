// Package money provides shared amount parsing and formatting utilities.
//
// All amounts are carried as int64 minor units (1 KES = 100 units), the
// same representation the payment gateway uses on the wire. Balances and
// hold amounts never leave minor units internally; decimal strings exist
// only at the API edge.
package money

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultCurrency is the platform settlement currency.
const DefaultCurrency = "KES"

const decimals = 2

var ErrInvalidAmount = errors.New("invalid amount")

// Parse converts a decimal string (e.g. "1500.50") to minor units (150050).
//
// Rules:
//   - Empty string parses to 0
//   - Negative amounts are rejected
//   - More than one decimal point is rejected
//   - Fractional digits beyond 2 places are rejected (no silent truncation
//     of money)
func Parse(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if strings.HasPrefix(s, "-") {
		return 0, ErrInvalidAmount
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return 0, ErrInvalidAmount
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}
	if len(frac) > decimals {
		return 0, ErrInvalidAmount
	}
	for len(frac) < decimals {
		frac += "0"
	}

	var total int64
	for _, r := range whole + frac {
		if r < '0' || r > '9' {
			return 0, ErrInvalidAmount
		}
		d := int64(r - '0')
		if total > (1<<63-1-d)/10 {
			return 0, ErrInvalidAmount // overflow
		}
		total = total*10 + d
	}
	return total, nil
}

// Format converts minor units to a decimal string with exactly two
// fractional digits (e.g. 150050 -> "1500.50").
func Format(amount int64) string {
	neg := amount < 0
	if neg {
		amount = -amount
	}
	s := fmt.Sprintf("%d.%02d", amount/100, amount%100)
	if neg {
		return "-" + s
	}
	return s
}

// FormatWithCurrency renders an amount with its currency code, for logs
// and user-facing messages (e.g. "KES 1500.50").
func FormatWithCurrency(amount int64, currency string) string {
	if currency == "" {
		currency = DefaultCurrency
	}
	return currency + " " + Format(amount)
}
