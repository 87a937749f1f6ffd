package enums

import (
	"fmt"
	"strings"
)

// Currency is the provider denomination a donation was paid in.
type Currency string

// CurrencyXTR is Telegram Stars, the only denomination the ledger accepts.
const CurrencyXTR Currency = "XTR"

var validCurrencies = []Currency{
	CurrencyXTR,
}

// String implements fmt.Stringer.
func (c Currency) String() string {
	return string(c)
}

// IsValid reports whether the currency is recognized.
func (c Currency) IsValid() bool {
	for _, candidate := range validCurrencies {
		if candidate == c {
			return true
		}
	}
	return false
}

// ParseCurrency converts a raw string into a Currency. Matching is
// case-insensitive.
func ParseCurrency(value string) (Currency, error) {
	normalized := strings.ToUpper(strings.TrimSpace(value))
	for _, candidate := range validCurrencies {
		if string(candidate) == normalized {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid currency %q", value)
}
