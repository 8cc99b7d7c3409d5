// Package money formats integer minor-unit amounts.
package money

import "github.com/shopspring/decimal"

// ToDecimal converts minor units (paise) to a major-unit decimal.
func ToDecimal(minor int64) decimal.Decimal {
	return decimal.New(minor, -2)
}

// Format renders minor units with two decimals, e.g. 50000 -> "500.00".
func Format(minor int64) string {
	return ToDecimal(minor).StringFixed(2)
}

// FormatINR is Format with the currency code prefixed.
func FormatINR(minor int64) string {
	return "INR " + Format(minor)
}
