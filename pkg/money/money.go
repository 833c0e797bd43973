// Package money converts between decimal amounts and the integer minor units
// gateways put on the wire.
package money

import (
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

const defaultExponent = 2

// Exponent is the number of minor-unit digits for an ISO 4217 code, taken
// from the CLDR standard rounding. Unknown codes use two.
func Exponent(code string) int32 {
	unit, err := currency.ParseISO(strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		return defaultExponent
	}
	scale, _ := currency.Standard.Rounding(unit)
	return int32(scale)
}

// FromMinor turns an integer amount in minor units into a decimal.
func FromMinor(amount int64, code string) decimal.Decimal {
	return decimal.New(amount, -Exponent(code))
}

// ToMinor turns a decimal amount into integer minor units, truncating digits
// the currency does not carry.
func ToMinor(amount decimal.Decimal, code string) int64 {
	return amount.Shift(Exponent(code)).IntPart()
}

// Round rounds an amount to the precision of the currency.
func Round(amount decimal.Decimal, code string) decimal.Decimal {
	return amount.Round(Exponent(code))
}
