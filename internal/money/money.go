package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var ErrInvalidAmount = errors.New("invalid amount")

// zeroDecimal lists currencies charged in whole units.
var zeroDecimal = map[string]bool{
	"bif": true, "clp": true, "djf": true, "gnf": true, "jpy": true,
	"kmf": true, "krw": true, "mga": true, "pyg": true, "rwf": true,
	"ugx": true, "vnd": true, "vuv": true, "xaf": true, "xof": true, "xpf": true,
}

// Exponent is the number of minor-unit digits for currency.
func Exponent(currency string) int32 {
	if zeroDecimal[strings.ToLower(currency)] {
		return 0
	}
	return 2
}

// ToMinorUnits converts a major-unit string like "12.50" to 1250. Amounts with
// more precision than the currency allows are rejected, not rounded.
func ToMinorUnits(amount, currency string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	minor := d.Shift(Exponent(currency))
	if !minor.Equal(minor.Truncate(0)) {
		return 0, fmt.Errorf("%w: %q has too many decimal places for %s", ErrInvalidAmount, amount, strings.ToUpper(currency))
	}
	if !minor.IsPositive() {
		return 0, fmt.Errorf("%w: %q must be positive", ErrInvalidAmount, amount)
	}
	return minor.IntPart(), nil
}

// Format renders minor units in major units, e.g. 1250 "usd" -> "12.50 USD".
func Format(minor int64, currency string) string {
	exp := Exponent(currency)
	return decimal.New(minor, -exp).StringFixed(exp) + " " + strings.ToUpper(currency)
}
