package payment

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Fee is a gateway admin fee: a fixed part plus a rate applied to the amount.
type Fee struct {
	FixedCents int64
	Rate       decimal.Decimal
}

func ParseFee(fixedCents int64, rate string) (Fee, error) {
	r, err := decimal.NewFromString(rate)
	if err != nil {
		return Fee{}, fmt.Errorf("parse fee rate %q: %w", rate, err)
	}
	if r.IsNegative() || fixedCents < 0 {
		return Fee{}, fmt.Errorf("fee must not be negative")
	}
	return Fee{FixedCents: fixedCents, Rate: r}, nil
}

// Compute returns the fee for amountCents, rounded half-up to a whole cent.
func (f Fee) Compute(amountCents int64) int64 {
	variable := decimal.NewFromInt(amountCents).Mul(f.Rate).Round(0)
	return f.FixedCents + variable.IntPart()
}

// MajorUnits renders cents as a decimal string with two places, e.g. 1050 -> "10.50".
func MajorUnits(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}

// ParseMajorUnits parses a provider amount such as "10.50" into cents.
// Amounts with sub-cent precision are rejected.
func ParseMajorUnits(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	cents := d.Shift(2)
	if !cents.IsInteger() {
		return 0, fmt.Errorf("parse amount %q: sub-cent precision", s)
	}
	return cents.IntPart(), nil
}
