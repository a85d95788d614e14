// Package decimal holds the money helpers used for UBL amounts. All
// monetary values are rounded half away from zero to cents.
package decimal

import "github.com/shopspring/decimal"

// Zero is decimal zero
var Zero = decimal.Zero

// FromInt creates decimal from int
func FromInt(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

// FromString parses decimal from string
func FromString(s string) (decimal.Decimal, error) {
	return decimal.NewFromString(s)
}

// MustFromString parses decimal from string, panics on error
func MustFromString(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// CalculateTax computes tax amount: amount * (rate/100), rounded to cents
func CalculateTax(amount, ratePercent decimal.Decimal) decimal.Decimal {
	if ratePercent.IsZero() {
		return Zero
	}
	return amount.Mul(ratePercent).Div(decimal.NewFromInt(100)).Round(2)
}

// LineExtension computes quantity * unit price, rounded to cents
func LineExtension(quantity, unitPrice decimal.Decimal) decimal.Decimal {
	return quantity.Mul(unitPrice).Round(2)
}

// Sum sums a slice of decimals
func Sum(values []decimal.Decimal) decimal.Decimal {
	result := Zero
	for _, v := range values {
		result = result.Add(v)
	}
	return result
}

// Round2 rounds to cents
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// Format renders the amount with exactly two decimals, as UBL amounts are written
func Format(d decimal.Decimal) string {
	return d.StringFixed(2)
}

// SignedExpenseAmount applies the expense sign convention to a parsed document total.
// The parsed sign is ignored: invoices are positive, credit notes negative.
func SignedExpenseAmount(total decimal.Decimal, creditNote bool) decimal.Decimal {
	amount := total.Abs().Round(2)
	if creditNote {
		return amount.Neg()
	}
	return amount
}

// WithinTolerance reports whether two amounts differ by at most one cent
func WithinTolerance(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(decimal.New(1, -2))
}
