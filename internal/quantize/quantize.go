package quantize

import "github.com/shopspring/decimal"

// Policy holds the lot and tick sizes a broker enforces for one instrument.
type Policy struct {
	MinQty         decimal.Decimal
	QtyIncrement   decimal.Decimal
	PriceIncrement decimal.Decimal
	Fractionable   bool
}

// SnapPrice moves requested onto a multiple of increment. Rounding is down
// unless roundDown is false, in which case any remainder is rounded up by one
// increment. A non-positive increment leaves the price untouched.
func SnapPrice(requested, increment decimal.Decimal, roundDown bool) decimal.Decimal {
	if !increment.IsPositive() {
		return requested
	}
	remainder := requested.Mod(increment)
	if remainder.IsZero() {
		return requested
	}
	snapped := requested.Sub(remainder)
	if !roundDown {
		snapped = snapped.Add(increment)
	}
	return snapped
}

// SnapQuantity floors requested to a multiple of increment, and to a whole
// number when the asset cannot be traded fractionally.
func SnapQuantity(requested, increment decimal.Decimal, fractionable bool) decimal.Decimal {
	snapped := SnapPrice(requested, increment, true)
	if !fractionable {
		snapped = snapped.Floor()
	}
	if snapped.IsNegative() {
		return decimal.Zero
	}
	return snapped
}

func (p Policy) Price(requested decimal.Decimal) decimal.Decimal {
	return SnapPrice(requested, p.PriceIncrement, true)
}

func (p Policy) PriceUp(requested decimal.Decimal) decimal.Decimal {
	return SnapPrice(requested, p.PriceIncrement, false)
}

func (p Policy) Quantity(requested decimal.Decimal) decimal.Decimal {
	return SnapQuantity(requested, p.QtyIncrement, p.Fractionable)
}

// Tradable reports whether qty satisfies the minimum order size.
func (p Policy) Tradable(qty decimal.Decimal) bool {
	return qty.IsPositive() && qty.GreaterThanOrEqual(p.MinQty)
}
