package plan

import (
	"errors"
	"fmt"

	"cyclebot/internal/quantize"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrOrderQuantityTooSmall = errors.New("order quantity below instrument minimum")
	ErrInsufficientBalance   = errors.New("order value exceeds available capital")
	ErrZeroUnitsOrdered      = errors.New("zero units ordered")
	ErrStopPriceAlreadyMet   = errors.New("stop price already met")
	ErrTakeProfitAlreadyMet  = errors.New("take profit already met")
)

var (
	DefaultProfitMultiple   = decimal.RequireFromString("1.5")
	DefaultProfitCheckpoint = decimal.RequireFromString("0.25")
)

// Request carries everything Build needs to size one entry.
type Request struct {
	Symbol           string
	Available        decimal.Decimal
	LastLow          decimal.Decimal
	LastHigh         decimal.Decimal
	EntryPrice       decimal.Decimal
	StopLoss         decimal.Decimal
	Policy           quantize.Policy
	MaxOrderValue    decimal.Decimal
	ProfitMultiple   decimal.Decimal
	ProfitCheckpoint decimal.Decimal
}

// BuyPlan is a validated order proposal. Only Build produces one.
type BuyPlan struct {
	PlayID      string
	Symbol      string
	EntryPrice  decimal.Decimal
	Quantity    decimal.Decimal
	OrderValue  decimal.Decimal
	StopLoss    decimal.Decimal
	RiskUnit    decimal.Decimal
	TargetPrice decimal.Decimal
}

// Build sizes an entry against the capital cap and the instrument's
// increments. The first violated check wins.
func Build(req Request) (BuyPlan, error) {
	multiple := req.ProfitMultiple
	if !multiple.IsPositive() {
		multiple = DefaultProfitMultiple
	}
	checkpoint := req.ProfitCheckpoint
	if !checkpoint.IsPositive() {
		checkpoint = DefaultProfitCheckpoint
	}

	capital := req.Available
	if req.MaxOrderValue.IsPositive() && req.MaxOrderValue.LessThan(capital) {
		capital = req.MaxOrderValue
	}

	entry := req.Policy.Price(req.EntryPrice)
	if !entry.IsPositive() {
		return BuyPlan{}, fmt.Errorf("%w: entry price %s", ErrZeroUnitsOrdered, req.EntryPrice)
	}
	qty := decimal.Zero
	if capital.IsPositive() {
		qty = req.Policy.Quantity(capital.Div(entry))
	}
	value := qty.Mul(entry)

	if qty.IsPositive() && qty.LessThan(req.Policy.MinQty) {
		return BuyPlan{}, fmt.Errorf("%w: qty=%s min=%s", ErrOrderQuantityTooSmall, qty, req.Policy.MinQty)
	}
	if value.GreaterThan(capital) {
		return BuyPlan{}, fmt.Errorf("%w: value=%s capital=%s", ErrInsufficientBalance, value, capital)
	}
	if !qty.IsPositive() {
		return BuyPlan{}, fmt.Errorf("%w: capital=%s entry=%s", ErrZeroUnitsOrdered, capital, entry)
	}

	stop := req.Policy.Price(req.StopLoss)
	if stop.GreaterThanOrEqual(req.LastLow) || stop.GreaterThanOrEqual(entry) {
		return BuyPlan{}, fmt.Errorf("%w: stop=%s last_low=%s entry=%s", ErrStopPriceAlreadyMet, stop, req.LastLow, entry)
	}

	risk := entry.Sub(stop)
	target := req.Policy.PriceUp(entry.Add(multiple.Mul(risk)))
	profitCheck := entry.Mul(decimal.NewFromInt(1).Add(checkpoint))
	if req.LastHigh.GreaterThanOrEqual(profitCheck) || req.LastHigh.GreaterThanOrEqual(target) {
		return BuyPlan{}, fmt.Errorf("%w: last_high=%s checkpoint=%s target=%s", ErrTakeProfitAlreadyMet, req.LastHigh, profitCheck, target)
	}

	return BuyPlan{
		PlayID:      uuid.NewString(),
		Symbol:      req.Symbol,
		EntryPrice:  entry,
		Quantity:    qty,
		OrderValue:  value,
		StopLoss:    stop,
		RiskUnit:    risk,
		TargetPrice: target,
	}, nil
}

// Rejected reports whether err is one of the expected plan rejections.
func Rejected(err error) bool {
	return errors.Is(err, ErrOrderQuantityTooSmall) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrZeroUnitsOrdered) ||
		errors.Is(err, ErrStopPriceAlreadyMet) ||
		errors.Is(err, ErrTakeProfitAlreadyMet)
}

var (
	DefaultSellFraction = decimal.RequireFromString("0.5")
	DefaultStopAdvance  = decimal.RequireFromString("0.99")
)

// TakeProfitRequest describes a filled profit-taking sale and the play it
// belongs to.
type TakeProfitRequest struct {
	FilledPrice    decimal.Decimal
	Held           decimal.Decimal
	StopLoss       decimal.Decimal
	TargetPrice    decimal.Decimal
	RiskUnit       decimal.Decimal
	SellFraction   decimal.Decimal
	StopAdvance    decimal.Decimal
	ProfitMultiple decimal.Decimal
	Policy         quantize.Policy
}

// TakeProfitPlan is the next tranche after a partial sale.
type TakeProfitPlan struct {
	Quantity    decimal.Decimal
	TargetPrice decimal.Decimal
	StopLoss    decimal.Decimal
	// SellAll is set when the fractional tranche is not tradable and the
	// whole holding goes instead.
	SellAll bool
}

// TakeProfit re-plans after a tranche fills: sell a fraction of what is
// held at the next risk-multiple above the old target, and lock in part of
// the level just reached. The stop never moves down.
func TakeProfit(req TakeProfitRequest) (TakeProfitPlan, error) {
	if !req.Held.IsPositive() {
		return TakeProfitPlan{}, fmt.Errorf("%w: held=%s", ErrZeroUnitsOrdered, req.Held)
	}
	fraction := req.SellFraction
	if !fraction.IsPositive() || fraction.GreaterThan(decimal.NewFromInt(1)) {
		fraction = DefaultSellFraction
	}
	advance := req.StopAdvance
	if !advance.IsPositive() || advance.GreaterThan(decimal.NewFromInt(1)) {
		advance = DefaultStopAdvance
	}
	multiple := req.ProfitMultiple
	if !multiple.IsPositive() {
		multiple = DefaultProfitMultiple
	}

	out := TakeProfitPlan{Quantity: req.Policy.Quantity(req.Held.Mul(fraction))}
	if !req.Policy.Tradable(out.Quantity) || out.Quantity.GreaterThanOrEqual(req.Held) {
		out.Quantity = req.Held
		out.SellAll = true
	}

	out.TargetPrice = req.Policy.PriceUp(req.TargetPrice.Add(multiple.Mul(req.RiskUnit)))
	locked := req.Policy.Price(req.FilledPrice.Mul(advance))
	out.StopLoss = decimal.Max(req.StopLoss, locked)
	return out, nil
}
