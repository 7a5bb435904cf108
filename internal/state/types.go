package state

import (
	"time"

	"github.com/shopspring/decimal"
)

// Phase is a symbol worker's state-machine state.
type Phase string

const (
	PhaseNoPosition Phase = "NO_POSITION"
	PhaseEntering   Phase = "ENTERING_POSITION"
	PhasePosition   Phase = "POSITION_TAKEN"
	PhaseTakeProfit Phase = "TAKING_PROFIT"
	PhaseStopLoss   Phase = "STOP_LOSS_ACTIVE"
)

func (p Phase) Valid() bool {
	switch p {
	case PhaseNoPosition, PhaseEntering, PhasePosition, PhaseTakeProfit, PhaseStopLoss:
		return true
	}
	return false
}

// Rule is the durable record of an open play. Values are replaced whole,
// never mutated in place.
type Rule struct {
	Symbol        string          `json:"symbol"`
	Broker        string          `json:"broker"`
	PlayID        string          `json:"play_id"`
	OrderID       string          `json:"order_id"`
	StopLoss      decimal.Decimal `json:"stop_loss"`
	TargetPrice   decimal.Decimal `json:"target_price"`
	RiskUnit      decimal.Decimal `json:"risk_unit"`
	PurchasePrice decimal.Decimal `json:"purchase_price"`
	Step          int             `json:"step"`
	UnitsBought   decimal.Decimal `json:"units_bought"`
	UnitsHeld     decimal.Decimal `json:"units_held"`
	UnitsSold     decimal.Decimal `json:"units_sold"`
	SellFraction  decimal.Decimal `json:"sell_fraction"`
	StopAdvance   decimal.Decimal `json:"stop_advance"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// AfterTakeProfit returns the rule that follows a partial sale of sold units
// leaving held units, with the stop and target moved to the given levels.
// The stop never moves down.
func (r Rule) AfterTakeProfit(sold, held, stopLoss, target decimal.Decimal, now time.Time) Rule {
	next := r
	next.Step = r.Step + 1
	next.UnitsSold = r.UnitsSold.Add(sold)
	next.UnitsHeld = held
	next.TargetPrice = target
	next.StopLoss = decimal.Max(r.StopLoss, stopLoss)
	next.UpdatedAt = now
	return next
}

// WorkerState tracks the order a worker is waiting on. Its absence means the
// worker has no outstanding order.
type WorkerState struct {
	Symbol    string    `json:"symbol"`
	Broker    string    `json:"broker"`
	Phase     Phase     `json:"phase"`
	OrderID   string    `json:"order_id"`
	PlayID    string    `json:"play_id"`
	UpdatedAt time.Time `json:"updated_at"`

	// Entry plan carried from ENTERING_POSITION to the rule created on fill.
	StopLoss    decimal.Decimal `json:"stop_loss"`
	TargetPrice decimal.Decimal `json:"target_price"`
	RiskUnit    decimal.Decimal `json:"risk_unit"`
}
