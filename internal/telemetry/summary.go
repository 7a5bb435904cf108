package telemetry

import (
	"sort"

	"github.com/shopspring/decimal"
)

type PlaySummary struct {
	PlayID string
	Symbol string
	Bought decimal.Decimal
	Sold   decimal.Decimal
	Fees   decimal.Decimal
	Profit decimal.Decimal
}

type Summary struct {
	Plays  []PlaySummary
	Wins   int
	Losses int
	Profit decimal.Decimal
}

// Summarize folds fill records into per-play results. Plays that never
// bought anything are skipped.
func Summarize(records []Record) Summary {
	plays := map[string]*PlaySummary{}
	for _, rec := range records {
		if rec.Kind != KindOrder || rec.Reason != ReasonFill || rec.PlayID == "" || !rec.FilledQty.IsPositive() {
			continue
		}
		p, ok := plays[rec.PlayID]
		if !ok {
			p = &PlaySummary{PlayID: rec.PlayID, Symbol: rec.Symbol}
			plays[rec.PlayID] = p
		}
		value := rec.FilledQty.Mul(rec.FilledPrice)
		switch rec.Side {
		case "buy":
			p.Bought = p.Bought.Add(value)
		case "sell":
			p.Sold = p.Sold.Add(value)
		}
		p.Fees = p.Fees.Add(rec.Fees)
	}

	summary := Summary{}
	for _, p := range plays {
		if p.Bought.IsZero() {
			continue
		}
		p.Profit = p.Sold.Sub(p.Bought).Sub(p.Fees)
		if p.Profit.IsPositive() {
			summary.Wins++
		} else {
			summary.Losses++
		}
		summary.Profit = summary.Profit.Add(p.Profit)
		summary.Plays = append(summary.Plays, *p)
	}
	sort.Slice(summary.Plays, func(i, j int) bool { return summary.Plays[i].PlayID < summary.Plays[j].PlayID })
	return summary
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
