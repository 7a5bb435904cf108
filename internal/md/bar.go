package md

import (
	"context"
	"time"
)

type Cycle string

const (
	CycleNone    Cycle = ""
	CycleRising  Cycle = "rising"
	CycleFalling Cycle = "falling"
)

// Bar is one OHLC sample with the indicator columns the signal detector reads.
type Bar struct {
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`

	MACD        float64 `json:"macd"`
	MACDSignal  float64 `json:"macd_signal"`
	MACDHist    float64 `json:"macd_hist"`
	CrossedUp   bool    `json:"crossed_up"`
	CrossedDown bool    `json:"crossed_down"`
	Cycle       Cycle   `json:"cycle"`

	// TrendMA is the long-period close average and TrendMean its short rolling
	// mean. Both stay zero until their windows fill.
	TrendMA   float64 `json:"trend_ma"`
	TrendMean float64 `json:"trend_mean"`
}

// Source returns bars for [start, end] ascending by timestamp. Gaps are allowed.
type Source interface {
	Bars(ctx context.Context, symbol string, start, end time.Time, interval time.Duration) ([]Bar, error)
}
