package md

import (
	"context"
	"time"
)

// Annotated computes indicator columns over bars fetched from a raw source
// such as the Alpaca REST API. The whole fetched span warms the averages, so
// callers should fetch more history than they hand to the detector.
type Annotated struct {
	Source Source
	Params IndicatorParams
}

func (a Annotated) Bars(ctx context.Context, symbol string, start, end time.Time, interval time.Duration) ([]Bar, error) {
	bars, err := a.Source.Bars(ctx, symbol, start, end, interval)
	if err != nil {
		return nil, err
	}
	Annotate(bars, a.Params)
	return bars, nil
}
