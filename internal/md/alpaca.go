package md

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
)

// AlpacaSource fetches historical bars over the Alpaca market data REST API.
type AlpacaSource struct {
	client     *marketdata.Client
	feed       marketdata.Feed
	attempts   int
	retryDelay time.Duration
	logger     *slog.Logger
}

func NewAlpacaSource(apiKey, apiSecret, feed string, logger *slog.Logger) *AlpacaSource {
	return &AlpacaSource{
		client: marketdata.NewClient(marketdata.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
		}),
		feed:       parseFeed(feed),
		attempts:   3,
		retryDelay: 2 * time.Second,
		logger:     logger,
	}
}

func (a *AlpacaSource) Bars(ctx context.Context, symbol string, start, end time.Time, interval time.Duration) ([]Bar, error) {
	req := marketdata.GetBarsRequest{
		TimeFrame: timeFrame(interval),
		Start:     start.UTC(),
		End:       end.UTC(),
		Feed:      a.feed,
	}

	var lastErr error
	for attempt := 1; attempt <= a.attempts; attempt++ {
		raw, err := a.client.GetBars(symbol, req)
		if err == nil {
			bars := make([]Bar, 0, len(raw))
			for _, b := range raw {
				bars = append(bars, Bar{
					Symbol:    symbol,
					Timestamp: b.Timestamp.UTC(),
					Open:      b.Open,
					High:      b.High,
					Low:       b.Low,
					Close:     b.Close,
					Volume:    float64(b.Volume),
				})
			}
			return bars, nil
		}
		lastErr = err
		a.logger.Warn("fetch bars failed", "symbol", symbol, "attempt", attempt, "error", err)
		if attempt < a.attempts {
			if err := waitFor(ctx, a.retryDelay); err != nil {
				return nil, err
			}
		}
	}
	return nil, fmt.Errorf("fetch bars for %s: %w", symbol, lastErr)
}

func timeFrame(interval time.Duration) marketdata.TimeFrame {
	switch {
	case interval >= 24*time.Hour && interval%(24*time.Hour) == 0:
		return marketdata.NewTimeFrame(int(interval/(24*time.Hour)), marketdata.Day)
	case interval >= time.Hour && interval%time.Hour == 0:
		return marketdata.NewTimeFrame(int(interval/time.Hour), marketdata.Hour)
	case interval >= time.Minute:
		return marketdata.NewTimeFrame(int(interval/time.Minute), marketdata.Min)
	default:
		return marketdata.OneMin
	}
}

func waitFor(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
