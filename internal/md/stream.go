package md

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata/stream"
)

type BarHandler func(Bar)

// StartStream delivers closed minute bars for symbols until ctx is done.
func StartStream(ctx context.Context, apiKey, apiSecret, feed string, symbols []string, logger *slog.Logger, handler BarHandler) error {
	client := stream.NewStocksClient(
		parseFeed(feed),
		stream.WithCredentials(apiKey, apiSecret),
	)

	// Connect must be called before subscribing in this SDK version.
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect market data stream: %w", err)
	}
	logger.Info("connected to bar stream", "symbols", symbols, "feed", feed)

	if err := client.SubscribeToBars(func(bar stream.Bar) {
		logger.Debug("bar received", "symbol", bar.Symbol, "timestamp", bar.Timestamp, "close", bar.Close)
		handler(Bar{
			Symbol:    bar.Symbol,
			Timestamp: bar.Timestamp.UTC(),
			Open:      bar.Open,
			High:      bar.High,
			Low:       bar.Low,
			Close:     bar.Close,
			Volume:    float64(bar.Volume),
		})
	}, symbols...); err != nil {
		return fmt.Errorf("subscribe to bars: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-client.Terminated():
		return err
	}
}

func parseFeed(feed string) marketdata.Feed {
	switch feed {
	case "sip":
		return marketdata.SIP
	default:
		return marketdata.IEX
	}
}
