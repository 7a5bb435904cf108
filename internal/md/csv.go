package md

import (
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
)

var csvColumns = []string{"timestamp", "open", "high", "low", "close", "volume"}

// LoadCSV reads a timestamp,open,high,low,close,volume file. Timestamps are
// RFC3339 and converted to UTC. Bars come back ascending whatever the row
// order of the file.
func LoadCSV(path, symbol string) ([]Bar, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return ReadCSV(file, symbol)
}

func ReadCSV(r io.Reader, symbol string) ([]Bar, error) {
	df := dataframe.ReadCSV(r, dataframe.WithTypes(map[string]series.Type{
		"timestamp": series.String,
		"open":      series.Float,
		"high":      series.Float,
		"low":       series.Float,
		"close":     series.Float,
		"volume":    series.Float,
	}))
	if df.Err != nil {
		return nil, fmt.Errorf("parse bars csv: %w", df.Err)
	}
	names := map[string]bool{}
	for _, name := range df.Names() {
		names[name] = true
	}
	for _, col := range csvColumns {
		if !names[col] {
			return nil, fmt.Errorf("bars csv missing column %q", col)
		}
	}

	stamps := df.Col("timestamp").Records()
	opens := df.Col("open").Float()
	highs := df.Col("high").Float()
	lows := df.Col("low").Float()
	closes := df.Col("close").Float()
	volumes := df.Col("volume").Float()

	bars := make([]Bar, 0, df.Nrow())
	for i := 0; i < df.Nrow(); i++ {
		ts, err := time.Parse(time.RFC3339, stamps[i])
		if err != nil {
			return nil, fmt.Errorf("bars csv row %d: %w", i+1, err)
		}
		bars = append(bars, Bar{
			Symbol:    symbol,
			Timestamp: ts.UTC(),
			Open:      opens[i],
			High:      highs[i],
			Low:       lows[i],
			Close:     closes[i],
			Volume:    volumes[i],
		})
	}
	sort.SliceStable(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })
	return bars, nil
}
