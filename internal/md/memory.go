package md

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemorySource serves preloaded series, used for backtests and tests.
type MemorySource struct {
	mu     sync.RWMutex
	series map[string][]Bar
}

func NewMemorySource() *MemorySource {
	return &MemorySource{series: map[string][]Bar{}}
}

// Load replaces the series for symbol. Bars are sorted by timestamp.
func (m *MemorySource) Load(symbol string, bars []Bar) {
	sorted := make([]Bar, len(bars))
	copy(sorted, bars)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })
	for i := range sorted {
		sorted[i].Symbol = symbol
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.series[symbol] = sorted
}

func (m *MemorySource) Series(symbol string) []Bar {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Bar, len(m.series[symbol]))
	copy(out, m.series[symbol])
	return out
}

func (m *MemorySource) Bars(ctx context.Context, symbol string, start, end time.Time, interval time.Duration) ([]Bar, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	series, ok := m.series[symbol]
	if !ok {
		return nil, fmt.Errorf("no bars loaded for %s", symbol)
	}
	lo := sort.Search(len(series), func(i int) bool { return !series[i].Timestamp.Before(start) })
	hi := sort.Search(len(series), func(i int) bool { return series[i].Timestamp.After(end) })
	if lo >= hi {
		return []Bar{}, nil
	}
	out := make([]Bar, hi-lo)
	copy(out, series[lo:hi])
	return out, nil
}
