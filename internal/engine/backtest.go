package engine

import (
	"context"
	"sort"
	"time"

	"cyclebot/internal/broker"
	"cyclebot/internal/md"
)

// Backtest replays the bars held by source between start and end. Each
// timestamp first moves the simulated market, then ticks the workers that
// have a bar at it, in symbol order so runs are reproducible.
func (r *Runner) Backtest(ctx context.Context, sim *broker.Simulated, source *md.MemorySource, start, end time.Time) error {
	byTime := map[time.Time][]md.Bar{}
	for _, w := range r.workers {
		for _, bar := range source.Series(w.Symbol()) {
			if bar.Timestamp.Before(start) || (!end.IsZero() && bar.Timestamp.After(end)) {
				continue
			}
			byTime[bar.Timestamp] = append(byTime[bar.Timestamp], bar)
		}
	}
	stamps := make([]time.Time, 0, len(byTime))
	for ts := range byTime {
		stamps = append(stamps, ts)
	}
	sort.Slice(stamps, func(i, j int) bool { return stamps[i].Before(stamps[j]) })

	r.logger.Info("backtest start", "bars", len(stamps), "start", start, "end", end)
	for _, ts := range stamps {
		if err := ctx.Err(); err != nil {
			return err
		}
		bars := byTime[ts]
		sort.Slice(bars, func(i, j int) bool { return bars[i].Symbol < bars[j].Symbol })
		for _, bar := range bars {
			sim.SetBar(bar)
		}
		for _, bar := range bars {
			r.process(ctx, r.bySymbol[bar.Symbol], ts)
		}
	}
	r.logger.Info("backtest done", "cash", sim.Cash())
	return nil
}
