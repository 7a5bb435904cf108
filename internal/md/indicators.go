package md

// IndicatorParams controls the columns Annotate computes.
type IndicatorParams struct {
	FastPeriod      int
	SlowPeriod      int
	SignalPeriod    int
	TrendWindow     int
	TrendMeanWindow int
}

func DefaultIndicatorParams() IndicatorParams {
	return IndicatorParams{
		FastPeriod:      12,
		SlowPeriod:      26,
		SignalPeriod:    9,
		TrendWindow:     200,
		TrendMeanWindow: 5,
	}
}

type ema struct {
	alpha float64
	value float64
	init  bool
}

func newEMA(period int) *ema {
	return &ema{alpha: 2.0 / float64(period+1)}
}

func (e *ema) update(price float64) float64 {
	if !e.init {
		e.value = price
		e.init = true
		return e.value
	}
	e.value = price*e.alpha + e.value*(1-e.alpha)
	return e.value
}

// Annotate fills the MACD, crossover, cycle and trend columns of bars in
// place. Bars must be ascending by timestamp.
func Annotate(bars []Bar, p IndicatorParams) {
	fast := newEMA(p.FastPeriod)
	slow := newEMA(p.SlowPeriod)
	signal := newEMA(p.SignalPeriod)
	trend := NewWindow(p.TrendWindow)
	trendMean := NewWindow(p.TrendMeanWindow)
	cycle := CycleNone

	for i := range bars {
		bar := &bars[i]
		macd := fast.update(bar.Close) - slow.update(bar.Close)
		bar.MACD = macd
		bar.MACDSignal = signal.update(macd)
		bar.MACDHist = bar.MACD - bar.MACDSignal
		bar.CrossedUp = false
		bar.CrossedDown = false

		if i > 0 {
			prev := bars[i-1]
			switch {
			case prev.MACD <= prev.MACDSignal && bar.MACD > bar.MACDSignal:
				bar.CrossedUp = true
				cycle = CycleRising
			case prev.MACD >= prev.MACDSignal && bar.MACD < bar.MACDSignal:
				bar.CrossedDown = true
				cycle = CycleFalling
			}
		}
		bar.Cycle = cycle

		trend.Add(bar.Close)
		bar.TrendMA = 0
		bar.TrendMean = 0
		if mean, err := trend.Mean(); err == nil {
			bar.TrendMA = mean
			trendMean.Add(mean)
			if m, err := trendMean.Mean(); err == nil {
				bar.TrendMean = m
			}
		}
	}
}
