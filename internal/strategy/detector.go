package strategy

import (
	"time"

	"cyclebot/internal/md"
	"cyclebot/internal/telemetry"
)

const DefaultMinSamples = 200

type Config struct {
	MinSamples  int
	IgnoreTrend bool
}

// Conditions records which of the entry conditions held on the last bar.
type Conditions struct {
	Crossover    bool
	MACDNegative bool
	TrendUp      bool
}

// Signal is the detector's verdict for the last bar of a window. The cycle
// fields are only set when Buy is true.
type Signal struct {
	Symbol  string
	BarTime time.Time
	Buy     bool
	Reason  string
	Conditions

	CycleStart      time.Time
	FallingStart    time.Time
	StopLoss        float64
	StopLossAt      time.Time
	StopLossBarsAgo int
}

// Detector finds early-cycle MACD reversals confirmed by the long trend.
type Detector struct {
	cfg      Config
	recorder telemetry.Sink
}

func NewDetector(cfg Config, recorder telemetry.Sink) *Detector {
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = DefaultMinSamples
	}
	return &Detector{cfg: cfg, recorder: recorder}
}

// Detect evaluates the last bar of window. Short windows and windows without
// a locatable cycle produce no signal rather than an error.
func (d *Detector) Detect(window []md.Bar) Signal {
	if len(window) == 0 {
		return Signal{Reason: "empty_window"}
	}
	last := window[len(window)-1]
	sig := Signal{Symbol: last.Symbol, BarTime: last.Timestamp}

	if len(window) < d.cfg.MinSamples {
		sig.Reason = "insufficient_samples"
		d.record(sig)
		return sig
	}

	sig.Crossover = last.CrossedUp
	sig.MACDNegative = last.MACD < 0
	sig.TrendUp = last.TrendMA > 0 && last.TrendMean > 0 && last.TrendMA > last.TrendMean

	switch {
	case !sig.Crossover:
		sig.Reason = "no_crossover"
	case !sig.MACDNegative:
		sig.Reason = "macd_not_negative"
	case !sig.TrendUp && !d.cfg.IgnoreTrend:
		sig.Reason = "trend_not_rising"
	default:
		d.locateCycle(window, &sig)
	}
	d.record(sig)
	return sig
}

func (d *Detector) locateCycle(window []md.Bar, sig *Signal) {
	rising := RisingCycleStart(window)
	if rising < 0 {
		sig.Reason = "no_rising_cycle"
		return
	}
	falling := FallingCycleStart(window, rising)
	if falling < 0 {
		sig.Reason = "no_falling_cycle"
		return
	}

	low := falling
	for i := falling; i <= rising; i++ {
		if window[i].Close < window[low].Close {
			low = i
		}
	}

	sig.Buy = true
	sig.Reason = "macd_cycle_reversal"
	sig.CycleStart = window[rising].Timestamp
	sig.FallingStart = window[falling].Timestamp
	sig.StopLoss = window[low].Close
	sig.StopLossAt = window[low].Timestamp
	sig.StopLossBarsAgo = len(window) - 1 - low
}

// RisingCycleStart returns the index of the most recent upward crossover
// made below the zero line, or -1.
func RisingCycleStart(window []md.Bar) int {
	for i := len(window) - 1; i >= 0; i-- {
		if window[i].CrossedUp && window[i].MACD < 0 {
			return i
		}
	}
	return -1
}

// FallingCycleStart returns the index of the last downward crossover before
// index before, or -1.
func FallingCycleStart(window []md.Bar, before int) int {
	for i := before - 1; i >= 0; i-- {
		if window[i].CrossedDown {
			return i
		}
	}
	return -1
}

func (d *Detector) record(sig Signal) {
	if d.recorder == nil {
		return
	}
	d.recorder.Append(telemetry.Record{
		Kind:         telemetry.KindSignalCheck,
		BarTime:      sig.BarTime,
		Symbol:       sig.Symbol,
		Signal:       sig.Buy,
		Crossover:    sig.Crossover,
		MACDNegative: sig.MACDNegative,
		TrendUp:      sig.TrendUp,
		CycleStart:   sig.CycleStart,
		Reason:       sig.Reason,
	})
}
