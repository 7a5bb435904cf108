package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"cyclebot/internal/broker"
	"cyclebot/internal/state"
)

// Tick asks workers to process the bar that closed at At. An empty Symbol
// addresses every worker.
type Tick struct {
	Symbol string
	At     time.Time
}

// Status is a worker's externally visible position in the state machine.
type Status struct {
	Symbol string      `json:"symbol"`
	Broker string      `json:"broker"`
	Phase  state.Phase `json:"phase"`
}

// Runner owns one worker per symbol. Workers for different symbols process
// concurrently; a single worker never does.
type Runner struct {
	workers  []*Worker
	bySymbol map[string]*Worker
	skipped  map[string]error
	logger   *slog.Logger
	halted   atomic.Bool
}

// NewRunner builds a worker per symbol. Symbols the broker does not know,
// has delisted, or cannot trade are dropped from the run; any other error
// aborts.
func NewRunner(ctx context.Context, symbols []string, deps Deps, settings Settings) (*Runner, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		bySymbol: map[string]*Worker{},
		skipped:  map[string]error{},
		logger:   logger,
	}
	deps.EntriesHalted = r.halted.Load

	for _, symbol := range symbols {
		if _, dup := r.bySymbol[symbol]; dup {
			continue
		}
		w, err := NewWorker(ctx, symbol, deps, settings)
		if err != nil {
			if errors.Is(err, broker.ErrUnknownSymbol) || errors.Is(err, broker.ErrDelisted) || errors.Is(err, broker.ErrUntradeable) {
				logger.Error("symbol excluded from run", "symbol", symbol, "error", err)
				r.skipped[symbol] = err
				continue
			}
			return nil, err
		}
		r.workers = append(r.workers, w)
		r.bySymbol[symbol] = w
	}
	if len(r.workers) == 0 {
		return nil, fmt.Errorf("no tradable symbols among %v", symbols)
	}
	return r, nil
}

func (r *Runner) Workers() []*Worker {
	return r.workers
}

// Skipped reports the symbols excluded at construction and why.
func (r *Runner) Skipped() map[string]error {
	return r.skipped
}

// SetKillSwitch stops or resumes new entries. Open plays are still managed.
func (r *Runner) SetKillSwitch(on bool) {
	r.halted.Store(on)
	r.logger.Warn("kill switch", "enabled", on)
}

func (r *Runner) KillSwitch() bool {
	return r.halted.Load()
}

func (r *Runner) Snapshot() []Status {
	out := make([]Status, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, Status{Symbol: w.Symbol(), Broker: w.BrokerName(), Phase: w.Phase()})
	}
	return out
}

// Process runs one tick. Worker errors are logged; the next tick retries.
func (r *Runner) Process(ctx context.Context, tick Tick) {
	if tick.Symbol != "" {
		w, ok := r.bySymbol[tick.Symbol]
		if !ok {
			return
		}
		r.process(ctx, w, tick.At)
		return
	}
	var wg sync.WaitGroup
	for _, w := range r.workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			r.process(ctx, w, tick.At)
		}(w)
	}
	wg.Wait()
}

func (r *Runner) process(ctx context.Context, w *Worker, at time.Time) {
	if err := w.Process(ctx, at); err != nil {
		r.logger.Warn("tick failed", "symbol", w.Symbol(), "at", at, "error", err)
	}
}

// Run feeds ticks to per-symbol loops until ctx ends or ticks closes.
func (r *Runner) Run(ctx context.Context, ticks <-chan Tick) error {
	queues := make(map[string]chan time.Time, len(r.workers))
	var wg sync.WaitGroup
	for _, w := range r.workers {
		q := make(chan time.Time, 1)
		queues[w.Symbol()] = q
		wg.Add(1)
		go func(w *Worker, q <-chan time.Time) {
			defer wg.Done()
			for at := range q {
				r.process(ctx, w, at)
			}
		}(w, q)
	}
	defer func() {
		for _, q := range queues {
			close(q)
		}
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tick, ok := <-ticks:
			if !ok {
				return nil
			}
			for symbol, q := range queues {
				if tick.Symbol != "" && tick.Symbol != symbol {
					continue
				}
				select {
				case q <- tick.At:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}

// TickerLoop emits a tick for every worker at each bar boundary. It is the
// fallback clock when no bar stream is available.
func TickerLoop(ctx context.Context, interval time.Duration) <-chan Tick {
	out := make(chan Tick)
	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				select {
				case out <- Tick{At: now.UTC().Truncate(interval)}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
