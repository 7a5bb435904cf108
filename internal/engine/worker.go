package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cyclebot/internal/broker"
	"cyclebot/internal/md"
	"cyclebot/internal/notify"
	"cyclebot/internal/plan"
	"cyclebot/internal/state"
	"cyclebot/internal/strategy"
	"cyclebot/internal/telemetry"

	"github.com/shopspring/decimal"
)

// maxTransitions bounds one tick. A healthy tick fires at most four.
const maxTransitions = 10

// Settings are the per-run trading parameters shared by all workers.
type Settings struct {
	Interval time.Duration
	// Lookback is the number of bars handed to the detector and History the
	// span fetched to find them, which must cover market closures.
	Lookback         int
	History          time.Duration
	OrderType        broker.OrderType
	Currency         string
	MaxOrderValue    decimal.Decimal
	ProfitMultiple   decimal.Decimal
	ProfitCheckpoint decimal.Decimal
	SellFraction     decimal.Decimal
	StopAdvance      decimal.Decimal
}

func (s Settings) withDefaults() Settings {
	if s.Interval <= 0 {
		s.Interval = time.Minute
	}
	if s.Lookback <= 0 {
		s.Lookback = 250
	}
	if s.History <= 0 {
		s.History = defaultHistory(s.Lookback, s.Interval)
	}
	if s.OrderType == "" {
		s.OrderType = broker.Market
	}
	if s.Currency == "" {
		s.Currency = "USD"
	}
	if !s.ProfitMultiple.IsPositive() {
		s.ProfitMultiple = plan.DefaultProfitMultiple
	}
	if !s.ProfitCheckpoint.IsPositive() {
		s.ProfitCheckpoint = plan.DefaultProfitCheckpoint
	}
	if !s.SellFraction.IsPositive() {
		s.SellFraction = plan.DefaultSellFraction
	}
	if !s.StopAdvance.IsPositive() {
		s.StopAdvance = plan.DefaultStopAdvance
	}
	return s
}

// closureSpan covers a weekend plus the overnight gap, so intraday windows
// reach back into the previous session.
const closureSpan = 4 * 24 * time.Hour

func defaultHistory(lookback int, interval time.Duration) time.Duration {
	return time.Duration(lookback)*interval*3 + closureSpan
}

// Deps are the collaborators a worker drives.
type Deps struct {
	Broker   broker.Broker
	Source   md.Source
	Store    *state.Store
	Detector *strategy.Detector
	Notifier notify.Notifier
	Recorder telemetry.Sink
	Logger   *slog.Logger
	// EntriesHalted blocks new plays while open ones keep being managed.
	EntriesHalted func() bool
}

// Worker runs the trading state machine for one (symbol, broker) pair. It is
// driven one tick at a time and re-reads broker and store state on every
// tick, so replaying a tick is safe.
type Worker struct {
	symbol   string
	broker   broker.Broker
	source   md.Source
	store    *state.Store
	detector *strategy.Detector
	notifier notify.Notifier
	recorder telemetry.Sink
	logger   *slog.Logger
	halted   func() bool
	settings Settings
	asset    broker.Asset

	mu    sync.Mutex
	phase state.Phase
}

// NewWorker validates symbol with the broker and resumes from whatever the
// store holds for it.
func NewWorker(ctx context.Context, symbol string, deps Deps, settings Settings) (*Worker, error) {
	if err := deps.Broker.ValidateSymbol(ctx, symbol); err != nil {
		return nil, fmt.Errorf("validate %s: %w", symbol, err)
	}
	asset, err := deps.Broker.Asset(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("asset %s: %w", symbol, err)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = notify.NewLog(logger)
	}
	halted := deps.EntriesHalted
	if halted == nil {
		halted = func() bool { return false }
	}
	w := &Worker{
		symbol:   symbol,
		broker:   deps.Broker,
		source:   deps.Source,
		store:    deps.Store,
		detector: deps.Detector,
		notifier: notifier,
		recorder: deps.Recorder,
		logger:   logger.With("symbol", symbol, "broker", deps.Broker.Name()),
		halted:   halted,
		settings: settings.withDefaults(),
		asset:    asset,
	}
	phase, err := w.resume(ctx)
	if err != nil {
		return nil, err
	}
	w.phase = phase
	w.logger.Info("worker ready", "phase", phase)
	return w, nil
}

func (w *Worker) Symbol() string     { return w.symbol }
func (w *Worker) BrokerName() string { return w.broker.Name() }

func (w *Worker) Phase() state.Phase {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.phase
}

// resume derives the phase from durable records: an outstanding order wins,
// then an open play, else flat.
func (w *Worker) resume(ctx context.Context) (state.Phase, error) {
	st, err := w.store.State(ctx, w.symbol, w.broker.Name())
	switch {
	case err == nil && st.Phase.Valid():
		return st.Phase, nil
	case err == nil:
		w.logger.Error("stored worker state has unknown phase", "phase", st.Phase)
	case !errors.Is(err, state.ErrNotFound):
		return "", fmt.Errorf("load state %s: %w", w.symbol, err)
	}
	if _, err := w.store.Rule(ctx, w.symbol); err == nil {
		return state.PhasePosition, nil
	} else if !errors.Is(err, state.ErrNotFound) {
		return "", fmt.Errorf("load rule %s: %w", w.symbol, err)
	}
	return state.PhaseNoPosition, nil
}

// tick holds what one Process call has learned so far. Broker reads are not
// cached across checks; bars are, since they cannot change within a tick.
type tick struct {
	now    time.Time
	loaded bool
	window []md.Bar
	last   md.Bar
	hasBar bool

	// waiting is set by a transition that must hear back from the broker
	// before anything else can be decided.
	waiting bool
}

// transition is a check's verdict: a named action and whether it ends the
// tick. apply returns the phase the worker lands in.
type transition struct {
	name     string
	endsTick bool
	apply    func(ctx context.Context, t *tick) (state.Phase, error)
}

// Process runs check and transition pairs for now until a check declines or
// a tick-ending transition fires. A failed transition leaves the phase as it
// was; the next tick retries.
func (w *Worker) Process(ctx context.Context, now time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	t := &tick{now: now.UTC()}
	for i := 0; i < maxTransitions; i++ {
		tr, err := w.check(ctx, t)
		if err != nil {
			return err
		}
		if tr == nil {
			return nil
		}
		from := w.phase
		to, err := tr.apply(ctx, t)
		if err != nil {
			w.logger.Warn("transition failed", "transition", tr.name, "phase", from, "error", err)
			return fmt.Errorf("%s %s: %w", w.symbol, tr.name, err)
		}
		w.phase = to
		w.logger.Info("transition", "transition", tr.name, "from", from, "to", to)
		w.record(telemetry.Record{
			Kind:    telemetry.KindTransition,
			BarTime: t.now,
			From:    string(from),
			To:      string(to),
			Reason:  tr.name,
		})
		if tr.endsTick || t.waiting {
			return nil
		}
	}
	w.logger.Error("transition limit reached", "phase", w.phase, "limit", maxTransitions)
	return nil
}

func (w *Worker) check(ctx context.Context, t *tick) (*transition, error) {
	switch w.phase {
	case state.PhaseNoPosition:
		return w.checkNoPosition(ctx, t)
	case state.PhaseEntering:
		return w.checkEntering(ctx, t)
	case state.PhasePosition:
		return w.checkPosition(ctx, t)
	case state.PhaseTakeProfit:
		return w.checkTakingProfit(ctx, t)
	case state.PhaseStopLoss:
		return w.checkStopLoss(ctx, t)
	}
	return nil, fmt.Errorf("%s: unknown phase %q", w.symbol, w.phase)
}

// bars loads the detector window ending at the tick once per tick.
func (w *Worker) bars(ctx context.Context, t *tick) error {
	if t.loaded {
		return nil
	}
	bars, err := w.source.Bars(ctx, w.symbol, t.now.Add(-w.settings.History), t.now, w.settings.Interval)
	if err != nil {
		return fmt.Errorf("bars %s: %w", w.symbol, err)
	}
	if len(bars) > w.settings.Lookback {
		bars = bars[len(bars)-w.settings.Lookback:]
	}
	t.loaded = true
	t.window = bars
	if len(bars) > 0 {
		t.last = bars[len(bars)-1]
		t.hasBar = true
	}
	return nil
}

// lastClose returns the close of the latest bar, or false when none exists
// and price-driven guards cannot be evaluated.
func (w *Worker) lastClose(ctx context.Context, t *tick) (decimal.Decimal, bool) {
	if err := w.bars(ctx, t); err != nil {
		w.logger.Warn("bar fetch failed", "error", err)
		return decimal.Zero, false
	}
	if !t.hasBar {
		return decimal.Zero, false
	}
	return decimal.NewFromFloat(t.last.Close), true
}

// currentState loads the order-tracking record. A missing one means the
// phase is stale, so the worker re-derives it from the store.
func (w *Worker) currentState(ctx context.Context) (state.WorkerState, *transition, error) {
	st, err := w.store.State(ctx, w.symbol, w.broker.Name())
	if err == nil {
		return st, nil, nil
	}
	if !errors.Is(err, state.ErrNotFound) {
		return state.WorkerState{}, nil, err
	}
	phase, err := w.resume(ctx)
	if err != nil {
		return state.WorkerState{}, nil, err
	}
	w.logger.Error("worker state missing for outstanding order", "phase", w.phase, "resume", phase)
	return state.WorkerState{}, &transition{
		name: "resync",
		apply: func(ctx context.Context, t *tick) (state.Phase, error) {
			return phase, nil
		},
	}, nil
}

// order queries the broker for the tracked order. An order the broker no
// longer knows is treated as cancelled.
func (w *Worker) order(ctx context.Context, id string) (broker.OrderResult, bool) {
	order, err := w.broker.GetOrder(ctx, id)
	if errors.Is(err, broker.ErrOrderNotFound) {
		w.logger.Warn("tracked order unknown to broker", "order_id", id)
		return broker.OrderResult{ID: id, Status: broker.StatusCancelled}, true
	}
	if err != nil {
		w.logger.Warn("order status query failed", "order_id", id, "error", err)
		return broker.OrderResult{}, false
	}
	return order, true
}

func (w *Worker) position(ctx context.Context) (decimal.Decimal, bool) {
	held, err := w.broker.Position(ctx, w.symbol)
	if err != nil {
		w.logger.Warn("position query failed", "error", err)
		return decimal.Zero, false
	}
	return held, true
}

func (w *Worker) writeState(ctx context.Context, phase state.Phase, order broker.OrderResult, playID string, t *tick) error {
	return w.store.WriteState(ctx, state.WorkerState{
		Symbol:    w.symbol,
		Broker:    w.broker.Name(),
		Phase:     phase,
		OrderID:   order.ID,
		PlayID:    playID,
		UpdatedAt: t.now,
	}, w.broker)
}

// clear drops both durable records of a finished play.
func (w *Worker) clear(ctx context.Context) error {
	if err := w.store.RemoveState(ctx, w.symbol, w.broker.Name()); err != nil {
		return err
	}
	return w.store.RemoveRule(ctx, w.symbol)
}

func (w *Worker) notify(ctx context.Context, subject, message string) {
	if err := w.notifier.Send(ctx, subject, message); err != nil {
		w.logger.Warn("notification failed", "subject", subject, "error", err)
	}
}

// critical reports an invariant violation to the log and the operator.
func (w *Worker) critical(ctx context.Context, msg string, args ...any) {
	w.logger.Error(msg, args...)
	w.notify(ctx, "CRITICAL "+w.symbol, fmt.Sprintf("%s %v", msg, args))
}

func (w *Worker) record(rec telemetry.Record) {
	if w.recorder == nil {
		return
	}
	rec.Symbol = w.symbol
	rec.Broker = w.broker.Name()
	w.recorder.Append(rec)
}

func (w *Worker) recordOrder(t *tick, playID, reason string, order broker.OrderResult) {
	w.record(telemetry.Record{
		Kind:        telemetry.KindOrder,
		BarTime:     t.now,
		PlayID:      playID,
		OrderID:     order.ID,
		Side:        string(order.Side),
		Status:      string(order.Status),
		Qty:         order.OrderedQty,
		Price:       order.OrderedPrice,
		FilledQty:   order.FilledQty,
		FilledPrice: order.FilledPrice,
		Fees:        order.Fees,
		Reason:      reason,
	})
}

func (w *Worker) recordOrderFailure(t *tick, playID string, side broker.Side, qty, price decimal.Decimal, err error) {
	w.record(telemetry.Record{
		Kind:    telemetry.KindOrder,
		BarTime: t.now,
		PlayID:  playID,
		Side:    string(side),
		Status:  telemetry.ReasonFailed,
		Qty:     qty,
		Price:   price,
		Reason:  telemetry.ReasonFailed + ": " + err.Error(),
	})
}
