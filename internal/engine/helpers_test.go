package engine

import (
	"context"
	"io"
	"log/slog"
	"time"

	"cyclebot/internal/broker"
	"cyclebot/internal/md"
	"cyclebot/internal/notify"
	"cyclebot/internal/quantize"
	"cyclebot/internal/state"
	"cyclebot/internal/strategy"
	"cyclebot/internal/telemetry"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
)

var t0 = time.Date(2024, 3, 4, 14, 30, 0, 0, time.UTC)

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func decEq(v string) any {
	want := dec(v)
	return mock.MatchedBy(func(d decimal.Decimal) bool { return d.Equal(want) })
}

func at(i int) time.Time {
	return t0.Add(time.Duration(i) * time.Minute)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var wholeShares = quantize.Policy{MinQty: dec("1"), QtyIncrement: dec("1"), PriceIncrement: dec("0.01")}

// signalBars returns 200 annotated bars for AAPL with a rising trend, a
// falling cycle from bar 190, a low close of 95 at bar 194, and an upward
// crossover below zero on bar 199 closing at 100.
func signalBars() []md.Bar {
	bars := make([]md.Bar, 200)
	for i := range bars {
		bars[i] = md.Bar{
			Symbol:    "AAPL",
			Timestamp: at(i),
			Open:      100, High: 101, Low: 99, Close: 100,
			MACD:      -0.5,
			TrendMA:   100,
			TrendMean: 99,
			Cycle:     md.CycleFalling,
		}
	}
	bars[190].CrossedDown = true
	bars[192].Close = 97
	bars[194].Close = 95
	bars[196].Close = 96
	bars[199].CrossedUp = true
	bars[199].MACD = -0.2
	bars[199].Cycle = md.CycleRising
	return bars
}

// follow appends a bar after the series with the given prices.
func follow(bars []md.Bar, high, low, close float64) []md.Bar {
	i := len(bars)
	return append(bars, md.Bar{
		Symbol:    "AAPL",
		Timestamp: at(i),
		Open:      bars[i-1].Close, High: high, Low: low, Close: close,
		MACD:      -0.1,
		TrendMA:   100,
		TrendMean: 99,
		Cycle:     md.CycleRising,
	})
}

func testSettings() Settings {
	return Settings{
		Interval:      time.Minute,
		Lookback:      200,
		OrderType:     broker.Market,
		Currency:      "USD",
		MaxOrderValue: dec("500"),
		SellFraction:  dec("0.5"),
		StopAdvance:   dec("0.99"),
	}
}

type harness struct {
	store    *state.Store
	source   *md.MemorySource
	mem      *telemetry.Memory
	notifier *notify.Memory
}

func newHarness(bars []md.Bar) *harness {
	source := md.NewMemorySource()
	source.Load("AAPL", bars)
	return &harness{
		store:    state.NewStore(state.NewMemoryBackend()),
		source:   source,
		mem:      telemetry.NewMemory(),
		notifier: &notify.Memory{},
	}
}

func (h *harness) deps(b broker.Broker) Deps {
	return Deps{
		Broker:   b,
		Source:   h.source,
		Store:    h.store,
		Detector: strategy.NewDetector(strategy.Config{}, h.mem),
		Notifier: h.notifier,
		Recorder: h.mem,
		Logger:   discardLogger(),
	}
}

func (h *harness) ruleCount() int {
	rules, err := h.store.Rules(context.Background())
	if err != nil {
		panic(err)
	}
	return len(rules)
}

// mockBroker is a scripted broker for transition tests.
type mockBroker struct {
	mock.Mock
}

func (m *mockBroker) Name() string { return "mock" }

func (m *mockBroker) Account(ctx context.Context) (broker.Account, error) {
	args := m.Called()
	return args.Get(0).(broker.Account), args.Error(1)
}

func (m *mockBroker) Position(ctx context.Context, symbol string) (decimal.Decimal, error) {
	args := m.Called(symbol)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func (m *mockBroker) BuyMarket(ctx context.Context, symbol string, qty decimal.Decimal) (broker.OrderResult, error) {
	args := m.Called(symbol, qty)
	return args.Get(0).(broker.OrderResult), args.Error(1)
}

func (m *mockBroker) BuyLimit(ctx context.Context, symbol string, qty, price decimal.Decimal) (broker.OrderResult, error) {
	args := m.Called(symbol, qty, price)
	return args.Get(0).(broker.OrderResult), args.Error(1)
}

func (m *mockBroker) SellMarket(ctx context.Context, symbol string, qty decimal.Decimal) (broker.OrderResult, error) {
	args := m.Called(symbol, qty)
	return args.Get(0).(broker.OrderResult), args.Error(1)
}

func (m *mockBroker) SellLimit(ctx context.Context, symbol string, qty, price decimal.Decimal) (broker.OrderResult, error) {
	args := m.Called(symbol, qty, price)
	return args.Get(0).(broker.OrderResult), args.Error(1)
}

func (m *mockBroker) CancelOrder(ctx context.Context, id string) (broker.OrderResult, error) {
	args := m.Called(id)
	return args.Get(0).(broker.OrderResult), args.Error(1)
}

func (m *mockBroker) GetOrder(ctx context.Context, id string) (broker.OrderResult, error) {
	args := m.Called(id)
	return args.Get(0).(broker.OrderResult), args.Error(1)
}

func (m *mockBroker) Asset(ctx context.Context, symbol string) (broker.Asset, error) {
	args := m.Called(symbol)
	return args.Get(0).(broker.Asset), args.Error(1)
}

func (m *mockBroker) ValidateSymbol(ctx context.Context, symbol string) error {
	return m.Called(symbol).Error(0)
}

func newMockBroker() *mockBroker {
	m := &mockBroker{}
	m.On("ValidateSymbol", "AAPL").Return(nil)
	m.On("Asset", "AAPL").Return(broker.Asset{Symbol: "AAPL", Policy: wholeShares}, nil)
	return m
}

func order(id string, side broker.Side, status broker.OrderStatus, qty, filledPrice string, created time.Time) broker.OrderResult {
	o := broker.OrderResult{
		ID:         id,
		Symbol:     "AAPL",
		Side:       side,
		Type:       broker.Market,
		Status:     status,
		OrderedQty: dec(qty),
		CreatedAt:  created,
	}
	if status == broker.StatusFilled {
		o.FilledQty = dec(qty)
		o.FilledPrice = dec(filledPrice)
	}
	return o
}

// awaitingCancel is an order the broker has accepted a cancel for but not yet
// confirmed.
func awaitingCancel(o broker.OrderResult) broker.OrderResult {
	o.Status = broker.StatusPending
	o.CancelRequested = true
	return o
}

func (h *harness) path() []string {
	var out []string
	for _, rec := range h.mem.Filter(telemetry.KindTransition) {
		out = append(out, rec.Reason)
	}
	return out
}

func (h *harness) criticals() int {
	var n int
	for _, msg := range h.notifier.Messages() {
		if msg.Subject == "CRITICAL AAPL" {
			n++
		}
	}
	return n
}

func openRule() state.Rule {
	return state.Rule{
		Symbol: "AAPL", Broker: "mock", PlayID: "p-1", OrderID: "buy-1",
		StopLoss: dec("95"), TargetPrice: dec("107.5"), RiskUnit: dec("5"),
		PurchasePrice: dec("100"), UnitsBought: dec("5"), UnitsHeld: dec("5"),
	}
}

func (h *harness) track(ctx context.Context, phase state.Phase, orderID string) {
	err := h.store.WriteState(ctx, state.WorkerState{
		Symbol: "AAPL", Broker: "mock", Phase: phase, OrderID: orderID, PlayID: "p-1",
		StopLoss: dec("95"), TargetPrice: dec("107.5"), RiskUnit: dec("5"),
	}, nil)
	if err != nil {
		panic(err)
	}
}
