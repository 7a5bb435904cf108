package engine

import (
	"context"
	"testing"

	"cyclebot/internal/broker"
	"cyclebot/internal/state"
	"cyclebot/internal/telemetry"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestStopLossWaitsForTakeProfitCancel(t *testing.T) {
	ctx := context.Background()
	// both bars close under the stop
	bars := follow(signalBars(), 96, 93.5, 94)
	bars = follow(bars, 95, 93, 94)
	h := newHarness(bars)
	require.NoError(t, h.store.WriteRule(ctx, openRule()))
	h.track(ctx, state.PhaseTakeProfit, "tp-1")

	tp := order("tp-1", broker.Sell, broker.StatusOpen, "2", "", at(199))
	m := newMockBroker()
	m.On("GetOrder", "tp-1").Return(tp, nil).Once()
	m.On("GetOrder", "tp-1").Return(order("tp-1", broker.Sell, broker.StatusCancelled, "2", "", at(199)), nil)
	m.On("CancelOrder", "tp-1").Return(awaitingCancel(tp), nil).Once()
	m.On("Position", "AAPL").Return(dec("5"), nil)
	m.On("SellMarket", "AAPL", decEq("5")).
		Return(order("sl-1", broker.Sell, broker.StatusOpen, "5", "", at(201)), nil).Once()
	m.On("GetOrder", "sl-1").Return(order("sl-1", broker.Sell, broker.StatusOpen, "5", "", at(201)), nil)

	w, err := NewWorker(ctx, "AAPL", h.deps(m), testSettings())
	require.NoError(t, err)

	require.NoError(t, w.Process(ctx, at(200)))
	assert.Equal(t, state.PhaseTakeProfit, w.Phase())
	m.AssertNotCalled(t, "SellMarket", mock.Anything, mock.Anything)
	st, err := h.store.State(ctx, "AAPL", "mock")
	require.NoError(t, err)
	assert.Equal(t, "tp-1", st.OrderID)

	require.NoError(t, w.Process(ctx, at(201)))
	assert.Equal(t, state.PhaseStopLoss, w.Phase())
	st, err = h.store.State(ctx, "AAPL", "mock")
	require.NoError(t, err)
	assert.Equal(t, "sl-1", st.OrderID)
	m.AssertNumberOfCalls(t, "CancelOrder", 1)
	assert.Zero(t, h.criticals())
	m.AssertExpectations(t)
}

func TestEntryTimeoutWaitsForCancelAndKeepsLateFill(t *testing.T) {
	ctx := context.Background()
	bars := follow(signalBars(), 101, 99, 100)
	bars = follow(bars, 101, 99, 100)
	bars = follow(bars, 101, 99, 100)
	h := newHarness(bars)
	h.track(ctx, state.PhaseEntering, "buy-1")

	buy := order("buy-1", broker.Buy, broker.StatusOpen, "5", "", at(199))
	m := newMockBroker()
	m.On("GetOrder", "buy-1").Return(buy, nil).Once()
	m.On("GetOrder", "buy-1").Return(order("buy-1", broker.Buy, broker.StatusFilled, "5", "100", at(199)), nil)
	m.On("CancelOrder", "buy-1").Return(awaitingCancel(buy), nil).Once()
	m.On("Position", "AAPL").Return(dec("5"), nil)
	m.On("SellLimit", "AAPL", decEq("2"), decEq("107.5")).
		Return(order("tp-1", broker.Sell, broker.StatusOpen, "2", "", at(202)), nil).Once()
	m.On("GetOrder", "tp-1").Return(order("tp-1", broker.Sell, broker.StatusOpen, "2", "", at(202)), nil)

	w, err := NewWorker(ctx, "AAPL", h.deps(m), testSettings())
	require.NoError(t, err)

	require.NoError(t, w.Process(ctx, at(201)))
	assert.Equal(t, state.PhaseEntering, w.Phase())
	st, err := h.store.State(ctx, "AAPL", "mock")
	require.NoError(t, err)
	assert.Equal(t, "buy-1", st.OrderID)

	require.NoError(t, w.Process(ctx, at(202)))
	assert.Equal(t, state.PhaseTakeProfit, w.Phase())
	rule, err := h.store.Rule(ctx, "AAPL")
	require.NoError(t, err)
	assert.True(t, dec("5").Equal(rule.UnitsHeld))
	assert.True(t, dec("95").Equal(rule.StopLoss))
	m.AssertNumberOfCalls(t, "CancelOrder", 1)
	m.AssertExpectations(t)
}

func TestEntryCancelledByBroker(t *testing.T) {
	ctx := context.Background()
	h := newHarness(follow(signalBars(), 101, 99, 100))
	h.track(ctx, state.PhaseEntering, "buy-1")

	m := newMockBroker()
	m.On("GetOrder", "buy-1").Return(order("buy-1", broker.Buy, broker.StatusCancelled, "5", "", at(199)), nil)

	w, err := NewWorker(ctx, "AAPL", h.deps(m), testSettings())
	require.NoError(t, err)
	require.NoError(t, w.Process(ctx, at(200)))

	assert.Equal(t, state.PhaseNoPosition, w.Phase())
	assert.Equal(t, []string{"entry_cancelled"}, h.path())
	_, err = h.store.State(ctx, "AAPL", "mock")
	assert.ErrorIs(t, err, state.ErrNotFound)
	assert.Equal(t, 0, h.ruleCount())

	orders := h.mem.Filter(telemetry.KindOrder)
	require.Len(t, orders, 1)
	assert.Equal(t, telemetry.ReasonCancelled, orders[0].Reason)
}

func TestTakeProfitReplacedAfterExternalCancel(t *testing.T) {
	ctx := context.Background()
	h := newHarness(follow(signalBars(), 101, 99, 100))
	require.NoError(t, h.store.WriteRule(ctx, openRule()))
	h.track(ctx, state.PhaseTakeProfit, "tp-1")

	m := newMockBroker()
	m.On("GetOrder", "tp-1").Return(order("tp-1", broker.Sell, broker.StatusCancelled, "2", "", at(199)), nil)
	m.On("Position", "AAPL").Return(dec("5"), nil)
	m.On("SellLimit", "AAPL", decEq("2"), decEq("107.5")).
		Return(order("tp-2", broker.Sell, broker.StatusOpen, "2", "", at(200)), nil).Once()
	m.On("GetOrder", "tp-2").Return(order("tp-2", broker.Sell, broker.StatusOpen, "2", "", at(200)), nil)

	w, err := NewWorker(ctx, "AAPL", h.deps(m), testSettings())
	require.NoError(t, err)
	require.NoError(t, w.Process(ctx, at(200)))

	assert.Equal(t, state.PhaseTakeProfit, w.Phase())
	assert.Equal(t, []string{"replace_take_profit"}, h.path())
	st, err := h.store.State(ctx, "AAPL", "mock")
	require.NoError(t, err)
	assert.Equal(t, "tp-2", st.OrderID)
	assert.Equal(t, 1, h.ruleCount())
	m.AssertExpectations(t)
}

func TestStopLossReplacedAfterCancel(t *testing.T) {
	ctx := context.Background()
	h := newHarness(follow(signalBars(), 96, 93, 94))
	require.NoError(t, h.store.WriteRule(ctx, openRule()))
	h.track(ctx, state.PhaseStopLoss, "sl-1")

	m := newMockBroker()
	m.On("GetOrder", "sl-1").Return(order("sl-1", broker.Sell, broker.StatusCancelled, "5", "", at(199)), nil)
	m.On("Position", "AAPL").Return(dec("5"), nil)
	m.On("SellMarket", "AAPL", decEq("5")).
		Return(order("sl-2", broker.Sell, broker.StatusOpen, "5", "", at(200)), nil).Once()
	m.On("GetOrder", "sl-2").Return(order("sl-2", broker.Sell, broker.StatusOpen, "5", "", at(200)), nil)

	w, err := NewWorker(ctx, "AAPL", h.deps(m), testSettings())
	require.NoError(t, err)
	require.NoError(t, w.Process(ctx, at(200)))

	assert.Equal(t, state.PhaseStopLoss, w.Phase())
	assert.Equal(t, []string{"replace_stop_loss"}, h.path())
	st, err := h.store.State(ctx, "AAPL", "mock")
	require.NoError(t, err)
	assert.Equal(t, "sl-2", st.OrderID)
	m.AssertExpectations(t)
}

func TestTakeProfitCompleteClosesPlay(t *testing.T) {
	ctx := context.Background()
	h := newHarness(follow(signalBars(), 108, 100, 107))
	require.NoError(t, h.store.WriteRule(ctx, openRule()))
	h.track(ctx, state.PhaseTakeProfit, "tp-1")

	m := newMockBroker()
	m.On("GetOrder", "tp-1").Return(order("tp-1", broker.Sell, broker.StatusFilled, "5", "107.5", at(199)), nil)
	m.On("Position", "AAPL").Return(decimal.Zero, nil)

	w, err := NewWorker(ctx, "AAPL", h.deps(m), testSettings())
	require.NoError(t, err)
	require.NoError(t, w.Process(ctx, at(200)))

	assert.Equal(t, state.PhaseNoPosition, w.Phase())
	assert.Equal(t, []string{"take_profit_complete"}, h.path())
	assert.Equal(t, 0, h.ruleCount())
	_, err = h.store.State(ctx, "AAPL", "mock")
	assert.ErrorIs(t, err, state.ErrNotFound)
	require.NotEmpty(t, h.notifier.Messages())
	assert.Equal(t, "Take profit complete AAPL", h.notifier.Messages()[0].Subject)
}

func TestTakingProfitExternalLiquidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(follow(signalBars(), 101, 99, 100))
	require.NoError(t, h.store.WriteRule(ctx, openRule()))
	h.track(ctx, state.PhaseTakeProfit, "tp-1")

	m := newMockBroker()
	m.On("GetOrder", "tp-1").Return(order("tp-1", broker.Sell, broker.StatusOpen, "2", "", at(199)), nil)
	m.On("Position", "AAPL").Return(decimal.Zero, nil)
	m.On("CancelOrder", "tp-1").Return(order("tp-1", broker.Sell, broker.StatusCancelled, "2", "", at(199)), nil).Once()

	w, err := NewWorker(ctx, "AAPL", h.deps(m), testSettings())
	require.NoError(t, err)
	require.NoError(t, w.Process(ctx, at(200)))

	assert.Equal(t, state.PhaseNoPosition, w.Phase())
	assert.Equal(t, []string{"external_liquidation"}, h.path())
	assert.Equal(t, 0, h.ruleCount())
	assert.Equal(t, 1, h.criticals())
	m.AssertNumberOfCalls(t, "CancelOrder", 1)
}

func TestMissingWorkerStateResyncs(t *testing.T) {
	ctx := context.Background()
	h := newHarness(follow(signalBars(), 101, 99, 100))
	h.track(ctx, state.PhaseEntering, "buy-1")

	m := newMockBroker()
	w, err := NewWorker(ctx, "AAPL", h.deps(m), testSettings())
	require.NoError(t, err)
	require.Equal(t, state.PhaseEntering, w.Phase())

	require.NoError(t, h.store.RemoveState(ctx, "AAPL", "mock"))
	require.NoError(t, w.Process(ctx, at(200)))

	assert.Equal(t, state.PhaseNoPosition, w.Phase())
	assert.Equal(t, []string{"resync"}, h.path())
	transitions := h.mem.Filter(telemetry.KindTransition)
	assert.Equal(t, string(state.PhaseEntering), transitions[0].From)
	assert.Equal(t, string(state.PhaseNoPosition), transitions[0].To)
	m.AssertNotCalled(t, "GetOrder", mock.Anything)
}
