package engine

import (
	"context"
	"errors"
	"fmt"

	"cyclebot/internal/broker"
	"cyclebot/internal/plan"
	"cyclebot/internal/state"
	"cyclebot/internal/telemetry"

	"github.com/shopspring/decimal"
)

func (w *Worker) checkNoPosition(ctx context.Context, t *tick) (*transition, error) {
	if w.halted() {
		w.logger.Debug("entries halted by kill switch")
		return nil, nil
	}
	if err := w.bars(ctx, t); err != nil {
		w.logger.Warn("bar fetch failed", "error", err)
		return nil, nil
	}
	sig := w.detector.Detect(t.window)
	if !sig.Buy {
		w.logger.Debug("no entry", "reason", sig.Reason)
		return nil, nil
	}

	account, err := w.broker.Account(ctx)
	if err != nil {
		w.logger.Warn("account query failed", "error", err)
		return nil, nil
	}
	req := plan.Request{
		Symbol:           w.symbol,
		Available:        account.Balance(w.settings.Currency),
		LastLow:          decimal.NewFromFloat(t.last.Low),
		LastHigh:         decimal.NewFromFloat(t.last.High),
		EntryPrice:       decimal.NewFromFloat(t.last.Close),
		StopLoss:         decimal.NewFromFloat(sig.StopLoss),
		Policy:           w.asset.Policy,
		MaxOrderValue:    w.settings.MaxOrderValue,
		ProfitMultiple:   w.settings.ProfitMultiple,
		ProfitCheckpoint: w.settings.ProfitCheckpoint,
	}
	bp, err := plan.Build(req)
	if err != nil {
		if !plan.Rejected(err) {
			return nil, err
		}
		w.logger.Warn("buy plan rejected", "error", err)
		w.record(telemetry.Record{
			Kind:     telemetry.KindPlanRejected,
			BarTime:  t.now,
			Price:    req.EntryPrice,
			StopLoss: req.StopLoss,
			Reason:   err.Error(),
		})
		return nil, nil
	}

	return &transition{
		name: "enter_position",
		apply: func(ctx context.Context, t *tick) (state.Phase, error) {
			order, err := w.placeBuy(ctx, t, bp)
			if err != nil {
				return state.PhaseNoPosition, err
			}
			st := state.WorkerState{
				Symbol:      w.symbol,
				Broker:      w.broker.Name(),
				Phase:       state.PhaseEntering,
				OrderID:     order.ID,
				PlayID:      bp.PlayID,
				UpdatedAt:   t.now,
				StopLoss:    bp.StopLoss,
				TargetPrice: bp.TargetPrice,
				RiskUnit:    bp.RiskUnit,
			}
			if err := w.store.WriteState(ctx, st, w.broker); err != nil {
				w.critical(ctx, "buy order placed but not tracked", "order_id", order.ID, "error", err)
				if _, cancelErr := w.broker.CancelOrder(ctx, order.ID); cancelErr != nil {
					w.logger.Error("cancel of untracked buy failed", "order_id", order.ID, "error", cancelErr)
				}
				return state.PhaseNoPosition, err
			}
			w.logger.Info("buy order placed",
				"order_id", order.ID, "play_id", bp.PlayID, "qty", bp.Quantity,
				"entry", bp.EntryPrice, "stop", bp.StopLoss, "target", bp.TargetPrice)
			return state.PhaseEntering, nil
		},
	}, nil
}

func (w *Worker) checkEntering(ctx context.Context, t *tick) (*transition, error) {
	st, resync, err := w.currentState(ctx)
	if err != nil || resync != nil {
		return resync, err
	}
	order, ok := w.order(ctx, st.OrderID)
	if !ok {
		return nil, nil
	}

	switch {
	case order.Status == broker.StatusFilled,
		order.Status == broker.StatusCancelled && order.FilledQty.IsPositive():
		return &transition{
			name: "position_filled",
			apply: func(ctx context.Context, t *tick) (state.Phase, error) {
				return w.openPlay(ctx, t, st, order)
			},
		}, nil

	case order.Status == broker.StatusCancelled:
		return &transition{
			name: "entry_cancelled",
			apply: func(ctx context.Context, t *tick) (state.Phase, error) {
				w.recordOrder(t, st.PlayID, telemetry.ReasonCancelled, order)
				if err := w.store.RemoveState(ctx, w.symbol, w.broker.Name()); err != nil {
					return state.PhaseEntering, err
				}
				return state.PhaseNoPosition, nil
			},
		}, nil

	case order.Working():
		age := t.now.Sub(order.CreatedAt.UTC())
		if age <= w.settings.Interval {
			w.logger.Debug("buy order working", "order_id", order.ID, "age", age)
			return nil, nil
		}
		return &transition{
			name: "entry_timeout",
			apply: func(ctx context.Context, t *tick) (state.Phase, error) {
				cancelled, err := w.cancel(ctx, t, st.PlayID, order)
				if err != nil {
					return state.PhaseEntering, err
				}
				if cancelled.Working() {
					w.logger.Info("buy cancel awaiting confirmation", "order_id", order.ID, "status", cancelled.Status)
					t.waiting = true
					return state.PhaseEntering, nil
				}
				if cancelled.FilledQty.IsPositive() {
					// the fill is picked up by the next check
					return state.PhaseEntering, nil
				}
				if err := w.store.RemoveState(ctx, w.symbol, w.broker.Name()); err != nil {
					return state.PhaseEntering, err
				}
				return state.PhaseNoPosition, nil
			},
		}, nil
	}
	return nil, nil
}

// openPlay turns a filled entry into a rule. A rule already present for the
// same order is a replayed tick; any other is an invariant violation and the
// existing rule is kept.
func (w *Worker) openPlay(ctx context.Context, t *tick, st state.WorkerState, order broker.OrderResult) (state.Phase, error) {
	price := order.FilledPrice
	if price.IsZero() {
		price = order.OrderedPrice
	}
	rule := state.Rule{
		Symbol:        w.symbol,
		Broker:        w.broker.Name(),
		PlayID:        st.PlayID,
		OrderID:       order.ID,
		StopLoss:      st.StopLoss,
		TargetPrice:   st.TargetPrice,
		RiskUnit:      st.RiskUnit,
		PurchasePrice: price,
		UnitsBought:   order.FilledQty,
		UnitsHeld:     order.FilledQty,
		UnitsSold:     decimal.Zero,
		SellFraction:  w.settings.SellFraction,
		StopAdvance:   w.settings.StopAdvance,
		CreatedAt:     t.now,
		UpdatedAt:     t.now,
	}
	if err := w.store.WriteRule(ctx, rule); err != nil {
		var dup *state.DuplicateRuleError
		if !errors.As(err, &dup) {
			return state.PhaseEntering, err
		}
		if dup.Existing.OrderID != order.ID {
			w.critical(ctx, "rule already exists for new fill",
				"existing_play", dup.Existing.PlayID, "order_id", order.ID)
		}
	}
	if err := w.store.RemoveState(ctx, w.symbol, w.broker.Name()); err != nil {
		return state.PhaseEntering, err
	}
	w.recordOrder(t, st.PlayID, telemetry.ReasonFill, order)
	w.notify(ctx, "Bought "+w.symbol, fmt.Sprintf("%s units at %s, stop %s, target %s",
		order.FilledQty, price, rule.StopLoss, rule.TargetPrice))
	return state.PhasePosition, nil
}

func (w *Worker) checkPosition(ctx context.Context, t *tick) (*transition, error) {
	held, ok := w.position(ctx)
	if !ok {
		return nil, nil
	}
	if !held.IsPositive() {
		return &transition{
			name: "externally_liquidated",
			apply: func(ctx context.Context, t *tick) (state.Phase, error) {
				w.logger.Warn("position gone before profit taking, clearing rule")
				w.notify(ctx, "Position closed externally "+w.symbol, "no units held, rule cleared")
				if err := w.clear(ctx); err != nil {
					return state.PhasePosition, err
				}
				return state.PhaseNoPosition, nil
			},
		}, nil
	}

	rule, err := w.store.Rule(ctx, w.symbol)
	if errors.Is(err, state.ErrNotFound) {
		return w.liquidate("defensive_liquidation", "", held, "position held without a rule"), nil
	}
	if err != nil {
		return nil, err
	}

	last, ok := w.lastClose(ctx, t)
	if !ok {
		return nil, nil
	}
	if last.LessThan(rule.StopLoss) {
		return w.liquidate("stop_loss", rule.PlayID, held, ""), nil
	}

	qty := w.asset.Quantity(held.Mul(w.sellFraction(rule)))
	if !w.asset.Tradable(qty) {
		qty = held
	}
	return &transition{
		name: "take_profit",
		apply: func(ctx context.Context, t *tick) (state.Phase, error) {
			order, err := w.sellLimit(ctx, t, rule.PlayID, qty, rule.TargetPrice)
			if err != nil {
				return state.PhasePosition, err
			}
			if err := w.writeState(ctx, state.PhaseTakeProfit, order, rule.PlayID, t); err != nil {
				return state.PhasePosition, err
			}
			return state.PhaseTakeProfit, nil
		},
	}, nil
}

func (w *Worker) checkTakingProfit(ctx context.Context, t *tick) (*transition, error) {
	st, resync, err := w.currentState(ctx)
	if err != nil || resync != nil {
		return resync, err
	}
	order, ok := w.order(ctx, st.OrderID)
	if !ok {
		return nil, nil
	}
	held, ok := w.position(ctx)
	if !ok {
		return nil, nil
	}
	rule, err := w.store.Rule(ctx, w.symbol)
	if err != nil && !errors.Is(err, state.ErrNotFound) {
		return nil, err
	}
	hasRule := err == nil
	filled := order.Status == broker.StatusFilled

	switch {
	case filled && !held.IsPositive():
		return w.closePlay("take_profit_complete", st.PlayID, order, "Take profit complete "+w.symbol), nil
	case filled && hasRule:
		return w.rearm(rule, order, held), nil
	case !held.IsPositive():
		return w.externallyLiquidated(st.PlayID, order), nil
	case !hasRule:
		return w.exit("defensive_liquidation", st.PlayID, order, "position held without a rule"), nil
	}

	last, ok := w.lastClose(ctx, t)
	if ok && last.LessThan(rule.StopLoss) {
		return w.exit("stop_loss", rule.PlayID, order, ""), nil
	}

	if order.Status == broker.StatusCancelled {
		return &transition{
			name: "replace_take_profit",
			apply: func(ctx context.Context, t *tick) (state.Phase, error) {
				if order.FilledQty.IsPositive() {
					w.recordOrder(t, rule.PlayID, telemetry.ReasonFill, order)
				}
				qty := order.Remaining()
				if !qty.IsPositive() || qty.GreaterThan(held) {
					qty = held
				}
				price := order.OrderedPrice
				if !price.IsPositive() {
					price = rule.TargetPrice
				}
				replacement, err := w.sellLimit(ctx, t, rule.PlayID, qty, price)
				if err != nil {
					return state.PhaseTakeProfit, err
				}
				if err := w.writeState(ctx, state.PhaseTakeProfit, replacement, rule.PlayID, t); err != nil {
					return state.PhaseTakeProfit, err
				}
				return state.PhaseTakeProfit, nil
			},
		}, nil
	}
	return nil, nil
}

// rearm books a filled tranche and rests the next one. It ends the tick so
// the raised stop is only tested against the next bar.
func (w *Worker) rearm(rule state.Rule, order broker.OrderResult, held decimal.Decimal) *transition {
	return &transition{
		name:     "rearm_take_profit",
		endsTick: true,
		apply: func(ctx context.Context, t *tick) (state.Phase, error) {
			filledPrice := order.FilledPrice
			if filledPrice.IsZero() {
				filledPrice = order.OrderedPrice
			}
			next, err := plan.TakeProfit(plan.TakeProfitRequest{
				FilledPrice:    filledPrice,
				Held:           held,
				StopLoss:       rule.StopLoss,
				TargetPrice:    rule.TargetPrice,
				RiskUnit:       rule.RiskUnit,
				SellFraction:   w.sellFraction(rule),
				StopAdvance:    w.stopAdvance(rule),
				ProfitMultiple: w.settings.ProfitMultiple,
				Policy:         w.asset.Policy,
			})
			if err != nil {
				return state.PhaseTakeProfit, err
			}
			sell, err := w.sellLimit(ctx, t, rule.PlayID, next.Quantity, next.TargetPrice)
			if err != nil {
				return state.PhaseTakeProfit, err
			}
			w.recordOrder(t, rule.PlayID, telemetry.ReasonFill, order)
			if err := w.writeState(ctx, state.PhaseTakeProfit, sell, rule.PlayID, t); err != nil {
				return state.PhaseTakeProfit, err
			}
			updated := rule.AfterTakeProfit(order.FilledQty, held, next.StopLoss, next.TargetPrice, t.now)
			if err := w.store.ReplaceRule(ctx, w.symbol, updated); err != nil {
				return state.PhaseTakeProfit, err
			}
			w.notify(ctx, "Took profit "+w.symbol, fmt.Sprintf("sold %s at %s, step %d, stop now %s, next target %s",
				order.FilledQty, filledPrice, updated.Step, updated.StopLoss, updated.TargetPrice))
			return state.PhaseTakeProfit, nil
		},
	}
}

func (w *Worker) checkStopLoss(ctx context.Context, t *tick) (*transition, error) {
	st, resync, err := w.currentState(ctx)
	if err != nil || resync != nil {
		return resync, err
	}
	order, ok := w.order(ctx, st.OrderID)
	if !ok {
		return nil, nil
	}
	held, ok := w.position(ctx)
	if !ok {
		return nil, nil
	}

	switch {
	case order.Status == broker.StatusFilled:
		if held.IsPositive() {
			w.logger.Warn("units remain after stop loss fill", "held", held, "order_id", order.ID)
		}
		return w.closePlay("stop_loss_filled", st.PlayID, order, "Stop loss filled "+w.symbol), nil
	case !held.IsPositive():
		return w.externallyLiquidated(st.PlayID, order), nil
	case order.Status == broker.StatusCancelled:
		return &transition{
			name: "replace_stop_loss",
			apply: func(ctx context.Context, t *tick) (state.Phase, error) {
				if order.FilledQty.IsPositive() {
					w.recordOrder(t, st.PlayID, telemetry.ReasonFill, order)
				}
				return w.sellAtMarket(ctx, t, st.PlayID, held, state.PhaseStopLoss)
			},
		}, nil
	}
	return nil, nil
}

// closePlay books the final fill and forgets the play. It ends the tick.
func (w *Worker) closePlay(name, playID string, order broker.OrderResult, subject string) *transition {
	return &transition{
		name:     name,
		endsTick: true,
		apply: func(ctx context.Context, t *tick) (state.Phase, error) {
			if err := w.clear(ctx); err != nil {
				return w.phase, err
			}
			w.recordOrder(t, playID, telemetry.ReasonFill, order)
			w.notify(ctx, subject, fmt.Sprintf("sold %s at %s", order.FilledQty, order.FilledPrice))
			return state.PhaseNoPosition, nil
		},
	}
}

// externallyLiquidated handles a position that disappeared while one of our
// sells was outstanding.
func (w *Worker) externallyLiquidated(playID string, order broker.OrderResult) *transition {
	return &transition{
		name: "external_liquidation",
		apply: func(ctx context.Context, t *tick) (state.Phase, error) {
			w.critical(ctx, "position liquidated outside the bot", "order_id", order.ID, "order_status", order.Status)
			if _, err := w.cancel(ctx, t, playID, order); err != nil {
				w.logger.Warn("cancel of orphaned sell failed", "order_id", order.ID, "error", err)
			}
			if err := w.clear(ctx); err != nil {
				return w.phase, err
			}
			return state.PhaseNoPosition, nil
		},
	}
}

// liquidate sells the whole holding at market from POSITION_TAKEN.
func (w *Worker) liquidate(name, playID string, held decimal.Decimal, violation string) *transition {
	return &transition{
		name: name,
		apply: func(ctx context.Context, t *tick) (state.Phase, error) {
			if violation != "" {
				w.critical(ctx, violation, "held", held)
			}
			return w.sellAtMarket(ctx, t, playID, held, state.PhasePosition)
		},
	}
}

// exit pulls a resting take-profit sell and liquidates what is left.
func (w *Worker) exit(name, playID string, order broker.OrderResult, violation string) *transition {
	return &transition{
		name: name,
		apply: func(ctx context.Context, t *tick) (state.Phase, error) {
			if violation != "" {
				w.critical(ctx, violation, "order_id", order.ID)
			}
			cancelled, err := w.cancel(ctx, t, playID, order)
			if err != nil {
				return state.PhaseTakeProfit, err
			}
			if cancelled.Working() {
				// selling now could oversell if the resting order still fills
				w.logger.Info("take profit cancel awaiting confirmation", "order_id", order.ID, "status", cancelled.Status)
				t.waiting = true
				return state.PhaseTakeProfit, nil
			}
			if cancelled.FilledQty.IsPositive() {
				w.recordOrder(t, playID, telemetry.ReasonFill, cancelled)
			}
			held, err := w.broker.Position(ctx, w.symbol)
			if err != nil {
				return state.PhaseTakeProfit, fmt.Errorf("position after cancel: %w", err)
			}
			if !held.IsPositive() {
				if err := w.clear(ctx); err != nil {
					return state.PhaseTakeProfit, err
				}
				return state.PhaseNoPosition, nil
			}
			return w.sellAtMarket(ctx, t, playID, held, state.PhaseTakeProfit)
		},
	}
}

// sellAtMarket places the liquidation order and tracks it. On failure the
// phase stays at stay and the operator is told.
func (w *Worker) sellAtMarket(ctx context.Context, t *tick, playID string, held decimal.Decimal, stay state.Phase) (state.Phase, error) {
	order, err := w.sellMarket(ctx, t, playID, held)
	if err != nil {
		w.notify(ctx, "Stop loss sell failed "+w.symbol,
			"stop loss triggered but the sell order failed, do not ignore: "+err.Error())
		return stay, err
	}
	if err := w.writeState(ctx, state.PhaseStopLoss, order, playID, t); err != nil {
		return stay, err
	}
	return state.PhaseStopLoss, nil
}

func (w *Worker) sellFraction(rule state.Rule) decimal.Decimal {
	if rule.SellFraction.IsPositive() {
		return rule.SellFraction
	}
	return w.settings.SellFraction
}

func (w *Worker) stopAdvance(rule state.Rule) decimal.Decimal {
	if rule.StopAdvance.IsPositive() {
		return rule.StopAdvance
	}
	return w.settings.StopAdvance
}

func (w *Worker) placeBuy(ctx context.Context, t *tick, bp plan.BuyPlan) (broker.OrderResult, error) {
	var order broker.OrderResult
	var err error
	if w.settings.OrderType == broker.Limit {
		order, err = w.broker.BuyLimit(ctx, w.symbol, bp.Quantity, bp.EntryPrice)
	} else {
		order, err = w.broker.BuyMarket(ctx, w.symbol, bp.Quantity)
	}
	if err != nil {
		w.recordOrderFailure(t, bp.PlayID, broker.Buy, bp.Quantity, bp.EntryPrice, err)
		return order, fmt.Errorf("buy %s: %w", bp.Quantity, err)
	}
	w.recordOrder(t, bp.PlayID, telemetry.ReasonSubmitted, order)
	return order, nil
}

func (w *Worker) sellLimit(ctx context.Context, t *tick, playID string, qty, price decimal.Decimal) (broker.OrderResult, error) {
	order, err := w.broker.SellLimit(ctx, w.symbol, qty, price)
	if err != nil {
		w.recordOrderFailure(t, playID, broker.Sell, qty, price, err)
		return order, fmt.Errorf("sell limit %s @ %s: %w", qty, price, err)
	}
	w.recordOrder(t, playID, telemetry.ReasonSubmitted, order)
	w.logger.Info("take profit order placed", "order_id", order.ID, "qty", qty, "price", price)
	return order, nil
}

func (w *Worker) sellMarket(ctx context.Context, t *tick, playID string, qty decimal.Decimal) (broker.OrderResult, error) {
	order, err := w.broker.SellMarket(ctx, w.symbol, qty)
	if err != nil {
		w.recordOrderFailure(t, playID, broker.Sell, qty, decimal.Zero, err)
		return order, fmt.Errorf("sell market %s: %w", qty, err)
	}
	w.recordOrder(t, playID, telemetry.ReasonSubmitted, order)
	w.logger.Info("liquidation order placed", "order_id", order.ID, "qty", qty)
	return order, nil
}

// cancel cancels order if it can still fill and returns the broker's view
// afterwards, which may still be working until the cancel is confirmed.
func (w *Worker) cancel(ctx context.Context, t *tick, playID string, order broker.OrderResult) (broker.OrderResult, error) {
	if !order.Working() || order.CancelRequested {
		return order, nil
	}
	cancelled, err := w.broker.CancelOrder(ctx, order.ID)
	if err != nil {
		return order, fmt.Errorf("cancel %s: %w", order.ID, err)
	}
	w.recordOrder(t, playID, telemetry.ReasonCancelled, cancelled)
	return cancelled, nil
}
