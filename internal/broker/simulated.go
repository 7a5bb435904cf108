package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cyclebot/internal/md"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Simulated is an in-memory broker for backtests. Market orders fill at the
// close of the current bar, limit orders fill at their limit price on a later
// bar that trades through it.
type Simulated struct {
	mu        sync.Mutex
	name      string
	currency  string
	cash      decimal.Decimal
	feeRate   decimal.Decimal
	positions map[string]decimal.Decimal
	assets    map[string]Asset
	delisted  map[string]bool
	orders    map[string]*OrderResult
	sequence  []string
	bars      map[string]md.Bar
	placeErr  error
}

func NewSimulated(currency string, cash, feeRate decimal.Decimal) *Simulated {
	return &Simulated{
		name:      "simulated",
		currency:  currency,
		cash:      cash,
		feeRate:   feeRate,
		positions: map[string]decimal.Decimal{},
		assets:    map[string]Asset{},
		delisted:  map[string]bool{},
		orders:    map[string]*OrderResult{},
		bars:      map[string]md.Bar{},
	}
}

func (s *Simulated) Name() string {
	return s.name
}

func (s *Simulated) AddAsset(asset Asset) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assets[asset.Symbol] = asset
}

func (s *Simulated) Delist(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delisted[symbol] = true
}

// SetBar advances the simulated market for one symbol and fills any resting
// limit orders the bar trades through.
func (s *Simulated) SetBar(bar md.Bar) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bars[bar.Symbol] = bar

	for _, id := range s.sequence {
		o := s.orders[id]
		if o.Symbol != bar.Symbol || !o.Working() || o.Type != Limit {
			continue
		}
		switch {
		case o.Side == Buy && decimal.NewFromFloat(bar.Low).LessThanOrEqual(o.OrderedPrice):
			if o.OrderedQty.Mul(o.OrderedPrice).LessThanOrEqual(s.cash) {
				s.fill(o, o.OrderedPrice)
			}
		case o.Side == Sell && decimal.NewFromFloat(bar.High).GreaterThanOrEqual(o.OrderedPrice):
			// a resting sell never takes the position short
			if o.OrderedQty.LessThanOrEqual(s.positions[o.Symbol]) {
				s.fill(o, o.OrderedPrice)
			}
		}
	}
}

// SetPosition overrides a holding, e.g. to mimic a manual liquidation.
func (s *Simulated) SetPosition(symbol string, qty decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[symbol] = qty
}

// FailNextOrder makes the next order placement return err.
func (s *Simulated) FailNextOrder(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.placeErr = err
}

// Orders returns every order placed so far, oldest first.
func (s *Simulated) Orders() []OrderResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]OrderResult, 0, len(s.sequence))
	for _, id := range s.sequence {
		out = append(out, *s.orders[id])
	}
	return out
}

func (s *Simulated) Cash() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cash
}

func (s *Simulated) Account(ctx context.Context) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Account{Balances: map[string]decimal.Decimal{s.currency: s.cash}}, nil
}

func (s *Simulated) Position(ctx context.Context, symbol string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positions[symbol], nil
}

func (s *Simulated) BuyMarket(ctx context.Context, symbol string, qty decimal.Decimal) (OrderResult, error) {
	return s.place(symbol, Buy, Market, qty, decimal.Zero)
}

func (s *Simulated) BuyLimit(ctx context.Context, symbol string, qty, price decimal.Decimal) (OrderResult, error) {
	return s.place(symbol, Buy, Limit, qty, price)
}

func (s *Simulated) SellMarket(ctx context.Context, symbol string, qty decimal.Decimal) (OrderResult, error) {
	return s.place(symbol, Sell, Market, qty, decimal.Zero)
}

func (s *Simulated) SellLimit(ctx context.Context, symbol string, qty, price decimal.Decimal) (OrderResult, error) {
	return s.place(symbol, Sell, Limit, qty, price)
}

func (s *Simulated) place(symbol string, side Side, orderType OrderType, qty, limit decimal.Decimal) (OrderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.placeErr; err != nil {
		s.placeErr = nil
		return OrderResult{}, err
	}
	if _, ok := s.assets[symbol]; !ok {
		return OrderResult{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	bar, ok := s.bars[symbol]
	if !ok {
		return OrderResult{}, fmt.Errorf("%w: no market data for %s", ErrOrderRejected, symbol)
	}
	if !qty.IsPositive() {
		return OrderResult{}, fmt.Errorf("%w: quantity %s", ErrOrderRejected, qty)
	}

	price := limit
	if orderType == Market {
		price = decimal.NewFromFloat(bar.Close)
	}
	switch side {
	case Buy:
		cost := qty.Mul(price)
		if cost.Add(cost.Mul(s.feeRate)).GreaterThan(s.cash) {
			return OrderResult{}, fmt.Errorf("%w: cost %s cash %s", ErrInsufficientBP, cost, s.cash)
		}
	case Sell:
		if qty.GreaterThan(s.positions[symbol]) {
			return OrderResult{}, fmt.Errorf("%w: sell %s exceeds position %s", ErrOrderRejected, qty, s.positions[symbol])
		}
	}

	now := s.clock(symbol)
	order := &OrderResult{
		ID:            uuid.NewString(),
		ClientOrderID: fmt.Sprintf("%s-%d", symbol, len(s.orders)+1),
		Symbol:        symbol,
		Side:          side,
		Type:          orderType,
		Status:        StatusOpen,
		OrderedQty:    qty,
		OrderedPrice:  limit,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.orders[order.ID] = order
	s.sequence = append(s.sequence, order.ID)
	if orderType == Market {
		s.fill(order, price)
	}
	return *order, nil
}

func (s *Simulated) fill(o *OrderResult, price decimal.Decimal) {
	value := o.OrderedQty.Mul(price)
	fee := value.Mul(s.feeRate)
	switch o.Side {
	case Buy:
		s.cash = s.cash.Sub(value).Sub(fee)
		s.positions[o.Symbol] = s.positions[o.Symbol].Add(o.OrderedQty)
	case Sell:
		s.cash = s.cash.Add(value).Sub(fee)
		s.positions[o.Symbol] = s.positions[o.Symbol].Sub(o.OrderedQty)
	}
	now := s.clock(o.Symbol)
	o.Status = StatusFilled
	o.FilledQty = o.OrderedQty
	o.FilledPrice = price
	o.Fees = fee
	o.UpdatedAt = now
	o.FilledAt = now
}

func (s *Simulated) clock(symbol string) time.Time {
	if bar, ok := s.bars[symbol]; ok {
		return bar.Timestamp
	}
	return time.Now().UTC()
}

func (s *Simulated) CancelOrder(ctx context.Context, id string) (OrderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return OrderResult{}, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	if o.Working() {
		o.Status = StatusCancelled
		o.UpdatedAt = s.clock(o.Symbol)
	}
	return *o, nil
}

func (s *Simulated) GetOrder(ctx context.Context, id string) (OrderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return OrderResult{}, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	return *o, nil
}

func (s *Simulated) Asset(ctx context.Context, symbol string) (Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	asset, ok := s.assets[symbol]
	if !ok {
		return Asset{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	return asset, nil
}

func (s *Simulated) ValidateSymbol(ctx context.Context, symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.assets[symbol]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	if s.delisted[symbol] {
		return fmt.Errorf("%w: %s", ErrDelisted, symbol)
	}
	return nil
}
