package broker

import (
	"context"
	"errors"
	"time"

	"cyclebot/internal/quantize"

	"github.com/shopspring/decimal"
)

var (
	ErrUnknownSymbol  = errors.New("unknown symbol")
	ErrDelisted       = errors.New("symbol delisted")
	ErrUntradeable    = errors.New("symbol not tradeable")
	ErrOrderNotFound  = errors.New("order not found")
	ErrOrderRejected  = errors.New("order rejected")
	ErrInsufficientBP = errors.New("insufficient buying power")
)

type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

type OrderType string

const (
	Market OrderType = "market"
	Limit  OrderType = "limit"
)

// OrderStatus is the closed set every backend maps its own states onto.
type OrderStatus string

const (
	StatusOpen      OrderStatus = "open"
	StatusPending   OrderStatus = "pending"
	StatusFilled    OrderStatus = "filled"
	StatusCancelled OrderStatus = "cancelled"
)

// OrderResult is a backend-neutral view of one order.
type OrderResult struct {
	ID            string
	ClientOrderID string
	Symbol        string
	Side          Side
	Type          OrderType
	Status        OrderStatus
	OrderedQty    decimal.Decimal
	FilledQty     decimal.Decimal
	OrderedPrice  decimal.Decimal
	FilledPrice   decimal.Decimal
	Fees          decimal.Decimal
	CreatedAt     time.Time
	UpdatedAt     time.Time
	FilledAt      time.Time

	// CancelRequested marks a working order the broker has accepted a
	// cancel for. It can still fill until the cancel is confirmed.
	CancelRequested bool
}

// Working reports whether the order can still fill.
func (o OrderResult) Working() bool {
	return o.Status == StatusOpen || o.Status == StatusPending
}

// Remaining is the unfilled part of the order.
func (o OrderResult) Remaining() decimal.Decimal {
	rem := o.OrderedQty.Sub(o.FilledQty)
	if rem.IsNegative() {
		return decimal.Zero
	}
	return rem
}

type Account struct {
	Balances map[string]decimal.Decimal
}

func (a Account) Balance(currency string) decimal.Decimal {
	return a.Balances[currency]
}

// Asset carries the trading rules of one instrument.
type Asset struct {
	Symbol string
	quantize.Policy
}

// Broker is the capability set the symbol worker needs from any backend.
type Broker interface {
	Name() string
	Account(ctx context.Context) (Account, error)
	Position(ctx context.Context, symbol string) (decimal.Decimal, error)
	BuyMarket(ctx context.Context, symbol string, qty decimal.Decimal) (OrderResult, error)
	BuyLimit(ctx context.Context, symbol string, qty, price decimal.Decimal) (OrderResult, error)
	SellMarket(ctx context.Context, symbol string, qty decimal.Decimal) (OrderResult, error)
	SellLimit(ctx context.Context, symbol string, qty, price decimal.Decimal) (OrderResult, error)
	CancelOrder(ctx context.Context, id string) (OrderResult, error)
	GetOrder(ctx context.Context, id string) (OrderResult, error)
	Asset(ctx context.Context, symbol string) (Asset, error)
	// ValidateSymbol returns nil or one of ErrUnknownSymbol, ErrDelisted,
	// ErrUntradeable.
	ValidateSymbol(ctx context.Context, symbol string) error
}
