package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"cyclebot/internal/quantize"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	LiveBaseURL  = "https://api.alpaca.markets"
	PaperBaseURL = "https://paper-api.alpaca.markets"
)

// AlpacaOptions carries the instrument defaults Alpaca does not report per
// asset.
type AlpacaOptions struct {
	PriceIncrement    decimal.Decimal
	FractionIncrement decimal.Decimal
	TimeInForce       alpaca.TimeInForce
}

// Alpaca is the live and paper broker. Both talk to the same API on
// different base URLs.
type Alpaca struct {
	name   string
	client *alpaca.Client
	opts   AlpacaOptions
	logger *slog.Logger
}

func NewLive(apiKey, apiSecret string, opts AlpacaOptions, logger *slog.Logger) *Alpaca {
	return newAlpaca("alpaca-live", apiKey, apiSecret, LiveBaseURL, opts, logger)
}

func NewPaper(apiKey, apiSecret, baseURL string, opts AlpacaOptions, logger *slog.Logger) *Alpaca {
	if baseURL == "" {
		baseURL = PaperBaseURL
	}
	return newAlpaca("alpaca-paper", apiKey, apiSecret, baseURL, opts, logger)
}

func newAlpaca(name, apiKey, apiSecret, baseURL string, opts AlpacaOptions, logger *slog.Logger) *Alpaca {
	if opts.PriceIncrement.IsZero() {
		opts.PriceIncrement = decimal.RequireFromString("0.01")
	}
	if opts.FractionIncrement.IsZero() {
		opts.FractionIncrement = decimal.RequireFromString("0.000000001")
	}
	if opts.TimeInForce == "" {
		opts.TimeInForce = alpaca.Day
	}
	return &Alpaca{
		name: name,
		client: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
			BaseURL:   baseURL,
		}),
		opts:   opts,
		logger: logger.With("broker", name),
	}
}

func (a *Alpaca) Name() string {
	return a.name
}

func (a *Alpaca) Account(ctx context.Context) (Account, error) {
	acct, err := a.client.GetAccount()
	if err != nil {
		a.logger.Error("fetch account failed", "error", err)
		return Account{}, err
	}
	currency := acct.Currency
	if currency == "" {
		currency = "USD"
	}
	a.logger.Debug("account fetched", "cash", acct.Cash, "buying_power", acct.BuyingPower)
	return Account{Balances: map[string]decimal.Decimal{currency: acct.Cash}}, nil
}

func (a *Alpaca) Position(ctx context.Context, symbol string) (decimal.Decimal, error) {
	pos, err := a.client.GetPosition(symbol)
	if err != nil {
		var apiErr *alpaca.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return decimal.Zero, nil
		}
		a.logger.Error("fetch position failed", "symbol", symbol, "error", err)
		return decimal.Zero, err
	}
	a.logger.Debug("position fetched", "symbol", symbol, "qty", pos.Qty, "avg_entry", pos.AvgEntryPrice)
	return pos.Qty, nil
}

func (a *Alpaca) BuyMarket(ctx context.Context, symbol string, qty decimal.Decimal) (OrderResult, error) {
	return a.place(symbol, alpaca.Buy, alpaca.Market, qty, nil)
}

func (a *Alpaca) BuyLimit(ctx context.Context, symbol string, qty, price decimal.Decimal) (OrderResult, error) {
	return a.place(symbol, alpaca.Buy, alpaca.Limit, qty, &price)
}

func (a *Alpaca) SellMarket(ctx context.Context, symbol string, qty decimal.Decimal) (OrderResult, error) {
	return a.place(symbol, alpaca.Sell, alpaca.Market, qty, nil)
}

func (a *Alpaca) SellLimit(ctx context.Context, symbol string, qty, price decimal.Decimal) (OrderResult, error) {
	return a.place(symbol, alpaca.Sell, alpaca.Limit, qty, &price)
}

func (a *Alpaca) place(symbol string, side alpaca.Side, orderType alpaca.OrderType, qty decimal.Decimal, limitPrice *decimal.Decimal) (OrderResult, error) {
	req := alpaca.PlaceOrderRequest{
		Symbol:        symbol,
		Qty:           &qty,
		Side:          side,
		Type:          orderType,
		TimeInForce:   a.opts.TimeInForce,
		ClientOrderID: uuid.NewString(),
		LimitPrice:    limitPrice,
	}

	order, err := a.client.PlaceOrder(req)
	if err != nil {
		a.logger.Error("place order failed", "side", side, "symbol", symbol, "qty", qty, "type", orderType, "error", err)
		var apiErr *alpaca.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusForbidden {
			return OrderResult{}, fmt.Errorf("%w: %v", ErrInsufficientBP, err)
		}
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnprocessableEntity {
			return OrderResult{}, fmt.Errorf("%w: %v", ErrOrderRejected, err)
		}
		return OrderResult{}, err
	}

	a.logger.Info("place order success", "order_id", order.ID, "side", side, "symbol", symbol, "qty", qty, "type", orderType, "status", order.Status)
	return fromAlpacaOrder(order), nil
}

func (a *Alpaca) CancelOrder(ctx context.Context, id string) (OrderResult, error) {
	if err := a.client.CancelOrder(id); err != nil {
		a.logger.Error("cancel order failed", "order_id", id, "error", err)
		return OrderResult{}, err
	}
	a.logger.Info("cancel order requested", "order_id", id)
	return a.GetOrder(ctx, id)
}

func (a *Alpaca) GetOrder(ctx context.Context, id string) (OrderResult, error) {
	order, err := a.client.GetOrder(id)
	if err != nil {
		var apiErr *alpaca.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return OrderResult{}, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
		}
		a.logger.Error("fetch order failed", "order_id", id, "error", err)
		return OrderResult{}, err
	}
	return fromAlpacaOrder(order), nil
}

func (a *Alpaca) Asset(ctx context.Context, symbol string) (Asset, error) {
	asset, err := a.client.GetAsset(symbol)
	if err != nil {
		var apiErr *alpaca.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return Asset{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
		}
		return Asset{}, err
	}
	policy := quantize.Policy{
		MinQty:         decimal.NewFromInt(1),
		QtyIncrement:   decimal.NewFromInt(1),
		PriceIncrement: a.opts.PriceIncrement,
		Fractionable:   asset.Fractionable,
	}
	if asset.Fractionable {
		policy.MinQty = a.opts.FractionIncrement
		policy.QtyIncrement = a.opts.FractionIncrement
	}
	return Asset{Symbol: asset.Symbol, Policy: policy}, nil
}

func (a *Alpaca) ValidateSymbol(ctx context.Context, symbol string) error {
	asset, err := a.client.GetAsset(symbol)
	if err != nil {
		var apiErr *alpaca.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
		}
		return err
	}
	if string(asset.Status) != "active" {
		return fmt.Errorf("%w: %s status=%s", ErrDelisted, symbol, asset.Status)
	}
	if !asset.Tradable {
		return fmt.Errorf("%w: %s", ErrUntradeable, symbol)
	}
	return nil
}

func fromAlpacaOrder(order *alpaca.Order) OrderResult {
	res := OrderResult{
		ID:            order.ID,
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Side:          Side(order.Side),
		Type:          OrderType(order.Type),
		Status:        mapAlpacaStatus(string(order.Status)),
		FilledQty:     order.FilledQty,
		CreatedAt:     order.CreatedAt.UTC(),
		UpdatedAt:     order.UpdatedAt.UTC(),
	}
	res.CancelRequested = order.Status == "pending_cancel"
	if order.Qty != nil {
		res.OrderedQty = *order.Qty
	}
	if order.LimitPrice != nil {
		res.OrderedPrice = *order.LimitPrice
	}
	if order.FilledAvgPrice != nil {
		res.FilledPrice = *order.FilledAvgPrice
	}
	if order.FilledAt != nil {
		res.FilledAt = order.FilledAt.UTC()
	}
	return res
}

func mapAlpacaStatus(status string) OrderStatus {
	switch status {
	case "new", "accepted", "partially_filled", "done_for_day":
		return StatusOpen
	case "filled":
		return StatusFilled
	case "canceled", "expired", "rejected", "stopped", "suspended", "replaced":
		return StatusCancelled
	default:
		return StatusPending
	}
}
