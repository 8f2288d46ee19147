// Package gateway wraps a venue connection with the buy, withdrawal and balance
// semantics shared by every supported exchange.
package gateway

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/satstacker/internal/domain"
	"github.com/vadiminshakov/satstacker/pkg/retrier"
	"go.uber.org/zap"
)

// NamedWithdrawalTag is sent instead of an address for withdrawals to an address registered on the exchange.
const NamedWithdrawalTag = "satstacker"

const (
	withdrawalPrecision = 8
	limitMinDecimals    = 2
	limitMaxDecimals    = 10
)

var (
	limitBuyFactor  = decimal.RequireFromString("1.01")
	limitSellFactor = decimal.RequireFromString("0.99")
)

// API is the venue connector a Gateway drives.
type API interface {
	GetBalances(ctx context.Context) ([]domain.Balance, error)
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error)
	GetOrderDetails(ctx context.Context, symbol, orderID string) (domain.OrderResult, error)
	Withdraw(ctx context.Context, req domain.WithdrawalRequest) (domain.WithdrawalResponse, error)
	GetMarketSymbols(ctx context.Context) ([]string, error)
	Close() error
}

// Exchange is the gateway contract used by the run executor and lifecycle manager.
type Exchange interface {
	GetBalances(ctx context.Context) ([]domain.Balance, error)
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	Buy(ctx context.Context, symbol string, amount decimal.Decimal, orderType domain.OrderType, invert bool) (domain.BuyResult, error)
	Withdraw(ctx context.Context, currency, address string, amount decimal.Decimal) (string, error)
	GetSymbolsMatching(ctx context.Context, currency, prefixes string) ([]domain.Symbol, error)
	Close() error
}

// Config holds the order polling policy.
type Config struct {
	// OrderCheckDelay is waited before every order detail query.
	OrderCheckDelay time.Duration
	// FillPolls bounds the re-polls of an order that is still open.
	FillPolls int
	// DetailRetries bounds retries of a failing order detail query.
	DetailRetries int
}

// DefaultConfig returns the production polling policy.
func DefaultConfig() Config {
	return Config{
		OrderCheckDelay: time.Second,
		FillPolls:       3,
		DetailRetries:   3,
	}
}

// Gateway is bound to a single credential set for its lifetime.
type Gateway struct {
	api    API
	cfg    Config
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithSleep replaces the delay function used while polling.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(g *Gateway) {
		g.sleep = fn
	}
}

// New creates a Gateway over api.
func New(api API, cfg Config, logger *zap.Logger, opts ...Option) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Gateway{
		api:    api,
		cfg:    cfg,
		logger: logger,
		sleep:  retrier.Sleep,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Close releases the venue connection.
func (g *Gateway) Close() error {
	return g.api.Close()
}

// GetBalances returns balances with upper-cased currencies, largest first.
func (g *Gateway) GetBalances(ctx context.Context) ([]domain.Balance, error) {
	balances, err := g.api.GetBalances(ctx)
	if err != nil {
		return nil, domain.WrapExchange(err, "get balances")
	}

	out := make([]domain.Balance, 0, len(balances))
	for _, b := range balances {
		out = append(out, domain.Balance{Currency: strings.ToUpper(b.Currency), Amount: b.Amount})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Amount.GreaterThan(out[j].Amount)
	})

	return out, nil
}

// GetPrice returns the last traded price of symbol.
func (g *Gateway) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	price, err := g.api.GetPrice(ctx, symbol)
	if err != nil {
		return decimal.Zero, domain.WrapExchange(err, "get price for "+symbol)
	}
	return price, nil
}

// Buy places an order and waits for it to fill. With invert set the order sells
// amount of the symbol's base instead of buying it.
func (g *Gateway) Buy(ctx context.Context, symbol string, amount decimal.Decimal, orderType domain.OrderType, invert bool) (domain.BuyResult, error) {
	req := domain.OrderRequest{
		Symbol: symbol,
		Amount: amount,
		IsBuy:  !invert,
		Type:   orderType,
	}

	if orderType == domain.OrderTypeLimit {
		price, err := g.GetPrice(ctx, symbol)
		if err != nil {
			return domain.BuyResult{}, err
		}
		req.Price = LimitPrice(price, req.IsBuy)
	}

	g.logger.Info("placing order",
		zap.String("symbol", symbol),
		zap.String("amount", amount.String()),
		zap.String("type", string(orderType)),
		zap.Bool("is_buy", req.IsBuy),
		zap.String("price", req.Price.String()))

	result, err := g.api.PlaceOrder(ctx, req)
	if err != nil {
		return domain.BuyResult{}, domain.WrapExchange(err, "place order")
	}

	// the order exists on the venue now, keep polling even if the caller gives up
	ctx = context.WithoutCancel(ctx)

	if result.Status == domain.OrderStatusUnknown && result.OrderID != "" {
		result, err = g.awaitOrderDetails(ctx, symbol, result.OrderID)
		if err != nil {
			return domain.BuyResult{}, err
		}
	}

	for poll := 0; poll < g.cfg.FillPolls && result.Status.Pending() && result.OrderID != ""; poll++ {
		g.logger.Info("order not filled yet",
			zap.String("order_id", result.OrderID),
			zap.String("status", string(result.Status)),
			zap.Int("poll", poll+1))

		result, err = g.awaitOrderDetails(ctx, symbol, result.OrderID)
		if err != nil {
			return domain.BuyResult{}, err
		}
	}

	if result.Status != domain.OrderStatusFilled && result.AveragePrice.IsZero() && result.Price.IsZero() {
		msg := result.Message
		if msg == "" {
			msg = "order ended with status " + string(result.Status) + " and no price"
		}
		return domain.BuyResult{}, domain.NewExchangeError("buy", "%s", msg)
	}

	filled := result.AmountFilled
	if filled.IsZero() {
		filled = amount
	}
	avg := result.AveragePrice
	if avg.IsZero() {
		avg = result.Price
	}

	g.logger.Info("order completed",
		zap.String("order_id", result.OrderID),
		zap.String("status", string(result.Status)),
		zap.String("filled", filled.String()),
		zap.String("average_price", avg.String()))

	return domain.BuyResult{
		OrderID:      result.OrderID,
		Amount:       filled,
		AveragePrice: avg,
	}, nil
}

func (g *Gateway) awaitOrderDetails(ctx context.Context, symbol, orderID string) (domain.OrderResult, error) {
	if err := g.sleep(ctx, g.cfg.OrderCheckDelay); err != nil {
		return domain.OrderResult{}, err
	}

	r := retrier.NewFixed(g.cfg.OrderCheckDelay, g.cfg.DetailRetries,
		retrier.WithSleep(g.sleep),
		retrier.WithOnRetry(func(attempt int, err error) {
			g.logger.Warn("failed to get order details, retrying",
				zap.String("order_id", orderID),
				zap.Int("attempt", attempt),
				zap.Error(err))
		}),
	)

	result, err := retrier.DoWithData(r, ctx, func(ctx context.Context) (domain.OrderResult, error) {
		result, err := g.api.GetOrderDetails(ctx, symbol, orderID)
		if errors.Is(err, domain.ErrConfiguration) {
			return result, retrier.Permanent(err)
		}
		return result, err
	})
	if err != nil {
		g.logger.Error("failed to get order details, giving up", zap.String("order_id", orderID), zap.Error(err))
		return domain.OrderResult{}, domain.WrapExchange(err, "get order "+orderID+" details")
	}

	return result, nil
}

// Withdraw sends amount (floored to 8 decimals) of currency to address. An empty
// address withdraws to the address registered on the exchange under NamedWithdrawalTag.
func (g *Gateway) Withdraw(ctx context.Context, currency, address string, amount decimal.Decimal) (string, error) {
	req := domain.WithdrawalRequest{
		Currency: currency,
		Address:  address,
		Amount:   WithdrawalAmount(amount),
	}
	if address == "" {
		req.AddressTag = NamedWithdrawalTag
	}

	g.logger.Info("withdrawing",
		zap.String("currency", currency),
		zap.String("address", address),
		zap.String("tag", req.AddressTag),
		zap.String("amount", req.Amount.String()))

	resp, err := g.api.Withdraw(ctx, req)
	if err != nil {
		return "", domain.WrapExchange(err, "withdraw")
	}
	if !resp.Success && resp.ID == "" {
		msg := resp.Message
		if msg == "" {
			msg = "exchange reported failure"
		}
		return "", domain.NewExchangeError("withdraw", "%s", msg)
	}

	return resp.ID, nil
}

// WithdrawalAmount is the amount Withdraw submits for amount.
func WithdrawalAmount(amount decimal.Decimal) decimal.Decimal {
	return amount.RoundFloor(withdrawalPrecision)
}

// GetSymbolsMatching lists venue symbols that contain currency, normalised around it.
func (g *Gateway) GetSymbolsMatching(ctx context.Context, currency, prefixes string) ([]domain.Symbol, error) {
	symbols, err := g.api.GetMarketSymbols(ctx)
	if err != nil {
		return nil, domain.WrapExchange(err, "get market symbols")
	}

	upper := strings.ToUpper(currency)
	out := make([]domain.Symbol, 0)
	for _, s := range symbols {
		if !strings.Contains(strings.ToUpper(s), upper) {
			continue
		}
		out = append(out, domain.NormalizeSymbol(s, currency, prefixes))
	}

	return out, nil
}

// LimitPrice offsets price by 1% in the unfavourable direction so the order crosses
// the book, keeping the observed precision clamped to [2, 10] decimals.
func LimitPrice(price decimal.Decimal, isBuy bool) decimal.Decimal {
	decimals := int32(0)
	if exp := price.Exponent(); exp < 0 {
		decimals = -exp
	}
	if decimals < limitMinDecimals {
		decimals = limitMinDecimals
	}
	if decimals > limitMaxDecimals {
		decimals = limitMaxDecimals
	}

	factor := limitSellFactor
	if isBuy {
		factor = limitBuyFactor
	}

	return price.Mul(factor).Round(decimals)
}
