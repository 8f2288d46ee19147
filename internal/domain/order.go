package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// OrderType selects how the gateway places a buy.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// ParseOrderType converts configuration input into an OrderType, defaulting to market.
func ParseOrderType(s string) (OrderType, error) {
	switch OrderType(strings.ToLower(strings.TrimSpace(s))) {
	case "", OrderTypeMarket:
		return OrderTypeMarket, nil
	case OrderTypeLimit:
		return OrderTypeLimit, nil
	default:
		return "", NewConfigurationError("unknown order type %q", s)
	}
}

// OrderStatus is the venue-independent state of an order.
type OrderStatus string

const (
	OrderStatusUnknown         OrderStatus = "unknown"
	OrderStatusPendingOpen     OrderStatus = "pending_open"
	OrderStatusOpen            OrderStatus = "open"
	OrderStatusFilledPartially OrderStatus = "filled_partially"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusError           OrderStatus = "error"
)

// Pending reports whether the order may still fill.
func (s OrderStatus) Pending() bool {
	switch s {
	case OrderStatusFilledPartially, OrderStatusOpen, OrderStatusPendingOpen:
		return true
	}
	return false
}

// OrderRequest describes an order to place on a venue.
type OrderRequest struct {
	Symbol string
	Amount decimal.Decimal
	IsBuy  bool
	Type   OrderType
	// Price is only used for limit orders.
	Price decimal.Decimal
}

// OrderResult is a venue's view of an order. Zero prices mean the venue did not report one.
type OrderResult struct {
	OrderID      string
	Symbol       string
	Status       OrderStatus
	Amount       decimal.Decimal
	AmountFilled decimal.Decimal
	Price        decimal.Decimal
	AveragePrice decimal.Decimal
	Message      string
}

// BuyResult is the outcome of a completed buy.
type BuyResult struct {
	OrderID      string
	Amount       decimal.Decimal
	AveragePrice decimal.Decimal
}

// Balance is the free amount of a single currency.
type Balance struct {
	Currency string          `json:"currency"`
	Amount   decimal.Decimal `json:"amount"`
}

// WithdrawalRequest is a request to send funds off the exchange.
type WithdrawalRequest struct {
	Currency   string
	Address    string
	AddressTag string
	Amount     decimal.Decimal
}

// WithdrawalResponse is what the venue reports about a withdrawal.
type WithdrawalResponse struct {
	ID      string
	Success bool
	Message string
}

// ExchangeOptions are per-exchange settings applied by the run executor.
type ExchangeOptions struct {
	BuyOrderType      OrderType
	ReverseCurrencies bool
	BitcoinSymbol     string
	WithdrawalReserve decimal.Decimal
	TickerPrefixes    string
}

// DefaultExchangeOptions are used for exchanges without explicit settings.
func DefaultExchangeOptions() ExchangeOptions {
	return ExchangeOptions{
		BuyOrderType:      OrderTypeMarket,
		BitcoinSymbol:     "BTC",
		WithdrawalReserve: decimal.Zero,
	}
}
