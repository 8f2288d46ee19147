package trader

import (
	"context"
	"strconv"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/satstacker/internal/domain"
)

const binanceOrderNotFound = -2013

// BinanceTrader talks to the Binance spot API.
type BinanceTrader struct {
	client *binance.Client
}

func NewBinanceTrader(client *binance.Client) (*BinanceTrader, error) {
	if client == nil {
		return nil, errors.New("binance client is nil")
	}
	return &BinanceTrader{client: client}, nil
}

func (t *BinanceTrader) GetBalances(ctx context.Context) ([]domain.Balance, error) {
	account, err := t.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get binance account balance")
	}

	balances := make([]domain.Balance, 0, len(account.Balances))
	for _, b := range account.Balances {
		free, err := decimal.NewFromString(b.Free)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse %s balance", b.Asset)
		}
		if free.IsZero() {
			continue
		}
		balances = append(balances, domain.Balance{Currency: b.Asset, Amount: free})
	}

	return balances, nil
}

func (t *BinanceTrader) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	prices, err := t.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	if len(prices) == 0 {
		return decimal.Zero, domain.NewExchangeError("price", "binance returned empty prices for %s", symbol)
	}

	return decimal.NewFromString(prices[0].Price)
}

func (t *BinanceTrader) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	side := binance.SideTypeBuy
	if !req.IsBuy {
		side = binance.SideTypeSell
	}

	svc := t.client.NewCreateOrderService().Symbol(req.Symbol).
		Side(side).
		Quantity(req.Amount.String()).
		NewClientOrderID(uuid.New().String())

	if req.Type == domain.OrderTypeLimit {
		svc = svc.Type(binance.OrderTypeLimit).
			TimeInForce(binance.TimeInForceTypeGTC).
			Price(req.Price.String())
	} else {
		svc = svc.Type(binance.OrderTypeMarket)
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return domain.OrderResult{}, errors.Wrap(err, "failed to create binance order")
	}

	return binanceOrderResult(
		strconv.FormatInt(resp.OrderID, 10),
		resp.Symbol,
		resp.Status,
		resp.OrigQuantity,
		resp.ExecutedQuantity,
		resp.CummulativeQuoteQuantity,
		resp.Price,
	)
}

func (t *BinanceTrader) GetOrderDetails(ctx context.Context, symbol, orderID string) (domain.OrderResult, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return domain.OrderResult{}, domain.NewConfigurationError("invalid binance order id %q", orderID)
	}

	order, err := t.client.NewGetOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	if err != nil {
		var apiErr *common.APIError
		if errors.As(err, &apiErr) && apiErr.Code == binanceOrderNotFound {
			return domain.OrderResult{OrderID: orderID, Symbol: symbol, Status: domain.OrderStatusUnknown}, nil
		}
		return domain.OrderResult{}, errors.Wrap(err, "failed to query binance order status")
	}

	return binanceOrderResult(
		orderID,
		order.Symbol,
		order.Status,
		order.OrigQuantity,
		order.ExecutedQuantity,
		order.CummulativeQuoteQuantity,
		order.Price,
	)
}

func (t *BinanceTrader) Withdraw(ctx context.Context, req domain.WithdrawalRequest) (domain.WithdrawalResponse, error) {
	svc := t.client.NewCreateWithdrawService().
		Coin(req.Currency).
		Address(req.Address).
		Amount(req.Amount.String())
	if req.AddressTag != "" {
		svc = svc.AddressTag(req.AddressTag)
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return domain.WithdrawalResponse{}, errors.Wrap(err, "failed to create binance withdrawal")
	}

	return domain.WithdrawalResponse{ID: resp.ID, Success: resp.ID != ""}, nil
}

func (t *BinanceTrader) GetMarketSymbols(ctx context.Context) ([]string, error) {
	info, err := t.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get binance exchange info")
	}

	symbols := make([]string, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		symbols = append(symbols, s.Symbol)
	}
	return symbols, nil
}

func (t *BinanceTrader) Close() error {
	return nil
}

func binanceOrderResult(orderID, symbol string, status binance.OrderStatusType, origQty, executedQty, quoteQty, price string) (domain.OrderResult, error) {
	amount, err := parseOptionalDecimal(origQty)
	if err != nil {
		return domain.OrderResult{}, errors.Wrap(err, "failed to parse order quantity")
	}
	filled, err := parseOptionalDecimal(executedQty)
	if err != nil {
		return domain.OrderResult{}, errors.Wrap(err, "failed to parse executed quantity")
	}
	quote, err := parseOptionalDecimal(quoteQty)
	if err != nil {
		return domain.OrderResult{}, errors.Wrap(err, "failed to parse quote quantity")
	}
	limit, err := parseOptionalDecimal(price)
	if err != nil {
		return domain.OrderResult{}, errors.Wrap(err, "failed to parse order price")
	}

	avg := decimal.Zero
	if filled.IsPositive() && quote.IsPositive() {
		avg = quote.Div(filled)
	}

	return domain.OrderResult{
		OrderID:      orderID,
		Symbol:       symbol,
		Status:       binanceStatus(status),
		Amount:       amount,
		AmountFilled: filled,
		Price:        limit,
		AveragePrice: avg,
	}, nil
}

func binanceStatus(status binance.OrderStatusType) domain.OrderStatus {
	switch status {
	case binance.OrderStatusTypeNew:
		return domain.OrderStatusOpen
	case binance.OrderStatusTypePartiallyFilled:
		return domain.OrderStatusFilledPartially
	case binance.OrderStatusTypeFilled:
		return domain.OrderStatusFilled
	case binance.OrderStatusTypeCanceled, binance.OrderStatusTypeExpired:
		return domain.OrderStatusCancelled
	case binance.OrderStatusTypeRejected:
		return domain.OrderStatusRejected
	default:
		return domain.OrderStatusUnknown
	}
}

func parseOptionalDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
