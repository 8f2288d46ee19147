package trader

import (
	"context"
	"time"

	"github.com/hirokisan/bybit/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/satstacker/internal/domain"
)

const bybitAccountType = "UNIFIED"

// BybitTrader talks to the Bybit V5 spot API.
type BybitTrader struct {
	client *bybit.Client
}

func NewBybitTrader(client *bybit.Client) (*BybitTrader, error) {
	if client == nil {
		return nil, errors.New("bybit client is nil")
	}
	return &BybitTrader{client: client}, nil
}

func (t *BybitTrader) GetBalances(ctx context.Context) ([]domain.Balance, error) {
	res, err := t.client.V5().Account().GetWalletBalance(bybit.AccountTypeV5(bybitAccountType), nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get bybit wallet balance")
	}
	if len(res.Result.List) == 0 {
		return nil, nil
	}

	balances := make([]domain.Balance, 0, len(res.Result.List[0].Coin))
	for _, c := range res.Result.List[0].Coin {
		amount, err := parseOptionalDecimal(c.WalletBalance)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse %s balance", c.Coin)
		}
		if amount.IsZero() {
			continue
		}
		balances = append(balances, domain.Balance{Currency: string(c.Coin), Amount: amount})
	}

	return balances, nil
}

func (t *BybitTrader) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	sym := bybit.SymbolV5(symbol)
	res, err := t.client.V5().Market().GetTickers(bybit.V5GetTickersParam{
		Category: "spot",
		Symbol:   &sym,
	})
	if err != nil {
		return decimal.Zero, err
	}
	if res.Result.Spot == nil || len(res.Result.Spot.List) == 0 {
		return decimal.Zero, domain.NewExchangeError("price", "bybit returned empty prices for %s", symbol)
	}

	return decimal.NewFromString(res.Result.Spot.List[0].LastPrice)
}

func (t *BybitTrader) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	res, err := t.client.V5().Order().CreateOrder(bybitOrderParam(req))
	if err != nil {
		return domain.OrderResult{}, errors.Wrap(err, "failed to create bybit order")
	}

	// creation only acknowledges the order, the fill is read back by id
	return domain.OrderResult{
		OrderID: res.Result.OrderID,
		Symbol:  req.Symbol,
		Status:  domain.OrderStatusUnknown,
		Amount:  req.Amount,
		Price:   req.Price,
	}, nil
}

func (t *BybitTrader) GetOrderDetails(ctx context.Context, symbol, orderID string) (domain.OrderResult, error) {
	res, err := t.client.V5().Order().GetHistoryOrders(bybit.V5GetHistoryOrdersParam{
		Category: "spot",
		OrderID:  &orderID,
	})
	if err != nil {
		return domain.OrderResult{}, errors.Wrap(err, "failed to query bybit order")
	}
	if len(res.Result.List) == 0 {
		return domain.OrderResult{OrderID: orderID, Symbol: symbol, Status: domain.OrderStatusUnknown}, nil
	}

	o := res.Result.List[0]
	amount, err := parseOptionalDecimal(o.Qty)
	if err != nil {
		return domain.OrderResult{}, errors.Wrap(err, "failed to parse order quantity")
	}
	filled, err := parseOptionalDecimal(o.CumExecQty)
	if err != nil {
		return domain.OrderResult{}, errors.Wrap(err, "failed to parse executed quantity")
	}
	avg, err := parseOptionalDecimal(o.AvgPrice)
	if err != nil {
		return domain.OrderResult{}, errors.Wrap(err, "failed to parse average price")
	}
	price, err := parseOptionalDecimal(o.Price)
	if err != nil {
		return domain.OrderResult{}, errors.Wrap(err, "failed to parse order price")
	}

	return domain.OrderResult{
		OrderID:      orderID,
		Symbol:       symbol,
		Status:       bybitStatus(string(o.OrderStatus)),
		Amount:       amount,
		AmountFilled: filled,
		Price:        price,
		AveragePrice: avg,
	}, nil
}

func (t *BybitTrader) Withdraw(ctx context.Context, req domain.WithdrawalRequest) (domain.WithdrawalResponse, error) {
	res, err := t.client.V5().Asset().Withdraw(bybitWithdrawParam(req, time.Now()))
	if err != nil {
		return domain.WithdrawalResponse{}, errors.Wrap(err, "failed to create bybit withdrawal")
	}

	return bybitWithdrawal(res), nil
}

func (t *BybitTrader) GetMarketSymbols(ctx context.Context) ([]string, error) {
	res, err := t.client.V5().Market().GetTickers(bybit.V5GetTickersParam{Category: "spot"})
	if err != nil {
		return nil, errors.Wrap(err, "failed to list bybit tickers")
	}
	if res.Result.Spot == nil {
		return nil, nil
	}

	symbols := make([]string, 0, len(res.Result.Spot.List))
	for _, item := range res.Result.Spot.List {
		symbols = append(symbols, string(item.Symbol))
	}
	return symbols, nil
}

func (t *BybitTrader) Close() error {
	return nil
}

// bybitOrderParam builds a spot order. Qty is always in the base coin, which
// market buys on unified accounts otherwise read as quote coin.
func bybitOrderParam(req domain.OrderRequest) bybit.V5CreateOrderParam {
	side := bybit.SideBuy
	if !req.IsBuy {
		side = bybit.SideSell
	}

	param := bybit.V5CreateOrderParam{
		Category:  "spot",
		Symbol:    bybit.SymbolV5(req.Symbol),
		Side:      side,
		OrderType: bybit.OrderTypeMarket,
		Qty:       req.Amount.String(),
	}
	if req.Type == domain.OrderTypeLimit {
		price := req.Price.String()
		param.OrderType = bybit.OrderTypeLimit
		param.Price = &price
		return param
	}

	unit := bybit.MarketUnitBaseCoin
	param.MarketUnit = &unit
	return param
}

func bybitWithdrawParam(req domain.WithdrawalRequest, now time.Time) bybit.V5WithdrawParam {
	param := bybit.V5WithdrawParam{
		Coin:      bybit.Coin(req.Currency),
		Address:   req.Address,
		Amount:    req.Amount.String(),
		Timestamp: now.UnixMilli(),
	}
	if req.AddressTag != "" {
		tag := req.AddressTag
		param.Tag = &tag
	}
	return param
}

func bybitWithdrawal(res *bybit.V5WithdrawResponse) domain.WithdrawalResponse {
	if res == nil {
		return domain.WithdrawalResponse{}
	}
	return domain.WithdrawalResponse{
		ID:      res.Result.ID,
		Success: res.Result.ID != "",
		Message: res.RetMsg,
	}
}

func bybitStatus(status string) domain.OrderStatus {
	switch status {
	case "Created", "Untriggered":
		return domain.OrderStatusPendingOpen
	case "New":
		return domain.OrderStatusOpen
	case "PartiallyFilled":
		return domain.OrderStatusFilledPartially
	case "Filled":
		return domain.OrderStatusFilled
	case "Cancelled", "PartiallyFilledCanceled", "Deactivated":
		return domain.OrderStatusCancelled
	case "Rejected":
		return domain.OrderStatusRejected
	default:
		return domain.OrderStatusUnknown
	}
}
