package trader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	hyperliquid "github.com/sonirico/go-hyperliquid"
	"github.com/vadiminshakov/satstacker/internal/domain"
)

// HyperliquidQuote is the quote currency of every hyperliquid symbol, e.g. BTCUSDC.
const HyperliquidQuote = "USDC"

const hyperliquidSlippage = 0.005

// HyperliquidTrader trades hyperliquid spot coins. Orders are IOC limits.
type HyperliquidTrader struct {
	ex          *hyperliquid.Exchange
	info        *hyperliquid.Info
	accountAddr string
}

func NewHyperliquidTrader(ex *hyperliquid.Exchange, accountAddr string) (*HyperliquidTrader, error) {
	if ex == nil {
		return nil, errors.New("hyperliquid exchange is nil")
	}
	return &HyperliquidTrader{
		ex:          ex,
		info:        ex.Info(),
		accountAddr: accountAddr,
	}, nil
}

// cloid turns a free-form id into a valid hyperliquid client order id (0x + 32 hex chars).
func cloid(id string) string {
	sum := sha256.Sum256([]byte(id))
	return "0x" + hex.EncodeToString(sum[:16])
}

func hyperliquidCoin(symbol string) string {
	return strings.TrimSuffix(strings.ToUpper(symbol), HyperliquidQuote)
}

func (t *HyperliquidTrader) GetBalances(ctx context.Context) ([]domain.Balance, error) {
	st, err := t.info.SpotUserState(ctx, t.accountAddr)
	if err != nil {
		return nil, errors.Wrap(err, "get spot user state")
	}

	balances := make([]domain.Balance, 0, len(st.Balances))
	for _, b := range st.Balances {
		total, err := parseOptionalDecimal(b.Total)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse %s balance", b.Coin)
		}
		if total.IsZero() {
			continue
		}
		balances = append(balances, domain.Balance{Currency: b.Coin, Amount: total})
	}

	return balances, nil
}

func (t *HyperliquidTrader) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	mids, err := t.info.AllMids(ctx)
	if err != nil {
		return decimal.Zero, err
	}

	coin := hyperliquidCoin(symbol)
	mid, ok := mids[coin]
	if !ok || mid == "" {
		return decimal.Zero, domain.NewExchangeError("price", "hyperliquid returned empty mid price for %s", coin)
	}
	return decimal.NewFromString(mid)
}

func (t *HyperliquidTrader) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	coin := hyperliquidCoin(req.Symbol)
	size, _ := req.Amount.Round(8).Float64()

	var px float64
	if req.Type == domain.OrderTypeLimit {
		px, _ = req.Price.Float64()
	} else {
		// a crossing IOC limit stands in for a market order
		var err error
		px, err = t.ex.SlippagePrice(ctx, coin, req.IsBuy, hyperliquidSlippage, nil)
		if err != nil {
			return domain.OrderResult{}, errors.Wrap(err, "slippage price")
		}
	}

	id := cloid(uuid.New().String())
	_, err := t.ex.Order(ctx, hyperliquid.CreateOrderRequest{
		Coin:          coin,
		IsBuy:         req.IsBuy,
		Price:         px,
		Size:          size,
		ClientOrderID: &id,
		OrderType: hyperliquid.OrderType{
			Limit: &hyperliquid.LimitOrderType{Tif: hyperliquid.TifIoc},
		},
	}, nil)
	if err != nil {
		return domain.OrderResult{}, errors.Wrap(err, "failed to place hyperliquid order")
	}

	return domain.OrderResult{
		OrderID: id,
		Symbol:  req.Symbol,
		Status:  domain.OrderStatusUnknown,
		Amount:  req.Amount,
	}, nil
}

func (t *HyperliquidTrader) GetOrderDetails(ctx context.Context, symbol, orderID string) (domain.OrderResult, error) {
	res, err := t.info.QueryOrderByCloid(ctx, t.accountAddr, orderID)
	if err != nil {
		return domain.OrderResult{}, errors.Wrap(err, "query order by cloid")
	}

	result := domain.OrderResult{OrderID: orderID, Symbol: symbol, Status: domain.OrderStatusUnknown}
	if res == nil || res.Status != hyperliquid.OrderQueryStatusSuccess {
		return result, nil
	}

	size, err := parseOptionalDecimal(res.Order.Order.OrigSz)
	if err != nil {
		return domain.OrderResult{}, errors.Wrap(err, "failed to parse order size")
	}
	result.Amount = size

	switch res.Order.Status {
	case hyperliquid.OrderStatusValueFilled:
		result.Status = domain.OrderStatusFilled
		result.AmountFilled = size
	case hyperliquid.OrderStatusValueOpen:
		result.Status = domain.OrderStatusOpen
	case hyperliquid.OrderStatusValueRejected:
		result.Status = domain.OrderStatusRejected
	case hyperliquid.OrderStatusValueCanceled,
		hyperliquid.OrderStatusValueScheduledCancel,
		hyperliquid.OrderStatusValueSelfTradeCanceled:
		result.Status = domain.OrderStatusCancelled
	default:
		return result, nil
	}

	// order queries carry no fill price, report the current mid
	mid, err := t.GetPrice(ctx, symbol)
	if err != nil {
		return domain.OrderResult{}, err
	}
	result.AveragePrice = mid

	return result, nil
}

// Withdraw is not offered through the hyperliquid connector.
func (t *HyperliquidTrader) Withdraw(ctx context.Context, req domain.WithdrawalRequest) (domain.WithdrawalResponse, error) {
	return domain.WithdrawalResponse{}, domain.NewExchangeError("withdraw", "withdrawals are not supported on hyperliquid")
}

func (t *HyperliquidTrader) GetMarketSymbols(ctx context.Context) ([]string, error) {
	mids, err := t.info.AllMids(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list hyperliquid mids")
	}

	symbols := make([]string, 0, len(mids))
	for coin := range mids {
		// spot pairs without a name are keyed by index, e.g. @107
		if strings.HasPrefix(coin, "@") {
			continue
		}
		symbols = append(symbols, coin+HyperliquidQuote)
	}
	return symbols, nil
}

func (t *HyperliquidTrader) Close() error {
	return nil
}
