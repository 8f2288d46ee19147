package trader

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/satstacker/internal/domain"
	"github.com/vadiminshakov/satstacker/internal/storage/simstate"
	"go.uber.org/zap"
)

// Pricer provides public market data for the simulator.
type Pricer interface {
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetMarketSymbols(ctx context.Context) ([]string, error)
}

// simulateQuotes are matched as symbol suffixes, longest first.
var simulateQuotes = []string{"FDUSD", "USDT", "USDC", "BUSD", "TUSD", "EUR", "GBP", "TRY", "USD", "BTC", "ETH", "BNB"}

// DefaultSimulateWallet seeds a fresh paper account.
func DefaultSimulateWallet() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		"USDT": decimal.NewFromInt(10000),
		"USDC": decimal.NewFromInt(10000),
		"EUR":  decimal.NewFromInt(10000),
	}
}

// SimulateTrader is a spot paper account that fills every order immediately.
type SimulateTrader struct {
	mu          sync.RWMutex
	logger      *zap.Logger
	pricer      Pricer
	wallet      map[string]decimal.Decimal
	orders      map[string]simstate.Order
	withdrawals []simstate.Withdrawal
	stateStore  *simstate.Store
	now         func() time.Time
}

// NewSimulateTrader opens the paper account persisted in stateStore, seeding it
// with DefaultSimulateWallet when nothing is stored yet.
func NewSimulateTrader(logger *zap.Logger, pricer Pricer, stateStore *simstate.Store) (*SimulateTrader, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pricer == nil {
		return nil, errors.New("pricer is required for SimulateTrader")
	}
	t := &SimulateTrader{
		logger:     logger,
		pricer:     pricer,
		wallet:     DefaultSimulateWallet(),
		orders:     make(map[string]simstate.Order),
		stateStore: stateStore,
		now:        time.Now,
	}
	if err := t.restoreState(); err != nil {
		logger.Warn("failed to restore simulate state", zap.Error(err))
	}
	return t, nil
}

// splitSymbol splits a concatenated symbol into base and quote currencies.
func splitSymbol(symbol string) (string, string, error) {
	upper := strings.ToUpper(symbol)
	for _, q := range simulateQuotes {
		if strings.HasSuffix(upper, q) && len(upper) > len(q) {
			return strings.TrimSuffix(upper, q), q, nil
		}
	}
	return "", "", domain.NewConfigurationError("cannot determine quote currency of %s", symbol)
}

func (t *SimulateTrader) GetBalances(ctx context.Context) ([]domain.Balance, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	balances := make([]domain.Balance, 0, len(t.wallet))
	for currency, amount := range t.wallet {
		if amount.IsZero() {
			continue
		}
		balances = append(balances, domain.Balance{Currency: currency, Amount: amount})
	}
	sort.Slice(balances, func(i, j int) bool { return balances[i].Currency < balances[j].Currency })
	return balances, nil
}

func (t *SimulateTrader) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return t.pricer.GetPrice(ctx, symbol)
}

func (t *SimulateTrader) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	if !req.Amount.IsPositive() {
		return domain.OrderResult{}, errors.Errorf("order amount must be positive, got %s", req.Amount)
	}
	base, quote, err := splitSymbol(req.Symbol)
	if err != nil {
		return domain.OrderResult{}, err
	}

	price := req.Price
	if req.Type != domain.OrderTypeLimit || !price.IsPositive() {
		price, err = t.pricer.GetPrice(ctx, req.Symbol)
		if err != nil {
			return domain.OrderResult{}, errors.Wrap(err, "failed to get price for simulated order")
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	notional := req.Amount.Mul(price)
	if req.IsBuy {
		if t.wallet[quote].LessThan(notional) {
			return domain.OrderResult{}, errors.Errorf("insufficient %s balance: have %s need %s", quote, t.wallet[quote], notional)
		}
		t.wallet[quote] = t.wallet[quote].Sub(notional)
		t.wallet[base] = t.wallet[base].Add(req.Amount)
	} else {
		if t.wallet[base].LessThan(req.Amount) {
			return domain.OrderResult{}, errors.Errorf("insufficient %s balance: have %s need %s", base, t.wallet[base], req.Amount)
		}
		t.wallet[base] = t.wallet[base].Sub(req.Amount)
		t.wallet[quote] = t.wallet[quote].Add(notional)
	}

	id := uuid.New().String()
	t.orders[id] = simstate.Order{
		Symbol:   req.Symbol,
		IsBuy:    req.IsBuy,
		Amount:   req.Amount,
		Price:    price,
		FilledAt: t.now().UTC(),
	}
	t.persist()

	t.logger.Info("simulated order filled",
		zap.String("id", id),
		zap.String("symbol", req.Symbol),
		zap.Bool("is_buy", req.IsBuy),
		zap.String("amount", req.Amount.String()),
		zap.String("price", price.String()))

	return domain.OrderResult{
		OrderID:      id,
		Symbol:       req.Symbol,
		Status:       domain.OrderStatusFilled,
		Amount:       req.Amount,
		AmountFilled: req.Amount,
		Price:        price,
		AveragePrice: price,
	}, nil
}

func (t *SimulateTrader) GetOrderDetails(ctx context.Context, symbol, orderID string) (domain.OrderResult, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	o, ok := t.orders[orderID]
	if !ok {
		return domain.OrderResult{OrderID: orderID, Symbol: symbol, Status: domain.OrderStatusUnknown}, nil
	}

	return domain.OrderResult{
		OrderID:      orderID,
		Symbol:       o.Symbol,
		Status:       domain.OrderStatusFilled,
		Amount:       o.Amount,
		AmountFilled: o.Amount,
		Price:        o.Price,
		AveragePrice: o.Price,
	}, nil
}

func (t *SimulateTrader) Withdraw(ctx context.Context, req domain.WithdrawalRequest) (domain.WithdrawalResponse, error) {
	currency := strings.ToUpper(req.Currency)
	if req.Address == "" && req.AddressTag == "" {
		return domain.WithdrawalResponse{}, errors.New("withdrawal needs an address or a tag")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.wallet[currency].LessThan(req.Amount) {
		return domain.WithdrawalResponse{Message: "insufficient " + currency + " balance"}, nil
	}
	t.wallet[currency] = t.wallet[currency].Sub(req.Amount)

	id := uuid.New().String()
	t.withdrawals = append(t.withdrawals, simstate.Withdrawal{
		ID:       id,
		Currency: currency,
		Address:  req.Address,
		Tag:      req.AddressTag,
		Amount:   req.Amount,
		SentAt:   t.now().UTC(),
	})
	t.persist()

	return domain.WithdrawalResponse{ID: id, Success: true}, nil
}

func (t *SimulateTrader) GetMarketSymbols(ctx context.Context) ([]string, error) {
	return t.pricer.GetMarketSymbols(ctx)
}

func (t *SimulateTrader) Close() error {
	return nil
}

func (t *SimulateTrader) restoreState() error {
	if t.stateStore == nil {
		return nil
	}
	acc, err := t.stateStore.Load()
	if err != nil || acc == nil {
		return err
	}

	if acc.Balances != nil {
		t.wallet = acc.Balances
	}
	if acc.Orders != nil {
		t.orders = acc.Orders
	}
	t.withdrawals = acc.Withdrawals
	return nil
}

// persist must be called with the lock held.
func (t *SimulateTrader) persist() {
	if t.stateStore == nil {
		return
	}
	if err := t.stateStore.Save(simstate.Account{
		Balances:    t.wallet,
		Orders:      t.orders,
		Withdrawals: t.withdrawals,
		UpdatedAt:   t.now().UTC(),
	}); err != nil {
		t.logger.Warn("failed to persist simulate state", zap.Error(err))
	}
}
