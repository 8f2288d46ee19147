package runner

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/satstacker/internal/domain"
	"github.com/vadiminshakov/satstacker/internal/services/notifier"
	"go.uber.org/zap"
)

var fixedNow = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func decEq(s string) any {
	want := dec(s)
	return mock.MatchedBy(func(d decimal.Decimal) bool { return d.Equal(want) })
}

func baseSchedule() domain.Schedule {
	return domain.Schedule{
		ID:             7,
		Exchange:       "binance",
		Spend:          dec("100"),
		SpendCurrency:  "USDT",
		Symbol:         "BTCUSDT",
		Cron:           "0 9 * * 1",
		Start:          fixedNow.Add(-time.Hour),
		WithdrawalType: domain.WithdrawalNone,
	}
}

type fixture struct {
	store    *memStore
	exchange *mockExchange
	factory  *stubFactory
	notifier *recordingNotifier
	options  staticOptions
	wallet   WalletService
}

func newFixture(schedule domain.Schedule) *fixture {
	ex := &mockExchange{}
	return &fixture{
		store:    newMemStore(schedule),
		exchange: ex,
		factory:  &stubFactory{exchange: ex},
		notifier: &recordingNotifier{},
		options:  staticOptions{},
	}
}

func (f *fixture) runner() *Runner {
	opts := []Option{WithNotifier(f.notifier), WithClock(func() time.Time { return fixedNow })}
	if f.wallet != nil {
		opts = append(opts, WithWallet(f.wallet))
	}
	return New(f.store, stubKeys{}, f.factory, f.options, zap.NewNop(), opts...)
}

func TestRunSchedule_NoWithdrawalRecordsSingleBuy(t *testing.T) {
	f := newFixture(baseSchedule())
	f.exchange.On("GetBalances", mock.Anything).Return([]domain.Balance{{Currency: "usdt", Amount: dec("500")}}, nil)
	f.exchange.On("GetPrice", mock.Anything, "BTCUSDT").Return(dec("50000"), nil)
	f.exchange.On("Buy", mock.Anything, "BTCUSDT", decEq("0.002"), domain.OrderTypeMarket, false).
		Return(domain.BuyResult{OrderID: "42", Amount: dec("0.002"), AveragePrice: dec("49990")}, nil)
	f.exchange.On("Close").Return(nil)

	err := f.runner().RunSchedule(context.Background(), 7)
	require.NoError(t, err)

	events := f.store.recorded()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventBuy, events[0].Kind)
	require.NotNil(t, events[0].Buy)
	assert.True(t, events[0].Buy.Received.Equal(dec("0.002")))
	assert.True(t, events[0].Buy.Price.Equal(dec("49990")))
	assert.Equal(t, "42", events[0].Buy.OrderID)
	assert.True(t, events[0].Timestamp.Equal(fixedNow))

	f.exchange.AssertNotCalled(t, "Withdraw", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	f.exchange.AssertCalled(t, "Close")
	assert.Len(t, f.notifier.events, 1)
}

func TestRunSchedule_InsufficientBalance(t *testing.T) {
	s := baseSchedule()
	s.WithdrawalType = domain.WithdrawalFixed
	s.WithdrawalAddress = "bc1qdest"
	s.WithdrawalLimit = dec("0.01")
	f := newFixture(s)
	f.exchange.On("GetBalances", mock.Anything).Return([]domain.Balance{{Currency: "USDT", Amount: dec("50")}}, nil)
	f.exchange.On("Close").Return(nil)

	err := f.runner().RunSchedule(context.Background(), 7)
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)

	events := f.store.recorded()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventBuy, events[0].Kind)
	assert.Nil(t, events[0].Buy)
	assert.Equal(t, "insufficient USDT balance: have 50 need 100", events[0].Error)

	f.exchange.AssertNotCalled(t, "Buy", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	f.exchange.AssertNotCalled(t, "Withdraw", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRunSchedule_InvertedSymbolSellsSpend(t *testing.T) {
	s := baseSchedule()
	s.Exchange = "kraken"
	s.Symbol = "XBTEUR"
	s.SpendCurrency = "EUR"
	f := newFixture(s)
	f.options["kraken"] = domain.ExchangeOptions{
		BuyOrderType:      domain.OrderTypeLimit,
		ReverseCurrencies: true,
		BitcoinSymbol:     "XBT",
	}
	f.exchange.On("GetBalances", mock.Anything).Return([]domain.Balance{{Currency: "EUR", Amount: dec("1000")}}, nil)
	f.exchange.On("GetPrice", mock.Anything, "XBTEUR").Return(dec("40000"), nil)
	f.exchange.On("Buy", mock.Anything, "XBTEUR", decEq("100"), domain.OrderTypeLimit, true).
		Return(domain.BuyResult{OrderID: "x", Amount: dec("100"), AveragePrice: dec("0.000025")}, nil)
	f.exchange.On("Close").Return(nil)

	require.NoError(t, f.runner().RunSchedule(context.Background(), 7))

	events := f.store.recorded()
	require.Len(t, events, 1)
	assert.True(t, events[0].Buy.Received.Equal(dec("0.0025")), events[0].Buy.Received.String())
}

func TestRunSchedule_BuyFailureRecordsInnermostMessage(t *testing.T) {
	f := newFixture(baseSchedule())
	f.exchange.On("GetBalances", mock.Anything).Return([]domain.Balance{{Currency: "USDT", Amount: dec("500")}}, nil)
	f.exchange.On("GetPrice", mock.Anything, "BTCUSDT").Return(dec("50000"), nil)
	f.exchange.On("Buy", mock.Anything, "BTCUSDT", mock.Anything, domain.OrderTypeMarket, false).
		Return(domain.BuyResult{}, errors.Wrap(domain.NewExchangeError("buy", "order rejected"), "place order"))
	f.exchange.On("Close").Return(nil)

	err := f.runner().RunSchedule(context.Background(), 7)
	require.ErrorIs(t, err, domain.ErrExchangeOperationFailed)

	events := f.store.recorded()
	require.Len(t, events, 1)
	assert.Equal(t, "buy: order rejected", events[0].Error)
}

func TestRunSchedule_FixedWithdrawal(t *testing.T) {
	s := baseSchedule()
	s.WithdrawalType = domain.WithdrawalFixed
	s.WithdrawalAddress = "bc1qdest"
	s.WithdrawalLimit = dec("0.01")
	f := newFixture(s)
	f.options["binance"] = domain.ExchangeOptions{BitcoinSymbol: "BTC", WithdrawalReserve: dec("0.001")}
	f.exchange.On("GetBalances", mock.Anything).Return([]domain.Balance{
		{Currency: "USDT", Amount: dec("500")},
		{Currency: "BTC", Amount: dec("0.02")},
	}, nil)
	f.exchange.On("GetPrice", mock.Anything, "BTCUSDT").Return(dec("50000"), nil)
	f.exchange.On("Buy", mock.Anything, "BTCUSDT", mock.Anything, domain.OrderType(""), false).
		Return(domain.BuyResult{OrderID: "1", Amount: dec("0.002"), AveragePrice: dec("50000")}, nil)
	f.exchange.On("Withdraw", mock.Anything, "BTC", "bc1qdest", decEq("0.019")).Return("w-1", nil)
	f.exchange.On("Close").Return(nil)

	require.NoError(t, f.runner().RunSchedule(context.Background(), 7))

	events := f.store.recorded()
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventBuy, events[0].Kind)
	assert.Equal(t, domain.EventWithdrawal, events[1].Kind)
	require.NotNil(t, events[1].Withdrawal)
	assert.Equal(t, "bc1qdest", events[1].Withdrawal.Address)
	assert.Equal(t, "w-1", events[1].Withdrawal.WithdrawalID)
	assert.True(t, events[1].Withdrawal.Amount.Equal(dec("0.019")))

	// buy, withdraw check and the post-withdrawal read
	f.exchange.AssertNumberOfCalls(t, "GetBalances", 3)
}

func TestRunSchedule_WithdrawalSkippedBelowLimit(t *testing.T) {
	s := baseSchedule()
	s.WithdrawalType = domain.WithdrawalNamed
	s.WithdrawalLimit = dec("0.1")
	f := newFixture(s)
	f.exchange.On("GetBalances", mock.Anything).Return([]domain.Balance{
		{Currency: "USDT", Amount: dec("500")},
		{Currency: "BTC", Amount: dec("0.05")},
	}, nil)
	f.exchange.On("GetPrice", mock.Anything, "BTCUSDT").Return(dec("50000"), nil)
	f.exchange.On("Buy", mock.Anything, "BTCUSDT", mock.Anything, domain.OrderTypeMarket, false).
		Return(domain.BuyResult{OrderID: "1", Amount: dec("0.002"), AveragePrice: dec("50000")}, nil)
	f.exchange.On("Close").Return(nil)

	require.NoError(t, f.runner().RunSchedule(context.Background(), 7))
	assert.Len(t, f.store.recorded(), 1)
	f.exchange.AssertNotCalled(t, "Withdraw", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRunSchedule_WithdrawalSkippedWhenReserveCoversBalance(t *testing.T) {
	s := baseSchedule()
	s.WithdrawalType = domain.WithdrawalNamed
	s.WithdrawalLimit = dec("0.01")
	f := newFixture(s)
	f.options["binance"] = domain.ExchangeOptions{BitcoinSymbol: "BTC", WithdrawalReserve: dec("0.05")}
	f.exchange.On("GetBalances", mock.Anything).Return([]domain.Balance{
		{Currency: "USDT", Amount: dec("500")},
		{Currency: "BTC", Amount: dec("0.02")},
	}, nil)
	f.exchange.On("GetPrice", mock.Anything, "BTCUSDT").Return(dec("50000"), nil)
	f.exchange.On("Buy", mock.Anything, "BTCUSDT", mock.Anything, mock.Anything, false).
		Return(domain.BuyResult{OrderID: "1", Amount: dec("0.002"), AveragePrice: dec("50000")}, nil)
	f.exchange.On("Close").Return(nil)

	require.NoError(t, f.runner().RunSchedule(context.Background(), 7))
	assert.Len(t, f.store.recorded(), 1)
	f.exchange.AssertNotCalled(t, "Withdraw", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRunSchedule_NamedAndDynamicAddresses(t *testing.T) {
	cases := []struct {
		name    string
		typ     domain.WithdrawalType
		wallet  WalletService
		address string
	}{
		{name: "named", typ: domain.WithdrawalNamed, address: ""},
		{name: "dynamic", typ: domain.WithdrawalDynamic, wallet: stubWallet{address: "bc1qfresh"}, address: "bc1qfresh"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := baseSchedule()
			s.WithdrawalType = tc.typ
			s.WithdrawalLimit = dec("0.01")
			f := newFixture(s)
			f.wallet = tc.wallet
			f.exchange.On("GetBalances", mock.Anything).Return([]domain.Balance{
				{Currency: "USDT", Amount: dec("500")},
				{Currency: "BTC", Amount: dec("0.02")},
			}, nil)
			f.exchange.On("GetPrice", mock.Anything, "BTCUSDT").Return(dec("50000"), nil)
			f.exchange.On("Buy", mock.Anything, "BTCUSDT", mock.Anything, mock.Anything, false).
				Return(domain.BuyResult{OrderID: "1", Amount: dec("0.002"), AveragePrice: dec("50000")}, nil)
			f.exchange.On("Withdraw", mock.Anything, "BTC", tc.address, decEq("0.02")).Return("w-9", nil)
			f.exchange.On("Close").Return(nil)

			require.NoError(t, f.runner().RunSchedule(context.Background(), 7))
			events := f.store.recorded()
			require.Len(t, events, 2)
			assert.Equal(t, tc.address, events[1].Withdrawal.Address)
		})
	}
}

func TestRunSchedule_WithdrawalEventRecordsSubmittedAmount(t *testing.T) {
	s := baseSchedule()
	s.WithdrawalType = domain.WithdrawalNamed
	s.WithdrawalLimit = dec("0.01")
	f := newFixture(s)
	f.exchange.On("GetBalances", mock.Anything).Return([]domain.Balance{
		{Currency: "USDT", Amount: dec("500")},
		{Currency: "BTC", Amount: dec("0.123456789")},
	}, nil)
	f.exchange.On("GetPrice", mock.Anything, "BTCUSDT").Return(dec("50000"), nil)
	f.exchange.On("Buy", mock.Anything, "BTCUSDT", mock.Anything, mock.Anything, false).
		Return(domain.BuyResult{OrderID: "1", Amount: dec("0.002"), AveragePrice: dec("50000")}, nil)
	f.exchange.On("Withdraw", mock.Anything, "BTC", "", decEq("0.12345678")).Return("w-2", nil)
	f.exchange.On("Close").Return(nil)

	require.NoError(t, f.runner().RunSchedule(context.Background(), 7))

	events := f.store.recorded()
	require.Len(t, events, 2)
	require.NotNil(t, events[1].Withdrawal)
	assert.Equal(t, "0.12345678", events[1].Withdrawal.Amount.String())
}

func TestRunSchedule_OutboxHoldsNotifications(t *testing.T) {
	f := newFixture(baseSchedule())
	f.exchange.On("GetBalances", mock.Anything).Return([]domain.Balance{{Currency: "USDT", Amount: dec("500")}}, nil)
	f.exchange.On("GetPrice", mock.Anything, "BTCUSDT").Return(dec("50000"), nil)
	f.exchange.On("Buy", mock.Anything, "BTCUSDT", mock.Anything, mock.Anything, false).
		Return(domain.BuyResult{OrderID: "3", Amount: dec("0.002"), AveragePrice: dec("50000")}, nil)
	f.exchange.On("Close").Return(nil)

	ctx, box := notifier.WithOutbox(context.Background())
	require.NoError(t, f.runner().RunSchedule(ctx, 7))

	assert.Len(t, f.store.recorded(), 1)
	assert.Empty(t, f.notifier.events)

	var released []domain.Event
	box.Release(func(e domain.Event) { released = append(released, e) })
	require.Len(t, released, 1)
	assert.Equal(t, domain.EventBuy, released[0].Kind)
	assert.Equal(t, 0, box.Discard())
}

func TestRunSchedule_AddressFailureRecordedAsWithdrawal(t *testing.T) {
	s := baseSchedule()
	s.WithdrawalType = domain.WithdrawalDynamic
	s.WithdrawalLimit = dec("0.01")
	f := newFixture(s)
	f.wallet = stubWallet{err: errors.New("connection refused")}
	f.exchange.On("GetBalances", mock.Anything).Return([]domain.Balance{
		{Currency: "USDT", Amount: dec("500")},
		{Currency: "BTC", Amount: dec("0.02")},
	}, nil)
	f.exchange.On("GetPrice", mock.Anything, "BTCUSDT").Return(dec("50000"), nil)
	f.exchange.On("Buy", mock.Anything, "BTCUSDT", mock.Anything, mock.Anything, false).
		Return(domain.BuyResult{OrderID: "1", Amount: dec("0.002"), AveragePrice: dec("50000")}, nil)
	f.exchange.On("Close").Return(nil)

	err := f.runner().RunSchedule(context.Background(), 7)
	require.Error(t, err)

	events := f.store.recorded()
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventWithdrawal, events[1].Kind)
	assert.Equal(t, "connection refused", events[1].Error)
	f.exchange.AssertNotCalled(t, "Withdraw", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRunSchedule_FixedWithoutAddressIsConfigurationError(t *testing.T) {
	s := baseSchedule()
	s.WithdrawalType = domain.WithdrawalFixed
	s.WithdrawalLimit = dec("0.01")
	f := newFixture(s)
	f.exchange.On("GetBalances", mock.Anything).Return([]domain.Balance{
		{Currency: "USDT", Amount: dec("500")},
		{Currency: "BTC", Amount: dec("0.02")},
	}, nil)
	f.exchange.On("GetPrice", mock.Anything, "BTCUSDT").Return(dec("50000"), nil)
	f.exchange.On("Buy", mock.Anything, "BTCUSDT", mock.Anything, mock.Anything, false).
		Return(domain.BuyResult{OrderID: "1", Amount: dec("0.002"), AveragePrice: dec("50000")}, nil)
	f.exchange.On("Close").Return(nil)

	err := f.runner().RunSchedule(context.Background(), 7)
	require.ErrorIs(t, err, domain.ErrConfiguration)
	assert.Len(t, f.store.recorded(), 2)
}

func TestRunSchedule_WithdrawFailure(t *testing.T) {
	s := baseSchedule()
	s.WithdrawalType = domain.WithdrawalFixed
	s.WithdrawalAddress = "bc1qdest"
	s.WithdrawalLimit = dec("0.01")
	f := newFixture(s)
	f.exchange.On("GetBalances", mock.Anything).Return([]domain.Balance{
		{Currency: "USDT", Amount: dec("500")},
		{Currency: "BTC", Amount: dec("0.02")},
	}, nil)
	f.exchange.On("GetPrice", mock.Anything, "BTCUSDT").Return(dec("50000"), nil)
	f.exchange.On("Buy", mock.Anything, "BTCUSDT", mock.Anything, mock.Anything, false).
		Return(domain.BuyResult{OrderID: "1", Amount: dec("0.002"), AveragePrice: dec("50000")}, nil)
	f.exchange.On("Withdraw", mock.Anything, "BTC", "bc1qdest", mock.Anything).
		Return("", domain.NewExchangeError("withdraw", "address not whitelisted"))
	f.exchange.On("Close").Return(nil)

	err := f.runner().RunSchedule(context.Background(), 7)
	require.ErrorIs(t, err, domain.ErrExchangeOperationFailed)

	events := f.store.recorded()
	require.Len(t, events, 2)
	assert.Nil(t, events[1].Withdrawal)
	assert.Equal(t, "withdraw: address not whitelisted", events[1].Error)
}

func TestRunSchedule_NotFound(t *testing.T) {
	f := newFixture(baseSchedule())

	err := f.runner().RunSchedule(context.Background(), 99)
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.Empty(t, f.store.recorded())
	assert.Empty(t, f.factory.opened)
}

func TestRunSchedule_OpenFailureIsRecorded(t *testing.T) {
	f := newFixture(baseSchedule())
	f.factory.err = domain.NewConfigurationError("binance requires 2 credential values, got 1")

	err := f.runner().RunSchedule(context.Background(), 7)
	require.ErrorIs(t, err, domain.ErrConfiguration)

	events := f.store.recorded()
	require.Len(t, events, 1)
	assert.Equal(t, "binance requires 2 credential values, got 1", events[0].Error)
}

func TestRunSchedule_DeferredFlushPersistsEvents(t *testing.T) {
	f := newFixture(baseSchedule())
	f.store.failures = 1
	f.exchange.On("GetBalances", mock.Anything).Return([]domain.Balance{{Currency: "USDT", Amount: dec("500")}}, nil)
	f.exchange.On("GetPrice", mock.Anything, "BTCUSDT").Return(dec("50000"), nil)
	f.exchange.On("Buy", mock.Anything, "BTCUSDT", mock.Anything, mock.Anything, false).
		Return(domain.BuyResult{OrderID: "1", Amount: dec("0.002"), AveragePrice: dec("50000")}, nil)
	f.exchange.On("Close").Return(nil)

	require.NoError(t, f.runner().RunSchedule(context.Background(), 7))
	assert.Len(t, f.store.recorded(), 1)
	assert.Len(t, f.notifier.events, 1)
}

func TestRunSchedule_FlushFailureIsCombined(t *testing.T) {
	f := newFixture(baseSchedule())
	f.store.failures = 2
	f.exchange.On("GetBalances", mock.Anything).Return([]domain.Balance{{Currency: "USDT", Amount: dec("1")}}, nil)
	f.exchange.On("Close").Return(nil)

	err := f.runner().RunSchedule(context.Background(), 7)
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)
	assert.Contains(t, err.Error(), "database is locked")
	assert.Empty(t, f.store.recorded())
	assert.Empty(t, f.notifier.events)
}

func TestInvertAndBuyAmount(t *testing.T) {
	assert.False(t, Invert("BTCUSD", "USD", false))
	assert.True(t, Invert("XBTEUR", "EUR", true))
	assert.True(t, Invert("BTCUSDT", "BTC", false))
	assert.True(t, Invert("btcusdt", "USDT", true))

	assert.Equal(t, "0.00333333", BuyAmount(dec("100"), dec("30000"), false).String())
	assert.True(t, BuyAmount(dec("100"), dec("30000"), true).Equal(dec("100")))
}

func TestCurrencyBalanceFallback(t *testing.T) {
	ex := &mockExchange{}
	ex.On("GetBalances", mock.Anything).Return([]domain.Balance{{Currency: "BTC", Amount: dec("0.3")}}, nil)

	code, balance, err := currencyBalance(context.Background(), ex, "xxbt")
	require.NoError(t, err)
	assert.Equal(t, "XXBT", code)
	assert.True(t, balance.Equal(dec("0.3")))

	code, balance, err = currencyBalance(context.Background(), &mockExchangeEmpty{}, "eur")
	require.NoError(t, err)
	assert.Equal(t, "EUR", code)
	assert.True(t, balance.IsZero())
}

type mockExchangeEmpty struct {
	mockExchange
}

func (m *mockExchangeEmpty) GetBalances(ctx context.Context) ([]domain.Balance, error) {
	return nil, nil
}
