// Package runner executes one buy-then-withdraw cycle of a schedule.
package runner

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/satstacker/internal/domain"
	"github.com/vadiminshakov/satstacker/internal/metrics"
	"github.com/vadiminshakov/satstacker/internal/services/gateway"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	// fallbackCurrency is tried when an exchange reports balances under another code than it trades (XXBT vs BTC).
	fallbackCurrency = "BTC"
	buyPrecision     = 8
)

// ScheduleStore reads schedules and records their events.
type ScheduleStore interface {
	GetSchedule(ctx context.Context, id int64) (domain.Schedule, error)
	AppendEvents(ctx context.Context, events ...*domain.Event) error
}

// KeyStore loads the credentials of a schedule.
type KeyStore interface {
	Load(scheduleID int64) ([]string, error)
}

// WalletService generates deposit addresses for Dynamic withdrawals.
type WalletService interface {
	GenerateDepositAddress(ctx context.Context) (string, error)
}

// Notifier receives every event after it is persisted.
type Notifier interface {
	Notify(event domain.Event)
}

// OptionsProvider returns per-exchange run settings.
type OptionsProvider interface {
	ExchangeOptions(exchange string) domain.ExchangeOptions
}

// Runner is safe for concurrent runs of different schedules.
type Runner struct {
	store    ScheduleStore
	keys     KeyStore
	gateways gateway.Factory
	wallet   WalletService
	notifier Notifier
	options  OptionsProvider
	metrics  metrics.Sink
	logger   *zap.Logger
	now      func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithWallet sets the deposit address source for Dynamic withdrawals.
func WithWallet(w WalletService) Option {
	return func(r *Runner) { r.wallet = w }
}

func WithNotifier(n Notifier) Option {
	return func(r *Runner) { r.notifier = n }
}

func WithMetrics(m metrics.Sink) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithClock replaces the event timestamp source.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

func New(store ScheduleStore, keys KeyStore, gateways gateway.Factory, options OptionsProvider, logger *zap.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runner{
		store:    store,
		keys:     keys,
		gateways: gateways,
		options:  options,
		metrics:  metrics.NewNoopSink(),
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunSchedule buys and then withdraws for schedule id. Every failure after the
// schedule is loaded is recorded as an event before it is returned.
func (r *Runner) RunSchedule(ctx context.Context, id int64) (err error) {
	started := r.now()

	schedule, err := r.store.GetSchedule(ctx, id)
	if err != nil {
		return err
	}

	logger := r.logger.With(zap.Int64("schedule_id", id), zap.String("exchange", schedule.Exchange))
	rec := &recorder{runner: r, logger: logger}
	outcome := metrics.OutcomeError

	defer func() {
		if ferr := rec.flush(context.WithoutCancel(ctx)); ferr != nil {
			err = multierr.Append(err, ferr)
		}
		r.metrics.RunCompleted(schedule.Exchange, outcome, r.now().Sub(started))
	}()

	ex, err := r.openGateway(ctx, schedule)
	if err != nil {
		logger.Error("failed to open exchange", zap.Error(err))
		rec.record(ctx, domain.NewBuyFailedEvent(id, r.now().UTC(), err))
		outcome = metrics.OutcomeBuyFailed
		return err
	}
	defer func() {
		if cerr := ex.Close(); cerr != nil {
			logger.Warn("failed to close exchange", zap.Error(cerr))
		}
	}()

	opts := r.options.ExchangeOptions(schedule.Exchange)

	if err := r.buy(ctx, ex, schedule, opts, rec, logger); err != nil {
		outcome = metrics.OutcomeBuyFailed
		return err
	}
	if err := r.withdraw(ctx, ex, schedule, opts, rec, logger); err != nil {
		outcome = metrics.OutcomeWithdrawFailed
		return err
	}

	outcome = metrics.OutcomeSuccess
	return nil
}

func (r *Runner) openGateway(ctx context.Context, schedule domain.Schedule) (gateway.Exchange, error) {
	keys, err := r.keys.Load(schedule.ID)
	if err != nil {
		return nil, err
	}
	return r.gateways.Open(ctx, schedule.Exchange, keys)
}

func (r *Runner) buy(ctx context.Context, ex gateway.Exchange, s domain.Schedule, opts domain.ExchangeOptions, rec *recorder, logger *zap.Logger) error {
	details, err := r.placeBuy(ctx, ex, s, opts, logger)
	if err != nil {
		logger.Error("buy failed", zap.Error(err))
		rec.record(ctx, domain.NewBuyFailedEvent(s.ID, r.now().UTC(), err))
		return err
	}

	logger.Info("buy completed",
		zap.String("symbol", s.Symbol),
		zap.String("received", details.Received.String()),
		zap.String("price", details.Price.String()),
		zap.String("order_id", details.OrderID))

	rec.record(ctx, domain.NewBuyEvent(s.ID, r.now().UTC(), details))
	r.metrics.Bought(s.Exchange, s.Symbol, details.Received.InexactFloat64())
	return nil
}

func (r *Runner) placeBuy(ctx context.Context, ex gateway.Exchange, s domain.Schedule, opts domain.ExchangeOptions, logger *zap.Logger) (domain.BuyDetails, error) {
	_, balance, err := currencyBalance(ctx, ex, s.SpendCurrency)
	if err != nil {
		return domain.BuyDetails{}, err
	}
	if balance.LessThan(s.Spend) {
		return domain.BuyDetails{}, &domain.InsufficientBalanceError{
			Currency:  strings.ToUpper(s.SpendCurrency),
			Available: balance,
			Required:  s.Spend,
		}
	}

	price, err := ex.GetPrice(ctx, s.Symbol)
	if err != nil {
		return domain.BuyDetails{}, err
	}
	if !price.IsPositive() {
		return domain.BuyDetails{}, domain.NewExchangeError("price", "exchange returned non-positive price %s for %s", price, s.Symbol)
	}

	invert := Invert(s.Symbol, s.SpendCurrency, opts.ReverseCurrencies)
	amount := BuyAmount(s.Spend, price, invert)

	logger.Info("going to buy",
		zap.String("symbol", s.Symbol),
		zap.String("amount", amount.String()),
		zap.Bool("invert", invert))

	result, err := ex.Buy(ctx, s.Symbol, amount, opts.BuyOrderType, invert)
	if err != nil {
		return domain.BuyDetails{}, err
	}

	received := result.Amount
	if invert {
		received = result.AveragePrice.Mul(result.Amount)
	}

	return domain.BuyDetails{
		Price:    result.AveragePrice,
		Received: received,
		OrderID:  result.OrderID,
	}, nil
}

func (r *Runner) withdraw(ctx context.Context, ex gateway.Exchange, s domain.Schedule, opts domain.ExchangeOptions, rec *recorder, logger *zap.Logger) error {
	if s.WithdrawalType == domain.WithdrawalNone {
		return nil
	}

	currency, balance, err := currencyBalance(ctx, ex, opts.BitcoinSymbol)
	if err != nil {
		return r.withdrawFailed(ctx, s, rec, logger, err)
	}
	if balance.LessThan(s.WithdrawalLimit) {
		logger.Info("balance is below withdrawal limit, skipping",
			zap.String("currency", currency),
			zap.String("balance", balance.String()),
			zap.String("limit", s.WithdrawalLimit.String()))
		return nil
	}

	amount := gateway.WithdrawalAmount(balance.Sub(opts.WithdrawalReserve))
	if !amount.IsPositive() {
		logger.Info("balance does not exceed withdrawal reserve, skipping",
			zap.String("currency", currency),
			zap.String("balance", balance.String()),
			zap.String("reserve", opts.WithdrawalReserve.String()))
		return nil
	}

	address, err := r.withdrawalAddress(ctx, s)
	if err != nil {
		return r.withdrawFailed(ctx, s, rec, logger, err)
	}

	logger.Info("going to withdraw",
		zap.String("currency", currency),
		zap.String("amount", amount.String()),
		zap.String("address", address))

	id, err := ex.Withdraw(ctx, currency, address, amount)
	if err != nil {
		return r.withdrawFailed(ctx, s, rec, logger, err)
	}

	if _, newBalance, err := currencyBalance(ctx, ex, opts.BitcoinSymbol); err != nil {
		logger.Warn("failed to read balance after withdrawal", zap.Error(err))
	} else {
		logger.Info("withdrawal succeeded",
			zap.String("withdrawal_id", id),
			zap.String("balance", newBalance.String()))
	}

	rec.record(ctx, domain.NewWithdrawalEvent(s.ID, r.now().UTC(), domain.WithdrawalDetails{
		Address:      address,
		Amount:       amount,
		WithdrawalID: id,
	}))
	r.metrics.Withdrawn(s.Exchange, currency, amount.InexactFloat64())
	return nil
}

func (r *Runner) withdrawFailed(ctx context.Context, s domain.Schedule, rec *recorder, logger *zap.Logger, err error) error {
	logger.Error("withdrawal failed", zap.Error(err))
	rec.record(ctx, domain.NewWithdrawalFailedEvent(s.ID, r.now().UTC(), err))
	return err
}

func (r *Runner) withdrawalAddress(ctx context.Context, s domain.Schedule) (string, error) {
	switch s.WithdrawalType {
	case domain.WithdrawalFixed:
		if s.WithdrawalAddress == "" {
			return "", domain.NewConfigurationError("withdrawal type is fixed, but the address is empty")
		}
		return s.WithdrawalAddress, nil
	case domain.WithdrawalNamed:
		return "", nil
	case domain.WithdrawalDynamic:
		if r.wallet == nil {
			return "", domain.NewConfigurationError("withdrawal type is dynamic, but no wallet is configured")
		}
		address, err := r.wallet.GenerateDepositAddress(ctx)
		if err != nil {
			return "", errors.Wrap(err, "generate deposit address")
		}
		return address, nil
	default:
		return "", domain.NewConfigurationError("unknown withdrawal type %q", s.WithdrawalType)
	}
}

// Invert reports whether the spend currency is the base of symbol, in which case
// the order sells spend instead of buying with it. reversed flips the result for
// exchanges that list symbols quote first.
func Invert(symbol, spendCurrency string, reversed bool) bool {
	return !domain.SymbolEndsWith(symbol, spendCurrency) != reversed
}

// BuyAmount is the order size for spend at price.
func BuyAmount(spend, price decimal.Decimal, invert bool) decimal.Decimal {
	if invert {
		return spend
	}
	return spend.Div(price).Round(buyPrecision)
}

// currencyBalance looks currency up case-insensitively, then BTC, then reports zero.
// The returned code is always the requested one upper-cased.
func currencyBalance(ctx context.Context, ex gateway.Exchange, currency string) (string, decimal.Decimal, error) {
	code := strings.ToUpper(currency)
	balances, err := ex.GetBalances(ctx)
	if err != nil {
		return code, decimal.Zero, err
	}

	for _, b := range balances {
		if strings.EqualFold(b.Currency, code) {
			return code, b.Amount, nil
		}
	}
	for _, b := range balances {
		if strings.EqualFold(b.Currency, fallbackCurrency) {
			return code, b.Amount, nil
		}
	}
	return code, decimal.Zero, nil
}
