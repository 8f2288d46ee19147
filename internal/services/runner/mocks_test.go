package runner

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/vadiminshakov/satstacker/internal/domain"
	"github.com/vadiminshakov/satstacker/internal/services/gateway"
)

type mockExchange struct {
	mock.Mock
}

func (m *mockExchange) GetBalances(ctx context.Context) ([]domain.Balance, error) {
	args := m.Called(ctx)
	balances, _ := args.Get(0).([]domain.Balance)
	return balances, args.Error(1)
}

func (m *mockExchange) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	args := m.Called(ctx, symbol)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func (m *mockExchange) Buy(ctx context.Context, symbol string, amount decimal.Decimal, orderType domain.OrderType, invert bool) (domain.BuyResult, error) {
	args := m.Called(ctx, symbol, amount, orderType, invert)
	return args.Get(0).(domain.BuyResult), args.Error(1)
}

func (m *mockExchange) Withdraw(ctx context.Context, currency, address string, amount decimal.Decimal) (string, error) {
	args := m.Called(ctx, currency, address, amount)
	return args.String(0), args.Error(1)
}

func (m *mockExchange) GetSymbolsMatching(ctx context.Context, currency, prefixes string) ([]domain.Symbol, error) {
	args := m.Called(ctx, currency, prefixes)
	symbols, _ := args.Get(0).([]domain.Symbol)
	return symbols, args.Error(1)
}

func (m *mockExchange) Close() error {
	return m.Called().Error(0)
}

type stubFactory struct {
	exchange gateway.Exchange
	err      error
	opened   []string
}

func (f *stubFactory) Open(ctx context.Context, exchange string, keys []string) (gateway.Exchange, error) {
	f.opened = append(f.opened, exchange)
	if f.err != nil {
		return nil, f.err
	}
	return f.exchange, nil
}

type memStore struct {
	mu        sync.Mutex
	schedules map[int64]domain.Schedule
	events    []domain.Event
	// failures makes the next n AppendEvents calls fail
	failures int
	nextID   int64
}

func newMemStore(schedules ...domain.Schedule) *memStore {
	s := &memStore{schedules: make(map[int64]domain.Schedule)}
	for _, sc := range schedules {
		s.schedules[sc.ID] = sc
	}
	return s
}

func (s *memStore) GetSchedule(ctx context.Context, id int64) (domain.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.schedules[id]
	if !ok {
		return domain.Schedule{}, domain.NewNotFoundError(id)
	}
	return sc, nil
}

func (s *memStore) AppendEvents(ctx context.Context, events ...*domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("database is locked")
	}
	for _, e := range events {
		if err := e.Validate(); err != nil {
			return err
		}
		s.nextID++
		e.ID = s.nextID
		s.events = append(s.events, *e)
	}
	return nil
}

func (s *memStore) recorded() []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Event(nil), s.events...)
}

type stubKeys struct {
	err error
}

func (k stubKeys) Load(scheduleID int64) ([]string, error) {
	if k.err != nil {
		return nil, k.err
	}
	return []string{"key", "secret"}, nil
}

type stubWallet struct {
	address string
	err     error
}

func (w stubWallet) GenerateDepositAddress(ctx context.Context) (string, error) {
	return w.address, w.err
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []domain.Event
}

func (n *recordingNotifier) Notify(event domain.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

type staticOptions map[string]domain.ExchangeOptions

func (o staticOptions) ExchangeOptions(exchange string) domain.ExchangeOptions {
	if opts, ok := o[exchange]; ok {
		return opts
	}
	return domain.DefaultExchangeOptions()
}
