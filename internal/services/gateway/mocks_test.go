package gateway

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/vadiminshakov/satstacker/internal/domain"
)

type mockAPI struct {
	mock.Mock
}

func (m *mockAPI) GetBalances(ctx context.Context) ([]domain.Balance, error) {
	args := m.Called(ctx)
	balances, _ := args.Get(0).([]domain.Balance)
	return balances, args.Error(1)
}

func (m *mockAPI) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	args := m.Called(ctx, symbol)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func (m *mockAPI) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(domain.OrderResult), args.Error(1)
}

func (m *mockAPI) GetOrderDetails(ctx context.Context, symbol, orderID string) (domain.OrderResult, error) {
	args := m.Called(ctx, symbol, orderID)
	return args.Get(0).(domain.OrderResult), args.Error(1)
}

func (m *mockAPI) Withdraw(ctx context.Context, req domain.WithdrawalRequest) (domain.WithdrawalResponse, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(domain.WithdrawalResponse), args.Error(1)
}

func (m *mockAPI) GetMarketSymbols(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	symbols, _ := args.Get(0).([]string)
	return symbols, args.Error(1)
}

func (m *mockAPI) Close() error {
	return m.Called().Error(0)
}
