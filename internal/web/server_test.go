package web

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/satstacker/internal/domain"
	"go.uber.org/zap"
)

type mockManager struct {
	mock.Mock
}

func (m *mockManager) AddSchedule(ctx context.Context, ns domain.NewSchedule, runToVerify bool) (domain.Schedule, error) {
	args := m.Called(ctx, ns, runToVerify)
	return args.Get(0).(domain.Schedule), args.Error(1)
}

func (m *mockManager) PauseSchedule(ctx context.Context, id int64) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockManager) ResumeSchedule(ctx context.Context, id int64) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockManager) DeleteSchedule(ctx context.Context, id int64) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockManager) ListSchedules(ctx context.Context) ([]domain.ScheduleSummary, error) {
	args := m.Called(ctx)
	return args.Get(0).([]domain.ScheduleSummary), args.Error(1)
}

func (m *mockManager) GetScheduleDetails(ctx context.Context, id int64) (domain.ScheduleDetails, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(domain.ScheduleDetails), args.Error(1)
}

func (m *mockManager) ListSymbolBalances(ctx context.Context, exchange string, keys []string) ([]domain.SymbolBalance, error) {
	args := m.Called(ctx, exchange, keys)
	return args.Get(0).([]domain.SymbolBalance), args.Error(1)
}

type fakeFeed struct {
	replay []domain.EventRecord
	live   chan domain.EventRecord
	after  uint64
}

func (f *fakeFeed) Replay(after uint64) ([]domain.EventRecord, error) {
	f.after = after
	return f.replay, nil
}

func (f *fakeFeed) Subscribe() chan domain.EventRecord { return f.live }

func (f *fakeFeed) Unsubscribe(ch chan domain.EventRecord) {}

func newTestServer(t *testing.T, m *mockManager, feed EventFeed, gatherer prometheus.Gatherer) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewServer("", m, feed, gatherer, zap.NewNop()).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, body string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(payload)
}

func TestListSchedules(t *testing.T) {
	m := &mockManager{}
	m.On("ListSchedules", mock.Anything).Return([]domain.ScheduleSummary{
		{Schedule: domain.Schedule{ID: 1, Exchange: "binance"}, TotalAccumulated: decimal.RequireFromString("0.0045")},
	}, nil)
	srv := newTestServer(t, m, nil, nil)

	resp, body := do(t, http.MethodGet, srv.URL+"/schedules", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"total_accumulated":"0.0045"`)
}

func TestScheduleErrorsMapToStatus(t *testing.T) {
	m := &mockManager{}
	m.On("GetScheduleDetails", mock.Anything, int64(5)).Return(domain.ScheduleDetails{}, domain.NewNotFoundError(5))
	m.On("PauseSchedule", mock.Anything, int64(6)).Return(errors.Wrap(domain.NewExchangeError("pause", "boom"), "x"))
	m.On("DeleteSchedule", mock.Anything, int64(3)).Return(nil)
	srv := newTestServer(t, m, nil, nil)

	resp, body := do(t, http.MethodGet, srv.URL+"/schedules/5", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, body, "schedule 5 not found")

	resp, _ = do(t, http.MethodPost, srv.URL+"/schedules/abc/pause", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, srv.URL+"/schedules/6/pause", "")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	resp, _ = do(t, http.MethodDelete, srv.URL+"/schedules/3", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestAddSchedule(t *testing.T) {
	m := &mockManager{}
	m.On("AddSchedule", mock.Anything, mock.MatchedBy(func(ns domain.NewSchedule) bool {
		s := ns.Schedule
		return s.Exchange == "binance" &&
			s.Spend.Equal(decimal.NewFromInt(25)) &&
			s.WithdrawalType == domain.WithdrawalFixed &&
			s.WithdrawalAddress == "bc1qdest" &&
			s.Start.Equal(time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)) &&
			len(ns.Keys) == 2
	}), true).Return(domain.Schedule{ID: 9, Exchange: "binance"}, nil)
	srv := newTestServer(t, m, nil, nil)

	body := `{"exchange":"binance","spend":"25","spend_currency":"USDT","symbol":"BTCUSDT",
"cron":"0 9 * * 1","start":"2024-05-01T10:00:00+02:00","withdrawal_type":"fixed",
"withdrawal_address":"bc1qdest","withdrawal_limit":"0.01","keys":["k","s"],"run_to_verify":true}`

	resp, payload := do(t, http.MethodPost, srv.URL+"/schedules", body)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Contains(t, payload, `"id":9`)
	m.AssertExpectations(t)
}

func TestAddSchedule_BadRequests(t *testing.T) {
	m := &mockManager{}
	m.On("AddSchedule", mock.Anything, mock.Anything, false).
		Return(domain.Schedule{}, &domain.InsufficientBalanceError{Currency: "USDT"})
	srv := newTestServer(t, m, nil, nil)

	resp, _ := do(t, http.MethodPost, srv.URL+"/schedules", `{"unknown":1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, srv.URL+"/schedules", `{"withdrawal_type":"teleport"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, srv.URL+"/schedules", `{"exchange":"binance","withdrawal_type":"none"}`)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestSymbolsAndExchanges(t *testing.T) {
	m := &mockManager{}
	m.On("ListSymbolBalances", mock.Anything, "binance", []string{"k", "s"}).Return([]domain.SymbolBalance{
		{Symbol: domain.Symbol{Name: "BTCUSDT", Spend: "USDT", Receive: "BTC"}, Amount: decimal.NewFromInt(100)},
	}, nil)
	srv := newTestServer(t, m, nil, nil)

	resp, body := do(t, http.MethodPost, srv.URL+"/exchanges/binance/symbols", `{"keys":["k","s"]}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"spend":"USDT"`)

	resp, body = do(t, http.MethodGet, srv.URL+"/exchanges", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"simulate"`)
}

func TestEventStream_ReplaysThenStreamsLive(t *testing.T) {
	at := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	second := domain.EventRecord{Index: 2, Event: domain.NewLifecycleEvent(1, domain.EventPaused, at)}
	third := domain.EventRecord{Index: 3, Event: domain.NewLifecycleEvent(1, domain.EventResumed, at)}

	feed := &fakeFeed{replay: []domain.EventRecord{second}, live: make(chan domain.EventRecord, 2)}
	feed.live <- second
	feed.live <- third
	srv := newTestServer(t, &mockManager{}, feed, nil)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/events/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var ids, kinds []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "id: ") {
			ids = append(ids, strings.TrimPrefix(line, "id: "))
		}
		if strings.HasPrefix(line, "event: ") {
			kinds = append(kinds, strings.TrimPrefix(line, "event: "))
		}
		if line == "id: 3" {
			break
		}
	}

	assert.Equal(t, uint64(1), feed.after)
	assert.Equal(t, []string{"2", "3"}, ids)
	assert.Equal(t, []string{"pause", "resume"}, kinds)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "satstacker_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()
	srv := newTestServer(t, &mockManager{}, nil, reg)

	resp, body := do(t, http.MethodGet, srv.URL+"/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "satstacker_test_total 1")
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, StatusFor(domain.NewNotFoundError(1)))
	assert.Equal(t, http.StatusBadRequest, StatusFor(domain.NewConfigurationError("x")))
	assert.Equal(t, http.StatusBadGateway, StatusFor(&domain.InsufficientBalanceError{}))
	assert.Equal(t, http.StatusBadGateway, StatusFor(domain.NewExchangeError("buy", "x")))
	assert.Equal(t, http.StatusInternalServerError, StatusFor(domain.WrapInfrastructure(errors.New("disk"), "write")))
	assert.Equal(t, http.StatusInternalServerError, StatusFor(errors.New("other")))
}
