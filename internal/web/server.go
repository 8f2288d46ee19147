// Package web serves the schedule management API, the event stream and metrics.
package web

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/satstacker/internal/domain"
	"github.com/vadiminshakov/satstacker/internal/services/gateway"
	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"
)

const (
	heartbeatInterval = 20 * time.Second
	maxBodyBytes      = 1 << 20
)

// Manager is the schedule lifecycle the API exposes.
type Manager interface {
	AddSchedule(ctx context.Context, ns domain.NewSchedule, runToVerify bool) (domain.Schedule, error)
	PauseSchedule(ctx context.Context, id int64) error
	ResumeSchedule(ctx context.Context, id int64) error
	DeleteSchedule(ctx context.Context, id int64) error
	ListSchedules(ctx context.Context) ([]domain.ScheduleSummary, error)
	GetScheduleDetails(ctx context.Context, id int64) (domain.ScheduleDetails, error)
	ListSymbolBalances(ctx context.Context, exchange string, keys []string) ([]domain.SymbolBalance, error)
}

// EventFeed replays journaled events and streams new ones.
type EventFeed interface {
	Replay(after uint64) ([]domain.EventRecord, error)
	Subscribe() chan domain.EventRecord
	Unsubscribe(ch chan domain.EventRecord)
}

type Server struct {
	addr     string
	manager  Manager
	events   EventFeed
	gatherer prometheus.Gatherer
	logger   *zap.Logger
}

// NewServer creates a server. A nil gatherer disables /metrics, a nil feed disables the stream.
func NewServer(addr string, manager Manager, events EventFeed, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{addr: addr, manager: manager, events: events, gatherer: gatherer, logger: logger}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /schedules", s.handleList)
	mux.HandleFunc("POST /schedules", s.handleAdd)
	mux.HandleFunc("GET /schedules/{id}", s.handleDetails)
	mux.HandleFunc("DELETE /schedules/{id}", s.handleDelete)
	mux.HandleFunc("POST /schedules/{id}/pause", s.handlePause)
	mux.HandleFunc("POST /schedules/{id}/resume", s.handleResume)
	mux.HandleFunc("GET /exchanges", s.handleExchanges)
	mux.HandleFunc("POST /exchanges/{name}/symbols", s.handleSymbols)
	mux.HandleFunc("GET /events/stream", s.handleEventStream)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// Start runs the HTTP server (blocking) and shuts it down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("http api listening", zap.String("addr", s.addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// StartWithAutoTLS serves HTTPS with ACME certificates for host and answers
// HTTP-01 challenges on port 80.
func (s *Server) StartWithAutoTLS(ctx context.Context, host, cacheDir string) error {
	if host == "" {
		return fmt.Errorf("no domain provided for automatic TLS")
	}
	if cacheDir == "" {
		cacheDir = "cert-cache"
	}

	manager := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(host),
		Cache:      autocert.DirCache(cacheDir),
	}

	httpSrv := &http.Server{
		Addr:              ":80",
		Handler:           manager.HTTPHandler(nil),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	tlsConfig := manager.TLSConfig()
	tlsConfig.MinVersion = tls.VersionTLS12

	httpsSrv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
		TLSConfig:         tlsConfig,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn("http (acme) server shutdown error", zap.Error(err))
		}
		if err := httpsSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn("https server shutdown error", zap.Error(err))
		}
	}()

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http (acme) server error", zap.Error(err))
		}
	}()

	s.logger.Info("https api listening", zap.String("addr", s.addr), zap.String("domain", host))
	if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type newScheduleRequest struct {
	Exchange          string          `json:"exchange"`
	Spend             decimal.Decimal `json:"spend"`
	SpendCurrency     string          `json:"spend_currency"`
	Symbol            string          `json:"symbol"`
	Cron              string          `json:"cron"`
	Start             *time.Time      `json:"start,omitempty"`
	WithdrawalType    string          `json:"withdrawal_type"`
	WithdrawalAddress string          `json:"withdrawal_address,omitempty"`
	WithdrawalLimit   decimal.Decimal `json:"withdrawal_limit"`
	Keys              []string        `json:"keys"`
	RunToVerify       bool            `json:"run_to_verify"`
}

type keysRequest struct {
	Keys []string `json:"keys"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	list, err := s.manager.ListSchedules(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleDetails(w http.ResponseWriter, r *http.Request) {
	id, ok := s.scheduleID(w, r)
	if !ok {
		return
	}
	details, err := s.manager.GetScheduleDetails(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	var req newScheduleRequest
	if !s.decode(w, r, &req) {
		return
	}

	withdrawalType, err := domain.ParseWithdrawalType(req.WithdrawalType)
	if err != nil {
		s.writeError(w, err)
		return
	}

	ns := domain.NewSchedule{
		Schedule: domain.Schedule{
			Exchange:          req.Exchange,
			Spend:             req.Spend,
			SpendCurrency:     req.SpendCurrency,
			Symbol:            req.Symbol,
			Cron:              req.Cron,
			WithdrawalType:    withdrawalType,
			WithdrawalAddress: req.WithdrawalAddress,
			WithdrawalLimit:   req.WithdrawalLimit,
		},
		Keys: req.Keys,
	}
	if req.Start != nil {
		ns.Schedule.Start = req.Start.UTC()
	}

	created, err := s.manager.AddSchedule(r.Context(), ns, req.RunToVerify)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, s.manager.PauseSchedule)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, s.manager.ResumeSchedule)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, s.manager.DeleteSchedule)
}

func (s *Server) mutate(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id int64) error) {
	id, ok := s.scheduleID(w, r)
	if !ok {
		return
	}
	if err := op(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExchanges(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, gateway.Exchanges())
}

func (s *Server) handleSymbols(w http.ResponseWriter, r *http.Request) {
	var req keysRequest
	if !s.decode(w, r, &req) {
		return
	}
	balances, err := s.manager.ListSymbolBalances(r.Context(), r.PathValue("name"), req.Keys)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balances)
}

func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, "event feed not available")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	// subscribe before replaying so nothing published in between is lost
	live := s.events.Subscribe()
	defer s.events.Unsubscribe(live)

	lastIndex := parseLastEventID(r.Header.Get("Last-Event-ID"), r.URL.Query().Get("last_event_id"))
	records, err := s.events.Replay(lastIndex)
	if err != nil {
		s.logger.Error("event stream initial load", zap.Error(err))
		http.Error(w, "failed to load events", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	send := func(record domain.EventRecord) error {
		payload, err := json.Marshal(record.Event)
		if err != nil {
			return err
		}
		if record.Index > 0 {
			fmt.Fprintf(w, "id: %d\n", record.Index)
			lastIndex = record.Index
		}
		fmt.Fprintf(w, "event: %s\n", record.Event.Kind)
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
		return nil
	}

	for _, record := range records {
		if err := send(record); err != nil {
			s.logger.Warn("event stream encode", zap.Error(err))
			return
		}
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()
		case record, ok := <-live:
			if !ok {
				return
			}
			if record.Index > 0 && record.Index <= lastIndex {
				continue
			}
			if err := send(record); err != nil {
				s.logger.Warn("event stream encode", zap.Error(err))
				return
			}
		}
	}
}

func (s *Server) scheduleID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, domain.NewConfigurationError("invalid schedule id %q", r.PathValue("id")))
		return 0, false
	}
	return id, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		s.writeError(w, domain.NewConfigurationError("invalid request body: %v", err))
		return false
	}
	return true
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Int("status", status), zap.Error(err))
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// StatusFor maps domain error kinds to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrInsufficientBalance), errors.Is(err, domain.ErrExchangeOperationFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// parseLastEventID extracts an SSE event ID from either the Last-Event-ID header or a query parameter.
func parseLastEventID(headerVal, queryVal string) uint64 {
	idStr := strings.TrimSpace(headerVal)
	if idStr == "" {
		idStr = strings.TrimSpace(queryVal)
	}
	if idStr == "" {
		return 0
	}
	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		return 0
	}
	return id
}
