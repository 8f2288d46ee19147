package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// PrometheusSink implements Sink with the Prometheus client.
// Registration errors are logged and never propagated.
type PrometheusSink struct {
	logger *zap.Logger

	runsTotal       *prometheus.CounterVec
	runDuration     prometheus.Histogram
	boughtTotal     *prometheus.CounterVec
	withdrawnTotal  *prometheus.CounterVec
	eventsTotal     *prometheus.CounterVec
	lifecycleTotal  *prometheus.CounterVec
	schedulesActive prometheus.Gauge
}

func NewPrometheusSink(reg prometheus.Registerer, logger *zap.Logger) *PrometheusSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &PrometheusSink{logger: logger}

	s.runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "satstacker_runs_total",
		Help: "Total number of schedule runs by exchange and outcome.",
	}, []string{"exchange", "outcome"})
	s.runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "satstacker_run_duration_seconds",
		Help:    "Duration of schedule runs in seconds.",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
	})
	s.boughtTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "satstacker_bought_total",
		Help: "Total amount received by buys.",
	}, []string{"exchange", "symbol"})
	s.withdrawnTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "satstacker_withdrawn_total",
		Help: "Total amount withdrawn.",
	}, []string{"exchange", "currency"})
	s.eventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "satstacker_events_total",
		Help: "Total number of persisted schedule events.",
	}, []string{"kind", "failed"})
	s.lifecycleTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "satstacker_lifecycle_operations_total",
		Help: "Total number of schedule lifecycle operations.",
	}, []string{"op", "result"})
	s.schedulesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "satstacker_schedules_active",
		Help: "Number of schedules that are not paused.",
	})

	s.register(reg, s.runsTotal, "satstacker_runs_total")
	s.register(reg, s.runDuration, "satstacker_run_duration_seconds")
	s.register(reg, s.boughtTotal, "satstacker_bought_total")
	s.register(reg, s.withdrawnTotal, "satstacker_withdrawn_total")
	s.register(reg, s.eventsTotal, "satstacker_events_total")
	s.register(reg, s.lifecycleTotal, "satstacker_lifecycle_operations_total")
	s.register(reg, s.schedulesActive, "satstacker_schedules_active")

	return s
}

func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		s.logger.Warn("failed to register metric", zap.String("name", name), zap.Error(err))
	}
}

func (s *PrometheusSink) RunCompleted(exchange, outcome string, duration time.Duration) {
	s.runsTotal.WithLabelValues(exchange, outcome).Inc()
	s.runDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) Bought(exchange, symbol string, amount float64) {
	if amount > 0 {
		s.boughtTotal.WithLabelValues(exchange, symbol).Add(amount)
	}
}

func (s *PrometheusSink) Withdrawn(exchange, currency string, amount float64) {
	if amount > 0 {
		s.withdrawnTotal.WithLabelValues(exchange, currency).Add(amount)
	}
}

func (s *PrometheusSink) EventRecorded(kind string, failed bool) {
	s.eventsTotal.WithLabelValues(kind, strconv.FormatBool(failed)).Inc()
}

func (s *PrometheusSink) LifecycleOperation(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	s.lifecycleTotal.WithLabelValues(op, result).Inc()
}

func (s *PrometheusSink) SchedulesActive(count int) {
	s.schedulesActive.Set(float64(count))
}
