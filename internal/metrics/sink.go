// Package metrics records schedule run and lifecycle metrics.
package metrics

import "time"

// Sink records metrics. Implementations must not block or return errors.
type Sink interface {
	RunCompleted(exchange, outcome string, duration time.Duration)
	Bought(exchange, symbol string, amount float64)
	Withdrawn(exchange, currency string, amount float64)
	EventRecorded(kind string, failed bool)
	LifecycleOperation(op string, err error)
	SchedulesActive(count int)
}

// Run outcomes.
const (
	OutcomeSuccess        = "success"
	OutcomeBuyFailed      = "buy_failed"
	OutcomeWithdrawFailed = "withdraw_failed"
	OutcomeError          = "error"
)
