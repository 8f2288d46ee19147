package metrics

import "time"

// NoopSink is used when metrics are disabled.
type NoopSink struct{}

func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) RunCompleted(exchange, outcome string, duration time.Duration) {}
func (n *NoopSink) Bought(exchange, symbol string, amount float64)              {}
func (n *NoopSink) Withdrawn(exchange, currency string, amount float64)           {}
func (n *NoopSink) EventRecorded(kind string, failed bool)                        {}
func (n *NoopSink) LifecycleOperation(op string, err error)                       {}
func (n *NoopSink) SchedulesActive(count int)                                     {}
