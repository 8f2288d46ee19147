package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventKind tags the variant of an Event.
type EventKind string

const (
	EventCreated    EventKind = "create"
	EventPaused     EventKind = "pause"
	EventResumed    EventKind = "resume"
	EventBuy        EventKind = "buy"
	EventWithdrawal EventKind = "withdrawal"
)

// BuyDetails is the payload of a successful buy.
type BuyDetails struct {
	Price    decimal.Decimal `json:"price"`
	Received decimal.Decimal `json:"received"`
	OrderID  string          `json:"order_id"`
}

// WithdrawalDetails is the payload of a successful withdrawal.
type WithdrawalDetails struct {
	Address      string          `json:"address"`
	Amount       decimal.Decimal `json:"amount"`
	WithdrawalID string          `json:"withdrawal_id"`
}

// Event is an immutable record of something that happened to a schedule.
// Buy and withdrawal events carry either their payload or an error message.
type Event struct {
	ID         int64              `json:"id"`
	ScheduleID int64              `json:"schedule_id"`
	Kind       EventKind          `json:"kind"`
	Timestamp  time.Time          `json:"timestamp"`
	Error      string             `json:"error,omitempty"`
	Buy        *BuyDetails        `json:"buy,omitempty"`
	Withdrawal *WithdrawalDetails `json:"withdrawal,omitempty"`
}

// Failed reports whether the event records a failure.
func (e Event) Failed() bool {
	return e.Error != ""
}

// Validate checks that the payload matches the event kind.
func (e Event) Validate() error {
	if e.ScheduleID == 0 {
		return NewConfigurationError("event schedule id is required")
	}

	switch e.Kind {
	case EventCreated, EventPaused, EventResumed:
		if e.Buy != nil || e.Withdrawal != nil {
			return NewConfigurationError("%s event must not carry a payload", e.Kind)
		}
	case EventBuy:
		if e.Withdrawal != nil {
			return NewConfigurationError("buy event must not carry a withdrawal payload")
		}
		if (e.Buy == nil) == (e.Error == "") {
			return NewConfigurationError("buy event must carry exactly one of payload or error")
		}
	case EventWithdrawal:
		if e.Buy != nil {
			return NewConfigurationError("withdrawal event must not carry a buy payload")
		}
		if (e.Withdrawal == nil) == (e.Error == "") {
			return NewConfigurationError("withdrawal event must carry exactly one of payload or error")
		}
	default:
		return NewConfigurationError("unknown event kind %q", e.Kind)
	}

	return nil
}

// NewLifecycleEvent creates a created, paused or resumed event.
func NewLifecycleEvent(scheduleID int64, kind EventKind, at time.Time) Event {
	return Event{ScheduleID: scheduleID, Kind: kind, Timestamp: at}
}

// NewBuyEvent records a successful buy.
func NewBuyEvent(scheduleID int64, at time.Time, details BuyDetails) Event {
	return Event{ScheduleID: scheduleID, Kind: EventBuy, Timestamp: at, Buy: &details}
}

// NewBuyFailedEvent records a failed buy.
func NewBuyFailedEvent(scheduleID int64, at time.Time, err error) Event {
	return Event{ScheduleID: scheduleID, Kind: EventBuy, Timestamp: at, Error: ErrorMessage(err)}
}

// NewWithdrawalEvent records a successful withdrawal.
func NewWithdrawalEvent(scheduleID int64, at time.Time, details WithdrawalDetails) Event {
	return Event{ScheduleID: scheduleID, Kind: EventWithdrawal, Timestamp: at, Withdrawal: &details}
}

// NewWithdrawalFailedEvent records a failed withdrawal.
func NewWithdrawalFailedEvent(scheduleID int64, at time.Time, err error) Event {
	return Event{ScheduleID: scheduleID, Kind: EventWithdrawal, Timestamp: at, Error: ErrorMessage(err)}
}

// EventRecord pairs an event with its position in the notification journal.
type EventRecord struct {
	Index uint64 `json:"index"`
	Event Event  `json:"event"`
}
