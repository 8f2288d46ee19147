// Package domain defines core data structures used by the accumulation engine.
package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// WithdrawalType controls where accumulated funds are sent after a buy.
type WithdrawalType string

const (
	WithdrawalNone    WithdrawalType = "none"
	WithdrawalFixed   WithdrawalType = "fixed"
	WithdrawalNamed   WithdrawalType = "named"
	WithdrawalDynamic WithdrawalType = "dynamic"
)

// ParseWithdrawalType converts user input into a WithdrawalType.
func ParseWithdrawalType(s string) (WithdrawalType, error) {
	switch WithdrawalType(strings.ToLower(strings.TrimSpace(s))) {
	case "", WithdrawalNone:
		return WithdrawalNone, nil
	case WithdrawalFixed:
		return WithdrawalFixed, nil
	case WithdrawalNamed:
		return WithdrawalNamed, nil
	case WithdrawalDynamic:
		return WithdrawalDynamic, nil
	default:
		return "", NewConfigurationError("unknown withdrawal type %q", s)
	}
}

// Schedule is a persisted recurring buy (and optional withdrawal) plan.
type Schedule struct {
	ID                int64           `json:"id"`
	Exchange          string          `json:"exchange"`
	Spend             decimal.Decimal `json:"spend"`
	SpendCurrency     string          `json:"spend_currency"`
	Symbol            string          `json:"symbol"`
	Cron              string          `json:"cron"`
	Start             time.Time       `json:"start"`
	WithdrawalType    WithdrawalType  `json:"withdrawal_type"`
	WithdrawalAddress string          `json:"withdrawal_address,omitempty"`
	WithdrawalLimit   decimal.Decimal `json:"withdrawal_limit"`
	IsPaused          bool            `json:"is_paused"`
}

// Validate checks the invariants every stored schedule must satisfy.
func (s Schedule) Validate() error {
	if strings.TrimSpace(s.Exchange) == "" {
		return NewConfigurationError("exchange is required")
	}
	if strings.TrimSpace(s.Symbol) == "" {
		return NewConfigurationError("symbol is required")
	}
	if strings.TrimSpace(s.SpendCurrency) == "" {
		return NewConfigurationError("spend currency is required")
	}
	if strings.TrimSpace(s.Cron) == "" {
		return NewConfigurationError("cron expression is required")
	}
	if !s.Spend.IsPositive() {
		return NewConfigurationError("spend must be positive, got %s", s.Spend.String())
	}

	switch s.WithdrawalType {
	case WithdrawalNone:
	case WithdrawalFixed:
		if strings.TrimSpace(s.WithdrawalAddress) == "" {
			return NewConfigurationError("withdrawal address is required for fixed withdrawals")
		}
	case WithdrawalNamed, WithdrawalDynamic:
		if s.WithdrawalAddress != "" {
			return NewConfigurationError("withdrawal address is only allowed for fixed withdrawals")
		}
	default:
		return NewConfigurationError("unknown withdrawal type %q", s.WithdrawalType)
	}

	if s.WithdrawalType != WithdrawalNone && !s.WithdrawalLimit.IsPositive() {
		return NewConfigurationError("withdrawal limit must be positive, got %s", s.WithdrawalLimit.String())
	}

	return nil
}

// KeysFileName is the name of the credentials file belonging to a schedule.
func KeysFileName(id int64) string {
	return fmt.Sprintf("%d.keys", id)
}

// NewSchedule carries everything needed to create a schedule.
type NewSchedule struct {
	Schedule Schedule
	// Keys are the opaque credential strings for the exchange account.
	Keys []string
}

// ScheduleSummary is a schedule enriched with aggregate figures.
type ScheduleSummary struct {
	Schedule         Schedule        `json:"schedule"`
	TotalAccumulated decimal.Decimal `json:"total_accumulated"`
	TotalSpent       decimal.Decimal `json:"total_spent"`
	NextOccurrence   *time.Time      `json:"next_occurrence,omitempty"`
}

// ScheduleDetails is a summary together with the full event history.
type ScheduleDetails struct {
	ScheduleSummary
	Events []Event `json:"events"`
}

// Summarize computes totals from successful buy events.
func Summarize(s Schedule, events []Event, next *time.Time) ScheduleSummary {
	accumulated := decimal.Zero
	buys := int64(0)

	for _, e := range events {
		if e.Kind != EventBuy || e.Buy == nil || e.Error != "" {
			continue
		}
		accumulated = accumulated.Add(e.Buy.Received)
		buys++
	}

	return ScheduleSummary{
		Schedule:         s,
		TotalAccumulated: accumulated,
		TotalSpent:       s.Spend.Mul(decimal.NewFromInt(buys)),
		NextOccurrence:   next,
	}
}
