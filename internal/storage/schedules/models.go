package schedules

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/satstacker/internal/domain"
)

type scheduleModel struct {
	ID                int64           `gorm:"primaryKey;autoIncrement"`
	Exchange          string          `gorm:"not null"`
	Spend             decimal.Decimal `gorm:"type:text;not null"`
	SpendCurrency     string          `gorm:"not null"`
	Symbol            string          `gorm:"not null"`
	Cron              string          `gorm:"not null"`
	Start             time.Time       `gorm:"not null"`
	WithdrawalType    string          `gorm:"not null"`
	WithdrawalAddress string
	WithdrawalLimit   decimal.Decimal `gorm:"type:text;not null"`
	IsPaused          bool            `gorm:"not null;default:false"`
}

func (scheduleModel) TableName() string { return "exchange_schedules" }

// eventModel stores every event kind in one table keyed by a type discriminator.
type eventModel struct {
	ID           int64     `gorm:"primaryKey;autoIncrement"`
	ScheduleID   int64     `gorm:"not null;index:idx_events_schedule_ts,priority:1"`
	Type         string    `gorm:"not null"`
	Timestamp    time.Time `gorm:"not null;index:idx_events_schedule_ts,priority:2"`
	Error        *string
	OrderID      *string
	Price        decimal.NullDecimal `gorm:"type:text"`
	Received     decimal.NullDecimal `gorm:"type:text"`
	Address      *string
	Amount       decimal.NullDecimal `gorm:"type:text"`
	WithdrawalID *string
}

func (eventModel) TableName() string { return "exchange_events" }

func scheduleFromDomain(s domain.Schedule) scheduleModel {
	return scheduleModel{
		ID:                s.ID,
		Exchange:          s.Exchange,
		Spend:             s.Spend,
		SpendCurrency:     s.SpendCurrency,
		Symbol:            s.Symbol,
		Cron:              s.Cron,
		Start:             s.Start.UTC(),
		WithdrawalType:    string(s.WithdrawalType),
		WithdrawalAddress: s.WithdrawalAddress,
		WithdrawalLimit:   s.WithdrawalLimit,
		IsPaused:          s.IsPaused,
	}
}

func (m scheduleModel) toDomain() domain.Schedule {
	return domain.Schedule{
		ID:                m.ID,
		Exchange:          m.Exchange,
		Spend:             m.Spend,
		SpendCurrency:     m.SpendCurrency,
		Symbol:            m.Symbol,
		Cron:              m.Cron,
		Start:             m.Start.UTC(),
		WithdrawalType:    domain.WithdrawalType(m.WithdrawalType),
		WithdrawalAddress: m.WithdrawalAddress,
		WithdrawalLimit:   m.WithdrawalLimit,
		IsPaused:          m.IsPaused,
	}
}

func eventFromDomain(e domain.Event) eventModel {
	m := eventModel{
		ID:         e.ID,
		ScheduleID: e.ScheduleID,
		Type:       string(e.Kind),
		Timestamp:  e.Timestamp.UTC(),
	}
	if e.Error != "" {
		m.Error = ptr(e.Error)
	}
	if e.Buy != nil {
		m.OrderID = ptr(e.Buy.OrderID)
		m.Price = decimal.NewNullDecimal(e.Buy.Price)
		m.Received = decimal.NewNullDecimal(e.Buy.Received)
	}
	if e.Withdrawal != nil {
		m.Address = ptr(e.Withdrawal.Address)
		m.Amount = decimal.NewNullDecimal(e.Withdrawal.Amount)
		m.WithdrawalID = ptr(e.Withdrawal.WithdrawalID)
	}
	return m
}

func (m eventModel) toDomain() domain.Event {
	e := domain.Event{
		ID:         m.ID,
		ScheduleID: m.ScheduleID,
		Kind:       domain.EventKind(m.Type),
		Timestamp:  m.Timestamp.UTC(),
	}
	if m.Error != nil {
		e.Error = *m.Error
	}

	switch e.Kind {
	case domain.EventBuy:
		if e.Error == "" {
			e.Buy = &domain.BuyDetails{
				Price:    m.Price.Decimal,
				Received: m.Received.Decimal,
				OrderID:  deref(m.OrderID),
			}
		}
	case domain.EventWithdrawal:
		if e.Error == "" {
			e.Withdrawal = &domain.WithdrawalDetails{
				Address:      deref(m.Address),
				Amount:       m.Amount.Decimal,
				WithdrawalID: deref(m.WithdrawalID),
			}
		}
	}

	return e
}

func ptr(s string) *string { return &s }

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
