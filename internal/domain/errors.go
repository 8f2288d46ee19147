package domain

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound                = errors.New("not found")
	ErrInsufficientBalance     = errors.New("insufficient balance")
	ErrConfiguration           = errors.New("configuration error")
	ErrExchangeOperationFailed = errors.New("exchange operation failed")
	ErrInfrastructure          = errors.New("infrastructure error")
)

// NotFoundError reports a missing schedule.
type NotFoundError struct {
	ScheduleID int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("schedule %d not found", e.ScheduleID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// NewNotFoundError creates a NotFoundError for the given schedule.
func NewNotFoundError(id int64) error {
	return &NotFoundError{ScheduleID: id}
}

// InsufficientBalanceError reports that the account cannot cover a spend.
type InsufficientBalanceError struct {
	Currency  string
	Available decimal.Decimal
	Required  decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient %s balance: have %s need %s",
		e.Currency, e.Available.String(), e.Required.String())
}

func (e *InsufficientBalanceError) Is(target error) bool { return target == ErrInsufficientBalance }

// ConfigurationError reports invalid or incomplete schedule settings.
type ConfigurationError struct {
	Msg string
}

func (e *ConfigurationError) Error() string { return e.Msg }

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// NewConfigurationError formats a ConfigurationError.
func NewConfigurationError(format string, args ...any) error {
	return &ConfigurationError{Msg: fmt.Sprintf(format, args...)}
}

// ExchangeError reports a venue-level failure that retries did not resolve.
type ExchangeError struct {
	Op  string
	Msg string
}

func (e *ExchangeError) Error() string {
	if e.Op == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Msg)
}

func (e *ExchangeError) Is(target error) bool { return target == ErrExchangeOperationFailed }

// NewExchangeError formats an ExchangeError for the given operation.
func NewExchangeError(op, format string, args ...any) error {
	return &ExchangeError{Op: op, Msg: fmt.Sprintf(format, args...)}
}

type exchangeFailure struct {
	cause error
	op    string
}

func (e *exchangeFailure) Error() string { return e.op + ": " + e.cause.Error() }

func (e *exchangeFailure) Cause() error { return e.cause }

func (e *exchangeFailure) Unwrap() error { return e.cause }

func (e *exchangeFailure) Is(target error) bool { return target == ErrExchangeOperationFailed }

// WrapExchange marks err returned by a venue call as ExchangeOperationFailed.
// Errors that already carry a kind keep it and are only annotated with op.
func WrapExchange(err error, op string) error {
	if err == nil {
		return nil
	}
	for _, kind := range []error{ErrNotFound, ErrInsufficientBalance, ErrConfiguration, ErrExchangeOperationFailed, ErrInfrastructure} {
		if errors.Is(err, kind) {
			return errors.Wrap(err, op)
		}
	}
	return &exchangeFailure{cause: err, op: op}
}

type infrastructureError struct {
	cause error
	msg   string
}

func (e *infrastructureError) Error() string { return e.msg + ": " + e.cause.Error() }

func (e *infrastructureError) Cause() error { return e.cause }

func (e *infrastructureError) Unwrap() error { return e.cause }

func (e *infrastructureError) Is(target error) bool { return target == ErrInfrastructure }

// WrapInfrastructure marks err as a storage, filesystem or trigger store failure.
func WrapInfrastructure(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &infrastructureError{cause: err, msg: msg}
}

// ErrorMessage returns the innermost cause message of err.
func ErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	return errors.Cause(err).Error()
}
