// Package lifecycle creates, pauses, resumes, deletes and lists schedules while
// keeping storage, credentials and triggers consistent.
package lifecycle

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/satstacker/internal/domain"
	"github.com/vadiminshakov/satstacker/internal/metrics"
	"github.com/vadiminshakov/satstacker/internal/scheduler"
	"github.com/vadiminshakov/satstacker/internal/services/gateway"
	"github.com/vadiminshakov/satstacker/internal/services/notifier"
	"github.com/vadiminshakov/satstacker/internal/storage/registrations"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	opAdd    = "add"
	opPause  = "pause"
	opResume = "resume"
	opDelete = "delete"
)

// Store is the schedule and event storage. Transactions travel in the context.
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
	CreateSchedule(ctx context.Context, schedule *domain.Schedule) error
	GetSchedule(ctx context.Context, id int64) (domain.Schedule, error)
	ListSchedules(ctx context.Context) ([]domain.Schedule, error)
	SetPaused(ctx context.Context, id int64, paused bool) error
	DeleteSchedule(ctx context.Context, id int64) error
	AppendEvents(ctx context.Context, events ...*domain.Event) error
	ListEvents(ctx context.Context, scheduleID int64) ([]domain.Event, error)
	EventsByKind(ctx context.Context, kind domain.EventKind) (map[int64][]domain.Event, error)
}

// KeyStore saves and removes schedule credentials.
type KeyStore interface {
	Save(scheduleID int64, keys []string) error
	Delete(scheduleID int64) error
}

// TriggerStore owns the cron triggers of schedules.
type TriggerStore interface {
	Validate(expr string) error
	ScheduleJob(ctx context.Context, id int64, expr string, start time.Time, misfire scheduler.MisfirePolicy) error
	UnscheduleJob(ctx context.Context, id int64) error
	PauseTrigger(ctx context.Context, id int64) error
	ResumeTrigger(ctx context.Context, id int64) error
	NextOccurrence(id int64) *time.Time
}

// Journal records trigger registrations around the creation commit.
type Journal interface {
	Prepare(scheduleID int64) (*registrations.Entry, error)
	MarkDone(entry *registrations.Entry) error
	MarkFailed(entry *registrations.Entry, cause error) error
	Pending() []registrations.Entry
}

// Runner executes a schedule once.
type Runner interface {
	RunSchedule(ctx context.Context, id int64) error
}

type Notifier interface {
	Notify(event domain.Event)
}

type OptionsProvider interface {
	ExchangeOptions(exchange string) domain.ExchangeOptions
}

type Manager struct {
	store    Store
	keys     KeyStore
	triggers TriggerStore
	journal  Journal
	runner   Runner
	gateways gateway.Factory
	options  OptionsProvider
	notifier Notifier
	metrics  metrics.Sink
	logger   *zap.Logger
	now      func() time.Time
}

type Option func(*Manager)

func WithNotifier(n Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

func WithMetrics(s metrics.Sink) Option {
	return func(m *Manager) { m.metrics = s }
}

// WithClock replaces the source of event timestamps and default start times.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Deps groups the collaborators of a Manager.
type Deps struct {
	Store    Store
	Keys     KeyStore
	Triggers TriggerStore
	Journal  Journal
	Runner   Runner
	Gateways gateway.Factory
	Options  OptionsProvider
}

func NewManager(deps Deps, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		store:    deps.Store,
		keys:     deps.Keys,
		triggers: deps.Triggers,
		journal:  deps.Journal,
		runner:   deps.Runner,
		gateways: deps.Gateways,
		options:  deps.Options,
		metrics:  metrics.NewNoopSink(),
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddSchedule stores a new schedule with its credentials and registers its trigger.
// With runToVerify the schedule is run once inside the creation transaction and
// nothing is kept if that run fails.
func (m *Manager) AddSchedule(ctx context.Context, ns domain.NewSchedule, runToVerify bool) (s domain.Schedule, err error) {
	defer func() { m.metrics.LifecycleOperation(opAdd, err) }()

	s = ns.Schedule
	s.ID = 0
	s.IsPaused = false
	s.Exchange = strings.ToLower(strings.TrimSpace(s.Exchange))
	if s.Start.IsZero() {
		s.Start = m.now().UTC()
	}
	if err := s.Validate(); err != nil {
		return domain.Schedule{}, err
	}
	if err := m.triggers.Validate(s.Cron); err != nil {
		return domain.Schedule{}, err
	}

	var (
		created    domain.Event
		entry      *registrations.Entry
		keysStored bool
	)

	// a verification run may place an order, so the caller going away must not
	// roll the transaction back; its events are published only after commit
	detached := context.WithoutCancel(ctx)
	txCtx, outbox := notifier.WithOutbox(detached)
	err = m.store.InTx(txCtx, func(ctx context.Context) error {
		if err := m.store.CreateSchedule(ctx, &s); err != nil {
			return err
		}

		created = domain.NewLifecycleEvent(s.ID, domain.EventCreated, m.now().UTC())
		if err := m.store.AppendEvents(ctx, &created); err != nil {
			return err
		}

		if err := m.keys.Save(s.ID, ns.Keys); err != nil {
			return domain.WrapInfrastructure(err, "save credentials")
		}
		keysStored = true

		if runToVerify {
			if err := m.runner.RunSchedule(ctx, s.ID); err != nil {
				return errors.Wrap(err, "verification run failed")
			}
		}

		var err error
		entry, err = m.journal.Prepare(s.ID)
		if err != nil {
			return domain.WrapInfrastructure(err, "journal trigger registration")
		}
		return nil
	})
	if err != nil {
		m.logger.Error("couldn't add new schedule", zap.Error(err), zap.Int("dropped_events", outbox.Discard()))
		if keysStored {
			m.deleteKeys(s.ID)
		}
		if entry != nil {
			if jerr := m.journal.MarkFailed(entry, err); jerr != nil {
				m.logger.Warn("failed to mark trigger registration failed", zap.Error(jerr))
			}
		}
		return domain.Schedule{}, err
	}

	if err := m.triggers.ScheduleJob(detached, s.ID, s.Cron, s.Start, scheduler.MisfireDoNothing); err != nil {
		outbox.Discard()
		return domain.Schedule{}, m.compensate(detached, s.ID, entry, err)
	}
	if err := m.journal.MarkDone(entry); err != nil {
		m.logger.Warn("failed to mark trigger registration done", zap.Int64("schedule_id", s.ID), zap.Error(err))
	}

	m.logger.Info("schedule added",
		zap.Int64("schedule_id", s.ID),
		zap.String("exchange", s.Exchange),
		zap.String("symbol", s.Symbol),
		zap.String("cron", s.Cron))

	m.notify(created)
	outbox.Release(m.notify)
	m.reportActive(detached)
	return s, nil
}

// compensate undoes a committed schedule whose trigger could not be registered.
func (m *Manager) compensate(ctx context.Context, id int64, entry *registrations.Entry, cause error) error {
	err := domain.WrapInfrastructure(cause, "register trigger")
	m.logger.Error("trigger registration failed, removing schedule", zap.Int64("schedule_id", id), zap.Error(cause))

	if derr := m.store.DeleteSchedule(context.WithoutCancel(ctx), id); derr != nil {
		err = multierr.Append(err, errors.Wrap(derr, "compensating delete"))
	}
	m.deleteKeys(id)
	if jerr := m.journal.MarkFailed(entry, cause); jerr != nil {
		m.logger.Warn("failed to mark trigger registration failed", zap.Int64("schedule_id", id), zap.Error(jerr))
	}
	return err
}

// PauseSchedule stops firing id and records a Paused event.
func (m *Manager) PauseSchedule(ctx context.Context, id int64) (err error) {
	defer func() { m.metrics.LifecycleOperation(opPause, err) }()
	return m.setPaused(ctx, id, true)
}

// ResumeSchedule re-arms id and records a Resumed event.
func (m *Manager) ResumeSchedule(ctx context.Context, id int64) (err error) {
	defer func() { m.metrics.LifecycleOperation(opResume, err) }()
	return m.setPaused(ctx, id, false)
}

func (m *Manager) setPaused(ctx context.Context, id int64, paused bool) error {
	if _, err := m.store.GetSchedule(ctx, id); err != nil {
		return err
	}

	kind := domain.EventResumed
	mutate := m.triggers.ResumeTrigger
	if paused {
		kind = domain.EventPaused
		mutate = m.triggers.PauseTrigger
	}

	if err := mutate(ctx, id); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return err
		}
		return domain.WrapInfrastructure(err, "update trigger")
	}

	event := domain.NewLifecycleEvent(id, kind, m.now().UTC())
	err := m.store.InTx(ctx, func(ctx context.Context) error {
		if err := m.store.SetPaused(ctx, id, paused); err != nil {
			return err
		}
		return m.store.AppendEvents(ctx, &event)
	})
	if err != nil {
		return err
	}

	m.logger.Info("schedule state changed", zap.Int64("schedule_id", id), zap.String("event", string(kind)))
	m.notify(event)
	m.reportActive(ctx)
	return nil
}

// DeleteSchedule removes the trigger, the schedule with its events and the credentials.
func (m *Manager) DeleteSchedule(ctx context.Context, id int64) (err error) {
	defer func() { m.metrics.LifecycleOperation(opDelete, err) }()

	if _, err := m.store.GetSchedule(ctx, id); err != nil {
		return err
	}
	if err := m.triggers.UnscheduleJob(ctx, id); err != nil {
		return domain.WrapInfrastructure(err, "unschedule trigger")
	}
	if err := m.store.DeleteSchedule(ctx, id); err != nil {
		return err
	}
	m.deleteKeys(id)

	m.logger.Info("schedule deleted", zap.Int64("schedule_id", id))
	m.reportActive(ctx)
	return nil
}

// ListSchedules returns active schedules first, then by next occurrence, then by id.
func (m *Manager) ListSchedules(ctx context.Context) ([]domain.ScheduleSummary, error) {
	schedules, err := m.store.ListSchedules(ctx)
	if err != nil {
		return nil, err
	}
	buys, err := m.store.EventsByKind(ctx, domain.EventBuy)
	if err != nil {
		return nil, err
	}

	out := make([]domain.ScheduleSummary, 0, len(schedules))
	for _, s := range schedules {
		out = append(out, domain.Summarize(s, buys[s.ID], m.triggers.NextOccurrence(s.ID)))
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Schedule.IsPaused != b.Schedule.IsPaused {
			return !a.Schedule.IsPaused
		}
		if !sameTime(a.NextOccurrence, b.NextOccurrence) {
			return earlier(a.NextOccurrence, b.NextOccurrence)
		}
		return a.Schedule.ID < b.Schedule.ID
	})

	return out, nil
}

// GetScheduleDetails returns the summary of id with its full event history.
func (m *Manager) GetScheduleDetails(ctx context.Context, id int64) (domain.ScheduleDetails, error) {
	s, err := m.store.GetSchedule(ctx, id)
	if err != nil {
		return domain.ScheduleDetails{}, err
	}
	events, err := m.store.ListEvents(ctx, id)
	if err != nil {
		return domain.ScheduleDetails{}, err
	}

	return domain.ScheduleDetails{
		ScheduleSummary: domain.Summarize(s, events, m.triggers.NextOccurrence(id)),
		Events:          events,
	}, nil
}

// ListSymbolBalances lists the venue symbols trading the exchange's bitcoin currency
// together with the balance of their spend currency, largest balance first.
func (m *Manager) ListSymbolBalances(ctx context.Context, exchange string, keys []string) ([]domain.SymbolBalance, error) {
	ex, err := m.gateways.Open(ctx, exchange, keys)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := ex.Close(); cerr != nil {
			m.logger.Warn("failed to close exchange", zap.Error(cerr))
		}
	}()

	opts := m.options.ExchangeOptions(exchange)
	balances, err := ex.GetBalances(ctx)
	if err != nil {
		return nil, err
	}
	symbols, err := ex.GetSymbolsMatching(ctx, opts.BitcoinSymbol, opts.TickerPrefixes)
	if err != nil {
		return nil, err
	}

	byCurrency := make(map[string]domain.Balance, len(balances))
	for _, b := range balances {
		byCurrency[strings.ToUpper(b.Currency)] = b
	}

	out := make([]domain.SymbolBalance, 0, len(symbols))
	for _, sym := range symbols {
		out = append(out, domain.SymbolBalance{
			Symbol: sym,
			Amount: byCurrency[strings.ToUpper(sym.Spend)].Amount,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if c := out[i].Amount.Cmp(out[j].Amount); c != 0 {
			return c > 0
		}
		return out[i].Symbol.Spend < out[j].Symbol.Spend
	})

	return out, nil
}

// Reconcile resolves registrations left pending by a crash. It must run after
// the trigger store was restored from storage.
func (m *Manager) Reconcile(ctx context.Context) error {
	var errs error
	for _, entry := range m.journal.Pending() {
		entry := entry
		logger := m.logger.With(zap.Int64("schedule_id", entry.ScheduleID), zap.String("registration", entry.ID))

		_, err := m.store.GetSchedule(ctx, entry.ScheduleID)
		switch {
		case err == nil:
			logger.Info("pending registration resolved by restored trigger")
			errs = multierr.Append(errs, m.journal.MarkDone(&entry))
		case errors.Is(err, domain.ErrNotFound):
			logger.Warn("pending registration has no schedule, discarding")
			m.deleteKeys(entry.ScheduleID)
			errs = multierr.Append(errs, m.journal.MarkFailed(&entry, errors.New("schedule was not committed")))
		default:
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func (m *Manager) deleteKeys(id int64) {
	if err := m.keys.Delete(id); err != nil {
		m.logger.Warn("failed to delete credentials", zap.Int64("schedule_id", id), zap.Error(err))
	}
}

func (m *Manager) notify(event domain.Event) {
	if m.notifier != nil {
		m.notifier.Notify(event)
	}
}

func (m *Manager) reportActive(ctx context.Context) {
	schedules, err := m.store.ListSchedules(ctx)
	if err != nil {
		m.logger.Warn("failed to count schedules", zap.Error(err))
		return
	}
	active := 0
	for _, s := range schedules {
		if !s.IsPaused {
			active++
		}
	}
	m.metrics.SchedulesActive(active)
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// earlier orders known occurrences before unknown ones.
func earlier(a, b *time.Time) bool {
	if a == nil {
		return false
	}
	if b == nil {
		return true
	}
	return a.Before(*b)
}
