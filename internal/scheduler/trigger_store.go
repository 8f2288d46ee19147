// Package scheduler keeps one cron trigger per schedule and fires the run executor.
package scheduler

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/vadiminshakov/satstacker/internal/domain"
	"go.uber.org/zap"
)

// MisfirePolicy decides what happens to fires missed while no trigger was registered.
type MisfirePolicy int

const (
	// MisfireDoNothing waits for the next regular fire.
	MisfireDoNothing MisfirePolicy = iota
	// MisfireFireOnceNow runs once right away when a fire was missed.
	MisfireFireOnceNow
)

// RunFunc executes one schedule run.
type RunFunc func(ctx context.Context, id int64) error

type trigger struct {
	expr   string
	spec   cron.Schedule
	start  time.Time
	paused bool
	job    *gocron.Job
}

// TriggerStore registers schedules as gocron jobs. At most one run per schedule
// is in flight at any time.
type TriggerStore struct {
	mu       sync.Mutex
	cron     *gocron.Scheduler
	parser   cron.Parser
	loc      *time.Location
	run      RunFunc
	baseCtx  context.Context
	logger   *zap.Logger
	triggers map[int64]*trigger
	now      func() time.Time
}

// NewTriggerStore creates a store that evaluates cron expressions in loc.
// baseCtx is passed to every run.
func NewTriggerStore(baseCtx context.Context, run RunFunc, loc *time.Location, logger *zap.Logger) *TriggerStore {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TriggerStore{
		cron:     gocron.NewScheduler(loc),
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		loc:      loc,
		run:      run,
		baseCtx:  baseCtx,
		logger:   logger,
		triggers: make(map[int64]*trigger),
		now:      time.Now,
	}
}

// Start begins firing registered triggers.
func (s *TriggerStore) Start() {
	s.cron.StartAsync()
}

// Stop stops firing triggers. Runs in flight are not interrupted.
func (s *TriggerStore) Stop() {
	s.cron.Stop()
}

// Validate parses expr the way ScheduleJob does.
func (s *TriggerStore) Validate(expr string) error {
	_, err := s.parse(expr)
	return err
}

func (s *TriggerStore) parse(expr string) (cron.Schedule, error) {
	spec, err := s.parser.Parse(expr)
	if err != nil {
		return nil, domain.NewConfigurationError("invalid cron expression %q: %v", expr, err)
	}
	return spec, nil
}

// ScheduleJob registers (or replaces) the trigger for id.
func (s *TriggerStore) ScheduleJob(ctx context.Context, id int64, expr string, start time.Time, misfire MisfirePolicy) error {
	spec, err := s.parse(expr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.triggers[id]; ok && old.job != nil {
		s.cron.RemoveByReference(old.job)
	}

	t := &trigger{expr: expr, spec: spec, start: start}
	if err := s.register(id, t); err != nil {
		return err
	}
	s.triggers[id] = t

	if misfire == MisfireFireOnceNow && s.missedFire(t) {
		s.logger.Info("trigger missed a fire, running now", zap.Int64("schedule_id", id))
		go s.fire(id)
	}

	return nil
}

// register must be called with the lock held.
func (s *TriggerStore) register(id int64, t *trigger) error {
	job, err := s.cron.Cron(t.expr).Tag(tag(id)).SingletonMode().Do(s.fire, id)
	if err != nil {
		return errors.Wrapf(err, "register trigger for schedule %d", id)
	}
	t.job = job
	return nil
}

func (s *TriggerStore) missedFire(t *trigger) bool {
	now := s.now().In(s.loc)
	if !t.start.Before(now) {
		return false
	}
	return !t.spec.Next(t.start.In(s.loc).Add(-time.Second)).After(now)
}

// UnscheduleJob removes the trigger for id. Unknown ids are ignored.
func (s *TriggerStore) UnscheduleJob(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.triggers[id]
	if !ok {
		return nil
	}
	if t.job != nil {
		s.cron.RemoveByReference(t.job)
	}
	delete(s.triggers, id)
	return nil
}

// PauseTrigger stops firing id until ResumeTrigger.
func (s *TriggerStore) PauseTrigger(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.triggers[id]
	if !ok {
		return domain.NewNotFoundError(id)
	}
	if t.paused {
		return nil
	}
	if t.job != nil {
		s.cron.RemoveByReference(t.job)
		t.job = nil
	}
	t.paused = true
	return nil
}

// ResumeTrigger re-arms a paused trigger. Fires missed while paused are dropped.
func (s *TriggerStore) ResumeTrigger(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.triggers[id]
	if !ok {
		return domain.NewNotFoundError(id)
	}
	if !t.paused {
		return nil
	}
	if err := s.register(id, t); err != nil {
		return err
	}
	t.paused = false
	return nil
}

// NextOccurrence returns the next fire time of id, or nil when it is unknown or paused.
func (s *TriggerStore) NextOccurrence(id int64) *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.triggers[id]
	if !ok || t.paused {
		return nil
	}

	from := s.now().In(s.loc)
	if t.start.After(from) {
		// Next is exclusive, step back so a fire exactly at start counts
		from = t.start.In(s.loc).Add(-time.Second)
	}
	next := t.spec.Next(from)
	if next.IsZero() {
		return nil
	}
	return &next
}

func (s *TriggerStore) fire(id int64) {
	s.mu.Lock()
	t, ok := s.triggers[id]
	skip := !ok || t.paused || s.now().Before(t.start)
	s.mu.Unlock()

	if skip {
		s.logger.Debug("trigger fire skipped", zap.Int64("schedule_id", id))
		return
	}

	s.logger.Info("trigger fired", zap.Int64("schedule_id", id))
	if err := s.run(s.baseCtx, id); err != nil {
		s.logger.Error("schedule run failed", zap.Int64("schedule_id", id), zap.Error(err))
	}
}

func tag(id int64) string {
	return "schedule-" + strconv.FormatInt(id, 10)
}
