package scheduler

import (
	"context"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/satstacker/internal/domain"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ScheduleSource lists the durable schedules triggers are rebuilt from.
type ScheduleSource interface {
	ListSchedules(ctx context.Context) ([]domain.Schedule, error)
}

// Restore registers a trigger for every stored schedule, re-pausing paused ones.
// A schedule that cannot be registered does not stop the others.
func (s *TriggerStore) Restore(ctx context.Context, source ScheduleSource, misfire MisfirePolicy) error {
	schedules, err := source.ListSchedules(ctx)
	if err != nil {
		return errors.Wrap(err, "list schedules to restore")
	}

	var errs error
	restored := 0
	for _, sc := range schedules {
		if err := s.ScheduleJob(ctx, sc.ID, sc.Cron, sc.Start, misfire); err != nil {
			s.logger.Error("failed to restore trigger", zap.Int64("schedule_id", sc.ID), zap.Error(err))
			errs = multierr.Append(errs, err)
			continue
		}
		if sc.IsPaused {
			if err := s.PauseTrigger(ctx, sc.ID); err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
		}
		restored++
	}

	s.logger.Info("triggers restored", zap.Int("restored", restored), zap.Int("total", len(schedules)))
	return errs
}
