package runner

import (
	"context"

	"github.com/vadiminshakov/satstacker/internal/domain"
	"github.com/vadiminshakov/satstacker/internal/services/notifier"
	"go.uber.org/zap"
)

// recorder persists run events as they happen and keeps the ones that failed
// to persist for a final flush.
type recorder struct {
	runner  *Runner
	logger  *zap.Logger
	pending []domain.Event
}

func (rec *recorder) record(ctx context.Context, event domain.Event) {
	rec.pending = append(rec.pending, event)
	if err := rec.flush(ctx); err != nil {
		rec.logger.Warn("failed to persist event, will retry before returning",
			zap.String("kind", string(event.Kind)),
			zap.Error(err))
	}
}

func (rec *recorder) flush(ctx context.Context) error {
	for len(rec.pending) > 0 {
		event := rec.pending[0]
		if err := rec.runner.store.AppendEvents(ctx, &event); err != nil {
			return err
		}
		rec.pending = rec.pending[1:]

		rec.runner.metrics.EventRecorded(string(event.Kind), event.Failed())
		// inside an uncommitted transaction the owner of the transaction publishes
		if box := notifier.OutboxFrom(ctx); box != nil {
			box.Hold(event)
		} else if rec.runner.notifier != nil {
			rec.runner.notifier.Notify(event)
		}
	}
	return nil
}
