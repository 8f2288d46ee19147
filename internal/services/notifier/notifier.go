// Package notifier journals persisted schedule events and fans them out to live subscribers.
package notifier

import (
	"github.com/vadiminshakov/satstacker/internal/domain"
	"go.uber.org/zap"
)

// Journal is the durable log events are replayed from.
type Journal interface {
	Append(event domain.Event) (uint64, error)
	EventsAfter(index uint64) ([]domain.EventRecord, error)
}

// Notifier never fails its caller: journal errors are logged and the event is
// still published live.
type Notifier struct {
	journal     Journal
	broadcaster *Broadcaster
	logger      *zap.Logger
}

func New(journal Journal, broadcaster *Broadcaster, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if broadcaster == nil {
		broadcaster = NewBroadcaster(256)
	}
	return &Notifier{journal: journal, broadcaster: broadcaster, logger: logger}
}

// Notify journals and publishes event.
func (n *Notifier) Notify(event domain.Event) {
	record := domain.EventRecord{Event: event}

	if n.journal != nil {
		idx, err := n.journal.Append(event)
		if err != nil {
			n.logger.Warn("failed to journal event",
				zap.Int64("schedule_id", event.ScheduleID),
				zap.String("kind", string(event.Kind)),
				zap.Error(err))
		} else {
			record.Index = idx
		}
	}

	n.broadcaster.Publish(record)
}

// Replay returns journaled events with an index greater than after.
func (n *Notifier) Replay(after uint64) ([]domain.EventRecord, error) {
	if n.journal == nil {
		return nil, nil
	}
	return n.journal.EventsAfter(after)
}

func (n *Notifier) Subscribe() chan domain.EventRecord {
	return n.broadcaster.Subscribe()
}

func (n *Notifier) Unsubscribe(ch chan domain.EventRecord) {
	n.broadcaster.Unsubscribe(ch)
}
