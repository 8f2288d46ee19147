package notifier

import (
	"context"
	"sync"

	"github.com/vadiminshakov/satstacker/internal/domain"
)

type outboxKey struct{}

// Outbox holds events persisted inside a transaction that has not committed yet.
// They are released once the transaction commits and dropped otherwise.
type Outbox struct {
	mu     sync.Mutex
	events []domain.Event
}

// WithOutbox returns a context whose events are held in the returned Outbox.
func WithOutbox(ctx context.Context) (context.Context, *Outbox) {
	box := &Outbox{}
	return context.WithValue(ctx, outboxKey{}, box), box
}

// OutboxFrom returns the Outbox carried by ctx, or nil.
func OutboxFrom(ctx context.Context) *Outbox {
	box, _ := ctx.Value(outboxKey{}).(*Outbox)
	return box
}

// Hold queues event until Release or Discard.
func (o *Outbox) Hold(event domain.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, event)
}

// Release passes held events to notify in the order they were held.
func (o *Outbox) Release(notify func(domain.Event)) {
	o.mu.Lock()
	events := o.events
	o.events = nil
	o.mu.Unlock()

	for _, e := range events {
		notify(e)
	}
}

// Discard drops held events and returns how many there were.
func (o *Outbox) Discard() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := len(o.events)
	o.events = nil
	return n
}
