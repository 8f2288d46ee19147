package notifier

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/satstacker/internal/domain"
)

func TestOutbox_ReleaseKeepsOrder(t *testing.T) {
	assert.Nil(t, OutboxFrom(context.Background()))

	ctx, box := WithOutbox(context.Background())
	require.Same(t, box, OutboxFrom(ctx))

	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	box.Hold(domain.NewLifecycleEvent(1, domain.EventCreated, at))
	box.Hold(domain.NewBuyFailedEvent(1, at, domain.NewExchangeError("buy", "rejected")))

	var kinds []domain.EventKind
	box.Release(func(e domain.Event) { kinds = append(kinds, e.Kind) })
	assert.Equal(t, []domain.EventKind{domain.EventCreated, domain.EventBuy}, kinds)

	box.Release(func(domain.Event) { t.Fatal("released twice") })
}

func TestOutbox_Discard(t *testing.T) {
	_, box := WithOutbox(context.Background())
	box.Hold(domain.NewLifecycleEvent(2, domain.EventPaused, time.Now()))
	box.Hold(domain.NewLifecycleEvent(2, domain.EventResumed, time.Now()))

	assert.Equal(t, 2, box.Discard())
	assert.Equal(t, 0, box.Discard())
}
