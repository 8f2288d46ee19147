package eventlog

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/satstacker/internal/domain"
)

func TestWALStore_AppendAndReplay(t *testing.T) {
	store, err := NewWALStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	now := time.Now().UTC()
	first, err := store.Append(domain.NewLifecycleEvent(1, domain.EventCreated, now))
	require.NoError(t, err)
	second, err := store.Append(domain.NewBuyEvent(1, now, domain.BuyDetails{
		Price:    decimal.NewFromInt(50000),
		Received: decimal.RequireFromString("0.0002"),
		OrderID:  "42",
	}))
	require.NoError(t, err)
	assert.Equal(t, first+1, second)
	assert.Equal(t, second, store.currentIndex())

	records, err := store.EventsAfter(0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, domain.EventCreated, records[0].Event.Kind)
	assert.Equal(t, "42", records[1].Event.Buy.OrderID)
	assert.True(t, records[1].Event.Buy.Received.Equal(decimal.RequireFromString("0.0002")))

	records, err = store.EventsAfter(first)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, second, records[0].Index)

	records, err = store.EventsAfter(second)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestWALStore_RejectsEventWithoutSchedule(t *testing.T) {
	store, err := NewWALStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Append(domain.Event{Kind: domain.EventCreated})
	assert.Error(t, err)
}

func TestWALStore_ReopenKeepsHistory(t *testing.T) {
	dir := t.TempDir()

	store, err := NewWALStore(dir)
	require.NoError(t, err)
	_, err = store.Append(domain.NewLifecycleEvent(3, domain.EventPaused, time.Now()))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := NewWALStore(dir)
	require.NoError(t, err)
	defer reopened.Close()

	records, err := reopened.EventsAfter(0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(3), records[0].Event.ScheduleID)
}
