package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"invest-core/internal/events"
	"invest-core/internal/monitor"
	"invest-core/pkg/db"
	"invest-core/pkg/exchanges/common"
)

func newJournal(t *testing.T) *db.Database {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	require.NoError(t, db.ApplyMigrations(database))
	return database
}

func acceptedEvent(id string) events.OrderEvent {
	return events.OrderEvent{
		Type:       events.OrderAccepted,
		StrategyID: "s1",
		FIGI:       "BBG000B9XRY4",
		OrderID:    id,
		Side:       common.SideBuy,
		Lots:       3,
		Price:      decimal.RequireFromString("100.5"),
		Latency:    1500 * time.Microsecond,
		Time:       time.Now(),
	}
}

func TestBatchWriterFlushesOnSize(t *testing.T) {
	database := newJournal(t)
	bw := NewBatchWriter(database.DB, 2, time.Hour, nil)
	defer bw.Close()

	bw.Write(acceptedEvent("o1"))
	assert.Equal(t, 1, bw.Pending())
	bw.Write(acceptedEvent("o2"))
	assert.Equal(t, 0, bw.Pending())

	orders, err := database.ListOrders(context.Background(), "s1", 10)
	require.NoError(t, err)
	assert.Len(t, orders, 2)

	m := bw.GetMetrics()
	assert.Equal(t, uint64(2), m.TotalWrites)
	assert.Equal(t, uint64(1), m.TotalBatches)
	assert.Equal(t, 2, m.LastBatchSize)
}

func TestBatchWriterFlushesOnInterval(t *testing.T) {
	database := newJournal(t)
	bw := NewBatchWriter(database.DB, 100, 20*time.Millisecond, nil)
	defer bw.Close()

	bw.Write(acceptedEvent("o1"))
	require.Eventually(t, func() bool { return bw.Pending() == 0 }, time.Second, 10*time.Millisecond)

	evs, err := database.ListOrderEvents(context.Background(), "s1", 10)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, "order.accepted", evs[0].EventType)
	assert.Equal(t, "100.5", evs[0].Price)
	assert.InDelta(t, 1.5, evs[0].LatencyMs, 0.001)
}

func TestBatchWriterConsumesHub(t *testing.T) {
	database := newJournal(t)
	hub := events.NewHub[events.OrderEvent](16, events.OverflowBlock)
	bw := NewBatchWriter(database.DB, 100, time.Hour, nil)

	ctx, cancel := context.WithCancel(context.Background())
	bw.Consume(ctx, hub)

	hub.Publish("s1", events.OrderEvent{Type: events.OrderSubmitted, StrategyID: "s1", FIGI: "F", Side: common.SideSell, Lots: 1, Time: time.Now()})
	rejected := acceptedEvent("o9")
	rejected.Type = events.OrderRejected
	rejected.Reason = "not enough balance"
	hub.Publish("s1", rejected)

	require.Eventually(t, func() bool { return bw.Pending() == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, bw.Close())

	evs, err := database.ListOrderEvents(context.Background(), "s1", 10)
	require.NoError(t, err)
	assert.Len(t, evs, 2)

	orders, err := database.ListOrders(context.Background(), "s1", 10)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "REJECTED", orders[0].Status)
	assert.Equal(t, "not enough balance", orders[0].Reason)
}

func TestBatchWriterCountsFailures(t *testing.T) {
	database := newJournal(t)
	sys := monitor.NewSystemMetrics()
	bw := NewBatchWriter(database.DB, 100, time.Hour, sys)
	require.NoError(t, database.Close())

	bw.Write(acceptedEvent("o1"))
	assert.Error(t, bw.Flush())
	assert.Equal(t, uint64(1), bw.GetMetrics().TotalErrors)
	assert.Equal(t, uint64(1), sys.GetSnapshot().JournalFailures)
	_ = bw.Close()
}

func TestOrderRecordStatus(t *testing.T) {
	ev := acceptedEvent("o1")
	ev.ExecutedLots = 3
	rec, ok := orderRecord(ev)
	require.True(t, ok)
	assert.Equal(t, "FILLED", rec.Status)

	ev.ExecutedLots = 1
	rec, _ = orderRecord(ev)
	assert.Equal(t, "PARTIALLY_FILLED", rec.Status)

	ev.Type = events.OrderCancelRequested
	_, ok = orderRecord(ev)
	assert.False(t, ok)
}
