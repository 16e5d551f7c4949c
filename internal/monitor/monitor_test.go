package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"invest-core/internal/events"
	"invest-core/pkg/exchanges/common"
)

type captureSink struct {
	mu   sync.Mutex
	msgs []string
}

func (c *captureSink) Send(msg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *captureSink) Messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.msgs...)
}

func TestMonitorAlertsOnRejectionsOnly(t *testing.T) {
	hub := events.NewHub[events.OrderEvent](16, events.OverflowDropOldest)
	sink := &captureSink{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	(&Monitor{Hub: hub, Sink: sink}).Start(ctx)

	now := time.Now()
	hub.Publish("s1", events.OrderEvent{Type: events.OrderAccepted, StrategyID: "s1", Time: now})
	hub.Publish("s1", events.OrderEvent{Type: events.OrderRejected, StrategyID: "s1", FIGI: "F",
		Side: common.SideBuy, Lots: 2, Price: decimal.NewFromInt(10), Reason: "not enough balance", Time: now})
	hub.Publish("s1", events.OrderEvent{Type: events.OrderCancelFailed, StrategyID: "s1", FIGI: "F", OrderID: "42", Reason: "gone", Time: now})

	require.Eventually(t, func() bool { return len(sink.Messages()) == 2 }, time.Second, 5*time.Millisecond)
	msgs := sink.Messages()
	assert.Contains(t, msgs[0], "rejected: not enough balance")
	assert.Contains(t, msgs[1], "cancel of order 42")
}

func TestLatencyHistogramWindow(t *testing.T) {
	h := NewLatencyHistogram(4)
	assert.Equal(t, LatencyStats{}, h.Stats())
	for _, v := range []float64{100, 1, 2, 3, 4} {
		h.Record(v)
	}
	st := h.Stats()
	assert.Equal(t, 4, st.Count)
	assert.Equal(t, 1.0, st.Min)
	assert.Equal(t, 4.0, st.Max)
	assert.Equal(t, 2.5, st.Avg)

	h.RecordDuration(10 * time.Millisecond)
	assert.Equal(t, 10.0, h.Stats().Max)
}

func TestSnapshotCounters(t *testing.T) {
	m := NewSystemMetrics()
	m.IncReconnects()
	m.IncReconnects()
	m.IncDecodeErrors()
	m.IncOrdersPlaced()
	m.SetDroppedSource(func() int64 { return 7 })
	NewTimer(m.OrderLatency).Stop()

	snap := m.GetSnapshot()
	assert.Equal(t, uint64(2), snap.Reconnects)
	assert.Equal(t, uint64(1), snap.DecodeErrors)
	assert.Equal(t, uint64(1), snap.OrdersPlaced)
	assert.Equal(t, int64(7), snap.DroppedEvents)
	assert.Equal(t, 1, snap.OrderLatency.Count)
}
