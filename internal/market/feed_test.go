package market

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"invest-core/internal/events"
	"invest-core/internal/monitor"
	"invest-core/pkg/logger"
	"invest-core/pkg/market/tinkoff"
)

type chanSource chan []byte

func (c chanSource) Inbound() <-chan []byte { return c }

func TestFeedPublishesByFIGIInArrivalOrder(t *testing.T) {
	src := make(chanSource, 16)
	hub := events.NewHub[tinkoff.Event](16, events.OverflowDropOldest)
	metrics := monitor.NewSystemMetrics()
	var acks []*tinkoff.SubscriptionAck
	var streamErrs []*tinkoff.StreamError
	feed := &Feed{
		Source:        src,
		Hub:           hub,
		Metrics:       metrics,
		Log:           logger.Discard().WithComponent("test"),
		OnAck:         func(a *tinkoff.SubscriptionAck) { acks = append(acks, a) },
		OnStreamError: func(e *tinkoff.StreamError) { streamErrs = append(streamErrs, e) },
	}
	a := hub.Subscribe("A")
	b := hub.Subscribe("B")

	src <- []byte(`{"event":"instrument_info","payload":{"figi":"A","trade_status":"normal_trading"}}`)
	src <- []byte(`{"event":"candle","payload":{"figi":"A","interval":"1min","o":1,"c":2,"h":3,"l":0.5}}`)
	src <- []byte(`{"event":"candle","payload":{"figi":"A","interval":"1min","o":1}}`)
	src <- []byte(`not json at all`)
	src <- []byte(`{"event":"orderbook","payload":{"figi":"B","bids":[[1,1]],"asks":[[2,1]]}}`)
	src <- []byte(`{"event":"orderbook","payload":{"figi":"A","bids":[],"asks":[]}}`)
	src <- []byte(`{"event":"candle:subscribe","figi":"A","interval":"1min","request_id":"r1"}`)
	src <- []byte(`{"event":"error","payload":{"error":"bad figi","request_id":"r2"}}`)
	close(src)

	require.NoError(t, feed.Run(context.Background()))

	kinds := []tinkoff.EventKind{}
	for a.Len() > 0 {
		ev, ok := a.Next()
		require.True(t, ok)
		assert.Equal(t, "A", ev.FIGI())
		kinds = append(kinds, ev.Kind())
	}
	assert.Equal(t, []tinkoff.EventKind{tinkoff.KindInstrumentInfo, tinkoff.KindCandle, tinkoff.KindOrderbook}, kinds)
	assert.Equal(t, 1, b.Len())

	require.Len(t, acks, 1)
	assert.Equal(t, "r1", acks[0].RequestID)
	require.Len(t, streamErrs, 1)
	assert.Equal(t, "bad figi", streamErrs[0].Message)

	snap := metrics.GetSnapshot()
	assert.Equal(t, uint64(8), snap.Messages)
	assert.Equal(t, uint64(2), snap.DecodeErrors)
	assert.Equal(t, uint64(1), snap.StreamErrors)
}

func TestFeedStopsOnContext(t *testing.T) {
	src := make(chanSource)
	hub := events.NewHub[tinkoff.Event](1, events.OverflowDropOldest)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- (&Feed{Source: src, Hub: hub, Log: logger.Discard().WithComponent("test")}).Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("feed did not stop")
	}

	assert.Error(t, (&Feed{}).Run(context.Background()))
}

func TestMockSourceFeedsDecodableMessages(t *testing.T) {
	src := NewMockSource("MOCK")
	src.Interval = 5 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src.Start(ctx)

	seen := map[tinkoff.EventKind]bool{}
	timeout := time.After(2 * time.Second)
	for len(seen) < 3 {
		select {
		case raw := <-src.Inbound():
			msg, err := tinkoff.Decode(raw)
			require.NoError(t, err)
			ev, ok := msg.(tinkoff.Event)
			require.True(t, ok)
			assert.Equal(t, "MOCK", ev.FIGI())
			seen[ev.Kind()] = true
		case <-timeout:
			t.Fatalf("only saw %v", seen)
		}
	}
}

func TestMockSourceActsAsSession(t *testing.T) {
	src := NewMockSource("MOCK")
	assert.Equal(t, tinkoff.StateIdle, src.State())
	assert.ErrorIs(t, src.Send([]byte(`{}`)), tinkoff.ErrNotConnected)

	hooked := 0
	src.OnConnect(func() { hooked++ })

	ctx, cancel := context.WithCancel(context.Background())
	src.Start(ctx)
	assert.Equal(t, 1, hooked)
	assert.Equal(t, tinkoff.StateConnected, src.State())
	require.NoError(t, src.Send([]byte(`{"event":"candle:subscribe"}`)))
	assert.EqualValues(t, 1, src.Sent())

	cancel()
	for range src.Inbound() {
	}
	assert.Eventually(t, func() bool { return src.State() == tinkoff.StateClosed }, time.Second, 5*time.Millisecond)
}
