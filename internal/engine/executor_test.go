package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"invest-core/internal/balance"
	"invest-core/internal/events"
	"invest-core/internal/monitor"
	"invest-core/internal/order"
	"invest-core/internal/strategy"
	"invest-core/pkg/db"
	"invest-core/pkg/exchanges/common"
	"invest-core/pkg/market/tinkoff"
)

const testFIGI = "BBG000B9XRY4"

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeSession struct {
	mu    sync.Mutex
	sent  [][]byte
	hooks []func()
	state tinkoff.State
}

func (s *fakeSession) Send(msg []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != tinkoff.StateConnected {
		return tinkoff.ErrNotConnected
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *fakeSession) OnConnect(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, fn)
}

func (s *fakeSession) State() tinkoff.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *fakeSession) reconnect() {
	s.mu.Lock()
	s.state = tinkoff.StateConnected
	hooks := append([]func(){}, s.hooks...)
	s.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

func (s *fakeSession) sentEvents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sent))
	for _, raw := range s.sent {
		var msg map[string]any
		if err := json.Unmarshal(raw, &msg); err == nil {
			out = append(out, msg["event"].(string))
		}
	}
	return out
}

func (s *fakeSession) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func testConfig() strategy.Config {
	return strategy.Config{
		ID:                 "aapl",
		FIGI:               testFIGI,
		Interval:           "1min",
		Depth:              5,
		Currency:           "USD",
		MaxOperationValue:  dec("500"),
		ProfitInterest:     dec("5"),
		GrowToFallInterest: dec("5"),
		StopLossInterest:   dec("5"),
		FallToGrowInterest: dec("3"),
	}
}

type harness struct {
	gw       *order.DryRunGateway
	session  *fakeSession
	market   *events.Hub[tinkoff.Event]
	orderHub *events.Hub[events.OrderEvent]
	database *db.Database
	metrics  *monitor.SystemMetrics
	deps     Deps

	mu     sync.Mutex
	events []events.OrderEvent
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.ApplyMigrations(database))
	t.Cleanup(func() { _ = database.Close() })

	gw := order.NewDryRunGateway(order.DryRunSimConfig{Currency: "USD", InitialBalance: dec("1000")})
	gw.RegisterInstrument(common.Instrument{FIGI: testFIGI, Ticker: "AAPL", Currency: "USD", Lot: 1, MinPriceIncrement: dec("0.01")})

	h := &harness{
		gw:       gw,
		session:  &fakeSession{state: tinkoff.StateConnected},
		market:   events.NewHub[tinkoff.Event](64, events.OverflowBlock),
		orderHub: events.NewHub[events.OrderEvent](64, events.OverflowBlock),
		database: database,
		metrics:  monitor.NewSystemMetrics(),
	}
	pool := order.NewAsyncExecutor(gw, 2, h.metrics)
	t.Cleanup(pool.Close)
	h.deps = Deps{
		Gateway:   gw,
		Orders:    pool,
		Session:   h.session,
		MarketHub: h.market,
		OrderHub:  h.orderHub,
		Balance:   balance.NewManager(gw, time.Hour),
		Store:     database,
		Metrics:   h.metrics,
	}

	c := h.orderHub.Subscribe(events.TopicAll)
	go func() {
		for {
			ev, ok := c.Next()
			if !ok {
				return
			}
			h.mu.Lock()
			h.events = append(h.events, ev)
			h.mu.Unlock()
		}
	}()
	t.Cleanup(h.orderHub.Close)
	return h
}

func (h *harness) eventTypes() []events.OrderEventType {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]events.OrderEventType, 0, len(h.events))
	for _, ev := range h.events {
		out = append(out, ev.Type)
	}
	return out
}

func (h *harness) tradable() {
	h.market.Publish(testFIGI, &tinkoff.InstrumentInfo{
		Figi: testFIGI, TradeStatus: tinkoff.NormalTrading, Lot: 1, MinPriceIncrement: dec("0.01"),
	})
}

func (h *harness) candle(high, low string) {
	h.market.Publish(testFIGI, &tinkoff.Candle{
		Figi: testFIGI, Interval: tinkoff.Interval1Min, High: dec(high), Low: dec(low),
		Open: dec(low), Close: dec(high), Volume: dec("1"), Time: time.Now(),
	})
}

func startExecutor(t *testing.T, h *harness) (*Executor, context.CancelFunc) {
	t.Helper()
	ex, err := NewExecutor(testConfig(), h.deps)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, ex.Start(ctx))
	t.Cleanup(func() {
		cancel()
		<-ex.Done()
	})
	return ex, cancel
}

func TestNewExecutorValidates(t *testing.T) {
	h := newHarness(t)

	bad := testConfig()
	bad.StopLossInterest = decimal.Zero
	_, err := NewExecutor(bad, h.deps)
	assert.ErrorIs(t, err, strategy.ErrInvalidParams)

	bad = testConfig()
	bad.Depth = 50
	_, err = NewExecutor(bad, h.deps)
	assert.ErrorIs(t, err, tinkoff.ErrInvalidSubscription)

	deps := h.deps
	deps.Session = nil
	_, err = NewExecutor(testConfig(), deps)
	assert.ErrorIs(t, err, ErrMissingDependency)
}

func TestStartCancelsStaleOrdersAndSubscribes(t *testing.T) {
	h := newHarness(t)
	h.gw.SeedOpenOrder(common.OpenOrder{OrderID: "stale", FIGI: testFIGI})

	ex, _ := startExecutor(t, h)

	open, err := h.gw.OpenOrders(context.Background(), testFIGI)
	require.NoError(t, err)
	assert.Empty(t, open)
	assert.Equal(t, 3, h.session.sentCount())

	var kinds []string
	for _, raw := range h.session.sent {
		var msg map[string]any
		require.NoError(t, json.Unmarshal(raw, &msg))
		kinds = append(kinds, msg["event"].(string))
	}
	assert.ElementsMatch(t, []string{"instrument_info:subscribe", "orderbook:subscribe", "candle:subscribe"}, kinds)

	// Every reconnect re-issues all three.
	h.session.reconnect()
	assert.Equal(t, 6, h.session.sentCount())

	st := ex.Status()
	assert.True(t, st.Running)
	assert.Equal(t, string(strategy.NoPosition), st.Phase)
	assert.Equal(t, "1000", st.Cash)
}

func TestSubscribeDeferredUntilConnected(t *testing.T) {
	h := newHarness(t)
	h.session.state = tinkoff.StateReconnecting
	startExecutor(t, h)

	assert.Equal(t, 0, h.session.sentCount())
	h.session.reconnect()
	assert.Equal(t, 3, h.session.sentCount())
}

func TestEntryThenTakeProfit(t *testing.T) {
	h := newHarness(t)
	ex, _ := startExecutor(t, h)

	h.tradable()
	h.candle("101", "99")

	require.Eventually(t, func() bool {
		st := ex.Status()
		return st.Phase == string(strategy.PositionOpen) && st.PositionLots == 5 && !st.PendingOrder
	}, 2*time.Second, 10*time.Millisecond)
	st := ex.Status()
	assert.Equal(t, "100", st.Reference)
	assert.Equal(t, "500", st.Cash)

	h.candle("111", "109")
	h.candle("105", "103")

	require.Eventually(t, func() bool {
		st := ex.Status()
		return st.Phase == string(strategy.NoPosition) && st.LastOutcome == string(strategy.OutcomeProfit)
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return ex.Status().Cash == "1020" }, 2*time.Second, 10*time.Millisecond)

	orders := h.gw.Orders()
	require.Len(t, orders, 2)
	assert.Equal(t, common.SideBuy, orders[0].Side)
	assert.Equal(t, common.SideSell, orders[1].Side)
	assert.True(t, orders[1].Price.Equal(dec("104")))

	require.Eventually(t, func() bool { return len(h.eventTypes()) == 4 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []events.OrderEventType{
		events.OrderSubmitted, events.OrderAccepted, events.OrderSubmitted, events.OrderAccepted,
	}, h.eventTypes())

	data, err := h.database.LoadStrategyState(context.Background(), "aapl")
	require.NoError(t, err)
	var saved strategy.State
	require.NoError(t, json.Unmarshal(data, &saved))
	assert.Equal(t, strategy.NoPosition, saved.Phase)
	assert.Equal(t, strategy.OutcomeProfit, saved.LastOutcome)

	snap := h.metrics.GetSnapshot()
	assert.Equal(t, uint64(2), snap.OrdersPlaced)
	assert.Equal(t, uint64(0), snap.OrdersRejected)
}

func TestRejectedBuyReturnsToNoPosition(t *testing.T) {
	h := newHarness(t)
	ex, _ := startExecutor(t, h)

	h.tradable()
	// Drain the broker cash behind the executor's back; its cached
	// portfolio still shows 1000 until the next sync.
	intent, _ := common.NewOrderIntent("OTHER", 9, common.SideBuy, dec("100"))
	_, err := h.gw.PlaceLimitOrder(context.Background(), intent)
	require.NoError(t, err)
	h.candle("101", "99")

	require.Eventually(t, func() bool {
		types := h.eventTypes()
		return len(types) == 2 && types[1] == events.OrderRejected
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return !ex.Status().PendingOrder }, time.Second, 10*time.Millisecond)
	assert.Equal(t, string(strategy.NoPosition), ex.Status().Phase)
	assert.Equal(t, uint64(1), h.metrics.GetSnapshot().OrdersRejected)
}

func TestRestoreRollsBackPending(t *testing.T) {
	h := newHarness(t)
	saved := strategy.State{
		Phase:       strategy.PositionPending,
		PendingSide: common.SideSell,
		Reference:   dec("100"),
		Extremum:    dec("103"),
	}
	data, err := json.Marshal(saved)
	require.NoError(t, err)
	require.NoError(t, h.database.SaveStrategyState(context.Background(), "aapl", data))

	ex, _ := startExecutor(t, h)
	st := ex.Status()
	assert.Equal(t, string(strategy.PositionOpen), st.Phase)
	assert.Equal(t, "100", st.Reference)
}

func TestCancelsUnrelatedOpenOrder(t *testing.T) {
	h := newHarness(t)
	ex, err := NewExecutor(testConfig(), h.deps)
	require.NoError(t, err)
	ex.SetResyncInterval(20 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, ex.Start(ctx))
	defer func() {
		cancel()
		<-ex.Done()
	}()

	h.gw.SeedOpenOrder(common.OpenOrder{OrderID: "manual", FIGI: testFIGI})
	require.Eventually(t, func() bool {
		return len(ex.Status().OpenOrders) == 1
	}, time.Second, 10*time.Millisecond)

	h.tradable()
	require.Eventually(t, func() bool {
		types := h.eventTypes()
		return len(types) >= 2 && types[0] == events.OrderCancelRequested && types[1] == events.OrderCanceled
	}, 2*time.Second, 10*time.Millisecond)

	open, _ := h.gw.OpenOrders(context.Background(), testFIGI)
	assert.Empty(t, open)
	require.Eventually(t, func() bool { return len(ex.Status().OpenOrders) == 0 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(1), h.metrics.GetSnapshot().Cancels)
}

func TestStopPersistsState(t *testing.T) {
	h := newHarness(t)
	ex, err := NewExecutor(testConfig(), h.deps)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, ex.Start(ctx))

	cancel()
	select {
	case <-ex.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("executor did not stop")
	}
	assert.False(t, ex.Status().Running)

	_, err = h.database.LoadStrategyState(context.Background(), "aapl")
	assert.NoError(t, err)
	assert.Zero(t, h.market.Topics()[testFIGI])
}

func TestExecutorsShareSubscriptions(t *testing.T) {
	h := newHarness(t)
	h.deps.Subscriptions = NewSubscriptions(h.session, nil)

	first, err := NewExecutor(testConfig(), h.deps)
	require.NoError(t, err)
	cfg := testConfig()
	cfg.ID = "aapl-second"
	second, err := NewExecutor(cfg, h.deps)
	require.NoError(t, err)

	ctx1, stop1 := context.WithCancel(context.Background())
	ctx2, stop2 := context.WithCancel(context.Background())
	defer stop2()
	require.NoError(t, first.Start(ctx1))
	require.NoError(t, second.Start(ctx2))
	assert.Equal(t, 3, h.session.sentCount())

	// One replay per reconnect, not one per executor.
	h.session.reconnect()
	assert.Equal(t, 6, h.session.sentCount())

	subs, err := cfg.Subscriptions()
	require.NoError(t, err)
	assert.Equal(t, 2, h.deps.Subscriptions.Refs(subs[0]))

	stop1()
	<-first.Done()
	assert.Equal(t, 6, h.session.sentCount())
	assert.Equal(t, 1, h.deps.Subscriptions.Refs(subs[0]))

	stop2()
	<-second.Done()
	sent := h.session.sentEvents()
	require.Len(t, sent, 9)
	assert.ElementsMatch(t, []string{"instrument_info:unsubscribe", "orderbook:unsubscribe", "candle:unsubscribe"}, sent[6:])
	assert.Empty(t, h.deps.Subscriptions.Active())

	// Nothing left to replay.
	h.session.reconnect()
	assert.Equal(t, 9, h.session.sentCount())
}

func TestStoppedExecutorIgnoresPortfolioSync(t *testing.T) {
	h := newHarness(t)
	ex, err := NewExecutor(testConfig(), h.deps)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, ex.Start(ctx))
	cancel()
	<-ex.Done()
	require.Equal(t, "1000", ex.Status().Cash)

	intent, _ := common.NewOrderIntent("OTHER", 1, common.SideBuy, dec("100"))
	_, err = h.gw.PlaceLimitOrder(context.Background(), intent)
	require.NoError(t, err)
	_, err = h.deps.Balance.Sync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "1000", ex.Status().Cash)
}

// unauthorizedGateway refuses every order the way the REST client does
// when the token is revoked.
type unauthorizedGateway struct {
	*order.DryRunGateway
	placed atomic.Int32
}

func (g *unauthorizedGateway) PlaceLimitOrder(ctx context.Context, intent common.OrderIntent) (common.OrderResult, error) {
	g.placed.Add(1)
	return common.OrderResult{}, fmt.Errorf("%w: POST /orders/limit-order status 401", tinkoff.ErrUnauthorized)
}

func TestUnauthorizedOrderStopsExecutor(t *testing.T) {
	h := newHarness(t)
	gw := &unauthorizedGateway{DryRunGateway: h.gw}
	pool := order.NewAsyncExecutor(gw, 2, h.metrics)
	t.Cleanup(pool.Close)
	h.deps.Gateway = gw
	h.deps.Orders = pool
	h.deps.Subscriptions = NewSubscriptions(h.session, nil)

	ex, _ := startExecutor(t, h)
	h.tradable()
	for i := 0; i < 5; i++ {
		h.candle("101", "99")
	}

	select {
	case <-ex.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("executor kept running after an auth failure")
	}
	assert.ErrorIs(t, ex.Err(), tinkoff.ErrUnauthorized)
	assert.Equal(t, int32(1), gw.placed.Load())
	assert.False(t, ex.Status().Running)
	assert.Equal(t, string(strategy.NoPosition), ex.Status().Phase)
	assert.Empty(t, h.deps.Subscriptions.Active())
}
