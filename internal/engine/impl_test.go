package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"invest-core/pkg/db"
)

type usageStub struct{}

func (usageStub) Usage() (int64, int64) { return 7, 1 }

func TestImplQueries(t *testing.T) {
	h := newHarness(t)
	ex, _ := startExecutor(t, h)
	ctx := context.Background()

	require.NoError(t, db.UpsertOrder(ctx, h.database.DB, db.Order{
		ID: "o1", StrategyInstanceID: "aapl", FIGI: testFIGI, Side: "BUY", Price: "100", Lots: 5, Status: "FILLED",
	}))

	impl := NewImpl(Config{
		Executors: []*Executor{ex},
		Session:   h.session,
		Metrics:   h.metrics,
		DB:        h.database,
		Usage:     usageStub{},
		Meta:      SystemStatus{Mode: "live", Version: "test"},
	})

	list := impl.ListStrategies(ctx)
	require.Len(t, list, 1)
	assert.Equal(t, "aapl", list[0].ID)

	_, err := impl.GetStrategyStatus(ctx, "nope")
	assert.ErrorIs(t, err, ErrStrategyNotFound)
	st, err := impl.GetStrategyStatus(ctx, "aapl")
	require.NoError(t, err)
	assert.Equal(t, testFIGI, st.FIGI)

	orders, err := impl.GetStrategyOrders(ctx, "aapl", 10)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "FILLED", orders[0].Status)
	_, err = impl.GetStrategyOrders(ctx, "nope", 10)
	assert.ErrorIs(t, err, ErrStrategyNotFound)

	sys := impl.GetSystemStatus(ctx)
	assert.Equal(t, "connected", sys.Session)
	assert.Equal(t, 1, sys.Strategies)
	assert.Equal(t, int64(7), sys.RESTRequests)
	assert.Equal(t, "test", sys.Version)
}

func TestImplWithoutSessionOrDB(t *testing.T) {
	impl := NewImpl(Config{})
	assert.Equal(t, "disabled", impl.GetSystemStatus(context.Background()).Session)
	assert.Empty(t, impl.ListStrategies(context.Background()))
}
