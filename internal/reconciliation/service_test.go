package reconciliation

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"invest-core/internal/order"
	"invest-core/internal/strategy"
	"invest-core/pkg/db"
	"invest-core/pkg/exchanges/common"
	"invest-core/pkg/logger"
)

type fakeStrategy struct {
	id, figi string
	phase    strategy.Phase
}

func (f fakeStrategy) ID() string            { return f.id }
func (f fakeStrategy) FIGI() string          { return f.figi }
func (f fakeStrategy) Phase() strategy.Phase { return f.phase }

type recordingSink struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recordingSink) Send(msg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

type failingSink struct{}

func (failingSink) Send(string) error { return errors.New("webhook down") }

func newJournal(t *testing.T) *db.Database {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	require.NoError(t, db.ApplyMigrations(database))
	return database
}

func buy(t *testing.T, gw *order.DryRunGateway, figi string, lots int64) {
	t.Helper()
	intent, err := common.NewOrderIntent(figi, lots, common.SideBuy, decimal.NewFromInt(10))
	require.NoError(t, err)
	res, err := gw.PlaceLimitOrder(context.Background(), intent)
	require.NoError(t, err)
	require.True(t, res.Accepted())
}

func TestReconcilePositionDiffs(t *testing.T) {
	gw := order.NewDryRunGateway(order.DryRunSimConfig{Currency: "USD", InitialBalance: decimal.NewFromInt(1000)})
	buy(t, gw, "HELD", 2)

	strategies := []Strategy{
		fakeStrategy{id: "open-but-empty", figi: "GONE", phase: strategy.PositionOpen},
		fakeStrategy{id: "flat-but-held", figi: "HELD", phase: strategy.NoPosition},
		fakeStrategy{id: "consistent", figi: "OTHER", phase: strategy.NoPosition},
	}
	sink := &recordingSink{}
	svc := NewService(gw, newJournal(t), strategies, sink, 0)

	report, err := svc.Reconcile(context.Background())
	require.NoError(t, err)
	require.True(t, report.HasDiffs)
	require.Len(t, report.PositionDiffs, 2)
	assert.Equal(t, DiffMissingPosition, report.PositionDiffs[0].Kind)
	assert.Equal(t, "GONE", report.PositionDiffs[0].FIGI)
	assert.Equal(t, DiffUntrackedPosition, report.PositionDiffs[1].Kind)
	assert.Equal(t, int64(2), report.PositionDiffs[1].BrokerLots)

	svc.handleReport(report)
	require.Len(t, sink.msgs, 1)
	assert.Contains(t, sink.msgs[0], "open-but-empty")
}

func TestReconcileClosesStaleJournalOrders(t *testing.T) {
	ctx := context.Background()
	gw := order.NewDryRunGateway(order.DryRunSimConfig{Currency: "USD", InitialBalance: decimal.NewFromInt(1000)})
	gw.SeedOpenOrder(common.OpenOrder{OrderID: "live", FIGI: "F", Operation: common.SideSell, RequestedLots: 1})
	buy(t, gw, "F", 1)

	journal := newJournal(t)
	for _, o := range []db.Order{
		{ID: "live", StrategyInstanceID: "s1", FIGI: "F", Side: "SELL", Price: "11", Lots: 1, Status: "NEW"},
		{ID: "gone", StrategyInstanceID: "s1", FIGI: "F", Side: "SELL", Price: "12", Lots: 1, Status: "PARTIALLY_FILLED"},
		{ID: "done", StrategyInstanceID: "s1", FIGI: "F", Side: "BUY", Price: "10", Lots: 1, Status: "FILLED"},
	} {
		require.NoError(t, db.UpsertOrder(ctx, journal.DB, o))
	}

	svc := NewService(gw, journal, []Strategy{fakeStrategy{id: "s1", figi: "F", phase: strategy.PositionOpen}}, nil, 0)
	report, err := svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.PositionDiffs)
	require.Len(t, report.StaleOrders, 1)
	assert.Equal(t, "gone", report.StaleOrders[0].OrderID)
	assert.True(t, report.StaleOrders[0].Synced)
	assert.Equal(t, 1, report.SyncedCount)

	orders, err := journal.ListOrders(ctx, "s1", 10)
	require.NoError(t, err)
	status := map[string]string{}
	for _, o := range orders {
		status[o.ID] = o.Status
	}
	assert.Equal(t, StatusClosed, status["gone"])
	assert.Equal(t, "NEW", status["live"])
	assert.Equal(t, "FILLED", status["done"])

	// Second pass finds nothing left to close.
	report, err = svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.False(t, report.HasDiffs)
}

func TestReconcileWithoutAutoSync(t *testing.T) {
	ctx := context.Background()
	gw := order.NewDryRunGateway(order.DryRunSimConfig{Currency: "USD", InitialBalance: decimal.NewFromInt(1000)})
	journal := newJournal(t)
	require.NoError(t, db.UpsertOrder(ctx, journal.DB, db.Order{
		ID: "gone", StrategyInstanceID: "s1", FIGI: "F", Side: "BUY", Price: "10", Lots: 1, Status: "NEW",
	}))

	svc := NewService(gw, journal, []Strategy{fakeStrategy{id: "s1", figi: "F", phase: strategy.NoPosition}}, nil, 0)
	svc.SetAutoSync(false)
	report, err := svc.Reconcile(ctx)
	require.NoError(t, err)
	require.Len(t, report.StaleOrders, 1)
	assert.False(t, report.StaleOrders[0].Synced)

	orders, err := journal.ListOrders(ctx, "s1", 10)
	require.NoError(t, err)
	assert.Equal(t, "NEW", orders[0].Status)
}

func TestAlertDeliveryFailureIsLogged(t *testing.T) {
	gw := order.NewDryRunGateway(order.DryRunSimConfig{Currency: "USD", InitialBalance: decimal.NewFromInt(1000)})
	svc := NewService(gw, newJournal(t), []Strategy{fakeStrategy{id: "s1", figi: "GONE", phase: strategy.PositionOpen}}, failingSink{}, 0)

	t.Setenv("LOG_LEVEL", "")
	lg := logger.New()
	var buf bytes.Buffer
	lg.SetOutput(&buf)
	svc.SetLogger(lg.WithComponent("reconciliation"))

	report, err := svc.Reconcile(context.Background())
	require.NoError(t, err)
	svc.handleReport(report)

	assert.Contains(t, buf.String(), "alert delivery failed")
	assert.Contains(t, buf.String(), "webhook down")
}
