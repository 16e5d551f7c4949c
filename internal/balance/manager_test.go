package balance

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"invest-core/pkg/exchanges/common"
)

type fakeSource struct {
	calls atomic.Int32
	err   error
}

func (f *fakeSource) Portfolio(ctx context.Context) (common.Portfolio, error) {
	n := f.calls.Add(1)
	if f.err != nil {
		return common.Portfolio{}, f.err
	}
	return common.Portfolio{
		Positions: []common.Position{{FIGI: "F", Lots: int64(n), Balance: decimal.NewFromInt(int64(n))}},
		Currencies: []common.CurrencyBalance{
			{Currency: "USD", Balance: decimal.NewFromInt(100), Blocked: decimal.NewFromInt(30)},
		},
	}, nil
}

func TestSyncNotifiesListeners(t *testing.T) {
	src := &fakeSource{}
	m := NewManager(src, time.Hour)
	var got []common.Portfolio
	m.OnSync(func(p common.Portfolio) { got = append(got, p) })

	p, err := m.Sync(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, p, got[0])
	assert.Equal(t, "70", m.Available("USD").String())
	assert.Equal(t, int64(1), m.Position("F").Lots)
	assert.True(t, m.Available("RUB").IsZero())

	_, at := m.GetPortfolio()
	assert.False(t, at.IsZero())
}

func TestSyncErrorKeepsCache(t *testing.T) {
	src := &fakeSource{}
	m := NewManager(src, time.Hour)
	_, err := m.Sync(context.Background())
	require.NoError(t, err)

	src.err = errors.New("offline")
	_, err = m.Sync(context.Background())
	assert.Error(t, err)
	assert.Equal(t, int64(1), m.Position("F").Lots)
}

func TestStartSyncsPeriodically(t *testing.T) {
	src := &fakeSource{}
	m := NewManager(src, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	require.Eventually(t, func() bool { return src.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
}

func TestOnSyncRemove(t *testing.T) {
	m := NewManager(&fakeSource{}, time.Hour)
	var first, second int
	removeFirst := m.OnSync(func(common.Portfolio) { first++ })
	m.OnSync(func(common.Portfolio) { second++ })

	_, err := m.Sync(context.Background())
	require.NoError(t, err)
	removeFirst()
	removeFirst()
	_, err = m.Sync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, first)
	assert.Equal(t, 2, second)
}
