package market

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"invest-core/pkg/market/tinkoff"
)

// MockSource generates synthetic wire messages for local development: one
// instrument_info per FIGI, then random-walk candles and order books. It also
// stands in for the stream session so executors can subscribe against it.
type MockSource struct {
	FIGIs      []string
	StartPrice decimal.Decimal
	Step       decimal.Decimal
	Increment  decimal.Decimal
	Interval   time.Duration
	Rand       *rand.Rand

	out   chan []byte
	state atomic.Int32
	sent  atomic.Int64

	hooksMu sync.Mutex
	hooks   []func()
}

func NewMockSource(figis ...string) *MockSource {
	return &MockSource{FIGIs: figis, out: make(chan []byte, 64)}
}

func (m *MockSource) Inbound() <-chan []byte { return m.out }

// Send accepts subscription requests while running. Every configured FIGI is
// streamed regardless.
func (m *MockSource) Send(msg []byte) error {
	if m.State() != tinkoff.StateConnected {
		return tinkoff.ErrNotConnected
	}
	m.sent.Add(1)
	return nil
}

// Sent is the number of accepted Send calls.
func (m *MockSource) Sent() int64 { return m.sent.Load() }

func (m *MockSource) OnConnect(fn func()) {
	m.hooksMu.Lock()
	m.hooks = append(m.hooks, fn)
	m.hooksMu.Unlock()
}

func (m *MockSource) State() tinkoff.State { return tinkoff.State(m.state.Load()) }

// Start begins producing until ctx ends; the channel is then closed.
func (m *MockSource) Start(ctx context.Context) {
	m.setDefaults()
	m.state.Store(int32(tinkoff.StateConnected))
	m.hooksMu.Lock()
	hooks := append([]func(){}, m.hooks...)
	m.hooksMu.Unlock()
	for _, fn := range hooks {
		fn()
	}
	go func() {
		defer close(m.out)
		defer m.state.Store(int32(tinkoff.StateClosed))
		prices := make(map[string]decimal.Decimal, len(m.FIGIs))
		for _, figi := range m.FIGIs {
			prices[figi] = m.StartPrice
			if !m.emit(ctx, "instrument_info", map[string]any{
				"figi":                figi,
				"trade_status":        tinkoff.NormalTrading,
				"min_price_increment": m.Increment,
				"lot":                 1,
			}) {
				return
			}
		}

		t := time.NewTicker(m.Interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-t.C:
				for _, figi := range m.FIGIs {
					open := prices[figi]
					delta := m.Step.Mul(decimal.NewFromFloat(m.Rand.Float64()*2 - 1)).Round(2)
					cl := open.Add(delta)
					if !cl.IsPositive() {
						cl = m.Increment
					}
					prices[figi] = cl
					high, low := decimal.Max(open, cl), decimal.Min(open, cl)
					if !m.emit(ctx, "candle", map[string]any{
						"figi": figi, "interval": tinkoff.Interval1Min,
						"o": open, "c": cl, "h": high, "l": low, "v": m.Rand.Intn(1000),
						"time": now.UTC().Format(time.RFC3339),
					}) {
						return
					}
					if !m.emit(ctx, "orderbook", map[string]any{
						"figi": figi, "depth": 1,
						"bids":         [][]decimal.Decimal{{cl.Sub(m.Increment), decimal.NewFromInt(10)}},
						"asks":         [][]decimal.Decimal{{cl.Add(m.Increment), decimal.NewFromInt(10)}},
						"trade_status": tinkoff.NormalTrading,
					}) {
						return
					}
				}
			}
		}
	}()
}

func (m *MockSource) setDefaults() {
	if m.out == nil {
		m.out = make(chan []byte, 64)
	}
	if m.StartPrice.IsZero() {
		m.StartPrice = decimal.NewFromInt(100)
	}
	if m.Step.IsZero() {
		m.Step = decimal.RequireFromString("0.5")
	}
	if m.Increment.IsZero() {
		m.Increment = decimal.RequireFromString("0.01")
	}
	if m.Interval <= 0 {
		m.Interval = time.Second
	}
	if m.Rand == nil {
		m.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
}

func (m *MockSource) emit(ctx context.Context, event string, payload map[string]any) bool {
	raw, err := json.Marshal(map[string]any{
		"event":   event,
		"time":    time.Now().UTC().Format(time.RFC3339Nano),
		"payload": payload,
	})
	if err != nil {
		return true
	}
	select {
	case m.out <- raw:
		return true
	case <-ctx.Done():
		return false
	}
}
