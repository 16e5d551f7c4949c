package state

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"invest-core/pkg/exchanges/common"
	"invest-core/pkg/market/tinkoff"
)

// Position is the owned balance of the instrument.
type Position struct {
	Balance decimal.Decimal
	Lots    int64
}

// Currency is the free cash available for buying the instrument.
type Currency struct {
	Currency string
	Balance  decimal.Decimal
}

// Snapshot is the trading state of one instrument at one point in time.
// Snapshots are values; the slices and pointers inside are never mutated
// after publication.
type Snapshot struct {
	FIGI          string
	Orderbook     *tinkoff.Orderbook
	Candle        *tinkoff.Candle
	Info          *tinkoff.InstrumentInfo
	Instrument    *common.Instrument
	PendingOrder  bool
	Position      Position
	Currency      Currency
	OpenOrders    []string
	OrdersVersion uint64
}

// Tradable uses the instrument-info flag when present, then the order book
// trade status, and is false when neither has arrived.
func (s Snapshot) Tradable() bool {
	if s.Info != nil {
		return s.Info.Tradable()
	}
	if s.Orderbook != nil {
		return s.Orderbook.TradeStatus == tinkoff.NormalTrading
	}
	return false
}

// MinPriceIncrement prefers live stream values over the static instrument.
func (s Snapshot) MinPriceIncrement() decimal.Decimal {
	if s.Info != nil && s.Info.MinPriceIncrement.IsPositive() {
		return s.Info.MinPriceIncrement
	}
	if s.Orderbook != nil && s.Orderbook.MinPriceIncrement.IsPositive() {
		return s.Orderbook.MinPriceIncrement
	}
	if s.Instrument != nil {
		return s.Instrument.MinPriceIncrement
	}
	return decimal.Zero
}

// Lot is the lot size, 0 when unknown.
func (s Snapshot) Lot() int64 {
	if s.Info != nil && s.Info.Lot > 0 {
		return s.Info.Lot
	}
	if s.Instrument != nil {
		return s.Instrument.Lot
	}
	return 0
}

// HasOpenOrders reports exchange orders resting for the instrument.
func (s Snapshot) HasOpenOrders() bool { return len(s.OpenOrders) > 0 }

// Aggregator owns the per-FIGI trading state. Every mutation replaces the
// stored snapshot under the lock, so readers always get a consistent copy.
type Aggregator struct {
	mu     sync.RWMutex
	states map[string]Snapshot
}

func NewAggregator() *Aggregator {
	return &Aggregator{states: make(map[string]Snapshot)}
}

// Apply merges one market event; only the field of its type changes.
func (a *Aggregator) Apply(ev tinkoff.Event) Snapshot {
	return a.update(ev.FIGI(), func(s *Snapshot) {
		switch e := ev.(type) {
		case *tinkoff.Candle:
			s.Candle = e
		case *tinkoff.Orderbook:
			s.Orderbook = e
		case *tinkoff.InstrumentInfo:
			s.Info = e
		}
	})
}

// Snapshot returns the current state of figi.
func (a *Aggregator) Snapshot(figi string) (Snapshot, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.states[figi]
	return s, ok
}

// All returns every tracked snapshot ordered by FIGI.
func (a *Aggregator) All() []Snapshot {
	a.mu.RLock()
	out := make([]Snapshot, 0, len(a.states))
	for _, s := range a.states {
		out = append(out, s)
	}
	a.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].FIGI < out[j].FIGI })
	return out
}

// SetInstrument stores the static description used as a fallback.
func (a *Aggregator) SetInstrument(inst common.Instrument) Snapshot {
	return a.update(inst.FIGI, func(s *Snapshot) { s.Instrument = &inst })
}

// TryMarkPending sets the in-flight order flag. It returns false if an order
// is already pending; the caller must not place another one.
func (a *Aggregator) TryMarkPending(figi string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.states[figi]
	if s.PendingOrder {
		return false
	}
	s.FIGI = figi
	s.PendingOrder = true
	a.states[figi] = s
	return true
}

// ClearPending releases the in-flight flag after an order outcome.
func (a *Aggregator) ClearPending(figi string) Snapshot {
	return a.update(figi, func(s *Snapshot) { s.PendingOrder = false })
}

func (a *Aggregator) SetPosition(figi string, p Position) Snapshot {
	return a.update(figi, func(s *Snapshot) { s.Position = p })
}

func (a *Aggregator) SetCurrency(figi string, c Currency) Snapshot {
	return a.update(figi, func(s *Snapshot) { s.Currency = c })
}

// SetOpenOrders replaces the open order ids and bumps OrdersVersion.
func (a *Aggregator) SetOpenOrders(figi string, ids []string) Snapshot {
	cp := append([]string(nil), ids...)
	return a.update(figi, func(s *Snapshot) {
		s.OpenOrders = cp
		s.OrdersVersion++
	})
}

func (a *Aggregator) update(figi string, fn func(*Snapshot)) Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.states[figi]
	s.FIGI = figi
	fn(&s)
	a.states[figi] = s
	return s
}
