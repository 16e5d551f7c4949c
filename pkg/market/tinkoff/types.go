package tinkoff

import (
	"time"

	"github.com/shopspring/decimal"
)

// CandleInterval is the bar size accepted by the streaming API.
type CandleInterval string

const (
	Interval1Min  CandleInterval = "1min"
	Interval2Min  CandleInterval = "2min"
	Interval3Min  CandleInterval = "3min"
	Interval5Min  CandleInterval = "5min"
	Interval10Min CandleInterval = "10min"
	Interval15Min CandleInterval = "15min"
	Interval30Min CandleInterval = "30min"
	IntervalHour  CandleInterval = "hour"
	IntervalDay   CandleInterval = "day"
	IntervalWeek  CandleInterval = "week"
	IntervalMonth CandleInterval = "month"
)

// Valid reports whether the interval is one the stream understands.
func (i CandleInterval) Valid() bool {
	switch i {
	case Interval1Min, Interval2Min, Interval3Min, Interval5Min, Interval10Min,
		Interval15Min, Interval30Min, IntervalHour, IntervalDay, IntervalWeek, IntervalMonth:
		return true
	}
	return false
}

// TradeStatus is the exchange trading regime of an instrument.
type TradeStatus string

const (
	NormalTrading  TradeStatus = "normal_trading"
	NotAvailable   TradeStatus = "not_available_for_trading"
	BreakInTrading TradeStatus = "break_in_trading"
	OpeningAuction TradeStatus = "opening_auction"
	ClosingAuction TradeStatus = "closing_auction"
)

// Event is a decoded market event bound to one instrument.
type Event interface {
	FIGI() string
	Kind() EventKind
}

// EventKind tags the concrete Event type.
type EventKind string

const (
	KindCandle         EventKind = "candle"
	KindOrderbook      EventKind = "orderbook"
	KindInstrumentInfo EventKind = "instrument_info"
)

// Candle is an OHLCV bar.
type Candle struct {
	Figi     string
	Interval CandleInterval
	Open     decimal.Decimal
	Close    decimal.Decimal
	High     decimal.Decimal
	Low      decimal.Decimal
	Volume   decimal.Decimal
	Time     time.Time
}

func (c *Candle) FIGI() string    { return c.Figi }
func (c *Candle) Kind() EventKind { return KindCandle }

// Level is one price level of an order book.
type Level struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// Orderbook is a depth-limited snapshot of the book.
type Orderbook struct {
	Figi              string
	Depth             int
	Bids              []Level
	Asks              []Level
	TradeStatus       TradeStatus
	MinPriceIncrement decimal.Decimal
	LimitUp           decimal.Decimal
	LimitDown         decimal.Decimal
	Time              time.Time
}

func (o *Orderbook) FIGI() string    { return o.Figi }
func (o *Orderbook) Kind() EventKind { return KindOrderbook }

// BestBid returns the top bid, if any.
func (o *Orderbook) BestBid() (Level, bool) {
	if len(o.Bids) == 0 {
		return Level{}, false
	}
	return o.Bids[0], true
}

// BestAsk returns the top ask, if any.
func (o *Orderbook) BestAsk() (Level, bool) {
	if len(o.Asks) == 0 {
		return Level{}, false
	}
	return o.Asks[0], true
}

// InstrumentInfo reports trading status changes of an instrument.
type InstrumentInfo struct {
	Figi              string
	TradeStatus       TradeStatus
	MinPriceIncrement decimal.Decimal
	Lot               int64
	LimitUp           decimal.Decimal
	LimitDown         decimal.Decimal
	Time              time.Time
}

func (i *InstrumentInfo) FIGI() string    { return i.Figi }
func (i *InstrumentInfo) Kind() EventKind { return KindInstrumentInfo }

// Tradable reports whether orders can be placed right now.
func (i *InstrumentInfo) Tradable() bool {
	return i.TradeStatus == NormalTrading
}
