package tinkoff

import (
	"errors"
	"fmt"
	"strconv"
)

// ErrInvalidSubscription is returned when subscription parameters are out of range.
var ErrInvalidSubscription = errors.New("tinkoff: invalid subscription")

const (
	MinOrderbookDepth = 1
	MaxOrderbookDepth = 20
)

// Action is the subscribe/unsubscribe verb of a streaming request.
type Action string

const (
	Subscribe   Action = "subscribe"
	Unsubscribe Action = "unsubscribe"
)

// Subscription identifies one stream of market events. Build it with the
// New*Subscription constructors so parameters are validated up front.
type Subscription struct {
	Kind     EventKind
	Figi     string
	Interval CandleInterval
	Depth    int
}

func NewCandleSubscription(figi string, interval CandleInterval) (Subscription, error) {
	if figi == "" {
		return Subscription{}, fmt.Errorf("%w: empty figi", ErrInvalidSubscription)
	}
	if !interval.Valid() {
		return Subscription{}, fmt.Errorf("%w: unknown candle interval %q", ErrInvalidSubscription, interval)
	}
	return Subscription{Kind: KindCandle, Figi: figi, Interval: interval}, nil
}

func NewOrderbookSubscription(figi string, depth int) (Subscription, error) {
	if figi == "" {
		return Subscription{}, fmt.Errorf("%w: empty figi", ErrInvalidSubscription)
	}
	if depth < MinOrderbookDepth || depth > MaxOrderbookDepth {
		return Subscription{}, fmt.Errorf("%w: orderbook depth %d outside [%d, %d]",
			ErrInvalidSubscription, depth, MinOrderbookDepth, MaxOrderbookDepth)
	}
	return Subscription{Kind: KindOrderbook, Figi: figi, Depth: depth}, nil
}

func NewInstrumentInfoSubscription(figi string) (Subscription, error) {
	if figi == "" {
		return Subscription{}, fmt.Errorf("%w: empty figi", ErrInvalidSubscription)
	}
	return Subscription{Kind: KindInstrumentInfo, Figi: figi}, nil
}

// Key is the identity of the subscription, usable as a map key.
func (s Subscription) Key() string {
	switch s.Kind {
	case KindCandle:
		return string(s.Kind) + "|" + s.Figi + "|" + string(s.Interval)
	case KindOrderbook:
		return string(s.Kind) + "|" + s.Figi + "|" + strconv.Itoa(s.Depth)
	default:
		return string(s.Kind) + "|" + s.Figi
	}
}

func (s Subscription) String() string { return s.Key() }

func (s Subscription) validate() error {
	var err error
	switch s.Kind {
	case KindCandle:
		_, err = NewCandleSubscription(s.Figi, s.Interval)
	case KindOrderbook:
		_, err = NewOrderbookSubscription(s.Figi, s.Depth)
	case KindInstrumentInfo:
		_, err = NewInstrumentInfoSubscription(s.Figi)
	default:
		err = fmt.Errorf("%w: unknown kind %q", ErrInvalidSubscription, s.Kind)
	}
	return err
}

func (s Subscription) event(action Action) string {
	return string(s.Kind) + ":" + string(action)
}
