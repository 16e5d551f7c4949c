package tinkoff

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"invest-core/pkg/exchanges/common"
)

// ErrDecode is the sentinel every *DecodeError matches with errors.Is.
var ErrDecode = errors.New("tinkoff: decode failed")

// DecodeError describes a malformed inbound message.
type DecodeError struct {
	Event string
	Field string
	Err   error
}

func (e *DecodeError) Error() string {
	switch {
	case e.Field != "":
		return fmt.Sprintf("tinkoff: decode %s: missing field %q", e.Event, e.Field)
	case e.Err != nil:
		return fmt.Sprintf("tinkoff: decode %s: %v", e.Event, e.Err)
	default:
		return fmt.Sprintf("tinkoff: decode %s", e.Event)
	}
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

func missing(event, field string) error {
	return &DecodeError{Event: event, Field: field}
}

func malformed(event string, err error) error {
	return &DecodeError{Event: event, Err: err}
}

// Message is anything Decode can return: *Candle, *Orderbook,
// *InstrumentInfo, *SubscriptionAck or *StreamError.
type Message interface {
	isMessage()
}

func (*Candle) isMessage()          {}
func (*Orderbook) isMessage()       {}
func (*InstrumentInfo) isMessage()  {}
func (*SubscriptionAck) isMessage() {}
func (*StreamError) isMessage()     {}

// SubscriptionAck is the server echo of a subscribe/unsubscribe request.
type SubscriptionAck struct {
	Action       Action
	Subscription Subscription
	RequestID    string
}

// StreamError is an error pushed by the server, usually in reply to a bad request.
type StreamError struct {
	Message   string
	RequestID string
	Time      time.Time
}

func (e *StreamError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("tinkoff stream error (request %s): %s", e.RequestID, e.Message)
	}
	return "tinkoff stream error: " + e.Message
}

type envelope struct {
	Event     string          `json:"event"`
	Time      string          `json:"time"`
	Payload   json.RawMessage `json:"payload"`
	Figi      *string         `json:"figi"`
	Interval  *string         `json:"interval"`
	Depth     *int            `json:"depth"`
	RequestID string          `json:"request_id"`
}

type candlePayload struct {
	Figi     *string          `json:"figi"`
	Interval *string          `json:"interval"`
	Open     *decimal.Decimal `json:"o"`
	Close    *decimal.Decimal `json:"c"`
	High     *decimal.Decimal `json:"h"`
	Low      *decimal.Decimal `json:"l"`
	Volume   *decimal.Decimal `json:"v"`
	Time     string           `json:"time"`
}

type orderbookPayload struct {
	Figi              *string              `json:"figi"`
	Depth             *int                 `json:"depth"`
	Bids              *[][]decimal.Decimal `json:"bids"`
	Asks              *[][]decimal.Decimal `json:"asks"`
	TradeStatus       string               `json:"trade_status"`
	MinPriceIncrement *decimal.Decimal     `json:"min_price_increment"`
	LimitUp           *decimal.Decimal     `json:"limit_up"`
	LimitDown         *decimal.Decimal     `json:"limit_down"`
}

type instrumentInfoPayload struct {
	Figi              *string          `json:"figi"`
	TradeStatus       *string          `json:"trade_status"`
	MinPriceIncrement *decimal.Decimal `json:"min_price_increment"`
	Lot               *int64           `json:"lot"`
	LimitUp           *decimal.Decimal `json:"limit_up"`
	LimitDown         *decimal.Decimal `json:"limit_down"`
}

type errorPayload struct {
	Error     *string `json:"error"`
	RequestID string  `json:"request_id"`
}

// Decode turns one whole inbound text message into a typed Message.
// Unknown fields are ignored; a missing required field yields *DecodeError.
func Decode(raw []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, malformed("envelope", err)
	}
	if env.Event == "" {
		return nil, missing("envelope", "event")
	}
	ts, err := parseTime(env.Time)
	if err != nil {
		return nil, malformed(env.Event, err)
	}

	if kind, action, ok := strings.Cut(env.Event, ":"); ok {
		return decodeAck(env, EventKind(kind), Action(action))
	}
	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		return nil, missing(env.Event, "payload")
	}

	switch env.Event {
	case string(KindCandle):
		return decodeCandle(env.Payload, ts)
	case string(KindOrderbook):
		return decodeOrderbook(env.Payload, ts)
	case string(KindInstrumentInfo):
		return decodeInstrumentInfo(env.Payload, ts)
	case "error":
		return decodeStreamError(env.Payload, ts)
	default:
		return nil, &DecodeError{Event: env.Event, Err: fmt.Errorf("unknown event kind")}
	}
}

func decodeCandle(raw json.RawMessage, envTime time.Time) (*Candle, error) {
	const ev = "candle"
	var p candlePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, malformed(ev, err)
	}
	switch {
	case p.Figi == nil || *p.Figi == "":
		return nil, missing(ev, "figi")
	case p.Interval == nil:
		return nil, missing(ev, "interval")
	case p.Open == nil:
		return nil, missing(ev, "o")
	case p.Close == nil:
		return nil, missing(ev, "c")
	case p.High == nil:
		return nil, missing(ev, "h")
	case p.Low == nil:
		return nil, missing(ev, "l")
	}
	ts, err := parseTime(p.Time)
	if err != nil {
		return nil, malformed(ev, err)
	}
	if ts.IsZero() {
		ts = envTime
	}
	c := &Candle{
		Figi:     *p.Figi,
		Interval: CandleInterval(*p.Interval),
		Open:     *p.Open,
		Close:    *p.Close,
		High:     *p.High,
		Low:      *p.Low,
		Volume:   decimal.Zero,
		Time:     ts,
	}
	if p.Volume != nil {
		c.Volume = *p.Volume
	}
	return c, nil
}

func decodeOrderbook(raw json.RawMessage, ts time.Time) (*Orderbook, error) {
	const ev = "orderbook"
	var p orderbookPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, malformed(ev, err)
	}
	switch {
	case p.Figi == nil || *p.Figi == "":
		return nil, missing(ev, "figi")
	case p.Bids == nil:
		return nil, missing(ev, "bids")
	case p.Asks == nil:
		return nil, missing(ev, "asks")
	}
	bids, err := levels(*p.Bids)
	if err != nil {
		return nil, malformed(ev, fmt.Errorf("bids: %w", err))
	}
	asks, err := levels(*p.Asks)
	if err != nil {
		return nil, malformed(ev, fmt.Errorf("asks: %w", err))
	}
	ob := &Orderbook{
		Figi:        *p.Figi,
		Depth:       len(bids),
		Bids:        bids,
		Asks:        asks,
		TradeStatus: TradeStatus(p.TradeStatus),
		Time:        ts,
	}
	if p.Depth != nil {
		ob.Depth = *p.Depth
	}
	ob.MinPriceIncrement = orZero(p.MinPriceIncrement)
	ob.LimitUp = orZero(p.LimitUp)
	ob.LimitDown = orZero(p.LimitDown)
	return ob, nil
}

func levels(raw [][]decimal.Decimal) ([]Level, error) {
	out := make([]Level, 0, len(raw))
	for i, pair := range raw {
		if len(pair) != 2 {
			return nil, fmt.Errorf("level %d has %d elements", i, len(pair))
		}
		out = append(out, Level{Price: pair[0], Quantity: pair[1]})
	}
	return out, nil
}

func decodeInstrumentInfo(raw json.RawMessage, ts time.Time) (*InstrumentInfo, error) {
	const ev = "instrument_info"
	var p instrumentInfoPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, malformed(ev, err)
	}
	switch {
	case p.Figi == nil || *p.Figi == "":
		return nil, missing(ev, "figi")
	case p.TradeStatus == nil:
		return nil, missing(ev, "trade_status")
	}
	info := &InstrumentInfo{
		Figi:              *p.Figi,
		TradeStatus:       TradeStatus(*p.TradeStatus),
		MinPriceIncrement: orZero(p.MinPriceIncrement),
		LimitUp:           orZero(p.LimitUp),
		LimitDown:         orZero(p.LimitDown),
		Time:              ts,
	}
	if p.Lot != nil {
		info.Lot = *p.Lot
	}
	return info, nil
}

func decodeStreamError(raw json.RawMessage, ts time.Time) (*StreamError, error) {
	var p errorPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, malformed("error", err)
	}
	if p.Error == nil {
		return nil, missing("error", "error")
	}
	return &StreamError{Message: *p.Error, RequestID: p.RequestID, Time: ts}, nil
}

func decodeAck(env envelope, kind EventKind, action Action) (*SubscriptionAck, error) {
	if action != Subscribe && action != Unsubscribe {
		return nil, &DecodeError{Event: env.Event, Err: fmt.Errorf("unknown action %q", action)}
	}
	if env.Figi == nil {
		return nil, missing(env.Event, "figi")
	}
	var (
		sub Subscription
		err error
	)
	switch kind {
	case KindCandle:
		if env.Interval == nil {
			return nil, missing(env.Event, "interval")
		}
		sub, err = NewCandleSubscription(*env.Figi, CandleInterval(*env.Interval))
	case KindOrderbook:
		if env.Depth == nil {
			return nil, missing(env.Event, "depth")
		}
		sub, err = NewOrderbookSubscription(*env.Figi, *env.Depth)
	case KindInstrumentInfo:
		sub, err = NewInstrumentInfoSubscription(*env.Figi)
	default:
		return nil, &DecodeError{Event: env.Event, Err: fmt.Errorf("unknown event kind")}
	}
	if err != nil {
		return nil, malformed(env.Event, err)
	}
	return &SubscriptionAck{Action: action, Subscription: sub, RequestID: env.RequestID}, nil
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

func orZero(d *decimal.Decimal) decimal.Decimal {
	if d == nil {
		return decimal.Zero
	}
	return *d
}

type subscriptionRequest struct {
	Event     string `json:"event"`
	Figi      string `json:"figi"`
	Interval  string `json:"interval,omitempty"`
	Depth     int    `json:"depth,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// NewRequestID returns a fresh correlation id for streaming requests.
func NewRequestID() string {
	return uuid.NewString()
}

// EncodeSubscription renders a subscribe or unsubscribe request.
func EncodeSubscription(sub Subscription, action Action, requestID string) ([]byte, error) {
	if action != Subscribe && action != Unsubscribe {
		return nil, fmt.Errorf("%w: action %q", ErrInvalidSubscription, action)
	}
	if err := sub.validate(); err != nil {
		return nil, err
	}
	req := subscriptionRequest{
		Event:     sub.event(action),
		Figi:      sub.Figi,
		RequestID: requestID,
	}
	switch sub.Kind {
	case KindCandle:
		req.Interval = string(sub.Interval)
	case KindOrderbook:
		req.Depth = sub.Depth
	}
	return json.Marshal(req)
}

type limitOrderBody struct {
	Lots      int64       `json:"lots"`
	Operation string      `json:"operation"`
	Price     json.Number `json:"price"`
}

// EncodeLimitOrder renders the REST body of a limit order.
func EncodeLimitOrder(intent common.OrderIntent) ([]byte, error) {
	if _, err := common.NewOrderIntent(intent.FIGI, intent.Lots, intent.Side, intent.Price); err != nil {
		return nil, err
	}
	return json.Marshal(limitOrderBody{
		Lots:      intent.Lots,
		Operation: intent.Side.Operation(),
		Price:     json.Number(intent.Price.String()),
	})
}
