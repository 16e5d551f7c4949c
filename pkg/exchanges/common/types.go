package common

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidIntent is returned when an order intent breaks lot or price bounds.
	ErrInvalidIntent = errors.New("invalid order intent")
	// ErrRejected marks an order the broker declined. It is a business outcome, not a bug.
	ErrRejected = errors.New("order rejected")
)

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Operation is the side as the broker API spells it.
func (s Side) Operation() string {
	switch s {
	case SideBuy:
		return "Buy"
	case SideSell:
		return "Sell"
	}
	return string(s)
}

// ParseOperation maps the broker's "Buy"/"Sell" onto Side.
func ParseOperation(op string) (Side, error) {
	switch op {
	case "Buy", "BUY", "buy":
		return SideBuy, nil
	case "Sell", "SELL", "sell":
		return SideSell, nil
	}
	return "", fmt.Errorf("unknown operation %q", op)
}

// OrderStatus normalizes exchange status into a small set.
type OrderStatus string

const (
	StatusNew      OrderStatus = "NEW"
	StatusPartial  OrderStatus = "PARTIAL"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
	StatusPending  OrderStatus = "PENDING"
	StatusUnknown  OrderStatus = "UNKNOWN"
)

// NormalizeStatus converts the broker's order status names.
func NormalizeStatus(s string) OrderStatus {
	switch s {
	case "New":
		return StatusNew
	case "PartiallyFill":
		return StatusPartial
	case "Fill":
		return StatusFilled
	case "Cancelled":
		return StatusCanceled
	case "Rejected":
		return StatusRejected
	case "PendingNew", "PendingCancel", "PendingReplace", "Replaced":
		return StatusPending
	}
	return StatusUnknown
}

// OrderIntent is an immutable request to place one limit order.
type OrderIntent struct {
	FIGI  string
	Lots  int64
	Side  Side
	Price decimal.Decimal
}

// NewOrderIntent validates and builds an intent.
func NewOrderIntent(figi string, lots int64, side Side, price decimal.Decimal) (OrderIntent, error) {
	if figi == "" {
		return OrderIntent{}, fmt.Errorf("%w: empty figi", ErrInvalidIntent)
	}
	if lots < 1 {
		return OrderIntent{}, fmt.Errorf("%w: lots %d < 1", ErrInvalidIntent, lots)
	}
	if side != SideBuy && side != SideSell {
		return OrderIntent{}, fmt.Errorf("%w: side %q", ErrInvalidIntent, side)
	}
	if !price.IsPositive() {
		return OrderIntent{}, fmt.Errorf("%w: price %s <= 0", ErrInvalidIntent, price)
	}
	return OrderIntent{FIGI: figi, Lots: lots, Side: side, Price: price}, nil
}

// Notional is price times lots; lot size is not applied.
func (o OrderIntent) Notional() decimal.Decimal {
	return o.Price.Mul(decimal.NewFromInt(o.Lots))
}

// OrderResult returns the exchange ack.
type OrderResult struct {
	OrderID       string
	Operation     Side
	Status        OrderStatus
	RequestedLots int64
	ExecutedLots  int64
	RejectReason  string
	Commission    decimal.Decimal
}

// Accepted reports whether the broker took the order.
func (r OrderResult) Accepted() bool {
	return r.Status != StatusRejected && r.RejectReason == ""
}

// OpenOrder is an order resting on the exchange.
type OpenOrder struct {
	OrderID       string
	FIGI          string
	Operation     Side
	Status        OrderStatus
	RequestedLots int64
	ExecutedLots  int64
	Price         decimal.Decimal
}

// Position is an instrument balance in units (not lots).
type Position struct {
	FIGI    string
	Ticker  string
	Balance decimal.Decimal
	Lots    int64
}

// CurrencyBalance is free cash in one currency.
type CurrencyBalance struct {
	Currency string
	Balance  decimal.Decimal
	Blocked  decimal.Decimal
}

// Portfolio is the account snapshot used for sizing.
type Portfolio struct {
	Positions  []Position
	Currencies []CurrencyBalance
}

// Position returns the holding for figi, zero when absent.
func (p Portfolio) Position(figi string) Position {
	for _, pos := range p.Positions {
		if pos.FIGI == figi {
			return pos
		}
	}
	return Position{FIGI: figi, Balance: decimal.Zero}
}

// Currency returns the balance for cur, zero when absent.
func (p Portfolio) Currency(cur string) CurrencyBalance {
	for _, c := range p.Currencies {
		if c.Currency == cur {
			return c
		}
	}
	return CurrencyBalance{Currency: cur, Balance: decimal.Zero}
}

// Instrument is the static description of a tradable security.
type Instrument struct {
	FIGI              string
	Ticker            string
	Name              string
	Currency          string
	Lot               int64
	MinPriceIncrement decimal.Decimal
}
