package events

import (
	"time"

	"github.com/shopspring/decimal"

	"invest-core/pkg/exchanges/common"
)

// OrderEventType enumerates order lifecycle transitions.
type OrderEventType string

const (
	OrderSubmitted       OrderEventType = "order.submitted"
	OrderAccepted        OrderEventType = "order.accepted"
	OrderRejected        OrderEventType = "order.rejected"
	OrderCancelRequested OrderEventType = "order.cancel_requested"
	OrderCanceled        OrderEventType = "order.canceled"
	OrderCancelFailed    OrderEventType = "order.cancel_failed"
)

// OrderEvent is published by executors for the journal and the API.
// Topic is the strategy id.
type OrderEvent struct {
	Type         OrderEventType
	StrategyID   string
	FIGI         string
	OrderID      string
	Side         common.Side
	Lots         int64
	ExecutedLots int64
	Price        decimal.Decimal
	Outcome      string
	Reason       string
	Latency      time.Duration
	Time         time.Time
}
