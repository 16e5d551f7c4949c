package strategy

import (
	"fmt"

	"github.com/shopspring/decimal"

	"invest-core/pkg/exchanges/common"
)

// Phase is the position lifecycle of one strategy instance.
type Phase string

const (
	NoPosition      Phase = "no_position"
	PositionPending Phase = "position_pending"
	PositionOpen    Phase = "position_open"
)

// Outcome is the result of a closed position.
type Outcome string

const (
	OutcomeNone   Outcome = ""
	OutcomeProfit Outcome = "profit"
	OutcomeLoss   Outcome = "loss"
)

// State is owned by the Machine and persisted between runs.
type State struct {
	Phase          Phase           `json:"phase"`
	LastOutcome    Outcome         `json:"last_outcome"`
	PendingOutcome Outcome         `json:"pending_outcome"`
	PendingSide    common.Side     `json:"pending_side"`
	Reference      decimal.Decimal `json:"reference"`
	Extremum       decimal.Decimal `json:"extremum"`
	Tradable       bool            `json:"tradable"`
	// CancelVersion is the OrdersVersion a cancel was last issued for.
	CancelVersion uint64 `json:"cancel_version"`
}

// InitialState is a fresh machine with no position and no history.
func InitialState() State {
	return State{Phase: NoPosition}
}

// Restored rolls an interrupted PositionPending back to the phase before
// the order: no in-flight order survives a restart.
func (s State) Restored() State {
	if s.Phase != PositionPending {
		return s
	}
	switch s.PendingSide {
	case common.SideSell:
		s.Phase = PositionOpen
	default:
		s.Phase = NoPosition
	}
	s.PendingSide = ""
	s.PendingOutcome = OutcomeNone
	return s
}

// DecisionKind tags a Decision.
type DecisionKind int

const (
	Pass DecisionKind = iota
	PlaceLimitOrder
	CancelOrder
)

func (k DecisionKind) String() string {
	switch k {
	case Pass:
		return "pass"
	case PlaceLimitOrder:
		return "place_limit_order"
	case CancelOrder:
		return "cancel_order"
	}
	return fmt.Sprintf("decision(%d)", int(k))
}

// Decision is the single output of one evaluation.
type Decision struct {
	Kind    DecisionKind
	Intent  common.OrderIntent
	OrderID string
	Outcome Outcome
	Reason  string
}

func pass(reason string) Decision {
	return Decision{Kind: Pass, Reason: reason}
}

// OrderOutcome is the broker's answer to a placed order.
type OrderOutcome struct {
	Side     common.Side
	Accepted bool
	Price    decimal.Decimal
	OrderID  string
	Reason   string
}
