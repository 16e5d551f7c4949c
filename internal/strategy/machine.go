package strategy

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"invest-core/internal/state"
	"invest-core/pkg/exchanges/common"
)

// Decide evaluates one snapshot. It is pure: the returned State replaces the
// input only when the caller commits it. A sizing error comes back with the
// unchanged phase and a Pass decision.
func Decide(st State, snap state.Snapshot, p Params) (State, Decision, error) {
	next := st
	next.Tradable = snap.Tradable()

	if st.Phase == PositionPending || snap.PendingOrder {
		return next, pass("order pending"), nil
	}
	if snap.HasOpenOrders() {
		if st.CancelVersion == snap.OrdersVersion {
			return next, pass("waiting for open orders to clear"), nil
		}
		next.CancelVersion = snap.OrdersVersion
		return next, Decision{
			Kind:    CancelOrder,
			OrderID: snap.OpenOrders[0],
			Reason:  "unrelated open order",
		}, nil
	}
	if snap.Candle == nil {
		return next, pass("no candle yet"), nil
	}

	price := Midpoint(snap.Candle.High, snap.Candle.Low)
	switch st.Phase {
	case NoPosition:
		return decideEntry(next, snap, p, price)
	case PositionOpen:
		return decideExit(next, snap, p, price)
	}
	return next, pass("unknown phase " + string(st.Phase)), nil
}

func decideEntry(next State, snap state.Snapshot, p Params, price decimal.Decimal) (State, Decision, error) {
	if next.LastOutcome == OutcomeNone {
		if !next.Tradable {
			return next, pass("not tradable"), nil
		}
		return buy(next, snap, p, price)
	}

	if next.Extremum.IsZero() || price.LessThanOrEqual(next.Extremum) {
		next.Extremum = price
		return next, pass("tracking minimum"), nil
	}
	rise := percentOf(price.Sub(next.Extremum), next.Extremum)
	if rise.GreaterThan(p.FallToGrowInterest) && next.Tradable {
		return buy(next, snap, p, price)
	}
	return next, pass("waiting for rebound"), nil
}

func decideExit(next State, snap state.Snapshot, p Params, price decimal.Decimal) (State, Decision, error) {
	ref, ext := next.Reference, next.Extremum

	switch ext.Cmp(ref) {
	case 1:
		if price.GreaterThanOrEqual(ext) {
			next.Extremum = price
			return next, pass("new high"), nil
		}
		grow := percentOf(ext.Sub(ref), ref)
		fall := percentOf(ext.Sub(price), ext)
		if grow.GreaterThanOrEqual(p.ProfitInterest) && fall.GreaterThanOrEqual(p.GrowToFallInterest) {
			if !next.Tradable {
				return next, pass("take profit due, not tradable"), nil
			}
			return sell(next, snap, price, OutcomeProfit)
		}
		if grow.LessThan(p.ProfitInterest) {
			next.Extremum = price
		}
		return next, pass("holding in profit"), nil
	case -1:
		if price.GreaterThanOrEqual(ext) {
			next.Extremum = price
			return next, pass("recovering"), nil
		}
		loss := percentOf(price.Sub(ref).Abs(), ref)
		if loss.GreaterThanOrEqual(p.StopLossInterest) && next.Tradable {
			return sell(next, snap, price, OutcomeLoss)
		}
		next.Extremum = price
		return next, pass("holding in loss"), nil
	default:
		next.Extremum = price
		return next, pass("at reference"), nil
	}
}

func buy(next State, snap state.Snapshot, p Params, price decimal.Decimal) (State, Decision, error) {
	corrected := FloorToIncrement(price, snap.MinPriceIncrement())
	lot := snap.Lot()
	if lot <= 0 {
		return next, pass("sizing failed"), fmt.Errorf("%w: lot size %d for %s", ErrNonPositiveLots, lot, snap.FIGI)
	}
	budget := decimal.Min(p.MaxOperationValue, snap.Currency.Balance)
	lots := floorDiv(budget, corrected.Mul(decimal.NewFromInt(lot)))
	if lots <= 0 {
		return next, pass("sizing failed"), fmt.Errorf("%w: budget %s at price %s x lot %d",
			ErrNonPositiveLots, budget, corrected, lot)
	}
	intent, err := common.NewOrderIntent(snap.FIGI, lots, common.SideBuy, corrected)
	if err != nil {
		return next, pass("invalid intent"), err
	}
	next.Phase = PositionPending
	next.PendingSide = common.SideBuy
	next.PendingOutcome = OutcomeNone
	return next, Decision{Kind: PlaceLimitOrder, Intent: intent, Reason: "entry"}, nil
}

func sell(next State, snap state.Snapshot, price decimal.Decimal, outcome Outcome) (State, Decision, error) {
	corrected := FloorToIncrement(price, snap.MinPriceIncrement())
	lot := snap.Lot()
	if lot <= 0 {
		return next, pass("sizing failed"), fmt.Errorf("%w: lot size %d for %s", ErrNonPositiveLots, lot, snap.FIGI)
	}
	lots := floorDiv(snap.Position.Balance, decimal.NewFromInt(lot))
	if lots <= 0 {
		return next, pass("sizing failed"), fmt.Errorf("%w: balance %s with lot %d",
			ErrNonPositiveLots, snap.Position.Balance, lot)
	}
	intent, err := common.NewOrderIntent(snap.FIGI, lots, common.SideSell, corrected)
	if err != nil {
		return next, pass("invalid intent"), err
	}
	next.Phase = PositionPending
	next.PendingSide = common.SideSell
	next.PendingOutcome = outcome
	return next, Decision{Kind: PlaceLimitOrder, Intent: intent, Outcome: outcome, Reason: string(outcome)}, nil
}

// ApplyOutcome folds an order result into the state. Outcomes arriving
// outside PositionPending are stale and ignored.
func ApplyOutcome(st State, o OrderOutcome) State {
	if st.Phase != PositionPending || o.Side != st.PendingSide {
		return st
	}
	switch {
	case o.Accepted && o.Side == common.SideBuy:
		st.Phase = PositionOpen
		st.Reference = o.Price
		st.Extremum = o.Price
	case o.Accepted && o.Side == common.SideSell:
		st.Phase = NoPosition
		st.LastOutcome = st.PendingOutcome
		st.Extremum = o.Price
	case o.Side == common.SideBuy:
		st.Phase = NoPosition
	default:
		st.Phase = PositionOpen
	}
	st.PendingSide = ""
	st.PendingOutcome = OutcomeNone
	return st
}

// Machine serializes evaluations and outcomes for one instrument.
type Machine struct {
	mu     sync.Mutex
	params Params
	state  State
}

// NewMachine validates params before anything else happens.
func NewMachine(params Params) (*Machine, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Machine{params: params, state: InitialState()}, nil
}

// Evaluate runs Decide and commits the resulting state.
func (m *Machine) Evaluate(snap state.Snapshot) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next, d, err := Decide(m.state, snap, m.params)
	m.state = next
	return d, err
}

func (m *Machine) OnOutcome(o OrderOutcome) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = ApplyOutcome(m.state, o)
	return m.state
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) Params() Params { return m.params }

// Restore replaces the state with a persisted one.
func (m *Machine) Restore(st State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = st.Restored()
}
