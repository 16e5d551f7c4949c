package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"invest-core/internal/balance"
	"invest-core/internal/events"
	"invest-core/internal/monitor"
	"invest-core/internal/order"
	"invest-core/internal/state"
	"invest-core/internal/strategy"
	"invest-core/pkg/db"
	"invest-core/pkg/exchanges/common"
	"invest-core/pkg/logger"
	"invest-core/pkg/market/tinkoff"
)

const DefaultResyncInterval = time.Minute

// ErrMissingDependency is returned by NewExecutor when a required collaborator is nil.
var ErrMissingDependency = errors.New("executor dependency missing")

// StreamSession is the part of the transport session an executor needs.
type StreamSession interface {
	Send(msg []byte) error
	OnConnect(fn func())
	State() tinkoff.State
}

// StateStore persists machine state between runs.
type StateStore interface {
	SaveStrategyState(ctx context.Context, strategyID string, data []byte) error
	LoadStrategyState(ctx context.Context, strategyID string) ([]byte, error)
}

// Deps are the collaborators of an executor. Gateway, Orders, Session and
// MarketHub are required. Executors sharing a session should share
// Subscriptions; without one the executor keeps a private registry.
type Deps struct {
	Gateway       common.Gateway
	Orders        *order.AsyncExecutor
	Session       StreamSession
	Subscriptions *Subscriptions
	MarketHub     *events.Hub[tinkoff.Event]
	OrderHub      *events.Hub[events.OrderEvent]
	Balance       *balance.Manager
	Store         StateStore
	Metrics       *monitor.SystemMetrics
	Log           *logger.Entry
}

// Executor drives one strategy machine for one instrument. Market events
// and order outcomes are handled on a single goroutine.
type Executor struct {
	cfg            strategy.Config
	deps           Deps
	subs           []tinkoff.Subscription
	machine        *strategy.Machine
	agg            *state.Aggregator
	resyncInterval time.Duration
	log            *logger.Entry

	results chan order.ExecutionResult
	cancels chan order.ExecutionResult

	mu        sync.Mutex
	pending   *pendingOrder
	ownOrders map[string]struct{}
	lastOrder string
	running   bool
	stopping  bool
	unsync    func()

	fatalOnce sync.Once
	fatal     chan struct{}
	err       error

	wg   sync.WaitGroup
	done chan struct{}
}

type pendingOrder struct {
	decision  strategy.Decision
	submitted time.Time
}

// NewExecutor validates configuration before any I/O happens.
func NewExecutor(cfg strategy.Config, deps Deps) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch {
	case deps.Gateway == nil:
		return nil, fmt.Errorf("%w: gateway", ErrMissingDependency)
	case deps.Orders == nil:
		return nil, fmt.Errorf("%w: order executor", ErrMissingDependency)
	case deps.Session == nil:
		return nil, fmt.Errorf("%w: session", ErrMissingDependency)
	case deps.MarketHub == nil:
		return nil, fmt.Errorf("%w: market hub", ErrMissingDependency)
	}
	subs, err := cfg.Subscriptions()
	if err != nil {
		return nil, err
	}
	machine, err := strategy.NewMachine(cfg.Params())
	if err != nil {
		return nil, err
	}
	log := deps.Log
	if log == nil {
		log = logger.GetLogger().WithComponent("executor")
	}
	if deps.Subscriptions == nil {
		deps.Subscriptions = NewSubscriptions(deps.Session, log.WithComponent("subscriptions"))
	}
	return &Executor{
		cfg:            cfg,
		deps:           deps,
		subs:           subs,
		machine:        machine,
		agg:            state.NewAggregator(),
		resyncInterval: DefaultResyncInterval,
		log:            log.WithFields(logger.Fields{"strategy_id": cfg.ID, "figi": cfg.FIGI}),
		results:        make(chan order.ExecutionResult, 1),
		cancels:        make(chan order.ExecutionResult, 4),
		ownOrders:      make(map[string]struct{}),
		fatal:          make(chan struct{}),
		done:           make(chan struct{}),
	}, nil
}

// SetResyncInterval overrides how often open orders (and the portfolio, when
// no balance manager is shared) are refreshed. Call before Start.
func (e *Executor) SetResyncInterval(d time.Duration) {
	if d > 0 {
		e.resyncInterval = d
	}
}

func (e *Executor) ID() string { return e.cfg.ID }

func (e *Executor) FIGI() string { return e.cfg.FIGI }

// Phase is the current position phase of the machine.
func (e *Executor) Phase() strategy.Phase { return e.machine.State().Phase }

// Start prepares the instrument and launches the loop. Startup errors are
// returned; afterwards the loop runs until ctx ends.
func (e *Executor) Start(ctx context.Context) error {
	figi := e.cfg.FIGI

	inst, err := e.deps.Gateway.Instrument(ctx, figi)
	if err != nil {
		return fmt.Errorf("strategy %s: instrument %s: %w", e.cfg.ID, figi, err)
	}
	e.agg.SetInstrument(inst)

	e.cancelStaleOrders(ctx)
	if err := e.refreshOpenOrders(ctx); err != nil {
		return fmt.Errorf("strategy %s: open orders: %w", e.cfg.ID, err)
	}

	unsync := func() {}
	if e.deps.Balance != nil {
		unsync = e.deps.Balance.OnSync(e.applyPortfolio)
	}
	if err := e.syncPortfolio(ctx); err != nil {
		unsync()
		return fmt.Errorf("strategy %s: portfolio: %w", e.cfg.ID, err)
	}

	if err := e.restoreState(ctx); err != nil {
		unsync()
		return fmt.Errorf("strategy %s: restore state: %w", e.cfg.ID, err)
	}

	consumer := e.deps.MarketHub.Subscribe(figi)
	e.deps.Subscriptions.Acquire(e.subs)

	e.mu.Lock()
	e.running = true
	e.unsync = unsync
	e.mu.Unlock()

	market := make(chan tinkoff.Event)
	e.wg.Add(1)
	go e.pump(ctx, consumer, market)
	go e.loop(ctx, consumer, market)

	e.log.WithFields(logger.Fields{
		"lot":       inst.Lot,
		"increment": inst.MinPriceIncrement.String(),
		"phase":     e.machine.State().Phase,
	}).Info("strategy started")
	return nil
}

// Done is closed once the loop and its background work have stopped.
func (e *Executor) Done() <-chan struct{} { return e.done }

// Err is the fatal error that stopped the executor, if any. It is set
// before Done is closed.
func (e *Executor) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// fail stops the loop with err. Only the first call counts.
func (e *Executor) fail(err error) {
	e.fatalOnce.Do(func() {
		e.mu.Lock()
		e.err = err
		e.mu.Unlock()
		close(e.fatal)
	})
}

func (e *Executor) failed() bool {
	select {
	case <-e.fatal:
		return true
	default:
		return false
	}
}

// checkFatal stops the executor on errors that retrying cannot fix.
func (e *Executor) checkFatal(err error) bool {
	if !errors.Is(err, tinkoff.ErrUnauthorized) {
		return false
	}
	e.log.WithError(err).Error("broker refused the token, stopping strategy")
	e.fail(fmt.Errorf("strategy %s: %w", e.cfg.ID, err))
	return true
}

// pump moves hub events into the loop; Consumer.Next blocks so it cannot
// be selected on directly.
func (e *Executor) pump(ctx context.Context, c *events.Consumer[tinkoff.Event], out chan<- tinkoff.Event) {
	defer e.wg.Done()
	for {
		ev, ok := c.Next()
		if !ok {
			return
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return
		case <-e.fatal:
			return
		}
	}
}

func (e *Executor) loop(ctx context.Context, consumer *events.Consumer[tinkoff.Event], market <-chan tinkoff.Event) {
	ticker := time.NewTicker(e.resyncInterval)
	defer func() {
		ticker.Stop()
		e.mu.Lock()
		e.running = false
		e.stopping = true
		unsync := e.unsync
		e.mu.Unlock()
		e.deps.Subscriptions.Release(e.subs)
		if unsync != nil {
			unsync()
		}
		e.deps.MarketHub.Unsubscribe(e.cfg.FIGI, consumer)
		e.wg.Wait()
		e.persistState(context.Background())
		close(e.done)
		e.log.Info("strategy stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.fatal:
			return
		case ev := <-market:
			e.onMarketEvent(ctx, ev)
		case res := <-e.results:
			e.onOrderResult(ctx, res)
		case res := <-e.cancels:
			e.onCancelResult(ctx, res)
		case <-ticker.C:
			e.background(ctx, func(ctx context.Context) {
				if e.deps.Balance == nil {
					if err := e.syncPortfolio(ctx); err != nil && !e.checkFatal(err) {
						e.log.WithError(err).Warn("portfolio resync failed")
					}
				}
				if err := e.refreshOpenOrders(ctx); err != nil && !e.checkFatal(err) {
					e.log.WithError(err).Warn("open orders resync failed")
				}
			})
		}
	}
}

func (e *Executor) onMarketEvent(ctx context.Context, ev tinkoff.Event) {
	if e.failed() {
		return
	}
	snap := e.agg.Apply(ev)

	var timer *monitor.Timer
	if e.deps.Metrics != nil {
		timer = monitor.NewTimer(e.deps.Metrics.StrategyLatency)
		e.deps.Metrics.IncDecisions()
	}
	d, err := e.machine.Evaluate(snap)
	if timer != nil {
		timer.Stop()
	}
	if err != nil {
		e.log.WithError(err).Warn("evaluation failed")
		return
	}

	switch d.Kind {
	case strategy.PlaceLimitOrder:
		e.placeOrder(ctx, d)
	case strategy.CancelOrder:
		e.cancelOrder(ctx, d)
	default:
		e.log.WithField("reason", d.Reason).Debug("pass")
	}
}

func (e *Executor) placeOrder(ctx context.Context, d strategy.Decision) {
	figi := e.cfg.FIGI
	if !e.agg.TryMarkPending(figi) {
		// The machine already moved to PositionPending; undo it.
		e.machine.OnOutcome(strategy.OrderOutcome{Side: d.Intent.Side, Accepted: false, Reason: "order already pending"})
		e.log.Error("order decision while another order is pending")
		return
	}

	e.mu.Lock()
	e.pending = &pendingOrder{decision: d, submitted: time.Now()}
	e.mu.Unlock()

	e.publish(events.OrderEvent{
		Type:    events.OrderSubmitted,
		Side:    d.Intent.Side,
		Lots:    d.Intent.Lots,
		Price:   d.Intent.Price,
		Outcome: string(d.Outcome),
		Reason:  d.Reason,
	})
	e.log.WithFields(logger.Fields{
		"side":  d.Intent.Side,
		"lots":  d.Intent.Lots,
		"price": d.Intent.Price.String(),
	}).Info("placing limit order")

	e.deps.Orders.ExecuteAsync(ctx, order.Request{
		Kind:       order.RequestPlace,
		StrategyID: e.cfg.ID,
		Intent:     d.Intent,
	}, e.results)
}

func (e *Executor) cancelOrder(ctx context.Context, d strategy.Decision) {
	if e.deps.Metrics != nil {
		e.deps.Metrics.IncCancels()
	}
	e.publish(events.OrderEvent{Type: events.OrderCancelRequested, OrderID: d.OrderID, Reason: d.Reason})
	e.deps.Orders.ExecuteAsync(ctx, order.Request{
		Kind:       order.RequestCancel,
		StrategyID: e.cfg.ID,
		OrderID:    d.OrderID,
		FIGI:       e.cfg.FIGI,
	}, e.cancels)
}

func (e *Executor) onOrderResult(ctx context.Context, res order.ExecutionResult) {
	e.mu.Lock()
	p := e.pending
	e.pending = nil
	e.mu.Unlock()
	if p == nil {
		return
	}
	e.agg.ClearPending(e.cfg.FIGI)

	intent := p.decision.Intent
	accepted := res.Error == nil && res.Result.Accepted()
	reason := res.ErrorMsg
	ev := events.OrderEvent{
		OrderID:      res.Result.OrderID,
		Side:         intent.Side,
		Lots:         intent.Lots,
		ExecutedLots: res.Result.ExecutedLots,
		Price:        intent.Price,
		Outcome:      string(p.decision.Outcome),
		Reason:       reason,
		Latency:      time.Since(p.submitted),
	}
	if accepted {
		ev.Type = events.OrderAccepted
		e.mu.Lock()
		e.lastOrder = res.Result.OrderID
		if res.Result.OrderID != "" && res.Result.Status != common.StatusFilled {
			e.ownOrders[res.Result.OrderID] = struct{}{}
		}
		e.mu.Unlock()
		if e.deps.Metrics != nil {
			e.deps.Metrics.IncOrdersPlaced()
		}
	} else {
		ev.Type = events.OrderRejected
		if e.deps.Metrics != nil {
			e.deps.Metrics.IncOrdersRejected()
		}
	}

	st := e.machine.OnOutcome(strategy.OrderOutcome{
		Side:     intent.Side,
		Accepted: accepted,
		Price:    intent.Price,
		OrderID:  res.Result.OrderID,
		Reason:   reason,
	})
	e.publish(ev)
	e.log.WithFields(logger.Fields{
		"order_id": res.Result.OrderID,
		"accepted": accepted,
		"phase":    st.Phase,
		"reason":   reason,
	}).Info("order outcome")

	e.persistState(ctx)
	if e.checkFatal(res.Error) {
		return
	}
	e.background(ctx, func(ctx context.Context) {
		if err := e.syncPortfolio(ctx); err != nil && !e.checkFatal(err) {
			e.log.WithError(err).Warn("portfolio resync failed")
		}
		if err := e.refreshOpenOrders(ctx); err != nil && !e.checkFatal(err) {
			e.log.WithError(err).Warn("open orders resync failed")
		}
	})
}

func (e *Executor) onCancelResult(ctx context.Context, res order.ExecutionResult) {
	ev := events.OrderEvent{OrderID: res.Request.OrderID, Latency: res.Latency}
	if res.Error != nil {
		ev.Type = events.OrderCancelFailed
		ev.Reason = res.ErrorMsg
		if e.deps.Metrics != nil {
			e.deps.Metrics.IncCancelFailures()
		}
		e.log.WithError(res.Error).WithField("order_id", res.Request.OrderID).Warn("cancel failed")
	} else {
		ev.Type = events.OrderCanceled
	}
	e.publish(ev)
	if e.checkFatal(res.Error) {
		return
	}

	// A fresh list bumps OrdersVersion, which lets the machine retry a
	// cancel that did not go through.
	e.background(ctx, func(ctx context.Context) {
		if err := e.refreshOpenOrders(ctx); err != nil && !e.checkFatal(err) {
			e.log.WithError(err).Warn("open orders refresh failed")
		}
	})
}

// background runs fn off the loop; the loop waits for it before stopping.
func (e *Executor) background(ctx context.Context, fn func(context.Context)) {
	e.mu.Lock()
	if e.stopping {
		e.mu.Unlock()
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()
	go func() {
		defer e.wg.Done()
		fn(ctx)
	}()
}

func (e *Executor) cancelStaleOrders(ctx context.Context) {
	open, err := e.deps.Gateway.OpenOrders(ctx, e.cfg.FIGI)
	if err != nil {
		e.log.WithError(err).Warn("list stale orders failed")
		return
	}
	for _, o := range open {
		if err := e.deps.Gateway.CancelOrder(ctx, o.OrderID); err != nil {
			e.log.WithError(err).WithField("order_id", o.OrderID).Warn("cancel stale order failed")
			continue
		}
		e.log.WithField("order_id", o.OrderID).Info("stale order canceled")
	}
}

// refreshOpenOrders lists resting orders, leaving out the ones this
// executor placed itself.
func (e *Executor) refreshOpenOrders(ctx context.Context) error {
	open, err := e.deps.Gateway.OpenOrders(ctx, e.cfg.FIGI)
	if err != nil {
		return err
	}
	e.mu.Lock()
	still := make(map[string]struct{}, len(e.ownOrders))
	ids := make([]string, 0, len(open))
	for _, o := range open {
		if _, own := e.ownOrders[o.OrderID]; own {
			still[o.OrderID] = struct{}{}
			continue
		}
		ids = append(ids, o.OrderID)
	}
	e.ownOrders = still
	e.mu.Unlock()

	e.agg.SetOpenOrders(e.cfg.FIGI, ids)
	return nil
}

func (e *Executor) syncPortfolio(ctx context.Context) error {
	if e.deps.Balance != nil {
		_, err := e.deps.Balance.Sync(ctx)
		return err
	}
	p, err := e.deps.Gateway.Portfolio(ctx)
	if err != nil {
		return err
	}
	e.applyPortfolio(p)
	return nil
}

func (e *Executor) applyPortfolio(p common.Portfolio) {
	pos := p.Position(e.cfg.FIGI)
	cur := p.Currency(e.cfg.Currency)
	e.agg.SetPosition(e.cfg.FIGI, state.Position{Balance: pos.Balance, Lots: pos.Lots})
	e.agg.SetCurrency(e.cfg.FIGI, state.Currency{Currency: cur.Currency, Balance: cur.Balance.Sub(cur.Blocked)})
}

func (e *Executor) restoreState(ctx context.Context) error {
	if e.deps.Store == nil {
		return nil
	}
	data, err := e.deps.Store.LoadStrategyState(ctx, e.cfg.ID)
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var st strategy.State
	if err := json.Unmarshal(data, &st); err != nil {
		e.log.WithError(err).Warn("discarding unreadable saved state")
		return nil
	}
	e.machine.Restore(st)
	e.log.WithField("phase", e.machine.State().Phase).Info("state restored")
	return nil
}

func (e *Executor) persistState(ctx context.Context) {
	if e.deps.Store == nil {
		return
	}
	data, err := json.Marshal(e.machine.State())
	if err != nil {
		e.log.WithError(err).Error("encode state")
		return
	}
	if err := e.deps.Store.SaveStrategyState(ctx, e.cfg.ID, data); err != nil {
		e.log.WithError(err).Error("persist state failed")
	}
}

func (e *Executor) publish(ev events.OrderEvent) {
	if e.deps.OrderHub == nil {
		return
	}
	ev.StrategyID = e.cfg.ID
	ev.FIGI = e.cfg.FIGI
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	e.deps.OrderHub.Publish(e.cfg.ID, ev)
}

// Status is a read-only view for the HTTP API.
func (e *Executor) Status() StrategyStatus {
	st := e.machine.State()
	snap, _ := e.agg.Snapshot(e.cfg.FIGI)

	e.mu.Lock()
	running, lastOrder := e.running, e.lastOrder
	e.mu.Unlock()

	s := StrategyStatus{
		ID:           e.cfg.ID,
		FIGI:         e.cfg.FIGI,
		Running:      running,
		Phase:        string(st.Phase),
		LastOutcome:  string(st.LastOutcome),
		Reference:    st.Reference.String(),
		Extremum:     st.Extremum.String(),
		Tradable:     snap.Tradable(),
		PendingOrder: snap.PendingOrder,
		OpenOrders:   append([]string(nil), snap.OpenOrders...),
		PositionLots: snap.Position.Lots,
		Currency:     e.cfg.Currency,
		Cash:         snap.Currency.Balance.String(),
		LastOrderID:  lastOrder,
		Params:       e.cfg,
	}
	if snap.Candle != nil {
		s.LastPrice = strategy.Midpoint(snap.Candle.High, snap.Candle.Low).String()
		s.LastCandle = snap.Candle.Time
	}
	return s
}
