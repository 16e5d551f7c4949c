package order

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"invest-core/pkg/exchanges/common"
	"invest-core/pkg/logger"
)

type DryRunSimConfig struct {
	Currency            string          // cash currency of unregistered instruments
	InitialBalance      decimal.Decimal // starting cash in Currency
	FeeRate             decimal.Decimal // e.g. 0.0005 = 5 bps
	GatewayLatencyMinMs int             // simulated gateway latency lower bound
	GatewayLatencyMaxMs int             // simulated gateway latency upper bound
}

// DryRunGateway is an in-memory broker. Limit orders fill immediately at
// their limit price; cash and positions move accordingly.
type DryRunGateway struct {
	cfg         DryRunSimConfig
	mu          sync.Mutex
	rng         *rand.Rand
	cash        map[string]decimal.Decimal
	positions   map[string]*MockPosition
	instruments map[string]common.Instrument
	open        map[string]common.OpenOrder
	orders      []MockOrder
	log         *logger.Entry
}

var _ common.Gateway = (*DryRunGateway)(nil)

type MockPosition struct {
	FIGI       string
	Lots       int64
	EntryPrice decimal.Decimal
}

type MockOrder struct {
	ID         string
	FIGI       string
	Side       common.Side
	Lots       int64
	Price      decimal.Decimal
	Commission decimal.Decimal
	Status     common.OrderStatus
	CreatedAt  time.Time
}

func NewDryRunGateway(cfg DryRunSimConfig) *DryRunGateway {
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	if cfg.GatewayLatencyMaxMs > 0 && cfg.GatewayLatencyMinMs > cfg.GatewayLatencyMaxMs {
		cfg.GatewayLatencyMinMs, cfg.GatewayLatencyMaxMs = cfg.GatewayLatencyMaxMs, cfg.GatewayLatencyMinMs
	}
	return &DryRunGateway{
		cfg:         cfg,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		cash:        map[string]decimal.Decimal{cfg.Currency: cfg.InitialBalance},
		positions:   make(map[string]*MockPosition),
		instruments: make(map[string]common.Instrument),
		open:        make(map[string]common.OpenOrder),
		log:         logger.GetLogger().WithComponent("dry_run"),
	}
}

// RegisterInstrument sets lot size, increment and currency for a FIGI.
func (d *DryRunGateway) RegisterInstrument(inst common.Instrument) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if inst.Lot < 1 {
		inst.Lot = 1
	}
	d.instruments[inst.FIGI] = inst
}

// SeedOpenOrder adds a resting order, as if left over from a previous run.
func (d *DryRunGateway) SeedOpenOrder(o common.OpenOrder) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open[o.OrderID] = o
}

func (d *DryRunGateway) instrument(figi string) common.Instrument {
	if inst, ok := d.instruments[figi]; ok {
		return inst
	}
	return common.Instrument{
		FIGI:              figi,
		Ticker:            figi,
		Currency:          d.cfg.Currency,
		Lot:               1,
		MinPriceIncrement: decimal.RequireFromString("0.01"),
	}
}

func (d *DryRunGateway) PlaceLimitOrder(ctx context.Context, intent common.OrderIntent) (common.OrderResult, error) {
	if _, err := common.NewOrderIntent(intent.FIGI, intent.Lots, intent.Side, intent.Price); err != nil {
		return common.OrderResult{}, err
	}
	if err := d.simulateLatency(ctx); err != nil {
		return common.OrderResult{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	inst := d.instrument(intent.FIGI)
	value := intent.Price.Mul(decimal.NewFromInt(intent.Lots * inst.Lot))
	fee := value.Mul(d.cfg.FeeRate).Round(2)
	result := common.OrderResult{
		OrderID:       uuid.NewString(),
		Operation:     intent.Side,
		RequestedLots: intent.Lots,
		Commission:    fee,
	}

	cash := d.cash[inst.Currency]
	pos := d.positions[intent.FIGI]
	switch {
	case intent.Side == common.SideBuy && value.Add(fee).GreaterThan(cash):
		result.Status = common.StatusRejected
		result.RejectReason = fmt.Sprintf("insufficient balance: need %s, have %s", value.Add(fee), cash)
	case intent.Side == common.SideSell && (pos == nil || pos.Lots < intent.Lots):
		result.Status = common.StatusRejected
		result.RejectReason = "insufficient position"
	default:
		result.Status = common.StatusFilled
		result.ExecutedLots = intent.Lots
		d.fill(inst, intent, value, fee)
	}

	d.orders = append(d.orders, MockOrder{
		ID: result.OrderID, FIGI: intent.FIGI, Side: intent.Side, Lots: intent.Lots,
		Price: intent.Price, Commission: fee, Status: result.Status, CreatedAt: time.Now(),
	})
	d.log.WithFields(logger.Fields{
		"figi":    intent.FIGI,
		"side":    intent.Side,
		"lots":    intent.Lots,
		"price":   intent.Price.String(),
		"status":  result.Status,
		"balance": d.cash[inst.Currency].String(),
	}).Info("dry-run order")
	return result, nil
}

// fill moves cash and position; callers hold d.mu.
func (d *DryRunGateway) fill(inst common.Instrument, intent common.OrderIntent, value, fee decimal.Decimal) {
	pos, ok := d.positions[intent.FIGI]
	if !ok {
		pos = &MockPosition{FIGI: intent.FIGI, EntryPrice: decimal.Zero}
		d.positions[intent.FIGI] = pos
	}
	if intent.Side == common.SideBuy {
		total := pos.EntryPrice.Mul(decimal.NewFromInt(pos.Lots)).Add(intent.Price.Mul(decimal.NewFromInt(intent.Lots)))
		pos.Lots += intent.Lots
		pos.EntryPrice = total.Div(decimal.NewFromInt(pos.Lots))
		d.cash[inst.Currency] = d.cash[inst.Currency].Sub(value).Sub(fee)
		return
	}
	pos.Lots -= intent.Lots
	if pos.Lots <= 0 {
		delete(d.positions, intent.FIGI)
	}
	d.cash[inst.Currency] = d.cash[inst.Currency].Add(value).Sub(fee)
}

func (d *DryRunGateway) CancelOrder(ctx context.Context, orderID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.open[orderID]; !ok {
		return fmt.Errorf("dry-run: order %s not found", orderID)
	}
	delete(d.open, orderID)
	return nil
}

func (d *DryRunGateway) OpenOrders(ctx context.Context, figi string) ([]common.OpenOrder, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]common.OpenOrder, 0, len(d.open))
	for _, o := range d.open {
		if figi == "" || o.FIGI == figi {
			out = append(out, o)
		}
	}
	return out, nil
}

func (d *DryRunGateway) Portfolio(ctx context.Context) (common.Portfolio, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var p common.Portfolio
	for figi, pos := range d.positions {
		inst := d.instrument(figi)
		p.Positions = append(p.Positions, common.Position{
			FIGI:    figi,
			Ticker:  inst.Ticker,
			Lots:    pos.Lots,
			Balance: decimal.NewFromInt(pos.Lots * inst.Lot),
		})
	}
	for cur, bal := range d.cash {
		p.Currencies = append(p.Currencies, common.CurrencyBalance{Currency: cur, Balance: bal, Blocked: decimal.Zero})
	}
	return p, nil
}

func (d *DryRunGateway) Instrument(ctx context.Context, figi string) (common.Instrument, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.instrument(figi), nil
}

// Orders returns every order placed so far.
func (d *DryRunGateway) Orders() []MockOrder {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]MockOrder(nil), d.orders...)
}

func (d *DryRunGateway) simulateLatency(ctx context.Context) error {
	maxMs := d.cfg.GatewayLatencyMaxMs
	if maxMs <= 0 {
		return nil
	}
	minMs := d.cfg.GatewayLatencyMinMs
	if minMs < 0 {
		minMs = 0
	}
	d.mu.Lock()
	delayMs := minMs
	if span := maxMs - minMs; span > 0 {
		delayMs += d.rng.Intn(span + 1)
	}
	d.mu.Unlock()

	timer := time.NewTimer(time.Duration(delayMs) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
