package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"invest-core/internal/monitor"
	"invest-core/pkg/db"
)

// Usage reports REST request accounting; the broker client is one.
type Usage interface {
	Usage() (sent, throttled int64)
}

// Impl implements the Service interface by composing the running executors.
type Impl struct {
	executors map[string]*Executor
	session   StreamSession
	metrics   *monitor.SystemMetrics
	db        ReadOnlyDB
	usage     Usage

	// System metadata
	meta SystemStatus
}

// Config holds the configuration for creating an engine implementation.
type Config struct {
	Executors []*Executor
	Session   StreamSession // optional; nil with the mock feed
	Metrics   *monitor.SystemMetrics
	DB        ReadOnlyDB // optional
	Usage     Usage      // optional
	Meta      SystemStatus
}

// NewImpl creates a new engine implementation.
func NewImpl(cfg Config) *Impl {
	execs := make(map[string]*Executor, len(cfg.Executors))
	for _, ex := range cfg.Executors {
		execs[ex.ID()] = ex
	}
	return &Impl{
		executors: execs,
		session:   cfg.Session,
		metrics:   cfg.Metrics,
		db:        cfg.DB,
		usage:     cfg.Usage,
		meta:      cfg.Meta,
	}
}

func (e *Impl) ListStrategies(ctx context.Context) []StrategyStatus {
	out := make([]StrategyStatus, 0, len(e.executors))
	for _, ex := range e.executors {
		out = append(out, ex.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (e *Impl) GetStrategyStatus(ctx context.Context, id string) (StrategyStatus, error) {
	ex, ok := e.executors[id]
	if !ok {
		return StrategyStatus{}, fmt.Errorf("%w: %s", ErrStrategyNotFound, id)
	}
	return ex.Status(), nil
}

func (e *Impl) GetStrategyOrders(ctx context.Context, id string, limit int) ([]Order, error) {
	if _, ok := e.executors[id]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrStrategyNotFound, id)
	}
	if e.db == nil {
		return []Order{}, nil
	}
	rows, err := e.db.ListOrders(ctx, id, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Order, 0, len(rows))
	for _, r := range rows {
		out = append(out, toOrder(r))
	}
	return out, nil
}

func (e *Impl) GetSystemStatus(ctx context.Context) SystemStatus {
	status := e.meta
	status.Strategies = len(e.executors)
	status.ServerTime = time.Now()
	status.Session = "disabled"
	if e.session != nil {
		status.Session = e.session.State().String()
	}
	if e.usage != nil {
		status.RESTRequests, status.RESTThrottle = e.usage.Usage()
	}
	if e.metrics != nil {
		status.Metrics = e.metrics.GetSnapshot()
	}
	return status
}

func toOrder(r db.Order) Order {
	return Order{
		ID:           r.ID,
		StrategyID:   r.StrategyInstanceID,
		FIGI:         r.FIGI,
		Side:         r.Side,
		Price:        r.Price,
		Lots:         r.Lots,
		ExecutedLots: r.ExecutedLots,
		Status:       r.Status,
		Outcome:      r.Outcome,
		Reason:       r.Reason,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}
