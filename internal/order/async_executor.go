package order

import (
	"context"
	"errors"
	"sync"
	"time"

	"invest-core/internal/monitor"
	"invest-core/pkg/exchanges/common"
	"invest-core/pkg/logger"
)

// ErrExecutorClosed is returned for requests submitted after Close.
var ErrExecutorClosed = errors.New("order executor closed")

// RequestKind selects the gateway call.
type RequestKind int

const (
	RequestPlace RequestKind = iota
	RequestCancel
)

// Request is one gateway call for the pool.
type Request struct {
	Kind       RequestKind
	StrategyID string
	Intent     common.OrderIntent // RequestPlace
	OrderID    string             // RequestCancel
	FIGI       string             // RequestCancel, for logging
}

// ExecutionResult represents the outcome of an order execution.
type ExecutionResult struct {
	Request   Request            `json:"-"`
	Result    common.OrderResult `json:"-"`
	Success   bool               `json:"success"`
	Error     error              `json:"-"`
	ErrorMsg  string             `json:"error,omitempty"`
	Latency   time.Duration      `json:"latency_ms"`
	Timestamp time.Time          `json:"timestamp"`
}

// AsyncExecutor runs gateway calls on a bounded set of workers so strategy
// loops never block on REST round-trips.
type AsyncExecutor struct {
	gateway    common.Gateway
	metrics    *monitor.SystemMetrics
	log        *logger.Entry
	workerPool chan struct{}
	wg         sync.WaitGroup
	closed     bool
	mu         sync.Mutex
}

// NewAsyncExecutor creates an async executor with specified worker count.
func NewAsyncExecutor(gw common.Gateway, workers int, metrics *monitor.SystemMetrics) *AsyncExecutor {
	if workers <= 0 {
		workers = 4
	}
	return &AsyncExecutor{
		gateway:    gw,
		metrics:    metrics,
		log:        logger.GetLogger().WithComponent("order_executor"),
		workerPool: make(chan struct{}, workers),
	}
}

// ExecuteAsync runs req in the background and delivers exactly one result on
// reply, unless ctx ends first. reply should be buffered or actively read.
func (a *AsyncExecutor) ExecuteAsync(ctx context.Context, req Request, reply chan<- ExecutionResult) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		deliver(ctx, reply, ExecutionResult{
			Request: req, Error: ErrExecutorClosed, ErrorMsg: ErrExecutorClosed.Error(), Timestamp: time.Now(),
		})
		return
	}
	a.wg.Add(1)
	a.mu.Unlock()

	go func() {
		defer a.wg.Done()
		select {
		case a.workerPool <- struct{}{}: // Acquire worker slot
		case <-ctx.Done():
			deliver(ctx, reply, ExecutionResult{Request: req, Error: ctx.Err(), ErrorMsg: ctx.Err().Error(), Timestamp: time.Now()})
			return
		}
		defer func() { <-a.workerPool }() // Release worker slot

		deliver(ctx, reply, a.execute(ctx, req))
	}()
}

func (a *AsyncExecutor) execute(ctx context.Context, req Request) ExecutionResult {
	var timer *monitor.Timer
	if a.metrics != nil {
		timer = monitor.NewTimer(a.metrics.OrderLatency)
	}
	start := time.Now()

	var (
		res common.OrderResult
		err error
	)
	switch req.Kind {
	case RequestPlace:
		res, err = a.gateway.PlaceLimitOrder(ctx, req.Intent)
	case RequestCancel:
		err = a.gateway.CancelOrder(ctx, req.OrderID)
	default:
		err = errors.New("unknown request kind")
	}

	result := ExecutionResult{
		Request:   req,
		Result:    res,
		Success:   err == nil && (req.Kind != RequestPlace || res.Accepted()),
		Error:     err,
		Latency:   time.Since(start),
		Timestamp: time.Now(),
	}
	if timer != nil {
		timer.Stop()
	}

	entry := a.log.WithFields(logger.Fields{
		"strategy_id": req.StrategyID,
		"latency":     result.Latency.String(),
	})
	switch {
	case err != nil:
		result.ErrorMsg = err.Error()
		entry.WithError(err).Warn("gateway call failed")
	case req.Kind == RequestPlace && !res.Accepted():
		result.ErrorMsg = res.RejectReason
		entry.WithFields(logger.Fields{"figi": req.Intent.FIGI, "reason": res.RejectReason}).Error("order rejected")
	case req.Kind == RequestPlace:
		entry.WithFields(logger.Fields{"figi": req.Intent.FIGI, "order_id": res.OrderID}).Info("order placed")
	default:
		entry.WithField("order_id", req.OrderID).Info("order cancel sent")
	}
	return result
}

func deliver(ctx context.Context, reply chan<- ExecutionResult, r ExecutionResult) {
	if reply == nil {
		return
	}
	select {
	case reply <- r:
	case <-ctx.Done():
	}
}

// Pending returns the number of calls currently holding a worker.
func (a *AsyncExecutor) Pending() int {
	return len(a.workerPool)
}

// WaitAll waits for all pending executions to complete.
func (a *AsyncExecutor) WaitAll() {
	a.wg.Wait()
}

// Close rejects new requests and waits for running ones.
func (a *AsyncExecutor) Close() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()

	a.wg.Wait()
}
