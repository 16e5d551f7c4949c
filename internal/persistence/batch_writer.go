package persistence

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"time"

	"invest-core/internal/events"
	"invest-core/internal/monitor"
	"invest-core/pkg/db"
	"invest-core/pkg/logger"
)

// BatchWriter journals order events to SQLite. Events are buffered and
// written in one transaction once maxSize is reached or the interval ticks.
type BatchWriter struct {
	db          *sql.DB
	buffer      []events.OrderEvent
	mu          sync.Mutex
	flushMu     sync.Mutex
	maxSize     int
	flushIntval time.Duration
	done        chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
	metrics     BatchWriterMetrics
	sys         *monitor.SystemMetrics
	log         *logger.Entry
}

// BatchWriterMetrics provides statistics about batch operations.
type BatchWriterMetrics struct {
	TotalWrites   uint64    `json:"total_writes"`
	TotalBatches  uint64    `json:"total_batches"`
	TotalErrors   uint64    `json:"total_errors"`
	LastBatchSize int       `json:"last_batch_size"`
	LastFlushTime time.Time `json:"last_flush_time"`
}

// NewBatchWriter creates a batch writer with specified parameters.
// maxSize: max events before auto-flush
// interval: time-based flush interval
func NewBatchWriter(database *sql.DB, maxSize int, interval time.Duration, sys *monitor.SystemMetrics) *BatchWriter {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	bw := &BatchWriter{
		db:          database,
		buffer:      make([]events.OrderEvent, 0, maxSize),
		maxSize:     maxSize,
		flushIntval: interval,
		done:        make(chan struct{}),
		sys:         sys,
		log:         logger.GetLogger().WithComponent("journal"),
	}

	bw.wg.Add(1)
	go bw.backgroundFlush()

	return bw
}

// Consume journals every event published on the hub until ctx ends or the
// hub closes.
func (bw *BatchWriter) Consume(ctx context.Context, hub *events.Hub[events.OrderEvent]) {
	consumer := hub.Subscribe(events.TopicAll)
	go func() {
		<-ctx.Done()
		hub.Unsubscribe(events.TopicAll, consumer)
	}()
	bw.wg.Add(1)
	go func() {
		defer bw.wg.Done()
		for {
			ev, ok := consumer.Next()
			if !ok {
				return
			}
			bw.Write(ev)
		}
	}()
}

// Write adds an event to the batch.
func (bw *BatchWriter) Write(ev events.OrderEvent) {
	bw.mu.Lock()
	bw.buffer = append(bw.buffer, ev)
	shouldFlush := len(bw.buffer) >= bw.maxSize
	bw.mu.Unlock()

	if shouldFlush {
		_ = bw.Flush()
	}
}

// Flush immediately writes all buffered events to the database.
func (bw *BatchWriter) Flush() error {
	bw.flushMu.Lock()
	defer bw.flushMu.Unlock()

	bw.mu.Lock()
	if len(bw.buffer) == 0 {
		bw.mu.Unlock()
		return nil
	}
	batch := bw.buffer
	bw.buffer = make([]events.OrderEvent, 0, bw.maxSize)
	bw.mu.Unlock()

	return bw.executeBatch(batch)
}

// executeBatch runs a batch in a transaction. A failed batch is dropped.
func (bw *BatchWriter) executeBatch(batch []events.OrderEvent) error {
	atomic.AddUint64(&bw.metrics.TotalWrites, uint64(len(batch)))
	atomic.AddUint64(&bw.metrics.TotalBatches, 1)

	var timer *monitor.Timer
	if bw.sys != nil {
		timer = monitor.NewTimer(bw.sys.DBLatency)
	}
	err := bw.write(batch)
	if timer != nil {
		timer.Stop()
	}

	bw.mu.Lock()
	bw.metrics.LastBatchSize = len(batch)
	bw.metrics.LastFlushTime = time.Now()
	bw.mu.Unlock()

	if err != nil {
		atomic.AddUint64(&bw.metrics.TotalErrors, 1)
		if bw.sys != nil {
			bw.sys.IncJournalFailures()
		}
		bw.log.WithError(err).WithField("events", len(batch)).Error("journal batch failed")
		return err
	}
	bw.log.WithField("events", len(batch)).Debug("journal batch flushed")
	return nil
}

func (bw *BatchWriter) write(batch []events.OrderEvent) error {
	ctx := context.Background()
	tx, err := bw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, ev := range batch {
		if err := db.InsertOrderEvent(ctx, tx, eventRecord(ev)); err != nil {
			_ = tx.Rollback()
			return err
		}
		if order, ok := orderRecord(ev); ok {
			if err := db.UpsertOrder(ctx, tx, order); err != nil {
				_ = tx.Rollback()
				return err
			}
		}
	}
	return tx.Commit()
}

func eventRecord(ev events.OrderEvent) db.OrderEvent {
	return db.OrderEvent{
		StrategyInstanceID: ev.StrategyID,
		OrderID:            ev.OrderID,
		EventType:          string(ev.Type),
		FIGI:               ev.FIGI,
		Side:               string(ev.Side),
		Price:              ev.Price.String(),
		Lots:               ev.Lots,
		Reason:             ev.Reason,
		LatencyMs:          float64(ev.Latency.Microseconds()) / 1000,
		CreatedAt:          ev.Time,
	}
}

// orderRecord maps lifecycle events that carry an order id onto the orders table.
func orderRecord(ev events.OrderEvent) (db.Order, bool) {
	if ev.OrderID == "" {
		return db.Order{}, false
	}
	var status string
	switch ev.Type {
	case events.OrderAccepted:
		status = "NEW"
		if ev.ExecutedLots > 0 && ev.ExecutedLots >= ev.Lots {
			status = "FILLED"
		} else if ev.ExecutedLots > 0 {
			status = "PARTIALLY_FILLED"
		}
	case events.OrderRejected:
		status = "REJECTED"
	case events.OrderCanceled:
		status = "CANCELED"
	default:
		return db.Order{}, false
	}
	return db.Order{
		ID:                 ev.OrderID,
		StrategyInstanceID: ev.StrategyID,
		FIGI:               ev.FIGI,
		Side:               string(ev.Side),
		Price:              ev.Price.String(),
		Lots:               ev.Lots,
		ExecutedLots:       ev.ExecutedLots,
		Status:             status,
		Outcome:            ev.Outcome,
		Reason:             ev.Reason,
	}, true
}

// backgroundFlush periodically flushes the buffer.
func (bw *BatchWriter) backgroundFlush() {
	defer bw.wg.Done()
	ticker := time.NewTicker(bw.flushIntval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = bw.Flush()
		case <-bw.done:
			return
		}
	}
}

// Pending returns the number of buffered events.
func (bw *BatchWriter) Pending() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

// GetMetrics returns the current metrics for the batch writer.
func (bw *BatchWriter) GetMetrics() BatchWriterMetrics {
	bw.mu.Lock()
	size, at := bw.metrics.LastBatchSize, bw.metrics.LastFlushTime
	bw.mu.Unlock()
	return BatchWriterMetrics{
		TotalWrites:   atomic.LoadUint64(&bw.metrics.TotalWrites),
		TotalBatches:  atomic.LoadUint64(&bw.metrics.TotalBatches),
		TotalErrors:   atomic.LoadUint64(&bw.metrics.TotalErrors),
		LastBatchSize: size,
		LastFlushTime: at,
	}
}

// Close stops the background flusher and writes what is left. Consumers
// started by Consume must be released (ctx cancelled or hub closed) first.
func (bw *BatchWriter) Close() error {
	bw.closeOnce.Do(func() { close(bw.done) })
	bw.wg.Wait()
	return bw.Flush()
}
