package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// SystemMetrics tracks stream, strategy and order counters of the process.
type SystemMetrics struct {
	OrderLatency    *LatencyHistogram
	StrategyLatency *LatencyHistogram
	DBLatency       *LatencyHistogram

	reconnects      atomic.Uint64
	messages        atomic.Uint64
	decodeErrors    atomic.Uint64
	streamErrors    atomic.Uint64
	decisions       atomic.Uint64
	ordersPlaced    atomic.Uint64
	ordersRejected  atomic.Uint64
	cancels         atomic.Uint64
	cancelFailures  atomic.Uint64
	journalFailures atomic.Uint64

	mu            sync.RWMutex
	droppedEvents func() int64
	started       time.Time
}

// NewSystemMetrics creates a new metrics instance.
func NewSystemMetrics() *SystemMetrics {
	return &SystemMetrics{
		OrderLatency:    NewLatencyHistogram(1000),
		StrategyLatency: NewLatencyHistogram(1000),
		DBLatency:       NewLatencyHistogram(1000),
		started:         time.Now(),
	}
}

func (m *SystemMetrics) IncReconnects()      { m.reconnects.Add(1) }
func (m *SystemMetrics) IncMessages()        { m.messages.Add(1) }
func (m *SystemMetrics) IncDecodeErrors()    { m.decodeErrors.Add(1) }
func (m *SystemMetrics) IncStreamErrors()    { m.streamErrors.Add(1) }
func (m *SystemMetrics) IncDecisions()       { m.decisions.Add(1) }
func (m *SystemMetrics) IncOrdersPlaced()    { m.ordersPlaced.Add(1) }
func (m *SystemMetrics) IncOrdersRejected()  { m.ordersRejected.Add(1) }
func (m *SystemMetrics) IncCancels()         { m.cancels.Add(1) }
func (m *SystemMetrics) IncCancelFailures()  { m.cancelFailures.Add(1) }
func (m *SystemMetrics) IncJournalFailures() { m.journalFailures.Add(1) }

// SetDroppedSource wires the hub drop counter into snapshots.
func (m *SystemMetrics) SetDroppedSource(fn func() int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.droppedEvents = fn
}

// MetricsSnapshot is the JSON view served by the API.
type MetricsSnapshot struct {
	OrderLatency    LatencyStats `json:"order_latency"`
	StrategyLatency LatencyStats `json:"strategy_latency"`
	DBLatency       LatencyStats `json:"db_latency"`
	Reconnects      uint64       `json:"reconnects"`
	Messages        uint64       `json:"messages"`
	DecodeErrors    uint64       `json:"decode_errors"`
	StreamErrors    uint64       `json:"stream_errors"`
	DroppedEvents   int64        `json:"dropped_events"`
	Decisions       uint64       `json:"decisions"`
	OrdersPlaced    uint64       `json:"orders_placed"`
	OrdersRejected  uint64       `json:"orders_rejected"`
	Cancels         uint64       `json:"cancels"`
	CancelFailures  uint64       `json:"cancel_failures"`
	JournalFailures uint64       `json:"journal_failures"`
	GoroutineCount  int          `json:"goroutine_count"`
	HeapAlloc       uint64       `json:"heap_alloc_bytes"`
	Uptime          string       `json:"uptime"`
	Timestamp       time.Time    `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *SystemMetrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.mu.RLock()
	dropped := m.droppedEvents
	m.mu.RUnlock()
	var droppedCount int64
	if dropped != nil {
		droppedCount = dropped()
	}

	return MetricsSnapshot{
		OrderLatency:    m.OrderLatency.Stats(),
		StrategyLatency: m.StrategyLatency.Stats(),
		DBLatency:       m.DBLatency.Stats(),
		Reconnects:      m.reconnects.Load(),
		Messages:        m.messages.Load(),
		DecodeErrors:    m.decodeErrors.Load(),
		StreamErrors:    m.streamErrors.Load(),
		DroppedEvents:   droppedCount,
		Decisions:       m.decisions.Load(),
		OrdersPlaced:    m.ordersPlaced.Load(),
		OrdersRejected:  m.ordersRejected.Load(),
		Cancels:         m.cancels.Load(),
		CancelFailures:  m.cancelFailures.Load(),
		JournalFailures: m.journalFailures.Load(),
		GoroutineCount:  runtime.NumGoroutine(),
		HeapAlloc:       memStats.HeapAlloc,
		Uptime:          time.Since(m.started).Truncate(time.Second).String(),
		Timestamp:       time.Now(),
	}
}

// LatencyHistogram keeps the last N samples in a ring.
type LatencyHistogram struct {
	mu      sync.Mutex
	samples []float64
	next    int
	full    bool
	dirty   bool
	cached  LatencyStats
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{samples: make([]float64, size), dirty: true}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.samples[h.next] = latencyMs
	h.next = (h.next + 1) % len(h.samples)
	if h.next == 0 {
		h.full = true
	}
	h.dirty = true
}

func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg and percentiles; recomputed only after new samples.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.dirty {
		return h.cached
	}
	n := h.next
	if h.full {
		n = len(h.samples)
	}
	if n == 0 {
		return LatencyStats{}
	}
	sorted := append([]float64(nil), h.samples[:n]...)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	h.cached = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false
	return h.cached
}

// LatencyStats holds computed latency statistics in milliseconds.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// Timer measures one operation into a histogram.
type Timer struct {
	start     time.Time
	histogram *LatencyHistogram
}

func NewTimer(h *LatencyHistogram) *Timer {
	return &Timer{start: time.Now(), histogram: h}
}

// Stop records and returns the elapsed time.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.histogram != nil {
		t.histogram.RecordDuration(elapsed)
	}
	return elapsed
}
