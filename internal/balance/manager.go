package balance

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"invest-core/pkg/exchanges/common"
	"invest-core/pkg/logger"
)

// PortfolioSource is the part of the gateway the manager reads.
type PortfolioSource interface {
	Portfolio(ctx context.Context) (common.Portfolio, error)
}

// Manager caches the broker portfolio and fans fresh copies out to
// listeners after every sync.
type Manager struct {
	source       PortfolioSource
	syncInterval time.Duration
	log          *logger.Entry

	syncMu    sync.Mutex // one broker round-trip at a time
	mu        sync.RWMutex
	portfolio common.Portfolio
	lastSync  time.Time
	listeners []listener
	nextID    uint64
}

type listener struct {
	id uint64
	fn func(common.Portfolio)
}

// NewManager creates a new balance manager
func NewManager(source PortfolioSource, syncInterval time.Duration) *Manager {
	if syncInterval <= 0 {
		syncInterval = time.Minute
	}
	return &Manager{
		source:       source,
		syncInterval: syncInterval,
		log:          logger.GetLogger().WithComponent("balance"),
	}
}

// OnSync registers fn to receive every synced portfolio. The returned func
// removes it again and is safe to call more than once.
func (m *Manager) OnSync(fn func(common.Portfolio)) (remove func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.listeners = append(m.listeners, listener{id: id, fn: fn})
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, l := range m.listeners {
			if l.id == id {
				m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
				return
			}
		}
	}
}

// Start begins periodic portfolio sync
func (m *Manager) Start(ctx context.Context) {
	ticker := time.NewTicker(m.syncInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := m.Sync(ctx); err != nil {
					m.log.WithError(err).Warn("portfolio sync failed")
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Sync fetches the latest portfolio and notifies listeners.
func (m *Manager) Sync(ctx context.Context) (common.Portfolio, error) {
	m.syncMu.Lock()
	defer m.syncMu.Unlock()

	p, err := m.source.Portfolio(ctx)
	if err != nil {
		return common.Portfolio{}, err
	}

	m.mu.Lock()
	m.portfolio = p
	m.lastSync = time.Now()
	listeners := append([]listener{}, m.listeners...)
	m.mu.Unlock()

	m.log.WithFields(logger.Fields{
		"positions":  len(p.Positions),
		"currencies": len(p.Currencies),
	}).Debug("portfolio synced")

	for _, l := range listeners {
		l.fn(p)
	}
	return p, nil
}

// Available returns free cash in cur (balance minus blocked).
func (m *Manager) Available(cur string) decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c := m.portfolio.Currency(cur)
	return c.Balance.Sub(c.Blocked)
}

// Position returns the cached holding for figi.
func (m *Manager) Position(figi string) common.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.portfolio.Position(figi)
}

// GetPortfolio returns the cached portfolio and when it was fetched.
func (m *Manager) GetPortfolio() (common.Portfolio, time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.portfolio, m.lastSync
}
