package reconciliation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"invest-core/internal/monitor"
	"invest-core/internal/strategy"
	"invest-core/pkg/db"
	"invest-core/pkg/exchanges/common"
	"invest-core/pkg/logger"
)

// StatusClosed marks journaled orders the broker no longer reports as open.
// Whether they filled or were cancelled outside the client is unknown.
const StatusClosed = "CLOSED"

const journalScanLimit = 200

// Broker is the read side of the gateway needed for reconciliation.
type Broker interface {
	OpenOrders(ctx context.Context, figi string) ([]common.OpenOrder, error)
	Portfolio(ctx context.Context) (common.Portfolio, error)
}

// Journal is the order journal; *db.Database implements it.
type Journal interface {
	ListOrders(ctx context.Context, strategyID string, limit int) ([]db.Order, error)
	UpdateOrderStatus(ctx context.Context, id, status, reason string) error
}

// Strategy is a running strategy as seen by reconciliation.
type Strategy interface {
	ID() string
	FIGI() string
	Phase() strategy.Phase
}

// Service periodically compares strategy phases and the order journal with
// what the broker reports.
type Service struct {
	broker     Broker
	journal    Journal
	strategies []Strategy
	sink       monitor.AlertSink
	interval   time.Duration
	autoSync   bool
	log        *logger.Entry
	mu         sync.Mutex
}

// Report contains reconciliation results.
type Report struct {
	Timestamp     time.Time
	PositionDiffs []PositionDiff
	StaleOrders   []StaleOrder
	HasDiffs      bool
	SyncedCount   int
}

// DiffKind classifies a position mismatch.
type DiffKind string

const (
	// DiffMissingPosition: the strategy believes it holds lots, the broker shows none.
	DiffMissingPosition DiffKind = "missing_position"
	// DiffUntrackedPosition: the broker holds lots while the strategy is flat.
	DiffUntrackedPosition DiffKind = "untracked_position"
)

// PositionDiff represents a strategy phase that disagrees with the broker.
type PositionDiff struct {
	StrategyID  string
	FIGI        string
	Kind        DiffKind
	Phase       strategy.Phase
	BrokerLots  int64
	Description string
}

// StaleOrder is a journaled open order the broker no longer lists.
type StaleOrder struct {
	StrategyID string
	OrderID    string
	FIGI       string
	Status     string
	Synced     bool
}

// NewService creates a reconciliation service. A nil sink only logs.
func NewService(broker Broker, journal Journal, strategies []Strategy, sink monitor.AlertSink, interval time.Duration) *Service {
	return &Service{
		broker:     broker,
		journal:    journal,
		strategies: strategies,
		sink:       sink,
		interval:   interval,
		autoSync:   true,
		log:        logger.GetLogger().WithComponent("reconciliation"),
	}
}

// SetLogger replaces the component logger.
func (s *Service) SetLogger(l *logger.Entry) {
	if l != nil {
		s.log = l
	}
}

// SetAutoSync enables or disables closing stale journal orders.
func (s *Service) SetAutoSync(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoSync = enabled
	s.log.WithField("auto_sync", enabled).Info("reconciliation auto-sync changed")
}

// Start begins periodic reconciliation until ctx ends.
func (s *Service) Start(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				report, err := s.Reconcile(ctx)
				if err != nil {
					s.log.WithError(err).Warn("reconciliation failed")
					continue
				}
				s.handleReport(report)
			case <-ctx.Done():
				return
			}
		}
	}()
	s.log.WithFields(logger.Fields{"interval": s.interval.String(), "auto_sync": s.autoSync}).Info("reconciliation started")
}

// Reconcile performs one reconciliation pass.
func (s *Service) Reconcile(ctx context.Context) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := &Report{Timestamp: time.Now()}
	portfolio, err := s.broker.Portfolio(ctx)
	if err != nil {
		return nil, fmt.Errorf("portfolio: %w", err)
	}

	for _, st := range s.strategies {
		if diff, ok := positionDiff(st, portfolio.Position(st.FIGI()).Lots); ok {
			report.PositionDiffs = append(report.PositionDiffs, diff)
		}

		stale, err := s.staleOrders(ctx, st)
		if err != nil {
			return nil, err
		}
		for _, o := range stale {
			if s.autoSync {
				if err := s.journal.UpdateOrderStatus(ctx, o.OrderID, StatusClosed, "not open at broker"); err != nil {
					s.log.WithError(err).WithField("order_id", o.OrderID).Warn("close stale journal order")
				} else {
					o.Synced = true
					report.SyncedCount++
				}
			}
			report.StaleOrders = append(report.StaleOrders, o)
		}
	}
	report.HasDiffs = len(report.PositionDiffs) > 0 || len(report.StaleOrders) > 0
	return report, nil
}

func positionDiff(st Strategy, lots int64) (PositionDiff, bool) {
	diff := PositionDiff{StrategyID: st.ID(), FIGI: st.FIGI(), Phase: st.Phase(), BrokerLots: lots}
	switch {
	case diff.Phase == strategy.PositionOpen && lots <= 0:
		diff.Kind = DiffMissingPosition
		diff.Description = "strategy holds a position the broker does not report"
	case diff.Phase == strategy.NoPosition && lots > 0:
		diff.Kind = DiffUntrackedPosition
		diff.Description = fmt.Sprintf("broker holds %d lots while the strategy is flat", lots)
	default:
		return PositionDiff{}, false
	}
	return diff, true
}

// staleOrders returns journaled orders still marked open that the broker
// does not list any more.
func (s *Service) staleOrders(ctx context.Context, st Strategy) ([]StaleOrder, error) {
	journaled, err := s.journal.ListOrders(ctx, st.ID(), journalScanLimit)
	if err != nil {
		return nil, fmt.Errorf("journal %s: %w", st.ID(), err)
	}
	var candidates []db.Order
	for _, o := range journaled {
		if o.Status == string(common.StatusNew) || o.Status == "PARTIALLY_FILLED" {
			candidates = append(candidates, o)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	open, err := s.broker.OpenOrders(ctx, st.FIGI())
	if err != nil {
		return nil, fmt.Errorf("open orders %s: %w", st.FIGI(), err)
	}
	live := make(map[string]struct{}, len(open))
	for _, o := range open {
		live[o.OrderID] = struct{}{}
	}

	var out []StaleOrder
	for _, o := range candidates {
		if _, ok := live[o.ID]; ok {
			continue
		}
		out = append(out, StaleOrder{StrategyID: st.ID(), OrderID: o.ID, FIGI: o.FIGI, Status: o.Status})
	}
	return out, nil
}

func (s *Service) handleReport(report *Report) {
	if !report.HasDiffs {
		s.log.Debug("reconciliation ok")
		return
	}
	for _, d := range report.PositionDiffs {
		entry := s.log.WithFields(logger.Fields{
			"strategy_id": d.StrategyID,
			"figi":        d.FIGI,
			"phase":       d.Phase,
			"broker_lots": d.BrokerLots,
			"kind":        d.Kind,
		})
		if d.Kind == DiffUntrackedPosition {
			entry.Info(d.Description)
			continue
		}
		entry.Warn(d.Description)
		if s.sink != nil {
			if err := s.sink.Send(fmt.Sprintf("reconciliation: %s %s: %s", d.StrategyID, d.FIGI, d.Description)); err != nil {
				entry.WithError(err).Warn("alert delivery failed")
			}
		}
	}
	for _, o := range report.StaleOrders {
		s.log.WithFields(logger.Fields{
			"strategy_id": o.StrategyID,
			"order_id":    o.OrderID,
			"status":      o.Status,
			"synced":      o.Synced,
		}).Info("journal order no longer open at broker")
	}
	if report.SyncedCount > 0 {
		s.log.WithField("count", report.SyncedCount).Info("closed stale journal orders")
	}
}
