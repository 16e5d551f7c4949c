// Package engine runs strategy executors and exposes their state to the
// API layer.
package engine

import (
	"context"
	"errors"

	"invest-core/pkg/db"
)

// ErrStrategyNotFound is returned for unknown strategy ids.
var ErrStrategyNotFound = errors.New("strategy not found")

// Service defines the interface for trading engine queries.
// The API layer should only interact with the engine through this interface.
type Service interface {
	ListStrategies(ctx context.Context) []StrategyStatus
	GetStrategyStatus(ctx context.Context, id string) (StrategyStatus, error)
	GetStrategyOrders(ctx context.Context, id string, limit int) ([]Order, error)
	GetSystemStatus(ctx context.Context) SystemStatus
}

// ReadOnlyDB defines read-only journal queries for the API layer.
type ReadOnlyDB interface {
	ListOrders(ctx context.Context, strategyID string, limit int) ([]db.Order, error)
}
