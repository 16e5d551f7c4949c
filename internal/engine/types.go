package engine

import (
	"time"

	"invest-core/internal/monitor"
	"invest-core/internal/strategy"
)

// StrategyStatus is the runtime view of one strategy executor.
type StrategyStatus struct {
	ID           string          `json:"id"`
	FIGI         string          `json:"figi"`
	Running      bool            `json:"running"`
	Phase        string          `json:"phase"`
	LastOutcome  string          `json:"last_outcome,omitempty"`
	Reference    string          `json:"reference"`
	Extremum     string          `json:"extremum"`
	Tradable     bool            `json:"tradable"`
	PendingOrder bool            `json:"pending_order"`
	OpenOrders   []string        `json:"open_orders"`
	PositionLots int64           `json:"position_lots"`
	Currency     string          `json:"currency"`
	Cash         string          `json:"cash"`
	LastPrice    string          `json:"last_price,omitempty"`
	LastCandle   time.Time       `json:"last_candle,omitempty"`
	LastOrderID  string          `json:"last_order_id,omitempty"`
	Params       strategy.Config `json:"params"`
}

// Order is a journaled order as served by the API.
type Order struct {
	ID           string    `json:"id"`
	StrategyID   string    `json:"strategy_id"`
	FIGI         string    `json:"figi"`
	Side         string    `json:"side"`
	Price        string    `json:"price"`
	Lots         int64     `json:"lots"`
	ExecutedLots int64     `json:"executed_lots"`
	Status       string    `json:"status"`
	Outcome      string    `json:"outcome,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// SystemStatus represents the system runtime status.
type SystemStatus struct {
	Mode         string                  `json:"mode"`
	DryRun       bool                    `json:"dry_run"`
	Sandbox      bool                    `json:"sandbox"`
	UseMockFeed  bool                    `json:"use_mock_feed"`
	Session      string                  `json:"session"`
	Strategies   int                     `json:"strategies"`
	RESTRequests int64                   `json:"rest_requests"`
	RESTThrottle int64                   `json:"rest_throttled"`
	Version      string                  `json:"version"`
	ServerTime   time.Time               `json:"server_time"`
	Metrics      monitor.MetricsSnapshot `json:"metrics"`
}
