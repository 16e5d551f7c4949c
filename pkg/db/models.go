package db

import "time"

// Order is the latest known state of one broker order.
type Order struct {
	ID                 string
	StrategyInstanceID string
	FIGI               string
	Side               string
	Price              string
	Lots               int64
	ExecutedLots       int64
	Status             string
	Outcome            string
	Reason             string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// OrderEvent is one append-only journal entry.
type OrderEvent struct {
	ID                 int64
	StrategyInstanceID string
	OrderID            string
	EventType          string
	FIGI               string
	Side               string
	Price              string
	Lots               int64
	Reason             string
	LatencyMs          float64
	CreatedAt          time.Time
}

// StrategyState is the persisted JSON state of a strategy machine.
type StrategyState struct {
	StrategyInstanceID string
	StateData          string
	UpdatedAt          time.Time
}
