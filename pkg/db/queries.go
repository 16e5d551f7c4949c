package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// InsertOrderEvent appends a journal entry.
func InsertOrderEvent(ctx context.Context, ex Execer, e OrderEvent) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO order_events (strategy_instance_id, order_id, event_type, figi, side, price, lots, reason, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.StrategyInstanceID, e.OrderID, e.EventType, e.FIGI, e.Side, e.Price, e.Lots, e.Reason, e.LatencyMs, e.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert order event: %w", err)
	}
	return nil
}

// UpsertOrder records the latest status of an order. Outcome and reason
// keep their previous value when the update leaves them empty.
func UpsertOrder(ctx context.Context, ex Execer, o Order) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO orders (id, strategy_instance_id, figi, side, price, lots, executed_lots, status, outcome, reason, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			executed_lots = MAX(orders.executed_lots, excluded.executed_lots),
			status = excluded.status,
			outcome = CASE WHEN excluded.outcome = '' THEN orders.outcome ELSE excluded.outcome END,
			reason = CASE WHEN excluded.reason = '' THEN orders.reason ELSE excluded.reason END,
			updated_at = CURRENT_TIMESTAMP
	`, o.ID, o.StrategyInstanceID, o.FIGI, o.Side, o.Price, o.Lots, o.ExecutedLots, o.Status, o.Outcome, o.Reason)
	if err != nil {
		return fmt.Errorf("upsert order %s: %w", o.ID, err)
	}
	return nil
}

// UpdateOrderStatus overwrites the status of a journaled order. Reason is
// kept when empty. ErrNotFound means no such order.
func (d *Database) UpdateOrderStatus(ctx context.Context, id, status, reason string) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE orders
		SET status = ?,
			reason = CASE WHEN ? = '' THEN reason ELSE ? END,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, status, reason, reason, id)
	if err != nil {
		return fmt.Errorf("update order %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update order %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListOrders returns the newest orders of a strategy, all strategies when id is empty.
func (d *Database) ListOrders(ctx context.Context, strategyID string, limit int) ([]Order, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, strategy_instance_id, figi, side, price, lots, COALESCE(executed_lots, 0),
		       status, COALESCE(outcome, ''), COALESCE(reason, ''), created_at, updated_at
		FROM orders
		WHERE ? = '' OR strategy_instance_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, strategyID, strategyID, limit)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var orders []Order
	for rows.Next() {
		var o Order
		if err := rows.Scan(&o.ID, &o.StrategyInstanceID, &o.FIGI, &o.Side, &o.Price, &o.Lots, &o.ExecutedLots,
			&o.Status, &o.Outcome, &o.Reason, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// ListOrderEvents returns the journal of a strategy in insertion order.
func (d *Database) ListOrderEvents(ctx context.Context, strategyID string, limit int) ([]OrderEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, strategy_instance_id, order_id, event_type, figi, side, price, lots, reason, latency_ms, created_at
		FROM order_events
		WHERE strategy_instance_id = ?
		ORDER BY id
		LIMIT ?
	`, strategyID, limit)
	if err != nil {
		return nil, fmt.Errorf("query order events: %w", err)
	}
	defer rows.Close()

	var out []OrderEvent
	for rows.Next() {
		var e OrderEvent
		if err := rows.Scan(&e.ID, &e.StrategyInstanceID, &e.OrderID, &e.EventType, &e.FIGI, &e.Side,
			&e.Price, &e.Lots, &e.Reason, &e.LatencyMs, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan order event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SaveStrategyState upserts the JSON state of a strategy.
func (d *Database) SaveStrategyState(ctx context.Context, strategyID string, data []byte) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO strategy_states (strategy_instance_id, state_data, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(strategy_instance_id) DO UPDATE SET
			state_data = excluded.state_data,
			updated_at = CURRENT_TIMESTAMP
	`, strategyID, string(data))
	if err != nil {
		return fmt.Errorf("save strategy state %s: %w", strategyID, err)
	}
	return nil
}

// LoadStrategyState returns ErrNotFound when nothing was saved yet.
func (d *Database) LoadStrategyState(ctx context.Context, strategyID string) ([]byte, error) {
	var data string
	err := d.DB.QueryRowContext(ctx,
		"SELECT state_data FROM strategy_states WHERE strategy_instance_id = ?", strategyID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load strategy state %s: %w", strategyID, err)
	}
	return []byte(data), nil
}
