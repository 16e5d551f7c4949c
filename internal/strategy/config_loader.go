package strategy

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"invest-core/pkg/market/tinkoff"
)

// Config represents a strategy configuration entry in YAML.
type Config struct {
	ID                 string          `yaml:"id" json:"id"`
	FIGI               string          `yaml:"figi" json:"figi"`
	Interval           string          `yaml:"interval" json:"interval"`
	Depth              int             `yaml:"depth" json:"depth"`
	Currency           string          `yaml:"currency" json:"currency"`
	MaxOperationValue  decimal.Decimal `yaml:"max_operation_value" json:"max_operation_value"`
	ProfitInterest     decimal.Decimal `yaml:"profit_interest" json:"profit_interest"`
	GrowToFallInterest decimal.Decimal `yaml:"grow_to_fall_interest" json:"grow_to_fall_interest"`
	StopLossInterest   decimal.Decimal `yaml:"stop_loss_interest" json:"stop_loss_interest"`
	FallToGrowInterest decimal.Decimal `yaml:"fall_to_grow_interest" json:"fall_to_grow_interest"`
}

// ConfigFile represents the top-level YAML structure.
type ConfigFile struct {
	Strategies []Config `yaml:"strategies"`
}

func (c Config) Params() Params {
	return Params{
		MaxOperationValue:  c.MaxOperationValue,
		ProfitInterest:     c.ProfitInterest,
		GrowToFallInterest: c.GrowToFallInterest,
		StopLossInterest:   c.StopLossInterest,
		FallToGrowInterest: c.FallToGrowInterest,
	}
}

// Subscriptions builds the three streams the strategy needs.
func (c Config) Subscriptions() ([]tinkoff.Subscription, error) {
	info, err := tinkoff.NewInstrumentInfoSubscription(c.FIGI)
	if err != nil {
		return nil, err
	}
	book, err := tinkoff.NewOrderbookSubscription(c.FIGI, c.Depth)
	if err != nil {
		return nil, err
	}
	candle, err := tinkoff.NewCandleSubscription(c.FIGI, tinkoff.CandleInterval(c.Interval))
	if err != nil {
		return nil, err
	}
	return []tinkoff.Subscription{info, book, candle}, nil
}

// Validate fails on anything that would only surface after connecting.
func (c Config) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: strategy id is required", ErrInvalidParams)
	}
	if c.Currency == "" {
		return fmt.Errorf("%w: strategy %s: currency is required", ErrInvalidParams, c.ID)
	}
	if _, err := c.Subscriptions(); err != nil {
		return fmt.Errorf("strategy %s: %w", c.ID, err)
	}
	if err := c.Params().Validate(); err != nil {
		return fmt.Errorf("strategy %s: %w", c.ID, err)
	}
	return nil
}

// LoadConfig reads and validates strategies from a YAML file.
func LoadConfig(path string) ([]Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file ConfigFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(file.Strategies) == 0 {
		return nil, errors.New("no strategies configured in " + path)
	}

	seen := make(map[string]bool, len(file.Strategies))
	for _, cfg := range file.Strategies {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		if seen[cfg.ID] {
			return nil, fmt.Errorf("%w: duplicate strategy id %s", ErrInvalidParams, cfg.ID)
		}
		seen[cfg.ID] = true
	}
	return file.Strategies, nil
}

// SyncConfigToDB upserts strategy definitions so journal rows can refer to them.
func SyncConfigToDB(db *sql.DB, configs []Config) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO strategy_instances (id, figi, interval, depth, currency, parameters, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			figi = excluded.figi,
			interval = excluded.interval,
			depth = excluded.depth,
			currency = excluded.currency,
			parameters = excluded.parameters,
			updated_at = CURRENT_TIMESTAMP
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, cfg := range configs {
		paramsJSON, err := json.Marshal(cfg.Params())
		if err != nil {
			return fmt.Errorf("failed to marshal parameters for strategy %s: %w", cfg.ID, err)
		}
		if _, err := stmt.Exec(cfg.ID, cfg.FIGI, cfg.Interval, cfg.Depth, cfg.Currency, string(paramsJSON)); err != nil {
			return fmt.Errorf("failed to upsert strategy %s: %w", cfg.ID, err)
		}
	}

	return tx.Commit()
}
