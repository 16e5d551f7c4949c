package strategy

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidParams is returned for non-positive thresholds or budget.
	ErrInvalidParams = errors.New("invalid strategy params")
	// ErrNonPositiveLots is returned when sizing yields less than one lot.
	ErrNonPositiveLots = errors.New("non-positive lot count")
)

// Params are the stop-loss/take-profit thresholds. Interests are percent
// values: 5 means 5%.
type Params struct {
	MaxOperationValue  decimal.Decimal `json:"max_operation_value"`
	ProfitInterest     decimal.Decimal `json:"profit_interest"`
	GrowToFallInterest decimal.Decimal `json:"grow_to_fall_interest"`
	StopLossInterest   decimal.Decimal `json:"stop_loss_interest"`
	FallToGrowInterest decimal.Decimal `json:"fall_to_grow_interest"`
}

func (p Params) Validate() error {
	checks := []struct {
		name  string
		value decimal.Decimal
	}{
		{"max_operation_value", p.MaxOperationValue},
		{"profit_interest", p.ProfitInterest},
		{"grow_to_fall_interest", p.GrowToFallInterest},
		{"stop_loss_interest", p.StopLossInterest},
		{"fall_to_grow_interest", p.FallToGrowInterest},
	}
	for _, c := range checks {
		if !c.value.IsPositive() {
			return fmt.Errorf("%w: %s must be > 0, got %s", ErrInvalidParams, c.name, c.value)
		}
	}
	return nil
}
