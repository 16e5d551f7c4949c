package common

import "context"

// Gateway abstracts the broker: order placement, cancellation and account reads.
type Gateway interface {
	PlaceLimitOrder(ctx context.Context, intent OrderIntent) (OrderResult, error)
	CancelOrder(ctx context.Context, orderID string) error
	OpenOrders(ctx context.Context, figi string) ([]OpenOrder, error)
	Portfolio(ctx context.Context) (Portfolio, error)
	Instrument(ctx context.Context, figi string) (Instrument, error)
}
