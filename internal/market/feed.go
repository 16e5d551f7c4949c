package market

import (
	"context"
	"errors"

	"invest-core/internal/events"
	"invest-core/internal/monitor"
	"invest-core/pkg/logger"
	"invest-core/pkg/market/tinkoff"
)

// Source yields whole raw stream messages; *tinkoff.Session is one.
type Source interface {
	Inbound() <-chan []byte
}

// Feed decodes raw stream messages and publishes market events on the hub,
// keyed by FIGI. Malformed messages are logged and dropped.
type Feed struct {
	Source  Source
	Hub     *events.Hub[tinkoff.Event]
	Metrics *monitor.SystemMetrics
	Log     *logger.Entry

	// OnAck and OnStreamError are optional observers.
	OnAck         func(*tinkoff.SubscriptionAck)
	OnStreamError func(*tinkoff.StreamError)
}

// Run dispatches until ctx ends or the source closes. Events are published
// in arrival order from this single goroutine.
func (f *Feed) Run(ctx context.Context) error {
	if f.Source == nil || f.Hub == nil {
		return errors.New("market feed: source and hub are required")
	}
	if f.Log == nil {
		f.Log = logger.GetLogger().WithComponent("market_feed")
	}
	in := f.Source.Inbound()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-in:
			if !ok {
				return nil
			}
			f.dispatch(raw)
		}
	}
}

func (f *Feed) dispatch(raw []byte) {
	if f.Metrics != nil {
		f.Metrics.IncMessages()
	}
	msg, err := tinkoff.Decode(raw)
	if err != nil {
		if f.Metrics != nil {
			f.Metrics.IncDecodeErrors()
		}
		f.Log.WithError(err).WithField("raw", truncate(raw, 256)).Warn("dropping malformed message")
		return
	}
	switch m := msg.(type) {
	case tinkoff.Event:
		f.Hub.Publish(m.FIGI(), m)
	case *tinkoff.SubscriptionAck:
		f.Log.WithFields(logger.Fields{"action": m.Action, "subscription": m.Subscription.Key()}).Debug("subscription acknowledged")
		if f.OnAck != nil {
			f.OnAck(m)
		}
	case *tinkoff.StreamError:
		if f.Metrics != nil {
			f.Metrics.IncStreamErrors()
		}
		f.Log.WithField("request_id", m.RequestID).Warn(m.Message)
		if f.OnStreamError != nil {
			f.OnStreamError(m)
		}
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
