package monitor

import (
	"context"
	"fmt"
	"time"

	"invest-core/internal/events"
)

// Monitor turns operator-relevant order events into alerts.
type Monitor struct {
	Hub  *events.Hub[events.OrderEvent]
	Sink AlertSink
}

// Start consumes order events until ctx ends or the hub closes.
func (m *Monitor) Start(ctx context.Context) {
	if m.Hub == nil || m.Sink == nil {
		return
	}
	consumer := m.Hub.Subscribe(events.TopicAll)
	go func() {
		<-ctx.Done()
		m.Hub.Unsubscribe(events.TopicAll, consumer)
	}()
	go func() {
		for {
			ev, ok := consumer.Next()
			if !ok {
				return
			}
			if msg, alert := formatAlert(ev); alert {
				_ = m.Sink.Send(msg)
			}
		}
	}()
}

func formatAlert(ev events.OrderEvent) (string, bool) {
	var what string
	switch ev.Type {
	case events.OrderRejected:
		what = fmt.Sprintf("%s order for %d lots of %s at %s rejected: %s", ev.Side, ev.Lots, ev.FIGI, ev.Price, ev.Reason)
	case events.OrderCancelFailed:
		what = fmt.Sprintf("cancel of order %s for %s failed: %s", ev.OrderID, ev.FIGI, ev.Reason)
	default:
		return "", false
	}
	return "[" + ev.Time.Format(time.RFC3339) + "] " + ev.StrategyID + ": " + what, true
}
