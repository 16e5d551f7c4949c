package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"invest-core/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type orderEventMessage struct {
	Type         events.OrderEventType `json:"type"`
	StrategyID   string                `json:"strategy_id"`
	FIGI         string                `json:"figi"`
	OrderID      string                `json:"order_id,omitempty"`
	Side         string                `json:"side,omitempty"`
	Lots         int64                 `json:"lots,omitempty"`
	ExecutedLots int64                 `json:"executed_lots,omitempty"`
	Price        string                `json:"price,omitempty"`
	Outcome      string                `json:"outcome,omitempty"`
	Reason       string                `json:"reason,omitempty"`
	LatencyMs    float64               `json:"latency_ms,omitempty"`
	Time         time.Time             `json:"time"`
}

func toMessage(ev events.OrderEvent) orderEventMessage {
	m := orderEventMessage{
		Type:         ev.Type,
		StrategyID:   ev.StrategyID,
		FIGI:         ev.FIGI,
		OrderID:      ev.OrderID,
		Side:         string(ev.Side),
		Lots:         ev.Lots,
		ExecutedLots: ev.ExecutedLots,
		Outcome:      ev.Outcome,
		Reason:       ev.Reason,
		LatencyMs:    float64(ev.Latency.Microseconds()) / 1000,
		Time:         ev.Time,
	}
	if !ev.Price.IsZero() {
		m.Price = ev.Price.String()
	}
	return m
}

// streamOrders pushes order events to the client; ?strategy= narrows the topic.
func (s *Server) streamOrders(c *gin.Context) {
	if s.OrderHub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"code":  "STREAM_UNAVAILABLE",
			"error": "order stream not enabled",
		})
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.WithError(err).Warn("ws upgrade failed")
		return
	}
	defer conn.Close()

	topic := c.Query("strategy")
	if topic == "" {
		topic = events.TopicAll
	}
	consumer := s.OrderHub.Subscribe(topic)
	defer s.OrderHub.Unsubscribe(topic, consumer)

	// Reader goroutine notices the client going away.
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				s.OrderHub.Unsubscribe(topic, consumer)
				return
			}
		}
	}()

	for {
		ev, ok := consumer.Next()
		if !ok {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(toMessage(ev)); err != nil {
			s.log.WithError(err).Debug("ws write failed")
			return
		}
	}
}
