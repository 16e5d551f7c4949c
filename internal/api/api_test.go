package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"invest-core/internal/engine"
	"invest-core/internal/events"
	"invest-core/internal/monitor"
	"invest-core/pkg/exchanges/common"
)

type stubEngine struct {
	strategies map[string]engine.StrategyStatus
	orders     []engine.Order
	ordersErr  error
}

func (s stubEngine) ListStrategies(context.Context) []engine.StrategyStatus {
	out := make([]engine.StrategyStatus, 0, len(s.strategies))
	for _, st := range s.strategies {
		out = append(out, st)
	}
	return out
}

func (s stubEngine) GetStrategyStatus(_ context.Context, id string) (engine.StrategyStatus, error) {
	st, ok := s.strategies[id]
	if !ok {
		return engine.StrategyStatus{}, fmt.Errorf("%w: %s", engine.ErrStrategyNotFound, id)
	}
	return st, nil
}

func (s stubEngine) GetStrategyOrders(_ context.Context, id string, limit int) ([]engine.Order, error) {
	if _, ok := s.strategies[id]; !ok {
		return nil, fmt.Errorf("%w: %s", engine.ErrStrategyNotFound, id)
	}
	if s.ordersErr != nil {
		return nil, s.ordersErr
	}
	if limit < len(s.orders) {
		return s.orders[:limit], nil
	}
	return s.orders, nil
}

func (s stubEngine) GetSystemStatus(context.Context) engine.SystemStatus {
	return engine.SystemStatus{Mode: "dry-run", DryRun: true, Session: "connected", Strategies: len(s.strategies)}
}

func newTestServer(secret string) (*Server, *events.Hub[events.OrderEvent]) {
	gin.SetMode(gin.TestMode)
	hub := events.NewHub[events.OrderEvent](16, events.OverflowDropOldest)
	svc := stubEngine{
		strategies: map[string]engine.StrategyStatus{
			"aapl": {ID: "aapl", FIGI: "BBG000B9XRY4", Phase: "no_position", Running: true},
		},
		orders: []engine.Order{{ID: "o1", StrategyID: "aapl", Status: "FILLED"}, {ID: "o2", StrategyID: "aapl", Status: "NEW"}},
	}
	return NewServer(svc, monitor.NewSystemMetrics(), hub, secret), hub
}

func get(t *testing.T, s *Server, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.Router.ServeHTTP(w, req)
	return w
}

func TestHealthAndRequestID(t *testing.T) {
	s, _ := newTestServer("")
	w := get(t, s, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestStrategyEndpoints(t *testing.T) {
	s, _ := newTestServer("")

	w := get(t, s, "/api/strategies", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list []engine.StrategyStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "aapl", list[0].ID)

	w = get(t, s, "/api/strategies/aapl", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"phase":"no_position"`)

	w = get(t, s, "/api/strategies/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "STRATEGY_NOT_FOUND")

	w = get(t, s, "/api/strategies/aapl/orders?limit=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var orders []engine.Order
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &orders))
	assert.Len(t, orders, 1)

	w = get(t, s, "/api/strategies/aapl/orders?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOrdersInternalError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := stubEngine{
		strategies: map[string]engine.StrategyStatus{"aapl": {ID: "aapl"}},
		ordersErr:  fmt.Errorf("disk I/O error"),
	}
	s := NewServer(svc, nil, nil, "")
	w := get(t, s, "/api/strategies/aapl/orders", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "disk")

	w = get(t, s, "/api/metrics", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestSystemAndMetrics(t *testing.T) {
	s, _ := newTestServer("")
	w := get(t, s, "/api/system/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"dry_run":true`)

	s.Metrics.IncReconnects()
	w = get(t, s, "/api/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	var snap monitor.MetricsSnapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, uint64(1), snap.Reconnects)
}

func TestJWTAuth(t *testing.T) {
	const secret = "s3cret"
	s, _ := newTestServer(secret)

	assert.Equal(t, http.StatusOK, get(t, s, "/health", "").Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, s, "/api/strategies", "").Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, s, "/api/strategies", "garbage").Code)

	wrong, err := GenerateToken("ops", "other", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, get(t, s, "/api/strategies", wrong).Code)

	expired, err := GenerateToken("ops", secret, -time.Minute)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, get(t, s, "/api/strategies", expired).Code)

	good, err := GenerateToken("ops", secret, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, get(t, s, "/api/strategies", good).Code)

	_, err = GenerateToken("ops", "", time.Hour)
	assert.Error(t, err)
}

func TestRateLimit(t *testing.T) {
	s, _ := newTestServer("")
	s.limiter.rps, s.limiter.burst = 0, 2

	assert.Equal(t, http.StatusOK, get(t, s, "/health", "").Code)
	assert.Equal(t, http.StatusOK, get(t, s, "/health", "").Code)
	w := get(t, s, "/health", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "RATE_LIMITED")
}

func TestOrderStream(t *testing.T) {
	const secret = "s3cret"
	s, hub := newTestServer(secret)
	srv := httptest.NewServer(s.Router)
	defer srv.Close()
	base := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/orders"

	_, resp, err := websocket.DefaultDialer.Dial(base, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := GenerateToken("ops", secret, time.Hour)
	require.NoError(t, err)
	conn, _, err := websocket.DefaultDialer.Dial(base+"?strategy=aapl&token="+token, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Topics()["aapl"] == 1 }, time.Second, 5*time.Millisecond)
	hub.Publish("other", events.OrderEvent{Type: events.OrderSubmitted, StrategyID: "other"})
	hub.Publish("aapl", events.OrderEvent{
		Type:       events.OrderAccepted,
		StrategyID: "aapl",
		FIGI:       "BBG000B9XRY4",
		OrderID:    "o1",
		Side:       common.SideBuy,
		Lots:       5,
		Price:      decimal.RequireFromString("100.25"),
		Time:       time.Now(),
	})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "order.accepted", msg["type"])
	assert.Equal(t, "100.25", msg["price"])
	assert.Equal(t, "BUY", msg["side"])

	hub.Close()
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}
