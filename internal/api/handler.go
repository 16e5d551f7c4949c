package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"invest-core/internal/engine"
	"invest-core/internal/events"
	"invest-core/internal/monitor"
	"invest-core/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Server wires HTTP endpoints around the engine service.
type Server struct {
	Router    *gin.Engine
	Engine    engine.Service
	Metrics   *monitor.SystemMetrics
	OrderHub  *events.Hub[events.OrderEvent]
	JWTSecret string

	log     *logger.Entry
	limiter *ipLimiter
	httpSrv *http.Server
}

// NewServer builds the router. JWT auth guards /api only when jwtSecret is set.
func NewServer(svc engine.Service, metrics *monitor.SystemMetrics, orderHub *events.Hub[events.OrderEvent], jwtSecret string) *Server {
	r := gin.New()
	s := &Server{
		Router:    r,
		Engine:    svc,
		Metrics:   metrics,
		OrderHub:  orderHub,
		JWTSecret: jwtSecret,
		log:       logger.GetLogger().WithComponent("api"),
		limiter:   newIPLimiter(20, 50),
	}

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())                      // Panic recovery (first)
	r.Use(RequestIDMiddleware())               // Request ID tracking
	r.Use(RequestLogger(s.log))                // Request logging (after ID is set)
	r.Use(RateLimitMiddleware(s.limiter))      // Rate limiting
	r.Use(TimeoutMiddleware(10 * time.Second)) // Request timeout

	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)

	api := s.Router.Group("/api")
	if s.JWTSecret != "" {
		api.Use(AuthMiddleware(s.JWTSecret))
	}
	{
		api.GET("/system/status", s.getSystemStatus)
		api.GET("/metrics", s.getMetrics)
		api.GET("/strategies", s.getStrategies)
		api.GET("/strategies/:id", s.getStrategy)
		api.GET("/strategies/:id/orders", s.getStrategyOrders)
	}

	// Browsers cannot set headers on websocket upgrades; the stream takes
	// the token as a query parameter instead.
	ws := s.Router.Group("/ws")
	if s.JWTSecret != "" {
		ws.Use(QueryAuthMiddleware(s.JWTSecret))
	}
	ws.GET("/orders", s.streamOrders)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
