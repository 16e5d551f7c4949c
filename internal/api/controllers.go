package api

import (
	"errors"
	"net/http"
	"strconv"

	"invest-core/internal/engine"

	"github.com/gin-gonic/gin"
)

func (s *Server) getSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.GetSystemStatus(c.Request.Context()))
}

func (s *Server) getMetrics(c *gin.Context) {
	if s.Metrics == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"code":  "METRICS_UNAVAILABLE",
			"error": "metrics not enabled",
		})
		return
	}
	c.JSON(http.StatusOK, s.Metrics.GetSnapshot())
}

func (s *Server) getStrategies(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.ListStrategies(c.Request.Context()))
}

func (s *Server) getStrategy(c *gin.Context) {
	st, err := s.Engine.GetStrategyStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) getStrategyOrders(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":  "INVALID_LIMIT",
				"error": "limit must be between 1 and 1000",
			})
			return
		}
		limit = n
	}
	orders, err := s.Engine.GetStrategyOrders(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, orders)
}

func (s *Server) respondError(c *gin.Context, err error) {
	if errors.Is(err, engine.ErrStrategyNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"code":  "STRATEGY_NOT_FOUND",
			"error": err.Error(),
		})
		return
	}
	s.log.WithError(err).WithField("path", c.Request.URL.Path).Error("request failed")
	c.JSON(http.StatusInternalServerError, gin.H{
		"code":  "INTERNAL",
		"error": "internal server error",
	})
}
