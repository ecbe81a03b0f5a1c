package handler

import (
	"log"
	"net/http"
	"time"

	"github.com/aman-churiwal/gateway-core/internal/dispatch"
	"github.com/aman-churiwal/gateway-core/internal/storage"
	"github.com/gin-gonic/gin"
)

// Handles the observability surface: health, metrics and the route dump
type SystemHandler struct {
	dispatcher *dispatch.Dispatcher
	redis      *storage.RedisClient
	postgres   *storage.Postgres
}

func NewSystemHandler(dispatcher *dispatch.Dispatcher, redis *storage.RedisClient, postgres *storage.Postgres) *SystemHandler {
	return &SystemHandler{
		dispatcher: dispatcher,
		redis:      redis,
		postgres:   postgres,
	}
}

func (h *SystemHandler) Health(c *gin.Context) {
	ctx := c.Request.Context()

	redisHealthy := true
	if err := h.redis.Ping(ctx); err != nil {
		redisHealthy = false
		log.Printf("Redis health check failed: %v", err)
	}

	dbHealthy := true
	if h.postgres != nil {
		if err := h.postgres.Ping(ctx); err != nil {
			dbHealthy = false
			log.Printf("Database health check failed: %v", err)
		}
	}

	services := h.dispatcher.ServiceHealthViews()

	status := "healthy"
	statusCode := http.StatusOK
	if !redisHealthy || !dbHealthy {
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}
	for _, svc := range services {
		if svc.Status == "unavailable" {
			status = "degraded"
			break
		}
	}

	c.JSON(statusCode, gin.H{
		"status":    status,
		"timestamp": time.Now().Unix(),
		"metrics":   h.dispatcher.Metrics().Snapshot(),
		"services":  services,
		"checks": gin.H{
			"redis":    redisHealthy,
			"database": dbHealthy,
		},
	})
}

func (h *SystemHandler) Metrics(c *gin.Context) {
	c.JSON(http.StatusOK, h.dispatcher.Metrics().Snapshot())
}

func (h *SystemHandler) Routes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"routes": h.dispatcher.Routes().Snapshot(),
	})
}

// Returns the status of every circuit breaker created so far
func (h *SystemHandler) CircuitBreakerStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"breakers": h.dispatcher.Breakers().Snapshots(),
	})
}

// Manually forces a breaker back to closed
func (h *SystemHandler) ResetCircuitBreaker(c *gin.Context) {
	service := c.Param("service")

	if !h.dispatcher.Breakers().Reset(service) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Service not found",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Circuit breaker reset successfully",
		"service": service,
	})
}

// Operator reset of a single rate-limit key
func (h *SystemHandler) ClearRateLimit(c *gin.Context) {
	var req struct {
		Key string `json:"key" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "key is required",
		})
		return
	}

	if err := h.dispatcher.ClearRateLimit(c.Request.Context(), req.Key); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to clear rate limit",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Rate limit cleared",
		"key":     req.Key,
	})
}
