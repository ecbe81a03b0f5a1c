package handler

import (
	"net/http"

	"github.com/aman-churiwal/gateway-core/internal/config"
	"github.com/aman-churiwal/gateway-core/internal/routetable"
	"github.com/gin-gonic/gin"
)

// Admin CRUD over the route table
type RouteHandler struct {
	table *routetable.Table
}

func NewRouteHandler(table *routetable.Table) *RouteHandler {
	return &RouteHandler{table: table}
}

func (h *RouteHandler) Create(c *gin.Context) {
	var req config.RouteConfig
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid route definition: " + err.Error(),
		})
		return
	}

	route := req.ToRoute()
	if err := h.table.Add(route); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"message": "Route registered",
		"route":   route,
	})
}

type updateRequest struct {
	Path   string `json:"path" binding:"required"`
	Method string `json:"method" binding:"required"`

	Service   *string `json:"service,omitempty"`
	Target    *string `json:"target,omitempty"`
	Priority  *int    `json:"priority,omitempty"`
	TimeoutMs *int64  `json:"timeout_ms,omitempty"`

	Auth           *routetable.AuthPolicy           `json:"auth,omitempty"`
	RateLimit      *routetable.RateLimitPolicy      `json:"rate_limit,omitempty"`
	CircuitBreaker *routetable.CircuitBreakerPolicy `json:"circuit_breaker,omitempty"`
	Versioning     *routetable.VersionPolicy        `json:"versioning,omitempty"`
}

func (h *RouteHandler) Update(c *gin.Context) {
	var req updateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid update: " + err.Error(),
		})
		return
	}

	upd := routetable.Update{
		Service:        req.Service,
		TargetURL:      req.Target,
		Priority:       req.Priority,
		Timeout:        req.TimeoutMs,
		Auth:           req.Auth,
		RateLimit:      req.RateLimit,
		CircuitBreaker: req.CircuitBreaker,
		Versioning:     req.Versioning,
	}

	if err := h.table.UpdateRoute(req.Path, req.Method, upd); err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Route updated",
	})
}

func (h *RouteHandler) Delete(c *gin.Context) {
	path := c.Query("path")
	if path == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "path query parameter is required",
		})
		return
	}

	method := c.Query("method")

	if err := h.table.Remove(path, method); err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Route removed",
		"path":    path,
	})
}
