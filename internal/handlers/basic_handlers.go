package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Pinger backing store health check
type Pinger interface {
	Ping(ctx context.Context) error
}

// QueueStats actor scheduler load
type QueueStats interface {
	QueueDepth() int
	Running() int
}

// HealthHandler GET /health
type HealthHandler struct {
	store Pinger
	queue QueueStats
}

// NewHealthHandler create health handler; queue may be nil
func NewHealthHandler(store Pinger, queue QueueStats) *HealthHandler {
	return &HealthHandler{store: store, queue: queue}
}

// HealthCheckHandler reports ok while the backing store answers
func (h *HealthHandler) HealthCheckHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	body := gin.H{
		"status":  "ok",
		"service": "proof-orchestrator",
		"store":   "healthy",
	}
	if h.queue != nil {
		body["queue_depth"] = h.queue.QueueDepth()
		body["running"] = h.queue.Running()
	}

	if err := h.store.Ping(ctx); err != nil {
		body["status"] = "degraded"
		body["store"] = err.Error()
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	c.JSON(http.StatusOK, body)
}
