package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/drawsync/backend/internal/v1/bus"
	"github.com/drawsync/backend/internal/v1/logging"
	"github.com/drawsync/backend/internal/v1/store"
	"go.uber.org/zap"
)

// Handler manages health check endpoints.
type Handler struct {
	cursorBus *bus.Service
	store     *store.Store
}

// NewHandler creates a new health check handler. cursorBus may be nil when
// running in single-instance mode.
func NewHandler(cursorBus *bus.Service, st *store.Store) *Handler {
	return &Handler{cursorBus: cursorBus, store: st}
}

// LivenessResponse represents the liveness probe response.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles the liveness probe endpoint.
// GET /health/live
// Returns 200 if the process is alive (no dependency checks).
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles the readiness probe endpoint.
// GET /health/ready
// Returns 200 only if all critical dependencies are healthy, 503 otherwise.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	redisStatus := h.checkRedis(ctx)
	checks["redis"] = redisStatus
	if redisStatus != "healthy" {
		allHealthy = false
	}

	persistenceStatus := h.checkPersistence()
	checks["persistence"] = persistenceStatus
	if persistenceStatus != "healthy" {
		allHealthy = false
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// checkRedis verifies cursor bus connectivity using PING. In single-instance
// mode (no Redis configured) this is always healthy.
func (h *Handler) checkRedis(ctx context.Context) string {
	if h.cursorBus == nil {
		return "healthy"
	}
	if err := h.cursorBus.Ping(ctx); err != nil {
		logging.Error(ctx, "redis health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}

// checkPersistence verifies the persistence store's circuit breaker has not
// tripped open.
func (h *Handler) checkPersistence() string {
	if h.store == nil {
		return "healthy"
	}
	if !h.store.Healthy() {
		return "unhealthy"
	}
	return "healthy"
}
