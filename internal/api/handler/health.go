package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pixivproxy/imgserve/internal/repository"
	"github.com/pixivproxy/imgserve/internal/service"
	"github.com/pixivproxy/imgserve/internal/version"
)

// HealthHandler answers liveness/readiness probes by summarizing proxy
// endpoint circuit-breaker state instead of the teacher's per-model
// health table, since this service has no upstream model routing.
type HealthHandler struct {
	endpointRepo repository.ProxyEndpointRepository
	breaker      *service.CircuitBreaker
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(endpointRepo repository.ProxyEndpointRepository, breaker *service.CircuitBreaker) *HealthHandler {
	return &HealthHandler{endpointRepo: endpointRepo, breaker: breaker}
}

// Health returns the service health status: healthy when at least one
// enabled proxy endpoint has a closed circuit, degraded when some are
// open, unhealthy when every enabled endpoint's circuit is open.
func (h *HealthHandler) Health(c *gin.Context) {
	endpoints, err := h.endpointRepo.FindAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusOK, gin.H{
			"status":  "unknown",
			"version": version.Short(),
		})
		return
	}

	healthy := 0
	unhealthy := 0
	for _, ep := range endpoints {
		if !ep.Enabled {
			continue
		}
		if h.breaker.IsOpen(ep.ID) {
			unhealthy++
		} else {
			healthy++
		}
	}

	status := "healthy"
	switch {
	case healthy == 0 && unhealthy > 0:
		status = "unhealthy"
	case unhealthy > 0:
		status = "degraded"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    status,
		"version":   version.Short(),
		"healthy":   healthy,
		"unhealthy": unhealthy,
	})
}
