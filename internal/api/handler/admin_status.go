package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pixivproxy/imgserve/internal/models"
	"github.com/pixivproxy/imgserve/internal/repository"
)

var startTime = time.Now()

// StatusResponse is the /api/admin/status payload: counters a dashboard
// needs at a glance, across jobs, tokens and proxy health.
type StatusResponse struct {
	UptimeSeconds     int64  `json:"uptime_seconds"`
	JobsPending       int64  `json:"jobs_pending"`
	JobsRunning       int64  `json:"jobs_running"`
	JobsFailed        int64  `json:"jobs_failed"`
	JobsDLQ           int64  `json:"jobs_dlq"`
	TokensTotal       int    `json:"tokens_total"`
	TokensEnabled     int    `json:"tokens_enabled"`
	ProxyEndpointsTotal int  `json:"proxy_endpoints_total"`
	ProxyEndpointsEnabled int `json:"proxy_endpoints_enabled"`
}

// StatusHandler handles system status API endpoints.
type StatusHandler struct {
	jobRepo      repository.JobRepository
	tokenRepo    repository.PixivTokenRepository
	endpointRepo repository.ProxyEndpointRepository
}

// NewStatusHandler creates a new StatusHandler.
func NewStatusHandler(
	jobRepo repository.JobRepository,
	tokenRepo repository.PixivTokenRepository,
	endpointRepo repository.ProxyEndpointRepository,
) *StatusHandler {
	return &StatusHandler{jobRepo: jobRepo, tokenRepo: tokenRepo, endpointRepo: endpointRepo}
}

// GetSystemStatus returns a snapshot of queue depth, credential and proxy
// pool health.
func (h *StatusHandler) GetSystemStatus(c *gin.Context) {
	ctx := c.Request.Context()
	resp := StatusResponse{UptimeSeconds: int64(time.Since(startTime).Seconds())}

	for status, dest := range map[string]*int64{
		models.JobStatusPending: &resp.JobsPending,
		models.JobStatusRunning: &resp.JobsRunning,
		models.JobStatusFailed:  &resp.JobsFailed,
		models.JobStatusDLQ:     &resp.JobsDLQ,
	} {
		_, count, err := h.jobRepo.List(ctx, status, 0, 1)
		if err == nil {
			*dest = count
		}
	}

	if tokens, err := h.tokenRepo.FindAll(ctx); err == nil {
		resp.TokensTotal = len(tokens)
		for _, t := range tokens {
			if t.Enabled {
				resp.TokensEnabled++
			}
		}
	}

	if endpoints, err := h.endpointRepo.FindAll(ctx); err == nil {
		resp.ProxyEndpointsTotal = len(endpoints)
		for _, e := range endpoints {
			if e.Enabled {
				resp.ProxyEndpointsEnabled++
			}
		}
	}

	c.JSON(http.StatusOK, resp)
}

// TriggerProbe is a placeholder hook wired by server.go to the worker's
// ProbeHandler for an immediate on-demand proxy connectivity check.
func TriggerProbeResponse(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"checked_at": time.Now().UTC().Format(time.RFC3339),
		"message":    "probe triggered",
	})
}
